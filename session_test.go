package main

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{}
}

func newTestSession(t *testing.T) (*Session, string) {
	t.Helper()

	tokens := newTokenRegistry()
	s := newSession("ABCDEF", "family reunion", tokens)
	hostToken := tokens.Issue(RoleHost, s.code, "")

	return s, hostToken
}

func newTestClient() *Client {
	return &Client{send: make(chan any, 64)}
}

// recv pops queued messages until one of type T shows up.
func recv[T any](t *testing.T, c *Client) T {
	t.Helper()

	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				t.Fatalf("send queue closed while waiting for %T", *new(T))
			}
			if v, match := m.(T); match {
				return v
			}
		default:
			t.Fatalf("no %T queued", *new(T))
		}
	}
}

func drain(c *Client) {
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func attachTestHost(t *testing.T, s *Session, token string) *Client {
	t.Helper()

	c := newTestClient()
	s.addClient(c)
	s.handleAttachHost(testConfig(), c, ClientMessage{Type: "attach-host", Token: token})

	attached := recv[HostAttachedMessage](t, c)
	require.Equal(t, s.code, attached.Code)

	return c
}

func joinTestGuest(t *testing.T, s *Session, name string) (*Client, JoinedMessage) {
	t.Helper()

	c := newTestClient()
	s.addClient(c)
	s.handleJoin(testConfig(), c, ClientMessage{Type: "join", Name: name})

	joined := recv[JoinedMessage](t, c)
	require.NotEmpty(t, joined.ParticipantID)
	require.NotEmpty(t, joined.Token)

	return c, joined
}

func addTestPhoto(t *testing.T, s *Session, c *Client, subject string) {
	t.Helper()

	s.handlePhoto(testConfig(), c, ClientMessage{
		Type:    "submit-photo",
		BlobURL: "/blobs/" + subject,
		Subject: subject,
	})
}

func startTestQuestion(t *testing.T, s *Session, host *Client, idx int) string {
	t.Helper()

	drain(host)
	s.handleStartQuestion(testConfig(), host, ClientMessage{Type: "start-question", PhotoIndex: &idx})
	sent := recv[QuestionSentMessage](t, host)

	return sent.QuestionID
}

func TestAttachHostRejectsBadToken(t *testing.T) {
	s, _ := newTestSession(t)

	c := newTestClient()
	s.addClient(c)
	s.handleAttachHost(testConfig(), c, ClientMessage{Type: "attach-host", Token: "bogus"})

	rej := recv[RejectionMessage](t, c)
	require.Equal(t, "unauthorized", rej.Code)
	require.Nil(t, s.host)
}

func TestAttachHostEvictsPriorConnection(t *testing.T) {
	s, hostToken := newTestSession(t)

	first := attachTestHost(t, s, hostToken)
	second := attachTestHost(t, s, hostToken)

	require.Same(t, second, s.host)
	require.False(t, first.isHost)
	require.True(t, second.isHost)

	// The evicted connection's queue is closed and it is out of the
	// client set, so nothing further is routed to it.
	drain(first)
	_, ok := <-first.send
	require.False(t, ok)
	require.NotContains(t, s.clients, first)
}

func TestConcurrentHostAttachesBindExactlyOne(t *testing.T) {
	s, hostToken := newTestSession(t)

	const n = 16
	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = newTestClient()
		s.addClient(clients[i])
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			s.handleAttachHost(testConfig(), c, ClientMessage{Type: "attach-host", Token: hostToken})
		}(c)
	}
	wg.Wait()

	bound := 0
	for _, c := range clients {
		if c.isHost {
			bound++
			require.Same(t, c, s.host)
		}
	}
	require.Equal(t, 1, bound)
}

func TestJoinCreatesParticipantAndNotifiesHost(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	_, joined := joinTestGuest(t, s, "Alice")

	require.False(t, joined.Reconnect)
	require.Equal(t, "family reunion", joined.Topic)

	delta := recv[RosterDeltaMessage](t, host)
	require.Equal(t, "joined", delta.Event)
	require.Equal(t, "Alice", delta.Participant.Name)
	require.True(t, delta.Participant.Reachable)
	require.Equal(t, 1, delta.TotalCount)
}

func TestReconnectKeepsIdentity(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, joined := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")
	qid := startTestQuestion(t, s, host, 0)
	s.handleSubmitAnswer(testConfig(), guest, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "Grandma"})

	s.dropClient(testConfig(), guest)
	require.False(t, s.roster[joined.ParticipantID].Reachable)

	again := newTestClient()
	s.addClient(again)
	s.handleJoin(testConfig(), again, ClientMessage{Type: "join", Token: joined.Token})

	rejoined := recv[JoinedMessage](t, again)
	require.True(t, rejoined.Reconnect)
	require.Equal(t, joined.ParticipantID, rejoined.ParticipantID)
	require.Len(t, s.roster, 1)

	// Having already answered the live question, the reconnecting guest
	// is parked instead of being re-sent the question.
	recv[WaitingMessage](t, again)
	require.True(t, s.roster[joined.ParticipantID].Answered)
	require.True(t, s.roster[joined.ParticipantID].Reachable)
}

func TestConcurrentReconnectsBindExactlyOne(t *testing.T) {
	s, _ := newTestSession(t)

	_, joined := joinTestGuest(t, s, "Alice")

	const n = 16
	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = newTestClient()
		s.addClient(clients[i])
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			s.handleJoin(testConfig(), c, ClientMessage{Type: "join", Token: joined.Token})
		}(c)
	}
	wg.Wait()

	bound := 0
	for _, c := range clients {
		if _, live := s.clients[c]; live && c.participantID == joined.ParticipantID {
			bound++
		}
	}
	require.Equal(t, 1, bound)
	require.Len(t, s.roster, 1)
}

func TestSecondAnswerRejectedWithoutOverwrite(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, _ := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")
	qid := startTestQuestion(t, s, host, 0)

	s.handleSubmitAnswer(testConfig(), guest, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "first"})
	recv[AnswerReceivedMessage](t, guest)

	s.handleSubmitAnswer(testConfig(), guest, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "second"})
	rej := recv[RejectionMessage](t, guest)
	require.Equal(t, "already_answered", rej.Code)

	require.Len(t, s.question.Answers, 1)
	require.Equal(t, "first", s.question.Answers[0].Value)
}

func TestStaleQuestionIDRejected(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, _ := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")
	startTestQuestion(t, s, host, 0)

	s.handleSubmitAnswer(testConfig(), guest, ClientMessage{Type: "submit-answer", QuestionID: "q999", Value: "x"})
	rej := recv[RejectionMessage](t, guest)
	require.Equal(t, "stale_question", rej.Code)
}

func TestStartQuestionClearsAnsweredFlags(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, joined := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")
	addTestPhoto(t, s, guest, "Uncle Bob")

	qid := startTestQuestion(t, s, host, 0)
	s.handleSubmitAnswer(testConfig(), guest, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "Grandma"})
	recv[AnswerReceivedMessage](t, guest)
	require.True(t, s.roster[joined.ParticipantID].Answered)

	s.handleBeginReveal(testConfig(), host, ClientMessage{Type: "begin-reveal"})

	// Starting a fresh question from Guessing abandons the reveal and
	// lets every previously-answered participant answer again.
	drain(guest)
	qid2 := startTestQuestion(t, s, host, 1)
	require.Equal(t, PhaseCollecting, s.phase)
	require.False(t, s.roster[joined.ParticipantID].Answered)

	s.handleSubmitAnswer(testConfig(), guest, ClientMessage{Type: "submit-answer", QuestionID: qid2, Value: "Bob"})
	recv[AnswerReceivedMessage](t, guest)
}

func TestScenarioLateAnswerAfterRevealRejected(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	alice, _ := joinTestGuest(t, s, "Alice")
	bob, _ := joinTestGuest(t, s, "Bob")
	addTestPhoto(t, s, alice, "Grandma")

	qid := startTestQuestion(t, s, host, 0)
	s.handleSubmitAnswer(testConfig(), alice, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "Grandma"})

	s.handleBeginReveal(testConfig(), host, ClientMessage{Type: "begin-reveal"})
	require.Equal(t, PhaseGuessing, s.phase)

	drain(bob)
	s.handleSubmitAnswer(testConfig(), bob, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "too late"})
	rej := recv[RejectionMessage](t, bob)
	require.Equal(t, "invalid_phase", rej.Code)

	// The frozen order holds exactly the answers collected before the
	// reveal began.
	require.Len(t, s.order, 1)
}

func TestScenarioReconnectMidCollecting(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, joined := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")
	qid := startTestQuestion(t, s, host, 0)
	drain(guest)

	s.dropClient(testConfig(), guest)

	again := newTestClient()
	s.addClient(again)
	s.handleJoin(testConfig(), again, ClientMessage{Type: "join", Token: joined.Token})
	recv[JoinedMessage](t, again)

	// Still unanswered, so the live question is re-sent.
	question := recv[QuestionStartedMessage](t, again)
	require.Equal(t, qid, question.QuestionID)

	s.handleSubmitAnswer(testConfig(), again, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "Grandma"})
	recv[AnswerReceivedMessage](t, again)

	s.handleSubmitAnswer(testConfig(), again, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "again"})
	rej := recv[RejectionMessage](t, again)
	require.Equal(t, "already_answered", rej.Code)
}

func TestScenarioHostReconnectMidGuessing(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	alice, _ := joinTestGuest(t, s, "Alice")
	bob, _ := joinTestGuest(t, s, "Bob")
	addTestPhoto(t, s, alice, "Grandma")

	qid := startTestQuestion(t, s, host, 0)
	s.handleSubmitAnswer(testConfig(), alice, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "a"})
	s.handleSubmitAnswer(testConfig(), bob, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "b"})

	s.handleBeginReveal(testConfig(), host, ClientMessage{Type: "begin-reveal"})
	s.handleAdvanceReveal(testConfig(), host, ClientMessage{Type: "advance-reveal"})

	s.dropClient(testConfig(), host)
	require.Nil(t, s.host)

	again := newTestClient()
	s.addClient(again)
	s.handleAttachHost(testConfig(), again, ClientMessage{Type: "attach-host", Token: hostToken})

	attached := recv[HostAttachedMessage](t, again)
	require.Equal(t, string(PhaseGuessing), attached.Phase)
	require.Equal(t, 1, attached.RevealIdx)
	require.Equal(t, 2, attached.RevealLen)
}

func TestScenarioPhotoIndexOnePastEnd(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, _ := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")

	idx := 1 // photo count is 1, so this is one past the end
	s.handleStartQuestion(testConfig(), host, ClientMessage{Type: "start-question", PhotoIndex: &idx})

	rej := recv[RejectionMessage](t, host)
	require.Equal(t, "out_of_range", rej.Code)
	require.Equal(t, PhaseIdle, s.phase)
	require.Nil(t, s.question)
}

func TestStartQuestionWhileCollectingRejected(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, _ := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")
	addTestPhoto(t, s, guest, "Uncle Bob")
	startTestQuestion(t, s, host, 0)

	idx := 1
	s.handleStartQuestion(testConfig(), host, ClientMessage{Type: "start-question", PhotoIndex: &idx})
	rej := recv[RejectionMessage](t, host)
	require.Equal(t, "invalid_phase", rej.Code)
	require.Equal(t, "q1", s.question.ID)
}

func TestGuestCannotDrivePhases(t *testing.T) {
	s, hostToken := newTestSession(t)
	attachTestHost(t, s, hostToken)

	guest, _ := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")

	idx := 0
	s.handleStartQuestion(testConfig(), guest, ClientMessage{Type: "start-question", PhotoIndex: &idx})
	rej := recv[RejectionMessage](t, guest)
	require.Equal(t, "unauthorized", rej.Code)

	s.handleBeginReveal(testConfig(), guest, ClientMessage{Type: "begin-reveal"})
	rej = recv[RejectionMessage](t, guest)
	require.Equal(t, "unauthorized", rej.Code)
}

func TestRevealOrderIsPermutationOfAnswers(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	values := []string{"alpha", "bravo", "charlie", "delta"}
	guests := make([]*Client, len(values))
	for i := range values {
		guests[i], _ = joinTestGuest(t, s, values[i])
	}
	addTestPhoto(t, s, guests[0], "Grandma")

	qid := startTestQuestion(t, s, host, 0)
	for i, g := range guests {
		s.handleSubmitAnswer(testConfig(), g, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: values[i]})
	}

	drain(host)
	s.handleBeginReveal(testConfig(), host, ClientMessage{Type: "begin-reveal"})

	seen := map[string]int{}
	entry := recv[PresentationEntryMessage](t, host)
	require.Equal(t, len(values), entry.Total)
	seen[entry.Value]++

	for i := 1; i < len(values); i++ {
		s.handleAdvanceReveal(testConfig(), host, ClientMessage{Type: "advance-reveal"})
		entry = recv[PresentationEntryMessage](t, host)
		require.Equal(t, i, entry.Index)
		seen[entry.Value]++
	}

	for _, v := range values {
		require.Equal(t, 1, seen[v], "answer %q must appear exactly once", v)
	}

	s.handleAdvanceReveal(testConfig(), host, ClientMessage{Type: "advance-reveal"})
	recv[AllShownMessage](t, host)
}

func TestRevealIdentityIsIdempotent(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, _ := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")

	qid := startTestQuestion(t, s, host, 0)
	s.handleSubmitAnswer(testConfig(), guest, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "Grandma?"})

	drain(host)
	s.handleBeginReveal(testConfig(), host, ClientMessage{Type: "begin-reveal"})
	recv[PresentationEntryMessage](t, host)

	s.handleRevealIdentity(testConfig(), host, ClientMessage{Type: "reveal-identity"})
	first := recv[IdentityRevealedMessage](t, host)
	require.Equal(t, "Alice", first.Name)
	require.Equal(t, "Grandma", first.CorrectAnswer)

	s.handleRevealIdentity(testConfig(), host, ClientMessage{Type: "reveal-identity"})
	second := recv[IdentityRevealedMessage](t, host)
	require.Equal(t, first, second)
	require.Equal(t, 0, s.cursor)
}

func TestBeginRevealWithNoAnswers(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, _ := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")
	startTestQuestion(t, s, host, 0)

	s.handleBeginReveal(testConfig(), host, ClientMessage{Type: "begin-reveal"})
	recv[AllShownMessage](t, host)
	require.Equal(t, PhaseGuessing, s.phase)
}

func TestEndQuestionResetsToIdle(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, joined := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "Grandma")

	qid := startTestQuestion(t, s, host, 0)
	s.handleSubmitAnswer(testConfig(), guest, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "x"})
	s.handleBeginReveal(testConfig(), host, ClientMessage{Type: "begin-reveal"})

	drain(guest)
	s.handleEndQuestion(testConfig(), host, ClientMessage{Type: "end-question"})

	recv[ReadyMessage](t, host)
	recv[WaitingMessage](t, guest)
	require.Equal(t, PhaseIdle, s.phase)
	require.Nil(t, s.question)
	require.Nil(t, s.order)
	require.False(t, s.roster[joined.ParticipantID].Answered)
}

func TestEndQuestionOutsideGuessingRejected(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	s.handleEndQuestion(testConfig(), host, ClientMessage{Type: "end-question"})
	rej := recv[RejectionMessage](t, host)
	require.Equal(t, "invalid_phase", rej.Code)
}

func TestDisconnectNotifiesHostExactlyOnce(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, joined := joinTestGuest(t, s, "Alice")
	drain(host)

	s.dropClient(testConfig(), guest)
	delta := recv[RosterDeltaMessage](t, host)
	require.Equal(t, "disconnected", delta.Event)
	require.False(t, delta.Participant.Reachable)
	require.NotNil(t, s.roster[joined.ParticipantID])

	// A duplicate close of the same connection is a no-op.
	s.dropClient(testConfig(), guest)
	select {
	case m := <-host.send:
		t.Fatalf("unexpected second notification: %#v", m)
	default:
	}
}

func TestPhotosAccumulateInAnyPhase(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, _ := joinTestGuest(t, s, "Alice")
	addTestPhoto(t, s, guest, "one")

	qid := startTestQuestion(t, s, host, 0)
	addTestPhoto(t, s, guest, "two") // Collecting

	s.handleSubmitAnswer(testConfig(), guest, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "x"})
	s.handleBeginReveal(testConfig(), host, ClientMessage{Type: "begin-reveal"})
	addTestPhoto(t, s, guest, "three") // Guessing

	require.Len(t, s.photos, 3)

	drain(host)
	addTestPhoto(t, s, guest, "four")
	count := recv[PhotoCountMessage](t, host)
	require.Equal(t, 4, count.PhotoCount)
}

func TestAnswerCountTracksReachableParticipants(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	alice, _ := joinTestGuest(t, s, "Alice")
	bob, _ := joinTestGuest(t, s, "Bob")
	addTestPhoto(t, s, alice, "Grandma")

	qid := startTestQuestion(t, s, host, 0)
	drain(host)

	s.handleSubmitAnswer(testConfig(), alice, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "a"})
	count := recv[AnswerCountMessage](t, host)
	require.Equal(t, 1, count.Answered)
	require.Equal(t, 2, count.Reachable)
	require.False(t, count.AllAnswered)

	// Bob dropping out leaves Alice as the only reachable participant,
	// so her answer is the host's cue that everyone is in.
	s.dropClient(testConfig(), bob)
	drain(host)

	carol, _ := joinTestGuest(t, s, "Carol")
	drain(host)
	s.handleSubmitAnswer(testConfig(), carol, ClientMessage{Type: "submit-answer", QuestionID: qid, Value: "c"})
	count = recv[AnswerCountMessage](t, host)
	require.Equal(t, 2, count.Answered)
	require.Equal(t, 2, count.Reachable)
	require.True(t, count.AllAnswered)
}

func TestRenameBroadcastsRosterDelta(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	guest, joined := joinTestGuest(t, s, "Alice")
	drain(host)

	s.handleRename(testConfig(), guest, ClientMessage{Type: "set-name", Name: "Alicia"})
	delta := recv[RosterDeltaMessage](t, host)
	require.Equal(t, "renamed", delta.Event)
	require.Equal(t, "Alicia", delta.Participant.Name)
	require.Equal(t, "Alicia", s.roster[joined.ParticipantID].Name)
}

func TestHostCannotJoinAsGuest(t *testing.T) {
	s, hostToken := newTestSession(t)
	host := attachTestHost(t, s, hostToken)

	s.handleJoin(testConfig(), host, ClientMessage{Type: "join", Name: "sneaky"})
	rej := recv[RejectionMessage](t, host)
	require.Equal(t, "unauthorized", rej.Code)
	require.Empty(t, s.roster)
}
