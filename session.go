// Whosthat game sessions.
//
// One Session per shareable code. A host drives the phase machine, guests
// answer questions, and everyone funnels through the session's run loop:
// connections are handled concurrently, but every mutation of a session
// happens under its own lock, so operations on one session never
// interleave and unrelated sessions never block each other.
//
// Participants are never removed on disconnect; they are marked
// unreachable and their token re-attaches them to a fresh connection.
// The session itself survives host disconnects and dies only on explicit
// deletion or expiry.

package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCollecting Phase = "collecting"
	PhaseGuessing   Phase = "guessing"
)

// Answer shapes a question may declare.
const (
	KindText   = "text"
	KindNumber = "number"
	KindImage  = "image"
)

// Participant is a guest identity. It survives reconnects: the ID and
// token are stable for the session's lifetime.
type Participant struct {
	ID        string
	Token     string
	Name      string
	Reachable bool
	Answered  bool // answered the live question
}

// Photo is one uploaded portrait plus the name of the person in it.
type Photo struct {
	URL        string
	Subject    string
	UploadedBy string
}

// Answer records exactly one submission per participant per question.
// Later submissions for the same question are rejected, never overwritten.
type Answer struct {
	ParticipantID string
	QuestionID    string
	Value         string
	ValueKind     string
}

// Question is the live "who is this?" round.
type Question struct {
	ID         string
	PhotoIndex int
	AnswerKind string
	Answers    []Answer
}

type inbound struct {
	client *Client
	msg    ClientMessage
}

type Session struct {
	code  string
	topic string

	bind   chan *Client
	unbind chan *Client
	events chan inbound
	done   chan struct{}

	mu sync.RWMutex

	clients map[*Client]bool
	host    *Client
	roster  map[string]*Participant
	photos  []Photo

	phase       Phase
	question    *Question
	questionSeq int

	// Reveal walk; meaningful only during Guessing.
	order  []Answer
	cursor int

	createdAt  time.Time
	lastActive time.Time

	tokens *TokenRegistry
}

func newSession(code, topic string, tokens *TokenRegistry) *Session {
	now := time.Now()
	return &Session{
		code:       code,
		topic:      topic,
		bind:       make(chan *Client),
		unbind:     make(chan *Client),
		events:     make(chan inbound),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		roster:     make(map[string]*Participant),
		phase:      PhaseIdle,
		createdAt:  now,
		lastActive: now,
		tokens:     tokens,
	}
}

func (s *Session) run(cfg *Config) {
	for {
		select {
		case c := <-s.bind:
			s.addClient(c)

		case c := <-s.unbind:
			s.dropClient(cfg, c)

		case ev := <-s.events:
			s.dispatch(cfg, ev.client, ev.msg)

		case <-s.done:
			return
		}
	}
}

func (s *Session) dispatch(cfg *Config, c *Client, msg ClientMessage) {
	switch msg.Type {
	case "attach-host":
		s.handleAttachHost(cfg, c, msg)
	case "join":
		s.handleJoin(cfg, c, msg)
	case "set-name":
		s.handleRename(cfg, c, msg)
	case "submit-photo":
		s.handlePhoto(cfg, c, msg)
	case "start-question":
		s.handleStartQuestion(cfg, c, msg)
	case "submit-answer":
		s.handleSubmitAnswer(cfg, c, msg)
	case "begin-reveal":
		s.handleBeginReveal(cfg, c, msg)
	case "advance-reveal":
		s.handleAdvanceReveal(cfg, c, msg)
	case "reveal-identity":
		s.handleRevealIdentity(cfg, c, msg)
	case "end-question":
		s.handleEndQuestion(cfg, c, msg)
	default:
		s.mu.Lock()
		s.sendLocked(c, rejection(fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)))
		s.mu.Unlock()
	}
}

func (s *Session) addClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()
	s.clients[c] = true
}

// dropClient handles a closed connection: the binding is detached, a
// bound participant goes unreachable, and the host is told once. A
// connection evicted earlier by a token reconnect was already unbound, so
// its eventual closure is a no-op here.
func (s *Session) dropClient(cfg *Config, c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()
	s.closeClientLocked(c)

	if s.host == c {
		s.host = nil
		c.isHost = false
		logf(cfg, "GAMES: Host disconnected from %s", s.code)
		return
	}

	if c.participantID == "" {
		return
	}

	p := s.roster[c.participantID]
	c.participantID = ""
	if p == nil {
		return
	}

	p.Reachable = false
	logf(cfg, "GAMES: Participant %q disconnected from %s", p.Name, s.code)
	s.rosterDeltaLocked("disconnected", p)
}

// closeClientLocked removes c from the live set and closes its outbound
// queue exactly once; map membership is the guard.
func (s *Session) closeClientLocked(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

// sendLocked queues msg for one connection without ever blocking the
// session: a connection that cannot keep up is dropped on the spot and
// its closure handled like any other disconnect.
func (s *Session) sendLocked(c *Client, msg any) {
	if _, ok := s.clients[c]; !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		s.closeClientLocked(c)
		if s.host == c {
			s.host = nil
			c.isHost = false
		}
		if c.participantID != "" {
			if p := s.roster[c.participantID]; p != nil {
				p.Reachable = false
			}
			c.participantID = ""
		}
	}
}

func (s *Session) broadcastParticipantsLocked(msg any) {
	for c := range s.clients {
		if c.participantID != "" {
			s.sendLocked(c, msg)
		}
	}
}

func (s *Session) broadcastAllLocked(msg any) {
	for c := range s.clients {
		s.sendLocked(c, msg)
	}
}

func (s *Session) rosterDeltaLocked(event string, p *Participant) {
	if s.host == nil {
		return
	}

	s.sendLocked(s.host, RosterDeltaMessage{
		Type:        "roster-delta",
		Event:       event,
		Participant: rosterEntry(p),
		TotalCount:  len(s.roster),
		Roster:      s.rosterSnapshotLocked(),
	})
}

func rosterEntry(p *Participant) RosterEntry {
	return RosterEntry{
		ID:        p.ID,
		Name:      p.Name,
		Reachable: p.Reachable,
		Answered:  p.Answered,
	}
}

func (s *Session) rosterSnapshotLocked() []RosterEntry {
	entries := make([]RosterEntry, 0, len(s.roster))
	for _, p := range s.roster {
		entries = append(entries, rosterEntry(p))
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].ID < entries[j].ID
	})

	return entries
}

func (s *Session) questionPayloadLocked() *QuestionPayload {
	if s.question == nil {
		return nil
	}

	return &QuestionPayload{
		QuestionID: s.question.ID,
		PhotoURL:   s.photos[s.question.PhotoIndex].URL,
		AnswerKind: s.question.AnswerKind,
	}
}

func (s *Session) requireHost(c *Client) error {
	if s.host != c {
		return ErrUnauthorized
	}
	return nil
}

func (s *Session) requireParticipant(c *Client) (*Participant, error) {
	if c.participantID == "" {
		return nil, ErrUnauthorized
	}
	p := s.roster[c.participantID]
	if p == nil {
		return nil, ErrUnauthorized
	}
	return p, nil
}

// handleAttachHost binds the calling connection as host after the
// presented token checks out, evicting any prior host connection, and
// returns everything a reconnecting host needs to resume mid-game.
func (s *Session) handleAttachHost(cfg *Config, c *Client, msg ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	id, ok := s.tokens.Resolve(msg.Token)
	if !ok || id.Role != RoleHost || id.Code != s.code {
		s.sendLocked(c, rejection(ErrUnauthorized))
		return
	}

	if c.participantID != "" {
		s.sendLocked(c, rejection(fmt.Errorf("%w: connection already attached", ErrMalformed)))
		return
	}

	if s.host != nil && s.host != c {
		old := s.host
		old.isHost = false
		s.closeClientLocked(old)
		logf(cfg, "GAMES: Host connection replaced on %s", s.code)
	}

	s.host = c
	c.isHost = true

	answered := 0
	if s.question != nil {
		answered = len(s.question.Answers)
	}

	reply := HostAttachedMessage{
		Type:       "host-attached",
		Code:       s.code,
		Topic:      s.topic,
		Phase:      string(s.phase),
		Roster:     s.rosterSnapshotLocked(),
		PhotoCount: len(s.photos),
		Question:   s.questionPayloadLocked(),
		Answered:   answered,
	}
	if s.phase == PhaseGuessing {
		reply.RevealIdx = s.cursor
		reply.RevealLen = len(s.order)
	}

	s.sendLocked(c, reply)
	logf(cfg, "GAMES: Host attached to %s", s.code)
}

// handleJoin attaches a guest. With a valid token this is a reconnect:
// same identity, same answered-flag, and the live question is only
// re-sent if this participant has not answered it yet. Without one, a
// fresh Participant is minted.
func (s *Session) handleJoin(cfg *Config, c *Client, msg ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if c.isHost {
		s.sendLocked(c, rejection(fmt.Errorf("%w: host cannot join as guest", ErrUnauthorized)))
		return
	}
	if c.participantID != "" {
		s.sendLocked(c, rejection(fmt.Errorf("%w: connection already attached", ErrMalformed)))
		return
	}

	if msg.Token != "" {
		if id, ok := s.tokens.Resolve(msg.Token); ok && id.Role == RoleParticipant && id.Code == s.code {
			if p := s.roster[id.ParticipantID]; p != nil {
				s.reattachLocked(cfg, c, p, msg.Token)
				return
			}
		}
	}

	name := msg.Name
	if name == "" {
		name = "Guest"
	}

	p := &Participant{
		ID:        uuid.NewString(),
		Name:      name,
		Reachable: true,
	}
	p.Token = s.tokens.Issue(RoleParticipant, s.code, p.ID)
	s.roster[p.ID] = p
	c.participantID = p.ID

	s.sendLocked(c, JoinedMessage{
		Type:          "joined",
		Code:          s.code,
		Topic:         s.topic,
		ParticipantID: p.ID,
		Token:         p.Token,
		Name:          p.Name,
	})

	if s.phase == PhaseCollecting {
		if q := s.questionPayloadLocked(); q != nil {
			s.sendLocked(c, QuestionStartedMessage{
				Type:       "question-started",
				QuestionID: q.QuestionID,
				PhotoURL:   q.PhotoURL,
				AnswerKind: q.AnswerKind,
			})
		}
	}

	logf(cfg, "GAMES: Participant %q joined %s", p.Name, s.code)
	s.rosterDeltaLocked("joined", p)
}

// reattachLocked rebinds an existing participant to a new connection,
// deterministically evicting any old connection still holding the same
// identity.
func (s *Session) reattachLocked(cfg *Config, c *Client, p *Participant, token string) {
	for old := range s.clients {
		if old != c && old.participantID == p.ID {
			old.participantID = ""
			s.closeClientLocked(old)
		}
	}

	p.Reachable = true
	c.participantID = p.ID

	s.sendLocked(c, JoinedMessage{
		Type:          "joined",
		Code:          s.code,
		Topic:         s.topic,
		ParticipantID: p.ID,
		Token:         token,
		Name:          p.Name,
		Reconnect:     true,
	})

	switch s.phase {
	case PhaseCollecting:
		// Re-sending an already-answered question would invite a
		// replayed double answer; park those participants instead.
		if p.Answered {
			s.sendLocked(c, WaitingMessage{Type: "waiting-for-question"})
		} else if q := s.questionPayloadLocked(); q != nil {
			s.sendLocked(c, QuestionStartedMessage{
				Type:       "question-started",
				QuestionID: q.QuestionID,
				PhotoURL:   q.PhotoURL,
				AnswerKind: q.AnswerKind,
			})
		}
	case PhaseGuessing:
		s.sendLocked(c, GuessingStartedMessage{Type: "guessing-started"})
	case PhaseIdle:
		s.sendLocked(c, WaitingMessage{Type: "waiting-for-question"})
	}

	logf(cfg, "GAMES: Participant %q reconnected to %s", p.Name, s.code)
	s.rosterDeltaLocked("reconnected", p)
}

func (s *Session) handleRename(cfg *Config, c *Client, msg ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	p, err := s.requireParticipant(c)
	if err != nil {
		s.sendLocked(c, rejection(err))
		return
	}
	if msg.Name == "" {
		s.sendLocked(c, rejection(fmt.Errorf("%w: empty name", ErrMalformed)))
		return
	}

	p.Name = msg.Name
	logf(cfg, "GAMES: Participant %s renamed to %q in %s", p.ID, p.Name, s.code)
	s.rosterDeltaLocked("renamed", p)
}

// handlePhoto appends an uploaded photo to the session's list. Photos
// accumulate in any phase, before and between questions.
func (s *Session) handlePhoto(cfg *Config, c *Client, msg ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	p, err := s.requireParticipant(c)
	if err != nil {
		s.sendLocked(c, rejection(err))
		return
	}
	if msg.BlobURL == "" || msg.Subject == "" {
		s.sendLocked(c, rejection(fmt.Errorf("%w: blobUrl and subject are required", ErrMalformed)))
		return
	}

	s.photos = append(s.photos, Photo{
		URL:        msg.BlobURL,
		Subject:    msg.Subject,
		UploadedBy: p.ID,
	})

	logf(cfg, "GAMES: Photo %d added to %s by %q", len(s.photos), s.code, p.Name)
	s.broadcastAllLocked(PhotoCountMessage{
		Type:       "photo-count",
		PhotoCount: len(s.photos),
	})
}

// handleStartQuestion opens a fresh Collecting round against one photo.
// Legal from Idle and from Guessing (which abandons the reveal), but not
// while another question is still collecting.
func (s *Session) handleStartQuestion(cfg *Config, c *Client, msg ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if err := s.requireHost(c); err != nil {
		s.sendLocked(c, rejection(err))
		return
	}
	if s.phase == PhaseCollecting {
		s.sendLocked(c, rejection(fmt.Errorf("%w: a question is already collecting", ErrInvalidPhase)))
		return
	}
	if msg.PhotoIndex == nil {
		s.sendLocked(c, rejection(fmt.Errorf("%w: photoIndex is required", ErrMalformed)))
		return
	}
	idx := *msg.PhotoIndex
	if idx < 0 || idx >= len(s.photos) {
		s.sendLocked(c, rejection(ErrOutOfRange))
		return
	}

	kind := msg.AnswerKind
	switch kind {
	case "":
		kind = KindText
	case KindText, KindNumber, KindImage:
	default:
		s.sendLocked(c, rejection(fmt.Errorf("%w: unknown answer kind %q", ErrMalformed, kind)))
		return
	}

	s.questionSeq++
	s.question = &Question{
		ID:         fmt.Sprintf("q%d", s.questionSeq),
		PhotoIndex: idx,
		AnswerKind: kind,
	}
	s.phase = PhaseCollecting
	s.order = nil
	s.cursor = 0

	for _, p := range s.roster {
		p.Answered = false
	}

	q := s.questionPayloadLocked()
	s.broadcastParticipantsLocked(QuestionStartedMessage{
		Type:       "question-started",
		QuestionID: q.QuestionID,
		PhotoURL:   q.PhotoURL,
		AnswerKind: q.AnswerKind,
	})

	s.sendLocked(c, QuestionSentMessage{
		Type:       "question-sent",
		QuestionID: s.question.ID,
	})
	logf(cfg, "GAMES: Question %s started in %s (photo %d)", s.question.ID, s.code, idx)
}

func (s *Session) handleSubmitAnswer(cfg *Config, c *Client, msg ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	p, err := s.requireParticipant(c)
	if err != nil {
		s.sendLocked(c, rejection(err))
		return
	}
	if s.phase != PhaseCollecting || s.question == nil {
		s.sendLocked(c, rejection(fmt.Errorf("%w: answers are not being collected", ErrInvalidPhase)))
		return
	}
	if msg.QuestionID != s.question.ID {
		s.sendLocked(c, rejection(ErrStaleQuestion))
		return
	}
	if p.Answered {
		s.sendLocked(c, rejection(ErrAlreadyAnswered))
		return
	}

	s.question.Answers = append(s.question.Answers, Answer{
		ParticipantID: p.ID,
		QuestionID:    s.question.ID,
		Value:         msg.Value,
		ValueKind:     s.question.AnswerKind,
	})
	p.Answered = true

	s.sendLocked(c, AnswerReceivedMessage{
		Type:       "answer-received",
		QuestionID: s.question.ID,
	})

	logf(cfg, "GAMES: Answer from %q in %s (%d so far)", p.Name, s.code, len(s.question.Answers))
	s.answerCountLocked()
}

func (s *Session) answerCountLocked() {
	if s.host == nil {
		return
	}

	reachable := 0
	allAnswered := true
	for _, p := range s.roster {
		if !p.Reachable {
			continue
		}
		reachable++
		if !p.Answered {
			allAnswered = false
		}
	}
	if reachable == 0 {
		allAnswered = false
	}

	answered := 0
	if s.question != nil {
		answered = len(s.question.Answers)
	}

	s.sendLocked(s.host, AnswerCountMessage{
		Type:        "answer-count",
		Answered:    answered,
		Total:       len(s.roster),
		Reachable:   reachable,
		AllAnswered: allAnswered,
		Roster:      s.rosterSnapshotLocked(),
	})
}

// handleBeginReveal freezes the collected answers, shuffles them, and
// starts the host's walk. Answers arriving after this point are rejected.
func (s *Session) handleBeginReveal(cfg *Config, c *Client, msg ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if err := s.requireHost(c); err != nil {
		s.sendLocked(c, rejection(err))
		return
	}
	if s.phase != PhaseCollecting || s.question == nil {
		s.sendLocked(c, rejection(fmt.Errorf("%w: no question is collecting", ErrInvalidPhase)))
		return
	}

	s.phase = PhaseGuessing
	s.order = shuffledAnswers(s.question.Answers)
	s.cursor = 0

	s.broadcastParticipantsLocked(GuessingStartedMessage{Type: "guessing-started"})

	logf(cfg, "GAMES: Guessing started in %s (%d answers)", s.code, len(s.order))
	if len(s.order) == 0 {
		s.sendLocked(c, AllShownMessage{Type: "all-shown"})
		return
	}
	s.presentationEntryLocked(c)
}

func (s *Session) presentationEntryLocked(c *Client) {
	ans := s.order[s.cursor]
	s.sendLocked(c, PresentationEntryMessage{
		Type:      "presentation-entry",
		Index:     s.cursor,
		Total:     len(s.order),
		Value:     ans.Value,
		ValueKind: ans.ValueKind,
	})
}

func (s *Session) handleAdvanceReveal(cfg *Config, c *Client, msg ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if err := s.requireHost(c); err != nil {
		s.sendLocked(c, rejection(err))
		return
	}
	if s.phase != PhaseGuessing {
		s.sendLocked(c, rejection(fmt.Errorf("%w: reveal has not begun", ErrInvalidPhase)))
		return
	}

	if s.cursor < len(s.order) {
		s.cursor++
	}
	if s.cursor < len(s.order) {
		s.presentationEntryLocked(c)
		return
	}
	s.sendLocked(c, AllShownMessage{Type: "all-shown"})
}

// handleRevealIdentity uncovers the submitter of the entry at the current
// cursor, to the host only. The cursor does not move, so re-revealing the
// same entry is harmless.
func (s *Session) handleRevealIdentity(cfg *Config, c *Client, msg ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if err := s.requireHost(c); err != nil {
		s.sendLocked(c, rejection(err))
		return
	}
	if s.phase != PhaseGuessing || s.question == nil {
		s.sendLocked(c, rejection(fmt.Errorf("%w: reveal has not begun", ErrInvalidPhase)))
		return
	}
	if s.cursor >= len(s.order) {
		s.sendLocked(c, rejection(ErrOutOfRange))
		return
	}

	ans := s.order[s.cursor]
	name := "(unknown)"
	if p := s.roster[ans.ParticipantID]; p != nil {
		name = p.Name
	}

	s.sendLocked(c, IdentityRevealedMessage{
		Type:          "identity-revealed",
		Index:         s.cursor,
		Name:          name,
		CorrectAnswer: s.photos[s.question.PhotoIndex].Subject,
	})
}

func (s *Session) handleEndQuestion(cfg *Config, c *Client, msg ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if err := s.requireHost(c); err != nil {
		s.sendLocked(c, rejection(err))
		return
	}
	if s.phase != PhaseGuessing {
		s.sendLocked(c, rejection(fmt.Errorf("%w: no reveal to end", ErrInvalidPhase)))
		return
	}

	s.phase = PhaseIdle
	s.question = nil
	s.order = nil
	s.cursor = 0
	for _, p := range s.roster {
		p.Answered = false
	}

	s.broadcastParticipantsLocked(WaitingMessage{Type: "waiting-for-question"})
	s.sendLocked(c, ReadyMessage{Type: "ready-for-question"})
	logf(cfg, "GAMES: Question ended in %s", s.code)
}

// closeAll disconnects every client of this session (used on delete and
// by the reaper) and stops its run loop.
func (s *Session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
	s.host = nil

	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
