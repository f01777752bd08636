package main

// Messages coming from clients. A single envelope with optional fields,
// discriminated by Type.
type ClientMessage struct {
	Type       string `json:"type"`                 // "attach-host", "join", "set-name", "submit-photo", "start-question", "submit-answer", "begin-reveal", "advance-reveal", "reveal-identity", "end-question", "leave"
	Token      string `json:"token,omitempty"`      // attach-host / join
	Name       string `json:"name,omitempty"`       // join / set-name
	BlobURL    string `json:"blobUrl,omitempty"`    // submit-photo
	Subject    string `json:"subject,omitempty"`    // submit-photo
	PhotoIndex *int   `json:"photoIndex,omitempty"` // start-question
	AnswerKind string `json:"answerKind,omitempty"` // start-question
	QuestionID string `json:"questionId,omitempty"` // submit-answer
	Value      string `json:"value,omitempty"`      // submit-answer
}

// RosterEntry is the host's view of a single participant.
type RosterEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
	Answered  bool   `json:"answered"`
}

// QuestionPayload describes the live question as sent to participants.
type QuestionPayload struct {
	QuestionID string `json:"questionId"`
	PhotoURL   string `json:"photoUrl"`
	AnswerKind string `json:"answerKind"`
}

// HostAttachedMessage resumes a reconnecting host without replaying
// history: the full roster, the live question (if any), and, mid-reveal,
// the current presentation position.
type HostAttachedMessage struct {
	Type       string           `json:"type"` // "host-attached"
	Code       string           `json:"code"`
	Topic      string           `json:"topic"`
	Phase      string           `json:"phase"`
	Roster     []RosterEntry    `json:"roster"`
	PhotoCount int              `json:"photoCount"`
	Question   *QuestionPayload `json:"question,omitempty"`
	Answered   int              `json:"answered"`
	RevealIdx  int              `json:"revealIndex,omitempty"`
	RevealLen  int              `json:"revealTotal,omitempty"`
}

// JoinedMessage confirms a participant attach, new or reconnected.
type JoinedMessage struct {
	Type          string `json:"type"` // "joined"
	Code          string `json:"code"`
	Topic         string `json:"topic"`
	ParticipantID string `json:"participantId"`
	Token         string `json:"token"`
	Name          string `json:"name"`
	Reconnect     bool   `json:"reconnect"`
}

// RosterDeltaMessage is sent to the host whenever a participant joins,
// reconnects, disconnects, or renames.
type RosterDeltaMessage struct {
	Type        string        `json:"type"`  // "roster-delta"
	Event       string        `json:"event"` // "joined", "reconnected", "disconnected", "renamed"
	Participant RosterEntry   `json:"participant"`
	TotalCount  int           `json:"totalCount"`
	Roster      []RosterEntry `json:"roster"`
}

// PhotoCountMessage announces the new photo list size to everyone.
type PhotoCountMessage struct {
	Type       string `json:"type"` // "photo-count"
	PhotoCount int    `json:"photoCount"`
}

// QuestionStartedMessage carries the live question to participants.
type QuestionStartedMessage struct {
	Type       string `json:"type"` // "question-started"
	QuestionID string `json:"questionId"`
	PhotoURL   string `json:"photoUrl"`
	AnswerKind string `json:"answerKind"`
}

// QuestionSentMessage acknowledges StartQuestion to the host.
type QuestionSentMessage struct {
	Type       string `json:"type"` // "question-sent"
	QuestionID string `json:"questionId"`
}

// AnswerReceivedMessage acknowledges an accepted answer to its submitter.
type AnswerReceivedMessage struct {
	Type       string `json:"type"` // "answer-received"
	QuestionID string `json:"questionId"`
}

// AnswerCountMessage keeps the host's tally current. AllAnswered is the
// host's cue to enable "begin reveal": it accounts for every currently
// reachable participant.
type AnswerCountMessage struct {
	Type        string        `json:"type"` // "answer-count"
	Answered    int           `json:"answered"`
	Total       int           `json:"total"`
	Reachable   int           `json:"reachable"`
	AllAnswered bool          `json:"allAnswered"`
	Roster      []RosterEntry `json:"roster"`
}

// GuessingStartedMessage tells participants no further answers are taken.
type GuessingStartedMessage struct {
	Type string `json:"type"` // "guessing-started"
}

// PresentationEntryMessage shows the host one shuffled answer with the
// submitter's identity withheld.
type PresentationEntryMessage struct {
	Type      string `json:"type"` // "presentation-entry"
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	Value     string `json:"value"`
	ValueKind string `json:"valueKind"`
}

// IdentityRevealedMessage uncovers the submitter of the current entry,
// along with the canonical correct answer (the photo's subject).
type IdentityRevealedMessage struct {
	Type          string `json:"type"` // "identity-revealed"
	Index         int    `json:"index"`
	Name          string `json:"name"`
	CorrectAnswer string `json:"correctAnswer"`
}

// AllShownMessage tells the host the reveal walk is exhausted.
type AllShownMessage struct {
	Type string `json:"type"` // "all-shown"
}

// WaitingMessage parks participants between questions, or after they have
// answered the live one.
type WaitingMessage struct {
	Type string `json:"type"` // "waiting-for-question"
}

// ReadyMessage acknowledges EndQuestion to the host.
type ReadyMessage struct {
	Type string `json:"type"` // "ready-for-question"
}

// RejectionMessage reports a recoverable failure to the offending
// connection only.
type RejectionMessage struct {
	Type    string `json:"type"` // "rejection"
	Code    string `json:"code"`
	Message string `json:"message"`
}

func rejection(err error) RejectionMessage {
	return RejectionMessage{
		Type:    "rejection",
		Code:    rejectionCode(err),
		Message: err.Error(),
	}
}
