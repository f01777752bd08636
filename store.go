package main

import (
	"crypto/rand"
	"sync"
	"time"
)

// SessionStore owns every live session, keyed by its shareable code, plus
// the token registry covering them. State is volatile by design: a
// process restart loses all sessions.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	tokens   *TokenRegistry
	maxAge   time.Duration
}

func newSessionStore(maxAge time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		tokens:   newTokenRegistry(),
		maxAge:   maxAge,
	}
}

// newGameCode generates a crypto-random 6-letter code and ensures it
// doesn't collide with a live session.
func (st *SessionStore) newGameCode() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	for {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 6)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		code := string(out)

		st.mu.Lock()
		_, exists := st.sessions[code]
		st.mu.Unlock()

		if !exists {
			return code
		}
	}
}

// Create initializes an Idle session under a fresh code and returns it
// along with the host token that permanently drives it. Creation also
// opportunistically sweeps expired sessions.
func (st *SessionStore) Create(cfg *Config, topic string) (*Session, string) {
	st.SweepExpired(time.Now())

	code := st.newGameCode()
	hostToken := st.tokens.Issue(RoleHost, code, "")
	s := newSession(code, topic, st.tokens)

	st.mu.Lock()
	st.sessions[code] = s
	st.mu.Unlock()

	go s.run(cfg)

	logf(cfg, "GAMES: Created game %s", code)
	return s, hostToken
}

// Get looks up a live session. An unknown code is a routine outcome, not
// an error: users retype codes.
func (st *SessionStore) Get(code string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[code]
	return s, ok
}

// Delete tears down a session and invalidates all its tokens. Idempotent.
func (st *SessionStore) Delete(code string) {
	st.mu.Lock()
	s, ok := st.sessions[code]
	delete(st.sessions, code)
	st.mu.Unlock()

	st.tokens.RevokeAll(code)

	if ok {
		s.closeAll()
	}
}

// SweepExpired removes every session created longer than maxAge ago and
// returns how many were reaped.
func (st *SessionStore) SweepExpired(now time.Time) int {
	cutoff := now.Add(-st.maxAge)

	st.mu.Lock()
	var expired []*Session
	for code, s := range st.sessions {
		s.mu.RLock()
		created := s.createdAt
		s.mu.RUnlock()

		if created.Before(cutoff) {
			delete(st.sessions, code)
			expired = append(expired, s)
		}
	}
	st.mu.Unlock()

	for _, s := range expired {
		st.tokens.RevokeAll(s.code)
		go s.closeAll()
	}

	return len(expired)
}

// reaperLoop periodically sweeps expired sessions, independent of any
// single session's activity.
func (st *SessionStore) reaperLoop(cfg *Config) {
	ticker := time.NewTicker(st.maxAge / 2)
	for range ticker.C {
		if n := st.SweepExpired(time.Now()); n > 0 {
			logf(cfg, "GAMES: Reaped %d expired games", n)
		}
	}
}

// Summary is the debug view of one live session.
type Summary struct {
	Code         string `json:"code"`
	Topic        string `json:"topic"`
	Phase        string `json:"phase"`
	HasHost      bool   `json:"hasHost"`
	Participants int    `json:"participants"`
	Reachable    int    `json:"reachable"`
	Photos       int    `json:"photos"`
	Answers      int    `json:"answers"`
}

// Summaries lists every live session, for the debug endpoint.
func (st *SessionStore) Summaries() []Summary {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.Unlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		s.mu.RLock()
		sum := Summary{
			Code:         s.code,
			Topic:        s.topic,
			Phase:        string(s.phase),
			HasHost:      s.host != nil,
			Participants: len(s.roster),
			Photos:       len(s.photos),
		}
		for _, p := range s.roster {
			if p.Reachable {
				sum.Reachable++
			}
		}
		if s.question != nil {
			sum.Answers = len(s.question.Answers)
		}
		s.mu.RUnlock()

		out = append(out, sum)
	}

	return out
}
