package main

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

type Role int

const (
	RoleHost Role = iota
	RoleParticipant
)

// Identity is what a bearer token resolves to.
type Identity struct {
	Code          string
	Role          Role
	ParticipantID string // empty for hosts
}

// TokenRegistry maps opaque bearer tokens to identities. Tokens come from
// crypto/rand with enough entropy that collisions are treated as
// impossible; once issued, a token is only ever invalidated by session
// deletion or expiry.
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

func newTokenRegistry() *TokenRegistry {
	return &TokenRegistry{
		tokens: make(map[string]Identity),
	}
}

func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

func (tr *TokenRegistry) Issue(role Role, code, participantID string) string {
	token := newToken()

	tr.mu.Lock()
	tr.tokens[token] = Identity{
		Code:          code,
		Role:          role,
		ParticipantID: participantID,
	}
	tr.mu.Unlock()

	return token
}

func (tr *TokenRegistry) Resolve(token string) (Identity, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	id, ok := tr.tokens[token]
	return id, ok
}

// RevokeAll drops every token issued for the given session code. Called
// when a session is deleted or reaped.
func (tr *TokenRegistry) RevokeAll(code string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for token, id := range tr.tokens {
		if id.Code == code {
			delete(tr.tokens, token)
		}
	}
}
