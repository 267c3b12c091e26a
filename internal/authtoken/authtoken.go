// Package authtoken verifies the bearer tokens presented at WebSocket
// connect time against the participant identity they are bound to.
// The gateway never issues tokens — spec §8.1 treats token
// provisioning as an out-of-band operator concern — it only checks
// that a presented token matches the token configured for a
// participant. Configured tokens are plaintext; with hashTokens set,
// Register keeps only their bcrypt hashes in memory.
package authtoken

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when a token does not match the
// participant it claims to authenticate.
var ErrInvalidToken = errors.New("invalid token")

// Verifier binds participant IDs to token hashes for one space and
// answers connect-time authentication checks.
type Verifier struct {
	mu         sync.RWMutex
	hashed     map[string]string // participant id -> bcrypt hash
	plaintext  map[string]string // participant id -> plaintext token, used when hash_tokens is false
	hashTokens bool
}

// NewVerifier builds a Verifier. When hashTokens is true, tokens
// passed to Register are bcrypt-hashed before storage and Verify
// always does a bcrypt comparison; when false, tokens are compared
// directly (suitable for short-lived local/dev deployments where the
// config file itself is the secret store).
func NewVerifier(hashTokens bool) *Verifier {
	return &Verifier{
		hashed:     make(map[string]string),
		plaintext:  make(map[string]string),
		hashTokens: hashTokens,
	}
}

// Register binds a plaintext token to a participant ID, hashing it
// first if the Verifier was constructed with hashTokens=true.
func (v *Verifier) Register(participantID, token string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hashTokens {
		v.plaintext[participantID] = token
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	v.hashed[participantID] = string(hash)
	return nil
}

// Verify checks that token authenticates participantID. Returns
// ErrInvalidToken on any mismatch, including an unknown participant
// ID, so callers cannot distinguish "unknown participant" from "wrong
// token" via the error alone.
func (v *Verifier) Verify(participantID, token string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.hashTokens {
		hash, ok := v.hashed[participantID]
		if !ok {
			return ErrInvalidToken
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
			return ErrInvalidToken
		}
		return nil
	}

	want, ok := v.plaintext[participantID]
	if !ok || want != token {
		return ErrInvalidToken
	}
	return nil
}

// Known reports whether any token has been registered for participantID.
func (v *Verifier) Known(participantID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.hashTokens {
		_, ok := v.hashed[participantID]
		return ok
	}
	_, ok := v.plaintext[participantID]
	return ok
}
