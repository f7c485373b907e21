// Package guirpc implements the local control protocol: a framed
// socket transport and an HTTP/CORS transport sharing one
// authenticated, table-driven op dispatcher.
package guirpc

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Session is the per-connection handshake state.
type Session struct {
	IsLocal       bool
	Authenticated bool

	// nonce is non-empty after auth1 has been issued.
	nonce string

	// unauthorizedSent forces connection closure when a second
	// consecutive unauthorized response would be sent. The first one is
	// forgiven so a console with a stale password can recover.
	unauthorizedSent bool
}

// NewSession starts the handshake for a connection. A local connection
// with no password configured is trusted outright.
func NewSession(isLocal bool, passwordSet bool) *Session {
	return &Session{
		IsLocal:       isLocal,
		Authenticated: isLocal && !passwordSet,
	}
}

// IssueNonce generates and records the auth1 nonce.
func (s *Session) IssueNonce() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	s.nonce = fmt.Sprintf("%d%s", time.Now().UnixNano(), hex.EncodeToString(buf))
	return s.nonce
}

// VerifyAuth2 checks the auth2 hash against the issued nonce and
// password. Success authenticates the session and clears the forgiven
// failure.
func (s *Session) VerifyAuth2(hash, password string) bool {
	if s.nonce == "" {
		return false
	}
	ok := hash == NonceHash(s.nonce, password)
	if ok {
		s.Authenticated = true
		s.unauthorizedSent = false
	}
	return ok
}

// NoteUnauthorized records that an unauthorized response is being
// sent. Returns true when the connection must be closed (second
// consecutive failure).
func (s *Session) NoteUnauthorized() bool {
	if s.unauthorizedSent {
		return true
	}
	s.unauthorizedSent = true
	return false
}

// NoteAuthorized clears the consecutive-failure state after any
// successful op.
func (s *Session) NoteAuthorized() {
	s.unauthorizedSent = false
}

// NonceHash computes the auth2 proof for a nonce and password.
func NonceHash(nonce, password string) string {
	sum := md5.Sum([]byte(nonce + password))
	return hex.EncodeToString(sum[:])
}
