// Package core defines the fundamental types and errors for gridpulse.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Async operation errors
	ErrBusy       = errors.New("an operation is already in flight")
	ErrInProgress = errors.New("request already in progress")

	// Validation errors
	ErrInvalidURL      = errors.New("invalid master URL")
	ErrMissingRequired = errors.New("missing required field")

	// Account manager errors
	ErrSigningKeyMismatch   = errors.New("signing key does not match previously accepted key")
	ErrBadSignature         = errors.New("URL signature verification failed")
	ErrMissingAuthenticator = errors.New("account has no authenticator")
	ErrNotAttached          = errors.New("no account manager attached")

	// Local RPC errors
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnrecognizedOp  = errors.New("unrecognized op")
	ErrConnectionClose = errors.New("connection closed")

	// Registry errors
	ErrProjectNotFound = errors.New("project not found")
	ErrFeedNotFound    = errors.New("feed not found")
	ErrRecordNotFound  = errors.New("record not found")
)
