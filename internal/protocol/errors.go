package protocol

import (
	"errors"
	"fmt"
)

// Error kinds, distinguished by the stage that detects them. Callers match
// on Kind; Context carries state and wallet ids, never key material.
const (
	KindTokenNotFound             = "TOKEN_NOT_FOUND"
	KindWalletNotFound            = "WALLET_NOT_FOUND"
	KindWalletInactive            = "WALLET_INACTIVE"
	KindWalletMismatch            = "WALLET_MISMATCH"
	KindDuplicatePendingChallenge = "DUPLICATE_PENDING_CHALLENGE"
	KindChallengeNotFound         = "CHALLENGE_NOT_FOUND"
	KindChallengeAccepted         = "CHALLENGE_ACCEPTED"
	KindChallengeExpired          = "CHALLENGE_EXPIRED"
	KindChallengeRejected         = "CHALLENGE_REJECTED"
	KindInvalidToSignature        = "INVALID_TO_SIGNATURE"
	KindInvalidFromSignature      = "INVALID_FROM_SIGNATURE_ON_CHALLENGE"
	KindInvalidStateForTransfer   = "INVALID_STATE_FOR_TRANSFER"
	KindInvalidTransition         = "INVALID_TRANSITION"
	KindInvalidInput              = "INVALID_INPUT"
)

// Error is a stable, machine-readable protocol failure.
type Error struct {
	Kind    string
	Message string
	Context map[string]string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) with(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// ErrKind extracts the protocol error kind, or "" for foreign errors.
func ErrKind(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err is a protocol error of the given kind.
func IsKind(err error, kind string) bool {
	return ErrKind(err) == kind
}
