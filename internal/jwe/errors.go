package jwe

import "errors"

// Sentinel errors returned by Verify, mirroring spec.md §4.3's named failure
// modes. Callers branch on errors.Is, never on error text.
var (
	ErrTokenExpired          = errors.New("jwe: token expired")
	ErrTokenNotYetValid      = errors.New("jwe: token not yet valid")
	ErrAgentIDMismatch       = errors.New("jwe: agent id mismatch")
	ErrTokenDecryptionFailed = errors.New("jwe: token decryption failed")
	ErrTokenValidationFailed = errors.New("jwe: token validation failed")
)
