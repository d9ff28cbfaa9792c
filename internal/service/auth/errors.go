package auth

import "errors"

// Password hashing errors
var (
	// ErrInvalidCredentialFormat indicates a stored credential is not "<salt>:<derivedKeyHex>".
	ErrInvalidCredentialFormat = errors.New("INVALID_CREDENTIAL_FORMAT")

	// ErrPasswordMismatch is returned by Compare when the password does not match.
	ErrPasswordMismatch = errors.New("password does not match credential")
)
