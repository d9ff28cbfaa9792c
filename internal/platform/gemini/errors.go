package gemini

import "errors"

var (
	// ErrInvalidConfig is returned by NewModerator for missing settings.
	ErrInvalidConfig = errors.New("invalid gemini configuration")

	// ErrInvalidResponse means the model answered with something other than a
	// valid verdict.
	ErrInvalidResponse = errors.New("invalid gemini response")

	// ErrContentBlocked means the safety filters refused the prompt.
	ErrContentBlocked = errors.New("content blocked by gemini safety filters")

	// ErrTransientFailure wraps API errors worth retrying.
	ErrTransientFailure = errors.New("transient gemini failure")
)
