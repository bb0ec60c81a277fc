package reasoning

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned without a network call while the breaker is open.
var ErrCircuitOpen = errors.New("reasoning: circuit open")

// ErrDisabled is returned by a Client built without a provider.
var ErrDisabled = errors.New("reasoning: no provider configured")

// TransientError is a failure that may succeed on retry (network, 429, 5xx).
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// FatalError is a failure that retrying will not fix (auth, bad request, parse).
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

func transient(err error) error { return &TransientError{err: err} }
func fatal(err error) error     { return &FatalError{err: err} }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// classifyStatus maps a non-200 HTTP status to a typed error.
func classifyStatus(code int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	err := fmt.Errorf("reasoning: http %d: %s", code, snippet)
	switch {
	case code == 429, code >= 500:
		return transient(err)
	default:
		return fatal(err)
	}
}
