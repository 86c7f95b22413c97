package worker

import "errors"

// ErrInvalidPayload marks a job whose payload can never be processed.
var ErrInvalidPayload = errors.New("invalid payload")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked permanent or wraps
// ErrInvalidPayload. Everything else is treated as transient.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrInvalidPayload)
}
