package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the pipeline-level category of a failure.
type Kind string

const (
	KindNone         Kind = ""
	KindCancellation Kind = "cancellation"
	KindConnectivity Kind = "connectivity"
	KindStream       Kind = "stream"
	KindSynthesis    Kind = "synthesis"
	KindPlayback     Kind = "playback"
)

// StatusError is a non-2xx answer from a remote service.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s http status %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s http status %d: %s", e.Service, e.Code, e.Body)
}

// Transient reports whether the status usually clears on its own.
func (e *StatusError) Transient() bool {
	return IsRetryableHTTPStatus(e.Code)
}

// StageError tags err with the stage that produced it.
type StageError struct {
	Kind Kind
	Err  error
}

func (e *StageError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Wrap tags err with kind. Cancellation is never re-tagged.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if IsCancellation(err) {
		return err
	}
	return &StageError{Kind: kind, Err: err}
}

// IsCancellation reports whether err is the result of a superseded or
// stopped session rather than a real failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Classify maps err onto the pipeline error taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if IsCancellation(err) {
		return KindCancellation
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectivity
	}
	return KindStream
}

// IsRetryableHTTPStatus classifies HTTP status codes that are usually
// transient. The pipeline never retries; it uses this to label failures.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
