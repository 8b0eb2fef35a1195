package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork         = errors.New("backend request failed")
	ErrSynthesisFailed = errors.New("speech synthesis failed")
)

// StatusError is a non-2xx backend response. It unwraps to ErrNetwork, or
// to ErrSynthesisFailed for the synthesis endpoint.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
	kind     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s status %d: %s", e.Endpoint, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return e.kind }
