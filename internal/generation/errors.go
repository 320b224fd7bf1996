package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Kind classifies a generation failure.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindConnection  Kind = "connection"
	KindPermanent   Kind = "permanent"
)

// Error is returned by Invoke for every failed generation.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("generation: %s", e.Kind)
	}
	return fmt.Sprintf("generation: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient reports whether another attempt may succeed.
func (e *Error) Transient() bool {
	return e != nil && e.Kind != KindPermanent
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Classify maps a collaborator error onto a Kind. Errors that are already
// classified pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return &Error{Kind: kindOf(err), Err: err}
}

func kindOf(err error) Kind {
	var status httpStatusCoder
	if errors.As(err, &status) {
		switch status.HTTPStatusCode() {
		case http.StatusTooManyRequests:
			return KindRateLimited
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return KindTimeout
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			return KindConnection
		default:
			return KindPermanent
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	return KindPermanent
}
