// Package errs provides structured error types and helpers for strand subsystems.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category within the engine.
type Code string

const (
	// CodeQueueFull indicates an enqueue was refused because the queue is at capacity.
	CodeQueueFull Code = "queue_full"
	// CodeTimeout indicates a blocking operation exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeHandlerFault indicates a subscriber handler panicked or returned an error.
	CodeHandlerFault Code = "handler_fault"
	// CodeParse indicates a malformed venue frame or payload.
	CodeParse Code = "parse"
	// CodeConnection indicates a websocket transport failure.
	CodeConnection Code = "connection"
	// CodeReconnectExhausted indicates the reconnect attempt budget was used up.
	CodeReconnectExhausted Code = "reconnect_exhausted"
	// CodeStrategy indicates a strategy callback failure during signal generation.
	CodeStrategy Code = "strategy"
	// CodeInvalid indicates invalid input or configuration supplied by the caller.
	CodeInvalid Code = "invalid"
	// CodeUnavailable indicates the subsystem is stopped or shutting down.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the engine.
type E struct {
	Op      string
	Code    Code
	Message string
	Venue   string
	Symbol  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given operation and code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{Op: strings.TrimSpace(op), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithVenue records the venue the error originated from.
func WithVenue(venue string) Option {
	trimmed := strings.TrimSpace(venue)
	return func(e *E) {
		e.Venue = trimmed
	}
}

// WithSymbol records the instrument symbol associated with the failure.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Venue != "" {
		parts = append(parts, "venue="+e.Venue)
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err or any error it wraps.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
