package terminology

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a concept does not exist.
var ErrNotFound = errors.New("not found")

// Kind classifies engine failures so callers can map them without matching
// on message text.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindUnsupportedSystem
	KindNotFound
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid-input"
	case KindUnsupportedSystem:
		return "unsupported-system"
	case KindNotFound:
		return "not-found"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is a typed engine failure.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func invalidInput(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func unsupportedSystem(op, system string) error {
	return &Error{Kind: KindUnsupportedSystem, Op: op, Msg: fmt.Sprintf("code system %q is not supported", system)}
}

func notFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...), Err: ErrNotFound}
}

func transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Msg: "concept store unavailable", Err: err}
}

// KindOf classifies err. Untyped store errors map to Transient when they are
// timeouts or cancellations and to Internal otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	}
	return KindInternal
}

// Message returns the user-facing part of err.
func Message(err error) string {
	var te *Error
	if errors.As(err, &te) && te.Msg != "" {
		return te.Msg
	}
	return err.Error()
}
