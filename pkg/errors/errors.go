// Package errors provides the venue error taxonomy. Errors carry a Kind that
// errors.Is matches on, so wrapped and explained errors still compare equal
// to the sentinel they were derived from.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kinds
const (
	KindInvalidOrder          = "InvalidOrder"
	KindInvalidPrice          = "InvalidPrice"
	KindMarketHalted          = "MarketHalted"
	KindOrderNotFound         = "OrderNotFound"
	KindInsufficientLiquidity = "InsufficientLiquidity"
	KindComplianceRejected    = "ComplianceRejected"
	KindSymbolNotFound        = "SymbolNotFound"
	KindSymbolExists          = "SymbolExists"
	KindBookCorrupted         = "BookCorrupted"
	KindRuleNotFound          = "RuleNotFound"
	KindInvalidRule           = "InvalidRule"
	KindNotHalted             = "NotHalted"
)

var (
	ErrInvalidOrder          = NewWithKind(KindInvalidOrder)
	ErrInvalidPrice          = NewWithKind(KindInvalidPrice)
	ErrMarketHalted          = NewWithKind(KindMarketHalted)
	ErrOrderNotFound         = NewWithKind(KindOrderNotFound)
	ErrInsufficientLiquidity = NewWithKind(KindInsufficientLiquidity)
	ErrComplianceRejected    = NewWithKind(KindComplianceRejected)
	ErrSymbolNotFound        = NewWithKind(KindSymbolNotFound)
	ErrSymbolExists          = NewWithKind(KindSymbolExists)
	// ErrBookCorrupted is returned once an internal invariant violation has
	// frozen a symbol's matching stream.
	ErrBookCorrupted = NewWithKind(KindBookCorrupted)
	ErrRuleNotFound  = NewWithKind(KindRuleNotFound)
	ErrInvalidRule   = NewWithKind(KindInvalidRule)
	ErrNotHalted     = NewWithKind(KindNotHalted)
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: "Unknown", Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

func Wrap(err error) *Error {
	return &Error{Kind: "Unknown", cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s]", e.Kind)
	if e.Message != "" {
		str += " " + e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

// Reason returns a copy of the error with kind set to given value
func (e *Error) Reason(kind string) *Error {
	err := *e
	err.Kind = kind
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the given cause.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Trace returns a copy of the error carrying the current stack.
func (e *Error) Trace() *Error {
	err := *e
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	err.trace = stack[:n]
	return &err
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return ""
}
