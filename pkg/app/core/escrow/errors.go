package escrow

import (
	"errors"
	"fmt"
)

type ErrorKind uint8

const (
	KindValidation ErrorKind = iota + 1
	KindAuthorization
	KindState
	KindTransfer
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Sentinels matched with errors.Is against any *Error of the same kind
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrState         = errors.New("state error")
	ErrTransfer      = errors.New("transfer failure")

	// ErrReentrant is returned when an operation is entered while another one
	// is still running. It is reported as a state error.
	ErrReentrant = errors.New("reentrant call")
)

// Error is the failure of an engine operation. Nothing the operation did
// survives once it is returned.
type Error struct {
	Kind   ErrorKind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "escrow " + e.Op + ": " + e.Reason
	if e.Err != nil {
		if e.Reason == "" {
			msg = "escrow " + e.Op + ": " + e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := []error{e.sentinel()}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindAuthorization:
		return ErrAuthorization
	case KindState:
		return ErrState
	default:
		return ErrTransfer
	}
}

// KindOf extracts the error kind, or 0 when err did not come from the engine
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func validationErr(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Reason: fmt.Sprintf(format, args...)}
}

func authErr(op, format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Op: op, Reason: fmt.Sprintf(format, args...)}
}

func stateErr(op, format string, args ...any) error {
	return &Error{Kind: KindState, Op: op, Reason: fmt.Sprintf(format, args...)}
}

func transferErr(op, reason string, err error) error {
	return &Error{Kind: KindTransfer, Op: op, Reason: reason, Err: err}
}
