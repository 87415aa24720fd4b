// Package slskerr defines the error taxonomy shared by every core component.
package slskerr

import (
	"errors"
	"fmt"
)

// Kind identifies which class of failure an *Error carries.
type Kind int

const (
	// ConnectionError is an establishment or transport failure.
	ConnectionError Kind = iota
	// ConnectionReadError is an I/O failure reading from an otherwise-connected socket.
	ConnectionReadError
	// ConnectionWriteError is an I/O failure writing to an otherwise-connected socket.
	ConnectionWriteError
	// MessageReadError is a decode failure on a malformed inbound payload.
	MessageReadError
	// MessageCompressionError is a deflate/inflate failure.
	MessageCompressionError
	// Timeout is a bounded wait that elapsed.
	Timeout
	// Cancelled is an explicit cancellation.
	Cancelled
	// UserOffline means GetPeerAddress reported the user offline.
	UserOffline
	// BrowseError wraps a browse-operation failure.
	BrowseError
	// UserStatusError wraps a user-status-operation failure.
	UserStatusError
	// SearchError wraps a search-operation failure.
	SearchError
	// TransferError wraps a transfer-operation failure.
	TransferError
	// TransferRejected means the peer declined with "File not shared".
	TransferRejected
	// DuplicateToken means the caller reused an in-flight transfer token.
	DuplicateToken
	// DuplicateTransfer means the (username, filename) pair is already active.
	DuplicateTransfer
	// InvalidOperation means the client's state does not permit the request.
	InvalidOperation
	// ArgumentError means a precondition on the input was violated.
	ArgumentError
)

func (k Kind) String() string {
	switch k {
	case ConnectionError:
		return "ConnectionError"
	case ConnectionReadError:
		return "ConnectionReadError"
	case ConnectionWriteError:
		return "ConnectionWriteError"
	case MessageReadError:
		return "MessageReadError"
	case MessageCompressionError:
		return "MessageCompressionError"
	case Timeout:
		return "Timeout"
	case Cancelled:
		return "Cancelled"
	case UserOffline:
		return "UserOffline"
	case BrowseError:
		return "BrowseError"
	case UserStatusError:
		return "UserStatusError"
	case SearchError:
		return "SearchError"
	case TransferError:
		return "TransferError"
	case TransferRejected:
		return "TransferRejected"
	case DuplicateToken:
		return "DuplicateToken"
	case DuplicateTransfer:
		return "DuplicateTransfer"
	case InvalidOperation:
		return "InvalidOperation"
	case ArgumentError:
		return "ArgumentError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type returned by every core component. It
// carries a Kind for programmatic dispatch, a human message, and an
// optional wrapped cause (following the teacher's bwe.M/bwe.WrapM shape).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf builds an *Error that wraps cause with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps to) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
