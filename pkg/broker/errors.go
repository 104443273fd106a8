package broker

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrorCode is the category of a broker error.
//
// These are the semantic error kinds of the control plane; the ioctl-style
// dispatcher at the host boundary translates them to errno values and
// surfaces them to callers unchanged. All validation failures are
// synchronous and leave no partial state behind.
type ErrorCode int

const (
	// ErrBadAddress indicates an unreadable user buffer.
	ErrBadAddress ErrorCode = iota

	// ErrTooLarge indicates a declared size above the permitted maximum.
	ErrTooLarge

	// ErrTooSmall indicates a declared size below the fixed header, or a
	// named item whose length cannot hold its required content.
	ErrTooSmall

	// ErrInvalidArgument indicates a malformed command: empty item
	// payload, misaligned or out-of-range bloom size, missing NUL
	// terminator, or a stream with excess trailing bytes.
	ErrInvalidArgument

	// ErrNameTooLong indicates a name item whose payload exceeds the name
	// length bound, NUL included.
	ErrNameTooLong

	// ErrNotSupported indicates an unknown item type, or a host facility
	// that is absent on this system.
	ErrNotSupported

	// ErrAlreadyExists indicates a duplicate sibling name or a repeated
	// singleton item.
	ErrAlreadyExists

	// ErrPermissionDenied indicates a caller that does not satisfy an
	// ownership rule, such as the bus-name uid prefix.
	ErrPermissionDenied

	// ErrNoMemory indicates an allocation failure; the in-progress
	// operation is abandoned with nothing linked.
	ErrNoMemory

	// ErrBadMessage indicates a required item missing after a complete
	// stream parse.
	ErrBadMessage

	// ErrShutdown indicates an operation on an object after disconnect.
	ErrShutdown

	// ErrNotFound indicates a lookup that matched nothing: unknown
	// connection id, unowned name, unknown pool offset.
	ErrNotFound

	// ErrTimedOut indicates a send that could not complete within the
	// caller's deadline.
	ErrTimedOut

	// ErrNameInUse indicates a name acquisition that lost to the current
	// owner under fail-if-taken semantics.
	ErrNameInUse

	// ErrAgain indicates a receive on an empty queue; the caller should
	// retry after the next delivery.
	ErrAgain
)

// Error is a broker domain error.
//
// Object carries the entity the failure relates to (a bus name, a
// well-known name, a devpath) when one exists.
type Error struct {
	Code    ErrorCode
	Message string
	Object  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Object != "" {
		return e.Message + ": " + e.Object
	}
	return e.Message
}

// Is reports code equality, so errors.Is(err, &Error{Code: c}) and the
// exported Code helpers classify wrapped broker errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// newError builds a broker error with an object reference.
func newError(code ErrorCode, message, object string) *Error {
	return &Error{Code: code, Message: message, Object: object}
}

// CodeOf extracts the broker error code from err, unwrapping as needed.
// The second result is false for non-broker errors.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Errno maps a broker error to the errno surfaced over the host boundary.
// Non-broker errors map to EIO.
func Errno(err error) unix.Errno {
	code, ok := CodeOf(err)
	if !ok {
		return unix.EIO
	}
	switch code {
	case ErrBadAddress:
		return unix.EFAULT
	case ErrTooLarge:
		return unix.EMSGSIZE
	case ErrTooSmall:
		return unix.EINVAL
	case ErrInvalidArgument:
		return unix.EINVAL
	case ErrNameTooLong:
		return unix.ENAMETOOLONG
	case ErrNotSupported:
		return unix.ENOTSUP
	case ErrAlreadyExists:
		return unix.EEXIST
	case ErrPermissionDenied:
		return unix.EPERM
	case ErrNoMemory:
		return unix.ENOMEM
	case ErrBadMessage:
		return unix.EBADMSG
	case ErrShutdown:
		return unix.ESHUTDOWN
	case ErrNotFound:
		return unix.ENXIO
	case ErrTimedOut:
		return unix.ETIMEDOUT
	case ErrNameInUse:
		return unix.EBUSY
	case ErrAgain:
		return unix.EAGAIN
	default:
		return unix.EIO
	}
}

// IsCode reports whether err carries the given broker error code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
