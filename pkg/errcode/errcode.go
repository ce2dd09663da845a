// Package errcode defines the integer outcome taxonomy shared by every shmbus operation.
//
// Each component owns a small enumeration. Code values implement error, so callers can
// compare with errors.Is and recover the integer with Value.
package errcode

import (
	"errors"
	"fmt"
	"syscall"
)

// OK is the integer outcome of a successful operation.
const OK int32 = 0

// Unknown is reported by Value for errors that carry no code.
const Unknown int32 = -255

// Coder is implemented by every error that maps to an integer outcome.
type Coder interface {
	error
	Code() int32
}

// ConnCode enumerates bus connection outcomes.
type ConnCode int32

const (
	ConnectionError       ConnCode = 1
	ConnectionNull        ConnCode = 2
	NameRegistrationError ConnCode = 3
	NotPrimaryOwner       ConnCode = 4
	ConnectionClosed      ConnCode = 5
)

var connNames = map[ConnCode]string{
	ConnectionError:       "bus connection error",
	ConnectionNull:        "bus connection is null",
	NameRegistrationError: "bus name registration error",
	NotPrimaryOwner:       "not primary owner of bus name",
	ConnectionClosed:      "bus connection closed",
}

func (c ConnCode) Code() int32    { return int32(c) }
func (c ConnCode) Error() string  { return describe(connNames[c], int32(c)) }
func (c ConnCode) String() string { return c.Error() }

// SendCode enumerates method-call send outcomes.
type SendCode int32

const (
	PayloadExceedsFrame       SendCode = 1
	MessageConstructionFailed SendCode = 2
	ArgumentEncodingFailed    SendCode = 3
	SendFailed                SendCode = 4
)

var sendNames = map[SendCode]string{
	PayloadExceedsFrame:       "payload exceeds maximum message content size",
	MessageConstructionFailed: "method call construction failed",
	ArgumentEncodingFailed:    "method call argument encoding failed",
	SendFailed:                "method call could not be queued",
}

func (c SendCode) Code() int32    { return int32(c) }
func (c SendCode) Error() string  { return describe(sendNames[c], int32(c)) }
func (c SendCode) String() string { return c.Error() }

// ListenCode enumerates listener outcomes.
type ListenCode int32

const (
	BufferTooSmall             ListenCode = 1
	ConnectionLost             ListenCode = 2
	NoArguments                ListenCode = 3
	FirstArgumentTypeMismatch  ListenCode = 4
	SecondArgumentTypeMismatch ListenCode = 5
	PayloadTooLarge            ListenCode = 6
)

var listenNames = map[ListenCode]string{
	BufferTooSmall:             "payload buffer smaller than minimum frame",
	ConnectionLost:             "bus connection lost",
	NoArguments:                "method call has no arguments",
	FirstArgumentTypeMismatch:  "first argument is not int32",
	SecondArgumentTypeMismatch: "second argument is not a string",
	PayloadTooLarge:            "payload larger than buffer",
}

func (c ListenCode) Code() int32    { return int32(c) }
func (c ListenCode) Error() string  { return describe(listenNames[c], int32(c)) }
func (c ListenCode) String() string { return c.Error() }

// RegionCode enumerates shared memory outcomes that are not OS errors.
// They are negative so they never collide with errno values.
type RegionCode int32

const (
	SizeExceedsRegion RegionCode = -1
	InvalidName       RegionCode = -2
	RegionClosed      RegionCode = -3
	RegionReadOnly    RegionCode = -4
)

var regionNames = map[RegionCode]string{
	SizeExceedsRegion: "data size exceeds shared memory size",
	InvalidName:       "invalid shared memory name",
	RegionClosed:      "shared memory region closed",
	RegionReadOnly:    "shared memory region is read-only",
}

func (c RegionCode) Code() int32    { return int32(c) }
func (c RegionCode) Error() string  { return describe(regionNames[c], int32(c)) }
func (c RegionCode) String() string { return c.Error() }

// OSError reports a failed system call by its errno.
type OSError struct {
	Op    string
	Errno syscall.Errno
}

func (e *OSError) Error() string { return e.Op + ": " + e.Errno.Error() }
func (e *OSError) Unwrap() error { return e.Errno }
func (e *OSError) Code() int32   { return int32(e.Errno) }

// FromOS converts a system call failure into an *OSError. Errors that carry no errno are
// wrapped with the operation name and map to Unknown.
func FromOS(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &OSError{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Value returns the integer outcome carried by err: OK for nil, the code of the first
// Coder in the chain, or Unknown.
func Value(err error) int32 {
	if err == nil {
		return OK
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return Unknown
}

// With attaches the text of cause to code. The cause value itself is not retained.
func With(code Coder, cause error) error {
	if cause == nil {
		return code
	}
	return fmt.Errorf("%w: %s", code, cause.Error())
}

func describe(name string, code int32) string {
	if name == "" {
		return fmt.Sprintf("unknown outcome %d", code)
	}
	return name
}
