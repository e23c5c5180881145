package amqp

import (
	"fmt"

	"github.com/pkg/errors"
)

// errorNew, errorErrorf, and errorWrapf are thin aliases over
// github.com/pkg/errors so every error constructed anywhere in the core
// carries a stack trace and unwraps via errors.Cause.
func errorNew(msg string) error {
	return errors.New(msg)
}

func errorErrorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func errorWrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Error implements the error interface so that a wire-level AMQP error
// carried in a detach/end/close/disposition can be returned and logged like
// any other Go error. errors.Cause on a wrapping error returns the *Error
// unchanged, since it is already the root cause.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

// ConnError is returned by operations on a Client/conn after the underlying
// connection has failed or been closed.
type ConnError struct {
	inner error
}

func (e ConnError) Error() string {
	if e.inner == nil {
		return "amqp: connection closed"
	}
	return fmt.Sprintf("amqp: connection closed: %v", e.inner)
}

func (e ConnError) Cause() error { return e.inner }

// SessionError is returned by operations on a Session after the session has
// ended, either locally or by the remote peer.
type SessionError struct {
	RemoteErr *Error
	inner     error
}

func (e SessionError) Error() string {
	switch {
	case e.RemoteErr != nil:
		return fmt.Sprintf("amqp: session ended by peer: %v", e.RemoteErr)
	case e.inner != nil:
		return fmt.Sprintf("amqp: session ended: %v", e.inner)
	default:
		return "amqp: session ended"
	}
}

func (e SessionError) Cause() error {
	if e.RemoteErr != nil {
		return e.RemoteErr
	}
	return e.inner
}

// LinkError is returned by operations on a Sender/Receiver once the link has
// detached, either locally or by the remote peer.
type LinkError struct {
	RemoteErr *Error
	inner     error
}

func (e LinkError) Error() string {
	switch {
	case e.RemoteErr != nil:
		return fmt.Sprintf("amqp: link detached by peer: %v", e.RemoteErr)
	case e.inner != nil:
		return fmt.Sprintf("amqp: link detached: %v", e.inner)
	default:
		return "amqp: link detached"
	}
}

func (e LinkError) Cause() error {
	if e.RemoteErr != nil {
		return e.RemoteErr
	}
	return e.inner
}

// DecodeError is returned when the binary codec encounters malformed or
// unsupported AMQP-encoded data while reading from the wire.
type DecodeError struct {
	inner error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("amqp: decode error: %v", e.inner)
}

func (e DecodeError) Cause() error { return e.inner }

// EncodeError is returned when a value cannot be represented in the AMQP
// type system, or exceeds a size limit imposed by the wire format.
type EncodeError struct {
	inner error
}

func (e EncodeError) Error() string {
	return fmt.Sprintf("amqp: encode error: %v", e.inner)
}

func (e EncodeError) Cause() error { return e.inner }

// ProtocolError is returned when a peer violates the AMQP state machine,
// e.g. sends a frame type that is not legal in the connection's current
// negotiation state.
type ProtocolError struct {
	inner error
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("amqp: protocol error: %v", e.inner)
}

func (e ProtocolError) Cause() error { return e.inner }
