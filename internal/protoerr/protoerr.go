// Package protoerr is the core's error taxonomy: small, comparable,
// allocation-free class values that implement the standard error
// interface, with a wrapper type for attaching a cause and op name when
// that helps a log line.
package protoerr

import "fmt"

// Class is a stable, loggable error-family identifier.
type Class string

const (
	ClassLinkTransient   Class = "link_transient"
	ClassLinkFatal       Class = "link_fatal"
	ClassFrameOverflow   Class = "frame_overflow"
	ClassFrameBadCRC     Class = "frame_bad_crc"
	ClassFrameTimeout    Class = "frame_timeout"
	ClassDecodeLength    Class = "decode_length"
	ClassDecodeMagic     Class = "decode_magic"
	ClassDecodeUnknownCmd Class = "decode_unknown_cmd"
	ClassDecodeUnknownSub Class = "decode_unknown_subfn"
	ClassEncodeTooLarge  Class = "encode_too_large"
	ClassProtocol        Class = "protocol"
	ClassSessionNoSession Class = "session_no_session"
	ClassSessionExpired  Class = "session_expired"
	ClassSessionMismatch Class = "session_mismatch"
	ClassPolicyForbidden Class = "policy_forbidden"
	ClassPolicyReadonly  Class = "policy_readonly"
	ClassResourceQueueFull     Class = "resource_queue_full"
	ClassResourceBufferOverflow Class = "resource_buffer_overflow"
)

// E is the core error type: a class plus optional operation name, message
// and wrapped cause.
type E struct {
	C   Class
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	switch {
	case e.Msg != "" && e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.C, e.Msg)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.C, e.Msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.C)
	default:
		return string(e.C)
	}
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Class() Class  { return e.C }

// New builds an *E with the given class, operation and message.
func New(c Class, op, msg string) *E { return &E{C: c, Op: op, Msg: msg} }

// Wrap builds an *E carrying cause err.
func Wrap(c Class, op string, err error) *E { return &E{C: c, Op: op, Err: err} }

// ClassOf extracts a Class from an error, defaulting to ClassProtocol.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	type classer interface{ Class() Class }
	if x, ok := err.(classer); ok {
		return x.Class()
	}
	return ClassProtocol
}
