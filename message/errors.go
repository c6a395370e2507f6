package message

import (
	"errors"
	"fmt"
)

// Call failure taxonomy. Every failed call surfaces one of these to its
// caller, either directly or wrapped in a *RemoteError; use errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConnection      = errors.New("connection error")
	ErrTimeout         = errors.New("message timed out")
	ErrUnknownFunction = errors.New("unknown function")
	ErrRemote          = errors.New("remote error")
)

// Error codes carried in ErrorDescriptor.Code.
const (
	CodeRemote          = "remote"
	CodeUnknownFunction = "unknown_function"
	CodeTimeout         = "timeout"
	CodeInvalidArgument = "invalid_argument"
	CodeRateLimited     = "rate_limited"
)

// ErrorDescriptor is the wire form of an error. Message is always set.
type ErrorDescriptor struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Describe converts err into a descriptor, keeping the taxonomy code when
// err is one of the sentinels.
func Describe(err error) *ErrorDescriptor {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &ErrorDescriptor{Code: remote.Code, Message: remote.Message}
	}
	code := CodeRemote
	switch {
	case errors.Is(err, ErrUnknownFunction):
		code = CodeUnknownFunction
	case errors.Is(err, ErrTimeout):
		code = CodeTimeout
	case errors.Is(err, ErrInvalidArgument):
		code = CodeInvalidArgument
	}
	return &ErrorDescriptor{Code: code, Message: err.Error()}
}

// Reported describes an error a scope function passed to its completion
// callback. Such an error is always CodeRemote, whatever it wraps: the
// caller did get a reply.
func Reported(err error) *ErrorDescriptor {
	if err == nil {
		return nil
	}
	return &ErrorDescriptor{Code: CodeRemote, Message: err.Error()}
}

// Err turns the descriptor received from peer back into an error.
func (d *ErrorDescriptor) Err(peer string) error {
	if d == nil {
		return nil
	}
	return &RemoteError{Peer: peer, Code: d.Code, Message: d.Message}
}

// RemoteError is a failure reported by the peer that handled the request.
type RemoteError struct {
	Peer    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %s: %s", e.Peer, e.Message)
}

// Is matches the sentinel named by the error code. CodeRemote and codes
// without a sentinel of their own (including rate_limited) match ErrRemote.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeRemote:
		return target == ErrRemote
	case CodeUnknownFunction:
		return target == ErrUnknownFunction
	case CodeTimeout:
		return target == ErrTimeout
	case CodeInvalidArgument:
		return target == ErrInvalidArgument
	}
	return target == ErrRemote
}
