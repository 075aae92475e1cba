package dispatch

import (
	"fmt"

	"pgpipe/reply"
)

// TransportError reports an I/O failure or EOF on the socket. It is
// terminal: once one occurs, every pending and future submission
// resolves with it and the dispatcher stops.
type TransportError struct {
	Reason string
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("transport: %s", e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ErrStopped is the outcome delivered to submissions cancelled by Stop.
var ErrStopped = &TransportError{Reason: "dispatcher stopped"}

// ProtocolError reports traffic the protocol does not allow: a
// malformed frame length, or an unexpected message that no pending
// request accepts.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("protocol: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// BackendError is an ErrorResponse from the server, either aborting a
// pending request or arriving outside any request.
type BackendError struct {
	Details *reply.ErrorDetails
}

func (e *BackendError) Error() string {
	d := e.Details
	if d.Code != "" {
		return fmt.Sprintf("%s: %s (SQLSTATE %s)", d.Severity, d.Message, d.Code)
	}
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

// ParsingError reports a reply stream that failed on a frame it had
// accepted: a malformed payload, or a parser that raised an error of
// its own. It resolves only the request it belongs to.
type ParsingError struct {
	Cause error
}

func (e *ParsingError) Error() string { return fmt.Sprintf("parse reply: %v", e.Cause) }

func (e *ParsingError) Unwrap() error { return e.Cause }
