// Package kderr defines the bus-wide error taxonomy. Every public operation
// on the bus returns either nil or an *Error so callers can switch on Kind
// instead of string-matching messages.
package kderr

import "fmt"

// Kind groups errors the way callers need to react to them, not by subsystem.
type Kind string

const (
	Usage      Kind = "USAGE"
	Capacity   Kind = "CAPACITY"
	Lookup     Kind = "LOOKUP"
	Permission Kind = "PERMISSION"
	State      Kind = "STATE"
	Interrupt  Kind = "INTERRUPT"
)

// Error is a taxonomy-tagged error. Code is a short machine-checkable token
// (e.g. "POOL_FULL"); Msg carries the human-readable detail.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Msg)
}

// New builds an Error. Use this for call-site-specific detail; the sentinels
// below cover the fixed operational codes.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Is supports errors.Is by comparing Kind and Code only; message text may
// differ per call site.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

var (
	ErrMalformedHeader = New(Usage, "MALFORMED_HEADER", "")
	ErrBadAlignment    = New(Usage, "BAD_ALIGNMENT", "")
	ErrUnknownRecord   = New(Usage, "UNKNOWN_RECORD", "")
	ErrHelloTwice      = New(Usage, "HELLO_TWICE", "")
	ErrWrongConnType   = New(Usage, "WRONG_CONN_TYPE", "")
	ErrNotConnected    = New(Usage, "NOT_CONNECTED", "")
	ErrHandleUsed      = New(Usage, "HANDLE_ALREADY_USED", "")
	ErrHandleWrongKind = New(Usage, "HANDLE_WRONG_KIND", "")
	ErrNonMonotoneMask = New(Usage, "NON_MONOTONE_MASK_GENERATION", "")

	ErrPoolFull        = New(Capacity, "POOL_FULL", "")
	ErrFDTableFull     = New(Capacity, "FD_TABLE_FULL", "")
	ErrMailboxOverflow = New(Capacity, "MAILBOX_OVERFLOW", "")

	ErrNoDest       = New(Lookup, "NO_DEST", "")
	ErrNameNotFound = New(Lookup, "NAME_NOT_FOUND", "")

	ErrPolicyDenied = New(Permission, "POLICY_DENIED", "")

	ErrDisconnected  = New(State, "DISCONNECTED", "")
	ErrWriteOnSealed = New(State, "WRITE_ON_SEALED", "")
	ErrUnsealShared  = New(State, "UNSEAL_SHARED", "")
	ErrReplyOrphan   = New(State, "REPLY_ORPHAN", "")
	ErrTimeout       = New(State, "TIMEOUT", "")
	ErrNameTaken     = New(State, "NAME_TAKEN", "")

	ErrCanceled    = New(Interrupt, "CANCELED", "")
	ErrInterrupted = New(Interrupt, "INTERRUPTED", "")
)

// WithMsg returns a copy of a sentinel with call-site detail attached.
func WithMsg(sentinel *Error, msg string) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Msg: msg}
}
