package domain

import "errors"

// Kind classifies a failure for callers.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindUnauthorized      Kind = "unauthorized"
	KindIllegalState      Kind = "illegal_state"
	KindNotFound          Kind = "not_found"
	KindInsufficientFunds Kind = "insufficient_funds"
)

// Error is a precondition failure raised by the ledgers. Callers compare
// with errors.Is against the sentinels below.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrInvalidMilestoneSet = newError(KindInvalidInput, "invalid_milestone_set", "milestone descriptions and amounts must be 1-10 matching entries with positive amounts")
	ErrInvalidName         = newError(KindInvalidInput, "invalid_name", "agent name must be 1-64 bytes")
	ErrInvalidRating       = newError(KindInvalidInput, "invalid_rating", "rating must be between 1 and 100")
	ErrInvalidAmount       = newError(KindInvalidInput, "invalid_amount", "invalid amount")
	ErrInvalidHash         = newError(KindInvalidInput, "invalid_hash", "invalid 32-byte hex digest")
	ErrInvalidPage         = newError(KindInvalidInput, "invalid_page", "offset and limit must not be negative")
	ErrAmountOverflow      = newError(KindInvalidInput, "amount_overflow", "amount overflows 256 bits")
	ErrAmountUnderflow     = newError(KindInvalidInput, "amount_underflow", "amount would go negative")
	ErrSelfTransfer        = newError(KindInvalidInput, "self_transfer", "source and destination accounts must differ")

	ErrMissingCaller       = newError(KindUnauthorized, "missing_caller", "caller identity required")
	ErrUnauthorized        = newError(KindUnauthorized, "unauthorized", "caller is not authorized")
	ErrNotClient           = newError(KindUnauthorized, "not_client", "only the task client may do this")
	ErrNotWorker           = newError(KindUnauthorized, "not_worker", "only the task worker may do this")
	ErrNotArbiter          = newError(KindUnauthorized, "not_arbiter", "only the arbiter may resolve disputes")
	ErrSelfAcceptForbidden = newError(KindUnauthorized, "self_accept_forbidden", "client cannot accept its own task")
	ErrSelfRatingForbidden = newError(KindUnauthorized, "self_rating_forbidden", "agents cannot rate themselves")
	ErrReservedAccount     = newError(KindUnauthorized, "reserved_account", "escrow system accounts cannot be task parties")

	ErrNotOpen               = newError(KindIllegalState, "not_open", "task is not open")
	ErrNotInProgress         = newError(KindIllegalState, "not_in_progress", "task is not in progress")
	ErrNotDisputed           = newError(KindIllegalState, "not_disputed", "task is not disputed")
	ErrMilestoneNotPending   = newError(KindIllegalState, "milestone_not_pending", "milestone is not pending")
	ErrMilestoneNotDelivered = newError(KindIllegalState, "milestone_not_delivered", "milestone is not delivered")
	ErrMilestoneNotDisputed  = newError(KindIllegalState, "milestone_not_disputed", "milestone is not disputed")
	ErrOverRelease           = newError(KindIllegalState, "over_release", "release would exceed the task's escrowed total")
	ErrAlreadyRegistered     = newError(KindIllegalState, "already_registered", "agent already registered")

	ErrTaskNotFound       = newError(KindNotFound, "task_not_found", "task not found")
	ErrInvalidMilestone   = newError(KindNotFound, "invalid_milestone", "milestone index out of range")
	ErrAgentNotRegistered = newError(KindNotFound, "agent_not_registered", "agent not registered")

	ErrInsufficientFunds = newError(KindInsufficientFunds, "insufficient_funds", "insufficient balance")
)

// KindOf returns the failure kind of err, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// CodeOf returns the stable error code of err, or "".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
