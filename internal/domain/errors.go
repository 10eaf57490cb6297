package domain

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable error code surfaced to callers.
type Kind string

const (
	KindValidation Kind = "validation_error"

	KindEventNotFound       Kind = "event_not_found"
	KindReservationNotFound Kind = "reservation_not_found"
	KindListingNotFound     Kind = "listing_not_found"
	KindRequestNotFound     Kind = "join_request_not_found"

	KindEventClosed            Kind = "event_closed"
	KindOverlappingReservation Kind = "overlapping_reservation"
	KindDuplicateReservation   Kind = "duplicate_reservation"
	KindCapacityExceeded       Kind = "capacity_exceeded"
	KindPriveDisabled          Kind = "prive_disabled"
	KindInsufficientBudget     Kind = "insufficient_budget"
	KindListingFull            Kind = "listing_full"
	KindSelfJoinNotAllowed     Kind = "self_join_not_allowed"
	KindDuplicateRequest       Kind = "duplicate_request"
	KindInvalidState           Kind = "invalid_state"
	KindForbidden              Kind = "forbidden"
	KindNoSeatsAvailable       Kind = "no_seats_available"
	KindIdempotencyMismatch    Kind = "idempotency_key_mismatch"

	KindUnavailable Kind = "unavailable"
)

// Error carries a Kind plus a human message. Two *Error values match under
// errors.Is when their kinds are equal, so the sentinels below can be used
// with errors.Is regardless of message or meta.
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrEventNotFound       = &Error{Kind: KindEventNotFound, Message: "event not found"}
	ErrReservationNotFound = &Error{Kind: KindReservationNotFound, Message: "reservation not found"}
	ErrListingNotFound     = &Error{Kind: KindListingNotFound, Message: "open table not found"}
	ErrRequestNotFound     = &Error{Kind: KindRequestNotFound, Message: "join request not found"}

	ErrEventClosed            = &Error{Kind: KindEventClosed, Message: "event is closed"}
	ErrOverlappingReservation = &Error{Kind: KindOverlappingReservation, Message: "user already has a reservation overlapping this event"}
	ErrDuplicateReservation   = &Error{Kind: KindDuplicateReservation, Message: "user already has a reservation for this event"}
	ErrCapacityExceeded       = &Error{Kind: KindCapacityExceeded, Message: "party exceeds reservation capacity"}
	ErrPriveDisabled          = &Error{Kind: KindPriveDisabled, Message: "prive reservations are not enabled for this event"}
	ErrInsufficientBudget     = &Error{Kind: KindInsufficientBudget, Message: "min budget is below the event prive minimum"}
	ErrListingFull            = &Error{Kind: KindListingFull, Message: "open table has no available spots"}
	ErrSelfJoinNotAllowed     = &Error{Kind: KindSelfJoinNotAllowed, Message: "requester is already part of this table"}
	ErrDuplicateRequest       = &Error{Kind: KindDuplicateRequest, Message: "a join request is already pending for this table"}
	ErrInvalidState           = &Error{Kind: KindInvalidState, Message: "invalid state transition"}
	ErrForbidden              = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrNoSeatsAvailable       = &Error{Kind: KindNoSeatsAvailable, Message: "no seats available"}
	ErrIdempotencyKeyMismatch = &Error{Kind: KindIdempotencyMismatch, Message: "idempotency key reused with a different request"}

	ErrUnavailable = &Error{Kind: KindUnavailable, Message: "service temporarily unavailable"}
)

// NewError builds an error of the given kind.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WithMeta returns a copy of the sentinel e with the given message and meta.
func WithMeta(e *Error, msg string, meta map[string]string) *Error {
	if msg == "" {
		msg = e.Message
	}
	return &Error{Kind: e.Kind, Message: msg, Meta: meta}
}

func Validation(msg string, meta map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Meta: meta}
}

func Unavailable(cause error) *Error {
	return &Error{Kind: KindUnavailable, Message: ErrUnavailable.Message, Err: cause}
}

// KindOf returns the kind of err, or "" when err is not a domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsBusiness reports whether err is a domain error that must reach the caller
// as-is (never retried at the transaction boundary).
func IsBusiness(err error) bool {
	k := KindOf(err)
	return k != "" && k != KindUnavailable
}
