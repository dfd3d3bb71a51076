// Package lifecycle holds the agreement state machine and the pure
// projections derived from an agreement snapshot.
package lifecycle

import (
	"fmt"
	"strings"
)

type Status string

const (
	Draft                  Status = "DRAFT"
	PendingSignature       Status = "PENDING_SIGNATURE"
	PendingPayment         Status = "PENDING_PAYMENT"
	PendingTodosCompletion Status = "PENDING_TODOS_COMPLETION"
	PendingStrategy        Status = "PENDING_STRATEGY"
	PendingStrategyReview  Status = "PENDING_STRATEGY_REVIEW"
	Completed              Status = "COMPLETED"
	Cancelled              Status = "CANCELLED"
)

// happyPath is the total order of non-cancelled states.
var happyPath = []Status{
	Draft,
	PendingSignature,
	PendingPayment,
	PendingTodosCompletion,
	PendingStrategy,
	PendingStrategyReview,
	Completed,
}

type Trigger string

const (
	TriggerSend               Trigger = "send"
	TriggerSignatureCompleted Trigger = "signature_completed"
	TriggerPaymentReceived    Trigger = "payment_received"
	TriggerTodosAccepted      Trigger = "todos_accepted"
	TriggerStrategySent       Trigger = "strategy_sent"
	TriggerFinish             Trigger = "finish"
	TriggerCancel             Trigger = "cancel"
)

type edge struct {
	from    Status
	trigger Trigger
	to      Status
}

var edges = []edge{
	{Draft, TriggerSend, PendingSignature},
	{PendingSignature, TriggerSignatureCompleted, PendingPayment},
	{PendingPayment, TriggerPaymentReceived, PendingTodosCompletion},
	{PendingTodosCompletion, TriggerTodosAccepted, PendingStrategy},
	{PendingStrategy, TriggerStrategySent, PendingStrategyReview},
	{PendingStrategyReview, TriggerFinish, Completed},
}

// Manual reports whether a trigger is a human checkpoint. The engine never
// fires manual triggers on its own, even when the precondition holds.
func (t Trigger) Manual() bool {
	switch t {
	case TriggerTodosAccepted, TriggerFinish, TriggerCancel:
		return true
	}
	return false
}

// TransitionError reports an edge that is not in the transition table.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid agreement transition %s -> %s", e.From, e.To)
}

// Parse validates a raw status string.
func Parse(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if s == Cancelled {
		return s, nil
	}
	for _, st := range happyPath {
		if st == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("invalid agreement status %q", raw)
}

func (s Status) String() string { return string(s) }

// Terminal is true for COMPLETED and CANCELLED.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled
}

// Rank is the position on the happy path, -1 for CANCELLED or unknown.
func (s Status) Rank() int {
	for i, st := range happyPath {
		if st == s {
			return i
		}
	}
	return -1
}

// AtLeast reports whether s has reached other on the happy path.
func (s Status) AtLeast(other Status) bool {
	r := s.Rank()
	return r >= 0 && r >= other.Rank()
}

// Apply fires a trigger from a state.
func Apply(from Status, trigger Trigger) (Status, error) {
	if trigger == TriggerCancel {
		if from.Terminal() || from.Rank() < 0 {
			return from, &TransitionError{From: from, To: Cancelled}
		}
		return Cancelled, nil
	}
	var target Status
	for _, e := range edges {
		if e.trigger != trigger {
			continue
		}
		if e.from == from {
			return e.to, nil
		}
		target = e.to
	}
	if target == "" {
		return from, fmt.Errorf("unknown trigger %s", trigger)
	}
	return from, &TransitionError{From: from, To: target}
}

// TriggerFor returns the trigger that moves from -> to.
func TriggerFor(from, to Status) (Trigger, bool) {
	if to == Cancelled && !from.Terminal() && from.Rank() >= 0 {
		return TriggerCancel, true
	}
	for _, e := range edges {
		if e.from == from && e.to == to {
			return e.trigger, true
		}
	}
	return "", false
}

func CanTransition(from, to Status) bool {
	_, ok := TriggerFor(from, to)
	return ok
}

func EnsureTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Next returns the following happy-path state.
func Next(from Status) (Status, bool) {
	for _, e := range edges {
		if e.from == from {
			return e.to, true
		}
	}
	return "", false
}
