package lifecycle_test

import (
	"errors"
	"testing"

	"ariex/internal/domain"
	"ariex/internal/lifecycle"
)

func TestHappyPathTransitions(t *testing.T) {
	steps := []struct {
		from    lifecycle.Status
		trigger lifecycle.Trigger
		to      lifecycle.Status
	}{
		{lifecycle.Draft, lifecycle.TriggerSend, lifecycle.PendingSignature},
		{lifecycle.PendingSignature, lifecycle.TriggerSignatureCompleted, lifecycle.PendingPayment},
		{lifecycle.PendingPayment, lifecycle.TriggerPaymentReceived, lifecycle.PendingTodosCompletion},
		{lifecycle.PendingTodosCompletion, lifecycle.TriggerTodosAccepted, lifecycle.PendingStrategy},
		{lifecycle.PendingStrategy, lifecycle.TriggerStrategySent, lifecycle.PendingStrategyReview},
		{lifecycle.PendingStrategyReview, lifecycle.TriggerFinish, lifecycle.Completed},
	}
	for _, s := range steps {
		got, err := lifecycle.Apply(s.from, s.trigger)
		if err != nil {
			t.Fatalf("%s --%s--> : %v", s.from, s.trigger, err)
		}
		if got != s.to {
			t.Fatalf("%s --%s--> got %s want %s", s.from, s.trigger, got, s.to)
		}
		if !lifecycle.CanTransition(s.from, s.to) {
			t.Fatalf("expected %s -> %s to be legal", s.from, s.to)
		}
	}
}

func TestBackwardAndSkippingTransitionsRejected(t *testing.T) {
	cases := [][2]lifecycle.Status{
		{lifecycle.PendingPayment, lifecycle.PendingSignature},
		{lifecycle.Draft, lifecycle.PendingPayment},
		{lifecycle.PendingTodosCompletion, lifecycle.Completed},
		{lifecycle.Completed, lifecycle.Draft},
		{lifecycle.Completed, lifecycle.Cancelled},
		{lifecycle.Cancelled, lifecycle.Draft},
		{lifecycle.PendingStrategy, lifecycle.PendingStrategy},
	}
	for _, c := range cases {
		err := lifecycle.EnsureTransition(c[0], c[1])
		var te *lifecycle.TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("%s -> %s: expected TransitionError, got %v", c[0], c[1], err)
		}
	}
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	for _, s := range []lifecycle.Status{
		lifecycle.Draft, lifecycle.PendingSignature, lifecycle.PendingPayment,
		lifecycle.PendingTodosCompletion, lifecycle.PendingStrategy, lifecycle.PendingStrategyReview,
	} {
		got, err := lifecycle.Apply(s, lifecycle.TriggerCancel)
		if err != nil || got != lifecycle.Cancelled {
			t.Fatalf("cancel from %s: got %s err %v", s, got, err)
		}
	}
	if _, err := lifecycle.Apply(lifecycle.Completed, lifecycle.TriggerCancel); err == nil {
		t.Fatalf("expected cancel from COMPLETED to fail")
	}
}

func TestApplyWrongTrigger(t *testing.T) {
	_, err := lifecycle.Apply(lifecycle.Draft, lifecycle.TriggerFinish)
	var te *lifecycle.TransitionError
	if !errors.As(err, &te) || te.To != lifecycle.Completed {
		t.Fatalf("expected transition error towards COMPLETED, got %v", err)
	}
}

func TestParse(t *testing.T) {
	if s, err := lifecycle.Parse(" pending_payment "); err != nil || s != lifecycle.PendingPayment {
		t.Fatalf("parse: %s %v", s, err)
	}
	if _, err := lifecycle.Parse("ARCHIVED"); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestManualTriggers(t *testing.T) {
	if !lifecycle.TriggerTodosAccepted.Manual() || !lifecycle.TriggerFinish.Manual() {
		t.Fatalf("strategist checkpoints must be manual")
	}
	if lifecycle.TriggerSignatureCompleted.Manual() {
		t.Fatalf("signature completion is automatic")
	}
}

func strPtr(s string) *string { return &s }

func TestEmptyRequestSetIsNotAccepted(t *testing.T) {
	todos := []domain.Todo{
		{ID: "sign", Kind: domain.TodoKindSign, Status: domain.TodoCompleted},
		{ID: "pay", Kind: domain.TodoKindPay, Status: domain.TodoCompleted},
	}
	if lifecycle.AllDocumentsAccepted(todos) {
		t.Fatalf("empty request set must not satisfy the gate")
	}
	v := lifecycle.DeriveView(domain.Agreement{ID: "a", Status: string(lifecycle.PendingTodosCompletion)}, todos, nil, nil)
	if v.HasAllDocumentsAccepted || v.CanAdvanceToStrategy {
		t.Fatalf("view must not report all documents accepted: %+v", v)
	}
}

func TestGateRequiresEveryRequestAccepted(t *testing.T) {
	todos := []domain.Todo{
		{ID: "t1", Kind: domain.TodoKindDocument, Status: domain.TodoInProgress},
		{ID: "t2", Kind: domain.TodoKindDocument, Status: domain.TodoInProgress},
		{ID: "t3", Kind: domain.TodoKindDocument, Status: domain.TodoCancelled},
	}
	docs := []domain.Document{
		{ID: "d1", TodoID: strPtr("t1"), UploadStatus: domain.UploadDone, AcceptanceStatus: strPtr(domain.AcceptedByStrategist)},
		{ID: "d2", TodoID: strPtr("t2"), UploadStatus: domain.UploadDone, AcceptanceStatus: strPtr(domain.RejectedByStrategist)},
	}
	a := domain.Agreement{ID: "a", Status: string(lifecycle.PendingTodosCompletion)}
	v := lifecycle.DeriveView(a, todos, docs, nil)
	if v.HasAllDocumentsAccepted {
		t.Fatalf("rejected document must block the gate")
	}
	if v.DocumentRequests != 2 || v.DocumentsAccepted != 1 || v.DocumentsRejected != 1 {
		t.Fatalf("unexpected counts: %+v", v)
	}

	docs[1].AcceptanceStatus = strPtr(domain.AcceptedByStrategist)
	v = lifecycle.DeriveView(a, todos, docs, nil)
	if !v.HasAllDocumentsAccepted || !v.CanAdvanceToStrategy {
		t.Fatalf("expected gate satisfied: %+v", v)
	}
}

func TestAttachDocumentsJoinsByBackReference(t *testing.T) {
	todos := []domain.Todo{{ID: "t1"}, {ID: "t2"}}
	docs := []domain.Document{
		{ID: "old", TodoID: strPtr("t1"), UpdatedAt: "2024-01-01T00:00:00Z"},
		{ID: "new", TodoID: strPtr("t1"), UpdatedAt: "2024-02-01T00:00:00Z"},
		{ID: "contract"},
	}
	joined := lifecycle.AttachDocuments(todos, docs)
	if joined[0].Document == nil || joined[0].Document.ID != "new" {
		t.Fatalf("expected latest document joined, got %+v", joined[0].Document)
	}
	if joined[1].Document != nil {
		t.Fatalf("t2 has no document")
	}
	if todos[0].Document != nil {
		t.Fatalf("input todos must not be mutated")
	}
}

func TestPaymentReceivedFollowsAgreementStatusOnly(t *testing.T) {
	charges := []domain.Charge{{AgreementID: "a", Status: domain.ChargePaid}}
	v := lifecycle.DeriveView(domain.Agreement{ID: "a", Status: string(lifecycle.PendingPayment)}, nil, nil, charges)
	if v.PaymentReceived {
		t.Fatalf("a paid charge alone must not report payment received")
	}
	if !v.AwaitingPayment || v.ChargeStatus != domain.ChargePaid {
		t.Fatalf("unexpected view %+v", v)
	}
	v = lifecycle.DeriveView(domain.Agreement{ID: "a", Status: string(lifecycle.PendingTodosCompletion)}, nil, nil, charges)
	if !v.PaymentReceived {
		t.Fatalf("expected payment received once status advanced")
	}
}
