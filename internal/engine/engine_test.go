package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ariex/internal/config"
	"ariex/internal/db"
	"ariex/internal/domain"
	"ariex/internal/engine"
	"ariex/internal/engine/auth"
	"ariex/internal/esign"
	"ariex/internal/esign/esigntest"
	"ariex/internal/lifecycle"
	"ariex/internal/migrate"
	"ariex/internal/payments"
	"ariex/internal/payments/paymentstest"
	"ariex/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	Engine     engine.Engine
	Ctx        context.Context
	Signer     *esigntest.Fake
	Pay        *paymentstest.Fake
	Clock      *clock
	Strategist auth.Principal
	Client     auth.Principal
	ClientUser domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	signer := esigntest.New()
	signer.Now = clk.Now
	pay := paymentstest.New()
	eng := engine.New(conn, config.Default(), signer, pay)
	eng.Now = clk.Now
	eng.Storage.Now = clk.Now
	ctx := context.Background()

	system := auth.System("test")
	strategist, err := eng.CreateUser(ctx, engine.UserCreateOptions{ID: "strat-1", Email: "strat@example.com", Name: "Sam", Role: domain.RoleStrategist}, system)
	if err != nil {
		t.Fatalf("create strategist: %v", err)
	}
	client, err := eng.CreateUser(ctx, engine.UserCreateOptions{ID: "client-1", Email: "Client@Example.com", Name: "Cleo", Role: domain.RoleClient}, system)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	return testEnv{
		Engine:     eng,
		Ctx:        ctx,
		Signer:     signer,
		Pay:        pay,
		Clock:      clk,
		Strategist: auth.Principal{ActorID: strategist.ID, Role: strategist.Role},
		Client:     auth.Principal{ActorID: client.ID, Role: client.Role},
		ClientUser: client,
	}
}

func (env testEnv) createAgreement(t *testing.T, dual bool) domain.Agreement {
	t.Helper()
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		ClientID:    env.Client.ActorID,
		Title:       "2024 tax strategy",
		Price:       decimal.RequireFromString("499"),
		DualSigning: dual,
	}, env.Strategist)
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	return a
}

func (env testEnv) status(t *testing.T, id string) lifecycle.Status {
	t.Helper()
	a, err := env.Engine.Repo.GetAgreement(env.Ctx, nil, id)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	return lifecycle.Status(a.Status)
}

// toTodos drives an agreement through signature and payment.
func (env testEnv) toTodos(t *testing.T) domain.Agreement {
	t.Helper()
	a := env.createAgreement(t, false)
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	env.Signer.Sign(sent.EnvelopeID, env.ClientUser.Email)
	if _, err := env.Engine.ReconcileSignature(env.Ctx, a.ID, engine.CeremonyAgreement, env.Client); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	charge, err := env.Engine.RequestPayment(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if _, err := env.Engine.MarkChargePaid(env.Ctx, charge.ID, auth.System("test")); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if got := env.status(t, a.ID); got != lifecycle.PendingTodosCompletion {
		t.Fatalf("expected PENDING_TODOS_COMPLETION, got %s", got)
	}
	return a
}

// upload registers a file for a document request and confirms it.
func (env testEnv) upload(t *testing.T, todoID, name string) domain.Document {
	t.Helper()
	up, err := env.Engine.UploadDocument(env.Ctx, todoID, engine.FileInput{Name: name}, env.Client)
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	doc, err := env.Engine.ConfirmUpload(env.Ctx, up.Document.ID, env.Client)
	if err != nil {
		t.Fatalf("confirm %s: %v", name, err)
	}
	return doc
}

func paidEvent(id, chargeID, sessionID string) payments.Event {
	var evt payments.Event
	evt.ID = id
	evt.Type = payments.EventCheckoutCompleted
	evt.Data.Object.ID = sessionID
	evt.Data.Object.PaymentStatus = "paid"
	evt.Data.Object.Metadata = map[string]string{"charge_id": chargeID}
	return evt
}

func TestAgreementEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	if a.Status != string(lifecycle.Draft) || !a.Price.Equal(decimal.NewFromInt(499)) || a.Currency != "USD" {
		t.Fatalf("unexpected agreement: %+v", a)
	}

	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Agreement.Status != string(lifecycle.PendingSignature) {
		t.Fatalf("expected PENDING_SIGNATURE, got %s", sent.Agreement.Status)
	}
	if sent.CeremonyURL == "" || sent.EnvelopeID == "" {
		t.Fatalf("expected envelope and ceremony, got %+v", sent)
	}
	if sent.Run.Status != engine.WorkflowCompleted {
		t.Fatalf("run status %s", sent.Run.Status)
	}

	res, err := env.Engine.ReconcileSignature(env.Ctx, a.ID, engine.CeremonyAgreement, env.Client)
	if err != nil {
		t.Fatalf("reconcile before signing: %v", err)
	}
	if res.Success || res.Completed || res.Status != string(lifecycle.PendingSignature) {
		t.Fatalf("unsigned envelope must not reconcile: %+v", res)
	}

	env.Signer.Sign(sent.EnvelopeID, "client@example.com")
	res, err = env.Engine.ReconcileSignature(env.Ctx, a.ID, engine.CeremonyAgreement, env.Client)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Success || res.Status != string(lifecycle.PendingPayment) || len(res.Errors) != 0 {
		t.Fatalf("unexpected reconcile result: %+v", res)
	}
	again, err := env.Engine.ReconcileSignature(env.Ctx, a.ID, engine.CeremonyAgreement, env.Client)
	if err != nil || !again.Success || len(again.Applied) != 0 {
		t.Fatalf("second reconcile should be a no-op success: %+v %v", again, err)
	}

	detail, err := env.Engine.GetAgreement(env.Ctx, a.ID, env.Client)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if !detail.View.ContractSigned || !detail.View.SignTodoCompleted || !detail.View.AwaitingPayment {
		t.Fatalf("unexpected view: %+v", detail.View)
	}
	if detail.Signature == nil || detail.Signature.EnvelopeID != sent.EnvelopeID {
		t.Fatalf("signature metadata missing: %+v", detail.Signature)
	}
	contract, err := env.Engine.GetDocument(env.Ctx, detail.Signature.DocumentID, env.Client)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if !contract.Document.Signed || contract.SignedURL != "https://sign.test/"+sent.EnvelopeID+"/signed.pdf" {
		t.Fatalf("signed contract url: %+v", contract)
	}

	charge, err := env.Engine.RequestPayment(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if !charge.Amount.Equal(decimal.NewFromInt(499)) || charge.PaymentLink == nil || charge.LinkCount != 1 {
		t.Fatalf("unexpected charge: %+v", charge)
	}
	if env.Pay.Sessions[0].SuccessURL != "http://localhost:8080/agreements/"+a.ID+"?payment=success" {
		t.Fatalf("success url %q", env.Pay.Sessions[0].SuccessURL)
	}

	out, err := env.Engine.HandlePaymentEvent(env.Ctx, paidEvent("evt_1", charge.ID, *charge.CheckoutSessionID))
	if err != nil || !out.Applied {
		t.Fatalf("payment event: %+v %v", out, err)
	}
	if got := env.status(t, a.ID); got != lifecycle.PendingTodosCompletion {
		t.Fatalf("expected PENDING_TODOS_COMPLETION, got %s", got)
	}
	dup, err := env.Engine.HandlePaymentEvent(env.Ctx, paidEvent("evt_1", charge.ID, *charge.CheckoutSessionID))
	if err != nil || !dup.Duplicate || dup.Applied {
		t.Fatalf("duplicate delivery must be ignored: %+v %v", dup, err)
	}

	detail, err = env.Engine.GetAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if !detail.View.PaymentReceived || !detail.View.PayTodoCompleted || detail.View.ChargeStatus != domain.ChargePaid {
		t.Fatalf("unexpected view after payment: %+v", detail.View)
	}
}

func TestDualSigningNeedsWholeEnvelope(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, true)
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	env.Signer.Sign(sent.EnvelopeID, "client@example.com")
	res, err := env.Engine.ReconcileSignature(env.Ctx, a.ID, "", env.Client)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Success || res.Completed || res.EnvelopeStatus != "in_progress" {
		t.Fatalf("one signer of two must not complete: %+v", res)
	}
	if got := env.status(t, a.ID); got != lifecycle.PendingSignature {
		t.Fatalf("status moved to %s", got)
	}
	env.Signer.Sign(sent.EnvelopeID, "strat@example.com")
	res, err = env.Engine.ReconcileSignature(env.Ctx, a.ID, "", env.Strategist)
	if err != nil || !res.Success {
		t.Fatalf("reconcile after both: %+v %v", res, err)
	}
	if got := env.status(t, a.ID); got != lifecycle.PendingPayment {
		t.Fatalf("expected PENDING_PAYMENT, got %s", got)
	}
}

func TestReconcileFindsEnvelopeBySearch(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// Drop every stored reference so only the provider search remains.
	if _, err := env.Engine.DB.Exec(`UPDATE agreements SET envelope_id=NULL`); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.Exec(`DELETE FROM agreement_metadata`); err != nil {
		t.Fatal(err)
	}
	env.Signer.Sign(sent.EnvelopeID, "client@example.com")
	res, err := env.Engine.ReconcileSignature(env.Ctx, a.ID, engine.CeremonyAgreement, env.Client)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.EnvelopeID != sent.EnvelopeID || res.Status != string(lifecycle.PendingPayment) {
		t.Fatalf("unexpected result: %+v", res)
	}
	stored, err := env.Engine.Repo.GetAgreement(env.Ctx, nil, a.ID)
	if err != nil || stored.EnvelopeID == nil || *stored.EnvelopeID != sent.EnvelopeID {
		t.Fatalf("envelope id not persisted: %+v %v", stored.EnvelopeID, err)
	}
}

func TestPaymentReminderKeepsOneCharge(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	if _, err := env.Engine.RequestPayment(env.Ctx, a.ID, env.Strategist); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("payment before signature should fail the gate, got %v", err)
	}
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	env.Signer.Sign(sent.EnvelopeID, "client@example.com")
	if _, err := env.Engine.ReconcileSignature(env.Ctx, a.ID, "", env.Client); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	first, err := env.Engine.RequestPayment(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	second, err := env.Engine.RequestPayment(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("request payment again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one charge, got %s and %s", first.ID, second.ID)
	}
	reminded, err := env.Engine.GeneratePaymentLink(env.Ctx, first.ID, env.Strategist)
	if err != nil {
		t.Fatalf("reminder: %v", err)
	}
	reminded, err = env.Engine.GeneratePaymentLink(env.Ctx, first.ID, env.Strategist)
	if err != nil {
		t.Fatalf("reminder: %v", err)
	}
	if reminded.ID != first.ID || reminded.LinkCount != 3 {
		t.Fatalf("unexpected charge after reminders: %+v", reminded)
	}
	var n int
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM charges WHERE agreement_id=?`, a.ID).Scan(&n); err != nil || n != 1 {
		t.Fatalf("charges = %d (%v)", n, err)
	}
	if env.Pay.Count() != 3 || env.Pay.Sessions[2].Attempt != 3 {
		t.Fatalf("unexpected checkout sessions: %+v", env.Pay.Sessions)
	}
}

func TestAsyncPaymentFailureReopensCharge(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	env.Signer.Sign(sent.EnvelopeID, env.ClientUser.Email)
	if _, err := env.Engine.ReconcileSignature(env.Ctx, a.ID, engine.CeremonyAgreement, env.Client); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	charge, err := env.Engine.RequestPayment(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	failed := paidEvent("evt_failed", charge.ID, *charge.CheckoutSessionID)
	failed.Type = payments.EventAsyncPaymentFailed
	failed.Data.Object.PaymentStatus = "unpaid"
	out, err := env.Engine.HandlePaymentEvent(env.Ctx, failed)
	if err != nil || !out.Applied || out.ChargeID != charge.ID {
		t.Fatalf("failure event: %+v %v", out, err)
	}
	got, err := env.Engine.GetCharge(env.Ctx, a.ID, env.Strategist)
	if err != nil || got.Status != domain.ChargeFailed {
		t.Fatalf("charge after failure: %s %v", got.Status, err)
	}
	if status := env.status(t, a.ID); status != lifecycle.PendingPayment {
		t.Fatalf("failed payment moved the agreement to %s", status)
	}
	if dup, err := env.Engine.HandlePaymentEvent(env.Ctx, failed); err != nil || !dup.Duplicate {
		t.Fatalf("redelivery: %+v %v", dup, err)
	}

	retry, err := env.Engine.GeneratePaymentLink(env.Ctx, charge.ID, env.Strategist)
	if err != nil || retry.Status != domain.ChargePending || retry.LinkCount != 2 {
		t.Fatalf("new link after failure: %+v %v", retry, err)
	}
	if _, err := env.Engine.HandlePaymentEvent(env.Ctx, paidEvent("evt_paid", charge.ID, *retry.CheckoutSessionID)); err != nil {
		t.Fatalf("paid event: %v", err)
	}
	if status := env.status(t, a.ID); status != lifecycle.PendingTodosCompletion {
		t.Fatalf("expected PENDING_TODOS_COMPLETION, got %s", status)
	}
}

func TestSignatureEventReceiptOnlyAfterSuccess(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := env.Engine.CancelAgreement(env.Ctx, a.ID, "client withdrew", env.Strategist); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	env.Signer.Sign(sent.EnvelopeID, env.ClientUser.Email)
	// The contract is marked signed here, so the event below has nothing
	// left to apply and its transition step fails.
	if _, err := env.Engine.ReconcileSignature(env.Ctx, a.ID, engine.CeremonyAgreement, env.Strategist); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	evt := esign.WebhookEvent{ID: "sig_evt_1", Type: "envelope.completed", EnvelopeID: sent.EnvelopeID}
	for i := 0; i < 2; i++ {
		res, err := env.Engine.HandleSignatureEvent(env.Ctx, evt)
		if err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
		if res.Duplicate {
			t.Fatalf("delivery %d was deduplicated although nothing was applied", i+1)
		}
		if res.Reconcile == nil || !res.Reconcile.Completed || res.Reconcile.Success || len(res.Reconcile.Errors) == 0 {
			t.Fatalf("delivery %d: unexpected reconcile %+v", i+1, res.Reconcile)
		}
	}
	seen, err := env.Engine.Repo.HasWebhookReceipt(env.Ctx, nil, "esign", evt.ID)
	if err != nil || seen {
		t.Fatalf("receipt recorded for a failed pass: %v %v", seen, err)
	}
}

func TestReuploadResetsAcceptance(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	todo, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{AgreementID: a.ID, Title: "W-2"}, env.Strategist)
	if err != nil {
		t.Fatalf("create todo: %v", err)
	}
	up, err := env.Engine.UploadDocument(env.Ctx, todo.ID, engine.FileInput{Name: "w2.pdf", Size: 10}, env.Client)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.Contains(up.UploadURL, "method=PUT") || up.Document.UploadStatus != domain.UploadWaiting || up.Document.AcceptanceStatus != nil {
		t.Fatalf("unexpected upload: %+v", up)
	}
	if _, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewOptions{DocumentID: up.Document.ID, Decision: "accept"}, env.Strategist); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("accepting before the file is confirmed should fail, got %v", err)
	}
	if _, err := env.Engine.ConfirmUpload(env.Ctx, up.Document.ID, env.Strategist); !errors.As(err, new(auth.ForbiddenError)) {
		t.Fatalf("strategist confirming a client upload should be forbidden, got %v", err)
	}
	confirmed, err := env.Engine.ConfirmUpload(env.Ctx, up.Document.ID, env.Client)
	if err != nil || confirmed.UploadStatus != domain.UploadDone || *confirmed.AcceptanceStatus != domain.AcceptanceRequestStrategist {
		t.Fatalf("confirm: %+v %v", confirmed, err)
	}
	if _, err := env.Engine.ConfirmUpload(env.Ctx, up.Document.ID, env.Client); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("confirming twice should fail, got %v", err)
	}
	if got, _ := env.Engine.Repo.GetTodo(env.Ctx, nil, todo.ID); got.Status != domain.TodoInProgress {
		t.Fatalf("todo after confirm: %s", got.Status)
	}
	if _, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewOptions{DocumentID: up.Document.ID, Decision: "reject"}, env.Strategist); !errors.As(err, new(*engine.ValidationError)) {
		t.Fatalf("rejection without reason should fail, got %v", err)
	}
	doc, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewOptions{DocumentID: up.Document.ID, Decision: "reject", Reason: "blurry"}, env.Strategist)
	if err != nil || *doc.AcceptanceStatus != domain.RejectedByStrategist {
		t.Fatalf("reject: %+v %v", doc.AcceptanceStatus, err)
	}

	again, err := env.Engine.UploadDocument(env.Ctx, todo.ID, engine.FileInput{Name: "w2-clear.pdf"}, env.Client)
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if again.Document.ID != up.Document.ID || again.Document.UploadStatus != domain.UploadWaiting || again.Document.AcceptanceStatus != nil {
		t.Fatalf("re-upload must reset review: %+v", again.Document)
	}
	confirmed, err = env.Engine.ConfirmUpload(env.Ctx, again.Document.ID, env.Client)
	if err != nil || *confirmed.AcceptanceStatus != domain.AcceptanceRequestStrategist {
		t.Fatalf("confirm re-upload: %+v %v", confirmed, err)
	}

	if _, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewOptions{DocumentID: up.Document.ID, Decision: "accept"}, env.Strategist); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, err := env.Engine.Repo.GetTodo(env.Ctx, nil, todo.ID)
	if err != nil || got.Status != domain.TodoCompleted {
		t.Fatalf("todo after accept: %s %v", got.Status, err)
	}
	if _, err := env.Engine.UploadDocument(env.Ctx, todo.ID, engine.FileInput{Name: "late.pdf"}, env.Client); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("upload after acceptance should fail, got %v", err)
	}
	detail, err := env.Engine.GetDocument(env.Ctx, up.Document.ID, env.Client)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if len(detail.Reviews) != 2 || len(detail.Document.Files) != 1 || detail.Document.Files[0].Name != "w2-clear.pdf" {
		t.Fatalf("unexpected document detail: %+v", detail)
	}
}

func TestDeleteFileAndTodo(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	todo, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{AgreementID: a.ID, Title: "1099"}, env.Strategist)
	if err != nil {
		t.Fatalf("create todo: %v", err)
	}
	up, err := env.Engine.UploadDocument(env.Ctx, todo.ID, engine.FileInput{Name: "1099.pdf"}, env.Client)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.Engine.DeleteTodo(env.Ctx, todo.ID, env.Strategist); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("delete with upload should fail, got %v", err)
	}
	doc, err := env.Engine.DeleteDocumentFile(env.Ctx, up.Document.ID, env.Client)
	if err != nil || doc.UploadStatus != domain.UploadDeleted || doc.AcceptanceStatus != nil {
		t.Fatalf("delete file: %+v %v", doc, err)
	}
	if _, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewOptions{DocumentID: doc.ID, Decision: "accept"}, env.Strategist); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("review without file should fail, got %v", err)
	}
	if err := env.Engine.DeleteTodo(env.Ctx, todo.ID, env.Strategist); err != nil {
		t.Fatalf("delete todo: %v", err)
	}
	if _, err := env.Engine.Repo.GetTodo(env.Ctx, nil, todo.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("todo should be gone, got %v", err)
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	_, err := env.Engine.TransitionAgreement(env.Ctx, engine.TransitionOptions{ID: a.ID, To: "PENDING_PAYMENT"}, env.Strategist)
	var te *lifecycle.TransitionError
	if !errors.As(err, &te) || te.From != lifecycle.Draft {
		t.Fatalf("expected transition error, got %v", err)
	}
	_, err = env.Engine.TransitionAgreement(env.Ctx, engine.TransitionOptions{ID: a.ID, To: "PENDING_SIGNATURE"}, env.Strategist)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("automatic edge from a person should be forbidden, got %v", err)
	}
	other := auth.Principal{ActorID: "client-2", Role: domain.RoleClient}
	if _, err := env.Engine.GetAgreement(env.Ctx, a.ID, other); !errors.As(err, new(auth.NotPartyError)) {
		t.Fatalf("expected not-party error, got %v", err)
	}
	if got := env.status(t, a.ID); got != lifecycle.Draft {
		t.Fatalf("status changed to %s", got)
	}
	cancelled, err := env.Engine.CancelAgreement(env.Ctx, a.ID, "client withdrew", env.Strategist)
	if err != nil || cancelled.Status != string(lifecycle.Cancelled) {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.Engine.CancelAgreement(env.Ctx, a.ID, "", env.Strategist); !errors.As(err, &te) {
		t.Fatalf("cancelling twice should fail, got %v", err)
	}
	if _, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist); !errors.As(err, &te) {
		t.Fatalf("sending a cancelled agreement should fail, got %v", err)
	}
}

func TestStrategyFlowToCompletion(t *testing.T) {
	env := newTestEnv(t)
	a := env.toTodos(t)
	if _, err := env.Engine.AdvanceToStrategy(env.Ctx, a.ID, env.Strategist); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("empty request set must not pass the gate, got %v", err)
	}
	todo, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{AgreementID: a.ID, Title: "Prior return"}, env.Strategist)
	if err != nil {
		t.Fatalf("create todo: %v", err)
	}
	up := env.upload(t, todo.ID, "return.pdf")
	if _, err := env.Engine.AdvanceToStrategy(env.Ctx, a.ID, env.Strategist); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("unreviewed upload must not pass the gate, got %v", err)
	}
	if _, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewOptions{DocumentID: up.ID, Decision: "accept"}, env.Strategist); err != nil {
		t.Fatalf("accept: %v", err)
	}
	detail, err := env.Engine.GetAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil || !detail.View.CanAdvanceToStrategy {
		t.Fatalf("expected CanAdvanceToStrategy: %+v %v", detail.View, err)
	}
	if got := env.status(t, a.ID); got != lifecycle.PendingTodosCompletion {
		t.Fatalf("manual checkpoint fired on its own: %s", got)
	}
	if _, err := env.Engine.AdvanceToStrategy(env.Ctx, a.ID, env.Strategist); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if _, err := env.Engine.SendStrategy(env.Ctx, a.ID, env.Strategist); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("send strategy without document should fail, got %v", err)
	}
	plan, err := env.Engine.UploadStrategyDocument(env.Ctx, a.ID, engine.FileInput{Name: "strategy.pdf"}, env.Strategist)
	if err != nil {
		t.Fatalf("upload strategy: %v", err)
	}
	if _, err := env.Engine.SendStrategy(env.Ctx, a.ID, env.Strategist); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("send strategy before the upload is confirmed should fail, got %v", err)
	}
	if _, err := env.Engine.ConfirmUpload(env.Ctx, plan.Document.ID, env.Strategist); err != nil {
		t.Fatalf("confirm strategy: %v", err)
	}
	sent, err := env.Engine.SendStrategy(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send strategy: %v", err)
	}
	if sent.Agreement.Status != string(lifecycle.PendingStrategyReview) {
		t.Fatalf("expected PENDING_STRATEGY_REVIEW, got %s", sent.Agreement.Status)
	}
	env.Signer.Sign(sent.EnvelopeID, "client@example.com")
	res, err := env.Engine.ReconcileSignature(env.Ctx, a.ID, engine.CeremonyStrategy, env.Client)
	if err != nil || !res.Success {
		t.Fatalf("reconcile strategy: %+v %v", res, err)
	}
	if got := env.status(t, a.ID); got != lifecycle.PendingStrategyReview {
		t.Fatalf("strategy signature must not finish the agreement, got %s", got)
	}
	signed, err := env.Engine.GetDocument(env.Ctx, plan.Document.ID, env.Client)
	if err != nil || signed.SignedURL != "https://sign.test/"+sent.EnvelopeID+"/signed.pdf" {
		t.Fatalf("signed strategy url: %+v %v", signed, err)
	}
	done, err := env.Engine.FinishAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil || done.Status != string(lifecycle.Completed) {
		t.Fatalf("finish: %v", err)
	}
}

func TestComplianceReviewGatesStrategy(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Lifecycle.RequireComplianceReview = true
	compliance, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Email: "audit@example.com", Role: domain.RoleCompliance}, auth.System("test"))
	if err != nil {
		t.Fatalf("create compliance user: %v", err)
	}
	officer := auth.Principal{ActorID: compliance.ID, Role: compliance.Role}
	a := env.toTodos(t)
	todo, _ := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{AgreementID: a.ID, Title: "ID"}, env.Strategist)
	up := env.upload(t, todo.ID, "id.png")
	if _, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewOptions{DocumentID: up.ID, Decision: "accept"}, env.Strategist); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.AdvanceToStrategy(env.Ctx, a.ID, env.Strategist); err != nil {
		t.Fatalf("advance: %v", err)
	}
	strategy, err := env.Engine.UploadStrategyDocument(env.Ctx, a.ID, engine.FileInput{Name: "plan.pdf"}, env.Strategist)
	if err != nil {
		t.Fatalf("upload strategy: %v", err)
	}
	if queue, _ := env.Engine.ComplianceQueue(env.Ctx, officer); len(queue) != 0 {
		t.Fatalf("unconfirmed upload reached compliance: %+v", queue)
	}
	if _, err := env.Engine.ConfirmUpload(env.Ctx, strategy.Document.ID, env.Strategist); err != nil {
		t.Fatalf("confirm strategy: %v", err)
	}
	queue, err := env.Engine.ComplianceQueue(env.Ctx, officer)
	if err != nil || len(queue) != 1 || queue[0].ID != strategy.Document.ID {
		t.Fatalf("compliance queue: %+v %v", queue, err)
	}
	if _, err := env.Engine.SendStrategy(env.Ctx, a.ID, env.Strategist); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("send before compliance should fail, got %v", err)
	}
	doc, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewOptions{DocumentID: strategy.Document.ID, Decision: "accept"}, officer)
	if err != nil || *doc.AcceptanceStatus != domain.AcceptedByCompliance {
		t.Fatalf("compliance accept: %v", err)
	}
	if _, err := env.Engine.SendStrategy(env.Ctx, a.ID, env.Strategist); err != nil {
		t.Fatalf("send strategy: %v", err)
	}
}

func TestComplianceCannotOverrideStrategistAcceptance(t *testing.T) {
	env := newTestEnv(t)
	compliance, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Email: "audit@example.com", Role: domain.RoleCompliance}, auth.System("test"))
	if err != nil {
		t.Fatalf("create compliance user: %v", err)
	}
	officer := auth.Principal{ActorID: compliance.ID, Role: compliance.Role}
	a := env.toTodos(t)
	todo, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{AgreementID: a.ID, Title: "Bank statement"}, env.Strategist)
	if err != nil {
		t.Fatalf("create todo: %v", err)
	}
	up := env.upload(t, todo.ID, "statement.pdf")
	if _, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewOptions{DocumentID: up.ID, Decision: "accept"}, env.Strategist); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, decision := range []engine.ReviewOptions{
		{DocumentID: up.ID, Decision: "accept"},
		{DocumentID: up.ID, Decision: "reject", Reason: "illegible"},
	} {
		if _, err := env.Engine.ReviewDocument(env.Ctx, decision, officer); !errors.As(err, new(*engine.GateError)) {
			t.Fatalf("compliance %s on a client upload should fail the gate, got %v", decision.Decision, err)
		}
	}
	detail, err := env.Engine.GetDocument(env.Ctx, up.ID, env.Strategist)
	if err != nil || *detail.Document.AcceptanceStatus != domain.AcceptedByStrategist || len(detail.Reviews) != 1 {
		t.Fatalf("document after compliance attempt: %+v %v", detail, err)
	}
	got, err := env.Engine.Repo.GetTodo(env.Ctx, nil, todo.ID)
	if err != nil || got.Status != domain.TodoCompleted {
		t.Fatalf("todo after compliance attempt: %s %v", got.Status, err)
	}
	if _, err := env.Engine.AdvanceToStrategy(env.Ctx, a.ID, env.Strategist); err != nil {
		t.Fatalf("advance: %v", err)
	}
}

func TestSessionReconcileRunsOnce(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	env.Signer.Sign(sent.EnvelopeID, "client@example.com")
	session, _, err := env.Engine.StartSession(env.Ctx, env.Client.ActorID)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	env.Client.SessionID = session.ID
	first, err := env.Engine.ReconcileSession(env.Ctx, session.ID, env.Client)
	if err != nil {
		t.Fatalf("reconcile session: %v", err)
	}
	if first.Skipped || len(first.Results) != 1 || !first.Results[0].Success {
		t.Fatalf("unexpected first pass: %+v", first)
	}
	second, err := env.Engine.ReconcileSession(env.Ctx, session.ID, env.Client)
	if err != nil || !second.Skipped {
		t.Fatalf("second pass should be skipped: %+v %v", second, err)
	}
	if _, err := env.Engine.ReconcileSession(env.Ctx, session.ID, env.Strategist); !errors.As(err, new(auth.ForbiddenError)) {
		t.Fatalf("foreign session should be forbidden, got %v", err)
	}
}

func TestSendResumesFailedRun(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	env.Signer.Err = errors.New("provider down")
	_, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	var we *engine.WorkflowError
	if !errors.As(err, &we) || we.Step != "create_envelope" {
		t.Fatalf("expected failure at create_envelope, got %v", err)
	}
	if got := env.status(t, a.ID); got != lifecycle.Draft {
		t.Fatalf("failed send moved status to %s", got)
	}
	env.Signer.Err = nil
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sent.Run.ID != we.RunID {
		t.Fatalf("expected run %s to resume, got %s", we.RunID, sent.Run.ID)
	}
	docs, err := env.Engine.Repo.ListDocuments(env.Ctx, nil, repo.DocumentFilters{AgreementID: a.ID, Kind: domain.DocumentKindContract, IncludeTemporary: true})
	if err != nil || len(docs) != 1 || docs[0].Temporary {
		t.Fatalf("expected one permanent contract, got %+v %v", docs, err)
	}
	todos, err := env.Engine.Repo.ListTodos(env.Ctx, nil, repo.TodoFilters{AgreementID: a.ID})
	if err != nil || len(todos) != 2 {
		t.Fatalf("expected default todos, got %d %v", len(todos), err)
	}
}

func TestCleanupOrphans(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	env.Signer.Err = errors.New("provider down")
	if _, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist); err == nil {
		t.Fatalf("expected send failure")
	}
	res, err := env.Engine.CleanupOrphans(env.Ctx, 0, auth.System("test"))
	if err != nil || len(res.Documents) != 0 {
		t.Fatalf("fresh leftovers must survive: %+v %v", res, err)
	}
	env.Clock.Advance(2 * time.Hour)
	res, err = env.Engine.CleanupOrphans(env.Ctx, 0, auth.System("test"))
	if err != nil || len(res.Documents) != 1 {
		t.Fatalf("expected one orphan removed: %+v %v", res, err)
	}
	env.Signer.Err = nil
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send after cleanup: %v", err)
	}
	if sent.Agreement.Status != string(lifecycle.PendingSignature) {
		t.Fatalf("unexpected status %s", sent.Agreement.Status)
	}
}

func TestCeremonyURLReuse(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	c, err := env.Engine.CeremonyURL(env.Ctx, a.ID, engine.CeremonyAgreement, env.Client)
	if err != nil {
		t.Fatalf("ceremony: %v", err)
	}
	if !c.Reused || c.URL != sent.CeremonyURL {
		t.Fatalf("fresh ceremony should be reused: %+v", c)
	}
	env.Clock.Advance(4*time.Minute + 30*time.Second)
	c2, err := env.Engine.CeremonyURL(env.Ctx, a.ID, engine.CeremonyAgreement, env.Client)
	if err != nil {
		t.Fatalf("ceremony: %v", err)
	}
	if c2.Reused || c2.URL == c.URL {
		t.Fatalf("ceremony inside refresh margin should be re-minted: %+v", c2)
	}
	if !strings.Contains(c2.URL, "signed%3D1") && !strings.Contains(c2.URL, "signed=1") {
		t.Fatalf("redirect missing from ceremony: %s", c2.URL)
	}
	if _, err := env.Engine.CeremonyURL(env.Ctx, a.ID, engine.CeremonyStrategy, env.Client); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("strategy ceremony before review should fail, got %v", err)
	}
}

func TestMetadataImportAndExport(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		ClientID:    env.Client.ActorID,
		Title:       "Imported",
		Description: "Scope of work\n\n__SIGNATURE_METADATA__:{\"envelope_id\":\"env_legacy\"}",
		Price:       decimal.RequireFromString("1200.50"),
	}, env.Strategist)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Description != "Scope of work" {
		t.Fatalf("description not stripped: %q", a.Description)
	}
	detail, err := env.Engine.GetAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil || detail.Signature == nil || detail.Signature.EnvelopeID != "env_legacy" {
		t.Fatalf("legacy metadata not imported: %+v %v", detail.Signature, err)
	}
	exported, err := env.Engine.ExportAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(exported.Description, "Scope of work\n\n__SIGNATURE_METADATA__:") {
		t.Fatalf("unexpected export: %q", exported.Description)
	}
}

func TestPriceLockedOncePaymentRequested(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAgreement(t, false)
	price := decimal.RequireFromString("550")
	updated, err := env.Engine.UpdateAgreement(env.Ctx, engine.AgreementUpdateOptions{ID: a.ID, Price: &price}, env.Strategist)
	if err != nil || !updated.Price.Equal(price) {
		t.Fatalf("update price in draft: %v", err)
	}
	sent, err := env.Engine.SendAgreement(env.Ctx, a.ID, env.Strategist)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	env.Signer.Sign(sent.EnvelopeID, "client@example.com")
	if _, err := env.Engine.ReconcileSignature(env.Ctx, a.ID, "", env.Client); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	other := decimal.RequireFromString("600")
	if _, err := env.Engine.UpdateAgreement(env.Ctx, engine.AgreementUpdateOptions{ID: a.ID, Price: &other}, env.Strategist); !errors.As(err, new(*engine.GateError)) {
		t.Fatalf("price change after signature should fail, got %v", err)
	}
	if _, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{ClientID: env.Client.ActorID, Title: "x", Price: decimal.Zero}, env.Strategist); !errors.As(err, new(*engine.ValidationError)) {
		t.Fatalf("zero price should be invalid, got %v", err)
	}
}

func TestListAgreementsScopedToParty(t *testing.T) {
	env := newTestEnv(t)
	env.createAgreement(t, false)
	env.createAgreement(t, false)
	mine, err := env.Engine.ListAgreements(env.Ctx, engine.AgreementListOptions{}, env.Client)
	if err != nil || len(mine) != 2 {
		t.Fatalf("client list: %d %v", len(mine), err)
	}
	stranger := auth.Principal{ActorID: "client-9", Role: domain.RoleClient}
	none, err := env.Engine.ListAgreements(env.Ctx, engine.AgreementListOptions{}, stranger)
	if err != nil || len(none) != 0 {
		t.Fatalf("stranger list: %d %v", len(none), err)
	}
	if _, err := env.Engine.ListAgreements(env.Ctx, engine.AgreementListOptions{Statuses: []string{"bogus"}}, env.Client); !errors.As(err, new(*engine.ValidationError)) {
		t.Fatalf("bad status filter should be invalid, got %v", err)
	}
}
