package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ariex/internal/domain"
	"ariex/internal/engine/auth"
	"ariex/internal/esign"
	"ariex/internal/events"
	"ariex/internal/lifecycle"
	"ariex/internal/repo"
	"ariex/internal/storage"
)

// SendResult is the outcome of a send workflow.
type SendResult struct {
	Agreement   domain.Agreement   `json:"agreement"`
	Run         domain.WorkflowRun `json:"run"`
	EnvelopeID  string             `json:"envelope_id"`
	CeremonyURL string             `json:"ceremony_url,omitempty"`
}

type contractResult struct {
	DocumentID string `json:"document_id"`
}

type envelopeResult struct {
	EnvelopeID string   `json:"envelope_id"`
	Recipients []string `json:"recipients"`
}

// SendAgreement generates the contract, opens a signature envelope, seeds
// the default todos and moves the agreement to PENDING_SIGNATURE. Each step
// is recorded; calling it again after a failure resumes the same run.
func (e Engine) SendAgreement(ctx context.Context, id string, actor auth.Principal) (SendResult, error) {
	a, err := e.Repo.GetAgreement(ctx, nil, id)
	if err != nil {
		return SendResult{}, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return SendResult{}, err
	}
	if lifecycle.Status(a.Status) != lifecycle.Draft {
		return SendResult{}, &lifecycle.TransitionError{From: lifecycle.Status(a.Status), To: lifecycle.PendingSignature}
	}
	client, strategist, err := e.parties(ctx, a)
	if err != nil {
		return SendResult{}, err
	}

	steps := []workflowStep{
		{name: "generate_contract", run: func(ctx context.Context, _ stepResults) (any, error) {
			docID, err := e.generateDocument(ctx, a, domain.DocumentKindContract, "Service agreement - "+a.Title, actor)
			return contractResult{DocumentID: docID}, err
		}},
		{name: "create_envelope", run: func(ctx context.Context, prev stepResults) (any, error) {
			var doc contractResult
			if err := prev.decode("generate_contract", &doc); err != nil {
				return nil, err
			}
			recipients := []esign.Recipient{{Email: client.Email, Name: client.Name, Role: domain.RoleClient}}
			if a.DualSigning {
				recipients = append(recipients, esign.Recipient{Email: strategist.Email, Name: strategist.Name, Role: domain.RoleStrategist})
			}
			return e.createEnvelope(ctx, a, "agreement", doc.DocumentID, recipients)
		}},
		{name: "attach_contract", run: func(ctx context.Context, prev stepResults) (any, error) {
			var doc contractResult
			var env envelopeResult
			if err := prev.decode("generate_contract", &doc); err != nil {
				return nil, err
			}
			if err := prev.decode("create_envelope", &env); err != nil {
				return nil, err
			}
			return nil, e.attachEnvelope(ctx, a.ID, domain.MetadataSignature, doc.DocumentID, env, actor)
		}},
		{name: "create_default_todos", run: func(ctx context.Context, _ stepResults) (any, error) {
			n, err := e.createDefaultTodos(ctx, a.ID, actor)
			return map[string]int{"created": n}, err
		}},
		{name: "transition", run: func(ctx context.Context, _ stepResults) (any, error) {
			return nil, e.fireOnce(ctx, a.ID, lifecycle.Draft, lifecycle.TriggerSend, actor)
		}},
	}
	run, results, err := e.runWorkflow(ctx, WorkflowSendAgreement, a.ID, actor, steps)
	if err != nil {
		return SendResult{Run: run}, err
	}
	res := SendResult{Run: run}
	var env envelopeResult
	if err := results.decode("create_envelope", &env); err == nil {
		res.EnvelopeID = env.EnvelopeID
	}
	if res.Agreement, err = e.Repo.GetAgreement(ctx, nil, a.ID); err != nil {
		return res, err
	}
	// The ceremony is a convenience; the client can mint one later.
	if c, err := e.mintCeremony(ctx, res.Agreement, domain.MetadataSignature, client.Email); err != nil {
		e.log().Warn("ceremony after send", "agreement_id", a.ID, "err", err)
	} else {
		res.CeremonyURL = c.URL
	}
	return res, nil
}

// FileInput describes a file the caller is about to upload.
type FileInput struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

func (f FileInput) validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return invalid("file.name", "file name is required")
	}
	if f.Size < 0 {
		return invalid("file.size", "size must not be negative")
	}
	return nil
}

// UploadResult carries the document and where to put its bytes.
type UploadResult struct {
	Document  domain.Document `json:"document"`
	UploadURL string          `json:"upload_url"`
	ExpiresAt string          `json:"expires_at"`
}

// UploadStrategyDocument registers (or replaces) the strategy deliverable.
// The document waits for ConfirmUpload before it can be reviewed or sent.
func (e Engine) UploadStrategyDocument(ctx context.Context, agreementID string, file FileInput, actor auth.Principal) (UploadResult, error) {
	if err := file.validate(); err != nil {
		return UploadResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UploadResult{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreement(ctx, tx, agreementID)
	if err != nil {
		return UploadResult{}, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return UploadResult{}, err
	}
	if lifecycle.Status(a.Status) != lifecycle.PendingStrategy {
		return UploadResult{}, gateError("pending_strategy", "agreement is %s", a.Status)
	}
	now := e.nowString()
	doc, err := e.latestDocument(ctx, tx, a.ID, domain.DocumentKindStrategy)
	created := errors.Is(err, repo.ErrNotFound)
	if err != nil && !created {
		return UploadResult{}, err
	}
	if created {
		doc = domain.Document{ID: uuid.NewString(), AgreementID: a.ID, Kind: domain.DocumentKindStrategy, CreatedAt: now}
	}
	doc.Name = file.Name
	doc.UploadStatus = domain.UploadWaiting
	doc.AcceptanceStatus = nil
	doc.UpdatedAt = now
	if created {
		err = e.Repo.InsertDocument(ctx, tx, doc)
	} else {
		err = e.Repo.UpdateDocument(ctx, tx, doc)
	}
	if err != nil {
		return UploadResult{}, err
	}
	res, err := e.replaceFile(ctx, tx, doc, file)
	if err != nil {
		return UploadResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "document.uploaded", a.ID, "document", doc.ID, actor.ActorID, events.EventPayload{"kind": doc.Kind, "name": file.Name}); err != nil {
		return UploadResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UploadResult{}, err
	}
	return res, nil
}

// SendStrategy sends the uploaded strategy document for the client's
// signature and moves the agreement to PENDING_STRATEGY_REVIEW.
func (e Engine) SendStrategy(ctx context.Context, agreementID string, actor auth.Principal) (SendResult, error) {
	a, err := e.Repo.GetAgreement(ctx, nil, agreementID)
	if err != nil {
		return SendResult{}, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return SendResult{}, err
	}
	if lifecycle.Status(a.Status) != lifecycle.PendingStrategy {
		return SendResult{}, &lifecycle.TransitionError{From: lifecycle.Status(a.Status), To: lifecycle.PendingStrategyReview}
	}
	doc, err := e.latestDocument(ctx, nil, a.ID, domain.DocumentKindStrategy)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && doc.UploadStatus != domain.UploadDone) {
		return SendResult{}, gateError("strategy_uploaded", "upload the strategy document first")
	}
	if err != nil {
		return SendResult{}, err
	}
	if e.Config.Lifecycle.RequireComplianceReview {
		if doc.AcceptanceStatus == nil || *doc.AcceptanceStatus != domain.AcceptedByCompliance {
			return SendResult{}, gateError("compliance_review", "strategy document must be accepted by compliance")
		}
	}
	client, _, err := e.parties(ctx, a)
	if err != nil {
		return SendResult{}, err
	}
	steps := []workflowStep{
		{name: "create_envelope", run: func(ctx context.Context, _ stepResults) (any, error) {
			recipients := []esign.Recipient{{Email: client.Email, Name: client.Name, Role: domain.RoleClient}}
			return e.createEnvelope(ctx, a, "strategy", doc.ID, recipients)
		}},
		{name: "attach_strategy", run: func(ctx context.Context, prev stepResults) (any, error) {
			var env envelopeResult
			if err := prev.decode("create_envelope", &env); err != nil {
				return nil, err
			}
			return nil, e.attachEnvelope(ctx, a.ID, domain.MetadataStrategy, doc.ID, env, actor)
		}},
		{name: "transition", run: func(ctx context.Context, _ stepResults) (any, error) {
			return nil, e.fireOnce(ctx, a.ID, lifecycle.PendingStrategy, lifecycle.TriggerStrategySent, actor)
		}},
	}
	run, results, err := e.runWorkflow(ctx, WorkflowSendStrategy, a.ID, actor, steps)
	if err != nil {
		return SendResult{Run: run}, err
	}
	res := SendResult{Run: run}
	var env envelopeResult
	if err := results.decode("create_envelope", &env); err == nil {
		res.EnvelopeID = env.EnvelopeID
	}
	res.Agreement, err = e.Repo.GetAgreement(ctx, nil, a.ID)
	return res, err
}

func (e Engine) parties(ctx context.Context, a domain.Agreement) (domain.User, domain.User, error) {
	client, err := e.Repo.GetUser(ctx, nil, a.ClientID)
	if err != nil {
		return client, domain.User{}, fmt.Errorf("load client: %w", err)
	}
	strategist, err := e.Repo.GetUser(ctx, nil, a.StrategistID)
	if err != nil {
		return client, strategist, fmt.Errorf("load strategist: %w", err)
	}
	return client, strategist, nil
}

// generateDocument stores a temporary generated document. It stays
// temporary until its envelope is attached, so an abandoned run leaves
// something CleanupOrphans can find.
func (e Engine) generateDocument(ctx context.Context, a domain.Agreement, kind, name string, actor auth.Principal) (string, error) {
	now := e.nowString()
	doc := domain.Document{
		ID:           uuid.NewString(),
		AgreementID:  a.ID,
		Kind:         kind,
		Name:         name,
		UploadStatus: domain.UploadDone,
		Temporary:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return "", err
	}
	file := domain.DocumentFile{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		Name:        kind + ".pdf",
		ContentType: "application/pdf",
		StorageKey:  storage.ObjectKey(a.ID, doc.ID, kind+".pdf"),
		CreatedAt:   now,
	}
	if err := e.Repo.InsertDocumentFile(ctx, tx, file); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "document.generated", a.ID, "document", doc.ID, actor.ActorID, events.EventPayload{"kind": kind}); err != nil {
		return "", err
	}
	return doc.ID, tx.Commit()
}

func (e Engine) createEnvelope(ctx context.Context, a domain.Agreement, ceremony, documentID string, recipients []esign.Recipient) (envelopeResult, error) {
	if e.Signer == nil {
		return envelopeResult{}, errors.New("signature provider is not configured")
	}
	env, err := e.Signer.CreateEnvelope(ctx, esign.CreateEnvelopeRequest{
		Name:       a.Title,
		ExternalID: a.ID + ":" + ceremony,
		DocumentID: documentID,
		Recipients: recipients,
	})
	if err != nil {
		return envelopeResult{}, err
	}
	res := envelopeResult{EnvelopeID: env.ID}
	for _, r := range env.Recipients {
		res.Recipients = append(res.Recipients, r.Email)
	}
	return res, nil
}

// attachEnvelope records the envelope on the agreement column and in the
// metadata row, and makes the generated document permanent.
func (e Engine) attachEnvelope(ctx context.Context, agreementID, kind, documentID string, env envelopeResult, actor auth.Principal) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreement(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	envelopeID := env.EnvelopeID
	if kind == domain.MetadataStrategy {
		a.StrategyEnvelopeID = &envelopeID
	} else {
		a.EnvelopeID = &envelopeID
	}
	now := e.nowString()
	a.UpdatedAt = now
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return err
	}
	doc, err := e.Repo.GetDocument(ctx, tx, documentID)
	if err != nil {
		return fmt.Errorf("load %s document: %w", kind, err)
	}
	if doc.Temporary {
		doc.Temporary = false
		doc.UpdatedAt = now
		if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
			return err
		}
	}
	meta, err := e.Repo.SignatureMetadata(ctx, tx, agreementID, kind)
	if err != nil {
		return err
	}
	meta.EnvelopeID = envelopeID
	meta.DocumentID = documentID
	meta.Recipients = env.Recipients
	meta.SentAt = now
	meta.CeremonyURL, meta.CeremonyRecipientID, meta.CeremonyExpiresAt = "", "", ""
	if err := e.putSignatureMetadata(ctx, tx, agreementID, kind, meta); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "envelope.attached", agreementID, "document", documentID, actor.ActorID, events.EventPayload{
		"envelope_id": envelopeID,
		"kind":        kind,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) putSignatureMetadata(ctx context.Context, tx *sql.Tx, agreementID, kind string, meta domain.SignatureMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return e.Repo.UpsertMetadata(ctx, tx, domain.AgreementMetadata{
		AgreementID: agreementID,
		Kind:        kind,
		PayloadJSON: string(data),
		UpdatedAt:   e.nowString(),
	})
}

// createDefaultTodos seeds the configured todos that the default list does
// not already hold.
func (e Engine) createDefaultTodos(ctx context.Context, agreementID string, actor auth.Principal) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	list, err := e.Repo.DefaultTodoList(ctx, tx, agreementID)
	if err != nil {
		return 0, fmt.Errorf("default todo list: %w", err)
	}
	existing, err := e.Repo.ListTodos(ctx, tx, repo.TodoFilters{ListID: list.ID})
	if err != nil {
		return 0, err
	}
	seen := map[string]bool{}
	for _, t := range existing {
		seen[t.Kind+"\x00"+t.Title] = true
	}
	pos, err := e.Repo.NextTodoPosition(ctx, tx, list.ID)
	if err != nil {
		return 0, err
	}
	created := 0
	now := e.nowString()
	for _, def := range e.Config.Lifecycle.DefaultTodos {
		if seen[def.Kind+"\x00"+def.Title] {
			continue
		}
		t := domain.Todo{
			ID:          uuid.NewString(),
			TodoListID:  list.ID,
			AgreementID: agreementID,
			Title:       def.Title,
			Kind:        def.Kind,
			Status:      domain.TodoPending,
			Position:    pos,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertTodo(ctx, tx, t); err != nil {
			return 0, err
		}
		if err := e.Events.Append(ctx, tx, "todo.created", agreementID, "todo", t.ID, actor.ActorID, events.EventPayload{"kind": t.Kind, "title": t.Title}); err != nil {
			return 0, err
		}
		pos++
		created++
	}
	return created, tx.Commit()
}

// fireOnce applies trigger from the given state. Being already past it
// counts as done, so a resumed run does not fail on its own earlier commit.
func (e Engine) fireOnce(ctx context.Context, agreementID string, from lifecycle.Status, trigger lifecycle.Trigger, actor auth.Principal) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreement(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	target, err := lifecycle.Apply(from, trigger)
	if err != nil {
		return err
	}
	if lifecycle.Status(a.Status) == target {
		return nil
	}
	if _, err := e.transitionTx(ctx, tx, a, trigger, actor, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) latestDocument(ctx context.Context, tx *sql.Tx, agreementID, kind string) (domain.Document, error) {
	docs, err := e.Repo.ListDocuments(ctx, tx, repo.DocumentFilters{AgreementID: agreementID, Kind: kind})
	if err != nil {
		return domain.Document{}, err
	}
	if len(docs) == 0 {
		return domain.Document{}, repo.ErrNotFound
	}
	latest := docs[0]
	for _, d := range docs[1:] {
		if d.UpdatedAt >= latest.UpdatedAt {
			latest = d
		}
	}
	return latest, nil
}
