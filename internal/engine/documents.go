package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"ariex/internal/domain"
	"ariex/internal/engine/auth"
	"ariex/internal/events"
	"ariex/internal/lifecycle"
	"ariex/internal/repo"
	"ariex/internal/storage"
)

func domainStatus(a domain.Agreement) lifecycle.Status {
	return lifecycle.Status(a.Status)
}

func isAccepted(d domain.Document) bool {
	return d.AcceptanceStatus != nil && *d.AcceptanceStatus == domain.AcceptedByStrategist
}

// UploadDocument answers a document request. A request that already has a
// document gets its file replaced and waits for ConfirmUpload again.
func (e Engine) UploadDocument(ctx context.Context, todoID string, file FileInput, actor auth.Principal) (UploadResult, error) {
	if err := file.validate(); err != nil {
		return UploadResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UploadResult{}, err
	}
	defer tx.Rollback()
	t, a, err := e.todoWithAgreement(ctx, tx, todoID, actor)
	if err != nil {
		return UploadResult{}, err
	}
	if t.Kind != domain.TodoKindDocument {
		return UploadResult{}, gateError("todo_kind", "todo %s does not request a document", t.ID)
	}
	if t.Status == domain.TodoCancelled {
		return UploadResult{}, gateError("todo_open", "todo %s is cancelled", t.ID)
	}
	if domainStatus(a).Terminal() {
		return UploadResult{}, gateError("agreement_open", "agreement is %s", a.Status)
	}
	now := e.nowString()
	doc, err := e.Repo.DocumentForTodo(ctx, tx, t.ID)
	created := errors.Is(err, repo.ErrNotFound)
	if err != nil && !created {
		return UploadResult{}, err
	}
	if !created && isAccepted(doc) && doc.UploadStatus == domain.UploadDone {
		return UploadResult{}, gateError("document_accepted", "document %s is already accepted", doc.ID)
	}
	if created {
		todo := t.ID
		doc = domain.Document{
			ID:          uuid.NewString(),
			AgreementID: a.ID,
			TodoID:      &todo,
			Kind:        domain.DocumentKindUpload,
			CreatedAt:   now,
		}
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
	if err := e.Events.Append(ctx, tx, "document.uploaded", a.ID, "document", doc.ID, actor.ActorID, events.EventPayload{
		"todo_id":  t.ID,
		"name":     file.Name,
		"replaced": !created,
	}); err != nil {
		return UploadResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UploadResult{}, err
	}
	return res, nil
}

// replaceFile swaps the document's file record and presigns the upload.
func (e Engine) replaceFile(ctx context.Context, tx *sql.Tx, doc domain.Document, file FileInput) (UploadResult, error) {
	if err := e.Repo.DeleteDocumentFiles(ctx, tx, doc.ID); err != nil {
		return UploadResult{}, err
	}
	f := domain.DocumentFile{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		Name:        file.Name,
		ContentType: file.ContentType,
		Size:        file.Size,
		StorageKey:  storage.ObjectKey(doc.AgreementID, doc.ID, file.Name),
		CreatedAt:   doc.UpdatedAt,
	}
	if err := e.Repo.InsertDocumentFile(ctx, tx, f); err != nil {
		return UploadResult{}, err
	}
	uploadURL, expires := e.Storage.Sign(storage.MethodPut, f.StorageKey)
	f.URL, _ = e.Storage.Sign(storage.MethodGet, f.StorageKey)
	doc.Files = []domain.DocumentFile{f}
	return UploadResult{Document: doc, UploadURL: uploadURL, ExpiresAt: expires.Format(time.RFC3339)}, nil
}

// ConfirmUpload records that the bytes for a presigned upload reached
// storage. The document then enters review: a requested document waits for
// the strategist, a strategy document for compliance when that is required.
func (e Engine) ConfirmUpload(ctx context.Context, documentID string, actor auth.Principal) (domain.Document, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	doc, a, err := e.documentWithAgreement(ctx, tx, documentID, actor)
	if err != nil {
		return doc, err
	}
	perm := "document.upload"
	if doc.Kind == domain.DocumentKindStrategy {
		perm = "strategy.send"
	}
	if err := e.Auth.Require(actor, perm); err != nil {
		return doc, err
	}
	if doc.UploadStatus != domain.UploadWaiting {
		return doc, gateError("waiting_upload", "document %s is %s", doc.ID, doc.UploadStatus)
	}
	if domainStatus(a).Terminal() {
		return doc, gateError("agreement_open", "agreement is %s", a.Status)
	}
	doc.UploadStatus = domain.UploadDone
	doc.AcceptanceStatus = nil
	switch {
	case doc.Kind == domain.DocumentKindUpload:
		s := domain.AcceptanceRequestStrategist
		doc.AcceptanceStatus = &s
	case doc.Kind == domain.DocumentKindStrategy && e.Config.Lifecycle.RequireComplianceReview:
		s := domain.AcceptanceRequestCompliance
		doc.AcceptanceStatus = &s
	}
	doc.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return doc, err
	}
	if doc.TodoID != nil && doc.Kind == domain.DocumentKindUpload {
		t, err := e.Repo.GetTodo(ctx, tx, *doc.TodoID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return doc, err
		}
		if err == nil && t.Status != domain.TodoInProgress && t.Status != domain.TodoCancelled {
			if err := e.setTodoStatus(ctx, tx, t, domain.TodoInProgress, actor); err != nil {
				return doc, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "document.upload_confirmed", a.ID, "document", doc.ID, actor.ActorID, events.EventPayload{"kind": doc.Kind}); err != nil {
		return doc, err
	}
	return doc, tx.Commit()
}

// DeleteDocumentFile withdraws an upload that has not been accepted yet.
func (e Engine) DeleteDocumentFile(ctx context.Context, documentID string, actor auth.Principal) (domain.Document, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	doc, a, err := e.documentWithAgreement(ctx, tx, documentID, actor)
	if err != nil {
		return doc, err
	}
	if doc.Kind != domain.DocumentKindUpload {
		return doc, gateError("document_kind", "only uploaded documents can be withdrawn")
	}
	if isAccepted(doc) {
		return doc, gateError("document_accepted", "document %s is already accepted", doc.ID)
	}
	if doc.UploadStatus != domain.UploadDone && doc.UploadStatus != domain.UploadWaiting {
		return doc, gateError("file_uploaded", "document %s has no file", doc.ID)
	}
	if err := e.Repo.DeleteDocumentFiles(ctx, tx, doc.ID); err != nil {
		return doc, err
	}
	doc.UploadStatus = domain.UploadDeleted
	doc.AcceptanceStatus = nil
	doc.Files = nil
	doc.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return doc, err
	}
	if doc.TodoID != nil {
		t, err := e.Repo.GetTodo(ctx, tx, *doc.TodoID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return doc, err
		}
		if err == nil && t.Status == domain.TodoInProgress {
			if err := e.setTodoStatus(ctx, tx, t, domain.TodoPending, actor); err != nil {
				return doc, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "document.file_deleted", a.ID, "document", doc.ID, actor.ActorID, nil); err != nil {
		return doc, err
	}
	return doc, tx.Commit()
}

// Review decisions.
const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

// ReviewOptions is one reviewer decision on a document.
type ReviewOptions struct {
	DocumentID string
	Decision   string
	Reason     string
}

// ReviewDocument records a strategist or compliance decision. Only a
// document with an uploaded file can be reviewed. Compliance decides only
// documents routed to it and never moves a todo.
func (e Engine) ReviewDocument(ctx context.Context, opts ReviewOptions, actor auth.Principal) (domain.Document, error) {
	decision := strings.ToLower(strings.TrimSpace(opts.Decision))
	if decision != DecisionAccept && decision != DecisionReject {
		return domain.Document{}, invalid("decision", "must be accept or reject")
	}
	var status string
	switch actor.Role {
	case domain.RoleStrategist, domain.RoleSystem:
		status = domain.AcceptedByStrategist
		if decision == DecisionReject {
			status = domain.RejectedByStrategist
		}
	case domain.RoleCompliance:
		status = domain.AcceptedByCompliance
		if decision == DecisionReject {
			status = domain.RejectedByCompliance
		}
	default:
		return domain.Document{}, auth.ForbiddenError{Permission: "document.review"}
	}
	if decision == DecisionReject && strings.TrimSpace(opts.Reason) == "" {
		return domain.Document{}, invalid("reason", "a rejection needs a reason")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	doc, a, err := e.documentWithAgreement(ctx, tx, opts.DocumentID, actor)
	if err != nil {
		return doc, err
	}
	if doc.UploadStatus != domain.UploadDone {
		return doc, gateError("file_uploaded", "document %s has no uploaded file", doc.ID)
	}
	if actor.Role == domain.RoleCompliance && !awaitsCompliance(doc) {
		return doc, gateError("compliance_review", "document %s is not routed to compliance", doc.ID)
	}
	now := e.nowString()
	doc.AcceptanceStatus = &status
	doc.UpdatedAt = now
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return doc, err
	}
	if err := e.Repo.InsertDocumentReview(ctx, tx, domain.DocumentReview{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		ReviewerID: actor.ActorID,
		Role:       actor.Role,
		Status:     status,
		Reason:     strings.TrimSpace(opts.Reason),
		CreatedAt:  now,
	}); err != nil {
		return doc, err
	}
	if doc.TodoID != nil && doc.Kind == domain.DocumentKindUpload && actor.Role != domain.RoleCompliance {
		t, err := e.Repo.GetTodo(ctx, tx, *doc.TodoID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return doc, err
		}
		if err == nil && t.Status != domain.TodoCancelled {
			next := domain.TodoInProgress
			if status == domain.AcceptedByStrategist {
				next = domain.TodoCompleted
			}
			if err := e.setTodoStatus(ctx, tx, t, next, actor); err != nil {
				return doc, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "document.reviewed", a.ID, "document", doc.ID, actor.ActorID, events.EventPayload{
		"status": status,
		"reason": strings.TrimSpace(opts.Reason),
	}); err != nil {
		return doc, err
	}
	return doc, tx.Commit()
}

func awaitsCompliance(d domain.Document) bool {
	if d.AcceptanceStatus == nil {
		return false
	}
	switch *d.AcceptanceStatus {
	case domain.AcceptanceRequestCompliance, domain.AcceptedByCompliance, domain.RejectedByCompliance:
		return true
	}
	return false
}

// DocumentDetail is a document with its files and review history. A signed
// contract or strategy document also carries the provider's download URL.
type DocumentDetail struct {
	Document  domain.Document         `json:"document"`
	Reviews   []domain.DocumentReview `json:"reviews"`
	SignedURL string                  `json:"signed_url,omitempty"`
}

func (e Engine) GetDocument(ctx context.Context, id string, actor auth.Principal) (DocumentDetail, error) {
	doc, a, err := e.documentWithAgreement(ctx, nil, id, actor)
	if err != nil {
		return DocumentDetail{}, err
	}
	docs, err := e.attachFiles(ctx, nil, []domain.Document{doc})
	if err != nil {
		return DocumentDetail{}, err
	}
	reviews, err := e.Repo.ListDocumentReviews(ctx, nil, doc.ID)
	if err != nil {
		return DocumentDetail{}, err
	}
	if reviews == nil {
		reviews = []domain.DocumentReview{}
	}
	detail := DocumentDetail{Document: docs[0], Reviews: reviews}
	if doc.Signed && e.Signer != nil {
		envelopeID, err := e.signedEnvelope(ctx, a, doc)
		if err != nil {
			return detail, err
		}
		if envelopeID != "" {
			u, err := e.Signer.SignedDocumentURL(ctx, envelopeID)
			if err != nil {
				e.log().Warn("signed document url unavailable", "document_id", doc.ID, "envelope_id", envelopeID, "err", err)
			} else {
				detail.SignedURL = u
			}
		}
	}
	return detail, nil
}

// signedEnvelope returns the envelope a signed document went out in.
func (e Engine) signedEnvelope(ctx context.Context, a domain.Agreement, doc domain.Document) (string, error) {
	column, kind := a.EnvelopeID, domain.MetadataSignature
	switch doc.Kind {
	case domain.DocumentKindContract:
	case domain.DocumentKindStrategy:
		column, kind = a.StrategyEnvelopeID, domain.MetadataStrategy
	default:
		return "", nil
	}
	meta, err := e.Repo.SignatureMetadata(ctx, nil, a.ID, kind)
	if err != nil {
		return "", err
	}
	if meta.DocumentID != "" && meta.DocumentID != doc.ID {
		return "", nil
	}
	if meta.EnvelopeID != "" {
		return meta.EnvelopeID, nil
	}
	if column != nil {
		return *column, nil
	}
	return "", nil
}

// ComplianceQueue lists documents waiting for a compliance decision.
func (e Engine) ComplianceQueue(ctx context.Context, actor auth.Principal) ([]domain.Document, error) {
	if actor.Role != domain.RoleCompliance && !actor.IsSystem() {
		return nil, auth.ForbiddenError{Permission: "document.review.compliance"}
	}
	docs, err := e.Repo.ListDocuments(ctx, nil, repo.DocumentFilters{AcceptanceStatus: domain.AcceptanceRequestCompliance})
	if err != nil {
		return nil, err
	}
	return e.attachFiles(ctx, nil, docs)
}

func (e Engine) documentWithAgreement(ctx context.Context, tx *sql.Tx, id string, actor auth.Principal) (domain.Document, domain.Agreement, error) {
	doc, err := e.Repo.GetDocument(ctx, tx, id)
	if err != nil {
		return doc, domain.Agreement{}, err
	}
	a, err := e.Repo.GetAgreement(ctx, tx, doc.AgreementID)
	if err != nil {
		return doc, a, err
	}
	return doc, a, auth.RequireAccess(actor, a)
}
