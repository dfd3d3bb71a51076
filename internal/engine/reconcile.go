package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"ariex/internal/domain"
	"ariex/internal/engine/auth"
	"ariex/internal/esign"
	"ariex/internal/events"
	"ariex/internal/lifecycle"
	"ariex/internal/metadata"
	"ariex/internal/repo"
)

const (
	CeremonyAgreement = "agreement"
	CeremonyStrategy  = "strategy"
)

// metadataKind maps a ceremony name to its metadata kind.
func metadataKind(ceremony string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(ceremony)) {
	case "", CeremonyAgreement:
		return domain.MetadataSignature, nil
	case CeremonyStrategy:
		return domain.MetadataStrategy, nil
	}
	return "", invalid("kind", "unknown ceremony %q", ceremony)
}

func ceremonyName(kind string) string {
	if kind == domain.MetadataStrategy {
		return CeremonyStrategy
	}
	return CeremonyAgreement
}

// ReconcileResult describes what a reconciliation pass found and changed.
type ReconcileResult struct {
	AgreementID    string   `json:"agreement_id"`
	Ceremony       string   `json:"ceremony"`
	EnvelopeID     string   `json:"envelope_id,omitempty"`
	EnvelopeStatus string   `json:"envelope_status,omitempty"`
	Completed      bool     `json:"completed"`
	Success        bool     `json:"success"`
	Applied        []string `json:"applied,omitempty"`
	AlreadyApplied []string `json:"already_applied,omitempty"`
	Errors         []string `json:"errors,omitempty"`
	Status         string   `json:"status"`
}

const (
	stepMarkSigned   = "mark_document_signed"
	stepTransition   = "transition"
	stepCompleteTodo = "complete_sign_todo"
)

// ReconcileSignature reads the envelope from the signature provider and, if
// the whole envelope is completed, records the signature. The three effects
// are applied independently; one failing does not undo the others.
func (e Engine) ReconcileSignature(ctx context.Context, agreementID, ceremony string, actor auth.Principal) (ReconcileResult, error) {
	kind, err := metadataKind(ceremony)
	if err != nil {
		return ReconcileResult{}, err
	}
	a, err := e.Repo.GetAgreement(ctx, nil, agreementID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return ReconcileResult{}, err
	}
	res := ReconcileResult{AgreementID: a.ID, Ceremony: ceremonyName(kind), Status: a.Status}
	if e.Signer == nil {
		return res, errors.New("signature provider is not configured")
	}
	envelopeID, err := e.resolveEnvelope(ctx, a, kind)
	if err != nil {
		return res, err
	}
	if envelopeID == "" {
		res.Errors = append(res.Errors, "no signature envelope found")
		return res, nil
	}
	res.EnvelopeID = envelopeID
	env, err := e.Signer.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return res, err
	}
	res.EnvelopeStatus = env.Status
	if !env.Completed() {
		return res, nil
	}
	res.Completed = true

	record := func(step string, applied bool, err error) {
		switch {
		case err != nil:
			e.log().Warn("reconcile step failed", "agreement_id", a.ID, "ceremony", res.Ceremony, "step", step, "err", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", step, err))
		case applied:
			res.Applied = append(res.Applied, step)
		default:
			res.AlreadyApplied = append(res.AlreadyApplied, step)
		}
	}
	applied, err := e.markDocumentSigned(ctx, a.ID, kind, actor)
	record(stepMarkSigned, applied, err)
	if kind == domain.MetadataSignature {
		applied, err = e.applySignatureCompleted(ctx, a.ID, actor)
		record(stepTransition, applied, err)
		applied, found, err := e.completeTodoOfKind(ctx, a.ID, domain.TodoKindSign, actor)
		if found || err != nil {
			record(stepCompleteTodo, applied, err)
		}
	}
	res.Success = len(res.Applied) > 0 || (len(res.Errors) == 0 && len(res.AlreadyApplied) > 0)
	if latest, err := e.Repo.GetAgreement(ctx, nil, a.ID); err == nil {
		res.Status = latest.Status
	}
	return res, nil
}

// resolveEnvelope finds the envelope id for a ceremony. It prefers the
// agreement column, then the metadata row, then the legacy description
// block, and finally searches the provider. A found id is persisted.
func (e Engine) resolveEnvelope(ctx context.Context, a domain.Agreement, kind string) (string, error) {
	column := a.EnvelopeID
	if kind == domain.MetadataStrategy {
		column = a.StrategyEnvelopeID
	}
	if column != nil && *column != "" {
		return *column, nil
	}
	meta, err := e.Repo.SignatureMetadata(ctx, nil, a.ID, kind)
	if err != nil {
		return "", err
	}
	if meta.EnvelopeID != "" {
		return meta.EnvelopeID, nil
	}
	var legacy domain.SignatureMetadata
	if metadata.Lookup(a.Description, kind, &legacy) && legacy.EnvelopeID != "" {
		return legacy.EnvelopeID, nil
	}
	client, err := e.Repo.GetUser(ctx, nil, a.ClientID)
	if err != nil {
		return "", err
	}
	for _, q := range []string{client.Email, client.ID} {
		envs, err := e.Signer.ListEnvelopes(ctx, esign.ListOptions{Query: q, Since: parseTime(a.CreatedAt)})
		if err != nil {
			return "", err
		}
		envs = matchingEnvelopes(envs, a.ID+":"+ceremonyName(kind))
		if env, ok := esign.MostRecent(envs); ok {
			e.log().Info("envelope found by search", "agreement_id", a.ID, "envelope_id", env.ID, "query", q)
			if err := e.persistEnvelopeID(ctx, a.ID, kind, env.ID); err != nil {
				return "", err
			}
			return env.ID, nil
		}
	}
	return "", nil
}

// matchingEnvelopes drops envelopes tagged for another agreement or ceremony.
func matchingEnvelopes(envs []esign.Envelope, externalID string) []esign.Envelope {
	out := envs[:0:0]
	for _, env := range envs {
		if env.ExternalID != "" && env.ExternalID != externalID {
			continue
		}
		out = append(out, env)
	}
	return out
}

func (e Engine) persistEnvelopeID(ctx context.Context, agreementID, kind, envelopeID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreement(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if kind == domain.MetadataStrategy {
		a.StrategyEnvelopeID = &envelopeID
	} else {
		a.EnvelopeID = &envelopeID
	}
	a.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return err
	}
	meta, err := e.Repo.SignatureMetadata(ctx, tx, agreementID, kind)
	if err != nil {
		return err
	}
	meta.EnvelopeID = envelopeID
	if err := e.putSignatureMetadata(ctx, tx, agreementID, kind, meta); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) markDocumentSigned(ctx context.Context, agreementID, kind string, actor auth.Principal) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	meta, err := e.Repo.SignatureMetadata(ctx, tx, agreementID, kind)
	if err != nil {
		return false, err
	}
	var doc domain.Document
	if meta.DocumentID != "" {
		doc, err = e.Repo.GetDocument(ctx, tx, meta.DocumentID)
	} else {
		docKind := domain.DocumentKindContract
		if kind == domain.MetadataStrategy {
			docKind = domain.DocumentKindStrategy
		}
		doc, err = e.latestDocument(ctx, tx, agreementID, docKind)
	}
	if err != nil {
		return false, fmt.Errorf("signed document: %w", err)
	}
	if doc.Signed {
		return false, nil
	}
	now := e.nowString()
	doc.Signed = true
	doc.SignedAt = &now
	doc.UpdatedAt = now
	if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
		return false, err
	}
	meta.SignedAt = now
	meta.CeremonyURL, meta.CeremonyExpiresAt = "", ""
	if err := e.putSignatureMetadata(ctx, tx, agreementID, kind, meta); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "document.signed", agreementID, "document", doc.ID, actor.ActorID, events.EventPayload{"kind": doc.Kind}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (e Engine) applySignatureCompleted(ctx context.Context, agreementID string, actor auth.Principal) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	applied, err := e.fireIfAt(ctx, tx, agreementID, lifecycle.PendingSignature, lifecycle.TriggerSignatureCompleted, actor)
	if err != nil {
		return false, err
	}
	if !applied {
		a, err := e.Repo.GetAgreement(ctx, tx, agreementID)
		if err != nil {
			return false, err
		}
		if !lifecycle.Status(a.Status).AtLeast(lifecycle.PendingPayment) {
			return false, fmt.Errorf("agreement is %s", a.Status)
		}
		return false, nil
	}
	return true, tx.Commit()
}

// completeTodoOfKind completes every open todo of kind. found is false
// when the agreement has no such todo.
func (e Engine) completeTodoOfKind(ctx context.Context, agreementID, kind string, actor auth.Principal) (applied, found bool, err error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, false, err
	}
	defer tx.Rollback()
	applied, found, err = e.completeTodoOfKindTx(ctx, tx, agreementID, kind, actor)
	if err != nil || !applied {
		return applied, found, err
	}
	return true, true, tx.Commit()
}

func (e Engine) completeTodoOfKindTx(ctx context.Context, tx *sql.Tx, agreementID, kind string, actor auth.Principal) (applied, found bool, err error) {
	todos, err := e.Repo.ListTodos(ctx, tx, repo.TodoFilters{AgreementID: agreementID, Kind: kind})
	if err != nil {
		return false, false, err
	}
	for _, t := range todos {
		if t.Status == domain.TodoCancelled {
			continue
		}
		found = true
		if t.Status == domain.TodoCompleted {
			continue
		}
		if err := e.setTodoStatus(ctx, tx, t, domain.TodoCompleted, actor); err != nil {
			return false, true, err
		}
		applied = true
	}
	return applied, found, nil
}

// CeremonyResult is an embedded signing URL for one recipient.
type CeremonyResult struct {
	URL         string `json:"url"`
	RecipientID string `json:"recipient_id"`
	ExpiresAt   string `json:"expires_at"`
	Reused      bool   `json:"reused"`
}

// CeremonyURL returns a signing URL for the caller, or for the client when
// the caller is not a recipient. A stored URL is reused while it is further
// than the refresh margin from expiry.
func (e Engine) CeremonyURL(ctx context.Context, agreementID, ceremony string, actor auth.Principal) (CeremonyResult, error) {
	kind, err := metadataKind(ceremony)
	if err != nil {
		return CeremonyResult{}, err
	}
	a, err := e.Repo.GetAgreement(ctx, nil, agreementID)
	if err != nil {
		return CeremonyResult{}, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return CeremonyResult{}, err
	}
	want := lifecycle.PendingSignature
	if kind == domain.MetadataStrategy {
		want = lifecycle.PendingStrategyReview
	}
	if lifecycle.Status(a.Status) != want {
		return CeremonyResult{}, gateError("awaiting_signature", "agreement is %s", a.Status)
	}
	email := ""
	if !actor.IsSystem() {
		if u, err := e.Repo.GetUser(ctx, nil, actor.ActorID); err == nil {
			email = u.Email
		}
	}
	return e.mintCeremony(ctx, a, kind, email)
}

func (e Engine) mintCeremony(ctx context.Context, a domain.Agreement, kind, email string) (CeremonyResult, error) {
	if e.Signer == nil {
		return CeremonyResult{}, errors.New("signature provider is not configured")
	}
	envelopeID, err := e.resolveEnvelope(ctx, a, kind)
	if err != nil {
		return CeremonyResult{}, err
	}
	if envelopeID == "" {
		return CeremonyResult{}, gateError("envelope", "no signature envelope for this agreement")
	}
	env, err := e.Signer.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return CeremonyResult{}, err
	}
	if env.Completed() {
		return CeremonyResult{}, gateError("envelope", "envelope is already completed")
	}
	recipient, ok := env.RecipientByEmail(email)
	if !ok {
		client, err := e.Repo.GetUser(ctx, nil, a.ClientID)
		if err != nil {
			return CeremonyResult{}, err
		}
		if recipient, ok = env.RecipientByEmail(client.Email); !ok {
			return CeremonyResult{}, gateError("recipient", "caller is not a recipient of envelope %s", envelopeID)
		}
	}
	if strings.EqualFold(recipient.Status, esign.StatusCompleted) {
		return CeremonyResult{}, gateError("recipient", "recipient has already signed")
	}

	meta, err := e.Repo.SignatureMetadata(ctx, nil, a.ID, kind)
	if err != nil {
		return CeremonyResult{}, err
	}
	if meta.CeremonyURL != "" && meta.CeremonyRecipientID == recipient.ID {
		if exp := parseTime(meta.CeremonyExpiresAt); exp.Sub(e.now()) > e.Config.CeremonyRefreshMargin() {
			return CeremonyResult{URL: meta.CeremonyURL, RecipientID: recipient.ID, ExpiresAt: meta.CeremonyExpiresAt, Reused: true}, nil
		}
	}
	c, err := e.Signer.CreateCeremony(ctx, envelopeID, recipient.ID, e.signedRedirect(a.ID, ceremonyName(kind)))
	if err != nil {
		return CeremonyResult{}, err
	}
	expires := c.ExpiresAt
	if expires.IsZero() {
		expires = e.now().Add(e.Config.CeremonyTTL())
	}
	meta.EnvelopeID = envelopeID
	meta.CeremonyURL = c.URL
	meta.CeremonyRecipientID = recipient.ID
	meta.CeremonyExpiresAt = expires.UTC().Format(time.RFC3339)
	if err := e.putSignatureMetadata(ctx, nil, a.ID, kind, meta); err != nil {
		return CeremonyResult{}, err
	}
	return CeremonyResult{URL: c.URL, RecipientID: recipient.ID, ExpiresAt: meta.CeremonyExpiresAt}, nil
}

// signedRedirect is where the provider sends the signer back; the client
// calls reconcile when it sees the signed flag.
func (e Engine) signedRedirect(agreementID, ceremony string) string {
	q := url.Values{}
	q.Set("signed", "1")
	q.Set("kind", ceremony)
	return strings.TrimRight(e.Config.Service.PublicURL, "/") + "/agreements/" + url.PathEscape(agreementID) + "?" + q.Encode()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SignatureEventResult reports what a signature provider notification did.
type SignatureEventResult struct {
	Duplicate bool             `json:"duplicate"`
	Ignored   bool             `json:"ignored"`
	Reconcile *ReconcileResult `json:"reconcile,omitempty"`
}

// HandleSignatureEvent reconciles the agreement that owns the notified
// envelope. The notification body is never trusted for status; the envelope
// is re-read from the provider. The receipt is stored only after a
// successful pass so a failed delivery is retried by the provider.
func (e Engine) HandleSignatureEvent(ctx context.Context, evt esign.WebhookEvent) (SignatureEventResult, error) {
	var res SignatureEventResult
	if evt.EnvelopeID == "" {
		return res, invalid("envelope_id", "envelope id is required")
	}
	receipt := domain.WebhookReceipt{Provider: "esign", EventID: evt.ID, EventType: evt.Type}
	if evt.ID != "" {
		seen, err := e.Repo.HasWebhookReceipt(ctx, nil, receipt.Provider, receipt.EventID)
		if err != nil {
			return res, err
		}
		if seen {
			res.Duplicate = true
			return res, nil
		}
	}
	a, kind, err := e.Repo.AgreementForEnvelope(ctx, nil, evt.EnvelopeID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		e.log().Warn("signature event for unknown envelope", "event_id", evt.ID, "envelope_id", evt.EnvelopeID)
		res.Ignored = true
	case err != nil:
		return res, err
	default:
		r, err := e.ReconcileSignature(ctx, a.ID, ceremonyName(kind), auth.System("esign"))
		if err != nil {
			return res, err
		}
		res.Reconcile = &r
		if r.Completed && !r.Success {
			return res, nil
		}
	}
	if evt.ID != "" {
		receipt.ReceivedAt = e.nowString()
		if _, err := e.Repo.RecordWebhookReceipt(ctx, nil, receipt); err != nil {
			return res, err
		}
	}
	return res, nil
}
