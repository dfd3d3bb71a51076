package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ariex/internal/config"
	"ariex/internal/domain"
	"ariex/internal/engine/auth"
	"ariex/internal/esign"
	"ariex/internal/events"
	"ariex/internal/lifecycle"
	"ariex/internal/metadata"
	"ariex/internal/payments"
	"ariex/internal/repo"
	"ariex/internal/storage"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Signer   esign.Provider
	Payments payments.Provider
	Storage  *storage.Presigner
	Log      *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, signer esign.Provider, pay payments.Provider) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Auth:     auth.NewService(cfg),
		Config:   cfg,
		Signer:   signer,
		Payments: pay,
		Storage:  storage.NewPresigner(cfg.Storage.BaseURL, cfg.Storage.SigningKey, cfg.StorageURLTTL()),
		Log:      slog.Default(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// GateError reports an operation whose precondition does not hold.
type GateError struct {
	Gate    string
	Reason  string
	Details map[string]any
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Gate, e.Reason)
}

func gateError(gate, format string, args ...any) *GateError {
	return &GateError{Gate: gate, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// UserCreateOptions are parameters for creating a user.
type UserCreateOptions struct {
	ID    string
	Email string
	Name  string
	Role  string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions, actor auth.Principal) (domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, invalid("email", "a valid email is required")
	}
	switch opts.Role {
	case domain.RoleStrategist, domain.RoleClient, domain.RoleCompliance, domain.RoleSystem:
	default:
		return domain.User{}, invalid("role", "unknown role %q", opts.Role)
	}
	if opts.Role != domain.RoleClient && !actor.IsSystem() {
		return domain.User{}, auth.ForbiddenError{Permission: "user.create." + opts.Role}
	}
	u := domain.User{
		ID:        opts.ID,
		Email:     email,
		Name:      strings.TrimSpace(opts.Name),
		Role:      opts.Role,
		CreatedAt: e.nowString(),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.User{}, invalid("email", "%s is already registered", email)
		}
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "user.created", "", "user", u.ID, actor.ActorID, events.EventPayload{"role": u.Role}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// AgreementCreateOptions are parameters for creating an agreement.
type AgreementCreateOptions struct {
	ClientID     string
	StrategistID string
	Title        string
	Description  string
	Price        decimal.Decimal
	Currency     string
	DualSigning  bool
}

func (e Engine) CreateAgreement(ctx context.Context, opts AgreementCreateOptions, actor auth.Principal) (domain.Agreement, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Agreement{}, invalid("title", "title is required")
	}
	if !opts.Price.IsPositive() {
		return domain.Agreement{}, invalid("price", "price must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = strings.ToUpper(e.Config.Payments.Currency)
	}
	if len(currency) != 3 {
		return domain.Agreement{}, invalid("currency", "must be an ISO 4217 code")
	}
	if _, err := payments.MinorUnits(opts.Price, currency); err != nil {
		return domain.Agreement{}, invalid("price", "%v", err)
	}
	strategistID := opts.StrategistID
	if actor.Role == domain.RoleStrategist {
		if strategistID != "" && strategistID != actor.ActorID {
			return domain.Agreement{}, auth.ForbiddenError{Permission: "agreement.create.other"}
		}
		strategistID = actor.ActorID
	}
	if strategistID == "" {
		return domain.Agreement{}, invalid("strategist_id", "strategist is required")
	}
	now := e.nowString()
	text, blocks := metadata.Parse(opts.Description)
	a := domain.Agreement{
		ID:           uuid.NewString(),
		ClientID:     opts.ClientID,
		StrategistID: strategistID,
		Title:        title,
		Description:  strings.TrimSpace(text),
		Status:       string(lifecycle.Draft),
		Price:        opts.Price,
		Currency:     currency,
		DualSigning:  opts.DualSigning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()
	if err := e.requireUserRole(ctx, tx, a.ClientID, domain.RoleClient, "client_id"); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.requireUserRole(ctx, tx, a.StrategistID, domain.RoleStrategist, "strategist_id"); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.Repo.InsertAgreement(ctx, tx, a); err != nil {
		return domain.Agreement{}, fmt.Errorf("insert agreement: %w", err)
	}
	list := domain.TodoList{ID: uuid.NewString(), AgreementID: a.ID, Name: "Onboarding", CreatedAt: now}
	if err := e.Repo.InsertTodoList(ctx, tx, list); err != nil {
		return domain.Agreement{}, fmt.Errorf("insert todo list: %w", err)
	}
	if err := e.importMetadata(ctx, tx, a.ID, blocks); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.Events.Append(ctx, tx, "agreement.created", a.ID, "agreement", a.ID, actor.ActorID, events.EventPayload{
		"status": a.Status,
		"price":  a.Price.String(),
	}); err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	list.Todos = []domain.Todo{}
	a.TodoLists = []domain.TodoList{list}
	return a, nil
}

func (e Engine) requireUserRole(ctx context.Context, tx *sql.Tx, id, role, field string) error {
	if id == "" {
		return invalid(field, "%s is required", field)
	}
	u, err := e.Repo.GetUser(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return invalid(field, "user %s not found", id)
	}
	if err != nil {
		return err
	}
	if u.Role != role {
		return invalid(field, "user %s is not a %s", id, role)
	}
	return nil
}

// importMetadata stores legacy description blocks as structured rows.
func (e Engine) importMetadata(ctx context.Context, tx *sql.Tx, agreementID string, blocks map[string]json.RawMessage) error {
	for kind, raw := range blocks {
		if err := e.Repo.UpsertMetadata(ctx, tx, domain.AgreementMetadata{
			AgreementID: agreementID,
			Kind:        strings.ToLower(kind),
			PayloadJSON: string(raw),
			UpdatedAt:   e.nowString(),
		}); err != nil {
			return fmt.Errorf("import %s metadata: %w", kind, err)
		}
	}
	return nil
}

// AgreementUpdateOptions carries optional field changes.
type AgreementUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Price       *decimal.Decimal
}

func (e Engine) UpdateAgreement(ctx context.Context, opts AgreementUpdateOptions, actor auth.Principal) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreement(ctx, tx, opts.ID)
	if err != nil {
		return a, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return a, err
	}
	status := lifecycle.Status(a.Status)
	if status.Terminal() {
		return a, gateError("agreement_open", "agreement is %s", a.Status)
	}
	changed := map[string]any{}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return a, invalid("title", "title is required")
		}
		a.Title = title
		changed["title"] = title
	}
	if opts.Description != nil {
		text, blocks := metadata.Parse(*opts.Description)
		a.Description = strings.TrimSpace(text)
		if err := e.importMetadata(ctx, tx, a.ID, blocks); err != nil {
			return a, err
		}
		changed["description"] = true
	}
	if opts.Price != nil && !opts.Price.Equal(a.Price) {
		if !opts.Price.IsPositive() {
			return a, invalid("price", "price must be positive")
		}
		if status.AtLeast(lifecycle.PendingPayment) {
			return a, gateError("price_locked", "price cannot change once payment is requested")
		}
		if _, err := e.Repo.ChargeForAgreement(ctx, tx, a.ID); err == nil {
			return a, gateError("price_locked", "price cannot change once a charge exists")
		} else if !errors.Is(err, repo.ErrNotFound) {
			return a, err
		}
		changed["price"] = opts.Price.String()
		a.Price = *opts.Price
	}
	if len(changed) == 0 {
		return a, nil
	}
	a.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "agreement.updated", a.ID, "agreement", a.ID, actor.ActorID, changed); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// AgreementDetail is an agreement snapshot with its derived view.
type AgreementDetail struct {
	Agreement domain.Agreement         `json:"agreement"`
	Documents []domain.Document        `json:"documents"`
	Charge    *domain.Charge           `json:"charge,omitempty"`
	Signature *domain.SignatureMetadata `json:"signature,omitempty"`
	Strategy  *domain.SignatureMetadata `json:"strategy,omitempty"`
	View      lifecycle.View           `json:"view"`
}

// GetAgreement reads the agreement and everything the view needs on one
// read transaction.
func (e Engine) GetAgreement(ctx context.Context, id string, actor auth.Principal) (AgreementDetail, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AgreementDetail{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreement(ctx, tx, id)
	if err != nil {
		return AgreementDetail{}, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return AgreementDetail{}, err
	}
	lists, err := e.Repo.ListTodoLists(ctx, tx, a.ID)
	if err != nil {
		return AgreementDetail{}, err
	}
	todos, err := e.Repo.ListTodos(ctx, tx, repo.TodoFilters{AgreementID: a.ID})
	if err != nil {
		return AgreementDetail{}, err
	}
	docs, err := e.Repo.ListDocuments(ctx, tx, repo.DocumentFilters{AgreementID: a.ID})
	if err != nil {
		return AgreementDetail{}, err
	}
	if docs, err = e.attachFiles(ctx, tx, docs); err != nil {
		return AgreementDetail{}, err
	}
	detail := AgreementDetail{Documents: docs}
	var charges []domain.Charge
	if c, err := e.Repo.ChargeForAgreement(ctx, tx, a.ID); err == nil {
		detail.Charge = &c
		charges = append(charges, c)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return AgreementDetail{}, err
	}
	for _, kind := range []string{domain.MetadataSignature, domain.MetadataStrategy} {
		meta, err := e.Repo.SignatureMetadata(ctx, tx, a.ID, kind)
		if err != nil {
			return AgreementDetail{}, err
		}
		if meta.EnvelopeID == "" && meta.DocumentID == "" {
			continue
		}
		m := meta
		if kind == domain.MetadataSignature {
			detail.Signature = &m
		} else {
			detail.Strategy = &m
		}
	}
	joined := lifecycle.AttachDocuments(todos, docs)
	byList := map[string][]domain.Todo{}
	for _, t := range joined {
		byList[t.TodoListID] = append(byList[t.TodoListID], t)
	}
	for i := range lists {
		lists[i].Todos = byList[lists[i].ID]
		if lists[i].Todos == nil {
			lists[i].Todos = []domain.Todo{}
		}
	}
	a.TodoLists = lists
	detail.Agreement = a
	detail.View = lifecycle.DeriveView(a, todos, docs, charges)
	return detail, nil
}

// attachFiles loads files and presigns download URLs.
func (e Engine) attachFiles(ctx context.Context, tx *sql.Tx, docs []domain.Document) ([]domain.Document, error) {
	if len(docs) == 0 {
		return docs, nil
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	files, err := e.Repo.ListDocumentFiles(ctx, tx, ids...)
	if err != nil {
		return nil, err
	}
	byDoc := map[string][]domain.DocumentFile{}
	for _, f := range files {
		f.URL, _ = e.Storage.Sign(storage.MethodGet, f.StorageKey)
		byDoc[f.DocumentID] = append(byDoc[f.DocumentID], f)
	}
	for i := range docs {
		docs[i].Files = byDoc[docs[i].ID]
	}
	return docs, nil
}

// AgreementListOptions filters a principal's agreement list.
type AgreementListOptions struct {
	Statuses        []string
	ClientID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListAgreements scopes results to agreements the principal may see.
func (e Engine) ListAgreements(ctx context.Context, opts AgreementListOptions, actor auth.Principal) ([]domain.Agreement, error) {
	for _, s := range opts.Statuses {
		if _, err := lifecycle.Parse(s); err != nil {
			return nil, invalid("status", "%v", err)
		}
	}
	f := repo.AgreementFilters{
		ClientID:        opts.ClientID,
		Statuses:        opts.Statuses,
		Limit:           opts.Limit,
		CursorCreatedAt: opts.CursorCreatedAt,
		CursorID:        opts.CursorID,
	}
	switch actor.Role {
	case domain.RoleClient:
		f.ClientID = actor.ActorID
	case domain.RoleStrategist:
		f.StrategistID = actor.ActorID
	case domain.RoleCompliance, domain.RoleSystem:
	default:
		return nil, auth.ForbiddenError{Permission: "agreement.read"}
	}
	return e.Repo.ListAgreements(ctx, nil, f)
}

// ExportAgreement renders the description in the legacy sentinel form for
// consumers that still parse it.
func (e Engine) ExportAgreement(ctx context.Context, id string, actor auth.Principal) (domain.Agreement, error) {
	a, err := e.Repo.GetAgreement(ctx, nil, id)
	if err != nil {
		return a, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return a, err
	}
	rows, err := e.Repo.ListMetadata(ctx, nil, a.ID)
	if err != nil {
		return a, err
	}
	blocks := make(map[string]json.RawMessage, len(rows))
	for _, m := range rows {
		if !json.Valid([]byte(m.PayloadJSON)) {
			continue
		}
		blocks[strings.ToUpper(m.Kind)] = json.RawMessage(m.PayloadJSON)
	}
	a.Description = metadata.SerializeAll(a.Description, blocks)
	return a, nil
}

func (e Engine) ListAgreementEvents(ctx context.Context, agreementID string, before int64, limit int, actor auth.Principal) ([]domain.Event, error) {
	a, err := e.Repo.GetAgreement(ctx, nil, agreementID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, repo.EventFilters{AgreementID: agreementID, Before: before, Limit: limit})
}

// CreateAPIKey mints a key for actorID and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, role, name string, actor auth.Principal) (string, domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, invalid("actor_id", "actor_id is required")
	}
	if len(e.Auth.Permissions(role)) == 0 {
		return "", domain.APIKey{}, invalid("role", "unknown role %q", role)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "ak_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Role:      role,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "", "api_key", key.ID, actor.ActorID, events.EventPayload{"role": role, "actor_id": actorID}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	return e.Repo.GetUser(ctx, nil, id)
}

func (e Engine) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx, role)
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id string, actor auth.Principal) error {
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "apikey.deleted", "", "api_key", id, actor.ActorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns the audit log newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
