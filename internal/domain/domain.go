package domain

import "github.com/shopspring/decimal"

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"strategist,client,compliance,system"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Agreement struct {
	ID                 string          `json:"id"`
	ClientID           string          `json:"client_id"`
	StrategistID       string          `json:"strategist_id"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Status             string          `json:"status"`
	Price              decimal.Decimal `json:"price"`
	Currency           string          `json:"currency"`
	DualSigning        bool            `json:"dual_signing"`
	EnvelopeID         *string         `json:"envelope_id,omitempty"`
	StrategyEnvelopeID *string         `json:"strategy_envelope_id,omitempty"`
	TodoLists          []TodoList      `json:"todo_lists,omitempty"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
}

type TodoList struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	Todos       []Todo `json:"todos"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Todo struct {
	ID          string    `json:"id"`
	TodoListID  string    `json:"todo_list_id"`
	AgreementID string    `json:"agreement_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Kind        string    `json:"kind" enum:"document,sign,pay"`
	Status      string    `json:"status" enum:"pending,in_progress,completed,cancelled"`
	Position    int       `json:"position"`
	Document    *Document `json:"document,omitempty"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
	UpdatedAt   string    `json:"updated_at" format:"date-time"`
}

type Document struct {
	ID               string         `json:"id"`
	AgreementID      string         `json:"agreement_id"`
	TodoID           *string        `json:"todo_id,omitempty"`
	Kind             string         `json:"kind" enum:"upload,contract,strategy"`
	Name             string         `json:"name"`
	UploadStatus     string         `json:"upload_status"`
	AcceptanceStatus *string        `json:"acceptance_status,omitempty"`
	Signed           bool           `json:"signed"`
	SignedAt         *string        `json:"signed_at,omitempty" format:"date-time"`
	Temporary        bool           `json:"temporary,omitempty"`
	Files            []DocumentFile `json:"files,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

type DocumentFile struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	StorageKey  string `json:"storage_key"`
	URL         string `json:"url,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type DocumentReview struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	ReviewerID string `json:"reviewer_id"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Charge struct {
	ID                string          `json:"id"`
	AgreementID       string          `json:"agreement_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status" enum:"pending,paid,cancelled,failed"`
	PaymentLink       *string         `json:"payment_link,omitempty"`
	CheckoutSessionID *string         `json:"checkout_session_id,omitempty"`
	LinkCount         int             `json:"link_count"`
	LinkIssuedAt      *string         `json:"link_issued_at,omitempty" format:"date-time"`
	PaidAt            *string         `json:"paid_at,omitempty" format:"date-time"`
	CreatedAt         string          `json:"created_at" format:"date-time"`
	UpdatedAt         string          `json:"updated_at" format:"date-time"`
}

type AgreementMetadata struct {
	AgreementID string `json:"agreement_id"`
	Kind        string `json:"kind"`
	PayloadJSON string `json:"payload_json"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// SignatureMetadata is the typed payload stored under the "signature" and
// "strategy" metadata kinds.
type SignatureMetadata struct {
	EnvelopeID          string   `json:"envelope_id,omitempty"`
	DocumentID          string   `json:"document_id,omitempty"`
	CeremonyURL         string   `json:"ceremony_url,omitempty"`
	CeremonyRecipientID string   `json:"ceremony_recipient_id,omitempty"`
	CeremonyExpiresAt   string   `json:"ceremony_expires_at,omitempty"`
	Recipients          []string `json:"recipients,omitempty"`
	SentAt              string   `json:"sent_at,omitempty"`
	SignedAt            string   `json:"signed_at,omitempty"`
}

type Session struct {
	ID                    string  `json:"id"`
	UserID                string  `json:"user_id"`
	Role                  string  `json:"role"`
	SignatureReconciledAt *string `json:"signature_reconciled_at,omitempty"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
}

type WorkflowRun struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	AgreementID string         `json:"agreement_id"`
	Status      string         `json:"status" enum:"running,failed,completed"`
	Error       string         `json:"error,omitempty"`
	Steps       []WorkflowStep `json:"steps,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type WorkflowStep struct {
	RunID      string `json:"run_id"`
	Name       string `json:"name"`
	Status     string `json:"status" enum:"completed,failed"`
	ResultJSON string `json:"result_json,omitempty"`
	Error      string `json:"error,omitempty"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	AgreementID string `json:"agreement_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WebhookReceipt struct {
	Provider   string `json:"provider"`
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	ReceivedAt string `json:"received_at" format:"date-time"`
}
