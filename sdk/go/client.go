package ariexsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a minimal Ariex HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agreement represents the API agreement model (partial).
type Agreement struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id"`
	StrategistID string          `json:"strategist_id"`
	Title        string          `json:"title"`
	Status       string          `json:"status"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	DualSigning  bool            `json:"dual_signing"`
	EnvelopeID   string          `json:"envelope_id,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// View holds the flags derived from an agreement's status and children.
type View struct {
	Status                  string `json:"status"`
	Step                    int    `json:"step"`
	AwaitingSignature       bool   `json:"awaiting_signature"`
	AwaitingPayment         bool   `json:"awaiting_payment"`
	PaymentReceived         bool   `json:"payment_received"`
	DocumentRequests        int    `json:"document_requests"`
	DocumentsAccepted       int    `json:"documents_accepted"`
	HasAllDocumentsAccepted bool   `json:"has_all_documents_accepted"`
	CanAdvanceToStrategy    bool   `json:"can_advance_to_strategy"`
	StrategySigned          bool   `json:"strategy_signed"`
}

// AgreementDetail is an agreement with its charge and derived view.
type AgreementDetail struct {
	Agreement Agreement `json:"agreement"`
	Charge    *Charge   `json:"charge,omitempty"`
	View      View      `json:"view"`
}

// Charge represents the single charge of an agreement.
type Charge struct {
	ID          string          `json:"id"`
	AgreementID string          `json:"agreement_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	PaymentLink string          `json:"payment_link,omitempty"`
	LinkCount   int             `json:"link_count"`
	PaidAt      string          `json:"paid_at,omitempty"`
}

// SendResult is returned when a contract or strategy is sent for signature.
type SendResult struct {
	Agreement   Agreement `json:"agreement"`
	EnvelopeID  string    `json:"envelope_id"`
	CeremonyURL string    `json:"ceremony_url,omitempty"`
	Run         struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"run"`
}

// ReconcileResult reports what a signature reconciliation applied.
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

// Ceremony is a signing URL for one recipient.
type Ceremony struct {
	URL         string `json:"url"`
	RecipientID string `json:"recipient_id"`
	ExpiresAt   string `json:"expires_at"`
	Reused      bool   `json:"reused"`
}

// Document is an uploaded, generated or strategy document.
type Document struct {
	ID               string  `json:"id"`
	AgreementID      string  `json:"agreement_id"`
	TodoID           string  `json:"todo_id,omitempty"`
	Kind             string  `json:"kind"`
	Name             string  `json:"name"`
	UploadStatus     string  `json:"upload_status"`
	AcceptanceStatus *string `json:"acceptance_status,omitempty"`
	Signed           bool    `json:"signed"`
	Files            []struct {
		Name string `json:"name"`
		URL  string `json:"url,omitempty"`
	} `json:"files,omitempty"`
}

// DocumentDetail is a document with its reviews and, once signed, the
// provider download URL.
type DocumentDetail struct {
	Document  Document `json:"document"`
	Reviews   []Review `json:"reviews"`
	SignedURL string   `json:"signed_url,omitempty"`
}

// Review is one reviewer decision on a document.
type Review struct {
	ReviewerID string `json:"reviewer_id"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// FileInput describes a file about to be uploaded.
type FileInput struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// UploadResult carries the presigned URL the bytes are PUT to.
type UploadResult struct {
	Document  Document `json:"document"`
	UploadURL string   `json:"upload_url"`
	ExpiresAt string   `json:"expires_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	AgreementID string         `json:"agreement_id"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code is read from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedAgreements wraps list responses with cursors.
type PaginatedAgreements struct {
	Items      []Agreement `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateAgreementInput is the body of CreateAgreement.
type CreateAgreementInput struct {
	ClientID     string `json:"client_id"`
	StrategistID string `json:"strategist_id,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Price        string `json:"price"`
	Currency     string `json:"currency,omitempty"`
	DualSigning  bool   `json:"dual_signing,omitempty"`
}

// CreateAgreement creates a DRAFT agreement.
func (c *Client) CreateAgreement(ctx context.Context, in CreateAgreementInput) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "agreements", in, &resp)
	return resp, err
}

// ListAgreements returns a page of agreements visible to the caller.
func (c *Client) ListAgreements(ctx context.Context, statuses []string, limit int, cursor string) (PaginatedAgreements, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedAgreements
	err := c.do(ctx, http.MethodGet, withQuery("agreements", q), nil, &resp)
	return resp, err
}

// GetAgreement fetches an agreement with its derived view.
func (c *Client) GetAgreement(ctx context.Context, id string) (AgreementDetail, error) {
	var resp AgreementDetail
	err := c.do(ctx, http.MethodGet, agreementPath(id, ""), nil, &resp)
	return resp, err
}

// SendAgreement generates the contract and opens the signature envelope.
func (c *Client) SendAgreement(ctx context.Context, id string) (SendResult, error) {
	var resp SendResult
	err := c.do(ctx, http.MethodPost, agreementPath(id, "send"), nil, &resp)
	return resp, err
}

// Transition moves an agreement to status along a legal edge.
func (c *Client) Transition(ctx context.Context, id, status, reason string) (Agreement, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Agreement
	err := c.do(ctx, http.MethodPatch, agreementPath(id, "status"), body, &resp)
	return resp, err
}

// Cancel cancels a non-terminal agreement.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, agreementPath(id, "cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ReconcileSignature pulls envelope state for the "agreement" or
// "strategy" ceremony and applies it.
func (c *Client) ReconcileSignature(ctx context.Context, id, kind string) (ReconcileResult, error) {
	var resp ReconcileResult
	err := c.do(ctx, http.MethodPost, withQuery(agreementPath(id, "reconcile-signature"), kindQuery(kind)), nil, &resp)
	return resp, err
}

// Ceremony returns a signing URL for the caller.
func (c *Client) Ceremony(ctx context.Context, id, kind string) (Ceremony, error) {
	var resp Ceremony
	err := c.do(ctx, http.MethodGet, withQuery(agreementPath(id, "ceremony"), kindQuery(kind)), nil, &resp)
	return resp, err
}

// RequestPayment creates the agreement charge and its first link.
func (c *Client) RequestPayment(ctx context.Context, id string) (Charge, error) {
	var resp Charge
	err := c.do(ctx, http.MethodPost, agreementPath(id, "charges"), nil, &resp)
	return resp, err
}

// PaymentLink issues a fresh link for a pending charge.
func (c *Client) PaymentLink(ctx context.Context, chargeID string) (Charge, error) {
	var resp Charge
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("charges/%s/payment-link", url.PathEscape(chargeID)), nil, &resp)
	return resp, err
}

// UploadDocument registers a file for a document request. PUT the bytes
// to UploadURL, then call ConfirmUpload.
func (c *Client) UploadDocument(ctx context.Context, todoID string, file FileInput) (UploadResult, error) {
	var resp UploadResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("todos/%s/documents", url.PathEscape(todoID)), file, &resp)
	return resp, err
}

// ConfirmUpload moves a document from WAITING_UPLOAD to FILE_UPLOADED.
func (c *Client) ConfirmUpload(ctx context.Context, documentID string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("documents/%s/confirm", url.PathEscape(documentID)), nil, &resp)
	return resp, err
}

// GetDocument fetches a document with its reviews.
func (c *Client) GetDocument(ctx context.Context, documentID string) (DocumentDetail, error) {
	var resp DocumentDetail
	err := c.do(ctx, http.MethodGet, "documents/"+url.PathEscape(documentID), nil, &resp)
	return resp, err
}

// Events returns recent events for an agreement.
func (c *Client) Events(ctx context.Context, agreementID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, agreementID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, agreementID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(agreementPath(agreementID, "events"), q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func agreementPath(id, sub string) string {
	p := "agreements/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func kindQuery(kind string) url.Values {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	return q
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
