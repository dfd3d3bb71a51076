// Package esign talks to the e-signature provider: envelopes, recipients and
// embedded signing ceremonies.
package esign

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	StatusCompleted  = "completed"
	StatusSent       = "sent"
	StatusInProgress = "in_progress"
	StatusDeclined   = "declined"
	StatusExpired    = "expired"
)

type Recipient struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	Status      string `json:"status"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type Envelope struct {
	ID         string      `json:"id"`
	Status     string      `json:"status"`
	Name       string      `json:"name,omitempty"`
	ExternalID string      `json:"external_id,omitempty"`
	Recipients []Recipient `json:"recipients"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Completed reports overall envelope completion. A finished recipient on a
// multi-signer envelope does not count.
func (e Envelope) Completed() bool {
	return strings.EqualFold(e.Status, StatusCompleted)
}

// RecipientByEmail returns the recipient matching email, case-insensitive.
func (e Envelope) RecipientByEmail(email string) (Recipient, bool) {
	for _, r := range e.Recipients {
		if strings.EqualFold(r.Email, email) {
			return r, true
		}
	}
	return Recipient{}, false
}

type CreateEnvelopeRequest struct {
	Name       string      `json:"name"`
	ExternalID string      `json:"external_id,omitempty"`
	DocumentID string      `json:"document_id,omitempty"`
	Recipients []Recipient `json:"recipients"`
}

type ListOptions struct {
	Query string
	Since time.Time
	Limit int
}

type Ceremony struct {
	URL         string    `json:"url"`
	RecipientID string    `json:"recipient_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Provider is the e-signature backend.
type Provider interface {
	CreateEnvelope(ctx context.Context, req CreateEnvelopeRequest) (Envelope, error)
	GetEnvelope(ctx context.Context, id string) (Envelope, error)
	ListEnvelopes(ctx context.Context, opts ListOptions) ([]Envelope, error)
	CreateCeremony(ctx context.Context, envelopeID, recipientID, redirectURL string) (Ceremony, error)
	SignedDocumentURL(ctx context.Context, envelopeID string) (string, error)
}

// APIError carries the provider's status code and message.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("esign: http %d", e.StatusCode)
	}
	return fmt.Sprintf("esign: http %d: %s", e.StatusCode, e.Message)
}

// MostRecent picks the newest envelope by creation time.
func MostRecent(envs []Envelope) (Envelope, bool) {
	if len(envs) == 0 {
		return Envelope{}, false
	}
	best := envs[0]
	for _, e := range envs[1:] {
		if e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	return best, true
}
