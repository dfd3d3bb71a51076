package server

import (
	"encoding/json"

	"ariex/internal/domain"
	"ariex/internal/engine"
)

// Request payloads

type DevLoginRequest struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

type CreateUserRequest struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role" enum:"strategist,client,compliance"`
}

type CreateAgreementRequest struct {
	ClientID     string `json:"client_id"`
	StrategistID string `json:"strategist_id,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Price        string `json:"price" example:"499.00"`
	Currency     string `json:"currency,omitempty" example:"USD"`
	DualSigning  bool   `json:"dual_signing,omitempty"`
}

type UpdateAgreementRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Price       *string `json:"price,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status" example:"PENDING_STRATEGY"`
	Reason string `json:"reason,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateTodoRequest struct {
	ListID      string `json:"list_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Kind        string `json:"kind,omitempty" enum:"document,sign,pay"`
}

type FileRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

func (f FileRequest) input() engine.FileInput {
	return engine.FileInput{Name: f.Name, ContentType: f.ContentType, Size: f.Size}
}

type ReviewRequest struct {
	Decision string `json:"decision" enum:"accept,reject"`
	Reason   string `json:"reason,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Role    string `json:"role,omitempty" enum:"strategist,client,compliance,system"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at" format:"date-time"`
	SessionID string      `json:"session_id"`
	User      domain.User `json:"user"`
}

type WhoAmIResponse struct {
	ActorID     string       `json:"actor_id"`
	Role        string       `json:"role"`
	SessionID   string       `json:"session_id,omitempty"`
	Source      string       `json:"source"`
	Permissions []string     `json:"permissions"`
	User        *domain.User `json:"user,omitempty"`
}

type paginatedAgreements struct {
	Items      []domain.Agreement `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts" format:"date-time"`
	Type        string          `json:"type"`
	AgreementID string          `json:"agreement_id,omitempty"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	Payload     json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	Key    string        `json:"key,omitempty"`
	APIKey domain.APIKey `json:"api_key"`
}

type DeletedResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

type WebhookAck struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		AgreementID: evt.AgreementID,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
		Payload:     payload,
	}
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
