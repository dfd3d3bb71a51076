// Package esigntest provides an in-memory esign.Provider.
package esigntest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ariex/internal/esign"
)

type Fake struct {
	mu        sync.Mutex
	envelopes map[string]*esign.Envelope
	seq       int
	Now       func() time.Time
	// Err, when set, is returned by every call.
	Err error
	// CeremonyTTL bounds minted ceremony URLs.
	CeremonyTTL time.Duration
	Ceremonies  int
}

func New() *Fake {
	return &Fake{envelopes: map[string]*esign.Envelope{}, Now: time.Now, CeremonyTTL: 5 * time.Minute}
}

func (f *Fake) CreateEnvelope(_ context.Context, req esign.CreateEnvelopeRequest) (esign.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return esign.Envelope{}, f.Err
	}
	f.seq++
	env := &esign.Envelope{
		ID:         fmt.Sprintf("env_%d", f.seq),
		Status:     esign.StatusSent,
		Name:       req.Name,
		ExternalID: req.ExternalID,
		CreatedAt:  f.Now().Add(time.Duration(f.seq) * time.Millisecond),
	}
	for i, r := range req.Recipients {
		r.ID = fmt.Sprintf("%s_r%d", env.ID, i+1)
		r.Status = esign.StatusSent
		env.Recipients = append(env.Recipients, r)
	}
	env.UpdatedAt = env.CreatedAt
	f.envelopes[env.ID] = env
	return *env, nil
}

func (f *Fake) GetEnvelope(_ context.Context, id string) (esign.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return esign.Envelope{}, f.Err
	}
	env, ok := f.envelopes[id]
	if !ok {
		return esign.Envelope{}, &esign.APIError{StatusCode: 404, Message: "envelope not found"}
	}
	return copyEnvelope(env), nil
}

func (f *Fake) ListEnvelopes(_ context.Context, opts esign.ListOptions) ([]esign.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var res []esign.Envelope
	for _, env := range f.envelopes {
		if !opts.Since.IsZero() && env.CreatedAt.Before(opts.Since) {
			continue
		}
		if opts.Query != "" && !matches(env, opts.Query) {
			continue
		}
		res = append(res, copyEnvelope(env))
	}
	return res, nil
}

func (f *Fake) CreateCeremony(_ context.Context, envelopeID, recipientID, redirectURL string) (esign.Ceremony, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return esign.Ceremony{}, f.Err
	}
	if _, ok := f.envelopes[envelopeID]; !ok {
		return esign.Ceremony{}, &esign.APIError{StatusCode: 404, Message: "envelope not found"}
	}
	f.Ceremonies++
	return esign.Ceremony{
		URL:         fmt.Sprintf("https://sign.test/%s/%s?n=%d&return=%s", envelopeID, recipientID, f.Ceremonies, redirectURL),
		RecipientID: recipientID,
		ExpiresAt:   f.Now().Add(f.CeremonyTTL),
	}, nil
}

func (f *Fake) SignedDocumentURL(_ context.Context, envelopeID string) (string, error) {
	return "https://sign.test/" + envelopeID + "/signed.pdf", nil
}

// Sign marks the recipient with email as completed. The envelope completes
// once every recipient has signed.
func (f *Fake) Sign(envelopeID, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.envelopes[envelopeID]
	if !ok {
		return
	}
	all := true
	for i := range env.Recipients {
		if strings.EqualFold(env.Recipients[i].Email, email) {
			env.Recipients[i].Status = esign.StatusCompleted
		}
		if env.Recipients[i].Status != esign.StatusCompleted {
			all = false
		}
	}
	if all {
		env.Status = esign.StatusCompleted
	} else {
		env.Status = esign.StatusInProgress
	}
}

// Put stores an envelope verbatim.
func (f *Fake) Put(env esign.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := copyEnvelope(&env)
	f.envelopes[env.ID] = &e
}

func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envelopes)
}

func matches(env *esign.Envelope, q string) bool {
	if strings.Contains(env.ExternalID, q) || strings.Contains(env.Name, q) {
		return true
	}
	for _, r := range env.Recipients {
		if strings.EqualFold(r.Email, q) {
			return true
		}
	}
	return false
}

func copyEnvelope(env *esign.Envelope) esign.Envelope {
	out := *env
	out.Recipients = append([]esign.Recipient(nil), env.Recipients...)
	return out
}
