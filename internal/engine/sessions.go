package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"ariex/internal/domain"
	"ariex/internal/engine/auth"
	"ariex/internal/lifecycle"
	"ariex/internal/repo"
)

// StartSession opens a login session for a user.
func (e Engine) StartSession(ctx context.Context, userID string) (domain.Session, domain.User, error) {
	u, err := e.Repo.GetUser(ctx, nil, userID)
	if err != nil {
		return domain.Session{}, u, err
	}
	s := domain.Session{ID: uuid.NewString(), UserID: u.ID, Role: u.Role, CreatedAt: e.nowString()}
	if err := e.Repo.InsertSession(ctx, nil, s); err != nil {
		return s, u, err
	}
	return s, u, nil
}

// SessionReconcileResult collects the per-agreement outcomes of a session
// reconciliation.
type SessionReconcileResult struct {
	SessionID string            `json:"session_id"`
	Skipped   bool              `json:"skipped"`
	Results   []ReconcileResult `json:"results"`
	Errors    []string          `json:"errors,omitempty"`
}

// ReconcileSession reconciles every agreement awaiting a signature from the
// session's user. It runs once per session; later calls are skipped.
func (e Engine) ReconcileSession(ctx context.Context, sessionID string, actor auth.Principal) (SessionReconcileResult, error) {
	res := SessionReconcileResult{SessionID: sessionID, Results: []ReconcileResult{}}
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return res, err
	}
	if s.UserID != actor.ActorID && !actor.IsSystem() {
		return res, auth.ForbiddenError{Permission: "session.reconcile"}
	}
	won, err := e.Repo.ClaimSignatureReconcile(ctx, nil, s.ID, e.nowString())
	if err != nil {
		return res, err
	}
	if !won {
		res.Skipped = true
		return res, nil
	}
	party := auth.Principal{ActorID: s.UserID, Role: s.Role, SessionID: s.ID, Source: actor.Source}
	pending := []struct {
		status   lifecycle.Status
		ceremony string
	}{
		{lifecycle.PendingSignature, CeremonyAgreement},
		{lifecycle.PendingStrategyReview, CeremonyStrategy},
	}
	for _, p := range pending {
		agreements, err := e.Repo.ListAgreements(ctx, nil, partyFilter(s, p.status))
		if err != nil {
			return res, err
		}
		for _, a := range agreements {
			r, err := e.ReconcileSignature(ctx, a.ID, p.ceremony, party)
			if err != nil {
				e.log().Warn("session reconcile", "session_id", s.ID, "agreement_id", a.ID, "err", err)
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", a.ID, err))
				continue
			}
			res.Results = append(res.Results, r)
		}
	}
	return res, nil
}

func partyFilter(s domain.Session, status lifecycle.Status) repo.AgreementFilters {
	f := repo.AgreementFilters{Statuses: []string{string(status)}, Limit: 500}
	switch s.Role {
	case domain.RoleClient:
		f.ClientID = s.UserID
	case domain.RoleStrategist:
		f.StrategistID = s.UserID
	default:
		f.PartyID = s.UserID
	}
	return f
}
