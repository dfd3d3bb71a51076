package auth

import (
	"fmt"

	"ariex/internal/config"
	"ariex/internal/domain"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// NotPartyError indicates the principal is not a party to the agreement.
type NotPartyError struct {
	AgreementID string
}

func (e NotPartyError) Error() string {
	return fmt.Sprintf("not a party to agreement %s", e.AgreementID)
}

// Principal is the authenticated caller.
type Principal struct {
	ActorID   string
	Role      string
	SessionID string
	Source    string
}

func (p Principal) IsSystem() bool { return p.Role == domain.RoleSystem }

// System is the principal used by provider callbacks and background jobs.
func System(source string) Principal {
	return Principal{ActorID: "system", Role: domain.RoleSystem, Source: source}
}

// Service resolves role permissions from config.
type Service struct {
	roles map[string]map[string]struct{}
}

func NewService(cfg *config.Config) Service {
	if cfg == nil {
		cfg = config.Default()
	}
	s := Service{roles: make(map[string]map[string]struct{}, len(cfg.RBAC.Roles))}
	for roleID, role := range cfg.RBAC.Roles {
		set := make(map[string]struct{}, len(role.Permissions))
		for _, perm := range role.Permissions {
			set[perm] = struct{}{}
		}
		s.roles[roleID] = set
	}
	return s
}

// Permissions lists the permissions granted to a role.
func (s Service) Permissions(role string) []string {
	var out []string
	for perm := range s.roles[role] {
		out = append(out, perm)
	}
	return out
}

func (s Service) HasPermission(role, perm string) bool {
	set, ok := s.roles[role]
	if !ok {
		return false
	}
	if _, ok := set[perm]; ok {
		return true
	}
	_, all := set["*"]
	return all
}

func (s Service) Require(p Principal, perm string) error {
	if !s.HasPermission(p.Role, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// CanAccess reports whether p may see the agreement. Clients and
// strategists only see their own; compliance and system see all.
func CanAccess(p Principal, a domain.Agreement) bool {
	switch p.Role {
	case domain.RoleSystem, domain.RoleCompliance:
		return true
	case domain.RoleClient:
		return a.ClientID == p.ActorID
	case domain.RoleStrategist:
		return a.StrategistID == p.ActorID
	}
	return false
}

func RequireAccess(p Principal, a domain.Agreement) error {
	if !CanAccess(p, a) {
		return NotPartyError{AgreementID: a.ID}
	}
	return nil
}
