package auth

import (
	"errors"
	"testing"

	"ariex/internal/config"
	"ariex/internal/domain"
)

func TestDefaultRolePermissions(t *testing.T) {
	s := NewService(config.Default())
	cases := []struct {
		role string
		perm string
		want bool
	}{
		{domain.RoleStrategist, "agreement.create", true},
		{domain.RoleStrategist, "document.upload", false},
		{domain.RoleClient, "document.upload", true},
		{domain.RoleClient, "agreement.transition", false},
		{domain.RoleCompliance, "document.review.compliance", true},
		{domain.RoleCompliance, "document.review", false},
		{domain.RoleSystem, "anything.at.all", true},
		{"unknown", "agreement.read", false},
	}
	for _, c := range cases {
		if got := s.HasPermission(c.role, c.perm); got != c.want {
			t.Fatalf("HasPermission(%s, %s) = %v", c.role, c.perm, got)
		}
	}
	err := s.Require(Principal{ActorID: "u", Role: domain.RoleClient}, "charge.create")
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != "charge.create" {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestCanAccess(t *testing.T) {
	a := domain.Agreement{ID: "a1", ClientID: "c1", StrategistID: "s1"}
	if !CanAccess(Principal{ActorID: "c1", Role: domain.RoleClient}, a) {
		t.Fatalf("client party must access")
	}
	if CanAccess(Principal{ActorID: "c2", Role: domain.RoleClient}, a) {
		t.Fatalf("other client must not access")
	}
	if CanAccess(Principal{ActorID: "s2", Role: domain.RoleStrategist}, a) {
		t.Fatalf("other strategist must not access")
	}
	if !CanAccess(Principal{ActorID: "x", Role: domain.RoleCompliance}, a) {
		t.Fatalf("compliance sees all")
	}
	if err := RequireAccess(Principal{ActorID: "c2", Role: domain.RoleClient}, a); !errors.As(err, new(NotPartyError)) {
		t.Fatalf("expected NotPartyError, got %v", err)
	}
}
