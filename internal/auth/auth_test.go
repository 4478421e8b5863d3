package auth

import (
	"errors"
	"testing"

	"agentbond/internal/domain"
)

func TestTrustedCallers(t *testing.T) {
	policy := NewTrustedCallers("escrow", " admin ", "")
	if err := policy.Authorize("escrow"); err != nil {
		t.Fatalf("escrow should be trusted: %v", err)
	}
	if err := policy.Authorize("admin"); err != nil {
		t.Fatalf("admin should be trusted: %v", err)
	}
	if err := policy.Authorize("mallory"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := policy.Authorize(""); !errors.Is(err, domain.ErrMissingCaller) {
		t.Fatalf("expected ErrMissingCaller, got %v", err)
	}
	if got := policy.Members(); len(got) != 2 || got[0] != "admin" || got[1] != "escrow" {
		t.Fatalf("members = %v", got)
	}
}
