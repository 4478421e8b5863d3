package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Escrow.FeeBasisPoints != 150 {
		t.Fatalf("fee_bps = %d", cfg.Escrow.FeeBasisPoints)
	}
	if cfg.Escrow.MaxMilestones != MaxMilestones {
		t.Fatalf("max_milestones = %d", cfg.Escrow.MaxMilestones)
	}
	got := cfg.TrustedCallers()
	if len(got) != 2 || got[0] != "escrow" || got[1] != "admin" {
		t.Fatalf("trusted callers = %v", got)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("escrow:\n  arbiter: judge\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Escrow.Arbiter != "judge" || cfg.Escrow.CustodyAccount != "escrow" {
		t.Fatalf("unexpected escrow config: %+v", cfg.Escrow)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"escrow:\n  fee_bps: 10001\n":      "fee_bps",
		"escrow:\n  max_milestones: 11\n":  "max_milestones",
		"escrow:\n  arbiter: escrow\n":     "custody_account must differ",
		"reputation:\n  admins: ['']\n":    "empty identity",
		"webhooks:\n  - url: not-a-url\n":  "webhooks[0].url",
		"server:\n  rate_limit_rps: -1\n":  "rate limits",
		"escrow:\n  custody_account: ''\n": "custody_account is required",
	}
	for doc, want := range cases {
		_, err := FromYAML([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("FromYAML(%q) err = %v, want %q", doc, err, want)
		}
	}
}
