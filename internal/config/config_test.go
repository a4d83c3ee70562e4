package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadLedgerPolicyDefaults(t *testing.T) {
	t.Setenv("PENDING_TIMEOUT_MINUTES", "")
	t.Setenv("REPAYMENT_TOLERANCE", "")

	cfg := Load()
	if cfg.PendingTimeout != 15*time.Minute {
		t.Fatalf("expected 15m pending timeout, got %s", cfg.PendingTimeout)
	}
	if cfg.RepaymentTolerance.String() != "0.01" {
		t.Fatalf("expected tolerance 0.01, got %s", cfg.RepaymentTolerance)
	}
}

func TestLoadRejectsInvalidLedgerPolicy(t *testing.T) {
	t.Setenv("PENDING_TIMEOUT_MINUTES", "-3")
	t.Setenv("REPAYMENT_TOLERANCE", "abc")

	cfg := Load()
	if cfg.PendingTimeout != 15*time.Minute {
		t.Fatalf("expected fallback pending timeout, got %s", cfg.PendingTimeout)
	}
	if cfg.RepaymentTolerance.String() != "0.01" {
		t.Fatalf("expected fallback tolerance, got %s", cfg.RepaymentTolerance)
	}
}

func TestLoadSourceTimeout(t *testing.T) {
	t.Setenv("AGGREGATE_SOURCE_TIMEOUT_SECONDS", "")
	if got := Load().SourceTimeout; got != 5*time.Second {
		t.Fatalf("expected 5s default source timeout, got %s", got)
	}

	t.Setenv("AGGREGATE_SOURCE_TIMEOUT_SECONDS", "2")
	if got := Load().SourceTimeout; got != 2*time.Second {
		t.Fatalf("expected 2s source timeout, got %s", got)
	}

	t.Setenv("AGGREGATE_SOURCE_TIMEOUT_SECONDS", "0")
	if got := Load().SourceTimeout; got != 5*time.Second {
		t.Fatalf("expected fallback source timeout, got %s", got)
	}
}
