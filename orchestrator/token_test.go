package orchestrator

import (
	"errors"
	"testing"

	"github.com/bhyve-go/propolis-migrate/migration"
)

func TestLocalToken(t *testing.T) {
	t.Parallel()

	if got, want := LocalToken(), "propolis-migrate-json/0"; got != want {
		t.Errorf("LocalToken() = %q, want %q", got, want)
	}
}

func TestNegotiateTokenMatch(t *testing.T) {
	t.Parallel()

	for _, offered := range [][]string{
		{"propolis-migrate-json/0"},
		{"propolis-migrate-ron/0", "propolis-migrate-json/0"},
		{"PROPOLIS-MIGRATE-JSON/0"},
	} {
		got, err := negotiateToken(offered)
		if err != nil {
			t.Errorf("negotiateToken(%v): %v", offered, err)
		}

		if got != LocalToken() {
			t.Errorf("negotiateToken(%v) = %q, want %q", offered, got, LocalToken())
		}
	}
}

func TestNegotiateTokenMismatch(t *testing.T) {
	t.Parallel()

	_, err := negotiateToken([]string{"propolis-migrate-json/1", "propolis-migrate-ron/0"})
	if err == nil {
		t.Fatal("negotiateToken: want error, got nil")
	}

	var kind migration.Kind
	if !errors.As(err, &kind) {
		t.Fatalf("negotiateToken error type = %T, want migration.Kind", err)
	}

	if kind.Wire() != "Incompatible" {
		t.Errorf("Wire() = %q, want %q", kind.Wire(), "Incompatible")
	}
}

func TestNegotiateTokenEmpty(t *testing.T) {
	t.Parallel()

	if _, err := negotiateToken(nil); err == nil {
		t.Fatal("negotiateToken(nil): want error, got nil")
	}
}
