package migration_test

import (
	"testing"

	"github.com/bhyve-go/propolis-migrate/migration"
)

func TestValidAdvanceMonotonic(t *testing.T) {
	t.Parallel()

	order := []migration.Phase{
		migration.PhaseSync,
		migration.PhaseRamPush,
		migration.PhasePause,
		migration.PhaseDevice,
		migration.PhaseArch,
		migration.PhaseRamPull,
		migration.PhaseRamPushDirty,
		migration.PhaseFinish,
	}

	for i, cur := range order {
		for j, next := range order {
			want := j == i+1 || (cur == migration.PhaseRamPull && next == migration.PhaseFinish)
			if got := migration.ValidAdvance(cur, next); got != want {
				t.Errorf("ValidAdvance(%s,%s) = %v, want %v", cur, next, got, want)
			}
		}
	}
}

func TestValidAdvanceToErrorAlwaysOK(t *testing.T) {
	t.Parallel()

	for _, p := range []migration.Phase{
		migration.PhaseSync, migration.PhaseRamPush, migration.PhasePause,
		migration.PhaseDevice, migration.PhaseArch, migration.PhaseRamPull,
		migration.PhaseRamPushDirty, migration.PhaseFinish, migration.PhaseError,
	} {
		if !migration.ValidAdvance(p, migration.PhaseError) {
			t.Errorf("ValidAdvance(%s, Error) = false, want true", p)
		}
	}
}

func TestPhaseTerminal(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		p    migration.Phase
		want bool
	}{
		{migration.PhaseSync, false},
		{migration.PhaseRamPush, false},
		{migration.PhaseFinish, true},
		{migration.PhaseError, true},
	} {
		if got := tt.p.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestPhaseStringUnknown(t *testing.T) {
	t.Parallel()

	if got := migration.Phase(99).String(); got != "Unknown" {
		t.Errorf("Phase(99).String() = %q, want %q", got, "Unknown")
	}
}
