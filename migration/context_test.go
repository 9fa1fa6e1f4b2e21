package migration_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/bhyve-go/propolis-migrate/migration"
)

func TestContextAdvance(t *testing.T) {
	t.Parallel()

	c := migration.New(uuid.New(), migration.RoleSource, nil)

	if got := c.Phase(); got != migration.PhaseSync {
		t.Fatalf("initial Phase() = %s, want Sync", got)
	}

	c.Advance(migration.PhaseRamPush)

	if got := c.Phase(); got != migration.PhaseRamPush {
		t.Fatalf("Phase() after Advance = %s, want RamPush", got)
	}
}

func TestContextAdvanceIllegalPanics(t *testing.T) {
	t.Parallel()

	c := migration.New(uuid.New(), migration.RoleDestination, nil)

	defer func() {
		if recover() == nil {
			t.Fatal("Advance: want panic for illegal transition")
		}
	}()

	c.Advance(migration.PhaseFinish)
}

func TestContextFail(t *testing.T) {
	t.Parallel()

	c := migration.New(uuid.New(), migration.RoleSource, nil)
	c.Advance(migration.PhaseRamPush)

	cause := migration.KindSourcePause.With("device x never paused")
	c.Fail(cause)

	if got := c.Phase(); got != migration.PhaseError {
		t.Fatalf("Phase() after Fail = %s, want Error", got)
	}

	if got := c.Err(); got == nil {
		t.Fatal("Err() = nil, want the failure cause")
	}
}

func TestRoleString(t *testing.T) {
	t.Parallel()

	if got := migration.RoleSource.String(); got != "source" {
		t.Errorf("RoleSource.String() = %q, want %q", got, "source")
	}

	if got := migration.RoleDestination.String(); got != "destination" {
		t.Errorf("RoleDestination.String() = %q, want %q", got, "destination")
	}
}
