package orchestrator

import (
	"testing"

	"github.com/google/uuid"

	"github.com/bhyve-go/propolis-migrate/guestctx"
	"github.com/bhyve-go/propolis-migrate/migration"
)

func newTestInstance() *Instance {
	return &Instance{
		Mem:       guestctx.NewFakeMemory(0, 4096),
		Handle:    guestctx.NewFakeHandle(1),
		Inventory: guestctx.NewFakeInventory(),
	}
}

func TestRegistryPutGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	id := uuid.New()

	if _, ok := r.Get(id); ok {
		t.Fatal("Get on empty registry: want not found")
	}

	inst := newTestInstance()
	r.Put(id, inst)

	got, ok := r.Get(id)
	if !ok {
		t.Fatal("Get after Put: want found")
	}

	if got.ID != id {
		t.Errorf("Get(%s).ID = %s, want %s", id, got.ID, id)
	}
}

func TestInstanceStateRoundTrip(t *testing.T) {
	t.Parallel()

	inst := newTestInstance()

	if got := inst.State(); got != StateStopped {
		t.Fatalf("initial State() = %v, want StateStopped", got)
	}

	inst.SetState(StateMigrateSourceStart)

	if got := inst.State(); got != StateMigrateSourceStart {
		t.Fatalf("State() after SetState = %v, want StateMigrateSourceStart", got)
	}
}

func TestBeginMigrationRequiresMigrateStart(t *testing.T) {
	t.Parallel()

	inst := newTestInstance()
	mctx := migration.New(uuid.New(), migration.RoleSource, nil)

	if err := inst.beginMigration(mctx, true); err != errNotMigrateStart {
		t.Fatalf("beginMigration with wrong state = %v, want errNotMigrateStart", err)
	}

	inst.SetState(StateMigrateSourceStart)

	if err := inst.beginMigration(mctx, true); err != nil {
		t.Fatalf("beginMigration after SetState: %v", err)
	}
}

func TestBeginMigrationRejectsSecondWhileInFlight(t *testing.T) {
	t.Parallel()

	inst := newTestInstance()
	inst.SetState(StateMigrateSourceStart)

	first := migration.New(uuid.New(), migration.RoleSource, nil)
	if err := inst.beginMigration(first, true); err != nil {
		t.Fatalf("first beginMigration: %v", err)
	}

	second := migration.New(uuid.New(), migration.RoleSource, nil)
	if err := inst.beginMigration(second, true); err != errMigrationInFlight {
		t.Fatalf("second beginMigration = %v, want errMigrationInFlight", err)
	}
}

func TestBeginMigrationAllowsNextAfterTerminal(t *testing.T) {
	t.Parallel()

	inst := newTestInstance()
	inst.SetState(StateMigrateSourceStart)

	first := migration.New(uuid.New(), migration.RoleSource, nil)
	if err := inst.beginMigration(first, true); err != nil {
		t.Fatalf("first beginMigration: %v", err)
	}

	first.Fail(migration.KindPhase.With("boom"))

	second := migration.New(uuid.New(), migration.RoleSource, nil)
	if err := inst.beginMigration(second, true); err != nil {
		t.Fatalf("beginMigration after prior terminated: %v", err)
	}

	got, ok := inst.Migration()
	if !ok || got != second {
		t.Fatalf("Migration() = %v, %v, want second, true", got, ok)
	}
}
