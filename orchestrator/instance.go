package orchestrator

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/bhyve-go/propolis-migrate/guestctx"
	"github.com/bhyve-go/propolis-migrate/migration"
	"github.com/bhyve-go/propolis-migrate/preamble"
)

// InstanceState is the external lifecycle state of a guest, as set by a
// PUT to /instances/{id}/state with one of Run, Stop, Reboot, or
// MigrateStart.
type InstanceState int

const (
	StateStopped InstanceState = iota
	StateRunning
	StateMigrateSourceStart
)

func (s InstanceState) String() string {
	switch s {
	case StateRunning:
		return "Run"
	case StateMigrateSourceStart:
		return "MigrateStart"
	default:
		return "Stop"
	}
}

var (
	errNotInitialized    = errors.New("orchestrator: instance not initialized")
	errNotMigrateStart   = errors.New("orchestrator: instance is not in Migrate(Source,Start) state")
	errMigrationInFlight = errors.New("orchestrator: a migration is already in progress for this instance")
	errNoMigration       = errors.New("orchestrator: no migration in progress for this instance")
)

// Instance is one guest known to the orchestrator: the collaborators
// the migration core needs, plus whatever migration.Context is
// currently active, if any.
type Instance struct {
	ID uuid.UUID

	Mem       guestctx.Memory
	Handle    guestctx.Handle
	Inventory guestctx.Inventory
	Preamble  *preamble.Preamble

	mu        sync.Mutex
	state     InstanceState
	migration *migration.Context
}

// Registry tracks instances by id, enforcing one migration in flight per
// instance.
type Registry struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*Instance
}

// NewRegistry creates an empty instance registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[uuid.UUID]*Instance)}
}

// Put installs or replaces the instance backing id.
func (r *Registry) Put(id uuid.UUID, inst *Instance) {
	inst.ID = id

	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances[id] = inst
}

// Get looks up an instance, reporting whether it exists.
func (r *Registry) Get(id uuid.UUID) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]

	return inst, ok
}

// SetState transitions inst's external lifecycle state.
func (inst *Instance) SetState(s InstanceState) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.state = s
}

func (inst *Instance) State() InstanceState {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.state
}

// beginMigration installs mctx as the instance's active migration,
// failing if one is already running or the instance isn't in the
// Migrate(Source,Start) state a source-start request requires.
func (inst *Instance) beginMigration(mctx *migration.Context, requireMigrateStart bool) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if requireMigrateStart && inst.state != StateMigrateSourceStart {
		return errNotMigrateStart
	}

	if inst.migration != nil && !inst.migration.Phase().Terminal() {
		return errMigrationInFlight
	}

	inst.migration = mctx

	return nil
}

// Migration returns the instance's current (or most recent) migration
// context, if any has ever been started.
func (inst *Instance) Migration() (*migration.Context, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.migration, inst.migration != nil
}
