package migration

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// Role distinguishes which half of the protocol a Context belongs to.
type Role int

const (
	RoleSource Role = iota
	RoleDestination
)

func (r Role) String() string {
	if r == RoleSource {
		return "source"
	}

	return "destination"
}

// Context is the long-lived, shareable per-migration record: an id, the
// current phase (guarded by a reader-writer lock so status reads never
// block the protocol task), a logger, and the role running locally. It
// carries no handles to the guest itself — those are passed explicitly to
// the protocol entry points (source.Run / dest.Run) so this package stays
// free of the guest/device/hypervisor collaborator contracts.
type Context struct {
	MigrationID uuid.UUID
	Role        Role
	Log         *log.Logger

	mu    sync.RWMutex
	phase Phase
	err   error
}

// New creates a Context in the initial Sync phase.
func New(id uuid.UUID, role Role, logger *log.Logger) *Context {
	if logger == nil {
		logger = log.Default()
	}

	return &Context{MigrationID: id, Role: role, Log: logger, phase: PhaseSync}
}

// Phase returns the current phase. Safe for concurrent use with Advance.
func (c *Context) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// Err returns the error that drove the migration into PhaseError, if any.
func (c *Context) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.err
}

// Advance moves the context to next. It panics if the transition isn't a
// legal monotonic advance (or to Error); phase transitions are strictly
// monotonic, so an illegal one is a protocol-task-internal invariant
// violation, not a recoverable runtime condition.
func (c *Context) Advance(next Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !ValidAdvance(c.phase, next) {
		panic("migration: illegal phase transition " + c.phase.String() + " -> " + next.String())
	}

	c.Log.Printf("migration %s [%s]: %s -> %s", c.MigrationID, c.Role, c.phase, next)
	c.phase = next
}

// Fail moves the context to PhaseError and records err for later status
// reads. It is always a legal transition regardless of the current phase.
func (c *Context) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Log.Printf("migration %s [%s]: %s -> Error: %v", c.MigrationID, c.Role, c.phase, err)
	c.phase = PhaseError
	c.err = err
}
