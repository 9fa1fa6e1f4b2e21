// Package orchestrator implements the HTTP entry points that install the
// wire codec over an upgraded connection and spawn a per-migration
// protocol task, plus status reads and the external instance lifecycle
// surface. gokvm drives migration over a bare TCP dial
// (vmm.MigrateTo/StartControlSocket) rather than an HTTP upgrade, so the
// HTTP plumbing and errgroup-based task fan-out below generalize that
// file's net.Conn-handling style onto net/http and a websocket library.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bhyve-go/propolis-migrate/dest"
	"github.com/bhyve-go/propolis-migrate/migration"
	"github.com/bhyve-go/propolis-migrate/source"
	"github.com/bhyve-go/propolis-migrate/wire"
	"github.com/pascaldekloe/websocket/httpws"
)

// upgradeTimeout bounds how long httpws.Upgrade waits to flush the 101
// response before giving up.
const upgradeTimeout = 5 * time.Second

// Server is the HTTP handler backing the orchestrator's external surface.
// Routes are dispatched by hand (net/http's default mux pattern matching is
// too coarse for the "{id}" path segments this surface needs), the way
// flag.Parse dispatches serve/migrate/status subcommands by hand.
type Server struct {
	Registry *Registry
	Log      *log.Logger
}

// NewServer creates a Server over reg, logging to logger (or log.Default).
func NewServer(reg *Registry, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	return &Server{Registry: reg, Log: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, sub, ok := splitInstancePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodPut:
		s.handlePutInstance(w, r, id)
	case sub == "migrate/start" && r.Method == http.MethodPut:
		s.handleMigrateStart(w, r, id)
	case sub == "migrate/status" && r.Method == http.MethodGet:
		s.handleMigrateStatus(w, r, id)
	case sub == "state" && r.Method == http.MethodPut:
		s.handlePutState(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// splitInstancePath parses "/instances/{id}[/{sub}]" into the uuid and the
// remaining sub-path ("", "migrate/start", "migrate/status", "state").
func splitInstancePath(path string) (id uuid.UUID, sub string, ok bool) {
	const prefix = "/instances/"

	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return uuid.UUID{}, "", false
	}

	rest := path[len(prefix):]

	idStr := rest
	if i := indexByte(rest, '/'); i >= 0 {
		idStr, sub = rest[:i], rest[i+1:]
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.UUID{}, "", false
	}

	return id, sub, true
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}

	return -1
}

// handlePutInstance creates or re-opens the instance at id. The request
// body is the InstanceSpec describing its collaborators; building those
// is outside the protocol core itself, so this handler hands off to
// NewInstanceFromSpec, which wires up the guestctx fakes.
func (s *Server) handlePutInstance(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var spec InstanceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, migration.KindCodec.With(err.Error()))
		return
	}

	inst := NewInstanceFromSpec(spec)
	inst.SetState(StateRunning)
	s.Registry.Put(id, inst)

	w.WriteHeader(http.StatusCreated)
}

// handlePutState applies an external lifecycle transition: one of
// Run, Stop, Reboot, or MigrateStart.
func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	inst, ok := s.Registry.Get(id)
	if !ok {
		writeErrorJSON(w, http.StatusNotFound, migration.KindInstanceNotInitialized)
		return
	}

	var body struct {
		State string `json:"state"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, migration.KindCodec.With(err.Error()))
		return
	}

	switch body.State {
	case "Run":
		inst.SetState(StateRunning)
	case "Stop", "Reboot":
		inst.SetState(StateStopped)
	case "MigrateStart":
		inst.SetState(StateMigrateSourceStart)
	default:
		writeErrorJSON(w, http.StatusBadRequest, migration.KindInvalidInstanceState.With(body.State))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleMigrateStart is the source-start entry point: it validates the
// instance and the Upgrade protocol token, negotiates the 101 upgrade,
// and spawns the source protocol task on the resulting transport.
func (s *Server) handleMigrateStart(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	inst, ok := s.Registry.Get(id)
	if !ok {
		writeErrorJSON(w, http.StatusNotFound, migration.KindInstanceNotInitialized)
		return
	}

	var body struct {
		MigrationID uuid.UUID `json:"migration_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, migration.KindCodec.With(err.Error()))
		return
	}

	if !httpws.IsUpgradeRequest(r) {
		writeErrorJSON(w, http.StatusBadRequest, migration.KindUpgradeExpected)
		return
	}

	token, err := negotiateToken(httpws.Subprotocols(r))
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, err.(migration.Kind))
		return
	}

	mctx := migration.New(body.MigrationID, migration.RoleSource, s.Log)

	if err := inst.beginMigration(mctx, true); err != nil {
		switch {
		case errors.Is(err, errNotMigrateStart):
			writeErrorJSON(w, http.StatusConflict, migration.KindInvalidInstanceState.With(err.Error()))
		case errors.Is(err, errMigrationInFlight):
			writeErrorJSON(w, http.StatusConflict, migration.KindMigrationAlreadyInProgress.With(err.Error()))
		default:
			writeErrorJSON(w, http.StatusConflict, migration.KindMigrationAlreadyInProgress.With(err.Error()))
		}

		return
	}

	respHeader := http.Header{"Sec-Websocket-Protocol": []string{token}}

	conn, err := httpws.Upgrade(w, r, respHeader, upgradeTimeout)
	if err != nil {
		s.Log.Printf("migration %s: upgrade failed: %v", mctx.MigrationID, err)
		return
	}

	t := wire.NewDatagram(newWSTransport(conn))

	s.runTask(mctx, func(ctx context.Context) error {
		return source.Run(ctx, mctx, t, inst.Mem, inst.Handle, inst.Inventory, inst.Preamble)
	})
}

// handleMigrateStatus answers a status read: {state: Phase}.
func (s *Server) handleMigrateStatus(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	inst, ok := s.Registry.Get(id)
	if !ok {
		writeErrorJSON(w, http.StatusNotFound, migration.KindInstanceNotInitialized)
		return
	}

	mctx, ok := inst.Migration()
	if !ok {
		writeErrorJSON(w, http.StatusConflict, migration.KindNoMigrationInProgress)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		State string `json:"state"`
	}{mctx.Phase().String()})
}

// runTask spawns fn as the instance's protocol task, the way runRestoredVM
// fans out per-vCPU goroutines under a single errgroup.Group: here the
// group has exactly one worker plus a cancellation watchdog, since
// a migration task is itself single-threaded and cooperative.
func (s *Server) runTask(mctx *migration.Context, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return fn(gctx)
	})

	go func() {
		defer cancel()

		if err := g.Wait(); err != nil {
			s.Log.Printf("migration %s: task error: %v", mctx.MigrationID, err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorJSON(w http.ResponseWriter, status int, kind migration.Kind) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{kind.Wire()})
}
