package flag

import (
	"log"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/bhyve-go/propolis-migrate/dest"
	"github.com/bhyve-go/propolis-migrate/guestctx"
	"github.com/bhyve-go/propolis-migrate/migration"
	"github.com/bhyve-go/propolis-migrate/orchestrator"
)

// Parse dispatches argv[1] (serve|migrate|status) the way ParseArgs
// dispatches boot|probe, then runs the selected subcommand.
func Parse() error {
	args := os.Args
	if len(args) < 2 {
		return ErrorInvalidSubcommands
	}

	switch args[1] {
	case "serve":
		c, err := parseServeArgs(args[2:])
		if err != nil {
			return err
		}

		return runServe(c)

	case "migrate":
		c, err := parseMigrateArgs(args[2:])
		if err != nil {
			return err
		}

		return runMigrate(c)

	case "status":
		c, err := parseStatusArgs(args[2:])
		if err != nil {
			return err
		}

		return runStatus(c)
	}

	return ErrorInvalidSubcommands
}

// runServe starts the orchestrator's HTTP surface: the process that
// answers "PUT /instances/{id}" and accepts inbound migrations over
// "PUT /instances/{id}/migrate/start".
func runServe(c *ServeArgs) error {
	reg := orchestrator.NewRegistry()
	srv := orchestrator.NewServer(reg, nil)

	log.Printf("listening on %s", c.Addr)

	return http.ListenAndServe(c.Addr, srv)
}

// runMigrate drives the destination-initiated migration flow: dial the
// remote source, upgrade, and run the destination protocol locally
// against a freshly built set of guestctx fakes standing in for the
// locally constructed guest.
func runMigrate(c *MigrateArgs) error {
	instanceID, err := uuid.Parse(c.InstanceID)
	if err != nil {
		return err
	}

	migrationID, err := uuid.Parse(c.MigrationID)
	if err != nil {
		return err
	}

	body := []byte(`{"migration_id":"` + migrationID.String() + `"}`)

	t, err := orchestrator.DialMigrateStart(c.SourceAddr, instanceID, migrationID, body)
	if err != nil {
		return err
	}

	mem := guestctx.NewFakeMemory(0, c.MemSize)
	handle := guestctx.NewFakeHandle(c.NCPUs)
	inv := guestctx.NewFakeInventory()

	mctx := migration.New(migrationID, migration.RoleDestination, log.Default())

	if err := dest.Run(mctx, t, mem, handle, inv); err != nil {
		return err
	}

	log.Printf("migration %s complete", migrationID)

	return nil
}

// runStatus polls an instance's migration status.
func runStatus(c *StatusArgs) error {
	resp, err := http.Get(c.Addr + "/instances/" + c.InstanceID + "/migrate/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	log.Printf("status: %s", resp.Status)

	return nil
}
