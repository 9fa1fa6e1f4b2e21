package flag

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

var ErrorInvalidSubcommands = errors.New("expected 'serve', 'migrate' or 'status' subcommands")

// ServeArgs configures the orchestrator HTTP listener.
type ServeArgs struct {
	Addr string
}

func parseServeArgs(args []string) (*ServeArgs, error) {
	cmd := flag.NewFlagSet("serve subcommand", flag.ExitOnError)
	c := &ServeArgs{}

	cmd.StringVar(&c.Addr, "addr", ":8080", "address to listen on")

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// MigrateArgs configures a destination-initiated migration pull against a
// remote source's orchestrator.
type MigrateArgs struct {
	SourceAddr  string
	InstanceID  string
	MigrationID string
	MemSize     int
	NCPUs       int
}

func parseMigrateArgs(args []string) (*MigrateArgs, error) {
	cmd := flag.NewFlagSet("migrate subcommand", flag.ExitOnError)
	c := &MigrateArgs{}

	cmd.StringVar(&c.SourceAddr, "source", "", "http://host:port of the source orchestrator")
	cmd.StringVar(&c.InstanceID, "id", "", "uuid of the instance to pull")
	cmd.StringVar(&c.MigrationID, "migration-id", "", "uuid identifying this migration")

	msize := cmd.String("m", "1G", "destination memory size: as number[gGmMkK]")
	cmd.IntVar(&c.NCPUs, "c", 1, "number of vcpus the destination guest was built with")

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if c.MemSize, err = ParseSize(*msize, "g"); err != nil {
		return nil, err
	}

	return c, nil
}

// StatusArgs configures a migration status poll.
type StatusArgs struct {
	Addr       string
	InstanceID string
}

func parseStatusArgs(args []string) (*StatusArgs, error) {
	cmd := flag.NewFlagSet("status subcommand", flag.ExitOnError)
	c := &StatusArgs{}

	cmd.StringVar(&c.Addr, "addr", "", "http://host:port of the instance's orchestrator")
	cmd.StringVar(&c.InstanceID, "id", "", "uuid of the instance")

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
