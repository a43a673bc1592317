// Command pg_autoctl runs the keeper control plane for one PostgreSQL data
// directory in a pg_auto_failover cluster.
//
// Run
//
// The subcommand "run" starts the supervisor, which in turn starts the
// keeper tick loop and the local Postgres instance. The node name and
// monitor URI come from the node's config file:
//
//	pg_autoctl run --pgdata PATH
//
// Stop / Reload
//
// "stop" signals a running supervisor to shut down; "reload" asks it to
// re-read its configuration file.
//
//	pg_autoctl stop [--fast|--immediate] --pgdata PATH
//	pg_autoctl reload --pgdata PATH
//
// Status / Show State
//
// "status" and "show state" report the keeper's persisted state, as JSON
// with --json or a table otherwise.
//
//	pg_autoctl status --pgdata PATH [--json]
//	pg_autoctl show state --pgdata PATH [--json]
//
// Maintenance
//
// "enable maintenance" and "disable maintenance" ask the monitor to take
// this node in and out of maintenance mode.
//
//	pg_autoctl enable maintenance --pgdata PATH
//	pg_autoctl disable maintenance --pgdata PATH
//
// Drop Node
//
// "drop node" removes this node from its formation and deletes its local
// state.
//
//	pg_autoctl drop node --pgdata PATH
//
// Create Postgres / Create Monitor
//
// "create postgres" starts a local Postgres instance, registers it with a
// monitor, and writes its config/state files. "create monitor" starts a
// local Postgres instance intended to host the monitor extension itself.
//
//	pg_autoctl create postgres --pgdata PATH --monitor URI [--nodename NAME]
//	pg_autoctl create monitor --pgdata PATH
package main

import (
	"fmt"
	"os"
	"strings"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/logger"
)

const progname = "pg_autoctl"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(11)
	}

	name := os.Args[1]
	rest := os.Args[2:]

	// "show state", "enable maintenance", "disable maintenance", "drop
	// node", "create postgres" and "create monitor" are two words; try the
	// two-word form first since a bare first word ("show", "create", ...)
	// is never itself a valid command.
	if len(rest) > 0 {
		if _, ok := subcommands[name+" "+rest[0]]; ok {
			name = name + " " + rest[0]
			rest = rest[1:]
		}
	}

	cmd, ok := subcommands[name]
	if !ok {
		printfErr("%s: unknown command: %q\n", progname, name)
		printUsage()
		os.Exit(11)
	}

	flags := cmd.FlagSet()
	if err := flags.Parse(rest); err != nil {
		printfErr("%s\n", err)
		os.Exit(11)
	}

	if err := logger.Configure(logger.Config{Level: os.Getenv("PG_AUTOCTL_LOG_LEVEL")}); err != nil {
		printfErr("%s: %s\n", progname, err)
		os.Exit(12)
	}

	if err := cmd.Exec(flags); err != nil {
		printfErr("%s: %s\n", progname, err)
		if kind, ok := ferrors.KindOf(err); ok {
			os.Exit(kind.ExitCode())
		}
		os.Exit(17)
	}
}

func printUsage() {
	names := make([]string, 0, len(subcommands))
	for name := range subcommands {
		names = append(names, name)
	}
	printfErr("Usage: %s <command> [flags]\n", progname)
	printfErr("Commands: %s\n", strings.Join(names, ", "))
}

func printfErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
}
