package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/config"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/keeper"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/logger"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/monitorclient"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/pgctl"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/pidfile"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/role"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/state"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/supervisor"
)

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(flags *flag.FlagSet) error
}

var subcommands = map[string]subcmd{
	"run":                 &runCmd{},
	"stop":                &stopCmd{},
	"reload":              &reloadCmd{},
	"status":              &statusCmd{},
	"show state":          &statusCmd{},
	"enable maintenance":  &maintenanceCmd{enable: true},
	"disable maintenance": &maintenanceCmd{enable: false},
	"drop node":           &dropNodeCmd{},
	"create postgres":     &createPostgresCmd{},
	"create monitor":      &createMonitorCmd{},
}

// nodePaths derives the config/state/pid file locations for a data
// directory, the layout described for "<name>.cfg" / "<name>.state" /
// "<name>.pid" living alongside PGDATA.
type nodePaths struct {
	configPath string
	statePath  string
	pidPath    string
}

func pathsFor(pgdata string) nodePaths {
	dir := filepath.Join(filepath.Dir(pgdata), ".pg_autoctl")
	name := filepath.Base(pgdata)
	return nodePaths{
		configPath: filepath.Join(dir, name+".cfg"),
		statePath:  filepath.Join(dir, name+".state"),
		pidPath:    filepath.Join(dir, name+".pid"),
	}
}

func ensureStateDir(p nodePaths) error {
	return os.MkdirAll(filepath.Dir(p.configPath), 0o700)
}

// baseFlags are the flags common to every subcommand that operates on an
// existing node.
type baseFlags struct {
	pgdata string
	json   bool
}

func (b *baseFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.pgdata, "pgdata", os.Getenv("PGDATA"), "Postgres data directory")
	fs.BoolVar(&b.json, "json", false, "render output as JSON")
}

func (b *baseFlags) requirePgdata() error {
	if b.pgdata == "" {
		return ferrors.New(ferrors.KindConfig, "pgdata", fmt.Errorf("--pgdata or PGDATA is required"))
	}
	return nil
}

// ---- run ----

type runCmd struct {
	base baseFlags
}

func (c *runCmd) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	c.base.register(fs)
	return fs
}

func (c *runCmd) Exec(flags *flag.FlagSet) error {
	if err := c.base.requirePgdata(); err != nil {
		return err
	}
	paths := pathsFor(c.base.pgdata)

	cfg, err := config.FromFile(paths.configPath)
	if err != nil {
		return ferrors.New(ferrors.KindConfig, "run", err)
	}
	if err := cfg.Validate(); err != nil {
		return ferrors.New(ferrors.KindConfig, "run", err)
	}

	log := logger.Default()
	sup := supervisor.New(paths.pidPath, log)
	if err := sup.CheckSingleInstance(); err != nil {
		return err
	}

	mon, err := monitorclient.Dial(cfg.PgAutoCtl.Monitor, log)
	if err != nil {
		return err
	}
	defer mon.Close()

	pg := pgctl.New(cfg.Postgres.PGData, cfg.Postgres.PgHost, cfg.Postgres.PgPort, log)

	kpr, err := keeper.New(cfg, pg, mon, paths.statePath, log)
	if err != nil {
		return err
	}

	// SIGTERM (smart) cancels ctx only; SIGINT (fast) and SIGQUIT
	// (immediate) cancel hard as well, since ctx derives from it.
	hard, stopHard := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT)
	defer stopHard()
	ctx, stop := signal.NotifyContext(hard, syscall.SIGTERM)
	defer stop()

	reloadCh := make(chan config.Config)
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			newCfg, err := config.FromFile(paths.configPath)
			if err != nil {
				log.WithError(err).Error("reload: could not read config file")
				continue
			}
			select {
			case reloadCh <- newCfg:
			case <-ctx.Done():
				return
			}
		}
	}()

	sup.Register(supervisor.Service{
		Name:   "keeper",
		Policy: supervisor.Permanent,
		Run: func(ctx, hard context.Context) error {
			return kpr.Run(ctx, reloadCh)
		},
	})
	sup.Register(supervisor.Service{
		Name:   "postgres",
		Policy: supervisor.Permanent,
		Run: func(ctx, hard context.Context) error {
			if err := pg.EnsureRunning(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return pg.EnsureStopped(context.Background())
		},
	})

	return sup.Run(ctx, hard)
}

// ---- stop ----

type stopCmd struct {
	base      baseFlags
	fast      bool
	immediate bool
}

func (c *stopCmd) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	c.base.register(fs)
	fs.BoolVar(&c.fast, "fast", false, "interrupt the current action before stopping")
	fs.BoolVar(&c.immediate, "immediate", false, "kill child processes immediately")
	return fs
}

func (c *stopCmd) Exec(flags *flag.FlagSet) error {
	if err := c.base.requirePgdata(); err != nil {
		return err
	}
	paths := pathsFor(c.base.pgdata)

	leader, _, err := pidfile.Read(paths.pidPath)
	if err != nil {
		return ferrors.New(ferrors.KindConfig, "stop", fmt.Errorf("no running supervisor found: %w", err))
	}

	sig := syscall.SIGTERM
	if c.immediate {
		sig = syscall.SIGQUIT
	} else if c.fast {
		sig = syscall.SIGINT
	}

	return syscall.Kill(leader, sig)
}

// ---- reload ----

type reloadCmd struct {
	base baseFlags
}

func (c *reloadCmd) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	c.base.register(fs)
	return fs
}

func (c *reloadCmd) Exec(flags *flag.FlagSet) error {
	if err := c.base.requirePgdata(); err != nil {
		return err
	}
	paths := pathsFor(c.base.pgdata)

	leader, _, err := pidfile.Read(paths.pidPath)
	if err != nil {
		return ferrors.New(ferrors.KindConfig, "reload", fmt.Errorf("no running supervisor found: %w", err))
	}
	return syscall.Kill(leader, syscall.SIGHUP)
}

// ---- status / show state ----

type statusCmd struct {
	base baseFlags
}

func (c *statusCmd) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	c.base.register(fs)
	return fs
}

type statusView struct {
	NodeID       int64  `json:"node_id"`
	GroupID      int32  `json:"group_id"`
	CurrentRole  string `json:"current_role"`
	AssignedRole string `json:"assigned_role"`
	SupervisorUp bool   `json:"supervisor_running"`
}

func (c *statusCmd) Exec(flags *flag.FlagSet) error {
	if err := c.base.requirePgdata(); err != nil {
		return err
	}
	paths := pathsFor(c.base.pgdata)

	st, err := state.Read(paths.statePath)
	if err != nil {
		return err
	}

	leader, _, _ := pidfile.Read(paths.pidPath)
	view := statusView{
		NodeID:       st.CurrentNodeID,
		GroupID:      st.CurrentGroup,
		CurrentRole:  st.CurrentRole.String(),
		AssignedRole: st.AssignedRole.String(),
		SupervisorUp: pidfile.IsAlive(leader),
	}

	if c.base.json {
		return json.NewEncoder(os.Stdout).Encode(view)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Node ID", "Group", "Current Role", "Assigned Role", "Running"})
	table.Append([]string{
		fmt.Sprintf("%d", view.NodeID),
		fmt.Sprintf("%d", view.GroupID),
		view.CurrentRole,
		view.AssignedRole,
		fmt.Sprintf("%t", view.SupervisorUp),
	})
	table.Render()
	return nil
}

// ---- enable/disable maintenance ----

type maintenanceCmd struct {
	base   baseFlags
	enable bool
}

func (c *maintenanceCmd) FlagSet() *flag.FlagSet {
	name := "disable maintenance"
	if c.enable {
		name = "enable maintenance"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c.base.register(fs)
	return fs
}

func (c *maintenanceCmd) Exec(flags *flag.FlagSet) error {
	if err := c.base.requirePgdata(); err != nil {
		return err
	}
	paths := pathsFor(c.base.pgdata)

	cfg, err := config.FromFile(paths.configPath)
	if err != nil {
		return err
	}
	st, err := state.Read(paths.statePath)
	if err != nil {
		return err
	}

	log := logger.Default()
	mon, err := monitorclient.Dial(cfg.PgAutoCtl.Monitor, log)
	if err != nil {
		return err
	}
	defer mon.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if c.enable {
		return mon.StartMaintenance(ctx, st.CurrentNodeID)
	}
	return mon.StopMaintenance(ctx, st.CurrentNodeID)
}

// ---- drop node ----

type dropNodeCmd struct {
	base baseFlags
}

func (c *dropNodeCmd) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("drop node", flag.ExitOnError)
	c.base.register(fs)
	return fs
}

func (c *dropNodeCmd) Exec(flags *flag.FlagSet) error {
	if err := c.base.requirePgdata(); err != nil {
		return err
	}
	paths := pathsFor(c.base.pgdata)

	cfg, err := config.FromFile(paths.configPath)
	if err != nil {
		return err
	}
	st, err := state.Read(paths.statePath)
	if err != nil {
		return err
	}

	log := logger.Default()
	mon, err := monitorclient.Dial(cfg.PgAutoCtl.Monitor, log)
	if err != nil {
		return err
	}
	defer mon.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := mon.RemoveNode(ctx, st.CurrentNodeID); err != nil {
		return err
	}

	return state.Drop(paths.statePath)
}

// ---- create postgres ----

type createPostgresCmd struct {
	base      baseFlags
	nodename  string
	hostname  string
	pgport    int
	formation string
	group     int
	monitor   string
	authMethod string
	skipPgHba  bool
}

func (c *createPostgresCmd) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("create postgres", flag.ExitOnError)
	c.base.register(fs)
	fs.StringVar(&c.nodename, "nodename", "", "node name reported to the monitor")
	fs.StringVar(&c.hostname, "hostname", "", "hostname or address this node listens on")
	fs.IntVar(&c.pgport, "pgport", 5432, "Postgres port")
	fs.StringVar(&c.formation, "formation", "default", "formation to join")
	fs.IntVar(&c.group, "group", 0, "group within the formation")
	fs.StringVar(&c.monitor, "monitor", "", "monitor connection URI")
	fs.StringVar(&c.authMethod, "auth", "trust", "pg_hba authentication method")
	fs.BoolVar(&c.skipPgHba, "skip-pg-hba", false, "do not edit pg_hba.conf")
	return fs
}

func (c *createPostgresCmd) Exec(flags *flag.FlagSet) error {
	if err := c.base.requirePgdata(); err != nil {
		return err
	}
	if c.monitor == "" {
		return ferrors.New(ferrors.KindConfig, "create postgres", fmt.Errorf("--monitor is required"))
	}
	if c.nodename == "" {
		// Mirrors the teacher's own fallback for an unsupplied node name:
		// sql_elector.go generates a random identifier rather than refusing.
		c.nodename = uuid.New().String()
	}

	paths := pathsFor(c.base.pgdata)
	if err := ensureStateDir(paths); err != nil {
		return ferrors.New(ferrors.KindFatal, "create postgres", err)
	}

	log := logger.Default()
	mon, err := monitorclient.Dial(c.monitor, log)
	if err != nil {
		return err
	}
	defer mon.Close()

	pg := pgctl.New(c.base.pgdata, c.hostname, int32(c.pgport), log)
	if err := pg.EnsureRunning(context.Background()); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cd, err := pg.ReadControlData(ctx)
	if err != nil {
		return err
	}

	reg, err := mon.RegisterNode(ctx, c.formation, int32(c.group), c.nodename, c.hostname,
		int32(c.pgport), cd.SystemIdentifier, role.Init)
	if err != nil {
		return err
	}

	cfg := config.Config{
		PgAutoCtl: config.PgAutoCtl{
			NodeName:  c.nodename,
			Hostname:  c.hostname,
			Monitor:   c.monitor,
			Formation: c.formation,
			Group:     reg.GroupID,
		},
		Postgres: config.Postgres{
			PGData:     c.base.pgdata,
			PgPort:     int32(c.pgport),
			AuthMethod: c.authMethod,
			SkipPgHba:  c.skipPgHba,
		},
		TickInterval:            config.Duration(5 * time.Second),
		MonitorFailureThreshold: 20,
	}
	if err := config.ToFile(paths.configPath, cfg); err != nil {
		return ferrors.New(ferrors.KindFatal, "create postgres", err)
	}

	return state.Init(paths.statePath, state.KeeperState{
		CurrentNodeID:    reg.NodeID,
		CurrentGroup:     reg.GroupID,
		CurrentRole:      role.Init,
		AssignedRole:     reg.AssignedRole,
		PgControlVersion: cd.PgControlVersion,
		CatalogVersion:   cd.CatalogVersion,
		SystemIdentifier: cd.SystemIdentifier,
	})
}

// ---- create monitor ----

type createMonitorCmd struct {
	base baseFlags
}

func (c *createMonitorCmd) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("create monitor", flag.ExitOnError)
	c.base.register(fs)
	return fs
}

// Exec bootstraps a monitor node: it starts Postgres on --pgdata (port
// 5432) and sets synchronous_standby_names to the empty string. It does not
// install the pgautofailover extension. The extension's own SQL-level election and
// bookkeeping logic is not part of this binary — only its wire contract,
// consumed by internal/monitorclient, is.
func (c *createMonitorCmd) Exec(flags *flag.FlagSet) error {
	if err := c.base.requirePgdata(); err != nil {
		return err
	}

	log := logger.Default()
	pg := pgctl.New(c.base.pgdata, "localhost", 5432, log)
	if err := pg.EnsureRunning(context.Background()); err != nil {
		return err
	}

	return pg.SetSynchronousStandbyNames(context.Background(), "")
}
