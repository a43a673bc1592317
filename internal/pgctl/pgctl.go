// Package pgctl drives the local PostgreSQL instance a keeper co-resides
// with: starting and stopping it via pg_ctl, probing its replication
// state, editing pg_hba.conf and the standby configuration, and running
// pg_rewind/pg_basebackup during a role change. It shells out the way
// internal/command/command_test.go shows the teacher wrapping exec.Command
// with a context for cancellation, and reaches the server itself through
// database/sql + github.com/lib/pq for anything better expressed as SQL
// than as a command-line tool.
package pgctl

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
)

// LocalState is what Probe reports about the local server.
type LocalState struct {
	PgIsRunning bool
	CurrentLSN  string
	SyncState   string
	InRecovery  bool
}

// Controller drives one Postgres data directory.
type Controller struct {
	PGData  string
	PGHost  string
	PGPort  int32
	PGCtl   string // path to pg_ctl; defaults to "pg_ctl" on PATH
	Log     logrus.FieldLogger
}

// New builds a Controller for the data directory at pgdata.
func New(pgdata, pghost string, pgport int32, log logrus.FieldLogger) *Controller {
	return &Controller{
		PGData: pgdata,
		PGHost: pghost,
		PGPort: pgport,
		PGCtl:  "pg_ctl",
		Log:    log,
	}
}

func (c *Controller) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.PGCtl, args...)
	out, err := cmd.CombinedOutput()
	return out, err
}

// EnsureRunning starts Postgres if it is not already running. Checking
// first makes the call idempotent, restartable mid-transition the way
// every FSM action must be.
func (c *Controller) EnsureRunning(ctx context.Context) error {
	state, err := c.Probe(ctx)
	if err == nil && state.PgIsRunning {
		return nil
	}

	out, err := c.run(ctx, "start", "-D", c.PGData, "-s", "-w")
	if err != nil {
		return ferrors.New(ferrors.KindPgCtl, "pgctl.EnsureRunning", fmt.Errorf("%s: %w", out, err))
	}
	return nil
}

// EnsureStopped stops Postgres if it is running, using fast mode: terminate
// active transactions but shut down cleanly.
func (c *Controller) EnsureStopped(ctx context.Context) error {
	state, err := c.Probe(ctx)
	if err == nil && !state.PgIsRunning {
		return nil
	}

	out, err := c.run(ctx, "stop", "-D", c.PGData, "-s", "-m", "fast")
	if err != nil {
		return ferrors.New(ferrors.KindPgCtl, "pgctl.EnsureStopped", fmt.Errorf("%s: %w", out, err))
	}
	return nil
}

// Reload asks Postgres to re-read its configuration files without
// restarting, used after editing HBA rules or synchronous_standby_names.
func (c *Controller) Reload(ctx context.Context) error {
	out, err := c.run(ctx, "reload", "-D", c.PGData)
	if err != nil {
		return ferrors.New(ferrors.KindPgCtl, "pgctl.Reload", fmt.Errorf("%s: %w", out, err))
	}
	return nil
}

// Promote runs pg_ctl promote and waits for the server to become writable.
// A server that is already running and writable is left as it is, so a
// transition interrupted after the promotion can be re-run.
func (c *Controller) Promote(ctx context.Context) error {
	if state, err := c.Probe(ctx); err == nil && state.PgIsRunning && !state.InRecovery {
		return nil
	}

	out, err := c.run(ctx, "promote", "-D", c.PGData, "-s", "-w")
	if err != nil {
		return ferrors.New(ferrors.KindPgCtl, "pgctl.Promote", fmt.Errorf("%s: %w", out, err))
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		state, err := c.Probe(ctx)
		if err == nil && state.PgIsRunning && !state.InRecovery {
			return nil
		}
		select {
		case <-ctx.Done():
			return ferrors.New(ferrors.KindPgCtl, "pgctl.Promote", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return ferrors.New(ferrors.KindPgCtl, "pgctl.Promote", fmt.Errorf("server did not become writable"))
}

// connInfo builds a libpq DSN for the local server, defaulting the
// database name to "postgres" since the keeper never touches user schemas.
func (c *Controller) connInfo() string {
	host := c.PGHost
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("host=%s port=%d dbname=postgres sslmode=prefer connect_timeout=5", host, c.PGPort)
}

// Probe reports the local server's running and replication state. A
// connection failure is reported as PgIsRunning=false rather than as an
// error: an unreachable server is exactly what "not running" looks like
// from the keeper's perspective, and the monitor tolerates a stale probe.
func (c *Controller) Probe(ctx context.Context) (LocalState, error) {
	db, err := sql.Open("postgres", c.connInfo())
	if err != nil {
		return LocalState{}, nil
	}
	defer db.Close()

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(queryCtx); err != nil {
		return LocalState{PgIsRunning: false}, nil
	}

	var inRecovery bool
	if err := db.QueryRowContext(queryCtx, `SELECT pg_is_in_recovery()`).Scan(&inRecovery); err != nil {
		return LocalState{PgIsRunning: true}, nil
	}

	state := LocalState{PgIsRunning: true, InRecovery: inRecovery}

	if inRecovery {
		_ = db.QueryRowContext(queryCtx, `SELECT pg_last_wal_replay_lsn()::text`).Scan(&state.CurrentLSN)
	} else {
		_ = db.QueryRowContext(queryCtx, `SELECT pg_current_wal_lsn()::text`).Scan(&state.CurrentLSN)
		_ = db.QueryRowContext(queryCtx,
			`SELECT coalesce(sync_state, '') FROM pg_stat_replication ORDER BY sync_priority LIMIT 1`,
		).Scan(&state.SyncState)
	}

	return state, nil
}

// CreateReplicationSlot creates a physical replication slot on a primary.
func (c *Controller) CreateReplicationSlot(ctx context.Context, name string) error {
	return c.execSQL(ctx, "pgctl.CreateReplicationSlot",
		`SELECT pg_create_physical_replication_slot($1) WHERE NOT EXISTS (
			SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`, name)
}

// DropReplicationSlot drops a physical replication slot, tolerant of it
// already being gone.
func (c *Controller) DropReplicationSlot(ctx context.Context, name string) error {
	return c.execSQL(ctx, "pgctl.DropReplicationSlot",
		`SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1`, name)
}

// SetSynchronousStandbyNames commits expression via ALTER SYSTEM and
// reloads, the primary-side half of every quorum change.
func (c *Controller) SetSynchronousStandbyNames(ctx context.Context, expression string) error {
	if err := c.execSQL(ctx, "pgctl.SetSynchronousStandbyNames",
		fmt.Sprintf(`ALTER SYSTEM SET synchronous_standby_names = %s`, quoteLiteral(expression))); err != nil {
		return err
	}
	return c.Reload(ctx)
}

func (c *Controller) execSQL(ctx context.Context, op, q string, args ...interface{}) error {
	db, err := sql.Open("postgres", c.connInfo())
	if err != nil {
		return ferrors.New(ferrors.KindPgSQL, op, err)
	}
	defer db.Close()

	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(queryCtx, q, args...); err != nil {
		return ferrors.New(ferrors.KindPgSQL, op, err)
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Follow configures the local server as a standby of (primaryHost,
// primaryPort) using the slot slotName, writing standby.signal and
// primary_conninfo the PostgreSQL 12+ way (recovery.conf was removed in
// PG12; an older target would need the recovery.conf file instead, a
// version branch this controller does not implement — see DESIGN.md).
func (c *Controller) Follow(ctx context.Context, primaryHost string, primaryPort int32, slotName, applicationName string) error {
	if err := c.EnsureStopped(ctx); err != nil {
		return err
	}

	signalPath := filepath.Join(c.PGData, "standby.signal")
	if _, err := os.Stat(signalPath); os.IsNotExist(err) {
		if err := os.WriteFile(signalPath, nil, 0o600); err != nil {
			return ferrors.New(ferrors.KindFatal, "pgctl.Follow", err)
		}
	}

	conninfo := fmt.Sprintf(
		"host=%s port=%d application_name=%s sslmode=prefer",
		primaryHost, primaryPort, applicationName,
	)

	line := fmt.Sprintf("primary_conninfo = %s\nprimary_slot_name = %s\n",
		quoteLiteral(conninfo), quoteLiteral(slotName))
	confPath := filepath.Join(c.PGData, "postgresql.auto.conf")
	if err := appendIfMissing(confPath, "primary_conninfo", line); err != nil {
		return ferrors.New(ferrors.KindFatal, "pgctl.Follow", err)
	}

	return c.EnsureRunning(ctx)
}

// appendIfMissing appends content to path unless a line already begins with
// marker, making Follow safe to re-run after a crash mid-transition.
func appendIfMissing(path, marker, content string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, l := range strings.Split(string(existing), "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), marker) {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

// Rewind runs pg_rewind against sourceConninfo to make a diverged former
// primary reusable as a standby. The caller is responsible for falling
// back to BaseBackup when this returns an error — pg_rewind can fail when
// the divergence is too deep for it to resolve, and a fresh base backup is
// always a safe fallback.
func (c *Controller) Rewind(ctx context.Context, sourceConninfo string) error {
	cmd := exec.CommandContext(ctx, "pg_rewind",
		"--target-pgdata="+c.PGData,
		"--source-server="+sourceConninfo,
		"--progress",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ferrors.New(ferrors.KindPgCtl, "pgctl.Rewind", fmt.Errorf("%s: %w", out, err))
	}
	return nil
}

// baseBackupMinFreeBytes is the free-space floor checked before a base
// backup starts; below it we'd rather fail fast than fill the disk partway
// through a multi-gigabyte transfer.
const baseBackupMinFreeBytes = 1 << 30 // 1 GiB

// BaseBackup replaces the local data directory with a fresh base backup
// streamed from sourceConninfo, the fallback when Rewind fails.
func (c *Controller) BaseBackup(ctx context.Context, sourceConninfo string) error {
	if stats, err := c.DiskFree(); err == nil && stats.AvailableBytes < baseBackupMinFreeBytes {
		return ferrors.New(ferrors.KindPgCtl, "pgctl.BaseBackup",
			fmt.Errorf("only %d bytes free, refusing to start a base backup", stats.AvailableBytes))
	}

	if err := os.RemoveAll(c.PGData); err != nil {
		return ferrors.New(ferrors.KindFatal, "pgctl.BaseBackup", err)
	}

	cmd := exec.CommandContext(ctx, "pg_basebackup",
		"-D", c.PGData,
		"-d", sourceConninfo,
		"-R", "-X", "stream", "-P",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ferrors.New(ferrors.KindPgCtl, "pgctl.BaseBackup", fmt.Errorf("%s: %w", out, err))
	}
	return nil
}

// ParseLSN converts a Postgres LSN's text form ("XXXXXXXX/XXXXXXXX", two hex
// words) into the single 64-bit value the monitor compares failover
// candidates by. An empty string (the keeper has not managed to probe a LSN
// yet) parses as 0, not an error.
func ParseLSN(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("pgctl.ParseLSN: malformed lsn %q", s)
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("pgctl.ParseLSN: malformed lsn %q: %w", s, err)
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("pgctl.ParseLSN: malformed lsn %q: %w", s, err)
	}
	return int64(hiVal<<32 | loVal), nil
}

// FormatAddress renders host the way HBA rules require: a /32 CIDR for an
// IPv4 literal, a /128 CIDR for IPv6, and the bare hostname otherwise.
func FormatAddress(host string) string {
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return host
	case ip.To4() != nil:
		return host + "/32"
	default:
		return host + "/128"
	}
}
