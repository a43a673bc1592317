// Package fsm implements the node finite state machine: given the current
// and monitor-assigned role, select and execute the transition that
// reconfigures the local Postgres instance. A keeper that crashes
// mid-transition resumes by re-running the same action. EnsureRunning,
// EnsureStopped and Promote check the server's state before acting; Rewind
// and BaseBackup do not, and run pg_rewind or pg_basebackup again when
// re-run (BaseBackup replaces the data directory each time).
package fsm

import (
	"context"
	"fmt"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/metrics"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/role"
)

// PostgresDriver is the subset of *pgctl.Controller the FSM needs. Defining
// it here, rather than importing pgctl directly, keeps the transition table
// testable against a fake.
type PostgresDriver interface {
	EnsureRunning(ctx context.Context) error
	EnsureStopped(ctx context.Context) error
	Promote(ctx context.Context) error
	SetSynchronousStandbyNames(ctx context.Context, expression string) error
	Follow(ctx context.Context, primaryHost string, primaryPort int32, slotName, applicationName string) error
	Rewind(ctx context.Context, sourceConninfo string) error
	BaseBackup(ctx context.Context, sourceConninfo string) error
}

// TransitionContext carries everything a transition action might need
// beyond the driver itself — the specifics the monitor communicated for
// this tick (who the primary is, which slot to use, the quorum expression).
type TransitionContext struct {
	SlotName          string
	ApplicationName   string
	PrimaryHost       string
	PrimaryPort       int32
	SourceConninfo    string
	SyncStandbyNames  string
}

// Action is the procedure run when transitioning from one role to another.
type Action func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error

type edge struct {
	from, to role.NodeRole
}

// Engine holds the transition table: a (current, assigned) pair maps to
// exactly one Action, plus a set of "from any role" actions for the
// maintenance/draining/dropped roles the monitor can assign regardless of
// where a node currently is.
type Engine struct {
	exact    map[edge]Action
	fromAny  map[role.NodeRole]Action
}

// New builds the default transition table.
func New() *Engine {
	e := &Engine{
		exact:   make(map[edge]Action),
		fromAny: make(map[role.NodeRole]Action),
	}
	e.registerDefaults()
	return e
}

// Register installs or overrides the action for from → to.
func (e *Engine) Register(from, to role.NodeRole, action Action) {
	e.exact[edge{from, to}] = action
}

// RegisterFromAny installs an action that applies regardless of the
// current role, used for maintenance, draining, and dropped.
func (e *Engine) RegisterFromAny(to role.NodeRole, action Action) {
	e.fromAny[to] = action
}

// Execute runs the transition from current to assigned. On success it
// returns assigned as the new current role. On failure the transition is
// abandoned and current is returned unchanged — the monitor will re-issue
// the assignment on the next tick.
func (e *Engine) Execute(ctx context.Context, current, assigned role.NodeRole, pg PostgresDriver, tc TransitionContext) (role.NodeRole, error) {
	if assigned == role.Unknown {
		return current, ferrors.New(ferrors.KindTransient, "fsm.Execute",
			fmt.Errorf("monitor assigned an unrecognized role"))
	}

	if current == assigned {
		return current, nil
	}

	action, ok := e.exact[edge{current, assigned}]
	if !ok {
		action, ok = e.fromAny[assigned]
	}
	if !ok {
		return current, ferrors.New(ferrors.KindProtocol, "fsm.Execute",
			fmt.Errorf("no transition registered for %s -> %s", current, assigned))
	}

	if err := action(ctx, pg, tc); err != nil {
		metrics.TransitionFailuresTotal.WithLabelValues(current.String(), assigned.String()).Inc()
		return current, err
	}

	metrics.TransitionsTotal.WithLabelValues(current.String(), assigned.String()).Inc()
	return assigned, nil
}

// registerDefaults installs the principal edges a keeper must support.
func (e *Engine) registerDefaults() {
	e.Register(role.Init, role.Single, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return pg.EnsureRunning(ctx)
	})

	e.Register(role.Single, role.WaitPrimary, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return pg.SetSynchronousStandbyNames(ctx, tc.SyncStandbyNames)
	})

	e.Register(role.WaitPrimary, role.Primary, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return nil // postcondition (a standby streaming) was confirmed by the monitor
	})

	e.Register(role.Primary, role.WaitPrimary, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return pg.SetSynchronousStandbyNames(ctx, tc.SyncStandbyNames)
	})

	e.Register(role.WaitStandby, role.CatchingUp, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		if err := pg.BaseBackup(ctx, tc.SourceConninfo); err != nil {
			return err
		}
		return pg.Follow(ctx, tc.PrimaryHost, tc.PrimaryPort, tc.SlotName, tc.ApplicationName)
	})

	e.Register(role.CatchingUp, role.Secondary, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return nil // the caller only proposes this transition once lag has fallen under threshold
	})

	e.Register(role.Secondary, role.PreparePromotion, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return pg.EnsureStopped(ctx)
	})

	e.Register(role.PreparePromotion, role.StopReplication, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return nil // await the monitor's confirmation that this node holds the max LSN
	})

	e.Register(role.StopReplication, role.WaitPrimary, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		if err := pg.Promote(ctx); err != nil {
			return err
		}
		return pg.SetSynchronousStandbyNames(ctx, tc.SyncStandbyNames)
	})

	e.Register(role.Secondary, role.FastForward, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		if err := pg.Rewind(ctx, tc.SourceConninfo); err != nil {
			// pg_rewind can fail when a node has diverged too far for it to
			// reconcile; a fresh base backup is always a safe fallback.
			return pg.BaseBackup(ctx, tc.SourceConninfo)
		}
		return nil
	})

	e.Register(role.FastForward, role.CatchingUp, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return pg.Follow(ctx, tc.PrimaryHost, tc.PrimaryPort, tc.SlotName, tc.ApplicationName)
	})

	e.Register(role.Maintenance, role.CatchingUp, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return pg.Follow(ctx, tc.PrimaryHost, tc.PrimaryPort, tc.SlotName, tc.ApplicationName)
	})

	stop := func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return pg.EnsureStopped(ctx)
	}
	e.RegisterFromAny(role.Maintenance, stop)
	e.RegisterFromAny(role.Draining, stop)
	e.RegisterFromAny(role.Dropped, stop)
}
