// Package keeper implements the tick loop: probe the local Postgres,
// report to the monitor, drive the FSM on any role change, and persist the
// result. It is the one writer of KeeperState — nothing else in this
// module mutates it — which is what lets C1's write-then-rename discipline
// guarantee a reader never observes a torn record.
package keeper

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/config"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/fsm"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/metrics"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/monitorclient"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/pgctl"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/role"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/state"
)

// Monitor is the subset of *monitorclient.Client the keeper loop needs.
type Monitor interface {
	NodeActive(ctx context.Context, req monitorclient.NodeActiveRequest) (monitorclient.NodeActiveResult, error)
	GetPrimary(ctx context.Context, formation string, groupID int32) (monitorclient.NodeAddress, error)
}

// Keeper owns the handles to Postgres, the monitor, and the persisted
// state, and lends read-only views of its current state to callers such as
// "show state" rather than letting them reach into its internals.
type Keeper struct {
	cfg       config.Config
	pg        *pgctl.Controller
	mon       Monitor
	engine    *fsm.Engine
	statePath string
	log       logrus.FieldLogger

	state            state.KeeperState
	consecutiveFails int
}

// New builds a Keeper from its handles and the state persisted at
// statePath, which must already exist (created by "create postgres" /
// register_node).
func New(cfg config.Config, pg *pgctl.Controller, mon Monitor, statePath string, log logrus.FieldLogger) (*Keeper, error) {
	st, err := state.Read(statePath)
	if err != nil {
		return nil, err
	}
	return &Keeper{
		cfg:       cfg,
		pg:        pg,
		mon:       mon,
		engine:    fsm.New(),
		statePath: statePath,
		log:       log,
		state:     st,
	}, nil
}

// CurrentState returns a copy of the keeper's in-memory state as a
// read-only view. ("show state" and "status" read the state file instead.)
func (k *Keeper) CurrentState() state.KeeperState {
	return k.state
}

// Run drives the tick loop at cfg.TickInterval until ctx is canceled.
// reload, if non-nil, is drained on SIGHUP to apply a config change
// mid-loop.
func (k *Keeper) Run(ctx context.Context, reload <-chan config.Config) error {
	ticker := time.NewTicker(k.cfg.TickInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-reload:
			if !ok {
				reload = nil
				continue
			}
			if err := k.ApplyReload(newCfg); err != nil {
				k.log.WithError(err).Error("reload refused")
			}
		case <-ticker.C:
			start := time.Now()
			if err := k.Tick(ctx); err != nil {
				k.log.WithError(err).Warn("tick failed")
			}
			metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// Tick runs one iteration: probe, node_active, FSM, persist.
func (k *Keeper) Tick(ctx context.Context) error {
	local, err := k.pg.Probe(ctx)
	if err != nil {
		// Probe itself never errors (an unreachable server just reports
		// PgIsRunning=false); an error here is treated the same way.
		local = pgctl.LocalState{}
	}

	lsn, err := pgctl.ParseLSN(local.CurrentLSN)
	if err != nil {
		k.log.WithError(err).Debug("could not parse reported LSN, reporting 0")
		lsn = 0
	}
	k.state.XlogLocation = lsn

	if err := k.refreshControlData(ctx); err != nil {
		return err
	}

	req := monitorclient.NodeActiveRequest{
		Formation:   k.cfg.PgAutoCtl.Formation,
		Nodename:    k.cfg.PgAutoCtl.NodeName,
		Port:        k.cfg.Postgres.PgPort,
		NodeID:      k.state.CurrentNodeID,
		GroupID:     k.state.CurrentGroup,
		CurrentRole: k.state.CurrentRole,
		PgIsRunning: local.PgIsRunning,
		PgSyncState: local.SyncState,
		CurrentLSN:  lsn,
	}

	resp, err := k.mon.NodeActive(ctx, req)
	if err != nil {
		k.consecutiveFails++
		if k.consecutiveFails >= k.cfg.MonitorFailureThreshold {
			k.log.WithField("consecutive_failures", k.consecutiveFails).
				Warn("monitor unreachable for too many consecutive ticks")
		} else {
			k.log.WithError(err).Debug("node_active failed, keeping current role")
		}
		metrics.MonitorRPCFailuresTotal.Inc()
		return nil
	}
	k.consecutiveFails = 0
	k.state.LastMonitorContact = time.Now().UTC()
	k.state.CurrentNodesVersion = resp.NodesVersion
	k.state.AssignedRole = resp.AssignedRole

	if resp.AssignedRole != k.state.CurrentRole {
		tc, err := k.buildTransitionContext(ctx)
		if err != nil {
			k.log.WithError(err).Warn("could not resolve transition context, deferring to next tick")
			return k.persist()
		}

		newRole, err := k.engine.Execute(ctx, k.state.CurrentRole, resp.AssignedRole, k.pg, tc)
		if err != nil {
			k.log.WithError(err).
				WithField("from", k.state.CurrentRole).
				WithField("to", resp.AssignedRole).
				Error("transition failed, current role unchanged")
		}
		if newRole != k.state.CurrentRole {
			metrics.CurrentRoleGauge.WithLabelValues(k.cfg.PgAutoCtl.NodeName, k.state.CurrentRole.String()).Set(0)
		}
		k.state.CurrentRole = newRole
		metrics.CurrentRoleGauge.WithLabelValues(k.cfg.PgAutoCtl.NodeName, newRole.String()).Set(1)
	}

	return k.persist()
}

// refreshControlData reads pg_control and updates the keeper's identity
// fields. A system identifier that changes out from under an already
// registered node means this data directory was replaced by a different
// Postgres instance (e.g. a stale backup was restored under the same path),
// which the monitor's (system_identifier, group_id) bookkeeping can never
// reconcile; the keeper refuses to keep reporting under the old identity.
func (k *Keeper) refreshControlData(ctx context.Context) error {
	cd, err := k.pg.ReadControlData(ctx)
	if err != nil {
		k.log.WithError(err).Debug("could not read pg_control, keeping last known identity")
		return nil
	}

	if k.state.SystemIdentifier != 0 && cd.SystemIdentifier != 0 && k.state.SystemIdentifier != cd.SystemIdentifier {
		return ferrors.New(ferrors.KindFatal, "keeper.refreshControlData",
			fmt.Errorf("system identifier changed from %d to %d", k.state.SystemIdentifier, cd.SystemIdentifier))
	}

	k.state.PgControlVersion = cd.PgControlVersion
	k.state.CatalogVersion = cd.CatalogVersion
	if cd.SystemIdentifier != 0 {
		k.state.SystemIdentifier = cd.SystemIdentifier
	}
	return nil
}

func (k *Keeper) persist() error {
	return state.Write(k.statePath, k.state)
}

// buildTransitionContext resolves the primary's address when the node is
// not itself the primary, since Follow/BaseBackup/Rewind need it.
func (k *Keeper) buildTransitionContext(ctx context.Context) (fsm.TransitionContext, error) {
	tc := fsm.TransitionContext{
		SlotName:         fmt.Sprintf("pgautofailover_%d", k.state.CurrentNodeID),
		ApplicationName:  k.cfg.PgAutoCtl.NodeName,
		SyncStandbyNames: "*",
	}

	if k.state.CurrentRole == role.Primary || k.state.CurrentRole == role.WaitPrimary || k.state.CurrentRole == role.Single {
		return tc, nil
	}

	primary, err := k.mon.GetPrimary(ctx, k.cfg.PgAutoCtl.Formation, k.state.CurrentGroup)
	if err != nil {
		return tc, ferrors.New(ferrors.KindTransient, "keeper.buildTransitionContext", err)
	}

	tc.PrimaryHost = primary.Host
	tc.PrimaryPort = primary.Port
	tc.SourceConninfo = fmt.Sprintf("host=%s port=%d dbname=postgres", primary.Host, primary.Port)
	return tc, nil
}

// ApplyReload validates and applies a config change read after SIGHUP.
// Identity fields the monitor already recorded for this node — formation
// and group — must not change under a reload; that
// mismatch means this config file no longer describes the node whose
// state file is on disk, and the keeper refuses the reload rather than
// silently start reporting under a different identity.
func (k *Keeper) ApplyReload(newCfg config.Config) error {
	if newCfg.PgAutoCtl.Formation != k.cfg.PgAutoCtl.Formation {
		return ferrors.New(ferrors.KindConfig, "keeper.ApplyReload",
			fmt.Errorf("reload refused: formation changed from %q to %q", k.cfg.PgAutoCtl.Formation, newCfg.PgAutoCtl.Formation))
	}
	if newCfg.PgAutoCtl.Group != k.cfg.PgAutoCtl.Group {
		return ferrors.New(ferrors.KindConfig, "keeper.ApplyReload",
			fmt.Errorf("reload refused: group changed from %d to %d", k.cfg.PgAutoCtl.Group, newCfg.PgAutoCtl.Group))
	}

	k.cfg.PgAutoCtl.NodeName = newCfg.PgAutoCtl.NodeName
	k.cfg.PgAutoCtl.Hostname = newCfg.PgAutoCtl.Hostname
	k.cfg.Postgres.PgPort = newCfg.Postgres.PgPort
	k.cfg.SSL = newCfg.SSL
	k.log.Info("configuration reloaded")
	return nil
}
