package keeper

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/config"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/monitorclient"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/pgctl"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/role"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/state"
)

type fakeMonitor struct {
	result monitorclient.NodeActiveResult
	err    error

	primary    monitorclient.NodeAddress
	primaryErr error

	calls int
}

func (f *fakeMonitor) NodeActive(ctx context.Context, req monitorclient.NodeActiveRequest) (monitorclient.NodeActiveResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeMonitor) GetPrimary(ctx context.Context, formation string, groupID int32) (monitorclient.NodeAddress, error) {
	return f.primary, f.primaryErr
}

func newTestKeeper(t *testing.T, mon Monitor, st state.KeeperState) (*Keeper, string) {
	t.Helper()
	dir, err := ioutil.TempDir("", "pg-autoctl-keeper-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "node.state")
	require.NoError(t, state.Init(path, st))

	log := logrus.New()
	log.SetOutput(ioutil.Discard)

	cfg := config.Config{
		PgAutoCtl: config.PgAutoCtl{
			NodeName:  "node1",
			Formation: "default",
			Group:     0,
		},
		MonitorFailureThreshold: 20,
		TickInterval:            config.Duration(5 * time.Second),
	}

	pg := pgctl.New("/nonexistent/pgdata", "localhost", 5432, log)

	k, err := New(cfg, pg, mon, path, log)
	require.NoError(t, err)
	return k, path
}

func TestTickAdvancesRoleOnAssignment(t *testing.T) {
	mon := &fakeMonitor{
		result: monitorclient.NodeActiveResult{AssignedRole: role.Single, NodesVersion: 1},
	}
	k, path := newTestKeeper(t, mon, state.KeeperState{CurrentRole: role.Init, AssignedRole: role.Init})

	require.NoError(t, k.Tick(context.Background()))
	require.Equal(t, role.Single, k.CurrentState().CurrentRole)

	persisted, err := state.Read(path)
	require.NoError(t, err)
	require.Equal(t, role.Single, persisted.CurrentRole)
}

func TestTickLeavesRoleUnchangedOnMonitorFailure(t *testing.T) {
	mon := &fakeMonitor{err: errors.New("connection refused")}
	k, _ := newTestKeeper(t, mon, state.KeeperState{CurrentRole: role.Secondary, AssignedRole: role.Secondary})

	require.NoError(t, k.Tick(context.Background()))
	require.Equal(t, role.Secondary, k.CurrentState().CurrentRole)
}

func TestTickSameAssignedRoleIsNoop(t *testing.T) {
	mon := &fakeMonitor{
		result: monitorclient.NodeActiveResult{AssignedRole: role.Primary, NodesVersion: 2},
	}
	k, _ := newTestKeeper(t, mon, state.KeeperState{CurrentRole: role.Primary, AssignedRole: role.Primary})

	require.NoError(t, k.Tick(context.Background()))
	require.Equal(t, role.Primary, k.CurrentState().CurrentRole)
	require.EqualValues(t, 2, k.CurrentState().CurrentNodesVersion)
}

func TestTickUnresolvableTransitionDefersToNextTick(t *testing.T) {
	mon := &fakeMonitor{
		result:     monitorclient.NodeActiveResult{AssignedRole: role.CatchingUp, NodesVersion: 1},
		primaryErr: errors.New("no primary yet"),
	}
	k, _ := newTestKeeper(t, mon, state.KeeperState{CurrentRole: role.WaitStandby, AssignedRole: role.WaitStandby, CurrentGroup: 0})

	require.NoError(t, k.Tick(context.Background()))
	require.Equal(t, role.WaitStandby, k.CurrentState().CurrentRole, "current role must not change when the primary can't be resolved")
}

func TestApplyReloadRefusesFormationChange(t *testing.T) {
	mon := &fakeMonitor{}
	k, _ := newTestKeeper(t, mon, state.KeeperState{CurrentRole: role.Secondary, AssignedRole: role.Secondary})

	newCfg := k.cfg
	newCfg.PgAutoCtl.Formation = "other"

	err := k.ApplyReload(newCfg)
	require.Error(t, err)
}

func TestApplyReloadAcceptsSafeFieldChange(t *testing.T) {
	mon := &fakeMonitor{}
	k, _ := newTestKeeper(t, mon, state.KeeperState{CurrentRole: role.Secondary, AssignedRole: role.Secondary})

	newCfg := k.cfg
	newCfg.PgAutoCtl.Hostname = "new-host.internal"
	newCfg.Postgres.PgPort = 5433

	require.NoError(t, k.ApplyReload(newCfg))
	require.Equal(t, "new-host.internal", k.cfg.PgAutoCtl.Hostname)
	require.EqualValues(t, 5433, k.cfg.Postgres.PgPort)
}
