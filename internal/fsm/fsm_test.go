package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/role"
)

type fakeDriver struct {
	ensureRunningCalls int
	ensureStoppedCalls int
	promoteCalls       int
	syncNamesCalls     int
	followCalls        int
	rewindCalls        int
	baseBackupCalls    int

	rewindErr error
}

func (f *fakeDriver) EnsureRunning(ctx context.Context) error {
	f.ensureRunningCalls++
	return nil
}
func (f *fakeDriver) EnsureStopped(ctx context.Context) error {
	f.ensureStoppedCalls++
	return nil
}
func (f *fakeDriver) Promote(ctx context.Context) error {
	f.promoteCalls++
	return nil
}
func (f *fakeDriver) SetSynchronousStandbyNames(ctx context.Context, expression string) error {
	f.syncNamesCalls++
	return nil
}
func (f *fakeDriver) Follow(ctx context.Context, primaryHost string, primaryPort int32, slotName, applicationName string) error {
	f.followCalls++
	return nil
}
func (f *fakeDriver) Rewind(ctx context.Context, sourceConninfo string) error {
	f.rewindCalls++
	return f.rewindErr
}
func (f *fakeDriver) BaseBackup(ctx context.Context, sourceConninfo string) error {
	f.baseBackupCalls++
	return nil
}

func TestExecuteSameRoleIsNoop(t *testing.T) {
	e := New()
	driver := &fakeDriver{}

	got, err := e.Execute(context.Background(), role.Secondary, role.Secondary, driver, TransitionContext{})
	require.NoError(t, err)
	require.Equal(t, role.Secondary, got)
	require.Zero(t, driver.ensureRunningCalls+driver.ensureStoppedCalls+driver.promoteCalls)
}

func TestExecuteInitToSingle(t *testing.T) {
	e := New()
	driver := &fakeDriver{}

	got, err := e.Execute(context.Background(), role.Init, role.Single, driver, TransitionContext{})
	require.NoError(t, err)
	require.Equal(t, role.Single, got)
	require.Equal(t, 1, driver.ensureRunningCalls)
}

func TestExecuteStopReplicationPromotes(t *testing.T) {
	e := New()
	driver := &fakeDriver{}

	got, err := e.Execute(context.Background(), role.StopReplication, role.WaitPrimary, driver, TransitionContext{SyncStandbyNames: "*"})
	require.NoError(t, err)
	require.Equal(t, role.WaitPrimary, got)
	require.Equal(t, 1, driver.promoteCalls)
	require.Equal(t, 1, driver.syncNamesCalls)
}

func TestExecuteRewindFallsBackToBaseBackupOnFailure(t *testing.T) {
	e := New()
	driver := &fakeDriver{rewindErr: errors.New("divergence too deep")}

	got, err := e.Execute(context.Background(), role.Secondary, role.FastForward, driver, TransitionContext{SourceConninfo: "host=primary"})
	require.NoError(t, err)
	require.Equal(t, role.FastForward, got)
	require.Equal(t, 1, driver.rewindCalls)
	require.Equal(t, 1, driver.baseBackupCalls)
}

func TestExecuteRewindSucceedsWithoutBaseBackup(t *testing.T) {
	e := New()
	driver := &fakeDriver{}

	got, err := e.Execute(context.Background(), role.Secondary, role.FastForward, driver, TransitionContext{})
	require.NoError(t, err)
	require.Equal(t, role.FastForward, got)
	require.Equal(t, 1, driver.rewindCalls)
	require.Equal(t, 0, driver.baseBackupCalls)
}

func TestExecuteFromAnyToMaintenanceStopsRegardlessOfCurrentRole(t *testing.T) {
	for _, current := range []role.NodeRole{role.Primary, role.Secondary, role.CatchingUp} {
		e := New()
		driver := &fakeDriver{}

		got, err := e.Execute(context.Background(), current, role.Maintenance, driver, TransitionContext{})
		require.NoError(t, err)
		require.Equal(t, role.Maintenance, got)
		require.Equal(t, 1, driver.ensureStoppedCalls)
	}
}

func TestExecuteUnknownAssignedRoleIsTransient(t *testing.T) {
	e := New()
	driver := &fakeDriver{}

	got, err := e.Execute(context.Background(), role.Secondary, role.Unknown, driver, TransitionContext{})
	require.Error(t, err)
	require.Equal(t, role.Secondary, got, "current role must be unchanged on an unrecognized assignment")
}

func TestExecuteUnregisteredPairIsProtocolError(t *testing.T) {
	e := New()
	driver := &fakeDriver{}

	got, err := e.Execute(context.Background(), role.Init, role.Primary, driver, TransitionContext{})
	require.Error(t, err)
	require.Equal(t, role.Init, got)
}

func TestExecuteActionFailureLeavesCurrentRoleUnchanged(t *testing.T) {
	e := New()
	e.Register(role.Single, role.WaitPrimary, func(ctx context.Context, pg PostgresDriver, tc TransitionContext) error {
		return errors.New("disk full")
	})
	driver := &fakeDriver{}

	got, err := e.Execute(context.Background(), role.Single, role.WaitPrimary, driver, TransitionContext{})
	require.Error(t, err)
	require.Equal(t, role.Single, got)
}
