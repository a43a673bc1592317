package state

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/role"
)

func sampleState() KeeperState {
	return KeeperState{
		CurrentNodeID:        1,
		CurrentGroup:         0,
		CurrentRole:          role.Single,
		AssignedRole:         role.Single,
		LastMonitorContact:   time.Unix(1_700_000_000, 0).UTC(),
		LastSecondaryContact: time.Unix(1_700_000_001, 0).UTC(),
		XlogLocation:         123456789,
		PgControlVersion:     1300,
		CatalogVersion:       202107181,
		SystemIdentifier:     7123456789012345678,
		CurrentNodesVersion:  4,
	}
}

func tempPath(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "pg-autoctl-state-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "node.state")
}

// TestWriteReadRoundTrip checks that Write followed by Read is the identity
// on well-formed records.
func TestWriteReadRoundTrip(t *testing.T) {
	path := tempPath(t)
	want := sampleState()

	require.NoError(t, Write(path, want))

	got, err := Read(path)
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInitRefusesExisting(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, Init(path, sampleState()))
	require.Error(t, Init(path, sampleState()))
}

func TestDropRemovesFile(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, Write(path, sampleState()))
	require.NoError(t, Drop(path))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestDropMissingIsNoop(t *testing.T) {
	require.NoError(t, Drop(tempPath(t)))
}

// TestReadTruncatedFileRefusesToStart checks that truncating the .state
// file by one byte makes Read fail, rather than silently parsing a bogus
// record.
func TestReadTruncatedFileRefusesToStart(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, Write(path, sampleState()))

	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, ioutil.WriteFile(path, b[:len(b)-1], 0o600))

	_, err = Read(path)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReadRejectsBadMagic(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, ioutil.WriteFile(path, make([]byte, 200), 0o600))

	_, err := Read(path)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReadRejectsFutureVersion(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, Write(path, sampleState()))

	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	// Version is the second little-endian uint32, right after magic.
	b[4] = 0xff
	require.NoError(t, ioutil.WriteFile(path, b, 0o600))

	_, err = Read(path)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrVersionUnsupported)
}
