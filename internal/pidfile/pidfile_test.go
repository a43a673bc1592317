package pidfile

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "pg-autoctl-pidfile-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "node.pid")
	entries := []Entry{
		{Name: "keeper", PID: 111},
		{Name: "postgres", PID: 222},
	}

	require.NoError(t, Write(path, 100, entries))

	leader, got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, 100, leader)
	require.Equal(t, entries, got)
}

func TestWriteSingleLine(t *testing.T) {
	dir, err := ioutil.TempDir("", "pg-autoctl-pidfile-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "node.pid")
	require.NoError(t, Write(path, 42, nil))

	leader, entries, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, 42, leader)
	require.Empty(t, entries)
}

func TestRemoveMissingIsNoop(t *testing.T) {
	require.NoError(t, Remove(filepath.Join(os.TempDir(), "does-not-exist.pid")))
}

func TestIsAliveCurrentProcess(t *testing.T) {
	require.True(t, IsAlive(os.Getpid()))
}

func TestIsAliveBogusPID(t *testing.T) {
	// PID 0 and negatives are never valid process identifiers.
	require.False(t, IsAlive(0))
	require.False(t, IsAlive(-1))
}

func TestReadMalformedEntryLine(t *testing.T) {
	dir, err := ioutil.TempDir("", "pg-autoctl-pidfile-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "node.pid")
	require.NoError(t, ioutil.WriteFile(path, []byte("100\nnot-a-valid-line\n"), 0o644))

	_, _, err = Read(path)
	require.Error(t, err)
}
