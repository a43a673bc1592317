package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "pg-autoctl-config-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "node.cfg")
	require.NoError(t, ioutil.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestFromFileDefaults(t *testing.T) {
	path := writeTemp(t, `
[pg_autoctl]
nodename = "node1"
monitor = "postgres://monitor/pg_auto_failover"
formation = "default"
group = 0

[postgresql]
pgdata = "/var/lib/postgresql/data"
pghost = "localhost"
pgport = 5432
`)

	conf, err := FromFile(path)
	require.NoError(t, err)

	require.Equal(t, "node1", conf.PgAutoCtl.NodeName)
	require.Equal(t, 5*time.Second, conf.TickInterval.Duration())
	require.Equal(t, 20, conf.MonitorFailureThreshold)
	require.True(t, conf.Replication.Quorum)
	require.NoError(t, conf.Validate())
}

func TestValidateRequiresNodename(t *testing.T) {
	var c Config
	c.PgAutoCtl.Monitor = "postgres://monitor/pg_auto_failover"
	c.Postgres.PGData = "/data"
	c.Postgres.PgPort = 5432

	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "nodename")
}

func TestValidateRequiresMonitor(t *testing.T) {
	var c Config
	c.PgAutoCtl.NodeName = "node1"
	c.Postgres.PGData = "/data"
	c.Postgres.PgPort = 5432

	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "monitor")
}

func TestToFileRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "pg-autoctl-config-roundtrip")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "node.cfg")

	conf := *defaults()
	conf.PgAutoCtl.NodeName = "node2"
	conf.PgAutoCtl.Monitor = "postgres://monitor/pg_auto_failover"
	conf.Postgres.PGData = "/data"
	conf.Postgres.PgPort = 5433

	require.NoError(t, ToFile(path, conf))

	reloaded, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, conf.PgAutoCtl.NodeName, reloaded.PgAutoCtl.NodeName)
	require.Equal(t, conf.Postgres.PgPort, reloaded.Postgres.PgPort)
	require.Equal(t, conf.TickInterval.Duration(), reloaded.TickInterval.Duration())
}
