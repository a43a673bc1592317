package pgctl

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempHBAPath(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "pg-autoctl-hba-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "pg_hba.conf")
}

func replicationRule() HBARule {
	return HBARule{
		SSL:          true,
		DatabaseType: "replication",
		Username:     "pgautofailover_replicator",
		CIDROrHost:   FormatAddress("10.0.0.2"),
		AuthMethod:   "trust",
	}
}

func TestEnsureHBARuleAppendsOnce(t *testing.T) {
	path := tempHBAPath(t)
	rule := replicationRule()

	require.NoError(t, EnsureHBARule(path, rule))
	first, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(first), rule.Line())

	require.NoError(t, EnsureHBARule(path, rule))
	second, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	require.Equal(t, first, second, "applying the same rule twice must be a byte-level no-op")
}

func TestEnsureHBARuleAddsDistinctRules(t *testing.T) {
	path := tempHBAPath(t)
	rule1 := replicationRule()
	rule2 := HBARule{
		SSL:          true,
		DatabaseType: "postgres",
		Username:     "pgautofailover_replicator",
		CIDROrHost:   FormatAddress("10.0.0.2"),
		AuthMethod:   "trust",
	}

	require.NoError(t, EnsureHBARule(path, rule1))
	require.NoError(t, EnsureHBARule(path, rule2))

	content, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), rule1.Line())
	require.Contains(t, string(content), rule2.Line())
}

func TestFormatAddressIPv4(t *testing.T) {
	require.Equal(t, "10.0.0.2/32", FormatAddress("10.0.0.2"))
}

func TestFormatAddressIPv6(t *testing.T) {
	require.Equal(t, "::1/128", FormatAddress("::1"))
}

func TestFormatAddressHostname(t *testing.T) {
	require.Equal(t, "node2.internal", FormatAddress("node2.internal"))
}
