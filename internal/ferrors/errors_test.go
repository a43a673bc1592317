package ferrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodeNeverZeroForAKnownFailureKind(t *testing.T) {
	for _, k := range []Kind{KindTransient, KindConfig, KindStateCorrupt, KindProtocol, KindFatal, KindPgCtl, KindPgSQL} {
		require.NotZero(t, k.ExitCode(), "kind %s must not exit 0", k)
	}
}

func TestExitCodeMatchesDocumentedTable(t *testing.T) {
	require.Equal(t, 16, KindTransient.ExitCode())
	require.Equal(t, 12, KindConfig.ExitCode())
	require.Equal(t, 13, KindStateCorrupt.ExitCode())
	require.Equal(t, 16, KindProtocol.ExitCode())
	require.Equal(t, 17, KindFatal.ExitCode())
	require.Equal(t, 14, KindPgCtl.ExitCode())
	require.Equal(t, 15, KindPgSQL.ExitCode())
}

func TestKindOfIgnoresStringFlattenedError(t *testing.T) {
	base := New(KindPgCtl, "pgctl.EnsureRunning", errors.New("boom"))
	wrapped := errors.New("context: " + base.Error())

	_, ok := KindOf(wrapped)
	require.False(t, ok, "a plain errors.New should not be mistaken for a tagged error")

	kind, ok := KindOf(base)
	require.True(t, ok)
	require.Equal(t, KindPgCtl, kind)
}
