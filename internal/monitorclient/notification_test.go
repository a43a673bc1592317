package monitorclient

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/role"
)

func TestParseNotificationRoundTrip(t *testing.T) {
	want := Notification{
		ReportedState: role.Secondary,
		GoalState:     role.Primary,
		NodeID:        3,
		Formation:     "default",
		GroupID:       0,
		Nodename:      "node3",
		Port:          5432,
	}

	got, err := ParseNotification(Render(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestParseNotificationUnknownRoleIsTolerated(t *testing.T) {
	n, err := ParseNotification("S:some_future_role:primary:3.default:0:3:node3:5432")
	require.NoError(t, err)
	require.Equal(t, role.Unknown, n.ReportedState)
	require.Equal(t, role.Primary, n.GoalState)
}

func TestParseNotificationRejectsWrongFieldCount(t *testing.T) {
	_, err := ParseNotification("S:secondary:primary:3.default:0:3:node3")
	require.Error(t, err)
}

func TestParseNotificationRejectsBadKind(t *testing.T) {
	_, err := ParseNotification("X:secondary:primary:3.default:0:3:node3:5432")
	require.Error(t, err)
}

func TestParseNotificationRejectsBadNodeIDFormation(t *testing.T) {
	_, err := ParseNotification("S:secondary:primary:bad-field:0:3:node3:5432")
	require.Error(t, err)
}

func TestParseNotificationRejectsBadPort(t *testing.T) {
	_, err := ParseNotification("S:secondary:primary:3.default:0:3:node3:not-a-port")
	require.Error(t, err)
}
