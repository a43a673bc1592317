package monitorclient

import (
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/role"
)

// Notification is one decoded LISTEN payload the monitor sends on its
// "state" channel when some node's reported or goal state changes.
type Notification struct {
	ReportedState role.NodeRole
	GoalState     role.NodeRole
	NodeID        int64
	Formation     string
	GroupID       int32
	Nodename      string
	Port          int32
}

// ParseNotification decodes a payload of the form:
//
//	S:<reported_state>:<goal_state>:<node_id>.<formation>:<group_id>:<node_id>:<nodename>:<port>
//
// Unrecognized role spellings decode to role.Unknown rather than failing the
// whole parse — a keeper that doesn't yet know about a role a newer monitor
// introduced should still be able to log the event, just not act on it. A
// wrong field count, a first field other than "S", a fourth field without
// the "<node_id>.<formation>" dot, or an unparseable integer field fails the
// parse.
func ParseNotification(payload string) (Notification, error) {
	fields := strings.Split(payload, ":")
	if len(fields) != 8 {
		return Notification{}, fmt.Errorf("monitorclient: malformed notification %q: expected 8 fields, got %d", payload, len(fields))
	}
	if fields[0] != "S" {
		return Notification{}, fmt.Errorf("monitorclient: malformed notification %q: unknown kind %q", payload, fields[0])
	}

	idAndFormation := strings.SplitN(fields[3], ".", 2)
	if len(idAndFormation) != 2 {
		return Notification{}, fmt.Errorf("monitorclient: malformed notification %q: expected <node_id>.<formation>, got %q", payload, fields[3])
	}

	nodeID, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return Notification{}, fmt.Errorf("monitorclient: malformed notification %q: bad node_id: %w", payload, err)
	}

	groupID, err := strconv.ParseInt(fields[4], 10, 32)
	if err != nil {
		return Notification{}, fmt.Errorf("monitorclient: malformed notification %q: bad group_id: %w", payload, err)
	}

	port, err := strconv.ParseInt(fields[7], 10, 32)
	if err != nil {
		return Notification{}, fmt.Errorf("monitorclient: malformed notification %q: bad port: %w", payload, err)
	}

	return Notification{
		ReportedState: role.Parse(fields[1]),
		GoalState:     role.Parse(fields[2]),
		NodeID:        nodeID,
		Formation:     idAndFormation[1],
		GroupID:       int32(groupID),
		Nodename:      fields[6],
		Port:          int32(port),
	}, nil
}

// Render re-encodes n back into the wire grammar ParseNotification accepts,
// so that ParseNotification(Render(n)) reproduces n for any well-formed n.
func Render(n Notification) string {
	return fmt.Sprintf("S:%s:%s:%d.%s:%d:%d:%s:%d",
		n.ReportedState, n.GoalState, n.NodeID, n.Formation, n.GroupID, n.NodeID, n.Nodename, n.Port)
}
