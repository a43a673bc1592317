// Package monitorclient implements the node-active wire contract between
// keeper and monitor. It is grounded on
// internal/praefect/nodes/sql_elector.go's database/sql + github.com/lib/pq
// usage — the teacher's SQL election logic lives on the *monitor* side of
// an analogous split and is out of scope here, since the monitor's own SQL
// logic runs on a separate Postgres-hosted component this module does not
// own; what we keep is its style of issuing parameterized queries against
// named SQL functions.
package monitorclient

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/role"
)

// NodeAddress identifies a node by where it listens, returned by
// get_primary and get_other_nodes.
type NodeAddress struct {
	NodeID   int64
	Nodename string
	Host     string
	Port     int32
}

// RegisterResult is what register_node returns.
type RegisterResult struct {
	NodeID       int64
	GroupID      int32
	AssignedRole role.NodeRole
}

// NodeActiveRequest is what the keeper reports every tick.
type NodeActiveRequest struct {
	Formation     string
	Nodename      string
	Port          int32
	NodeID        int64
	GroupID       int32
	CurrentRole   role.NodeRole
	PgIsRunning   bool
	CurrentLSN    int64
	PgSyncState   string
}

// NodeActiveResult is the monitor's reply to node_active.
type NodeActiveResult struct {
	NodeID             int64
	GroupID            int32
	AssignedRole       role.NodeRole
	CandidatePriority  *int32
	ReplicationQuorum  *bool
	NodesVersion       int32
}

// Client is a connection to the monitor. It issues one SQL round trip per
// RPC and never retries internally — retry on transport failure is a
// keeper-loop concern: one node_active attempt per tick, not this client's.
type Client struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// Dial opens a connection to the monitor at connInfo (a libpq connection
// string or URI, as passed to "--monitor"). The connection is lazy; Dial
// only validates the DSN, matching database/sql.Open's own contract.
func Dial(connInfo string, log logrus.FieldLogger) (*Client, error) {
	db, err := sql.Open("postgres", connInfo)
	if err != nil {
		return nil, ferrors.New(ferrors.KindConfig, "monitorclient.Dial", err)
	}
	return &Client{db: db, log: log}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies the monitor is reachable. No pg_autoctl subcommand calls it.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return ferrors.New(ferrors.KindTransient, "monitorclient.Ping", err)
	}
	return nil
}

// RegisterNode calls pgautofailover.register_node, the one-time call that
// assigns this node its node_id.
func (c *Client) RegisterNode(
	ctx context.Context,
	formation string,
	groupID int32,
	nodename, host string,
	port int32,
	systemIdentifier int64,
	wantedInitialState role.NodeRole,
) (RegisterResult, error) {
	const q = `SELECT node_id, group_id, assigned_role
		FROM pgautofailover.register_node($1, $2, $3, $4, $5, $6, $7)`

	var res RegisterResult
	var assignedRole string

	err := c.db.QueryRowContext(ctx, q,
		formation, groupID, nodename, host, port, systemIdentifier, wantedInitialState.String(),
	).Scan(&res.NodeID, &res.GroupID, &assignedRole)
	if err != nil {
		return RegisterResult{}, ferrors.New(ferrors.KindTransient, "monitorclient.RegisterNode", err)
	}

	res.AssignedRole = role.Parse(assignedRole)
	return res, nil
}

// NodeActive calls pgautofailover.node_active, the periodic report/assign
// RPC the keeper loop issues every tick. Transport failure is returned
// as-is (wrapped Transient) so the caller can keep its current role
// unchanged rather than guess at a transition.
func (c *Client) NodeActive(ctx context.Context, req NodeActiveRequest) (NodeActiveResult, error) {
	const q = `SELECT node_id, group_id, assigned_role, candidate_priority, replication_quorum, nodes_version
		FROM pgautofailover.node_active($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var res NodeActiveResult
	var assignedRole string

	err := c.db.QueryRowContext(ctx, q,
		req.Formation, req.Nodename, req.Port, req.NodeID, req.GroupID,
		req.CurrentRole.String(), req.PgIsRunning, req.CurrentLSN, req.PgSyncState,
	).Scan(
		&res.NodeID, &res.GroupID, &assignedRole,
		&res.CandidatePriority, &res.ReplicationQuorum, &res.NodesVersion,
	)
	if err != nil {
		return NodeActiveResult{}, ferrors.New(ferrors.KindTransient, "monitorclient.NodeActive", err)
	}

	res.AssignedRole = role.Parse(assignedRole)
	return res, nil
}

// GetPrimary calls pgautofailover.get_primary.
func (c *Client) GetPrimary(ctx context.Context, formation string, groupID int32) (NodeAddress, error) {
	const q = `SELECT node_id, node_name, node_host, node_port
		FROM pgautofailover.get_primary($1, $2)`

	var addr NodeAddress
	err := c.db.QueryRowContext(ctx, q, formation, groupID).Scan(
		&addr.NodeID, &addr.Nodename, &addr.Host, &addr.Port,
	)
	if err != nil {
		return NodeAddress{}, ferrors.New(ferrors.KindTransient, "monitorclient.GetPrimary", err)
	}
	return addr, nil
}

// GetOtherNodes calls pgautofailover.get_other_nodes.
func (c *Client) GetOtherNodes(ctx context.Context, nodeID int64) ([]NodeAddress, error) {
	const q = `SELECT node_id, node_name, node_host, node_port
		FROM pgautofailover.get_other_nodes($1)`

	rows, err := c.db.QueryContext(ctx, q, nodeID)
	if err != nil {
		return nil, ferrors.New(ferrors.KindTransient, "monitorclient.GetOtherNodes", err)
	}
	defer rows.Close()

	var out []NodeAddress
	for rows.Next() {
		var addr NodeAddress
		if err := rows.Scan(&addr.NodeID, &addr.Nodename, &addr.Host, &addr.Port); err != nil {
			return nil, ferrors.New(ferrors.KindTransient, "monitorclient.GetOtherNodes", err)
		}
		out = append(out, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.New(ferrors.KindTransient, "monitorclient.GetOtherNodes", err)
	}

	return out, nil
}

// StartMaintenance calls pgautofailover.start_maintenance.
func (c *Client) StartMaintenance(ctx context.Context, nodeID int64) error {
	return c.exec(ctx, "monitorclient.StartMaintenance",
		`SELECT pgautofailover.start_maintenance($1)`, nodeID)
}

// StopMaintenance calls pgautofailover.stop_maintenance.
func (c *Client) StopMaintenance(ctx context.Context, nodeID int64) error {
	return c.exec(ctx, "monitorclient.StopMaintenance",
		`SELECT pgautofailover.stop_maintenance($1)`, nodeID)
}

// RemoveNode calls pgautofailover.remove_node.
func (c *Client) RemoveNode(ctx context.Context, nodeID int64) error {
	return c.exec(ctx, "monitorclient.RemoveNode",
		`SELECT pgautofailover.remove_node($1)`, nodeID)
}

func (c *Client) exec(ctx context.Context, op, q string, args ...interface{}) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := c.db.ExecContext(queryCtx, q, args...); err != nil {
		return ferrors.New(ferrors.KindTransient, op, err)
	}
	return nil
}
