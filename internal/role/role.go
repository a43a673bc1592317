// Package role defines NodeRole, a wire-stable tagged enum. It has no
// dependents inside this module besides the low-level assumption that every
// package touching a node's role imports this one, the way the teacher
// centralizes JobState / ChangeType in
// internal/praefect/datastore/datastore.go for the same "one
// stringly-typed enum, everyone agrees on the spelling" reason.
package role

import "fmt"

// NodeRole is one of the states a data node can occupy.
type NodeRole string

// The full set of legal roles. Values are the lowercase wire identifiers;
// do not rename these once released — both the notification grammar and the
// on-disk state file format depend on the literal spelling.
const (
	NoState          NodeRole = "no_state"
	Init             NodeRole = "init"
	Single           NodeRole = "single"
	WaitPrimary      NodeRole = "wait_primary"
	Primary          NodeRole = "primary"
	WaitStandby      NodeRole = "wait_standby"
	CatchingUp       NodeRole = "catchingup"
	Secondary        NodeRole = "secondary"
	PreparePromotion NodeRole = "prepare_promotion"
	StopReplication  NodeRole = "stop_replication"
	Demoted          NodeRole = "demoted"
	DemoteTimeout    NodeRole = "demote_timeout"
	Draining         NodeRole = "draining"
	ReportLSN        NodeRole = "report_lsn"
	Maintenance      NodeRole = "maintenance"
	JoinPrimary      NodeRole = "join_primary"
	ApplySettings    NodeRole = "apply_settings"
	FastForward      NodeRole = "fast_forward"
	Dropped          NodeRole = "dropped"

	// Unknown is never sent on the wire; it is what the notification parser
	// and node_active reply handler yield when they see a role spelling they
	// do not recognize.
	Unknown NodeRole = "unknown"
)

// valid is the complete legal set, excluding Unknown which is a parse
// result, never a real node state.
var valid = map[NodeRole]bool{
	NoState: true, Init: true, Single: true, WaitPrimary: true, Primary: true,
	WaitStandby: true, CatchingUp: true, Secondary: true, PreparePromotion: true,
	StopReplication: true, Demoted: true, DemoteTimeout: true, Draining: true,
	ReportLSN: true, Maintenance: true, JoinPrimary: true, ApplySettings: true,
	FastForward: true, Dropped: true,
}

// IsValid reports whether r is one of the roles a node can legally occupy.
func (r NodeRole) IsValid() bool {
	return valid[r]
}

// Parse converts a wire identifier into a NodeRole, yielding Unknown for
// anything not in the legal set instead of an error — callers that must
// reject unknown roles check r == Unknown themselves and treat it as a
// transient, retry-next-tick condition rather than a hard failure.
func Parse(s string) NodeRole {
	r := NodeRole(s)
	if valid[r] {
		return r
	}
	return Unknown
}

func (r NodeRole) String() string {
	return string(r)
}

// MarshalText implements encoding.TextMarshaler.
func (r NodeRole) MarshalText() ([]byte, error) {
	return []byte(r), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unlike Parse, it
// rejects unknown roles outright. internal/state does not use it: the state
// file decoder uses Parse, so an unrecognized role on disk reads as Unknown.
func (r *NodeRole) UnmarshalText(text []byte) error {
	parsed := NodeRole(text)
	if !valid[parsed] {
		return fmt.Errorf("role: unrecognized role %q", text)
	}
	*r = parsed
	return nil
}
