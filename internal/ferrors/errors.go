// Package ferrors defines the typed error kinds the keeper surfaces to its
// caller. Every kind maps to exactly one pg_autoctl exit code; callers
// should use errors.Is / errors.As against the sentinels below rather than
// matching on error strings.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a keeper-level failure.
type Kind int

const (
	// KindTransient is a monitor RPC failure (network blip, monitor
	// restarting) or an assigned role the keeper does not recognize.
	// The keeper loop continues on the next tick without changing current_role.
	KindTransient Kind = iota
	// KindConfig means operator action is required; the keeper logs FATAL and exits.
	KindConfig
	// KindStateCorrupt means the on-disk keeper state failed to parse; the keeper refuses to start.
	KindStateCorrupt
	// KindProtocol means the monitor returned something the keeper does not understand
	// (unknown role, incompatible version).
	KindProtocol
	// KindFatal means continuing risks data loss; the supervisor decides whether to restart.
	KindFatal
	// KindPgCtl means a pg_ctl/pg_rewind/pg_basebackup invocation (or a
	// preflight check gating one) failed.
	KindPgCtl
	// KindPgSQL means a SQL query against the local Postgres instance failed.
	KindPgSQL
)

// ExitCode returns the process exit code pg_autoctl assigns to this kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindTransient:
		return 16
	case KindConfig:
		return 12
	case KindStateCorrupt:
		return 13
	case KindProtocol:
		return 16
	case KindFatal:
		return 17
	case KindPgCtl:
		return 14
	case KindPgSQL:
		return 15
	default:
		return 17
	}
}

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfig:
		return "config"
	case KindStateCorrupt:
		return "state_corrupt"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	case KindPgCtl:
		return "pgctl"
	case KindPgSQL:
		return "pgsql"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error that wraps an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, ferrors.Transient) works without constructing a *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a kind-tagged error for op, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels usable with errors.Is for a bare kind check, e.g.
// errors.Is(err, ferrors.Transient).
var (
	Transient    = &Error{Kind: KindTransient}
	Config       = &Error{Kind: KindConfig}
	StateCorrupt = &Error{Kind: KindStateCorrupt}
	Protocol     = &Error{Kind: KindProtocol}
	Fatal        = &Error{Kind: KindFatal}
	PgCtl        = &Error{Kind: KindPgCtl}
	PgSQL        = &Error{Kind: KindPgSQL}
)

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error. The second return is false for errors not produced by this package.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
