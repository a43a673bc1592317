package pgctl

import (
	"fmt"
	"os"
	"strings"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
)

// hbaComment is appended to every rule this controller writes, so a human
// reading pg_hba.conf can tell which lines are ours.
const hbaComment = " # Auto-generated by pg_auto_failover"

// HBARule is one line to ensure exists in pg_hba.conf.
type HBARule struct {
	SSL          bool
	DatabaseType string // "replication" or a database name
	Username     string
	CIDROrHost   string
	AuthMethod   string
}

// Line renders r the way pg_hba.conf expects: "host[ssl] database user
// address method", suffixed with hbaComment.
func (r HBARule) Line() string {
	kind := "host"
	if r.SSL {
		kind = "hostssl"
	}
	return fmt.Sprintf("%s %s %s %s %s%s",
		kind, r.DatabaseType, r.Username, r.CIDROrHost, r.AuthMethod, hbaComment)
}

// EnsureHBARule appends rule to hbaPath unless an identical line is already
// present, so applying it twice is a byte-for-byte no-op on the second
// call. Detection is a line-exact match rather than a substring search,
// since pg_hba.conf is line-oriented and a partial match (e.g. a narrower
// CIDR already on file) must not be mistaken for the exact rule we want.
func EnsureHBARule(hbaPath string, rule HBARule) error {
	line := rule.Line()

	existing, err := os.ReadFile(hbaPath)
	if err != nil && !os.IsNotExist(err) {
		return ferrors.New(ferrors.KindConfig, "pgctl.EnsureHBARule", err)
	}

	if hasLine(string(existing), line) {
		return nil
	}

	f, err := os.OpenFile(hbaPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return ferrors.New(ferrors.KindConfig, "pgctl.EnsureHBARule", err)
	}
	defer f.Close()

	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}

	if _, err := f.WriteString(prefix + line + "\n"); err != nil {
		return ferrors.New(ferrors.KindConfig, "pgctl.EnsureHBARule", err)
	}
	return nil
}

func hasLine(content, line string) bool {
	for _, l := range strings.Split(content, "\n") {
		if l == line {
			return true
		}
	}
	return false
}
