package pgctl

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
)

// ControlData is the subset of pg_controldata's output the keeper persists
// and compares against the monitor's record of this node.
type ControlData struct {
	PgControlVersion int32
	CatalogVersion   int32
	SystemIdentifier int64
}

// ReadControlData shells out to pg_controldata against c.PGData, the way
// the teacher's LogPgControldata runs pg_controldata with PGDATA set in the
// command environment, and parses the three fields the keeper's state
// tracks. pg_controldata refuses to run against a data directory with
// Postgres stopped in an inconsistent (e.g. mid-recovery) state, in which
// case this returns a KindPgCtl error and the caller keeps last-known values.
func (c *Controller) ReadControlData(ctx context.Context) (ControlData, error) {
	cmd := exec.CommandContext(ctx, "pg_controldata")
	cmd.Env = append(os.Environ(), "PGDATA="+c.PGData)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ControlData{}, ferrors.New(ferrors.KindPgCtl, "pgctl.ReadControlData", err)
	}

	var cd ControlData
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		label, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		label = strings.TrimSpace(label)
		value = strings.TrimSpace(value)

		switch label {
		case "pg_control version number":
			if n, err := strconv.ParseInt(value, 10, 32); err == nil {
				cd.PgControlVersion = int32(n)
			}
		case "Catalog version number":
			if n, err := strconv.ParseInt(value, 10, 32); err == nil {
				cd.CatalogVersion = int32(n)
			}
		case "Database system identifier":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cd.SystemIdentifier = n
			}
		}
	}

	return cd, nil
}
