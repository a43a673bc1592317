// Package state implements the persistent keeper state file. Records are
// written atomically (temp file, fsync, rename, fsync the containing
// directory) so that a crash can never leave a reader looking at a partial
// write, and are laid out as a fixed-width binary record behind a {magic,
// version} header so a version mismatch can be detected before any field is
// misinterpreted.
package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/role"
)

const (
	magic         uint32 = 0x50474146 // "PGAF"
	currentVersion uint32 = 1

	// roleFieldSize is the fixed width reserved for a NodeRole's wire
	// identifier on disk; every role name in internal/role fits comfortably.
	roleFieldSize = 32
)

// Sentinel errors.
var (
	// ErrCorrupt means the header magic didn't match, or the record was
	// truncated. The keeper refuses to start.
	ErrCorrupt = errors.New("state: corrupt state file")
	// ErrVersionUnsupported means the header version is newer than this
	// build knows how to read; downgrade is refused rather than guessed at.
	ErrVersionUnsupported = errors.New("state: unsupported state file version")
)

// KeeperState is the persistent record a keeper maintains across restarts.
type KeeperState struct {
	CurrentNodeID int64
	CurrentGroup  int32

	CurrentRole  role.NodeRole
	AssignedRole role.NodeRole

	LastMonitorContact   time.Time
	LastSecondaryContact time.Time

	XlogLocation int64

	PgControlVersion int32
	CatalogVersion   int32
	SystemIdentifier int64

	CurrentNodesVersion int32
}

type onDiskV1 struct {
	Magic   uint32
	Version uint32

	CurrentNodeID int64
	CurrentGroup  int32

	CurrentRole  [roleFieldSize]byte
	AssignedRole [roleFieldSize]byte

	LastMonitorContactUnixNano   int64
	LastSecondaryContactUnixNano int64

	XlogLocation int64

	PgControlVersion int32
	CatalogVersion   int32
	SystemIdentifier int64

	CurrentNodesVersion int32
}

func encodeRole(r role.NodeRole) ([roleFieldSize]byte, error) {
	var out [roleFieldSize]byte
	s := r.String()
	if len(s) >= roleFieldSize {
		return out, fmt.Errorf("state: role %q too long to encode", s)
	}
	copy(out[:], s)
	return out, nil
}

func decodeRole(b [roleFieldSize]byte) role.NodeRole {
	n := bytes.IndexByte(b[:], 0)
	if n < 0 {
		n = len(b)
	}
	return role.Parse(string(b[:n]))
}

func toOnDisk(st KeeperState) (onDiskV1, error) {
	cur, err := encodeRole(st.CurrentRole)
	if err != nil {
		return onDiskV1{}, err
	}
	assigned, err := encodeRole(st.AssignedRole)
	if err != nil {
		return onDiskV1{}, err
	}

	return onDiskV1{
		Magic:                        magic,
		Version:                      currentVersion,
		CurrentNodeID:                st.CurrentNodeID,
		CurrentGroup:                 st.CurrentGroup,
		CurrentRole:                  cur,
		AssignedRole:                 assigned,
		LastMonitorContactUnixNano:   st.LastMonitorContact.UnixNano(),
		LastSecondaryContactUnixNano: st.LastSecondaryContact.UnixNano(),
		XlogLocation:                 st.XlogLocation,
		PgControlVersion:             st.PgControlVersion,
		CatalogVersion:               st.CatalogVersion,
		SystemIdentifier:             st.SystemIdentifier,
		CurrentNodesVersion:          st.CurrentNodesVersion,
	}, nil
}

func fromOnDisk(d onDiskV1) KeeperState {
	return KeeperState{
		CurrentNodeID:        d.CurrentNodeID,
		CurrentGroup:         d.CurrentGroup,
		CurrentRole:          decodeRole(d.CurrentRole),
		AssignedRole:         decodeRole(d.AssignedRole),
		LastMonitorContact:   time.Unix(0, d.LastMonitorContactUnixNano).UTC(),
		LastSecondaryContact: time.Unix(0, d.LastSecondaryContactUnixNano).UTC(),
		XlogLocation:         d.XlogLocation,
		PgControlVersion:     d.PgControlVersion,
		CatalogVersion:       d.CatalogVersion,
		SystemIdentifier:     d.SystemIdentifier,
		CurrentNodesVersion:  d.CurrentNodesVersion,
	}
}

// Write atomically persists st to path: encode to a temp file, fsync it,
// rename over path, then fsync the containing directory so the rename
// itself is durable. This is the write-temp-and-rename discipline used for
// every file edit the keeper performs.
func Write(path string, st KeeperState) error {
	disk, err := toOnDisk(st)
	if err != nil {
		return ferrors.New(ferrors.KindFatal, "state.Write", err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, disk); err != nil {
		return ferrors.New(ferrors.KindFatal, "state.Write", err)
	}

	tmp := path + ".new"
	if err := ioutil.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return ferrors.New(ferrors.KindFatal, "state.Write", fmt.Errorf("write temp: %w", err))
	}

	f, err := os.OpenFile(tmp, os.O_RDWR, 0o600)
	if err != nil {
		return ferrors.New(ferrors.KindFatal, "state.Write", fmt.Errorf("reopen temp: %w", err))
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return ferrors.New(ferrors.KindFatal, "state.Write", fmt.Errorf("fsync temp: %w", syncErr))
	}
	if closeErr != nil {
		return ferrors.New(ferrors.KindFatal, "state.Write", fmt.Errorf("close temp: %w", closeErr))
	}

	if err := os.Rename(tmp, path); err != nil {
		return ferrors.New(ferrors.KindFatal, "state.Write", fmt.Errorf("rename into place: %w", err))
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return ferrors.New(ferrors.KindFatal, "state.Write", fmt.Errorf("open dir: %w", err))
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return ferrors.New(ferrors.KindFatal, "state.Write", fmt.Errorf("fsync dir: %w", err))
	}

	return nil
}

// Read loads and validates the state file at path.
func Read(path string) (KeeperState, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return KeeperState{}, ferrors.New(ferrors.KindFatal, "state.Read", err)
	}

	var disk onDiskV1
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &disk); err != nil {
		return KeeperState{}, ferrors.New(ferrors.KindStateCorrupt, "state.Read", fmt.Errorf("%w: %v", ErrCorrupt, err))
	}

	if disk.Magic != magic {
		return KeeperState{}, ferrors.New(ferrors.KindStateCorrupt, "state.Read", ErrCorrupt)
	}

	if disk.Version > currentVersion {
		return KeeperState{}, ferrors.New(ferrors.KindStateCorrupt, "state.Read", ErrVersionUnsupported)
	}

	// disk.Version < currentVersion would go through a per-version upgrade
	// path here; there is only one version so far.

	return fromOnDisk(disk), nil
}

// Init creates a brand-new state file, refusing to overwrite an existing
// one — state files are created exactly once, on first register_node.
func Init(path string, st KeeperState) error {
	if _, err := os.Stat(path); err == nil {
		return ferrors.New(ferrors.KindFatal, "state.Init", fmt.Errorf("state file %s already exists", path))
	} else if !os.IsNotExist(err) {
		return ferrors.New(ferrors.KindFatal, "state.Init", err)
	}

	return Write(path, st)
}

// Drop removes the state file, used by "drop node".
func Drop(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ferrors.New(ferrors.KindFatal, "state.Drop", err)
	}
	return nil
}
