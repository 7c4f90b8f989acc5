// Package level implements the durability levels of the checkpoint store:
// local-only (L1), partner mirror (L2), Reed–Solomon erasure (L3), and
// parallel-filesystem flush (L4). It drives the post-checkpoint hand-off
// that makes a staged checkpoint durable, answers group-collective
// recovery-readiness questions, and repairs missing files at L2/L3.
package level

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"bulwark/internal/comm"
	"bulwark/internal/integrity"
	"bulwark/internal/logging"
	"bulwark/internal/meta"
	"bulwark/internal/rscodec"
	"bulwark/internal/topo"
)

// Level selects a durability strategy.
type Level int

const (
	L1 Level = iota + 1 // local storage only
	L2                  // L1 plus a copy on the partner rank
	L3                  // L1 plus Reed-Solomon erasure files
	L4                  // flushed to the parallel filesystem
)

// NumLevels is the count of durability levels.
const NumLevels = 4

func (l Level) String() string {
	switch l {
	case L1:
		return "L1-local"
	case L2:
		return "L2-partner"
	case L3:
		return "L3-reed-solomon"
	case L4:
		return "L4-pfs"
	default:
		return fmt.Sprintf("L%d-unknown", int(l))
	}
}

// State is a checkpoint's position in the durability lifecycle at one level.
type State int

const (
	// Absent: no trace of the checkpoint at this level.
	Absent State = iota
	// Staged: file and descriptor exist under the staging directories.
	Staged
	// Durable: the level's post-processing finished and the files were
	// promoted to the level's storage directories.
	Durable
	// Active: the most recent Durable checkpoint, the recovery target.
	Active
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Staged:
		return "staged"
	case Durable:
		return "durable"
	case Active:
		return "active"
	default:
		return "invalid"
	}
}

var (
	ErrBadLevel      = errors.New("no such durability level")
	ErrNotStaged     = errors.New("checkpoint is not staged")
	ErrRepairFailed  = errors.New("level repair failed")
	ErrMissingPiece  = errors.New("required file missing")
	ErrConfigMissing = errors.New("manager configuration incomplete")
)

// Dirs names every directory the durability layer touches. All are opaque
// POSIX paths created on demand.
type Dirs struct {
	// TmpCkptDir stages checkpoint files until post-processing succeeds.
	TmpCkptDir string
	// TmpMetaDir stages the group descriptor alongside.
	TmpMetaDir string
	// CkptDir holds the promoted checkpoint files per level (index 0 = L1).
	CkptDir [NumLevels]string
	// MetaDir holds the promoted descriptors per level (index 0 = L1).
	MetaDir [NumLevels]string
}

// CkptDirFor maps a level to its checkpoint directory.
func (d Dirs) CkptDirFor(l Level) string { return d.CkptDir[l-1] }

// MetaDirFor maps a level to its descriptor directory.
func (d Dirs) MetaDirFor(l Level) string { return d.MetaDir[l-1] }

// MetaDirs adapts the layout for the metadata loader's level scan.
func (d Dirs) MetaDirs() meta.Dirs {
	return meta.Dirs{TmpMetaDir: d.TmpMetaDir, LevelMetaDir: d.MetaDir}
}

// Config wires a Manager.
type Config struct {
	Dirs  Dirs
	Topo  topo.Topology
	Group comm.Group
	Store *meta.Store
	// Codec encodes and reconstructs L3 erasure files. Defaults to the
	// Reed-Solomon codec.
	Codec rscodec.Codec
	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Manager runs the durability hand-off and readiness checks for one rank.
type Manager struct {
	dirs   Dirs
	t      topo.Topology
	g      comm.Group
	store  *meta.Store
	codec  rscodec.Codec
	logger *slog.Logger
}

// NewManager validates the wiring and builds a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Group == nil || cfg.Store == nil {
		return nil, ErrConfigMissing
	}
	if cfg.Codec == nil {
		cfg.Codec = rscodec.NewReedSolomon()
	}
	logger := logging.Default(cfg.Logger)
	return &Manager{
		dirs:   cfg.Dirs,
		t:      cfg.Topo,
		g:      cfg.Group,
		store:  cfg.Store,
		codec:  cfg.Codec,
		logger: logger.With("component", "level-manager", "group", cfg.Topo.GroupID, "rank", cfg.Topo.GroupRank),
	}, nil
}

// State reports where a checkpoint file stands at one level. Active is the
// caller's judgment (latest durable id), not decided here.
func (m *Manager) State(l Level, fileName string) State {
	if fileExists(filepath.Join(m.dirs.CkptDirFor(l), fileName)) &&
		fileExists(filepath.Join(m.dirs.MetaDirFor(l), meta.DescriptorName(m.t.SectorID, m.t.GroupID))) {
		return Durable
	}
	if fileExists(filepath.Join(m.dirs.TmpCkptDir, fileName)) &&
		fileExists(filepath.Join(m.dirs.TmpMetaDir, meta.DescriptorName(m.t.SectorID, m.t.GroupID))) {
		return Staged
	}
	return Absent
}

// healthyFile reports whether path exists with the expected size and, when
// wantDigest is non-empty, the expected MD5.
func healthyFile(path string, wantSize int64, wantDigest string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() != wantSize {
		return false
	}
	if wantDigest == "" {
		return true
	}
	digest, err := integrity.ChecksumFile(path)
	if err != nil {
		return false
	}
	return digest == wantDigest
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
