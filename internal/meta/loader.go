package meta

import (
	"log/slog"
	"path/filepath"

	"bulwark/internal/logging"
	"bulwark/internal/topo"
)

// NumLevels counts the metadata scan levels: 0 is the staging (temporary)
// directory, 1..4 are the durability levels.
const NumLevels = 5

// LevelMeta is one rank's recovered metadata for one level.
type LevelMeta struct {
	Exists          bool
	CkptID          uint32
	FileName        string
	FileSize        int64
	PartnerFileSize int64
	MaxFileSize     int64
	Checksum        string
	RSedChecksum    string
	Vars            []VarMeta
}

// Table is the in-memory result of a full metadata scan. Slots are indexed
// [level][slot]: body ranks populate slot 0 with their own row; head ranks
// populate slots 1..nodeSize-1 with their node's body ranks. CkptID is the
// maximum checkpoint id seen across all parsed file names.
type Table struct {
	Slots  [NumLevels][]LevelMeta
	CkptID uint32
}

// Dirs locates the descriptor directories per level.
type Dirs struct {
	// TmpMetaDir holds descriptors for checkpoints still in staging.
	TmpMetaDir string
	// LevelMetaDir holds the promoted descriptor directory per durability
	// level, index 0 for L1 through index 3 for L4.
	LevelMetaDir [4]string
}

// MetaDirFor maps a scan level to its directory.
func (d Dirs) MetaDirFor(level int) string {
	if level == 0 {
		return d.TmpMetaDir
	}
	return d.LevelMetaDir[level-1]
}

// rowSpec names one descriptor row to pull: which slot of the table it
// fills, which group's descriptor file holds it, and which section.
type rowSpec struct {
	slot    int
	group   int
	section int
}

// rowStrategy decides which rows a rank reads. Selected once at
// construction; no head/body branching in the scan loop.
type rowStrategy interface {
	rows() []rowSpec
	slotCount() int
}

// bodyStrategy reads the rank's own row from its own group's descriptor.
type bodyStrategy struct {
	t topo.Topology
}

func (s bodyStrategy) rows() []rowSpec {
	return []rowSpec{{slot: 0, group: s.t.GroupID, section: s.t.GroupRank}}
}

func (s bodyStrategy) slotCount() int { return 1 }

// headStrategy reads one row per body rank of the head's node; body rank j
// lives in group j of the head's sector.
type headStrategy struct {
	t topo.Topology
}

func (s headStrategy) rows() []rowSpec {
	specs := make([]rowSpec, 0, s.t.NodeSize-1)
	for j := 1; j < s.t.NodeSize; j++ {
		specs = append(specs, rowSpec{slot: j, group: j, section: s.t.GroupRank})
	}
	return specs
}

func (s headStrategy) slotCount() int { return s.t.NodeSize }

// Loader scans the descriptor directories of every level and fills a Table.
type Loader struct {
	store    *Store
	dirs     Dirs
	t        topo.Topology
	strategy rowStrategy
	logger   *slog.Logger
}

// NewLoader builds a loader for one rank. The head/body role is fixed here.
func NewLoader(store *Store, dirs Dirs, t topo.Topology, logger *slog.Logger) *Loader {
	logger = logging.Default(logger)
	var strategy rowStrategy
	if t.Head {
		strategy = headStrategy{t: t}
	} else {
		strategy = bodyStrategy{t: t}
	}
	return &Loader{
		store:    store,
		dirs:     dirs,
		t:        t,
		strategy: strategy,
		logger:   logger.With("component", "meta-loader"),
	}
}

// LoadAll scans levels 0..4. A missing or unreadable descriptor marks the
// level absent for the affected slot; whether that is fatal depends on which
// level recovery ends up choosing, so no error surfaces here.
func (ld *Loader) LoadAll() *Table {
	table := &Table{}
	for level := 0; level < NumLevels; level++ {
		table.Slots[level] = make([]LevelMeta, ld.strategy.slotCount())
		dir := ld.dirs.MetaDirFor(level)
		for _, spec := range ld.strategy.rows() {
			path := filepath.Join(dir, DescriptorName(ld.t.SectorID, spec.group))
			d, err := ld.store.Load(path)
			if err != nil {
				ld.logger.Debug("descriptor absent", "level", level, "path", path, "error", err)
				continue
			}
			if spec.section >= len(d.Rows) {
				ld.logger.Warn("descriptor too short", "level", level, "path", path, "section", spec.section)
				continue
			}

			row := d.Rows[spec.section]
			partner := d.Rows[(spec.section+len(d.Rows)-1)%len(d.Rows)]
			lm := LevelMeta{
				Exists:          true,
				FileName:        row.FileName,
				FileSize:        row.FileSize,
				PartnerFileSize: partner.FileSize,
				MaxFileSize:     d.Rows[0].MaxFileSize,
				Checksum:        row.Checksum,
				RSedChecksum:    row.RSedChecksum,
				Vars:            row.Vars,
			}
			if id, ok := ParseCkptID(row.FileName); ok {
				lm.CkptID = id
				table.CkptID = max(table.CkptID, id)
			}
			table.Slots[level][spec.slot] = lm
		}
	}
	return table
}
