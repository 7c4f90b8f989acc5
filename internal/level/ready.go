package level

import (
	"context"
	"fmt"
	"path/filepath"

	"bulwark/internal/meta"
)

// descriptorPath locates the promoted descriptor of one level.
func (m *Manager) descriptorPath(l Level) string {
	return filepath.Join(m.dirs.MetaDirFor(l), meta.DescriptorName(m.t.SectorID, m.t.GroupID))
}

// Ready runs the group-collective readiness check for one level. Every rank
// of the group observes the same outcome because the verdict is derived
// from symmetrically gathered bits.
func (m *Manager) Ready(ctx context.Context, l Level) (bool, error) {
	switch l {
	case L1:
		return m.readyL1(ctx)
	case L2:
		return m.readyL2(ctx)
	case L3:
		return m.readyL3(ctx)
	case L4:
		return m.readyL4(ctx)
	}
	return false, fmt.Errorf("%w: %d", ErrBadLevel, int(l))
}

// readyL1: every rank must hold its own file, byte-exact.
func (m *Manager) readyL1(ctx context.Context) (bool, error) {
	erased, err := m.gatherErased(ctx, L1, func(d *meta.Descriptor) bool {
		row := d.Rows[m.t.GroupRank]
		return !healthyFile(filepath.Join(m.dirs.CkptDirFor(L1), row.FileName), row.FileSize, row.Checksum)
	})
	if err != nil {
		return false, err
	}
	return popcount(erased) == 0, nil
}

// readyL2: rank r survives if its own file is healthy or its partner still
// holds the mirror copy at the recorded size.
func (m *Manager) readyL2(ctx context.Context) (bool, error) {
	d, err := m.store.Load(m.descriptorPath(L2))
	if err != nil {
		return false, nil
	}
	size := len(d.Rows)
	if size != m.g.Size() {
		return false, nil
	}

	me := m.t.GroupRank
	right := m.t.RightNeighbor()
	own := d.Rows[me]
	rightRow := d.Rows[right]

	// Bit layout: [0, size) own-file erasures, [size, 2*size) mirror-copy
	// erasures, indexed by the mirrored rank.
	bits := make([]bool, 2*size)
	if !healthyFile(filepath.Join(m.dirs.CkptDirFor(L2), own.FileName), own.FileSize, own.Checksum) {
		bits[me] = true
	}
	copyPath := filepath.Join(m.dirs.CkptDirFor(L2), pcofName(rightRow.FileName))
	if !healthyFile(copyPath, rightRow.FileSize, "") {
		bits[size+right] = true
	}

	bits, err = m.g.AllReduceOr(ctx, bits)
	if err != nil {
		return false, err
	}
	for r := 0; r < size; r++ {
		if bits[r] && bits[size+r] {
			return false, nil
		}
	}
	return true, nil
}

// readyL3: reconstruction tolerates one fully lost rank per group.
func (m *Manager) readyL3(ctx context.Context) (bool, error) {
	erased, err := m.gatherErased(ctx, L3, func(d *meta.Descriptor) bool {
		row := d.Rows[m.t.GroupRank]
		maxFs := d.Rows[0].MaxFileSize
		ckptOK := healthyFile(filepath.Join(m.dirs.CkptDirFor(L3), row.FileName), row.FileSize, row.Checksum)
		rsedOK := healthyFile(filepath.Join(m.dirs.CkptDirFor(L3), meta.RSedName(mustCkptID(row.FileName), m.t.AppRank)), maxFs, row.RSedChecksum)
		return !ckptOK || !rsedOK
	})
	if err != nil {
		return false, err
	}
	return popcount(erased) <= 1, nil
}

// readyL4: the flushed file must hash to the recorded checksum on every rank.
func (m *Manager) readyL4(ctx context.Context) (bool, error) {
	erased, err := m.gatherErased(ctx, L4, func(d *meta.Descriptor) bool {
		row := d.Rows[m.t.GroupRank]
		return !healthyFile(filepath.Join(m.dirs.CkptDirFor(L4), row.FileName), row.FileSize, row.Checksum)
	})
	if err != nil {
		return false, err
	}
	return popcount(erased) == 0, nil
}

// gatherErased loads the level descriptor, evaluates this rank's erasure
// predicate, and ORs the bit vector across the group. A missing descriptor
// counts as an erased rank.
func (m *Manager) gatherErased(ctx context.Context, l Level, bad func(*meta.Descriptor) bool) ([]bool, error) {
	bits := make([]bool, m.g.Size())
	d, err := m.store.Load(m.descriptorPath(l))
	switch {
	case err != nil:
		bits[m.t.GroupRank] = true
	case len(d.Rows) != m.g.Size():
		bits[m.t.GroupRank] = true
	default:
		bits[m.t.GroupRank] = bad(d)
	}
	return m.g.AllReduceOr(ctx, bits)
}

func popcount(bits []bool) int {
	n := 0
	for _, b := range bits {
		if b {
			n++
		}
	}
	return n
}

// mustCkptID parses the id out of a checkpoint file name recorded in a
// descriptor row. Rows always carry the Ckpt prefix; a row without one is a
// broken invariant.
func mustCkptID(fileName string) uint32 {
	id, ok := meta.ParseCkptID(fileName)
	if !ok {
		panic("descriptor row without Ckpt prefix: " + fileName)
	}
	return id
}
