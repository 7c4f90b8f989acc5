package level

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bulwark/internal/integrity"
	"bulwark/internal/meta"
)

// pcofName derives the partner-copy file name from the mirrored rank's
// checkpoint file name.
func pcofName(ckptFileName string) string {
	return strings.Replace(ckptFileName, "-Rank", "-Pcof", 1)
}

// Commit runs a level's post-checkpoint hand-off for a staged checkpoint
// and promotes it into the level's storage directories. On any failure the
// staged files are left behind for the next attempt to overwrite and the
// previous durable checkpoint is untouched.
func (m *Manager) Commit(ctx context.Context, l Level, ckptID uint32, fileName string) error {
	if l < L1 || l > L4 {
		return fmt.Errorf("%w: %d", ErrBadLevel, int(l))
	}
	staged := filepath.Join(m.dirs.TmpCkptDir, fileName)
	if !fileExists(staged) {
		return fmt.Errorf("%w: %s", ErrNotStaged, staged)
	}

	companions, err := m.postProcess(ctx, l, ckptID, fileName)
	if err != nil {
		return err
	}

	ckptDir := m.dirs.CkptDirFor(l)
	if err := os.MkdirAll(ckptDir, 0o755); err != nil {
		return fmt.Errorf("create level dir: %w", err)
	}
	for _, name := range append([]string{fileName}, companions...) {
		if err := moveFile(filepath.Join(m.dirs.TmpCkptDir, name), filepath.Join(ckptDir, name)); err != nil {
			return err
		}
	}

	// The descriptor is promoted by the group writer once every rank has
	// its files in place.
	if _, err := m.g.AllGatherInt64(ctx, int64(ckptID)); err != nil {
		return err
	}
	if m.g.Rank() == 0 {
		descName := meta.DescriptorName(m.t.SectorID, m.t.GroupID)
		if err := os.MkdirAll(m.dirs.MetaDirFor(l), 0o755); err != nil {
			return fmt.Errorf("create level meta dir: %w", err)
		}
		if err := moveFile(filepath.Join(m.dirs.TmpMetaDir, descName), filepath.Join(m.dirs.MetaDirFor(l), descName)); err != nil {
			return err
		}
	}
	if _, err := m.g.AllGatherInt64(ctx, int64(ckptID)); err != nil {
		return err
	}

	m.retire(l, ckptID)
	m.logger.Info("checkpoint durable", "level", l.String(), "ckpt", ckptID)
	return nil
}

// postProcess runs the level-specific replication or encoding step and
// returns the staged companion files to promote alongside the checkpoint.
func (m *Manager) postProcess(ctx context.Context, l Level, ckptID uint32, fileName string) ([]string, error) {
	switch l {
	case L1, L4:
		return nil, nil
	case L2:
		return m.mirrorToPartner(ctx, fileName)
	case L3:
		return m.encodeGroup(ctx, ckptID, fileName)
	}
	return nil, fmt.Errorf("%w: %d", ErrBadLevel, int(l))
}

// mirrorToPartner ships the staged checkpoint to the partner rank (the left
// group neighbor) and stores the copy arriving from the right neighbor.
func (m *Manager) mirrorToPartner(ctx context.Context, fileName string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(m.dirs.TmpCkptDir, fileName))
	if err != nil {
		return nil, fmt.Errorf("read staged checkpoint: %w", err)
	}

	names, err := m.g.AllGatherString(ctx, fileName)
	if err != nil {
		return nil, err
	}
	if err := m.g.Send(ctx, m.t.Partner(), data); err != nil {
		return nil, err
	}
	right := m.t.RightNeighbor()
	copyBytes, err := m.g.Recv(ctx, right)
	if err != nil {
		return nil, err
	}

	copyName := pcofName(names[right])
	if err := os.WriteFile(filepath.Join(m.dirs.TmpCkptDir, copyName), copyBytes, 0o644); err != nil {
		return nil, fmt.Errorf("write partner copy: %w", err)
	}
	return []string{copyName}, nil
}

// encodeGroup pads every rank's checkpoint to the group maximum, encodes
// the group through the erasure codec at the group writer, distributes one
// parity file per rank, and patches the resulting checksums into the staged
// descriptor.
func (m *Manager) encodeGroup(ctx context.Context, ckptID uint32, fileName string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(m.dirs.TmpCkptDir, fileName))
	if err != nil {
		return nil, fmt.Errorf("read staged checkpoint: %w", err)
	}

	sizes, err := m.g.AllGatherInt64(ctx, int64(len(data)))
	if err != nil {
		return nil, err
	}
	var maxFs int64
	for _, fs := range sizes {
		maxFs = max(maxFs, fs)
	}
	padded := make([]byte, maxFs)
	copy(padded, data)

	var parityShard []byte
	if m.g.Rank() == 0 {
		shards := make([][]byte, m.g.Size())
		shards[0] = padded
		for r := 1; r < m.g.Size(); r++ {
			if shards[r], err = m.g.Recv(ctx, r); err != nil {
				return nil, err
			}
		}
		parity, err := m.codec.Encode(shards)
		if err != nil {
			return nil, fmt.Errorf("erasure encode: %w", err)
		}
		for r := 1; r < m.g.Size(); r++ {
			if err := m.g.Send(ctx, r, parity[r]); err != nil {
				return nil, err
			}
		}
		parityShard = parity[0]
	} else {
		if err := m.g.Send(ctx, 0, padded); err != nil {
			return nil, err
		}
		if parityShard, err = m.g.Recv(ctx, 0); err != nil {
			return nil, err
		}
	}

	rsedName := meta.RSedName(ckptID, m.t.AppRank)
	rsedPath := filepath.Join(m.dirs.TmpCkptDir, rsedName)
	if err := os.WriteFile(rsedPath, parityShard, 0o644); err != nil {
		return nil, fmt.Errorf("write erasure file: %w", err)
	}

	digest, err := integrity.ChecksumFile(rsedPath)
	if err != nil {
		return nil, err
	}
	digests, err := m.g.AllGatherString(ctx, digest)
	if err != nil {
		return nil, err
	}
	if m.g.Rank() == 0 {
		descPath := filepath.Join(m.dirs.TmpMetaDir, meta.DescriptorName(m.t.SectorID, m.t.GroupID))
		if err := m.store.PatchRSedChecksums(descPath, digests); err != nil {
			return nil, err
		}
	}
	return []string{rsedName}, nil
}

// retire deletes older checkpoints at a level once the new one is durable.
func (m *Manager) retire(l Level, ckptID uint32) {
	dir := m.dirs.CkptDirFor(l)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := meta.ParseCkptID(entry.Name())
		if !ok || id >= ckptID {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			m.logger.Warn("retiring old checkpoint failed", "file", entry.Name(), "error", err)
			continue
		}
		m.logger.Debug("retired old checkpoint", "level", l.String(), "file", entry.Name())
	}
}

// moveFile renames src onto dst, copying across filesystems when rename is
// not possible (the parallel-filesystem directory usually lives elsewhere).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("move %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("move %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	return os.Remove(src)
}
