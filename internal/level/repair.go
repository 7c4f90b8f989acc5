package level

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"bulwark/internal/comm"
	"bulwark/internal/integrity"
	"bulwark/internal/meta"
)

// Shards travel with a one-byte presence prefix so a rank can report "I no
// longer have this piece" without an ambiguous empty payload.
func sendShard(ctx context.Context, g comm.Group, to int, shard []byte) error {
	if shard == nil {
		return g.Send(ctx, to, []byte{0})
	}
	buf := make([]byte, 1+len(shard))
	buf[0] = 1
	copy(buf[1:], shard)
	return g.Send(ctx, to, buf)
}

func recvShard(ctx context.Context, g comm.Group, from int) ([]byte, error) {
	buf, err := g.Recv(ctx, from)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty shard frame from rank %d", ErrRepairFailed, from)
	}
	if buf[0] == 0 {
		return nil, nil
	}
	return buf[1:], nil
}

// Repair restores missing checkpoint files at a level so the serializer can
// read every rank's file locally. L1 and L4 have no redundancy to repair
// from; L2 pulls lost files back from partner copies, L3 reconstructs them
// through the erasure codec.
func (m *Manager) Repair(ctx context.Context, l Level) error {
	switch l {
	case L1, L4:
		return nil
	case L2:
		return m.repairL2(ctx)
	case L3:
		return m.repairL3(ctx)
	}
	return fmt.Errorf("%w: %d", ErrBadLevel, int(l))
}

// repairL2 ships each lost rank's mirror copy back from its partner.
func (m *Manager) repairL2(ctx context.Context) error {
	d, err := m.store.Load(m.descriptorPath(L2))
	if err != nil {
		return err
	}
	size := len(d.Rows)
	me := m.t.GroupRank
	own := d.Rows[me]
	ownPath := filepath.Join(m.dirs.CkptDirFor(L2), own.FileName)

	bits := make([]bool, size)
	bits[me] = !healthyFile(ownPath, own.FileSize, own.Checksum)
	bits, err = m.g.AllReduceOr(ctx, bits)
	if err != nil {
		return err
	}

	for r := 0; r < size; r++ {
		if !bits[r] {
			continue
		}
		holder := (r + size - 1) % size
		switch me {
		case holder:
			copyPath := filepath.Join(m.dirs.CkptDirFor(L2), pcofName(d.Rows[r].FileName))
			data, err := os.ReadFile(copyPath)
			if err != nil {
				return fmt.Errorf("%w: mirror copy of rank %d: %v", ErrMissingPiece, r, err)
			}
			if err := m.g.Send(ctx, r, data); err != nil {
				return err
			}
		case r:
			data, err := m.g.Recv(ctx, holder)
			if err != nil {
				return err
			}
			if err := os.WriteFile(ownPath, data, 0o644); err != nil {
				return fmt.Errorf("write repaired checkpoint: %w", err)
			}
			digest, err := integrity.ChecksumFile(ownPath)
			if err != nil {
				return err
			}
			if digest != own.Checksum {
				return fmt.Errorf("%w: repaired file hashes %s, descriptor records %s", ErrRepairFailed, digest, own.Checksum)
			}
			m.logger.Info("checkpoint repaired from partner copy", "file", own.FileName)
		}
	}
	return nil
}

// repairL3 gathers the surviving shards at the group writer, reconstructs
// the lost ones, and ships them back.
func (m *Manager) repairL3(ctx context.Context) error {
	d, err := m.store.Load(m.descriptorPath(L3))
	if err != nil {
		return err
	}
	size := len(d.Rows)
	me := m.t.GroupRank
	own := d.Rows[me]
	maxFs := d.Rows[0].MaxFileSize
	dir := m.dirs.CkptDirFor(L3)
	ownPath := filepath.Join(dir, own.FileName)
	rsedPath := filepath.Join(dir, meta.RSedName(mustCkptID(own.FileName), m.t.AppRank))

	bits := make([]bool, size)
	bits[me] = !healthyFile(ownPath, own.FileSize, own.Checksum)
	bits, err = m.g.AllReduceOr(ctx, bits)
	if err != nil {
		return err
	}
	if popcount(bits) == 0 {
		return nil
	}

	ownShard := m.paddedShard(ownPath, own.FileSize, own.Checksum, maxFs)
	ownParity := m.paddedShard(rsedPath, maxFs, own.RSedChecksum, maxFs)

	if me == 0 {
		data := make([][]byte, size)
		parity := make([][]byte, size)
		data[0], parity[0] = ownShard, ownParity
		for r := 1; r < size; r++ {
			if data[r], err = recvShard(ctx, m.g, r); err != nil {
				return err
			}
			if parity[r], err = recvShard(ctx, m.g, r); err != nil {
				return err
			}
		}
		if err := m.codec.Reconstruct(data, parity); err != nil {
			return fmt.Errorf("%w: %v", ErrRepairFailed, err)
		}
		for r := 1; r < size; r++ {
			if bits[r] {
				if err := m.g.Send(ctx, r, data[r]); err != nil {
					return err
				}
			}
		}
		if bits[0] {
			return m.writeReconstructed(ownPath, data[0], own)
		}
		return nil
	}

	if err := sendShard(ctx, m.g, 0, ownShard); err != nil {
		return err
	}
	if err := sendShard(ctx, m.g, 0, ownParity); err != nil {
		return err
	}
	if bits[me] {
		restored, err := m.g.Recv(ctx, 0)
		if err != nil {
			return err
		}
		return m.writeReconstructed(ownPath, restored, own)
	}
	return nil
}

// paddedShard reads a file into a maxFs-sized shard, or reports it missing
// with a nil shard when absent or unhealthy.
func (m *Manager) paddedShard(path string, wantSize int64, wantDigest string, maxFs int64) []byte {
	if !healthyFile(path, wantSize, wantDigest) {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	shard := make([]byte, maxFs)
	copy(shard, data)
	return shard
}

// writeReconstructed trims the padded shard back to the recorded file size
// and verifies the descriptor checksum before declaring the repair done.
func (m *Manager) writeReconstructed(path string, shard []byte, row meta.Row) error {
	if int64(len(shard)) < row.FileSize {
		return fmt.Errorf("%w: reconstructed shard too small", ErrRepairFailed)
	}
	if err := os.WriteFile(path, shard[:row.FileSize], 0o644); err != nil {
		return fmt.Errorf("write reconstructed checkpoint: %w", err)
	}
	digest, err := integrity.ChecksumFile(path)
	if err != nil {
		return err
	}
	if digest != row.Checksum {
		return fmt.Errorf("%w: reconstructed file hashes %s, descriptor records %s", ErrRepairFailed, digest, row.Checksum)
	}
	m.logger.Info("checkpoint reconstructed from erasure files", "file", row.FileName)
	return nil
}
