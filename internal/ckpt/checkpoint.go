package ckpt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bulwark/internal/ftiff"
	"bulwark/internal/integrity"
	"bulwark/internal/level"
	"bulwark/internal/meta"
)

// Checkpoint persists every protected variable at the given durability
// level. The call is collective across the group; it returns only after the
// checkpoint is durable everywhere. On failure the previous durable
// checkpoint stays the recovery target and the staged leftovers are
// overwritten by the next attempt.
func (s *Session) Checkpoint(ctx context.Context, l level.Level) error {
	ckptID := s.ckptID + 1

	// The layout only grows; remember the pre-attempt length so a failed
	// attempt can roll the in-memory state back.
	blocksBefore := len(s.layout.Blocks)
	if _, err := s.layout.Update(s.vars); err != nil {
		if errors.Is(err, ftiff.ErrShrunkVariable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCheckpointFailed, err)
	}

	fileName := meta.CkptName(ckptID, s.cfg.Topo.AppRank)
	if err := s.stageAndCommit(ctx, l, ckptID, fileName); err != nil {
		s.layout.Blocks = s.layout.Blocks[:blocksBefore]
		return err
	}

	s.ckptID = ckptID
	s.active = l
	s.logger.Info("checkpoint complete", "ckpt", ckptID, "level", l.String())
	return nil
}

func (s *Session) stageAndCommit(ctx context.Context, l level.Level, ckptID uint32, fileName string) error {
	if err := os.MkdirAll(s.cfg.Dirs.TmpCkptDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointFailed, err)
	}
	stagedPath := filepath.Join(s.cfg.Dirs.TmpCkptDir, fileName)
	header, err := ftiff.Write(stagedPath, ckptID, time.Now().UnixNano(), &s.layout, s.vars)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointFailed, err)
	}

	if err := s.writeDescriptor(ctx, ckptID, fileName, header.TotalSize); err != nil {
		return err
	}
	if err := s.shipHeadInfo(ctx, fileName, header.TotalSize); err != nil {
		return err
	}
	if err := s.manager.Commit(ctx, l, ckptID, fileName); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointFailed, err)
	}
	return nil
}

// writeDescriptor gathers names, sizes, checksums, and variable tables
// across the group and has the group writer (rank 0) materialize the staged
// descriptor. Returns after the descriptor is visible to the whole group.
func (s *Session) writeDescriptor(ctx context.Context, ckptID uint32, fileName string, fileSize int64) error {
	stagedPath := filepath.Join(s.cfg.Dirs.TmpCkptDir, fileName)
	digest, err := integrity.ChecksumFile(stagedPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointFailed, err)
	}

	g := s.cfg.Group
	sizes, err := g.AllGatherInt64(ctx, fileSize)
	if err != nil {
		return err
	}
	var maxFs int64
	for _, fs := range sizes {
		maxFs = max(maxFs, fs)
	}

	names, err := g.GatherString(ctx, fileName)
	if err != nil {
		return err
	}
	digests, err := g.GatherString(ctx, digest)
	if err != nil {
		return err
	}
	varTables, err := g.GatherInt64s(ctx, s.varTable())
	if err != nil {
		return err
	}

	if g.Rank() == 0 {
		d := &meta.Descriptor{Rows: make([]meta.Row, g.Size())}
		for r := 0; r < g.Size(); r++ {
			d.Rows[r] = meta.Row{
				FileName:    names[r],
				FileSize:    sizes[r],
				MaxFileSize: maxFs,
				Checksum:    digests[r],
				Vars:        varsFromTable(varTables[r]),
			}
		}
		if err := s.store.Write(s.cfg.Dirs.TmpMetaDir, s.cfg.Topo.SectorID, s.cfg.Topo.GroupID, d); err != nil {
			return fmt.Errorf("%w: %v", ErrCheckpointFailed, err)
		}
	}

	// Descriptor visibility barrier: no rank proceeds to the durability
	// hand-off before the group writer finished.
	if _, err := g.AllGatherInt64(ctx, int64(ckptID)); err != nil {
		return err
	}
	return nil
}

// shipHeadInfo forwards this rank's metadata summary to the node head, when
// the run has one.
func (s *Session) shipHeadInfo(ctx context.Context, fileName string, fileSize int64) error {
	if s.cfg.NodeGroup == nil {
		return nil
	}
	info := meta.HeadInfo{
		Exists:   true,
		CkptFile: fileName,
		Fs:       fileSize,
	}
	for _, v := range s.vars {
		info.Vars = append(info.Vars, meta.VarMeta{ID: v.ID, Size: v.Size()})
	}
	infos, err := meta.ExchangeHeadInfo(ctx, s.cfg.NodeGroup, s.cfg.NodeHeadRank, info)
	if err != nil {
		return err
	}
	if infos != nil {
		s.logger.Debug("collected node body metadata", "bodies", len(infos))
	}
	return nil
}

// varTable flattens the variable table into (id, size) pairs for the
// fixed-element gather.
func (s *Session) varTable() []int64 {
	table := make([]int64, 0, 2*len(s.vars))
	for _, v := range s.vars {
		table = append(table, int64(v.ID), v.Size())
	}
	return table
}

func varsFromTable(table []int64) []meta.VarMeta {
	vars := make([]meta.VarMeta, 0, len(table)/2)
	for i := 0; i+1 < len(table); i += 2 {
		vars = append(vars, meta.VarMeta{ID: uint32(table[i]), Size: table[i+1]})
	}
	return vars
}
