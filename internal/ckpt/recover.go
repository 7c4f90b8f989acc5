package ckpt

import (
	"context"
	"fmt"
	"path/filepath"

	"bulwark/internal/ftiff"
	"bulwark/internal/level"
	"bulwark/internal/meta"
)

// Recover restores every protected variable from the best surviving
// checkpoint. Levels are consulted from most to least durable; the first
// one whose group-collective readiness check passes is repaired if needed
// and read back. A level that turns out corrupt mid-restore is abandoned by
// the whole group and the next one is tried.
func (s *Session) Recover(ctx context.Context) error {
	return s.recover(ctx, func(f *ftiff.File) error {
		return s.restoreVars(f, s.vars)
	})
}

// RecoverVar restores a single variable. The full block list is still
// loaded: chunks of one variable may be scattered across every delta block.
func (s *Session) RecoverVar(ctx context.Context, id uint32) error {
	v, err := s.variable(id)
	if err != nil {
		return err
	}
	return s.recover(ctx, func(f *ftiff.File) error {
		return s.restoreVars(f, []ftiff.Variable{v})
	})
}

func (s *Session) recover(ctx context.Context, restore func(*ftiff.File) error) error {
	loader := meta.NewLoader(s.store, s.cfg.Dirs.MetaDirs(), s.cfg.Topo, s.cfg.Logger)
	table := loader.LoadAll()

	anyMeta := false
	for l := level.L4; l >= level.L1; l-- {
		lm := table.Slots[int(l)][0]
		anyMeta = anyMeta || lm.Exists

		ready, err := s.manager.Ready(ctx, l)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if err := s.manager.Repair(ctx, l); err != nil {
			s.logger.Warn("level repair failed", "level", l.String(), "error", err)
			if !s.agreeHealthy(ctx, false) {
				continue
			}
		} else if !s.agreeHealthy(ctx, true) {
			continue
		}

		err = s.restoreFromLevel(l, lm, restore)
		// Corruption found mid-restore on any rank sends the whole group
		// to the next level down.
		if !s.agreeHealthy(ctx, err == nil) {
			s.logger.Warn("level abandoned during restore", "level", l.String(), "error", err)
			continue
		}

		s.active = l
		s.ckptID = lm.CkptID
		s.logger.Info("recovery complete", "level", l.String(), "ckpt", s.ckptID)
		return nil
	}

	if !anyMeta {
		return ErrNoCheckpoint
	}
	return ErrUnrecoverable
}

// agreeHealthy reduces a per-rank verdict to a group verdict: true only if
// every rank reports ok.
func (s *Session) agreeHealthy(ctx context.Context, ok bool) bool {
	bits := make([]bool, 1)
	bits[0] = !ok
	reduced, err := s.cfg.Group.AllReduceOr(ctx, bits)
	if err != nil {
		return false
	}
	return !reduced[0]
}

func (s *Session) restoreFromLevel(l level.Level, lm meta.LevelMeta, restore func(*ftiff.File) error) error {
	path := filepath.Join(s.cfg.Dirs.CkptDirFor(l), lm.FileName)
	f, err := ftiff.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.VerifyDigest(); err != nil {
		return err
	}
	if err := restore(f); err != nil {
		return err
	}

	// The block list is rebuilt from disk so the next checkpoint of this
	// run extends it instead of starting over.
	s.layout.Free()
	s.layout.Blocks = f.Layout().Blocks
	return nil
}

// restoreVars replays the chunk descriptors of the requested variables into
// their buffers and verifies the recovered byte count against each
// variable's declared size.
func (s *Session) restoreVars(f *ftiff.File, vars []ftiff.Variable) error {
	sizes := f.Layout().VarSizes()
	for _, v := range vars {
		recorded, ok := sizes[v.ID]
		if !ok {
			return fmt.Errorf("%w: id %d not in checkpoint", ErrUnknownVariable, v.ID)
		}
		if recorded != v.Size() {
			return fmt.Errorf("%w: id %d holds %d bytes, checkpoint has %d", ErrBufferMismatch, v.ID, v.Size(), recorded)
		}
		var total int64
		for _, c := range f.Layout().VarChunks(v.ID) {
			payload, err := f.ChunkBytes(c)
			if err != nil {
				return err
			}
			if c.DestOffset+c.ChunkSize > v.Size() {
				return fmt.Errorf("%w: id %d chunk beyond buffer", ErrBufferMismatch, v.ID)
			}
			copy(v.Data[c.DestOffset:c.DestOffset+c.ChunkSize], payload)
			total += c.ChunkSize
		}
		if total != v.Size() {
			return fmt.Errorf("%w: id %d recovered %d of %d bytes", ErrBufferMismatch, v.ID, total, v.Size())
		}
	}
	return nil
}
