// Package ckpt ties the checkpoint store together: a Session owns one
// rank's protected variables, drives the multi-level checkpoint hand-off,
// and restores the latest consistent image after a failure.
//
// A Session is created per rank per run and threaded through every call; the
// package keeps no process-global state. Calls are collective: every rank of
// the group must make the same sequence of Checkpoint and Recover calls.
package ckpt

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"bulwark/internal/comm"
	"bulwark/internal/ftiff"
	"bulwark/internal/level"
	"bulwark/internal/logging"
	"bulwark/internal/meta"
	"bulwark/internal/rscodec"
	"bulwark/internal/topo"
)

var (
	// ErrNoCheckpoint: no level holds a recoverable checkpoint.
	ErrNoCheckpoint = errors.New("no checkpoint available")
	// ErrUnrecoverable: checkpoints exist but none validates.
	ErrUnrecoverable = errors.New("no checkpoint level validates")
	// ErrCheckpointFailed: the new checkpoint was not taken; the previous
	// durable checkpoint is untouched and a retry is safe.
	ErrCheckpointFailed = errors.New("checkpoint attempt failed")
	// ErrUnknownVariable: the id was never protected.
	ErrUnknownVariable = errors.New("variable not protected")
	// ErrBufferMismatch: a protected buffer's size differs from the bytes
	// recorded for it.
	ErrBufferMismatch = errors.New("protected buffer does not match recorded size")
)

// Code is the flat result surface for embedders that consume integer codes
// instead of wrapped errors.
type Code int

const (
	Success Code = iota
	NoCheckpoint
	Unrecoverable
)

// CodeOf collapses an error into the public result code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrNoCheckpoint), errors.Is(err, ErrCheckpointFailed):
		return NoCheckpoint
	default:
		return Unrecoverable
	}
}

// Config wires a Session.
type Config struct {
	Dirs  level.Dirs
	Topo  topo.Topology
	Group comm.Group
	// Codec is the erasure codec for L3. Defaults to Reed-Solomon.
	Codec rscodec.Codec
	// NodeGroup, when set, is a node-scoped communicator including the
	// node's head rank; body ranks ship their metadata summary to the head
	// after every checkpoint.
	NodeGroup comm.Group
	// NodeHeadRank is the head's rank within NodeGroup.
	NodeHeadRank int
	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Session is one rank's handle on the checkpoint store for the duration of
// a run.
type Session struct {
	cfg    Config
	runID  uuid.UUID
	logger *slog.Logger

	vars  []ftiff.Variable
	index map[uint32]int

	layout  ftiff.Layout
	ckptID  uint32
	active  level.Level
	manager *level.Manager
	store   *meta.Store
}

// NewSession builds a session for one rank.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Group == nil {
		return nil, level.ErrConfigMissing
	}
	logger := logging.Default(cfg.Logger)
	store := meta.NewStore(cfg.Logger)
	manager, err := level.NewManager(level.Config{
		Dirs:   cfg.Dirs,
		Topo:   cfg.Topo,
		Group:  cfg.Group,
		Store:  store,
		Codec:  cfg.Codec,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	runID := uuid.New()
	return &Session{
		cfg:     cfg,
		runID:   runID,
		logger:  logger.With("component", "session", "run", runID.String(), "rank", cfg.Topo.AppRank),
		index:   make(map[uint32]int),
		manager: manager,
		store:   store,
	}, nil
}

// RunID identifies this execution.
func (s *Session) RunID() uuid.UUID { return s.runID }

// CkptID returns the id of the last completed checkpoint, zero before the
// first one.
func (s *Session) CkptID() uint32 { return s.ckptID }

// ActiveLevel returns the durability level of the most recent durable
// checkpoint.
func (s *Session) ActiveLevel() level.Level { return s.active }

// Protect registers a buffer under a stable id, or re-declares an existing
// id after the application reallocated (grew) its buffer. The application
// keeps ownership; the session reads the buffer during Checkpoint and
// writes it during Recover.
func (s *Session) Protect(id uint32, buf []byte) {
	if i, ok := s.index[id]; ok {
		s.vars[i].Data = buf
		return
	}
	s.index[id] = len(s.vars)
	s.vars = append(s.vars, ftiff.Variable{ID: id, Data: buf})
}

// Protected returns the number of registered variables.
func (s *Session) Protected() int { return len(s.vars) }

// Close drops the in-memory layout. Safe to call at any point; the session
// must not be used afterwards.
func (s *Session) Close() error {
	s.layout.Free()
	return nil
}

func (s *Session) variable(id uint32) (ftiff.Variable, error) {
	i, ok := s.index[id]
	if !ok {
		return ftiff.Variable{}, fmt.Errorf("%w: id %d", ErrUnknownVariable, id)
	}
	return s.vars[i], nil
}
