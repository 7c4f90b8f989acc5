// Package comm defines the group-collective primitives the checkpoint core
// consumes. The library never talks to a transport directly; an
// implementation of Group is handed in by the embedding application. All
// collectives are barriered at group scope: a call returns only after every
// rank of the group has contributed.
package comm

import (
	"context"
	"errors"
)

var (
	// ErrCollective reports a failed cross-rank reduction. A collective
	// failure is always fatal to the current checkpoint or recovery call.
	ErrCollective = errors.New("collective operation failed")
	// ErrRankOutOfRange reports a send or receive aimed outside the group.
	ErrRankOutOfRange = errors.New("rank out of range")
)

// Group is a communicator scoped to one replication group.
//
// Gather variants deliver the aggregated result only at group rank 0; other
// ranks receive nil. AllGather variants deliver the result everywhere,
// indexed by group rank.
type Group interface {
	// Rank returns this rank's position in the group, 0-based.
	Rank() int
	// Size returns the fixed group size.
	Size() int

	// AllGatherInt64 contributes v and returns every rank's contribution.
	AllGatherInt64(ctx context.Context, v int64) ([]int64, error)
	// AllGatherString contributes v and returns every rank's contribution.
	AllGatherString(ctx context.Context, v string) ([]string, error)
	// AllReduceOr ORs the per-rank bit vectors element-wise. All vectors
	// must have equal length.
	AllReduceOr(ctx context.Context, bits []bool) ([]bool, error)

	// GatherInt64s collects each rank's slice at group rank 0, indexed by
	// contributing rank. Non-zero ranks receive nil.
	GatherInt64s(ctx context.Context, vs []int64) ([][]int64, error)
	// GatherString collects each rank's string at group rank 0.
	GatherString(ctx context.Context, v string) ([]string, error)

	// Send ships an opaque payload to another group rank.
	Send(ctx context.Context, to int, payload []byte) error
	// Recv blocks for the next payload from the given group rank.
	Recv(ctx context.Context, from int) ([]byte, error)
}
