// Package inproc implements comm.Group over in-process channels. One Mesh
// hosts all ranks of a group inside a single process, each rank driven by its
// own goroutine. It backs the package tests and the bulwarkd simulator; real
// deployments substitute an MPI-backed implementation.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"bulwark/internal/comm"
)

const mailboxDepth = 64

// Mesh is the shared state of one in-process group.
type Mesh struct {
	size int

	mu     sync.Mutex
	rounds map[roundKey]*round
	mail   map[pairKey]chan []byte
}

type roundKey struct {
	op  string
	seq uint64
}

type pairKey struct {
	from, to int
}

// round is one rendezvous of a collective. Every rank deposits its value,
// the last arrival releases the waiters, and the last reader retires the
// round from the mesh.
type round struct {
	vals     []any
	arrived  int
	released int
	done     chan struct{}
}

// NewMesh creates the shared state for a group of the given size.
func NewMesh(size int) *Mesh {
	if size <= 0 {
		panic("inproc: group size must be positive")
	}
	return &Mesh{
		size:   size,
		rounds: make(map[roundKey]*round),
		mail:   make(map[pairKey]chan []byte),
	}
}

// Size returns the group size.
func (m *Mesh) Size() int { return m.size }

// Rank returns the Group handle for one rank. Each handle must be used by a
// single goroutine.
func (m *Mesh) Rank(rank int) comm.Group {
	if rank < 0 || rank >= m.size {
		panic(fmt.Sprintf("inproc: rank %d outside group of %d", rank, m.size))
	}
	return &group{mesh: m, rank: rank, seq: make(map[string]uint64)}
}

func (m *Mesh) mailbox(from, to int) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{from: from, to: to}
	ch, ok := m.mail[key]
	if !ok {
		ch = make(chan []byte, mailboxDepth)
		m.mail[key] = ch
	}
	return ch
}

type group struct {
	mesh *Mesh
	rank int
	// seq counts this rank's collectives per operation so that matching
	// calls across ranks land in the same round. Bulk-synchronous callers
	// issue collectives in identical order, which is all the matching needs.
	seq map[string]uint64
}

func (g *group) Rank() int { return g.rank }
func (g *group) Size() int { return g.mesh.size }

// exchange runs one collective round: deposit v, wait for the full group,
// return every rank's deposit in rank order.
func (g *group) exchange(ctx context.Context, op string, v any) ([]any, error) {
	key := roundKey{op: op, seq: g.seq[op]}
	g.seq[op]++

	m := g.mesh
	m.mu.Lock()
	r, ok := m.rounds[key]
	if !ok {
		r = &round{vals: make([]any, m.size), done: make(chan struct{})}
		m.rounds[key] = r
	}
	r.vals[g.rank] = v
	r.arrived++
	if r.arrived == m.size {
		close(r.done)
	}
	m.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", comm.ErrCollective, op, ctx.Err())
	}

	m.mu.Lock()
	out := make([]any, m.size)
	copy(out, r.vals)
	r.released++
	if r.released == m.size {
		delete(m.rounds, key)
	}
	m.mu.Unlock()
	return out, nil
}

func (g *group) AllGatherInt64(ctx context.Context, v int64) ([]int64, error) {
	vals, err := g.exchange(ctx, "allgather-int64", v)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(vals))
	for i, raw := range vals {
		out[i] = raw.(int64)
	}
	return out, nil
}

func (g *group) AllGatherString(ctx context.Context, v string) ([]string, error) {
	vals, err := g.exchange(ctx, "allgather-string", v)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, raw := range vals {
		out[i] = raw.(string)
	}
	return out, nil
}

func (g *group) AllReduceOr(ctx context.Context, bits []bool) ([]bool, error) {
	vals, err := g.exchange(ctx, "allreduce-or", append([]bool(nil), bits...))
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(bits))
	for _, raw := range vals {
		contrib := raw.([]bool)
		if len(contrib) != len(out) {
			return nil, fmt.Errorf("%w: allreduce-or: vector length mismatch", comm.ErrCollective)
		}
		for i, b := range contrib {
			out[i] = out[i] || b
		}
	}
	return out, nil
}

func (g *group) GatherInt64s(ctx context.Context, vs []int64) ([][]int64, error) {
	vals, err := g.exchange(ctx, "gather-int64s", append([]int64(nil), vs...))
	if err != nil {
		return nil, err
	}
	if g.rank != 0 {
		return nil, nil
	}
	out := make([][]int64, len(vals))
	for i, raw := range vals {
		out[i] = raw.([]int64)
	}
	return out, nil
}

func (g *group) GatherString(ctx context.Context, v string) ([]string, error) {
	vals, err := g.exchange(ctx, "gather-string", v)
	if err != nil {
		return nil, err
	}
	if g.rank != 0 {
		return nil, nil
	}
	out := make([]string, len(vals))
	for i, raw := range vals {
		out[i] = raw.(string)
	}
	return out, nil
}

func (g *group) Send(ctx context.Context, to int, payload []byte) error {
	if to < 0 || to >= g.mesh.size {
		return fmt.Errorf("%w: send to %d", comm.ErrRankOutOfRange, to)
	}
	buf := append([]byte(nil), payload...)
	select {
	case g.mesh.mailbox(g.rank, to) <- buf:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: send to %d: %v", comm.ErrCollective, to, ctx.Err())
	}
}

func (g *group) Recv(ctx context.Context, from int) ([]byte, error) {
	if from < 0 || from >= g.mesh.size {
		return nil, fmt.Errorf("%w: recv from %d", comm.ErrRankOutOfRange, from)
	}
	select {
	case payload := <-g.mesh.mailbox(from, g.rank):
		return payload, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: recv from %d: %v", comm.ErrCollective, from, ctx.Err())
	}
}
