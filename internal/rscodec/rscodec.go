// Package rscodec defines the erasure-codec contract the durability layer
// consumes, plus the default implementation backed by
// github.com/klauspost/reedsolomon. The checkpoint core never does erasure
// math itself; alternative codecs plug in behind the same interface.
package rscodec

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrNoShards      = errors.New("no shards to encode")
	ErrShardMismatch = errors.New("shards must be equal length")
)

// Codec turns one equally sized shard per group rank into one parity shard
// per rank, and reconstructs lost shards from the survivors.
type Codec interface {
	// Encode returns one parity shard per data shard. Data shards must all
	// have the same length; callers pad to the group's maximum file size.
	Encode(data [][]byte) ([][]byte, error)

	// Reconstruct fills nil entries of data in place using the surviving
	// data and parity shards. Parity entries may also be nil. Fails when
	// too few shards survive.
	Reconstruct(data, parity [][]byte) error
}

// ReedSolomon is the default Codec. A group of k ranks is encoded as k data
// shards plus k parity shards, so any k survivors of the 2k reconstruct the
// rest — comfortably above the one-lost-rank-per-group guarantee the
// recovery policy relies on.
type ReedSolomon struct{}

// NewReedSolomon returns the default codec.
func NewReedSolomon() *ReedSolomon {
	return &ReedSolomon{}
}

func (*ReedSolomon) Encode(data [][]byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, ErrNoShards
	}
	shardLen := len(data[0])
	for _, d := range data {
		if len(d) != shardLen {
			return nil, fmt.Errorf("%w: %d vs %d", ErrShardMismatch, len(d), shardLen)
		}
	}

	enc, err := reedsolomon.New(len(data), len(data))
	if err != nil {
		return nil, fmt.Errorf("build encoder: %w", err)
	}

	shards := make([][]byte, 0, 2*len(data))
	for _, d := range data {
		shards = append(shards, append([]byte(nil), d...))
	}
	for range data {
		shards = append(shards, make([]byte, shardLen))
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode shards: %w", err)
	}
	return shards[len(data):], nil
}

func (*ReedSolomon) Reconstruct(data, parity [][]byte) error {
	if len(data) == 0 || len(data) != len(parity) {
		return ErrNoShards
	}

	enc, err := reedsolomon.New(len(data), len(data))
	if err != nil {
		return fmt.Errorf("build encoder: %w", err)
	}

	shards := make([][]byte, 0, 2*len(data))
	shards = append(shards, data...)
	shards = append(shards, parity...)
	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("reconstruct shards: %w", err)
	}
	ok, err := enc.Verify(shards)
	if err != nil {
		return fmt.Errorf("verify shards: %w", err)
	}
	if !ok {
		return errors.New("reconstructed shards failed verification")
	}
	copy(data, shards[:len(data)])
	return nil
}
