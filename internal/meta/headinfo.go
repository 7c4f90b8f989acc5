package meta

import (
	"context"
	"encoding/binary"
	"errors"
	"math"

	"bulwark/internal/comm"
)

const (
	headInfoExistsBytes  = 1
	headInfoNbVarBytes   = 4
	headInfoMaxFsBytes   = 8
	headInfoFsBytes      = 8
	headInfoPfsBytes     = 8
	headInfoNameLenBytes = 2

	headInfoFixedBytes = headInfoExistsBytes + headInfoNbVarBytes +
		headInfoMaxFsBytes + headInfoFsBytes + headInfoPfsBytes + headInfoNameLenBytes

	headInfoVarBytes = 4 + 8
)

var (
	ErrHeadInfoTooSmall = errors.New("head info message too small")
	ErrHeadInfoMangled  = errors.New("head info message mangled")
)

// HeadInfo is the metadata a body rank ships to its node head after a
// checkpoint: whether its checkpoint exists, the file name, its own and its
// partner's file sizes, the group maximum, and the variable table.
type HeadInfo struct {
	Exists   bool
	CkptFile string
	MaxFs    int64
	Fs       int64
	Pfs      int64
	Vars     []VarMeta
}

// Encode serializes the message.
//
// Layout:
//
//	exists (1 byte)
//	nbVar (4 bytes, little-endian uint32)
//	maxFs, fs, pfs (8 bytes each, little-endian int64)
//	nameLen (2 bytes, little-endian uint16)
//	name (nameLen bytes)
//	per variable: id (4 bytes), size (8 bytes)
func (h HeadInfo) Encode() ([]byte, error) {
	if len(h.CkptFile) > math.MaxUint16 {
		return nil, ErrHeadInfoMangled
	}
	buf := make([]byte, headInfoFixedBytes+len(h.CkptFile)+len(h.Vars)*headInfoVarBytes)
	cursor := 0
	if h.Exists {
		buf[cursor] = 1
	}
	cursor += headInfoExistsBytes
	binary.LittleEndian.PutUint32(buf[cursor:cursor+headInfoNbVarBytes], uint32(len(h.Vars)))
	cursor += headInfoNbVarBytes
	binary.LittleEndian.PutUint64(buf[cursor:cursor+headInfoMaxFsBytes], uint64(h.MaxFs))
	cursor += headInfoMaxFsBytes
	binary.LittleEndian.PutUint64(buf[cursor:cursor+headInfoFsBytes], uint64(h.Fs))
	cursor += headInfoFsBytes
	binary.LittleEndian.PutUint64(buf[cursor:cursor+headInfoPfsBytes], uint64(h.Pfs))
	cursor += headInfoPfsBytes
	binary.LittleEndian.PutUint16(buf[cursor:cursor+headInfoNameLenBytes], uint16(len(h.CkptFile)))
	cursor += headInfoNameLenBytes
	copy(buf[cursor:], h.CkptFile)
	cursor += len(h.CkptFile)
	for _, v := range h.Vars {
		binary.LittleEndian.PutUint32(buf[cursor:cursor+4], v.ID)
		binary.LittleEndian.PutUint64(buf[cursor+4:cursor+12], uint64(v.Size))
		cursor += headInfoVarBytes
	}
	return buf, nil
}

// DecodeHeadInfo parses a message produced by Encode.
func DecodeHeadInfo(buf []byte) (HeadInfo, error) {
	if len(buf) < headInfoFixedBytes {
		return HeadInfo{}, ErrHeadInfoTooSmall
	}
	var h HeadInfo
	cursor := 0
	h.Exists = buf[cursor] != 0
	cursor += headInfoExistsBytes
	nbVar := int(binary.LittleEndian.Uint32(buf[cursor : cursor+headInfoNbVarBytes]))
	cursor += headInfoNbVarBytes
	h.MaxFs = int64(binary.LittleEndian.Uint64(buf[cursor : cursor+headInfoMaxFsBytes]))
	cursor += headInfoMaxFsBytes
	h.Fs = int64(binary.LittleEndian.Uint64(buf[cursor : cursor+headInfoFsBytes]))
	cursor += headInfoFsBytes
	h.Pfs = int64(binary.LittleEndian.Uint64(buf[cursor : cursor+headInfoPfsBytes]))
	cursor += headInfoPfsBytes
	nameLen := int(binary.LittleEndian.Uint16(buf[cursor : cursor+headInfoNameLenBytes]))
	cursor += headInfoNameLenBytes
	if len(buf) != headInfoFixedBytes+nameLen+nbVar*headInfoVarBytes {
		return HeadInfo{}, ErrHeadInfoMangled
	}
	h.CkptFile = string(buf[cursor : cursor+nameLen])
	cursor += nameLen
	for i := 0; i < nbVar; i++ {
		h.Vars = append(h.Vars, VarMeta{
			ID:   binary.LittleEndian.Uint32(buf[cursor : cursor+4]),
			Size: int64(binary.LittleEndian.Uint64(buf[cursor+4 : cursor+12])),
		})
		cursor += headInfoVarBytes
	}
	return h, nil
}

// ExchangeHeadInfo ships a body rank's HeadInfo to the head rank of the
// group. The head receives one message per body rank and returns them
// indexed by group rank; body ranks return nil.
func ExchangeHeadInfo(ctx context.Context, g comm.Group, headRank int, info HeadInfo) (map[int]HeadInfo, error) {
	if g.Rank() != headRank {
		buf, err := info.Encode()
		if err != nil {
			return nil, err
		}
		return nil, g.Send(ctx, headRank, buf)
	}

	out := make(map[int]HeadInfo, g.Size()-1)
	for rank := 0; rank < g.Size(); rank++ {
		if rank == headRank {
			continue
		}
		buf, err := g.Recv(ctx, rank)
		if err != nil {
			return nil, err
		}
		h, err := DecodeHeadInfo(buf)
		if err != nil {
			return nil, err
		}
		out[rank] = h
	}
	return out, nil
}
