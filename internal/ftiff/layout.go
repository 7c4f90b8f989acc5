package ftiff

import (
	"fmt"
	"slices"
)

// Layout is the ordered block sequence describing where every byte of every
// protected variable lives in the checkpoint file. Blocks are addressed by
// index; the sequence only ever grows within a run and is rebuilt from disk
// on restart.
type Layout struct {
	Blocks []DataBlock
}

// EndOfFile returns the file size the layout describes: header plus all
// block sizes.
func (l *Layout) EndOfFile() int64 {
	end := int64(HeaderBytes)
	for _, b := range l.Blocks {
		end += b.BlockSize
	}
	return end
}

// VarSizes sums chunk sizes per variable id across all blocks, yielding each
// variable's effective size on disk.
func (l *Layout) VarSizes() map[uint32]int64 {
	sizes := make(map[uint32]int64)
	for _, b := range l.Blocks {
		for _, c := range b.Chunks {
			sizes[c.ID] += c.ChunkSize
		}
	}
	return sizes
}

// VarChunks returns every chunk of one variable in (block, chunk) order.
// Concatenated by DestOffset they cover [0, size) without overlap.
func (l *Layout) VarChunks(id uint32) []ChunkDesc {
	var chunks []ChunkDesc
	for _, b := range l.Blocks {
		for _, c := range b.Chunks {
			if c.ID == id {
				chunks = append(chunks, c)
			}
		}
	}
	return chunks
}

// Free releases the block sequence. Safe on a partially built layout.
func (l *Layout) Free() {
	l.Blocks = nil
}

// Update mutates the layout to reflect the current variable set and reports
// whether a new block was appended.
//
// On the first call the initial block is built with one chunk per variable
// in registration order. Later calls classify each variable against the
// sizes already on disk: unseen ids become NEW chunks, grown ids become GROW
// chunks covering the appended tail, unchanged ids contribute nothing. New
// and grown chunks land together in one appended block, NEW before GROW,
// each group ordered by ascending id. A variable smaller than its on-disk
// size fails with ErrShrunkVariable and leaves the layout untouched.
func (l *Layout) Update(vars []Variable) (bool, error) {
	if len(l.Blocks) == 0 {
		l.Blocks = append(l.Blocks, buildBlock(int64(HeaderBytes), initialChunks(vars)))
		return true, nil
	}

	oldSizes := l.VarSizes()

	var newChunks, growChunks []ChunkDesc
	for i, v := range vars {
		old, seen := oldSizes[v.ID]
		switch {
		case !seen:
			newChunks = append(newChunks, ChunkDesc{
				ID:        v.ID,
				VarIndex:  int32(i),
				ChunkSize: v.Size(),
			})
		case v.Size() > old:
			growChunks = append(growChunks, ChunkDesc{
				ID:         v.ID,
				VarIndex:   int32(i),
				DestOffset: old,
				ChunkSize:  v.Size() - old,
			})
		case v.Size() < old:
			return false, fmt.Errorf("%w: id %d declared %d, on disk %d", ErrShrunkVariable, v.ID, v.Size(), old)
		}
	}
	if len(newChunks) == 0 && len(growChunks) == 0 {
		return false, nil
	}

	byID := func(a, b ChunkDesc) int { return int(int64(a.ID) - int64(b.ID)) }
	slices.SortFunc(newChunks, byID)
	slices.SortFunc(growChunks, byID)

	chunks := append(newChunks, growChunks...)
	l.Blocks = append(l.Blocks, buildBlock(l.EndOfFile(), chunks))
	return true, nil
}

// initialChunks covers every variable from offset zero, in registration
// order.
func initialChunks(vars []Variable) []ChunkDesc {
	chunks := make([]ChunkDesc, 0, len(vars))
	for i, v := range vars {
		chunks = append(chunks, ChunkDesc{
			ID:        v.ID,
			VarIndex:  int32(i),
			ChunkSize: v.Size(),
		})
	}
	return chunks
}

// buildBlock assigns file offsets to the chunks of a block starting at
// blockStart and seals the block size. Payload bytes follow the chunk
// descriptor table inside the block.
func buildBlock(blockStart int64, chunks []ChunkDesc) DataBlock {
	payload := blockStart + BlockHeaderBytes + int64(len(chunks))*ChunkRecordBytes
	var sum int64
	for i := range chunks {
		chunks[i].FileOffset = payload + sum
		sum += chunks[i].ChunkSize
	}
	return DataBlock{
		BlockSize: BlockHeaderBytes + int64(len(chunks))*ChunkRecordBytes + sum,
		Chunks:    chunks,
	}
}
