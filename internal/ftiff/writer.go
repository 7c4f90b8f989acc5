package ftiff

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
)

// Write serializes the layout to path. The file is created fresh, truncated
// to the layout's total size, filled block by block, and fsynced. The header
// digest is computed over the finished file with the digest field still
// zeroed, then patched in place. The returned header carries the final
// digest.
func Write(path string, ckptID uint32, timestamp int64, layout *Layout, vars []Variable) (Header, error) {
	byID := make(map[uint32]Variable, len(vars))
	for _, v := range vars {
		byID[v.ID] = v
	}

	header := Header{
		CkptID:    ckptID,
		TotalSize: layout.EndOfFile(),
		Timestamp: timestamp,
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Header{}, fmt.Errorf("create checkpoint file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(header.TotalSize); err != nil {
		return Header{}, fmt.Errorf("truncate checkpoint file: %w", err)
	}

	headerBuf := make([]byte, HeaderBytes)
	header.EncodeInto(headerBuf)
	if err := writeAt(f, headerBuf, 0); err != nil {
		return Header{}, err
	}

	blockStart := int64(HeaderBytes)
	for _, b := range layout.Blocks {
		if err := writeBlock(f, blockStart, b, byID); err != nil {
			return Header{}, err
		}
		blockStart += b.BlockSize
	}

	digest, err := digestOpenFile(f)
	if err != nil {
		return Header{}, err
	}
	header.Digest = digest
	if err := writeAt(f, digest[:], DigestOffset); err != nil {
		return Header{}, err
	}

	if err := f.Sync(); err != nil {
		return Header{}, fmt.Errorf("sync checkpoint file: %w", err)
	}
	return header, nil
}

// writeBlock lays down the block header, the chunk descriptor table, and
// every chunk's payload bytes at their absolute offsets.
func writeBlock(f *os.File, blockStart int64, b DataBlock, byID map[uint32]Variable) error {
	buf := make([]byte, BlockHeaderBytes+len(b.Chunks)*ChunkRecordBytes)
	encodeBlockHeader(buf, int32(len(b.Chunks)), b.BlockSize)
	for i, c := range b.Chunks {
		c.encodeInto(buf[BlockHeaderBytes+i*ChunkRecordBytes:])
	}
	if err := writeAt(f, buf, blockStart); err != nil {
		return err
	}

	for _, c := range b.Chunks {
		v, ok := byID[c.ID]
		if !ok {
			return fmt.Errorf("%w: id %d", ErrUnknownVariable, c.ID)
		}
		if c.DestOffset+c.ChunkSize > v.Size() {
			return fmt.Errorf("%w: id %d needs [%d, %d), have %d bytes",
				ErrUnknownVariable, c.ID, c.DestOffset, c.DestOffset+c.ChunkSize, v.Size())
		}
		payload := v.Data[c.DestOffset : c.DestOffset+c.ChunkSize]
		if err := writeAt(f, payload, c.FileOffset); err != nil {
			return err
		}
	}
	return nil
}

// writeAt pushes buf to the given offset, resuming after short writes.
func writeAt(f *os.File, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := f.WriteAt(buf, offset)
		if err != nil && n == 0 {
			return fmt.Errorf("write checkpoint file at %d: %w", offset, err)
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// digestOpenFile streams the whole file through MD5. Called before the
// digest slot is patched, so the slot contributes zeros.
func digestOpenFile(f *os.File) ([DigestBytes]byte, error) {
	var digest [DigestBytes]byte
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return digest, fmt.Errorf("rewind checkpoint file: %w", err)
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return digest, fmt.Errorf("digest checkpoint file: %w", err)
	}
	copy(digest[:], h.Sum(nil))
	return digest, nil
}
