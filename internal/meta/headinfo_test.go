package meta

import (
	"context"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"bulwark/internal/comm/inproc"
)

func TestHeadInfoCodecRoundTrip(t *testing.T) {
	want := HeadInfo{
		Exists:   true,
		CkptFile: "Ckpt9-Rank4.fti",
		MaxFs:    4096,
		Fs:       2048,
		Pfs:      1024,
		Vars:     []VarMeta{{ID: 7, Size: 16}, {ID: 11, Size: 4}},
	}
	buf, err := want.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeHeadInfo(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Exists != want.Exists || got.CkptFile != want.CkptFile {
		t.Fatalf("identity: expected %+v, got %+v", want, got)
	}
	if got.MaxFs != want.MaxFs || got.Fs != want.Fs || got.Pfs != want.Pfs {
		t.Fatalf("sizes: expected %+v, got %+v", want, got)
	}
	if len(got.Vars) != 2 || got.Vars[0] != want.Vars[0] || got.Vars[1] != want.Vars[1] {
		t.Fatalf("vars: expected %+v, got %+v", want.Vars, got.Vars)
	}
}

func TestDecodeHeadInfoMangled(t *testing.T) {
	info := HeadInfo{CkptFile: "Ckpt1-Rank0.fti"}
	buf, err := info.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeHeadInfo(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error for truncated message")
	}
	if _, err := DecodeHeadInfo(buf[:4]); err == nil {
		t.Fatal("expected error for short message")
	}
}

func TestExchangeHeadInfo(t *testing.T) {
	mesh := inproc.NewMesh(3)
	var eg errgroup.Group
	for rank := range 3 {
		g := mesh.Rank(rank)
		eg.Go(func() error {
			info := HeadInfo{
				Exists:   true,
				CkptFile: fmt.Sprintf("Ckpt2-Rank%d.fti", rank),
				Fs:       int64(100 * rank),
			}
			got, err := ExchangeHeadInfo(context.Background(), g, 0, info)
			if err != nil {
				return err
			}
			if rank != 0 {
				if got != nil {
					return fmt.Errorf("rank %d: expected nil result", rank)
				}
				return nil
			}
			if len(got) != 2 {
				return fmt.Errorf("head: expected 2 messages, got %d", len(got))
			}
			for r, h := range got {
				if want := fmt.Sprintf("Ckpt2-Rank%d.fti", r); h.CkptFile != want {
					return fmt.Errorf("rank %d file: expected %s, got %s", r, want, h.CkptFile)
				}
				if h.Fs != int64(100*r) {
					return fmt.Errorf("rank %d fs: expected %d, got %d", r, 100*r, h.Fs)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
}
