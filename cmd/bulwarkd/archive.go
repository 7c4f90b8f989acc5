package main

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
)

// newArchiveCmd packages a checkpoint directory (typically the L4 set) into
// a zstd-compressed tarball for cold storage.
func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <checkpoint-dir> <out.tar.zst>",
		Short: "Pack a checkpoint directory into a zstd tarball",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, out := args[0], args[1]

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()

			zw, err := zstd.NewWriter(f)
			if err != nil {
				return err
			}
			tw := tar.NewWriter(zw)

			err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return err
				}
				rel, err := filepath.Rel(dir, path)
				if err != nil {
					return err
				}
				hdr, err := tar.FileInfoHeader(info, "")
				if err != nil {
					return err
				}
				hdr.Name = rel
				if err := tw.WriteHeader(hdr); err != nil {
					return err
				}
				in, err := os.Open(path)
				if err != nil {
					return err
				}
				defer in.Close()
				_, err = io.Copy(tw, in)
				return err
			})
			if err != nil {
				return err
			}
			if err := tw.Close(); err != nil {
				return err
			}
			if err := zw.Close(); err != nil {
				return err
			}
			fmt.Printf("archived %s to %s\n", dir, out)
			return nil
		},
	}
}

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <in.tar.zst> <dest-dir>",
		Short: "Unpack a checkpoint archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, dest := args[0], args[1]

			f, err := os.Open(in)
			if err != nil {
				return err
			}
			defer f.Close()

			zr, err := zstd.NewReader(f)
			if err != nil {
				return err
			}
			defer zr.Close()

			tr := tar.NewReader(zr)
			for {
				hdr, err := tr.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				target := filepath.Join(dest, filepath.Clean(hdr.Name))
				if !filepath.IsLocal(hdr.Name) {
					return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
				}
				if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
					return err
				}
				out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
				if err != nil {
					return err
				}
				if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // G110: operator-supplied archives only
					out.Close()
					return err
				}
				if err := out.Close(); err != nil {
					return err
				}
			}
			fmt.Printf("extracted %s to %s\n", in, dest)
			return nil
		},
	}
}
