// Package meta builds, loads, and rewrites the per-group descriptor files
// that record checkpoint file names, sizes, checksums, and per-variable
// layout for every rank of a group.
//
// A descriptor is an INI document with one section per group rank:
//
//	[2]
//	ckpt_file_name = Ckpt7-Rank6.fti
//	ckpt_file_size = 1048576
//	ckpt_file_maxs = 2097152
//	ckpt_checksum  = 5d41402abc4b2a76b9719d911017c592
//	rsed_checksum  = ...           (present once erasure encoding finished)
//	var0_id        = 7
//	var0_size      = 1048576
//
// Descriptors are rewritten whole on every checkpoint: written to a
// temporary file in the same directory, then renamed over the old one.
package meta

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"

	"bulwark/internal/logging"
)

var (
	ErrNoDescriptor = errors.New("group descriptor missing")
	ErrBadRow       = errors.New("group descriptor row malformed")
	ErrRowCount     = errors.New("group descriptor row count mismatch")
)

// VarMeta records one protected variable's id and declared size.
type VarMeta struct {
	ID   uint32
	Size int64
}

// Row is one group rank's entry in the descriptor.
type Row struct {
	FileName     string
	FileSize     int64
	MaxFileSize  int64
	Checksum     string
	RSedChecksum string
	Vars         []VarMeta
}

// Descriptor is the whole-group document, indexed by group rank.
type Descriptor struct {
	Rows []Row
}

// Store reads and writes descriptor files.
type Store struct {
	logger *slog.Logger
}

// NewStore creates a descriptor store. logger may be nil.
func NewStore(logger *slog.Logger) *Store {
	logger = logging.Default(logger)
	return &Store{logger: logger.With("component", "meta-store")}
}

// Write materializes the descriptor at dir/DescriptorName(sector, group),
// replacing any previous file atomically.
func (s *Store) Write(dir string, sector, group int, d *Descriptor) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	doc := ini.Empty()
	for rank, row := range d.Rows {
		sec, err := doc.NewSection(strconv.Itoa(rank))
		if err != nil {
			return fmt.Errorf("descriptor section %d: %w", rank, err)
		}
		sec.Key("ckpt_file_name").SetValue(row.FileName)
		sec.Key("ckpt_file_size").SetValue(strconv.FormatInt(row.FileSize, 10))
		sec.Key("ckpt_file_maxs").SetValue(strconv.FormatInt(row.MaxFileSize, 10))
		sec.Key("ckpt_checksum").SetValue(row.Checksum)
		if row.RSedChecksum != "" {
			sec.Key("rsed_checksum").SetValue(row.RSedChecksum)
		}
		for j, v := range row.Vars {
			sec.Key(fmt.Sprintf("var%d_id", j)).SetValue(strconv.FormatUint(uint64(v.ID), 10))
			sec.Key(fmt.Sprintf("var%d_size", j)).SetValue(strconv.FormatInt(v.Size, 10))
		}
	}

	path := filepath.Join(dir, DescriptorName(sector, group))
	tmp, err := os.CreateTemp(dir, "descriptor-*.tmp")
	if err != nil {
		return fmt.Errorf("create descriptor temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := doc.WriteTo(tmp); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close descriptor temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("promote descriptor: %w", err)
	}

	s.logger.Debug("descriptor written", "path", path, "rows", len(d.Rows))
	return nil
}

// Load parses a descriptor file back into rows. Sections must be numbered
// 0..n-1 without gaps.
func (s *Store) Load(path string) (*Descriptor, error) {
	doc, err := loadINI(path)
	if err != nil {
		return nil, err
	}

	var d Descriptor
	for rank := 0; ; rank++ {
		sec, err := doc.GetSection(strconv.Itoa(rank))
		if err != nil {
			break
		}
		row, err := parseRow(sec)
		if err != nil {
			return nil, fmt.Errorf("%w: section %d: %v", ErrBadRow, rank, err)
		}
		d.Rows = append(d.Rows, row)
	}
	if len(d.Rows) == 0 {
		return nil, fmt.Errorf("%w: no rank sections in %s", ErrBadRow, path)
	}
	return &d, nil
}

// PatchRSedChecksums rewrites an existing descriptor with one erasure-file
// checksum per group rank. digests must hold exactly one entry per row.
func (s *Store) PatchRSedChecksums(path string, digests []string) error {
	doc, err := loadINI(path)
	if err != nil {
		return err
	}
	for rank, digest := range digests {
		sec, err := doc.GetSection(strconv.Itoa(rank))
		if err != nil {
			return fmt.Errorf("%w: patching rank %d of %s", ErrRowCount, rank, path)
		}
		sec.Key("rsed_checksum").SetValue(digest)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "descriptor-*.tmp")
	if err != nil {
		return fmt.Errorf("create descriptor temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := doc.WriteTo(tmp); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close descriptor temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("promote descriptor: %w", err)
	}
	return nil
}

// Checksums returns a rank's own checkpoint checksum, its partner's, and its
// erasure-file checksum from the descriptor. The erasure checksum is empty
// when no erasure encoding was recorded.
func (s *Store) Checksums(path string, groupRank, groupSize int) (own, partner, rsed string, err error) {
	doc, err := loadINI(path)
	if err != nil {
		return "", "", "", err
	}
	ownSec, err := doc.GetSection(strconv.Itoa(groupRank))
	if err != nil {
		return "", "", "", fmt.Errorf("%w: rank %d in %s", ErrBadRow, groupRank, path)
	}
	partnerRank := (groupRank + groupSize - 1) % groupSize
	partnerSec, err := doc.GetSection(strconv.Itoa(partnerRank))
	if err != nil {
		return "", "", "", fmt.Errorf("%w: partner rank %d in %s", ErrBadRow, partnerRank, path)
	}
	own = ownSec.Key("ckpt_checksum").String()
	partner = partnerSec.Key("ckpt_checksum").String()
	rsed = ownSec.Key("rsed_checksum").String()
	return own, partner, rsed, nil
}

func loadINI(path string) (*ini.File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDescriptor, path)
	}
	doc, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor %s: %w", path, err)
	}
	return doc, nil
}

func parseRow(sec *ini.Section) (Row, error) {
	var row Row
	row.FileName = sec.Key("ckpt_file_name").String()
	if row.FileName == "" {
		return Row{}, errors.New("missing ckpt_file_name")
	}
	var err error
	if row.FileSize, err = sec.Key("ckpt_file_size").Int64(); err != nil {
		return Row{}, fmt.Errorf("ckpt_file_size: %w", err)
	}
	if row.MaxFileSize, err = sec.Key("ckpt_file_maxs").Int64(); err != nil {
		return Row{}, fmt.Errorf("ckpt_file_maxs: %w", err)
	}
	row.Checksum = sec.Key("ckpt_checksum").String()
	row.RSedChecksum = sec.Key("rsed_checksum").String()

	for j := 0; ; j++ {
		idKey := fmt.Sprintf("var%d_id", j)
		if !sec.HasKey(idKey) {
			break
		}
		id, err := sec.Key(idKey).Uint64()
		if err != nil {
			return Row{}, fmt.Errorf("%s: %w", idKey, err)
		}
		size, err := sec.Key(fmt.Sprintf("var%d_size", j)).Int64()
		if err != nil {
			return Row{}, fmt.Errorf("var%d_size: %w", j, err)
		}
		row.Vars = append(row.Vars, VarMeta{ID: uint32(id), Size: size})
	}
	return row, nil
}
