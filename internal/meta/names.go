package meta

import (
	"fmt"
	"strconv"
	"strings"
)

// DescriptorName returns the per-group descriptor file name for a sector.
func DescriptorName(sector, group int) string {
	return fmt.Sprintf("sector%d-group%d.fti", sector, group)
}

// CkptName returns a rank's checkpoint file name for one checkpoint id.
func CkptName(ckptID uint32, appRank int) string {
	return fmt.Sprintf("Ckpt%d-Rank%d.fti", ckptID, appRank)
}

// RSedName returns a rank's erasure-encoded companion file name.
func RSedName(ckptID uint32, appRank int) string {
	return fmt.Sprintf("Ckpt%d-RSed%d.fti", ckptID, appRank)
}

// ParseCkptID recovers the checkpoint id from the leading "Ckpt<n>" of a
// checkpoint file name. Returns false for names not carrying one.
func ParseCkptID(fileName string) (uint32, bool) {
	rest, ok := strings.CutPrefix(fileName, "Ckpt")
	if !ok {
		return 0, false
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(rest[:end], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}
