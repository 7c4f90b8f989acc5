package meta

import (
	"testing"

	"bulwark/internal/topo"
)

func TestParseCkptID(t *testing.T) {
	cases := []struct {
		name string
		id   uint32
		ok   bool
	}{
		{"Ckpt12-Rank3.fti", 12, true},
		{"Ckpt0-RSed1.fti", 0, true},
		{"Rank3.fti", 0, false},
		{"Ckpt-Rank3.fti", 0, false},
	}
	for _, c := range cases {
		id, ok := ParseCkptID(c.name)
		if ok != c.ok || id != c.id {
			t.Fatalf("%s: expected (%d, %v), got (%d, %v)", c.name, c.id, c.ok, id, ok)
		}
	}
}

func TestLoaderBodyRank(t *testing.T) {
	store := NewStore(nil)
	dirs := Dirs{TmpMetaDir: t.TempDir()}
	for i := range dirs.LevelMetaDir {
		dirs.LevelMetaDir[i] = t.TempDir()
	}

	// Only L1 has a descriptor.
	d := testDescriptor()
	if err := store.Write(dirs.LevelMetaDir[0], 0, 1, d); err != nil {
		t.Fatalf("write: %v", err)
	}

	tp := topo.Topology{GroupID: 1, GroupRank: 1, GroupSize: 2, SectorID: 0, NodeSize: 2}
	table := NewLoader(store, dirs, tp, nil).LoadAll()

	for level := range NumLevels {
		if len(table.Slots[level]) != 1 {
			t.Fatalf("level %d: expected 1 slot, got %d", level, len(table.Slots[level]))
		}
	}
	if table.Slots[0][0].Exists {
		t.Fatal("staging level should be absent")
	}
	lm := table.Slots[1][0]
	if !lm.Exists {
		t.Fatal("L1 should be present")
	}
	if lm.FileName != "Ckpt3-Rank1.fti" {
		t.Fatalf("file name: got %s", lm.FileName)
	}
	if lm.FileSize != 140 || lm.PartnerFileSize != 124 || lm.MaxFileSize != 140 {
		t.Fatalf("sizes: got fs=%d pfs=%d maxs=%d", lm.FileSize, lm.PartnerFileSize, lm.MaxFileSize)
	}
	if lm.CkptID != 3 || table.CkptID != 3 {
		t.Fatalf("ckpt id: got row=%d table=%d", lm.CkptID, table.CkptID)
	}
}

func TestLoaderHeadRankTakesMaxCkptID(t *testing.T) {
	store := NewStore(nil)
	dirs := Dirs{TmpMetaDir: t.TempDir()}
	for i := range dirs.LevelMetaDir {
		dirs.LevelMetaDir[i] = t.TempDir()
	}

	// Node with one head and two body ranks; body rank j lives in group j.
	// Body 1 checkpointed id 5, body 2 only reached id 4.
	d1 := testDescriptor()
	d1.Rows[0].FileName = "Ckpt5-Rank0.fti"
	d1.Rows[1].FileName = "Ckpt5-Rank1.fti"
	if err := store.Write(dirs.LevelMetaDir[0], 0, 1, d1); err != nil {
		t.Fatalf("write group 1: %v", err)
	}
	d2 := testDescriptor()
	d2.Rows[0].FileName = "Ckpt4-Rank0.fti"
	d2.Rows[1].FileName = "Ckpt4-Rank1.fti"
	if err := store.Write(dirs.LevelMetaDir[0], 0, 2, d2); err != nil {
		t.Fatalf("write group 2: %v", err)
	}

	tp := topo.Topology{GroupRank: 0, GroupSize: 2, SectorID: 0, NodeSize: 3, Head: true}
	table := NewLoader(store, dirs, tp, nil).LoadAll()

	if len(table.Slots[1]) != 3 {
		t.Fatalf("expected 3 slots for head, got %d", len(table.Slots[1]))
	}
	if table.Slots[1][0].Exists {
		t.Fatal("head's own slot must stay empty")
	}
	if !table.Slots[1][1].Exists || !table.Slots[1][2].Exists {
		t.Fatal("body slots should be present")
	}
	if table.Slots[1][1].FileName != "Ckpt5-Rank0.fti" {
		t.Fatalf("slot 1 file name: got %s", table.Slots[1][1].FileName)
	}
	if table.CkptID != 5 {
		t.Fatalf("head ckpt id: expected max 5, got %d", table.CkptID)
	}
}
