package topo

import "testing"

func TestPartnerRing(t *testing.T) {
	tp := Topology{GroupRank: 0, GroupSize: 4}
	if got := tp.Partner(); got != 3 {
		t.Fatalf("partner of 0: expected 3, got %d", got)
	}
	if got := tp.RightNeighbor(); got != 1 {
		t.Fatalf("right neighbor of 0: expected 1, got %d", got)
	}

	tp.GroupRank = 2
	if got := tp.Partner(); got != 1 {
		t.Fatalf("partner of 2: expected 1, got %d", got)
	}
	if got := tp.PartnerOf(3); got != 2 {
		t.Fatalf("partner of 3: expected 2, got %d", got)
	}

	// Partner and RightNeighbor are inverses.
	for r := range 4 {
		tp.GroupRank = r
		left := tp.Partner()
		back := Topology{GroupRank: left, GroupSize: 4}.RightNeighbor()
		if back != r {
			t.Fatalf("ring inverse broken at rank %d", r)
		}
	}
}
