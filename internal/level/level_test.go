package level

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"

	"bulwark/internal/comm/inproc"
	"bulwark/internal/integrity"
	"bulwark/internal/meta"
	"bulwark/internal/topo"
)

func testDirs(t *testing.T) Dirs {
	t.Helper()
	root := t.TempDir()
	dirs := Dirs{
		TmpCkptDir: filepath.Join(root, "tmp", "ckpt"),
		TmpMetaDir: filepath.Join(root, "tmp", "meta"),
	}
	for i := range dirs.CkptDir {
		dirs.CkptDir[i] = filepath.Join(root, fmt.Sprintf("l%d", i+1), "ckpt")
		dirs.MetaDir[i] = filepath.Join(root, fmt.Sprintf("l%d", i+1), "meta")
	}
	for _, d := range []string{dirs.TmpCkptDir, dirs.TmpMetaDir, dirs.CkptDir[0], dirs.CkptDir[1], dirs.CkptDir[2], dirs.CkptDir[3], dirs.MetaDir[0], dirs.MetaDir[1], dirs.MetaDir[2], dirs.MetaDir[3]} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return dirs
}

func newManagers(t *testing.T, mesh *inproc.Mesh, dirs Dirs) []*Manager {
	t.Helper()
	store := meta.NewStore(nil)
	managers := make([]*Manager, mesh.Size())
	for r := range managers {
		m, err := NewManager(Config{
			Dirs: dirs,
			Topo: topo.Topology{
				GroupRank: r,
				GroupSize: mesh.Size(),
				NodeSize:  mesh.Size(),
				AppRank:   r,
			},
			Group: mesh.Rank(r),
			Store: store,
		})
		if err != nil {
			t.Fatalf("manager %d: %v", r, err)
		}
		managers[r] = m
	}
	return managers
}

// stageGroup writes one staged checkpoint file per rank plus the staged
// descriptor, and returns the per-rank payloads.
func stageGroup(t *testing.T, dirs Dirs, ckptID uint32, size int) [][]byte {
	t.Helper()
	payloads := make([][]byte, size)
	d := &meta.Descriptor{Rows: make([]meta.Row, size)}
	for r := range size {
		payloads[r] = []byte(fmt.Sprintf("rank-%d-checkpoint-%d-payload", r, ckptID))
		name := meta.CkptName(ckptID, r)
		path := filepath.Join(dirs.TmpCkptDir, name)
		if err := os.WriteFile(path, payloads[r], 0o644); err != nil {
			t.Fatalf("stage: %v", err)
		}
		digest, err := integrity.ChecksumFile(path)
		if err != nil {
			t.Fatalf("digest: %v", err)
		}
		d.Rows[r] = meta.Row{
			FileName: name,
			FileSize: int64(len(payloads[r])),
			Checksum: digest,
			Vars:     []meta.VarMeta{{ID: 1, Size: int64(len(payloads[r]))}},
		}
	}
	var maxFs int64
	for _, row := range d.Rows {
		maxFs = max(maxFs, row.FileSize)
	}
	for r := range d.Rows {
		d.Rows[r].MaxFileSize = maxFs
	}
	if err := meta.NewStore(nil).Write(dirs.TmpMetaDir, 0, 0, d); err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	return payloads
}

func commitAll(t *testing.T, managers []*Manager, l Level, ckptID uint32) {
	t.Helper()
	var eg errgroup.Group
	for r, m := range managers {
		eg.Go(func() error {
			return m.Commit(context.Background(), l, ckptID, meta.CkptName(ckptID, r))
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func readyAll(t *testing.T, managers []*Manager, l Level) bool {
	t.Helper()
	results := make([]bool, len(managers))
	var eg errgroup.Group
	for r, m := range managers {
		eg.Go(func() error {
			ready, err := m.Ready(context.Background(), l)
			results[r] = ready
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("ready: %v", err)
	}
	for r := 1; r < len(results); r++ {
		if results[r] != results[0] {
			t.Fatalf("ranks disagree on readiness: %v", results)
		}
	}
	return results[0]
}

func TestStateLifecycle(t *testing.T) {
	dirs := testDirs(t)
	mesh := inproc.NewMesh(2)
	managers := newManagers(t, mesh, dirs)
	name := meta.CkptName(1, 0)

	if got := managers[0].State(L1, name); got != Absent {
		t.Fatalf("state: expected absent, got %s", got)
	}
	stageGroup(t, dirs, 1, 2)
	if got := managers[0].State(L1, name); got != Staged {
		t.Fatalf("state: expected staged, got %s", got)
	}
	commitAll(t, managers, L1, 1)
	if got := managers[0].State(L1, name); got != Durable {
		t.Fatalf("state: expected durable, got %s", got)
	}
}

func TestCommitL1Retires(t *testing.T) {
	dirs := testDirs(t)
	mesh := inproc.NewMesh(2)
	managers := newManagers(t, mesh, dirs)

	stageGroup(t, dirs, 1, 2)
	commitAll(t, managers, L1, 1)
	stageGroup(t, dirs, 2, 2)
	commitAll(t, managers, L1, 2)

	if fileExists(filepath.Join(dirs.CkptDirFor(L1), meta.CkptName(1, 0))) {
		t.Fatal("old checkpoint should be retired after the new one is durable")
	}
	if !fileExists(filepath.Join(dirs.CkptDirFor(L1), meta.CkptName(2, 0))) {
		t.Fatal("new checkpoint missing")
	}
}

func TestCommitL2StoresPartnerCopies(t *testing.T) {
	dirs := testDirs(t)
	mesh := inproc.NewMesh(4)
	managers := newManagers(t, mesh, dirs)

	payloads := stageGroup(t, dirs, 1, 4)
	commitAll(t, managers, L2, 1)

	// Rank r holds the copy of its right neighbor r+1.
	for r := range 4 {
		right := (r + 1) % 4
		copyPath := filepath.Join(dirs.CkptDirFor(L2), pcofName(meta.CkptName(1, right)))
		data, err := os.ReadFile(copyPath)
		if err != nil {
			t.Fatalf("rank %d copy: %v", r, err)
		}
		if string(data) != string(payloads[right]) {
			t.Fatalf("rank %d copy content mismatch", r)
		}
	}

	if !readyAll(t, managers, L2) {
		t.Fatal("freshly committed L2 should be ready")
	}
}

func TestCommitL3PatchesRSedChecksums(t *testing.T) {
	dirs := testDirs(t)
	mesh := inproc.NewMesh(4)
	managers := newManagers(t, mesh, dirs)

	stageGroup(t, dirs, 1, 4)
	commitAll(t, managers, L3, 1)

	d, err := meta.NewStore(nil).Load(filepath.Join(dirs.MetaDirFor(L3), meta.DescriptorName(0, 0)))
	if err != nil {
		t.Fatalf("load descriptor: %v", err)
	}
	for r, row := range d.Rows {
		if len(row.RSedChecksum) != integrity.DigestHexLen {
			t.Fatalf("rank %d rsed checksum missing: %q", r, row.RSedChecksum)
		}
		rsedPath := filepath.Join(dirs.CkptDirFor(L3), meta.RSedName(1, r))
		digest, err := integrity.ChecksumFile(rsedPath)
		if err != nil {
			t.Fatalf("rank %d rsed file: %v", r, err)
		}
		if digest != row.RSedChecksum {
			t.Fatalf("rank %d rsed checksum does not match file", r)
		}
	}

	if !readyAll(t, managers, L3) {
		t.Fatal("freshly committed L3 should be ready")
	}
}

func TestReadyL1FailsOnCorruption(t *testing.T) {
	dirs := testDirs(t)
	mesh := inproc.NewMesh(2)
	managers := newManagers(t, mesh, dirs)

	stageGroup(t, dirs, 1, 2)
	commitAll(t, managers, L1, 1)
	if !readyAll(t, managers, L1) {
		t.Fatal("intact L1 should be ready")
	}

	path := filepath.Join(dirs.CkptDirFor(L1), meta.CkptName(1, 1))
	if err := os.WriteFile(path, []byte("rank-1-checkpoint-1-GARBAGE"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if readyAll(t, managers, L1) {
		t.Fatal("L1 with a corrupt file must not be ready")
	}
}

func TestReadyL3ToleratesOneLoss(t *testing.T) {
	dirs := testDirs(t)
	mesh := inproc.NewMesh(4)
	managers := newManagers(t, mesh, dirs)

	stageGroup(t, dirs, 1, 4)
	commitAll(t, managers, L3, 1)

	if err := os.Remove(filepath.Join(dirs.CkptDirFor(L3), meta.CkptName(1, 2))); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !readyAll(t, managers, L3) {
		t.Fatal("L3 must tolerate a single lost rank")
	}

	if err := os.Remove(filepath.Join(dirs.CkptDirFor(L3), meta.CkptName(1, 3))); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if readyAll(t, managers, L3) {
		t.Fatal("L3 must refuse two lost ranks")
	}
}

func TestRepairL2RestoresLostFile(t *testing.T) {
	dirs := testDirs(t)
	mesh := inproc.NewMesh(4)
	managers := newManagers(t, mesh, dirs)

	payloads := stageGroup(t, dirs, 1, 4)
	commitAll(t, managers, L2, 1)

	lost := filepath.Join(dirs.CkptDirFor(L2), meta.CkptName(1, 2))
	if err := os.Remove(lost); err != nil {
		t.Fatalf("remove: %v", err)
	}

	var eg errgroup.Group
	for _, m := range managers {
		eg.Go(func() error { return m.Repair(context.Background(), L2) })
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("repair: %v", err)
	}

	data, err := os.ReadFile(lost)
	if err != nil {
		t.Fatalf("read repaired: %v", err)
	}
	if string(data) != string(payloads[2]) {
		t.Fatal("repaired file differs from original")
	}
}

func TestLevelAndStateStrings(t *testing.T) {
	if L3.String() != "L3-reed-solomon" {
		t.Fatalf("level string: got %s", L3.String())
	}
	if Durable.String() != "durable" {
		t.Fatalf("state string: got %s", Durable.String())
	}
}
