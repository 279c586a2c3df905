package xfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/config"
	"github.com/NVIDIA/syncmesh/internal/content"
	"github.com/NVIDIA/syncmesh/internal/eventbus"
	"github.com/NVIDIA/syncmesh/internal/indexer"
	"github.com/NVIDIA/syncmesh/internal/job"
	"github.com/NVIDIA/syncmesh/internal/store"
	"github.com/NVIDIA/syncmesh/internal/volume"
)

func openTestRig(t *testing.T) (*store.Store, *content.Store, *job.Runtime) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "main.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cs := content.Open(s.DB())

	jobDB, err := buntdb.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open job db: %v", err)
	}
	t.Cleanup(func() { jobDB.Close() })

	bus := eventbus.New()
	reg := job.NewRegistry()
	reg.Register(indexer.JobName, indexer.NewFactory(s, cs, bus, indexer.RuleSet{}))
	backend := volume.NewLocalBackend("/")
	reg.Register(JobName, NewFactory(s, cs, bus, backend, nil))

	cfg := config.JobConfig{MaxConcurrent: 4, ProgressFlushEach: 2 * time.Second, CheckpointEach: 20}
	rt := job.NewRuntime(jobDB, reg, bus, cfg)
	return s, cs, rt
}

func indexTree(t *testing.T, s *store.Store, rt *job.Runtime, root string) {
	t.Helper()
	loc, err := s.CreateLocation(root)
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	handle, err := rt.DispatchByName(indexer.JobName, indexer.Params{LocationID: loc.ID, RootPath: root}, job.PriorityNormal)
	if err != nil {
		t.Fatalf("dispatch index: %v", err)
	}
	if rec, err := handle.Wait(); err != nil || rec.Status != job.StatusCompleted {
		t.Fatalf("index wait: %v / %s", err, rec.Status)
	}
}

func TestDecideStrategyTable(t *testing.T) {
	cases := []struct {
		name                 string
		sameDevice           bool
		srcVolume, dstVolume string
		isMove               bool
		want                 Strategy
	}{
		{"same device same volume move", true, "vol-a", "vol-a", true, StrategyRename},
		{"same device same volume copy", true, "vol-a", "vol-a", false, StrategySameVolumeCopy},
		{"same device cross volume move", true, "vol-a", "vol-b", true, StrategyStreamingCopy},
		{"same device cross volume copy", true, "vol-a", "vol-b", false, StrategyStreamingCopy},
		{"cross device move", false, "vol-a", "vol-b", true, StrategyCrossDeviceTransfer},
		{"cross device copy", false, "vol-a", "vol-b", false, StrategyCrossDeviceTransfer},
		{"unknown volumes assumed same", true, "", "", true, StrategyRename},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := decideStrategy(c.sameDevice, c.srcVolume, c.dstVolume, c.isMove)
			if got != c.want {
				t.Fatalf("got %s, want %s", got, c.want)
			}
		})
	}
}

func TestExpandTreeVisitsParentBeforeChildren(t *testing.T) {
	s, _, rt := openTestRig(t)
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "sub"))
	mustWriteFile(t, filepath.Join(root, "sub", "a.txt"), "a")
	mustWriteFile(t, filepath.Join(root, "top.txt"), "top")
	indexTree(t, s, rt, root)

	rootID, err := s.ResolveEntryPath(root)
	if err != nil || rootID == 0 {
		t.Fatalf("resolve root: %v", err)
	}

	j := &Job{Entries: s}
	tasks, err := j.expandTree(rootID, root, "/dest/root")
	if err != nil {
		t.Fatalf("expandTree: %v", err)
	}
	if len(tasks) != 4 { // root, sub, sub/a.txt, top.txt
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
	seen := map[string]bool{}
	for _, task := range tasks {
		if task.Kind == store.KindDirectory && task.SrcPath != root {
			parent := filepath.Dir(task.SrcPath)
			if !seen[parent] && parent != root {
				t.Fatalf("child %s visited before its parent %s", task.SrcPath, parent)
			}
		}
		seen[task.SrcPath] = true
	}
}

func TestCopyJobCopiesFilesAndCreatesNewEntries(t *testing.T) {
	s, _, rt := openTestRig(t)
	srcRoot := t.TempDir()
	mustMkdirAll(t, filepath.Join(srcRoot, "dir"))
	mustWriteFile(t, filepath.Join(srcRoot, "dir", "f.txt"), "hello world")
	indexTree(t, s, rt, srcRoot)

	dirID, err := s.ResolveEntryPath(filepath.Join(srcRoot, "dir"))
	if err != nil || dirID == 0 {
		t.Fatalf("resolve dir: %v", err)
	}

	destRoot := t.TempDir()
	params := Params{
		Sources: []SourceSpec{{EntryID: dirID, Path: filepath.Join(srcRoot, "dir")}},
		DestDir: destRoot,
		IsMove:  false,
	}
	handle, err := rt.DispatchByName(JobName, params, job.PriorityNormal)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	rec, err := handle.Wait()
	if err != nil || rec.Status != job.StatusCompleted {
		t.Fatalf("wait: %v / %s (%s)", err, rec.Status, rec.Err)
	}

	destFile := filepath.Join(destRoot, "dir", "f.txt")
	if _, err := os.Stat(destFile); err != nil {
		t.Fatalf("expected copied file on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(srcRoot, "dir", "f.txt")); err != nil {
		t.Fatalf("expected source file to remain after copy: %v", err)
	}

	newID, err := s.ResolveEntryPath(destFile)
	if err != nil || newID == 0 {
		t.Fatalf("expected destination entry indexed: %v", err)
	}
	newEntry, err := s.Get(newID)
	if err != nil {
		t.Fatalf("get dest entry: %v", err)
	}
	if newEntry.ContentID == "" {
		t.Fatalf("expected copied entry to be content-linked")
	}
}

func TestCopyJobMoveRenamesSameVolume(t *testing.T) {
	s, _, rt := openTestRig(t)
	srcRoot := t.TempDir()
	mustWriteFile(t, filepath.Join(srcRoot, "f.txt"), "payload")
	indexTree(t, s, rt, srcRoot)

	fileID, err := s.ResolveEntryPath(filepath.Join(srcRoot, "f.txt"))
	if err != nil || fileID == 0 {
		t.Fatalf("resolve source: %v", err)
	}

	destRoot := t.TempDir()
	params := Params{
		Sources: []SourceSpec{{EntryID: fileID, Path: filepath.Join(srcRoot, "f.txt")}},
		DestDir: destRoot,
		IsMove:  true,
	}
	handle, err := rt.DispatchByName(JobName, params, job.PriorityNormal)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	rec, err := handle.Wait()
	if err != nil || rec.Status != job.StatusCompleted {
		t.Fatalf("wait: %v / %s (%s)", err, rec.Status, rec.Err)
	}

	if _, err := os.Stat(filepath.Join(srcRoot, "f.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected source gone after rename, stat err = %v", err)
	}
	destFile := filepath.Join(destRoot, "f.txt")
	if _, err := os.Stat(destFile); err != nil {
		t.Fatalf("expected file at new path: %v", err)
	}

	gotID, err := s.ResolveEntryPath(destFile)
	if err != nil || gotID != fileID {
		t.Fatalf("expected moved entry to keep its id at new path, got %d err %v", gotID, err)
	}
	oldID, err := s.ResolveEntryPath(filepath.Join(srcRoot, "f.txt"))
	if err != nil || oldID != 0 {
		t.Fatalf("expected old path unresolved, got %d", oldID)
	}
}

func mustMkdirAll(t *testing.T, p string) {
	t.Helper()
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", p, err)
	}
}

func mustWriteFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}
