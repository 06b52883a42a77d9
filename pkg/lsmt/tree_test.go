package lsmt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"git.canoozie.net/riddling/segkv/pkg/common"
	"git.canoozie.net/riddling/segkv/pkg/lsf"
	"git.canoozie.net/riddling/segkv/pkg/model"
	"git.canoozie.net/riddling/segkv/pkg/segment"
)

func testConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FileSize:        4,
		CompactEnable:   true,
		MergeThreshold:  0,
		PayloadCapacity: 32,
		Logger:          model.NewNoOpLogger(),
	}
}

func readValue(t *testing.T, tree *Tree, p lsf.Pointer) string {
	t.Helper()
	payload, ok, err := tree.ReadByPointer(p)
	if err != nil || !ok {
		t.Fatalf("Failed to read %s: ok=%v err=%v", p, ok, err)
	}
	cmd, err := model.DecodeCommand(payload)
	if err != nil {
		t.Fatalf("Failed to decode %s: %v", p, err)
	}
	return cmd.Value
}

func walFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestTreeOpenEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")

	tree, err := Open(testConfig(dir))
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}
	defer tree.Close()

	stats := tree.Stats()
	if len(stats.Files) != 1 || stats.Files[0].IDs != lsf.SingleID(0) {
		t.Errorf("Expected a single file [0,0], got %+v", stats.Files)
	}
	if names := walFiles(t, dir); len(names) != 1 || names[0] != "0.wal" {
		t.Errorf("Unexpected directory contents %v", names)
	}
	if _, _, err := tree.Pop(); err != io.EOF {
		t.Errorf("Expected io.EOF from an empty tree, got %v", err)
	}
}

func TestTreeRotation(t *testing.T) {
	cfg := testConfig(t.TempDir())
	tree, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}
	defer tree.Close()

	// A file rotates once it holds FileSize records
	for i := 0; i < cfg.FileSize; i++ {
		if _, err := tree.Append(model.SetCommand(fmt.Sprintf("k%d", i), "v")); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}
	if n := len(tree.Stats().Files); n != 1 {
		t.Fatalf("Expected 1 file before rotation, got %d", n)
	}

	p, err := tree.Append(model.SetCommand("next", "v"))
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	stats := tree.Stats()
	if len(stats.Files) != 2 {
		t.Fatalf("Expected 2 files after rotation, got %d", len(stats.Files))
	}
	if stats.Files[1].IDs != lsf.SingleID(1) || p.FileID != 1 {
		t.Errorf("Expected new file [1,1], got %s (pointer %s)", stats.Files[1].IDs, p)
	}
	if !stats.Files[0].Compacted || stats.Files[1].Compacted {
		t.Errorf("Expected only the old file to be compacted: %+v", stats.Files)
	}

	for i := 0; i < cfg.FileSize; i++ {
		key := fmt.Sprintf("k%d", i)
		if v := readValue(t, tree, lsf.Pointer{FileID: 0, Key: key}); v != "v" {
			t.Errorf("Unexpected value %q for %s", v, key)
		}
	}
}

func TestTreeMerge(t *testing.T) {
	cfg := testConfig(t.TempDir())
	tree, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}

	// Three files sharing keys; later sets must win
	latest := make(map[string]string)
	pointers := make(map[string]lsf.Pointer)
	for round := 0; round < 3; round++ {
		for i := 0; i < cfg.FileSize; i++ {
			key := fmt.Sprintf("k%d", (i+round)%(cfg.FileSize+1))
			value := fmt.Sprintf("r%d-%d", round, i)
			p, err := tree.Append(model.SetCommand(key, value))
			if err != nil {
				t.Fatalf("Failed to append: %v", err)
			}
			latest[key] = value
			pointers[key] = p
		}
	}
	if n := len(tree.Stats().Files); n != 3 {
		t.Fatalf("Expected 3 files before merge, got %d", n)
	}

	if err := tree.Merge(); err != nil {
		t.Fatalf("Failed to merge: %v", err)
	}

	stats := tree.Stats()
	if len(stats.Files) != 2 {
		t.Fatalf("Expected 2 files after merge, got %+v", stats.Files)
	}
	if stats.Files[0].IDs != (lsf.IDRange{Start: 0, End: 1}) || !stats.Files[0].Compacted {
		t.Errorf("Unexpected merged file %+v", stats.Files[0])
	}
	if names := walFiles(t, cfg.Dir); len(names) != 2 || names[0] != "0-1.wal" || names[1] != "2.wal" {
		t.Errorf("Unexpected directory contents %v", names)
	}

	for key, want := range latest {
		if got := readValue(t, tree, pointers[key]); got != want {
			t.Errorf("Key %s: expected %q, got %q", key, want, got)
		}
	}

	// Merged state survives a reopen
	if err := tree.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	tree, err = Open(cfg)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer tree.Close()

	for key, want := range latest {
		if got := readValue(t, tree, pointers[key]); got != want {
			t.Errorf("Key %s after reopen: expected %q, got %q", key, want, got)
		}
	}
}

func TestTreeMergeThreshold(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MergeThreshold = 2
	tree, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}
	defer tree.Close()

	for i := 0; i < 5*cfg.FileSize; i++ {
		if _, err := tree.Append(model.SetCommand(fmt.Sprintf("k%d", i%7), fmt.Sprint(i))); err != nil {
			t.Fatalf("Failed to append %d: %v", i, err)
		}
		if n := len(tree.Stats().Files); n-1 > cfg.MergeThreshold {
			t.Fatalf("Append %d left %d files with merge threshold %d", i, n, cfg.MergeThreshold)
		}
	}
}

func TestTreePopReplay(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.CompactEnable = false
	tree, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}

	var written []lsf.Pointer
	for i := 0; i < 3*cfg.FileSize; i++ {
		p, err := tree.Append(model.SetCommand(fmt.Sprintf("k%d", i%3), fmt.Sprint(i)))
		if err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
		written = append(written, p)
	}
	tree.Close()

	tree, err = Open(cfg)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer tree.Close()

	// Without compaction every record comes back, in write order
	for i, want := range written {
		p, payload, err := tree.Pop()
		if err != nil {
			t.Fatalf("Pop %d failed: %v", i, err)
		}
		if p != want {
			t.Errorf("Pop %d: expected %s, got %s", i, want, p)
		}
		cmd, err := model.DecodeCommand(payload)
		if err != nil || cmd.Value != fmt.Sprint(i) {
			t.Errorf("Pop %d: unexpected command %+v (%v)", i, cmd, err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, _, err := tree.Pop(); err != io.EOF {
			t.Errorf("Expected io.EOF after replay, got %v", err)
		}
	}
}

func TestTreeRecovery(t *testing.T) {
	cfg := testConfig(t.TempDir())
	tree, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}
	for i := 0; i < 3*cfg.FileSize; i++ {
		tree.Append(model.SetCommand(fmt.Sprintf("k%d", i), "v"))
	}
	tree.Close()

	// Simulate a merge of [0] and [1] that crashed before removing its
	// sources, plus leftovers of an unfinished compaction and merge
	src, err := lsf.Open(filepath.Join(cfg.Dir, "0.wal"), lsf.Config{Logger: model.NewNoOpLogger()})
	if err != nil {
		t.Fatalf("Failed to open source: %v", err)
	}
	other, err := lsf.Open(filepath.Join(cfg.Dir, "1.wal"), lsf.Config{Logger: model.NewNoOpLogger()})
	if err != nil {
		t.Fatalf("Failed to open source: %v", err)
	}
	merged, err := lsf.Create(cfg.Dir, lsf.NewFileHeader(lsf.IDRange{Start: 0, End: 1}), lsf.Config{Logger: model.NewNoOpLogger()})
	if err != nil {
		t.Fatalf("Failed to create merged file: %v", err)
	}
	if err := merged.Absorb(src); err != nil {
		t.Fatalf("Failed to absorb: %v", err)
	}
	if err := merged.Absorb(other); err != nil {
		t.Fatalf("Failed to absorb: %v", err)
	}
	src.Close()
	other.Close()
	merged.Close()

	os.WriteFile(filepath.Join(cfg.Dir, common.CompactedName(2, 2)), []byte("partial"), 0644)
	os.WriteFile(filepath.Join(cfg.Dir, common.MergingName(0, 2)), []byte("partial"), 0644)

	tree, err = Open(cfg)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer tree.Close()

	if names := walFiles(t, cfg.Dir); len(names) != 2 || names[0] != "0-1.wal" || names[1] != "2.wal" {
		t.Errorf("Unexpected directory contents after recovery %v", names)
	}
	for i := 0; i < 2*cfg.FileSize; i++ {
		key := fmt.Sprintf("k%d", i)
		if v := readValue(t, tree, lsf.Pointer{FileID: uint64(i / cfg.FileSize), Key: key}); v != "v" {
			t.Errorf("Unexpected value %q for %s", v, key)
		}
	}
}

func TestTreeOpenCorrupt(t *testing.T) {
	cfg := testConfig(t.TempDir())
	tree, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}
	tree.Append(model.SetCommand("a", "1"))
	tree.Close()

	path := filepath.Join(cfg.Dir, "0.wal")
	info, _ := os.Stat(path)
	os.Truncate(path, info.Size()-3)

	if _, err := Open(cfg); !errors.Is(err, lsf.ErrIncompleteWrite) {
		t.Errorf("Expected ErrIncompleteWrite, got %v", err)
	}

	// A flipped high bit in the first frame's capacity field
	os.Remove(path)
	tree, err = Open(cfg)
	if err != nil {
		t.Fatalf("Failed to recreate tree: %v", err)
	}
	tree.Append(model.SetCommand("a", "1"))
	tree.Close()

	b, _ := os.ReadFile(path)
	b[segment.MetaSize+15] ^= 0x80
	os.WriteFile(path, b, 0644)

	if _, err := Open(cfg); !errors.Is(err, lsf.ErrHeaderMissing) {
		t.Errorf("Expected ErrHeaderMissing, got %v", err)
	}
}

func TestTreeReadUnknownFile(t *testing.T) {
	tree, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}
	defer tree.Close()

	if _, _, err := tree.ReadByPointer(lsf.Pointer{FileID: 9, Key: "a"}); !errors.Is(err, ErrPointerNotFound) {
		t.Errorf("Expected ErrPointerNotFound, got %v", err)
	}
	tree.Close()
	if _, err := tree.Append(model.SetCommand("a", "1")); !errors.Is(err, ErrTreeClosed) {
		t.Errorf("Expected ErrTreeClosed, got %v", err)
	}
}
