// Package lsmt manages a directory of log-structured files as one logical
// store. Appends go to the newest file; when it fills up a new file is
// rotated in, older files are compacted, and once too many old files exist
// they are merged into one.
//
//	 0-4.wal          5.wal        6.wal
//	+--------+     +--------+   +--------+
//	| merged | ... |  cold  |   | active | <- Append
//	+--------+     +--------+   +--------+
//	 compacted      compacted    uncompacted
package lsmt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"git.canoozie.net/riddling/segkv/pkg/common"
	"git.canoozie.net/riddling/segkv/pkg/lsf"
	"git.canoozie.net/riddling/segkv/pkg/model"
	"git.canoozie.net/riddling/segkv/pkg/segment"
)

// Tree errors
var (
	ErrTreeClosed      = errors.New("log tree is closed")
	ErrOverlappingIDs  = errors.New("log files have overlapping id ranges")
	ErrPointerNotFound = errors.New("no log file contains pointer")
)

// Config holds configuration options for a tree
type Config struct {
	// Directory holding the log files
	Dir string

	// Records per file before a new file is rotated in
	FileSize int

	// Whether files other than the newest are compacted
	CompactEnable bool

	// Number of old files that triggers a merge, 0 disables merging
	MergeThreshold int

	// Frame payload bytes for new files
	PayloadCapacity int

	// Whether to fsync after every entry
	SyncWrites bool

	// Logger for tree operations
	Logger model.Logger
}

// DefaultConfig returns a default configuration for a tree in dir
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FileSize:        1000,
		CompactEnable:   true,
		MergeThreshold:  2,
		PayloadCapacity: segment.DefaultPayloadCapacity,
		Logger:          model.DefaultLoggerInstance,
	}
}

// Tree is an ordered set of log-structured files
type Tree struct {
	mu      sync.RWMutex
	config  Config
	files   []*lsf.File // ascending by id range, newest last
	popFile int         // file drained by Pop
	closed  bool
	logger  model.Logger
}

// Open opens the tree in config.Dir, creating the directory and a first file
// if needed.
func Open(config Config) (*Tree, error) {
	if config.Logger == nil {
		config.Logger = model.DefaultLoggerInstance
	}
	if config.FileSize <= 0 {
		config.FileSize = DefaultConfig(config.Dir).FileSize
	}
	if config.PayloadCapacity <= 0 {
		config.PayloadCapacity = segment.DefaultPayloadCapacity
	}
	if config.MergeThreshold < 0 {
		config.MergeThreshold = 0
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	t := &Tree{
		config: config,
		logger: config.Logger,
	}

	if err := t.load(); err != nil {
		t.closeFiles()
		return nil, err
	}

	if len(t.files) == 0 {
		f, err := lsf.Create(config.Dir, lsf.NewFileHeader(lsf.SingleID(0)), t.fileConfig())
		if err != nil {
			return nil, err
		}
		t.files = append(t.files, f)
	}

	if config.CompactEnable {
		for _, f := range t.files[:len(t.files)-1] {
			if err := f.Compact(); err != nil {
				t.closeFiles()
				return nil, err
			}
		}
	}

	t.logger.Info("Opened log tree in %s with %d files", config.Dir, len(t.files))
	return t, nil
}

func (t *Tree) fileConfig() lsf.Config {
	return lsf.Config{
		PayloadCapacity: t.config.PayloadCapacity,
		SyncWrites:      t.config.SyncWrites,
		Logger:          t.logger,
	}
}

// load opens every log file in the directory, cleaning up what an
// interrupted compaction or merge left behind.
func (t *Tree) load() error {
	dirEntries, err := os.ReadDir(t.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	names := make(map[string]bool, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			names[de.Name()] = true
		}
	}

	var paths []string
	for name := range names {
		path := filepath.Join(t.config.Dir, name)
		switch {
		case strings.HasSuffix(name, common.MergingSuffix):
			t.logger.Warn("Removing unfinished merge output %s", name)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}

		case common.IsCompactedName(name):
			// The rename that publishes a compaction is atomic, so a leftover
			// output never replaced anything and its source is still present.
			t.logger.Warn("Removing unfinished compaction output %s", name)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}

		case strings.HasSuffix(name, common.WALSuffix):
			if _, _, err := common.ParseWALName(name); err != nil {
				t.logger.Warn("Ignoring unrecognized file %s: %v", name, err)
				continue
			}
			paths = append(paths, path)
		}
	}

	for _, path := range paths {
		f, err := lsf.Open(path, t.fileConfig())
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		t.files = append(t.files, f)
	}

	// Widest range first among equal starts, so merge outputs precede the
	// sources they cover.
	sort.Slice(t.files, func(i, j int) bool {
		a, b := t.files[i].IDs(), t.files[j].IDs()
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End > b.End
	})

	return t.dropCovered()
}

// dropCovered removes files whose id range lies inside another file's range.
// Those are merge sources whose removal was interrupted; the merged file
// already holds their records.
func (t *Tree) dropCovered() error {
	kept := t.files[:0]
	for _, f := range t.files {
		if len(kept) > 0 {
			prev := kept[len(kept)-1]
			switch {
			case prev.IDs().Covers(f.IDs()):
				t.logger.Warn("Removing %s, already merged into %s", f.Path(), prev.Path())
				if err := f.Remove(); err != nil {
					return err
				}
				continue
			case prev.IDs().Overlaps(f.IDs()):
				f.Close()
				return fmt.Errorf("%w: %s and %s", ErrOverlappingIDs, prev.IDs(), f.IDs())
			}
		}
		kept = append(kept, f)
	}
	for i := len(kept); i < len(t.files); i++ {
		t.files[i] = nil
	}
	t.files = kept
	return nil
}

func (t *Tree) newest() *lsf.File {
	return t.files[len(t.files)-1]
}

// Append stores a record in the newest file, rotating and merging first when
// needed.
func (t *Tree) Append(r lsf.Record) (lsf.Pointer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return lsf.Pointer{}, ErrTreeClosed
	}

	if t.newest().EntryCount() >= 2*(t.config.FileSize+1) {
		if err := t.rotateLocked(); err != nil {
			return lsf.Pointer{}, err
		}
	}

	if t.config.MergeThreshold > 0 && len(t.files)-1 > t.config.MergeThreshold {
		if err := t.mergeLocked(); err != nil {
			return lsf.Pointer{}, err
		}
	}

	return t.newest().Append(r)
}

func (t *Tree) rotateLocked() error {
	current := t.newest()
	if t.config.CompactEnable {
		if err := current.Compact(); err != nil {
			return err
		}
	}

	next := current.IDs().End + 1
	f, err := lsf.Create(t.config.Dir, lsf.NewFileHeader(lsf.SingleID(next)), t.fileConfig())
	if err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	t.files = append(t.files, f)

	t.logger.Info("Rotated log file %s -> %s", current.IDs(), f.IDs())
	return nil
}

// Merge collapses every file except the newest into one compacted file
// covering their combined id range.
func (t *Tree) Merge() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTreeClosed
	}
	return t.mergeLocked()
}

func (t *Tree) mergeLocked() error {
	if len(t.files) < 3 {
		return nil
	}

	old := t.files[:len(t.files)-1]
	newest := t.newest()
	ids := lsf.IDRange{Start: old[0].IDs().Start, End: old[len(old)-1].IDs().End}

	tmpPath := filepath.Join(t.config.Dir, common.MergingName(ids.Start, ids.End))
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale %s: %w", tmpPath, err)
	}

	merged, err := lsf.CreateAt(tmpPath, lsf.NewFileHeader(ids), t.fileConfig())
	if err != nil {
		return fmt.Errorf("failed to create merge output: %w", err)
	}

	for _, f := range old {
		if err := merged.Absorb(f); err != nil {
			merged.Remove()
			return fmt.Errorf("failed to merge %s: %w", f.Path(), err)
		}
	}
	if err := merged.Compact(); err != nil {
		merged.Remove()
		return err
	}
	if err := merged.Rename(filepath.Join(t.config.Dir, common.WALName(ids.Start, ids.End))); err != nil {
		merged.Remove()
		return err
	}

	for _, f := range old {
		if err := f.Remove(); err != nil {
			t.logger.Warn("Failed to remove merged log file %s: %v", f.Path(), err)
		}
	}

	t.files = []*lsf.File{merged, newest}

	t.logger.Info("Merged %d log files into %s (%d keys)", len(old), merged.Path(), merged.Len())
	return nil
}

// Pop returns the next record in file order, then entry order. It drains the
// tree once and returns io.EOF from then on. It is meant for replay right
// after Open, before any Append.
func (t *Tree) Pop() (lsf.Pointer, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return lsf.Pointer{}, nil, ErrTreeClosed
	}

	for t.popFile < len(t.files) {
		p, payload, err := t.files[t.popFile].PopEntry()
		if err == io.EOF {
			t.popFile++
			continue
		}
		if err != nil {
			return lsf.Pointer{}, nil, err
		}
		return p, payload, nil
	}
	return lsf.Pointer{}, nil, io.EOF
}

// ReadByPointer reads the record p refers to.
func (t *Tree) ReadByPointer(p lsf.Pointer) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, false, ErrTreeClosed
	}

	f := t.find(p.FileID)
	if f == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrPointerNotFound, p)
	}
	return f.ReadByPointer(p)
}

func (t *Tree) find(id uint64) *lsf.File {
	i := sort.Search(len(t.files), func(i int) bool {
		return t.files[i].IDs().End >= id
	})
	if i < len(t.files) && t.files[i].IDs().Contains(id) {
		return t.files[i]
	}
	return nil
}

// FileStats describes one file of the tree
type FileStats struct {
	IDs        lsf.IDRange
	Path       string
	EntryCount int
	Keys       int
	Compacted  bool
}

// Stats describes the tree
type Stats struct {
	Files []FileStats
}

// Stats returns a snapshot of the tree's files.
func (t *Tree) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{Files: make([]FileStats, 0, len(t.files))}
	for _, f := range t.files {
		stats.Files = append(stats.Files, FileStats{
			IDs:        f.IDs(),
			Path:       f.Path(),
			EntryCount: f.EntryCount(),
			Keys:       f.Len(),
			Compacted:  f.Header().Compacted,
		})
	}
	return stats
}

// Sync flushes the newest file to disk. Older files are synced when they are
// compacted or merged.
func (t *Tree) Sync() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTreeClosed
	}
	return t.newest().Sync()
}

// Close closes every file.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	err := t.closeFiles()
	t.logger.Info("Closed log tree in %s", t.config.Dir)
	return err
}

func (t *Tree) closeFiles() error {
	var errs []error
	for _, f := range t.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", f.Path(), err))
		}
	}
	return errors.Join(errs...)
}
