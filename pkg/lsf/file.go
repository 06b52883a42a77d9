// Package lsf implements the log-structured file: one segment file holding a
// file header, data records and index snapshots, plus the in-memory index
// mapping each key to the segment of its latest record.
//
// Every append writes the record followed by a full index snapshot, so the
// last entry of a healthy file is always an index and reopening costs two
// entry reads instead of a replay.
package lsf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"git.canoozie.net/riddling/segkv/pkg/common"
	"git.canoozie.net/riddling/segkv/pkg/model"
	"git.canoozie.net/riddling/segkv/pkg/segment"
)

// State describes where a file is in its lifecycle
type State int

const (
	StateFresh      State = iota // header and empty index only
	StatePopulated               // at least one record
	StateCompacting              // compaction in progress
	StateCompacted               // rewritten with one record per key
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StatePopulated:
		return "populated"
	case StateCompacting:
		return "compacting"
	case StateCompacted:
		return "compacted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds configuration options for a log-structured file
type Config struct {
	PayloadCapacity int          // Frame payload bytes for new files
	SyncWrites      bool         // Whether to fsync after every entry
	Logger          model.Logger // Logger for file operations
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		PayloadCapacity: segment.DefaultPayloadCapacity,
		Logger:          model.DefaultLoggerInstance,
	}
}

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = model.DefaultLoggerInstance
	}
	if c.PayloadCapacity <= 0 {
		c.PayloadCapacity = segment.DefaultPayloadCapacity
	}
}

func (c Config) segmentConfig() segment.Config {
	return segment.Config{
		PayloadCapacity: c.PayloadCapacity,
		SyncWrites:      c.SyncWrites,
		Logger:          c.Logger,
	}
}

// File is one log-structured file
type File struct {
	path       string
	header     FileHeader
	index      map[string]int // key -> first segment of its latest data entry
	entryCount int            // entries in the file, also the next entry sequence
	seg        *segment.File
	compacting bool
	config     Config
	logger     model.Logger
}

// Create creates a new file in dir named after the header's id range and
// writes the header and an empty index.
func Create(dir string, header FileHeader, config Config) (*File, error) {
	return CreateAt(filepath.Join(dir, common.WALName(header.IDs.Start, header.IDs.End)), header, config)
}

// CreateAt is Create with an explicit path.
func CreateAt(path string, header FileHeader, config Config) (*File, error) {
	config.withDefaults()

	seg, err := segment.Create(path, config.segmentConfig())
	if err != nil {
		return nil, err
	}

	f := &File{
		path:   path,
		header: header,
		index:  make(map[string]int),
		seg:    seg,
		config: config,
		logger: config.Logger,
	}

	if _, err := f.writeEntry(HeaderEntry(header)); err != nil {
		seg.Remove()
		return nil, err
	}
	if err := f.writeIndex(); err != nil {
		seg.Remove()
		return nil, err
	}

	f.logger.Info("Created log file %s (ids %s)", path, header.IDs)
	return f, nil
}

// Open opens an existing file, restoring its header and index from the first
// and last entries. The read cursor is left at the first record.
func Open(path string, config Config) (*File, error) {
	config.withDefaults()

	seg, err := segment.Open(path, config.segmentConfig())
	if err != nil {
		switch {
		case errors.Is(err, segment.ErrTruncatedFrame):
			return nil, formatError(path, ErrIncompleteWrite, err)
		case errors.Is(err, segment.ErrMetaMissing),
			errors.Is(err, segment.ErrBadMagic),
			errors.Is(err, segment.ErrIncompatible):
			return nil, formatError(path, ErrHeaderMissing, err)
		}
		return nil, err
	}

	f := &File{
		path:   path,
		seg:    seg,
		config: config,
		logger: config.Logger,
	}
	if err := f.load(); err != nil {
		seg.Close()
		return nil, err
	}

	f.logger.Debug("Opened log file %s (ids %s, %d keys, %d entries, compacted=%v)",
		path, f.header.IDs, len(f.index), f.entryCount, f.header.Compacted)
	return f, nil
}

func (f *File) load() error {
	if f.seg.Segments() == 0 {
		return formatError(f.path, ErrEmptyFile, nil)
	}

	raw, next, err := f.seg.ReadEntryAt(0)
	if err != nil {
		return formatError(f.path, ErrHeaderMissing, err)
	}
	first, err := UnmarshalEntry(raw)
	if err != nil || first.Kind != KindFileHeader {
		return formatError(f.path, ErrHeaderMissing, err)
	}
	f.header = *first.FileHeader

	start, ok, err := f.seg.LastEntryStart()
	if err != nil || !ok || start < next {
		return formatError(f.path, ErrIncompleteWrite, err)
	}
	raw, _, err = f.seg.ReadEntryAt(start)
	if err != nil {
		return formatError(f.path, ErrIncompleteWrite, err)
	}
	last, err := UnmarshalEntry(raw)
	if err != nil || last.Kind != KindIndex {
		return formatError(f.path, ErrIncompleteWrite, err)
	}

	for key, off := range last.Index.Offsets {
		if off < next || off >= start {
			return formatError(f.path, ErrCorruptEntry,
				fmt.Errorf("index offset %d of key %q outside [%d, %d)", off, key, next, start))
		}
	}
	f.index = last.Index.Offsets
	f.entryCount = last.Index.Count

	if _, ok := f.seg.SeekSegment(next); !ok {
		return formatError(f.path, ErrIncompleteWrite, nil)
	}
	return nil
}

func (f *File) writeEntry(e LogEntry) (segment.Range, error) {
	b, err := e.Marshal()
	if err != nil {
		return segment.Range{}, err
	}
	r, err := f.seg.Append(uint64(f.entryCount), b)
	if err != nil {
		return segment.Range{}, fmt.Errorf("failed to write %s entry to %s: %w", e.Kind, f.path, err)
	}
	f.entryCount++
	return r, nil
}

func (f *File) writeIndex() error {
	_, err := f.writeEntry(IndexEntry(f.entryCount+1, f.index))
	return err
}

// WriteData writes a raw record for key followed by an index snapshot.
func (f *File) WriteData(key string, payload []byte) error {
	r, err := f.writeEntry(DataEntry(key, payload))
	if err != nil {
		return err
	}
	f.index[key] = r.Start
	return f.writeIndex()
}

// Append stores a record and returns a pointer to it.
func (f *File) Append(r Record) (Pointer, error) {
	key := r.RecordKey()
	payload, err := r.EncodeRecord()
	if err != nil {
		return Pointer{}, fmt.Errorf("failed to encode record %q: %w", key, err)
	}
	if err := f.WriteData(key, payload); err != nil {
		return Pointer{}, err
	}
	return f.pointer(key), nil
}

func (f *File) pointer(key string) Pointer {
	return Pointer{FileID: f.header.IDs.Start, Key: key}
}

// Read returns the latest payload stored for key.
func (f *File) Read(key string) ([]byte, bool, error) {
	off, ok := f.index[key]
	if !ok {
		return nil, false, nil
	}

	d, err := f.readData(off)
	if err != nil {
		return nil, false, err
	}
	if d.Key != key {
		return nil, false, fmt.Errorf("%w: segment %d of %s holds key %q, index says %q",
			ErrCorruptEntry, off, f.path, d.Key, key)
	}
	return d.Payload, true, nil
}

// ReadByPointer resolves p through this file's index.
func (f *File) ReadByPointer(p Pointer) ([]byte, bool, error) {
	return f.Read(p.Key)
}

func (f *File) readData(off int) (*Data, error) {
	raw, _, err := f.seg.ReadEntryAt(off)
	if err != nil {
		return nil, err
	}
	e, err := UnmarshalEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("segment %d of %s: %w", off, f.path, err)
	}
	if e.Kind != KindData {
		return nil, fmt.Errorf("%w: segment %d of %s is a %s entry", ErrCorruptEntry, off, f.path, e.Kind)
	}
	if err := e.Data.Verify(); err != nil {
		return nil, fmt.Errorf("segment %d of %s: %w", off, f.path, err)
	}
	return e.Data, nil
}

// PopEntry returns the next record at the read cursor, skipping headers and
// index snapshots. It returns io.EOF after the last record.
func (f *File) PopEntry() (Pointer, []byte, error) {
	for {
		raw, err := f.seg.Pop()
		if err != nil {
			return Pointer{}, nil, err
		}
		e, err := UnmarshalEntry(raw)
		if err != nil {
			return Pointer{}, nil, fmt.Errorf("%s: %w", f.path, err)
		}
		if e.Kind != KindData {
			continue
		}
		if err := e.Data.Verify(); err != nil {
			return Pointer{}, nil, fmt.Errorf("%s: %w", f.path, err)
		}
		return f.pointer(e.Data.Key), e.Data.Payload, nil
	}
}

// PopPointer is PopEntry without the payload.
func (f *File) PopPointer() (Pointer, error) {
	p, _, err := f.PopEntry()
	return p, err
}

type liveEntry struct {
	offset int
	key    string
	raw    []byte
}

// liveEntries returns the raw data entry of every indexed key, ordered by
// original write position.
func (f *File) liveEntries() ([]liveEntry, error) {
	entries := make([]liveEntry, 0, len(f.index))
	for key, off := range f.index {
		raw, _, err := f.seg.ReadEntryAt(off)
		if err != nil {
			return nil, fmt.Errorf("failed to read key %q at segment %d: %w", key, off, err)
		}
		entries = append(entries, liveEntry{offset: off, key: key, raw: raw})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].offset < entries[j].offset
	})
	return entries, nil
}

// Compact rewrites the file keeping only the latest record of each key, in
// original write order. The new file is fully written and synced before it
// replaces the old one.
func (f *File) Compact() error {
	if f.header.Compacted {
		return nil
	}

	f.compacting = true
	defer func() { f.compacting = false }()

	tmpPath := filepath.Join(filepath.Dir(f.path), common.CompactedName(f.header.IDs.Start, f.header.IDs.End))
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale %s: %w", tmpPath, err)
	}

	entries, err := f.liveEntries()
	if err != nil {
		return err
	}

	cfg := f.config.segmentConfig()
	cfg.PayloadCapacity = f.seg.PayloadCapacity()
	seg, err := segment.Create(tmpPath, cfg)
	if err != nil {
		return err
	}

	header := f.header
	header.Compacted = true
	compacted := &File{
		path:   tmpPath,
		header: header,
		index:  make(map[string]int, len(entries)),
		seg:    seg,
		config: f.config,
		logger: f.logger,
	}

	if err := compacted.fill(entries); err != nil {
		seg.Remove()
		return fmt.Errorf("failed to compact %s: %w", f.path, err)
	}
	if err := seg.Rename(f.path); err != nil {
		seg.Remove()
		return err
	}

	if err := f.seg.Close(); err != nil {
		f.logger.Warn("Failed to close replaced log file %s: %v", f.path, err)
	}

	before := f.entryCount
	f.seg = seg
	f.header = header
	f.index = compacted.index
	f.entryCount = compacted.entryCount

	f.logger.Info("Compacted log file %s: %d entries -> %d entries (%d keys)",
		f.path, before, f.entryCount, len(f.index))
	return nil
}

func (f *File) fill(entries []liveEntry) error {
	if _, err := f.writeEntry(HeaderEntry(f.header)); err != nil {
		return err
	}
	if err := f.copyEntries(entries); err != nil {
		return err
	}
	if err := f.writeIndex(); err != nil {
		return err
	}
	return f.seg.Sync()
}

func (f *File) copyEntries(entries []liveEntry) error {
	for _, le := range entries {
		r, err := f.seg.Append(uint64(f.entryCount), le.raw)
		if err != nil {
			return fmt.Errorf("failed to copy key %q into %s: %w", le.key, f.path, err)
		}
		f.entryCount++
		f.index[le.key] = r.Start
	}
	return nil
}

// Absorb copies the latest record of every key in src into f, in src's write
// order, followed by a single index snapshot. Keys already present in f are
// superseded by src's records.
func (f *File) Absorb(src *File) error {
	entries, err := src.liveEntries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if err := f.copyEntries(entries); err != nil {
		return err
	}
	return f.writeIndex()
}

// Path returns the file's path.
func (f *File) Path() string {
	return f.path
}

// Header returns the file header.
func (f *File) Header() FileHeader {
	return f.header
}

// IDs returns the file's id range.
func (f *File) IDs() IDRange {
	return f.header.IDs
}

// EntryCount returns the number of entries in the file.
func (f *File) EntryCount() int {
	return f.entryCount
}

// Len returns the number of indexed keys.
func (f *File) Len() int {
	return len(f.index)
}

// Index returns a copy of the key index.
func (f *File) Index() map[string]int {
	out := make(map[string]int, len(f.index))
	for k, v := range f.index {
		out[k] = v
	}
	return out
}

// Contains reports whether key has a record in this file.
func (f *File) Contains(key string) bool {
	_, ok := f.index[key]
	return ok
}

// State returns the file's lifecycle state.
func (f *File) State() State {
	switch {
	case f.compacting:
		return StateCompacting
	case f.header.Compacted:
		return StateCompacted
	case len(f.index) == 0:
		return StateFresh
	default:
		return StatePopulated
	}
}

// Less orders files by id range.
func (f *File) Less(o *File) bool {
	return f.header.IDs.Before(o.header.IDs)
}

// Sync flushes the file to disk.
func (f *File) Sync() error {
	return f.seg.Sync()
}

// Rename moves the file to path.
func (f *File) Rename(path string) error {
	if err := f.seg.Rename(path); err != nil {
		return err
	}
	f.path = path
	return nil
}

// Close closes the file.
func (f *File) Close() error {
	return f.seg.Close()
}

// Remove closes and deletes the file.
func (f *File) Remove() error {
	if err := f.seg.Remove(); err != nil {
		return err
	}
	f.logger.Info("Removed log file %s", f.path)
	return nil
}
