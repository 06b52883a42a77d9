// Package segment implements an append-only file of fixed-size frames,
// addressed by segment index rather than byte offset.
//
// File layout:
//
//	┌──────────┬─────────┬─────────┬─────┬─────────┐
//	│ Meta     │ frame 0 │ frame 1 │ ... │ frame N │
//	└──────────┴─────────┴─────────┴─────┴─────────┘
//
// Every frame occupies frame.HeaderSize + Meta.PayloadBytes bytes, so segment n
// starts at MetaSize + n*segmentBytes.
package segment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"git.canoozie.net/riddling/segkv/pkg/frame"
	"git.canoozie.net/riddling/segkv/pkg/model"
)

// Segment file errors
var (
	ErrAlreadyExists   = errors.New("segment file already exists")
	ErrMetaMissing     = errors.New("segment file meta header missing")
	ErrBadMagic        = errors.New("segment file has bad magic number")
	ErrIncompatible    = errors.New("segment file version is incompatible")
	ErrTruncatedFrame  = errors.New("segment file ends in a partial frame")
	ErrIncompleteEntry = errors.New("entry is incomplete")
	ErrReadFromMiddle  = errors.New("read started in the middle of an entry")
	ErrClosed          = errors.New("segment file is closed")
)

// Meta header constants
const (
	Magic   uint32 = 0x53454746 // "SEGF"
	Version uint32 = 1

	DefaultPayloadCapacity = 256
)

// Meta is the fixed header at the start of every segment file.
type Meta struct {
	Magic        uint32
	Version      uint32
	HeaderBytes  uint64
	PayloadBytes uint64
}

// MetaSize is the encoded size of Meta.
var MetaSize = binary.Size(Meta{})

var byteOrder = binary.LittleEndian

// SegmentBytes returns the on-disk size of one frame.
func (m Meta) SegmentBytes() int {
	return int(m.HeaderBytes + m.PayloadBytes)
}

func (m Meta) marshal() []byte {
	b := make([]byte, 0, MetaSize)
	b = byteOrder.AppendUint32(b, m.Magic)
	b = byteOrder.AppendUint32(b, m.Version)
	b = byteOrder.AppendUint64(b, m.HeaderBytes)
	b = byteOrder.AppendUint64(b, m.PayloadBytes)
	return b
}

func (m *Meta) unmarshal(b []byte) error {
	m.Magic = byteOrder.Uint32(b[0:4])
	m.Version = byteOrder.Uint32(b[4:8])
	m.HeaderBytes = byteOrder.Uint64(b[8:16])
	m.PayloadBytes = byteOrder.Uint64(b[16:24])

	switch {
	case m.Magic != Magic:
		return fmt.Errorf("%w: %#x", ErrBadMagic, m.Magic)
	case m.Version != Version:
		return fmt.Errorf("%w: version %d, supported %d", ErrIncompatible, m.Version, Version)
	case m.HeaderBytes != uint64(frame.HeaderSize):
		return fmt.Errorf("%w: frame header of %d bytes, supported %d", ErrIncompatible, m.HeaderBytes, frame.HeaderSize)
	case m.PayloadBytes == 0:
		return fmt.Errorf("%w: zero payload capacity", ErrIncompatible)
	case m.PayloadBytes > frame.MaxPayloadCapacity:
		return fmt.Errorf("%w: payload capacity %d exceeds %d", ErrIncompatible, m.PayloadBytes, frame.MaxPayloadCapacity)
	}
	return nil
}

// Range is a half-open range [Start, End) of segment indices.
type Range struct {
	Start int
	End   int
}

// Len returns the number of segments in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Config holds configuration options for a segment file
type Config struct {
	PayloadCapacity int          // Payload bytes per frame, used only by Create
	SyncWrites      bool         // Whether to fsync after every append
	Logger          model.Logger // Logger for segment operations
}

// DefaultConfig returns a default segment file configuration
func DefaultConfig() Config {
	return Config{
		PayloadCapacity: DefaultPayloadCapacity,
		SyncWrites:      false,
		Logger:          model.DefaultLoggerInstance,
	}
}

// File is an append-only segment file. It owns a read handle used for
// positional reads and an append handle used for writes.
type File struct {
	mu           sync.RWMutex
	path         string
	meta         Meta
	reader       *os.File
	file         *os.File
	writer       *bufio.Writer
	segmentBytes int
	segments     int // number of complete frames in the file
	cursor       int // segment index of the next Pop
	syncWrites   bool
	closed       bool
	logger       model.Logger
}

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = model.DefaultLoggerInstance
	}
	if c.PayloadCapacity <= 0 {
		c.PayloadCapacity = DefaultPayloadCapacity
	}
}

// Create creates a new segment file at path. It fails with ErrAlreadyExists
// if the path is taken.
func Create(path string, config Config) (*File, error) {
	config.withDefaults()
	if config.PayloadCapacity > frame.MaxPayloadCapacity {
		return nil, fmt.Errorf("%w: payload capacity %d exceeds %d", ErrIncompatible, config.PayloadCapacity, frame.MaxPayloadCapacity)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	meta := Meta{
		Magic:        Magic,
		Version:      Version,
		HeaderBytes:  uint64(frame.HeaderSize),
		PayloadBytes: uint64(config.PayloadCapacity),
	}

	writer := bufio.NewWriter(file)
	if _, err := writer.Write(meta.marshal()); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment meta: %w", err)
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to flush segment meta: %w", err)
	}

	reader, err := os.Open(path)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open segment file for reading: %w", err)
	}

	f := &File{
		path:         path,
		meta:         meta,
		reader:       reader,
		file:         file,
		writer:       writer,
		segmentBytes: meta.SegmentBytes(),
		syncWrites:   config.SyncWrites,
		logger:       config.Logger,
	}
	f.logger.Debug("Created segment file %s (payload capacity %d)", path, config.PayloadCapacity)
	return f, nil
}

// Open opens an existing segment file. The payload capacity is taken from the
// file's meta header.
func Open(path string, config Config) (*File, error) {
	config.withDefaults()

	reader, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}

	buf := make([]byte, MetaSize)
	if _, err := reader.ReadAt(buf, 0); err != nil {
		reader.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s", ErrMetaMissing, path)
		}
		return nil, fmt.Errorf("failed to read segment meta: %w", err)
	}

	var meta Meta
	if err := meta.unmarshal(buf); err != nil {
		reader.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	info, err := reader.Stat()
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	segmentBytes := meta.SegmentBytes()
	body := info.Size() - int64(MetaSize)
	if body%int64(segmentBytes) != 0 {
		reader.Close()
		return nil, fmt.Errorf("%w: %s has %d trailing bytes", ErrTruncatedFrame, path, body%int64(segmentBytes))
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to open segment file for appending: %w", err)
	}

	f := &File{
		path:         path,
		meta:         meta,
		reader:       reader,
		file:         file,
		writer:       bufio.NewWriter(file),
		segmentBytes: segmentBytes,
		segments:     int(body / int64(segmentBytes)),
		syncWrites:   config.SyncWrites,
		logger:       config.Logger,
	}
	f.logger.Debug("Opened segment file %s (%d segments)", path, f.segments)
	return f, nil
}

// Append frames data as entry entrySeq and writes the frames at the end of
// the file. It returns the segment indices the entry occupies.
func (f *File) Append(entrySeq uint64, data []byte) (Range, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return Range{}, ErrClosed
	}

	frames, err := frame.Encode(data, entrySeq, int(f.meta.PayloadBytes))
	if err != nil {
		return Range{}, err
	}

	buf := make([]byte, 0, len(frames)*f.segmentBytes)
	for _, fr := range frames {
		if buf, err = fr.AppendBinary(buf); err != nil {
			return Range{}, err
		}
	}

	if _, err := f.writer.Write(buf); err != nil {
		return Range{}, fmt.Errorf("failed to write frames: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return Range{}, fmt.Errorf("failed to flush frames: %w", err)
	}
	if f.syncWrites {
		if err := f.file.Sync(); err != nil {
			return Range{}, fmt.Errorf("failed to sync segment file: %w", err)
		}
	}

	r := Range{Start: f.segments, End: f.segments + len(frames)}
	f.segments = r.End
	f.logger.Debug("Appended entry %d to %s: %d bytes in segments [%d, %d)", entrySeq, f.path, len(data), r.Start, r.End)
	return r, nil
}

// Pop reads the entry at the cursor and advances past it. It returns io.EOF
// when the cursor is at the end of the file.
func (f *File) Pop() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	data, next, err := f.readEntry(f.cursor)
	if err != nil {
		return nil, err
	}
	f.cursor = next
	return data, nil
}

// ReadEntryAt reads the entry starting at segment n without moving the
// cursor. It returns the payload and the index of the segment following the
// entry.
func (f *File) ReadEntryAt(n int) ([]byte, int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, 0, ErrClosed
	}
	return f.readEntry(n)
}

// SeekSegment moves the cursor to segment n and returns its byte offset. It
// returns false, leaving the cursor unchanged, if n lies beyond the end of
// the file.
func (f *File) SeekSegment(n int) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n < 0 || n > f.segments {
		f.logger.Debug("Seek to segment %d of %s beyond EOF (%d segments)", n, f.path, f.segments)
		return 0, false
	}
	f.cursor = n
	return f.offset(n), true
}

// LastEntryStart returns the first segment index of the last entry in the
// file. It returns false for a file without segments.
func (f *File) LastEntryStart() (int, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return 0, false, ErrClosed
	}
	if f.segments == 0 {
		return 0, false, nil
	}

	last, err := f.readFrame(f.segments - 1)
	if err != nil {
		return 0, false, err
	}
	if !last.Header.IsLast() {
		return 0, false, fmt.Errorf("%w: last segment of %s is frame %d of %d",
			ErrIncompleteEntry, f.path, last.Header.FrameSequence, last.Header.FrameTotal)
	}
	return f.segments - 1 - int(last.Header.FrameSequence), true, nil
}

func (f *File) offset(n int) int64 {
	return int64(MetaSize) + int64(f.segmentBytes)*int64(n)
}

// readFrame reads segment n. It returns io.EOF if n is past the last segment.
func (f *File) readFrame(n int) (frame.Frame, error) {
	if n >= f.segments {
		return frame.Frame{}, io.EOF
	}

	buf := make([]byte, f.segmentBytes)
	read, err := f.reader.ReadAt(buf, f.offset(n))
	if err != nil {
		if errors.Is(err, io.EOF) {
			if read == 0 {
				return frame.Frame{}, io.EOF
			}
			return frame.Frame{}, fmt.Errorf("%w: segment %d of %s", ErrTruncatedFrame, n, f.path)
		}
		return frame.Frame{}, fmt.Errorf("failed to read segment %d: %w", n, err)
	}

	var h frame.Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return frame.Frame{}, fmt.Errorf("segment %d of %s: %w", n, f.path, err)
	}
	if h.PayloadCapacity != f.meta.PayloadBytes {
		return frame.Frame{}, fmt.Errorf("segment %d of %s: %w: capacity %d, file capacity %d",
			n, f.path, frame.ErrInvalidHeader, h.PayloadCapacity, f.meta.PayloadBytes)
	}
	// buf holds exactly one header and one payload slot of the file's capacity
	return frame.Frame{Header: h, Payload: buf[frame.HeaderSize:]}, nil
}

func (f *File) readEntry(n int) ([]byte, int, error) {
	var a frame.Assembler
	for i := n; ; i++ {
		fr, err := f.readFrame(i)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !a.Started() {
					return nil, n, io.EOF
				}
				done, total := a.Progress()
				return nil, n, fmt.Errorf("%w: %s ends after frame %d of %d", ErrIncompleteEntry, f.path, done, total)
			}
			return nil, n, err
		}

		if !a.Started() && !fr.Header.IsFirst() {
			return nil, n, fmt.Errorf("%w: segment %d is frame %d of %d",
				ErrReadFromMiddle, i, fr.Header.FrameSequence, fr.Header.FrameTotal)
		}

		last, err := a.Add(fr)
		if err != nil {
			return nil, n, fmt.Errorf("%w: %w", ErrIncompleteEntry, err)
		}
		if last {
			return a.Bytes(), i + 1, nil
		}
	}
}

// Segments returns the number of segments in the file.
func (f *File) Segments() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.segments
}

// Cursor returns the segment index of the next Pop.
func (f *File) Cursor() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cursor
}

// PayloadCapacity returns the payload bytes per frame.
func (f *File) PayloadCapacity() int {
	return int(f.meta.PayloadBytes)
}

// Path returns the current path of the file.
func (f *File) Path() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.path
}

// Sync flushes buffered writes and fsyncs the file.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment file: %w", err)
	}
	return f.file.Sync()
}

// Rename moves the file to newPath, replacing anything there. Open handles
// remain valid.
func (f *File) Rename(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Rename(f.path, newPath); err != nil {
		return fmt.Errorf("failed to rename segment file: %w", err)
	}
	f.logger.Debug("Renamed segment file %s to %s", f.path, newPath)
	f.path = newPath
	return nil
}

// Close flushes and closes both handles.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	if err := f.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush segment file: %w", err))
	}
	if err := f.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close segment writer: %w", err))
	}
	if err := f.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close segment reader: %w", err))
	}
	return errors.Join(errs...)
}

// Remove closes the file and deletes it from disk.
func (f *File) Remove() error {
	if err := f.Close(); err != nil {
		return err
	}
	path := f.Path()
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove segment file: %w", err)
	}
	f.logger.Debug("Removed segment file %s", path)
	return nil
}
