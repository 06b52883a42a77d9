package lsf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"git.canoozie.net/riddling/segkv/pkg/frame"
	"git.canoozie.net/riddling/segkv/pkg/model"
	"git.canoozie.net/riddling/segkv/pkg/segment"
)

type testRecord struct {
	ID   int      `json:"id"`
	Data []string `json:"data"`
}

func (r testRecord) RecordKey() string {
	return fmt.Sprintf("%d", r.ID)
}

func (r testRecord) EncodeRecord() ([]byte, error) {
	return json.Marshal(r)
}

func decodeTestRecord(t *testing.T, b []byte) testRecord {
	t.Helper()
	var r testRecord
	if err := json.Unmarshal(b, &r); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	return r
}

func testConfig() Config {
	return Config{
		PayloadCapacity: 32,
		Logger:          model.NewNoOpLogger(),
	}
}

var testCases = []testRecord{
	{ID: 0, Data: []string{}},
	{ID: 1, Data: []string{"hello", "world"}},
	{ID: 2, Data: []string{"end"}},
	{ID: 3, Data: []string{strings.Repeat("long", 50)}},
}

func TestFileCreate(t *testing.T) {
	dir := t.TempDir()

	f, err := Create(dir, NewFileHeader(SingleID(4)), testConfig())
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	defer f.Close()

	if f.Path() != filepath.Join(dir, "4.wal") {
		t.Errorf("Unexpected path %s", f.Path())
	}
	if f.EntryCount() != 2 {
		t.Errorf("Expected 2 entries in a fresh file, got %d", f.EntryCount())
	}
	if f.State() != StateFresh {
		t.Errorf("Expected fresh state, got %v", f.State())
	}

	if _, err := Create(dir, NewFileHeader(SingleID(4)), testConfig()); err == nil {
		t.Error("Expected error creating an existing file")
	}

	ranged, err := Create(dir, NewFileHeader(IDRange{Start: 1, End: 3}), testConfig())
	if err != nil {
		t.Fatalf("Failed to create ranged file: %v", err)
	}
	defer ranged.Close()
	if filepath.Base(ranged.Path()) != "1-3.wal" {
		t.Errorf("Unexpected ranged path %s", ranged.Path())
	}
}

func TestFileAppendReopen(t *testing.T) {
	dir := t.TempDir()

	f, err := Create(dir, NewFileHeader(SingleID(0)), testConfig())
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	for _, c := range testCases {
		p, err := f.Append(c)
		if err != nil {
			t.Fatalf("Failed to append %d: %v", c.ID, err)
		}
		if p.FileID != 0 || p.Key != c.RecordKey() {
			t.Errorf("Unexpected pointer %v", p)
		}
	}
	if f.State() != StatePopulated {
		t.Errorf("Expected populated state, got %v", f.State())
	}
	if f.EntryCount() != 2+2*len(testCases) {
		t.Errorf("Expected %d entries, got %d", 2+2*len(testCases), f.EntryCount())
	}

	index := f.Index()
	entries := f.EntryCount()
	path := f.Path()
	if err := f.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	f, err = Open(path, testConfig())
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer f.Close()

	if !reflect.DeepEqual(f.Index(), index) {
		t.Errorf("Index differs after reopen: %v vs %v", f.Index(), index)
	}
	if f.EntryCount() != entries {
		t.Errorf("Expected %d entries after reopen, got %d", entries, f.EntryCount())
	}

	// Sequential scan returns every record in write order
	for _, c := range testCases {
		p, payload, err := f.PopEntry()
		if err != nil {
			t.Fatalf("Failed to pop: %v", err)
		}
		if p.Key != c.RecordKey() {
			t.Errorf("Expected key %s, got %s", c.RecordKey(), p.Key)
		}
		if got := decodeTestRecord(t, payload); !reflect.DeepEqual(got, c) {
			t.Errorf("Expected %+v, got %+v", c, got)
		}
	}
	if _, err := f.PopPointer(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}

	// Point lookups
	for _, c := range testCases {
		payload, ok, err := f.ReadByPointer(Pointer{FileID: 0, Key: c.RecordKey()})
		if err != nil || !ok {
			t.Fatalf("Failed to read %d: ok=%v err=%v", c.ID, ok, err)
		}
		if got := decodeTestRecord(t, payload); !reflect.DeepEqual(got, c) {
			t.Errorf("Expected %+v, got %+v", c, got)
		}
	}
	if _, ok, err := f.Read("missing"); ok || err != nil {
		t.Errorf("Expected missing key to be absent, got ok=%v err=%v", ok, err)
	}

	// Appends continue after reopen
	if _, err := f.Append(testRecord{ID: 9, Data: []string{"after"}}); err != nil {
		t.Fatalf("Failed to append after reopen: %v", err)
	}
	payload, ok, err := f.Read("9")
	if err != nil || !ok || decodeTestRecord(t, payload).Data[0] != "after" {
		t.Errorf("Failed to read record appended after reopen: ok=%v err=%v", ok, err)
	}
}

func TestFileCompact(t *testing.T) {
	dir := t.TempDir()

	f, err := Create(dir, NewFileHeader(SingleID(0)), testConfig())
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	defer f.Close()

	latest := make(map[string]testRecord)
	for round := 0; round < 5; round++ {
		for id := 0; id < 4; id++ {
			if round > 0 && id == 3 {
				continue
			}
			r := testRecord{ID: id, Data: []string{fmt.Sprintf("round-%d", round)}}
			if _, err := f.Append(r); err != nil {
				t.Fatalf("Failed to append: %v", err)
			}
			latest[r.RecordKey()] = r
		}
	}

	if err := f.Compact(); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}
	if f.State() != StateCompacted || !f.Header().Compacted {
		t.Errorf("Expected compacted state, got %v", f.State())
	}
	if f.EntryCount() != len(latest)+2 {
		t.Errorf("Expected %d entries after compaction, got %d", len(latest)+2, f.EntryCount())
	}
	if f.Path() != filepath.Join(dir, "0.wal") {
		t.Errorf("Expected compacted file to keep its path, got %s", f.Path())
	}
	if _, err := os.Stat(filepath.Join(dir, "0.compacted.wal")); !os.IsNotExist(err) {
		t.Error("Expected temporary compacted file to be gone")
	}

	for key, want := range latest {
		payload, ok, err := f.Read(key)
		if err != nil || !ok {
			t.Fatalf("Failed to read %s: ok=%v err=%v", key, ok, err)
		}
		if got := decodeTestRecord(t, payload); !reflect.DeepEqual(got, want) {
			t.Errorf("Key %s: expected %+v, got %+v", key, want, got)
		}
	}

	// Key 3 was written once, before the final round of the others, so it
	// comes first in write order.
	var order []string
	for {
		p, err := f.PopPointer()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Failed to pop: %v", err)
		}
		order = append(order, p.Key)
	}
	if !reflect.DeepEqual(order, []string{"3", "0", "1", "2"}) {
		t.Errorf("Expected original write order, got %v", order)
	}

	// Compacting again is a no-op
	entries := f.EntryCount()
	if err := f.Compact(); err != nil || f.EntryCount() != entries {
		t.Errorf("Expected second compaction to be a no-op, err=%v", err)
	}

	// Compacted file survives reopen
	path := f.Path()
	f.Close()
	reopened, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("Failed to reopen compacted file: %v", err)
	}
	defer reopened.Close()
	if !reopened.Header().Compacted || reopened.Len() != len(latest) {
		t.Errorf("Unexpected compacted file after reopen: %+v, %d keys", reopened.Header(), reopened.Len())
	}
}

func TestFileOpenErrors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.wal")
	os.WriteFile(empty, nil, 0644)
	if _, err := Open(empty, testConfig()); !errors.Is(err, ErrHeaderMissing) {
		t.Errorf("Expected ErrHeaderMissing for empty file, got %v", err)
	}

	var fe *FormatError
	if _, err := Open(empty, testConfig()); !errors.As(err, &fe) || fe.Path != empty {
		t.Errorf("Expected FormatError carrying the path, got %v", err)
	}

	if _, err := Open(filepath.Join(dir, "absent.wal"), testConfig()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestFileOpenTruncated(t *testing.T) {
	dir := t.TempDir()

	f, err := Create(dir, NewFileHeader(SingleID(0)), testConfig())
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	for _, c := range testCases {
		f.Append(c)
	}
	path := f.Path()
	f.Close()

	info, _ := os.Stat(path)

	// Mid-frame truncation
	if err := os.Truncate(path, info.Size()-7); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}
	if _, err := Open(path, testConfig()); !errors.Is(err, ErrIncompleteWrite) {
		t.Errorf("Expected ErrIncompleteWrite after mid-frame truncation, got %v", err)
	}
}

func TestFileOpenCorruptCapacity(t *testing.T) {
	dir := t.TempDir()

	f, err := Create(dir, NewFileHeader(SingleID(0)), testConfig())
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	for _, c := range testCases {
		f.Append(c)
	}
	path := f.Path()
	segments := f.seg.Segments()
	f.Close()

	pristine, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	segmentBytes := frame.HeaderSize + testConfig().PayloadCapacity
	frameCapacity := func(n int) int { return segment.MetaSize + n*segmentBytes + 8 }

	cases := []struct {
		name   string
		offset int
		value  uint64
		want   error
	}{
		{"meta payload wraps frame size", 16, ^uint64(0) - uint64(frame.HeaderSize) + 1, ErrHeaderMissing},
		{"meta payload over max", 16, 1 << 63, ErrHeaderMissing},
		{"header frame capacity", frameCapacity(0), 1 << 63, ErrHeaderMissing},
		{"index frame capacity", frameCapacity(segments - 1), 1 << 63, ErrIncompleteWrite},
		{"index frame capacity mismatch", frameCapacity(segments - 1), 33, ErrIncompleteWrite},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := append([]byte(nil), pristine...)
			binary.LittleEndian.PutUint64(b[c.offset:], c.value)
			if err := os.WriteFile(path, b, 0644); err != nil {
				t.Fatalf("Failed to write file: %v", err)
			}

			_, err := Open(path, testConfig())
			if !errors.Is(err, c.want) {
				t.Errorf("Expected %v, got %v", c.want, err)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("Expected a FormatError, got %T", err)
			}
		})
	}
}

func TestFileOpenMissingTrailingIndex(t *testing.T) {
	dir := t.TempDir()

	f, err := Create(dir, NewFileHeader(SingleID(0)), testConfig())
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	f.Append(testCases[1])

	// A record without its index snapshot, as left by a crash between the two
	if _, err := f.writeEntry(DataEntry("orphan", []byte("x"))); err != nil {
		t.Fatalf("Failed to write entry: %v", err)
	}
	path := f.Path()
	f.Close()

	if _, err := Open(path, testConfig()); !errors.Is(err, ErrIncompleteWrite) {
		t.Errorf("Expected ErrIncompleteWrite, got %v", err)
	}
}

func TestEntryRoundTrip(t *testing.T) {
	entries := []LogEntry{
		HeaderEntry(FileHeader{Version: FormatVersion, IDs: IDRange{Start: 2, End: 9}, Compacted: true}),
		IndexEntry(4, map[string]int{"a": 1, "b": 3}),
		IndexEntry(2, map[string]int{}),
		DataEntry("k", []byte{0, 1, 2, 255}),
		DataEntry("", []byte{}),
	}

	for _, want := range entries {
		b, err := want.Marshal()
		if err != nil {
			t.Fatalf("Failed to marshal %s: %v", want.Kind, err)
		}
		got, err := UnmarshalEntry(b)
		if err != nil {
			t.Fatalf("Failed to unmarshal %s: %v", want.Kind, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Expected %+v, got %+v", want, got)
		}
	}
}

func TestEntryCorrupt(t *testing.T) {
	for _, raw := range []string{`not json`, `{"kind":"data"}`, `{"kind":"other"}`, `{"kind":"index","data":{"key":"x"}}`} {
		if _, err := UnmarshalEntry([]byte(raw)); !errors.Is(err, ErrCorruptEntry) {
			t.Errorf("Expected ErrCorruptEntry for %s, got %v", raw, err)
		}
	}

	e := DataEntry("k", []byte("value"))
	e.Data.Payload = []byte("other")
	if err := e.Data.Verify(); !errors.Is(err, ErrCorruptEntry) {
		t.Errorf("Expected checksum mismatch, got %v", err)
	}
}

func TestIDRange(t *testing.T) {
	a := IDRange{Start: 0, End: 2}
	b := SingleID(3)
	c := IDRange{Start: 1, End: 5}

	if !a.Before(b) || b.Before(a) {
		t.Error("Expected [0,2] before [3,3]")
	}
	if !a.Contains(2) || a.Contains(3) {
		t.Error("Contains is not inclusive")
	}
	if !a.Overlaps(c) || a.Overlaps(b) {
		t.Error("Overlaps is wrong")
	}
	if !c.Covers(b) || b.Covers(c) {
		t.Error("Covers is wrong")
	}
	if a.String() != "0-2" || b.String() != "3" {
		t.Errorf("Unexpected strings %s %s", a, b)
	}
}
