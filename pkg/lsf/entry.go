package lsf

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/minio/highwayhash"

	"git.canoozie.net/riddling/segkv/pkg/common"
)

// FormatVersion is written into every file header
const FormatVersion = 1

// IDRange is an inclusive range of file ids
type IDRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// SingleID returns the range [id, id]
func SingleID(id uint64) IDRange {
	return IDRange{Start: id, End: id}
}

// Contains reports whether id lies in the range
func (r IDRange) Contains(id uint64) bool {
	return r.Start <= id && id <= r.End
}

// Before reports whether r lies entirely below o
func (r IDRange) Before(o IDRange) bool {
	return r.End < o.Start
}

// Overlaps reports whether the two ranges share an id
func (r IDRange) Overlaps(o IDRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Covers reports whether o lies entirely within r
func (r IDRange) Covers(o IDRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

func (r IDRange) String() string {
	return common.FormatIDRange(r.Start, r.End)
}

// FileHeader is always the first entry of a log-structured file
type FileHeader struct {
	Version   int     `json:"version"`
	IDs       IDRange `json:"ids"`
	Compacted bool    `json:"compacted"`
}

// NewFileHeader returns an uncompacted header for the given id range
func NewFileHeader(ids IDRange) FileHeader {
	return FileHeader{Version: FormatVersion, IDs: ids}
}

// Index is a full snapshot of a file's key index. Count is the number of
// entries in the file including this snapshot.
type Index struct {
	Count   int            `json:"count"`
	Offsets map[string]int `json:"offsets"`
}

// Data carries one caller record
type Data struct {
	Key      string `json:"key"`
	Payload  []byte `json:"payload"`
	Checksum uint64 `json:"checksum"`
}

var checksumKey = []byte("segkv-payload-checksum-key-32byt")

func checksum(payload []byte) uint64 {
	return highwayhash.Sum64(payload, checksumKey)
}

// Verify checks the payload against its checksum
func (d *Data) Verify() error {
	if got := checksum(d.Payload); got != d.Checksum {
		return fmt.Errorf("%w: checksum mismatch for key %q: stored %#x, computed %#x",
			ErrCorruptEntry, d.Key, d.Checksum, got)
	}
	return nil
}

// EntryKind tags the variant held by a LogEntry
type EntryKind string

const (
	KindFileHeader EntryKind = "file_header"
	KindIndex      EntryKind = "index"
	KindData       EntryKind = "data"
)

// LogEntry is the tagged union stored in each entry of a log-structured
// file. Exactly one of the variant fields is set, matching Kind.
type LogEntry struct {
	Kind       EntryKind   `json:"kind"`
	FileHeader *FileHeader `json:"file_header,omitempty"`
	Index      *Index      `json:"index,omitempty"`
	Data       *Data       `json:"data,omitempty"`
}

// HeaderEntry wraps a file header
func HeaderEntry(h FileHeader) LogEntry {
	return LogEntry{Kind: KindFileHeader, FileHeader: &h}
}

// IndexEntry wraps an index snapshot
func IndexEntry(count int, offsets map[string]int) LogEntry {
	return LogEntry{Kind: KindIndex, Index: &Index{Count: count, Offsets: offsets}}
}

// DataEntry wraps a record payload and computes its checksum
func DataEntry(key string, payload []byte) LogEntry {
	return LogEntry{Kind: KindData, Data: &Data{Key: key, Payload: payload, Checksum: checksum(payload)}}
}

// Marshal encodes the entry
func (e LogEntry) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s entry: %w", e.Kind, err)
	}
	return b, nil
}

// UnmarshalEntry decodes an entry and checks that its variant matches its tag
func UnmarshalEntry(b []byte) (LogEntry, error) {
	var e LogEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return LogEntry{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}

	var ok bool
	switch e.Kind {
	case KindFileHeader:
		ok = e.FileHeader != nil && e.Index == nil && e.Data == nil
	case KindIndex:
		ok = e.Index != nil && e.FileHeader == nil && e.Data == nil
		if ok && e.Index.Offsets == nil {
			e.Index.Offsets = make(map[string]int)
		}
	case KindData:
		ok = e.Data != nil && e.FileHeader == nil && e.Index == nil
		if ok && e.Data.Payload == nil {
			e.Data.Payload = []byte{}
		}
	}
	if !ok {
		return LogEntry{}, fmt.Errorf("%w: malformed %q entry", ErrCorruptEntry, e.Kind)
	}
	return e, nil
}

// Pointer identifies the latest location of a key: the file whose id range
// contains FileID, resolved through that file's index.
type Pointer struct {
	FileID uint64 `json:"file_id"`
	Key    string `json:"key"`
}

func (p Pointer) String() string {
	return fmt.Sprintf("%d/%s", p.FileID, p.Key)
}

// Record is a caller value that can be stored in a log-structured file
type Record interface {
	RecordKey() string
	EncodeRecord() ([]byte, error)
}
