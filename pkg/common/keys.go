package common

import (
	"fmt"
	"strconv"
	"strings"
)

// File name suffixes used in a store directory
const (
	WALSuffix       = ".wal"       // Live log file
	CompactedSuffix = ".compacted" // Inserted before WALSuffix while compacting
	MergingSuffix   = ".merging"   // Appended to WALSuffix while merging
	LockFileName    = "LOCK"       // Directory lock
)

// FormatUint64 formats a uint64 as a string
func FormatUint64(value uint64) string {
	return strconv.FormatUint(value, 10)
}

// ParseUint64 parses a string as a uint64
func ParseUint64(value string) (uint64, error) {
	return strconv.ParseUint(value, 10, 64)
}

// FormatIDRange formats an inclusive id range as "start" for a single id or
// "start-end" otherwise
func FormatIDRange(start, end uint64) string {
	if start == end {
		return FormatUint64(end)
	}
	return fmt.Sprintf("%d-%d", start, end)
}

// WALName returns the file name of a log file covering [start, end]
func WALName(start, end uint64) string {
	return FormatIDRange(start, end) + WALSuffix
}

// CompactedName returns the temporary file name used while compacting the
// log file covering [start, end]
func CompactedName(start, end uint64) string {
	return FormatIDRange(start, end) + CompactedSuffix + WALSuffix
}

// MergingName returns the temporary file name used while merging files into
// one covering [start, end]
func MergingName(start, end uint64) string {
	return WALName(start, end) + MergingSuffix
}

// IsCompactedName reports whether name is a compaction temporary
func IsCompactedName(name string) bool {
	return strings.HasSuffix(name, CompactedSuffix+WALSuffix)
}

// ParseWALName parses "N.wal", "S-E.wal" and "... .compacted.wal" names into
// their id range
func ParseWALName(name string) (uint64, uint64, error) {
	if !strings.HasSuffix(name, WALSuffix) {
		return 0, 0, fmt.Errorf("not a log file name: %s", name)
	}
	ids := strings.TrimSuffix(name, WALSuffix)
	ids = strings.TrimSuffix(ids, CompactedSuffix)

	startStr, endStr, isRange := strings.Cut(ids, "-")
	start, err := ParseUint64(startStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid log file name %s: %w", name, err)
	}
	if !isRange {
		return start, start, nil
	}

	end, err := ParseUint64(endStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid log file name %s: %w", name, err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid log file name %s: range end before start", name)
	}
	return start, end, nil
}
