// Package kvs is the key-value engine: a log tree plus an in-memory map from
// each live key to the pointer of its latest record.
package kvs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"git.canoozie.net/riddling/segkv/pkg/lsmt"
	"git.canoozie.net/riddling/segkv/pkg/model"
	"git.canoozie.net/riddling/segkv/pkg/segment"
)

// Store errors
var (
	ErrStoreClosed = errors.New("store is closed")
	ErrLocked      = errors.New("store directory is locked by another process")

	// Match with errors.Is; the returned values carry the key.
	ErrKeyNotFound  = model.ErrKeyNotFound{}
	ErrDataNotFound = model.ErrDataNotFound{}
)

// Engine is the set of operations the network layer needs
type Engine interface {
	Set(key, value string) error
	Get(key string) (string, bool, error)
	Remove(key string) error
}

// Config holds configuration options for a store
type Config struct {
	// Directory holding the store's files
	Dir string

	// Records per log file before rotation
	FileSize int

	// Whether cold log files are compacted
	CompactEnable bool

	// Number of cold log files that triggers a merge, 0 disables merging
	MergeThreshold int

	// Frame payload bytes for new log files
	PayloadCapacity int

	// Whether to fsync after every write
	SyncWrites bool

	// Logger for store operations
	Logger model.Logger
}

// DefaultConfig returns a default configuration for a store in dir
func DefaultConfig(dir string) Config {
	tc := lsmt.DefaultConfig(dir)
	return Config{
		Dir:             dir,
		FileSize:        tc.FileSize,
		CompactEnable:   tc.CompactEnable,
		MergeThreshold:  tc.MergeThreshold,
		PayloadCapacity: segment.DefaultPayloadCapacity,
		Logger:          model.DefaultLoggerInstance,
	}
}

func (c Config) treeConfig() lsmt.Config {
	return lsmt.Config{
		Dir:             c.Dir,
		FileSize:        c.FileSize,
		CompactEnable:   c.CompactEnable,
		MergeThreshold:  c.MergeThreshold,
		PayloadCapacity: c.PayloadCapacity,
		SyncWrites:      c.SyncWrites,
		Logger:          c.Logger,
	}
}

// Store is a persistent string key-value store
type Store struct {
	writeMu sync.Mutex // serializes Set, Remove and Close
	tree    *lsmt.Tree
	keys    *keyDir
	lock    *dirLock
	closed  atomic.Bool
	logger  model.Logger
}

var _ Engine = (*Store)(nil)

// OpenDir opens the store in dir with default settings.
func OpenDir(dir string) (*Store, error) {
	return Open(DefaultConfig(dir))
}

// Open opens the store, replaying its log to rebuild the key map.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = model.DefaultLoggerInstance
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	lock, err := lockDir(config.Dir)
	if err != nil {
		return nil, err
	}

	tree, err := lsmt.Open(config.treeConfig())
	if err != nil {
		lock.release()
		return nil, err
	}

	s := &Store{
		tree:   tree,
		keys:   newKeyDir(),
		lock:   lock,
		logger: config.Logger,
	}

	if err := s.replay(); err != nil {
		tree.Close()
		lock.release()
		return nil, fmt.Errorf("failed to replay log: %w", err)
	}

	s.logger.Info("Opened store in %s with %d keys", config.Dir, s.keys.len())
	return s, nil
}

func (s *Store) replay() error {
	var sets, removes int
	for {
		p, payload, err := s.tree.Pop()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		cmd, err := model.DecodeCommand(payload)
		if err != nil {
			return fmt.Errorf("record %s: %w", p, err)
		}
		if cmd.Key != p.Key {
			return fmt.Errorf("record %s holds a command for key %q", p, cmd.Key)
		}

		if cmd.IsTombstone() {
			s.keys.delete(cmd.Key)
			removes++
		} else {
			s.keys.put(cmd.Key, p)
			sets++
		}
	}

	s.logger.Debug("Replayed %d sets and %d removes", sets, removes)
	return nil
}

// Set stores value under key.
func (s *Store) Set(key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrStoreClosed
	}

	p, err := s.tree.Append(model.SetCommand(key, value))
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	s.keys.put(key, p)
	return nil
}

// Get returns the value of key. A key that was never set, or was removed,
// is reported as not found without an error.
func (s *Store) Get(key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrStoreClosed
	}

	p, ok := s.keys.get(key)
	if !ok {
		return "", false, nil
	}

	payload, ok, err := s.tree.ReadByPointer(p)
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	if !ok {
		return "", false, model.ErrDataNotFound{Key: key}
	}

	cmd, err := model.DecodeCommand(payload)
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	if cmd.IsTombstone() {
		// A Remove that landed between the map lookup and the read
		if _, live := s.keys.get(key); !live {
			return "", false, nil
		}
		return "", false, model.ErrDataNotFound{Key: key}
	}
	return cmd.Value, true, nil
}

// Remove deletes key, failing with ErrKeyNotFound if it is not live.
func (s *Store) Remove(key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrStoreClosed
	}

	if _, ok := s.keys.get(key); !ok {
		return model.ErrKeyNotFound{Key: key}
	}

	if _, err := s.tree.Append(model.RemoveCommand(key)); err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	s.keys.delete(key)
	return nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	return s.keys.len()
}

// Stats describes the store
type Stats struct {
	Keys int
	Tree lsmt.Stats
}

// Stats returns the live key count and the state of the log files.
func (s *Store) Stats() Stats {
	return Stats{
		Keys: s.keys.len(),
		Tree: s.tree.Stats(),
	}
}

// Sync flushes pending writes to disk.
func (s *Store) Sync() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.tree.Sync()
}

// Close closes the log and releases the directory lock.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}

	var errs []error
	if err := s.tree.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
