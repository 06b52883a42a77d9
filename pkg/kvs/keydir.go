package kvs

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"git.canoozie.net/riddling/segkv/pkg/lsf"
)

const keyDirShards = 32

// keyDir maps every live key to the pointer of its latest record. Keys are
// spread over independently locked shards.
type keyDir struct {
	shards [keyDirShards]keyDirShard
}

type keyDirShard struct {
	mu       sync.RWMutex
	pointers map[string]lsf.Pointer
}

func newKeyDir() *keyDir {
	d := &keyDir{}
	for i := range d.shards {
		d.shards[i].pointers = make(map[string]lsf.Pointer)
	}
	return d
}

func (d *keyDir) shard(key string) *keyDirShard {
	return &d.shards[xxhash.Sum64String(key)%keyDirShards]
}

func (d *keyDir) get(key string) (lsf.Pointer, bool) {
	s := d.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pointers[key]
	return p, ok
}

func (d *keyDir) put(key string, p lsf.Pointer) {
	s := d.shard(key)
	s.mu.Lock()
	s.pointers[key] = p
	s.mu.Unlock()
}

func (d *keyDir) delete(key string) {
	s := d.shard(key)
	s.mu.Lock()
	delete(s.pointers, key)
	s.mu.Unlock()
}

func (d *keyDir) len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		n += len(s.pointers)
		s.mu.RUnlock()
	}
	return n
}
