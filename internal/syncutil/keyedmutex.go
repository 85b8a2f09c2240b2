// Package syncutil provides small synchronization helpers shared by the
// transports.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const keyedShards = 128

// KeyedMutex serializes work per string key using a fixed pool of mutexes.
// Memory stays bounded no matter how many keys are seen; keys that hash to
// the same shard occasionally contend, which is acceptable for the short
// critical sections it guards (per-event publish deduplication).
type KeyedMutex struct {
	shards [keyedShards]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (m *KeyedMutex) Lock(key string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &m.shards[h.Sum32()%keyedShards]
	mu.Lock()
	return mu.Unlock
}
