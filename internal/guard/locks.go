package guard

import (
	"fmt"
	"sync"

	"github.com/spaolacci/murmur3"
)

// keyLocks hands out one mutex per key. Entries are reference counted and
// dropped when released, so memory tracks in-flight keys only. The shard
// mutex guards bookkeeping and is never held while a key lock is waited on.
type keyLocks struct {
	shards []lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks(shards int) *keyLocks {
	if shards < 1 {
		shards = 1
	}
	kl := &keyLocks{shards: make([]lockShard, shards)}
	for i := range kl.shards {
		kl.shards[i].locks = make(map[string]*keyLock)
	}
	return kl
}

// lock blocks until the caller owns key and returns the release function.
func (kl *keyLocks) lock(key string) func() {
	shard := &kl.shards[murmur3.Sum32([]byte(key))%uint32(len(kl.shards))]

	shard.mu.Lock()
	l, ok := shard.locks[key]
	if !ok {
		l = &keyLock{}
		shard.locks[key] = l
	}
	l.refs++
	shard.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		shard.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(shard.locks, key)
		}
		shard.mu.Unlock()
	}
}

// size returns the number of keys currently tracked.
func (kl *keyLocks) size() int {
	n := 0
	for i := range kl.shards {
		kl.shards[i].mu.Lock()
		n += len(kl.shards[i].locks)
		kl.shards[i].mu.Unlock()
	}
	return n
}

// Fingerprint returns a stable tag for an identifier so logs
// can correlate events without carrying the raw identifier.
func Fingerprint(identifier string) string {
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(identifier)))
}
