package hash

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dsglab/stashdb/common"
)

// Key is the set of key types the table knows how to hash out of the box.
// Arbitrary key types can be supported by passing a hasher to
// NewExtendibleHashWithHasher.
type Key interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

// DefaultBucketSize is the bucket capacity used when callers have no
// particular preference.
const DefaultBucketSize = 64

// bucket holds up to bucketSize entries whose hashes agree on the low
// localDepth bits. Multiple directory slots may share one bucket; the
// bucket dies when a split reassigns its last directory reference.
type bucket[K comparable, V any] struct {
	mu         sync.Mutex // guards items and localDepth
	localDepth int
	items      map[K]V
}

// ExtendibleHash is a concurrent extendible hash table. The directory always
// has exactly 1<<globalDepth slots, each referencing a bucket; a bucket with
// localDepth d is referenced by 1<<(globalDepth-d) slots.
//
// The table lock guards the directory, globalDepth and numBuckets. Bucket
// contents are guarded per bucket. Every operation resolves the directory
// slot, locks the bucket, then re-reads the slot under the table lock to
// confirm no split repointed it in between; Insert additionally takes the
// table lock inside the bucket lock when splitting. Lookups on different
// buckets never contend on a bucket lock.
type ExtendibleHash[K Key, V any] struct {
	mu          sync.RWMutex
	hashKey     func(K) uint64
	bucketSize  int
	globalDepth int
	numBuckets  int
	directory   []*bucket[K, V]
}

// NewExtendibleHash creates a table with the given bucket capacity, hashing
// keys with xxhash over their 8-byte little-endian encoding. Integer keys
// (page ids in particular) are too regular to index the directory directly,
// so they get the full bit mix.
func NewExtendibleHash[K Key, V any](bucketSize int) *ExtendibleHash[K, V] {
	return NewExtendibleHashWithHasher[K, V](bucketSize, func(key K) uint64 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(key)))
		return xxhash.Sum64(buf[:])
	})
}

// NewExtendibleHashWithHasher creates a table that routes keys with the
// provided hash function. The function must be deterministic for the
// lifetime of the table.
func NewExtendibleHashWithHasher[K Key, V any](bucketSize int, hashKey func(K) uint64) *ExtendibleHash[K, V] {
	common.Assert(bucketSize > 0, "bucket size must be positive, got %d", bucketSize)
	return &ExtendibleHash[K, V]{
		hashKey:     hashKey,
		bucketSize:  bucketSize,
		globalDepth: 0,
		numBuckets:  1,
		directory:   []*bucket[K, V]{{localDepth: 0, items: make(map[K]V)}},
	}
}

// route resolves the directory slot for key under the table lock and returns
// it together with the referenced bucket.
func (h *ExtendibleHash[K, V]) route(key K) (int, *bucket[K, V]) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := int(h.hashKey(key) & (uint64(1)<<h.globalDepth - 1))
	return idx, h.directory[idx]
}

// lockBucket returns key's bucket with its lock held. A concurrent split can
// repoint the key's slot between route and the lock, so the slot is checked
// again under the bucket lock until both agree; only a split of the locked
// bucket itself could change it afterwards.
func (h *ExtendibleHash[K, V]) lockBucket(key K) *bucket[K, V] {
	_, b := h.route(key)
	for {
		b.mu.Lock()
		_, cur := h.route(key)
		if cur == b {
			return b
		}
		b.mu.Unlock()
		b = cur
	}
}

// Find returns the value associated with key and whether it was present.
func (h *ExtendibleHash[K, V]) Find(key K) (V, bool) {
	b := h.lockBucket(key)
	defer b.mu.Unlock()
	v, ok := b.items[key]
	return v, ok
}

// Remove deletes the entry for key and reports whether it was present.
// Buckets are never merged and the directory never shrinks.
func (h *ExtendibleHash[K, V]) Remove(key K) bool {
	b := h.lockBucket(key)
	defer b.mu.Unlock()
	if _, ok := b.items[key]; !ok {
		return false
	}
	delete(b.items, key)
	return true
}

// Insert adds or overwrites the entry for key. When the target bucket is
// full and the key is new, the bucket splits, doubling the directory if its
// localDepth would exceed globalDepth. One split may fail to free a slot for
// the key (every resident entry can land on the same side), so the insert
// retries until the key fits; each round deepens the bucket by one bit, and
// hashes are finite, so the loop terminates for any non-degenerate hasher.
func (h *ExtendibleHash[K, V]) Insert(key K, value V) {
	for {
		b := h.lockBucket(key)
		_, present := b.items[key]
		if present || len(b.items) < h.bucketSize {
			b.items[key] = value
			b.mu.Unlock()
			return
		}
		h.split(b)
		b.mu.Unlock()
		// The split may have rerouted the key's slot, or migrated the
		// resident entries and left this bucket full anyway. Re-resolve
		// and try again.
	}
}

// split divides b into itself and a fresh sibling one bit deeper. Entries
// whose hash has the new bit set migrate to the sibling, and every directory
// slot that references b with that bit set in its index is repointed. Called
// with b's lock held; takes the table lock for the directory rewrite.
func (h *ExtendibleHash[K, V]) split(b *bucket[K, V]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b.localDepth++
	if b.localDepth > h.globalDepth {
		// Double the directory: the upper half mirrors the lower, so every
		// bucket briefly has twice its references.
		h.directory = append(h.directory, h.directory...)
		h.globalDepth++
	}
	h.numBuckets++

	sibling := &bucket[K, V]{localDepth: b.localDepth, items: make(map[K]V)}
	mask := uint64(1) << (b.localDepth - 1)
	for k, v := range b.items {
		if h.hashKey(k)&mask != 0 {
			sibling.items[k] = v
			delete(b.items, k)
		}
	}
	// Multiple slots can reference b, so the rewrite must scan the whole
	// directory rather than stop at the first match.
	for i := range h.directory {
		if h.directory[i] == b && uint64(i)&mask != 0 {
			h.directory[i] = sibling
		}
	}
}

// GlobalDepth returns the number of low-order hash bits used to index the
// directory.
func (h *ExtendibleHash[K, V]) GlobalDepth() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.globalDepth
}

// NumBuckets returns the number of distinct buckets ever split into
// existence. Buckets are never reclaimed.
func (h *ExtendibleHash[K, V]) NumBuckets() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.numBuckets
}

// LocalDepth returns the local depth of the bucket referenced by the given
// directory slot, or -1 when the slot is out of range or the bucket is
// empty. The -1 convention matches the table's diagnostic accessors: an
// empty bucket constrains no keys, so its depth is not meaningful.
func (h *ExtendibleHash[K, V]) LocalDepth(slot int) int {
	h.mu.RLock()
	if slot < 0 || slot >= len(h.directory) {
		h.mu.RUnlock()
		return -1
	}
	b := h.directory[slot]
	h.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return -1
	}
	return b.localDepth
}
