package storage

import (
	"sync"

	"github.com/dsglab/stashdb/common"
	"github.com/dsglab/stashdb/hash"
	"github.com/dsglab/stashdb/logging"
)

// BufferPoolManager mediates between a fixed pool of in-memory frames and
// the on-disk page store. It owns the frame array and free list; the page
// table (an extendible hash from page id to frame) and the LRU replacer
// hold non-owning frame pointers.
//
// A single manager lock serializes every public operation, disk I/O
// included. That makes the victim-select, write-back, rebind, read-in
// sequence atomic per frame with respect to all other manager calls, at the
// cost of cross-page I/O concurrency. The page table and replacer carry
// their own locks so they stay safe if a finer-grained manager is layered
// on later.
type BufferPoolManager struct {
	mu        sync.Mutex
	frames    []Page
	pageTable *hash.ExtendibleHash[common.PageID, *Page]
	replacer  *LRUReplacer[*Page]
	freeList  []*Page
	disk      DiskManager
	log       logging.LogManager // nil disables the write-ahead coupling
}

// NewBufferPoolManager creates a pool of poolSize frames, all initially
// free. bucketSize is the page-table bucket capacity
// (hash.DefaultBucketSize when <= 0). log may be nil; when present, dirty
// write-back waits for the log to cover the page's LSN first.
func NewBufferPoolManager(poolSize, bucketSize int, disk DiskManager, log logging.LogManager) *BufferPoolManager {
	common.Assert(poolSize > 0, "pool size must be positive, got %d", poolSize)
	if bucketSize <= 0 {
		bucketSize = hash.DefaultBucketSize
	}
	m := &BufferPoolManager{
		frames:    make([]Page, poolSize),
		pageTable: hash.NewExtendibleHash[common.PageID, *Page](bucketSize),
		replacer:  NewLRUReplacer[*Page](),
		disk:      disk,
		log:       log,
	}
	m.freeList = make([]*Page, 0, poolSize)
	for i := range m.frames {
		m.frames[i].id = common.InvalidPageID
		m.freeList = append(m.freeList, &m.frames[i])
	}
	return m
}

// PoolSize returns the number of frames in the pool.
func (m *BufferPoolManager) PoolSize() int {
	return len(m.frames)
}

// FetchPage returns the frame holding pid, pinned. A resident page is
// served from memory with no disk I/O. A miss claims a victim frame (free
// list first, then the replacer), writes it back if dirty, rebinds the page
// table and reads pid from disk. Returns a nil frame with a nil error when
// every frame is pinned, and propagates disk errors verbatim.
func (m *BufferPoolManager) FetchPage(pid common.PageID) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pid.IsNil() {
		return nil, common.DBError{Code: common.NoSuchPageError, ErrString: "cannot fetch the invalid page id"}
	}

	if p, ok := m.pageTable.Find(pid); ok {
		p.pinCount++
		// The frame may or may not be in the replacer depending on whether
		// it had pins already; Erase is a no-op when absent.
		m.replacer.Erase(p)
		return p, nil
	}

	p := m.victimPage()
	if p == nil {
		return nil, nil
	}
	if p.dirty {
		if err := m.flushFrame(p); err != nil {
			m.unvictim(p)
			return nil, err
		}
	}
	if !p.id.IsNil() {
		m.pageTable.Remove(p.id)
	}
	m.pageTable.Insert(pid, p)
	if err := m.disk.ReadPage(pid, p.Bytes[:]); err != nil {
		// The frame's payload is undefined now; retire it to the free list.
		m.pageTable.Remove(pid)
		p.reset()
		m.freeList = append(m.freeList, p)
		return nil, err
	}
	p.id = pid
	p.pinCount = 1
	p.dirty = false
	return p, nil
}

// UnpinPage drops one pin on pid. The dirty flag is sticky within a
// residency: once any unpinner reports the page dirtied it stays dirty
// until the next write-back, regardless of later unpins reporting clean.
// Returns false when the page is not resident or was not pinned.
func (m *BufferPoolManager) UnpinPage(pid common.PageID, dirty bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pageTable.Find(pid)
	if !ok {
		return false
	}
	p.dirty = p.dirty || dirty
	if p.pinCount <= 0 {
		return false
	}
	p.pinCount--
	if p.pinCount == 0 {
		m.replacer.Insert(p)
	}
	return true
}

// FlushPage writes pid through to disk if it is resident and dirty,
// clearing the dirty flag. Pin count and replacer membership are untouched.
// Returns false when the page is not resident; flushing a clean page
// succeeds without I/O.
func (m *BufferPoolManager) FlushPage(pid common.PageID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pid.IsNil() {
		return false, nil
	}
	p, ok := m.pageTable.Find(pid)
	if !ok {
		return false, nil
	}
	if p.dirty {
		if err := m.flushFrame(p); err != nil {
			return false, err
		}
	}
	return true, nil
}

// FlushAllPages writes every dirty resident page to disk, pinned or not.
func (m *BufferPoolManager) FlushAllPages() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.frames {
		p := &m.frames[i]
		if p.id.IsNil() || !p.dirty {
			continue
		}
		if err := m.flushFrame(p); err != nil {
			return err
		}
	}
	return nil
}

// NewPage allocates a fresh page on disk and returns it bound to a frame,
// pinned, with a zeroed payload. Returns a nil frame with a nil error when
// every frame is pinned.
func (m *BufferPoolManager) NewPage() (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.victimPage()
	if p == nil {
		return nil, nil
	}
	pid, err := m.disk.AllocatePage()
	if err != nil {
		m.unvictim(p)
		return nil, err
	}
	if p.dirty {
		if err := m.flushFrame(p); err != nil {
			m.unvictim(p)
			_ = m.disk.DeallocatePage(pid)
			return nil, err
		}
	}
	if !p.id.IsNil() {
		m.pageTable.Remove(p.id)
	}
	m.pageTable.Insert(pid, p)
	p.id = pid
	p.Bytes = [common.PageSize]byte{}
	p.dirty = false
	p.pinCount = 1
	return p, nil
}

// DeletePage drops pid from the pool and deallocates it on disk. A resident
// page with outstanding pins refuses deletion. Deleting a non-resident page
// still deallocates the id.
func (m *BufferPoolManager) DeletePage(pid common.PageID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pageTable.Find(pid); ok {
		if p.pinCount > 0 {
			return false, nil
		}
		m.replacer.Erase(p)
		m.pageTable.Remove(pid)
		p.reset()
		m.freeList = append(m.freeList, p)
	}
	if err := m.disk.DeallocatePage(pid); err != nil {
		return false, err
	}
	return true, nil
}

// victimPage pops a frame usable as a fresh target: the front of the free
// list first, then the replacer's victim. Returns nil when the pool is
// fully pinned.
func (m *BufferPoolManager) victimPage() *Page {
	if len(m.freeList) > 0 {
		p := m.freeList[0]
		m.freeList = m.freeList[1:]
		common.Assert(p.id.IsNil(), "free frame is still bound to %v", p.id)
		common.Assert(p.pinCount == 0, "free frame has %d pins", p.pinCount)
		return p
	}
	p, ok := m.replacer.Victim()
	if !ok {
		return nil
	}
	common.Assert(p.pinCount == 0, "replacer produced %v with %d pins", p.id, p.pinCount)
	return p
}

// unvictim returns a frame claimed by victimPage to wherever it came from,
// used when the operation fails before the frame is rebound.
func (m *BufferPoolManager) unvictim(p *Page) {
	if p.id.IsNil() {
		m.freeList = append(m.freeList, p)
	} else {
		m.replacer.Insert(p)
	}
}

// flushFrame writes the frame's payload to disk at its current binding and
// clears the dirty flag. When a log manager is attached the write-ahead
// rule applies: the log must cover the page's LSN before the page image may
// hit disk. Holds the content latch across the write so a concurrently
// pinned writer cannot tear the on-disk image.
func (m *BufferPoolManager) flushFrame(p *Page) error {
	p.Latch.RLock()
	defer p.Latch.RUnlock()
	if m.log != nil {
		if err := m.log.WaitUntilFlushed(p.LSN()); err != nil {
			return err
		}
	}
	if err := m.disk.WritePage(p.id, p.Bytes[:]); err != nil {
		return err
	}
	p.dirty = false
	return nil
}
