package storage

import (
	"encoding/binary"
	"sync"

	"github.com/dsglab/stashdb/common"
)

// pageMetadata is the frame bookkeeping owned by the buffer pool manager.
// All fields are read and written under the manager lock.
type pageMetadata struct {
	id       common.PageID
	pinCount int
	dirty    bool
}

// Page is an in-memory frame holding one disk page plus its metadata. Frames
// are allocated once as a contiguous array and their addresses are stable
// for the lifetime of the manager; the page table, replacer and free list
// all refer to frames by pointer.
//
// A frame is in exactly one of three states: free (on the free list, id is
// InvalidPageID), pinned (in the page table with pinCount > 0), or
// unpinned-resident (in the page table and the replacer with pinCount 0).
type Page struct {
	// Bytes holds the raw page payload. The buffer pool treats it as opaque;
	// higher layers interpret the layout.
	Bytes [common.PageSize]byte
	// Latch coordinates concurrent readers and writers of Bytes. Callers
	// must hold a pin while latched, and must release the latch before
	// calling back into the buffer pool manager.
	Latch sync.RWMutex
	pageMetadata
}

// pageOffsetLSN is the byte offset of the LSN within the page payload.
const pageOffsetLSN = 0

// ID returns the id of the page currently bound to this frame, or
// InvalidPageID for a free frame.
func (p *Page) ID() common.PageID {
	return p.id
}

// PinCount returns the number of active users of the frame.
func (p *Page) PinCount() int {
	return p.pinCount
}

// IsDirty reports whether the in-memory payload differs from disk.
func (p *Page) IsDirty() bool {
	return p.dirty
}

// Data returns the page payload as a slice aliasing the frame's buffer.
func (p *Page) Data() []byte {
	return p.Bytes[:]
}

// LSN reads the log sequence number from the page header. The caller must
// hold the Latch (either mode).
func (p *Page) LSN() common.LSN {
	return common.LSN(binary.LittleEndian.Uint64(p.Bytes[pageOffsetLSN:]))
}

// SetLSN stamps the page header with the given log sequence number. The
// caller must hold the Latch in write mode. The stamp only ever advances:
// the header records the newest log record that touched the page, which is
// what the write-ahead rule compares against.
func (p *Page) SetLSN(lsn common.LSN) {
	if lsn <= p.LSN() {
		return
	}
	binary.LittleEndian.PutUint64(p.Bytes[pageOffsetLSN:], uint64(lsn))
}

// reset returns the frame to the free state: unbound, unpinned, clean,
// zeroed payload.
func (p *Page) reset() {
	p.id = common.InvalidPageID
	p.pinCount = 0
	p.dirty = false
	p.Bytes = [common.PageSize]byte{}
}
