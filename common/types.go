package common

import "fmt"

// PageSize is the number of bytes in a single page, on disk and in memory.
const PageSize int = 4096

// PageID uniquely identifies a page within the database.
type PageID int32

// InvalidPageID marks a frame that is not bound to any on-disk page.
// The disk manager never allocates it.
const InvalidPageID PageID = -1

func (p PageID) String() string {
	return fmt.Sprintf("Page(%d)", int32(p))
}

// IsNil reports whether the PageID is the invalid sentinel.
func (p PageID) IsNil() bool {
	return p == InvalidPageID
}

// LSN is a log sequence number: a byte offset into the write-ahead log.
type LSN int64
