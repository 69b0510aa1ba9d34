package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"

	"github.com/dsglab/stashdb/common"
)

// DiskManager is the narrow interface the buffer pool consumes. The buffer
// pool never retries or translates errors from it; failures propagate to
// the caller verbatim.
type DiskManager interface {
	// AllocatePage returns a page id that is not currently live. Freshly
	// extended pages read back as zeros.
	AllocatePage() (common.PageID, error)
	// DeallocatePage marks a page id reusable by a later AllocatePage.
	DeallocatePage(pid common.PageID) error
	// ReadPage fills frame (exactly PageSize bytes) with the page contents.
	ReadPage(pid common.PageID, frame []byte) error
	// WritePage durably stores frame (exactly PageSize bytes) as the page
	// contents.
	WritePage(pid common.PageID, frame []byte) error
	// Sync forces buffered writes to stable storage.
	Sync() error
	// Close releases file handles. Further I/O fails.
	Close() error
	// NumPages returns the number of live (allocated, not deallocated)
	// pages.
	NumPages() int
}

// pagesPerSegment is the number of pages stored in one segment file.
// Splitting the page space across segments keeps individual files bounded
// and lets unrelated reads hit different file handles.
const pagesPerSegment = 1024

// segmentFile is one open segment. numPages is the count of pages the file
// physically covers, cached to avoid stat() on every bounds check; growMu
// serializes file extension.
type segmentFile struct {
	file     *os.File
	numPages atomic.Int32
	growMu   sync.Mutex
}

func openSegmentFile(path string) (*segmentFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	seg := &segmentFile{file: f}
	seg.numPages.Store(int32(stat.Size() / int64(common.PageSize)))
	return seg, nil
}

// ensureSize grows the segment file so it covers pages [0, pageCount).
func (s *segmentFile) ensureSize(pageCount int32) error {
	s.growMu.Lock()
	defer s.growMu.Unlock()
	if s.numPages.Load() >= pageCount {
		return nil
	}
	if err := s.file.Truncate(int64(pageCount) * int64(common.PageSize)); err != nil {
		return fmt.Errorf("failed to grow segment: %w", err)
	}
	s.numPages.Store(pageCount)
	return nil
}

// FileDiskManager stores pages in fixed-size segment files under a root
// directory (seg_0.dat holds pages 0..1023, seg_1.dat the next 1024, and so
// on). Deallocated ids go into an ordered set and are reused
// lowest-id-first before the page space is extended.
type FileDiskManager struct {
	rootPath string
	segments *xsync.MapOf[int32, *segmentFile]

	// allocMu guards nextPage and freed.
	allocMu  sync.Mutex
	nextPage common.PageID
	freed    btree.Set[common.PageID]
}

// NewFileDiskManager opens (or creates) the page store rooted at rootPath.
// The allocation high-water mark is recovered from the segment files on
// disk; the reusable-id set is not persisted, so ids deallocated in a
// previous run stay retired.
func NewFileDiskManager(rootPath string) (*FileDiskManager, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, err
	}
	dm := &FileDiskManager{
		rootPath: rootPath,
		segments: xsync.NewMapOf[int32, *segmentFile](),
	}

	matches, err := filepath.Glob(filepath.Join(rootPath, "seg_*.dat"))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		var segNum int32
		if _, err := fmt.Sscanf(filepath.Base(path), "seg_%d.dat", &segNum); err != nil {
			continue
		}
		seg, err := dm.segment(segNum)
		if err != nil {
			return nil, err
		}
		end := common.PageID(segNum*pagesPerSegment + seg.numPages.Load())
		if end > dm.nextPage {
			dm.nextPage = end
		}
	}
	return dm, nil
}

// segment returns the open handle for the given segment number, opening the
// file at most once even under concurrent callers.
func (dm *FileDiskManager) segment(segNum int32) (*segmentFile, error) {
	if seg, ok := dm.segments.Load(segNum); ok {
		return seg, nil
	}
	path := filepath.Join(dm.rootPath, fmt.Sprintf("seg_%d.dat", segNum))
	newSeg, err := openSegmentFile(path)
	if err != nil {
		return nil, err
	}
	actual, loaded := dm.segments.LoadOrStore(segNum, newSeg)
	if loaded {
		// Lost the race; another thread opened the segment first.
		_ = newSeg.file.Close()
		return actual, nil
	}
	return newSeg, nil
}

// locate resolves a page id to its segment and the page offset within it,
// rejecting ids outside the allocated range.
func (dm *FileDiskManager) locate(pid common.PageID) (*segmentFile, int32, error) {
	dm.allocMu.Lock()
	inRange := !pid.IsNil() && pid >= 0 && pid < dm.nextPage
	dm.allocMu.Unlock()
	if !inRange {
		return nil, 0, common.DBError{
			Code:      common.NoSuchPageError,
			ErrString: fmt.Sprintf("%v is outside the allocated page space", pid),
		}
	}
	seg, err := dm.segment(int32(pid) / pagesPerSegment)
	if err != nil {
		return nil, 0, err
	}
	return seg, int32(pid) % pagesPerSegment, nil
}

// AllocatePage reuses the smallest deallocated id if one exists, otherwise
// extends the page space by one page.
func (dm *FileDiskManager) AllocatePage() (common.PageID, error) {
	dm.allocMu.Lock()
	if pid, ok := dm.freed.PopMin(); ok {
		dm.allocMu.Unlock()
		return pid, nil
	}
	pid := dm.nextPage
	dm.nextPage++
	dm.allocMu.Unlock()

	seg, err := dm.segment(int32(pid) / pagesPerSegment)
	if err != nil {
		return common.InvalidPageID, err
	}
	if err := seg.ensureSize(int32(pid)%pagesPerSegment + 1); err != nil {
		return common.InvalidPageID, err
	}
	return pid, nil
}

// DeallocatePage retires a page id for later reuse. The page contents are
// left in place on disk until the id is allocated again.
func (dm *FileDiskManager) DeallocatePage(pid common.PageID) error {
	dm.allocMu.Lock()
	defer dm.allocMu.Unlock()
	if pid.IsNil() || pid < 0 || pid >= dm.nextPage {
		return common.DBError{
			Code:      common.NoSuchPageError,
			ErrString: fmt.Sprintf("cannot deallocate %v: outside the allocated page space", pid),
		}
	}
	dm.freed.Insert(pid)
	return nil
}

func (dm *FileDiskManager) ReadPage(pid common.PageID, frame []byte) error {
	common.Assert(len(frame) == common.PageSize, "read buffer must be exactly one page, got %d bytes", len(frame))
	seg, pageNum, err := dm.locate(pid)
	if err != nil {
		return err
	}
	if pageNum >= seg.numPages.Load() {
		return common.DBError{
			Code:      common.NoSuchPageError,
			ErrString: fmt.Sprintf("%v is beyond the end of its segment", pid),
		}
	}
	_, err = seg.file.ReadAt(frame, int64(pageNum)*int64(common.PageSize))
	return err
}

func (dm *FileDiskManager) WritePage(pid common.PageID, frame []byte) error {
	common.Assert(len(frame) == common.PageSize, "write buffer must be exactly one page, got %d bytes", len(frame))
	seg, pageNum, err := dm.locate(pid)
	if err != nil {
		return err
	}
	if err := seg.ensureSize(pageNum + 1); err != nil {
		return err
	}
	_, err = seg.file.WriteAt(frame, int64(pageNum)*int64(common.PageSize))
	return err
}

// Sync flushes every open segment to stable storage.
func (dm *FileDiskManager) Sync() error {
	var firstErr error
	dm.segments.Range(func(_ int32, seg *segmentFile) bool {
		if err := seg.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Close closes every open segment.
func (dm *FileDiskManager) Close() error {
	var firstErr error
	dm.segments.Range(func(segNum int32, seg *segmentFile) bool {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		dm.segments.Delete(segNum)
		return true
	})
	return firstErr
}

// NumPages returns the count of live pages: the allocation high-water mark
// minus the ids currently retired.
func (dm *FileDiskManager) NumPages() int {
	dm.allocMu.Lock()
	defer dm.allocMu.Unlock()
	return int(dm.nextPage) - dm.freed.Len()
}
