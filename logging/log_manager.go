package logging

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/dsglab/stashdb/common"
)

// flushThreshold is the staged-byte count past which Append forces a flush
// inline, bounding the memory held by undurable records.
const flushThreshold = 1 << 16 // 64KB

// LogManager is the write-ahead log consumed by the buffer pool. The pool
// only needs the durability ordering: before a dirty page image reaches
// disk, the log must be flushed past that page's LSN.
type LogManager interface {
	// Append stages a record in the log and returns its LSN. The record is
	// not durable yet; use WaitUntilFlushed.
	Append(rec Record) (common.LSN, error)
	// WaitUntilFlushed blocks until the record at lsn, and everything
	// before it, is on stable storage.
	WaitUntilFlushed(lsn common.LSN) error
	// FlushedUntil returns the log offset up to which everything is known
	// to be on disk: every record starting before it is durable.
	FlushedUntil() common.LSN
	// Close flushes staged records and releases the log file. Appends
	// after Close fail with LogClosedError.
	Close() error
}

// FileLogManager is a group-committing log over a single append-only file.
//
// There is no flusher goroutine. Appends stage bytes in memory, and
// durability is paid by whoever asks for it: the first caller into
// WaitUntilFlushed becomes the flush leader, takes everything staged so far
// to disk in one write+sync, and callers queued behind it usually find
// their LSN already covered when their turn comes, so a burst of commits
// costs one sync. The buffer pool requests durability explicitly at every
// dirty write-back, which is the only ordering this log has to provide, so
// a background timer would add a goroutine lifecycle for nothing.
//
// LSNs are byte offsets into the log file.
type FileLogManager struct {
	// mu guards the staging state: staged, stagedBase, nextLSN, failure.
	mu         sync.Mutex
	staged     []byte
	stagedBase common.LSN // LSN of staged[0]
	nextLSN    common.LSN
	failure    error // sticky; set on I/O failure or Close

	// flushMu elects the flush leader. Held across file I/O, never while
	// holding mu; flushers take flushMu first, then mu briefly to steal
	// the staged bytes.
	flushMu sync.Mutex
	file    *os.File
	flushed atomic.Int64 // end offset of the durable log
}

// NewFileLogManager opens (or creates) the log at logPath. An existing log
// is appended to; LSNs continue from its size.
func NewFileLogManager(logPath string) (*FileLogManager, error) {
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	startLSN := common.LSN(stat.Size())

	lm := &FileLogManager{
		file:       f,
		stagedBase: startLSN,
		nextLSN:    startLSN,
	}
	lm.flushed.Store(int64(startLSN))
	return lm, nil
}

// fail records the first error that breaks the log. Once set, every
// subsequent operation reports it: a failed flush has dropped staged bytes,
// so the log contents past flushed are no longer trustworthy.
func (lm *FileLogManager) fail(err error) {
	lm.mu.Lock()
	if lm.failure == nil {
		lm.failure = err
	}
	lm.mu.Unlock()
}

func (lm *FileLogManager) loadFailure() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.failure
}

// Append stages rec and returns its LSN. When the staged bytes pass
// flushThreshold the append pays for a flush itself.
func (lm *FileLogManager) Append(rec Record) (common.LSN, error) {
	if rec.Size() > MaxRecordSize {
		return 0, common.DBError{Code: common.OversizeRecordError, ErrString: "log record exceeds the maximum record size"}
	}
	lm.mu.Lock()
	if lm.failure != nil {
		err := lm.failure
		lm.mu.Unlock()
		return 0, err
	}
	lsn := lm.nextLSN
	lm.staged = append(lm.staged, rec.data...)
	lm.nextLSN += common.LSN(rec.Size())
	full := len(lm.staged) >= flushThreshold
	lm.mu.Unlock()

	if full {
		if err := lm.flushStaged(); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

// flushStaged takes the flush leadership and drains whatever is staged.
func (lm *FileLogManager) flushStaged() error {
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()
	return lm.drainLeader()
}

// drainLeader steals the staged bytes and writes them through. Caller holds
// flushMu; mu is taken only for the steal, so appends keep flowing while
// the leader is in write+sync.
func (lm *FileLogManager) drainLeader() error {
	lm.mu.Lock()
	if lm.failure != nil {
		err := lm.failure
		lm.mu.Unlock()
		return err
	}
	pending := lm.staged
	base := lm.stagedBase
	lm.staged = nil
	lm.stagedBase = lm.nextLSN
	lm.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if _, err := lm.file.Write(pending); err != nil {
		lm.fail(err)
		return err
	}
	if err := lm.file.Sync(); err != nil {
		lm.fail(err)
		return err
	}
	lm.flushed.Store(int64(base) + int64(len(pending)))
	return nil
}

// WaitUntilFlushed blocks until the log is durable through lsn. An lsn past
// the end of the log flushes everything appended so far and returns.
func (lm *FileLogManager) WaitUntilFlushed(lsn common.LSN) error {
	if err := lm.loadFailure(); err != nil {
		return err
	}
	// Flushes end on record boundaries, so a durable end offset past lsn
	// covers the whole record starting at lsn.
	if common.LSN(lm.flushed.Load()) > lsn {
		return nil
	}
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()
	if common.LSN(lm.flushed.Load()) > lsn {
		// The previous leader's flush covered us while we queued.
		return nil
	}
	return lm.drainLeader()
}

// FlushedUntil returns the log offset up to which everything is currently
// known to be on disk.
func (lm *FileLogManager) FlushedUntil() common.LSN {
	return common.LSN(lm.flushed.Load())
}

// Close drains staged records, seals the log against further appends and
// closes the file.
func (lm *FileLogManager) Close() error {
	lm.flushMu.Lock()
	drainErr := lm.drainLeader()
	lm.flushMu.Unlock()

	lm.mu.Lock()
	if lm.failure == nil {
		lm.failure = common.DBError{Code: common.LogClosedError, ErrString: "log closed"}
	}
	lm.mu.Unlock()

	closeErr := lm.file.Close()
	if drainErr != nil {
		return drainErr
	}
	return closeErr
}
