package logging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsglab/stashdb/common"
)

func newTestLog(t *testing.T) (*FileLogManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	lm, err := NewFileLogManager(path)
	require.NoError(t, err)
	return lm, path
}

func TestFileLogManager_AppendAssignsOffsets(t *testing.T) {
	lm, _ := newTestLog(t)
	defer lm.Close()

	r1 := NewRecord(PageImageRecord, []byte("first"))
	r2 := NewRecord(PageImageRecord, []byte("second record"))

	lsn1, err := lm.Append(r1)
	require.NoError(t, err)
	assert.Equal(t, common.LSN(0), lsn1)

	lsn2, err := lm.Append(r2)
	require.NoError(t, err)
	assert.Equal(t, common.LSN(r1.Size()), lsn2,
		"LSNs are byte offsets, so consecutive records abut")
}

func TestFileLogManager_WaitUntilFlushed(t *testing.T) {
	lm, path := newTestLog(t)

	rec := NewRecord(CheckpointRecord, []byte("durable"))
	lsn, err := lm.Append(rec)
	require.NoError(t, err)
	end := lsn + common.LSN(rec.Size())

	require.NoError(t, lm.WaitUntilFlushed(end))
	assert.GreaterOrEqual(t, lm.FlushedUntil(), end)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(content), rec.Size())

	got := recordFrom(content[lsn:])
	require.False(t, got.IsNil())
	assert.True(t, got.Valid(), "checksum should verify after the disk round trip")
	assert.Equal(t, CheckpointRecord, got.Type())
	assert.Equal(t, []byte("durable"), got.Payload())

	require.NoError(t, lm.Close())
}

func TestFileLogManager_CloseDrainsAndSeals(t *testing.T) {
	lm, path := newTestLog(t)

	var total int
	for i := 0; i < 10; i++ {
		rec := NewRecord(PageImageRecord, []byte{byte(i)})
		_, err := lm.Append(rec)
		require.NoError(t, err)
		total += rec.Size()
	}
	require.NoError(t, lm.Close())

	stat, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(total), stat.Size(), "close must drain staged records")

	_, err = lm.Append(NewRecord(PageImageRecord, nil))
	require.Error(t, err)
	var dbErr common.DBError
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, common.LogClosedError, dbErr.Code)
}

func TestFileLogManager_ReopenContinuesOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	lm, err := NewFileLogManager(path)
	require.NoError(t, err)

	rec := NewRecord(PageImageRecord, []byte("before restart"))
	_, err = lm.Append(rec)
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	lm2, err := NewFileLogManager(path)
	require.NoError(t, err)
	defer lm2.Close()

	lsn, err := lm2.Append(NewRecord(PageImageRecord, []byte("after restart")))
	require.NoError(t, err)
	assert.Equal(t, common.LSN(rec.Size()), lsn,
		"a reopened log continues from the existing file size")
}

func TestFileLogManager_OversizeRecord(t *testing.T) {
	lm, _ := newTestLog(t)
	defer lm.Close()

	_, err := lm.Append(NewRecord(PageImageRecord, make([]byte, MaxRecordSize)))
	require.Error(t, err)
	var dbErr common.DBError
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, common.OversizeRecordError, dbErr.Code)
}

func TestFileLogManager_BufferTurnover(t *testing.T) {
	lm, path := newTestLog(t)

	// Push well past the staging threshold so Append exercises the inline
	// flush path, not just the Close-time drain.
	payload := make([]byte, 1024)
	var total int
	for i := 0; i < 3*flushThreshold/len(payload); i++ {
		rec := NewRecord(PageImageRecord, payload)
		_, err := lm.Append(rec)
		require.NoError(t, err)
		total += rec.Size()
	}
	require.NoError(t, lm.Close())

	stat, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(total), stat.Size())
}
