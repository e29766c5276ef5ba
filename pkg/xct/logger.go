package xct

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/rc"
)

// Logger is the sink a system sub-transaction writes its physiological
// log records through. The transaction manager that would otherwise
// own this (locking, commit/abort for ordinary transactions) lives
// outside this repository; Logger only covers the part pkg/btree
// itself is responsible for — constructing and durably appending the
// record an SSX's structure modification produces.
type Logger interface {
	Append(typeTag logrec.Type, pageID, pageID2 uint64, pagePrevLSN, page2PrevLSN lsn.LSN, payload []byte) (lsn.LSN, error)
}

// Discard is a Logger that assigns no LSN and writes nothing, for
// callers (mainly tests not exercising recovery) that have no log
// directory to write into.
type Discard struct{}

// Append implements Logger by doing nothing and returning lsn.Null.
func (Discard) Append(logrec.Type, uint64, uint64, lsn.LSN, lsn.LSN, []byte) (lsn.LSN, error) {
	return lsn.Null, nil
}

// MemLogger is an in-memory Logger that keeps every appended record,
// assigning LSNs from a single monotonically increasing offset within
// partition 0. Used by pkg/btree's own tests to assert on exactly which
// physiological records a structure modification produced without
// needing a real log directory.
type MemLogger struct {
	mu      sync.Mutex
	offset  uint32
	Records []*logrec.Record
}

// NewMemLogger returns an empty MemLogger.
func NewMemLogger() *MemLogger { return &MemLogger{} }

// Append implements Logger.
func (l *MemLogger) Append(typeTag logrec.Type, pageID, pageID2 uint64, prevLSN, prev2LSN lsn.LSN, payload []byte) (lsn.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at := lsn.New(0, l.offset)
	rec := &logrec.Record{
		Length:       uint16(logrec.MinRecordSize + len(payload)),
		TypeTag:      typeTag,
		LSN:          at,
		PageID:       pageID,
		PageID2:      pageID2,
		PagePrevLSN:  prevLSN,
		Page2PrevLSN: prev2LSN,
		Payload:      payload,
	}
	l.offset += uint32(rec.Length)
	l.Records = append(l.Records, rec)
	return at, nil
}

// FileLogger appends records to a single growing log partition file
// named the way cmd/archiverd's discoverLogTip and pkg/archiver.Reader
// expect (log.NNNNNNNNNN under the recovery log directory), so that a
// FileLogger and an archiver pipeline pointed at the same directory
// form one working end-to-end pipeline: structure modifications logged
// here are the bytes the archiver reads, sorts, and archives.
type FileLogger struct {
	mu        sync.Mutex
	f         *os.File
	partition uint32
	offset    uint32
}

// OpenFileLogger opens (creating if absent) dir/log.<partition> for
// appending, positioned at the file's current size so a reopened
// FileLogger resumes exactly where a prior process left off.
func OpenFileLogger(dir string, partition uint32) (*FileLogger, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, rc.Wrap(rc.Fatal, "mkdir log dir", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("log.%010d", partition))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, rc.Wrap(rc.Fatal, "open log partition", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, rc.Wrap(rc.Fatal, "stat log partition", err)
	}
	return &FileLogger{f: f, partition: partition, offset: uint32(info.Size())}, nil
}

// Append implements Logger by encoding the record and appending it at
// the logger's current offset within its partition.
func (l *FileLogger) Append(typeTag logrec.Type, pageID, pageID2 uint64, prevLSN, prev2LSN lsn.LSN, payload []byte) (lsn.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at := lsn.New(l.partition, l.offset)
	rec := &logrec.Record{
		TypeTag:      typeTag,
		LSN:          at,
		PageID:       pageID,
		PageID2:      pageID2,
		PagePrevLSN:  prevLSN,
		Page2PrevLSN: prev2LSN,
		Payload:      payload,
	}
	buf := make([]byte, logrec.MinRecordSize+len(payload))
	n := logrec.Encode(buf, rec)
	if _, err := l.f.WriteAt(buf[:n], int64(l.offset)); err != nil {
		return lsn.Null, rc.Wrap(rc.ShortIO, "append log record", err)
	}
	l.offset += uint32(n)
	return at, nil
}

// Close closes the underlying partition file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
