package archiver

import (
	"container/heap"
	"io"
	"os"

	"github.com/ncw/directio"

	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/rc"
)

// fileBlockSource reads fixed blockSize blocks sequentially from a run
// file via direct, aligned positional reads, the same I/O style
// pkg/bufmgr.Facade uses for page frames.
type fileBlockSource struct {
	f         *os.File
	blockSize int
	offset    int64
	dataEnd   int64 // byte offset where the run's data blocks end (index blocks follow)
}

func (s *fileBlockSource) nextBlock() ([]byte, bool) {
	if s.offset >= s.dataEnd {
		return nil, false
	}
	buf := directio.AlignedBlock(s.blockSize)
	n, err := s.f.ReadAt(buf, s.offset)
	if n == 0 || (err != nil && err != io.EOF) {
		return nil, false
	}
	// A run's data need not end on a blockSize boundary (a flush can
	// close a run mid-block): whatever this read pulled in past dataEnd
	// belongs to the run's trailing index blocks, not its record
	// stream, and must be trimmed off before the caller sees it.
	if s.offset+int64(n) > s.dataEnd {
		n = int(s.dataEnd - s.offset)
	}
	s.offset += int64(n)
	return buf[:n], true
}

// RunScanner sequentially reads one archived run starting at a probed
// byte offset, parsing records with the same truncation-buffer logic
// the live log consumer uses, and stops once a record's primary page
// id reaches pidEnd or the run's data blocks are exhausted.
type RunScanner struct {
	level    int
	pidEnd   uint64
	f        *os.File
	stream   *recordStream
	head     *logrec.Record
	active   bool
}

// OpenRunScanner opens the run file at path and positions it at
// startOffset (a bucket boundary returned by ArchiveIndex.Probe), ready
// to scan page ids up to pidEnd (exclusive). Records of the starting
// bucket whose page id lies below the probed start page id are not
// filtered out.
func OpenRunScanner(path string, level int, blockSize int, startOffset int64, dataEnd int64, firstLSN lsn.LSN, pidEnd uint64) (*RunScanner, error) {
	f, err := directio.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, rc.Wrap(rc.Fatal, "open run for scanning", err)
	}
	src := &fileBlockSource{f: f, blockSize: blockSize, offset: startOffset, dataEnd: dataEnd}
	s := &RunScanner{
		level:  level,
		pidEnd: pidEnd,
		f:      f,
		stream: newRecordStream(src, blockSize, logrec.DefaultIgnoreSet(), firstLSN),
	}
	if err := s.advance(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// advance pulls the next record into s.head, deactivating the scanner
// once the run is exhausted or a record's page id reaches pidEnd.
func (s *RunScanner) advance() error {
	r, ok, err := s.stream.Next()
	if err != nil {
		return err
	}
	if !ok || r.PageID >= s.pidEnd {
		s.active = false
		s.head = nil
		return nil
	}
	s.active = true
	s.head = r
	return nil
}

// Head returns the scanner's current record, valid only while Active.
func (s *RunScanner) Head() *logrec.Record { return s.head }

// Active reports whether Head holds a record still within range.
func (s *RunScanner) Active() bool { return s.active }

// Advance discards Head and loads the next record.
func (s *RunScanner) Advance() error { return s.advance() }

// Close releases the scanner's file handle.
func (s *RunScanner) Close() error { return s.f.Close() }

// mergeHeap is a container/heap.Interface over active RunScanners,
// ordered by (page_id, lsn) of each scanner's head record — a per-page
// redo scan needs its input merged in exactly that order.
type mergeHeap []*RunScanner

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].Head(), h[j].Head()
	if a.PageID != b.PageID {
		return a.PageID < b.PageID
	}
	return a.LSN.Less(b.LSN)
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*RunScanner)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// RunMerger drives a set of RunScanners through a min-heap keyed by
// (page_id, lsn), emitting records in the order a per-page redo scan
// during restore expects regardless of which run produced them.
type RunMerger struct {
	h mergeHeap
}

// NewRunMerger builds a merger over scanners, all already positioned at
// their first record of interest.
func NewRunMerger(scanners []*RunScanner) *RunMerger {
	m := &RunMerger{}
	for _, s := range scanners {
		if s.Active() {
			m.h = append(m.h, s)
		}
	}
	heap.Init(&m.h)
	return m
}

// Next returns the globally next record across all scanners, or
// ok=false once every scanner is exhausted.
func (m *RunMerger) Next() (*logrec.Record, bool, error) {
	if len(m.h) == 0 {
		return nil, false, nil
	}
	top := m.h[0]
	rec := top.Head()
	if err := top.Advance(); err != nil {
		return nil, false, err
	}
	if top.Active() {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	return rec, true, nil
}

// Close closes the file handles of the scanners still in the heap; a
// scanner that ran out and was popped by Next is not closed here.
func (m *RunMerger) Close() error {
	var first error
	for _, s := range m.h {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
