// Package logrec defines the on-disk recovery log record the archiver
// reads: a small fixed header (length, type tag, LSN check, the one or
// two page ids it touches, and each touched page's previous LSN) plus
// an opaque payload. Nothing outside the archiver interprets the
// payload; the B-link core's own structure modifications construct and
// emit these records directly (see pkg/btree's system sub-transactions
// and pkg/xct.Logger), the same physiological records this package's
// Type enum names below (FosterSplit, GhostMark, and the rest).
package logrec

import (
	"encoding/binary"

	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/rc"
)

// Type tags the kind of operation a record describes. Archiver-visible
// types are a small subset of a full recovery log's type space; the
// rest are lumped into Other, which DefaultIgnoreSet does not contain,
// so the consumer passes Other records on.
type Type uint8

const (
	Other Type = iota
	Insert
	Update
	Overwrite
	GhostMark
	UndoGhostMark
	Checkpoint
	XctBegin
	XctEnd
	XctAbort
	Comment
	Tick
	PageRead
	PageWrite
	RestoreMark
	Skip // end-of-partition marker

	// The remaining tags are the B-link core's physiological records,
	// one per pkg/btree system sub-transaction kind.
	// Each is archiver-visible like any other record but carries no
	// special handling here: the archiver only sorts and indexes by
	// (PageID, LSN), never interprets Payload.
	FosterSplit       // foster split of a full page into a new right sibling
	NorecordSplit     // foster split formatting-only, no items moved
	FosterAdoptParent // parent gains a separator for an adopted foster child
	FosterAdoptChild  // child's foster pointer is cleared after adoption
	FosterMerge       // a sparse foster child is folded back into its left neighbor
	FosterRebalance   // items shifted from a page to its foster child
	FosterDeadopt     // a parent's direct child is pushed down into a sibling's foster chain
	GrowTree          // the root is reformatted one level taller
	GhostReserve      // a new key's slot is reserved, marked ghost, ahead of its value fill
	GhostReclaim      // an insert reclaims an existing ghost slot in place
)

// headerSize is the fixed prefix before the payload: length(2) +
// type(1) + flags(1) + lsn(8) + pageID(8) + pageID2(8) +
// pagePrevLSN(8) + page2PrevLSN(8).
const headerSize = 2 + 1 + 1 + 8 + 8 + 8 + 8 + 8

// MinRecordSize is the smallest a record's declared length may be —
// header only, no payload. The consumer uses it to decide whether a
// block's tail holds at least a length prefix worth reading before
// falling back to the truncation buffer.
const MinRecordSize = headerSize

const (
	flagRedo      = 1 << 0
	flagMultiPage = 1 << 1
)

// Record is one parsed recovery log entry.
type Record struct {
	Length        uint16
	TypeTag       Type
	IsRedo        bool
	IsMultiPage   bool
	LSN           lsn.LSN
	PageID        uint64
	PageID2       uint64
	PagePrevLSN   lsn.LSN
	Page2PrevLSN  lsn.LSN
	Payload       []byte
}

// IgnoreSet is a fixed lookup table of type tags the log consumer skips
// without ever handing them to the sorter: checkpoints, transaction
// begin/end/abort, comments, ticks, page read/write, and restore
// markers carry no information useful to per-page redo during restore.
type IgnoreSet [256]bool

// DefaultIgnoreSet returns the table populated the way
// LogArchiver::initLogScanner configures its scanner.
func DefaultIgnoreSet() IgnoreSet {
	var s IgnoreSet
	for _, t := range []Type{Checkpoint, XctBegin, XctEnd, XctAbort, Comment, Tick, PageRead, PageWrite, RestoreMark} {
		s[t] = true
	}
	return s
}

// Ignored reports whether t should be skipped by the consumer.
func (s IgnoreSet) Ignored(t Type) bool { return s[t] }

// Encode serializes r's header and payload into buf, which must be at
// least len(r.Payload)+headerSize bytes. Returns the number of bytes
// written.
func Encode(buf []byte, r *Record) int {
	total := headerSize + len(r.Payload)
	binary.LittleEndian.PutUint16(buf[0:], uint16(total))
	buf[2] = byte(r.TypeTag)
	var flags byte
	if r.IsRedo {
		flags |= flagRedo
	}
	if r.IsMultiPage {
		flags |= flagMultiPage
	}
	buf[3] = flags
	binary.LittleEndian.PutUint32(buf[4:], r.LSN.Partition)
	binary.LittleEndian.PutUint32(buf[8:], r.LSN.Offset)
	binary.LittleEndian.PutUint64(buf[12:], r.PageID)
	binary.LittleEndian.PutUint64(buf[20:], r.PageID2)
	binary.LittleEndian.PutUint32(buf[28:], r.PagePrevLSN.Partition)
	binary.LittleEndian.PutUint32(buf[32:], r.PagePrevLSN.Offset)
	binary.LittleEndian.PutUint32(buf[36:], r.Page2PrevLSN.Partition)
	binary.LittleEndian.PutUint32(buf[40:], r.Page2PrevLSN.Offset)
	copy(buf[headerSize:total], r.Payload)
	return total
}

// PeekLength reads the declared total length of the record starting at
// buf[0:2], without requiring the rest of the record to be present.
// Returns false if buf has fewer than 2 bytes.
func PeekLength(buf []byte) (uint16, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf), true
}

// Decode parses one record from the front of buf. buf must hold at
// least the record's declared length (call PeekLength first to check);
// Decode does not copy the payload, so callers that retain a Record
// past the buffer's lifetime must copy Payload themselves.
func Decode(buf []byte) (*Record, error) {
	if len(buf) < headerSize {
		return nil, rc.New(rc.Fatal, "logrec: buffer shorter than header")
	}
	total := binary.LittleEndian.Uint16(buf)
	if int(total) > len(buf) {
		return nil, rc.New(rc.Fatal, "logrec: buffer shorter than declared length")
	}
	r := &Record{
		Length:  total,
		TypeTag: Type(buf[2]),
	}
	flags := buf[3]
	r.IsRedo = flags&flagRedo != 0
	r.IsMultiPage = flags&flagMultiPage != 0
	r.LSN = lsn.New(binary.LittleEndian.Uint32(buf[4:]), binary.LittleEndian.Uint32(buf[8:]))
	r.PageID = binary.LittleEndian.Uint64(buf[12:])
	r.PageID2 = binary.LittleEndian.Uint64(buf[20:])
	r.PagePrevLSN = lsn.New(binary.LittleEndian.Uint32(buf[28:]), binary.LittleEndian.Uint32(buf[32:]))
	r.Page2PrevLSN = lsn.New(binary.LittleEndian.Uint32(buf[36:]), binary.LittleEndian.Uint32(buf[40:]))
	r.Payload = buf[headerSize:total]
	return r, nil
}

// ValidHeader reports whether r's own LSN matches expected, the check
// the consumer makes before trusting a record recovered from a
// truncation buffer spanning a block boundary.
func (r *Record) ValidHeader(expected lsn.LSN) bool {
	return r.LSN == expected
}

// IsSkip reports whether r is the end-of-partition marker.
func (r *Record) IsSkip() bool { return r.TypeTag == Skip }

// NewSkip builds the end-of-partition marker record written at the
// tail of every log partition file.
func NewSkip(at lsn.LSN) *Record {
	return &Record{TypeTag: Skip, LSN: at}
}
