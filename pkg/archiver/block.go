package archiver

import (
	"encoding/binary"

	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/rc"
	"github.com/lslersch/zero/pkg/ring"
)

// blockHeaderSize is the in-memory write-block header stripped before
// the block's data reaches disk: last_lsn(8) + end_offset(4) +
// run_number(4).
const blockHeaderSize = 8 + 4 + 4

// closeRunMarker is a reserved RunNumber value that never collides with
// a real sorter run number (the sorter's counter starts at 0 and only
// ever increases by one), used by BlockAssembly.PushCloseMarker to ask
// the writer thread to force-close whatever run is currently open
// without waiting for the next real run_number transition — the
// archiver's flush-request path needs this to close a run out on
// demand instead of whenever the sorter happens to roll over.
const closeRunMarker = ^uint32(0)

// writeBlockHeader is the header a producer leaves at the front of
// every block it pushes into the writer ring; the writer thread reads
// it, then strips it before appending the remainder to the run file.
type writeBlockHeader struct {
	LastLSN   lsn.LSN
	EndOffset uint32
	RunNumber uint32
}

func encodeWriteBlockHeader(buf []byte, h writeBlockHeader) {
	binary.LittleEndian.PutUint32(buf[0:], h.LastLSN.Partition)
	binary.LittleEndian.PutUint32(buf[4:], h.LastLSN.Offset)
	binary.LittleEndian.PutUint32(buf[8:], h.EndOffset)
	binary.LittleEndian.PutUint32(buf[12:], h.RunNumber)
}

func decodeWriteBlockHeader(buf []byte) writeBlockHeader {
	return writeBlockHeader{
		LastLSN:   lsn.New(binary.LittleEndian.Uint32(buf[0:]), binary.LittleEndian.Uint32(buf[4:])),
		EndOffset: binary.LittleEndian.Uint32(buf[8:]),
		RunNumber: binary.LittleEndian.Uint32(buf[12:]),
	}
}

// BlockAssembly packs a stream of sorted log records into fixed-size
// write blocks, tracking per-bucket index entries as page ids advance,
// and hands finished blocks to the writer thread's ring. One
// BlockAssembly serves exactly one archiver pipeline (the live level-1
// writer, or a background Merger writing a consolidated higher level).
type BlockAssembly struct {
	ring       *ring.Buffer
	blockSize  int
	bucketSize uint64
	index      *ArchiveIndex
	dir        *ArchiveDirectory

	block      []byte // current block, borrowed from the ring until finish/start
	pos        int    // write position within block, past the reserved header
	run        *RunInfo
	runNum     uint32
	maxPID     uint64
	haveMaxPID bool
	maxLSN     lsn.LSN
	maxLSNLen  uint16
	nextBucket uint64
}

// NewBlockAssembly constructs a block assembler writing into rb, whose
// block size must equal cfg's archive block size, recording bucket
// index entries against dir's index and registering each run it opens
// as pending with dir so the writer thread (or a Merger) can retrieve
// it again once the run's file is ready to be closed out.
func NewBlockAssembly(rb *ring.Buffer, bucketSize uint64, dir *ArchiveDirectory) *BlockAssembly {
	return &BlockAssembly{ring: rb, blockSize: rb.BlockSize(), bucketSize: bucketSize, index: dir.Index(), dir: dir}
}

// Start claims a fresh write block for the next block of runNumber at
// level. Per spec, a new RunInfo is appended to the archive index only
// "on a new run": if runNumber is the same run Start was most recently
// called with, the existing in-progress RunInfo (and its accumulated
// bucket entries) is kept and simply gains another block; firstLSN is
// only consulted when a run actually begins.
func (a *BlockAssembly) Start(level int, runNumber uint32, firstLSN lsn.LSN) error {
	blk := a.ring.ProducerRequest()
	if blk == nil {
		return rc.New(rc.Fatal, "block assembly: writer ring finished while starting a run")
	}
	a.block = blk
	a.pos = blockHeaderSize
	if a.run == nil || a.runNum != runNumber {
		a.runNum = runNumber
		a.maxLSN = firstLSN
		a.maxLSNLen = 0
		a.haveMaxPID = false
		a.nextBucket = 0
		a.run = a.index.NewRun(level, firstLSN)
		a.dir.RegisterPending(level, runNumber, a.run)
	}
	return nil
}

// PushCloseMarker publishes a zero-body control block carrying
// closeRunMarker as its run number, without disturbing this
// BlockAssembly's own open-run state. The writer thread recognizes the
// marker and force-closes whatever run it currently has open, the
// mechanism behind a flush request's "force-close current run, reset
// writer" step.
func (a *BlockAssembly) PushCloseMarker() error {
	blk := a.ring.ProducerRequest()
	if blk == nil {
		return rc.New(rc.Fatal, "block assembly: writer ring finished while closing a run")
	}
	h := writeBlockHeader{LastLSN: a.maxLSN, EndOffset: blockHeaderSize, RunNumber: closeRunMarker}
	encodeWriteBlockHeader(blk[:blockHeaderSize], h)
	a.ring.ProducerRelease()
	return nil
}

// Add copies record into the current block if it fits, tracks the
// block's running maximum LSN, and appends a bucket index entry
// whenever the record's page id crosses into a new
// page_id/bucketSize bucket. Returns false if the record does not fit
// in the remaining space, in which case the caller must Finish the
// block (or, per the replacement-selection rule, stop offering more
// records from the current run) before trying again.
func (a *BlockAssembly) Add(r *logrec.Record) bool {
	need := int(r.Length)
	if a.pos+need > len(a.block) {
		return false
	}
	if !a.haveMaxPID || r.PageID > a.maxPID {
		a.maxPID = r.PageID
		a.haveMaxPID = true
	}
	bucket := r.PageID / a.bucketSize
	if bucket >= a.nextBucket {
		a.run.Entries = append(a.run.Entries, BlockEntry{FirstPageID: bucket * a.bucketSize, Offset: int64(a.pos)})
		a.nextBucket = bucket + 1
	}
	logrec.Encode(a.block[a.pos:a.pos+need], r)
	a.pos += need
	if a.maxLSNLen == 0 || a.maxLSN.Less(r.LSN) {
		a.maxLSN = r.LSN
		a.maxLSNLen = uint16(need)
	}
	return true
}

// Finish writes the block header, publishes the block to the writer
// ring, and clears assembly state so Start or Add can begin the next
// block. Returns the header's last_lsn, the exclusive end LSN of this
// block, which callers track as the candidate first_lsn of whatever
// comes next.
func (a *BlockAssembly) Finish() (lsn.LSN, error) {
	if a.block == nil {
		return lsn.Null, rc.New(rc.Fatal, "block assembly: finish with no open block")
	}
	lastLSN := a.maxLSN.Advance(uint32(a.maxLSNLen))
	h := writeBlockHeader{LastLSN: lastLSN, EndOffset: uint32(a.pos), RunNumber: a.runNum}
	encodeWriteBlockHeader(a.block[:blockHeaderSize], h)
	a.ring.ProducerRelease()
	a.run.LastLSN = lastLSN
	if a.haveMaxPID {
		a.run.LastPID = a.maxPID
	}
	a.block = nil
	return lastLSN, nil
}

// HasPendingBlock reports whether a block is currently open (Start was
// called, Finish was not).
func (a *BlockAssembly) HasPendingBlock() bool { return a.block != nil }

// CurrentRun returns the RunInfo backing the block currently being
// assembled, or the most recently finished one.
func (a *BlockAssembly) CurrentRun() *RunInfo { return a.run }
