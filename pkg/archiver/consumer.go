package archiver

import (
	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/rc"
	"github.com/lslersch/zero/pkg/ring"
)

// blockSource hands a consumer fixed-size blocks one at a time,
// blocking until one is available. ok is false once there is nothing
// left to read, ever.
type blockSource interface {
	nextBlock() (block []byte, ok bool)
}

// ringBlockSource pulls blocks off the consumer side of an async ring
// buffer, copying each block out before releasing its slot back to the
// producer.
type ringBlockSource struct {
	rb *ring.Buffer
}

func (s *ringBlockSource) nextBlock() ([]byte, bool) {
	blk, ok := s.rb.ConsumerRequest()
	if !ok {
		return nil, false
	}
	out := make([]byte, len(blk))
	copy(out, blk)
	s.rb.ConsumerRelease()
	return out, true
}

// recordStream implements the truncation-buffer algorithm shared by the
// live LogConsumer (fed from the reader's ring) and RunScanner (fed
// directly from a run file): pull fixed blocks from src, peel log
// records off the front of each, and stitch a record that straddles a
// block boundary back together through trunc, a carryover buffer
// bounded at three block sizes (a record with a single byte left in a
// block is instead stitched by prepending that byte to the next block).
type recordStream struct {
	src       blockSource
	blockSize int
	ignore    logrec.IgnoreSet

	cur   []byte
	pos   int
	trunc []byte

	nextLSN lsn.LSN
	stopLSN lsn.LSN
	hasStop bool
}

func newRecordStream(src blockSource, blockSize int, ignore logrec.IgnoreSet, start lsn.LSN) *recordStream {
	return &recordStream{src: src, blockSize: blockSize, ignore: ignore, nextLSN: start}
}

// setStop arms the stop_lsn check: Next returns false once nextLSN
// reaches stop without consuming past it.
func (s *recordStream) setStop(stop lsn.LSN) {
	s.stopLSN = stop
	s.hasStop = true
}

func (s *recordStream) loadNextBlock() bool {
	blk, ok := s.src.nextBlock()
	if !ok {
		return false
	}
	s.cur = blk
	s.pos = 0
	return true
}

// NextLSN reports the LSN the next call to Next will assign to the
// record it returns (or the partition boundary it will cross).
func (s *recordStream) NextLSN() lsn.LSN { return s.nextLSN }

// Next returns the next record that is not in the ignore set. ok is
// false when the stream is exhausted (block source drained) or
// nextLSN has reached an armed stop point.
func (s *recordStream) Next() (rec *logrec.Record, ok bool, err error) {
	for {
		if s.hasStop && s.nextLSN == s.stopLSN {
			return nil, false, nil
		}
		if s.cur == nil || len(s.cur) == s.pos {
			if !s.loadNextBlock() {
				return nil, false, nil
			}
			continue
		}

		avail := len(s.cur) - s.pos
		if avail < 2 {
			// Too short even for the length prefix: carry the byte to
			// the front of the next block, where the rest of the
			// straddling record begins.
			carry := s.cur[s.pos]
			if !s.loadNextBlock() {
				return nil, false, nil
			}
			s.cur = append([]byte{carry}, s.cur...)
			continue
		}
		length, _ := logrec.PeekLength(s.cur[s.pos:])

		var r *logrec.Record
		if int(length) > avail {
			r, err = s.assembleAcrossBoundary(int(length))
			if err != nil {
				return nil, false, err
			}
		} else {
			r, err = logrec.Decode(s.cur[s.pos : s.pos+int(length)])
			if err != nil {
				return nil, false, err
			}
			s.pos += int(length)
		}

		s.advance(r)
		if s.shouldSkip(r) {
			continue
		}
		return r, true, nil
	}
}

// assembleAcrossBoundary stitches a record whose declared length
// exceeds what remains in the current block, growing trunc (bounded at
// 3*blockSize per the consumer's contract) across as many further
// blocks as needed, then parses the completed record out of trunc.
// s.cur/s.pos are left pointing just past the record's tail in
// whichever block supplied it.
func (s *recordStream) assembleAcrossBoundary(declared int) (*logrec.Record, error) {
	s.trunc = append(s.trunc[:0], s.cur[s.pos:]...)
	for len(s.trunc) < declared {
		if !s.loadNextBlock() {
			return nil, rc.New(rc.EndOfFile, "log consumer: block source exhausted mid-record")
		}
		need := declared - len(s.trunc)
		if need > len(s.cur) {
			if len(s.trunc)+len(s.cur) > 3*s.blockSize {
				return nil, rc.New(rc.Fatal, "log consumer: record exceeds 3x block size truncation buffer")
			}
			s.trunc = append(s.trunc, s.cur...)
			s.pos = len(s.cur)
			continue
		}
		s.trunc = append(s.trunc, s.cur[:need]...)
		s.pos = need
	}
	return logrec.Decode(s.trunc)
}

// shouldSkip reports whether r must be filtered out of the stream
// (either it belongs to the ignore set, or it is the end-of-partition
// skip marker whose only effect is the partition rollover already
// applied by advance).
func (s *recordStream) shouldSkip(r *logrec.Record) bool {
	if r.IsSkip() {
		s.cur = nil
		return true
	}
	return s.ignore.Ignored(r.TypeTag)
}

// advance moves nextLSN past r, or onto the next partition's start if
// r is the skip marker.
func (s *recordStream) advance(r *logrec.Record) {
	if r.IsSkip() {
		s.nextLSN = lsn.New(r.LSN.Partition+1, 0)
		return
	}
	s.nextLSN = r.LSN.Advance(uint32(r.Length))
}

// LogConsumer is the live-side façade over recordStream, pulling blocks
// from the reader thread's ring buffer.
type LogConsumer struct {
	stream *recordStream
}

// OpenLogConsumer begins consuming log records from start, reading
// blocks off rb, filtering records in ignore, and stopping once
// nextLSN reaches stop.
func OpenLogConsumer(rb *ring.Buffer, ignore logrec.IgnoreSet, start, stop lsn.LSN) *LogConsumer {
	s := newRecordStream(&ringBlockSource{rb: rb}, rb.BlockSize(), ignore, start)
	s.setStop(stop)
	return &LogConsumer{stream: s}
}

// Next returns the next non-ignored record, or ok=false at end of the
// activation window or end of the ring.
func (c *LogConsumer) Next() (*logrec.Record, bool, error) { return c.stream.Next() }

// NextLSN reports the position the consumer has reached.
func (c *LogConsumer) NextLSN() lsn.LSN { return c.stream.NextLSN() }
