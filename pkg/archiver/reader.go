package archiver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/ring"
)

// PartitionPath returns the path of log partition n under logDir, the
// file-naming convention the reader expects of the recovery log
// manager that writes it — an external collaborator living outside
// this repository; nothing here interprets the partition's contents
// beyond the fixed blockSize chunking the log consumer already
// assumes.
func PartitionPath(logDir string, partition uint32) string {
	return filepath.Join(logDir, fmt.Sprintf("log.%010d", partition))
}

// Reader is the archiver's reader thread: activation-driven, it reads
// consecutive blockSize-aligned chunks from the current log partition
// file via positional reads (no seeking), rolling over to the next
// partition file on EOF, and feeds each chunk into a ring buffer for
// the log consumer on the other end. One Reader serves exactly one
// archiver pipeline's read ring.
type Reader struct {
	logDir    string
	blockSize int
	rb        *ring.Buffer
	shutdown  *bool
	act       *ActivationController

	f         *os.File
	partition uint32
	offset    int64
}

// NewReader constructs a reader that will begin at start (rounded down
// to a block boundary within its partition) once activated, publishing
// blocks into rb until *shutdown is observed.
func NewReader(logDir string, blockSize int, rb *ring.Buffer, shutdown *bool, start lsn.LSN) *Reader {
	return &Reader{
		logDir:    logDir,
		blockSize: blockSize,
		rb:        rb,
		shutdown:  shutdown,
		act:       NewActivationController(shutdown),
		partition: start.Partition,
		offset:    int64(start.Offset) - int64(start.Offset)%int64(blockSize),
	}
}

// Activate raises the reader's activation boundary to endLSN, per
// ActivationController.Activate's semantics.
func (r *Reader) Activate(wait bool, endLSN lsn.LSN) bool {
	return r.act.Activate(wait, endLSN)
}

// Run is the reader thread's body: wait for activation, read up to the
// activated end_lsn, and repeat until shutdown, at which point the read
// ring is marked Finished so the log consumer on the far end stops
// blocking once it has drained whatever was already published.
func (r *Reader) Run() error {
	defer r.rb.Finished()
	for {
		end, ok := r.act.WaitForActivation()
		if !ok {
			return nil
		}
		r.act.ClearActivation()
		if err := r.readUntil(end); err != nil {
			return err
		}
	}
}

// readUntil reads blockSize chunks into the ring until the reader has
// read up to or past end within end's partition, or shutdown fires.
// Reaching the end of the current partition file rolls over to the
// next one, named by partition number; if that file does not exist yet
// (the reader has caught up with a log manager that has not rolled
// over), readUntil simply returns, to be resumed on the next
// activation.
func (r *Reader) readUntil(end lsn.LSN) error {
	for {
		if *r.shutdown {
			return nil
		}
		if r.partition > end.Partition || (r.partition == end.Partition && r.offset >= int64(end.Offset)) {
			return nil
		}
		if r.f == nil {
			f, err := os.Open(PartitionPath(r.logDir, r.partition))
			if err != nil {
				return nil
			}
			r.f = f
		}

		blk := r.rb.ProducerRequest()
		if blk == nil {
			return nil
		}
		n, err := r.f.ReadAt(blk, r.offset)
		if n == len(blk) {
			r.offset += int64(n)
			r.rb.ProducerRelease()
			continue
		}
		// A short read means the current partition file does not yet
		// hold a full block at this offset: the request is abandoned
		// (never released, so the slot stays free for the next real
		// request) rather than publishing a block padded with data that
		// was never part of the log. If the file holds nothing at all,
		// the log manager has moved on to the next partition file and
		// this one is done; otherwise the rest of the block simply
		// hasn't been written yet, and the reader stops here to be
		// resumed on the next activation.
		if n == 0 && err != nil {
			r.f.Close()
			r.f = nil
			r.partition++
			r.offset = 0
			continue
		}
		return nil
	}
}
