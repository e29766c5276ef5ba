package archiver

import (
	"os"

	"github.com/lslersch/zero/pkg/rc"
	"github.com/lslersch/zero/pkg/ring"
)

// Writer is the archiver's writer thread: it drains blocks a
// BlockAssembly has published onto a ring, strips each block's header,
// appends the remainder to whichever run file is currently open, and
// closes a run out through finishRun whenever the incoming run number
// changes or a close marker arrives. One Writer drives exactly one
// run file at a time; the live level-1 pipeline and a background
// Merger's consolidated output each get their own Writer, parameterized
// by how they open and finish a run file.
type Writer struct {
	rb    *ring.Buffer
	level int

	openRun   func() (*os.File, error)
	finishRun func(info *RunInfo, fd *os.File, dataEnd int64) error
	dir       *ArchiveDirectory

	fd      *os.File
	runNum  uint32
	haveRun bool
	dataEnd int64
}

// NewWriter constructs a writer thread for level, draining rb, opening
// a fresh file per run via openRun, and handing each finished run to
// finishRun. dir supplies the pending-run registry so the writer can
// retrieve the RunInfo BlockAssembly has been accumulating bucket
// entries into.
func NewWriter(rb *ring.Buffer, level int, dir *ArchiveDirectory, openRun func() (*os.File, error), finishRun func(info *RunInfo, fd *os.File, dataEnd int64) error) *Writer {
	return &Writer{rb: rb, level: level, dir: dir, openRun: openRun, finishRun: finishRun}
}

// Run drains the ring until it is Finished, appending each block's
// payload to the current run file and rotating to a new file whenever
// the incoming run number changes or a close marker is seen. Returns
// once the ring reports no more blocks will ever arrive, after closing
// out whatever run is still open.
func (w *Writer) Run() error {
	for {
		blk, ok := w.rb.ConsumerRequest()
		if !ok {
			return w.closeCurrent()
		}
		h := decodeWriteBlockHeader(blk[:blockHeaderSize])
		if h.RunNumber == closeRunMarker {
			w.rb.ConsumerRelease()
			if err := w.closeCurrent(); err != nil {
				return err
			}
			continue
		}
		if err := w.rotateIfNeeded(h.RunNumber); err != nil {
			return err
		}
		payload := blk[blockHeaderSize:h.EndOffset]
		if _, err := w.fd.WriteAt(payload, w.dataEnd); err != nil {
			w.rb.ConsumerRelease()
			return rc.Wrap(rc.Fatal, "write run block", err)
		}
		w.dataEnd += int64(len(payload))
		w.rb.ConsumerRelease()
	}
}

// rotateIfNeeded closes out the currently open run (if any) and opens a
// fresh file when runNumber differs from the run already in progress.
func (w *Writer) rotateIfNeeded(runNumber uint32) error {
	if w.haveRun && w.runNum == runNumber {
		return nil
	}
	if w.haveRun {
		if err := w.closeCurrent(); err != nil {
			return err
		}
	}
	fd, err := w.openRun()
	if err != nil {
		return err
	}
	w.fd = fd
	w.runNum = runNumber
	w.dataEnd = 0
	w.haveRun = true
	return nil
}

// closeCurrent hands the currently open run's file and accumulated
// RunInfo (retrieved from the directory's pending registry) to
// finishRun, then clears writer state so the next block starts a fresh
// run.
func (w *Writer) closeCurrent() error {
	if !w.haveRun {
		return nil
	}
	info, ok := w.dir.TakePending(w.level, w.runNum)
	if !ok {
		w.fd.Close()
		w.haveRun = false
		return rc.New(rc.Fatal, "writer: no pending run info for finished run")
	}
	err := w.finishRun(info, w.fd, w.dataEnd)
	w.haveRun = false
	w.fd = nil
	return err
}
