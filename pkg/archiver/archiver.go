package archiver

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lslersch/zero/pkg/config"
	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/rc"
	"github.com/lslersch/zero/pkg/ring"
)

// writerLevel is the level the live (non-merged) writer always
// produces runs at; merged runs start at writerLevel+1 and go up from
// there, one level per fan-in the background Merger performs.
const writerLevel = 1

// flushPollInterval is how often the main loop, once a flush has been
// requested, polls the write ring for drainage after pushing a close
// marker.
const flushPollInterval = 10 * time.Millisecond

// Archiver is the top-level orchestration coupling a Reader, a Writer,
// a background Merger, and a main loop that drains the replacement-
// selection Sorter into write blocks, coordinating startup, activation,
// flush requests, and shutdown across all four.
type Archiver struct {
	dir *ArchiveDirectory
	cfg config.Config

	shutdown     *bool
	shutdownOnce sync.Once

	readRing  *ring.Buffer
	writeRing *ring.Buffer

	reader *Reader
	writer *Writer
	merger *Merger
	act    *ActivationController

	sorter   *Sorter
	assembly *BlockAssembly
	curRun   uint32
	haveRun  bool

	flushMu        sync.Mutex
	flushRequested bool
}

// Open prepares an archiver rooted at cfg.ArchiveDir, reading log
// partitions from logDir, resuming from the archive directory's
// recorded progress (or the start of the log if the archive is empty).
func Open(cfg config.Config, logDir string) (*Archiver, error) {
	dir, err := OpenDirectory(cfg.ArchiveDir, uint64(cfg.ArchiveBucketSize), cfg.ArchiveBlockSize, cfg.Format)
	if err != nil {
		return nil, err
	}

	shutdown := new(bool)
	readRing := ring.New(cfg.ArchiveBlockSize, 4)
	writeRing := ring.New(cfg.ArchiveBlockSize, 4)

	start := dir.StartLSN()
	reader := NewReader(logDir, cfg.ArchiveBlockSize, readRing, shutdown, start)
	assembly := NewBlockAssembly(writeRing, uint64(cfg.ArchiveBucketSize), dir)
	writer := NewWriter(writeRing, writerLevel, dir, dir.OpenCurrentRun, dir.FinishRun)
	merger := NewMerger(dir, cfg.ArchiveBlockSize, uint64(cfg.ArchiveBucketSize), shutdown)

	return &Archiver{
		dir:       dir,
		cfg:       cfg,
		shutdown:  shutdown,
		readRing:  readRing,
		writeRing: writeRing,
		reader:    reader,
		writer:    writer,
		merger:    merger,
		act:       NewActivationController(shutdown),
		sorter:    NewSorter(cfg.WorkspaceBytes()),
		assembly:  assembly,
	}, nil
}

// Directory exposes the archive directory backing this archiver, for
// restore clients to Probe.
func (a *Archiver) Directory() *ArchiveDirectory { return a.dir }

// Activate raises the archiving boundary to endLSN, the same contract
// as ActivationController.Activate: the main loop will not read past
// endLSN until activated again with a higher value.
func (a *Archiver) Activate(wait bool, endLSN lsn.LSN) bool {
	return a.act.Activate(wait, endLSN)
}

// RequestFlush asks the main loop to force-close the currently open run
// and reset the writer once it next catches up to its activation
// boundary, without waiting for the run to reach its natural size or
// run-number rollover.
func (a *Archiver) RequestFlush() {
	a.flushMu.Lock()
	a.flushRequested = true
	a.flushMu.Unlock()
}

func (a *Archiver) consumeFlushRequest() bool {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	requested := a.flushRequested
	a.flushRequested = false
	return requested
}

// Shutdown signals every background thread to wind down and wakes
// whichever of them may be blocked waiting for activation. It does not
// block; call Run's return to know when everything has actually
// stopped.
func (a *Archiver) Shutdown() {
	a.shutdownOnce.Do(func() {
		*a.shutdown = true
		a.act.Activate(true, a.act.EndLSN())
		a.reader.Activate(true, a.act.EndLSN())
	})
}

// Run launches the reader, writer, merger, and main loop as an
// errgroup, and blocks until all four have stopped, returning the
// first error any of them encountered. Every thread's own shutdown
// check is the *bool Open wired them all against; a goroutine that
// returns an error calls Shutdown, so the others see that flag and stop.
func (a *Archiver) Run() error {
	var eg errgroup.Group
	for _, run := range []func() error{a.reader.Run, a.writer.Run, a.merger.Run, a.mainLoop} {
		run := run
		eg.Go(func() error {
			err := run()
			if err != nil {
				a.Shutdown()
			}
			return err
		})
	}
	return eg.Wait()
}

// mainLoop waits for activation windows, pulls records off the reader's
// ring through a LogConsumer, feeds them to the replacement-selection
// sorter, and drains sorted records into write blocks — the archiver's
// own thread of control, per the orchestration the other three
// background threads serve.
func (a *Archiver) mainLoop() error {
	next := a.dir.StartLSN()
	for {
		end, ok := a.act.WaitForActivation()
		if !ok {
			return a.finalDrain()
		}
		a.act.ClearActivation()
		a.reader.Activate(true, end)

		consumer := OpenLogConsumer(a.readRing, logrec.DefaultIgnoreSet(), next, end)
		for {
			rec, ok, err := consumer.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			for !a.sorter.Push(rec) {
				if err := a.drainOne(); err != nil {
					return err
				}
			}
		}
		next = consumer.NextLSN()

		if a.consumeFlushRequest() {
			if err := a.drainAll(); err != nil {
				return err
			}
			if err := a.forceCloseRun(); err != nil {
				return err
			}
		}
	}
}

// drainOne pops the sorter's current minimum record and appends it to
// the write block in progress, making room in the sorter's arena for
// whatever Push call is blocked on it.
func (a *Archiver) drainOne() error {
	rec, ok := a.sorter.Pop()
	if !ok {
		return nil
	}
	return a.appendRecord(rec)
}

// drainAll pops every remaining record out of the sorter, in order.
func (a *Archiver) drainAll() error {
	for !a.sorter.Empty() {
		if err := a.drainOne(); err != nil {
			return err
		}
	}
	return nil
}

// appendRecord adds rec to the in-progress write block, starting a new
// block (and, if the sorter's run number has advanced since the last
// pop, a new run) whenever the current one has no room left.
func (a *Archiver) appendRecord(rec *logrec.Record) error {
	run, _ := a.sorter.LastPoppedRun()
	if !a.haveRun || run != a.curRun {
		if a.assembly.HasPendingBlock() {
			if _, err := a.assembly.Finish(); err != nil {
				return err
			}
		}
		if err := a.assembly.Start(writerLevel, run, rec.LSN); err != nil {
			return err
		}
		a.curRun, a.haveRun = run, true
	}
	if a.assembly.Add(rec) {
		return nil
	}
	last, err := a.assembly.Finish()
	if err != nil {
		return err
	}
	if err := a.assembly.Start(writerLevel, run, last); err != nil {
		return err
	}
	if !a.assembly.Add(rec) {
		return rc.New(rc.Fatal, "archiver: record does not fit in a fresh block")
	}
	return nil
}

// forceCloseRun finishes whatever block is open, pushes a close marker
// so the writer thread closes the run file even though its run number
// has not changed, then waits for the write ring to drain so the
// caller of RequestFlush can be sure the run reached disk by the time
// the next activation window begins.
func (a *Archiver) forceCloseRun() error {
	if a.assembly.HasPendingBlock() {
		if _, err := a.assembly.Finish(); err != nil {
			return err
		}
	}
	if err := a.assembly.PushCloseMarker(); err != nil {
		return err
	}
	a.haveRun = false
	for !a.writeRing.Empty() {
		time.Sleep(flushPollInterval)
	}
	return nil
}

// finalDrain runs once shutdown is observed: it drains whatever the
// sorter still holds, finishes any open block, and marks the write
// ring Finished so the writer thread exits once it has drained the
// rest.
func (a *Archiver) finalDrain() error {
	if err := a.drainAll(); err != nil {
		return err
	}
	if a.assembly.HasPendingBlock() {
		if _, err := a.assembly.Finish(); err != nil {
			return err
		}
	}
	a.writeRing.Finished()
	return nil
}
