package archiver

import (
	"os"
	"time"

	cp "github.com/otiai10/copy"

	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/rc"
	"github.com/lslersch/zero/pkg/ring"
)

// defaultMergeFanIn is how many finished runs at a level accumulate
// before the background Merger folds them into one run at the next
// level up.
const defaultMergeFanIn = 4

// mergePollInterval is how often the Merger, finding no level ready to
// consolidate, checks again.
const mergePollInterval = 500 * time.Millisecond

// Merger is the archiver's background merge thread: it watches every
// level for defaultMergeFanIn or more finished runs, and when it finds
// one, heap-merges the oldest batch in (page_id, lsn) order into a
// single run at the next level, publishing the result through the same
// BlockAssembly/Writer pipeline the live level-1 writer uses before
// retiring the runs it consumed.
type Merger struct {
	dir        *ArchiveDirectory
	blockSize  int
	bucketSize uint64
	fanIn      int
	shutdown   *bool
}

// NewMerger constructs a background merger over dir, using blockSize
// and bucketSize to match the run file layout the live writer produces.
func NewMerger(dir *ArchiveDirectory, blockSize int, bucketSize uint64, shutdown *bool) *Merger {
	return &Merger{dir: dir, blockSize: blockSize, bucketSize: bucketSize, fanIn: defaultMergeFanIn, shutdown: shutdown}
}

// Run polls every level for a ready batch until shutdown, merging one
// batch at a time so a single slow merge never blocks a shutdown
// request from being observed for long.
func (m *Merger) Run() error {
	for !*m.shutdown {
		merged, err := m.mergeOneReadyLevel()
		if err != nil {
			return err
		}
		if !merged {
			m.sleepOrShutdown(mergePollInterval)
		}
	}
	return nil
}

func (m *Merger) sleepOrShutdown(d time.Duration) {
	const step = 50 * time.Millisecond
	for waited := time.Duration(0); waited < d; waited += step {
		if *m.shutdown {
			return
		}
		time.Sleep(step)
	}
}

// mergeOneReadyLevel finds the lowest level with at least fanIn
// finished runs and merges its oldest batch, reporting whether it found
// one.
func (m *Merger) mergeOneReadyLevel() (bool, error) {
	maxLevel := m.dir.Index().MaxLevel()
	for level := 1; level <= maxLevel; level++ {
		runs := m.dir.Index().RunsAt(level)
		if len(runs) < m.fanIn {
			continue
		}
		if err := m.mergeBatch(level, runs[:m.fanIn]); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// mergeBatch heap-merges batch (the oldest fanIn runs at level) into a
// single consolidated run at level+1, publishes it atomically, then
// retires the consumed runs.
func (m *Merger) mergeBatch(level int, batch []*RunInfo) error {
	scanners := make([]*RunScanner, 0, len(batch))
	defer func() {
		for _, s := range scanners {
			s.Close()
		}
	}()
	for _, r := range batch {
		s, err := OpenRunScanner(r.Path, level, m.blockSize, 0, r.DataEnd, r.FirstLSN, ^uint64(0))
		if err != nil {
			return err
		}
		scanners = append(scanners, s)
	}
	merger := NewRunMerger(scanners)

	scratchPath := m.dir.ScratchMergePath()
	rb := ring.New(m.blockSize, 4)
	assembly := NewBlockAssembly(rb, m.bucketSize, m.dir)
	writer := NewWriter(rb, level+1, m.dir,
		func() (*os.File, error) {
			return os.OpenFile(scratchPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
		},
		func(info *RunInfo, fd *os.File, dataEnd int64) error {
			return m.dir.FinishMergedRun(info, fd, dataEnd, scratchPath, func(src, dst string) error {
				return cp.Copy(src, dst)
			})
		},
	)

	writerErr := make(chan error, 1)
	go func() { writerErr <- writer.Run() }()

	firstLSN := minFirstLSN(batch)
	if err := assembly.Start(level+1, 0, firstLSN); err != nil {
		rb.Finished()
		<-writerErr
		return err
	}
	for {
		rec, ok, err := merger.Next()
		if err != nil {
			rb.Finished()
			<-writerErr
			return err
		}
		if !ok {
			break
		}
		if err := m.appendRecord(assembly, level, rec); err != nil {
			rb.Finished()
			<-writerErr
			return err
		}
	}
	if assembly.HasPendingBlock() {
		if _, err := assembly.Finish(); err != nil {
			rb.Finished()
			<-writerErr
			return err
		}
	}
	rb.Finished()
	if err := <-writerErr; err != nil {
		return err
	}

	return m.dir.RetireRuns(level, batch)
}

// appendRecord adds rec to assembly, finishing and restarting the
// current block whenever it no longer has room, the same full-block
// rotation logic the live writer's sort-drain loop follows.
func (m *Merger) appendRecord(assembly *BlockAssembly, level int, rec *logrec.Record) error {
	if !assembly.HasPendingBlock() {
		if err := assembly.Start(level+1, 0, rec.LSN); err != nil {
			return err
		}
	}
	if assembly.Add(rec) {
		return nil
	}
	last, err := assembly.Finish()
	if err != nil {
		return err
	}
	if err := assembly.Start(level+1, 0, last); err != nil {
		return err
	}
	if !assembly.Add(rec) {
		return rc.New(rc.Fatal, "merger: record does not fit in a fresh block")
	}
	return nil
}

func minFirstLSN(batch []*RunInfo) lsn.LSN {
	best := batch[0].FirstLSN
	for _, r := range batch[1:] {
		if r.FirstLSN.Less(best) {
			best = r.FirstLSN
		}
	}
	return best
}
