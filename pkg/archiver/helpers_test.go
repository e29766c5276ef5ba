package archiver

import (
	"testing"

	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/ring"
)

// makeRecord builds a small Insert record at pageID with the given
// partition offset, sized so logrec.Encode/Decode round-trip cleanly.
func makeRecord(pageID uint64, offset uint32) *logrec.Record {
	payload := []byte{1, 2, 3, 4}
	return &logrec.Record{
		Length:  uint16(logrec.MinRecordSize + len(payload)),
		TypeTag: logrec.Insert,
		LSN:     lsn.New(0, offset),
		PageID:  pageID,
		Payload: payload,
	}
}

// writeRunSync drives recs through a BlockAssembly/Writer pair
// synchronously, as the live archiver or a Merger would, and returns the
// finished RunInfo once the run file has been closed and registered.
func writeRunSync(t *testing.T, dir *ArchiveDirectory, blockSize int, bucketSize uint64, level int, runNum uint32, recs []*logrec.Record) *RunInfo {
	t.Helper()
	rb := ring.New(blockSize, 4)
	assembly := NewBlockAssembly(rb, bucketSize, dir)
	writer := NewWriter(rb, level, dir, dir.OpenCurrentRun, dir.FinishRun)

	done := make(chan error, 1)
	go func() { done <- writer.Run() }()

	if err := assembly.Start(level, runNum, recs[0].LSN); err != nil {
		t.Fatalf("assembly.Start: %v", err)
	}
	for _, r := range recs {
		if assembly.Add(r) {
			continue
		}
		last, err := assembly.Finish()
		if err != nil {
			t.Fatalf("assembly.Finish: %v", err)
		}
		if err := assembly.Start(level, runNum, last); err != nil {
			t.Fatalf("assembly.Start (rollover): %v", err)
		}
		if !assembly.Add(r) {
			t.Fatalf("record does not fit in a fresh block")
		}
	}
	if assembly.HasPendingBlock() {
		if _, err := assembly.Finish(); err != nil {
			t.Fatalf("assembly.Finish (final): %v", err)
		}
	}
	run := assembly.CurrentRun()

	rb.Finished()
	if err := <-done; err != nil {
		t.Fatalf("writer.Run: %v", err)
	}
	return run
}
