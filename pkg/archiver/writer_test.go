package archiver

import (
	"testing"

	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/ring"
)

func TestWriterProducesScannableRun(t *testing.T) {
	const blockSize = 4096
	const bucketSize = 16
	dir, err := OpenDirectory(t.TempDir(), bucketSize, blockSize, false)
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}

	recs := []*logrec.Record{
		makeRecord(0, 0),
		makeRecord(20, 100),
	}
	run := writeRunSync(t, dir, blockSize, bucketSize, 1, 0, recs)

	runs := dir.Index().RunsAt(1)
	if len(runs) != 1 || runs[0] != run {
		t.Fatalf("RunsAt(1) = %v, want exactly the finished run", runs)
	}
	if len(run.Entries) != 2 {
		t.Fatalf("run.Entries = %d, want 2 (pageIDs 0 and 20 fall in distinct buckets)", len(run.Entries))
	}
	if run.DataEnd != blockSize {
		t.Fatalf("run.DataEnd = %d, want %d (one data block)", run.DataEnd, blockSize)
	}

	s, err := OpenRunScanner(run.Path, 1, blockSize, 0, run.DataEnd, run.FirstLSN, ^uint64(0))
	if err != nil {
		t.Fatalf("OpenRunScanner: %v", err)
	}
	defer s.Close()

	if !s.Active() || s.Head().PageID != 0 {
		t.Fatalf("first record pageID = %+v, want 0", s.Head())
	}
	if err := s.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !s.Active() || s.Head().PageID != 20 {
		t.Fatalf("second record pageID = %+v, want 20", s.Head())
	}
	if err := s.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if s.Active() {
		t.Fatalf("scanner still active after last record")
	}
}

func TestWriterRotatesOnRunNumberChange(t *testing.T) {
	const blockSize = 4096
	const bucketSize = 16
	dir, err := OpenDirectory(t.TempDir(), bucketSize, blockSize, false)
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}

	// One writer drains both runs, so it has to rotate files itself when
	// the run number in the block header changes from 0 to 1.
	rb := ring.New(blockSize, 4)
	assembly := NewBlockAssembly(rb, bucketSize, dir)
	writer := NewWriter(rb, 1, dir, dir.OpenCurrentRun, dir.FinishRun)
	done := make(chan error, 1)
	go func() { done <- writer.Run() }()

	var got [2]*RunInfo
	for i, r := range []*logrec.Record{makeRecord(0, 0), makeRecord(5, 50)} {
		if err := assembly.Start(1, uint32(i), r.LSN); err != nil {
			t.Fatalf("assembly.Start(run %d): %v", i, err)
		}
		if !assembly.Add(r) {
			t.Fatalf("record does not fit in a fresh block")
		}
		if _, err := assembly.Finish(); err != nil {
			t.Fatalf("assembly.Finish(run %d): %v", i, err)
		}
		got[i] = assembly.CurrentRun()
	}
	rb.Finished()
	if err := <-done; err != nil {
		t.Fatalf("writer.Run: %v", err)
	}
	run0, run1 := got[0], got[1]

	if run0.Path == "" || run1.Path == "" || run0.Path == run1.Path {
		t.Fatalf("expected two distinct run files, got %q and %q", run0.Path, run1.Path)
	}
	runs := dir.Index().RunsAt(1)
	if len(runs) != 2 {
		t.Fatalf("RunsAt(1) = %d runs, want 2", len(runs))
	}
}
