package archiver

import (
	"testing"

	"github.com/lslersch/zero/pkg/logrec"
)

func TestMergerConsolidatesFanInRuns(t *testing.T) {
	const blockSize = 4096
	const bucketSize = 16
	dir, err := OpenDirectory(t.TempDir(), bucketSize, blockSize, false)
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}

	// Four single-record runs at level 1, one per defaultMergeFanIn slot,
	// each at a distinct, increasing page id and LSN so the merged
	// output's expected order is unambiguous.
	for i := uint32(0); i < defaultMergeFanIn; i++ {
		rec := makeRecord(uint64(i)*100, i*1000)
		writeRunSync(t, dir, blockSize, bucketSize, 1, i, []*logrec.Record{rec})
	}
	if got := len(dir.Index().RunsAt(1)); got != defaultMergeFanIn {
		t.Fatalf("RunsAt(1) = %d runs, want %d", got, defaultMergeFanIn)
	}

	shutdown := new(bool)
	m := NewMerger(dir, blockSize, bucketSize, shutdown)
	merged, err := m.mergeOneReadyLevel()
	if err != nil {
		t.Fatalf("mergeOneReadyLevel: %v", err)
	}
	if !merged {
		t.Fatalf("mergeOneReadyLevel returned merged=false, want true")
	}

	if got := len(dir.Index().RunsAt(1)); got != 0 {
		t.Fatalf("RunsAt(1) after merge = %d runs, want 0 (all retired)", got)
	}
	level2 := dir.Index().RunsAt(2)
	if len(level2) != 1 {
		t.Fatalf("RunsAt(2) = %d runs, want 1", len(level2))
	}
	merged2 := level2[0]

	s, err := OpenRunScanner(merged2.Path, 2, blockSize, 0, merged2.DataEnd, merged2.FirstLSN, ^uint64(0))
	if err != nil {
		t.Fatalf("OpenRunScanner: %v", err)
	}
	defer s.Close()

	for i := uint64(0); i < defaultMergeFanIn; i++ {
		if !s.Active() {
			t.Fatalf("scanner exhausted early at i=%d", i)
		}
		if want := i * 100; s.Head().PageID != want {
			t.Fatalf("record %d pageID = %d, want %d", i, s.Head().PageID, want)
		}
		if err := s.Advance(); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	if s.Active() {
		t.Fatalf("merged run scanner has extra records beyond the expected %d", defaultMergeFanIn)
	}
}
