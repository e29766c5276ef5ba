package archiver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lslersch/zero/pkg/config"
	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestArchiverEndToEndFlushAndShutdown(t *testing.T) {
	const blockSize = 4096

	logDir := t.TempDir()
	recs := []*logrec.Record{
		makeRecord(5, 0),
		makeRecord(50, 48),
		makeRecord(200, 96),
	}
	buf := make([]byte, blockSize)
	pos := 0
	for _, r := range recs {
		logrec.Encode(buf[pos:pos+int(r.Length)], r)
		pos += int(r.Length)
	}
	if err := os.WriteFile(filepath.Join(logDir, "log.0000000000"), buf, 0644); err != nil {
		t.Fatalf("write log partition: %v", err)
	}
	end := lsn.New(0, uint32(pos))

	cfg := config.Config{
		ArchiveDir:             t.TempDir(),
		ArchiveWorkspaceSizeMB: 1,
		ArchiveBlockSize:       blockSize,
		ArchiveBucketSize:      16,
	}

	a, err := Open(cfg, logDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run() }()

	a.RequestFlush()
	a.Activate(true, end)

	waitUntil(t, 2*time.Second, func() bool {
		return len(a.Directory().Index().RunsAt(writerLevel)) == 1
	})

	runs := a.Directory().Index().RunsAt(writerLevel)
	run := runs[0]
	if len(run.Entries) == 0 {
		t.Fatalf("finished run has no index entries")
	}

	s, err := OpenRunScanner(run.Path, writerLevel, blockSize, 0, run.DataEnd, run.FirstLSN, ^uint64(0))
	if err != nil {
		t.Fatalf("OpenRunScanner: %v", err)
	}
	defer s.Close()

	wantPIDs := []uint64{5, 50, 200}
	for _, want := range wantPIDs {
		if !s.Active() {
			t.Fatalf("scanner exhausted before reaching pageID %d", want)
		}
		if got := s.Head().PageID; got != want {
			t.Fatalf("record pageID = %d, want %d", got, want)
		}
		if err := s.Advance(); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	if s.Active() {
		t.Fatalf("scanner has unexpected extra records")
	}

	a.Shutdown()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("archiver did not shut down in time")
	}
}
