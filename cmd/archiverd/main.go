// Command archiverd runs the log archiver as a standalone daemon: it
// tails a recovery log directory, archives redo records into leveled
// runs under an archive directory, and periodically folds small runs
// into larger ones in the background.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/lslersch/zero/pkg/archiver"
	"github.com/lslersch/zero/pkg/config"
	"github.com/lslersch/zero/pkg/lsn"
)

var partitionFileRegexp = regexp.MustCompile(`^log\.(\d+)$`)

// setupCloseHandler listens for SIGINT or SIGTERM and tells a to shut
// down gracefully.
func setupCloseHandler(a *archiver.Archiver) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("archiverd: shutdown signal received")
		a.Shutdown()
	}()
}

// discoverLogTip finds the highest-numbered log.NNNNNNNNNN partition
// file under logDir and returns its (partition, current size) as the
// LSN the archiver should be activated up to. Finding no partition
// files yet is not an error: the caller simply has nothing to activate
// this tick.
func discoverLogTip(logDir string) (lsn.LSN, bool, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return lsn.Null, false, err
	}
	found := false
	var best uint32
	for _, e := range entries {
		m := partitionFileRegexp.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.ParseUint(m[1], 10, 32)
		if !found || uint32(n) > best {
			best = uint32(n)
			found = true
		}
	}
	if !found {
		return lsn.Null, false, nil
	}
	st, err := os.Stat(filepath.Join(logDir, fmt.Sprintf("log.%010d", best)))
	if err != nil {
		return lsn.Null, false, err
	}
	return lsn.New(best, uint32(st.Size())), true, nil
}

// tailLog polls discoverLogTip every interval, activating a up to the
// latest tip it finds, until done is closed.
func tailLog(a *archiver.Archiver, logDir string, interval time.Duration, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			tip, ok, err := discoverLogTip(logDir)
			if err != nil {
				continue
			}
			if ok {
				a.Activate(true, tip)
			}
		}
	}
}

func main() {
	logDirFlag := flag.String("log-dir", "data/log", "directory containing the recovery log's partition files")
	archiveDirFlag := flag.String("archive-dir", "data/archive", "directory the archiver writes and reads run files from")
	blockSizeFlag := flag.Int("block-size", config.DefaultBlockSize, "archive block size in bytes")
	bucketSizeFlag := flag.Int("bucket-size", config.DefaultBucketSize, "page ids per archive index bucket")
	workspaceMBFlag := flag.Int("workspace-mb", config.DefaultWorkspaceSizeMB, "sorter workspace size in MiB")
	formatFlag := flag.Bool("format", config.DefaultFormat, "delete any existing archive contents on startup")
	pollMsFlag := flag.Int("poll-ms", 200, "how often to check the log directory for new data, in milliseconds")
	flag.Parse()

	cfg := config.Default(*archiveDirFlag)
	cfg.ArchiveBlockSize = *blockSizeFlag
	cfg.ArchiveBucketSize = *bucketSizeFlag
	cfg.ArchiveWorkspaceSizeMB = *workspaceMBFlag
	cfg.Format = *formatFlag

	a, err := archiver.Open(cfg, *logDirFlag)
	if err != nil {
		log.Fatal(err)
	}

	setupCloseHandler(a)

	done := make(chan struct{})
	go tailLog(a, *logDirFlag, time.Duration(*pollMsFlag)*time.Millisecond, done)

	err = a.Run()
	close(done)
	if err != nil {
		log.Fatal(err)
	}
}
