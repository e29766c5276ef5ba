package archiver

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash"

	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/rc"
)

const (
	runPrefix        = "archive_"
	currentRunFile   = "current_run"
	currentMergeFile = "current_merge"
)

var runFileRegexp = regexp.MustCompile(`^archive_(\d+)_(\d+)\.(\d+)-(\d+)\.(\d+)$`)

// RunFileStats is a finished run's file name, parsed.
type RunFileStats struct {
	Level    int
	BeginLSN lsn.LSN
	EndLSN   lsn.LSN
}

func runFileName(level int, begin, end lsn.LSN) string {
	return fmt.Sprintf("%s%d_%d.%d-%d.%d", runPrefix, level, begin.Partition, begin.Offset, end.Partition, end.Offset)
}

// parseRunFileName parses a run file's base name, mirroring
// ArchiveDirectory::parseRunFileName.
func parseRunFileName(name string) (RunFileStats, bool) {
	m := runFileRegexp.FindStringSubmatch(name)
	if m == nil {
		return RunFileStats{}, false
	}
	level, _ := strconv.Atoi(m[1])
	beginPart, _ := strconv.ParseUint(m[2], 10, 32)
	beginOff, _ := strconv.ParseUint(m[3], 10, 32)
	endPart, _ := strconv.ParseUint(m[4], 10, 32)
	endOff, _ := strconv.ParseUint(m[5], 10, 32)
	return RunFileStats{
		Level:    level,
		BeginLSN: lsn.New(uint32(beginPart), uint32(beginOff)),
		EndLSN:   lsn.New(uint32(endPart), uint32(endOff)),
	}, true
}

// BlockEntry is one archive index entry: the first page id of a bucket
// and the byte offset of that bucket's first record within the run's
// data blocks.
type BlockEntry struct {
	FirstPageID uint64
	Offset      int64
}

// indexBlockHeader precedes each run of entriesPerIndexBlock BlockEntry
// values at the tail of a run file.
type indexBlockHeader struct {
	Entries     uint32
	BlockNumber uint32
	Checksum    uint64
}

const indexBlockHeaderSize = 4 + 4 + 8

// RunInfo is one run's in-memory directory record. LastLSN and LastPID
// are kept redundantly alongside Entries rather than derived by peeking
// at the next run in the level: a probe racing the writer while the
// last run in a level is still open must not depend on a run that does
// not exist yet.
type RunInfo struct {
	Level    int
	FirstLSN lsn.LSN
	LastLSN  lsn.LSN
	LastPID  uint64
	Entries  []BlockEntry
	Path     string
	// DataEnd is the byte offset where this run's data blocks end and
	// its trailing index blocks begin, needed to open a RunScanner
	// against it without re-reading the index off disk first.
	DataEnd int64
}

// ArchiveIndex is the in-memory catalogue of every run per level. One
// mutex protects the run lists of all levels; the last-finished-run
// bookkeeping lives on ArchiveDirectory, under that type's own mutex.
type ArchiveIndex struct {
	mu         sync.Mutex
	bucketSize uint64
	runs       map[int][]*RunInfo
}

// NewArchiveIndex constructs an empty index with the given bucket size
// (page-ids per index entry).
func NewArchiveIndex(bucketSize uint64) *ArchiveIndex {
	return &ArchiveIndex{bucketSize: bucketSize, runs: make(map[int][]*RunInfo)}
}

// entriesPerIndexBlock returns how many 16-byte BlockEntry records fit
// in one index block of blockSize bytes after its header.
func entriesPerIndexBlock(blockSize int) int {
	return (blockSize - indexBlockHeaderSize) / 16
}

// NewRun registers an in-progress run at level, returned so
// BlockAssembly can append bucket entries as blocks finish. The run is
// not visible to Probe until FinishRun.
func (idx *ArchiveIndex) NewRun(level int, firstLSN lsn.LSN) *RunInfo {
	return &RunInfo{Level: level, FirstLSN: firstLSN}
}

// addFinished inserts info into level's sorted run list. Callers hold
// idx.mu.
func (idx *ArchiveIndex) addFinished(info *RunInfo) {
	list := idx.runs[info.Level]
	list = append(list, info)
	sort.Slice(list, func(i, j int) bool { return list[i].FirstLSN.Less(list[j].FirstLSN) })
	idx.runs[info.Level] = list
}

// MaxLevel returns the highest level with at least one run, or 0 if
// the archive is empty.
func (idx *ArchiveIndex) MaxLevel() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	max := 0
	for lvl, runs := range idx.runs {
		if len(runs) > 0 && lvl > max {
			max = lvl
		}
	}
	return max
}

// RunsAt returns a snapshot of level's finished runs, oldest first.
func (idx *ArchiveIndex) RunsAt(level int) []*RunInfo {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]*RunInfo, len(idx.runs[level]))
	copy(out, idx.runs[level])
	return out
}

// removeRuns drops toRemove from level's run list, called once a
// background merge has folded them into a consolidated run one level
// up. Callers hold idx.mu.
func (idx *ArchiveIndex) removeRuns(level int, toRemove []*RunInfo) {
	drop := make(map[*RunInfo]bool, len(toRemove))
	for _, r := range toRemove {
		drop[r] = true
	}
	kept := idx.runs[level][:0]
	for _, r := range idx.runs[level] {
		if !drop[r] {
			kept = append(kept, r)
		}
	}
	idx.runs[level] = kept
}

// findEntry binary-searches info's bucket entries for the offset of
// the bucket at or immediately before startPID.
func findEntry(info *RunInfo, startPID uint64) (int64, bool) {
	entries := info.Entries
	if len(entries) == 0 {
		return 0, false
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].FirstPageID > startPID })
	if i == 0 {
		return entries[0].Offset, true
	}
	return entries[i-1].Offset, true
}

// ProbeResult names one run a restore scan must read from to cover a
// page-id range starting at some LSN.
type ProbeResult struct {
	RunBegin lsn.LSN
	RunEnd   lsn.LSN
	Level    int
	PIDBegin uint64
	PIDEnd   uint64
	Offset   int64
	RunIndex int
	Path     string
	DataEnd  int64
}

// Probe implements the directory's cross-level run selection: starting
// at the highest level, it walks runs newer than startLSN, emits a
// ProbeResult per run with the bucket offset to start scanning from,
// then moves down a level continuing coverage from the end LSN of the
// newest (last) run at the level just consumed.
func (idx *ArchiveIndex) Probe(startPID, endPID uint64, startLSN lsn.LSN) []ProbeResult {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []ProbeResult
	maxLevel := 0
	for lvl, runs := range idx.runs {
		if len(runs) > 0 && lvl > maxLevel {
			maxLevel = lvl
		}
	}

	for level := maxLevel; level >= 1; level-- {
		runs := idx.runs[level]
		if len(runs) == 0 {
			continue
		}
		start := -1
		for i := len(runs) - 1; i >= 0; i-- {
			if runs[i].LastLSN.Less(startLSN) || runs[i].LastLSN == startLSN {
				break
			}
			start = i
		}
		if start == -1 {
			continue
		}
		for i := start; i < len(runs); i++ {
			r := runs[i]
			off, ok := findEntry(r, startPID)
			if !ok {
				off = 0
			}
			out = append(out, ProbeResult{
				RunBegin: r.FirstLSN,
				RunEnd:   r.LastLSN,
				Level:    level,
				PIDBegin: startPID,
				PIDEnd:   endPID,
				Offset:   off,
				RunIndex: i,
				Path:     r.Path,
				DataEnd:  r.DataEnd,
			})
		}
		startLSN = runs[len(runs)-1].LastLSN
	}
	return out
}

// ArchiveDirectory owns the on-disk archive root: startup enumeration,
// crash-leftover cleanup, and atomic registration of finished runs. A
// single mutex serializes everything touching the directory's file
// descriptors and run bookkeeping, mirroring the shared-resource
// policy ("one mutex protects current_run file descriptors, the run
// lists, and last_finished counters per level").
type ArchiveDirectory struct {
	root      string
	index     *ArchiveIndex
	blockSize int

	mu           sync.Mutex
	lastFinished map[int]lsn.LSN

	pendingMu sync.Mutex
	pending   map[pendingKey]*RunInfo
}

// pendingKey identifies an in-progress run between the moment
// BlockAssembly.Start registers it and the moment the writer (or
// Merger) thread closes its file and hands it to FinishRun/
// PublishMergedRun. Level is part of the key because the live writer
// and a background Merger assign run numbers from independent
// counters that may coincide.
type pendingKey struct {
	level int
	run   uint32
}

// RegisterPending records info as the in-progress run for (level, run),
// so the thread that eventually closes the underlying file (the writer
// thread watching block headers, or a Merger driving its own output)
// can retrieve the same RunInfo BlockAssembly has been accumulating
// bucket entries into.
func (d *ArchiveDirectory) RegisterPending(level int, run uint32, info *RunInfo) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending[pendingKey{level, run}] = info
}

// TakePending removes and returns the RunInfo registered for (level,
// run), if any.
func (d *ArchiveDirectory) TakePending(level int, run uint32) (*RunInfo, bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	info, ok := d.pending[pendingKey{level, run}]
	if ok {
		delete(d.pending, pendingKey{level, run})
	}
	return info, ok
}

// OpenDirectory enumerates root, deletes crash leftovers
// (current_run/current_merge), parses and sorts every run file name,
// reads each finished run's trailing index blocks back into memory, and
// returns a ready ArchiveDirectory. If format is set, every archive
// file under root is deleted first.
func OpenDirectory(root string, bucketSize uint64, blockSize int, format bool) (*ArchiveDirectory, error) {
	if err := os.MkdirAll(root, 0775); err != nil {
		return nil, rc.Wrap(rc.Fatal, "mkdir archive root", err)
	}
	if format {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, rc.Wrap(rc.Fatal, "format archive root", err)
		}
		for _, e := range entries {
			os.Remove(filepath.Join(root, e.Name()))
		}
	}

	d := &ArchiveDirectory{
		root:         root,
		index:        NewArchiveIndex(bucketSize),
		blockSize:    blockSize,
		lastFinished: make(map[int]lsn.LSN),
		pending:      make(map[pendingKey]*RunInfo),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, rc.Wrap(rc.Fatal, "read archive root", err)
	}
	for _, e := range entries {
		name := e.Name()
		if name == currentRunFile || name == currentMergeFile {
			os.Remove(filepath.Join(root, name))
			continue
		}
		stats, ok := parseRunFileName(name)
		if !ok {
			continue
		}
		path := filepath.Join(root, name)
		info, err := d.readRunInfo(path, stats)
		if err != nil {
			return nil, err
		}
		d.index.mu.Lock()
		d.index.addFinished(info)
		d.index.mu.Unlock()
		if cur, ok := d.lastFinished[stats.Level]; !ok || cur.Less(stats.EndLSN) {
			d.lastFinished[stats.Level] = stats.EndLSN
		}
	}
	return d, nil
}

// readRunInfo reconstructs a RunInfo by reading the index blocks stored
// at the tail of path. The last block in the file carries the highest
// blockNumber; the index block count is recovered as blockNumber+1,
// which in turn locates where the data blocks end.
func (d *ArchiveDirectory) readRunInfo(path string, stats RunFileStats) (*RunInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rc.Wrap(rc.Fatal, "open run file", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, rc.Wrap(rc.Fatal, "stat run file", err)
	}
	size := st.Size()
	info := &RunInfo{Level: stats.Level, FirstLSN: stats.BeginLSN, LastLSN: stats.EndLSN, Path: path}
	if size < int64(d.blockSize) {
		return info, nil
	}

	last := make([]byte, d.blockSize)
	if _, err := f.ReadAt(last, size-int64(d.blockSize)); err != nil {
		return nil, rc.Wrap(rc.Fatal, "read last index block", err)
	}
	blockNumber := binary.LittleEndian.Uint32(last[4:8])
	numIndexBlocks := int64(blockNumber) + 1
	dataEnd := size - numIndexBlocks*int64(d.blockSize)
	if dataEnd < 0 {
		return nil, rc.New(rc.Fatal, "run file shorter than its own index block count")
	}
	info.DataEnd = dataEnd

	for b := int64(0); b < numIndexBlocks; b++ {
		buf := make([]byte, d.blockSize)
		if _, err := f.ReadAt(buf, dataEnd+b*int64(d.blockSize)); err != nil {
			return nil, rc.Wrap(rc.Fatal, "read index block", err)
		}
		n := binary.LittleEndian.Uint32(buf[0:4])
		for j := uint32(0); j < n; j++ {
			pos := indexBlockHeaderSize + int(j)*16
			pid := binary.LittleEndian.Uint64(buf[pos:])
			off := binary.LittleEndian.Uint64(buf[pos+8:])
			info.Entries = append(info.Entries, BlockEntry{FirstPageID: pid, Offset: int64(off)})
		}
	}
	if len(info.Entries) > 0 {
		info.LastPID = info.Entries[len(info.Entries)-1].FirstPageID
	}
	return info, nil
}

// Index returns the directory's in-memory catalogue.
func (d *ArchiveDirectory) Index() *ArchiveIndex { return d.index }

// Root returns the archive root directory path.
func (d *ArchiveDirectory) Root() string { return d.root }

// StartLSN returns the LSN archiving should resume from: the highest
// lastFinished LSN across all levels, or the zero LSN if the archive is
// empty. Open hands this value to the reader as is, so an empty archive
// starts reading at partition 0, offset 0; no search is made for the
// lowest partition file actually present in the log directory.
func (d *ArchiveDirectory) StartLSN() lsn.LSN {
	d.mu.Lock()
	defer d.mu.Unlock()
	best := lsn.Null
	for _, l := range d.lastFinished {
		if best.Less(l) {
			best = l
		}
	}
	return best
}

// OpenCurrentRun opens (creating if absent) the current_run placeholder
// file the live level-1 writer appends to.
func (d *ArchiveDirectory) OpenCurrentRun() (*os.File, error) {
	path := filepath.Join(d.root, currentRunFile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, rc.Wrap(rc.Fatal, "open current_run", err)
	}
	return f, nil
}

// FinishRun appends serialized index blocks to fd (the run's data
// blocks already written), renames current_run to its final name, and
// registers info with the index — all under the directory's single
// mutex, so a concurrent Probe never observes a half-registered run.
// Each index block is padded to exactly d.blockSize bytes, matching the
// run file layout's "M index blocks of blockSize bytes" rule.
func (d *ArchiveDirectory) FinishRun(info *RunInfo, fd *os.File, dataEnd int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := writeIndexBlocks(d.blockSize, info, fd, dataEnd); err != nil {
		return err
	}
	if err := fd.Close(); err != nil {
		return rc.Wrap(rc.Fatal, "close finished run", err)
	}

	finalName := runFileName(info.Level, info.FirstLSN, info.LastLSN)
	finalPath := filepath.Join(d.root, finalName)
	curPath := filepath.Join(d.root, currentRunFile)
	if err := os.Rename(curPath, finalPath); err != nil {
		return rc.Wrap(rc.Fatal, "rename current_run", err)
	}
	info.Path = finalPath

	d.index.mu.Lock()
	d.index.addFinished(info)
	d.index.mu.Unlock()

	if cur, ok := d.lastFinished[info.Level]; !ok || cur.Less(info.LastLSN) {
		d.lastFinished[info.Level] = info.LastLSN
	}
	return nil
}

// writeIndexBlocks appends info's bucket entries to fd starting at
// dataEnd as a sequence of blockSize-padded index blocks, and records
// dataEnd on info. Shared by FinishRun (the live writer's run file) and
// FinishMergedRun (a background Merger's scratch file), since both
// produce a run file in the identical on-disk layout.
func writeIndexBlocks(blockSize int, info *RunInfo, fd *os.File, dataEnd int64) error {
	info.DataEnd = dataEnd
	perBlock := entriesPerIndexBlock(blockSize)
	offset := dataEnd
	blockNum := uint32(0)
	n := len(info.Entries)
	for i := 0; i < n || (i == 0 && n == 0); i += perBlock {
		end := i + perBlock
		if end > n {
			end = n
		}
		chunk := info.Entries[i:end]
		buf := make([]byte, blockSize)
		binary.LittleEndian.PutUint32(buf[0:], uint32(len(chunk)))
		binary.LittleEndian.PutUint32(buf[4:], blockNum)
		pos := indexBlockHeaderSize
		for _, be := range chunk {
			binary.LittleEndian.PutUint64(buf[pos:], be.FirstPageID)
			binary.LittleEndian.PutUint64(buf[pos+8:], uint64(be.Offset))
			pos += 16
		}
		binary.LittleEndian.PutUint64(buf[8:indexBlockHeaderSize], xxhash.Sum64(buf[indexBlockHeaderSize:pos]))
		if _, err := fd.WriteAt(buf, offset); err != nil {
			return rc.Wrap(rc.Fatal, "write index block", err)
		}
		offset += int64(len(buf))
		blockNum++
		if n == 0 {
			break
		}
	}
	return nil
}

// RetireRuns removes batch from level's run list and deletes their
// files, the cleanup step a background merge performs once its
// consolidated replacement run has been published.
func (d *ArchiveDirectory) RetireRuns(level int, batch []*RunInfo) error {
	d.index.mu.Lock()
	d.index.removeRuns(level, batch)
	d.index.mu.Unlock()

	var first error
	for _, r := range batch {
		if err := os.Remove(r.Path); err != nil && first == nil {
			first = rc.Wrap(rc.Fatal, "remove retired run", err)
		}
	}
	return first
}

// ScratchMergePath returns the path the background Merger stages an
// in-progress consolidated run at before it is copied into root under
// its final name.
func (d *ArchiveDirectory) ScratchMergePath() string {
	return filepath.Join(d.root, currentMergeFile)
}

// FinishMergedRun appends index blocks to fd (the Merger's scratch run
// file, still open for writing), closes it, and publishes it via
// PublishMergedRun. Kept distinct from FinishRun because a merged run's
// data was never written through a current_run placeholder that a
// simple rename could promote — copyFn governs how it actually reaches
// its final path.
func (d *ArchiveDirectory) FinishMergedRun(info *RunInfo, fd *os.File, dataEnd int64, scratchPath string, copyFn func(src, dst string) error) error {
	if err := writeIndexBlocks(d.blockSize, info, fd, dataEnd); err != nil {
		return err
	}
	if err := fd.Close(); err != nil {
		return rc.Wrap(rc.Fatal, "close merged run", err)
	}
	return d.PublishMergedRun(scratchPath, info, copyFn)
}

// PublishMergedRun copies the finished run staged at scratchPath into
// root under its final name, removes the scratch file, and registers
// the run with the index. copyFn writes straight to the final path, so
// the publish is not atomic: a crash during the copy can leave a
// partial file under the final name.
func (d *ArchiveDirectory) PublishMergedRun(scratchPath string, info *RunInfo, copyFn func(src, dst string) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	finalName := runFileName(info.Level, info.FirstLSN, info.LastLSN)
	finalPath := filepath.Join(d.root, finalName)
	if err := copyFn(scratchPath, finalPath); err != nil {
		return rc.Wrap(rc.Fatal, "publish merged run", err)
	}
	os.Remove(scratchPath)
	info.Path = finalPath

	d.index.mu.Lock()
	d.index.addFinished(info)
	d.index.mu.Unlock()

	if cur, ok := d.lastFinished[info.Level]; !ok || cur.Less(info.LastLSN) {
		d.lastFinished[info.Level] = info.LastLSN
	}
	return nil
}
