// Package config holds the flat key/value configuration options for the
// B-link index and the log archiver.
//
// Defaults are package-level constants (below); because this
// repository's knobs are meant to be overridden per archiver instance
// (workspace size, block size, bucket size, eager mode, ..) they are
// grouped into a Config struct rather than exposed as bare globals.
package config

import "time"

// Pagesize is the fixed, aligned size of a B-link node.
const Pagesize = 8192

// MaxPagesInBuffer caps the number of pages resident in the buffer
// facade at once, mirroring pkg/pager MaxPagesInBuffer.
const MaxPagesInBuffer = 256

// Default archiver knobs.
const (
	DefaultWorkspaceSizeMB      = 16
	DefaultBlockSize            = 1 << 20 // 1 MiB
	DefaultBucketSize           = 512
	DefaultEager                = true
	DefaultReadWholeBlocks      = true
	DefaultSlowLogGracePeriodUs = 1_000_000
	DefaultFormat               = false
)

// Config is the flat key->value configuration consumed by the archiver
// and, where relevant, the B-link index.
type Config struct {
	ArchiveDir                string
	ArchiveWorkspaceSizeMB    int
	ArchiveBlockSize          int
	ArchiveBucketSize         int
	ArchiveEager              bool
	ArchiveReadWholeBlocks    bool
	ArchiveSlowLogGracePeriod time.Duration
	Format                    bool
}

// Default returns a Config populated with the default archiver knobs.
func Default(archiveDir string) Config {
	return Config{
		ArchiveDir:                archiveDir,
		ArchiveWorkspaceSizeMB:    DefaultWorkspaceSizeMB,
		ArchiveBlockSize:          DefaultBlockSize,
		ArchiveBucketSize:         DefaultBucketSize,
		ArchiveEager:              DefaultEager,
		ArchiveReadWholeBlocks:    DefaultReadWholeBlocks,
		ArchiveSlowLogGracePeriod: DefaultSlowLogGracePeriodUs * time.Microsecond,
		Format:                    DefaultFormat,
	}
}

// WorkspaceBytes returns the sorter arena size in bytes.
func (c Config) WorkspaceBytes() int {
	return c.ArchiveWorkspaceSizeMB << 20
}
