package archiver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/ring"
)

func writePartitionFile(t *testing.T, dir string, partition uint32, blocks ...[]byte) {
	t.Helper()
	f, err := os.Create(PartitionPath(dir, partition))
	if err != nil {
		t.Fatalf("create partition file: %v", err)
	}
	defer f.Close()
	for _, b := range blocks {
		if _, err := f.Write(b); err != nil {
			t.Fatalf("write partition block: %v", err)
		}
	}
}

func fullBlock(blockSize int, fill byte) []byte {
	b := make([]byte, blockSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestReaderPublishesFullBlocksWithinOnePartition(t *testing.T) {
	const blockSize = 16
	dir := t.TempDir()
	b1 := fullBlock(blockSize, 'a')
	b2 := fullBlock(blockSize, 'b')
	writePartitionFile(t, dir, 0, b1, b2)

	rb := ring.New(blockSize, 4)
	shutdown := new(bool)
	r := NewReader(dir, blockSize, rb, shutdown, lsn.New(0, 0))

	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	r.Activate(true, lsn.New(0, uint32(2*blockSize)))

	for _, want := range [][]byte{b1, b2} {
		got, ok := rb.ConsumerRequest()
		if !ok {
			t.Fatalf("ConsumerRequest ok = false, want true")
		}
		if string(got) != string(want) {
			t.Fatalf("block = %q, want %q", got, want)
		}
		rb.ConsumerRelease()
	}

	*shutdown = true
	r.Activate(true, lsn.New(0, uint32(2*blockSize)))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not stop after shutdown")
	}
}

func TestReaderRollsOverToNextPartition(t *testing.T) {
	const blockSize = 16
	dir := t.TempDir()
	b0 := fullBlock(blockSize, 'x')
	b1 := fullBlock(blockSize, 'y')
	writePartitionFile(t, dir, 0, b0)
	writePartitionFile(t, dir, 1, b1)

	rb := ring.New(blockSize, 4)
	shutdown := new(bool)
	r := NewReader(dir, blockSize, rb, shutdown, lsn.New(0, 0))

	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	r.Activate(true, lsn.New(1, uint32(blockSize)))

	got0, ok := rb.ConsumerRequest()
	if !ok || string(got0) != string(b0) {
		t.Fatalf("first block = %q, ok=%v, want %q", got0, ok, b0)
	}
	rb.ConsumerRelease()

	got1, ok := rb.ConsumerRequest()
	if !ok || string(got1) != string(b1) {
		t.Fatalf("second block (after rollover) = %q, ok=%v, want %q", got1, ok, b1)
	}
	rb.ConsumerRelease()

	*shutdown = true
	r.Activate(true, lsn.New(1, uint32(blockSize)))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not stop after shutdown")
	}
}

func TestReaderStopsOnShutdownWithoutActivation(t *testing.T) {
	dir := t.TempDir()
	rb := ring.New(16, 4)
	shutdown := new(bool)
	r := NewReader(dir, 16, rb, shutdown, lsn.New(0, 0))

	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	*shutdown = true
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader blocked forever waiting for an activation that never came")
	}
}

func TestReaderWaitsOnPartialPartitionFile(t *testing.T) {
	const blockSize = 16
	dir := t.TempDir()
	// Write fewer bytes than one block: the partition file exists but a
	// full block has not landed yet.
	partial := []byte("short")
	if err := os.WriteFile(filepath.Join(dir, "log.0000000000"), partial, 0644); err != nil {
		t.Fatalf("write partial partition: %v", err)
	}

	rb := ring.New(blockSize, 4)
	shutdown := new(bool)
	r := NewReader(dir, blockSize, rb, shutdown, lsn.New(0, 0))

	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	r.Activate(true, lsn.New(0, uint32(blockSize)))

	select {
	case _, ok := <-ringConsumerRequestChan(rb):
		if ok {
			t.Fatalf("reader should not have published a partial block")
		}
	case <-time.After(100 * time.Millisecond):
	}

	*shutdown = true
	r.Activate(true, lsn.New(0, uint32(blockSize)))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not stop after shutdown")
	}
}

// ringConsumerRequestChan adapts Buffer.ConsumerRequest's blocking call
// into a channel so the test above can race it against a timeout
// without ever getting stuck if the assertion is wrong.
func ringConsumerRequestChan(rb *ring.Buffer) <-chan []byte {
	c := make(chan []byte, 1)
	go func() {
		blk, ok := rb.ConsumerRequest()
		if ok {
			c <- blk
		}
		close(c)
	}()
	return c
}
