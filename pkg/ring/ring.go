// Package ring implements the fixed-block async ring buffer the
// archiver's reader, writer, and consumer threads hand blocks through.
// Every block is blockSize bytes so a producer or consumer request
// never straddles the underlying array's wraparound point; the whole
// thing is guarded by one mutex and a single condition variable, the
// same style pkg/bufmgr's latch uses for its own wait loops.
package ring

import "sync"

// Buffer is a circular queue of fixed-size blocks with exactly one
// producer and one consumer. The producer calls ProducerRequest to
// claim the next empty block, fills it, then ProducerRelease to
// publish it; the consumer calls ConsumerRequest/ConsumerRelease the
// same way on the far end. Finished marks that no more blocks will
// ever be produced, so a consumer waiting on an empty, finished buffer
// is woken instead of blocking forever.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	data      []byte
	blockSize int
	numBlocks int

	head     int // index of the block the producer is about to fill
	tail     int // index of the block the consumer is about to drain
	count    int // number of published, undrained blocks
	finished bool
}

// New allocates a ring of numBlocks blocks of blockSize bytes each.
func New(blockSize, numBlocks int) *Buffer {
	b := &Buffer{
		data:      make([]byte, blockSize*numBlocks),
		blockSize: blockSize,
		numBlocks: numBlocks,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// BlockSize returns the fixed block size blocks are handed out in.
func (b *Buffer) BlockSize() int { return b.blockSize }

func (b *Buffer) blockAt(i int) []byte {
	off := i * b.blockSize
	return b.data[off : off+b.blockSize]
}

// ProducerRequest blocks until a block is free to write into, or the
// buffer has been marked Finished, in which case it returns nil. The
// returned slice is valid until the matching ProducerRelease.
func (b *Buffer) ProducerRequest() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count == b.numBlocks && !b.finished {
		b.cond.Wait()
	}
	if b.finished {
		return nil
	}
	return b.blockAt(b.head)
}

// ProducerRelease publishes the block most recently returned by
// ProducerRequest, making it visible to the consumer.
func (b *Buffer) ProducerRelease() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = (b.head + 1) % b.numBlocks
	b.count++
	b.cond.Broadcast()
}

// ConsumerRequest blocks until a published block is available to
// drain. ok is false once the buffer is Finished and fully drained,
// the signal for the consumer to exit its read loop.
func (b *Buffer) ConsumerRequest() (block []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count == 0 && !b.finished {
		b.cond.Wait()
	}
	if b.count == 0 {
		return nil, false
	}
	return b.blockAt(b.tail), true
}

// ConsumerRelease frees the block most recently returned by
// ConsumerRequest, making room for a new producer block.
func (b *Buffer) ConsumerRelease() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tail = (b.tail + 1) % b.numBlocks
	b.count--
	b.cond.Broadcast()
}

// Finished marks that the producer will never publish another block.
// Any consumer or producer currently waiting is woken; a waiting
// producer will observe Finished and return nil from ProducerRequest,
// and a waiting consumer will drain whatever remains before doing the
// same from ConsumerRequest.
func (b *Buffer) Finished() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
	b.cond.Broadcast()
}

// Empty reports whether the buffer currently holds no published,
// undrained blocks. The archiver's flush-request handling polls this
// to know when everything pushed to the writer ring before the
// request has actually been drained.
func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count == 0
}

// Reset clears Finished and the queue state so the buffer can be
// reused for a fresh run.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.tail, b.count, b.finished = 0, 0, 0, false
}
