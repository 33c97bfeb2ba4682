package ingest

import "sync"

// ringBuffer 定长环形缓冲，满了覆盖最旧的一条
type ringBuffer struct {
	mu      sync.Mutex
	items   []Reading
	head    int
	count   int
	dropped uint64
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{items: make([]Reading, capacity)}
}

func (b *ringBuffer) push(r Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.head + b.count) % len(b.items)
	b.items[idx] = r
	if b.count == len(b.items) {
		b.head = (b.head + 1) % len(b.items)
		b.dropped++
		return
	}
	b.count++
}

func (b *ringBuffer) drain(max int) []Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]Reading, n)
	for i := 0; i < n; i++ {
		idx := (b.head + i) % len(b.items)
		out[i] = b.items[idx]
		b.items[idx] = Reading{}
	}
	b.head = (b.head + n) % len(b.items)
	b.count -= n
	return out
}

func (b *ringBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *ringBuffer) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
