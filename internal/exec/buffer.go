package exec

import (
	"strings"
	"sync"
)

// chunk is one captured piece of process output.
type chunk struct {
	stream string
	data   string
}

// ringBuffer keeps the most recent output within a byte budget. Commands
// can produce far more output than anyone wants to hold in memory, so the
// oldest chunks are evicted once the budget is exceeded. The newest chunk
// always survives, even when it exceeds the budget on its own.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []chunk
}

func newRingBuffer(maxBytes int64) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultBufferBytes
	}
	return &ringBuffer{maxBytes: maxBytes}
}

func (b *ringBuffer) append(stream, data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk{stream: stream, data: data})
	b.size += int64(len(data))
	for b.size > b.maxBytes && len(b.chunks) > 1 {
		b.size -= int64(len(b.chunks[0].data))
		b.chunks = b.chunks[1:]
	}
}

// text returns the buffered output joined in arrival order.
func (b *ringBuffer) text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, c := range b.chunks {
		sb.WriteString(c.data)
	}
	return sb.String()
}
