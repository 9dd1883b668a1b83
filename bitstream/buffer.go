// Package bitstream provides pooled, alignment-aware buffers for compressed
// access units on their way to the decode submission.
//
// A buffer stays alive for the whole duration of the asynchronous GPU read:
// the frame-buffer slot that queued the picture holds it and returns it to
// the pool when the picture is released.
package bitstream

import (
	"context"

	"github.com/xaionaro-go/vkvideopipe/pool"
)

// Buffer is one pooled bitstream buffer.
type Buffer struct {
	data []byte
	used int

	releaseTo *BufferPool
}

// Write replaces the buffer contents with the payload, padded up to the
// pool's size alignment.
func (b *Buffer) Write(payload []byte) {
	need := alignUp(len(payload), b.releaseTo.sizeAlignment)
	if cap(b.data) < need {
		b.data = make([]byte, need)
	}
	b.data = b.data[:need]
	copy(b.data, payload)
	for i := len(payload); i < need; i++ {
		b.data[i] = 0
	}
	b.used = len(payload)
}

// Bytes returns the aligned contents.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// PayloadSize returns the unpadded payload length.
func (b *Buffer) PayloadSize() int {
	return b.used
}

// Release returns the buffer to its pool. The buffer must not be used
// afterwards.
func (b *Buffer) Release(ctx context.Context) {
	b.releaseTo.put(b)
}

// BufferPool produces buffers honoring the device's bitstream alignment
// requirements.
type BufferPool struct {
	pool            *pool.Pool[Buffer]
	minSize         int
	offsetAlignment int
	sizeAlignment   int
}

func NewBufferPool(minBufferSize, offsetAlignment, sizeAlignment int) *BufferPool {
	if sizeAlignment < 1 {
		sizeAlignment = 1
	}
	if offsetAlignment < 1 {
		offsetAlignment = 1
	}
	bp := &BufferPool{
		minSize:         alignUp(minBufferSize, sizeAlignment),
		offsetAlignment: offsetAlignment,
		sizeAlignment:   sizeAlignment,
	}
	bp.pool = pool.NewPool(
		func() *Buffer {
			return &Buffer{
				data:      make([]byte, 0, bp.minSize),
				releaseTo: bp,
			}
		},
		func(b *Buffer) { b.data, b.used = b.data[:0], 0 },
		func(b *Buffer) {},
	)
	return bp
}

// OffsetAlignment returns the required bitstream offset alignment.
func (bp *BufferPool) OffsetAlignment() int {
	return bp.offsetAlignment
}

// Get returns a buffer filled with the payload.
func (bp *BufferPool) Get(payload []byte) *Buffer {
	b := bp.pool.Get()
	b.releaseTo = bp
	b.Write(payload)
	return b
}

func (bp *BufferPool) put(b *Buffer) {
	bp.pool.Put(b)
}

func alignUp(v, alignment int) int {
	return (v + alignment - 1) / alignment * alignment
}
