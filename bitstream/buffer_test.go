package bitstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPaddingAndAlignment(t *testing.T) {
	bp := NewBufferPool(1024, 256, 256)

	payload := []byte{0x00, 0x00, 0x01, 0x65, 0x88}
	b := bp.Get(payload)
	require.Equal(t, len(payload), b.PayloadSize())
	require.Equal(t, 256, len(b.Bytes()))
	require.Equal(t, payload, b.Bytes()[:len(payload)])
	for _, v := range b.Bytes()[len(payload):] {
		require.Zero(t, v)
	}
	require.Equal(t, 256, bp.OffsetAlignment())
	b.Release(context.Background())
}

func TestBufferExactAlignmentNotPadded(t *testing.T) {
	bp := NewBufferPool(0, 1, 4)
	b := bp.Get([]byte{1, 2, 3, 4})
	require.Equal(t, 4, len(b.Bytes()))
	require.Equal(t, []byte{1, 2, 3, 4}, b.Bytes())
}

func TestBufferReuseClearsStaleBytes(t *testing.T) {
	ctx := context.Background()
	bp := NewBufferPool(16, 1, 8)

	b := bp.Get([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	b.Release(ctx)

	// A shorter payload on the recycled buffer must not expose the previous
	// contents through the padding.
	b = bp.Get([]byte{0x01})
	require.Equal(t, 1, b.PayloadSize())
	require.Equal(t, 8, len(b.Bytes()))
	require.Equal(t, byte(0x01), b.Bytes()[0])
	for _, v := range b.Bytes()[1:] {
		require.Zero(t, v)
	}
	b.Release(ctx)
}

func TestBufferGrowsBeyondMinSize(t *testing.T) {
	bp := NewBufferPool(8, 1, 8)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	b := bp.Get(payload)
	require.Equal(t, 104, len(b.Bytes()))
	require.Equal(t, payload, b.Bytes()[:100])
}

func TestZeroAlignmentDefaultsToOne(t *testing.T) {
	bp := NewBufferPool(0, 0, 0)
	b := bp.Get([]byte{0x42})
	require.Equal(t, 1, len(b.Bytes()))
	require.Equal(t, 1, bp.OffsetAlignment())
}
