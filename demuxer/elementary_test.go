package demuxer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/vkvideopipe/parser"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

func writeStream(t *testing.T, name string, nals ...[]byte) string {
	var stream []byte
	for _, nal := range nals {
		stream = append(stream, startCode...)
		stream = append(stream, nal...)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, stream, 0o644))
	return path
}

func h264Stream(t *testing.T, name string) string {
	return writeStream(t, name,
		[]byte{0x67, 0x42, 0x00, 0x1E, 0xF4, 0x0A, 0x0F, 0x88},
		[]byte{0x68, 0xE0},
		[]byte{0x65, 0x88, 0x80, 0x00},
		[]byte{0x41, 0x9A, 0x00},
		[]byte{0x41, 0x9A, 0x01},
	)
}

func TestElementaryFraming(t *testing.T) {
	ctx := context.Background()
	d, err := NewElementary(ctx, h264Stream(t, "clip.h264"), parser.CodecH264)
	require.NoError(t, err)
	defer d.Close(ctx)

	require.Equal(t, parser.CodecH264, d.Codec())

	// The parameter sets travel with the first picture; each predicted
	// picture is its own access unit.
	for i := 0; i < 3; i++ {
		pkt, err := d.ReadAccessUnit(ctx)
		require.NoError(t, err)
		require.False(t, pkt.EndOfStream)
		require.NotEmpty(t, pkt.Payload)
		require.Equal(t, int64(i), pkt.Timestamp)
	}

	pkt, err := d.ReadAccessUnit(ctx)
	require.NoError(t, err)
	require.True(t, pkt.EndOfStream)
	require.Empty(t, pkt.Payload)

	// Reading past the end keeps reporting end-of-stream.
	pkt, err = d.ReadAccessUnit(ctx)
	require.NoError(t, err)
	require.True(t, pkt.EndOfStream)
}

func TestElementaryRewind(t *testing.T) {
	ctx := context.Background()
	d, err := NewElementary(ctx, h264Stream(t, "clip.h264"), parser.CodecH264)
	require.NoError(t, err)
	defer d.Close(ctx)

	first, err := d.ReadAccessUnit(ctx)
	require.NoError(t, err)
	for {
		pkt, err := d.ReadAccessUnit(ctx)
		require.NoError(t, err)
		if pkt.EndOfStream {
			break
		}
	}

	require.NoError(t, d.Rewind(ctx))
	again, err := d.ReadAccessUnit(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Payload, again.Payload)
	require.Equal(t, int64(0), again.Timestamp)
}

func TestElementaryRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "noise.h264")
	require.NoError(t, os.WriteFile(path, []byte{0xDE, 0xAD, 0xBE, 0xEF}, 0o644))

	_, err := NewElementary(ctx, path, parser.CodecH264)
	require.ErrorAs(t, err, &videoerr.DemuxError{})
}

func TestElementaryMissingFile(t *testing.T) {
	ctx := context.Background()
	_, err := NewElementary(ctx, filepath.Join(t.TempDir(), "nope.h264"), parser.CodecH264)
	require.ErrorAs(t, err, &videoerr.DemuxError{})
}

func TestNewDispatchesByExtension(t *testing.T) {
	ctx := context.Background()

	d, err := New(ctx, h264Stream(t, "clip.264"), 0)
	require.NoError(t, err)
	require.Equal(t, parser.CodecH264, d.Codec())
	require.NoError(t, d.Close(ctx))

	// Unknown raw extensions fall back to the codec hint.
	d, err = New(ctx, h264Stream(t, "clip.bin"), parser.CodecH264)
	require.NoError(t, err)
	require.Equal(t, parser.CodecH264, d.Codec())
	require.NoError(t, d.Close(ctx))
}

func TestElementaryH265Framing(t *testing.T) {
	ctx := context.Background()
	path := writeStream(t, "clip.h265",
		[]byte{0x40, 0x01, 0x0C}, // VPS
		[]byte{0x42, 0x01, 0x01}, // SPS
		[]byte{0x44, 0x01, 0xC0}, // PPS
		[]byte{0x26, 0x01, 0xAF}, // IDR_W_RADL, first slice
		[]byte{0x02, 0x01, 0xD0}, // TRAIL_R, first slice
	)
	d, err := NewElementary(ctx, path, parser.CodecH265)
	require.NoError(t, err)
	defer d.Close(ctx)

	var payloads int
	for {
		pkt, err := d.ReadAccessUnit(ctx)
		require.NoError(t, err)
		if pkt.EndOfStream {
			break
		}
		payloads++
	}
	require.Equal(t, 2, payloads)
}
