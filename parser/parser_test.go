package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/vkvideopipe/framebuffer"
	"github.com/xaionaro-go/vkvideopipe/session"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
)

// bitWriter builds test parameter sets bit by bit.
type bitWriter struct {
	data []byte
	nc   int // bits used in the last byte
}

func (w *bitWriter) writeBit(b uint32) {
	if w.nc == 0 {
		w.data = append(w.data, 0)
		w.nc = 8
	}
	w.nc--
	if b != 0 {
		w.data[len(w.data)-1] |= 1 << uint(w.nc)
	}
}

func (w *bitWriter) writeBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit(v >> uint(i) & 1)
	}
}

func (w *bitWriter) writeUe(v uint32) {
	code := v + 1
	n := 0
	for c := code; c > 0; c >>= 1 {
		n++
	}
	for i := 0; i < n-1; i++ {
		w.writeBit(0)
	}
	w.writeBits(code, n)
}

func (w *bitWriter) bytes() []byte {
	w.writeBit(1) // rbsp stop bit
	return w.data
}

// testH264SPS builds a baseline-profile SPS for the given geometry.
func testH264SPS(widthMBs, heightMBs, maxRefs uint32) []byte {
	w := &bitWriter{}
	w.writeBits(66, 8) // profile_idc: baseline
	w.writeBits(0, 8)  // constraint flags
	w.writeBits(30, 8) // level_idc
	w.writeUe(0)       // sps_id
	w.writeUe(0)       // log2_max_frame_num_minus4
	w.writeUe(0)       // pic_order_cnt_type
	w.writeUe(0)       // log2_max_pic_order_cnt_lsb_minus4
	w.writeUe(maxRefs) // max_num_ref_frames
	w.writeBit(0)      // gaps_in_frame_num_value_allowed_flag
	w.writeUe(widthMBs - 1)
	w.writeUe(heightMBs - 1)
	w.writeBit(1) // frame_mbs_only_flag
	w.writeBit(0) // direct_8x8_inference_flag
	w.writeBit(0) // frame_cropping_flag
	w.writeBit(0) // vui_parameters_present_flag
	return append([]byte{0x67}, w.bytes()...)
}

func testH264PPS() []byte {
	w := &bitWriter{}
	w.writeUe(0) // pps_id
	w.writeUe(0) // sps_id
	return append([]byte{0x68}, w.bytes()...)
}

func testH265SPS(width, height, maxDecPicBuf uint32) []byte {
	w := &bitWriter{}
	w.writeBits(0, 4) // vps_id
	w.writeBits(0, 3) // max_sub_layers_minus1
	w.writeBit(1)     // temporal_id_nesting
	// profile_tier_level, general part only
	w.writeBits(0, 32)
	w.writeBits(0, 32)
	w.writeBits(0, 32)
	w.writeUe(0) // sps_id
	w.writeUe(1) // chroma_format_idc: 4:2:0
	w.writeUe(width)
	w.writeUe(height)
	w.writeBit(0) // conformance_window_flag
	w.writeUe(0)  // bit_depth_luma_minus8
	w.writeUe(0)  // bit_depth_chroma_minus8
	w.writeUe(0)  // log2_max_pic_order_cnt_lsb_minus4
	w.writeBit(1) // sub_layer_ordering_info_present
	w.writeUe(maxDecPicBuf - 1)
	w.writeUe(0) // max_num_reorder_pics
	w.writeUe(0) // max_latency_increase_plus1
	return append([]byte{0x42, 0x01}, w.bytes()...)
}

func TestParseH264SPS(t *testing.T) {
	sps, err := parseH264SPS(testH264SPS(20, 15, 3))
	require.NoError(t, err)
	require.Equal(t, uint32(0), sps.ID)
	require.Equal(t, uint8(66), sps.ProfileIdc)
	require.Equal(t, uint32(320), sps.Width)
	require.Equal(t, uint32(240), sps.Height)
	require.Equal(t, uint32(320), sps.DisplayWidth())
	require.Equal(t, uint32(240), sps.DisplayHeight())
	require.Equal(t, uint32(3), sps.MaxNumRefs)
	require.Equal(t, uint32(8), sps.BitDepthLuma)
}

func TestParseH265SPS(t *testing.T) {
	sps, err := parseH265SPS(testH265SPS(640, 480, 5))
	require.NoError(t, err)
	require.Equal(t, uint32(0), sps.ID)
	require.Equal(t, uint32(1), sps.ChromaFormat)
	require.Equal(t, uint32(640), sps.Width)
	require.Equal(t, uint32(480), sps.Height)
	require.Equal(t, uint32(5), sps.MaxDecPicBuf)
	require.Equal(t, uint32(8), sps.BitDepthLuma)
}

func TestParseH264PPS(t *testing.T) {
	pps, err := parseH264PPS(testH264PPS())
	require.NoError(t, err)
	require.Equal(t, uint32(0), pps.ID)
	require.Equal(t, uint32(0), pps.SpsID)
}

// fakeHandler records the parser's callbacks.
type fakeHandler struct {
	formats      []VideoFormat
	paramUpdates []session.ParameterSetUpdate
	pictures     []PictureParams
	decodeErr    error
}

func (h *fakeHandler) StartVideoSequence(ctx context.Context, format *VideoFormat) (int32, error) {
	h.formats = append(h.formats, *format)
	return int32(format.MinNumDecodeSurfaces), nil
}

func (h *fakeHandler) UpdatePictureParameters(ctx context.Context, update session.ParameterSetUpdate) error {
	h.paramUpdates = append(h.paramUpdates, update)
	return nil
}

func (h *fakeHandler) DecodePictureWithParameters(ctx context.Context, pic *PictureParams) error {
	if h.decodeErr != nil {
		return h.decodeErr
	}
	h.pictures = append(h.pictures, *pic)
	return nil
}

// fakeFrameBuffer hands out slot indices round-robin and counts releases.
type fakeFrameBuffer struct {
	poolSize  int
	reserved  map[int32]bool
	nextIndex int32
	released  int
}

func newFakeFrameBuffer(poolSize int) *fakeFrameBuffer {
	return &fakeFrameBuffer{poolSize: poolSize, reserved: map[int32]bool{}}
}

func (fb *fakeFrameBuffer) ReservePictureBuffer(ctx context.Context) (framebuffer.Handle, error) {
	for i := 0; i < fb.poolSize; i++ {
		idx := (fb.nextIndex + int32(i)) % int32(fb.poolSize)
		if !fb.reserved[idx] {
			fb.reserved[idx] = true
			fb.nextIndex = idx + 1
			return framebuffer.Handle{PictureIndex: idx}, nil
		}
	}
	return framebuffer.Handle{PictureIndex: -1}, videoerr.PoolExhausted{PoolSize: fb.poolSize}
}

func (fb *fakeFrameBuffer) DecodeDone(ctx context.Context, h framebuffer.Handle) error {
	fb.reserved[h.PictureIndex] = false
	fb.released++
	return nil
}

func idrAU() []byte {
	var au []byte
	au = append(au, sc4...)
	au = append(au, testH264SPS(20, 15, 2)...)
	au = append(au, sc4...)
	au = append(au, testH264PPS()...)
	au = append(au, sc4...)
	au = append(au, 0x65, 0x88, 0x84, 0x21, 0xA0)
	return au
}

func pAU(payload byte) []byte {
	var au []byte
	au = append(au, sc4...)
	au = append(au, 0x41, 0x9A, payload)
	return au
}

func bAU(payload byte) []byte {
	var au []byte
	au = append(au, sc4...)
	au = append(au, 0x01, 0x9A, payload)
	return au
}

func newTestParser(t *testing.T, handler *fakeHandler, fb FrameBuffer) *AnnexBParser {
	p, err := NewAnnexB(context.Background(), Config{
		Codec:       CodecH264,
		Handler:     handler,
		FrameBuffer: fb,
	})
	require.NoError(t, err)
	return p
}

func TestParseVideoDataSequenceStart(t *testing.T) {
	ctx := context.Background()
	handler := &fakeHandler{}
	fb := newFakeFrameBuffer(8)
	p := newTestParser(t, handler, fb)

	n, err := p.ParseVideoData(ctx, &SourcePacket{Payload: idrAU(), Timestamp: 100})
	require.NoError(t, err)
	require.NotZero(t, n)

	require.Len(t, handler.formats, 1)
	format := handler.formats[0]
	require.Equal(t, CodecH264, format.Codec)
	require.Equal(t, uint32(320), format.CodedExtent.Width)
	require.Equal(t, uint32(240), format.CodedExtent.Height)
	require.Equal(t, uint32(3), format.MinNumDecodeSurfaces) // 2 refs + 1

	// SPS + PPS announced before the picture.
	require.Len(t, handler.paramUpdates, 2)
	require.NotNil(t, handler.paramUpdates[0].SpsID)
	require.NotNil(t, handler.paramUpdates[1].PpsID)

	require.Len(t, handler.pictures, 1)
	pic := handler.pictures[0]
	require.True(t, pic.IsIntra)
	require.True(t, pic.IsReference)
	require.Empty(t, pic.ReferenceSlots)
	require.Equal(t, int64(100), pic.Timestamp)
	require.Equal(t, "I", pic.FrameType)
}

func TestParseVideoDataReferenceWindow(t *testing.T) {
	ctx := context.Background()
	handler := &fakeHandler{}
	fb := newFakeFrameBuffer(8)
	p := newTestParser(t, handler, fb)

	_, err := p.ParseVideoData(ctx, &SourcePacket{Payload: idrAU()})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := p.ParseVideoData(ctx, &SourcePacket{Payload: pAU(byte(i))})
		require.NoError(t, err)
	}

	require.Len(t, handler.pictures, 4)
	// The IDR predicts from nothing; each P predicts from the window.
	require.Empty(t, handler.pictures[0].ReferenceSlots)
	require.Len(t, handler.pictures[1].ReferenceSlots, 1)
	require.Len(t, handler.pictures[2].ReferenceSlots, 2)
	// max_num_ref_frames is 2: the window never grows beyond it.
	require.Len(t, handler.pictures[3].ReferenceSlots, 2)

	// A non-reference picture gets its decode reference dropped right away.
	released := fb.released
	_, err = p.ParseVideoData(ctx, &SourcePacket{Payload: bAU(0x42)})
	require.NoError(t, err)
	require.Equal(t, released+1, fb.released)
	require.False(t, handler.pictures[4].IsReference)
	require.Equal(t, "B", handler.pictures[4].FrameType)
}

func TestParseVideoDataIDRFlushesWindow(t *testing.T) {
	ctx := context.Background()
	handler := &fakeHandler{}
	fb := newFakeFrameBuffer(8)
	p := newTestParser(t, handler, fb)

	_, err := p.ParseVideoData(ctx, &SourcePacket{Payload: idrAU()})
	require.NoError(t, err)
	_, err = p.ParseVideoData(ctx, &SourcePacket{Payload: pAU(1)})
	require.NoError(t, err)

	// The second IDR must not predict from the old window.
	_, err = p.ParseVideoData(ctx, &SourcePacket{Payload: idrAU()})
	require.NoError(t, err)
	last := handler.pictures[len(handler.pictures)-1]
	require.True(t, last.IsIntra)
	require.Empty(t, last.ReferenceSlots)
	// A same-parameters SPS repeat must not restart the sequence.
	require.Len(t, handler.formats, 1)
}

func TestParseVideoDataPoolExhaustedRetry(t *testing.T) {
	ctx := context.Background()
	handler := &fakeHandler{}
	fb := newFakeFrameBuffer(1)
	p := newTestParser(t, handler, fb)

	_, err := p.ParseVideoData(ctx, &SourcePacket{Payload: idrAU()})
	require.NoError(t, err)

	// The single slot is in the reference window: the next picture cannot
	// reserve and the packet must be retryable.
	au := pAU(7)
	_, err = p.ParseVideoData(ctx, &SourcePacket{Payload: au})
	require.ErrorAs(t, err, &videoerr.PoolExhausted{})
	require.Len(t, handler.pictures, 1)

	// Free the slot and retry the very same packet.
	fb.reserved[0] = false
	p.refWindow = nil
	_, err = p.ParseVideoData(ctx, &SourcePacket{Payload: au})
	require.NoError(t, err)
	require.Len(t, handler.pictures, 2)
}

func TestParseVideoDataFlush(t *testing.T) {
	ctx := context.Background()
	handler := &fakeHandler{}
	fb := newFakeFrameBuffer(8)
	p := newTestParser(t, handler, fb)

	_, err := p.ParseVideoData(ctx, &SourcePacket{Payload: idrAU()})
	require.NoError(t, err)
	_, err = p.ParseVideoData(ctx, &SourcePacket{Payload: pAU(1)})
	require.NoError(t, err)

	released := fb.released
	_, err = p.ParseVideoData(ctx, &SourcePacket{EndOfStream: true})
	require.NoError(t, err)
	// Both window entries (IDR + P) give their decode references back.
	require.Equal(t, released+2, fb.released)
}

func TestParseVideoDataPictureBeforeSPS(t *testing.T) {
	ctx := context.Background()
	handler := &fakeHandler{}
	fb := newFakeFrameBuffer(8)
	p := newTestParser(t, handler, fb)

	_, err := p.ParseVideoData(ctx, &SourcePacket{Payload: pAU(1)})
	require.ErrorAs(t, err, &videoerr.ParseError{})
}
