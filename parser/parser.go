// Package parser turns a compressed video byte stream into decode-callback
// invocations: it detects sequence starts (emitting the negotiated video
// format), tracks parameter sets, reserves picture slots and drives the
// decoder once per access unit.
//
// This is deliberately not a full bitstream parser: geometry, bit depths
// and DPB sizing are read from the parameter sets, picture boundaries from
// the slice headers' first bits, and everything below that stays in the
// driver.
package parser

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/vkvideopipe/framebuffer"
	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/session"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
)

type Codec int

const (
	CodecH264 Codec = iota + 1
	CodecH265
)

func (c Codec) isH264() bool { return c == CodecH264 }

func (c Codec) Operation() vkdev.CodecOperation {
	switch c {
	case CodecH264:
		return vkdev.CodecOperationDecodeH264
	case CodecH265:
		return vkdev.CodecOperationDecodeH265
	default:
		return vkdev.CodecOperationNone
	}
}

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return fmt.Sprintf("unknown-codec-%d", int(c))
	}
}

// VideoFormat is what StartVideoSequence negotiates on: everything needed
// to size the video session and the image pool.
type VideoFormat struct {
	Codec         Codec
	Profile       vkdev.VideoProfile
	CodedExtent   vkdev.Extent2D
	DisplayExtent vkdev.Extent2D
	// MinNumDecodeSurfaces is the DPB size the stream requires plus one
	// decode target.
	MinNumDecodeSurfaces uint32
}

// PictureParams describes one picture to decode.
type PictureParams struct {
	Picture framebuffer.Handle

	BitstreamData []byte

	IsIntra     bool
	IsReference bool
	// ReferenceSlots are the DPB slot indices of the pictures this one
	// predicts from, oldest first. They are guaranteed decoded already.
	ReferenceSlots []int32

	SpsID uint32
	PpsID uint32
	VpsID *uint32

	DisplayWidth  uint32
	DisplayHeight uint32
	Timestamp     int64
	FrameType     string
}

// SequenceHandler receives the parser's callbacks. All callbacks run
// synchronously on the goroutine feeding ParseVideoData.
type SequenceHandler interface {
	// StartVideoSequence is invoked when the first sequence header is seen
	// or when the stream's requirements change. Returns the number of
	// decode surfaces actually configured.
	StartVideoSequence(ctx context.Context, format *VideoFormat) (int32, error)
	// UpdatePictureParameters reports a newly seen parameter set.
	UpdatePictureParameters(ctx context.Context, update session.ParameterSetUpdate) error
	// DecodePictureWithParameters submits one picture for decoding.
	DecodePictureWithParameters(ctx context.Context, pic *PictureParams) error
}

// FrameBuffer is the slice of the frame-buffer surface the parser needs:
// slot reservation and the decode-reference release when a picture leaves
// the reference window.
type FrameBuffer interface {
	ReservePictureBuffer(ctx context.Context) (framebuffer.Handle, error)
	DecodeDone(ctx context.Context, h framebuffer.Handle) error
}

// SourcePacket is one chunk of input: a demuxed access unit, or raw
// elementary-stream bytes already framed by the demuxer.
type SourcePacket struct {
	Payload     []byte
	Timestamp   int64
	EndOfStream bool
}

type Config struct {
	Codec       Codec
	Handler     SequenceHandler
	FrameBuffer FrameBuffer
	// MaxReferences bounds the sliding reference window regardless of what
	// the parameter sets announce. Zero means "what the SPS says".
	MaxReferences int
}

// AnnexBParser is the built-in elementary-stream parser for H.264/H.265.
type AnnexBParser struct {
	cfg   Config
	codec Codec

	h264SPSs map[uint32]*h264SPS
	h264PPSs map[uint32]*h264PPS
	h265SPSs map[uint32]*h265SPS
	h265PPSs map[uint32]*h265PPS

	sequenceStarted bool
	activeFormat    VideoFormat
	pendingFormat   *VideoFormat
	maxRefs         int

	// refWindow holds the decode-queue references of pictures still usable
	// for prediction, oldest first.
	refWindow []framebuffer.Handle

	lastSpsID uint32
	lastPpsID uint32
	lastVpsID *uint32

	bytesParsed uint64
}

func NewAnnexB(ctx context.Context, cfg Config) (*AnnexBParser, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("a sequence handler is required")
	}
	if cfg.FrameBuffer == nil {
		return nil, fmt.Errorf("a frame buffer is required")
	}
	switch cfg.Codec {
	case CodecH264, CodecH265:
	default:
		return nil, fmt.Errorf("unsupported codec: %v", cfg.Codec)
	}
	return &AnnexBParser{
		cfg:      cfg,
		codec:    cfg.Codec,
		h264SPSs: map[uint32]*h264SPS{},
		h264PPSs: map[uint32]*h264PPS{},
		h265SPSs: map[uint32]*h265SPS{},
		h265PPSs: map[uint32]*h265PPS{},
	}, nil
}

// ParseVideoData consumes one source packet. The payload is expected to
// contain whole NAL units and at most one coded picture (which is what both
// the FFmpeg demuxer and the elementary-stream framer produce). Callbacks
// fire synchronously. On a PoolExhausted error the packet was not consumed
// and may be retried once a picture slot frees up.
func (p *AnnexBParser) ParseVideoData(
	ctx context.Context,
	pkt *SourcePacket,
) (_ int, _err error) {
	logger.Tracef(ctx, "ParseVideoData(%d bytes)", len(pkt.Payload))
	defer func() { logger.Tracef(ctx, "/ParseVideoData: %v", _err) }()

	if len(pkt.Payload) == 0 || pkt.EndOfStream {
		return 0, p.flush(ctx)
	}

	units := SplitNALUnits(pkt.Payload)
	var pictureNALs []NALUnit
	for _, unit := range units {
		if p.codec.isVCL(unit.Data) {
			pictureNALs = append(pictureNALs, unit)
			continue
		}
		if err := p.handleNonVCL(ctx, unit.Data); err != nil {
			return 0, videoerr.ParseError{Offset: p.bytesParsed + uint64(unit.Offset), Err: err}
		}
	}

	if len(pictureNALs) > 0 {
		if err := p.decodePicture(ctx, pkt, pictureNALs); err != nil {
			return 0, err
		}
	}

	p.bytesParsed += uint64(len(pkt.Payload))
	return len(pkt.Payload), nil
}

func (p *AnnexBParser) handleNonVCL(ctx context.Context, nal []byte) error {
	if len(nal) == 0 {
		return nil
	}
	if p.codec.isH264() {
		switch h264NalType(nal) {
		case h264NalSPS:
			return p.handleH264SPS(ctx, nal)
		case h264NalPPS:
			pps, err := parseH264PPS(nal)
			if err != nil {
				return err
			}
			p.h264PPSs[pps.ID] = pps
			p.lastPpsID = pps.ID
			return p.cfg.Handler.UpdatePictureParameters(ctx, session.ParameterSetUpdate{PpsID: &pps.ID})
		}
		return nil
	}
	switch h265NalType(nal) {
	case h265NalVPS:
		vpsID, err := parseH265VPSID(nal)
		if err != nil {
			return err
		}
		p.lastVpsID = &vpsID
		return p.cfg.Handler.UpdatePictureParameters(ctx, session.ParameterSetUpdate{VpsID: &vpsID})
	case h265NalSPS:
		return p.handleH265SPS(ctx, nal)
	case h265NalPPS:
		pps, err := parseH265PPS(nal)
		if err != nil {
			return err
		}
		p.h265PPSs[pps.ID] = pps
		p.lastPpsID = pps.ID
		return p.cfg.Handler.UpdatePictureParameters(ctx, session.ParameterSetUpdate{PpsID: &pps.ID})
	}
	return nil
}

func (p *AnnexBParser) handleH264SPS(ctx context.Context, nal []byte) error {
	sps, err := parseH264SPS(nal)
	if err != nil {
		return err
	}
	p.h264SPSs[sps.ID] = sps
	p.lastSpsID = sps.ID

	format := VideoFormat{
		Codec: p.codec,
		Profile: vkdev.VideoProfile{
			Operation:         vkdev.CodecOperationDecodeH264,
			ChromaSubsampling: 420,
			LumaBitDepth:      uint8(sps.BitDepthLuma),
			ChromaBitDepth:    uint8(sps.BitDepthChroma),
		},
		CodedExtent:          vkdev.Extent2D{Width: sps.Width, Height: sps.Height},
		DisplayExtent:        vkdev.Extent2D{Width: sps.DisplayWidth(), Height: sps.DisplayHeight()},
		MinNumDecodeSurfaces: sps.MaxNumRefs + 1,
	}
	p.considerFormat(ctx, format, int(sps.MaxNumRefs))
	return p.cfg.Handler.UpdatePictureParameters(ctx, session.ParameterSetUpdate{SpsID: &sps.ID})
}

func (p *AnnexBParser) handleH265SPS(ctx context.Context, nal []byte) error {
	sps, err := parseH265SPS(nal)
	if err != nil {
		return err
	}
	p.h265SPSs[sps.ID] = sps
	p.lastSpsID = sps.ID

	maxRefs := int(sps.MaxDecPicBuf)
	if maxRefs < 1 {
		maxRefs = 1
	}
	format := VideoFormat{
		Codec: p.codec,
		Profile: vkdev.VideoProfile{
			Operation:         vkdev.CodecOperationDecodeH265,
			ChromaSubsampling: 420,
			LumaBitDepth:      uint8(sps.BitDepthLuma),
			ChromaBitDepth:    uint8(sps.BitDepthChroma),
		},
		CodedExtent:          vkdev.Extent2D{Width: sps.Width, Height: sps.Height},
		DisplayExtent:        vkdev.Extent2D{Width: sps.DisplayWidth(), Height: sps.DisplayHeight()},
		MinNumDecodeSurfaces: uint32(maxRefs) + 1,
	}
	p.considerFormat(ctx, format, maxRefs)
	return p.cfg.Handler.UpdatePictureParameters(ctx, session.ParameterSetUpdate{SpsID: &sps.ID})
}

// considerFormat schedules a StartVideoSequence before the next picture if
// the stream's requirements changed.
func (p *AnnexBParser) considerFormat(ctx context.Context, format VideoFormat, maxRefs int) {
	if p.cfg.MaxReferences > 0 && maxRefs > p.cfg.MaxReferences {
		maxRefs = p.cfg.MaxReferences
	}
	if maxRefs < 1 {
		maxRefs = 1
	}
	if p.sequenceStarted && format == p.activeFormat && maxRefs == p.maxRefs {
		return
	}
	logger.Debugf(ctx, "scheduling a video-sequence (re)start: %s coded %s, %d surfaces",
		format.Profile, format.CodedExtent, format.MinNumDecodeSurfaces)
	p.pendingFormat = &format
	p.maxRefs = maxRefs
}

func (p *AnnexBParser) decodePicture(
	ctx context.Context,
	pkt *SourcePacket,
	pictureNALs []NALUnit,
) error {
	first := pictureNALs[0].Data

	if p.pendingFormat != nil {
		// A sequence change flushes the reference window: predictions never
		// cross a sequence boundary.
		p.evictAllRefs(ctx)
		if _, err := p.cfg.Handler.StartVideoSequence(ctx, p.pendingFormat); err != nil {
			return err
		}
		p.activeFormat = *p.pendingFormat
		p.pendingFormat = nil
		p.sequenceStarted = true
	}
	if !p.sequenceStarted {
		return videoerr.ParseError{
			Offset: p.bytesParsed,
			Err:    fmt.Errorf("a coded picture appeared before any sequence header"),
		}
	}

	isIntra := p.codec.isIRAP(first)
	if isIntra {
		p.evictAllRefs(ctx)
	}

	handle, err := p.cfg.FrameBuffer.ReservePictureBuffer(ctx)
	if err != nil {
		// PoolExhausted propagates untouched so the caller can apply
		// backpressure and retry this very packet.
		return err
	}

	isReference := p.codec.isReference(first)
	pic := &PictureParams{
		Picture:        handle,
		BitstreamData:  pkt.Payload,
		IsIntra:        isIntra,
		IsReference:    isReference,
		ReferenceSlots: p.referenceSlots(),
		SpsID:          p.lastSpsID,
		PpsID:          p.lastPpsID,
		VpsID:          p.lastVpsID,
		DisplayWidth:   p.activeFormat.DisplayExtent.Width,
		DisplayHeight:  p.activeFormat.DisplayExtent.Height,
		Timestamp:      pkt.Timestamp,
		FrameType:      p.frameType(isIntra, isReference),
	}

	if err := p.cfg.Handler.DecodePictureWithParameters(ctx, pic); err != nil {
		_ = p.cfg.FrameBuffer.DecodeDone(ctx, handle)
		return err
	}

	if isReference {
		p.refWindow = append(p.refWindow, handle)
		for len(p.refWindow) > p.maxRefs {
			evicted := p.refWindow[0]
			p.refWindow = p.refWindow[1:]
			_ = p.cfg.FrameBuffer.DecodeDone(ctx, evicted)
		}
	} else {
		_ = p.cfg.FrameBuffer.DecodeDone(ctx, handle)
	}
	return nil
}

func (p *AnnexBParser) referenceSlots() []int32 {
	if len(p.refWindow) == 0 {
		return nil
	}
	slots := make([]int32, 0, len(p.refWindow))
	for _, h := range p.refWindow {
		slots = append(slots, h.PictureIndex)
	}
	return slots
}

func (p *AnnexBParser) frameType(isIntra, isReference bool) string {
	switch {
	case isIntra:
		return "I"
	case isReference:
		return "P"
	default:
		return "B"
	}
}

func (p *AnnexBParser) evictAllRefs(ctx context.Context) {
	for _, h := range p.refWindow {
		_ = p.cfg.FrameBuffer.DecodeDone(ctx, h)
	}
	p.refWindow = nil
}

// flush ends the stream: the reference window is drained so the display
// queue's references are the only ones left.
func (p *AnnexBParser) flush(ctx context.Context) error {
	logger.Debugf(ctx, "flushing the parser")
	p.evictAllRefs(ctx)
	return nil
}

// BytesParsed returns the total payload bytes consumed.
func (p *AnnexBParser) BytesParsed() uint64 {
	return p.bytesParsed
}
