package demuxer

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/parser"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
)

// FFmpegDemuxer reads any container FFmpeg understands and outputs
// Annex-B access units of the best video stream. MP4-family inputs are
// converted through the respective *_mp4toannexb bitstream filter.
type FFmpegDemuxer struct {
	url   string
	codec parser.Codec

	formatContext *astiav.FormatContext
	streamIndex   int
	timeBase      astiav.Rational

	bsf    *astiav.BitStreamFilterContext
	pkt    *astiav.Packet
	bsfPkt *astiav.Packet

	// bsfQueue holds filtered packets not yet handed out; the filter may
	// produce several per input packet.
	bsfQueue [][]byte
	bsfTS    []int64
}

var _ Demuxer = (*FFmpegDemuxer)(nil)

func NewFFmpeg(
	ctx context.Context,
	url string,
) (_ *FFmpegDemuxer, _err error) {
	logger.Debugf(ctx, "NewFFmpeg(%s)", url)
	defer func() { logger.Debugf(ctx, "/NewFFmpeg(%s): %v", url, _err) }()

	if url == "" {
		return nil, fmt.Errorf("the provided URL is empty")
	}
	d := &FFmpegDemuxer{
		url:    url,
		pkt:    astiav.AllocPacket(),
		bsfPkt: astiav.AllocPacket(),
	}
	if err := d.open(ctx); err != nil {
		d.pkt.Free()
		d.bsfPkt.Free()
		return nil, err
	}
	return d, nil
}

func (d *FFmpegDemuxer) open(ctx context.Context) error {
	d.formatContext = astiav.AllocFormatContext()
	if d.formatContext == nil {
		return fmt.Errorf("unable to allocate a format context")
	}
	if err := d.formatContext.OpenInput(d.url, nil, nil); err != nil {
		d.formatContext.Free()
		d.formatContext = nil
		return videoerr.DemuxError{Err: fmt.Errorf("unable to open input by URL '%s': %w", d.url, err)}
	}
	if err := d.formatContext.FindStreamInfo(nil); err != nil {
		d.closeInput()
		return videoerr.DemuxError{Err: fmt.Errorf("unable to get stream info: %w", err)}
	}

	d.streamIndex = -1
	var stream *astiav.Stream
	for _, s := range d.formatContext.Streams() {
		params := s.CodecParameters()
		if params.MediaType() != astiav.MediaTypeVideo {
			continue
		}
		var codec parser.Codec
		switch params.CodecID() {
		case astiav.CodecIDH264:
			codec = parser.CodecH264
		case astiav.CodecIDHevc:
			codec = parser.CodecH265
		default:
			logger.Debugf(ctx, "skipping video stream #%d: unsupported codec %s",
				s.Index(), params.CodecID())
			continue
		}
		d.streamIndex = s.Index()
		d.codec = codec
		d.timeBase = s.TimeBase()
		stream = s
		break
	}
	if d.streamIndex < 0 {
		d.closeInput()
		return videoerr.DemuxError{Err: fmt.Errorf("no decodable video stream in '%s'", d.url)}
	}
	logger.Debugf(ctx, "video stream #%d: %s, extradata: %d bytes",
		d.streamIndex, d.codec, len(stream.CodecParameters().ExtraData()))

	// Out-of-band headers mean length-prefixed NAL units; run them through
	// the Annex-B conversion filter.
	if len(stream.CodecParameters().ExtraData()) > 0 {
		if err := d.initBSF(ctx, stream); err != nil {
			d.closeInput()
			return err
		}
	}
	return nil
}

func (d *FFmpegDemuxer) initBSF(ctx context.Context, stream *astiav.Stream) error {
	name := "h264_mp4toannexb"
	if d.codec == parser.CodecH265 {
		name = "hevc_mp4toannexb"
	}
	bsf := astiav.FindBitStreamFilterByName(name)
	if bsf == nil {
		return fmt.Errorf("unable to find a bitstream filter '%s'", name)
	}
	bsfCtx, err := astiav.AllocBitStreamFilterContext(bsf)
	if err != nil {
		return fmt.Errorf("unable to allocate a BitStreamFilter context: %w", err)
	}
	if err := stream.CodecParameters().Copy(bsfCtx.InputCodecParameters()); err != nil {
		bsfCtx.Free()
		return fmt.Errorf("unable to copy codec parameters: %w", err)
	}
	bsfCtx.SetInputTimeBase(stream.TimeBase())
	if err := bsfCtx.Initialize(); err != nil {
		bsfCtx.Free()
		return fmt.Errorf("unable to initialize the bitstream filter: %w", err)
	}
	logger.Debugf(ctx, "using bitstream filter '%s'", name)
	d.bsf = bsfCtx
	return nil
}

func (d *FFmpegDemuxer) Codec() parser.Codec {
	return d.codec
}

func (d *FFmpegDemuxer) ReadAccessUnit(
	ctx context.Context,
) (_ *parser.SourcePacket, _err error) {
	logger.Tracef(ctx, "ReadAccessUnit")
	defer func() { logger.Tracef(ctx, "/ReadAccessUnit: %v", _err) }()

	for {
		if len(d.bsfQueue) > 0 {
			payload, ts := d.bsfQueue[0], d.bsfTS[0]
			d.bsfQueue, d.bsfTS = d.bsfQueue[1:], d.bsfTS[1:]
			return &parser.SourcePacket{Payload: payload, Timestamp: ts}, nil
		}

		err := d.formatContext.ReadFrame(d.pkt)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEof), errors.Is(err, astiav.ErrEio):
			return &parser.SourcePacket{EndOfStream: true}, nil
		default:
			return nil, videoerr.DemuxError{Err: fmt.Errorf("unable to read a frame: %w", err)}
		}
		if d.pkt.StreamIndex() != d.streamIndex {
			d.pkt.Unref()
			continue
		}

		if d.bsf == nil {
			payload := append([]byte(nil), d.pkt.Data()...)
			ts := d.pkt.Pts()
			d.pkt.Unref()
			return &parser.SourcePacket{Payload: payload, Timestamp: ts}, nil
		}

		if err := d.filterPacket(ctx); err != nil {
			return nil, err
		}
	}
}

func (d *FFmpegDemuxer) filterPacket(ctx context.Context) error {
	err := d.bsf.SendPacket(d.pkt)
	d.pkt.Unref()
	if err != nil {
		return videoerr.DemuxError{Err: fmt.Errorf("unable to send the packet to the filter: %w", err)}
	}
	for {
		err := d.bsf.ReceivePacket(d.bsfPkt)
		if err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
				return nil
			}
			return videoerr.DemuxError{Err: fmt.Errorf("unable to receive the packet from the filter: %w", err)}
		}
		d.bsfQueue = append(d.bsfQueue, append([]byte(nil), d.bsfPkt.Data()...))
		d.bsfTS = append(d.bsfTS, d.bsfPkt.Pts())
		d.bsfPkt.Unref()
	}
}

// Rewind reopens the input. Reopening resets the bitstream filter's state
// too, which a plain seek would not.
func (d *FFmpegDemuxer) Rewind(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Rewind")
	defer func() { logger.Debugf(ctx, "/Rewind: %v", _err) }()
	d.closeInput()
	d.bsfQueue, d.bsfTS = nil, nil
	return d.open(ctx)
}

func (d *FFmpegDemuxer) closeInput() {
	if d.bsf != nil {
		d.bsf.Free()
		d.bsf = nil
	}
	if d.formatContext != nil {
		d.formatContext.CloseInput()
		d.formatContext.Free()
		d.formatContext = nil
	}
}

func (d *FFmpegDemuxer) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.closeInput()
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.bsfPkt != nil {
		d.bsfPkt.Free()
		d.bsfPkt = nil
	}
	return nil
}
