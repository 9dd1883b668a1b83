// Package videoprocessor glues demuxer, parser, decoder and frame buffer
// into a pull-based frame source: the consumer asks for the next decoded
// frame and the processor demuxes and parses just enough input to produce
// one.
package videoprocessor

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/vkvideopipe/demuxer"
	"github.com/xaionaro-go/vkvideopipe/frame"
	"github.com/xaionaro-go/vkvideopipe/framebuffer"
	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/parser"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type Parser interface {
	ParseVideoData(ctx context.Context, pkt *parser.SourcePacket) (int, error)
}

type Config struct {
	// LoopCount replays the input this many times; 0 and 1 both mean a
	// single pass.
	LoopCount int
	// MaxFrameCount stops the stream after this many output frames; 0 means
	// unlimited.
	MaxFrameCount uint64
}

// Processor is the pull-based frame source.
type Processor struct {
	cfg    Config
	demux  demuxer.Demuxer
	parser Parser
	fb     *framebuffer.FrameBuffer

	locker xsync.Mutex

	// pendingPkt is an access unit the parser refused with PoolExhausted;
	// it is retried before demuxing anything new.
	pendingPkt *parser.SourcePacket

	loopsDone       int
	streamCompleted bool

	framesOut atomic.Uint64
}

func New(
	ctx context.Context,
	demux demuxer.Demuxer,
	prs Parser,
	fb *framebuffer.FrameBuffer,
	cfg Config,
) *Processor {
	if cfg.LoopCount < 1 {
		cfg.LoopCount = 1
	}
	return &Processor{
		cfg:    cfg,
		demux:  demux,
		parser: prs,
		fb:     fb,
	}
}

// GetNextFrame fills `dst` with the next decoded frame in display order.
// ok=false with endOfStream=true means the input (including any replay
// loops) is exhausted and the display FIFO fully drained. A PoolExhausted
// error means the consumer holds all picture slots; release a frame and
// call again, the refused input is kept for retry.
func (p *Processor) GetNextFrame(
	ctx context.Context,
	dst *frame.DecodedFrame,
) (_ok bool, _endOfStream bool, _err error) {
	logger.Tracef(ctx, "GetNextFrame")
	defer func() { logger.Tracef(ctx, "/GetNextFrame: %v %v %v", _ok, _endOfStream, _err) }()

	ctx = xsync.WithNoLogging(ctx, true)
	p.locker.Do(ctx, func() {
		_ok, _endOfStream, _err = p.getNextFrame(ctx, dst)
	})
	return
}

func (p *Processor) getNextFrame(
	ctx context.Context,
	dst *frame.DecodedFrame,
) (bool, bool, error) {
	if p.cfg.MaxFrameCount > 0 && p.framesOut.Load() >= p.cfg.MaxFrameCount {
		logger.Debugf(ctx, "frame cutoff reached (%d)", p.cfg.MaxFrameCount)
		return false, true, nil
	}

	for {
		if _, err := p.fb.DequeueDecodedPicture(ctx, dst); err != nil {
			return false, false, err
		}
		if dst.PictureIndex >= 0 {
			p.framesOut.Add(1)
			return true, false, nil
		}

		if p.streamCompleted {
			return false, true, nil
		}

		pkt := p.pendingPkt
		p.pendingPkt = nil
		if pkt == nil {
			var err error
			pkt, err = p.demux.ReadAccessUnit(ctx)
			if err != nil {
				return false, false, err
			}
		}

		if pkt.EndOfStream {
			if _, err := p.parser.ParseVideoData(ctx, pkt); err != nil {
				return false, false, fmt.Errorf("unable to flush the parser: %w", err)
			}
			p.loopsDone++
			if p.loopsDone < p.cfg.LoopCount {
				logger.Debugf(ctx, "replaying the input (%d/%d)", p.loopsDone+1, p.cfg.LoopCount)
				if err := p.demux.Rewind(ctx); err != nil {
					return false, false, err
				}
			} else {
				p.streamCompleted = true
			}
			continue
		}

		if _, err := p.parser.ParseVideoData(ctx, pkt); err != nil {
			var exhausted videoerr.PoolExhausted
			if errors.As(err, &exhausted) {
				// Every slot is held by the consumer; the input is kept and
				// the caller must release a frame before retrying.
				p.pendingPkt = pkt
				return false, false, err
			}
			return false, false, err
		}
	}
}

// ReleaseDisplayedFrame gives a dequeued frame back to the pool. Safe to
// call with an empty frame.
func (p *Processor) ReleaseDisplayedFrame(
	ctx context.Context,
	f *frame.DecodedFrame,
) error {
	if f.PictureIndex < 0 {
		return nil
	}
	err := p.fb.ReleaseDisplayedPicture(ctx, frame.ReleaseOf(f))
	f.Reset()
	return err
}

// Restart rewinds the input and arms another full playback.
func (p *Processor) Restart(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Restart")
	defer func() { logger.Debugf(ctx, "/Restart: %v", _err) }()

	return xsync.DoR1(ctx, &p.locker, func() error {
		if err := p.demux.Rewind(ctx); err != nil {
			return err
		}
		p.pendingPkt = nil
		p.loopsDone = 0
		p.streamCompleted = false
		return nil
	})
}

// StreamCompleted reports whether the input is exhausted.
func (p *Processor) StreamCompleted(ctx context.Context) bool {
	return xsync.DoR1(ctx, &p.locker, func() bool {
		return p.streamCompleted
	})
}

// FramesDelivered returns the number of frames handed to the consumer.
func (p *Processor) FramesDelivered() uint64 {
	return p.framesOut.Load()
}
