package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/facebookincubator/go-belt"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/vkvideopipe/decoder"
	"github.com/xaionaro-go/vkvideopipe/demuxer"
	"github.com/xaionaro-go/vkvideopipe/frame"
	"github.com/xaionaro-go/vkvideopipe/framebuffer"
	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/parser"
	"github.com/xaionaro-go/vkvideopipe/videoprocessor"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
)

func codecByName(name string) (parser.Codec, error) {
	switch name {
	case "h264", "avc":
		return parser.CodecH264, nil
	case "h265", "hevc":
		return parser.CodecH265, nil
	case "":
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown codec '%s' (expected h264 or h265)", name)
	}
}

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s -i <input-file> [options]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	input := pflag.StringP("input", "i", "", "the input file (container or raw Annex-B)")
	output := pflag.StringP("output", "o", "", "dump decoded frames (raw planar) into this file")
	codecName := pflag.String("codec", "", "codec of a raw input: h264 or h265")
	gpuIndex := pflag.Int("gpu", 0, "index of the GPU to use")
	deviceID := pflag.Int("device-id", -1, "select the GPU by PCI device ID instead of by index")
	queueSize := pflag.Int("queue-size", 0, "number of decode surfaces (0 = negotiated from the stream)")
	loopCount := pflag.Int("loop", 1, "play the input this many times")
	queueID := pflag.Int("queue-id", 0, "index of the video decode queue to submit to")
	noPresent := pflag.Bool("no-present", false, "decode only, do not read frames back")
	enableHwLoadBalancing := pflag.Bool("enable-hw-load-balancing", false, "round-robin submissions over all decode queues")
	maxFrames := pflag.Uint64("max-frames", 0, "stop after this many frames (0 = all)")
	crc := pflag.Bool("crc", false, "print a CRC32 per decoded frame")
	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	pflag.Parse()

	if *input == "" {
		pflag.Usage()
		os.Exit(1)
	}
	codecHint, err := codecByName(*codecName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := withLogger(context.Background(), loggerLevel)
	defer belt.Flush(ctx)
	l := logger.FromCtx(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) {
			l.Error(http.ListenAndServe(*netPprofAddr, nil))
		})
	}

	if err := run(ctx, runConfig{
		Input:                 *input,
		Output:                *output,
		CodecHint:             codecHint,
		GPUIndex:              *gpuIndex,
		DeviceID:              *deviceID,
		QueueSize:             *queueSize,
		LoopCount:             *loopCount,
		QueueID:               *queueID,
		NoPresent:             *noPresent,
		EnableHwLoadBalancing: *enableHwLoadBalancing,
		MaxFrames:             *maxFrames,
		CRC:                   *crc,
	}); err != nil {
		l.Error(err)
		os.Exit(1)
	}
}

type runConfig struct {
	Input                 string
	Output                string
	CodecHint             parser.Codec
	GPUIndex              int
	DeviceID              int
	QueueSize             int
	LoopCount             int
	QueueID               int
	NoPresent             bool
	EnableHwLoadBalancing bool
	MaxFrames             uint64
	CRC                   bool
}

func run(ctx context.Context, cfg runConfig) error {
	logger.Debugf(ctx, "configuration: %s", spew.Sdump(cfg))

	demux, err := demuxer.New(ctx, cfg.Input, cfg.CodecHint)
	if err != nil {
		return err
	}
	defer demux.Close(ctx)

	// TODO: enumerate real GPUs here once a binding with the video decode
	// extensions exists; until then everything runs on the software device.
	if cfg.DeviceID >= 0 || cfg.GPUIndex > 0 {
		logger.Warnf(ctx, "GPU selection is ignored: running on the software device")
	}
	dev := vkdev.NewSoftDevice(vkdev.SoftDeviceConfig{
		DecodeQueueCount: 4,
	})

	fb := framebuffer.New(dev)
	dec, err := decoder.New(ctx, dev, fb, decoder.Config{
		QueueID:               cfg.QueueID,
		EnableHWLoadBalancing: cfg.EnableHwLoadBalancing,
		NumDecodeSurfaces:     cfg.QueueSize,
		UseSeparateOutput:     true,
		UseLinearOutput:       !cfg.NoPresent,
	})
	if err != nil {
		return err
	}
	defer dec.Deinitialize(ctx)

	prs, err := parser.NewAnnexB(ctx, parser.Config{
		Codec:       demux.Codec(),
		Handler:     dec,
		FrameBuffer: fb,
	})
	if err != nil {
		return err
	}

	proc := videoprocessor.New(ctx, demux, prs, fb, videoprocessor.Config{
		LoopCount:     cfg.LoopCount,
		MaxFrameCount: cfg.MaxFrames,
	})

	var writer *frameWriter
	if !cfg.NoPresent && (cfg.Output != "" || cfg.CRC) {
		writer, err = newFrameWriter(ctx, dev, fb, cfg.Output, cfg.CRC)
		if err != nil {
			return err
		}
		defer writer.close()
	}

	var f frame.DecodedFrame
	f.Reset()
	for {
		ok, endOfStream, err := proc.GetNextFrame(ctx, &f)
		if err != nil {
			return err
		}
		if ok {
			if writer != nil {
				if err := writer.writeFrame(ctx, &f); err != nil {
					return err
				}
			}
			if err := proc.ReleaseDisplayedFrame(ctx, &f); err != nil {
				return err
			}
		}
		if endOfStream {
			break
		}
	}

	logger.Infof(ctx, "decoded %d frames (%s of bitstream parsed)",
		proc.FramesDelivered(), humanize.Bytes(prs.BytesParsed()))
	if writer != nil && writer.bytesWritten > 0 {
		logger.Infof(ctx, "wrote %s of raw frames to '%s'",
			humanize.Bytes(writer.bytesWritten), cfg.Output)
	}
	return nil
}
