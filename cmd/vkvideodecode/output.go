// output.go writes decoded frames out: a raw planar dump and/or a per-frame
// CRC32 line, read back through the pool's host-visible linear images.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"github.com/xaionaro-go/vkvideopipe/frame"
	"github.com/xaionaro-go/vkvideopipe/framebuffer"
	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
)

const (
	frameCompleteWaitTimeout = 100 * time.Millisecond
	frameCompleteWaitRetries = 5
)

type frameWriter struct {
	dev vkdev.Device
	fb  *framebuffer.FrameBuffer

	rawFile *os.File
	rawBuf  *bufio.Writer
	crcBuf  *bufio.Writer

	framesWritten uint64
	bytesWritten  uint64
}

func newFrameWriter(
	ctx context.Context,
	dev vkdev.Device,
	fb *framebuffer.FrameBuffer,
	rawPath string,
	crcEnabled bool,
) (*frameWriter, error) {
	w := &frameWriter{dev: dev, fb: fb}
	if rawPath != "" {
		f, err := os.Create(rawPath)
		if err != nil {
			return nil, fmt.Errorf("unable to create '%s': %w", rawPath, err)
		}
		w.rawFile = f
		w.rawBuf = bufio.NewWriter(f)
	}
	if crcEnabled {
		w.crcBuf = bufio.NewWriter(os.Stdout)
	}
	return w, nil
}

// writeFrame reads the frame back and appends it to the configured outputs.
// The decode may still be in flight; the frame-complete fence is polled a
// bounded number of times before giving up.
func (w *frameWriter) writeFrame(
	ctx context.Context,
	f *frame.DecodedFrame,
) (_err error) {
	logger.Tracef(ctx, "writeFrame(%d)", f.PictureIndex)
	defer func() { logger.Tracef(ctx, "/writeFrame(%d): %v", f.PictureIndex, _err) }()

	if !f.FrameCompleteFence.IsNull() {
		if err := w.waitDecoded(ctx, f.FrameCompleteFence); err != nil {
			return err
		}
	}

	img, err := w.fb.AcquireLinearImage(ctx, f.PictureIndex)
	if err != nil {
		return err
	}
	data, err := w.dev.ReadLinearImage(ctx, img)
	if err != nil {
		return fmt.Errorf("unable to read back picture %d: %w", f.PictureIndex, err)
	}

	if w.rawBuf != nil {
		if _, err := w.rawBuf.Write(data); err != nil {
			return fmt.Errorf("unable to write the frame: %w", err)
		}
		w.bytesWritten += uint64(len(data))
	}
	if w.crcBuf != nil {
		crc := crc32.ChecksumIEEE(data)
		if _, err := fmt.Fprintf(w.crcBuf, "frame %d, %dx%d, crc 0x%08X\n",
			w.framesWritten, f.DisplayWidth, f.DisplayHeight, crc); err != nil {
			return fmt.Errorf("unable to write the CRC line: %w", err)
		}
	}
	w.framesWritten++
	return nil
}

func (w *frameWriter) waitDecoded(ctx context.Context, fence vkdev.Fence) error {
	var lastErr error
	for i := 0; i < frameCompleteWaitRetries; i++ {
		err := w.dev.WaitForFence(ctx, fence, frameCompleteWaitTimeout)
		if err == nil {
			return nil
		}
		var timeout videoerr.GpuSyncTimeout
		if !errors.As(err, &timeout) {
			return err
		}
		logger.Warnf(ctx, "the frame-complete fence is not signaled yet (attempt %d/%d)",
			i+1, frameCompleteWaitRetries)
		lastErr = err
	}
	return lastErr
}

func (w *frameWriter) close() {
	if w.rawBuf != nil {
		w.rawBuf.Flush()
	}
	if w.rawFile != nil {
		w.rawFile.Close()
	}
	if w.crcBuf != nil {
		w.crcBuf.Flush()
	}
}
