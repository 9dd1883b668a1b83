package decoder

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/vkvideopipe/frame"
	"github.com/xaionaro-go/vkvideopipe/framebuffer"
	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/parser"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
	"github.com/xaionaro-go/xsync"
)

// DecodePictureWithParameters records and submits one decode: image
// acquisition, the layout-transition barriers, slot bookkeeping, queue
// selection and the submission itself. Runs on the single parsing
// goroutine.
func (d *Decoder) DecodePictureWithParameters(
	ctx context.Context,
	pic *parser.PictureParams,
) (_err error) {
	logger.Tracef(ctx, "DecodePictureWithParameters(%d)", pic.Picture.PictureIndex)
	defer func() { logger.Tracef(ctx, "/DecodePictureWithParameters(%d): %v", pic.Picture.PictureIndex, _err) }()

	return xsync.DoR1(ctx, &d.locker, func() error {
		return d.decodePicture(ctx, pic)
	})
}

func (d *Decoder) decodePicture(
	ctx context.Context,
	pic *parser.PictureParams,
) error {
	if d.state != stateSequenceActive {
		return fmt.Errorf("no active video sequence (state: %s)", d.state)
	}
	picID := pic.Picture.PictureIndex

	dpbRes, dpbInfo, outRes, outInfo, err := d.fb.AcquireCurrentImageResources(
		ctx, picID, vkdev.ImageLayoutVideoDecodeDPB, vkdev.ImageLayoutVideoDecodeDst,
	)
	if err != nil {
		return err
	}

	refResources, refInfos, err := d.fb.AcquireDpbImageResources(
		ctx, pic.ReferenceSlots, vkdev.ImageLayoutVideoDecodeDPB,
	)
	if err != nil {
		return err
	}

	// One barrier per image whose recorded layout actually changes; for a
	// slot already in DPB layout nothing is emitted, which makes the
	// UNDEFINED→DPB transition a one-time event per slot.
	var barriers []vkdev.ImageBarrier
	appendBarrier := func(info framebuffer.PictureResourceInfo, newLayout vkdev.ImageLayout) {
		if info.Image.IsNull() || info.CurrentLayout == newLayout {
			return
		}
		barriers = append(barriers, vkdev.ImageBarrier{
			Image:     info.Image,
			OldLayout: info.CurrentLayout,
			NewLayout: newLayout,
		})
	}
	appendBarrier(dpbInfo, vkdev.ImageLayoutVideoDecodeDPB)
	appendBarrier(outInfo, vkdev.ImageLayoutVideoDecodeDst)
	for _, info := range refInfos {
		appendBarrier(info, vkdev.ImageLayoutVideoDecodeDPB)
	}

	buf := d.bitstreamPool.Get(pic.BitstreamData)

	syncInfo := framebuffer.SyncInfo{
		WantFrameCompleteFence:     true,
		WantFrameCompleteSemaphore: true,
	}
	if err := d.fb.QueuePictureForDecode(ctx, pic.Picture, &framebuffer.DecodePictureInfo{
		DisplayWidth:  pic.DisplayWidth,
		DisplayHeight: pic.DisplayHeight,
		Timestamp:     pic.Timestamp,
		FrameType:     pic.FrameType,
	}, &framebuffer.ReferencedObjects{
		BitstreamData: buf,
	}, &syncInfo); err != nil {
		buf.Release(ctx)
		return err
	}

	// The previous consumer of this slot may still be reading the image.
	if !syncInfo.FrameConsumerDoneFence.IsNull() {
		if err := d.dev.WaitForFence(ctx, syncInfo.FrameConsumerDoneFence, consumerDoneTimeout); err != nil {
			return videoerr.GpuSyncTimeout{FenceName: "frame-consumer-done", Timeout: consumerDoneTimeout}
		}
	}
	if !syncInfo.FrameCompleteFence.IsNull() {
		if err := d.dev.ResetFence(ctx, syncInfo.FrameCompleteFence); err != nil {
			return fmt.Errorf("unable to reset the frame-complete fence: %w", err)
		}
	}

	referenceSlots := make([]vkdev.ReferenceSlot, 0, len(refResources))
	for i, res := range refResources {
		referenceSlots = append(referenceSlots, vkdev.ReferenceSlot{
			SlotIndex: pic.ReferenceSlots[i],
			Resource:  res,
		})
	}

	outputResource := outRes
	if outputResource.ImageView.IsNull() {
		outputResource = dpbRes
	}

	submitInfo := &vkdev.DecodeSubmitInfo{
		Session:       d.videoSession.Handle(),
		Parameters:    d.parameters.Handle(),
		CommandBuffer: d.cmdBuffers[picID],

		ResetCodec: d.resetCodec,
		Barriers:   barriers,

		BitstreamData: buf.Bytes(),

		SetupSlot: vkdev.ReferenceSlot{
			SlotIndex: picID,
			Resource:  dpbRes,
		},
		OutputResource: outputResource,
		ReferenceSlots: referenceSlots,

		QueryPool:    syncInfo.QueryPool,
		StartQueryID: syncInfo.StartQueryID,

		SignalFence:     syncInfo.FrameCompleteFence,
		SignalSemaphore: syncInfo.FrameCompleteSemaphore,
	}

	queueIndex := d.cfg.QueueID
	if !d.timelineSem.IsNull() {
		// Round-robin over the decode queues; the timeline semaphore makes
		// submission N wait for N-1, preserving decode order across queues.
		submitCount := d.submitCount.Add(1)
		queueIndex = int(submitCount-1) % d.decodeQueueCount
		submitInfo.TimelineSemaphore = d.timelineSem
		submitInfo.TimelineWaitValue = submitCount - 1
		submitInfo.TimelineSignalValue = submitCount
	}

	if err := d.dev.SubmitDecode(ctx, queueIndex, submitInfo); err != nil {
		return fmt.Errorf("unable to submit the decode of picture %d: %w", picID, err)
	}
	d.resetCodec = false
	d.framesSubmitted.Add(1)

	return d.fb.QueueDecodedPictureForDisplay(ctx, pic.Picture, &frame.DisplayPictureInfo{
		Timestamp: pic.Timestamp,
	})
}
