// queue.go implements the decode-queue and display-queue operations of the
// frame buffer.

package framebuffer

import (
	"context"

	"github.com/xaionaro-go/vkvideopipe/frame"
	"github.com/xaionaro-go/vkvideopipe/internal"
	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
	"github.com/xaionaro-go/xsync"
)

// QueuePictureForDecode records the picture's metadata and dependency
// references, assigns the next decode-order number and fills syncInfo with
// the slot's completion primitives. It must be called before the GPU
// submission that decodes into this slot.
//
// The caller exclusively owns the slot between ReservePictureBuffer and this
// call through the reference it holds; no additional locking spans the two
// operations.
func (fb *FrameBuffer) QueuePictureForDecode(
	ctx context.Context,
	h Handle,
	picInfo *DecodePictureInfo,
	refs *ReferencedObjects,
	syncInfo *SyncInfo,
) (_err error) {
	logger.Tracef(ctx, "QueuePictureForDecode(%d)", h.PictureIndex)
	defer func() { logger.Tracef(ctx, "/QueuePictureForDecode(%d): %v", h.PictureIndex, _err) }()

	return xsync.DoR1(ctx, &fb.locker, func() error {
		s, err := fb.slotByHandle(h)
		if err != nil {
			return err
		}

		s.picInfo = *picInfo
		if refs != nil {
			s.heldRefs = *refs
		}
		s.decodeOrder = fb.decodeOrderNext
		fb.decodeOrderNext++
		s.inDecodeQueue = true

		if syncInfo.WantFrameCompleteFence {
			syncInfo.FrameCompleteFence = s.frameCompleteFence
			s.hasFrameCompleteSignalFence = !s.frameCompleteFence.IsNull()
		}
		if syncInfo.WantFrameCompleteSemaphore {
			syncInfo.FrameCompleteSemaphore = s.frameCompleteSemaphore
			s.hasFrameCompleteSignalSemaphore = !s.frameCompleteSemaphore.IsNull()
		}

		// Hand out the consumer-done primitives exactly once: only if the
		// previous consumer reported signaling them does the new decode need
		// to wait.
		if s.hasConsumerSignalFence {
			syncInfo.FrameConsumerDoneFence = s.consumerDoneFence
			s.hasConsumerSignalFence = false
		}
		if s.hasConsumerSignalSemaphore {
			syncInfo.FrameConsumerDoneSemaphore = s.consumerDoneSemaphore
			s.hasConsumerSignalSemaphore = false
		}

		syncInfo.QueryPool = fb.queryPool
		syncInfo.StartQueryID = uint32(h.PictureIndex)
		syncInfo.NumQueries = 1
		return nil
	})
}

// QueueDecodedPictureForDisplay pushes the picture onto the display FIFO.
// The display queue takes its own reference, distinct from the decode
// queue's, so the slot stays unavailable until both let go.
func (fb *FrameBuffer) QueueDecodedPictureForDisplay(
	ctx context.Context,
	h Handle,
	dispInfo *frame.DisplayPictureInfo,
) (_err error) {
	logger.Tracef(ctx, "QueueDecodedPictureForDisplay(%d)", h.PictureIndex)
	defer func() { logger.Tracef(ctx, "/QueueDecodedPictureForDisplay(%d): %v", h.PictureIndex, _err) }()

	return xsync.DoR1(ctx, &fb.locker, func() error {
		s, err := fb.slotByHandle(h)
		if err != nil {
			return err
		}
		s.displayOrder = fb.displayOrderNext
		fb.displayOrderNext++
		s.timestamp = dispInfo.Timestamp
		s.inDisplayQueue = true
		s.refCount++
		fb.displayFIFO = append(fb.displayFIFO, h.PictureIndex)
		return nil
	})
}

// DecodeDone marks the decode-queue reference released for the slot: the GPU
// submission completed (or will complete, tracked by the frame-complete
// fence) and the decoder no longer addresses the slot as the current decode
// target. Reference pictures stay alive through the display reference and
// future decode submissions resolve them by index.
func (fb *FrameBuffer) DecodeDone(
	ctx context.Context,
	h Handle,
) error {
	return xsync.DoR1(ctx, &fb.locker, func() error {
		s, err := fb.slotByHandle(h)
		if err != nil {
			return err
		}
		if !s.inDecodeQueue {
			return nil
		}
		s.inDecodeQueue = false
		fb.releaseSlotRef(ctx, s)
		return nil
	})
}

// releaseSlotRef drops one reference. When it was the last one the slot's
// transient state is finalized in one place: held objects (the pooled
// bitstream buffer among them) are released even if the picture never made
// it to the display queue, unconsumed completion flags are cleared, and a
// slot that left the configured pool is retired.
func (fb *FrameBuffer) releaseSlotRef(ctx context.Context, s *slot) {
	s.refCount--
	internal.Assert(ctx, s.refCount >= 0, "refCount", s.refCount)
	if s.refCount > 0 {
		return
	}
	s.dropHeldRefs(ctx)
	s.hasFrameCompleteSignalFence = false
	s.hasFrameCompleteSignalSemaphore = false
	if s.retire {
		fb.retireSlot(s)
	}
}

// DequeueDecodedPicture pops the oldest picture from the display FIFO into
// dst and returns how many pictures were pending (including the popped one).
// Zero means nothing was ready, which is not an error.
func (fb *FrameBuffer) DequeueDecodedPicture(
	ctx context.Context,
	dst *frame.DecodedFrame,
) (int, error) {
	return xsync.DoR2(ctx, &fb.locker, func() (int, error) {
		dst.Reset()
		if len(fb.displayFIFO) == 0 {
			return 0, nil
		}

		pending := len(fb.displayFIFO)
		picID := fb.displayFIFO[0]
		fb.displayFIFO = fb.displayFIFO[1:]

		s, err := fb.slotByIndex(picID)
		if err != nil {
			return 0, err
		}
		if fb.ownedByDispMask&(1<<uint32(picID)) != 0 {
			return 0, videoerr.InvalidPictureIndex{PictureIndex: int(picID), PoolSize: len(fb.slots)}
		}
		fb.ownedByDispMask |= 1 << uint32(picID)
		s.inDisplayQueue = false
		s.ownedByDisplay = true

		dst.PictureIndex = picID
		dst.DisplayWidth = s.picInfo.DisplayWidth
		dst.DisplayHeight = s.picInfo.DisplayHeight
		dst.OutputImageView = fb.outputViewOf(s)

		if s.hasFrameCompleteSignalFence {
			dst.FrameCompleteFence = s.frameCompleteFence
			s.hasFrameCompleteSignalFence = false
		}
		if s.hasFrameCompleteSignalSemaphore {
			dst.FrameCompleteSemaphore = s.frameCompleteSemaphore
			s.hasFrameCompleteSignalSemaphore = false
		}
		dst.FrameConsumerDoneFence = s.consumerDoneFence
		dst.FrameConsumerDoneSemaphore = s.consumerDoneSemaphore

		dst.Timestamp = s.timestamp
		dst.DecodeOrder = s.decodeOrder
		dst.DisplayOrder = s.displayOrder

		dst.QueryPool = fb.queryPool
		dst.StartQueryID = uint32(picID)
		dst.NumQueries = 1

		logger.Tracef(ctx, "dequeued picture %d (%d more pending)", picID, pending-1)
		return pending, nil
	})
}

func (fb *FrameBuffer) outputViewOf(s *slot) vkdev.ImageView {
	if fb.specs[imageRoleOutput].enabled {
		return s.images[imageRoleOutput].view
	}
	return s.images[imageRoleDPB].view
}

// ReleaseDisplayedPicture gives the consumer's references back to the pool.
// A release whose order counters do not match the slot's recorded ones is
// rejected with a StaleRelease error and the slot is left untouched.
func (fb *FrameBuffer) ReleaseDisplayedPicture(
	ctx context.Context,
	releases ...frame.Release,
) (_err error) {
	logger.Tracef(ctx, "ReleaseDisplayedPicture(%d releases)", len(releases))
	defer func() { logger.Tracef(ctx, "/ReleaseDisplayedPicture: %v", _err) }()

	return xsync.DoR1(ctx, &fb.locker, func() error {
		for _, release := range releases {
			if err := fb.releaseOne(ctx, release); err != nil {
				return err
			}
		}
		return nil
	})
}

func (fb *FrameBuffer) releaseOne(ctx context.Context, release frame.Release) error {
	s, err := fb.slotByIndex(release.PictureIndex)
	if err != nil {
		return err
	}
	if !s.ownedByDisplay {
		return videoerr.InvalidPictureIndex{PictureIndex: int(release.PictureIndex), PoolSize: len(fb.slots)}
	}
	if s.decodeOrder != release.DecodeOrder || s.displayOrder != release.DisplayOrder {
		return videoerr.StaleRelease{
			PictureIndex:         int(release.PictureIndex),
			ExpectedDecodeOrder:  s.decodeOrder,
			ReportedDecodeOrder:  release.DecodeOrder,
			ExpectedDisplayOrder: s.displayOrder,
			ReportedDisplayOrder: release.DisplayOrder,
		}
	}

	fb.ownedByDispMask &^= 1 << uint32(release.PictureIndex)
	s.ownedByDisplay = false
	s.dropHeldRefs(ctx)

	// Remember what the consumer signaled: the next decode into this slot
	// must wait on exactly those primitives. Recorded before the reference
	// drop so that a retiring slot clears them along with its resources.
	s.hasConsumerSignalFence = release.HasConsumerSignalFence
	s.hasConsumerSignalSemaphore = release.HasConsumerSignalSemaphore
	fb.releaseSlotRef(ctx, s)
	return nil
}

// SetPicNumInDecodeOrder overrides the slot's decode-order counter and
// returns the previous value. Diagnostics only.
func (fb *FrameBuffer) SetPicNumInDecodeOrder(
	ctx context.Context,
	picID int32,
	decodeOrder uint64,
) (uint64, error) {
	return xsync.DoR2(ctx, &fb.locker, func() (uint64, error) {
		s, err := fb.slotByIndex(picID)
		if err != nil {
			return 0, err
		}
		old := s.decodeOrder
		s.decodeOrder = decodeOrder
		return old, nil
	})
}

// SetPicNumInDisplayOrder overrides the slot's display-order counter and
// returns the previous value. Diagnostics only.
func (fb *FrameBuffer) SetPicNumInDisplayOrder(
	ctx context.Context,
	picID int32,
	displayOrder uint64,
) (uint64, error) {
	return xsync.DoR2(ctx, &fb.locker, func() (uint64, error) {
		s, err := fb.slotByIndex(picID)
		if err != nil {
			return 0, err
		}
		old := s.displayOrder
		s.displayOrder = displayOrder
		return old, nil
	})
}

// ReleaseImageResources destroys the images of the given slots; used when a
// new sequence shrinks its image requirements.
func (fb *FrameBuffer) ReleaseImageResources(
	ctx context.Context,
	picIDs ...int32,
) error {
	return xsync.DoR1(ctx, &fb.locker, func() error {
		for _, picID := range picIDs {
			s, err := fb.slotByIndex(picID)
			if err != nil {
				return err
			}
			for role := imageRole(0); role < imageRoleCount; role++ {
				s.images[role].destroy(fb.dev)
			}
		}
		return nil
	})
}
