// Package frame defines the handles exchanged between the frame buffer and
// the consumer of decoded pictures.
package frame

import (
	"github.com/xaionaro-go/vkvideopipe/vkdev"
)

// DecodedFrame describes one decoded picture ready for consumption. It is
// filled in by the frame buffer's DequeueDecodedPicture and must be given
// back through ReleaseDisplayedPicture once the consumer is done with it.
type DecodedFrame struct {
	// PictureIndex is the slot the picture occupies, or -1 when the frame
	// is empty.
	PictureIndex int32

	DisplayWidth  uint32
	DisplayHeight uint32

	// OutputImageView is the image the consumer reads. For a separate-output
	// configuration it differs from the DPB image.
	OutputImageView vkdev.ImageView

	// FrameCompleteFence/Semaphore are signaled by the decode submission.
	// They are handed out at most once per decode; a zero handle means the
	// decode queue did not attach one.
	FrameCompleteFence     vkdev.Fence
	FrameCompleteSemaphore vkdev.Semaphore

	// FrameConsumerDoneFence/Semaphore are for the consumer to signal when
	// it no longer reads the image.
	FrameConsumerDoneFence     vkdev.Fence
	FrameConsumerDoneSemaphore vkdev.Semaphore

	// HasConsumerSignalFence/Semaphore report back (via Release) which of
	// the consumer-done primitives the consumer actually signaled.
	HasConsumerSignalFence     bool
	HasConsumerSignalSemaphore bool

	QueryPool    vkdev.QueryPool
	StartQueryID uint32
	NumQueries   uint32

	Timestamp    int64
	DecodeOrder  uint64
	DisplayOrder uint64
}

// Reset turns the frame back into the empty state.
func (f *DecodedFrame) Reset() {
	*f = DecodedFrame{PictureIndex: -1}
}

// Release is the consumer-to-frame-buffer message acknowledging that a
// previously dequeued picture is no longer in use. The order counters must
// match what the frame buffer recorded for the slot, which protects against
// releasing a slot on behalf of its previous occupant.
type Release struct {
	PictureIndex int32
	DecodeOrder  uint64
	DisplayOrder uint64

	HasConsumerSignalFence     bool
	HasConsumerSignalSemaphore bool
}

// ReleaseOf builds the release record for a dequeued frame.
func ReleaseOf(f *DecodedFrame) Release {
	return Release{
		PictureIndex:               f.PictureIndex,
		DecodeOrder:                f.DecodeOrder,
		DisplayOrder:               f.DisplayOrder,
		HasConsumerSignalFence:     f.HasConsumerSignalFence,
		HasConsumerSignalSemaphore: f.HasConsumerSignalSemaphore,
	}
}

// DisplayPictureInfo accompanies QueueDecodedPictureForDisplay.
type DisplayPictureInfo struct {
	Timestamp int64
}
