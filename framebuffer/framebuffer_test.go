package framebuffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/vkvideopipe/frame"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
)

func testProfile() vkdev.VideoProfile {
	return vkdev.VideoProfile{
		Operation:         vkdev.CodecOperationDecodeH264,
		ChromaSubsampling: 420,
		LumaBitDepth:      8,
		ChromaBitDepth:    8,
	}
}

func testPoolInfo(numImages int, extent vkdev.Extent2D) *InitImagePoolInfo {
	return &InitImagePoolInfo{
		Profile:        testProfile(),
		NumImages:      numImages,
		DPBFormat:      vkdev.FormatNV12,
		OutputFormat:   vkdev.FormatNV12,
		CodedExtent:    extent,
		MaxImageExtent: extent,
		DPBUsage:       vkdev.ImageUsageVideoDecodeDPB,
		OutputUsage:    vkdev.ImageUsageVideoDecodeDst | vkdev.ImageUsageTransferSrc,
	}
}

func newTestPool(t *testing.T, numImages int) (*FrameBuffer, *vkdev.SoftDevice) {
	ctx := context.Background()
	dev := vkdev.NewSoftDevice(vkdev.SoftDeviceConfig{})
	fb := New(dev)
	extent := vkdev.Extent2D{Width: 320, Height: 240}
	require.NoError(t, fb.InitImagePool(ctx, testPoolInfo(numImages, extent)))
	t.Cleanup(func() { fb.Deinit(ctx) })
	return fb, dev
}

// runPictureCycle pushes one picture through the full slot lifecycle:
// reserve, queue for decode, queue for display, decode done, dequeue,
// release. Returns the dequeued frame.
func runPictureCycle(t *testing.T, fb *FrameBuffer, timestamp int64) frame.DecodedFrame {
	ctx := context.Background()

	h, err := fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)

	var syncInfo SyncInfo
	require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{
		DisplayWidth:  320,
		DisplayHeight: 240,
		Timestamp:     timestamp,
	}, nil, &syncInfo))
	require.NoError(t, fb.QueueDecodedPictureForDisplay(ctx, h, &frame.DisplayPictureInfo{Timestamp: timestamp}))
	require.NoError(t, fb.DecodeDone(ctx, h))

	var dst frame.DecodedFrame
	pending, err := fb.DequeueDecodedPicture(ctx, &dst)
	require.NoError(t, err)
	require.NotZero(t, pending)
	require.Equal(t, h.PictureIndex, dst.PictureIndex)

	require.NoError(t, fb.ReleaseDisplayedPicture(ctx, frame.ReleaseOf(&dst)))
	return dst
}

func TestReserveHandsOutDistinctSlots(t *testing.T) {
	ctx := context.Background()
	fb, _ := newTestPool(t, 4)

	seen := map[int32]bool{}
	for i := 0; i < 4; i++ {
		h, err := fb.ReservePictureBuffer(ctx)
		require.NoError(t, err)
		require.False(t, seen[h.PictureIndex], "slot %d handed out twice", h.PictureIndex)
		seen[h.PictureIndex] = true
	}

	_, err := fb.ReservePictureBuffer(ctx)
	require.ErrorAs(t, err, &videoerr.PoolExhausted{})
	require.Equal(t, videoerr.PoolExhausted{PoolSize: 4}, err)
}

func TestSlotUnavailableUntilBothQueuesLetGo(t *testing.T) {
	ctx := context.Background()
	fb, _ := newTestPool(t, 1)

	h, err := fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)

	var syncInfo SyncInfo
	require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{}, nil, &syncInfo))
	require.NoError(t, fb.QueueDecodedPictureForDisplay(ctx, h, &frame.DisplayPictureInfo{}))

	var dst frame.DecodedFrame
	_, err = fb.DequeueDecodedPicture(ctx, &dst)
	require.NoError(t, err)
	require.NoError(t, fb.ReleaseDisplayedPicture(ctx, frame.ReleaseOf(&dst)))

	// The decode queue still references the slot.
	_, err = fb.ReservePictureBuffer(ctx)
	require.ErrorAs(t, err, &videoerr.PoolExhausted{})

	require.NoError(t, fb.DecodeDone(ctx, h))
	h2, err := fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	require.Equal(t, h.PictureIndex, h2.PictureIndex)
}

func TestOrderCountersAreMonotonic(t *testing.T) {
	fb, _ := newTestPool(t, 4)

	for i := 0; i < 8; i++ {
		dst := runPictureCycle(t, fb, int64(i)*40)
		require.Equal(t, uint64(i), dst.DecodeOrder)
		require.Equal(t, uint64(i), dst.DisplayOrder)
		require.Equal(t, int64(i)*40, dst.Timestamp)
	}
}

func TestSlotCycleReusesPool(t *testing.T) {
	fb, dev := newTestPool(t, 4)

	for i := 0; i < 1000; i++ {
		dst := runPictureCycle(t, fb, int64(i))
		require.Less(t, dst.PictureIndex, int32(4))
	}
	// The images are allocated lazily by acquire, never by the cycle itself.
	require.Zero(t, dev.Counters.ImagesCreated.Load())
}

func TestStaleReleaseLeavesSlotUntouched(t *testing.T) {
	ctx := context.Background()
	fb, _ := newTestPool(t, 2)

	h, err := fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	var syncInfo SyncInfo
	require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{}, nil, &syncInfo))
	require.NoError(t, fb.QueueDecodedPictureForDisplay(ctx, h, &frame.DisplayPictureInfo{}))
	require.NoError(t, fb.DecodeDone(ctx, h))

	var dst frame.DecodedFrame
	_, err = fb.DequeueDecodedPicture(ctx, &dst)
	require.NoError(t, err)

	stale := frame.ReleaseOf(&dst)
	stale.DecodeOrder += 7
	err = fb.ReleaseDisplayedPicture(ctx, stale)
	require.ErrorAs(t, err, &videoerr.StaleRelease{})

	// The failed release must not have dropped the display reference: the
	// correct release still works exactly once.
	require.NoError(t, fb.ReleaseDisplayedPicture(ctx, frame.ReleaseOf(&dst)))
	err = fb.ReleaseDisplayedPicture(ctx, frame.ReleaseOf(&dst))
	require.ErrorAs(t, err, &videoerr.InvalidPictureIndex{})
}

func TestExhaustedPoolFreesAfterRelease(t *testing.T) {
	ctx := context.Background()
	fb, _ := newTestPool(t, 2)

	var frames []frame.DecodedFrame
	for i := 0; i < 2; i++ {
		h, err := fb.ReservePictureBuffer(ctx)
		require.NoError(t, err)
		var syncInfo SyncInfo
		require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{}, nil, &syncInfo))
		require.NoError(t, fb.QueueDecodedPictureForDisplay(ctx, h, &frame.DisplayPictureInfo{}))
		require.NoError(t, fb.DecodeDone(ctx, h))
		var dst frame.DecodedFrame
		_, err = fb.DequeueDecodedPicture(ctx, &dst)
		require.NoError(t, err)
		frames = append(frames, dst)
	}

	// The consumer holds both pictures.
	_, err := fb.ReservePictureBuffer(ctx)
	require.ErrorAs(t, err, &videoerr.PoolExhausted{})

	require.NoError(t, fb.ReleaseDisplayedPicture(ctx, frame.ReleaseOf(&frames[0])))
	h, err := fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	require.Equal(t, frames[0].PictureIndex, h.PictureIndex)
}

func TestDpbLayoutTransitionHappensOnce(t *testing.T) {
	ctx := context.Background()
	fb, _ := newTestPool(t, 2)

	_, infos, err := fb.AcquireDpbImageResources(ctx, []int32{0}, vkdev.ImageLayoutVideoDecodeDPB)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, vkdev.ImageLayoutUndefined, infos[0].CurrentLayout)

	// The slot keeps its DPB layout: re-acquiring must not ask for another
	// transition.
	_, infos, err = fb.AcquireDpbImageResources(ctx, []int32{0}, vkdev.ImageLayoutVideoDecodeDPB)
	require.NoError(t, err)
	require.Equal(t, vkdev.ImageLayoutVideoDecodeDPB, infos[0].CurrentLayout)
}

func TestGrownExtentRecreatesImages(t *testing.T) {
	ctx := context.Background()
	dev := vkdev.NewSoftDevice(vkdev.SoftDeviceConfig{})
	fb := New(dev)
	defer fb.Deinit(ctx)

	info := testPoolInfo(2, vkdev.Extent2D{Width: 320, Height: 240})
	info.UseSeparateOutput = false
	require.NoError(t, fb.InitImagePool(ctx, info))

	_, _, err := fb.AcquireDpbImageResources(ctx, []int32{0, 1}, vkdev.ImageLayoutVideoDecodeDPB)
	require.NoError(t, err)
	require.Equal(t, uint64(2), dev.Counters.ImagesCreated.Load())

	// Slot 0 is in flight when the sequence grows; its image must survive
	// until the picture is gone and only then be recreated.
	h, err := fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(0), h.PictureIndex)
	var syncInfo SyncInfo
	require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{}, nil, &syncInfo))

	grown := testPoolInfo(2, vkdev.Extent2D{Width: 640, Height: 480})
	grown.UseSeparateOutput = false
	require.NoError(t, fb.InitImagePool(ctx, grown))

	// Slot 1 was available: its image is already gone and re-acquire
	// allocates a fresh one.
	_, _, err = fb.AcquireDpbImageResources(ctx, []int32{1}, vkdev.ImageLayoutVideoDecodeDPB)
	require.NoError(t, err)
	require.Equal(t, uint64(3), dev.Counters.ImagesCreated.Load())

	require.NoError(t, fb.DecodeDone(ctx, h))
	_, infos, err := fb.AcquireDpbImageResources(ctx, []int32{0}, vkdev.ImageLayoutVideoDecodeDPB)
	require.NoError(t, err)
	require.Equal(t, uint64(4), dev.Counters.ImagesCreated.Load())
	// A recreated image starts over in UNDEFINED.
	require.Equal(t, vkdev.ImageLayoutUndefined, infos[0].CurrentLayout)
}

func TestSameExtentReinitKeepsImages(t *testing.T) {
	ctx := context.Background()
	dev := vkdev.NewSoftDevice(vkdev.SoftDeviceConfig{})
	fb := New(dev)
	defer fb.Deinit(ctx)

	extent := vkdev.Extent2D{Width: 320, Height: 240}
	info := testPoolInfo(2, extent)
	info.UseSeparateOutput = false
	require.NoError(t, fb.InitImagePool(ctx, info))
	_, _, err := fb.AcquireDpbImageResources(ctx, []int32{0, 1}, vkdev.ImageLayoutVideoDecodeDPB)
	require.NoError(t, err)

	created := dev.Counters.ImagesCreated.Load()
	require.NoError(t, fb.InitImagePool(ctx, info))
	_, _, err = fb.AcquireDpbImageResources(ctx, []int32{0, 1}, vkdev.ImageLayoutIgnored)
	require.NoError(t, err)
	require.Equal(t, created, dev.Counters.ImagesCreated.Load())
}

func TestPoolTooLarge(t *testing.T) {
	ctx := context.Background()
	dev := vkdev.NewSoftDevice(vkdev.SoftDeviceConfig{})
	fb := New(dev)
	err := fb.InitImagePool(ctx, testPoolInfo(MaxImages+1, vkdev.Extent2D{Width: 320, Height: 240}))
	require.ErrorAs(t, err, &videoerr.PoolTooLarge{})
}

func TestConsumerDonePrimitivesHandedOutOnce(t *testing.T) {
	ctx := context.Background()
	fb, _ := newTestPool(t, 1)

	h, err := fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	syncInfo := SyncInfo{WantFrameCompleteFence: true}
	require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{}, nil, &syncInfo))
	require.False(t, syncInfo.FrameCompleteFence.IsNull())
	// No consumer has touched this slot yet.
	require.True(t, syncInfo.FrameConsumerDoneFence.IsNull())
	require.Equal(t, uint32(h.PictureIndex), syncInfo.StartQueryID)
	require.Equal(t, uint32(1), syncInfo.NumQueries)

	require.NoError(t, fb.QueueDecodedPictureForDisplay(ctx, h, &frame.DisplayPictureInfo{}))
	require.NoError(t, fb.DecodeDone(ctx, h))
	var dst frame.DecodedFrame
	_, err = fb.DequeueDecodedPicture(ctx, &dst)
	require.NoError(t, err)
	release := frame.ReleaseOf(&dst)
	release.HasConsumerSignalFence = true
	require.NoError(t, fb.ReleaseDisplayedPicture(ctx, release))

	// The consumer reported signaling its fence: the next decode into the
	// slot gets it exactly once.
	h, err = fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	syncInfo = SyncInfo{}
	require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{}, nil, &syncInfo))
	require.False(t, syncInfo.FrameConsumerDoneFence.IsNull())
	require.NoError(t, fb.DecodeDone(ctx, h))

	h, err = fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	syncInfo = SyncInfo{}
	require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{}, nil, &syncInfo))
	require.True(t, syncInfo.FrameConsumerDoneFence.IsNull())
}

func TestShrunkPoolRetiresSurplusSlots(t *testing.T) {
	ctx := context.Background()
	dev := vkdev.NewSoftDevice(vkdev.SoftDeviceConfig{})
	fb := New(dev)
	defer fb.Deinit(ctx)

	extent := vkdev.Extent2D{Width: 320, Height: 240}
	require.NoError(t, fb.InitImagePool(ctx, testPoolInfo(4, extent)))
	require.Equal(t, 4, fb.Size(ctx))

	var handles []Handle
	for i := 0; i < 4; i++ {
		h, err := fb.ReservePictureBuffer(ctx)
		require.NoError(t, err)
		var syncInfo SyncInfo
		require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{}, nil, &syncInfo))
		handles = append(handles, h)
	}
	// Slots 0..2 finish; slot 3 stays in flight across the reconfiguration.
	for _, h := range handles[:3] {
		require.NoError(t, fb.DecodeDone(ctx, h))
	}

	require.NoError(t, fb.InitImagePool(ctx, testPoolInfo(2, extent)))
	require.Equal(t, 2, fb.Size(ctx))

	for i := int32(0); i < 2; i++ {
		h, err := fb.ReservePictureBuffer(ctx)
		require.NoError(t, err)
		require.Equal(t, i, h.PictureIndex)
	}
	_, err := fb.ReservePictureBuffer(ctx)
	var exhausted videoerr.PoolExhausted
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.PoolSize)

	// The surplus slot retires on its last release; it never becomes
	// reservable against the shrunk configuration.
	require.NoError(t, fb.DecodeDone(ctx, handles[3]))
	_, err = fb.ReservePictureBuffer(ctx)
	require.ErrorAs(t, err, &exhausted)

	// Growing back revives the retired slots, sync objects included.
	require.NoError(t, fb.InitImagePool(ctx, testPoolInfo(4, extent)))
	require.Equal(t, 4, fb.Size(ctx))
	h, err := fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), h.PictureIndex)
	h, err = fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(3), h.PictureIndex)
	syncInfo := SyncInfo{WantFrameCompleteFence: true}
	require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{}, nil, &syncInfo))
	require.False(t, syncInfo.FrameCompleteFence.IsNull())
}

type countingReleaser struct {
	released int
}

func (r *countingReleaser) Release(ctx context.Context) {
	r.released++
}

func TestDecodeDoneWithoutDisplayReleasesHeldObjects(t *testing.T) {
	ctx := context.Background()
	fb, _ := newTestPool(t, 1)

	// A failed submission path: the picture is queued for decode but never
	// reaches the display queue, so DecodeDone drops the last reference.
	h, err := fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	bitstream := &countingReleaser{}
	var syncInfo SyncInfo
	require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{},
		&ReferencedObjects{BitstreamData: bitstream}, &syncInfo))
	require.NoError(t, fb.DecodeDone(ctx, h))
	require.Equal(t, 1, bitstream.released)

	// The slot comes back in a defined state: reservable, fresh completion
	// primitives, no phantom consumer-done wait.
	h, err = fb.ReservePictureBuffer(ctx)
	require.NoError(t, err)
	syncInfo = SyncInfo{WantFrameCompleteFence: true}
	require.NoError(t, fb.QueuePictureForDecode(ctx, h, &DecodePictureInfo{}, nil, &syncInfo))
	require.False(t, syncInfo.FrameCompleteFence.IsNull())
	require.True(t, syncInfo.FrameConsumerDoneFence.IsNull())
	require.NoError(t, fb.DecodeDone(ctx, h))
}
