// Package framebuffer implements the reference-counted pool of decoded
// picture buffers shared by the decode queue and the display consumer.
//
// Every slot owns a DPB image (or a layer of a shared image array), an
// optional separate output image, an optional linear readback image, and two
// fence+semaphore pairs: one signaled by the decode submission ("frame
// complete") and one signaled by the consumer ("consumer done"). A slot is
// available for reuse only when its reference count is zero, i.e. neither
// the decode queue nor the display queue holds it.
package framebuffer

import (
	"context"

	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
	"github.com/xaionaro-go/xsync"
)

// MaxImages is the hard pool-size limit. Slots are addressable through a
// 32-bit ownership bitmask.
const MaxImages = 32

// Handle identifies a reserved slot. The generation counter catches
// use-after-release: a handle from a previous occupant of the slot no
// longer matches.
type Handle struct {
	PictureIndex int32
	generation   uint32
}

// SyncInfo is filled by QueuePictureForDecode with the synchronization
// objects the caller must attach to its GPU submission.
type SyncInfo struct {
	// WantFrameCompleteFence/Semaphore select which completion primitives
	// the caller intends to attach.
	WantFrameCompleteFence     bool
	WantFrameCompleteSemaphore bool

	FrameCompleteFence     vkdev.Fence
	FrameCompleteSemaphore vkdev.Semaphore

	// FrameConsumerDoneFence/Semaphore are non-zero only when the previous
	// consumer of this slot signaled them; the caller must then wait on
	// them before overwriting the image.
	FrameConsumerDoneFence     vkdev.Fence
	FrameConsumerDoneSemaphore vkdev.Semaphore

	QueryPool    vkdev.QueryPool
	StartQueryID uint32
	NumQueries   uint32
}

// imageSpec is the pool-wide configuration of one image role.
type imageSpec struct {
	enabled          bool
	format           vkdev.Format
	maxExtent        vkdev.Extent2D
	usage            vkdev.ImageUsage
	queueFamilyIndex uint32
	hostVisible      bool
}

// satisfiedBy reports whether an already-allocated image of the given format
// and allocation extent can serve this spec without recreation.
func (spec *imageSpec) satisfiedBy(format vkdev.Format, allocExtent vkdev.Extent2D) bool {
	return spec.format == format && spec.maxExtent.FitsWithin(allocExtent)
}

// InitImagePoolInfo configures (or reconfigures) the image storage of the
// pool for a video sequence.
type InitImagePoolInfo struct {
	Profile   vkdev.VideoProfile
	NumImages int

	DPBFormat    vkdev.Format
	OutputFormat vkdev.Format
	CodedExtent  vkdev.Extent2D
	// MaxImageExtent is the allocation extent; it may exceed CodedExtent so
	// that in-sequence resolution growth does not require reallocation.
	MaxImageExtent vkdev.Extent2D

	DPBUsage    vkdev.ImageUsage
	OutputUsage vkdev.ImageUsage

	QueueFamilyIndex uint32

	// UseImageArray backs all DPB slots with layers of a single image.
	UseImageArray bool
	// UseSeparateOutput decodes into a DPB image and outputs to a distinct
	// presentable image.
	UseSeparateOutput bool
	// UseLinearOutput additionally maintains a host-visible linearly-tiled
	// image per slot for readback.
	UseLinearOutput bool
}

type FrameBuffer struct {
	dev vkdev.Device

	locker xsync.Mutex
	// slots is the allocated slot storage; numImages is the configured pool
	// size. A shrinking reconfiguration can leave allocated slots beyond
	// numImages until their in-flight pictures release them.
	slots           []*slot
	numImages       int
	displayFIFO     []int32
	queryPool       vkdev.QueryPool
	ownedByDispMask uint32

	decodeOrderNext  uint64
	displayOrderNext uint64

	codedExtent   vkdev.Extent2D
	specs         [imageRoleCount]imageSpec
	dpbImageArray vkdev.Image
}

func New(dev vkdev.Device) *FrameBuffer {
	return &FrameBuffer{
		dev: dev,
	}
}

// InitImagePool (re)configures the slot storage. When called again for a new
// video sequence it drains available display-queue entries and resets the
// ordering counters; slots still referenced by in-flight pictures are marked
// for image recreation instead of being destroyed under the GPU.
func (fb *FrameBuffer) InitImagePool(
	ctx context.Context,
	info *InitImagePoolInfo,
) (_err error) {
	logger.Debugf(ctx, "InitImagePool(%d images, coded: %s, max: %s)", info.NumImages, info.CodedExtent, info.MaxImageExtent)
	defer func() { logger.Debugf(ctx, "/InitImagePool: %v", _err) }()

	if info.NumImages > MaxImages {
		return videoerr.PoolTooLarge{Requested: info.NumImages, Max: MaxImages}
	}
	if info.NumImages <= 0 {
		return xsync.DoA1R1(ctx, &fb.locker, fb.deinitPool, ctx)
	}

	return xsync.DoA2R1(ctx, &fb.locker, fb.initImagePool, ctx, info)
}

func (fb *FrameBuffer) initImagePool(
	ctx context.Context,
	info *InitImagePoolInfo,
) error {
	fb.drainDisplayFIFO(ctx)

	fb.ownedByDispMask = 0
	fb.decodeOrderNext = 0
	fb.displayOrderNext = 0
	fb.codedExtent = info.CodedExtent

	if fb.queryPool.IsNull() {
		// The shared query pool is sized to the maximum once, so growing the
		// slot count later never forces its recreation.
		queryPool, err := fb.dev.CreateQueryPool(ctx, info.Profile, MaxImages)
		if err != nil {
			return videoerr.CapabilityUnsupported{What: "decode-status query pool", Err: err}
		}
		fb.queryPool = queryPool
	}

	newSpecs := [imageRoleCount]imageSpec{
		imageRoleDPB: {
			enabled:          true,
			format:           info.DPBFormat,
			maxExtent:        info.MaxImageExtent,
			usage:            info.DPBUsage,
			queueFamilyIndex: info.QueueFamilyIndex,
		},
		imageRoleOutput: {
			enabled:          info.UseSeparateOutput,
			format:           info.OutputFormat,
			maxExtent:        info.MaxImageExtent,
			usage:            info.OutputUsage,
			queueFamilyIndex: info.QueueFamilyIndex,
		},
		imageRoleLinear: {
			enabled:          info.UseLinearOutput,
			format:           info.OutputFormat,
			maxExtent:        info.MaxImageExtent,
			usage:            vkdev.ImageUsageTransferDst,
			queueFamilyIndex: info.QueueFamilyIndex,
			hostVisible:      true,
		},
	}

	for _, s := range fb.slots {
		for role := imageRole(0); role < imageRoleCount; role++ {
			si := &s.images[role]
			if si.image.IsNull() {
				continue
			}
			if newSpecs[role].enabled &&
				newSpecs[role].satisfiedBy(fb.specs[role].format, fb.specs[role].maxExtent) {
				continue
			}
			if s.isAvailable() {
				si.destroy(fb.dev)
			} else {
				// The image is referenced by an in-flight picture; replace it
				// only once that picture is gone.
				si.recreate = true
			}
		}
	}
	if !fb.dpbImageArray.IsNull() &&
		(!info.UseImageArray || !newSpecs[imageRoleDPB].satisfiedBy(fb.specs[imageRoleDPB].format, fb.specs[imageRoleDPB].maxExtent)) {
		fb.dev.DestroyImage(fb.dpbImageArray)
		fb.dpbImageArray = 0
	}
	fb.specs = newSpecs

	if info.UseImageArray && fb.dpbImageArray.IsNull() {
		image, err := fb.dev.CreateImage(ctx, &vkdev.ImageCreateInfo{
			Format:           info.DPBFormat,
			Extent:           info.MaxImageExtent,
			Usage:            info.DPBUsage,
			ArrayLayers:      uint32(info.NumImages),
			QueueFamilyIndex: info.QueueFamilyIndex,
		})
		if err != nil {
			return err
		}
		fb.dpbImageArray = image
	}

	for len(fb.slots) < info.NumImages {
		s := &slot{}
		if err := fb.createSlotSyncObjects(ctx, s); err != nil {
			return err
		}
		fb.slots = append(fb.slots, s)
	}

	// A shrinking reconfiguration retires the surplus slots; ones still
	// referenced by in-flight pictures are retired on their last release.
	for _, s := range fb.slots[info.NumImages:] {
		if s.isAvailable() {
			fb.retireSlot(s)
		} else {
			s.retire = true
		}
	}
	// A slot retired by an earlier shrink may come back into range; it needs
	// its sync objects back before it can carry a picture again.
	for _, s := range fb.slots[:info.NumImages] {
		s.retire = false
		if s.frameCompleteFence.IsNull() {
			if err := fb.createSlotSyncObjects(ctx, s); err != nil {
				return err
			}
		}
	}
	fb.numImages = info.NumImages

	return nil
}

// retireSlot destroys the resources of a slot that left the configured pool.
// The slot struct itself stays allocated so that stale releases against it
// still validate, and so a later growing reconfiguration can revive it.
func (fb *FrameBuffer) retireSlot(s *slot) {
	for role := imageRole(0); role < imageRoleCount; role++ {
		s.images[role].destroy(fb.dev)
	}
	s.destroySyncObjects(fb.dev)
	s.hasConsumerSignalFence = false
	s.hasConsumerSignalSemaphore = false
	s.retire = false
}

// drainDisplayFIFO releases the display queue's references for entries that
// were never dequeued. Called on pool reconfiguration.
func (fb *FrameBuffer) drainDisplayFIFO(ctx context.Context) {
	for _, picID := range fb.displayFIFO {
		s := fb.slots[picID]
		s.inDisplayQueue = false
		s.dropHeldRefs(ctx)
		fb.releaseSlotRef(ctx, s)
	}
	fb.displayFIFO = fb.displayFIFO[:0]
}

func (fb *FrameBuffer) createSlotSyncObjects(ctx context.Context, s *slot) error {
	var err error
	// The frame-complete fence starts signaled: the first wait on a slot
	// that never decoded must not block.
	if s.frameCompleteFence, err = fb.dev.CreateFence(ctx, true); err != nil {
		return err
	}
	if s.consumerDoneFence, err = fb.dev.CreateFence(ctx, false); err != nil {
		return err
	}
	if s.frameCompleteSemaphore, err = fb.dev.CreateSemaphore(ctx); err != nil {
		return err
	}
	if s.consumerDoneSemaphore, err = fb.dev.CreateSemaphore(ctx); err != nil {
		return err
	}
	return nil
}

func (fb *FrameBuffer) deinitPool(ctx context.Context) error {
	fb.drainDisplayFIFO(ctx)
	for _, s := range fb.slots {
		for role := imageRole(0); role < imageRoleCount; role++ {
			s.images[role].destroy(fb.dev)
		}
		s.destroySyncObjects(fb.dev)
		s.dropHeldRefs(ctx)
	}
	fb.slots = nil
	fb.numImages = 0
	if !fb.dpbImageArray.IsNull() {
		fb.dev.DestroyImage(fb.dpbImageArray)
		fb.dpbImageArray = 0
	}
	return nil
}

// Deinit destroys all pool resources, including the shared query pool.
func (fb *FrameBuffer) Deinit(ctx context.Context) {
	fb.locker.Do(ctx, func() {
		_ = fb.deinitPool(ctx)
		if !fb.queryPool.IsNull() {
			fb.dev.DestroyQueryPool(fb.queryPool)
			fb.queryPool = 0
		}
	})
}

// Size returns the configured number of slots.
func (fb *FrameBuffer) Size(ctx context.Context) int {
	return xsync.DoR1(ctx, &fb.locker, func() int {
		return fb.numImages
	})
}

// ReservePictureBuffer finds the first available slot, takes the decode
// queue's reference on it and returns its handle. The parser is expected to
// bound in-flight pictures to the negotiated DPB size; exhaustion is
// therefore reported as a typed error for the caller to interpret as
// backpressure or as a configuration bug.
func (fb *FrameBuffer) ReservePictureBuffer(ctx context.Context) (Handle, error) {
	return xsync.DoA1R2(ctx, &fb.locker, fb.reservePictureBuffer, ctx)
}

func (fb *FrameBuffer) reservePictureBuffer(ctx context.Context) (Handle, error) {
	for picID, s := range fb.slots[:fb.numImages] {
		if !s.isAvailable() {
			continue
		}
		s.reset()
		s.refCount = 1
		logger.Tracef(ctx, "reserved picture slot %d (generation %d)", picID, s.generation)
		return Handle{PictureIndex: int32(picID), generation: s.generation}, nil
	}
	return Handle{PictureIndex: -1}, videoerr.PoolExhausted{PoolSize: fb.numImages}
}

func (fb *FrameBuffer) slotByIndex(picID int32) (*slot, error) {
	if picID < 0 || int(picID) >= len(fb.slots) {
		return nil, videoerr.InvalidPictureIndex{PictureIndex: int(picID), PoolSize: len(fb.slots)}
	}
	return fb.slots[picID], nil
}

func (fb *FrameBuffer) slotByHandle(h Handle) (*slot, error) {
	s, err := fb.slotByIndex(h.PictureIndex)
	if err != nil {
		return nil, err
	}
	if s.generation != h.generation {
		return nil, videoerr.InvalidPictureIndex{PictureIndex: int(h.PictureIndex), PoolSize: len(fb.slots)}
	}
	return s, nil
}
