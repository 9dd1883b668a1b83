// slot.go defines the per-picture slot of the DPB/output image pool.

package framebuffer

import (
	"context"

	"github.com/xaionaro-go/vkvideopipe/vkdev"
)

type imageRole int

const (
	imageRoleDPB imageRole = iota
	imageRoleOutput
	imageRoleLinear
	imageRoleCount
)

func (r imageRole) String() string {
	switch r {
	case imageRoleDPB:
		return "dpb"
	case imageRoleOutput:
		return "output"
	case imageRoleLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// slotImage is one image role's storage within a slot. For image-array
// configurations the image handle is shared between slots and owned by the
// pool; the view is always per-slot.
type slotImage struct {
	image    vkdev.Image
	view     vkdev.ImageView
	layout   vkdev.ImageLayout
	shared   bool
	recreate bool
}

func (si *slotImage) destroy(dev vkdev.Device) {
	if !si.view.IsNull() {
		dev.DestroyImageView(si.view)
		si.view = 0
	}
	if !si.image.IsNull() && !si.shared {
		dev.DestroyImage(si.image)
	}
	si.image = 0
	si.layout = vkdev.ImageLayoutUndefined
	si.recreate = false
}

// Releaser is anything a slot holds onto until the picture leaves the pool,
// typically a pooled bitstream buffer.
type Releaser interface {
	Release(ctx context.Context)
}

// ReferencedObjects names the bitstream and parameter-set objects a queued
// picture depends on. The slot keeps them reachable until the picture is
// released, which is what keeps the driver-side objects alive for the
// duration of the asynchronous decode.
type ReferencedObjects struct {
	BitstreamData Releaser
	StdSPS        any
	StdPPS        any
	StdVPS        any
}

// DecodePictureInfo is the parser-supplied metadata recorded per picture.
type DecodePictureInfo struct {
	DisplayWidth  uint32
	DisplayHeight uint32
	Timestamp     int64
	FrameType     string
}

type slot struct {
	refCount   int32
	generation uint32

	images [imageRoleCount]slotImage

	frameCompleteFence     vkdev.Fence
	frameCompleteSemaphore vkdev.Semaphore
	consumerDoneFence      vkdev.Fence
	consumerDoneSemaphore  vkdev.Semaphore

	hasFrameCompleteSignalFence     bool
	hasFrameCompleteSignalSemaphore bool
	hasConsumerSignalFence          bool
	hasConsumerSignalSemaphore      bool

	inDecodeQueue  bool
	inDisplayQueue bool
	ownedByDisplay bool
	// retire is set when the slot left the configured pool while a picture
	// was still in flight; its resources are destroyed on the last release.
	retire bool

	picInfo      DecodePictureInfo
	heldRefs     ReferencedObjects
	decodeOrder  uint64
	displayOrder uint64
	timestamp    int64
}

func (s *slot) isAvailable() bool {
	return s.refCount == 0
}

// reset prepares the slot for a new picture. Images, sync objects and the
// consumer-signal flags survive: they describe the physical resources, not
// the picture.
func (s *slot) reset() {
	s.generation++
	s.inDecodeQueue = false
	s.inDisplayQueue = false
	s.ownedByDisplay = false
	s.hasFrameCompleteSignalFence = false
	s.hasFrameCompleteSignalSemaphore = false
	s.picInfo = DecodePictureInfo{}
	s.heldRefs = ReferencedObjects{}
	s.decodeOrder = 0
	s.displayOrder = 0
	s.timestamp = 0
}

func (s *slot) dropHeldRefs(ctx context.Context) {
	if s.heldRefs.BitstreamData != nil {
		s.heldRefs.BitstreamData.Release(ctx)
	}
	s.heldRefs = ReferencedObjects{}
}

func (s *slot) destroySyncObjects(dev vkdev.Device) {
	if !s.frameCompleteFence.IsNull() {
		dev.DestroyFence(s.frameCompleteFence)
		s.frameCompleteFence = 0
	}
	if !s.consumerDoneFence.IsNull() {
		dev.DestroyFence(s.consumerDoneFence)
		s.consumerDoneFence = 0
	}
	if !s.frameCompleteSemaphore.IsNull() {
		dev.DestroySemaphore(s.frameCompleteSemaphore)
		s.frameCompleteSemaphore = 0
	}
	if !s.consumerDoneSemaphore.IsNull() {
		dev.DestroySemaphore(s.consumerDoneSemaphore)
		s.consumerDoneSemaphore = 0
	}
}
