package vkdev

import (
	"fmt"
)

type Extent2D struct {
	Width  uint32
	Height uint32
}

func (e Extent2D) String() string {
	return fmt.Sprintf("%dx%d", e.Width, e.Height)
}

// FitsWithin reports whether the extent does not exceed `other` in either
// dimension.
func (e Extent2D) FitsWithin(other Extent2D) bool {
	return e.Width <= other.Width && e.Height <= other.Height
}

type CodecOperation int

const (
	CodecOperationNone CodecOperation = iota
	CodecOperationDecodeH264
	CodecOperationDecodeH265
)

func (op CodecOperation) String() string {
	switch op {
	case CodecOperationDecodeH264:
		return "h264-decode"
	case CodecOperationDecodeH265:
		return "h265-decode"
	default:
		return fmt.Sprintf("unknown-codec-operation-%d", int(op))
	}
}

type Format int

const (
	FormatUndefined Format = iota
	// FormatNV12 is the 8-bit two-plane 4:2:0 YCbCr format.
	FormatNV12
	// FormatP010 is the 10-bit (in 16-bit words) two-plane 4:2:0 format.
	FormatP010
)

func (f Format) String() string {
	switch f {
	case FormatNV12:
		return "nv12"
	case FormatP010:
		return "p010"
	default:
		return "undefined"
	}
}

// BytesPerFrame returns the size of one planar frame of the given extent.
func (f Format) BytesPerFrame(extent Extent2D) uint64 {
	lumaBytes := uint64(extent.Width) * uint64(extent.Height)
	switch f {
	case FormatP010:
		return 2 * (lumaBytes + lumaBytes/2)
	default:
		return lumaBytes + lumaBytes/2
	}
}

type ImageLayout int

const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutGeneral
	ImageLayoutVideoDecodeDPB
	ImageLayoutVideoDecodeDst
	ImageLayoutVideoDecodeSrc
	ImageLayoutTransferSrc
	// ImageLayoutIgnored makes an acquire report the current layout without
	// recording a new one.
	ImageLayoutIgnored ImageLayout = -1
)

func (l ImageLayout) String() string {
	switch l {
	case ImageLayoutUndefined:
		return "undefined"
	case ImageLayoutGeneral:
		return "general"
	case ImageLayoutVideoDecodeDPB:
		return "video-decode-dpb"
	case ImageLayoutVideoDecodeDst:
		return "video-decode-dst"
	case ImageLayoutVideoDecodeSrc:
		return "video-decode-src"
	case ImageLayoutTransferSrc:
		return "transfer-src"
	case ImageLayoutIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("unknown-layout-%d", int(l))
	}
}

type ImageUsage uint32

const (
	ImageUsageVideoDecodeDPB ImageUsage = 1 << iota
	ImageUsageVideoDecodeDst
	ImageUsageTransferSrc
	ImageUsageTransferDst
	ImageUsageSampled
)

// VideoProfile identifies a codec operation together with its chroma and
// bit-depth parameters. Two sessions are interchangeable only for equal
// profiles.
type VideoProfile struct {
	Operation         CodecOperation
	ChromaSubsampling uint16 // 420 is the only value the pipeline produces today
	LumaBitDepth      uint8
	ChromaBitDepth    uint8
}

func (p VideoProfile) String() string {
	return fmt.Sprintf("%s/4:2:%d/%d-bit", p.Operation, p.ChromaSubsampling%10, p.LumaBitDepth)
}

// VideoCapabilities is the driver's answer to a capability query for one
// profile.
type VideoCapabilities struct {
	MinBitstreamBufferOffsetAlignment uint64
	MinBitstreamBufferSizeAlignment   uint64
	MaxDpbSlots                       uint32
	MaxActiveReferencePictures        uint32
	MinCodedExtent                    Extent2D
	MaxCodedExtent                    Extent2D
}

type ImageCreateInfo struct {
	Format           Format
	Extent           Extent2D
	Usage            ImageUsage
	ArrayLayers      uint32
	QueueFamilyIndex uint32
	// HostVisible requests linearly-tiled host-mappable memory for readback.
	HostVisible bool
}

type SessionCreateInfo struct {
	QueueFamilyIndex           uint32
	Profile                    VideoProfile
	PictureFormat              Format
	ReferencePictureFormat     Format
	MaxCodedExtent             Extent2D
	MaxDpbSlots                uint32
	MaxActiveReferencePictures uint32
}

type QueryResultStatus int

const (
	QueryResultStatusNotReady QueryResultStatus = iota
	QueryResultStatusComplete
	QueryResultStatusError
)

// ImageBarrier describes one layout transition the submission performs
// before decoding. Layout bookkeeping lives in the frame buffer; the device
// only executes what it is told.
type ImageBarrier struct {
	Image     Image
	OldLayout ImageLayout
	NewLayout ImageLayout
}

// PictureResource points a decode operation at one picture's image storage.
type PictureResource struct {
	ImageView      ImageView
	CodedOffset    Extent2D
	CodedExtent    Extent2D
	BaseArrayLayer uint32
}

// ReferenceSlot binds a DPB slot index to its picture resource for a decode
// operation.
type ReferenceSlot struct {
	SlotIndex int32
	Resource  PictureResource
}

// DecodeSubmitInfo carries everything one decode submission needs: the
// recorded command buffer contents (begin/decode/end video coding plus the
// barriers) and the synchronization to signal on completion.
type DecodeSubmitInfo struct {
	Session       VideoSession
	Parameters    SessionParameters
	CommandBuffer CommandBuffer

	// ResetCodec requests a video-coding control reset before the decode,
	// required on the first use of a session.
	ResetCodec bool

	Barriers []ImageBarrier

	BitstreamData   []byte
	BitstreamOffset uint64

	SetupSlot      ReferenceSlot
	OutputResource PictureResource
	ReferenceSlots []ReferenceSlot

	QueryPool    QueryPool
	StartQueryID uint32

	SignalFence     Fence
	SignalSemaphore Semaphore

	// Timeline values for hardware load balancing across decode queues.
	// Zero values disable the timeline wait/signal.
	TimelineSemaphore   Semaphore
	TimelineWaitValue   uint64
	TimelineSignalValue uint64
}
