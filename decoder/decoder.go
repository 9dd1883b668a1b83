// Package decoder drives the video device: it negotiates capabilities,
// owns the video session and its parameter objects, and turns parsed
// pictures into decode submissions against the frame buffer's slots.
package decoder

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/vkvideopipe/bitstream"
	"github.com/xaionaro-go/vkvideopipe/framebuffer"
	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/parser"
	"github.com/xaionaro-go/vkvideopipe/session"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type state int

const (
	stateUninitialized state = iota
	stateSequenceActive
	stateDeinitialized
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateSequenceActive:
		return "sequence-active"
	case stateDeinitialized:
		return "deinitialized"
	default:
		return fmt.Sprintf("unknown-state-%d", int(s))
	}
}

// extraDecodeSurfaces is added on top of what the stream requires so the
// display consumer can hold a few frames without stalling the decode loop.
const extraDecodeSurfaces = 4

const consumerDoneTimeout = 10 * time.Second

type Config struct {
	QueueFamilyIndex uint32
	// QueueID selects the decode queue when load balancing is off.
	QueueID int
	// EnableHWLoadBalancing spreads submissions round-robin over all decode
	// queues, serialized through one timeline semaphore.
	EnableHWLoadBalancing bool

	// NumDecodeSurfaces overrides the pool size negotiated from the stream
	// when non-zero.
	NumDecodeSurfaces int

	UseImageArray     bool
	UseSeparateOutput bool
	UseLinearOutput   bool
}

// Decoder implements parser.SequenceHandler on top of a vkdev.Device.
type Decoder struct {
	cfg Config
	dev vkdev.Device
	fb  *framebuffer.FrameBuffer

	locker xsync.Mutex
	state  state

	caps              *vkdev.VideoCapabilities
	videoSession      *session.VideoSession
	parameters        *session.PictureParameters
	pendingParamSets  []session.ParameterSetUpdate
	bitstreamPool     *bitstream.BufferPool
	cmdBuffers        []vkdev.CommandBuffer
	numDecodeSurfaces int
	codedExtent       vkdev.Extent2D
	pictureFormat     vkdev.Format

	// resetCodec is armed whenever the session is (re)created; the first
	// submission afterwards must reset the video coding state.
	resetCodec bool

	decodeQueueCount int
	timelineSem      vkdev.Semaphore
	submitCount      atomic.Uint64

	framesSubmitted atomic.Uint64
}

var _ parser.SequenceHandler = (*Decoder)(nil)

func New(
	ctx context.Context,
	dev vkdev.Device,
	fb *framebuffer.FrameBuffer,
	cfg Config,
) (*Decoder, error) {
	queueCount := dev.VideoDecodeQueueCount()
	if queueCount < 1 {
		return nil, videoerr.CapabilityUnsupported{What: "video decode queues"}
	}
	if cfg.QueueID >= queueCount {
		return nil, fmt.Errorf("decode queue %d requested, the device has %d", cfg.QueueID, queueCount)
	}
	if cfg.NumDecodeSurfaces > framebuffer.MaxImages {
		return nil, videoerr.PoolTooLarge{Requested: cfg.NumDecodeSurfaces, Max: framebuffer.MaxImages}
	}
	d := &Decoder{
		cfg:              cfg,
		dev:              dev,
		fb:               fb,
		decodeQueueCount: queueCount,
	}
	if cfg.EnableHWLoadBalancing && queueCount > 1 {
		sem, err := dev.CreateTimelineSemaphore(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("unable to create the load-balancing timeline semaphore: %w", err)
		}
		d.timelineSem = sem
		logger.Debugf(ctx, "HW load balancing over %d decode queues", queueCount)
	}
	return d, nil
}

// StartVideoSequence (re)configures the decoder for a new sequence. A
// compatible existing session is kept; otherwise the device is drained and
// the session recreated. Returns the number of decode surfaces configured.
func (d *Decoder) StartVideoSequence(
	ctx context.Context,
	format *parser.VideoFormat,
) (_ int32, _err error) {
	logger.Debugf(ctx, "StartVideoSequence(%s, coded: %s)", format.Profile, format.CodedExtent)
	defer func() { logger.Debugf(ctx, "/StartVideoSequence: %v", _err) }()

	return xsync.DoR2(ctx, &d.locker, func() (int32, error) {
		return d.startVideoSequence(ctx, format)
	})
}

func (d *Decoder) startVideoSequence(
	ctx context.Context,
	format *parser.VideoFormat,
) (int32, error) {
	if d.state == stateDeinitialized {
		return 0, fmt.Errorf("the decoder is deinitialized")
	}

	caps, err := d.dev.VideoCapabilities(ctx, format.Profile)
	if err != nil {
		return 0, err
	}
	d.caps = caps

	if !format.CodedExtent.FitsWithin(caps.MaxCodedExtent) {
		return 0, videoerr.CapabilityUnsupported{
			What: fmt.Sprintf("coded extent %s (max: %s)", format.CodedExtent, caps.MaxCodedExtent),
		}
	}
	if !caps.MinCodedExtent.FitsWithin(format.CodedExtent) {
		return 0, videoerr.CapabilityUnsupported{
			What: fmt.Sprintf("coded extent %s (min: %s)", format.CodedExtent, caps.MinCodedExtent),
		}
	}

	numSurfaces := int(format.MinNumDecodeSurfaces) + extraDecodeSurfaces
	if d.cfg.NumDecodeSurfaces > 0 {
		numSurfaces = d.cfg.NumDecodeSurfaces
	}
	if numSurfaces > int(caps.MaxDpbSlots) {
		numSurfaces = int(caps.MaxDpbSlots)
	}
	if numSurfaces > framebuffer.MaxImages {
		numSurfaces = framebuffer.MaxImages
	}
	if numSurfaces < int(format.MinNumDecodeSurfaces) {
		logger.Warnf(ctx, "the stream wants %d decode surfaces, only %d available",
			format.MinNumDecodeSurfaces, numSurfaces)
	}

	pictureFormat := vkdev.FormatNV12
	if format.Profile.LumaBitDepth > 8 {
		pictureFormat = vkdev.FormatP010
	}

	maxActiveRefs := uint32(numSurfaces - 1)
	if maxActiveRefs > caps.MaxActiveReferencePictures {
		maxActiveRefs = caps.MaxActiveReferencePictures
	}

	if d.videoSession != nil && d.videoSession.IsCompatible(
		d.cfg.QueueFamilyIndex,
		format.Profile,
		pictureFormat,
		format.CodedExtent,
		pictureFormat,
		uint32(numSurfaces),
		maxActiveRefs,
	) {
		logger.Debugf(ctx, "reusing the existing video session")
	} else {
		if err := d.recreateSession(ctx, format, pictureFormat, uint32(numSurfaces), maxActiveRefs); err != nil {
			return 0, err
		}
	}

	if err := d.fb.InitImagePool(ctx, &framebuffer.InitImagePoolInfo{
		Profile:           format.Profile,
		NumImages:         numSurfaces,
		DPBFormat:         pictureFormat,
		OutputFormat:      pictureFormat,
		CodedExtent:       format.CodedExtent,
		MaxImageExtent:    format.CodedExtent,
		DPBUsage:          vkdev.ImageUsageVideoDecodeDPB,
		OutputUsage:       vkdev.ImageUsageVideoDecodeDst | vkdev.ImageUsageTransferSrc | vkdev.ImageUsageSampled,
		QueueFamilyIndex:  d.cfg.QueueFamilyIndex,
		UseImageArray:     d.cfg.UseImageArray,
		UseSeparateOutput: d.cfg.UseSeparateOutput,
		UseLinearOutput:   d.cfg.UseLinearOutput,
	}); err != nil {
		return 0, err
	}

	d.bitstreamPool = bitstream.NewBufferPool(
		int(pictureFormat.BytesPerFrame(format.CodedExtent)),
		int(caps.MinBitstreamBufferOffsetAlignment),
		int(caps.MinBitstreamBufferSizeAlignment),
	)

	if len(d.cmdBuffers) < numSurfaces {
		if d.cmdBuffers != nil {
			d.dev.FreeCommandBuffers(d.cmdBuffers)
		}
		cmdBufs, err := d.dev.AllocateCommandBuffers(ctx, d.cfg.QueueFamilyIndex, numSurfaces)
		if err != nil {
			return 0, fmt.Errorf("unable to allocate %d command buffers: %w", numSurfaces, err)
		}
		d.cmdBuffers = cmdBufs
	}

	d.numDecodeSurfaces = numSurfaces
	d.codedExtent = format.CodedExtent
	d.pictureFormat = pictureFormat
	d.state = stateSequenceActive
	return int32(numSurfaces), nil
}

func (d *Decoder) recreateSession(
	ctx context.Context,
	format *parser.VideoFormat,
	pictureFormat vkdev.Format,
	maxDpbSlots uint32,
	maxActiveRefs uint32,
) error {
	if d.videoSession != nil {
		// Draining the device first: in-flight decodes still address the
		// old session.
		if err := d.dev.DeviceWaitIdle(ctx); err != nil {
			return fmt.Errorf("unable to drain the device: %w", err)
		}
		if d.parameters != nil {
			d.parameters.Destroy(ctx)
			d.parameters = nil
		}
		d.videoSession.Destroy(ctx)
		d.videoSession = nil
	}

	videoSession, err := session.Create(ctx, d.dev, &vkdev.SessionCreateInfo{
		QueueFamilyIndex:           d.cfg.QueueFamilyIndex,
		Profile:                    format.Profile,
		PictureFormat:              pictureFormat,
		ReferencePictureFormat:     pictureFormat,
		MaxCodedExtent:             format.CodedExtent,
		MaxDpbSlots:                maxDpbSlots,
		MaxActiveReferencePictures: maxActiveRefs,
	})
	if err != nil {
		return err
	}
	parameters, err := session.NewPictureParameters(ctx, d.dev, videoSession)
	if err != nil {
		videoSession.Destroy(ctx)
		return err
	}
	d.videoSession = videoSession
	d.parameters = parameters
	d.resetCodec = true

	// Parameter sets seen before the session existed are installed now.
	for _, update := range d.pendingParamSets {
		if _, err := d.parameters.Update(ctx, update); err != nil {
			return err
		}
	}
	d.pendingParamSets = nil
	return nil
}

// UpdatePictureParameters installs a parameter set. Sets arriving before the
// first sequence start are buffered and replayed at session creation.
func (d *Decoder) UpdatePictureParameters(
	ctx context.Context,
	update session.ParameterSetUpdate,
) (_err error) {
	logger.Tracef(ctx, "UpdatePictureParameters")
	defer func() { logger.Tracef(ctx, "/UpdatePictureParameters: %v", _err) }()

	return xsync.DoR1(ctx, &d.locker, func() error {
		if d.parameters == nil {
			d.pendingParamSets = append(d.pendingParamSets, update)
			return nil
		}
		_, err := d.parameters.Update(ctx, update)
		return err
	})
}

// SessionHandle exposes the current video session handle for tests and
// diagnostics.
func (d *Decoder) SessionHandle(ctx context.Context) vkdev.VideoSession {
	return xsync.DoR1(ctx, &d.locker, func() vkdev.VideoSession {
		if d.videoSession == nil {
			return 0
		}
		return d.videoSession.Handle()
	})
}

// FramesSubmitted returns the total decode submissions performed.
func (d *Decoder) FramesSubmitted() uint64 {
	return d.framesSubmitted.Load()
}

// Deinitialize drains the device and frees everything. The decoder cannot
// be used afterwards.
func (d *Decoder) Deinitialize(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Deinitialize")
	defer func() { logger.Debugf(ctx, "/Deinitialize: %v", _err) }()

	return xsync.DoR1(ctx, &d.locker, func() error {
		if d.state == stateDeinitialized {
			return nil
		}
		if err := d.dev.DeviceWaitIdle(ctx); err != nil {
			logger.Errorf(ctx, "unable to drain the device: %v", err)
		}
		if d.cmdBuffers != nil {
			d.dev.FreeCommandBuffers(d.cmdBuffers)
			d.cmdBuffers = nil
		}
		if d.parameters != nil {
			d.parameters.Destroy(ctx)
			d.parameters = nil
		}
		if d.videoSession != nil {
			d.videoSession.Destroy(ctx)
			d.videoSession = nil
		}
		if !d.timelineSem.IsNull() {
			d.dev.DestroySemaphore(d.timelineSem)
			d.timelineSem = 0
		}
		d.fb.Deinit(ctx)
		d.state = stateDeinitialized
		return nil
	})
}
