// softdevice.go implements Device in software.

package vkdev

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

// SoftDeviceConfig tunes the software device.
type SoftDeviceConfig struct {
	// DecodeQueueCount is the number of simulated decode queues (min 1).
	DecodeQueueCount int
	// SubmitLatency delays decode completion to exercise asynchronous
	// fence/semaphore paths. Zero completes synchronously.
	SubmitLatency time.Duration
	// MaxDpbSlots overrides the advertised DPB capacity (default 17).
	MaxDpbSlots uint32
	// MaxCodedExtent overrides the advertised maximum extent (default 4096x4096).
	MaxCodedExtent Extent2D
}

// SoftDeviceCounters exposes allocation/submission counts for inspection.
type SoftDeviceCounters struct {
	ImagesCreated    atomic.Uint64
	SessionsCreated  atomic.Uint64
	DecodesSubmitted atomic.Uint64
}

type softFence struct {
	signaled bool
	ch       chan struct{}
}

type softImage struct {
	info ImageCreateInfo
	data []byte
}

type softSession struct {
	info SessionCreateInfo
}

type softQueryPool struct {
	statuses []QueryResultStatus
}

type softSemaphore struct {
	timeline bool
	value    uint64
	bumped   chan struct{}
}

// SoftDevice is a pure-software Device. It performs no decoding: a decode
// submission just signals its synchronization objects and records a
// successful query status, after the configured latency. Layout bookkeeping
// is intentionally absent, as in Vulkan it is the caller's problem.
type SoftDevice struct {
	Counters SoftDeviceCounters

	cfg        SoftDeviceConfig
	locker     xsync.Mutex
	nextHandle uint64
	images     map[Image]*softImage
	imageViews map[ImageView]Image
	fences     map[Fence]*softFence
	semaphores map[Semaphore]*softSemaphore
	queryPools map[QueryPool]*softQueryPool
	sessions   map[VideoSession]*softSession
	sessParams map[SessionParameters]VideoSession
	cmdBufs    map[CommandBuffer]uint32
	pending    atomic.Int64
}

var _ Device = (*SoftDevice)(nil)

func NewSoftDevice(cfg SoftDeviceConfig) *SoftDevice {
	if cfg.DecodeQueueCount < 1 {
		cfg.DecodeQueueCount = 1
	}
	if cfg.MaxDpbSlots == 0 {
		cfg.MaxDpbSlots = 17
	}
	if cfg.MaxCodedExtent == (Extent2D{}) {
		cfg.MaxCodedExtent = Extent2D{Width: 4096, Height: 4096}
	}
	return &SoftDevice{
		cfg:        cfg,
		images:     map[Image]*softImage{},
		imageViews: map[ImageView]Image{},
		fences:     map[Fence]*softFence{},
		semaphores: map[Semaphore]*softSemaphore{},
		queryPools: map[QueryPool]*softQueryPool{},
		sessions:   map[VideoSession]*softSession{},
		sessParams: map[SessionParameters]VideoSession{},
		cmdBufs:    map[CommandBuffer]uint32{},
	}
}

func (d *SoftDevice) newHandle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

func (d *SoftDevice) VideoCapabilities(
	ctx context.Context,
	profile VideoProfile,
) (*VideoCapabilities, error) {
	switch profile.Operation {
	case CodecOperationDecodeH264, CodecOperationDecodeH265:
	default:
		return nil, videoerr.CapabilityUnsupported{
			What: fmt.Sprintf("codec operation %s", profile.Operation),
		}
	}
	return &VideoCapabilities{
		MinBitstreamBufferOffsetAlignment: 256,
		MinBitstreamBufferSizeAlignment:   256,
		MaxDpbSlots:                       d.cfg.MaxDpbSlots,
		MaxActiveReferencePictures:        d.cfg.MaxDpbSlots - 1,
		MinCodedExtent:                    Extent2D{Width: 16, Height: 16},
		MaxCodedExtent:                    d.cfg.MaxCodedExtent,
	}, nil
}

func (d *SoftDevice) VideoDecodeQueueCount() int {
	return d.cfg.DecodeQueueCount
}

func (d *SoftDevice) CreateImage(
	ctx context.Context,
	info *ImageCreateInfo,
) (Image, error) {
	if info.Format == FormatUndefined {
		return 0, fmt.Errorf("cannot create an image with an undefined format")
	}
	if info.Extent.Width == 0 || info.Extent.Height == 0 {
		return 0, fmt.Errorf("cannot create an image with a zero extent %s", info.Extent)
	}
	return xsync.DoR1(ctx, &d.locker, func() Image {
		h := Image(d.newHandle())
		d.images[h] = &softImage{info: *info}
		d.Counters.ImagesCreated.Add(1)
		return h
	}), nil
}

func (d *SoftDevice) CreateImageView(
	ctx context.Context,
	image Image,
	format Format,
	baseArrayLayer uint32,
) (ImageView, error) {
	return xsync.DoR2(ctx, &d.locker, func() (ImageView, error) {
		img := d.images[image]
		if img == nil {
			return 0, fmt.Errorf("image %#x is not alive", uint64(image))
		}
		if baseArrayLayer >= max(img.info.ArrayLayers, 1) {
			return 0, fmt.Errorf("array layer %d is out of the image's %d layers", baseArrayLayer, img.info.ArrayLayers)
		}
		h := ImageView(d.newHandle())
		d.imageViews[h] = image
		return h, nil
	})
}

func (d *SoftDevice) ReadLinearImage(
	ctx context.Context,
	image Image,
) ([]byte, error) {
	return xsync.DoR2(ctx, &d.locker, func() ([]byte, error) {
		img := d.images[image]
		if img == nil {
			return nil, fmt.Errorf("image %#x is not alive", uint64(image))
		}
		if !img.info.HostVisible {
			return nil, fmt.Errorf("image %#x is not host-visible", uint64(image))
		}
		if img.data == nil {
			img.data = make([]byte, img.info.Format.BytesPerFrame(img.info.Extent))
		}
		return append([]byte(nil), img.data...), nil
	})
}

func (d *SoftDevice) DestroyImage(image Image) {
	if image.IsNull() {
		return
	}
	d.locker.Do(context.TODO(), func() {
		delete(d.images, image)
	})
}

func (d *SoftDevice) DestroyImageView(view ImageView) {
	if view.IsNull() {
		return
	}
	d.locker.Do(context.TODO(), func() {
		delete(d.imageViews, view)
	})
}

func (d *SoftDevice) CreateFence(
	ctx context.Context,
	signaled bool,
) (Fence, error) {
	return xsync.DoR1(ctx, &d.locker, func() Fence {
		h := Fence(d.newHandle())
		f := &softFence{signaled: signaled, ch: make(chan struct{})}
		if signaled {
			close(f.ch)
		}
		d.fences[h] = f
		return h
	}), nil
}

func (d *SoftDevice) DestroyFence(fence Fence) {
	if fence.IsNull() {
		return
	}
	d.locker.Do(context.TODO(), func() {
		delete(d.fences, fence)
	})
}

func (d *SoftDevice) WaitForFence(
	ctx context.Context,
	fence Fence,
	timeout time.Duration,
) error {
	f := xsync.DoR1(ctx, &d.locker, func() *softFence {
		return d.fences[fence]
	})
	if f == nil {
		return fmt.Errorf("fence %#x is not alive", uint64(fence))
	}
	select {
	case <-f.ch:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return videoerr.GpuSyncTimeout{FenceName: fmt.Sprintf("%#x", uint64(fence)), Timeout: timeout}
	}
}

func (d *SoftDevice) ResetFence(
	ctx context.Context,
	fence Fence,
) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		f := d.fences[fence]
		if f == nil {
			return fmt.Errorf("fence %#x is not alive", uint64(fence))
		}
		if f.signaled {
			f.signaled = false
			f.ch = make(chan struct{})
		}
		return nil
	})
}

func (d *SoftDevice) GetFenceStatus(
	ctx context.Context,
	fence Fence,
) (bool, error) {
	return xsync.DoR2(ctx, &d.locker, func() (bool, error) {
		f := d.fences[fence]
		if f == nil {
			return false, fmt.Errorf("fence %#x is not alive", uint64(fence))
		}
		return f.signaled, nil
	})
}

func (d *SoftDevice) CreateSemaphore(ctx context.Context) (Semaphore, error) {
	return xsync.DoR1(ctx, &d.locker, func() Semaphore {
		h := Semaphore(d.newHandle())
		d.semaphores[h] = &softSemaphore{bumped: make(chan struct{})}
		return h
	}), nil
}

func (d *SoftDevice) CreateTimelineSemaphore(
	ctx context.Context,
	initialValue uint64,
) (Semaphore, error) {
	return xsync.DoR1(ctx, &d.locker, func() Semaphore {
		h := Semaphore(d.newHandle())
		d.semaphores[h] = &softSemaphore{timeline: true, value: initialValue, bumped: make(chan struct{})}
		return h
	}), nil
}

func (d *SoftDevice) DestroySemaphore(sem Semaphore) {
	if sem.IsNull() {
		return
	}
	d.locker.Do(context.TODO(), func() {
		delete(d.semaphores, sem)
	})
}

func (d *SoftDevice) GetSemaphoreCounterValue(
	ctx context.Context,
	sem Semaphore,
) (uint64, error) {
	return xsync.DoR2(ctx, &d.locker, func() (uint64, error) {
		s := d.semaphores[sem]
		if s == nil {
			return 0, fmt.Errorf("semaphore %#x is not alive", uint64(sem))
		}
		if !s.timeline {
			return 0, fmt.Errorf("semaphore %#x is not a timeline semaphore", uint64(sem))
		}
		return s.value, nil
	})
}

func (d *SoftDevice) CreateQueryPool(
	ctx context.Context,
	profile VideoProfile,
	queryCount uint32,
) (QueryPool, error) {
	if queryCount == 0 {
		return 0, fmt.Errorf("cannot create an empty query pool")
	}
	return xsync.DoR1(ctx, &d.locker, func() QueryPool {
		h := QueryPool(d.newHandle())
		d.queryPools[h] = &softQueryPool{statuses: make([]QueryResultStatus, queryCount)}
		return h
	}), nil
}

func (d *SoftDevice) DestroyQueryPool(pool QueryPool) {
	if pool.IsNull() {
		return
	}
	d.locker.Do(context.TODO(), func() {
		delete(d.queryPools, pool)
	})
}

func (d *SoftDevice) GetQueryResultStatus(
	ctx context.Context,
	pool QueryPool,
	queryID uint32,
) (QueryResultStatus, error) {
	return xsync.DoR2(ctx, &d.locker, func() (QueryResultStatus, error) {
		p := d.queryPools[pool]
		if p == nil {
			return QueryResultStatusError, fmt.Errorf("query pool %#x is not alive", uint64(pool))
		}
		if int(queryID) >= len(p.statuses) {
			return QueryResultStatusError, fmt.Errorf("query %d is out of the pool's %d queries", queryID, len(p.statuses))
		}
		return p.statuses[queryID], nil
	})
}

func (d *SoftDevice) CreateVideoSession(
	ctx context.Context,
	info *SessionCreateInfo,
) (VideoSession, error) {
	caps, err := d.VideoCapabilities(ctx, info.Profile)
	if err != nil {
		return 0, err
	}
	if info.MaxDpbSlots > caps.MaxDpbSlots {
		return 0, videoerr.CapabilityUnsupported{
			What: fmt.Sprintf("%d DPB slots (the device supports %d)", info.MaxDpbSlots, caps.MaxDpbSlots),
		}
	}
	if !info.MaxCodedExtent.FitsWithin(caps.MaxCodedExtent) {
		return 0, videoerr.CapabilityUnsupported{
			What: fmt.Sprintf("coded extent %s (the device supports up to %s)", info.MaxCodedExtent, caps.MaxCodedExtent),
		}
	}
	return xsync.DoR1(ctx, &d.locker, func() VideoSession {
		h := VideoSession(d.newHandle())
		d.sessions[h] = &softSession{info: *info}
		d.Counters.SessionsCreated.Add(1)
		return h
	}), nil
}

func (d *SoftDevice) DestroyVideoSession(session VideoSession) {
	if session.IsNull() {
		return
	}
	d.locker.Do(context.TODO(), func() {
		delete(d.sessions, session)
	})
}

func (d *SoftDevice) CreateSessionParameters(
	ctx context.Context,
	session VideoSession,
) (SessionParameters, error) {
	return xsync.DoR2(ctx, &d.locker, func() (SessionParameters, error) {
		if d.sessions[session] == nil {
			return 0, fmt.Errorf("video session %#x is not alive", uint64(session))
		}
		h := SessionParameters(d.newHandle())
		d.sessParams[h] = session
		return h, nil
	})
}

func (d *SoftDevice) UpdateSessionParameters(
	ctx context.Context,
	params SessionParameters,
	updateSequenceCount uint32,
) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		if _, ok := d.sessParams[params]; !ok {
			return fmt.Errorf("session parameters %#x are not alive", uint64(params))
		}
		return nil
	})
}

func (d *SoftDevice) DestroySessionParameters(params SessionParameters) {
	if params.IsNull() {
		return
	}
	d.locker.Do(context.TODO(), func() {
		delete(d.sessParams, params)
	})
}

func (d *SoftDevice) AllocateCommandBuffers(
	ctx context.Context,
	queueFamilyIndex uint32,
	count int,
) ([]CommandBuffer, error) {
	return xsync.DoR1(ctx, &d.locker, func() []CommandBuffer {
		result := make([]CommandBuffer, 0, count)
		for i := 0; i < count; i++ {
			h := CommandBuffer(d.newHandle())
			d.cmdBufs[h] = queueFamilyIndex
			result = append(result, h)
		}
		return result
	}), nil
}

func (d *SoftDevice) FreeCommandBuffers(cmdBufs []CommandBuffer) {
	d.locker.Do(context.TODO(), func() {
		for _, h := range cmdBufs {
			delete(d.cmdBufs, h)
		}
	})
}

func (d *SoftDevice) SubmitDecode(
	ctx context.Context,
	queueIndex int,
	info *DecodeSubmitInfo,
) (_err error) {
	logger.Tracef(ctx, "SubmitDecode(queue: %d, slot: %d)", queueIndex, info.SetupSlot.SlotIndex)
	defer func() { logger.Tracef(ctx, "/SubmitDecode: %v", _err) }()

	if queueIndex < 0 || queueIndex >= d.cfg.DecodeQueueCount {
		return fmt.Errorf("queue index %d is out of the device's %d decode queues", queueIndex, d.cfg.DecodeQueueCount)
	}
	if err := d.validateSubmit(ctx, info); err != nil {
		return err
	}
	if !info.TimelineSemaphore.IsNull() {
		if err := d.waitTimelineValue(ctx, info.TimelineSemaphore, info.TimelineWaitValue); err != nil {
			return err
		}
	}

	d.Counters.DecodesSubmitted.Add(1)
	d.pending.Add(1)
	if d.cfg.SubmitLatency == 0 {
		d.complete(ctx, info)
		return nil
	}
	observability.Go(ctx, func(ctx context.Context) {
		timer := time.NewTimer(d.cfg.SubmitLatency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		d.complete(ctx, info)
	})
	return nil
}

func (d *SoftDevice) validateSubmit(
	ctx context.Context,
	info *DecodeSubmitInfo,
) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		if d.sessions[info.Session] == nil {
			return fmt.Errorf("video session %#x is not alive", uint64(info.Session))
		}
		if _, ok := d.cmdBufs[info.CommandBuffer]; !ok {
			return fmt.Errorf("command buffer %#x is not alive", uint64(info.CommandBuffer))
		}
		if len(info.BitstreamData) == 0 {
			return fmt.Errorf("a decode submission requires bitstream data")
		}
		if info.SetupSlot.Resource.ImageView.IsNull() {
			return fmt.Errorf("a decode submission requires a setup picture resource")
		}
		for _, barrier := range info.Barriers {
			if d.images[barrier.Image] == nil {
				return fmt.Errorf("barrier references image %#x which is not alive", uint64(barrier.Image))
			}
		}
		return nil
	})
}

func (d *SoftDevice) waitTimelineValue(
	ctx context.Context,
	sem Semaphore,
	value uint64,
) error {
	for {
		var bumped chan struct{}
		reached, err := xsync.DoR2(ctx, &d.locker, func() (bool, error) {
			s := d.semaphores[sem]
			if s == nil || !s.timeline {
				return false, fmt.Errorf("semaphore %#x is not an alive timeline semaphore", uint64(sem))
			}
			bumped = s.bumped
			return s.value >= value, nil
		})
		if err != nil {
			return err
		}
		if reached {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-bumped:
		}
	}
}

func (d *SoftDevice) complete(
	ctx context.Context,
	info *DecodeSubmitInfo,
) {
	d.locker.Do(ctx, func() {
		if f := d.fences[info.SignalFence]; f != nil && !f.signaled {
			f.signaled = true
			close(f.ch)
		}
		if p := d.queryPools[info.QueryPool]; p != nil && int(info.StartQueryID) < len(p.statuses) {
			p.statuses[info.StartQueryID] = QueryResultStatusComplete
		}
		if s := d.semaphores[info.TimelineSemaphore]; s != nil && s.timeline {
			if info.TimelineSignalValue > s.value {
				s.value = info.TimelineSignalValue
				close(s.bumped)
				s.bumped = make(chan struct{})
			}
		}
	})
	d.pending.Add(-1)
}

func (d *SoftDevice) QueueWaitIdle(ctx context.Context, queueIndex int) error {
	return d.DeviceWaitIdle(ctx)
}

func (d *SoftDevice) DeviceWaitIdle(ctx context.Context) error {
	for d.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}
