package vkdev

import (
	"context"
	"time"
)

// Device is the driver surface the pipeline runs on. A cgo binding of the
// VK_KHR_video_* entry points implements it on real hardware; SoftDevice
// implements it in software for tests and GPU-less runs.
//
// All blocking operations take a context; handle destruction never blocks.
type Device interface {
	// Capabilities

	VideoCapabilities(ctx context.Context, profile VideoProfile) (*VideoCapabilities, error)
	VideoDecodeQueueCount() int

	// Images

	CreateImage(ctx context.Context, info *ImageCreateInfo) (Image, error)
	CreateImageView(ctx context.Context, image Image, format Format, baseArrayLayer uint32) (ImageView, error)
	DestroyImage(image Image)
	DestroyImageView(view ImageView)

	// ReadLinearImage copies the planar contents of a host-visible image.
	// Only valid for images created with HostVisible set.
	ReadLinearImage(ctx context.Context, image Image) ([]byte, error)

	// Synchronization primitives

	CreateFence(ctx context.Context, signaled bool) (Fence, error)
	DestroyFence(fence Fence)
	WaitForFence(ctx context.Context, fence Fence, timeout time.Duration) error
	ResetFence(ctx context.Context, fence Fence) error
	GetFenceStatus(ctx context.Context, fence Fence) (bool, error)

	CreateSemaphore(ctx context.Context) (Semaphore, error)
	CreateTimelineSemaphore(ctx context.Context, initialValue uint64) (Semaphore, error)
	DestroySemaphore(sem Semaphore)
	GetSemaphoreCounterValue(ctx context.Context, sem Semaphore) (uint64, error)

	// Queries

	CreateQueryPool(ctx context.Context, profile VideoProfile, queryCount uint32) (QueryPool, error)
	DestroyQueryPool(pool QueryPool)
	GetQueryResultStatus(ctx context.Context, pool QueryPool, queryID uint32) (QueryResultStatus, error)

	// Video session

	CreateVideoSession(ctx context.Context, info *SessionCreateInfo) (VideoSession, error)
	DestroyVideoSession(session VideoSession)
	CreateSessionParameters(ctx context.Context, session VideoSession) (SessionParameters, error)
	UpdateSessionParameters(ctx context.Context, params SessionParameters, updateSequenceCount uint32) error
	DestroySessionParameters(params SessionParameters)

	// Command submission

	AllocateCommandBuffers(ctx context.Context, queueFamilyIndex uint32, count int) ([]CommandBuffer, error)
	FreeCommandBuffers(cmdBufs []CommandBuffer)
	SubmitDecode(ctx context.Context, queueIndex int, info *DecodeSubmitInfo) error

	QueueWaitIdle(ctx context.Context, queueIndex int) error
	DeviceWaitIdle(ctx context.Context) error
}
