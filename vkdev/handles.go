// handles.go defines the opaque handle types of the driver surface.

// Package vkdev abstracts the Vulkan Video driver surface the pipeline
// drives. The actual codec work happens inside the driver; this package only
// defines the handles and operations the orchestration layer needs, so that
// a cgo-backed implementation and the in-repo SoftDevice are interchangeable.
package vkdev

// Non-dispatchable handles, modeled the way Vulkan models them: opaque
// 64-bit values where zero is the null handle.
type (
	Image             uint64
	ImageView         uint64
	Fence             uint64
	Semaphore         uint64
	QueryPool         uint64
	CommandBuffer     uint64
	VideoSession      uint64
	SessionParameters uint64
)

func (h Image) IsNull() bool             { return h == 0 }
func (h ImageView) IsNull() bool         { return h == 0 }
func (h Fence) IsNull() bool             { return h == 0 }
func (h Semaphore) IsNull() bool         { return h == 0 }
func (h QueryPool) IsNull() bool         { return h == 0 }
func (h CommandBuffer) IsNull() bool     { return h == 0 }
func (h VideoSession) IsNull() bool      { return h == 0 }
func (h SessionParameters) IsNull() bool { return h == 0 }
