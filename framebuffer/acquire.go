// acquire.go resolves picture slots into live image resources and performs
// the explicit image-layout bookkeeping Vulkan does not do for us.

package framebuffer

import (
	"context"

	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
	"github.com/xaionaro-go/xsync"
)

// PictureResourceInfo reports the state of an acquired image so the caller
// can build the transition barrier itself.
type PictureResourceInfo struct {
	Image vkdev.Image
	// CurrentLayout is the layout before this acquire. When it already
	// equals the requested layout no barrier is needed; that is what keeps
	// the per-slot UNDEFINED→DPB transition a one-time event.
	CurrentLayout vkdev.ImageLayout
}

// AcquireDpbImageResources resolves DPB slot indices into picture resources,
// lazily creating (or recreating) the backing images on first use, and
// records newLayout as the slots' layout going forward.
// vkdev.ImageLayoutIgnored leaves the recorded layout untouched.
func (fb *FrameBuffer) AcquireDpbImageResources(
	ctx context.Context,
	picIDs []int32,
	newLayout vkdev.ImageLayout,
) (resources []vkdev.PictureResource, infos []PictureResourceInfo, _err error) {
	fb.locker.Do(ctx, func() {
		resources = make([]vkdev.PictureResource, 0, len(picIDs))
		infos = make([]PictureResourceInfo, 0, len(picIDs))
		for _, picID := range picIDs {
			resource, info, err := fb.acquireImage(ctx, picID, imageRoleDPB, newLayout)
			if err != nil {
				resources, infos, _err = nil, nil, err
				return
			}
			resources = append(resources, resource)
			infos = append(infos, info)
		}
	})
	return
}

// AcquireCurrentImageResources resolves the decode target: its DPB resource
// and, for separate-output configurations, its output resource.
// The output results are zero-valued when no separate output is configured.
func (fb *FrameBuffer) AcquireCurrentImageResources(
	ctx context.Context,
	picID int32,
	newDpbLayout vkdev.ImageLayout,
	newOutputLayout vkdev.ImageLayout,
) (dpb vkdev.PictureResource, dpbInfo PictureResourceInfo, out vkdev.PictureResource, outInfo PictureResourceInfo, _err error) {
	fb.locker.Do(ctx, func() {
		dpb, dpbInfo, _err = fb.acquireImage(ctx, picID, imageRoleDPB, newDpbLayout)
		if _err != nil {
			return
		}
		if !fb.specs[imageRoleOutput].enabled {
			return
		}
		out, outInfo, _err = fb.acquireImage(ctx, picID, imageRoleOutput, newOutputLayout)
	})
	return
}

// AcquireLinearImage resolves the slot's host-visible readback image,
// creating it on first use. Only valid for pools configured with linear
// output.
func (fb *FrameBuffer) AcquireLinearImage(
	ctx context.Context,
	picID int32,
) (vkdev.Image, error) {
	return xsync.DoR2(ctx, &fb.locker, func() (vkdev.Image, error) {
		_, info, err := fb.acquireImage(ctx, picID, imageRoleLinear, vkdev.ImageLayoutIgnored)
		if err != nil {
			return 0, err
		}
		return info.Image, nil
	})
}

func (fb *FrameBuffer) acquireImage(
	ctx context.Context,
	picID int32,
	role imageRole,
	newLayout vkdev.ImageLayout,
) (vkdev.PictureResource, PictureResourceInfo, error) {
	s, err := fb.slotByIndex(picID)
	if err != nil {
		return vkdev.PictureResource{}, PictureResourceInfo{}, err
	}
	si := &s.images[role]

	if si.recreate && !si.image.IsNull() {
		logger.Debugf(ctx, "recreating the %s image of slot %d", role, picID)
		si.destroy(fb.dev)
	}
	if si.image.IsNull() {
		if err := fb.createSlotImage(ctx, picID, role, si); err != nil {
			return vkdev.PictureResource{}, PictureResourceInfo{}, err
		}
	}

	info := PictureResourceInfo{
		Image:         si.image,
		CurrentLayout: si.layout,
	}
	if newLayout != vkdev.ImageLayoutIgnored {
		si.layout = newLayout
	}

	resource := vkdev.PictureResource{
		ImageView:   si.view,
		CodedExtent: fb.codedExtent,
	}
	if role == imageRoleDPB && si.shared {
		resource.BaseArrayLayer = uint32(picID)
	}
	return resource, info, nil
}

func (fb *FrameBuffer) createSlotImage(
	ctx context.Context,
	picID int32,
	role imageRole,
	si *slotImage,
) error {
	spec := &fb.specs[role]
	if role == imageRoleDPB && !fb.dpbImageArray.IsNull() {
		view, err := fb.dev.CreateImageView(ctx, fb.dpbImageArray, spec.format, uint32(picID))
		if err != nil {
			return err
		}
		si.image = fb.dpbImageArray
		si.view = view
		si.shared = true
		si.layout = vkdev.ImageLayoutUndefined
		return nil
	}

	image, err := fb.dev.CreateImage(ctx, &vkdev.ImageCreateInfo{
		Format:           spec.format,
		Extent:           spec.maxExtent,
		Usage:            spec.usage,
		ArrayLayers:      1,
		QueueFamilyIndex: spec.queueFamilyIndex,
		HostVisible:      spec.hostVisible,
	})
	if err != nil {
		return err
	}
	view, err := fb.dev.CreateImageView(ctx, image, spec.format, 0)
	if err != nil {
		fb.dev.DestroyImage(image)
		return err
	}
	si.image = image
	si.view = view
	si.shared = false
	si.layout = vkdev.ImageLayoutUndefined
	logger.Tracef(ctx, "created the %s image of slot %d (%s, %s)", role, picID, spec.format, spec.maxExtent)
	return nil
}
