// Package session owns the Vulkan video-session object and the
// parameter-set (SPS/PPS/VPS) bookkeeping tied to it.
package session

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
)

// VideoSession wraps the driver's video-session handle together with the
// creation parameters, which bound what the session can decode. A session
// survives sequence changes as long as the new requirements fit within the
// recorded maxima (see IsCompatible).
type VideoSession struct {
	dev        vkdev.Device
	handle     vkdev.VideoSession
	createInfo vkdev.SessionCreateInfo
}

func Create(
	ctx context.Context,
	dev vkdev.Device,
	info *vkdev.SessionCreateInfo,
) (_ *VideoSession, _err error) {
	logger.Debugf(ctx, "session.Create(%s, extent: %s, dpb: %d)", info.Profile, info.MaxCodedExtent, info.MaxDpbSlots)
	defer func() { logger.Debugf(ctx, "/session.Create: %v", _err) }()

	handle, err := dev.CreateVideoSession(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("unable to create a video session: %w", err)
	}
	return &VideoSession{
		dev:        dev,
		handle:     handle,
		createInfo: *info,
	}, nil
}

func (s *VideoSession) Handle() vkdev.VideoSession {
	return s.handle
}

// IsCompatible reports whether the session can serve a sequence with the
// given requirements without recreation: the profile and formats must match
// exactly and the new maxima must not exceed what the session was created
// with.
func (s *VideoSession) IsCompatible(
	queueFamilyIndex uint32,
	profile vkdev.VideoProfile,
	pictureFormat vkdev.Format,
	maxCodedExtent vkdev.Extent2D,
	referencePictureFormat vkdev.Format,
	maxDpbSlots uint32,
	maxActiveReferencePictures uint32,
) bool {
	switch {
	case profile != s.createInfo.Profile:
		return false
	case !maxCodedExtent.FitsWithin(s.createInfo.MaxCodedExtent):
		return false
	case maxDpbSlots > s.createInfo.MaxDpbSlots:
		return false
	case maxActiveReferencePictures > s.createInfo.MaxActiveReferencePictures:
		return false
	case referencePictureFormat != s.createInfo.ReferencePictureFormat:
		return false
	case pictureFormat != s.createInfo.PictureFormat:
		return false
	case queueFamilyIndex != s.createInfo.QueueFamilyIndex:
		return false
	}
	return true
}

func (s *VideoSession) Destroy(ctx context.Context) {
	logger.Debugf(ctx, "destroying video session %#x", uint64(s.handle))
	s.dev.DestroyVideoSession(s.handle)
	s.handle = 0
}
