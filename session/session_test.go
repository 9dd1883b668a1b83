package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
)

func testCreateInfo() *vkdev.SessionCreateInfo {
	return &vkdev.SessionCreateInfo{
		QueueFamilyIndex: 0,
		Profile: vkdev.VideoProfile{
			Operation:         vkdev.CodecOperationDecodeH264,
			ChromaSubsampling: 420,
			LumaBitDepth:      8,
			ChromaBitDepth:    8,
		},
		PictureFormat:              vkdev.FormatNV12,
		ReferencePictureFormat:     vkdev.FormatNV12,
		MaxCodedExtent:             vkdev.Extent2D{Width: 640, Height: 480},
		MaxDpbSlots:                8,
		MaxActiveReferencePictures: 7,
	}
}

func TestSessionCompatibility(t *testing.T) {
	ctx := context.Background()
	dev := vkdev.NewSoftDevice(vkdev.SoftDeviceConfig{})
	info := testCreateInfo()
	s, err := Create(ctx, dev, info)
	require.NoError(t, err)
	defer s.Destroy(ctx)

	compatible := func(mutate func(*vkdev.SessionCreateInfo)) bool {
		probe := *testCreateInfo()
		mutate(&probe)
		return s.IsCompatible(
			probe.QueueFamilyIndex,
			probe.Profile,
			probe.PictureFormat,
			probe.MaxCodedExtent,
			probe.ReferencePictureFormat,
			probe.MaxDpbSlots,
			probe.MaxActiveReferencePictures,
		)
	}

	require.True(t, compatible(func(i *vkdev.SessionCreateInfo) {}))
	// Anything within the recorded maxima keeps the session.
	require.True(t, compatible(func(i *vkdev.SessionCreateInfo) {
		i.MaxCodedExtent = vkdev.Extent2D{Width: 320, Height: 240}
		i.MaxDpbSlots = 4
		i.MaxActiveReferencePictures = 3
	}))

	require.False(t, compatible(func(i *vkdev.SessionCreateInfo) {
		i.MaxCodedExtent = vkdev.Extent2D{Width: 1280, Height: 720}
	}))
	require.False(t, compatible(func(i *vkdev.SessionCreateInfo) {
		i.MaxDpbSlots = 9
	}))
	require.False(t, compatible(func(i *vkdev.SessionCreateInfo) {
		i.Profile.Operation = vkdev.CodecOperationDecodeH265
	}))
	require.False(t, compatible(func(i *vkdev.SessionCreateInfo) {
		i.PictureFormat = vkdev.FormatP010
	}))
	require.False(t, compatible(func(i *vkdev.SessionCreateInfo) {
		i.QueueFamilyIndex = 1
	}))
}

func TestPictureParametersDeduplicate(t *testing.T) {
	ctx := context.Background()
	dev := vkdev.NewSoftDevice(vkdev.SoftDeviceConfig{})
	s, err := Create(ctx, dev, testCreateInfo())
	require.NoError(t, err)
	defer s.Destroy(ctx)

	p, err := NewPictureParameters(ctx, dev, s)
	require.NoError(t, err)
	defer p.Destroy(ctx)

	spsID, ppsID := uint32(0), uint32(0)
	changed, err := p.Update(ctx, ParameterSetUpdate{SpsID: &spsID})
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, p.HasSps(ctx, 0))
	require.False(t, p.HasPps(ctx, 0))
	require.Equal(t, uint32(1), p.UpdateSequenceCount(ctx))

	// A repeated parameter set is a no-op.
	changed, err = p.Update(ctx, ParameterSetUpdate{SpsID: &spsID})
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, uint32(1), p.UpdateSequenceCount(ctx))

	changed, err = p.Update(ctx, ParameterSetUpdate{PpsID: &ppsID})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, uint32(2), p.UpdateSequenceCount(ctx))
}
