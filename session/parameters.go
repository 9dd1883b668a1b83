// parameters.go tracks which parameter sets are live in the session's
// parameters object.

package session

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/vkdev"
	"github.com/xaionaro-go/xsync"
)

// PictureParameters owns one driver-side session-parameters object and
// remembers which SPS/PPS/VPS ids have been installed into it. Each time
// the bitstream parser emits a parameter set that is not present yet, the
// object is updated in place with a bumped update-sequence count; the decode
// submissions reference the object, so slots hold it alive until released.
type PictureParameters struct {
	dev    vkdev.Device
	handle vkdev.SessionParameters

	locker              xsync.Mutex
	spsIDs              map[uint32]struct{}
	ppsIDs              map[uint32]struct{}
	vpsIDs              map[uint32]struct{}
	updateSequenceCount uint32
}

// ParameterSetUpdate is one parameter set as reported by the parser.
type ParameterSetUpdate struct {
	SpsID *uint32
	PpsID *uint32
	VpsID *uint32
}

func NewPictureParameters(
	ctx context.Context,
	dev vkdev.Device,
	videoSession *VideoSession,
) (*PictureParameters, error) {
	handle, err := dev.CreateSessionParameters(ctx, videoSession.Handle())
	if err != nil {
		return nil, fmt.Errorf("unable to create session parameters: %w", err)
	}
	return &PictureParameters{
		dev:    dev,
		handle: handle,
		spsIDs: map[uint32]struct{}{},
		ppsIDs: map[uint32]struct{}{},
		vpsIDs: map[uint32]struct{}{},
	}, nil
}

func (p *PictureParameters) Handle() vkdev.SessionParameters {
	return p.handle
}

// Update installs the parameter set into the driver object if it is not
// there yet. Returns whether a driver update was performed.
func (p *PictureParameters) Update(
	ctx context.Context,
	update ParameterSetUpdate,
) (bool, error) {
	return xsync.DoR2(ctx, &p.locker, func() (bool, error) {
		changed := false
		if update.VpsID != nil {
			if _, ok := p.vpsIDs[*update.VpsID]; !ok {
				p.vpsIDs[*update.VpsID] = struct{}{}
				changed = true
			}
		}
		if update.SpsID != nil {
			if _, ok := p.spsIDs[*update.SpsID]; !ok {
				p.spsIDs[*update.SpsID] = struct{}{}
				changed = true
			}
		}
		if update.PpsID != nil {
			if _, ok := p.ppsIDs[*update.PpsID]; !ok {
				p.ppsIDs[*update.PpsID] = struct{}{}
				changed = true
			}
		}
		if !changed {
			return false, nil
		}

		p.updateSequenceCount++
		logger.Debugf(ctx, "updating session parameters (sequence count: %d)", p.updateSequenceCount)
		if err := p.dev.UpdateSessionParameters(ctx, p.handle, p.updateSequenceCount); err != nil {
			return false, fmt.Errorf("unable to update session parameters: %w", err)
		}
		return true, nil
	})
}

// HasSps reports whether the SPS id is installed.
func (p *PictureParameters) HasSps(ctx context.Context, id uint32) bool {
	return xsync.DoR1(ctx, &p.locker, func() bool {
		_, ok := p.spsIDs[id]
		return ok
	})
}

// HasPps reports whether the PPS id is installed.
func (p *PictureParameters) HasPps(ctx context.Context, id uint32) bool {
	return xsync.DoR1(ctx, &p.locker, func() bool {
		_, ok := p.ppsIDs[id]
		return ok
	})
}

// UpdateSequenceCount returns the current update-sequence count.
func (p *PictureParameters) UpdateSequenceCount(ctx context.Context) uint32 {
	return xsync.DoR1(ctx, &p.locker, func() uint32 {
		return p.updateSequenceCount
	})
}

func (p *PictureParameters) Destroy(ctx context.Context) {
	p.locker.Do(ctx, func() {
		p.dev.DestroySessionParameters(p.handle)
		p.handle = 0
	})
}
