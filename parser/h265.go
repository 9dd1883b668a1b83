// h265.go decodes the subset of the H.265 parameter sets the pipeline
// needs. Only the fields up to the conformance window and bit depths are
// read; the rest of the SPS is irrelevant for orchestration.

package parser

import (
	"fmt"
)

type h265SPS struct {
	ID             uint32
	VpsID          uint32
	ChromaFormat   uint32
	BitDepthLuma   uint32
	BitDepthChroma uint32
	MaxDecPicBuf   uint32
	Width          uint32
	Height         uint32
	CropLeft       uint32
	CropRight      uint32
	CropTop        uint32
	CropBottom     uint32
}

func (sps *h265SPS) DisplayWidth() uint32 {
	subWidth := uint32(2)
	if sps.ChromaFormat == 0 || sps.ChromaFormat == 3 {
		subWidth = 1
	}
	return sps.Width - subWidth*(sps.CropLeft+sps.CropRight)
}

func (sps *h265SPS) DisplayHeight() uint32 {
	subHeight := uint32(2)
	if sps.ChromaFormat != 1 {
		subHeight = 1
	}
	return sps.Height - subHeight*(sps.CropTop+sps.CropBottom)
}

func parseH265SPS(nal []byte) (*h265SPS, error) {
	if len(nal) < 4 {
		return nil, fmt.Errorf("SPS NAL of %d bytes is too short", len(nal))
	}
	r := newBitReader(unescapeRBSP(nal[2:])) // 2-byte NAL header
	sps := &h265SPS{}

	vpsID, err := r.readBits(4)
	if err != nil {
		return nil, err
	}
	sps.VpsID = vpsID
	maxSubLayersMinus1, err := r.readBits(3)
	if err != nil {
		return nil, err
	}
	if err := r.skipBits(1); err != nil { // sps_temporal_id_nesting_flag
		return nil, err
	}
	if err := skipProfileTierLevel(r, int(maxSubLayersMinus1)); err != nil {
		return nil, err
	}

	if sps.ID, err = r.readUe(); err != nil {
		return nil, err
	}
	if sps.ChromaFormat, err = r.readUe(); err != nil {
		return nil, err
	}
	if sps.ChromaFormat == 3 {
		if err := r.skipBits(1); err != nil { // separate_colour_plane_flag
			return nil, err
		}
	}
	if sps.Width, err = r.readUe(); err != nil {
		return nil, err
	}
	if sps.Height, err = r.readUe(); err != nil {
		return nil, err
	}
	conformanceWindow, err := r.readBit()
	if err != nil {
		return nil, err
	}
	if conformanceWindow == 1 {
		if sps.CropLeft, err = r.readUe(); err != nil {
			return nil, err
		}
		if sps.CropRight, err = r.readUe(); err != nil {
			return nil, err
		}
		if sps.CropTop, err = r.readUe(); err != nil {
			return nil, err
		}
		if sps.CropBottom, err = r.readUe(); err != nil {
			return nil, err
		}
	}
	bitDepthLumaMinus8, err := r.readUe()
	if err != nil {
		return nil, err
	}
	sps.BitDepthLuma = bitDepthLumaMinus8 + 8
	bitDepthChromaMinus8, err := r.readUe()
	if err != nil {
		return nil, err
	}
	sps.BitDepthChroma = bitDepthChromaMinus8 + 8

	if _, err := r.readUe(); err != nil { // log2_max_pic_order_cnt_lsb_minus4
		return nil, err
	}
	subLayerOrderingPresent, err := r.readBit()
	if err != nil {
		return nil, err
	}
	firstLayer := 0
	if subLayerOrderingPresent == 0 {
		firstLayer = int(maxSubLayersMinus1)
	}
	for i := firstLayer; i <= int(maxSubLayersMinus1); i++ {
		maxDecPicBufMinus1, err := r.readUe()
		if err != nil {
			return nil, err
		}
		sps.MaxDecPicBuf = maxDecPicBufMinus1 + 1
		if _, err := r.readUe(); err != nil { // sps_max_num_reorder_pics
			return nil, err
		}
		if _, err := r.readUe(); err != nil { // sps_max_latency_increase_plus1
			return nil, err
		}
	}

	return sps, nil
}

func skipProfileTierLevel(r *bitReader, maxSubLayersMinus1 int) error {
	// general_profile_space .. general_level_idc
	if err := r.skipBits(2 + 1 + 5 + 32 + 4 + 43 + 1 + 8); err != nil {
		return err
	}
	profilePresent := make([]uint32, maxSubLayersMinus1)
	levelPresent := make([]uint32, maxSubLayersMinus1)
	for i := 0; i < maxSubLayersMinus1; i++ {
		var err error
		if profilePresent[i], err = r.readBit(); err != nil {
			return err
		}
		if levelPresent[i], err = r.readBit(); err != nil {
			return err
		}
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			if err := r.skipBits(2); err != nil {
				return err
			}
		}
	}
	for i := 0; i < maxSubLayersMinus1; i++ {
		if profilePresent[i] == 1 {
			if err := r.skipBits(2 + 1 + 5 + 32 + 4 + 43 + 1); err != nil {
				return err
			}
		}
		if levelPresent[i] == 1 {
			if err := r.skipBits(8); err != nil {
				return err
			}
		}
	}
	return nil
}

type h265PPS struct {
	ID    uint32
	SpsID uint32
}

func parseH265PPS(nal []byte) (*h265PPS, error) {
	if len(nal) < 3 {
		return nil, fmt.Errorf("PPS NAL of %d bytes is too short", len(nal))
	}
	r := newBitReader(unescapeRBSP(nal[2:]))
	pps := &h265PPS{}
	var err error
	if pps.ID, err = r.readUe(); err != nil {
		return nil, err
	}
	if pps.SpsID, err = r.readUe(); err != nil {
		return nil, err
	}
	return pps, nil
}

func parseH265VPSID(nal []byte) (uint32, error) {
	if len(nal) < 3 {
		return 0, fmt.Errorf("VPS NAL of %d bytes is too short", len(nal))
	}
	r := newBitReader(unescapeRBSP(nal[2:]))
	return r.readBits(4)
}
