// h264.go decodes the subset of the H.264 sequence/picture parameter sets
// the pipeline needs: geometry, bit depth and DPB sizing. Entropy-level
// parsing stays in the driver.

package parser

import (
	"fmt"
)

type h264SPS struct {
	ID             uint32
	ProfileIdc     uint8
	LevelIdc       uint8
	ChromaFormat   uint32
	BitDepthLuma   uint32
	BitDepthChroma uint32
	MaxNumRefs     uint32
	Width          uint32
	Height         uint32
	CropLeft       uint32
	CropRight      uint32
	CropTop        uint32
	CropBottom     uint32
}

// DisplayWidth returns the cropped width.
func (sps *h264SPS) DisplayWidth() uint32 {
	cropUnit := uint32(2)
	if sps.ChromaFormat == 0 || sps.ChromaFormat == 3 {
		cropUnit = 1
	}
	return sps.Width - cropUnit*(sps.CropLeft+sps.CropRight)
}

func (sps *h264SPS) DisplayHeight() uint32 {
	cropUnit := uint32(2)
	if sps.ChromaFormat == 3 {
		cropUnit = 1
	}
	return sps.Height - cropUnit*(sps.CropTop+sps.CropBottom)
}

func parseH264SPS(nal []byte) (*h264SPS, error) {
	if len(nal) < 4 {
		return nil, fmt.Errorf("SPS NAL of %d bytes is too short", len(nal))
	}
	r := newBitReader(unescapeRBSP(nal[1:]))
	sps := &h264SPS{ChromaFormat: 1, BitDepthLuma: 8, BitDepthChroma: 8}

	profileIdc, err := r.readBits(8)
	if err != nil {
		return nil, err
	}
	sps.ProfileIdc = uint8(profileIdc)
	if err := r.skipBits(8); err != nil { // constraint flags + reserved
		return nil, err
	}
	levelIdc, err := r.readBits(8)
	if err != nil {
		return nil, err
	}
	sps.LevelIdc = uint8(levelIdc)

	if sps.ID, err = r.readUe(); err != nil {
		return nil, err
	}

	switch sps.ProfileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		if sps.ChromaFormat, err = r.readUe(); err != nil {
			return nil, err
		}
		if sps.ChromaFormat == 3 {
			if err := r.skipBits(1); err != nil { // separate_colour_plane_flag
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
		if err := r.skipBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return nil, err
		}
		scalingMatrixPresent, err := r.readBit()
		if err != nil {
			return nil, err
		}
		if scalingMatrixPresent == 1 {
			lists := 8
			if sps.ChromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				present, err := r.readBit()
				if err != nil {
					return nil, err
				}
				if present == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := skipScalingList(r, size); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	if _, err := r.readUe(); err != nil { // log2_max_frame_num_minus4
		return nil, err
	}
	picOrderCntType, err := r.readUe()
	if err != nil {
		return nil, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := r.readUe(); err != nil { // log2_max_pic_order_cnt_lsb_minus4
			return nil, err
		}
	case 1:
		if err := r.skipBits(1); err != nil { // delta_pic_order_always_zero_flag
			return nil, err
		}
		if _, err := r.readSe(); err != nil { // offset_for_non_ref_pic
			return nil, err
		}
		if _, err := r.readSe(); err != nil { // offset_for_top_to_bottom_field
			return nil, err
		}
		numRefFramesInCycle, err := r.readUe()
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < numRefFramesInCycle; i++ {
			if _, err := r.readSe(); err != nil {
				return nil, err
			}
		}
	}

	if sps.MaxNumRefs, err = r.readUe(); err != nil {
		return nil, err
	}
	if err := r.skipBits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return nil, err
	}

	picWidthInMbsMinus1, err := r.readUe()
	if err != nil {
		return nil, err
	}
	picHeightInMapUnitsMinus1, err := r.readUe()
	if err != nil {
		return nil, err
	}
	frameMbsOnly, err := r.readBit()
	if err != nil {
		return nil, err
	}
	if frameMbsOnly == 0 {
		if err := r.skipBits(1); err != nil { // mb_adaptive_frame_field_flag
			return nil, err
		}
	}
	sps.Width = (picWidthInMbsMinus1 + 1) * 16
	sps.Height = (picHeightInMapUnitsMinus1 + 1) * 16 * (2 - frameMbsOnly)

	if err := r.skipBits(1); err != nil { // direct_8x8_inference_flag
		return nil, err
	}
	cropping, err := r.readBit()
	if err != nil {
		return nil, err
	}
	if cropping == 1 {
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

	return sps, nil
}

func skipScalingList(r *bitReader, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			delta, err := r.readSe()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

type h264PPS struct {
	ID    uint32
	SpsID uint32
}

func parseH264PPS(nal []byte) (*h264PPS, error) {
	if len(nal) < 2 {
		return nil, fmt.Errorf("PPS NAL of %d bytes is too short", len(nal))
	}
	r := newBitReader(unescapeRBSP(nal[1:]))
	pps := &h264PPS{}
	var err error
	if pps.ID, err = r.readUe(); err != nil {
		return nil, err
	}
	if pps.SpsID, err = r.readUe(); err != nil {
		return nil, err
	}
	return pps, nil
}
