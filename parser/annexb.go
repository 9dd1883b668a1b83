// annexb.go walks Annex-B byte streams: start-code scanning, NAL unit
// classification and access-unit boundary detection.

package parser

import (
	"bytes"
)

// NALUnit is one NAL unit without its start code.
type NALUnit struct {
	// Offset of the start code within the scanned buffer.
	Offset int
	Data   []byte
}

var startCode3 = []byte{0x00, 0x00, 0x01}

// SplitNALUnits cuts an Annex-B buffer into NAL units. Both 3- and 4-byte
// start codes are accepted. Bytes before the first start code are skipped.
func SplitNALUnits(data []byte) []NALUnit {
	var units []NALUnit
	idx := bytes.Index(data, startCode3)
	for idx >= 0 {
		start := idx + len(startCode3)
		unitOffset := idx
		if idx > 0 && data[idx-1] == 0 {
			unitOffset = idx - 1
		}
		rel := bytes.Index(data[start:], startCode3)
		var payload []byte
		if rel < 0 {
			payload = data[start:]
			idx = -1
		} else {
			end := start + rel
			if end > start && data[end-1] == 0 {
				end--
			}
			payload = data[start:end]
			idx = start + rel
		}
		if len(payload) > 0 {
			units = append(units, NALUnit{Offset: unitOffset, Data: payload})
		}
	}
	return units
}

// SplitAccessUnits cuts an Annex-B buffer into access units: each returned
// chunk holds the slices of exactly one coded picture plus whatever non-VCL
// units (parameter sets, SEI, delimiters) precede it.
func SplitAccessUnits(codec Codec, data []byte) [][]byte {
	units := SplitNALUnits(data)
	if len(units) == 0 {
		return nil
	}

	var aus [][]byte
	auStart := units[0].Offset
	sawVCL := false
	for _, unit := range units {
		isVCL := codec.isVCL(unit.Data)
		boundary := false
		switch {
		case isVCL && sawVCL && codec.firstSliceOfPicture(unit.Data):
			boundary = true
		case !isVCL && sawVCL:
			// Anything after the picture's slices belongs to the next one.
			boundary = true
		}
		if boundary {
			aus = append(aus, data[auStart:unit.Offset])
			auStart = unit.Offset
			sawVCL = false
		}
		if isVCL {
			sawVCL = true
		}
	}
	aus = append(aus, data[auStart:])
	return aus
}

// H.264 NAL unit types.
const (
	h264NalSliceNonIDR = 1
	h264NalSliceIDR    = 5
	h264NalSEI         = 6
	h264NalSPS         = 7
	h264NalPPS         = 8
	h264NalAUD         = 9
)

// H.265 NAL unit types.
const (
	h265NalTrailN    = 0
	h265NalTrailR    = 1
	h265NalRASLR     = 9
	h265NalBLAWLP    = 16
	h265NalIDRWRADL  = 19
	h265NalIDRNLP    = 20
	h265NalCRA       = 21
	h265NalRsvIRAP23 = 23
	h265NalVPS       = 32
	h265NalSPS       = 33
	h265NalPPS       = 34
	h265NalAUD       = 35
	h265NalSEI       = 39
)

func h264NalType(nal []byte) uint8 {
	return nal[0] & 0x1f
}

func h264NalRefIdc(nal []byte) uint8 {
	return nal[0] >> 5 & 0x3
}

func h265NalType(nal []byte) uint8 {
	return nal[0] >> 1 & 0x3f
}

func (c Codec) isVCL(nal []byte) bool {
	if len(nal) == 0 {
		return false
	}
	if c.isH264() {
		t := h264NalType(nal)
		return t >= h264NalSliceNonIDR && t <= h264NalSliceIDR
	}
	return h265NalType(nal) <= h265NalRsvIRAP23
}

func (c Codec) isIRAP(nal []byte) bool {
	if c.isH264() {
		return h264NalType(nal) == h264NalSliceIDR
	}
	t := h265NalType(nal)
	return t >= h265NalBLAWLP && t <= h265NalRsvIRAP23
}

// isReference reports whether the picture is kept in the DPB for prediction.
func (c Codec) isReference(nal []byte) bool {
	if c.isH264() {
		return h264NalRefIdc(nal) != 0
	}
	// Sub-layer non-reference types are the even-valued ones below TSA.
	t := h265NalType(nal)
	if t >= h265NalBLAWLP {
		return true
	}
	return t%2 == 1
}

// firstSliceOfPicture reports whether a VCL NAL starts a new picture:
// first_mb_in_slice (H.264) / first_slice_segment_in_pic_flag (H.265) at
// the very beginning of the slice header.
func (c Codec) firstSliceOfPicture(nal []byte) bool {
	if c.isH264() {
		if len(nal) < 2 {
			return false
		}
		// first_mb_in_slice == 0 encodes as a leading 1 bit (ue(v)).
		return nal[1]&0x80 != 0
	}
	if len(nal) < 3 {
		return false
	}
	return nal[2]&0x80 != 0
}
