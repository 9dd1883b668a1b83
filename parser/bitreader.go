// bitreader.go is a big-endian bit reader with the Exp-Golomb helpers the
// parameter-set parsers need.

package parser

import (
	"fmt"
)

type bitReader struct {
	data []byte
	pos  int // in bits
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (r *bitReader) readBit() (uint32, error) {
	if r.pos >= len(r.data)*8 {
		return 0, fmt.Errorf("bitstream is over at bit %d", r.pos)
	}
	b := r.data[r.pos/8] >> (7 - uint(r.pos%8)) & 1
	r.pos++
	return uint32(b), nil
}

func (r *bitReader) readBits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | bit
	}
	return v, nil
}

func (r *bitReader) skipBits(n int) error {
	if r.pos+n > len(r.data)*8 {
		return fmt.Errorf("bitstream is over at bit %d", r.pos)
	}
	r.pos += n
	return nil
}

// readUe reads an unsigned Exp-Golomb code (ue(v) in the H.264/H.265 specs).
func (r *bitReader) readUe() (uint32, error) {
	leadingZeros := 0
	for {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		if bit == 1 {
			break
		}
		leadingZeros++
		if leadingZeros > 31 {
			return 0, fmt.Errorf("invalid Exp-Golomb code at bit %d", r.pos)
		}
	}
	if leadingZeros == 0 {
		return 0, nil
	}
	suffix, err := r.readBits(leadingZeros)
	if err != nil {
		return 0, err
	}
	return 1<<uint(leadingZeros) - 1 + suffix, nil
}

// readSe reads a signed Exp-Golomb code (se(v)).
func (r *bitReader) readSe() (int32, error) {
	ue, err := r.readUe()
	if err != nil {
		return 0, err
	}
	if ue%2 == 0 {
		return -int32(ue / 2), nil
	}
	return int32(ue/2 + 1), nil
}

// unescapeRBSP removes the emulation-prevention bytes (00 00 03) from a NAL
// unit payload.
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for i := 0; i < len(data); i++ {
		if zeros >= 2 && data[i] == 0x03 && i+1 < len(data) && data[i+1] <= 0x03 {
			zeros = 0
			continue
		}
		if data[i] == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, data[i])
	}
	return out
}
