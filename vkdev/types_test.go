package vkdev

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVideoProfileHoldsChromaSubsampling(t *testing.T) {
	p := VideoProfile{
		Operation:         CodecOperationDecodeH264,
		ChromaSubsampling: 420,
		LumaBitDepth:      8,
		ChromaBitDepth:    8,
	}
	require.EqualValues(t, 420, p.ChromaSubsampling)
	require.Equal(t, "h264-decode/4:2:0/8-bit", p.String())
}
