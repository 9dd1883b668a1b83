// Package demuxer extracts an Annex-B elementary video stream from input
// files: containers go through FFmpeg, raw .h264/.h265 files are framed
// locally.
package demuxer

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/xaionaro-go/vkvideopipe/parser"
)

// Demuxer hands out one access unit per call, in decode order, as Annex-B
// bytes.
type Demuxer interface {
	Codec() parser.Codec
	// ReadAccessUnit returns the next access unit. At the end of the stream
	// it returns a packet with EndOfStream set (and no payload).
	ReadAccessUnit(ctx context.Context) (*parser.SourcePacket, error)
	// Rewind repositions to the first access unit.
	Rewind(ctx context.Context) error
	Close(ctx context.Context) error
}

// New opens the given path with the appropriate demuxer. Raw elementary
// streams are detected by extension; everything else goes through FFmpeg.
func New(
	ctx context.Context,
	path string,
	codecHint parser.Codec,
) (Demuxer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h264", ".264", ".avc":
		return NewElementary(ctx, path, parser.CodecH264)
	case ".h265", ".265", ".hevc":
		return NewElementary(ctx, path, parser.CodecH265)
	case ".bin", ".raw":
		if codecHint == 0 {
			codecHint = parser.CodecH264
		}
		return NewElementary(ctx, path, codecHint)
	}
	return NewFFmpeg(ctx, path)
}
