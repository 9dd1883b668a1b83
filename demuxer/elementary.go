package demuxer

import (
	"context"
	"fmt"
	"os"

	"github.com/xaionaro-go/vkvideopipe/logger"
	"github.com/xaionaro-go/vkvideopipe/parser"
	"github.com/xaionaro-go/vkvideopipe/videoerr"
)

// ElementaryDemuxer serves a raw Annex-B elementary stream from a file.
// The whole file is framed into access units up front; test clips are small
// enough that streaming the framing would buy nothing.
type ElementaryDemuxer struct {
	path  string
	codec parser.Codec
	aus   [][]byte
	next  int
}

var _ Demuxer = (*ElementaryDemuxer)(nil)

func NewElementary(
	ctx context.Context,
	path string,
	codec parser.Codec,
) (_ *ElementaryDemuxer, _err error) {
	logger.Debugf(ctx, "NewElementary(%s, %s)", path, codec)
	defer func() { logger.Debugf(ctx, "/NewElementary(%s, %s): %v", path, codec, _err) }()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, videoerr.DemuxError{Err: fmt.Errorf("unable to read '%s': %w", path, err)}
	}
	aus := parser.SplitAccessUnits(codec, data)
	if len(aus) == 0 {
		return nil, videoerr.DemuxError{Err: fmt.Errorf("no NAL units found in '%s'", path)}
	}
	logger.Debugf(ctx, "framed %d bytes into %d access units", len(data), len(aus))
	return &ElementaryDemuxer{
		path:  path,
		codec: codec,
		aus:   aus,
	}, nil
}

func (d *ElementaryDemuxer) Codec() parser.Codec {
	return d.codec
}

// ReadAccessUnit returns access units in file order. Raw streams carry no
// timestamps, so the access-unit index is used instead.
func (d *ElementaryDemuxer) ReadAccessUnit(
	ctx context.Context,
) (*parser.SourcePacket, error) {
	if d.next >= len(d.aus) {
		return &parser.SourcePacket{EndOfStream: true}, nil
	}
	au := d.aus[d.next]
	pkt := &parser.SourcePacket{
		Payload:   au,
		Timestamp: int64(d.next),
	}
	d.next++
	return pkt, nil
}

func (d *ElementaryDemuxer) Rewind(ctx context.Context) error {
	logger.Debugf(ctx, "Rewind")
	d.next = 0
	return nil
}

func (d *ElementaryDemuxer) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.aus = nil
	return nil
}
