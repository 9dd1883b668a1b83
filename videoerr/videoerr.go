// Package videoerr defines the error taxonomy of the decode pipeline.
//
// Every failure that the original sample code handled with an assertion is
// expressed here as a typed error, so that callers can decide per kind
// whether to recover (e.g. backpressure on PoolExhausted) or to terminate
// the video session.
package videoerr

import (
	"fmt"
	"time"
)

// PoolExhausted is returned by the frame buffer when no picture slot has a
// zero reference count. It is a flow-control signal: the caller should stop
// feeding the parser until the consumer releases a frame.
type PoolExhausted struct {
	PoolSize int
}

func (e PoolExhausted) Error() string {
	return fmt.Sprintf("no available picture slot in a pool of %d", e.PoolSize)
}

// PoolTooLarge is returned when an image pool is requested with more slots
// than the frame buffer can address.
type PoolTooLarge struct {
	Requested int
	Max       int
}

func (e PoolTooLarge) Error() string {
	return fmt.Sprintf("requested %d picture slots, the maximum is %d", e.Requested, e.Max)
}

// InvalidPictureIndex is returned when an operation references a picture
// slot outside the configured pool, or one in a state the operation does
// not permit.
type InvalidPictureIndex struct {
	PictureIndex int
	PoolSize     int
}

func (e InvalidPictureIndex) Error() string {
	return fmt.Sprintf("invalid picture index %d (pool size: %d)", e.PictureIndex, e.PoolSize)
}

// StaleRelease is returned when a consumer releases a picture whose
// recorded decode/display order does not match the slot's current state,
// i.e. the release record refers to a previous occupant of the slot.
type StaleRelease struct {
	PictureIndex         int
	ExpectedDecodeOrder  uint64
	ReportedDecodeOrder  uint64
	ExpectedDisplayOrder uint64
	ReportedDisplayOrder uint64
}

func (e StaleRelease) Error() string {
	return fmt.Sprintf(
		"stale release of picture %d: decode order %d (expected %d), display order %d (expected %d)",
		e.PictureIndex,
		e.ReportedDecodeOrder, e.ExpectedDecodeOrder,
		e.ReportedDisplayOrder, e.ExpectedDisplayOrder,
	)
}

// SessionIncompatible is returned when a new video sequence requires more
// than the current video session was created with and a caller asked to
// reuse it anyway.
type SessionIncompatible struct {
	Reason string
}

func (e SessionIncompatible) Error() string {
	return fmt.Sprintf("video session is incompatible with the new sequence: %s", e.Reason)
}

// CapabilityUnsupported is returned when the device does not support the
// requested codec operation, format or extent.
type CapabilityUnsupported struct {
	What string
	Err  error
}

func (e CapabilityUnsupported) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unsupported capability: %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("unsupported capability: %s", e.What)
}

func (e CapabilityUnsupported) Unwrap() error {
	return e.Err
}

// GpuSyncTimeout is returned when a bounded fence wait expires before the
// GPU signals completion.
type GpuSyncTimeout struct {
	FenceName string
	Timeout   time.Duration
}

func (e GpuSyncTimeout) Error() string {
	return fmt.Sprintf("fence '%s' is not signaled after %v", e.FenceName, e.Timeout)
}

// DemuxError wraps a failure of the container/elementary stream demuxer.
type DemuxError struct {
	Err error
}

func (e DemuxError) Error() string {
	return fmt.Sprintf("demuxing failed: %v", e.Err)
}

func (e DemuxError) Unwrap() error {
	return e.Err
}

// ParseError wraps a failure of the bitstream parser.
type ParseError struct {
	Offset uint64
	Err    error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parsing failed at bitstream offset %d: %v", e.Offset, e.Err)
}

func (e ParseError) Unwrap() error {
	return e.Err
}
