package ctr

import (
	ctrstream "github.com/devgianlu/go-ctrstream"
)

// Range is a requested byte range adjusted to the cipher block boundaries.
type Range struct {
	// AlignedOffset is the requested offset rounded down to a block boundary.
	AlignedOffset int64
	// Discard is the number of plaintext bytes at the start of the range
	// that precede the requested offset and must be dropped.
	Discard int
	// AdjustedLength is the length to request starting from AlignedOffset,
	// or ctrstream.LengthUnknown if the range extends to the end.
	AdjustedLength int64
}

// Align maps offset and length to the nearest block boundary at or before offset.
func Align(offset, length int64, blockSize int) Range {
	if blockSize <= 0 {
		panic("invalid block size")
	} else if offset < 0 {
		panic("negative offset")
	}

	bs := int64(blockSize)
	aligned := (offset / bs) * bs
	discard := offset - aligned

	adjusted := ctrstream.LengthUnknown
	if length != ctrstream.LengthUnknown {
		adjusted = length + discard
	}

	return Range{AlignedOffset: aligned, Discard: int(discard), AdjustedLength: adjusted}
}

// Unaligned returns the range for a plain stream: the offset is used verbatim.
func Unaligned(offset, length int64) Range {
	return Range{AlignedOffset: offset, Discard: 0, AdjustedLength: length}
}
