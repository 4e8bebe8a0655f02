// Package watermark hides a forensic payload in the least-significant bits of outgoing
// frames, recovers it from captured images, and watches for capture attempts.
package watermark

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerBits      = 32
	bytesPerPixel   = 4
	channelsPerPix  = 3 // R, G, B; alpha is never touched
	maxPayloadBytes = 4096
)

var (
	// ErrCapacity means the image has too few color samples for the payload.
	ErrCapacity = errors.New("watermark: image too small for payload")
	// ErrDecode means no valid watermark could be read.
	ErrDecode = errors.New("watermark: no valid watermark")
)

// Capacity returns how many bits an RGBA buffer can carry.
func Capacity(pix []byte) int {
	return (len(pix) / bytesPerPixel) * channelsPerPix
}

// sampleIndex maps the n-th color sample (alpha skipped) to its byte offset.
func sampleIndex(n int) int {
	return (n/channelsPerPix)*bytesPerPixel + n%channelsPerPix
}

// Embed returns a copy of pix with a 32-bit bit-length header followed by data written
// MSB-first into the least-significant bit of successive R, G, B samples.
func Embed(pix []byte, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > maxPayloadBytes {
		return nil, fmt.Errorf("watermark: payload size %d out of range", len(data))
	}
	total := headerBits + len(data)*8
	if total > Capacity(pix) {
		return nil, ErrCapacity
	}

	stream := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(stream, uint32(len(data)*8))
	copy(stream[4:], data)

	out := make([]byte, len(pix))
	copy(out, pix)
	for i := 0; i < total; i++ {
		bit := (stream[i/8] >> (7 - uint(i%8))) & 1
		idx := sampleIndex(i)
		out[idx] = (out[idx] &^ 1) | bit
	}
	return out, nil
}

// Extract reads a watermark written by Embed. It returns ErrDecode when the header is
// implausible or the buffer is too small.
func Extract(pix []byte) ([]byte, error) {
	capacity := Capacity(pix)
	if capacity < headerBits {
		return nil, ErrDecode
	}
	var length uint32
	for i := 0; i < headerBits; i++ {
		length = length<<1 | uint32(pix[sampleIndex(i)]&1)
	}
	n := int(length)
	if n <= 0 || n%8 != 0 || n > maxPayloadBytes*8 || headerBits+n > capacity {
		return nil, ErrDecode
	}
	data := make([]byte, n/8)
	for i := 0; i < n; i++ {
		bit := pix[sampleIndex(headerBits+i)] & 1
		data[i/8] |= bit << (7 - uint(i%8))
	}
	return data, nil
}
