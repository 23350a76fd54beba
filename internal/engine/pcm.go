package engine

import "encoding/binary"

// EncodePCM16 writes samples as 16-bit little-endian PCM, reusing dst when it
// has enough capacity.
func EncodePCM16(dst []byte, samples []int16) []byte {
	n := len(samples) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}
