package engine

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodePCM16LittleEndian(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1000}
	pcm := EncodePCM16(nil, samples)
	require.Len(t, pcm, len(samples)*2)
	require.Equal(t, []byte{0, 0, 1, 0, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}, pcm[:10])
	for i, s := range samples {
		require.Equal(t, s, int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
}

func TestEncodePCM16ReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 64)
	out := EncodePCM16(buf, []int16{5, 6})
	require.Len(t, out, 4)
	require.Equal(t, &buf[:1][0], &out[0])
}
