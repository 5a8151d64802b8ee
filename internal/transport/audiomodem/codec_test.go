package audiomodem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameCodecRoundTripSingleFrame(t *testing.T) {
	cases := []struct {
		name       string
		byteRepeat int
		markerRun  int
		payload    []byte
	}{
		{"no-fec", 1, 16, []byte("hello, gitssh")},
		{"triple-repeat", 3, 16, []byte{0x00, 0x01, 0x02, 0xFF, 0x00}},
		{"empty-payload", 2, 4, []byte{}},
		{"short-marker-run", 1, 4, []byte("x")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewFrameCodec(tc.byteRepeat, tc.markerRun)
			pcm := c.EncodeFrame(tc.payload)

			frames := c.FeedPCM(pcm)
			require.Len(t, frames, 1)
			require.Equal(t, tc.payload, frames[0])
			require.Equal(t, 1, c.FramesDecoded)
		})
	}
}

func TestFrameCodecRoundTripAcrossSplitFeeds(t *testing.T) {
	c := NewFrameCodec(3, 16)
	pcm := c.EncodeFrame([]byte("split across multiple reads"))

	mid := len(pcm) / 2
	first := c.FeedPCM(pcm[:mid])
	require.Empty(t, first, "a half-delivered frame must not decode early")

	second := c.FeedPCM(pcm[mid:])
	require.Len(t, second, 1)
	require.Equal(t, []byte("split across multiple reads"), second[0])
}

func TestFrameCodecConsumesMultipleFramesInOneBuffer(t *testing.T) {
	c := NewFrameCodec(1, 16)
	var pcm []byte
	pcm = append(pcm, c.EncodeFrame([]byte("first"))...)
	pcm = append(pcm, c.EncodeFrame([]byte("second"))...)
	pcm = append(pcm, c.EncodeFrame([]byte("third"))...)

	frames := c.FeedPCM(pcm)
	require.Len(t, frames, 3)
	require.Equal(t, []byte("first"), frames[0])
	require.Equal(t, []byte("second"), frames[1])
	require.Equal(t, []byte("third"), frames[2])
}

// TestFrameCodecTolerantOfLeadingGarbage exercises the marker-run scan's
// ability to resync after noise precedes a valid frame, the PCM analog of
// the clipboard transport's plain-text-noise tolerance.
func TestFrameCodecTolerantOfLeadingGarbage(t *testing.T) {
	c := NewFrameCodec(2, 16)
	garbage := make([]byte, 64)
	for i := range garbage {
		garbage[i] = byte(i % 7)
	}

	pcm := append(garbage, c.EncodeFrame([]byte("after the noise"))...)
	frames := c.FeedPCM(pcm)
	require.Len(t, frames, 1)
	require.Equal(t, []byte("after the noise"), frames[0])
}

// TestFrameCodecRepetitionFECSurvivesSingleSampleFlip perturbs one sample
// of the first repeat group and confirms majority-vote FEC still recovers
// the original payload byte.
func TestFrameCodecRepetitionFECSurvivesSingleSampleFlip(t *testing.T) {
	c := NewFrameCodec(3, 16)
	pcm := c.EncodeFrame([]byte("resilient"))

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		lo, hi := pcm[i*2], pcm[i*2+1]
		samples[i] = int16(uint16(lo) | uint16(hi)<<8)
	}

	// Perturb only the first sample of the first repeated payload group;
	// the other ByteRepeat-1 copies in the group are untouched, so
	// majority-vote FEC still recovers the right byte.
	firstPayloadSample := c.MarkerRun
	samples[firstPayloadSample] += 300

	flippedPCM := make([]byte, len(pcm))
	for i, s := range samples {
		flippedPCM[i*2] = byte(uint16(s))
		flippedPCM[i*2+1] = byte(uint16(s) >> 8)
	}

	out := c.FeedPCM(flippedPCM)
	require.Len(t, out, 1)
	require.Equal(t, []byte("resilient"), out[0])
}

func TestCOBSEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x01, 0x02, 0x03},
		{0x00, 0x00, 0x00},
		make([]byte, 512),
	}
	for _, data := range cases {
		encoded := cobsEncode(data)
		require.NotContains(t, encoded, byte(0x00))
		decoded, err := cobsDecode(encoded)
		require.NoError(t, err)
		require.Equal(t, data, decoded)
	}
}

func TestCOBSDecodeRejectsMalformedInput(t *testing.T) {
	_, err := cobsDecode(nil)
	require.ErrorIs(t, err, ErrInvalidCOBS)

	_, err = cobsDecode([]byte{0x05, 0x01})
	require.ErrorIs(t, err, ErrInvalidCOBS)
}
