package audio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	codec := NewOpusCodec(48000)
	pcm := []int16{100, -200, 300, -400, 500}

	encoded, err := codec.EncodeFrame(pcm)
	require.NoError(t, err)

	decoded, err := codec.DecodeFrame(encoded)
	require.NoError(t, err)
	require.Equal(t, pcm, decoded)
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	codec := NewOpusCodec(48000)
	_, err := codec.EncodeFrame(nil)
	require.ErrorIs(t, err, ErrEmptyPCM)
}

func TestDownmixStereoToMono(t *testing.T) {
	stereo := []int16{10, 20, 30, 40}
	mono := Downmix(stereo, 2)
	require.Equal(t, []int16{15, 35}, mono)
}

func TestDownmixMonoPassthrough(t *testing.T) {
	mono := []int16{1, 2, 3}
	require.Equal(t, mono, Downmix(mono, 1))
}

func TestPadOrSplitPadsFinalFrame(t *testing.T) {
	pcm := make([]int16, 25)
	for i := range pcm {
		pcm[i] = int16(i + 1)
	}
	frames := PadOrSplit(pcm, 10)
	require.Len(t, frames, 3)
	require.Len(t, frames[2], 10)
	require.Equal(t, int16(21), frames[2][0])
	require.Equal(t, int16(0), frames[2][9])
}

func TestFrameSamples(t *testing.T) {
	require.Equal(t, 960, FrameSamples(48000, 20))
}

func TestResampleSameRateReturnsInput(t *testing.T) {
	pcm := []int16{1, 2, 3}
	require.Equal(t, pcm, Resample(pcm, 48000, 48000))
}

func TestResampleDownsampleShrinksLength(t *testing.T) {
	pcm := make([]int16, 100)
	out := Resample(pcm, 48000, 16000)
	require.Len(t, out, 33)
}
