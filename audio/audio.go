// Package audio is the opaque codec boundary SPEC_FULL.md §4.2 describes for
// the call orchestrator's media path: real Opus encoding is out of scope
// (spec.md §1 Non-goals), so outgoing frames are carried as length-tagged
// PCM through an encoder that satisfies the Opus interface shape, while
// incoming frames are decoded with the real github.com/pion/opus decoder —
// mirroring exactly how the teacher's av/audio package is built (codec.go,
// processor.go: SimplePCMEncoder on the encode side, pion/opus on the
// decode side) and why it calls that arrangement "minimal viable but
// interface-compatible."
package audio

import (
	"encoding/binary"
	"errors"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

var (
	ErrEmptyPCM     = errors.New("audio: empty pcm data")
	ErrShortFrame   = errors.New("audio: encoded frame too short")
	ErrRateMismatch = errors.New("audio: unsupported sample rate")
)

// Codec is the boundary the call orchestrator's audio workers depend on.
// Production code is expected to wire a real Opus implementation behind
// this interface when one becomes available; Codec itself carries no
// Opus-specific types.
type Codec interface {
	EncodeFrame(pcm []int16) ([]byte, error)
	DecodeFrame(data []byte) ([]int16, error)
}

// OpusCodec is the default Codec, grounded on the teacher's OpusCodec
// wrapper: PCM passthrough framing on encode, pion/opus on decode.
type OpusCodec struct {
	decoder    opus.Decoder
	sampleRate uint32
	log        *logrus.Entry
}

// NewOpusCodec builds the default codec for one call's audio track,
// negotiated at sampleRate (spec.md §4.2 track negotiation).
func NewOpusCodec(sampleRate uint32) *OpusCodec {
	return &OpusCodec{
		decoder:    opus.NewDecoder(),
		sampleRate: sampleRate,
		log:        logrus.WithField("component", "audio.OpusCodec"),
	}
}

// EncodeFrame packages one PCM frame for transmission. The wire format is
// a 4-byte little-endian sample count followed by raw little-endian int16
// samples — a PCM passthrough frame, not a real Opus bitstream, matching
// the teacher's SimplePCMEncoder behavior behind the same interface shape
// a real encoder would expose.
func (c *OpusCodec) EncodeFrame(pcm []int16) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyPCM
	}
	out := make([]byte, 4+len(pcm)*2)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(pcm)))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[4+i*2:4+i*2+2], uint16(s))
	}
	c.log.WithField("samples", len(pcm)).Debug("encoded outgoing audio frame")
	return out, nil
}

// DecodeFrame decodes a frame produced by EncodeFrame. Any other payload
// (such as real Opus from a peer running an actual Opus encoder) is routed
// through pion/opus instead: a frame is treated as PCM framing only when its
// 4-byte little-endian sample count n satisfies 4+2n == len(data).
func (c *OpusCodec) DecodeFrame(data []byte) ([]int16, error) {
	if len(data) >= 4 {
		if n := binary.LittleEndian.Uint32(data[0:4]); int(n)*2+4 == len(data) {
			pcm := make([]int16, n)
			for i := range pcm {
				off := 4 + i*2
				pcm[i] = int16(binary.LittleEndian.Uint16(data[off : off+2]))
			}
			return pcm, nil
		}
	}
	if len(data) < 1 {
		return nil, ErrShortFrame
	}

	outputSize := 1920 * 2
	output := make([]byte, outputSize)
	bandwidth, isStereo, err := c.decoder.Decode(data, output)
	if err != nil {
		return nil, err
	}
	sampleCount := len(output) / 2
	if isStereo {
		sampleCount /= 2
	}
	pcm := make([]int16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		pcm[i] = int16(output[i*2]) | int16(output[i*2+1])<<8
	}
	c.log.WithFields(logrus.Fields{
		"bandwidth": bandwidth.String(),
		"stereo":    isStereo,
	}).Debug("decoded incoming opus audio frame")
	return pcm, nil
}

// Downmix collapses an interleaved multi-channel PCM buffer to mono by
// averaging each frame's channels, per SPEC_FULL.md §4.2's publish-path
// description ("downmixes to mono").
func Downmix(pcm []int16, channels int) []int16 {
	if channels <= 1 || len(pcm) == 0 {
		return pcm
	}
	frames := len(pcm) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(pcm[i*channels+ch])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// PadOrSplit slices mono PCM into fixed-size frames of frameSamples,
// zero-padding the final partial frame, matching SPEC_FULL.md §4.2's
// "pads/splits to the frame-sample count" requirement.
func PadOrSplit(pcm []int16, frameSamples int) [][]int16 {
	if frameSamples <= 0 || len(pcm) == 0 {
		return nil
	}
	var frames [][]int16
	for off := 0; off < len(pcm); off += frameSamples {
		end := off + frameSamples
		if end <= len(pcm) {
			frames = append(frames, pcm[off:end])
			continue
		}
		frame := make([]int16, frameSamples)
		copy(frame, pcm[off:])
		frames = append(frames, frame)
	}
	return frames
}

// Resample linearly interpolates mono PCM from inputRate to outputRate,
// grounded on the teacher's Resampler (av/audio/resampler.go), which picks
// linear interpolation specifically to avoid an external DSP dependency.
func Resample(pcm []int16, inputRate, outputRate uint32) []int16 {
	if inputRate == outputRate || len(pcm) == 0 {
		return pcm
	}
	ratio := float64(inputRate) / float64(outputRate)
	outLen := int(float64(len(pcm)) / ratio)
	out := make([]int16, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		if idx+1 >= len(pcm) {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		out[i] = int16(float64(pcm[idx])*(1-frac) + float64(pcm[idx+1])*frac)
	}
	return out
}

// FrameSamples returns the sample count of one frameMs frame at sampleRate,
// the quantity the call orchestrator uses to size PadOrSplit's output and
// to pace its audio worker (spec.md §4.2: 20ms cadence).
func FrameSamples(sampleRate uint32, frameMs int) int {
	return int(sampleRate) * frameMs / 1000
}

// DecodePCM16LE decodes raw little-endian PCM16 sample bytes, the on-disk
// format send_audio_file reads (no container, matching the wire framing
// EncodeFrame/DecodeFrame already use for PCM passthrough).
func DecodePCM16LE(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return out
}

// EncodeWAV wraps little-endian PCM16 sample bytes (as produced by
// pcmToBytes/EncodeFrame's wire framing, minus the frame's length prefix)
// in a canonical 44-byte RIFF/WAVE header, the format spec.md §4.2 names
// for the chunked files the AudioSinkChunks path writes out-of-band. No
// WAV-writing library appears anywhere in the example corpus, so this
// follows the same manual binary.LittleEndian framing EncodeFrame above
// already uses rather than reaching for one.
func EncodeWAV(pcmBytes []byte, sampleRate uint32, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	dataSize := len(pcmBytes)
	byteRate := sampleRate * uint32(channels) * 2
	blockAlign := uint16(channels * 2)

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], sampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], byteRate)
	binary.LittleEndian.PutUint16(buf[32:34], blockAlign)
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcmBytes)
	return buf
}
