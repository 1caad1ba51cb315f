package audio

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voiceprint/internal/scrub"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

// PCM is mono float audio in [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length.
func (p *PCM) Duration() time.Duration {
	if p == nil || p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(p.Samples)) * time.Second / time.Duration(p.SampleRate)
}

// Release wipes the samples.
func (p *PCM) Release() {
	if p == nil {
		return
	}
	scrub.Float32s(p.Samples)
	p.Samples = nil
}

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// DecodePCM decodes an integer PCM WAV container into mono float samples.
// Multi-channel input is averaged.
func DecodePCM(data []byte) (*PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, voiceerr.Wrap(voiceerr.ErrDecode, "audio.pcm", "invalid WAV payload", dec.Err())
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return nil, voiceerr.New(voiceerr.ErrDecode, "audio.pcm", "unsupported WAV encoding")
	}
	if dec.SampleRate == 0 {
		return nil, voiceerr.New(voiceerr.ErrDecode, "audio.pcm", "invalid WAV sample rate")
	}
	if dec.NumChans == 0 {
		return nil, voiceerr.New(voiceerr.ErrDecode, "audio.pcm", "invalid WAV channels")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, voiceerr.Wrap(voiceerr.ErrDecode, "audio.pcm", "invalid WAV payload", err)
	}
	defer scrub.Ints(buf.Data)

	var scale, offset float64
	switch buf.SourceBitDepth {
	case 8:
		scale, offset = 128, 128
	case 16:
		scale = 1 << 15
	case 24:
		scale = 1 << 23
	case 32:
		scale = 1 << 31
	default:
		return nil, voiceerr.New(voiceerr.ErrDecode, "audio.pcm", "unsupported WAV sample width")
	}

	channels := int(dec.NumChans)
	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += (float64(buf.Data[i*channels+c]) - offset) / scale
		}
		samples[i] = float32(sum / float64(channels))
	}
	return &PCM{Samples: samples, SampleRate: int(dec.SampleRate)}, nil
}

// PCMFromS16LE converts raw signed 16-bit little-endian mono PCM.
func PCMFromS16LE(raw []byte, sampleRate int) (*PCM, error) {
	if len(raw)%2 != 0 {
		return nil, voiceerr.New(voiceerr.ErrDecode, "audio.pcm", "pcm payload not aligned")
	}
	if sampleRate <= 0 {
		return nil, voiceerr.New(voiceerr.ErrDecode, "audio.pcm", "invalid sample rate")
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	return &PCM{Samples: samples, SampleRate: sampleRate}, nil
}
