package audio

import (
	"bytes"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

const (
	// DefaultMinSeconds is the shortest accepted recording.
	DefaultMinSeconds = 1.0

	// MinWebMBytes approximates one second of WebM/Opus audio. No container
	// parse happens for WebM at this layer, so this is a size heuristic with
	// unmeasured error bounds, not a duration check.
	MinWebMBytes = 12_000
)

// ValidateQuality rejects audio shorter than minSeconds. It returns the
// derived duration for WAV and zero for WebM.
func ValidateQuality(data []byte, format Format, minSeconds float64) (time.Duration, error) {
	switch format {
	case FormatWAV:
		seconds, err := wavSeconds(data)
		if err != nil {
			return 0, err
		}
		if seconds < minSeconds {
			return 0, tooShort()
		}
		return time.Duration(seconds * float64(time.Second)), nil
	case FormatWebM:
		if len(data) < MinWebMBytes {
			return 0, tooShort()
		}
		return 0, nil
	}
	return 0, voiceerr.New(voiceerr.ErrFormat, "audio.validate", "unsupported audio format")
}

// WAVDuration parses the container header and returns frameCount/frameRate.
func WAVDuration(data []byte) (time.Duration, error) {
	seconds, err := wavSeconds(data)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func wavSeconds(data []byte) (float64, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, voiceerr.Wrap(voiceerr.ErrDecode, "audio.validate", "invalid WAV payload", dec.Err())
	}
	if err := dec.FwdToPCM(); err != nil || !dec.WasPCMAccessed() {
		return 0, voiceerr.Wrap(voiceerr.ErrDecode, "audio.validate", "invalid WAV payload", err)
	}
	frameSize := int64(dec.NumChans) * int64((dec.BitDepth+7)/8)
	if dec.SampleRate == 0 || frameSize == 0 {
		return 0, nil
	}
	frames := dec.PCMLen() / frameSize
	return float64(frames) / float64(dec.SampleRate), nil
}

func tooShort() error {
	return voiceerr.New(voiceerr.ErrQuality, "audio.validate", "audio is too short; minimum 1 second is required")
}
