package audio

import (
	"time"

	"github.com/loqalabs/loqa-voiceprint/internal/scrub"
)

// Sample is a decoded, classified and quality-checked payload. It lives for
// a single request.
type Sample struct {
	Data     []byte
	MIMEHint string
	Format   Format
	Duration time.Duration
}

// Release wipes the raw audio.
func (s *Sample) Release() {
	if s == nil {
		return
	}
	scrub.Bytes(s.Data)
	s.Data = nil
}

// Ingest decodes, classifies and validates base64 audio. On failure the
// decoded bytes are wiped before returning.
func Ingest(text, mimeHint string, minSeconds float64) (*Sample, error) {
	data, err := Decode(text)
	if err != nil {
		return nil, err
	}
	format, err := DetectFormat(data, mimeHint)
	if err != nil {
		scrub.Bytes(data)
		return nil, err
	}
	duration, err := ValidateQuality(data, format, minSeconds)
	if err != nil {
		scrub.Bytes(data)
		return nil, err
	}
	return &Sample{Data: data, MIMEHint: mimeHint, Format: format, Duration: duration}, nil
}
