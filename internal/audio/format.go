package audio

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

// Format is a supported audio container.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatWebM Format = "webm"
)

var (
	riffMagic = []byte("RIFF")
	waveMagic = []byte("WAVE")
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
)

// Decode strictly decodes standard base64 text.
func Decode(text string) ([]byte, error) {
	data, err := base64.StdEncoding.Strict().DecodeString(text)
	if err != nil {
		return nil, voiceerr.Wrap(voiceerr.ErrFormat, "audio.decode", "audio must be valid base64", err)
	}
	if len(data) == 0 {
		return nil, voiceerr.New(voiceerr.ErrFormat, "audio.decode", "audio payload is empty")
	}
	return data, nil
}

// DetectFormat classifies data. A recognised MIME hint always wins, even
// when the bytes would sniff as something else.
func DetectFormat(data []byte, mimeHint string) (Format, error) {
	if format, ok := formatFromMIME(mimeHint); ok {
		return format, nil
	}
	if len(data) >= 12 && bytes.Equal(data[:4], riffMagic) && bytes.Equal(data[8:12], waveMagic) {
		return FormatWAV, nil
	}
	if len(data) >= 4 && bytes.Equal(data[:4], ebmlMagic) {
		return FormatWebM, nil
	}
	return "", voiceerr.New(voiceerr.ErrFormat, "audio.detect", "unsupported audio format (expected WAV or WebM)")
}

func formatFromMIME(hint string) (Format, bool) {
	mime := strings.ToLower(strings.TrimSpace(hint))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "audio/wav", "audio/x-wav", "audio/wave", "wav":
		return FormatWAV, true
	case "audio/webm", "webm":
		return FormatWebM, true
	}
	return "", false
}
