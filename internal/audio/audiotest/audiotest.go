// Package audiotest synthesizes audio fixtures for tests.
package audiotest

import (
	"encoding/base64"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ToneWAV returns a 16-bit PCM WAV holding a 440 Hz sine of the given length.
func ToneWAV(tb testing.TB, seconds float64, sampleRate, channels int) []byte {
	tb.Helper()

	total := int(float64(sampleRate) * seconds)
	data := make([]int, total*channels)
	for i := 0; i < total; i++ {
		v := int(32767 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			data[i*channels+c] = v
		}
	}

	path := filepath.Join(tb.TempDir(), "tone.wav")
	file, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		tb.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		tb.Fatalf("close wav encoder: %v", err)
	}
	if err := file.Close(); err != nil {
		tb.Fatalf("close wav file: %v", err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		tb.Fatalf("read wav: %v", err)
	}
	return out
}

// ToneBase64 is ToneWAV for 16 kHz mono, base64 encoded.
func ToneBase64(tb testing.TB, seconds float64) string {
	tb.Helper()
	return base64.StdEncoding.EncodeToString(ToneWAV(tb, seconds, 16000, 1))
}

// WebM returns size bytes starting with the EBML signature.
func WebM(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0x1A, 0x45, 0xDF, 0xA3})
	return data
}

// Script writes an executable shell script into a temp dir and returns its
// path. Tests using it are skipped where /bin/sh is missing.
func Script(tb testing.TB, body string) string {
	tb.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		tb.Skip("/bin/sh not available")
	}
	path := filepath.Join(tb.TempDir(), "fake.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		tb.Fatalf("write script: %v", err)
	}
	return path
}
