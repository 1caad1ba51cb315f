// Package audio decodes, classifies and quality-gates raw voice payloads.
//
// Ingestion runs in three steps:
//
//  1. Decode: strict base64 to bytes
//  2. DetectFormat: MIME hint first, magic-number sniffing second
//  3. ValidateQuality: minimum duration (exact for WAV, a byte-length
//     approximation for WebM)
//
// Model-backed embedding additionally needs float PCM: DecodePCM handles WAV
// containers and a Transcoder turns WebM into 16 kHz mono PCM.
package audio
