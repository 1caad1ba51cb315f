package voiceerr

import "errors"

// Wire error codes.
const (
	CodeBadRequest           = "BAD_REQUEST"
	CodeInvalidAudio         = "INVALID_AUDIO"
	CodeModelUnavailable     = "MODEL_UNAVAILABLE"
	CodeProofGeneration      = "PROOF_GENERATION_ERROR"
	CodeCommitmentGeneration = "COMMITMENT_GENERATION_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrBadRequest marks a request missing required fields. It is raised by
// the transport, never by the core.
var ErrBadRequest = errors.New("bad request")

// Code maps err to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrFormat), errors.Is(err, ErrQuality), errors.Is(err, ErrDecode):
		return CodeInvalidAudio
	case errors.Is(err, ErrModelUnavailable):
		return CodeModelUnavailable
	case errors.Is(err, ErrProofGeneration):
		return CodeProofGeneration
	default:
		return CodeInternal
	}
}

// PublicMessage returns the message safe to show to a caller. Unclassified
// errors are collapsed to a generic string.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if KindOf(err) == nil && !errors.Is(err, ErrBadRequest) {
		return "unexpected server error"
	}
	return err.Error()
}
