package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	SubjectExtract = "voice.features.extract"
	SubjectCommit  = "voice.commitment.generate"
	SubjectProve   = "voice.proof.generate"

	// QueueGroup load-balances requests across voiceprint nodes.
	QueueGroup = "voiceprint"
)

// ExtractRequest carries base64 audio and an optional MIME hint.
type ExtractRequest struct {
	Audio    string `json:"audio"`
	MimeType string `json:"mimeType,omitempty"`
}

// ExtractResponse holds the float features, their binarization and the
// packed words as decimal strings.
type ExtractResponse struct {
	Features       []float64 `json:"features"`
	BinaryFeatures []int     `json:"binaryFeatures"`
	PackedFeatures []string  `json:"packedFeatures"`
	Format         string    `json:"format"`
	ModelUsed      string    `json:"modelUsed"`
}

// CommitRequest asks for a commitment over previously packed features.
type CommitRequest struct {
	Features Words `json:"features"`
	Salt     Salt  `json:"salt"`
}

type CommitResponse struct {
	Commitment     string   `json:"commitment"`
	PackedFeatures []string `json:"packedFeatures"`
}

// ProveRequest asks for an ownership proof between two packed feature sets.
type ProveRequest struct {
	ReferenceFeatures Words `json:"referenceFeatures"`
	CurrentFeatures   Words `json:"currentFeatures"`
	Salt              Salt  `json:"salt"`
}

type ProveResponse struct {
	Proof           json.RawMessage `json:"proof"`
	PublicSignals   []string        `json:"publicSignals"`
	Commitment      string          `json:"commitment"`
	HammingDistance int             `json:"hammingDistance"`
}

// ErrorBody is the payload of a failed reply.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// RemoteError is a failed reply surfaced to a caller.
type RemoteError struct {
	ErrorBody
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DecodeReply unmarshals a reply into v, or returns a *RemoteError when the
// reply carries an error body.
func DecodeReply(data []byte, v any) error {
	var envelope struct {
		Error *ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if envelope.Error != nil {
		return &RemoteError{ErrorBody: *envelope.Error}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// Words holds packed feature words as decimal text. It accepts JSON numbers
// and strings so 64-bit words survive clients without big integers. A
// missing or null field leaves it nil.
type Words []string

func (w *Words) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*w = nil
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.New("packed features must be an array")
	}
	out := make(Words, len(raw))
	for i, item := range raw {
		text, err := scalarText(item)
		if err != nil {
			return errors.New("packed features must contain integers")
		}
		out[i] = text
	}
	*w = out
	return nil
}

// Salt accepts a JSON string or number.
type Salt string

func (s *Salt) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = ""
		return nil
	}
	text, err := scalarText(data)
	if err != nil {
		return errors.New("salt must be a string or integer")
	}
	*s = Salt(text)
	return nil
}

func scalarText(data json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		return str, nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return "", err
	}
	return num.String(), nil
}
