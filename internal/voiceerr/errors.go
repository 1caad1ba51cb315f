// Package voiceerr defines the failure classes shared by the voice pipeline.
//
// Every core operation fails with a *Error whose Kind is one of the exported
// sentinels. Callers branch with errors.Is:
//
//	if errors.Is(err, voiceerr.ErrModelUnavailable) { ... }
//
// Messages never carry audio bytes or embedding values.
package voiceerr

import (
	"errors"
	"strings"
)

var (
	// ErrFormat marks undecodable or unsupported input.
	ErrFormat = errors.New("invalid audio format")
	// ErrQuality marks audio that decodes but fails a minimum-signal check.
	ErrQuality = errors.New("insufficient audio quality")
	// ErrDecode marks container or transcode failures.
	ErrDecode = errors.New("audio decode failed")
	// ErrModelUnavailable marks a missing or broken external dependency.
	// It is the only retryable class.
	ErrModelUnavailable = errors.New("embedding model unavailable")
	// ErrProofGeneration marks shape violations, threshold violations and
	// prover failures.
	ErrProofGeneration = errors.New("proof generation failed")
	// ErrShape is reported together with ErrProofGeneration when a vector
	// or word set has the wrong length or out-of-range entries.
	ErrShape = errors.New("shape violation")
)

// Error is the typed failure returned by pipeline operations.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil && !isSentinel(e.Err) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New returns an error of the given kind.
func New(kind error, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap returns an error of the given kind caused by err.
func Wrap(kind error, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Shape returns a proof-generation error flagged as a shape violation.
func Shape(op, msg string) error {
	return &Error{Kind: ErrProofGeneration, Op: op, Msg: msg, Err: ErrShape}
}

// KindOf reports the sentinel class of err, or nil when err is unclassified.
func KindOf(err error) error {
	for _, kind := range []error{ErrFormat, ErrQuality, ErrDecode, ErrModelUnavailable, ErrProofGeneration} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Retryable reports whether resubmitting the whole request may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrModelUnavailable)
}

func isSentinel(err error) bool {
	switch err {
	case ErrFormat, ErrQuality, ErrDecode, ErrModelUnavailable, ErrProofGeneration, ErrShape:
		return true
	}
	return false
}
