package voice

import (
	"fmt"
)

// Stage is a step of the per-request state machine.
type Stage int

const (
	StageIdle Stage = iota
	StageAudioValidated
	StageEmbeddingExtracted
	StagePacked
	StageThresholdChecked
	StageCommitted
	StageProved
	StageResponded
	StageFailed
)

var stageNames = [...]string{
	StageIdle:               "idle",
	StageAudioValidated:     "audio_validated",
	StageEmbeddingExtracted: "embedding_extracted",
	StagePacked:             "packed",
	StageThresholdChecked:   "threshold_checked",
	StageCommitted:          "committed",
	StageProved:             "proved",
	StageResponded:          "responded",
	StageFailed:             "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// transitions lists the forward edges. Any stage other than the terminal
// ones may also move to StageFailed.
var transitions = map[Stage][]Stage{
	StageIdle:               {StageAudioValidated, StagePacked},
	StageAudioValidated:     {StageEmbeddingExtracted},
	StageEmbeddingExtracted: {StagePacked},
	StagePacked:             {StageThresholdChecked, StageCommitted, StageResponded},
	StageThresholdChecked:   {StageProved},
	StageCommitted:          {StageResponded},
	StageProved:             {StageResponded},
}

// tracker walks one request through the state machine.
type tracker struct {
	stage Stage
	// last is the final non-terminal stage reached.
	last   Stage
	detail map[string]any
}

// note attaches audit-safe metadata reported with a failure.
func (t *tracker) note(key string, value any) {
	if t.detail == nil {
		t.detail = make(map[string]any)
	}
	t.detail[key] = value
}

func (t *tracker) advance(next Stage) {
	for _, allowed := range transitions[t.stage] {
		if allowed == next {
			t.stage = next
			t.last = next
			return
		}
	}
	// Transitions are fixed by the pipeline code; reaching here is a bug.
	panic(fmt.Sprintf("voice: invalid transition %s -> %s", t.stage, next))
}

// fail moves to StageFailed and tags err with the stage the request had
// reached.
func (t *tracker) fail(err error) error {
	t.stage = StageFailed
	return &StageError{Stage: t.last, Detail: t.detail, Err: err}
}

// StageError reports the last stage a failed request completed along with
// the audit-safe metadata gathered up to that point.
type StageError struct {
	Stage  Stage
	Detail map[string]any
	Err    error
}

func (e *StageError) Error() string { return e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }
