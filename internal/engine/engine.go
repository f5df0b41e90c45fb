package engine

import (
	"context"
	"errors"
)

// ErrInference indicates that the underlying inference backend failed while
// processing an otherwise valid job.
var ErrInference = errors.New("engine: inference failed")

// Options configures a single transcription call. A zero value requests
// language auto-detection with default decoding parameters.
type Options struct {
	// Language is an ISO-639-1 hint; empty means auto-detect.
	Language string
	// WordTimestamps requests per-word timing in the result.
	WordTimestamps bool
	// Temperature tunes decoding randomness; forwarded only when > 0.
	Temperature float64
	// VADThreshold tunes the backend voice-activity filter; forwarded only when > 0.
	VADThreshold float64
	// InitialPrompt seeds the decoder with context (spelling hints, vocabulary).
	InitialPrompt string
	// VADFilter enables the backend voice-activity filter.
	VADFilter bool
	// MinSilenceDurationMS is the silence gap treated as a pause when VADFilter is set.
	MinSilenceDurationMS int
}

// Word is a single recognized word with timing.
type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability,omitempty"`
}

// Segment is a contiguous, time-bounded span of recognized text. Segments are
// returned in the temporal order produced by the backend and are never
// reordered by the serving core.
type Segment struct {
	ID               int     `json:"id"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	Tokens           []int   `json:"tokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	AvgLogprob       float64 `json:"avg_logprob,omitempty"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
	NoSpeechProb     float64 `json:"no_speech_prob,omitempty"`
	Words            []Word  `json:"words,omitempty"`
}

// Result is the output of one transcription call.
type Result struct {
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Engine is a loaded, ready-to-run inference model bound to one model
// identifier. Implementations must be safe for concurrent Transcribe calls;
// the dispatcher is the only place that bounds how many run at once.
type Engine interface {
	// Transcribe maps an audio buffer to text segments. The call blocks for
	// the duration of inference; ctx cancellation is advisory only since most
	// backends offer no preemption.
	Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error)
	// Close releases backend resources. Called only at process shutdown.
	Close() error
}

// Loader materializes an Engine for a model identifier. Loading may block for
// seconds and allocate device memory; the model cache guarantees it runs at
// most once per identifier.
type Loader interface {
	Load(ctx context.Context, modelID string) (Engine, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, modelID string) (Engine, error)

// Load implements the Loader interface.
func (f LoaderFunc) Load(ctx context.Context, modelID string) (Engine, error) {
	return f(ctx, modelID)
}
