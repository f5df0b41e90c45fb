package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
)

const stubBytesPerSecond = 32000 // 16 kHz, 16-bit mono

// StubEngine produces deterministic transcripts without running a model.
// It is used by tests and by deployments that want the full serving surface
// wired up before a real backend is available.
type StubEngine struct {
	logger  *slog.Logger
	modelID string
}

// NewStubEngine returns an Engine that generates placeholder transcripts.
func NewStubEngine(logger *slog.Logger, modelID string) *StubEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEngine{
		logger:  logger.With(slog.String("component", "engine.stub"), slog.String("model", modelID)),
		modelID: modelID,
	}
}

// Transcribe implements the Engine interface. It emits one segment whose text
// encodes the payload size, so callers can assert end-to-end plumbing.
func (e *StubEngine) Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(audio) == 0 {
		return Result{}, fmt.Errorf("%w: empty audio payload", ErrInference)
	}

	dataLen := len(audio)
	if bytes.HasPrefix(audio, []byte("RIFF")) && dataLen > 44 {
		dataLen -= 44
	}
	duration := float64(dataLen) / stubBytesPerSecond

	language := opts.Language
	if language == "" {
		language = "en"
	}

	segment := Segment{
		ID:    0,
		Start: 0,
		End:   duration,
		Text:  fmt.Sprintf(" stub transcript of %d bytes", len(audio)),
	}
	if opts.WordTimestamps {
		segment.Words = []Word{
			{Word: "stub", Start: 0, End: duration / 2, Probability: 0.99},
			{Word: "transcript", Start: duration / 2, End: duration, Probability: 0.99},
		}
	}

	e.logger.Debug("stub transcription",
		slog.Int("audio_bytes", len(audio)),
		slog.Float64("duration", duration),
		slog.String("language", language),
	)

	return Result{
		Language: language,
		Duration: duration,
		Segments: []Segment{segment},
	}, nil
}

// Close implements the Engine interface.
func (e *StubEngine) Close() error {
	return nil
}
