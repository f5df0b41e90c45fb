// Package transcribe implements the unary transcription handler: validation,
// model resolution, dispatch, and result mapping for single-shot requests.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skypro1111/stt-service/internal/audio"
	"github.com/skypro1111/stt-service/internal/capabilities"
	"github.com/skypro1111/stt-service/internal/dispatch"
	"github.com/skypro1111/stt-service/internal/engine"
	"github.com/skypro1111/stt-service/internal/metrics"
	"github.com/skypro1111/stt-service/internal/models"
)

// ErrUnsupportedModel indicates a model identifier outside the allowlist.
var ErrUnsupportedModel = errors.New("transcribe: unsupported model")

// ErrUnsupportedLanguage indicates a language code outside the allowlist.
var ErrUnsupportedLanguage = errors.New("transcribe: unsupported language")

// Request is a single transcription request.
type Request struct {
	Audio                []byte
	Model                string
	Language             string
	WordTimestamps       bool
	Temperature          float64
	VADThreshold         float64
	InitialPrompt        string
	VADFilter            bool
	MinSilenceDurationMS int
}

// Response is the structured outcome of a transcription request. Domain
// failures are encoded here with Success=false rather than surfaced as
// transport errors, so callers always receive a well-formed message.
type Response struct {
	Success      bool             `json:"success"`
	Text         string           `json:"text"`
	Language     string           `json:"language,omitempty"`
	Duration     float64          `json:"duration,omitempty"`
	Segments     []engine.Segment `json:"segments,omitempty"`
	Words        []engine.Word    `json:"words,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// Handler resolves and executes unary transcription requests.
type Handler struct {
	caps         *capabilities.Set
	cache        *models.Cache
	dispatcher   *dispatch.Dispatcher
	defaultModel string
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewHandler creates a unary transcription handler. m may be nil in tests.
func NewHandler(caps *capabilities.Set, cache *models.Cache, dispatcher *dispatch.Dispatcher,
	defaultModel string, logger *slog.Logger, m *metrics.Metrics) *Handler {

	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		caps:         caps,
		cache:        cache,
		dispatcher:   dispatcher,
		defaultModel: defaultModel,
		logger:       logger,
		metrics:      m,
	}
}

// Handle validates the request, resolves the model, runs one inference job,
// and maps the result. Validation order matters: audio is checked before the
// model cache or dispatcher are touched, and allowlist checks precede the
// (potentially slow) model load.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	if h.metrics != nil {
		h.metrics.TranscriptionRequests.Inc()
	}

	if err := audio.Validate(req.Audio); err != nil {
		return h.failure(err)
	}

	modelID := req.Model
	if modelID == "" {
		modelID = h.defaultModel
	}
	if !h.caps.SupportsModel(modelID) {
		return h.failure(fmt.Errorf("%w: %s", ErrUnsupportedModel, modelID))
	}

	if req.Language != "" && !h.caps.SupportsLanguage(req.Language) {
		return h.failure(fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language))
	}

	eng, err := h.cache.Get(ctx, modelID)
	if err != nil {
		return h.failure(err)
	}

	opts := engine.Options{
		Language:             req.Language,
		WordTimestamps:       req.WordTimestamps,
		InitialPrompt:        req.InitialPrompt,
		VADFilter:            req.VADFilter,
		MinSilenceDurationMS: req.MinSilenceDurationMS,
	}
	// Decoding overrides are forwarded only when explicitly set
	if req.Temperature > 0 {
		opts.Temperature = req.Temperature
	}
	if req.VADThreshold > 0 {
		opts.VADThreshold = req.VADThreshold
	}

	future, err := h.dispatcher.Submit(ctx, dispatch.Job{
		Engine:  eng,
		Audio:   req.Audio,
		Options: opts,
	})
	if err != nil {
		return h.failure(err)
	}

	result, err := future.Wait(ctx)
	if err != nil {
		return h.failure(err)
	}

	response := mapResult(result, req.WordTimestamps)

	if h.metrics != nil {
		h.metrics.TranscriptionSuccesses.Inc()
		h.metrics.AudioDuration.Observe(result.Duration)
	}

	h.logger.Info("Transcription completed",
		slog.String("model", modelID),
		slog.String("language", response.Language),
		slog.Float64("duration", response.Duration),
		slog.Int("segments", len(response.Segments)),
	)

	return response
}

// failure converts any domain error into a structured failure response.
func (h *Handler) failure(err error) Response {
	if h.metrics != nil {
		h.metrics.TranscriptionFailures.Inc()
	}
	h.logger.Warn("Transcription failed", slog.String("error", err.Error()))
	return Response{
		Success:      false,
		ErrorMessage: err.Error(),
	}
}

// mapResult maps engine output into the response shape, concatenating the
// trimmed segment texts into the full-text field.
func mapResult(result engine.Result, wordTimestamps bool) Response {
	response := Response{
		Success:  true,
		Language: result.Language,
		Duration: result.Duration,
		Segments: result.Segments,
	}

	var fullText strings.Builder
	for _, segment := range result.Segments {
		fullText.WriteString(segment.Text)

		if wordTimestamps && len(segment.Words) > 0 {
			response.Words = append(response.Words, segment.Words...)
		}
	}
	response.Text = strings.TrimSpace(fullText.String())

	return response
}
