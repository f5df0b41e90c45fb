package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/stt-service/internal/audio"
	"github.com/skypro1111/stt-service/internal/capabilities"
	"github.com/skypro1111/stt-service/internal/dispatch"
	"github.com/skypro1111/stt-service/internal/engine"
	"github.com/skypro1111/stt-service/internal/metrics"
	"github.com/skypro1111/stt-service/internal/models"
)

// ErrProtocolViolation indicates a streaming message received out of allowed
// state order. It is fatal to the session only.
var ErrProtocolViolation = errors.New("session: protocol violation")

// State identifies the session state machine position.
type State int

// Session states. Failed is terminal and reachable from any state.
const (
	StateAwaitingConfig State = iota
	StateBuffering
	StateTranscribing
	StateClosed
	StateFailed
)

// String returns the state name for logging and monitoring.
func (s State) String() string {
	switch s {
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateBuffering:
		return "buffering"
	case StateTranscribing:
		return "transcribing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StreamConfig is the configuration message that must open every stream.
type StreamConfig struct {
	Model          string `json:"model,omitempty"`
	Language       string `json:"language,omitempty"`
	WordTimestamps bool   `json:"word_timestamps,omitempty"`
	// InterimResults is accepted for wire compatibility but has no distinct
	// effect: the backend produces no partial hypotheses, so every emitted
	// result is final.
	InterimResults bool `json:"interim_results,omitempty"`
}

// Message is one inbound streaming message: either a configuration or an
// audio chunk, never both.
type Message struct {
	Config     *StreamConfig `json:"config,omitempty"`
	AudioChunk []byte        `json:"audio_chunk,omitempty"`
}

// Response is one outbound streaming message. A non-empty ErrorMessage marks
// the final message of a failed stream.
type Response struct {
	Text         string           `json:"text,omitempty"`
	IsFinal      bool             `json:"is_final,omitempty"`
	Confidence   float64          `json:"confidence,omitempty"`
	Segments     []engine.Segment `json:"segments,omitempty"`
	Words        []engine.Word    `json:"words,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// Options are the server-side knobs for streaming sessions.
type Options struct {
	// ThresholdBytes is the buffered byte count that triggers an incremental
	// inference pass.
	ThresholdBytes int
	// FlushOnClose runs a final inference pass over sub-threshold residue
	// when the stream ends. Off by default: audio too short to transcribe
	// reliably is discarded instead.
	FlushOnClose bool
	// DefaultModel is used when the configuration message names no model.
	DefaultModel string
}

// Info represents session information for monitoring endpoints.
type Info struct {
	ID             string        `json:"id"`
	State          string        `json:"state"`
	Model          string        `json:"model,omitempty"`
	StartTime      time.Time     `json:"start_time"`
	LastActivity   time.Time     `json:"last_activity"`
	Duration       time.Duration `json:"duration"`
	ChunksReceived uint64        `json:"chunks_received"`
	BufferedBytes  int           `json:"buffered_bytes"`
	BufferDrains   uint64        `json:"buffer_drains"`
	ResponsesSent  uint64        `json:"responses_sent"`
}

// Session is the per-connection streaming state machine. It owns its audio
// buffer exclusively and processes at most one inference job at a time, so
// chunks are handled strictly in arrival order with no concurrent buffer
// mutation.
type Session struct {
	ID        string
	StartTime time.Time

	caps       *capabilities.Set
	cache      *models.Cache
	dispatcher *dispatch.Dispatcher
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Metrics

	buffer *audio.Buffer
	out    chan Response

	// engine and engineOpts are set once on config receipt, before any
	// inference job is submitted, and never change afterwards.
	engine     engine.Engine
	engineOpts engine.Options
	model      string

	// Guarded state, read concurrently by the manager's cleanup routine and
	// the monitoring endpoints. The buffer itself stays single-owner; the Run
	// loop mirrors its byte count and drain count here after every mutation.
	mu             sync.RWMutex
	state          State
	lastActivity   time.Time
	chunksReceived uint64
	responsesSent  uint64
	bufferedBytes  int
	bufferDrains   uint64
}

// New creates a session in the AwaitingConfig state. m may be nil in tests.
func New(id string, caps *capabilities.Set, cache *models.Cache, dispatcher *dispatch.Dispatcher,
	opts Options, logger *slog.Logger, m *metrics.Metrics) *Session {

	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()

	return &Session{
		ID:           id,
		StartTime:    now,
		caps:         caps,
		cache:        cache,
		dispatcher:   dispatcher,
		opts:         opts,
		logger:       logger.With(slog.String("session_id", id)),
		metrics:      m,
		buffer:       audio.NewBuffer(opts.ThresholdBytes),
		out:          make(chan Response, 16),
		state:        StateAwaitingConfig,
		lastActivity: now,
	}
}

// Responses returns the outbound response channel. It is closed when the
// session terminates, after any final error response has been emitted.
func (s *Session) Responses() <-chan Response {
	return s.out
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastActivity returns the time of the last inbound message.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// GetInfo returns session information for monitoring.
func (s *Session) GetInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Info{
		ID:             s.ID,
		State:          s.state.String(),
		Model:          s.model,
		StartTime:      s.StartTime,
		LastActivity:   s.lastActivity,
		Duration:       time.Since(s.StartTime),
		ChunksReceived: s.chunksReceived,
		BufferedBytes:  s.bufferedBytes,
		BufferDrains:   s.bufferDrains,
		ResponsesSent:  s.responsesSent,
	}
}

// Run drives the state machine until the inbound channel closes, the context
// is cancelled, or a fatal error occurs. It closes the response channel on
// return. Run must be called exactly once.
func (s *Session) Run(ctx context.Context, in <-chan Message) {
	defer close(s.out)

	for {
		select {
		case <-ctx.Done():
			// Client disconnect: stop accepting input and release the buffer.
			// A job already submitted runs to completion with its result
			// discarded by the dispatcher.
			s.discardBuffer()
			s.setState(StateClosed)
			s.logger.Debug("Session cancelled", slog.String("reason", ctx.Err().Error()))
			return

		case msg, ok := <-in:
			if !ok {
				s.handleClose(ctx)
				return
			}

			s.touch()

			if err := s.handleMessage(ctx, msg); err != nil {
				s.fail(ctx, err)
				return
			}
		}
	}
}

// handleMessage processes one inbound message. A returned error is fatal to
// the session.
func (s *Session) handleMessage(ctx context.Context, msg Message) error {
	switch {
	case msg.Config != nil:
		return s.handleConfig(ctx, msg.Config)
	case len(msg.AudioChunk) > 0:
		return s.handleChunk(ctx, msg.AudioChunk)
	default:
		return fmt.Errorf("%w: empty message", ErrProtocolViolation)
	}
}

// handleConfig accepts exactly one configuration message, resolves the model,
// and moves the session to Buffering.
func (s *Session) handleConfig(ctx context.Context, cfg *StreamConfig) error {
	if s.State() != StateAwaitingConfig {
		return fmt.Errorf("%w: duplicate configuration message", ErrProtocolViolation)
	}

	model := cfg.Model
	if model == "" {
		model = s.opts.DefaultModel
	}
	if !s.caps.SupportsModel(model) {
		return fmt.Errorf("unsupported model: %s", model)
	}

	if cfg.Language != "" && !s.caps.SupportsLanguage(cfg.Language) {
		return fmt.Errorf("unsupported language: %s", cfg.Language)
	}

	eng, err := s.cache.Get(ctx, model)
	if err != nil {
		return err
	}

	s.engine = eng
	s.engineOpts = engine.Options{
		Language:       cfg.Language,
		WordTimestamps: cfg.WordTimestamps,
	}

	s.mu.Lock()
	s.model = model
	s.state = StateBuffering
	s.mu.Unlock()

	s.logger.Info("Streaming session configured",
		slog.String("model", model),
		slog.String("language", cfg.Language),
		slog.Bool("word_timestamps", cfg.WordTimestamps),
		slog.Bool("interim_results", cfg.InterimResults),
	)

	return nil
}

// handleChunk appends audio to the session buffer and triggers an inference
// pass once the threshold is reached.
func (s *Session) handleChunk(ctx context.Context, chunk []byte) error {
	if s.State() == StateAwaitingConfig {
		return fmt.Errorf("%w: configuration required before audio data", ErrProtocolViolation)
	}

	s.buffer.Append(chunk)

	s.mu.Lock()
	s.chunksReceived++
	s.bufferedBytes = s.buffer.Len()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ChunksReceived.Inc()
	}

	if !s.buffer.Ready() {
		return nil
	}

	return s.transcribePass(ctx)
}

// transcribePass drains the buffer, runs one inference job, and emits one
// response per resulting segment. The session submits at most one job at a
// time; the pass completes before the next chunk is handled.
func (s *Session) transcribePass(ctx context.Context) error {
	s.setState(StateTranscribing)
	defer s.setState(StateBuffering)

	payload := s.buffer.Drain()

	s.mu.Lock()
	s.bufferedBytes = 0
	s.bufferDrains = s.buffer.Drains()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BufferDrains.Inc()
	}

	future, err := s.dispatcher.Submit(ctx, dispatch.Job{
		Engine:  s.engine,
		Audio:   payload,
		Options: s.engineOpts,
	})
	if err != nil {
		return err
	}

	result, err := future.Wait(ctx)
	if err != nil {
		// A failed drain leaves the session state ambiguous, so the stream
		// terminates rather than accepting further audio.
		return err
	}

	for _, segment := range result.Segments {
		response := Response{
			Text:       segment.Text,
			IsFinal:    true, // the backend produces no interim hypotheses
			Confidence: 1.0,
			Segments:   []engine.Segment{segment},
		}
		if s.engineOpts.WordTimestamps {
			response.Words = segment.Words
		}
		if !s.emit(ctx, response) {
			return ctx.Err()
		}
	}

	s.logger.Debug("Incremental pass completed",
		slog.Int("payload_bytes", len(payload)),
		slog.Int("segments", len(result.Segments)),
	)

	return nil
}

// handleClose finalizes a normally-ended stream. Buffered residue below the
// threshold is discarded unless FlushOnClose is set.
func (s *Session) handleClose(ctx context.Context) {
	if s.opts.FlushOnClose && s.buffer.Len() > 0 && s.State() == StateBuffering {
		if err := s.transcribePass(ctx); err != nil {
			s.fail(ctx, err)
			return
		}
	} else {
		s.discardBuffer()
	}

	s.setState(StateClosed)

	if s.metrics != nil {
		s.metrics.SessionDuration.Observe(time.Since(s.StartTime).Seconds())
	}

	s.logger.Info("Streaming session closed",
		slog.Duration("duration", time.Since(s.StartTime)),
		slog.Uint64("chunks_received", s.chunksReceived),
		slog.Uint64("responses_sent", s.responsesSent),
	)
}

// fail emits a single error response and moves the session to the terminal
// Failed state. The stream closes after the error response.
func (s *Session) fail(ctx context.Context, err error) {
	s.logger.Warn("Streaming session failed", slog.String("error", err.Error()))

	s.emit(ctx, Response{ErrorMessage: err.Error()})
	s.setState(StateFailed)

	if s.metrics != nil {
		s.metrics.SessionsFailed.Inc()
		s.metrics.SessionDuration.Observe(time.Since(s.StartTime).Seconds())
	}
}

// emit delivers one response, giving up if the context ends first.
func (s *Session) emit(ctx context.Context, response Response) bool {
	select {
	case s.out <- response:
		s.mu.Lock()
		s.responsesSent++
		s.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// discardBuffer drops any buffered residue without transcribing it.
func (s *Session) discardBuffer() {
	s.buffer.Drain()

	s.mu.Lock()
	s.bufferedBytes = 0
	s.bufferDrains = s.buffer.Drains()
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
