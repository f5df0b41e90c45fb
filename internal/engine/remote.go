package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RemoteConfig contains configuration for the remote inference backend.
type RemoteConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// RemoteClient talks to a faster-whisper compatible HTTP transcription API.
// One client is shared by every remote Engine; the per-process connection
// pool and concurrency semaphore live here.
type RemoteClient struct {
	config     RemoteConfig
	httpClient *http.Client
	semaphore  chan struct{}

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// RemoteStats represents remote backend statistics for monitoring.
type RemoteStats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalRetries    uint64  `json:"total_retries"`
}

// NewRemoteClient creates a new remote backend client.
func NewRemoteClient(config RemoteConfig) (*RemoteClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &RemoteClient{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Engine returns an Engine bound to the given model identifier. The returned
// engine shares this client's connection pool and semaphore.
func (c *RemoteClient) Engine(modelID string) Engine {
	return &remoteEngine{client: c, modelID: modelID}
}

// Stats returns a snapshot of client statistics.
func (c *RemoteClient) Stats() RemoteStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := RemoteStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		TotalRetries:    c.totalRetries,
	}
	if c.totalRequests > 0 {
		stats.SuccessRate = float64(c.successRequests) / float64(c.totalRequests)
	}
	return stats
}

// remoteEngine implements Engine against the shared RemoteClient.
type remoteEngine struct {
	client  *RemoteClient
	modelID string
}

func (e *remoteEngine) Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error) {
	return e.client.transcribe(ctx, e.modelID, audio, opts)
}

func (e *remoteEngine) Close() error {
	return nil
}

// transcribe sends one transcription request, retrying transient failures
// with exponential backoff.
func (c *RemoteClient) transcribe(ctx context.Context, modelID string, audio []byte, opts Options) (Result, error) {
	// Acquire semaphore to bound concurrent upstream requests
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.mu.Lock()
			c.totalRetries++
			c.mu.Unlock()

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}

		result, err := c.doRequest(ctx, modelID, audio, opts)
		if err == nil {
			c.mu.Lock()
			c.successRequests++
			c.mu.Unlock()
			return result, nil
		}

		lastErr = err

		if !isRetryable(err) {
			break
		}
	}

	c.mu.Lock()
	c.failedRequests++
	c.mu.Unlock()

	return Result{}, fmt.Errorf("%w: remote backend failed after %d attempts: %v",
		ErrInference, c.config.MaxRetries+1, lastErr)
}

// doRequest performs a single multipart upload to the transcription API.
func (c *RemoteClient) doRequest(ctx context.Context, modelID string, audio []byte, opts Options) (Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return Result{}, fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"model":           modelID,
		"response_format": "verbose_json",
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if opts.InitialPrompt != "" {
		fields["initial_prompt"] = opts.InitialPrompt
	}
	if opts.WordTimestamps {
		fields["timestamp_granularities"] = "word"
	}
	if opts.Temperature > 0 {
		fields["temperature"] = strconv.FormatFloat(opts.Temperature, 'f', -1, 64)
	}
	if opts.VADFilter {
		fields["vad_filter"] = "true"
		if opts.MinSilenceDurationMS > 0 {
			fields["min_silence_duration_ms"] = strconv.Itoa(opts.MinSilenceDurationMS)
		}
	}
	if opts.VADThreshold > 0 {
		fields["vad_threshold"] = strconv.FormatFloat(opts.VADThreshold, 'f', -1, 64)
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return Result{}, fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &httpStatusError{status: resp.StatusCode, body: string(respBody)}
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return result, nil
}

// httpStatusError carries the upstream HTTP status for retry decisions.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.status, e.body)
}

// isRetryable reports whether a request should be retried. Client errors
// (4xx) are not retried; network failures and 5xx responses are.
func isRetryable(err error) bool {
	if statusErr, ok := err.(*httpStatusError); ok {
		return statusErr.status >= 500 || statusErr.status == http.StatusTooManyRequests
	}
	return true
}
