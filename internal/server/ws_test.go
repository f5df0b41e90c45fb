package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/stt-service/internal/capabilities"
	"github.com/skypro1111/stt-service/internal/config"
	"github.com/skypro1111/stt-service/internal/dispatch"
	"github.com/skypro1111/stt-service/internal/engine"
	"github.com/skypro1111/stt-service/internal/metrics"
	"github.com/skypro1111/stt-service/internal/models"
	"github.com/skypro1111/stt-service/internal/session"
	"github.com/skypro1111/stt-service/internal/transcribe"
)

const wsTestThreshold = 1024

// newStreamTestServer builds a serving stack with a small streaming threshold
// so tests can cross it with little data.
func newStreamTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Streaming.BufferThresholdBytes = wsTestThreshold

	logger := testLogger()
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	caps := capabilities.Default()

	loader := engine.LoaderFunc(func(ctx context.Context, modelID string) (engine.Engine, error) {
		return engine.NewStubEngine(logger, modelID), nil
	})
	cache := models.NewCache(loader, logger, nil)

	dispatcher := dispatch.New(dispatch.Config{Workers: 1}, logger, nil)
	t.Cleanup(dispatcher.Stop)

	handler := transcribe.NewHandler(caps, cache, dispatcher, cfg.Engine.DefaultModel, logger, nil)

	sessionOpts := session.Options{
		ThresholdBytes: wsTestThreshold,
		DefaultModel:   cfg.Engine.DefaultModel,
	}
	mgr := session.NewManager(caps, cache, dispatcher, sessionOpts,
		cfg.Streaming.GetSessionTimeoutDuration(), logger, nil)
	t.Cleanup(mgr.Stop)

	srv := NewHTTPServer(cfg, logger, caps, handler, mgr, cache, dispatcher, m)

	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func dialStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) session.Response {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp session.Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("Failed to read streaming response: %v", err)
	}
	return resp
}

func TestStreamTranscription(t *testing.T) {
	ts := newStreamTestServer(t)
	conn := dialStream(t, ts)

	cfg := session.Message{Config: &session.StreamConfig{Model: "tiny", Language: "en"}}
	if err := conn.WriteJSON(cfg); err != nil {
		t.Fatalf("Failed to send config: %v", err)
	}

	// Binary frames carry raw audio; this one crosses the threshold alone.
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, wsTestThreshold)); err != nil {
		t.Fatalf("Failed to send audio chunk: %v", err)
	}

	resp := readResponse(t, conn)
	if resp.ErrorMessage != "" {
		t.Fatalf("Expected transcript, got error: %s", resp.ErrorMessage)
	}
	if !resp.IsFinal {
		t.Error("Expected is_final=true on streaming result")
	}
	if resp.Text == "" {
		t.Error("Expected non-empty transcript text")
	}
}

func TestStreamMultipleChunks(t *testing.T) {
	ts := newStreamTestServer(t)
	conn := dialStream(t, ts)

	if err := conn.WriteJSON(session.Message{Config: &session.StreamConfig{Model: "tiny"}}); err != nil {
		t.Fatalf("Failed to send config: %v", err)
	}

	// Sub-threshold chunks accumulate; the last one triggers a pass.
	for i := 0; i < 4; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, wsTestThreshold/4)); err != nil {
			t.Fatalf("Failed to send chunk %d: %v", i, err)
		}
	}

	resp := readResponse(t, conn)
	if resp.ErrorMessage != "" {
		t.Fatalf("Expected transcript, got error: %s", resp.ErrorMessage)
	}
}

func TestStreamChunkBeforeConfig(t *testing.T) {
	ts := newStreamTestServer(t)
	conn := dialStream(t, ts)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 100)); err != nil {
		t.Fatalf("Failed to send audio chunk: %v", err)
	}

	resp := readResponse(t, conn)
	if !strings.Contains(resp.ErrorMessage, "configuration required before audio data") {
		t.Errorf("Expected configuration-required error, got %q", resp.ErrorMessage)
	}
}

func TestStreamUnsupportedModel(t *testing.T) {
	ts := newStreamTestServer(t)
	conn := dialStream(t, ts)

	cfg := session.Message{Config: &session.StreamConfig{Model: "not-a-real-model"}}
	if err := conn.WriteJSON(cfg); err != nil {
		t.Fatalf("Failed to send config: %v", err)
	}

	resp := readResponse(t, conn)
	if !strings.Contains(resp.ErrorMessage, "unsupported model") {
		t.Errorf("Expected unsupported-model error, got %q", resp.ErrorMessage)
	}
}

func TestStreamTextFrameAudioChunk(t *testing.T) {
	ts := newStreamTestServer(t)
	conn := dialStream(t, ts)

	if err := conn.WriteJSON(session.Message{Config: &session.StreamConfig{Model: "tiny"}}); err != nil {
		t.Fatalf("Failed to send config: %v", err)
	}

	// Audio may also arrive as a JSON text frame with a base64 chunk.
	if err := conn.WriteJSON(session.Message{AudioChunk: make([]byte, wsTestThreshold)}); err != nil {
		t.Fatalf("Failed to send JSON audio chunk: %v", err)
	}

	resp := readResponse(t, conn)
	if resp.ErrorMessage != "" {
		t.Fatalf("Expected transcript, got error: %s", resp.ErrorMessage)
	}
}
