package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestStubTranscribe(t *testing.T) {
	eng := NewStubEngine(testLogger(), "tiny")

	// 32044 bytes = 44-byte header plus one second of 16 kHz 16-bit mono.
	audio := append([]byte("RIFF"), make([]byte, 32040)...)

	result, err := eng.Transcribe(context.Background(), audio, Options{Language: "uk"})
	if err != nil {
		t.Fatalf("Transcription failed: %v", err)
	}

	if result.Language != "uk" {
		t.Errorf("Expected language uk, got %q", result.Language)
	}

	if math.Abs(result.Duration-1.0) > 1e-9 {
		t.Errorf("Expected 1s duration, got %.4f", result.Duration)
	}

	if len(result.Segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(result.Segments))
	}

	expectedText := fmt.Sprintf(" stub transcript of %d bytes", len(audio))
	if result.Segments[0].Text != expectedText {
		t.Errorf("Expected text %q, got %q", expectedText, result.Segments[0].Text)
	}
}

func TestStubTranscribeDefaults(t *testing.T) {
	eng := NewStubEngine(testLogger(), "tiny")

	result, err := eng.Transcribe(context.Background(), make([]byte, 100), Options{})
	if err != nil {
		t.Fatalf("Transcription failed: %v", err)
	}

	if result.Language != "en" {
		t.Errorf("Expected default language en, got %q", result.Language)
	}

	if len(result.Segments[0].Words) != 0 {
		t.Error("Expected no words without word_timestamps")
	}
}

func TestStubTranscribeWordTimestamps(t *testing.T) {
	eng := NewStubEngine(testLogger(), "tiny")

	result, err := eng.Transcribe(context.Background(), make([]byte, 100), Options{WordTimestamps: true})
	if err != nil {
		t.Fatalf("Transcription failed: %v", err)
	}

	if len(result.Segments[0].Words) == 0 {
		t.Error("Expected word timestamps when requested")
	}
}

func TestStubTranscribeEmptyAudio(t *testing.T) {
	eng := NewStubEngine(testLogger(), "tiny")

	_, err := eng.Transcribe(context.Background(), nil, Options{})
	if !errors.Is(err, ErrInference) {
		t.Fatalf("Expected ErrInference for empty audio, got %v", err)
	}
}

func TestStubTranscribeCancelledContext(t *testing.T) {
	eng := NewStubEngine(testLogger(), "tiny")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.Transcribe(ctx, make([]byte, 100), Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestNewLoader(t *testing.T) {
	tests := []struct {
		name        string
		config      BackendConfig
		expectError bool
	}{
		{
			name:        "stub backend",
			config:      BackendConfig{Backend: BackendStub},
			expectError: false,
		},
		{
			name: "remote backend",
			config: BackendConfig{
				Backend: BackendRemote,
				Remote:  RemoteConfig{Endpoint: "http://localhost:5200/v1/transcriptions"},
			},
			expectError: false,
		},
		{
			name: "remote backend without endpoint",
			config: BackendConfig{
				Backend: BackendRemote,
			},
			expectError: true,
		},
		{
			name:        "unknown backend",
			config:      BackendConfig{Backend: "local"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader, err := NewLoader(tt.config, testLogger())

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to create loader: %v", err)
			}

			eng, err := loader.Load(context.Background(), "tiny")
			if err != nil {
				t.Fatalf("Failed to load engine: %v", err)
			}
			if eng == nil {
				t.Fatal("Expected non-nil engine")
			}
		})
	}
}
