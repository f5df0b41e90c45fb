// Package engine defines the inference engine boundary for speech transcription.
// It exposes the Engine interface implemented by concrete backends (remote
// faster-whisper API, deterministic stub) and the Loader used by the model
// cache to materialize engines per model identifier.
package engine
