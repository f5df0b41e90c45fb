// Package session implements the streaming transcription state machine and
// the manager of active sessions. Each session ingests one configuration
// message followed by audio chunks, accumulates them into a private buffer,
// and triggers incremental inference passes at a byte threshold.
package session
