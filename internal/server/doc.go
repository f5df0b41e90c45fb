// Package server implements the HTTP API: unary transcription endpoints,
// the WebSocket streaming endpoint, and monitoring/management routes.
package server
