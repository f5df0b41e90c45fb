// Package audio handles audio validation, buffering, and WAV encoding.
// It implements the structural container check applied before inference,
// the per-session byte accumulator used by streaming transcription, and
// PCM-16 WAV encoding/decoding helpers.
package audio
