package audio

import (
	"bytes"
	"errors"
	"fmt"
)

// MinAudioBytes is the smallest buffer accepted for transcription. Anything
// shorter cannot contain a complete WAV container header.
const MinAudioBytes = 44

// ErrInvalidAudio indicates that a buffer failed the structural container
// check. It is returned before any model or dispatcher resources are touched.
var ErrInvalidAudio = errors.New("audio: invalid audio data")

var (
	riffMagic = []byte("RIFF")
	waveTag   = []byte("WAVE")
)

// Validate performs a shallow structural check on an audio buffer: minimum
// size, RIFF magic, and the WAVE format tag within the first 12 bytes. It is
// deliberately not a full container parse; it exists to reject obviously
// malformed input cheaply before paying for inference setup.
func Validate(data []byte) error {
	if len(data) < MinAudioBytes {
		return fmt.Errorf("%w: too short (%d bytes)", ErrInvalidAudio, len(data))
	}

	if !bytes.HasPrefix(data, riffMagic) {
		return fmt.Errorf("%w: missing RIFF header", ErrInvalidAudio)
	}

	if !bytes.Contains(data[:12], waveTag) {
		return fmt.Errorf("%w: missing WAVE format", ErrInvalidAudio)
	}

	return nil
}
