// Package capabilities enumerates the models, languages, and formats the
// server accepts. The sets are static for the process lifetime and are used
// as allowlists before any model or dispatcher resource is touched.
package capabilities

// Set holds the supported-capability allowlists.
type Set struct {
	Models                 []string `json:"supported_models"`
	Languages              []string `json:"supported_languages"`
	Formats                []string `json:"supported_formats"`
	ResponseFormats        []string `json:"supported_response_formats"`
	TimestampGranularities []string `json:"supported_timestamp_granularities"`

	modelSet    map[string]struct{}
	languageSet map[string]struct{}
}

// Default returns the capability set for the faster-whisper model family.
func Default() *Set {
	return New(
		[]string{
			"tiny.en", "tiny", "base.en", "base", "small.en", "small",
			"medium.en", "medium", "large-v1", "large-v2", "large-v3",
			"large", "distil-large-v2", "distil-medium.en", "distil-small.en",
			"distil-large-v3",
		},
		[]string{
			"af", "am", "ar", "as", "az", "ba", "be", "bg", "bn", "bo", "br", "bs",
			"ca", "cs", "cy", "da", "de", "el", "en", "es", "et", "eu", "fa", "fi",
			"fo", "fr", "gl", "gu", "ha", "haw", "he", "hi", "hr", "ht", "hu", "hy",
			"id", "is", "it", "ja", "jw", "ka", "kk", "km", "kn", "ko", "la", "lb",
			"ln", "lo", "lt", "lv", "mg", "mi", "mk", "ml", "mn", "mr", "ms", "mt",
			"my", "ne", "nl", "nn", "no", "oc", "pa", "pl", "ps", "pt", "ro", "ru",
			"sa", "sd", "si", "sk", "sl", "sn", "so", "sq", "sr", "su", "sv", "sw",
			"ta", "te", "tg", "th", "tk", "tl", "tr", "tt", "uk", "ur", "uz", "vi",
			"yi", "yo", "zh", "yue",
		},
		[]string{"mp3", "mp4", "mpeg", "mpga", "m4a", "wav", "webm", "opus", "flac", "ogg"},
		[]string{"text", "verbose_json"},
		[]string{"segment", "word"},
	)
}

// New builds a Set with lookup indexes for the given allowlists.
func New(models, languages, formats, responseFormats, granularities []string) *Set {
	s := &Set{
		Models:                 models,
		Languages:              languages,
		Formats:                formats,
		ResponseFormats:        responseFormats,
		TimestampGranularities: granularities,
		modelSet:               make(map[string]struct{}, len(models)),
		languageSet:            make(map[string]struct{}, len(languages)),
	}
	for _, m := range models {
		s.modelSet[m] = struct{}{}
	}
	for _, l := range languages {
		s.languageSet[l] = struct{}{}
	}
	return s
}

// SupportsModel reports whether the model identifier is in the allowlist.
func (s *Set) SupportsModel(model string) bool {
	_, ok := s.modelSet[model]
	return ok
}

// SupportsLanguage reports whether the language code is in the allowlist.
func (s *Set) SupportsLanguage(language string) bool {
	_, ok := s.languageSet[language]
	return ok
}

// SupportsResponseFormat reports whether the response format is supported.
func (s *Set) SupportsResponseFormat(format string) bool {
	for _, f := range s.ResponseFormats {
		if f == format {
			return true
		}
	}
	return false
}

// SupportsTimestampGranularity reports whether the granularity is supported.
func (s *Set) SupportsTimestampGranularity(granularity string) bool {
	for _, g := range s.TimestampGranularities {
		if g == granularity {
			return true
		}
	}
	return false
}
