// Package voice maps OpenAI speech API voice names onto the voices of the local model.
package voice

// Default is the voice used when a request names none or an unknown one.
const Default = "af_heart"

func builtin() map[string]string {
	return map[string]string{
		"alloy":      "af_heart",
		"echo":       "af_heart",
		"fable":      "af_heart",
		"onyx":       "am_michael",
		"nova":       "af_heart",
		"shimmer":    "af_heart",
		"af_heart":   "af_heart",
		"am_michael": "am_michael",
	}
}

// Map resolves external voice names. It is read-only after construction.
type Map struct {
	voices   map[string]string
	fallback string
}

// NewMap returns the built-in table extended by extra. Entries in extra win.
func NewMap(extra map[string]string) *Map {
	voices := builtin()

	for name, internal := range extra {
		if name == "" || internal == "" {
			continue
		}

		voices[name] = internal
	}

	return &Map{voices: voices, fallback: Default}
}

// Resolve returns the internal voice for name, or the default voice.
func (m *Map) Resolve(name string) string {
	if internal, ok := m.voices[name]; ok {
		return internal
	}

	return m.fallback
}

// Known reports whether name is in the table.
func (m *Map) Known(name string) bool {
	_, ok := m.voices[name]

	return ok
}
