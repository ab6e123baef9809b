package manager

import (
	"os"

	"llamactx/internal/engine"
)

// SanityReport describes runtime checks for external dependencies.
type SanityReport struct {
	Engine     string `json:"engine"`
	LlamaFound bool   `json:"llama_found"`
	LlamaPath  string `json:"llama_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SanityCheck validates that the llama-server binary is available when the
// subprocess engine is in use. It does not mutate state and is safe to call
// at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{Engine: string(m.eng.Kind())}
	if m.eng.Kind() != engine.KindSubprocess {
		return r
	}
	// Try configured path first, then discovery.
	bin := m.llamaBin
	if bin == "" {
		bin = engine.DiscoverLlamaBin()
	}
	if bin == "" {
		r.Error = "llama-server not found"
		return r
	}
	r.LlamaPath = bin
	fi, err := os.Stat(bin)
	switch {
	case err != nil:
		r.Error = err.Error()
	case fi.IsDir():
		r.Error = "llama path is a directory"
	default:
		r.LlamaFound = true
	}
	return r
}
