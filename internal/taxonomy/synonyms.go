package taxonomy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// SynonymTable canonicalizes tag spellings using a static synonym file.
//
// The file maps each canonical tag to its list of synonyms:
//
//	{"机器学习": ["ML", "machine learning"], ...}
//
// The inverted synonym→canonical map is built on first use and cached for
// the life of the table; Reload discards the cache so the next lookup
// re-reads the file. SynonymTable is safe for concurrent use.
type SynonymTable struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	mapping map[string]string // nil until first load
}

// NewSynonymTable creates a table backed by the JSON file at path.
// A missing file is not an error; lookups simply pass tags through.
func NewSynonymTable(path string, logger *slog.Logger) *SynonymTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &SynonymTable{path: path, logger: logger}
}

// Canonicalize returns the canonical form of tag, or tag unchanged when it
// has no entry in the synonym table.
func (t *SynonymTable) Canonicalize(tag string) string {
	mapping := t.load()
	if canonical, ok := mapping[tag]; ok {
		return canonical
	}
	return tag
}

// Reload invalidates the cached mapping. The next Canonicalize call
// re-reads the synonym file.
func (t *SynonymTable) Reload() {
	t.mu.Lock()
	t.mapping = nil
	t.mu.Unlock()
}

// Len reports the number of mappings currently loaded, forcing a load if
// needed.
func (t *SynonymTable) Len() int {
	return len(t.load())
}

func (t *SynonymTable) load() map[string]string {
	t.mu.RLock()
	m := t.mapping
	t.mu.RUnlock()
	if m != nil {
		return m
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mapping != nil {
		return t.mapping
	}

	m, err := readSynonymFile(t.path)
	if err != nil {
		// A broken or missing synonym file must not block ingestion;
		// tags pass through un-canonicalized.
		if !os.IsNotExist(err) {
			t.logger.Warn("synonym table load failed", "path", t.path, "error", err)
		}
		m = map[string]string{}
	} else {
		t.logger.Info("synonym table loaded", "path", t.path, "mappings", len(m))
	}
	t.mapping = m
	return m
}

func readSynonymFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing synonym file: %w", err)
	}

	mapping := make(map[string]string, len(raw)*2)
	for canonical, synonyms := range raw {
		for _, syn := range synonyms {
			mapping[syn] = canonical
		}
		// A canonical tag always maps to itself.
		mapping[canonical] = canonical
	}
	return mapping, nil
}
