// Package modelconfig owns the process-wide model configuration: the
// ordered set of candidate tutor models, read lock-free on the hot path and
// rewritten atomically at deployment time.
package modelconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"
)

// ModelEntry describes one candidate model.
type ModelEntry struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"` // lower is preferred
	Provider string `json:"provider"`
}

// Config is the model configuration document.
type Config struct {
	Models          map[string]ModelEntry `json:"models"`
	FallbackEnabled bool                  `json:"fallback_enabled"`
	Temperature     float64               `json:"temperature"`
	MaxTokens       int                   `json:"max_tokens"`
	UpdatedAt       time.Time             `json:"updated_at,omitempty"`
}

// Selection is a resolved (model, provider) pair.
type Selection struct {
	ModelID    string
	ProviderID string
}

// Default returns a configuration with no models and fallback enabled.
func Default() *Config {
	return &Config{
		Models:          map[string]ModelEntry{},
		FallbackEnabled: true,
		Temperature:     0.7,
		MaxTokens:       1024,
	}
}

// Store holds the current configuration behind an atomic pointer. The tutor
// router reads it per request; the training scheduler swaps in a new one at
// deployment.
type Store struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewStore creates a store bound to a configuration file path. A missing
// file yields the default configuration; it is written on first save.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}

	cfg, err := readFile(path)
	if os.IsNotExist(err) {
		cfg = Default()
	} else if err != nil {
		return nil, err
	}
	s.cur.Store(cfg)

	return s, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model configuration: %w", err)
	}
	if cfg.Models == nil {
		cfg.Models = map[string]ModelEntry{}
	}
	return &cfg, nil
}

// Current returns the live configuration. Callers must not mutate it.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Reload re-reads the configuration file and swaps it in.
func (s *Store) Reload() error {
	cfg, err := readFile(s.path)
	if err != nil {
		return err
	}
	s.cur.Store(cfg)
	return nil
}

// SelectDefault resolves the enabled entry with the lowest priority number.
// Ties break on model id for determinism.
func (s *Store) SelectDefault() (Selection, bool) {
	cfg := s.cur.Load()

	type candidate struct {
		id    string
		entry ModelEntry
	}
	var enabled []candidate
	for id, e := range cfg.Models {
		if e.Enabled {
			enabled = append(enabled, candidate{id: id, entry: e})
		}
	}
	if len(enabled) == 0 {
		return Selection{}, false
	}

	sort.Slice(enabled, func(i, j int) bool {
		if enabled[i].entry.Priority != enabled[j].entry.Priority {
			return enabled[i].entry.Priority < enabled[j].entry.Priority
		}
		return enabled[i].id < enabled[j].id
	})

	best := enabled[0]
	return Selection{ModelID: best.id, ProviderID: best.entry.Provider}, true
}

// Resolve returns the entry for a model id, if configured.
func (s *Store) Resolve(modelID string) (ModelEntry, bool) {
	cfg := s.cur.Load()
	e, ok := cfg.Models[modelID]
	return e, ok
}

// Deploy registers a newly trained model enabled at priority 1 and persists
// the rewritten configuration. The swap is a single atomic pointer store.
func (s *Store) Deploy(modelID, providerID string) error {
	old := s.cur.Load()

	next := &Config{
		Models:          make(map[string]ModelEntry, len(old.Models)+1),
		FallbackEnabled: old.FallbackEnabled,
		Temperature:     old.Temperature,
		MaxTokens:       old.MaxTokens,
		UpdatedAt:       time.Now().UTC(),
	}
	for id, e := range old.Models {
		next.Models[id] = e
	}
	next.Models[modelID] = ModelEntry{
		Name:     modelID,
		Enabled:  true,
		Priority: 1,
		Provider: providerID,
	}

	if err := s.save(next); err != nil {
		return err
	}
	s.cur.Store(next)
	return nil
}

// Save persists the given configuration and swaps it in.
func (s *Store) Save(cfg *Config) error {
	if err := s.save(cfg); err != nil {
		return err
	}
	s.cur.Store(cfg)
	return nil
}

// save writes the file via a temp-file rename so readers never see a
// partial document.
func (s *Store) save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model configuration: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".models-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}
