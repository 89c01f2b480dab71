package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

//go:embed sample.json
var samplePlayout []byte

// Store persists the playout state document as a single JSON file with
// atomic-replace writes. It is safe for concurrent use; the in-memory
// authoritative copy lives with the engine, not here.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore creates a store for the document at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		logger: logger.With(slog.String("component", "store")),
	}
}

// Path returns the document location on disk.
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the document. When no file exists yet the
// embedded sample is written to disk and returned, so operators always
// have a file to edit. A malformed or invalid file is an error; the
// caller decides whether that is fatal.
func (s *Store) Load() (*Playout, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()

	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		s.logger.Info("state file missing, seeding sample", slog.String("path", s.path))
		doc, perr := ParsePlayout(samplePlayout)
		if perr != nil {
			return nil, perr
		}
		if serr := s.Save(doc); serr != nil {
			return nil, serr
		}
		return doc, nil
	}

	return ParsePlayout(data)
}

// ParsePlayout decodes, normalizes, and validates a document.
// Unknown keys in the file are ignored.
func ParsePlayout(data []byte) (*Playout, error) {
	var doc Playout
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("state file invalid: %w", err)
	}
	return &doc, nil
}

// Save writes the document atomically: marshal, write to a temp file in
// the same directory, fsync, rename over the target.
func (s *Store) Save(doc *Playout) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state file: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".loopsync-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("setting state file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}

	s.logger.Debug("state file saved",
		slog.String("path", s.path),
		slog.Int("bytes", len(data)))
	return nil
}
