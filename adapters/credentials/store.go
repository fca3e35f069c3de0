package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/voxchat/voxchat/utils/log"
)

// Store keeps one opaque credential per provider, addressed by key name
// (e.g. "OPENAI_API_KEY"). Values set at runtime persist to a JSON file;
// environment variables act as a read-only fallback so gotenv-loaded keys
// work without any file.
type Store struct {
	mu   sync.RWMutex
	path string
	keys map[string]string
}

// NewStore loads the store from path; a missing file yields an empty store.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, keys: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading credential store %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.keys); err != nil {
		return nil, fmt.Errorf("decoding credential store %q: %w", path, err)
	}
	return s, nil
}

// Get resolves a credential, preferring stored values over the environment.
func (s *Store) Get(keyName string) (string, bool) {
	s.mu.RLock()
	value, ok := s.keys[keyName]
	s.mu.RUnlock()
	if ok && value != "" {
		return value, true
	}

	if env := os.Getenv(keyName); env != "" {
		return env, true
	}
	return "", false
}

// Set stores a credential and persists the store.
func (s *Store) Set(keyName, value string) error {
	s.mu.Lock()
	s.keys[keyName] = value
	s.mu.Unlock()
	return s.save()
}

// Delete removes a credential and persists the store.
func (s *Store) Delete(keyName string) error {
	s.mu.Lock()
	delete(s.keys, keyName)
	s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.keys, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding credential store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating credential store dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing credential store: %w", err)
	}
	return nil
}

// Validate reports which of the expected keys are absent. Absence is a
// warning, never an error: providers without credentials simply fail at call
// time with an InvalidCredential result.
func (s *Store) Validate(expected []string) []string {
	var missing []string
	for _, keyName := range expected {
		if _, ok := s.Get(keyName); !ok {
			missing = append(missing, keyName)
		}
	}
	if len(missing) > 0 {
		log.With(zap.Strings("keys", missing)).Warn("providers without credentials configured")
	}
	return missing
}
