package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Well-known secret names.
const (
	LLMAPIKey = "LLM_API_KEY"
	PushToken = "PUSH_TOKEN"
)

// Store reads a JSON secrets document from disk once and serves lookups
// from memory. Environment variables of the same name take precedence,
// so deployments without a secrets file still work.
type Store struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

// NewStore points at a JSON file shaped like {"LLM_API_KEY": "...", ...}.
// An empty path means env-only lookups.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Get returns the named secret, or empty string if it is not set
// anywhere. Errors are reported only for an unreadable or malformed
// secrets file.
func (s *Store) Get(name string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v, nil
	}
	s.once.Do(s.load)
	if s.err != nil {
		return "", s.err
	}
	return s.values[name], nil
}

func (s *Store) load() {
	s.values = map[string]string{}
	if strings.TrimSpace(s.path) == "" {
		return
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		s.err = fmt.Errorf("read secrets %s: %w", s.path, err)
		return
	}
	if err := json.Unmarshal(raw, &s.values); err != nil {
		s.err = fmt.Errorf("parse secrets %s: %w", s.path, err)
	}
}
