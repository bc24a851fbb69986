package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"feedwatch/internal/config"
)

// HTTPTagger calls an external entity-extraction service:
// POST {"text": ...} -> {"entities": [{"text": ..., "type": ...}]}.
type HTTPTagger struct {
	endpoint string
	client   *http.Client
}

var _ Tagger = (*HTTPTagger)(nil)

// NewHTTPTagger wires the tagging endpoint with its own timeout.
func NewHTTPTagger(cfg config.TaggingConfig) *HTTPTagger {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTagger{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Tag extracts entity names from the given text.
func (t *HTTPTagger) Tag(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(t.endpoint) == "" {
		return nil, fmt.Errorf("tagger endpoint is not configured")
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal tag request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tag request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tagger error %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		Entities []struct {
			Text string `json:"text"`
			Type string `json:"type"`
		} `json:"entities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode tagger response: %w", err)
	}

	seen := map[string]struct{}{}
	var tags []string
	for _, e := range parsed.Entities {
		name := strings.TrimSpace(e.Text)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		tags = append(tags, name)
	}
	return tags, nil
}
