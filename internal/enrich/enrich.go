package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"

	"feedwatch/internal/config"
	"feedwatch/internal/models"
)

// PlaceholderSummary is persisted when summarization fails for good.
// Enrichment failure is non-fatal: the item still reaches the store.
const PlaceholderSummary = "Summary not available."

// Summarizer produces a natural-language summary for one item.
type Summarizer interface {
	Summarize(ctx context.Context, item models.FeedItem) (string, error)
}

// Tagger extracts entity tags from text. It is an optional capability:
// an Enricher without one simply skips tagging.
type Tagger interface {
	Tag(ctx context.Context, text string) ([]string, error)
}

// Result carries the enrichment outcome. The errors are recorded for
// observability; a failed summary is degraded to the placeholder, never
// dropped.
type Result struct {
	Summary    string
	Tags       []string
	SummaryErr error
	TagErr     error
}

// Enricher wraps the summarization and tagging collaborators with
// per-call timeouts and bounded retries.
type Enricher struct {
	summarizer Summarizer
	tagger     Tagger
	timeout    time.Duration
	maxRetries uint64
	log        *zap.SugaredLogger
}

// New wires an enricher from explicit collaborators. tagger may be nil.
func New(summarizer Summarizer, tagger Tagger, cfg config.EnrichmentConfig, log *zap.SugaredLogger) *Enricher {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = time.Minute
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Enricher{
		summarizer: summarizer,
		tagger:     tagger,
		timeout:    timeout,
		maxRetries: uint64(retries),
		log:        log,
	}
}

// NewFromConfig builds the production enricher: an OpenAI-compatible
// summarizer and, when enabled, the HTTP entity tagger.
func NewFromConfig(cfg config.EnrichmentConfig, apiKey string, log *zap.SugaredLogger) (*Enricher, error) {
	summarizer, err := NewOpenAISummarizer(cfg, apiKey)
	if err != nil {
		return nil, err
	}
	var tagger Tagger
	if cfg.Tagging.Enabled {
		tagger = NewHTTPTagger(cfg.Tagging)
	}
	return New(summarizer, tagger, cfg, log), nil
}

// Enrich summarizes and optionally tags one item. Transient failures
// are retried with exponential backoff; exhausted retries degrade to the
// placeholder summary. A tagging failure never blocks a summary.
func (e *Enricher) Enrich(ctx context.Context, item models.FeedItem) Result {
	var res Result

	summary, err := e.withRetry(ctx, func(callCtx context.Context) (string, error) {
		return e.summarizer.Summarize(callCtx, item)
	})
	if err != nil {
		e.log.Warnw("summarization failed, persisting placeholder",
			"source", item.SourceID, "item", item.ItemID, "error", err)
		res.Summary = PlaceholderSummary
		res.SummaryErr = err
	} else {
		res.Summary = summary
	}

	if e.tagger != nil {
		tagCtx, cancel := context.WithTimeout(ctx, e.timeout)
		tags, err := e.tagger.Tag(tagCtx, item.RawBody)
		cancel()
		if err != nil {
			e.log.Debugw("entity tagging failed",
				"source", item.SourceID, "item", item.ItemID, "error", err)
			res.TagErr = err
		} else {
			res.Tags = tags
		}
	}
	return res
}

func (e *Enricher) withRetry(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	var out string
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		s, err := call(callCtx)
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = s
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}
	return out, nil
}

// isTransient classifies failures worth retrying: rate limits, server
// errors, timeouts, and plain network trouble.
func isTransient(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 408, apiErr.StatusCode == 429:
			return true
		case apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Deadline overruns and transport errors count as transient.
	return true
}

// OpenAISummarizer calls an OpenAI-compatible chat completions API with
// a configurable prompt template.
type OpenAISummarizer struct {
	client openai.Client
	model  string
	prompt *template.Template
}

type promptData struct {
	Title string
	Body  string
}

// NewOpenAISummarizer parses the prompt template and builds the client.
func NewOpenAISummarizer(cfg config.EnrichmentConfig, apiKey string) (*OpenAISummarizer, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("summarizer model is not configured")
	}
	tmpl, err := template.New("prompt").Parse(cfg.Prompt)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	opts := []option.RequestOption{}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(opts...)
	return &OpenAISummarizer{client: client, model: cfg.Model, prompt: tmpl}, nil
}

// Summarize renders the prompt and requests a completion.
func (s *OpenAISummarizer) Summarize(ctx context.Context, item models.FeedItem) (string, error) {
	var buf bytes.Buffer
	if err := s.prompt.Execute(&buf, promptData{Title: item.Title, Body: item.RawBody}); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}

	completion, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(buf.String()),
		},
		Model: s.model,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	summary := strings.TrimSpace(completion.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("completion returned empty content")
	}
	return summary, nil
}
