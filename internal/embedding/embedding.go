// Package embedding computes text embeddings and keeps the note vector index.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// DefaultModel is the Gemini embedding model used when none is configured.
const DefaultModel = "text-embedding-004"

var (
	ErrEmptyText   = errors.New("embedding: empty text")
	ErrNoEmbedding = errors.New("embedding: provider returned no embedding")
	ErrMissingKey  = errors.New("embedding: missing API key")
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Gemini embeds through the Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
}

// GeminiConfig configures the Gemini embedder.
type GeminiConfig struct {
	APIKey string
	Model  string
	// RPS caps embedding calls per second. Zero means unlimited.
	RPS float64
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Gemini{client: client, model: model, limiter: NewLimiter(cfg.RPS)}, nil
}

// NewLimiter returns a limiter allowing rps calls per second; rps <= 0 is unlimited.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.model, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, ErrNoEmbedding
	}
	return resp.Embeddings[0].Values, nil
}

// Chunk splits text into pieces of at most size runes, preferring paragraph
// and line breaks.
func Chunk(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 || utf8.RuneCountInString(text) <= size {
		return []string{text}
	}
	var out []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
		curLen = 0
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if curLen+n > size {
			flush()
		}
		for n > size {
			// a single line longer than size
			r := []rune(line)
			out = append(out, string(r[:size]))
			line = string(r[size:])
			n = len(r) - size
		}
		cur.WriteString(line)
		curLen += n
	}
	flush()
	return out
}
