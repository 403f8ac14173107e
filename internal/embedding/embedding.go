// Package embedding provides text-embedding backends for the similarity
// comparator. The memory engine itself never touches vectors; it only sees
// the [0,1] scores produced by the comparator built on top of a Provider.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "openai" or "ollama"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds the configured provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return &openaiProvider{cfg: cfg}, nil
	case "ollama":
		return &ollamaProvider{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// postJSON sends a JSON request and decodes the JSON response into out.
func postJSON(ctx context.Context, url, apiKey string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

// openaiProvider talks to an OpenAI-compatible /embeddings endpoint.
type openaiProvider struct {
	cfg Config
	dim int
}

type openaiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *openaiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var result openaiResponse
	if err := postJSON(ctx, p.cfg.Endpoint+"/embeddings", p.cfg.APIKey,
		openaiRequest{Model: p.cfg.Model, Input: texts}, &result); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		vectors[i] = d.Embedding
	}
	if p.dim == 0 && len(vectors) > 0 {
		p.dim = len(vectors[0])
	}
	return vectors, nil
}

func (p *openaiProvider) Dimension() int {
	if p.dim > 0 {
		return p.dim
	}
	return p.cfg.Dimension
}

// ollamaProvider talks to an Ollama-compatible /api/embeddings endpoint,
// which only accepts one prompt per call.
type ollamaProvider struct {
	cfg Config
	dim int
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *ollamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var result ollamaResponse
		if err := postJSON(ctx, p.cfg.Endpoint+"/api/embeddings", "",
			ollamaRequest{Model: p.cfg.Model, Prompt: text}, &result); err != nil {
			return nil, err
		}
		vectors = append(vectors, result.Embedding)
	}
	if p.dim == 0 && len(vectors) > 0 {
		p.dim = len(vectors[0])
	}
	return vectors, nil
}

func (p *ollamaProvider) Dimension() int {
	if p.dim > 0 {
		return p.dim
	}
	return p.cfg.Dimension
}
