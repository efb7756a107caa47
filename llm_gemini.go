package engram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GeminiLLM generates text completions via the Gemini API. Implements
// LLMProvider for the extractor's disambiguation fallback, the
// consolidator's synthesis/contradiction calls, and ask()'s answer
// synthesis.
type GeminiLLM struct {
	apiKey string
	model  string
	client *http.Client
}

// NewGeminiLLM creates a completion provider for the given Gemini model
// (e.g. "gemini-2.0-flash").
func NewGeminiLLM(apiKey, model string) *GeminiLLM {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiLLM{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

// Complete sends prompt as a single-turn generateContent call and returns
// the first candidate's text.
func (g *GeminiLLM) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	if g.apiKey == "" {
		return "", fmt.Errorf("%w: gemini complete: no API key", ErrUnavailable)
	}

	url := "https://generativelanguage.googleapis.com/v1beta/models/" + g.model + ":generateContent?key=" + g.apiKey

	genCfg := geminiGenerationConfig{}
	if opts.MaxTokens > 0 {
		genCfg.MaxOutputTokens = opts.MaxTokens
	}
	if opts.JSONMode {
		genCfg.ResponseMimeType = "application/json"
	}

	reqBody := geminiGenerateRequest{
		Contents:         []geminiEmbedContent{{Parts: []geminiEmbedPart{{Text: prompt}}}},
		GenerationConfig: genCfg,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: gemini complete: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: gemini complete", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gemini complete %d: %s", resp.StatusCode, string(body[:min(len(body), 200)]))
	}

	var genResp geminiGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: gemini complete: empty response", ErrUnavailable)
	}

	return genResp.Candidates[0].Content.Parts[0].Text, nil
}

// --- Gemini generateContent API types ---

type geminiGenerateRequest struct {
	Contents         []geminiEmbedContent   `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int    `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content geminiEmbedContent `json:"content"`
}
