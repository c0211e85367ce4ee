package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// OllamaProvider talks to a local Ollama server. It also implements Loader:
// issuing an empty chat against a model forces Ollama to page it in, which
// is how the router realizes a swap.
type OllamaProvider struct {
	baseURL string
	client  *http.Client

	mu     sync.Mutex
	loaded string
}

// NewOllama creates a provider against baseURL, defaulting to the local
// Ollama port.
func NewOllama(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type ollamaRequest struct {
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	Stream    bool           `json:"stream"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type ollamaResponse struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	EvalCount       int     `json:"eval_count"`
	PromptEvalCount int     `json:"prompt_eval_count"`
}

// Chat implements Provider.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	oReq := ollamaRequest{Model: req.Model, Messages: req.Messages}
	if req.Temperature != 0 {
		oReq.Options = map[string]any{"temperature": req.Temperature}
	}
	var oResp ollamaResponse
	if err := p.post(ctx, oReq, &oResp); err != nil {
		return nil, err
	}
	return &ChatResponse{
		Content: oResp.Message.Content,
		Usage: Usage{
			PromptTokens:     oResp.PromptEvalCount,
			CompletionTokens: oResp.EvalCount,
			TotalTokens:      oResp.PromptEvalCount + oResp.EvalCount,
		},
	}, nil
}

// Load implements Loader by warming the model with an empty request.
func (p *OllamaProvider) Load(ctx context.Context, model string) error {
	var oResp ollamaResponse
	if err := p.post(ctx, ollamaRequest{Model: model, KeepAlive: "30m"}, &oResp); err != nil {
		return err
	}
	p.mu.Lock()
	p.loaded = model
	p.mu.Unlock()
	return nil
}

// Loaded implements Loader.
func (p *OllamaProvider) Loaded() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func (p *OllamaProvider) post(ctx context.Context, oReq ollamaRequest, out *ollamaResponse) error {
	body, err := json.Marshal(oReq)
	if err != nil {
		return fmt.Errorf("marshal ollama request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama api call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama api returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var (
	_ Provider = (*OllamaProvider)(nil)
	_ Loader   = (*OllamaProvider)(nil)
)
