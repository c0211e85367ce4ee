package llm

import (
	"context"
	"errors"
	"sync"
)

// ScriptedProvider returns a pre-defined sequence of responses. It is the
// workhorse of deterministic tests: each Chat pops the next script entry.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	loaded    string
	loadDelay func(model string)
}

// NewScripted creates a provider that will answer with the given responses
// in order.
func NewScripted(responses ...string) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

// Chat implements Provider.
func (s *ScriptedProvider) Chat(_ context.Context, _ ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return nil, errors.New("scripted provider: script exhausted")
	}
	content := s.responses[0]
	s.responses = s.responses[1:]
	return &ChatResponse{
		Content: content,
		Usage:   Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}, nil
}

// Load implements Loader. An optional hook simulates swap latency.
func (s *ScriptedProvider) Load(_ context.Context, model string) error {
	s.mu.Lock()
	hook := s.loadDelay
	s.mu.Unlock()
	if hook != nil {
		hook(model)
	}
	s.mu.Lock()
	s.loaded = model
	s.mu.Unlock()
	return nil
}

// Loaded implements Loader.
func (s *ScriptedProvider) Loaded() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Fail makes every subsequent Chat return err.
func (s *ScriptedProvider) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Push appends responses to the script.
func (s *ScriptedProvider) Push(responses ...string) {
	s.mu.Lock()
	s.responses = append(s.responses, responses...)
	s.mu.Unlock()
}

// OnLoad installs a hook invoked before each Load completes.
func (s *ScriptedProvider) OnLoad(hook func(model string)) {
	s.mu.Lock()
	s.loadDelay = hook
	s.mu.Unlock()
}

// Calls reports how many Chat calls the provider has served.
func (s *ScriptedProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var (
	_ Provider = (*ScriptedProvider)(nil)
	_ Loader   = (*ScriptedProvider)(nil)
)
