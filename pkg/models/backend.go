package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/resilience"
)

// Request is one generation call.
type Request struct {
	Model       string
	ModelPath   string // local weights, empty when not installed
	Role        core.ModelRole
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Backend runs inference. Implementations return MODEL_UNAVAILABLE when the
// service cannot be reached, TIMEOUT on deadline and INVALID_OUTPUT when the
// response is unusable.
type Backend interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// BackendFactory builds a backend from its manifest configuration.
type BackendFactory func(name string, cfg BackendConfig, client *http.Client) (Backend, error)

// DefaultFactories maps backend types to constructors.
func DefaultFactories() map[string]BackendFactory {
	return map[string]BackendFactory{
		"ollama": func(_ string, cfg BackendConfig, client *http.Client) (Backend, error) {
			return NewOllama(cfg.Endpoint, client), nil
		},
		"openai": newOpenAIFromConfig,
		"static": func(_ string, cfg BackendConfig, _ *http.Client) (Backend, error) {
			return staticFromConfig(cfg)
		},
	}
}

// OllamaBackend talks to a local Ollama server.
type OllamaBackend struct {
	baseURL string
	client  *http.Client
}

// NewOllama creates an Ollama backend; an empty URL means localhost:11434.
func NewOllama(baseURL string, client *http.Client) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &OllamaBackend{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate calls /api/generate without streaming.
func (o *OllamaBackend) Generate(ctx context.Context, req Request) (string, error) {
	oReq := ollamaRequest{Model: req.Model, Prompt: req.Prompt}
	opts := map[string]any{}
	if req.Temperature != 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		oReq.Options = opts
	}

	var oResp ollamaResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/api/generate", nil, oReq, &oResp); err != nil {
		return "", err
	}
	if oResp.Error != "" {
		return "", errors.Newf(errors.CodeModelUnavailable, "ollama: %s", oResp.Error)
	}
	return nonEmpty(oResp.Response)
}

// OpenAIBackend talks to an OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// NewOpenAI creates a chat completions backend guarded by a circuit breaker.
func NewOpenAI(name, baseURL, model, apiKey string, client *http.Client) *OpenAIBackend {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAIBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: name}),
	}
}

func newOpenAIFromConfig(name string, cfg BackendConfig, client *http.Client) (Backend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.Newf(errors.CodeConfig, "backend %q: endpoint is required", name)
	}
	var key string
	if cfg.APIKey != "" {
		key = os.Getenv(cfg.APIKey)
	}
	return NewOpenAI(name, cfg.Endpoint, cfg.Model, key, client), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends the prompt as a single user message.
func (o *OpenAIBackend) Generate(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	body := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	headers := map[string]string{}
	if o.apiKey != "" {
		headers["Authorization"] = "Bearer " + o.apiKey
	}

	var resp chatResponse
	err := o.breaker.Call(ctx, func(ctx context.Context) error {
		return postJSON(ctx, o.client, o.baseURL+"/v1/chat/completions", headers, body, &resp)
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.Newf(errors.CodeInvalidOutput, "remote backend returned no choices")
	}
	return nonEmpty(resp.Choices[0].Message.Content)
}

// StaticBackend returns scripted responses in order, for tests and offline
// runs. The last response repeats once the script is exhausted.
type StaticBackend struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []Request
}

// NewStatic creates a scripted backend.
func NewStatic(responses ...string) *StaticBackend {
	return &StaticBackend{responses: responses}
}

// FailWith makes every call fail with err.
func (s *StaticBackend) FailWith(err error) *StaticBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Calls returns the requests received so far.
func (s *StaticBackend) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// Generate pops the next scripted response.
func (s *StaticBackend) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", contextError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", errors.Newf(errors.CodeModelUnavailable, "static backend has no responses")
	}
	out := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return out, nil
}

func staticFromConfig(cfg BackendConfig) (*StaticBackend, error) {
	var responses []string
	switch v := cfg.Config["responses"].(type) {
	case nil:
	case []any:
		for _, r := range v {
			responses = append(responses, fmt.Sprint(r))
		}
	case []string:
		responses = v
	default:
		return nil, errors.Newf(errors.CodeConfig, "static backend responses must be a list, got %T", v)
	}
	if s, ok := cfg.Config["response"].(string); ok {
		responses = append(responses, s)
	}
	return NewStatic(responses...), nil
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.New(errors.CodeInternal, "marshal backend request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.New(errors.CodeInternal, "create backend request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return contextError(ctx.Err())
		}
		return errors.New(errors.CodeModelUnavailable, "backend call failed", err).
			WithContext("url", url).WithRecoverable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e := errors.Newf(errors.CodeModelUnavailable, "backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))).
			WithContext("url", url).
			WithContext("status", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			e.WithRecoverable(true)
		}
		return e
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return contextError(ctx.Err())
		}
		return errors.New(errors.CodeInvalidOutput, "decode backend response", err)
	}
	return nil
}

func nonEmpty(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", errors.Newf(errors.CodeInvalidOutput, "backend returned empty output")
	}
	return s, nil
}

func contextError(err error) error {
	if err == context.DeadlineExceeded {
		return errors.New(errors.CodeTimeout, "model call timed out", err)
	}
	return errors.New(errors.CodeCanceled, "model call canceled", err)
}
