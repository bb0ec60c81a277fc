package reasoning

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Request is one completion call, independent of the backend wire format.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Response is the text a backend returned plus its token accounting.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Adapter translates Request/Response to one backend's HTTP API.
type Adapter interface {
	Name() string
	Endpoint(baseURL string) string
	SetHeaders(req *http.Request, apiKey string)
	Body(r Request) ([]byte, error)
	Parse(body []byte) (*Response, error)
}

// adapters is the closed set of supported backends.
var adapters = map[string]Adapter{
	"anthropic": anthropicAdapter{},
	"openai":    openAIAdapter{name: "openai", defaultBase: "https://api.openai.com/v1"},
	"ollama":    openAIAdapter{name: "ollama", defaultBase: "http://localhost:11434/v1"},
}

// Lookup returns the adapter registered under name.
func Lookup(name string) (Adapter, error) {
	a, ok := adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("reasoning: unknown provider %q", name)
	}
	return a, nil
}

const anthropicVersion = "2023-06-01"

type anthropicAdapter struct{}

func (anthropicAdapter) Name() string { return "anthropic" }

func (anthropicAdapter) Endpoint(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
}

func (anthropicAdapter) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (anthropicAdapter) Body(r Request) ([]byte, error) {
	return json.Marshal(anthropicRequest{
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		System:      r.System,
		Messages:    []anthropicMessage{{Role: "user", Content: r.Prompt}},
		Temperature: r.Temperature,
	})
}

func (anthropicAdapter) Parse(body []byte) (*Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &Response{
		Content:      b.String(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// openAIAdapter speaks the chat-completions format shared by OpenAI,
// OpenRouter, vLLM and Ollama's /v1 endpoint.
type openAIAdapter struct {
	name        string
	defaultBase string
}

func (a openAIAdapter) Name() string { return a.name }

func (a openAIAdapter) Endpoint(baseURL string) string {
	if baseURL == "" {
		baseURL = a.defaultBase
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

func (openAIAdapter) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (openAIAdapter) Body(r Request) ([]byte, error) {
	msgs := make([]openAIMessage, 0, 2)
	if r.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: r.System})
	}
	msgs = append(msgs, openAIMessage{Role: "user", Content: r.Prompt})
	return json.Marshal(openAIRequest{
		Model:       r.Model,
		Messages:    msgs,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	})
}

func (a openAIAdapter) Parse(body []byte) (*Response, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", a.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s response has no choices", a.name)
	}
	return &Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
