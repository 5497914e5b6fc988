// Package ai is an OpenAI-compatible chat-completions client. Model endpoint,
// credentials, and sampling parameters come from an explicitly requested
// model configuration; there is no implicit default on the queued path.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/internal/httpclient"
)

const (
	// DefaultPlainTimeout bounds a single non-tool completion call.
	DefaultPlainTimeout = 60 * time.Second
	// DefaultToolTimeout bounds streaming and tool-calling completions,
	// which legitimately run much longer.
	DefaultToolTimeout = 300 * time.Second
)

// Config holds model client configuration.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  *float64 // nil = use default (0.2)
	MaxTokens    *int     // nil = use default (1000)
	PlainTimeout time.Duration
	ToolTimeout  time.Duration
	Logger       *zap.SugaredLogger // nil = nop logger
}

// Client talks to one OpenAI-compatible chat-completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *httpclient.SaferClient
	config     Config
	logger     *zap.SugaredLogger
}

// NewClient creates a model client with defaults applied.
func NewClient(config Config) *Client {
	if config.Temperature == nil {
		defaultTemp := 0.2
		config.Temperature = &defaultTemp
	}
	if config.MaxTokens == nil {
		defaultTokens := 1000
		config.MaxTokens = &defaultTokens
	}
	if config.PlainTimeout <= 0 {
		config.PlainTimeout = DefaultPlainTimeout
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = DefaultToolTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	// SSRF-safer client: blocks private IPs, localhost, dangerous schemes.
	// Model endpoints are operator-registered URLs, not user input, but they
	// cross team boundaries and get the same treatment as any outbound call.
	blockPrivateIP := true
	saferClient := httpclient.NewWithOptions(config.ToolTimeout, httpclient.Options{
		BlockPrivateIP: &blockPrivateIP,
	})

	return &Client{
		apiKey:     config.APIKey,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: saferClient,
		config:     config,
		logger:     logger,
	}
}

// Message is one chat turn on the wire. Assistant turns may carry tool calls
// instead of content; tool result turns carry the tool_call_id they answer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares a callable function to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes one function in the request's tool list.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// NewFunctionTool wraps a function declaration in the wire envelope.
func NewFunctionTool(name, description string, parameters json.RawMessage) Tool {
	return Tool{Type: "function", Function: ToolFunction{
		Name:        name,
		Description: description,
		Parameters:  parameters,
	}}
}

// ChatCompletionRequest is the wire request to the chat completions endpoint.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ChatCompletionResponse is the wire response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage is token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is a high-level completion request. Messages carry the full
// turn list including history and tool result turns.
type ChatRequest struct {
	Messages    []Message
	Tools       []Tool
	Temperature *float64 // Override default temperature
	MaxTokens   *int     // Override default max tokens
}

// ChatResponse is the settled result of one completion call.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// CreateChatCompletion sends one chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &chatResp, nil
}

func (c *Client) post(ctx context.Context, req ChatCompletionRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	return resp, nil
}

// Chat sends a completion request with retry on network errors. Calls that
// declare tools get the longer tool timeout.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("model API key not configured")
	}

	wireReq := c.buildRequest(req)

	timeout := c.config.PlainTimeout
	if len(req.Tools) > 0 {
		timeout = c.config.ToolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Debugw("Model chat request",
		"model", wireReq.Model,
		"temperature", wireReq.Temperature,
		"max_tokens", wireReq.MaxTokens,
		"messages", len(wireReq.Messages),
		"tools", len(wireReq.Tools),
	)

	maxRetries := 3
	var resp *ChatCompletionResponse
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Second
			c.logger.Debugw("Retrying model request",
				"attempt", attempt, "max_retries", maxRetries-1, "delay", delay)
			time.Sleep(delay)
		}

		resp, err = c.CreateChatCompletion(ctx, wireReq)
		if err == nil {
			if attempt > 0 {
				c.logger.Infow("Request succeeded after retries", "attempts", attempt+1, "model", wireReq.Model)
			}
			break
		}

		c.logger.Warnw("Model API error",
			"attempt", attempt+1, "max_retries", maxRetries,
			"error", err, "model", wireReq.Model,
			"url", c.baseURL+"/chat/completions")

		if c.isRetryableError(err) {
			continue
		}
		return nil, errors.Wrap(err, "model API error")
	}

	if err != nil {
		return nil, errors.Wrapf(err, "model API error after %d retries", maxRetries)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no response choices from model")
	}

	choice := resp.Choices[0]
	c.logger.Debugw("Model response",
		"finish_reason", choice.FinishReason,
		"tool_calls", len(choice.Message.ToolCalls),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	return &ChatResponse{
		Content:      strings.TrimSpace(choice.Message.Content),
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage,
	}, nil
}

// isRetryableError checks if an error is worth retrying (network-related).
func (c *Client) isRetryableError(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}

	if opErr, ok := err.(*net.OpError); ok {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT:
				return true
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection reset by peer",
		"connection refused",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
	}
	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}
	return false
}

// IsConfigured returns true if the client has a valid API key.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

func (c *Client) buildRequest(req ChatRequest) ChatCompletionRequest {
	temperature := *c.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := *c.config.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	return ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    req.Messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Tools:       req.Tools,
	}
}

// SetHTTPClient allows overriding the HTTP client for testing.
// ⚠️ WARNING: Only use this in tests. Production code should use the default SSRF-safer client.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}
