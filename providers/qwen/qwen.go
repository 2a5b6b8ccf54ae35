// Copyright 2026 © The carmcp Authors
// SPDX-License-Identifier: Apache-2.0

// Package qwen provides an Alibaba Cloud Qwen provider. DashScope speaks the
// OpenAI chat completions dialect, so any compatible endpoint (vLLM, LM Studio)
// works through WithBaseURL.
package qwen

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/llm"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultBaseURL is the default DashScope API endpoint.
	DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultModel   = "qwen-plus"
	APIKeyEnv      = "DASHSCOPE_API_KEY"
)

// Provider implements llm.Provider for Qwen and other OpenAI-compatible APIs.
type Provider struct {
	client     *openai.Client
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Option configures the Provider.
type Option func(*Provider)

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// New creates a new Qwen provider. An empty apiKey falls back to
// DASHSCOPE_API_KEY.
func New(apiKey string, opts ...Option) *Provider {
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv(APIKeyEnv))
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	cfg := openai.DefaultConfig(p.apiKey)
	cfg.BaseURL = strings.TrimRight(p.baseURL, "/")
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

func (p *Provider) Name() string { return "qwen" }

// CheckCredentials implements llm.CredentialChecker.
func (p *Provider) CheckCredentials() error {
	if p.apiKey == "" {
		return errors.New(errors.CodeMissingCredential, APIKeyEnv+" is not set", nil).
			WithContext("provider", "qwen")
	}
	return nil
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	apiReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Tools:    convertTools(req.Tools),
	}
	if req.Temperature > 0 {
		apiReq.Temperature = float32(req.Temperature)
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("qwen chat completion failed: %w", err)
	}
	return convertResponse(resp), nil
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		if msg.Role == llm.RoleTool {
			m.Name = msg.Name
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		result = append(result, m)
	}
	return result
}

func convertTools(tools []llm.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}
	return result
}

func convertResponse(resp openai.ChatCompletionResponse) *llm.ChatResponse {
	result := &llm.ChatResponse{
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return result
	}
	msg := resp.Choices[0].Message
	result.Content = msg.Content
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:   tc.ID,
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return result
}

var _ llm.Provider = (*Provider)(nil)
var _ llm.CredentialChecker = (*Provider)(nil)
