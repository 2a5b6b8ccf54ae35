package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jllopis/carmcp/pkg/config"
	"github.com/jllopis/carmcp/pkg/llm"
	"github.com/jllopis/carmcp/pkg/services"
	"github.com/jllopis/carmcp/pkg/toolloop"
	"github.com/jllopis/carmcp/providers/anthropic"
	"github.com/jllopis/carmcp/providers/gemini"
	"github.com/jllopis/carmcp/providers/openai"
	"github.com/jllopis/carmcp/providers/qwen"
)

func createProvider(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		var opts []openai.Option
		if cfg.LLM.APIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.LLM.APIKey))
		}
		if cfg.LLM.Model != "" {
			opts = append(opts, openai.WithModel(cfg.LLM.Model))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
		}
		return openai.New(opts...), nil
	case "anthropic":
		var opts []anthropic.Option
		if cfg.LLM.APIKey != "" {
			opts = append(opts, anthropic.WithAPIKey(cfg.LLM.APIKey))
		}
		if cfg.LLM.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.LLM.Model))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.LLM.BaseURL))
		}
		return anthropic.New(opts...), nil
	case "gemini":
		var opts []gemini.Option
		if cfg.LLM.APIKey != "" {
			opts = append(opts, gemini.WithAPIKey(cfg.LLM.APIKey))
		}
		if cfg.LLM.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.LLM.Model))
		}
		p, err := gemini.New(ctx, opts...)
		if err != nil {
			return nil, toolloop.WrapProviderError(err, "gemini", cfg.LLM.Model)
		}
		return p, nil
	case "qwen":
		var opts []qwen.Option
		if cfg.LLM.Model != "" {
			opts = append(opts, qwen.WithModel(cfg.LLM.Model))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, qwen.WithBaseURL(cfg.LLM.BaseURL))
		}
		return qwen.New(cfg.LLM.APIKey, opts...), nil
	case "ollama":
		p, err := llm.NewOllama(cfg.LLM.BaseURL)
		if err != nil {
			return nil, NewInvalidArgumentError("llm.base_url", err.Error())
		}
		return p, nil
	case "mock":
		return newOfflineProvider(), nil
	default:
		return nil, NewInvalidArgumentError("llm.provider", fmt.Sprintf("unsupported provider %q", cfg.LLM.Provider))
	}
}

// offline routing: the first keyword found in the prompt picks the tool.
var offlineRoutes = []struct {
	keyword string
	tool    string
	args    map[string]any
}{
	{"rain", services.Weather, map[string]any{"route_region": "coast"}},
	{"weather", services.Weather, map[string]any{"route_region": "coast"}},
	{"misfire", services.Diagnostics, map[string]any{"obd_code": "P0301"}},
	{"engine", services.Diagnostics, map[string]any{"obd_code": "P0301"}},
	{"service", services.Maintenance, map[string]any{"current_mileage": 42000}},
	{"maintenance", services.Maintenance, map[string]any{"current_mileage": 42000}},
	{"route", services.Navigation, map[string]any{"destination": "Airport"}},
	{"drive to", services.Navigation, map[string]any{"destination": "Airport"}},
	{"emergency", services.Emergency, map[string]any{"risk_level": "high"}},
	{"vehicle", services.VehicleInfo, map[string]any{"vin": "DEMO-VIN-123"}},
}

// newOfflineProvider returns a mock model that needs no network. It calls
// at most one tool picked from the prompt and then answers from its output.
func newOfflineProvider() *llm.MockProvider {
	return &llm.MockProvider{
		ChatFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			if last.Role == llm.RoleTool {
				return &llm.ChatResponse{
					Content: fmt.Sprintf("Based on the %s service: %s", last.Name, last.Content),
				}, nil
			}
			prompt := strings.ToLower(last.Content)
			for _, route := range offlineRoutes {
				if !strings.Contains(prompt, route.keyword) {
					continue
				}
				raw, err := json.Marshal(route.args)
				if err != nil {
					return nil, err
				}
				return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
					ID:       "call_offline_1",
					Type:     llm.ToolTypeFunction,
					Function: llm.FunctionCall{Name: route.tool, Arguments: string(raw)},
				}}}, nil
			}
			return &llm.ChatResponse{Content: "No tool was needed. Drive safely."}, nil
		},
	}
}
