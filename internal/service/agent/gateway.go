package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"taskchat/internal/config"
)

// ErrModelService marks upstream language-model failures (timeout, rate
// limit, malformed response). The turn loop aborts on these with no partial
// commit, so the caller can simply retry.
var ErrModelService = errors.New("model service error")

// ToolCallRequest is one tool call the model asked for.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Request is the gateway wire contract: system prompt, bounded history, and
// the full tool catalog.
type Request struct {
	SystemPrompt string
	Messages     []*schema.Message
	Tools        []*schema.ToolInfo
}

// Reply carries either final text or a non-empty ordered list of requested
// tool calls, never both.
type Reply struct {
	FinalText string
	ToolCalls []ToolCallRequest
}

// Gateway adapts the external language-model service.
type Gateway interface {
	Generate(ctx context.Context, req Request) (*Reply, error)
}

type einoGateway struct {
	chatModel model.ToolCallingChatModel
}

// NewGateway builds a gateway for the configured provider.
func NewGateway(ctx context.Context, provider, modelName string, cfg *config.Config) (Gateway, error) {
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelName == "" {
		modelName = provCfg.Model
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &einoGateway{chatModel: chatModel}, nil
}

func (g *einoGateway) Generate(ctx context.Context, req Request) (*Reply, error) {
	messages := make([]*schema.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	chatModel := g.chatModel
	if len(req.Tools) > 0 {
		bound, err := g.chatModel.WithTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("%w: bind tools: %v", ErrModelService, err)
		}
		chatModel = bound
	}

	resp, err := chatModel.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelService, err)
	}

	if len(resp.ToolCalls) > 0 {
		calls := make([]ToolCallRequest, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			calls = append(calls, ToolCallRequest{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		return &Reply{ToolCalls: calls}, nil
	}
	return &Reply{FinalText: resp.Content}, nil
}
