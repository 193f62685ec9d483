package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig configures an [OpenAIClient]. When AzureEndpoint is set the
// client talks to an Azure OpenAI resource and model names are deployment
// names; otherwise BaseURL is any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL         string
	APIKey          string
	AzureEndpoint   string
	AzureAPIVersion string

	// EmbeddingModel is used by Embed.
	EmbeddingModel string

	Temperature float64
	MaxTokens   int

	// HTTPClient overrides the SDK default transport.
	HTTPClient *http.Client
}

// OpenAIClient implements [Client] and [Embedder] on the official
// OpenAI Go SDK.
type OpenAIClient struct {
	client openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAIClient creates a client. Requests are never retried by the SDK:
// a failed reasoning call surfaces to the agent loop as-is.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.AzureEndpoint != "" {
		opts = append(opts,
			azure.WithEndpoint(cfg.AzureEndpoint, cfg.AzureAPIVersion),
			azure.WithAPIKey(cfg.APIKey),
		)
	} else {
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		if cfg.APIKey != "" {
			opts = append(opts, option.WithAPIKey(cfg.APIKey))
		}
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, streaming tokens to callback when it is
// non-nil.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	params := c.buildParams(model, messages, tools)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
		"stream", callback != nil,
	)

	if callback == nil {
		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
		resp, err := fromCompletion(completion)
		if err != nil {
			return nil, err
		}
		c.logResponse(ctx, resp)
		return resp, nil
	}

	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			callback(StreamEvent{Kind: KindToken, Token: chunk.Choices[0].Delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}

	resp, err := fromCompletion(&acc.ChatCompletion)
	if err != nil {
		return nil, err
	}
	c.logResponse(ctx, resp)
	callback(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// Ping checks that the endpoint answers an authenticated request.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Embed returns the embedding of text using the configured embedding model.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embed: empty response")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (c *OpenAIClient) buildParams(model string, messages []Message, tools []map[string]any) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    toParams(messages),
		Temperature: openai.Float(c.cfg.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	if len(tools) > 0 {
		params.Tools = toolParams(tools)
	}
	return params
}

func (c *OpenAIClient) logResponse(ctx context.Context, resp *ChatResponse) {
	c.logger.Debug("response received",
		"model", resp.Model,
		"finish_reason", resp.FinishReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Content)
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			p := openai.AssistantMessage(m.Content)
			for _, tc := range m.ToolCalls {
				p.OfAssistant.ToolCalls = append(p.OfAssistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			out = append(out, p)
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// toolParams converts registry declarations of the form
// {"type":"function","function":{"name","description","parameters"}}.
func toolParams(tools []map[string]any) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		schema, _ := fn["parameters"].(map[string]any)

		def := openai.FunctionDefinitionParam{
			Name:       name,
			Parameters: openai.FunctionParameters(schema),
		}
		if desc != "" {
			def.Description = openai.String(desc)
		}
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{Function: def},
		})
	}
	return out
}

func fromCompletion(completion *openai.ChatCompletion) (*ChatResponse, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, errors.New("chat completion: no choices in response")
	}
	choice := completion.Choices[0]

	msg := Message{
		Role:    RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return &ChatResponse{
		Model:        completion.Model,
		Message:      msg,
		FinishReason: string(choice.FinishReason),
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}
