package platform

import (
	"context"
	"encoding/json"

	"github.com/sashabaranov/go-openai"

	"github.com/hrygo/wxrelay/internal/errs"
)

// openaiConfig is the "chat-completions" LLM variant's config shape.
type openaiConfig struct {
	APIBase      string  `json:"api_base"`
	APIKey       string  `json:"api_key"`
	Model        string  `json:"model"`
	Temperature  float32 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	SystemPrompt string  `json:"system_prompt"`
	SendMode     string  `json:"send_mode"`
}

type openaiPlatform struct {
	cfg    openaiConfig
	client *openai.Client
}

func newOpenAI(raw json.RawMessage) (Platform, error) {
	var cfg openaiConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.New(errs.KindConfig, err)
	}
	if cfg.APIKey == "" {
		return nil, errs.Newf(errs.KindConfig, "openai platform: api_key required")
	}
	if cfg.Model == "" {
		return nil, errs.Newf(errs.KindConfig, "openai platform: model required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientConfig.BaseURL = cfg.APIBase
	}
	return &openaiPlatform{cfg: cfg, client: openai.NewClientWithConfig(clientConfig)}, nil
}

func (p *openaiPlatform) Initialize(ctx context.Context) error { return nil }

func (p *openaiPlatform) Process(ctx context.Context, unit Unit) (*Result, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if p.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.cfg.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: unit.Content,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Messages:    messages,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.Transient(errs.Newf(errs.KindPlatform, "openai: empty response"))
	}

	return &Result{
		Content:     resp.Choices[0].Message.Content,
		ShouldReply: true,
		SendMode:    sendModeOf(p.cfg.SendMode),
	}, nil
}

func (p *openaiPlatform) Test(ctx context.Context) (*TestResult, error) {
	_, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.cfg.Model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return &TestResult{OK: false, Detail: err.Error()}, nil
	}
	return &TestResult{OK: true, Detail: "reachable"}, nil
}

func (p *openaiPlatform) Kind() string { return "openai" }

func sendModeOf(raw string) SendMode {
	if SendMode(raw) == SendModeTyping {
		return SendModeTyping
	}
	return SendModeNormal
}

// classifyOpenAIError distinguishes auth failures (permanent, no retry)
// from transport/rate-limit errors (transient, retried by the pipeline).
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if ok := asAPIError(err, &apiErr); ok {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return errs.Permanent(err)
		default:
			return errs.Transient(err)
		}
	}
	return errs.Transient(err)
}

func asAPIError(err error, target **openai.APIError) bool {
	apiErr, ok := err.(*openai.APIError)
	if ok {
		*target = apiErr
	}
	return ok
}
