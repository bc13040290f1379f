package anthropic

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch/pkg/llms", "anthropic")

var (
	ErrEmptyResponse          = errors.New("anthropic: no response")
	ErrMissingToken           = errors.New("anthropic: missing API key, set it in the ANTHROPIC_API_KEY environment variable")
	ErrInvalidContentType     = errors.New("anthropic: invalid content type")
	ErrUnsupportedMessageType = errors.New("anthropic: unsupported message type")
)

const (
	DefaultMaxTokens = 4096
)

type LLM struct {
	Client  *anthropic.Client
	Options *Options
}

var (
	_ llms.Model        = (*LLM)(nil)
	_ llms.TokenCounter = (*LLM)(nil)
)

// New creates a new Anthropic LLM client using the official Anthropic SDK.
//
// If no token is provided via options, it will attempt to read the API key
// from the ANTHROPIC_API_KEY environment variable.
//
// Example usage:
//
//	llm, err := anthropic.New(
//	    anthropic.WithToken("your-api-key"),
//	    anthropic.WithModel("claude-sonnet-4-5"),
//	)
func New(opts ...Option) (*LLM, error) {
	options := &Options{
		Token:      os.Getenv(TokenEnvVarName),
		BaseURL:    "https://api.anthropic.com",
		HttpClient: http.DefaultClient,
		MaxRetries: 2,
		Timeout:    5 * time.Minute,
	}

	for _, opt := range opts {
		opt(options)
	}

	if len(options.Token) == 0 {
		return nil, ErrMissingToken
	}
	if options.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	return &LLM{
		Client:  newClient(options),
		Options: options,
	}, nil
}

func newClient(options *Options) *anthropic.Client {
	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.Token),
		option.WithMaxRetries(options.MaxRetries),
		option.WithRequestTimeout(options.Timeout),
	}

	if options.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(options.BaseURL))
	}

	if options.HttpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.HttpClient))
	}

	client := anthropic.NewClient(sdkOpts...)
	return &client
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.Options.Model
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderAnthropic
}

// GenerateContent implements the Model interface.
//
// Every content block of the reply becomes one choice, in the order
// returned by the API. Blocks other than text and tool_use are returned
// with their API type name and no content.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{
		Model: o.Options.Model,
	}
	for _, opt := range options {
		opt(&opts)
	}

	sdkMessages, systemPrompt, err := ProcessMessages(messages)
	if err != nil {
		return nil, errors.WithMessage(err, "anthropic: failed to process messages")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		Messages:  sdkMessages,
		MaxTokens: values.NumbersCoalesce(int64(opts.MaxTokens), DefaultMaxTokens),
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: systemPrompt,
			},
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = anthropic.Float(opts.TopP)
	}
	if len(opts.StopWords) > 0 {
		params.StopSequences = opts.StopWords
	}
	if tools := ToTools(opts.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	result, err := o.Client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic: failed to create message")
	}
	if result == nil {
		return nil, ErrEmptyResponse
	}

	resp := &llms.ContentResponse{
		Choices:      make([]*llms.ContentChoice, 0, len(result.Content)),
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	}
	for i, contentBlock := range result.Content {
		info := map[string]any{
			"ID":    result.ID,
			"Index": i,
		}
		var choice *llms.ContentChoice
		switch content := contentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			choice = llms.TextChoice(content.Text)
		case anthropic.ToolUseBlock:
			args := string(content.Input)
			if args == "" {
				args = "{}"
			}
			choice = llms.ToolUseChoice(content.ID, content.Name, args)
		default:
			choice = &llms.ContentChoice{Type: llms.ChoiceType(contentBlock.Type)}
		}
		choice.StopReason = string(result.StopReason)
		choice.GenerationInfo = info
		resp.Choices = append(resp.Choices, choice)
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "generated",
		"model", opts.Model,
		"choices", len(resp.Choices),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"stop_reason", result.StopReason,
	)
	return resp, nil
}

// CountTokens implements the TokenCounter interface.
// System messages are excluded from the count.
func (o *LLM) CountTokens(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (int, error) {
	opts := llms.CallOptions{
		Model: o.Options.Model,
	}
	for _, opt := range options {
		opt(&opts)
	}

	sdkMessages, _, err := ProcessMessages(messages)
	if err != nil {
		return 0, errors.WithMessage(err, "anthropic: failed to process messages")
	}
	if len(sdkMessages) == 0 {
		return 0, nil
	}

	res, err := o.Client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(opts.Model),
		Messages: sdkMessages,
	})
	if err != nil {
		return 0, errors.Wrap(err, "anthropic: failed to count tokens")
	}
	return int(res.InputTokens), nil
}

// ToTools converts LLM tool definitions to Anthropic SDK tool parameters.
// Returns nil if no tools are provided.
func ToTools(tools []llms.Tool) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}

	sdkTools := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Function == nil {
			continue
		}
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: "object",
		}

		if params := tool.Function.Parameters; params != nil {
			if params.Properties != nil {
				properties := make(map[string]any)
				for pair := params.Properties.Oldest(); pair != nil; pair = pair.Next() {
					properties[pair.Key] = pair.Value
				}
				inputSchema.Properties = properties
			}
			if len(params.Required) > 0 {
				inputSchema.Required = params.Required
			}
		}

		sdkTools = append(sdkTools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Function.Name,
				Description: anthropic.String(tool.Function.Description),
				InputSchema: inputSchema,
			},
		})
	}
	return sdkTools
}

// ProcessMessages converts generic messages to Anthropic SDK message parameters.
//
// System messages are returned as a separate system prompt. The API requires
// the conversation to start with a user turn, so leading assistant messages
// left over after history pruning are skipped.
func ProcessMessages(messages []llms.Message) ([]anthropic.MessageParam, string, error) {
	chatMessages := make([]anthropic.MessageParam, 0, len(messages))
	systemPrompt := ""
	for _, msg := range messages {
		if len(msg.Parts) == 0 {
			continue
		}
		switch msg.Role {
		case llms.RoleSystem:
			content, err := textOf(msg)
			if err != nil {
				return nil, "", errors.WithMessage(err, "system message")
			}
			if systemPrompt != "" {
				systemPrompt += "\n" + content
			} else {
				systemPrompt = content
			}
		case llms.RoleHuman:
			content, err := textOf(msg)
			if err != nil {
				return nil, "", errors.WithMessage(err, "human message")
			}
			chatMessages = append(chatMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		case llms.RoleAI:
			if len(chatMessages) == 0 {
				continue
			}
			content, err := textOf(msg)
			if err != nil {
				return nil, "", errors.WithMessage(err, "AI message")
			}
			chatMessages = append(chatMessages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		default:
			return nil, "", errors.WithMessagef(ErrUnsupportedMessageType, "%v", msg.Role)
		}
	}
	return chatMessages, systemPrompt, nil
}

func textOf(msg llms.Message) (string, error) {
	for _, part := range msg.Parts {
		if _, ok := part.(llms.TextContent); !ok {
			return "", errors.WithMessagef(ErrInvalidContentType, "%T", part)
		}
	}
	return msg.GetContent(), nil
}
