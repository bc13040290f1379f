package openai

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch/pkg/llms", "openai")

var (
	// ErrEmptyResponse is returned when the OpenAI API returns an empty response.
	ErrEmptyResponse = errors.New("openai: empty response")
	// ErrMissingToken is returned when no API key is configured.
	ErrMissingToken = errors.New("openai: missing API key, set it in the OPENAI_API_KEY environment variable")
)

type LLM struct {
	Client *openai.Client
	model  string
}

var _ llms.Model = (*LLM)(nil)

// New returns a new OpenAI LLM backed by the Chat Completions API.
func New(opts ...Option) (*LLM, error) {
	o := &options{
		token:        os.Getenv(tokenEnvVarName),
		model:        os.Getenv(modelEnvVarName),
		baseURL:      os.Getenv(baseURLEnvVarName),
		organization: os.Getenv(organizationEnvVarName),
		maxRetries:   2,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.token == "" {
		return nil, ErrMissingToken
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(o.token),
		option.WithMaxRetries(o.maxRetries),
	}
	if o.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(o.baseURL))
	}
	if o.organization != "" {
		sdkOpts = append(sdkOpts, option.WithOrganization(o.organization))
	}
	if o.httpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(o.httpClient))
	}

	client := openai.NewClient(sdkOpts...)
	return &LLM{
		Client: &client,
		model:  values.StringsCoalesce(o.model, DefaultChatModel),
	}, nil
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.model
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderOpenAI
}

// GenerateContent implements the Model interface.
//
// The text of the first choice becomes the first segment, followed by one
// segment per tool call, in the order returned by the API.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{
		Model: o.model,
	}
	for _, opt := range options {
		opt(&opts)
	}

	chatMsgs, err := ToMessages(messages)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(opts.Model),
		Messages:            chatMsgs,
		MaxCompletionTokens: openai.Int(int64(values.NumbersCoalesce(opts.MaxTokens, DefaultMaxTokens))),
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = openai.Float(opts.TopP)
	}
	tools, err := ToTools(opts.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	result, err := o.Client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "openai: failed to create chat completion")
	}
	if result == nil || len(result.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	c := result.Choices[0]
	resp := &llms.ContentResponse{
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
	}
	info := map[string]any{
		"ID":    result.ID,
		"Model": result.Model,
	}
	if c.Message.Content != "" {
		choice := llms.TextChoice(c.Message.Content)
		choice.StopReason = c.FinishReason
		choice.GenerationInfo = info
		resp.Choices = append(resp.Choices, choice)
	}
	for _, tc := range c.Message.ToolCalls {
		args := values.StringsCoalesce(tc.Function.Arguments, "{}")
		choice := llms.ToolUseChoice(tc.ID, tc.Function.Name, args)
		choice.StopReason = c.FinishReason
		choice.GenerationInfo = info
		resp.Choices = append(resp.Choices, choice)
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "generated",
		"model", opts.Model,
		"choices", len(resp.Choices),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"finish_reason", c.FinishReason,
	)
	return resp, nil
}

// ToMessages converts generic messages to the Chat Completions format.
func ToMessages(messages []llms.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	chatMsgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, mc := range messages {
		if len(mc.Parts) == 0 {
			continue
		}
		content := mc.GetContent()
		switch mc.Role {
		case llms.RoleSystem:
			chatMsgs = append(chatMsgs, openai.SystemMessage(content))
		case llms.RoleAI:
			chatMsgs = append(chatMsgs, openai.AssistantMessage(content))
		case llms.RoleHuman:
			chatMsgs = append(chatMsgs, openai.UserMessage(content))
		default:
			return nil, errors.WithMessagef(llms.ErrUnexpectedRole, "openai: %v", mc.Role)
		}
	}
	return chatMsgs, nil
}

// ToTools converts LLM tool definitions to Chat Completions function tools.
func ToTools(tools []llms.Tool) ([]openai.ChatCompletionToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	res := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Function == nil {
			continue
		}
		fn := shared.FunctionDefinitionParam{
			Name:        tool.Function.Name,
			Description: openai.String(tool.Function.Description),
		}
		if tool.Function.Parameters != nil {
			js, err := json.Marshal(tool.Function.Parameters)
			if err != nil {
				return nil, errors.Wrapf(err, "openai: failed to marshal parameters of %s", tool.Function.Name)
			}
			params := shared.FunctionParameters{}
			if err = json.Unmarshal(js, &params); err != nil {
				return nil, errors.Wrapf(err, "openai: failed to unmarshal parameters of %s", tool.Function.Name)
			}
			fn.Parameters = params
		}
		res = append(res, openai.ChatCompletionFunctionTool(fn))
	}
	return res, nil
}
