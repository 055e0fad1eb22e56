package composite

import (
	"context"
	"encoding/json"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/aivalabs/aiva-bridge/internal/provider"
)

// llmToolCall is one tool invocation requested by the chat model.
type llmToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// llmReply is the outcome of one completion round.
type llmReply struct {
	Content   string
	ToolCalls []llmToolCall

	PromptTokens     int64
	CompletionTokens int64
}

// chatModel wraps the chat-completions client for the think leg. The base URL
// is configurable so OpenAI-compatible gateways can serve the model named in
// the agent config.
type chatModel struct {
	client      oai.Client
	model       string
	temperature float64
	maxTokens   int
}

func newChatModel(apiKey, baseURL, model string, temperature float64, maxTokens int) *chatModel {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &chatModel{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

// complete runs one non-streaming completion over the accumulated history.
func (m *chatModel) complete(ctx context.Context, history []oai.ChatCompletionMessageParamUnion, tools []provider.ToolSchema) (*llmReply, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.model),
		Messages: history,
	}
	if m.temperature != 0 {
		params.Temperature = param.NewOpt(m.temperature)
	}
	if m.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(m.maxTokens))
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  rawToFunctionParameters(t.Parameters),
			},
		})
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("composite: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("composite: chat completion returned no choices")
	}

	choice := resp.Choices[0]
	reply := &llmReply{
		Content:          choice.Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, llmToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return reply, nil
}

// assistantToolCallMessage rebuilds the assistant turn that requested tools,
// so the follow-up completion sees a coherent history.
func assistantToolCallMessage(calls []llmToolCall) oai.ChatCompletionMessageParamUnion {
	asst := oai.ChatCompletionAssistantMessageParam{}
	for _, tc := range calls {
		asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: oai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

// rawToFunctionParameters converts a JSON-schema blob into the SDK's map
// form. Invalid schemas degrade to an empty object rather than failing the
// turn.
func rawToFunctionParameters(raw []byte) shared.FunctionParameters {
	if len(raw) == 0 {
		return shared.FunctionParameters{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return shared.FunctionParameters{}
	}
	return shared.FunctionParameters(m)
}
