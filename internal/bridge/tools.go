package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aivalabs/aiva-bridge/internal/executor"
	"github.com/aivalabs/aiva-bridge/internal/executor/builtin"
	"github.com/aivalabs/aiva-bridge/internal/mgmt"
	"github.com/aivalabs/aiva-bridge/internal/provider"
	"github.com/aivalabs/aiva-bridge/internal/resilience"
)

// Parameter schemas for the built-in tools, as advertised to the model.
var (
	transferParams = json.RawMessage(`{
		"type": "object",
		"properties": {
			"queue_name": {"type": "string", "description": "Destination queue, e.g. sales or support"},
			"reason": {"type": "string", "description": "Why the caller is being transferred"}
		},
		"required": ["queue_name"]
	}`)

	knowledgeParams = json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "What to look up, phrased as a search query"},
			"top_k": {"type": "integer", "description": "How many passages to return (1-10)"}
		},
		"required": ["query"]
	}`)
)

// toolSchemas builds the tool list advertised to the provider: the built-ins
// every agent gets, knowledge search when the agent has a knowledge base, and
// the agent's own function specs. A spec shadowing a built-in name is skipped
// so the built-in behaviour cannot be overridden from the backend.
func toolSchemas(agent *mgmt.AgentConfig, specs []mgmt.FunctionSpec) []provider.ToolSchema {
	tools := []provider.ToolSchema{{
		Name:        builtin.NameTransfer,
		Description: "Transfer the caller to a human agent queue.",
		Parameters:  transferParams,
	}}
	if agent.KnowledgeBaseID != "" {
		tools = append(tools, provider.ToolSchema{
			Name:        builtin.NameSearchKnowledge,
			Description: "Search the knowledge base for information relevant to the caller's question.",
			Parameters:  knowledgeParams,
		})
	}
	for _, spec := range specs {
		if spec.Name == builtin.NameTransfer || spec.Name == builtin.NameSearchKnowledge {
			slog.Warn("function spec shadows a built-in, skipping", "function", spec.Name)
			continue
		}
		tools = append(tools, provider.ToolSchema{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return tools
}

// buildRegistry wires the handlers for one call: built-ins plus the agent's
// api-type specs. Inline specs other than the known built-ins have nothing to
// run and are logged, not registered, so the model gets a clean "unknown
// function" error instead of a hang.
func buildRegistry(store MetadataStore, backend Backend, specs []mgmt.FunctionSpec) *executor.Registry {
	reg := executor.NewRegistry()
	reg.Register(builtin.NameTransfer, builtin.Transfer(store), executor.ModeSync)
	reg.Register(builtin.NameSearchKnowledge, builtin.SearchKnowledge(backend), executor.ModeSync)

	for _, spec := range specs {
		switch {
		case spec.Name == builtin.NameTransfer || spec.Name == builtin.NameSearchKnowledge:
			// Already skipped in toolSchemas.
		case spec.Name == builtin.NameCheckOrderStatus:
			reg.Register(spec.Name, withBreaker(spec.Name, builtin.CheckOrderStatus(spec)), spec.ExecutionMode)
		case spec.HandlerType == mgmt.HandlerAPI:
			reg.Register(spec.Name, withBreaker(spec.Name, executor.NewHTTPHandler(spec)), spec.ExecutionMode)
		default:
			slog.Warn("inline function spec has no registered handler", "function", spec.Name)
		}
	}
	return reg
}

// withBreaker guards a tool endpoint with a per-call circuit breaker so a
// dead endpoint fails fast instead of eating the model's tool timeout on
// every invocation.
func withBreaker(name string, h executor.Handler) executor.Handler {
	br := resilience.NewBreaker(resilience.Config{Name: name})
	return func(ctx context.Context, args map[string]any, call executor.Context) executor.Result {
		if !br.Allow() {
			return executor.Result{Error: fmt.Sprintf("%s is temporarily unavailable", name)}
		}
		res := h(ctx, args, call)
		if res.Error != "" {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
		return res
	}
}

// audioFormatFor picks the PCM rates for the agent's variant: the realtime
// API speaks 24 kHz, the voice agent 16 kHz, and the composite pipeline's
// output rate follows its TTS sub-provider.
func audioFormatFor(agent *mgmt.AgentConfig) provider.AudioFormat {
	switch agent.Variant {
	case mgmt.VariantOpenAIRealtime:
		return provider.AudioFormat{InputRate: 24000, OutputRate: 24000}
	case mgmt.VariantComposite:
		out := 24000
		if agent.Composite != nil && agent.Composite.TTSProvider == "uplift" {
			out = 16000
		}
		return provider.AudioFormat{InputRate: 16000, OutputRate: out}
	default:
		return provider.AudioFormat{InputRate: 16000, OutputRate: 16000}
	}
}

// compositeOptions maps the agent's composite sub-config onto the session
// config, nil for the single-provider variants.
func compositeOptions(agent *mgmt.AgentConfig) *provider.CompositeOptions {
	if agent.Composite == nil {
		return nil
	}
	return &provider.CompositeOptions{
		STTLanguages: agent.Composite.STTLanguages,
		LLMModel:     agent.Composite.LLMModel,
		TTSProvider:  agent.Composite.TTSProvider,
		TTSVoiceID:   agent.Composite.TTSVoiceID,
	}
}
