// Package provider defines the contract between a call Connection and the AI
// backend serving it. A Session is a single stateful realtime conversation:
// caller audio flows in, synthesized audio, transcripts, tool-call requests,
// and cost metrics flow back over one typed event stream.
//
// Three variants implement the contract with very different wire protocols
// (a duplex realtime WebSocket, a voice-agent WebSocket, and a composite
// STT+LLM+TTS pipeline); the Connection never learns which one it owns.
//
// All implementations must be safe for concurrent use: audio arrives from the
// RTP path while tool results arrive from the executor.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolSchema is the JSON-schema description of one callable function, as
// advertised to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// AudioFormat fixes the PCM16 sample rates on both sides of a session. Input
// is caller audio pushed to the provider; output is provider audio emitted in
// Audio events. All PCM is little-endian mono.
type AudioFormat struct {
	InputRate  int
	OutputRate int
}

// CompositeOptions selects the sub-providers of the composite variant.
type CompositeOptions struct {
	// STTLanguages are language hints for recognition; more than one hint
	// switches the STT leg into multilingual mode.
	STTLanguages []string
	LLMModel     string
	TTSProvider  string
	TTSVoiceID   string
}

// SessionConfig is everything a variant needs to open and steer a session.
// It is assembled by the Connection from the agent config and call metadata.
type SessionConfig struct {
	SessionID    string
	Instructions string
	Greeting     string
	Voice        string
	Model        string
	Temperature  float64
	MaxTokens    int
	Language     string

	// Server-side VAD tuning, honored by variants that support it.
	VADThreshold      float64
	SilenceDurationMS int

	Tools []ToolSchema
	Audio AudioFormat

	Composite *CompositeOptions
}

// Session is one live conversation with a provider. Exclusively owned by one
// Connection.
//
// The session delivers everything through Events: the channel is closed after
// a Done or Error event, and Close is always safe to call again.
type Session interface {
	// Configure re-applies session settings (instructions, tools, audio
	// format). Idempotent; valid only once the session is Ready.
	Configure(ctx context.Context, cfg SessionConfig) error

	// PushAudio delivers one chunk of caller PCM16 at the configured input
	// rate. Must return quickly; sessions buffer internally.
	PushAudio(pcm []byte) error

	// RequestResponse asks the model to speak from current context. Used to
	// elicit the greeting before the caller has said anything.
	RequestResponse(ctx context.Context) error

	// SubmitToolResult resolves a FunctionCall event. result is the
	// JSON-encoded outcome handed back to the model.
	SubmitToolResult(ctx context.Context, callID string, result string) error

	// Events returns the session's event stream. Closed after Done/Error.
	Events() <-chan Event

	// State returns the current lifecycle state.
	State() State

	// Close tears the session down, cancelling all underlying connections.
	// Idempotent.
	Close() error
}

// Factory opens a Session of one variant. The context bounds connection
// establishment, not the session lifetime.
type Factory func(ctx context.Context, cfg SessionConfig) (Session, error)

// Registry maps provider variant tags to factories. Variants are registered
// explicitly at startup; an unknown tag on an agent config is a hard error.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a variant tag to its factory, replacing any previous
// binding.
func (r *Registry) Register(variant string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[variant] = f
}

// Open creates a session of the given variant.
func (r *Registry) Open(ctx context.Context, variant string, cfg SessionConfig) (Session, error) {
	r.mu.RLock()
	f, ok := r.factories[variant]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: unknown variant %q", variant)
	}
	return f(ctx, cfg)
}

// Variants lists the registered variant tags.
func (r *Registry) Variants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for v := range r.factories {
		out = append(out, v)
	}
	return out
}
