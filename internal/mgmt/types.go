package mgmt

import (
	"encoding/json"
	"time"

	"github.com/aivalabs/aiva-bridge/internal/ledger"
)

// Provider variant tags as stored on the agent record.
const (
	VariantOpenAIRealtime = "openai-realtime"
	VariantDeepgram       = "deepgram"
	VariantComposite      = "composite"
)

// AgentConfig is the agent record served by the management backend. Cached
// entries are shared-immutable: eviction replaces the whole value, nothing
// mutates one in place.
type AgentConfig struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	TenantID     string  `json:"tenant_id"`
	Variant      string  `json:"provider"`
	Instructions string  `json:"instructions"`
	Greeting     string  `json:"greeting"`
	Language     string  `json:"language"`
	Voice        string  `json:"voice"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`

	// Server-side VAD tuning for variants that support it.
	VADThreshold      float64 `json:"vad_threshold"`
	SilenceDurationMS int     `json:"silence_duration_ms"`

	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
	IsActive        bool   `json:"is_active"`

	// Variant-specific sub-configs; nil when the variant does not use them.
	Composite *CompositeConfig `json:"composite,omitempty"`
}

// CompositeConfig carries the three sub-provider legs of the composite
// variant.
type CompositeConfig struct {
	STTLanguages []string `json:"stt_languages,omitempty"`
	LLMModel     string   `json:"llm_model"`
	TTSProvider  string   `json:"tts_provider"`
	TTSVoiceID   string   `json:"tts_voice_id"`
}

// Handler types for function specs.
const (
	HandlerInline = "inline"
	HandlerAPI    = "api"
)

// FunctionSpec describes one tool the model may call, as configured per agent.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`

	// "inline" handlers run in-process; "api" handlers are HTTP requests
	// built from the fields below.
	HandlerType string            `json:"handler_type"`
	APIEndpoint string            `json:"api_endpoint,omitempty"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	// "sync" blocks the tool-resolution slot; "async" acknowledges and
	// delivers the result as a later conversation turn.
	ExecutionMode string `json:"execution_mode"`
	TimeoutMS     int    `json:"timeout_ms,omitempty"`

	// Retries distinguishes "unset" (nil, default applies) from an explicit
	// zero, which means exactly one attempt.
	Retries  *int `json:"retries,omitempty"`
	IsActive bool `json:"is_active"`
}

// CreateCallLogRequest opens a call-log record at session start.
type CreateCallLogRequest struct {
	SessionID    string `json:"session_id"`
	TenantID     string `json:"tenant_id"`
	AgentID      string `json:"agent_id"`
	CallerID     string `json:"caller_id"`
	AsteriskPort int    `json:"asterisk_port"`
}

// CallLogUpdate is the partial finalize payload. Zero-valued optional fields
// are omitted so the backend keeps whatever it already has.
type CallLogUpdate struct {
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	DurationSeconds  float64        `json:"duration_seconds,omitempty"`
	Status           string         `json:"status,omitempty"`
	Usage            *ledger.Usage  `json:"usage,omitempty"`
	Costs            *ledger.Totals `json:"costs,omitempty"`
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
}

// Terminal call-log statuses.
const (
	CallStatusCompleted = "completed"
	CallStatusFailed    = "failed"
)

// FunctionCallRecord is the per-invocation analytics row attached to a call
// log after a tool call completes.
type FunctionCallRecord struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// DeductRequest charges the final call cost against the tenant's balance.
type DeductRequest struct {
	TenantID  string  `json:"tenant_id"`
	Amount    float64 `json:"amount"`
	CallLogID string  `json:"call_log_id"`
}

// KnowledgeChunk is one retrieved passage from the knowledge base.
type KnowledgeChunk struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// KnowledgeResult is the response shape of the knowledge-search endpoint.
type KnowledgeResult struct {
	Chunks []KnowledgeChunk `json:"chunks"`
	Images []string         `json:"images,omitempty"`
}
