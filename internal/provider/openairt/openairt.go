// Package openairt implements provider.Session over the OpenAI Realtime API.
//
// One duplex WebSocket carries the whole conversation: caller audio goes up
// as base64 append events, synthesized audio and transcripts come back as
// streaming deltas, tool calls arrive as argument JSON terminated by a done
// event. Usage counters in response-complete events are cumulative across the
// session; the adapter converts them to deltas before emitting cost metrics.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aivalabs/aiva-bridge/internal/ledger"
	"github.com/aivalabs/aiva-bridge/internal/provider"
	"github.com/aivalabs/aiva-bridge/pkg/audio"
)

var _ provider.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// readyTimeout bounds the wait for the configuration acknowledgement.
	readyTimeout = 10 * time.Second
)

// Options configures the variant at startup.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewFactory returns the provider.Factory for the openai-realtime variant.
func NewFactory(opts Options) provider.Factory {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	return func(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
		return connect(ctx, opts, cfg)
	}
}

// ─── Protocol message types (outgoing) ──────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Tools             []wireTool     `json:"tools,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	Temperature       float64        `json:"temperature,omitempty"`
	MaxOutputTokens   int            `json:"max_response_output_tokens,omitempty"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
	InputTranscription *transcription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type wireTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ─── Protocol message types (incoming) ──────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type responseUsage struct {
	InputTokenDetails struct {
		TextTokens   int64 `json:"text_tokens"`
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_token_details"`
	OutputTokenDetails struct {
		TextTokens int64 `json:"text_tokens"`
	} `json:"output_token_details"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *struct {
		Usage *responseUsage `json:"usage,omitempty"`
	} `json:"response,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ─── session ────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	machine *provider.Machine
	events  chan provider.Event
	cfg     provider.SessionConfig

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	agentText string
	prevUsage responseUsage
	inBytes   int
	outBytes  int
	billedIn  int
	billedOut int
}

// connect dials the realtime endpoint, applies the initial configuration, and
// blocks until the server acknowledges it.
func connect(ctx context.Context, opts Options, cfg provider.SessionConfig) (provider.Session, error) {
	model := cfg.Model
	if model == "" {
		model = opts.Model
	}
	wsURL := fmt.Sprintf("%s?model=%s", opts.BaseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + opts.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openairt: dial: %w", err)
	}
	conn.SetReadLimit(1 << 24)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:    conn,
		machine: provider.NewMachine(cfg.SessionID),
		events:  make(chan provider.Event, 64),
		cfg:     cfg,
		ctx:     sessCtx,
		cancel:  cancel,
		ready:   make(chan struct{}),
	}

	if err := s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: s.sessionParams(cfg)}); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openairt: initial configure: %w", err)
	}

	go s.readLoop()

	select {
	case <-s.ready:
	case <-time.After(readyTimeout):
		s.Close()
		return nil, fmt.Errorf("openairt: session %s: configuration not acknowledged within %s", cfg.SessionID, readyTimeout)
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("openairt: connect: %w", ctx.Err())
	}
	return s, nil
}

func (s *session) sessionParams(cfg provider.SessionConfig) sessionParams {
	params := sessionParams{
		Voice:              cfg.Voice,
		Instructions:       cfg.Instructions,
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		Temperature:        cfg.Temperature,
		MaxOutputTokens:    cfg.MaxTokens,
		InputTranscription: &transcription{Model: "whisper-1"},
	}
	if cfg.VADThreshold > 0 || cfg.SilenceDurationMS > 0 {
		params.TurnDetection = &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			SilenceDurationMS: cfg.SilenceDurationMS,
		}
	}
	for _, t := range cfg.Tools {
		params.Tools = append(params.Tools, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return params
}

// Configure re-sends the session settings. Valid once Ready.
func (s *session) Configure(ctx context.Context, cfg provider.SessionConfig) error {
	if err := s.machine.Transition(provider.Ready); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: s.sessionParams(cfg)})
}

// PushAudio appends one chunk of caller PCM16.
func (s *session) PushAudio(pcm []byte) error {
	if s.State().Terminal() {
		return fmt.Errorf("openairt: session %s is closed", s.cfg.SessionID)
	}
	s.mu.Lock()
	s.inBytes += len(pcm)
	s.mu.Unlock()
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// RequestResponse asks the model to speak from current context.
func (s *session) RequestResponse(context.Context) error {
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// SubmitToolResult posts the function output and triggers the follow-up
// response.
func (s *session) SubmitToolResult(_ context.Context, callID, result string) error {
	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: result,
		},
	}); err != nil {
		return err
	}
	if s.machine.Current() == provider.AwaitingTool {
		s.machine.Transition(provider.Streaming)
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

func (s *session) Events() <-chan provider.Event { return s.events }

func (s *session) State() provider.State { return s.machine.Current() }

// Close tears the session down. Idempotent; emits no Done event because the
// owner initiated the shutdown.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.machine.Force(provider.Closed)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openairt: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// readLoop owns the events channel: it closes it on exit.
func (s *session) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.machine.Force(provider.Errored)
			s.emit(provider.Event{Kind: provider.EventError, Err: fmt.Errorf("openairt: read: %w", err)})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent dispatches one wire event; a true return ends the loop.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		s.readyOnce.Do(func() {
			s.machine.Transition(provider.Ready)
			close(s.ready)
		})

	case "response.audio.delta":
		if evt.Delta == "" {
			return false
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return false
		}
		s.markStreaming()
		s.mu.Lock()
		s.outBytes += len(pcm)
		s.mu.Unlock()
		s.emit(provider.Event{Kind: provider.EventAudio, Audio: pcm})

	case "response.audio_transcript.delta":
		s.mu.Lock()
		s.agentText += evt.Delta
		s.mu.Unlock()

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.agentText
		s.agentText = ""
		s.mu.Unlock()
		if text != "" {
			s.emit(provider.Event{Kind: provider.EventTranscript, Transcript: &provider.Transcript{
				Speaker: provider.SpeakerAgent, Text: text, Final: true,
			}})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			s.emit(provider.Event{Kind: provider.EventTranscript, Transcript: &provider.Transcript{
				Speaker: provider.SpeakerCaller, Text: evt.Transcript, Final: true,
			}})
		}

	case "response.function_call_arguments.done":
		s.markStreaming()
		s.machine.Transition(provider.AwaitingTool)
		s.emit(provider.Event{Kind: provider.EventFunctionCall, FunctionCall: &provider.FunctionCall{
			CallID:    evt.CallID,
			Name:      evt.Name,
			Arguments: json.RawMessage(evt.Arguments),
		}})

	case "response.done":
		if delta := s.usageDelta(evt); delta != nil {
			s.emit(provider.Event{Kind: provider.EventCostMetric, Cost: delta})
		}

	case "error":
		return s.handleErrorEvent(evt)
	}
	return false
}

// markStreaming records the first audio exchange.
func (s *session) markStreaming() {
	if st := s.machine.Current(); st == provider.Ready || st == provider.Streaming {
		s.machine.Transition(provider.Streaming)
	}
}

// usageDelta converts the cumulative usage counters of a response-complete
// event into a ledger delta, folding in the audio metered from raw bytes.
func (s *session) usageDelta(evt *serverEvent) *ledger.CostDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := &ledger.CostDelta{
		AudioInSeconds:  audio.DurationSeconds(s.inBytes-s.billedIn, s.cfg.Audio.InputRate),
		AudioOutSeconds: audio.DurationSeconds(s.outBytes-s.billedOut, s.cfg.Audio.OutputRate),
	}
	s.billedIn = s.inBytes
	s.billedOut = s.outBytes

	if evt.Response != nil && evt.Response.Usage != nil {
		u := evt.Response.Usage
		delta.TextInTokens = max(0, u.InputTokenDetails.TextTokens-s.prevUsage.InputTokenDetails.TextTokens)
		delta.CachedInTokens = max(0, u.InputTokenDetails.CachedTokens-s.prevUsage.InputTokenDetails.CachedTokens)
		delta.TextOutTokens = max(0, u.OutputTokenDetails.TextTokens-s.prevUsage.OutputTokenDetails.TextTokens)
		s.prevUsage = *u
	}
	return delta
}

// terminalErrorCodes are provider failures there is no point retrying within
// the call.
var terminalErrorCodes = []string{
	"invalid_api_key", "invalid_request_error", "insufficient_quota", "rate_limit",
}

func (s *session) handleErrorEvent(evt *serverEvent) bool {
	msg, code := "unknown error", ""
	if evt.Error != nil {
		if evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		code = evt.Error.Code
	}

	terminal := false
	for _, c := range terminalErrorCodes {
		if code == c || strings.Contains(code, "rate_limit") {
			terminal = true
			break
		}
	}
	if !terminal {
		slog.Warn("realtime provider reported recoverable error",
			"session_id", s.cfg.SessionID, "code", code, "message", msg)
		return false
	}

	s.machine.Force(provider.Errored)
	s.emit(provider.Event{Kind: provider.EventError, Err: fmt.Errorf("openairt: %s: %s", code, msg)})
	return true
}

func (s *session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
