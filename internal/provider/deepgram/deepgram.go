// Package deepgram implements provider.Session over the Deepgram Voice Agent
// WebSocket protocol.
//
// The wire format differs sharply from the realtime variant: configuration is
// a single Settings message, agent audio arrives as raw binary frames, and
// everything else (transcripts, function calls, errors) is JSON text frames.
// Billing is per session minute, so the adapter meters wall clock instead of
// tokens: a cost metric is emitted once a minute and a final partial-minute
// delta on teardown.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aivalabs/aiva-bridge/internal/ledger"
	"github.com/aivalabs/aiva-bridge/internal/provider"
)

var _ provider.Session = (*session)(nil)

const (
	defaultBaseURL = "wss://agent.deepgram.com/v1/agent/converse"

	readyTimeout = 10 * time.Second

	// costInterval is how often a session-minutes delta is emitted.
	costInterval = time.Minute
)

// Options configures the variant at startup.
type Options struct {
	APIKey  string
	BaseURL string
}

// NewFactory returns the provider.Factory for the deepgram variant.
func NewFactory(opts Options) provider.Factory {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	return func(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
		return connect(ctx, opts, cfg)
	}
}

// ─── Protocol message types ─────────────────────────────────────────────────

type settingsMessage struct {
	Type  string        `json:"type"`
	Audio audioSettings `json:"audio"`
	Agent agentSettings `json:"agent"`
}

type audioSettings struct {
	Input  audioFormat `json:"input"`
	Output audioFormat `json:"output"`
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type agentSettings struct {
	Language string        `json:"language,omitempty"`
	Listen   listenBlock   `json:"listen"`
	Think    thinkBlock    `json:"think"`
	Speak    speakBlock    `json:"speak"`
	Greeting string        `json:"greeting,omitempty"`
}

type providerRef struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

type listenBlock struct {
	Provider providerRef `json:"provider"`
}

type thinkBlock struct {
	Provider  providerRef    `json:"provider"`
	Prompt    string         `json:"prompt,omitempty"`
	Functions []wireFunction `json:"functions,omitempty"`
}

type speakBlock struct {
	Provider providerRef `json:"provider"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type functionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type serverMessage struct {
	Type string `json:"type"`

	// ConversationText
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// FunctionCallRequest
	Functions []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Arguments  string `json:"arguments"`
		ClientSide bool   `json:"client_side"`
	} `json:"functions,omitempty"`

	// Error / Warning
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
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
	costWG    sync.WaitGroup

	mu         sync.Mutex
	lastBilled time.Time
}

func connect(ctx context.Context, opts Options, cfg provider.SessionConfig) (provider.Session, error) {
	conn, _, err := websocket.Dial(ctx, opts.BaseURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + opts.APIKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(1 << 24)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:       conn,
		machine:    provider.NewMachine(cfg.SessionID),
		events:     make(chan provider.Event, 64),
		cfg:        cfg,
		ctx:        sessCtx,
		cancel:     cancel,
		ready:      make(chan struct{}),
		lastBilled: time.Now(),
	}

	if err := s.writeJSON(s.settings(cfg)); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "settings failed")
		return nil, fmt.Errorf("deepgram: send settings: %w", err)
	}

	s.costWG.Add(1)
	go s.costLoop()
	go s.readLoop()

	select {
	case <-s.ready:
	case <-time.After(readyTimeout):
		s.Close()
		return nil, fmt.Errorf("deepgram: session %s: settings not acknowledged within %s", cfg.SessionID, readyTimeout)
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("deepgram: connect: %w", ctx.Err())
	}
	return s, nil
}

func (s *session) settings(cfg provider.SessionConfig) settingsMessage {
	agent := agentSettings{
		Language: cfg.Language,
		Listen:   listenBlock{Provider: providerRef{Type: "deepgram", Model: "nova-2"}},
		Think: thinkBlock{
			Provider: providerRef{Type: "open_ai", Model: cfg.Model},
			Prompt:   cfg.Instructions,
		},
		Speak:    speakBlock{Provider: providerRef{Type: "deepgram", Model: cfg.Voice}},
		Greeting: cfg.Greeting,
	}
	for _, t := range cfg.Tools {
		agent.Think.Functions = append(agent.Think.Functions, wireFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return settingsMessage{
		Type: "Settings",
		Audio: audioSettings{
			Input:  audioFormat{Encoding: "linear16", SampleRate: cfg.Audio.InputRate},
			Output: audioFormat{Encoding: "linear16", SampleRate: cfg.Audio.OutputRate, Container: "none"},
		},
		Agent: agent,
	}
}

// Configure re-sends the Settings message. Valid once Ready.
func (s *session) Configure(ctx context.Context, cfg provider.SessionConfig) error {
	if err := s.machine.Transition(provider.Ready); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.writeJSON(s.settings(cfg))
}

// PushAudio sends caller PCM16 as a binary frame.
func (s *session) PushAudio(pcm []byte) error {
	if s.State().Terminal() {
		return fmt.Errorf("deepgram: session %s is closed", s.cfg.SessionID)
	}
	return s.conn.Write(s.ctx, websocket.MessageBinary, pcm)
}

// RequestResponse is a no-op: the agent speaks its configured greeting as
// soon as the Settings are applied.
func (s *session) RequestResponse(context.Context) error { return nil }

// SubmitToolResult answers a FunctionCallRequest.
func (s *session) SubmitToolResult(_ context.Context, callID, result string) error {
	if err := s.writeJSON(functionCallResponse{
		Type:    "FunctionCallResponse",
		ID:      callID,
		Content: result,
	}); err != nil {
		return err
	}
	if s.machine.Current() == provider.AwaitingTool {
		s.machine.Transition(provider.Streaming)
	}
	return nil
}

func (s *session) Events() <-chan provider.Event { return s.events }

func (s *session) State() provider.State { return s.machine.Current() }

// Close tears the session down. Idempotent.
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
		return fmt.Errorf("deepgram: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// costLoop emits one session-minutes delta per interval.
func (s *session) costLoop() {
	defer s.costWG.Done()
	ticker := time.NewTicker(costInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.emit(provider.Event{Kind: provider.EventCostMetric, Cost: s.minutesDelta()})
		}
	}
}

// minutesDelta returns the wall-clock minutes elapsed since the last billing
// mark and advances the mark.
func (s *session) minutesDelta() *ledger.CostDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	minutes := now.Sub(s.lastBilled).Minutes()
	s.lastBilled = now
	return &ledger.CostDelta{SessionMinutes: minutes}
}

// readLoop owns the events channel. On exit it waits for the cost loop, flushes
// the final partial-minute delta, and closes the channel.
func (s *session) readLoop() {
	defer func() {
		s.cancel()
		s.costWG.Wait()
		select {
		case s.events <- provider.Event{Kind: provider.EventCostMetric, Cost: s.minutesDelta()}:
		default:
		}
		close(s.events)
	}()

	for {
		kind, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.machine.Force(provider.Errored)
			s.emit(provider.Event{Kind: provider.EventError, Err: fmt.Errorf("deepgram: read: %w", err)})
			return
		}

		if kind == websocket.MessageBinary {
			if len(data) == 0 {
				continue
			}
			s.markStreaming()
			pcm := make([]byte, len(data))
			copy(pcm, data)
			s.emit(provider.Event{Kind: provider.EventAudio, Audio: pcm})
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage dispatches one JSON frame; true ends the read loop.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	switch msg.Type {
	case "Welcome":
		// Connection-level hello; Settings ack is what makes us Ready.

	case "SettingsApplied":
		s.readyOnce.Do(func() {
			s.machine.Transition(provider.Ready)
			close(s.ready)
		})

	case "ConversationText":
		speaker := provider.SpeakerAgent
		if msg.Role == "user" {
			speaker = provider.SpeakerCaller
		}
		if msg.Content != "" {
			s.emit(provider.Event{Kind: provider.EventTranscript, Transcript: &provider.Transcript{
				Speaker: speaker, Text: msg.Content, Final: true,
			}})
		}

	case "UserStartedSpeaking":
		s.markStreaming()

	case "FunctionCallRequest":
		for _, fn := range msg.Functions {
			if !fn.ClientSide {
				continue
			}
			s.markStreaming()
			s.machine.Transition(provider.AwaitingTool)
			s.emit(provider.Event{Kind: provider.EventFunctionCall, FunctionCall: &provider.FunctionCall{
				CallID:    fn.ID,
				Name:      fn.Name,
				Arguments: json.RawMessage(fn.Arguments),
			}})
		}

	case "Warning":
		slog.Warn("voice agent warning", "session_id", s.cfg.SessionID,
			"code", msg.Code, "description", msg.Description)

	case "Error":
		s.machine.Force(provider.Errored)
		s.emit(provider.Event{Kind: provider.EventError,
			Err: fmt.Errorf("deepgram: %s: %s", msg.Code, msg.Description)})
		return true
	}
	return false
}

func (s *session) markStreaming() {
	if st := s.machine.Current(); st == provider.Ready || st == provider.Streaming {
		s.machine.Transition(provider.Streaming)
	}
}

func (s *session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
