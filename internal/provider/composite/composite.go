// Package composite implements provider.Session by stitching three
// sub-streams into one conversation: a streaming STT WebSocket for caller
// speech, a chat-completions LLM for the reply, and a TTS leg for the voice.
//
// The turn loop is strictly sequential per call: a final transcript triggers
// one LLM round (plus tool rounds), whose reply is synthesized and emitted as
// audio before the next final is handled. Cost is the sum of the legs: STT
// seconds, LLM tokens, and TTS characters or seconds depending on the
// sub-provider.
package composite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"

	"github.com/aivalabs/aiva-bridge/internal/ledger"
	"github.com/aivalabs/aiva-bridge/internal/provider"
	"github.com/aivalabs/aiva-bridge/pkg/audio"
)

var _ provider.Session = (*session)(nil)

// toolResultWindow bounds how long a turn waits for one tool resolution.
const toolResultWindow = 30 * time.Second

// Options carries the credentials and endpoints of the three legs.
type Options struct {
	DeepgramAPIKey  string
	DeepgramBaseURL string

	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string

	UpliftAPIKey  string
	UpliftBaseURL string
}

// NewFactory returns the provider.Factory for the composite variant.
func NewFactory(opts Options) provider.Factory {
	return func(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
		return connect(ctx, opts, cfg)
	}
}

type session struct {
	cfg     provider.SessionConfig
	machine *provider.Machine
	events  chan provider.Event

	stt *sttStream
	llm *chatModel
	tts synthesizer

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// speakReq carries greeting kickoff requests into the turn loop.
	speakReq chan string

	mu       sync.Mutex
	history  []oai.ChatCompletionMessageParamUnion
	tools    []provider.ToolSchema
	pending  map[string]chan string
	sttBytes int
}

func connect(ctx context.Context, opts Options, cfg provider.SessionConfig) (provider.Session, error) {
	sub := cfg.Composite
	if sub == nil {
		return nil, fmt.Errorf("composite: session %s: agent config has no composite settings", cfg.SessionID)
	}

	tts, err := newSynthesizer(opts, sub.TTSProvider, sub.TTSVoiceID)
	if err != nil {
		return nil, err
	}

	model := sub.LLMModel
	if model == "" {
		model = opts.LLMModel
	}
	llm := newChatModel(opts.LLMAPIKey, opts.LLMBaseURL, model, cfg.Temperature, cfg.MaxTokens)

	languages := sub.STTLanguages
	if len(languages) == 0 && cfg.Language != "" {
		languages = []string{cfg.Language}
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	stt, err := openSTT(sessCtx, opts.DeepgramAPIKey, opts.DeepgramBaseURL, cfg.Audio.InputRate, languages)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &session{
		cfg:      cfg,
		machine:  provider.NewMachine(cfg.SessionID),
		events:   make(chan provider.Event, 64),
		stt:      stt,
		llm:      llm,
		tts:      tts,
		ctx:      sessCtx,
		cancel:   cancel,
		speakReq: make(chan string, 1),
		history:  []oai.ChatCompletionMessageParamUnion{oai.SystemMessage(cfg.Instructions)},
		tools:    cfg.Tools,
		pending:  make(map[string]chan string),
	}
	s.machine.Transition(provider.Ready)

	go s.turnLoop()
	return s, nil
}

// Configure replaces instructions and tools for subsequent turns. Valid once
// Ready.
func (s *session) Configure(_ context.Context, cfg provider.SessionConfig) error {
	if err := s.machine.Transition(provider.Ready); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[0] = oai.SystemMessage(cfg.Instructions)
	s.tools = cfg.Tools
	return nil
}

// PushAudio feeds caller PCM16 to the recognizer and meters STT usage.
func (s *session) PushAudio(pcm []byte) error {
	if s.State().Terminal() {
		return fmt.Errorf("composite: session %s is closed", s.cfg.SessionID)
	}
	s.mu.Lock()
	s.sttBytes += len(pcm)
	s.mu.Unlock()
	return s.stt.SendAudio(pcm)
}

// RequestResponse speaks the configured greeting, or runs an LLM turn from
// the bare system prompt when no greeting is configured.
func (s *session) RequestResponse(context.Context) error {
	select {
	case s.speakReq <- s.cfg.Greeting:
		return nil
	default:
		return fmt.Errorf("composite: session %s: response already requested", s.cfg.SessionID)
	}
}

// SubmitToolResult resolves a pending tool call.
func (s *session) SubmitToolResult(_ context.Context, callID, result string) error {
	s.mu.Lock()
	ch, ok := s.pending[callID]
	delete(s.pending, callID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("composite: session %s: no pending tool call %s", s.cfg.SessionID, callID)
	}
	ch <- result
	return nil
}

func (s *session) Events() <-chan provider.Event { return s.events }

func (s *session) State() provider.State { return s.machine.Current() }

// Close tears down all three legs. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.machine.Force(provider.Closed)
		s.cancel()
		s.stt.Close()
	})
	return nil
}

// ─── turn loop ──────────────────────────────────────────────────────────────

// turnLoop owns the events channel. Everything the session emits funnels
// through here so event ordering matches conversation order.
func (s *session) turnLoop() {
	defer close(s.events)

	for {
		select {
		case <-s.ctx.Done():
			return

		case greeting := <-s.speakReq:
			if greeting != "" {
				s.mu.Lock()
				s.history = append(s.history, oai.AssistantMessage(greeting))
				s.mu.Unlock()
				s.emit(provider.Event{Kind: provider.EventTranscript, Transcript: &provider.Transcript{
					Speaker: provider.SpeakerAgent, Text: greeting, Final: true,
				}})
				if !s.speak(greeting) {
					return
				}
				continue
			}
			if !s.runTurn("") {
				return
			}

		case res, ok := <-s.stt.Results():
			if !ok {
				// Recognition stream ended on the provider side.
				s.emit(provider.Event{Kind: provider.EventDone})
				return
			}
			s.emit(provider.Event{Kind: provider.EventTranscript, Transcript: &provider.Transcript{
				Speaker: provider.SpeakerCaller, Text: res.Text, Final: res.Final,
			}})
			if !res.Final {
				continue
			}
			s.markStreaming()
			if !s.runTurn(res.Text) {
				return
			}
		}
	}
}

// runTurn handles one caller utterance end to end. A false return means the
// session hit a terminal error and the loop must exit.
func (s *session) runTurn(userText string) bool {
	s.mu.Lock()
	if userText != "" {
		s.history = append(s.history, oai.UserMessage(userText))
	}
	history := append([]oai.ChatCompletionMessageParamUnion(nil), s.history...)
	tools := s.tools
	s.mu.Unlock()

	reply, err := s.llm.complete(s.ctx, history, tools)
	if err != nil {
		return s.fail(err)
	}
	s.emitLLMCost(reply)

	// Tool rounds until the model produces plain text.
	for len(reply.ToolCalls) > 0 {
		s.markStreaming()
		s.machine.Transition(provider.AwaitingTool)
		history = append(history, assistantToolCallMessage(reply.ToolCalls))

		for _, tc := range reply.ToolCalls {
			result := s.resolveTool(tc)
			history = append(history, oai.ToolMessage(result, tc.ID))
		}
		s.machine.Transition(provider.Streaming)

		reply, err = s.llm.complete(s.ctx, history, tools)
		if err != nil {
			return s.fail(err)
		}
		s.emitLLMCost(reply)
	}

	if reply.Content == "" {
		return true
	}
	history = append(history, oai.AssistantMessage(reply.Content))
	s.mu.Lock()
	s.history = history
	s.mu.Unlock()

	s.emit(provider.Event{Kind: provider.EventTranscript, Transcript: &provider.Transcript{
		Speaker: provider.SpeakerAgent, Text: reply.Content, Final: true,
	}})
	return s.speak(reply.Content)
}

// resolveTool surfaces one tool call and waits for its result, substituting a
// timeout error when the window passes.
func (s *session) resolveTool(tc llmToolCall) string {
	id := tc.ID
	if id == "" {
		id = uuid.NewString()
	}
	ch := make(chan string, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	s.emit(provider.Event{Kind: provider.EventFunctionCall, FunctionCall: &provider.FunctionCall{
		CallID:    id,
		Name:      tc.Name,
		Arguments: json.RawMessage(tc.Arguments),
	}})

	select {
	case result := <-ch:
		return result
	case <-time.After(toolResultWindow):
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		slog.Warn("tool result window expired", "session_id", s.cfg.SessionID, "function", tc.Name)
		return `{"error":"timeout"}`
	case <-s.ctx.Done():
		return `{"error":"session closed"}`
	}
}

// speak synthesizes one utterance and streams it out as audio events,
// resampled to the contract output rate.
func (s *session) speak(text string) bool {
	s.markStreaming()
	cost, err := s.tts.Speak(s.ctx, text, func(pcm []byte) error {
		out := audio.Resample(pcm, s.tts.SampleRate(), s.cfg.Audio.OutputRate)
		s.emit(provider.Event{Kind: provider.EventAudio, Audio: out})
		return s.ctx.Err()
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return false
		}
		return s.fail(err)
	}
	if cost != nil {
		s.emit(provider.Event{Kind: provider.EventCostMetric, Cost: cost})
	}
	return true
}

// emitLLMCost reports the token usage of one completion round together with
// any unbilled STT seconds.
func (s *session) emitLLMCost(reply *llmReply) {
	s.mu.Lock()
	sttSeconds := audio.DurationSeconds(s.sttBytes, s.cfg.Audio.InputRate)
	s.sttBytes = 0
	s.mu.Unlock()

	s.emit(provider.Event{Kind: provider.EventCostMetric, Cost: &ledger.CostDelta{
		TextInTokens:  reply.PromptTokens,
		TextOutTokens: reply.CompletionTokens,
		STTSeconds:    sttSeconds,
	}})
}

// fail marks the session terminal and emits the error. Always returns false.
func (s *session) fail(err error) bool {
	if s.ctx.Err() != nil {
		return false
	}
	s.machine.Force(provider.Errored)
	s.emit(provider.Event{Kind: provider.EventError, Err: err})
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
