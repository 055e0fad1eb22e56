package composite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/aivalabs/aiva-bridge/internal/provider"
)

// ─── Pure protocol helpers ──────────────────────────────────────────────────

func TestSTTURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		languages []string
		wantLang  string
	}{
		{"no hints", nil, "en"},
		{"single hint", []string{"de"}, "de"},
		{"multiple hints", []string{"ur", "en"}, "multi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := sttURL("wss://api.deepgram.com/v1/listen", 16000, tt.languages)
			if err != nil {
				t.Fatalf("sttURL: %v", err)
			}
			if !strings.Contains(raw, "language="+tt.wantLang) {
				t.Errorf("url = %s, want language=%s", raw, tt.wantLang)
			}
			if !strings.Contains(raw, "sample_rate=16000") || !strings.Contains(raw, "encoding=linear16") {
				t.Errorf("url = %s missing audio params", raw)
			}
		})
	}
}

func TestParseListenResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want sttResult
		ok   bool
	}{
		{
			name: "final result",
			data: `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello"}]}}`,
			want: sttResult{Text: "hello", Final: true},
			ok:   true,
		},
		{
			name: "interim result",
			data: `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`,
			want: sttResult{Text: "hel", Final: false},
			ok:   true,
		},
		{
			name: "empty transcript dropped",
			data: `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
			ok:   false,
		},
		{
			name: "metadata ignored",
			data: `{"type":"Metadata"}`,
			ok:   false,
		},
		{
			name: "garbage ignored",
			data: `nope`,
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseListenResponse([]byte(tt.data))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("result = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// ─── Session harness ────────────────────────────────────────────────────────

// harness bundles the three fake legs of a composite session.
type harness struct {
	sttConn  chan *websocket.Conn
	llmCalls atomic.Int64
	llmReply func(callNo int64, req map[string]any) map[string]any
	ttsPCM   []byte
}

// start brings up fake STT, LLM, and TTS servers and opens a session wired to
// them.
func (h *harness) start(t *testing.T) provider.Session {
	t.Helper()

	sttSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		h.sttConn <- conn
		<-r.Context().Done()
	}))
	t.Cleanup(sttSrv.Close)

	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		n := h.llmCalls.Add(1)
		// The client checks the content type before decoding.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.llmReply(n, req))
	}))
	t.Cleanup(llmSrv.Close)

	ttsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(h.ttsPCM)
	}))
	t.Cleanup(ttsSrv.Close)

	factory := NewFactory(Options{
		DeepgramAPIKey:  "dg-key",
		DeepgramBaseURL: "ws" + strings.TrimPrefix(sttSrv.URL, "http"),
		LLMAPIKey:       "llm-key",
		LLMBaseURL:      llmSrv.URL,
		UpliftAPIKey:    "up-key",
		UpliftBaseURL:   ttsSrv.URL,
	})
	sess, err := factory(context.Background(), provider.SessionConfig{
		SessionID:    "A1",
		Instructions: "Answer support calls.",
		Greeting:     "Hello",
		Audio:        provider.AudioFormat{InputRate: 16000, OutputRate: 16000},
		Tools: []provider.ToolSchema{{
			Name:       "transfer_to_agent",
			Parameters: json.RawMessage(`{"type":"object"}`),
		}},
		Composite: &provider.CompositeOptions{
			STTLanguages: []string{"ur", "en"},
			LLMModel:     "llama-3.3-70b-versatile",
			TTSProvider:  "uplift",
			TTSVoiceID:   "v_17",
		},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func textReply(content string, promptTokens, completionTokens int) map[string]any {
	return map[string]any{
		"choices": []map[string]any{{
			"message": map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
		},
	}
}

func toolReply(callID, name, args string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{{
			"message": map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{{
					"id":   callID,
					"type": "function",
					"function": map[string]any{
						"name":      name,
						"arguments": args,
					},
				}},
			},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
	}
}

// sendResult pushes one Results frame into the session's STT socket.
func sendResult(t *testing.T, conn *websocket.Conn, text string, final bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg := map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text}},
		},
	}
	data, _ := json.Marshal(msg)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("send result: %v", err)
	}
}

func nextEvent(t *testing.T, sess provider.Session) provider.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session event")
	}
	return provider.Event{}
}

// collectUntil drains events until one of the wanted kind arrives.
func collectUntil(t *testing.T, sess provider.Session, kind provider.EventKind) provider.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatalf("channel closed before %v event", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", kind)
		}
	}
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestGreetingBypassesLLM(t *testing.T) {
	t.Parallel()

	h := &harness{
		sttConn: make(chan *websocket.Conn, 1),
		ttsPCM:  make([]byte, 3200), // 100 ms at 16 kHz
		llmReply: func(int64, map[string]any) map[string]any {
			return textReply("should not be called", 0, 0)
		},
	}
	sess := h.start(t)
	<-h.sttConn

	if err := sess.RequestResponse(context.Background()); err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}

	ev := nextEvent(t, sess)
	if ev.Kind != provider.EventTranscript || ev.Transcript.Speaker != provider.SpeakerAgent || ev.Transcript.Text != "Hello" {
		t.Fatalf("greeting transcript = %+v", ev.Transcript)
	}
	ev = collectUntil(t, sess, provider.EventAudio)
	if len(ev.Audio) != 3200 {
		t.Errorf("greeting audio = %d bytes, want 3200", len(ev.Audio))
	}
	cost := collectUntil(t, sess, provider.EventCostMetric)
	if cost.Cost.TTSSeconds < 0.09 || cost.Cost.TTSSeconds > 0.11 {
		t.Errorf("tts seconds = %v, want ≈0.1", cost.Cost.TTSSeconds)
	}
	if n := h.llmCalls.Load(); n != 0 {
		t.Errorf("llm called %d times for greeting", n)
	}
}

func TestFinalTranscriptRunsFullTurn(t *testing.T) {
	t.Parallel()

	h := &harness{
		sttConn: make(chan *websocket.Conn, 1),
		ttsPCM:  make([]byte, 640),
		llmReply: func(int64, map[string]any) map[string]any {
			return textReply("How can I help?", 42, 9)
		},
	}
	sess := h.start(t)
	conn := <-h.sttConn

	sendResult(t, conn, "i need", false)
	sendResult(t, conn, "i need help", true)

	ev := nextEvent(t, sess)
	if ev.Kind != provider.EventTranscript || ev.Transcript.Final || ev.Transcript.Text != "i need" {
		t.Fatalf("interim transcript = %+v", ev.Transcript)
	}
	ev = nextEvent(t, sess)
	if !ev.Transcript.Final || ev.Transcript.Text != "i need help" || ev.Transcript.Speaker != provider.SpeakerCaller {
		t.Fatalf("final transcript = %+v", ev.Transcript)
	}

	cost := collectUntil(t, sess, provider.EventCostMetric)
	if cost.Cost.TextInTokens != 42 || cost.Cost.TextOutTokens != 9 {
		t.Errorf("llm cost = %+v", cost.Cost)
	}

	ev = collectUntil(t, sess, provider.EventTranscript)
	if ev.Transcript.Speaker != provider.SpeakerAgent || ev.Transcript.Text != "How can I help?" {
		t.Fatalf("agent transcript = %+v", ev.Transcript)
	}
	ev = collectUntil(t, sess, provider.EventAudio)
	if len(ev.Audio) != 640 {
		t.Errorf("audio = %d bytes", len(ev.Audio))
	}
	if got := sess.State(); got != provider.Streaming {
		t.Errorf("state = %s, want streaming", got)
	}
}

func TestToolRoundTrip(t *testing.T) {
	t.Parallel()

	h := &harness{
		sttConn: make(chan *websocket.Conn, 1),
		ttsPCM:  make([]byte, 640),
		llmReply: func(n int64, req map[string]any) map[string]any {
			if n == 1 {
				return toolReply("call_1", "transfer_to_agent", `{"queue_name":"sales"}`)
			}
			// The follow-up request must carry the tool result message.
			msgs := req["messages"].([]any)
			last := msgs[len(msgs)-1].(map[string]any)
			if last["role"] != "tool" {
				t.Errorf("last message role = %v, want tool", last["role"])
			}
			return textReply("Transferring you now", 20, 6)
		},
	}
	sess := h.start(t)
	conn := <-h.sttConn

	sendResult(t, conn, "transfer me to sales", true)

	fc := collectUntil(t, sess, provider.EventFunctionCall)
	if fc.FunctionCall.Name != "transfer_to_agent" || fc.FunctionCall.CallID != "call_1" {
		t.Fatalf("function call = %+v", fc.FunctionCall)
	}
	if got := sess.State(); got != provider.AwaitingTool {
		t.Errorf("state = %s, want awaiting_tool", got)
	}

	if err := sess.SubmitToolResult(context.Background(), "call_1", `{"success":true}`); err != nil {
		t.Fatalf("SubmitToolResult: %v", err)
	}

	ev := collectUntil(t, sess, provider.EventTranscript)
	for ev.Transcript.Speaker != provider.SpeakerAgent {
		ev = collectUntil(t, sess, provider.EventTranscript)
	}
	if ev.Transcript.Text != "Transferring you now" {
		t.Errorf("agent transcript = %+v", ev.Transcript)
	}
	if n := h.llmCalls.Load(); n != 2 {
		t.Errorf("llm called %d times, want 2", n)
	}
}

func TestSubmitToolResultUnknownID(t *testing.T) {
	t.Parallel()

	h := &harness{
		sttConn:  make(chan *websocket.Conn, 1),
		ttsPCM:   []byte{},
		llmReply: func(int64, map[string]any) map[string]any { return textReply("x", 1, 1) },
	}
	sess := h.start(t)
	<-h.sttConn

	if err := sess.SubmitToolResult(context.Background(), "missing", "{}"); err == nil {
		t.Error("expected error for unknown call id")
	}
}
