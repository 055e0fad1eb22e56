package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aivalabs/aiva-bridge/internal/executor"
	"github.com/aivalabs/aiva-bridge/internal/ledger"
	"github.com/aivalabs/aiva-bridge/internal/mgmt"
	"github.com/aivalabs/aiva-bridge/internal/observe"
	"github.com/aivalabs/aiva-bridge/internal/provider"
	"github.com/aivalabs/aiva-bridge/internal/rtp"
	"github.com/aivalabs/aiva-bridge/internal/sidechannel"
	"github.com/aivalabs/aiva-bridge/pkg/audio"
)

const (
	// outQueueDepth bounds buffered outbound frames (~10 s of audio). The
	// paced writer drains one frame per tick; a full queue drops new audio.
	outQueueDepth = 512

	// finalizeTimeout bounds the teardown's backend calls.
	finalizeTimeout = 10 * time.Second

	// toolResponseWindow bounds a synchronous tool call. Providers abandon a
	// pending tool call after roughly this long; a handler that overruns it
	// resolves the call with an error instead of leaving it dangling.
	toolResponseWindow = 30 * time.Second
)

// Connection is one live call: the glue between an RTP endpoint and a
// provider session. It owns the session, the cost ledger, and the per-call
// tool executor; everything it starts stops when Close runs.
type Connection struct {
	ID string

	endpoint rtp.Endpoint
	meta     *sidechannel.CallMetadata
	agent    *mgmt.AgentConfig
	sess     provider.Session
	ledger   *ledger.Ledger
	exec     *executor.Executor
	call     executor.Context

	callLogID string
	inputRate int
	margin    float64

	sender   FrameSender
	backend  Backend
	store    MetadataStore
	observer Observer
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// framer is touched only by the event loop.
	framer *audio.Framer
	out    chan []byte

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// connectionParams collects what the Manager assembled during admission.
type connectionParams struct {
	endpoint  rtp.Endpoint
	meta      *sidechannel.CallMetadata
	agent     *mgmt.AgentConfig
	session   provider.Session
	ledger    *ledger.Ledger
	registry  *executor.Registry
	callLogID string
	audio     provider.AudioFormat
	margin    float64
	sender    FrameSender
	backend   Backend
	store     MetadataStore
	observer  Observer
	metrics   *observe.Metrics
}

func newConnection(p connectionParams) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Connection{
		ID:       id,
		endpoint: p.endpoint,
		meta:     p.meta,
		agent:    p.agent,
		sess:     p.session,
		ledger:   p.ledger,
		exec:     executor.New(p.registry),
		call: executor.Context{
			ConnectionID:    id,
			SessionID:       p.meta.SessionID,
			CallerID:        p.meta.CallerID,
			TenantID:        p.meta.TenantID,
			PBXPort:         p.endpoint.Port(),
			KnowledgeBaseID: p.agent.KnowledgeBaseID,
		},
		callLogID: p.callLogID,
		inputRate: p.audio.InputRate,
		margin:    p.margin,
		sender:    p.sender,
		backend:   p.backend,
		store:     p.store,
		observer:  p.observer,
		metrics:   p.metrics,
		ctx:       ctx,
		cancel:    cancel,
		framer:    audio.NewFramer(p.audio.OutputRate),
		out:       make(chan []byte, outQueueDepth),
		done:      make(chan struct{}),
	}
}

// start launches the event and outbound loops.
func (c *Connection) start() {
	c.wg.Add(2)
	go c.eventLoop()
	go c.writeLoop()
}

// HandleAudio pushes one inbound μ-law frame into the session: decode,
// upsample to the provider's input rate, forward. Frames arriving after
// teardown are dropped.
func (c *Connection) HandleAudio(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	pcm := audio.Resample(audio.DecodeUlaw(payload), audio.PBXRate, c.inputRate)
	if err := c.sess.PushAudio(pcm); err != nil {
		slog.Debug("push audio failed", "session_id", c.meta.SessionID, "err", err)
		return
	}
	c.ledger.Touch()
}

// eventLoop consumes the session's event stream until it closes, then tears
// the connection down. The stream closes after a Done or Error event, so a
// provider-initiated end and an explicit Close both funnel through here.
func (c *Connection) eventLoop() {
	defer c.wg.Done()

	status := mgmt.CallStatusCompleted
	for ev := range c.sess.Events() {
		switch ev.Kind {
		case provider.EventAudio:
			for _, frame := range c.framer.Push(ev.Audio) {
				c.enqueue(frame)
			}
		case provider.EventTranscript:
			c.observer.TranscriptReceived(c.ID, *ev.Transcript)
			if ev.Transcript.Final {
				slog.Debug("transcript",
					"session_id", c.meta.SessionID,
					"speaker", ev.Transcript.Speaker,
					"text", ev.Transcript.Text)
			}
		case provider.EventFunctionCall:
			go c.handleFunctionCall(*ev.FunctionCall)
		case provider.EventCostMetric:
			c.ledger.Apply(*ev.Cost)
			c.observer.CostUpdated(c.ID, c.ledger.Usage(), c.ledger.BaseCost())
		case provider.EventDone:
			slog.Info("provider ended session", "session_id", c.meta.SessionID)
		case provider.EventError:
			slog.Error("provider session failed", "session_id", c.meta.SessionID, "err", ev.Err)
			c.metrics.RecordProviderError(c.ctx, c.agent.Variant)
			status = mgmt.CallStatusFailed
		}
	}

	if tail := c.framer.Flush(); tail != nil {
		c.enqueue(tail)
	}
	c.Close(status)
}

// writeLoop paces outbound frames at the RTP frame interval. Ticks with an
// empty queue send nothing; the PBX fills gaps itself.
func (c *Connection) writeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(audio.FrameDurationMS * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			select {
			case frame := <-c.out:
				if err := c.sender.Send(c.endpoint, frame); err != nil {
					if errors.Is(err, rtp.ErrUnknownEndpoint) {
						// Endpoint released mid-teardown; nothing left to pace.
						return
					}
					slog.Warn("send frame failed", "endpoint", c.endpoint, "err", err)
				}
			default:
			}
		}
	}
}

// enqueue queues one outbound frame, dropping it when the writer is behind.
func (c *Connection) enqueue(frame []byte) {
	select {
	case c.out <- frame:
	default:
		slog.Warn("outbound queue full, dropping frame", "session_id", c.meta.SessionID)
		c.metrics.RecordFrameDropped(c.ctx, "out")
	}
}

// handleFunctionCall runs one tool call and hands the result back to the
// model. Runs on its own goroutine so a slow tool never stalls the event
// loop; the session's state machine keeps the conversation in AwaitingTool
// meanwhile.
func (c *Connection) handleFunctionCall(fc provider.FunctionCall) {
	var args map[string]any
	if len(fc.Arguments) > 0 {
		if err := json.Unmarshal(fc.Arguments, &args); err != nil {
			slog.Warn("malformed function arguments",
				"session_id", c.meta.SessionID, "function", fc.Name, "err", err)
			c.submitResult(fc, executor.Result{Error: "malformed arguments"}, 0)
			return
		}
	}

	call := executor.Call{Name: fc.Name, Args: args}

	// Async handlers run detached from the tool window. The acknowledgement
	// goes out before the dispatch so the final outcome can never race it.
	if mode, _ := c.exec.Mode(fc.Name); mode == executor.ModeAsync {
		c.submitResult(fc, executor.Result{Accepted: true}, 0)
		c.exec.Dispatch(c.ctx, call, c.call,
			func(_ string, res executor.Result) { c.asyncCompleted(fc, res) })
		return
	}

	// Synchronous handlers must resolve within the provider's tool window; a
	// handler that overruns it resolves the call with an error instead.
	ctx, cancel := context.WithTimeout(c.ctx, toolResponseWindow)
	defer cancel()
	start := time.Now()
	res := c.exec.Dispatch(ctx, call, c.call, nil)
	if res.Error == "" && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res = executor.Result{Error: "tool call timed out"}
	}
	c.submitResult(fc, res, time.Since(start))
}

func (c *Connection) submitResult(fc provider.FunctionCall, res executor.Result, elapsed time.Duration) {
	if err := c.sess.SubmitToolResult(c.ctx, fc.CallID, res.JSON()); err != nil {
		slog.Warn("submit tool result failed",
			"session_id", c.meta.SessionID, "function", fc.Name, "err", err)
	}
	toolStatus := "ok"
	if res.Error != "" {
		toolStatus = "error"
	}
	c.metrics.RecordToolCall(context.Background(), fc.Name, toolStatus, elapsed.Seconds())
	c.observer.FunctionCalled(c.ID, fc.Name, toolStatus)
	c.recordFunctionCall(fc, res, elapsed)
}

// recordFunctionCall attaches the analytics row to the call log, best effort.
func (c *Connection) recordFunctionCall(fc provider.FunctionCall, res executor.Result, elapsed time.Duration) {
	if c.callLogID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := mgmt.FunctionCallRecord{
		CallID:    fc.CallID,
		Name:      fc.Name,
		Arguments: fc.Arguments,
		Success:   res.Error == "",
		Error:     res.Error,
		ElapsedMS: elapsed.Milliseconds(),
	}
	if err := c.backend.RecordFunctionCall(ctx, c.callLogID, rec); err != nil {
		slog.Warn("record function call failed",
			"session_id", c.meta.SessionID, "function", fc.Name, "err", err)
	}
}

// asyncCompleted receives the final outcome of async tool calls after their
// acknowledgement already went back to the model. The outcome replaces the
// acknowledgement and the model is prompted for a follow-up turn describing
// it to the caller.
func (c *Connection) asyncCompleted(fc provider.FunctionCall, res executor.Result) {
	select {
	case <-c.done:
		return
	default:
	}

	if res.Error != "" {
		slog.Warn("async function finished with error",
			"session_id", c.meta.SessionID, "function", fc.Name, "error", res.Error)
	}
	if err := c.sess.SubmitToolResult(c.ctx, fc.CallID, res.JSON()); err != nil {
		slog.Warn("submit async result failed",
			"session_id", c.meta.SessionID, "function", fc.Name, "err", err)
		return
	}
	if err := c.sess.RequestResponse(c.ctx); err != nil {
		slog.Warn("async follow-up request failed",
			"session_id", c.meta.SessionID, "function", fc.Name, "err", err)
	}

	toolStatus := "ok"
	if res.Error != "" {
		toolStatus = "error"
	}
	c.observer.FunctionCalled(c.ID, fc.Name, toolStatus)
}

// Close tears the call down exactly once: stop the loops, close the session,
// then finalize billing and release the endpoint. Safe to call from any
// goroutine, including the event loop itself.
func (c *Connection) Close(status string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.sess.Close()
		c.finalize(status)
	})
}

// finalize freezes the ledger and settles the call with the backend. Each
// step is best effort: a backend outage must not leak the endpoint or the
// metadata entry.
func (c *Connection) finalize(status string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	now := time.Now()
	totals := c.ledger.Finalize(c.margin)
	usage := c.ledger.Usage()
	duration := now.Sub(c.ledger.Started()).Seconds()

	upd := mgmt.CallLogUpdate{
		EndedAt:         &now,
		DurationSeconds: duration,
		Status:          status,
		Usage:           &usage,
		Costs:           &totals,
		ProviderMetadata: map[string]any{
			"provider": c.agent.Variant,
		},
	}
	if err := c.backend.UpdateCallLog(ctx, c.meta.SessionID, upd); err != nil {
		slog.Warn("finalize call log failed", "session_id", c.meta.SessionID, "err", err)
	}

	if totals.FinalCost > 0 {
		_, err := c.backend.Deduct(ctx, mgmt.DeductRequest{
			TenantID:  c.meta.TenantID,
			Amount:    totals.FinalCost,
			CallLogID: c.callLogID,
		})
		if err != nil {
			slog.Warn("credit deduction failed",
				"session_id", c.meta.SessionID, "amount", totals.FinalCost, "err", err)
		}
	}

	if err := c.store.Delete(ctx, c.endpoint.Port()); err != nil {
		slog.Warn("delete call metadata failed", "session_id", c.meta.SessionID, "err", err)
	}
	c.sender.Release(c.endpoint)
	c.observer.ConnectionClosed(c.Snapshot(), status)
	c.metrics.RecordCallEnded(ctx, c.agent.Variant, status, duration, totals.FinalCost)

	slog.Info("call ended",
		"session_id", c.meta.SessionID,
		"status", status,
		"duration_s", duration,
		"cost_usd", totals.FinalCost)
}

// Snapshot is the monitor-facing view of a connection.
type Snapshot struct {
	ID              string       `json:"id"`
	SessionID       string       `json:"session_id"`
	AgentID         string       `json:"agent_id"`
	AgentName       string       `json:"agent_name"`
	TenantID        string       `json:"tenant_id"`
	CallerID        string       `json:"caller_id"`
	Endpoint        string       `json:"endpoint"`
	Provider        string       `json:"provider"`
	State           string       `json:"state"`
	StartedAt       time.Time    `json:"started_at"`
	DurationSeconds float64      `json:"duration_seconds"`
	Usage           ledger.Usage `json:"usage"`
	RunningCostUSD  float64      `json:"running_cost_usd"`
}

// Snapshot returns the current monitor view of the connection.
func (c *Connection) Snapshot() Snapshot {
	return Snapshot{
		ID:              c.ID,
		SessionID:       c.meta.SessionID,
		AgentID:         c.agent.ID,
		AgentName:       c.agent.Name,
		TenantID:        c.meta.TenantID,
		CallerID:        c.meta.CallerID,
		Endpoint:        string(c.endpoint),
		Provider:        c.agent.Variant,
		State:           c.sess.State().String(),
		StartedAt:       c.ledger.Started(),
		DurationSeconds: time.Since(c.ledger.Started()).Seconds(),
		Usage:           c.ledger.Usage(),
		RunningCostUSD:  c.ledger.BaseCost(),
	}
}

// LastActivity exposes the ledger's activity clock for the stale sweeper.
func (c *Connection) LastActivity() time.Time {
	return c.ledger.LastActivity()
}
