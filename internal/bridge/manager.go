package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aivalabs/aiva-bridge/internal/config"
	"github.com/aivalabs/aiva-bridge/internal/ledger"
	"github.com/aivalabs/aiva-bridge/internal/mgmt"
	"github.com/aivalabs/aiva-bridge/internal/observe"
	"github.com/aivalabs/aiva-bridge/internal/provider"
	"github.com/aivalabs/aiva-bridge/internal/rtp"
)

// Deps are the collaborators a Manager needs. Observer and Metrics are
// optional; the rest are required.
type Deps struct {
	Registry *provider.Registry
	Store    MetadataStore
	Backend  Backend
	Agents   AgentSource
	Sender   FrameSender
	Observer Observer
	Metrics  *observe.Metrics
}

// Manager tracks every live call, admits new RTP endpoints, and runs the
// lifecycle monitors. One Manager per process.
type Manager struct {
	cfg      config.Config
	registry *provider.Registry
	store    MetadataStore
	backend  Backend
	agents   AgentSource
	sender   FrameSender
	observer Observer
	metrics  *observe.Metrics

	mu      sync.Mutex
	conns   map[rtp.Endpoint]*Connection
	pending map[rtp.Endpoint]struct{}
}

// NewManager creates a Manager. A nil Observer is replaced with a no-op, a
// nil Metrics with the process-wide default instruments.
func NewManager(cfg config.Config, deps Deps) *Manager {
	obs := deps.Observer
	if obs == nil {
		obs = noopObserver{}
	}
	met := deps.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:      cfg,
		registry: deps.Registry,
		store:    deps.Store,
		backend:  deps.Backend,
		agents:   deps.Agents,
		sender:   deps.Sender,
		observer: obs,
		metrics:  met,
		conns:    make(map[rtp.Endpoint]*Connection),
		pending:  make(map[rtp.Endpoint]struct{}),
	}
}

// Run consumes transport events until ctx is cancelled or the stream closes,
// then closes every remaining call.
func (m *Manager) Run(ctx context.Context, events <-chan rtp.Event) {
	for {
		select {
		case <-ctx.Done():
			m.CloseAll(mgmt.CallStatusCompleted)
			return
		case ev, ok := <-events:
			if !ok {
				m.CloseAll(mgmt.CallStatusFailed)
				return
			}
			switch ev.Kind {
			case rtp.ClientAppeared:
				go m.admit(ctx, ev.Endpoint)
			case rtp.Audio:
				m.HandleAudio(ev.Endpoint, ev.Payload)
			case rtp.ClientGone:
				m.HandleClientGone(ev.Endpoint)
			}
		}
	}
}

// admit runs the call-entry sequence for a newly appeared endpoint: debounce,
// metadata lookup, agent fetch, credit gate, session open, call log, ready
// signal, greeting. Any failure releases the endpoint; the PBX hears silence
// and hangs up.
func (m *Manager) admit(ctx context.Context, ep rtp.Endpoint) {
	m.mu.Lock()
	_, live := m.conns[ep]
	_, inFlight := m.pending[ep]
	if live || inFlight {
		m.mu.Unlock()
		return
	}
	m.pending[ep] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, ep)
		m.mu.Unlock()
	}()

	setupStart := time.Now()

	// The dialplan writes the metadata entry around the same moment the first
	// packet leaves; the debounce lets the write land before we read.
	select {
	case <-time.After(m.cfg.Timers.SessionStartDebounce()):
	case <-ctx.Done():
		return
	}

	md, err := m.store.Metadata(ctx, ep.Port())
	if err != nil {
		slog.Warn("no call metadata for endpoint, dropping", "endpoint", ep, "err", err)
		m.metrics.RecordRejection(ctx, "no_metadata")
		m.sender.Release(ep)
		return
	}

	agent, specs, err := m.agents.Get(ctx, md.AgentID)
	if err != nil {
		slog.Error("agent fetch failed", "agent_id", md.AgentID, "session_id", md.SessionID, "err", err)
		m.metrics.RecordRejection(ctx, "agent_unavailable")
		m.reject(ep)
		return
	}

	// Credit gate. A failed balance check admits the call: a billing outage
	// must not take down inbound calling.
	balance, err := m.backend.Balance(ctx, md.TenantID)
	switch {
	case err != nil:
		slog.Warn("credit check failed, admitting call", "tenant_id", md.TenantID, "err", err)
	case balance < m.cfg.Billing.MinCreditUSD:
		slog.Warn("insufficient credit, rejecting call",
			"tenant_id", md.TenantID, "balance", balance, "required", m.cfg.Billing.MinCreditUSD)
		m.metrics.RecordRejection(ctx, "insufficient_credit")
		m.reject(ep)
		return
	}

	rates, err := m.cfg.Billing.Prices.Rates(agent.Variant)
	if err != nil {
		slog.Error("rejecting call", "agent_id", agent.ID, "err", err)
		m.metrics.RecordRejection(ctx, "no_price_entry")
		m.reject(ep)
		return
	}

	scfg := provider.SessionConfig{
		SessionID:         md.SessionID,
		Instructions:      composeInstructions(agent, md),
		Greeting:          agent.Greeting,
		Voice:             agent.Voice,
		Model:             agent.Model,
		Temperature:       agent.Temperature,
		MaxTokens:         agent.MaxTokens,
		Language:          agent.Language,
		VADThreshold:      agent.VADThreshold,
		SilenceDurationMS: agent.SilenceDurationMS,
		Tools:             toolSchemas(agent, specs),
		Audio:             audioFormatFor(agent),
		Composite:         compositeOptions(agent),
	}
	sess, err := m.registry.Open(ctx, agent.Variant, scfg)
	if err != nil {
		slog.Error("provider session open failed",
			"session_id", md.SessionID, "provider", agent.Variant, "err", err)
		m.metrics.RecordRejection(ctx, "provider_unavailable")
		m.reject(ep)
		return
	}

	callLogID, err := m.backend.CreateCallLog(ctx, mgmt.CreateCallLogRequest{
		SessionID:    md.SessionID,
		TenantID:     md.TenantID,
		AgentID:      agent.ID,
		CallerID:     md.CallerID,
		AsteriskPort: ep.Port(),
	})
	if err != nil {
		// The call proceeds unlogged rather than failing the caller.
		slog.Warn("create call log failed", "session_id", md.SessionID, "err", err)
	}

	conn := newConnection(connectionParams{
		endpoint:  ep,
		meta:      md,
		agent:     agent,
		session:   sess,
		ledger:    ledger.New(agent.Variant, rates),
		registry:  buildRegistry(m.store, m.backend, specs),
		callLogID: callLogID,
		audio:     scfg.Audio,
		margin:    m.cfg.Billing.Margin(),
		sender:    m.sender,
		backend:   m.backend,
		store:     m.store,
		observer:  m.observer,
		metrics:   m.metrics,
	})

	m.mu.Lock()
	m.conns[ep] = conn
	m.mu.Unlock()
	conn.start()
	m.observer.ConnectionOpened(conn.Snapshot())
	m.metrics.RecordCallStarted(ctx, agent.Variant)
	m.metrics.CallSetupDuration.Record(ctx, time.Since(setupStart).Seconds())

	if err := m.store.PublishReady(ctx, md.SessionID); err != nil {
		slog.Warn("publish ready failed", "session_id", md.SessionID, "err", err)
	}
	if err := sess.RequestResponse(ctx); err != nil {
		slog.Warn("greeting request failed", "session_id", md.SessionID, "err", err)
	}

	slog.Info("call established",
		"session_id", md.SessionID,
		"agent", agent.Name,
		"provider", agent.Variant,
		"caller_id", md.CallerID,
		"endpoint", ep)
}

// reject drops an endpoint whose metadata exists but whose call cannot
// proceed: release the RTP peer only. The metadata entry stays untouched;
// the dialplan wrote it and cleans it up for calls the bridge never accepted.
func (m *Manager) reject(ep rtp.Endpoint) {
	m.sender.Release(ep)
}

// HandleAudio forwards one inbound frame to the endpoint's connection.
// Frames for unknown endpoints (still in admission, or already gone) are
// dropped.
func (m *Manager) HandleAudio(ep rtp.Endpoint, payload []byte) {
	m.mu.Lock()
	conn := m.conns[ep]
	m.mu.Unlock()
	if conn != nil {
		conn.HandleAudio(payload)
	}
}

// HandleClientGone closes the endpoint's connection, if any. Gone events for
// already-closed connections are the normal teardown race and a no-op.
func (m *Manager) HandleClientGone(ep rtp.Endpoint) {
	m.closeConn(ep, mgmt.CallStatusCompleted)
}

// closeConn removes and closes one connection.
func (m *Manager) closeConn(ep rtp.Endpoint, status string) {
	m.mu.Lock()
	conn := m.conns[ep]
	delete(m.conns, ep)
	m.mu.Unlock()
	if conn != nil {
		conn.Close(status)
	}
}

// CloseAll tears down every live connection. Used on shutdown.
func (m *Manager) CloseAll(status string) {
	m.mu.Lock()
	conns := make(map[rtp.Endpoint]*Connection, len(m.conns))
	for ep, conn := range m.conns {
		conns[ep] = conn
	}
	clear(m.conns)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close(status)
	}
}

// CleanupStale closes connections whose ledgers have seen no activity past
// the idle threshold and reports how many were closed. Covers providers that
// die without closing their event stream.
func (m *Manager) CleanupStale(threshold time.Duration) int {
	m.mu.Lock()
	var stale []rtp.Endpoint
	for ep, conn := range m.conns {
		if time.Since(conn.LastActivity()) > threshold {
			stale = append(stale, ep)
		}
	}
	m.mu.Unlock()

	for _, ep := range stale {
		slog.Warn("closing stale connection", "endpoint", ep, "idle_threshold", threshold)
		m.closeConn(ep, mgmt.CallStatusFailed)
	}
	return len(stale)
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Connections returns a monitor snapshot of every live connection.
func (m *Manager) Connections() []Snapshot {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, len(conns))
	for i, conn := range conns {
		snaps[i] = conn.Snapshot()
	}
	return snaps
}

// AgentSource exposes the agent cache for the monitor's stats endpoint.
func (m *Manager) AgentSource() AgentSource { return m.agents }

// ─── lifecycle monitors ──────────────────────────────────────────────────────

// StartMonitors launches the background watchdogs: the hangup poller, the
// stale sweeper, and the agent-cache sweeper. They stop when ctx is done.
func (m *Manager) StartMonitors(ctx context.Context) {
	go m.pollHangups(ctx)
	go m.sweepStale(ctx)
	go m.sweepAgentCache(ctx)
}

// pollHangups watches the side-channel hangup flags. The PBX sets the flag
// when the caller hangs up before the RTP inactivity sweep would notice.
func (m *Manager) pollHangups(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Timers.HangupPoll())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			endpoints := make([]rtp.Endpoint, 0, len(m.conns))
			for ep := range m.conns {
				endpoints = append(endpoints, ep)
			}
			m.mu.Unlock()

			for _, ep := range endpoints {
				hangup, err := m.store.HangupFlag(ctx, ep.Port())
				if err != nil {
					slog.Warn("hangup poll failed", "endpoint", ep, "err", err)
					continue
				}
				if hangup {
					slog.Info("hangup flag set, closing call", "endpoint", ep)
					m.closeConn(ep, mgmt.CallStatusCompleted)
				}
			}
		}
	}
}

// sweepStale runs CleanupStale on the configured interval.
func (m *Manager) sweepStale(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Timers.StaleIdle())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupStale(m.cfg.Timers.StaleIdle()); n > 0 {
				slog.Info("stale sweep closed connections", "count", n)
			}
		}
	}
}

// sweepAgentCache evicts expired agent configs so backend edits take effect
// within one TTL.
func (m *Manager) sweepAgentCache(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Timers.AgentCacheSweep())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.agents.EvictExpired(); n > 0 {
				slog.Debug("agent cache sweep", "evicted", n)
			}
		}
	}
}
