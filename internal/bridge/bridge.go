// Package bridge is the heart of the system: it owns the live calls. The
// Manager watches the RTP transport for new endpoints, admits them through
// metadata lookup and the credit gate, and hands each one to a Connection
// that shuttles audio and events between the PBX leg and a provider session
// until either side hangs up.
package bridge

import (
	"context"

	"github.com/aivalabs/aiva-bridge/internal/ledger"
	"github.com/aivalabs/aiva-bridge/internal/mgmt"
	"github.com/aivalabs/aiva-bridge/internal/provider"
	"github.com/aivalabs/aiva-bridge/internal/rtp"
	"github.com/aivalabs/aiva-bridge/internal/sidechannel"
)

// MetadataStore is the slice of the side-channel store the bridge needs.
// Satisfied by *sidechannel.Store.
type MetadataStore interface {
	Metadata(ctx context.Context, port int) (*sidechannel.CallMetadata, error)
	HangupFlag(ctx context.Context, port int) (bool, error)
	Delete(ctx context.Context, port int) error
	PublishReady(ctx context.Context, sessionID string) error
	PublishTransfer(ctx context.Context, port int, req sidechannel.TransferRequest) error
}

// Backend is the slice of the management client the bridge needs. Satisfied
// by *mgmt.Client.
type Backend interface {
	Balance(ctx context.Context, tenantID string) (float64, error)
	Deduct(ctx context.Context, req mgmt.DeductRequest) (float64, error)
	CreateCallLog(ctx context.Context, req mgmt.CreateCallLogRequest) (string, error)
	UpdateCallLog(ctx context.Context, sessionID string, upd mgmt.CallLogUpdate) error
	RecordFunctionCall(ctx context.Context, callLogID string, rec mgmt.FunctionCallRecord) error
	SearchKnowledge(ctx context.Context, kbID, query string, topK int) (*mgmt.KnowledgeResult, error)
}

// AgentSource supplies agent configs, normally through the TTL cache.
// Satisfied by *mgmt.AgentCache.
type AgentSource interface {
	Get(ctx context.Context, agentID string) (*mgmt.AgentConfig, []mgmt.FunctionSpec, error)
	EvictExpired() int
}

// FrameSender is the outbound half of the RTP transport. Satisfied by
// *rtp.Transport.
type FrameSender interface {
	Send(ep rtp.Endpoint, payload []byte) error
	Release(ep rtp.Endpoint)
}

// Observer receives connection lifecycle notifications, feeding the monitor
// server's live view. Implementations must not block.
type Observer interface {
	ConnectionOpened(snap Snapshot)
	ConnectionClosed(snap Snapshot, status string)
	TranscriptReceived(connectionID string, t provider.Transcript)
	CostUpdated(connectionID string, usage ledger.Usage, baseCostUSD float64)
	FunctionCalled(connectionID, name, status string)
}

// noopObserver stands in when no monitor is attached.
type noopObserver struct{}

func (noopObserver) ConnectionOpened(Snapshot)                      {}
func (noopObserver) ConnectionClosed(Snapshot, string)              {}
func (noopObserver) TranscriptReceived(string, provider.Transcript) {}
func (noopObserver) CostUpdated(string, ledger.Usage, float64)      {}
func (noopObserver) FunctionCalled(string, string, string)          {}
