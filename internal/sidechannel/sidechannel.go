// Package sidechannel talks to the key-value + pub/sub store that the PBX
// dialplan uses to hand call metadata to the bridge and receive events back.
//
// The store is the only out-of-band link to the PBX: metadata and the hangup
// flag live in a per-port hash, while readiness and transfer requests go out
// over pub/sub channels the dialplan subscribes to.
package sidechannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ErrNoMetadata is returned when the per-port hash is absent, meaning the PBX
// never announced a call for that endpoint.
var ErrNoMetadata = errors.New("sidechannel: no call metadata")

// readyChannel carries one session id per Connection that reached Ready.
const readyChannel = "aiva_ready"

// CallMetadata is the per-call record the PBX writes before the first RTP
// packet arrives.
type CallMetadata struct {
	SessionID  string
	AgentID    string
	CallerID   string
	CallerName string
	TenantID   string
	CustomData map[string]string
}

// TransferRequest is published for the PBX when the model asks to hand the
// caller to a human queue.
type TransferRequest struct {
	SessionID string `json:"session_id"`
	QueueName string `json:"queue_name"`
	Reason    string `json:"reason,omitempty"`
}

// Store is the process-wide side-channel client. Safe for concurrent use.
type Store struct {
	rdb *redis.Client
}

// New connects to the store at url (a redis URL such as
// "redis://host:6379"). db overrides the database index when ≥ 0.
func New(url string, db int) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("sidechannel: parse url: %w", err)
	}
	if db >= 0 {
		opts.DB = db
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client. Used by tests against miniature
// servers.
func NewFromClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func metadataKey(port int) string {
	return "transcriptionPort:" + strconv.Itoa(port)
}

func transferChannel(port int) string {
	return "transfer:" + strconv.Itoa(port)
}

// Metadata reads the call metadata hash for the endpoint's port. Returns
// ErrNoMetadata when the PBX has not (yet) written the entry; required fields
// missing from an existing entry are also reported as errors.
func (s *Store) Metadata(ctx context.Context, port int) (*CallMetadata, error) {
	fields, err := s.rdb.HGetAll(ctx, metadataKey(port)).Result()
	if err != nil {
		return nil, fmt.Errorf("sidechannel: read metadata for port %d: %w", port, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: port %d", ErrNoMetadata, port)
	}
	return parseMetadata(fields)
}

// parseMetadata maps the raw hash fields onto CallMetadata and validates the
// required ones.
func parseMetadata(fields map[string]string) (*CallMetadata, error) {
	md := &CallMetadata{
		SessionID:  fields["sessionId"],
		AgentID:    fields["agentId"],
		CallerID:   fields["callerId"],
		CallerName: fields["callerName"],
		TenantID:   fields["tenantId"],
	}

	var errs []error
	if md.SessionID == "" {
		errs = append(errs, errors.New("sessionId is missing"))
	}
	if md.AgentID == "" {
		errs = append(errs, errors.New("agentId is missing"))
	}
	if md.CallerID == "" {
		errs = append(errs, errors.New("callerId is missing"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("sidechannel: invalid metadata: %w", errors.Join(errs...))
	}

	if raw := fields["customData"]; raw != "" {
		custom := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &custom); err != nil {
			// Malformed custom context must not sink the call.
			custom = map[string]string{"raw": raw}
		}
		md.CustomData = custom
	}
	return md, nil
}

// HangupFlag reports whether the PBX set hangup=true on the port's entry.
// Errors are returned so the poller can log them, but a failed read is never
// treated as a hangup.
func (s *Store) HangupFlag(ctx context.Context, port int) (bool, error) {
	v, err := s.rdb.HGet(ctx, metadataKey(port), "hangup").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sidechannel: read hangup flag for port %d: %w", port, err)
	}
	return v == "true", nil
}

// Delete removes the port's metadata entry. Called once on teardown; deleting
// an absent key is fine.
func (s *Store) Delete(ctx context.Context, port int) error {
	if err := s.rdb.Del(ctx, metadataKey(port)).Err(); err != nil {
		return fmt.Errorf("sidechannel: delete metadata for port %d: %w", port, err)
	}
	return nil
}

// PublishReady signals the PBX that the Connection for sessionID is live and
// audio may flow.
func (s *Store) PublishReady(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("sidechannel: marshal ready event: %w", err)
	}
	if err := s.rdb.Publish(ctx, readyChannel, payload).Err(); err != nil {
		return fmt.Errorf("sidechannel: publish ready: %w", err)
	}
	return nil
}

// PublishTransfer asks the PBX to bridge the caller to a queue. The PBX
// answers by dropping the RTP session, never through this store.
func (s *Store) PublishTransfer(ctx context.Context, port int, req TransferRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("sidechannel: marshal transfer request: %w", err)
	}
	if err := s.rdb.Publish(ctx, transferChannel(port), payload).Err(); err != nil {
		return fmt.Errorf("sidechannel: publish transfer for port %d: %w", port, err)
	}
	return nil
}

// Ping verifies connectivity for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("sidechannel: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}
