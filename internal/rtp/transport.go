// Package rtp implements the bridge's PBX-facing transport: a single UDP
// socket that demultiplexes inbound RTP by source endpoint and paces outbound
// G.711 frames back to each peer.
//
// The PBX is trusted to deliver packets in order, so the inbound header's
// sequence and timestamp fields are not honoured; only the payload and the
// source address matter. Outbound packets carry a proper header with a stable
// random SSRC per endpoint and monotonically increasing sequence/timestamp.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Endpoint identifies a PBX-side RTP peer as its "ip:port" address string.
// It is the call identity inside the bridge while the call is live.
type Endpoint string

// Port returns the UDP port of the endpoint, or 0 if the endpoint is
// malformed. The side-channel store keys call metadata by this port.
func (e Endpoint) Port() int {
	_, portStr, err := net.SplitHostPort(string(e))
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// EventKind discriminates transport events.
type EventKind int

const (
	// ClientAppeared fires on the first packet from a new source endpoint.
	ClientAppeared EventKind = iota

	// Audio fires for every subsequent packet, carrying the μ-law payload.
	Audio

	// ClientGone fires when the endpoint has been silent past the
	// inactivity threshold or was explicitly released.
	ClientGone
)

// Event is one transport notification. Payload is set only for Audio.
type Event struct {
	Kind     EventKind
	Endpoint Endpoint
	Payload  []byte
}

// payload type 0 = PCMU per RFC 3551.
const (
	payloadTypePCMU    = 0
	timestampPerFrame  = 160
	maxDatagram        = 2048
	sweepInterval      = time.Second
	eventBuffer        = 1024
	defaultInactivity  = 3 * time.Second
)

// ErrUnknownEndpoint is returned by Send for an endpoint that is not (or no
// longer) registered.
var ErrUnknownEndpoint = errors.New("rtp: unknown endpoint")

// peer holds the outbound header state and liveness for one endpoint.
type peer struct {
	addr     *net.UDPAddr
	lastSeen time.Time

	ssrc uint32
	seq  uint16
	ts   uint32
}

// Transport owns the UDP socket and the endpoint registry. Create with
// Listen; consume Events until it is closed. Socket read errors are fatal:
// the transport closes its event channel and the process is expected to exit.
type Transport struct {
	conn       *net.UDPConn
	inactivity time.Duration

	mu    sync.Mutex
	peers map[Endpoint]*peer

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the UDP socket and starts the read and sweep loops.
// inactivity ≤ 0 uses the 3 s default.
func Listen(bind string, inactivity time.Duration) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("rtp: resolve %q: %w", bind, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtp: listen %q: %w", bind, err)
	}
	if inactivity <= 0 {
		inactivity = defaultInactivity
	}

	t := &Transport{
		conn:       conn,
		inactivity: inactivity,
		peers:      make(map[Endpoint]*peer),
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
	}
	t.wg.Add(2)
	go t.readLoop()
	go t.sweepLoop()

	slog.Info("rtp transport listening", "bind", conn.LocalAddr().String(), "inactivity", inactivity)
	return t, nil
}

// LocalAddr returns the bound UDP address.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Events returns the transport's event stream. The channel is closed when the
// transport shuts down (explicit Close or fatal socket error).
func (t *Transport) Events() <-chan Event { return t.events }

// Send wraps payload in an RTP header and transmits it to the endpoint.
// Returns ErrUnknownEndpoint once the endpoint has been released; callers in
// teardown treat that as a normal race, not a fault.
func (t *Transport) Send(ep Endpoint, payload []byte) error {
	t.mu.Lock()
	p, ok := t.peers[ep]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep)
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadTypePCMU,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.seq++
	p.ts += timestampPerFrame
	t.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtp: marshal: %w", err)
	}
	if _, err := t.conn.WriteToUDP(data, p.addr); err != nil {
		return fmt.Errorf("rtp: send to %s: %w", ep, err)
	}
	return nil
}

// Release removes the endpoint and emits ClientGone. The owning connection
// calls this on teardown; a later packet from the same source re-registers it
// as a fresh call. Releasing an unknown endpoint is a no-op.
func (t *Transport) Release(ep Endpoint) {
	t.mu.Lock()
	_, ok := t.peers[ep]
	delete(t.peers, ep)
	t.mu.Unlock()
	if ok {
		t.emit(Event{Kind: ClientGone, Endpoint: ep})
	}
}

// Close shuts the socket down and terminates both loops. Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
		t.wg.Wait()
		close(t.events)
	})
	return nil
}

// readLoop receives datagrams, strips RTP headers, and emits events.
func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagram)

	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			// Fatal: there is no graceful rebinding.
			slog.Error("rtp socket read failed", "err", err)
			go t.Close()
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		ep := Endpoint(addr.String())
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)

		t.mu.Lock()
		p, known := t.peers[ep]
		if !known {
			p = &peer{
				addr: addr,
				ssrc: randomSSRC(),
				seq:  randomSequence(),
				ts:   randomTimestamp(),
			}
			t.peers[ep] = p
		}
		p.lastSeen = time.Now()
		t.mu.Unlock()

		if !known {
			t.emit(Event{Kind: ClientAppeared, Endpoint: ep})
			continue
		}
		t.emitAudio(Event{Kind: Audio, Endpoint: ep, Payload: payload})
	}
}

// sweepLoop evicts endpoints that have been silent past the inactivity
// threshold.
func (t *Transport) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			var gone []Endpoint
			t.mu.Lock()
			for ep, p := range t.peers {
				if now.Sub(p.lastSeen) > t.inactivity {
					delete(t.peers, ep)
					gone = append(gone, ep)
				}
			}
			t.mu.Unlock()
			for _, ep := range gone {
				t.emit(Event{Kind: ClientGone, Endpoint: ep})
			}
		}
	}
}

// emit delivers a lifecycle event, blocking until the consumer takes it.
func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// emitAudio delivers an audio event but drops it when the consumer is behind:
// stale audio is worse than missing audio in a real-time stream.
func (t *Transport) emitAudio(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	default:
		slog.Warn("rtp event queue full, dropping audio frame", "endpoint", ev.Endpoint)
	}
}

// Wait blocks until ctx is done or the transport has shut down.
func (t *Transport) Wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-t.done:
	}
}
