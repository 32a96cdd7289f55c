// Package bus implements the Client IPC transport from spec §6: it
// accepts websocket connections from subscribing clients, relays their
// subscribe/unsubscribe/vote messages into the client vote collector, and
// broadcasts the core's four outbound phase events. The wire format
// itself is a non-goal of the underlying spec (§1); this is one concrete,
// documented realization of the contract, inverted from the teacher's
// dial-out gateway.Client into an accept-side hub since here the daemon
// is the one other processes connect to.
package bus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openclaw/sleepd-kobo/internal/client"
)

// wsConn narrows *websocket.Conn the same way the teacher's gateway
// package does, so a fake can stand in for tests without opening a real
// socket.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

const (
	phaseSuspendRequest = "suspend-request"
	phasePrepareSuspend = "prepare-suspend"
)

// inboundFrame is the envelope every inbound message is decoded against
// first, to dispatch on Type before decoding the rest.
type inboundFrame struct {
	Type   string `json:"type"`
	Client string `json:"client"`
	Phase  string `json:"phase,omitempty"`
	Result string `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// BroadcastFrame is one outbound message: a phase broadcast or a resume
// notification (spec §6's "three outbound broadcasts" plus Resume(kind)).
type BroadcastFrame struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Kind  string `json:"kind,omitempty"`
}

type registeredConn struct {
	id      string
	conn    wsConn
	writeMu sync.Mutex
}

func (rc *registeredConn) write(data []byte) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub accepts client connections and bridges them to a client.Registry.
// OnVoteChanged is invoked (off the connection's goroutine is not
// guaranteed; callers should make it non-blocking) whenever a vote is
// recorded, so the suspend loop can post a VoteChanged event.
type Hub struct {
	upgrader      websocket.Upgrader
	registry      *client.Registry
	logger        zerolog.Logger
	onVoteChanged func()

	mu    sync.Mutex
	conns map[string]*registeredConn
}

// New returns a Hub bridging accepted connections into registry. Vote
// changes invoke onVoteChanged, which may be nil.
func New(registry *client.Registry, onVoteChanged func(), logger zerolog.Logger) *Hub {
	return &Hub{
		registry:      registry,
		logger:        logger,
		onVoteChanged: onVoteChanged,
		conns:         make(map[string]*registeredConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the request to a websocket and runs the connection's
// read loop until it closes. Intended to be mounted on an
// internal/tailnet listener, not on a public interface.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("bus: upgrade failed")
		return
	}
	h.serve(conn)
}

func (h *Hub) serve(conn wsConn) {
	conn.SetReadLimit(1 << 16)
	rc := &registeredConn{conn: conn}
	defer h.unregisterConn(rc)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(rc, data)
	}
}

func (h *Hub) handleMessage(rc *registeredConn, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Warn().Err(err).Msg("bus: invalid frame")
		return
	}
	switch frame.Type {
	case "subscribe":
		h.registerConn(rc, frame.Client)
		h.registry.Subscribe(frame.Client)
	case "unsubscribe":
		h.registry.Unsubscribe(frame.Client)
		h.unregisterConn(rc)
	case "vote":
		h.applyVote(frame)
	default:
		h.logger.Warn().Str("type", frame.Type).Msg("bus: unrecognized frame type")
	}
}

func (h *Hub) applyVote(frame inboundFrame) {
	var phase client.Phase
	switch frame.Phase {
	case phaseSuspendRequest:
		phase = client.SuspendRequest
	case phasePrepareSuspend:
		phase = client.PrepareSuspend
	default:
		h.logger.Warn().Str("phase", frame.Phase).Msg("bus: vote for unknown phase")
		return
	}
	switch frame.Result {
	case "ack":
		h.registry.Ack(frame.Client, phase)
	case "nack":
		h.registry.Nack(frame.Client, phase, frame.Reason)
	default:
		h.logger.Warn().Str("result", frame.Result).Msg("bus: vote with unrecognized result")
		return
	}
	if h.onVoteChanged != nil {
		h.onVoteChanged()
	}
}

func (h *Hub) registerConn(rc *registeredConn, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc.id = id
	h.conns[id] = rc
}

func (h *Hub) unregisterConn(rc *registeredConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rc.id != "" && h.conns[rc.id] == rc {
		delete(h.conns, rc.id)
	}
	_ = rc.conn.Close()
}

// Broadcast fans frame out to every currently subscribed connection,
// fire-and-forget per spec §4.3 (no delivery tracking beyond the
// subsequent vote).
func (h *Hub) Broadcast(frame BroadcastFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("bus: failed to encode broadcast frame")
		return
	}
	h.mu.Lock()
	conns := make([]*registeredConn, 0, len(h.conns))
	for _, rc := range h.conns {
		conns = append(conns, rc)
	}
	h.mu.Unlock()
	for _, rc := range conns {
		if err := rc.write(data); err != nil {
			h.logger.Warn().Err(err).Str("client", rc.id).Msg("bus: broadcast write failed")
		}
	}
}

// SuspendRequest broadcasts phase 1 entry.
func (h *Hub) SuspendRequest() { h.Broadcast(BroadcastFrame{Type: "broadcast", Event: "suspend-request"}) }

// PrepareSuspend broadcasts phase 2 entry.
func (h *Hub) PrepareSuspend() { h.Broadcast(BroadcastFrame{Type: "broadcast", Event: "prepare-suspend"}) }

// Suspended broadcasts Sleep entry, just before the platform suspend call.
func (h *Hub) Suspended() { h.Broadcast(BroadcastFrame{Type: "broadcast", Event: "suspended"}) }

// Resume broadcasts a resume of the given kind: "kernel", "activity", or
// "abort".
func (h *Hub) Resume(kind string) {
	h.Broadcast(BroadcastFrame{Type: "broadcast", Event: "resume", Kind: kind})
}
