// Package channel implements the Stream Channel (spec.md §4.4): the
// WebSocket fan-out that pushes the current StreamState snapshot to every
// connected overlay client on connect, and a delta on every subsequent
// transition, with idle-close and slow-consumer protection.
package channel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanveloso/landale-sub013/internal/logging"
	"github.com/bryanveloso/landale-sub013/internal/orchestrator"
)

const (
	defaultPingInterval = 15 * time.Second
	defaultIdleTimeout  = 90 * time.Second
	// defaultSendQueue is the per-client bounded send queue depth (spec.md
	// §4.4: "Channel is per-client bounded (1024)").
	defaultSendQueue = 1024

	// closeSlowConsumerCode is a private-use WebSocket close code (RFC 6455
	// §7.4.2 reserves 4000-4999) for the slow_consumer disconnect reason.
	closeSlowConsumerCode = 4000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Wire message shapes (spec.md §6): every server→client message is a JSON
// object discriminated on "t". Heartbeats ride the same channel as JSON
// frames rather than raw WebSocket control frames so every message a
// client ever sees round-trips through the same encoder.
type snapshotMessage struct {
	T     string                   `json:"t"`
	State orchestrator.StreamState `json:"state"`
}

type stateChangeMessage struct {
	T     string                   `json:"t"`
	State orchestrator.StreamState `json:"state"`
}

// ProcessStateChangedMessage is broadcast whenever a supervised process
// transitions state, so dashboards and overlays share one view of the fleet.
type ProcessStateChangedMessage struct {
	T     string `json:"t"`
	Node  string `json:"node"`
	ID    string `json:"id"`
	State string `json:"state"`
}

type pingMessage struct {
	T string `json:"t"`
}

// inboundEnvelope is only used to sniff the "t" discriminator of a
// client→server frame; overlay clients send nothing meaningful beyond pong.
type inboundEnvelope struct {
	T string `json:"t"`
}

// StateSource supplies the current StreamState for new-connection snapshots.
type StateSource interface {
	CurrentState() orchestrator.StreamState
}

// Authenticator authenticates an incoming WebSocket upgrade request and
// returns a logical client identifier. A Channel with no Authenticator
// configured admits every connection.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// allowAllAuthenticator is the default Authenticator when none is supplied.
type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(*http.Request) (string, error) { return "", nil }

// hmacAuthenticator adapts an auth.HMACTokenVerifier into an Authenticator.
type hmacAuthenticator struct {
	verifier interface {
		VerifySubject(token string) (string, error)
	}
}

// NewHMACAuthenticator wires an HMAC token verifier into the channel as its
// connection authenticator.
func NewHMACAuthenticator(verifier interface {
	VerifySubject(token string) (string, error)
}) Authenticator {
	return &hmacAuthenticator{verifier: verifier}
}

// Authenticate validates the incoming token and returns the logical client
// identifier. Browser overlay clients cannot set request headers on a
// WebSocket handshake, so the token may arrive as an auth_token query
// parameter in addition to the X-Auth-Token header.
func (a *hmacAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errMissingToken
	}
	return a.verifier.VerifySubject(token)
}

var errMissingToken = errors.New("channel: missing auth token")

// Channel fans out StreamState snapshots and deltas to connected overlay
// clients over WebSocket. Clients receive no replay history on reconnect
// (spec.md §4.4): only the current snapshot, then live deltas.
type Channel struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	source       StateSource
	log          *logging.Logger
	auth         Authenticator
	pingInterval time.Duration
	idleTimeout  time.Duration
	sendQueue    int

	broadcasts int
}

// Option configures a Channel at construction.
type Option func(*Channel)

// WithPingInterval overrides the server-to-client ping cadence.
func WithPingInterval(d time.Duration) Option {
	return func(c *Channel) { c.pingInterval = d }
}

// WithIdleTimeout overrides how long a client may go without a pong before
// being closed.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Channel) { c.idleTimeout = d }
}

// WithLogger installs a structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithAuthenticator requires every connecting client to present a token
// that verifies, rejecting the upgrade otherwise.
func WithAuthenticator(a Authenticator) Option {
	return func(c *Channel) { c.auth = a }
}

// WithSendQueueSize overrides the per-client bounded send queue depth.
func WithSendQueueSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.sendQueue = n
		}
	}
}

// New constructs a Channel sourcing snapshots from source.
func New(source StateSource, opts ...Option) *Channel {
	c := &Channel{
		clients:      make(map[*client]struct{}),
		source:       source,
		log:          logging.NewTestLogger(),
		pingInterval: defaultPingInterval,
		idleTimeout:  defaultIdleTimeout,
		sendQueue:    defaultSendQueue,
		auth:         allowAllAuthenticator{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// ServeHTTP upgrades the request to a WebSocket connection, sends the
// current snapshot, and keeps the connection alive until the client
// disconnects or is closed for idleness or slow consumption.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := c.auth.Authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("channel: upgrade failed", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, c.sendQueue)}
	c.mu.Lock()
	c.clients[cl] = struct{}{}
	c.mu.Unlock()

	if snapshot, err := json.Marshal(snapshotMessage{T: "snapshot", State: c.source.CurrentState()}); err == nil {
		select {
		case cl.send <- snapshot:
		default:
		}
	}

	go c.writeLoop(cl)
	c.readLoop(cl)
}

// readLoop discards everything except a {"t":"pong"} reply to our own
// {"t":"ping"} heartbeat, which resets the idle deadline (spec.md §6's
// 15s:90s heartbeat ratio, now carried as a JSON frame instead of a raw
// WebSocket control frame so the wire contract is uniform).
func (c *Channel) readLoop(cl *client) {
	defer c.removeClient(cl, websocket.CloseNormalClosure, "")
	cl.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	for {
		_, msg, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var env inboundEnvelope
		if json.Unmarshal(msg, &env) == nil && env.T == "pong" {
			cl.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
	}
}

func (c *Channel) writeLoop(cl *client) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	ping, _ := json.Marshal(pingMessage{T: "ping"})
	for {
		select {
		case msg, ok := <-cl.send:
			if !ok {
				return
			}
			cl.conn.SetWriteDeadline(time.Now().Add(c.pingInterval))
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.removeClient(cl, websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(c.pingInterval))
			if err := cl.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				c.removeClient(cl, websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// Broadcast pushes state to every connected client as a delta, dropping
// (not blocking on) any client whose send queue is already full, then
// closing that client with a slow_consumer reason (spec.md §4.4).
func (c *Channel) Broadcast(state orchestrator.StreamState) {
	payload, err := json.Marshal(stateChangeMessage{T: "stream.state", State: state})
	if err != nil {
		c.log.Warn("channel: failed to marshal state", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	c.fanOut(payload)
}

// BroadcastProcessState fans out a process.state_changed notification to
// every connected client, so dashboards and overlays share one view of the
// supervised fleet without polling the admin HTTP surface.
func (c *Channel) BroadcastProcessState(node, id, state string) {
	payload, err := json.Marshal(ProcessStateChangedMessage{T: "process.state_changed", Node: node, ID: id, State: state})
	if err != nil {
		c.log.Warn("channel: failed to marshal process state", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	c.fanOut(payload)
}

func (c *Channel) fanOut(payload []byte) {
	c.mu.RLock()
	targets := make([]*client, 0, len(c.clients))
	for cl := range c.clients {
		targets = append(targets, cl)
	}
	c.mu.RUnlock()

	for _, cl := range targets {
		select {
		case cl.send <- payload:
		default:
			c.closeSlowConsumer(cl)
		}
	}
	c.mu.Lock()
	c.broadcasts++
	c.mu.Unlock()
}

func (c *Channel) closeSlowConsumer(cl *client) {
	c.log.Warn("channel: closing slow consumer")
	_ = cl.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeSlowConsumerCode, "slow_consumer"),
		time.Now().Add(time.Second))
	c.removeClient(cl, closeSlowConsumerCode, "slow_consumer")
}

func (c *Channel) removeClient(cl *client, code int, reason string) {
	c.mu.Lock()
	_, ok := c.clients[cl]
	delete(c.clients, cl)
	c.mu.Unlock()
	if !ok {
		return
	}
	cl.closeOnce.Do(func() {
		close(cl.send)
		_ = cl.conn.Close()
	})
}

// ClientCount reports how many clients are currently connected.
func (c *Channel) ClientCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

// Stats returns cumulative broadcast and connected-client counts, for the
// HTTP /metrics and /readyz handlers.
func (c *Channel) Stats() (broadcasts, clients int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.broadcasts, len(c.clients)
}
