// Package control implements the dashboard command WebSocket (spec.md §6's
// /control path): a small closed-set RPC surface, distinct from the Stream
// Channel's one-way overlay fan-out, that lets a connected dashboard start,
// stop, and query supervised processes.
package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanveloso/landale-sub013/internal/errs"
	"github.com/bryanveloso/landale-sub013/internal/logging"
)

const (
	defaultPingInterval = 15 * time.Second
	defaultIdleTimeout  = 90 * time.Second
	writeTimeout        = 5 * time.Second
	sendQueueSize       = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator authenticates an incoming dashboard connection before the
// upgrade completes. A Handler with no Authenticator configured admits
// every connection — the dashboard command surface can start and stop
// supervised processes, so production deployments must configure one.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(*http.Request) (string, error) { return "", nil }

// hmacAuthenticator adapts an auth.HMACTokenVerifier into an Authenticator,
// the same bridge internal/channel uses for the overlay WebSocket, so one
// AuthSecret protects both the overlay and dashboard surfaces.
type hmacAuthenticator struct {
	verifier interface {
		VerifySubject(token string) (string, error)
	}
}

// NewHMACAuthenticator wires an HMAC token verifier into the handler as its
// connection authenticator.
func NewHMACAuthenticator(verifier interface {
	VerifySubject(token string) (string, error)
}) Authenticator {
	return &hmacAuthenticator{verifier: verifier}
}

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

var errMissingToken = errors.New("control: missing auth token")

// Fleet is the minimal process-control surface the dashboard can drive.
// The command's node field is not consulted: every command goes to the one
// Fleet the handler was built with (in cmd/streamorc, the local Supervisor).
type Fleet interface {
	Start(process string) error
	Stop(process string) error
	Status(process string) (any, error)
	FleetStatus() any
}

// inboundMessage is the client→server wire shape (spec.md §6):
// {"t":"command","name":…,"node":…,"id":…,"correlation_id":…}, or
// {"t":"pong"} answering our heartbeat.
type inboundMessage struct {
	T             string `json:"t"`
	Name          string `json:"name"`
	Node          string `json:"node"`
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id"`
}

// replyMessage is the server→client reply shape:
// {"t":"reply","correlation_id":…,"ok":…,"error":…}.
type replyMessage struct {
	T             string   `json:"t"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	OK            bool     `json:"ok"`
	Result        any      `json:"result,omitempty"`
	Error         *errJSON `json:"error,omitempty"`
}

type pingMessage struct {
	T string `json:"t"`
}

type errJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler upgrades dashboard connections and dispatches commands to Fleet.
// Every reply echoes the inbound correlation_id so a dashboard issuing
// several concurrent commands on one connection can match replies to
// requests; there is no broadcast state shared across connections.
type Handler struct {
	fleet        Fleet
	log          *logging.Logger
	auth         Authenticator
	pingInterval time.Duration
	idleTimeout  time.Duration
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithAuthenticator requires every connecting dashboard to present a token
// that verifies, rejecting the upgrade otherwise.
func WithAuthenticator(a Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// NewHandler constructs a dashboard command Handler.
func NewHandler(fleet Fleet, log *logging.Logger, opts ...Option) *Handler {
	if log == nil {
		log = logging.NewTestLogger()
	}
	h := &Handler{
		fleet:        fleet,
		log:          log,
		auth:         allowAllAuthenticator{},
		pingInterval: defaultPingInterval,
		idleTimeout:  defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type dashboardClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// ServeHTTP upgrades the request and serves commands until the client
// disconnects or goes idle past the heartbeat deadline (spec.md §6's
// 15s:90s ping:pong ratio, shared with the Stream Channel).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("control: upgrade failed", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	cl := &dashboardClient{conn: conn, send: make(chan []byte, sendQueueSize)}
	go h.writeLoop(cl)
	h.readLoop(cl)
}

func (h *Handler) readLoop(cl *dashboardClient) {
	defer h.closeClient(cl)
	cl.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.T == "pong" {
			cl.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
			continue
		}
		if msg.T != "command" {
			continue
		}
		resp := h.dispatch(msg)
		payload, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		select {
		case cl.send <- payload:
		default:
		}
	}
}

func (h *Handler) writeLoop(cl *dashboardClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	ping, _ := json.Marshal(pingMessage{T: "ping"})
	for {
		select {
		case msg, ok := <-cl.send:
			if !ok {
				return
			}
			cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.closeClient(cl)
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				h.closeClient(cl)
				return
			}
		}
	}
}

func (h *Handler) closeClient(cl *dashboardClient) {
	cl.closeOnce.Do(func() {
		close(cl.send)
		_ = cl.conn.Close()
	})
}

// dispatch routes a single command to the Fleet, translating any error into
// the {ok:false, error:{code,message}} reply shape per the error taxonomy
// and always echoing the inbound correlation_id.
func (h *Handler) dispatch(msg inboundMessage) replyMessage {
	switch msg.Name {
	case "process.start":
		if err := h.fleet.Start(msg.ID); err != nil {
			return errReply(msg.CorrelationID, err)
		}
		return okReply(msg.CorrelationID, nil)
	case "process.stop":
		if err := h.fleet.Stop(msg.ID); err != nil {
			return errReply(msg.CorrelationID, err)
		}
		return okReply(msg.CorrelationID, nil)
	case "process.status":
		status, err := h.fleet.Status(msg.ID)
		if err != nil {
			return errReply(msg.CorrelationID, err)
		}
		return okReply(msg.CorrelationID, status)
	case "fleet.status":
		return okReply(msg.CorrelationID, h.fleet.FleetStatus())
	default:
		return replyMessage{
			T:             "reply",
			CorrelationID: msg.CorrelationID,
			OK:            false,
			Error:         &errJSON{Code: string(errs.CodeUnknownType), Message: "unknown command: " + msg.Name},
		}
	}
}

func okReply(correlationID string, result any) replyMessage {
	return replyMessage{T: "reply", CorrelationID: correlationID, OK: true, Result: result}
}

func errReply(correlationID string, err error) replyMessage {
	if e, ok := errs.As(err); ok {
		return replyMessage{T: "reply", CorrelationID: correlationID, OK: false, Error: &errJSON{Code: string(e.Code), Message: e.Message}}
	}
	return replyMessage{T: "reply", CorrelationID: correlationID, OK: false, Error: &errJSON{Code: string(errs.CodeInvalidState), Message: err.Error()}}
}
