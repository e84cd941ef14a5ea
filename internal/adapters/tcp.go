package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/bryanveloso/landale-sub013/internal/bus"
	"github.com/bryanveloso/landale-sub013/internal/logging"
)

// errBadFrameLength marks a non-numeric length prefix (spec.md §6: "Non-
// numeric length resets the buffer"). It is distinct from an I/O error: the
// caller recovers and keeps reading the same connection instead of tearing
// it down, since a malformed frame is the remote's mistake, not a dead
// socket.
var errBadFrameLength = errors.New("adapters: non-numeric frame length")

// maxFrameBytes bounds a single telemetry frame body. IronMON telemetry
// frames are small JSON objects; a length prefix outside this range is
// treated the same as a non-numeric one rather than handed to make([]byte)
// unbounded, since the prefix is attacker-controlled on the inbound
// listener.
const maxFrameBytes = 1 << 20

// readFrame reads one "<LEN> <JSON>" frame from r: an ASCII decimal length,
// a single space, then exactly that many bytes of JSON (spec.md §4.2's game
// telemetry wire format). It buffers within the connection until a full
// frame is available; a partially received length or body is simply
// retained in r across socket receives until the rest arrives.
func readFrame(r *bufio.Reader) (json.RawMessage, error) {
	lenStr, err := r.ReadString(' ')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(lenStr[:len(lenStr)-1])
	if err != nil || n < 0 || n > maxFrameBytes {
		return nil, fmt.Errorf("%w: %q", errBadFrameLength, lenStr)
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return json.RawMessage(buf), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TCPAdapter connects to a length-prefixed-JSON telemetry source (spec.md
// §4.2's game telemetry variant) and translates each frame into a canonical
// envelope of type envelopeType.
type TCPAdapter struct {
	name         string
	address      string
	envelopeType string
	bus          *bus.Bus
	log          *logging.Logger
	dialTimeout  time.Duration
}

// NewTCPAdapter constructs a TCPAdapter dialing address and emitting
// envelopeType envelopes onto b.
func NewTCPAdapter(name, address, envelopeType string, b *bus.Bus, log *logging.Logger) *TCPAdapter {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &TCPAdapter{name: name, address: address, envelopeType: envelopeType, bus: b, log: log, dialTimeout: 5 * time.Second}
}

// Run drives the adapter's connect/read/reconnect loop until ctx is
// cancelled, matching PushAdapter's backoff and state-change contract.
func (a *TCPAdapter) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", a.address, a.dialTimeout)
		if err != nil {
			attempt++
			a.publishState("disconnected", err)
			if !a.sleep(ctx, attempt) {
				return
			}
			continue
		}
		attempt = 0
		a.publishState("connected", nil)
		a.readUntilError(ctx, conn)
		_ = conn.Close()
		attempt++
		a.publishState("disconnected", nil)
		if !a.sleep(ctx, attempt) {
			return
		}
	}
}

func (a *TCPAdapter) readUntilError(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, errBadFrameLength) {
				a.log.Warn("adapter: discarding malformed frame", logging.Field{Key: "error", Value: err.Error()})
				continue
			}
			return
		}
		a.publish(a.envelopeType, frame)
	}
}

func (a *TCPAdapter) sleep(ctx context.Context, attempt int) bool {
	delay := backoffDelay(attempt)
	if attempt > maxAttempts {
		delay = longPause
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (a *TCPAdapter) publishState(state string, err error) {
	payload := map[string]any{"state": state}
	if err != nil {
		payload["error"] = err.Error()
	}
	a.publish("source."+a.name+".state_changed", payload)
}

func (a *TCPAdapter) publish(eventType string, payload any) {
	if a.bus == nil {
		return
	}
	env, err := alert.NewEnvelope(eventType, payload, "")
	if err != nil {
		a.log.Warn("adapter: failed to build envelope", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	a.bus.Emit(env)
}
