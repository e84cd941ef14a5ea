package adapters

import (
	"bufio"
	"context"
	"errors"
	"net"

	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/bryanveloso/landale-sub013/internal/bus"
	"github.com/bryanveloso/landale-sub013/internal/logging"
)

// TCPListenerAdapter accepts inbound length-prefixed-JSON connections
// (spec.md §6's IronMON TCP listener, the inverse direction of TCPAdapter's
// outbound dial) and translates every frame on every connection into a
// canonical envelope of type envelopeType.
type TCPListenerAdapter struct {
	name         string
	envelopeType string
	bus          *bus.Bus
	log          *logging.Logger
}

// NewTCPListenerAdapter constructs a TCPListenerAdapter emitting
// envelopeType envelopes onto b for every frame received on any accepted
// connection.
func NewTCPListenerAdapter(name, envelopeType string, b *bus.Bus, log *logging.Logger) *TCPListenerAdapter {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &TCPListenerAdapter{name: name, envelopeType: envelopeType, bus: b, log: log}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// Each connection is handled on its own goroutine; a malformed length
// prefix is logged and reading continues, and only a read error ends that
// connection, never the listener.
func (a *TCPListenerAdapter) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go a.handleConn(conn)
	}
}

func (a *TCPListenerAdapter) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, errBadFrameLength) {
				a.log.Warn("listener: discarding malformed frame", logging.Field{Key: "error", Value: err.Error()})
				continue
			}
			return
		}
		a.publish(a.envelopeType, frame)
	}
}

func (a *TCPListenerAdapter) publish(eventType string, payload any) {
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
