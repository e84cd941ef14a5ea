package supervisor

import (
	"fmt"
	"net"
	"time"
)

// portAvailable performs the pre-flight port-conflict probe (spec.md §4.5's
// start(id)): attempt a local bind; if it fails, something is already
// listening. Probing, not connecting, avoids the false negative of a server
// that refuses to accept before its handshake completes.
func portAvailable(port int) bool {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// probeTimeout is not applied by portAvailable: the bind probe is a plain
// net.Listen with no deadline.
const probeTimeout = 2 * time.Second
