// Package fleet implements the Fleet Router (spec.md §5.3): RPC-with-deadline
// dispatch to supervised processes and fan-out aggregation across the fleet.
// The RPC client is adapted from the bot-population launcher's HTTP+JSON+
// deadline pattern, substituting for the dropped gRPC transport.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/metrics"
)

// ErrNodeUnreachable is returned when a target process has no registered
// client, matching errs.CodeNodeUnreachable at the caller.
var ErrNodeUnreachable = errors.New("fleet: process unreachable")

// Client performs a single RPC against one supervised process.
type Client interface {
	Call(ctx context.Context, method string, payload any) (json.RawMessage, error)
}

// HTTPClient implements Client against a process's local control endpoint
// (typically http://127.0.0.1:<port>/rpc/<method>).
type HTTPClient struct {
	http     *http.Client
	endpoint string
}

// NewHTTPClient wires an HTTP client to a process's control endpoint.
func NewHTTPClient(endpoint string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{http: hc, endpoint: endpoint}
}

// Call posts payload as JSON to endpoint/method and returns the raw response
// body. The caller is responsible for attaching a deadline to ctx.
func (c *HTTPClient) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rpc responded with status %s", resp.Status)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

// Result is one process's outcome from a fan-out Call.
type Result struct {
	Process string
	Payload json.RawMessage
	Err     error
}

// Router dispatches RPCs to named processes with a per-call deadline, and
// fans calls out across the whole registered fleet for aggregation
// (spec.md §5.3's "broadcast and collect" operation).
type Router struct {
	mu       sync.RWMutex
	clients  map[string]Client
	deadline time.Duration
	metrics  *metrics.Metrics
}

// NewRouter constructs a Router with the given default per-call deadline.
func NewRouter(deadline time.Duration, opts ...RouterOption) *Router {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	r := &Router{clients: make(map[string]Client), deadline: deadline}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RouterOption configures a Router at construction.
type RouterOption func(*Router)

// WithMetrics wires the RPC-deadline-exceeded counter into m.
func WithMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// Register associates a process name with the client used to reach it.
func (r *Router) Register(process string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[process] = c
}

// Unregister removes a process, e.g. when the supervisor tears it down.
func (r *Router) Unregister(process string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, process)
}

// Call issues a single RPC against process, enforcing the router's default
// deadline unless ctx already carries a tighter one.
func (r *Router) Call(ctx context.Context, process, method string, payload any) (json.RawMessage, error) {
	r.mu.RLock()
	client, ok := r.clients[process]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, process)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()
	payloadOut, err := client.Call(callCtx, method, payload)
	if errors.Is(err, context.DeadlineExceeded) && r.metrics != nil {
		r.metrics.RPCDeadlineMiss.WithLabelValues(process).Inc()
	}
	return payloadOut, err
}

// FanOut issues method against every registered process concurrently and
// waits for all to complete or hit the deadline, returning one Result per
// process regardless of individual failures.
func (r *Router) FanOut(ctx context.Context, method string, payload any) []Result {
	r.mu.RLock()
	targets := make(map[string]Client, len(r.clients))
	for name, c := range r.clients {
		targets[name] = c
	}
	r.mu.RUnlock()

	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	i := 0
	for name, client := range targets {
		idx := i
		i++
		wg.Add(1)
		go func(name string, client Client, idx int) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, r.deadline)
			defer cancel()
			payloadOut, err := client.Call(callCtx, method, payload)
			if errors.Is(err, context.DeadlineExceeded) && r.metrics != nil {
				r.metrics.RPCDeadlineMiss.WithLabelValues(name).Inc()
			}
			results[idx] = Result{Process: name, Payload: payloadOut, Err: err}
		}(name, client, idx)
	}
	wg.Wait()
	return results
}

// ProcessCount reports how many processes are currently registered.
func (r *Router) ProcessCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
