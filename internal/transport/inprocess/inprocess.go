// Package inprocess implements the in-process Transport: a process-wide
// registry of live bus instances that exchange envelopes over buffered
// channels, used for development and tests.
package inprocess

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fulcrum/messagebus/internal/envelope"
	"fulcrum/messagebus/internal/logging"
	"fulcrum/messagebus/internal/transport"
)

const (
	defaultQueueSize    = 256
	defaultShutdownWait = time.Second
)

// Registry is a process-wide table of live Transport instances keyed by
// server id. Production code uses the package-level Default registry; tests
// construct a private instance via NewRegistry so runs don't interfere.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Transport
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Transport)}
}

// Default is the package-level registry used when no explicit Registry is supplied.
var Default = NewRegistry()

func (r *Registry) register(t *Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[t.serverID] = t
}

func (r *Registry) unregister(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, serverID)
}

func (r *Registry) snapshot() []*Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Transport, 0, len(r.instances))
	for _, t := range r.instances {
		out = append(out, t)
	}
	return out
}

func (r *Registry) lookup(serverID string) (*Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.instances[serverID]
	return t, ok
}

// Transport is a single registered instance's end of the in-process fabric.
type Transport struct {
	serverID string
	registry *Registry
	logger   *logging.Logger

	queue chan envelope.Envelope
	done  chan struct{}

	mu      sync.RWMutex
	handler transport.Handler
	closed  bool
}

var _ transport.Transport = (*Transport)(nil)

// New constructs and registers a Transport for serverID on registry. Passing
// a nil registry uses the package-level Default.
func New(serverID string, registry *Registry, logger *logging.Logger) *Transport {
	if registry == nil {
		registry = Default
	}
	t := &Transport{
		serverID: serverID,
		registry: registry,
		logger:   logger,
		queue:    make(chan envelope.Envelope, defaultQueueSize),
		done:     make(chan struct{}),
	}
	registry.register(t)
	go t.consume()
	return t
}

func (t *Transport) ServerID() string { return t.serverID }

// SetHandler installs the dispatch callback. Envelopes queued before a
// handler is set are delivered once one is installed.
func (t *Transport) SetHandler(handler transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *Transport) consume() {
	for {
		select {
		case env, ok := <-t.queue:
			if !ok {
				return
			}
			t.deliver(env)
		case <-t.done:
			return
		}
	}
}

func (t *Transport) deliver(env envelope.Envelope) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	for handler == nil {
		select {
		case <-t.done:
			return
		case <-time.After(time.Millisecond):
		}
		t.mu.RLock()
		handler = t.handler
		t.mu.RUnlock()
	}
	defer func() {
		if r := recover(); r != nil && t.logger != nil {
			t.logger.Error("inprocess transport handler panicked",
				logging.String("server_id", t.serverID),
				logging.String("recovered", fmt.Sprint(r)))
		}
	}()
	handler(env)
}

// Broadcast offers env to every registered instance's queue, including this one.
func (t *Transport) Broadcast(ctx context.Context, env envelope.Envelope) error {
	for _, peer := range t.registry.snapshot() {
		peer.offer(ctx, env)
	}
	return nil
}

// Send offers env to the target instance's queue. An unknown target is a
// soft NotFound: logged, never returned as an error.
func (t *Transport) Send(ctx context.Context, target string, env envelope.Envelope) error {
	peer, ok := t.registry.lookup(target)
	if !ok {
		if t.logger != nil {
			t.logger.Warn("in-process send to unknown target", logging.String("target", target), logging.String("message_type", env.Type))
		}
		return nil
	}
	peer.offer(ctx, env)
	return nil
}

func (t *Transport) offer(ctx context.Context, env envelope.Envelope) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return
	}
	select {
	case t.queue <- env:
	case <-ctx.Done():
	case <-t.done:
	}
}

// IsConnected is always true for the in-process transport while it has not been shut down.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

// Shutdown unregisters this instance, drains the queue for a bounded grace
// period, then stops the consumer. Idempotent.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.registry.unregister(t.serverID)

	grace := defaultShutdownWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-t.drained():
	case <-timer.C:
	}
	close(t.done)
	return nil
}

func (t *Transport) drained() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for len(t.queue) > 0 {
			time.Sleep(time.Millisecond)
		}
		close(ch)
	}()
	return ch
}
