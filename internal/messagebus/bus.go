// Package messagebus assembles the codec registry, subscription registry,
// and a Transport into the public pub/sub and request/response façade.
package messagebus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fulcrum/messagebus/internal/codec"
	"fulcrum/messagebus/internal/envelope"
	"fulcrum/messagebus/internal/logging"
	"fulcrum/messagebus/internal/metrics"
	"fulcrum/messagebus/internal/transport"
)

const defaultShutdownGrace = time.Second

// Bus is the public message bus façade. Every mutating method is safe to
// call from any goroutine.
type Bus struct {
	serverID       string
	codec          *codec.Registry
	registry       *Registry
	transport      transport.Transport
	logger         *logging.Logger
	metrics        *metrics.Registry
	requestTimeout time.Duration

	shutdownOnce sync.Once
	closed       atomic.Bool
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithRequestTimeout overrides the default Request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// WithMetrics attaches a metrics registry; Default() is used otherwise.
func WithMetrics(m *metrics.Registry) Option {
	return func(b *Bus) { b.metrics = m }
}

// New assembles a Bus from its codec registry and transport. The bus installs
// itself as the transport's handler.
func New(serverID string, codecRegistry *codec.Registry, tport transport.Transport, logger *logging.Logger, opts ...Option) *Bus {
	b := &Bus{
		serverID:       serverID,
		codec:          codecRegistry,
		registry:       NewRegistry(logger, 60*time.Second),
		transport:      tport,
		logger:         logger,
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metrics.Default()
	}
	tport.SetHandler(b.handleIncoming)
	return b
}

// Subscribe registers handler for the exact message type.
func (b *Bus) Subscribe(msgType string, handler Handler) (SubscriptionToken, error) {
	return b.registry.Subscribe(msgType, handler)
}

// SubscribePattern registers handler for every message type matching pattern.
func (b *Bus) SubscribePattern(pattern string, handler Handler) (SubscriptionToken, error) {
	return b.registry.SubscribePattern(pattern, handler)
}

// Unsubscribe revokes exactly the binding the token was issued for.
func (b *Bus) Unsubscribe(token SubscriptionToken) {
	b.registry.Unsubscribe(token)
}

// Broadcast serializes payload and hands it to every connected peer.
func (b *Bus) Broadcast(msgType string, payload any) error {
	text, err := b.codec.Serialize(msgType, payload)
	if err != nil {
		return err
	}
	env := envelope.New(msgType, b.serverID, nil, text, nil)
	b.metrics.EnvelopesPublished.WithLabelValues("broadcast").Inc()
	return b.transport.Broadcast(context.Background(), env)
}

// Send serializes payload and hands it to target.
func (b *Bus) Send(target, msgType string, payload any) error {
	text, err := b.codec.Serialize(msgType, payload)
	if err != nil {
		return err
	}
	env := envelope.New(msgType, b.serverID, envelope.StringPtr(target), text, nil)
	b.metrics.EnvelopesPublished.WithLabelValues("send").Inc()
	return b.transport.Send(context.Background(), target, env)
}

// Request sends payload (to target, or as a broadcast when target == "") and
// blocks until the first matching response arrives, the context is
// cancelled, or timeout elapses.
func (b *Bus) Request(ctx context.Context, target, msgType string, payload any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = b.requestTimeout
	}
	deadline := time.Now().Add(timeout)

	start := time.Now()
	defer func() { b.metrics.RequestLatency.Observe(time.Since(start).Seconds()) }()

	text, err := b.codec.Serialize(msgType, payload)
	if err != nil {
		return nil, err
	}
	// Reply correlates on the request envelope's own ID, so the waiter is
	// keyed by it.
	env := envelope.New(msgType, b.serverID, targetPtr(target), text, nil)
	correlationID := env.ID
	w := b.registry.RegisterWaiter(correlationID, deadline)

	if target == "" {
		err = b.transport.Broadcast(ctx, env)
	} else {
		err = b.transport.Send(ctx, target, env)
	}
	if err != nil {
		b.registry.forgetWaiter(correlationID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-w.sink:
		return result.payload, result.err
	case <-timer.C:
		b.registry.forgetWaiter(correlationID)
		return nil, ErrRequestTimedOut
	case <-ctx.Done():
		b.registry.forgetWaiter(correlationID)
		return nil, ErrRequestTimedOut
	}
}

func targetPtr(target string) *string {
	if target == "" {
		return nil
	}
	return &target
}

// Reply sends a response envelope back to original's source, carrying
// CorrelationID = original.ID.
func (b *Bus) Reply(original envelope.Envelope, msgType string, payload any) error {
	text, err := b.codec.Serialize(msgType, payload)
	if err != nil {
		return err
	}
	env := envelope.New(msgType, b.serverID, envelope.StringPtr(original.SourceServer), text, envelope.StringPtr(original.ID))
	b.metrics.EnvelopesPublished.WithLabelValues("reply").Inc()
	return b.transport.Send(context.Background(), original.SourceServer, env)
}

// IsConnected reports whether the underlying transport considers itself healthy.
func (b *Bus) IsConnected() bool {
	return b.transport.IsConnected()
}

// handleIncoming is installed as the transport's handler. It applies the
// own-source broadcast filter, decodes the payload via the codec, and
// dispatches to local subscribers and any waiting correlation callback.
func (b *Bus) handleIncoming(env envelope.Envelope) {
	if env.SourceServer == b.serverID && env.IsBroadcast() {
		if b.registry.LocalSubscriberCount(env.Type) == 0 {
			return
		}
	}

	text, ok := env.Payload.(string)
	if !ok {
		if b.logger != nil {
			b.logger.Error("incoming envelope payload was not codec-serialized text", logging.String("message_type", env.Type))
		}
		b.metrics.EnvelopesDropped.WithLabelValues("bad_payload").Inc()
		return
	}

	payload, err := b.codec.Deserialize(env.Type, text)
	if err != nil {
		if b.logger != nil {
			b.logger.Error("failed to decode incoming payload", logging.String("message_type", env.Type), logging.Error(err))
		}
		b.metrics.EnvelopesDropped.WithLabelValues("decode_error").Inc()
		return
	}

	decoded := env
	decoded.Payload = payload
	b.metrics.EnvelopesDispatched.WithLabelValues(env.Type).Inc()
	b.registry.Dispatch(payload, decoded)
}

// Shutdown releases the registry and transport. Idempotent, bounded by ctx.
func (b *Bus) Shutdown(ctx context.Context) error {
	var err error
	b.shutdownOnce.Do(func() {
		b.closed.Store(true)
		b.registry.Close()
		grace := defaultShutdownGrace
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < grace {
				grace = remaining
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		err = b.transport.Shutdown(shutdownCtx)
	})
	return err
}

// ServerID returns this bus's server identifier.
func (b *Bus) ServerID() string { return b.serverID }
