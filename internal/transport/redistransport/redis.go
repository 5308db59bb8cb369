// Package redistransport implements the Redis Pub/Sub Transport: a broadcast
// channel shared by every server plus one direct channel per server id, with
// an exact JSON wire format required for cross-process interop.
package redistransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"fulcrum/messagebus/internal/envelope"
	"fulcrum/messagebus/internal/logging"
	"fulcrum/messagebus/internal/metrics"
	"fulcrum/messagebus/internal/transport"
)

const (
	broadcastChannel = "fulcrum:messagebus:broadcast"
	directPrefix     = "fulcrum:messagebus:direct:"

	defaultPublishTimeout = 5 * time.Second
	defaultPingInterval   = 30 * time.Second
)

func directChannel(serverID string) string {
	return directPrefix + serverID
}

// wireEnvelope is the exact JSON shape required on the wire: bit-exact key
// names, RFC3339Nano timestamps, and a string-encoded payload (the codec's
// serialized text embedded as a JSON string, not spliced in as raw JSON).
type wireEnvelope struct {
	ID            string  `json:"id"`
	MessageType   string  `json:"messageType"`
	SourceServer  string  `json:"sourceServer"`
	TargetServer  *string `json:"targetServer"`
	Timestamp     string  `json:"timestamp"`
	CorrelationID *string `json:"correlationId"`
	Payload       string  `json:"payload"`
}

// Config controls Redis transport tunables.
type Config struct {
	PublishTimeout time.Duration
	PingInterval   time.Duration
}

// DefaultConfig returns the transport's default tunables.
func DefaultConfig() Config {
	return Config{
		PublishTimeout: defaultPublishTimeout,
		PingInterval:   defaultPingInterval,
	}
}

// Transport implements transport.Transport over Redis Pub/Sub.
type Transport struct {
	serverID string
	client   *redis.Client
	ownsConn bool
	logger   *logging.Logger
	metrics  *metrics.Registry
	config   Config
	codecRaw func(payload string) (string, error)

	mu         sync.RWMutex
	handler    transport.Handler
	connected  atomic.Bool
	closeOnce  sync.Once

	broadcastSub *redis.PubSub
	directSub    *redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithConfig overrides the default tunables.
func WithConfig(cfg Config) Option {
	return func(t *Transport) { t.config = cfg }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(t *Transport) { t.metrics = m }
}

// New constructs a Redis transport for serverID using client. ownsConn
// indicates whether Shutdown should close client; an externally-supplied
// client is never closed by the transport.
func New(ctx context.Context, serverID string, client *redis.Client, ownsConn bool, logger *logging.Logger, opts ...Option) (*Transport, error) {
	t := &Transport{
		serverID: serverID,
		client:   client,
		ownsConn: ownsConn,
		logger:   logger,
		config:   DefaultConfig(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = metrics.Default()
	}

	t.broadcastSub = client.Subscribe(ctx, broadcastChannel)
	t.directSub = client.Subscribe(ctx, directChannel(serverID))

	if _, err := t.broadcastSub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redistransport: subscribe broadcast: %w", err)
	}
	if _, err := t.directSub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redistransport: subscribe direct: %w", err)
	}
	t.connected.Store(true)

	t.wg.Add(2)
	go t.consume(t.broadcastSub)
	go t.consume(t.directSub)

	t.wg.Add(1)
	go t.healthLoop()

	return t, nil
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) ServerID() string { return t.serverID }

func (t *Transport) SetHandler(handler transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Broadcast publishes env to the shared broadcast channel.
func (t *Transport) Broadcast(ctx context.Context, env envelope.Envelope) error {
	return t.publish(ctx, broadcastChannel, env)
}

// Send publishes env to target's direct channel. A zero subscriber count is
// logged but never returned as an error.
func (t *Transport) Send(ctx context.Context, target string, env envelope.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.PublishTimeout)
	defer cancel()

	data, err := encodeWire(env)
	if err != nil {
		t.metrics.EnvelopesDropped.WithLabelValues("encode_error").Inc()
		return err
	}

	result := t.client.Publish(ctx, directChannel(target), data)
	if err := result.Err(); err != nil {
		t.metrics.EnvelopesDropped.WithLabelValues("publish_error").Inc()
		return fmt.Errorf("redistransport: publish to %s: %w", target, err)
	}
	if result.Val() == 0 && t.logger != nil {
		t.logger.Warn("direct send reached zero subscribers", logging.String("target", target), logging.String("message_type", env.Type))
	}
	t.metrics.EnvelopesPublished.WithLabelValues("send").Inc()
	return nil
}

func (t *Transport) publish(ctx context.Context, channel string, env envelope.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.PublishTimeout)
	defer cancel()

	data, err := encodeWire(env)
	if err != nil {
		t.metrics.EnvelopesDropped.WithLabelValues("encode_error").Inc()
		return err
	}
	if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
		t.metrics.EnvelopesDropped.WithLabelValues("publish_error").Inc()
		return fmt.Errorf("redistransport: publish to %s: %w", channel, err)
	}
	t.metrics.EnvelopesPublished.WithLabelValues("broadcast").Inc()
	return nil
}

func encodeWire(env envelope.Envelope) ([]byte, error) {
	payload, ok := env.Payload.(string)
	if !ok {
		return nil, fmt.Errorf("redistransport: envelope payload must already be codec-serialized text, got %T", env.Payload)
	}
	wire := wireEnvelope{
		ID:            env.ID,
		MessageType:   env.Type,
		SourceServer:  env.SourceServer,
		TargetServer:  env.TargetServer,
		Timestamp:     env.Timestamp.Format(time.RFC3339Nano),
		CorrelationID: env.CorrelationID,
		Payload:       payload,
	}
	return json.Marshal(wire)
}

func decodeWire(data []byte) (envelope.Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return envelope.Envelope{}, fmt.Errorf("redistransport: decode envelope: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	return envelope.Envelope{
		ID:            wire.ID,
		Type:          wire.MessageType,
		SourceServer:  wire.SourceServer,
		TargetServer:  wire.TargetServer,
		Payload:       wire.Payload,
		Timestamp:     ts,
		CorrelationID: wire.CorrelationID,
	}, nil
}

func (t *Transport) consume(sub *redis.PubSub) {
	defer t.wg.Done()
	ch := sub.Channel()
	for {
		select {
		case <-t.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := decodeWire([]byte(msg.Payload))
			if err != nil {
				t.metrics.EnvelopesDropped.WithLabelValues("decode_error").Inc()
				if t.logger != nil {
					t.logger.Error("failed to decode incoming envelope", logging.Error(err))
				}
				continue
			}
			t.deliver(env)
		}
	}
}

func (t *Transport) deliver(env envelope.Envelope) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && t.logger != nil {
			t.logger.Error("redis transport handler panicked", logging.String("recovered", fmt.Sprint(r)))
		}
	}()
	handler(env)
}

func (t *Transport) healthLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.config.PublishTimeout)
			err := t.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				t.connected.Store(false)
				if t.logger != nil {
					t.logger.Warn("redis transport health ping failed", logging.Error(err))
				}
				continue
			}
			t.connected.Store(true)
		}
	}
}

// IsConnected reports the last observed health ping outcome.
func (t *Transport) IsConnected() bool {
	return t.connected.Load()
}

// Shutdown unsubscribes, stops background goroutines, and closes the client
// only if this transport owns it. Idempotent.
func (t *Transport) Shutdown(ctx context.Context) error {
	var shutdownErr error
	t.closeOnce.Do(func() {
		close(t.stopCh)
		if err := t.broadcastSub.Close(); err != nil {
			shutdownErr = err
		}
		if err := t.directSub.Close(); err != nil {
			shutdownErr = err
		}
		t.connected.Store(false)

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}

		if t.ownsConn {
			if err := t.client.Close(); err != nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}
