// Package bus mirrors flow emissions onto NATS JetStream so other processes
// can follow a flow. Publishing is best effort from the flow's point of
// view: the flow logs failures and carries on.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Colony/pkg/concurrency"
	"github.com/wehubfusion/Colony/pkg/flow"
)

// ErrCircuitOpen is returned while the breaker rejects publishes
var ErrCircuitOpen = errors.New("bus circuit breaker is open")

// JetStream defines the subset of JetStream operations the bus depends on.
// This allows tests to provide a fake without a running NATS server.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
}

// WrapJetStream adapts a nats.JetStreamContext to the JetStream interface.
func WrapJetStream(js nats.JetStreamContext) JetStream {
	return &jsAdapter{js: js}
}

type jsAdapter struct {
	js nats.JetStreamContext
}

func (a *jsAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *jsAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *jsAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

// Config controls where and how envelopes are published.
type Config struct {
	// Stream is the JetStream stream holding flow envelopes
	Stream string `yaml:"stream" json:"stream"`

	// Subject is the subject prefix; envelopes go to <Subject>.<tenant>
	Subject string `yaml:"subject" json:"subject"`

	// MaxInFlight caps concurrent publishes; 0 means unlimited
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight"`

	// PublishMaxRetries is the number of extra attempts per envelope
	PublishMaxRetries int `yaml:"publish_max_retries" json:"publish_max_retries"`

	// RetryDelay is the pause between attempts
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// BreakerThreshold is the number of consecutive failures that opens the breaker
	BreakerThreshold int `yaml:"breaker_threshold" json:"breaker_threshold"`

	// BreakerReset is how long the breaker stays open
	BreakerReset time.Duration `yaml:"breaker_reset" json:"breaker_reset"`
}

// DefaultConfig returns the configuration used for unset fields
func DefaultConfig() Config {
	return Config{
		Stream:            "COLONY_FLOW",
		Subject:           "colony.flow",
		MaxInFlight:       32,
		PublishMaxRetries: 3,
		RetryDelay:        time.Second,
		BreakerThreshold:  10,
		BreakerReset:      30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.Subject == "" {
		c.Subject = d.Subject
	}
	if c.PublishMaxRetries < 0 {
		c.PublishMaxRetries = 0
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = d.BreakerReset
	}
}

// NATSBus publishes one JSON envelope per flow emission.
type NATSBus struct {
	js      JetStream
	cfg     Config
	logger  *zap.Logger
	breaker *concurrency.CircuitBreaker
	limiter *concurrency.Limiter
	sleep   func(time.Duration)

	streamMu    sync.Mutex
	streamReady bool
}

var _ flow.MessageBus = (*NATSBus)(nil)

// New creates a bus over the given JetStream context.
func New(js JetStream, cfg Config, logger *zap.Logger) (*NATSBus, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &NATSBus{
		js:      js,
		cfg:     cfg,
		logger:  logger,
		breaker: concurrency.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		limiter: concurrency.NewLimiter(cfg.MaxInFlight),
		sleep:   time.Sleep,
	}, nil
}

// Subject returns the subject an envelope is published to.
func (b *NATSBus) Subject(env flow.BusEnvelope) string {
	tenant := env.Headers.Tenant
	if tenant == "" {
		tenant = "default"
	}
	return b.cfg.Subject + "." + subjectToken(tenant)
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// EnsureStream creates the stream if it does not exist yet.
func (b *NATSBus) EnsureStream() error {
	info, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		b.logger.Debug("JetStream stream already exists",
			zap.String("stream", b.cfg.Stream),
			zap.Uint64("messages", info.State.Msgs))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", b.cfg.Stream, err)
	}

	streamConfig := &nats.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: []string{b.cfg.Subject + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
	if _, err := b.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", b.cfg.Stream, err)
	}
	b.logger.Info("Created JetStream stream",
		zap.String("stream", streamConfig.Name),
		zap.Strings("subjects", streamConfig.Subjects))
	return nil
}

func (b *NATSBus) ensureStreamOnce() error {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	if b.streamReady {
		return nil
	}
	if err := b.EnsureStream(); err != nil {
		return err
	}
	b.streamReady = true
	return nil
}

// Publish implements flow.MessageBus.
func (b *NATSBus) Publish(ctx context.Context, env flow.BusEnvelope) error {
	if err := b.ensureStreamOnce(); err != nil {
		return err
	}
	if !b.breaker.Allow() {
		return ErrCircuitOpen
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", env.Edge, err)
	}

	if err := b.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("publish cancelled: %w", err)
	}
	defer b.limiter.Release()

	subject := b.Subject(env)
	var lastErr error
	for attempt := 0; attempt <= b.cfg.PublishMaxRetries; attempt++ {
		if attempt > 0 {
			b.sleep(b.cfg.RetryDelay)
		}
		lastErr = b.publishOnce(ctx, subject, data)
		if lastErr == nil {
			b.breaker.RecordSuccess()
			b.logger.Debug("Envelope published",
				zap.String("subject", subject),
				zap.String("edge", env.Edge),
				zap.String("trace_id", env.TraceID))
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		b.logger.Warn("Publish attempt failed",
			zap.String("subject", subject),
			zap.String("trace_id", env.TraceID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	b.breaker.RecordFailure()
	return fmt.Errorf("publish %s to %s: %w", env.Edge, subject, lastErr)
}

func (b *NATSBus) publishOnce(ctx context.Context, subject string, data []byte) error {
	resultCh := make(chan error, 1)
	go func() {
		_, err := b.js.Publish(subject, data)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		return err
	}
}

// Decode parses an envelope published by the bus.
func Decode(data []byte) (flow.BusEnvelope, error) {
	var env flow.BusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Metrics reports publish concurrency counters.
func (b *NATSBus) Metrics() concurrency.Metrics {
	return b.limiter.GetMetrics()
}

// BreakerState reports the state of the publish circuit breaker.
func (b *NATSBus) BreakerState() concurrency.BreakerState {
	return b.breaker.State()
}
