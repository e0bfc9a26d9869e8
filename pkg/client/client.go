// Package client implements the client role: the process that owns the
// transport session, enqueues inbound commands into the durable store, and
// drains outbound RESULT/LOG/BACKTRACE items back out to the broker.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkrasner/yodi/pkg/audit"
	"github.com/dkrasner/yodi/pkg/observability"
	"github.com/dkrasner/yodi/pkg/resilience"
	"github.com/dkrasner/yodi/pkg/store"
	"github.com/dkrasner/yodi/pkg/transport"
)

// Config holds the connect parameters and tunables for a Client run.
type Config struct {
	ClientID string

	ConnectTries      int
	ConnectInterval   time.Duration
	ConnectTimeout    time.Duration
	ResultPollInterval time.Duration
}

// DefaultConfig returns the default connect-retry and poll constants.
func DefaultConfig(clientID string) Config {
	return Config{
		ClientID:           clientID,
		ConnectTries:       5,
		ConnectInterval:    time.Second,
		ConnectTimeout:     3 * time.Second,
		ResultPollInterval: time.Second,
	}
}

// Client runs the CONNECTING -> SUBSCRIBING -> RUNNING -> DRAIN -> EXIT
// state machine described for the client role.
type Client struct {
	cfg       Config
	transport transport.Transport
	store     store.Store
	logger    *slog.Logger
	audit     *audit.Logger
	metrics   *observability.AgentMetrics
}

// New creates a Client over the given transport and durable store.
func New(cfg Config, tr transport.Transport, st store.Store, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, transport: tr, store: st, logger: logger}
}

// SetAudit attaches an audit logger. A nil *audit.Logger (the zero value)
// is valid and makes connect/disconnect auditing a no-op.
func (c *Client) SetAudit(a *audit.Logger) {
	c.audit = a
}

// SetMetrics attaches a metrics sink. A nil *observability.AgentMetrics is
// valid and makes connect metrics a no-op.
func (c *Client) SetMetrics(m *observability.AgentMetrics) {
	c.metrics = m
}

// ErrConnectRetriesExhausted is returned when every connect attempt in the
// configured retry budget fails.
var ErrConnectRetriesExhausted = errors.New("client: connect retries exhausted")

// Run drives the full state machine until ctx is canceled (SIGTERM path)
// or an unrecoverable error occurs. Once subscribed, it always attempts a
// clean disconnect on the way out: DRAIN -> unsubscribe -> disconnect. A
// connect or subscribe failure returns the error without disconnecting.
func (c *Client) Run(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}

	cmdTopic, resultTopic, logTopic, crashTopic := transport.Topics(c.cfg.ClientID)

	if err := c.transport.Subscribe(ctx, cmdTopic, transport.QoS1, c.onCommand); err != nil {
		return fmt.Errorf("client: subscribe %s: %w", cmdTopic, err)
	}

	topics := map[store.Kind]topicQoS{
		store.KindResult:    {resultTopic, transport.QoS1},
		store.KindLog:       {logTopic, transport.QoS0},
		store.KindBacktrace: {crashTopic, transport.QoS1},
	}

	c.runLoop(ctx, topics)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.drainAll(drainCtx, topics)
	c.transport.Unsubscribe(drainCtx, cmdTopic)
	c.audit.LogDisconnect(drainCtx, "shutdown")
	if c.metrics != nil {
		c.metrics.Connected.Set(0)
	}
	return c.transport.Disconnect(drainCtx)
}

type topicQoS struct {
	topic string
	qos   transport.QoS
}

// connect attempts up to cfg.ConnectTries connections, waiting
// cfg.ConnectInterval between attempts. The retry is fixed-interval, not
// exponential: Multiplier 1.0 holds the delay constant across attempts. A
// canceled ctx during a retry wait aborts immediately.
func (c *Client) connect(ctx context.Context) error {
	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts:  c.cfg.ConnectTries,
		InitialDelay: c.cfg.ConnectInterval,
		Multiplier:   1.0,
	}, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		err := c.transport.Connect(attemptCtx)
		cancel()
		c.audit.LogConnect(ctx, attempt+1, err)
		if c.metrics != nil {
			c.metrics.ConnectAttempts.Inc()
		}
		if err == nil {
			if c.metrics != nil {
				c.metrics.Connected.Set(1)
			}
			return nil
		}
		c.logger.Warn("client: connect attempt failed", "attempt", attempt+1, "error", err)
		if c.metrics != nil {
			c.metrics.ConnectFailures.Inc()
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectRetriesExhausted, err)
	}
	return nil
}

// onCommand is the inbound callback for the commands topic.
func (c *Client) onCommand(topic string, payload []byte) {
	ctx := context.Background()
	if _, err := c.store.Add(ctx, store.KindCommand, payload); err != nil {
		c.logger.Error("client: store inbound command", "error", err)
	}
}

// runLoop alternates transport yields with poll-interval ticks, draining
// outbound items on both edges, until ctx is canceled.
func (c *Client) runLoop(ctx context.Context, topics map[store.Kind]topicQoS) {
	ticker := time.NewTicker(c.cfg.ResultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainAll(ctx, topics)
		default:
		}

		yieldCtx, cancel := context.WithTimeout(ctx, c.cfg.ResultPollInterval)
		err := c.transport.Yield(yieldCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("client: transport yield failed, exiting run loop", "error", err)
			return
		}
		c.drainAll(ctx, topics)
	}
}

// drainAll drains RESULT, then LOG, then BACKTRACE, in that fixed order.
func (c *Client) drainAll(ctx context.Context, topics map[store.Kind]topicQoS) {
	for _, kind := range []store.Kind{store.KindResult, store.KindLog, store.KindBacktrace} {
		c.drainOne(ctx, kind, topics[kind])
	}
}

// drainOne repeatedly pops and publishes items of kind until the store is
// empty for that kind or a publish fails; a publish failure aborts this
// kind's drain for the tick, leaving the item in the store for the next
// tick (at-least-once).
func (c *Client) drainOne(ctx context.Context, kind store.Kind, dest topicQoS) {
	for {
		item, err := c.store.One(ctx, kind)
		if errors.Is(err, store.ErrEmpty) {
			return
		}
		if err != nil {
			c.logger.Error("client: read outbound item", "kind", kind, "error", err)
			return
		}

		if err := c.transport.Publish(ctx, dest.topic, dest.qos, item.Payload); err != nil {
			c.logger.Warn("client: publish failed, leaving item for next tick", "kind", kind, "error", err)
			return
		}
		if err := c.store.Delete(ctx, item.ID); err != nil {
			c.logger.Error("client: delete published item", "kind", kind, "id", item.ID, "error", err)
			return
		}
	}
}
