// Package listener subscribes to the Store's publish-notify channels and
// drives a periodic poll as a safety net for lost notifications, worker
// restarts, and retry back-off expirations.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailcore-dev/mailcore/internal/repository/postgres"
)

const (
	channelMessageQueued  = "message_queued"
	channelWebhookPending = "webhook_pending"
)

// Config configures poll cadence and crash-recovery sweep.
type Config struct {
	PollInterval time.Duration // ≥ 1s, default 5s

	// VisibilityTimeout bounds how long a message may sit in processing
	// before the sweep assumes its worker crashed and resets it to queued.
	// Defaults to PollInterval.
	VisibilityTimeout time.Duration
}

// Listener owns the dedicated LISTEN connection and the two wake-up
// channels the Email Worker and Webhook Dispatcher select on.
type Listener struct {
	pool     *pgxpool.Pool
	messages postgres.MessageRepository
	cfg      Config
	logger   *slog.Logger

	MessageWake chan struct{}
	WebhookWake chan struct{}
}

// New creates a Listener. Call Run to start it; Run blocks until ctx is
// cancelled, and returns early only if acquiring the dedicated connection or
// subscribing to a channel fails. Later notification-wait errors are logged
// and retried.
func New(pool *pgxpool.Pool, messages postgres.MessageRepository, cfg Config, logger *slog.Logger) *Listener {
	if cfg.PollInterval < time.Second {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = cfg.PollInterval
	}
	return &Listener{
		pool:        pool,
		messages:    messages,
		cfg:         cfg,
		logger:      logger,
		MessageWake: make(chan struct{}, 1),
		WebhookWake: make(chan struct{}, 1),
	}
}

// Run acquires a dedicated connection, subscribes to both channels, fires an
// initial sweep to drain any backlog accumulated while down, then loops on
// notifications and the poll ticker until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+channelMessageQueued); err != nil {
		return fmt.Errorf("listening on %s: %w", channelMessageQueued, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channelWebhookPending); err != nil {
		return fmt.Errorf("listening on %s: %w", channelWebhookPending, err)
	}

	notifications := make(chan *pgconn.Notification, 16)
	go l.waitForNotifications(ctx, conn, notifications)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	// Initial sweep: drain any backlog accumulated while down.
	l.wakeAll()
	l.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-notifications:
			l.handleNotification(n)
		case <-ticker.C:
			l.wakeAll()
			l.sweep(ctx)
		}
	}
}

func (l *Listener) handleNotification(n *pgconn.Notification) {
	switch n.Channel {
	case channelMessageQueued:
		wake(l.MessageWake)
	case channelWebhookPending:
		wake(l.WebhookWake)
	}
}

// waitForNotifications loops on the dedicated connection's blocking wait,
// forwarding each notification onto out. Payloads are advisory: the loop
// does not parse n.Payload, since a lost notification must never cost
// correctness, only latency.
func (l *Listener) waitForNotifications(ctx context.Context, conn *pgxpool.Conn, out chan<- *pgconn.Notification) {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("wait for notification failed, retrying", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case out <- n:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) wakeAll() {
	wake(l.MessageWake)
	wake(l.WebhookWake)
}

// wake is a non-blocking send: the wake channels are buffered size 1, and a
// pending wake-up already covers the next drain, so a full channel is
// dropped rather than blocked on.
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (l *Listener) sweep(ctx context.Context) {
	n, err := l.messages.ResetStaleProcessing(ctx, l.cfg.VisibilityTimeout)
	if err != nil {
		l.logger.Error("visibility-timeout sweep failed", "error", err)
		return
	}
	if n > 0 {
		l.logger.Info("reset stale processing messages to queued", "count", n)
	}
}
