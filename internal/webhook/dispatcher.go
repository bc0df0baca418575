package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailcore-dev/mailcore/internal/model"
	"github.com/mailcore-dev/mailcore/internal/repository/postgres"
)

// systemName prefixes every signature/event/timestamp header: X-Mailcore-*.
const systemName = "Mailcore"

// reclaimGuard is the Store's fixed window during which a just-claimed
// pending delivery cannot be claimed again; it is what actually paces
// retries, independent of the logged back-off estimate.
const reclaimGuard = 30 * time.Second

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 5
	maxResponseBody   = 4096
)

// DispatcherConfig holds configuration for the webhook dispatcher.
type DispatcherConfig struct {
	Timeout    time.Duration
	MaxRetries int
}

// Dispatcher fans out status-change events to registered webhooks and
// drives the retry state machine for pending deliveries.
type Dispatcher struct {
	webhookRepo  postgres.WebhookRepository
	deliveryRepo postgres.WebhookDeliveryRepository
	httpClient   *http.Client
	maxRetries   int
	logger       *slog.Logger
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(
	webhookRepo postgres.WebhookRepository,
	deliveryRepo postgres.WebhookDeliveryRepository,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	return &Dispatcher{
		webhookRepo:  webhookRepo,
		deliveryRepo: deliveryRepo,
		httpClient:   &http.Client{Timeout: timeout},
		maxRetries:   maxRetries,
		logger:       logger,
	}
}

// Dispatch looks up active webhooks for the tenant subscribing to event and
// inserts one pending webhook_deliveries row per match. A failure to enqueue
// any single delivery is logged and dropped — it must never fail the caller's
// message transition.
func (d *Dispatcher) Dispatch(ctx context.Context, apiKeyID uuid.UUID, event string, messageID *uuid.UUID, fields map[string]interface{}) {
	webhooks, err := d.webhookRepo.ListByAPIKeyID(ctx, apiKeyID)
	if err != nil {
		d.logger.Error("listing webhooks for dispatch", "api_key_id", apiKeyID, "event", event, "error", err)
		return
	}

	now := time.Now().UTC()
	payload := model.JSONMap{
		"event":     event,
		"timestamp": now.Format(time.RFC3339),
	}
	if messageID != nil {
		payload["messageId"] = messageID.String()
	}
	for k, v := range fields {
		payload[k] = v
	}

	for _, wh := range webhooks {
		if !wh.Active || !subscribesToEvent(wh.Events, event) {
			continue
		}

		delivery := &model.WebhookDelivery{
			ID:        uuid.New(),
			WebhookID: wh.ID,
			MessageID: messageID,
			Event:     event,
			Payload:   payload,
			Status:    model.WebhookDeliveryPending,
			CreatedAt: now,
		}
		if err := d.deliveryRepo.Create(ctx, delivery); err != nil {
			d.logger.Error("enqueueing webhook delivery",
				"webhook_id", wh.ID, "event", event, "error", err)
			continue
		}
	}
}

// ClaimAndDeliver claims one ready delivery and attempts it. It returns
// false when there was nothing to claim.
func (d *Dispatcher) ClaimAndDeliver(ctx context.Context) (bool, error) {
	delivery, err := d.deliveryRepo.ClaimNext(ctx, reclaimGuard)
	if err != nil {
		return false, fmt.Errorf("claim next webhook delivery: %w", err)
	}
	if delivery == nil {
		return false, nil
	}
	d.deliver(ctx, delivery)
	return true, nil
}

// deliver performs the HTTP POST for one claimed delivery and writes back
// the outcome. Store errors while writing back are logged, not propagated:
// the row is left claimed and will surface again once the reclaim guard
// elapses.
func (d *Dispatcher) deliver(ctx context.Context, delivery *model.WebhookDelivery) {
	wh, err := d.webhookRepo.GetByID(ctx, delivery.WebhookID)
	if err != nil {
		// Deleted parent webhook: terminate the delivery immediately.
		delivery.Status = model.WebhookDeliveryFailed
		if updErr := d.deliveryRepo.Update(ctx, delivery); updErr != nil {
			d.logger.Error("failing orphaned webhook delivery", "delivery_id", delivery.ID, "error", updErr)
		}
		return
	}
	if !wh.Active {
		delivery.Status = model.WebhookDeliveryFailed
		if updErr := d.deliveryRepo.Update(ctx, delivery); updErr != nil {
			d.logger.Error("failing inactive webhook delivery", "delivery_id", delivery.ID, "error", updErr)
		}
		return
	}

	body, err := json.Marshal(delivery.Payload)
	if err != nil {
		d.logger.Error("marshalling webhook payload", "delivery_id", delivery.ID, "error", err)
		d.finishFailed(ctx, delivery)
		return
	}

	timestampMs := time.Now().UTC().UnixMilli()
	signature := Sign(body, wh.SigningSecret, timestampMs)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("building webhook request", "delivery_id", delivery.ID, "error", err)
		d.finishFailed(ctx, delivery)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(fmt.Sprintf("X-%s-Event", systemName), delivery.Event)
	req.Header.Set(fmt.Sprintf("X-%s-Timestamp", systemName), fmt.Sprintf("%d", timestampMs))
	req.Header.Set(fmt.Sprintf("X-%s-Signature", systemName), "v1="+signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Warn("webhook delivery attempt failed",
			"delivery_id", delivery.ID, "url", wh.URL, "attempt", delivery.Attempts, "error", err)
		d.finishRetryOrFail(ctx, delivery)
		return
	}
	defer func() { _, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody)); _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		delivery.Status = model.WebhookDeliveryDelivered
		if updErr := d.deliveryRepo.Update(ctx, delivery); updErr != nil {
			d.logger.Error("recording delivered webhook", "delivery_id", delivery.ID, "error", updErr)
		}
		return
	}

	d.logger.Warn("webhook delivery returned non-2xx",
		"delivery_id", delivery.ID, "url", wh.URL, "status_code", resp.StatusCode, "attempt", delivery.Attempts)
	d.finishRetryOrFail(ctx, delivery)
}

// finishRetryOrFail decides between a retry (status stays pending, the
// reclaim guard paces the next attempt) and terminal failure once
// max_webhook_retries is exhausted.
func (d *Dispatcher) finishRetryOrFail(ctx context.Context, delivery *model.WebhookDelivery) {
	if delivery.Attempts >= d.maxRetries {
		d.finishFailed(ctx, delivery)
		return
	}
	delay := backoffDelay(delivery.Attempts)
	d.logger.Debug("webhook delivery will retry",
		"delivery_id", delivery.ID, "attempt", delivery.Attempts, "estimated_delay", delay)
	// Status is already pending from the claim; nothing further to persist
	// beyond the attempts/last_attempt_at the claim already wrote.
}

func (d *Dispatcher) finishFailed(ctx context.Context, delivery *model.WebhookDelivery) {
	delivery.Status = model.WebhookDeliveryFailed
	if err := d.deliveryRepo.Update(ctx, delivery); err != nil {
		d.logger.Error("recording failed webhook delivery", "delivery_id", delivery.ID, "error", err)
	}
}

// backoffDelay estimates the retry delay for logging purposes only: the
// Store's fixed 30-second reclaim guard is what actually paces re-claims.
func backoffDelay(attempts int) time.Duration {
	base := float64(time.Second)
	factor := math.Pow(2, float64(attempts))
	jitter := 1 + rand.Float64()*0.3
	return time.Duration(base * factor * jitter)
}

// Sign creates an HMAC-SHA256 hex digest over "{timestampMs}.{payload}".
func Sign(payload []byte, secret string, timestampMs int64) string {
	signedContent := fmt.Sprintf("%d.%s", timestampMs, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedContent))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies a webhook signature against the v1=<hex> form.
func VerifySignature(payload []byte, secret string, timestampMs int64, signatureHeader string) bool {
	const prefix = "v1="
	if len(signatureHeader) <= len(prefix) || signatureHeader[:len(prefix)] != prefix {
		return false
	}
	expected := Sign(payload, secret, timestampMs)
	return hmac.Equal([]byte(expected), []byte(signatureHeader[len(prefix):]))
}

func subscribesToEvent(events []string, event string) bool {
	for _, e := range events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// Run drives a bounded pool of concurrent delivery attempts: up to
// concurrency claims run in parallel until the queue empties, then the loop
// waits for the next wake-up (a notification or poll tick) before draining
// again.
func (d *Dispatcher) Run(ctx context.Context, wake <-chan struct{}, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	worker := func() {
		for {
			ok, err := d.ClaimAndDeliver(ctx)
			if err != nil {
				d.logger.Error("webhook claim loop error", "error", err)
				return
			}
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}

	for {
		var wg sync.WaitGroup
		wg.Add(concurrency)
		for i := 0; i < concurrency; i++ {
			go func() {
				defer wg.Done()
				worker()
			}()
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
	}
}
