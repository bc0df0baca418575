// Package worker implements the Email Worker: the claim loop and state
// machine that turns a queued message into sent, failed, or rejected.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailcore-dev/mailcore/internal/dkim"
	"github.com/mailcore-dev/mailcore/internal/model"
	"github.com/mailcore-dev/mailcore/internal/repository/postgres"
	"github.com/mailcore-dev/mailcore/internal/smtpclient"
)

// SMTPSender is the capability the worker needs from the SMTP Client.
// Narrowing to an interface (rather than depending on *smtpclient.Client
// directly) lets tests substitute a fake relay.
type SMTPSender interface {
	Send(ctx context.Context, msg *smtpclient.OutgoingMessage) (*smtpclient.SendResult, error)
}

// WebhookEnqueuer is the capability the worker needs from the Webhook
// Dispatcher: enqueue, never deliver.
type WebhookEnqueuer interface {
	Dispatch(ctx context.Context, apiKeyID uuid.UUID, event string, messageID *uuid.UUID, fields map[string]interface{})
}

// DKIMCache is the capability the worker needs for the per-domain signing
// config TTL cache.
type DKIMCache interface {
	Get(domain string) (dkim.SigningConfig, bool)
	Set(domain string, cfg dkim.SigningConfig)
}

// Config configures retry policy and message-id synthesis.
type Config struct {
	MaxRetries     int           // attempts at which a retryable failure becomes terminal
	RetryBaseDelay time.Duration // base of the logged back-off estimate
	SystemDomain   string        // used to synthesize "<id>@domain" message ids

	// DKIMMasterKey decrypts Domain.DKIMPrivateKey at rest. 32 bytes for
	// AES-256-GCM. Nil/empty disables signing entirely (send unsigned).
	DKIMMasterKey []byte
}

// Worker claims queued messages and drives them through suppression check,
// DKIM resolution, send, and status/webhook update.
type Worker struct {
	messages     postgres.MessageRepository
	domains      postgres.DomainRepository
	suppressions postgres.SuppressionRepository
	sender       SMTPSender
	dkimCache    DKIMCache
	webhooks     WebhookEnqueuer
	cfg          Config
	logger       *slog.Logger
}

// New creates an Email Worker.
func New(
	messages postgres.MessageRepository,
	domains postgres.DomainRepository,
	suppressions postgres.SuppressionRepository,
	sender SMTPSender,
	dkimCache DKIMCache,
	webhooks WebhookEnqueuer,
	cfg Config,
	logger *slog.Logger,
) *Worker {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 5 * time.Second
	}
	if cfg.SystemDomain == "" {
		cfg.SystemDomain = "mailcore.internal"
	}
	return &Worker{
		messages:     messages,
		domains:      domains,
		suppressions: suppressions,
		sender:       sender,
		dkimCache:    dkimCache,
		webhooks:     webhooks,
		cfg:          cfg,
		logger:       logger,
	}
}

// ClaimAndProcessOne claims one ready message and drives it to its next
// state. It returns false when there was nothing to claim.
func (w *Worker) ClaimAndProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.messages.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claim next message: %w", err)
	}
	if msg == nil {
		return false, nil
	}
	w.process(ctx, msg)
	return true, nil
}

func (w *Worker) process(ctx context.Context, msg *model.Message) {
	logger := w.logger.With("message_id", msg.ID, "api_key_id", msg.APIKeyID)

	// 1. Suppression check. Uses the same normalization as insert: lowercase,
	// trimmed address.
	normalized := strings.ToLower(strings.TrimSpace(msg.ToAddress))
	entry, err := w.suppressions.GetByAPIKeyAndEmail(ctx, msg.APIKeyID, normalized)
	if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		logger.Error("suppression lookup failed, leaving message claimed for sweep", "error", err)
		return
	}
	if entry != nil {
		reason := fmt.Sprintf("Recipient suppressed: %s", entry.Reason)
		msg.Status = model.MessageStatusRejected
		msg.FailureReason = &reason
		if err := w.messages.Update(ctx, msg); err != nil {
			logger.Error("recording rejected message", "error", err)
		}
		return
	}

	// 2. DKIM resolution.
	signCfg := w.resolveDKIM(ctx, msg.APIKeyID, msg.FromAddress)

	// 3. Send.
	out := &smtpclient.OutgoingMessage{
		From:         msg.FromAddress,
		To:           msg.ToAddress,
		Subject:      derefOrEmpty(msg.Subject),
		TextBody:     derefOrEmpty(msg.Body),
		HTMLBody:     derefOrEmpty(msg.HTMLBody),
		MessageID:    fmt.Sprintf("%s@%s", msg.ID, w.cfg.SystemDomain),
		DKIMDomain:   signCfg.Domain,
		DKIMSelector: signCfg.Selector,
		DKIMKey:      signCfg.Key,
	}

	result, sendErr := w.sender.Send(ctx, out)
	if sendErr == nil {
		// 4. Success.
		now := time.Now().UTC()
		msg.Status = model.MessageStatusSent
		msg.SentAt = &now
		if err := w.messages.Update(ctx, msg); err != nil {
			logger.Error("recording sent message", "error", err)
			return
		}
		w.webhooks.Dispatch(ctx, msg.APIKeyID, model.EventMessageSent, &msg.ID, map[string]interface{}{
			"smtpMessageId": result.SMTPMessageID,
		})
		return
	}

	// 5. Failure.
	w.handleSendFailure(ctx, msg, sendErr)
}

func (w *Worker) handleSendFailure(ctx context.Context, msg *model.Message, sendErr error) {
	logger := w.logger.With("message_id", msg.ID, "attempts", msg.Attempts)

	var classified *smtpclient.SendError
	if !errors.As(sendErr, &classified) {
		classified = &smtpclient.SendError{Kind: smtpclient.KindUnknown, Message: sendErr.Error()}
	}

	newAttempts := msg.Attempts + 1
	shouldRetry := classified.Retryable() && newAttempts < w.cfg.MaxRetries

	failureMsg := classified.Error()
	msg.Attempts = newAttempts
	msg.FailureReason = &failureMsg

	if shouldRetry {
		msg.Status = model.MessageStatusQueued
		if err := w.messages.Update(ctx, msg); err != nil {
			logger.Error("requeuing message after retryable failure", "error", err)
		}
		logger.Warn("message send failed, will retry",
			"kind", classified.Kind, "code", classified.Code, "estimated_delay", w.backoffDelay(newAttempts))
		return
	}

	now := time.Now().UTC()
	msg.Status = model.MessageStatusFailed
	msg.FailedAt = &now
	if err := w.messages.Update(ctx, msg); err != nil {
		logger.Error("recording failed message", "error", err)
		return
	}

	if classified.HardBounce {
		w.suppressRecipient(ctx, msg, classified)
		w.webhooks.Dispatch(ctx, msg.APIKeyID, model.EventMessageBounced, &msg.ID, map[string]interface{}{
			"bounceType":    "hard",
			"bounceCode":    classified.Code,
			"bounceMessage": classified.Message,
		})
		return
	}

	w.webhooks.Dispatch(ctx, msg.APIKeyID, model.EventMessageFailed, &msg.ID, map[string]interface{}{
		"failureReason": failureMsg,
	})
}

func (w *Worker) suppressRecipient(ctx context.Context, msg *model.Message, classified *smtpclient.SendError) {
	details := classified.Message
	entry := &model.SuppressionEntry{
		ID:       uuid.New(),
		APIKeyID: msg.APIKeyID,
		Email:    strings.ToLower(strings.TrimSpace(msg.ToAddress)),
		Reason:   model.SuppressionHardBounce,
		Details:  &details,
	}
	if err := w.suppressions.Upsert(ctx, entry); err != nil {
		w.logger.Error("upserting hard-bounce suppression", "message_id", msg.ID, "error", err)
	}
}

// resolveDKIM extracts the sender's domain, looks it up through the cache
// (falling back to the Store), and returns signing config only when the
// domain is verified and holds a private key. Any lookup failure degrades
// to an unsigned send rather than blocking the message.
func (w *Worker) resolveDKIM(ctx context.Context, apiKeyID uuid.UUID, fromAddress string) dkim.SigningConfig {
	domainName := extractDomain(fromAddress)
	if domainName == "" {
		return dkim.SigningConfig{}
	}

	if cached, ok := w.dkimCache.Get(domainName); ok {
		return cached
	}

	var cfg dkim.SigningConfig
	dom, err := w.domains.GetByAPIKeyAndName(ctx, apiKeyID, domainName)
	if err != nil {
		if !errors.Is(err, postgres.ErrNotFound) {
			w.logger.Warn("domain lookup failed for DKIM resolution, sending unsigned", "domain", domainName, "error", err)
		}
	} else if dom.IsVerified() && dom.DKIMPrivateKey != nil && *dom.DKIMPrivateKey != "" && len(w.cfg.DKIMMasterKey) > 0 {
		key, err := dkim.DecryptPrivateKey(*dom.DKIMPrivateKey, w.cfg.DKIMMasterKey)
		if err != nil {
			w.logger.Error("decrypting DKIM private key, sending unsigned", "domain", domainName, "error", err)
		} else {
			cfg = dkim.SigningConfig{Domain: domainName, Selector: dom.DKIMSelector, Key: key}
		}
	}

	w.dkimCache.Set(domainName, cfg)
	return cfg
}

// backoffDelay estimates the retry delay for logging purposes only: the
// row is simply written back as queued and the Listener/Poller decides when
// it is next claimed.
func (w *Worker) backoffDelay(newAttempts int) time.Duration {
	factor := math.Pow(2, float64(newAttempts-1))
	jitter := 1 + rand.Float64()*0.3
	return time.Duration(float64(w.cfg.RetryBaseDelay) * factor * jitter)
}

func extractDomain(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx < 0 || idx == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Run drives a bounded pool of concurrent message claims: up to
// concurrency claims run in parallel until the queue empties, then the loop
// waits for the next wake-up (a notification or poll tick) before draining
// again.
func (w *Worker) Run(ctx context.Context, wake <-chan struct{}, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	drain := func() {
		for {
			ok, err := w.ClaimAndProcessOne(ctx)
			if err != nil {
				w.logger.Error("message claim loop error", "error", err)
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
				drain()
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
