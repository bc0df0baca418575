// Package smtpclient implements a pooled connection to a single upstream
// SMTP relay, response classification, and DKIM attachment.
package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"time"

	"github.com/mailcore-dev/mailcore/internal/dkim"
)

// Metrics is an optional interface for recording SMTP metrics. Pass nil to
// disable metrics.
type Metrics interface {
	ObserveSendDuration(seconds float64)
	IncConnectionResult(result string)
}

// TLSMode selects how the client secures the relay connection.
type TLSMode string

const (
	TLSStartTLS TLSMode = "starttls"
	TLSImplicit TLSMode = "tls"
	TLSNone     TLSMode = "none"
)

// Config configures the relay connection pool.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	TLSMode        TLSMode
	HeloDomain     string
	PoolSize       int
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	Metrics        Metrics
}

// Client sends one message at a time over a bounded pool of persistent
// connections to the configured relay. Callers never see the underlying
// connection; Send checks one out, uses it, and returns it to the pool.
type Client struct {
	cfg    Config
	pool   chan *smtp.Client
	logger *slog.Logger
}

// SendResult is the outcome of a successful send.
type SendResult struct {
	SMTPMessageID string
}

// New creates a pooled relay client. The pool is filled lazily: Send dials a
// fresh connection whenever the pool is empty. PoolSize bounds the number of
// idle connections kept for reuse; the number of connections in flight at
// once is not limited.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 5 * time.Minute
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSStartTLS
	}
	if cfg.HeloDomain == "" {
		cfg.HeloDomain = cfg.Host
	}
	return &Client{
		cfg:    cfg,
		pool:   make(chan *smtp.Client, cfg.PoolSize),
		logger: logger,
	}
}

// Verify performs a handshake against the relay without sending a message.
func (c *Client) Verify(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return nil
}

// Close drains the pool, closing every idle connection. In-flight Send calls
// are unaffected.
func (c *Client) Close() {
	for {
		select {
		case conn := <-c.pool:
			_ = conn.Close()
		default:
			return
		}
	}
}

// Send builds the MIME message, signs it with DKIM when a key is supplied,
// and delivers it to the relay for the message's single recipient. On any
// failure it returns a *SendError describing how the Email Worker should
// react; on success SMTPMessageID is the fixed string "250 OK" (the relay's
// actual response line is not captured).
func (c *Client) Send(ctx context.Context, msg *OutgoingMessage) (*SendResult, error) {
	start := time.Now()

	raw, err := BuildMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("building message: %w", err)
	}

	if msg.DKIMKey != "" && msg.DKIMDomain != "" && msg.DKIMSelector != "" {
		signed, signErr := dkim.SignMessage(raw, msg.DKIMDomain, msg.DKIMSelector, msg.DKIMKey)
		if signErr != nil {
			c.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", msg.DKIMDomain, "error", signErr)
		} else {
			raw = signed
		}
	}

	conn, err := c.checkout(ctx)
	if err != nil {
		c.recordConnection("dial_error")
		return nil, classifyTransportError(err)
	}

	result, sendErr := c.deliver(conn, msg.From, msg.To, raw)
	if sendErr != nil {
		// The connection is suspect after any failure; don't return it to
		// the pool.
		_ = conn.Close()
		c.recordConnection("send_error")
		return nil, sendErr
	}

	c.checkin(conn)
	c.recordConnection("success")
	c.recordDuration(time.Since(start).Seconds())
	return result, nil
}

func (c *Client) deliver(conn *smtp.Client, from, to string, raw []byte) (*SendResult, *SendError) {
	if err := conn.Mail(from); err != nil {
		code, m := parseSMTPError(err)
		return nil, classifyResponse(code, m)
	}
	if err := conn.Rcpt(to); err != nil {
		code, m := parseSMTPError(err)
		return nil, classifyResponse(code, m)
	}

	wc, err := conn.Data()
	if err != nil {
		code, m := parseSMTPError(err)
		return nil, classifyResponse(code, m)
	}
	if _, err := wc.Write(raw); err != nil {
		return nil, classifyTransportError(err)
	}
	if err := wc.Close(); err != nil {
		code, m := parseSMTPError(err)
		return nil, classifyResponse(code, m)
	}

	return &SendResult{SMTPMessageID: "250 OK"}, nil
}

// checkout returns an idle pooled connection, or dials a new one when the
// pool is empty.
func (c *Client) checkout(ctx context.Context) (*smtp.Client, error) {
	select {
	case conn := <-c.pool:
		if probe(conn) {
			return conn, nil
		}
		_ = conn.Close()
	default:
	}
	return c.dial(ctx)
}

// checkin returns a still-healthy connection to the pool, or closes it when
// the pool is full.
func (c *Client) checkin(conn *smtp.Client) {
	select {
	case c.pool <- conn:
	default:
		_ = conn.Close()
	}
}

// probe issues a NOOP to confirm a pooled connection survived idle time.
func probe(conn *smtp.Client) bool {
	return conn.Noop() == nil
}

func (c *Client) dial(ctx context.Context) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", addr, err)
	}
	if err := rawConn.SetDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("setting deadline: %w", err)
	}

	if c.cfg.TLSMode == TLSImplicit {
		rawConn = tls.Client(rawConn, &tls.Config{ServerName: c.cfg.Host})
	}

	client, err := smtp.NewClient(rawConn, c.cfg.Host)
	if err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}

	if err := client.Hello(c.cfg.HeloDomain); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("EHLO: %w", err)
	}

	if c.cfg.TLSMode == TLSStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("STARTTLS: %w", err)
			}
		}
	}

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("relay auth: %w", err)
		}
	}

	return client, nil
}

func (c *Client) recordConnection(result string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncConnectionResult(result)
	}
}

func (c *Client) recordDuration(seconds float64) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ObserveSendDuration(seconds)
	}
}
