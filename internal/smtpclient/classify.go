package smtpclient

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind is the four-way classification of an SMTP send failure.
type ErrorKind string

const (
	KindPermanent ErrorKind = "permanent"
	KindTemporary ErrorKind = "temporary"
	KindConnection ErrorKind = "connection"
	KindUnknown    ErrorKind = "unknown"
)

// SendError is the classified outcome of a failed send attempt.
type SendError struct {
	Kind       ErrorKind
	Code       int
	Message    string
	HardBounce bool
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("smtp %s error (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("smtp %s error: %s", e.Kind, e.Message)
}

// Retryable reports whether the Email Worker should requeue the message.
func (e *SendError) Retryable() bool {
	switch e.Kind {
	case KindTemporary, KindConnection:
		return true
	default:
		return false
	}
}

// hardBounceCodes are the 5xx codes spec.md calls out explicitly as hard
// bounces, as opposed to any other 5xx response.
var hardBounceCodes = map[int]bool{550: true, 551: true, 552: true, 553: true, 554: true}

// namedTemporaryCodes is the canonical named subset of the broader 4xx ⇒
// temporary/retryable classification below; kept for documentation only.
var namedTemporaryCodes = map[int]bool{450: true, 451: true, 452: true}

// classifyResponse turns an SMTP response code/message pair into a SendError.
func classifyResponse(code int, message string) *SendError {
	switch {
	case code >= 500 && code < 600:
		return &SendError{Kind: KindPermanent, Code: code, Message: message, HardBounce: hardBounceCodes[code]}
	case code >= 400 && code < 500:
		// {450,451,452} is the canonical named subset, same as {550..554} is
		// the hard-bounce subset of 5xx above; every other 4xx is still
		// temporary/retryable, not unknown.
		return &SendError{Kind: KindTemporary, Code: code, Message: message}
	default:
		return &SendError{Kind: KindUnknown, Code: code, Message: message}
	}
}

// classifyTransportError classifies a failure that occurred before any SMTP
// response was received (dial, TLS handshake, I/O). net.Error values and
// messages naming a known network failure become connection errors;
// anything else is unknown.
func classifyTransportError(err error) *SendError {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &SendError{Kind: KindConnection, Message: err.Error()}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"refused", "reset", "timeout", "unreachable", "no such host", "dns", "eof", "broken pipe"} {
		if strings.Contains(msg, s) {
			return &SendError{Kind: KindConnection, Message: err.Error()}
		}
	}

	return &SendError{Kind: KindUnknown, Message: err.Error()}
}

// parseSMTPError extracts the leading 3-digit SMTP response code from an
// error produced by net/smtp, falling back to 0 when none is present.
func parseSMTPError(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	msg := err.Error()
	if len(msg) >= 3 {
		var code int
		if _, scanErr := fmt.Sscanf(msg[:3], "%d", &code); scanErr == nil && code >= 200 && code < 600 {
			return code, strings.TrimSpace(msg[3:])
		}
	}
	return 0, msg
}
