package smtpclient

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"
)

// OutgoingMessage holds everything needed to build and send one email. The
// core only ever addresses a single recipient per message.
type OutgoingMessage struct {
	From         string
	To           string
	ReplyTo      string
	Subject      string
	HTMLBody     string
	TextBody     string
	Headers      map[string]string
	MessageID    string
	DKIMDomain   string
	DKIMSelector string
	DKIMKey      string // decrypted PEM private key; empty disables signing
}

// BuildMessage constructs an RFC 5322 MIME message. It produces a
// multipart/alternative message when both text and HTML bodies are set,
// and a single-part message otherwise.
func BuildMessage(msg *OutgoingMessage) ([]byte, error) {
	var buf bytes.Buffer
	headers := textproto.MIMEHeader{}

	headers.Set("From", msg.From)
	headers.Set("To", msg.To)
	headers.Set("Subject", encodeSubject(msg.Subject))
	headers.Set("Date", time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	headers.Set("MIME-Version", "1.0")

	if msg.MessageID != "" {
		headers.Set("Message-ID", "<"+msg.MessageID+">")
	}
	if msg.ReplyTo != "" {
		headers.Set("Reply-To", msg.ReplyTo)
	}
	for key, value := range msg.Headers {
		headers.Set(key, value)
	}

	hasText := msg.TextBody != ""
	hasHTML := msg.HTMLBody != ""

	switch {
	case hasText && hasHTML:
		if err := buildMultipartAlternative(&buf, headers, msg.TextBody, msg.HTMLBody); err != nil {
			return nil, err
		}
	case hasHTML:
		buildSinglePart(&buf, headers, "text/html; charset=utf-8", msg.HTMLBody)
	default:
		buildSinglePart(&buf, headers, "text/plain; charset=utf-8", msg.TextBody)
	}

	return buf.Bytes(), nil
}

func writeHeaders(buf *bytes.Buffer, headers textproto.MIMEHeader) {
	orderedKeys := []string{
		"From", "To", "Reply-To", "Subject",
		"Date", "Message-ID", "MIME-Version", "Content-Type",
	}
	written := make(map[string]bool)

	for _, key := range orderedKeys {
		canon := textproto.CanonicalMIMEHeaderKey(key)
		if values, ok := headers[canon]; ok {
			for _, v := range values {
				fmt.Fprintf(buf, "%s: %s\r\n", key, v)
			}
			written[canon] = true
		}
	}

	for key, values := range headers {
		if written[key] {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(buf, "%s: %s\r\n", key, v)
		}
	}

	buf.WriteString("\r\n")
}

func buildSinglePart(buf *bytes.Buffer, headers textproto.MIMEHeader, contentType, body string) {
	headers.Set("Content-Type", contentType)
	headers.Set("Content-Transfer-Encoding", "quoted-printable")
	writeHeaders(buf, headers)

	w := quotedprintable.NewWriter(buf)
	_, _ = w.Write([]byte(body))
	_ = w.Close()
}

func buildMultipartAlternative(buf *bytes.Buffer, headers textproto.MIMEHeader, textBody, htmlBody string) error {
	boundary := "mailcore-" + randomBoundary()
	headers.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%s", boundary))
	writeHeaders(buf, headers)

	writePart := func(contentType, body string) {
		fmt.Fprintf(buf, "--%s\r\n", boundary)
		fmt.Fprintf(buf, "Content-Type: %s\r\n", contentType)
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		w := quotedprintable.NewWriter(buf)
		_, _ = w.Write([]byte(body))
		_ = w.Close()
		buf.WriteString("\r\n")
	}

	writePart("text/plain; charset=utf-8", textBody)
	writePart("text/html; charset=utf-8", htmlBody)
	fmt.Fprintf(buf, "--%s--\r\n", boundary)
	return nil
}

func randomBoundary() string {
	return strings.ReplaceAll(fmt.Sprintf("%d", time.Now().UTC().UnixNano()), "-", "")
}

func encodeSubject(subject string) string {
	for _, r := range subject {
		if r > 127 {
			return mime.QEncoding.Encode("utf-8", subject)
		}
	}
	return subject
}
