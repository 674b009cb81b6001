package transport

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"

	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/db"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPTransport sends email through a plain SMTP relay.
type SMTPTransport struct {
	config   SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger   *zap.Logger
}

func NewSMTPTransport(cfg SMTPConfig, logger *zap.Logger) *SMTPTransport {
	return &SMTPTransport{
		config:   cfg,
		sendMail: smtp.SendMail,
		logger:   logger,
	}
}

func (s *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if msg.Channel != db.ChannelEmail {
		return fmt.Errorf("SMTP transport only supports email, got: %s", msg.Channel)
	}
	if msg.To == "" {
		return fmt.Errorf("email message missing recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := s.build(msg)
	if err != nil {
		return fmt.Errorf("build email: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	if err := s.sendMail(addr, auth, s.config.From, []string{msg.To}, raw); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	s.logger.Info("email sent via SMTP",
		zap.String("delivery_id", msg.Ref),
		zap.String("to", msg.To),
	)

	return nil
}

// build renders a multipart/alternative message with a text part and, when
// present, an HTML part.
func (s *SMTPTransport) build(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", s.config.From)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=UTF-8", msg.Text},
	}
	if msg.HTML != "" {
		parts = append(parts, struct {
			contentType string
			body        string
		}{"text/html; charset=UTF-8", msg.HTML})
	}

	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *SMTPTransport) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
