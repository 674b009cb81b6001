package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/db"
)

// ErrUnsupportedChannel is returned when no transport handles a message's channel.
var ErrUnsupportedChannel = errors.New("unsupported channel")

// Message is one rendered message addressed to one recipient.
type Message struct {
	Channel string
	To      string
	Name    string
	Subject string
	// Text is the plain-text body. SMS transports send only this.
	Text string
	// HTML is the rendered email body. Empty for SMS.
	HTML string
	// Ref identifies the delivery record in logs.
	Ref string
}

// Transport is the unified interface for all delivery channels.
// Implementations: Email (SES, SMTP), SMS (SNS), Log.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	SupportsChannel(channel string) bool
}

// MultiTransport routes messages to the first transport supporting the channel.
type MultiTransport struct {
	transports []Transport
	logger     *zap.Logger
}

// NewMultiTransport creates a router over the given transports.
func NewMultiTransport(logger *zap.Logger, transports ...Transport) *MultiTransport {
	return &MultiTransport{
		transports: transports,
		logger:     logger,
	}
}

// Send routes the message to the appropriate transport based on channel
func (m *MultiTransport) Send(ctx context.Context, msg Message) error {
	for _, t := range m.transports {
		if t.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to transport",
				zap.String("channel", msg.Channel),
				zap.String("delivery_id", msg.Ref),
			)
			return t.Send(ctx, msg)
		}
	}

	return fmt.Errorf("%w: %s", ErrUnsupportedChannel, msg.Channel)
}

// SupportsChannel checks if any underlying transport supports the channel
func (m *MultiTransport) SupportsChannel(channel string) bool {
	for _, t := range m.transports {
		if t.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogTransport only logs messages. Used in development and when a provider is
// set to "log".
type LogTransport struct {
	channels []string
	logger   *zap.Logger
}

// NewLogTransport creates a log transport for the given channels, or for both
// email and sms when none are given.
func NewLogTransport(logger *zap.Logger, channels ...string) *LogTransport {
	if len(channels) == 0 {
		channels = []string{db.ChannelEmail, db.ChannelSMS}
	}
	return &LogTransport{channels: channels, logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	t.logger.Info("logging message (development mode)",
		zap.String("delivery_id", msg.Ref),
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("text_len", len(msg.Text)),
		zap.Int("html_len", len(msg.HTML)),
	)
	return nil
}

func (t *LogTransport) SupportsChannel(channel string) bool {
	for _, c := range t.channels {
		if c == channel {
			return true
		}
	}
	return false
}
