package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/transport"
)

// ProtectedTransport decorates a transport with a CircuitBreaker. While the
// breaker is open, Send fails fast with ErrCircuitOpen and the wrapped
// transport is not called.
type ProtectedTransport struct {
	next    transport.Transport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedTransport(next transport.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		next:    next,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedTransport) Send(ctx context.Context, msg transport.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("delivery_id", msg.Ref),
			zap.String("channel", msg.Channel),
		)
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	if err := p.next.Send(ctx, msg); err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

func (p *ProtectedTransport) SupportsChannel(channel string) bool {
	return p.next.SupportsChannel(channel)
}
