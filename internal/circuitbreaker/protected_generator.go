package circuitbreaker

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/generator"
)

// ProtectedGenerator wraps a Generator with a circuit breaker.
type ProtectedGenerator struct {
	next    generator.Generator
	breaker *gobreaker.CircuitBreaker[*generator.Result]
	logger  *zap.Logger
}

var _ generator.Generator = (*ProtectedGenerator)(nil)

// NewProtectedGenerator wraps next with a breaker built from cfg.
func NewProtectedGenerator(next generator.Generator, cfg Config, logger *zap.Logger) *ProtectedGenerator {
	return &ProtectedGenerator{
		next:    next,
		breaker: New[*generator.Result](cfg, logger),
		logger:  logger,
	}
}

// Generate calls the wrapped generator unless the circuit is open.
func (p *ProtectedGenerator) Generate(ctx context.Context, req generator.Request) (*generator.Result, error) {
	res, err := p.breaker.Execute(func() (*generator.Result, error) {
		return p.next.Generate(ctx, req)
	})
	if isRejection(err) {
		p.logger.Debug("circuit breaker rejected generator call",
			zap.String("breaker", p.breaker.Name()),
			zap.String("intent_id", req.IntentID),
			zap.String("state", p.breaker.State().String()),
		)
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, p.breaker.Name())
	}
	return res, err
}

// State returns the breaker state for health reporting.
func (p *ProtectedGenerator) State() gobreaker.State {
	return p.breaker.State()
}
