// Package paymentsim simulates a payment gateway round trip. The gateway
// never fails hard: every charge resolves to a structured success or decline.
package paymentsim

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSuccessRate = 0.9
	defaultLatency     = time.Second
)

// ChargeResult is the structured outcome of a simulated charge.
type ChargeResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	Message       string `json:"message"`
}

// Gateway simulates the external payment processor. Randomness, latency and
// transaction ID generation are injectable for deterministic tests.
type Gateway struct {
	successRate float64
	latency     time.Duration
	randFloat   func() float64
	newTxnID    func() string
}

type Option func(*Gateway)

// WithSuccessRate overrides the default 90% success probability.
func WithSuccessRate(rate float64) Option {
	return func(g *Gateway) {
		g.successRate = rate
	}
}

// WithLatency overrides the simulated processing delay.
func WithLatency(d time.Duration) Option {
	return func(g *Gateway) {
		g.latency = d
	}
}

// WithRandFloat overrides the randomness source.
func WithRandFloat(fn func() float64) Option {
	return func(g *Gateway) {
		g.randFloat = fn
	}
}

// WithTransactionIDFunc overrides transaction ID generation.
func WithTransactionIDFunc(fn func() string) Option {
	return func(g *Gateway) {
		g.newTxnID = fn
	}
}

// New creates a Gateway with the default success rate and latency.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		successRate: defaultSuccessRate,
		latency:     defaultLatency,
		randFloat:   rand.Float64,
		newTxnID:    newTransactionID,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Charge performs one simulated gateway round trip: a fixed processing delay
// followed by a probabilistic outcome. It returns early only when the context
// is cancelled during the delay; otherwise it always produces a result.
func (g *Gateway) Charge(ctx context.Context, bookingID string, amount float64, method string) (ChargeResult, error) {
	select {
	case <-time.After(g.latency):
	case <-ctx.Done():
		return ChargeResult{}, ctx.Err()
	}

	if g.randFloat() >= g.successRate {
		return ChargeResult{
			Success: false,
			Message: "Payment processing failed. Please try again.",
		}, nil
	}

	return ChargeResult{
		Success:       true,
		TransactionID: g.newTxnID(),
		Message:       "Payment processed successfully",
	}, nil
}

// newTransactionID produces a short uppercase reference like a real gateway.
func newTransactionID() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return id[:9]
}
