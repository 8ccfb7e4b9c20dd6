package payments

import (
	"context"
	"sync"
)

// MemoryProcessor serves refunds from memory. Refunds are keyed by payment
// intent or checkout session id. Used for local runs and tests.
type MemoryProcessor struct {
	mu      sync.Mutex
	refunds map[string][]Refund
	err     error
	calls   int
}

// NewMemoryProcessor returns a processor with no refunds.
func NewMemoryProcessor() *MemoryProcessor {
	return &MemoryProcessor{refunds: map[string][]Refund{}}
}

func (p *MemoryProcessor) AddRefund(chargeKey string, r Refund) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds[chargeKey] = append(p.refunds[chargeKey], r)
}

// FailWith makes every subsequent call return err; nil clears it.
func (p *MemoryProcessor) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *MemoryProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MemoryProcessor) FindRefunds(ctx context.Context, ref ChargeRef) ([]Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if ref.Empty() {
		return nil, ErrNoChargeRef
	}
	out := append([]Refund(nil), p.refunds[ref.PaymentIntentID]...)
	if ref.CheckoutSessionID != "" {
		out = append(out, p.refunds[ref.CheckoutSessionID]...)
	}
	return out, nil
}
