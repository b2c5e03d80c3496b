package svm

import (
	"context"

	"golang.org/x/time/rate"

	checkout "github.com/chipcasher/checkout"
)

// RateLimitedLedger throttles calls to an underlying ledger. Public RPC endpoints
// reject bursts, and a busy storefront polls once per open checkout.
type RateLimitedLedger struct {
	next    checkout.Ledger
	limiter *rate.Limiter
}

// NewRateLimitedLedger allows perSecond requests with the given burst
func NewRateLimitedLedger(next checkout.Ledger, perSecond float64, burst int) *RateLimitedLedger {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedLedger{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (l *RateLimitedLedger) GetFreshnessAnchor(ctx context.Context) (checkout.Anchor, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return checkout.Anchor{}, err
	}
	return l.next.GetFreshnessAnchor(ctx)
}

func (l *RateLimitedLedger) GetCurrencyMetadata(ctx context.Context, mint checkout.Address) (checkout.CurrencyMetadata, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return checkout.CurrencyMetadata{}, err
	}
	return l.next.GetCurrencyMetadata(ctx, mint)
}

func (l *RateLimitedLedger) ResolveAccountAddress(ctx context.Context, mint, owner checkout.Address) (checkout.Address, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.next.ResolveAccountAddress(ctx, mint, owner)
}

func (l *RateLimitedLedger) FindByReference(ctx context.Context, reference checkout.ReferenceID, finality checkout.Finality) (checkout.TxID, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.next.FindByReference(ctx, reference, finality)
}

func (l *RateLimitedLedger) GetTransaction(ctx context.Context, id checkout.TxID) (*checkout.TransferRecord, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.GetTransaction(ctx, id)
}
