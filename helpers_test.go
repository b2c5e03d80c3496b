package checkout_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	checkout "github.com/chipcasher/checkout"
	"github.com/chipcasher/checkout/test/mocks/ledger"
)

const (
	shop  checkout.Address = "shop"
	mint  checkout.Address = "mint"
	payer checkout.Address = "payer"
)

// validAddress accepts anything non-empty that does not start with "bad"
func validAddress(s string) bool {
	return s != "" && !strings.HasPrefix(s, "bad")
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sequentialReferences() checkout.ReferenceMinter {
	var n atomic.Int64
	return func() (checkout.ReferenceID, error) {
		return checkout.ReferenceID(fmt.Sprintf("ref-%d", n.Add(1))), nil
	}
}

func newBuilder(t *testing.T, l checkout.Ledger) *checkout.TransactionBuilder {
	t.Helper()
	b, err := checkout.NewTransactionBuilder(checkout.BuilderConfig{
		Ledger:          l,
		Recipient:       shop,
		Mint:            mint,
		ValidateAddress: validAddress,
	})
	require.NoError(t, err)
	return b
}

func settled(ref checkout.ReferenceID, id checkout.TxID, amount string) checkout.TransferRecord {
	return checkout.TransferRecord{
		TxID:       id,
		Recipient:  shop,
		Amount:     dec(amount),
		Mint:       mint,
		References: []checkout.Address{checkout.Address(ref)},
	}
}

// fakeEncoder records descriptors and emits the reference as the transaction bytes
type fakeEncoder struct {
	mu          sync.Mutex
	descriptors []*checkout.TransactionDescriptor
}

func (e *fakeEncoder) Encode(d *checkout.TransactionDescriptor) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.descriptors = append(e.descriptors, d)
	return []byte(d.Reference), nil
}

// publishingSigner plays a wallet: it "submits" by publishing a transfer to the ledger
type publishingSigner struct {
	ledger *ledger.Ledger
	record func(ref checkout.ReferenceID) checkout.TransferRecord
	err    error
	calls  atomic.Int32
}

func (s *publishingSigner) SignAndSubmit(ctx context.Context, transaction []byte) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	ref := checkout.ReferenceID(transaction)
	record := s.record(ref)
	s.ledger.Publish(ref, record)
	return string(record.TxID), nil
}

// flakySource fails a number of times before delegating
type flakySource struct {
	next     checkout.TransactionSource
	failures int
	err      error
	calls    atomic.Int32
}

func (s *flakySource) PrepareTransaction(ctx context.Context, req checkout.PrepareRequest) (*checkout.PreparedTransaction, error) {
	n := int(s.calls.Add(1))
	if n <= s.failures {
		return nil, s.err
	}
	return s.next.PrepareTransaction(ctx, req)
}

func noSleep(delays *[]time.Duration) checkout.SleepFunc {
	var mu sync.Mutex
	return func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err()
	}
}
