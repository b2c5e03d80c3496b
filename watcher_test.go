package checkout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	checkout "github.com/chipcasher/checkout"
	"github.com/chipcasher/checkout/test/mocks/ledger"
)

const fastPoll = 5 * time.Millisecond

func expectation(ref checkout.ReferenceID, amount string) checkout.Expectation {
	return checkout.Expectation{Reference: ref, Recipient: shop, Amount: dec(amount), Mint: mint}
}

type transitionLog struct {
	mu  sync.Mutex
	all []checkout.Transition
}

func (l *transitionLog) observe(t checkout.Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, t)
}

func (l *transitionLog) states() []checkout.WatchState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]checkout.WatchState, len(l.all))
	for i, t := range l.all {
		out[i] = t.To
	}
	return out
}

func runWatcher(t *testing.T, l checkout.Ledger, expect checkout.Expectation, config checkout.WatcherConfig, opts ...checkout.WatcherOption) (*checkout.Watcher, checkout.Outcome, error) {
	t.Helper()
	if config.Interval == 0 {
		config.Interval = fastPoll
	}
	w, err := checkout.NewWatcher(l, expect, config, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := w.Run(ctx)
	return w, outcome, err
}

func TestWatcherValidSettlement(t *testing.T) {
	l := ledger.New()
	l.Publish("ref-1", settled("ref-1", "sig-1", "0.15"))

	var log transitionLog
	w, outcome, err := runWatcher(t, l, expectation("ref-1", "0.15"), checkout.WatcherConfig{},
		checkout.WithTransitionObserver(log.observe))
	require.NoError(t, err)

	assert.Equal(t, checkout.OutcomeValid, outcome.Kind)
	assert.Equal(t, checkout.TxID("sig-1"), outcome.TxID)
	assert.Equal(t, checkout.StateValid, w.State())
	assert.Equal(t, []checkout.WatchState{checkout.StatePolling, checkout.StateDetected, checkout.StateValid}, log.states())

	select {
	case <-w.Done():
	default:
		t.Fatal("Done must be closed after Run returns")
	}
}

func TestWatcherInvalidSettlement(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *checkout.TransferRecord)
		want   checkout.InvalidReason
	}{
		{"wrong recipient", func(r *checkout.TransferRecord) { r.Recipient = "thief" }, checkout.ReasonWrongRecipient},
		{"wrong amount", func(r *checkout.TransferRecord) { r.Amount = dec("0.1") }, checkout.ReasonWrongAmount},
		{"overpaid", func(r *checkout.TransferRecord) { r.Amount = dec("0.150001") }, checkout.ReasonWrongAmount},
		{"wrong currency", func(r *checkout.TransferRecord) { r.Mint = "other-mint" }, checkout.ReasonWrongCurrency},
		{"missing reference", func(r *checkout.TransferRecord) { r.References = []checkout.Address{"unrelated"} }, checkout.ReasonMissingReference},
		{"recipient checked first", func(r *checkout.TransferRecord) {
			r.Recipient = "thief"
			r.Amount = dec("1")
			r.Mint = "other"
		}, checkout.ReasonWrongRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ledger.New()
			record := settled("ref-1", "sig-1", "0.15")
			tt.mutate(&record)
			l.Publish("ref-1", record)

			w, outcome, err := runWatcher(t, l, expectation("ref-1", "0.15"), checkout.WatcherConfig{})
			require.NoError(t, err)
			assert.Equal(t, checkout.OutcomeInvalid, outcome.Kind)
			assert.Equal(t, tt.want, outcome.Reason)
			assert.Equal(t, checkout.TxID("sig-1"), outcome.TxID)
			assert.Equal(t, checkout.StateInvalid, w.State())
		})
	}
}

func TestValidateAcceptsEquivalentDecimals(t *testing.T) {
	record := settled("ref", "sig", "0.150000")
	outcome := checkout.Validate(expectation("ref", "0.15"), &record)
	assert.Equal(t, checkout.OutcomeValid, outcome.Kind)
}

func TestWatcherKeepsPollingUntilFound(t *testing.T) {
	l := ledger.New()
	l.SetHook(ledger.OpFind, func(ctx context.Context, call int) error {
		if call == 3 {
			l.Publish("ref-1", settled("ref-1", "sig-late", "0.1"))
		}
		return nil
	})

	_, outcome, err := runWatcher(t, l, expectation("ref-1", "0.1"), checkout.WatcherConfig{})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeValid, outcome.Kind)
	assert.GreaterOrEqual(t, l.Calls(ledger.OpFind), 3)
}

func TestWatcherTransactionNotVisibleYet(t *testing.T) {
	l := ledger.New()
	l.Publish("ref-1", settled("ref-1", "sig-1", "0.1"))
	l.Hide("sig-1", true)
	l.SetHook(ledger.OpGet, func(ctx context.Context, call int) error {
		if call == 2 {
			l.Hide("sig-1", false)
		}
		return nil
	})

	var log transitionLog
	_, outcome, err := runWatcher(t, l, expectation("ref-1", "0.1"), checkout.WatcherConfig{},
		checkout.WithTransitionObserver(log.observe))
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeValid, outcome.Kind)
	assert.GreaterOrEqual(t, l.Calls(ledger.OpGet), 2)
	assert.Equal(t, []checkout.WatchState{checkout.StatePolling, checkout.StateDetected, checkout.StateValid}, log.states())
}

func TestWatcherTransportErrorFails(t *testing.T) {
	l := ledger.New()
	cause := errors.New("connection refused")
	l.SetError(ledger.OpFind, cause)

	w, outcome, err := runWatcher(t, l, expectation("ref-1", "0.1"), checkout.WatcherConfig{})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeError, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, checkout.ErrLedgerTransport)
	assert.ErrorIs(t, outcome.Err, cause)
	assert.Equal(t, checkout.StateFailed, w.State())
	assert.Equal(t, 1, l.Calls(ledger.OpFind), "no polling after a failure")
}

func TestWatcherGetTransactionErrorFails(t *testing.T) {
	l := ledger.New()
	l.Publish("ref-1", settled("ref-1", "sig-1", "0.1"))
	l.SetError(ledger.OpGet, errors.New("500"))

	w, outcome, err := runWatcher(t, l, expectation("ref-1", "0.1"), checkout.WatcherConfig{})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeError, outcome.Kind)
	assert.Equal(t, checkout.TxID("sig-1"), outcome.TxID)
	assert.Equal(t, checkout.StateFailed, w.State())
}

func TestWatcherTimeout(t *testing.T) {
	l := ledger.New()

	w, outcome, err := runWatcher(t, l, expectation("ref-1", "0.1"),
		checkout.WatcherConfig{Interval: fastPoll, Timeout: 40 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeError, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, checkout.ErrWatchTimedOut)
	assert.Equal(t, checkout.StateTimedOut, w.State())
}

func TestWatcherCancelBeforeRun(t *testing.T) {
	l := ledger.New()
	w, err := checkout.NewWatcher(l, expectation("ref-1", "0.1"), checkout.WatcherConfig{Interval: fastPoll})
	require.NoError(t, err)

	w.Cancel()
	w.Cancel()

	outcome, err := w.Run(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, checkout.OutcomePending, outcome.Kind)
	assert.Equal(t, checkout.StateIdle, w.State())
	assert.Zero(t, l.TotalCalls())
}

func TestWatcherCancelWithLookupInFlight(t *testing.T) {
	l := ledger.New()
	l.Publish("ref-1", settled("ref-1", "sig-1", "0.1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	l.SetHook(ledger.OpFind, func(ctx context.Context, call int) error {
		close(entered)
		<-release
		return nil
	})

	var log transitionLog
	w, err := checkout.NewWatcher(l, expectation("ref-1", "0.1"), checkout.WatcherConfig{Interval: fastPoll},
		checkout.WithTransitionObserver(log.observe))
	require.NoError(t, err)

	type result struct {
		outcome checkout.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := w.Run(context.Background())
		done <- result{o, err}
	}()

	<-entered
	w.Cancel()
	close(release)

	r := <-done
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, checkout.OutcomePending, r.outcome.Kind)
	assert.Equal(t, checkout.StatePolling, w.State())
	assert.Equal(t, []checkout.WatchState{checkout.StatePolling}, log.states(), "nothing observed after Cancel")
	assert.True(t, w.Snapshot().Cancelled)
}

func TestWatcherContextCancel(t *testing.T) {
	l := ledger.New()
	w, err := checkout.NewWatcher(l, expectation("ref-1", "0.1"), checkout.WatcherConfig{Interval: fastPoll})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	outcome, err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, checkout.OutcomePending, outcome.Kind)
	assert.False(t, w.State().Terminal())
}

func TestWatcherRunsOnce(t *testing.T) {
	l := ledger.New()
	l.Publish("ref-1", settled("ref-1", "sig-1", "0.1"))

	w, _, err := runWatcher(t, l, expectation("ref-1", "0.1"), checkout.WatcherConfig{})
	require.NoError(t, err)

	_, err = w.Run(context.Background())
	assert.ErrorIs(t, err, checkout.ErrWatcherStarted)
}

func TestTwoWatchersSameReference(t *testing.T) {
	l := ledger.New()
	l.Publish("ref-1", settled("ref-1", "sig-1", "0.1"))
	cache := checkout.NewSettlementCache(time.Minute)

	var wg sync.WaitGroup
	outcomes := make([]checkout.Outcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := checkout.NewWatcher(l, expectation("ref-1", "0.1"), checkout.WatcherConfig{Interval: fastPoll},
				checkout.WithSettlementCache(cache))
			if !assert.NoError(t, err) {
				return
			}
			outcomes[i], err = w.Run(context.Background())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, o := range outcomes {
		assert.Equal(t, checkout.OutcomeValid, o.Kind)
		assert.Equal(t, checkout.TxID("sig-1"), o.TxID)
	}
	assert.LessOrEqual(t, l.Calls(ledger.OpGet), 2)
}

func TestSharedCacheKeepsExpectationsApart(t *testing.T) {
	l := ledger.New()
	l.Publish("ref-1", settled("ref-1", "sig-1", "0.1"))
	cache := checkout.NewSettlementCache(time.Minute)

	first, err := checkout.NewWatcher(l, expectation("ref-1", "0.1"), checkout.WatcherConfig{Interval: fastPoll},
		checkout.WithSettlementCache(cache))
	require.NoError(t, err)
	outcome, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, checkout.OutcomeValid, outcome.Kind)

	second, err := checkout.NewWatcher(l, expectation("ref-1", "0.35"), checkout.WatcherConfig{Interval: fastPoll},
		checkout.WithSettlementCache(cache))
	require.NoError(t, err)
	outcome, err = second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeInvalid, outcome.Kind)
	assert.Equal(t, checkout.ReasonWrongAmount, outcome.Reason)
	assert.Equal(t, 2, l.Calls(ledger.OpGet))
}

func TestNewWatcherRejects(t *testing.T) {
	l := ledger.New()

	_, err := checkout.NewWatcher(nil, expectation("ref", "1"), checkout.WatcherConfig{})
	assert.Error(t, err)

	_, err = checkout.NewWatcher(l, expectation("", "1"), checkout.WatcherConfig{})
	assert.ErrorIs(t, err, checkout.ErrMissingReference)

	_, err = checkout.NewWatcher(l, expectation("ref", "0"), checkout.WatcherConfig{})
	assert.ErrorIs(t, err, checkout.ErrZeroAmount)
}

func TestWatchStateStrings(t *testing.T) {
	assert.Equal(t, "timed_out", checkout.StateTimedOut.String())
	assert.True(t, checkout.StateFailed.Terminal())
	assert.False(t, checkout.StateDetected.Terminal())
}
