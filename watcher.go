package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Poll intervals for the two checkout flows
const (
	DefaultQRPollInterval     = 500 * time.Millisecond
	DefaultWalletPollInterval = 2 * time.Second
)

// WatchState is a state of the settlement watcher
type WatchState int

const (
	StateIdle WatchState = iota
	StatePolling
	StateDetected
	StateValid
	StateInvalid
	StateTimedOut
	StateFailed
)

func (s WatchState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDetected:
		return "detected"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition can leave s
func (s WatchState) Terminal() bool {
	switch s {
	case StateValid, StateInvalid, StateTimedOut, StateFailed:
		return true
	}
	return false
}

// WatcherConfig controls polling
type WatcherConfig struct {
	// Interval between ledger lookups
	Interval time.Duration
	// Timeout ends the watch with StateTimedOut (0 disables)
	Timeout time.Duration
	// Finality the lookup must reach (defaults to confirmed)
	Finality Finality
}

// Transition is reported to observers for every committed state change
type Transition struct {
	Reference ReferenceID
	From      WatchState
	To        WatchState
	Outcome   Outcome
	At        time.Time
}

// TransitionObserver is called for each committed transition, in order.
// Observers must not call Cancel.
type TransitionObserver func(Transition)

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithSettlementCache shares validation results with other watchers
func WithSettlementCache(cache *SettlementCache) WatcherOption {
	return func(w *Watcher) {
		w.cache = cache
	}
}

// WithWatcherLogger sets the logger
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithTransitionObserver registers an observer
func WithTransitionObserver(observer TransitionObserver) WatcherOption {
	return func(w *Watcher) {
		if observer != nil {
			w.observers = append(w.observers, observer)
		}
	}
}

// WatchSnapshot is a point-in-time view of a watcher
type WatchSnapshot struct {
	Reference ReferenceID
	State     WatchState
	Outcome   Outcome
	Cancelled bool
}

// Watcher polls the ledger for a transaction carrying one reference and validates it.
// It runs at most once and reports exactly one terminal outcome unless cancelled first.
type Watcher struct {
	ledger    Ledger
	expect    Expectation
	config    WatcherConfig
	cache     *SettlementCache
	logger    *slog.Logger
	observers []TransitionObserver

	// notifyMu serializes commit+notify against Cancel so no observer
	// sees a transition after Cancel returns
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     WatchState
	outcome   Outcome
	started   bool
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWatcher creates a watcher for expect.Reference
func NewWatcher(ledger Ledger, expect Expectation, config WatcherConfig, opts ...WatcherOption) (*Watcher, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if expect.Reference == "" {
		return nil, ErrMissingReference
	}
	if !expect.Amount.IsPositive() {
		return nil, ErrZeroAmount
	}
	if config.Interval <= 0 {
		config.Interval = DefaultWalletPollInterval
	}
	if config.Finality == "" {
		config.Finality = FinalityConfirmed
	}

	w := &Watcher{
		ledger:  ledger,
		expect:  expect,
		config:  config,
		logger:  slog.Default(),
		state:   StateIdle,
		outcome: Outcome{Kind: OutcomePending},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("reference", string(expect.Reference))
	return w, nil
}

// Reference returns the watched reference
func (w *Watcher) Reference() ReferenceID {
	return w.expect.Reference
}

// Run polls until a terminal outcome, the timeout, or cancellation. On cancellation it
// returns the last committed outcome together with the context error.
func (w *Watcher) Run(ctx context.Context) (Outcome, error) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return Outcome{}, ErrWatcherStarted
	}
	w.started = true
	defer close(w.done)
	if w.cancelled {
		outcome := w.outcome
		w.mu.Unlock()
		return outcome, context.Canceled
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	if !w.transition(StatePolling, Outcome{Kind: OutcomePending}) {
		return w.Outcome(), context.Canceled
	}
	w.logger.Debug("watching for settlement", "interval", w.config.Interval, "timeout", w.config.Timeout)

	var deadline <-chan time.Time
	if w.config.Timeout > 0 {
		t := time.NewTimer(w.config.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	timer := time.NewTimer(w.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.stopped(ctx)

		case <-deadline:
			if w.transition(StateTimedOut, Outcome{Kind: OutcomeError, Err: ErrWatchTimedOut}) {
				w.logger.Info("settlement watch timed out")
				return w.Outcome(), nil
			}
			return w.stopped(ctx)

		case <-timer.C:
			if w.tick(ctx) {
				return w.Outcome(), nil
			}
			if ctx.Err() != nil {
				return w.stopped(ctx)
			}
			timer.Reset(w.config.Interval)
		}
	}
}

// Cancel stops polling. It is idempotent and safe before, during or after Run.
// After Cancel returns no further transition is committed or observed.
func (w *Watcher) Cancel() {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return
	}
	w.cancelled = true
	if w.cancel != nil {
		w.cancel()
	}
}

// Done is closed when Run returns
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// State returns the current state
func (w *Watcher) State() WatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Outcome returns the last committed outcome
func (w *Watcher) Outcome() Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

// Snapshot returns state, outcome and cancellation together
func (w *Watcher) Snapshot() WatchSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WatchSnapshot{
		Reference: w.expect.Reference,
		State:     w.state,
		Outcome:   w.outcome,
		Cancelled: w.cancelled,
	}
}

func (w *Watcher) stopped(ctx context.Context) (Outcome, error) {
	w.mu.Lock()
	w.cancelled = true
	outcome := w.outcome
	w.mu.Unlock()
	w.logger.Debug("settlement watch cancelled", "state", w.State().String())
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return outcome, err
}

// tick performs one lookup and reports whether a terminal state was committed
func (w *Watcher) tick(ctx context.Context) bool {
	txID, err := w.ledger.FindByReference(ctx, w.expect.Reference, w.config.Finality)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.logger.Debug("settlement not found yet")
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		w.logger.Error("unknown error while checking transaction status", "error", err)
		return w.transition(StateFailed, Outcome{Kind: OutcomeError, Err: wrapError(ErrLedgerTransport, err)})
	}

	outcome, found := w.settle(ctx, txID)
	if !found {
		return false
	}
	if outcome.Kind == OutcomeError {
		w.logger.Error("failed to fetch detected transaction", "tx", string(txID), "error", outcome.Err)
		return w.transition(StateFailed, outcome)
	}

	if !w.transition(StateDetected, Outcome{Kind: OutcomeDetected, TxID: txID}) {
		return false
	}

	next := StateValid
	if outcome.Kind == OutcomeInvalid {
		next = StateInvalid
		w.logger.Warn("settlement transaction failed validation", "tx", string(txID), "reason", string(outcome.Reason))
	} else {
		w.logger.Info("settlement validated", "tx", string(txID))
	}
	return w.transition(next, outcome)
}

// settle validates txID, sharing the work through the cache when one is configured.
// found is false when the transaction is not visible yet or the watch was cancelled.
func (w *Watcher) settle(ctx context.Context, txID TxID) (Outcome, bool) {
	if w.cache == nil {
		return w.validate(ctx, txID)
	}

	key := SettlementKey(w.expect, txID)
	status, cached, done := w.cache.CheckAndMark(key)
	switch status {
	case StatusCached:
		return cached, true

	case StatusInFlight:
		result, ok, err := w.cache.WaitForResult(ctx, key, done)
		if err != nil {
			return Outcome{}, false
		}
		if ok {
			return result, true
		}
		return w.validate(ctx, txID)

	default:
		result, found := w.validate(ctx, txID)
		if found && (result.Kind == OutcomeValid || result.Kind == OutcomeInvalid) {
			w.cache.Complete(key, result, done)
		} else {
			w.cache.Fail(key, done)
		}
		return result, found
	}
}

func (w *Watcher) validate(ctx context.Context, txID TxID) (Outcome, bool) {
	record, err := w.ledger.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return Outcome{}, false
		}
		return Outcome{Kind: OutcomeError, TxID: txID, Err: wrapError(ErrLedgerTransport, err)}, true
	}
	outcome := Validate(w.expect, record)
	outcome.TxID = txID
	return outcome, true
}

// transition commits a state change unless the watcher is cancelled or already terminal
func (w *Watcher) transition(to WatchState, outcome Outcome) bool {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()

	w.mu.Lock()
	if w.cancelled || w.state.Terminal() {
		w.mu.Unlock()
		return false
	}
	from := w.state
	w.state = to
	w.outcome = outcome
	w.mu.Unlock()

	t := Transition{
		Reference: w.expect.Reference,
		From:      from,
		To:        to,
		Outcome:   outcome,
		At:        time.Now(),
	}
	for _, observe := range w.observers {
		observe(t)
	}
	return true
}

// Validate checks a detected transfer against what the checkout agreed on
func Validate(expect Expectation, record *TransferRecord) Outcome {
	invalid := func(reason InvalidReason) Outcome {
		return Outcome{Kind: OutcomeInvalid, TxID: record.TxID, Reason: reason}
	}

	if record.Recipient != expect.Recipient {
		return invalid(ReasonWrongRecipient)
	}
	if record.Mint != expect.Mint {
		return invalid(ReasonWrongCurrency)
	}
	if !record.Amount.Equal(expect.Amount) {
		return invalid(ReasonWrongAmount)
	}
	found := false
	for _, ref := range record.References {
		if ref == Address(expect.Reference) {
			found = true
			break
		}
	}
	if !found {
		return invalid(ReasonMissingReference)
	}
	return Outcome{Kind: OutcomeValid, TxID: record.TxID}
}
