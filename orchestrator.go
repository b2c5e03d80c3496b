package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/chipcasher/checkout"

// ============================================================================
// Hooks
// ============================================================================

// OutcomeContext is passed to outcome hooks once a session finishes
type OutcomeContext struct {
	SessionID string
	Reference ReferenceID
	Amount    decimal.Decimal
	Signature string
	Outcome   Outcome
	Err       error
	Duration  time.Duration
}

// OutcomeHook observes finished sessions
type OutcomeHook func(OutcomeContext)

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator wires pricing, transaction preparation, signing and settlement
// watching into checkout sessions. It is safe for concurrent use; sessions share
// nothing but the read-only catalog, the ledger and the settlement cache.
type Orchestrator struct {
	aggregator   *Aggregator
	source       TransactionSource
	signer       Signer
	ledger       Ledger
	recipient    Address
	mint         Address
	watch        WatcherConfig
	retry        RetryPolicy
	newReference ReferenceMinter
	cache        *SettlementCache
	logger       *slog.Logger
	tracer       trace.Tracer
	hooks        []OutcomeHook

	mu     sync.Mutex
	active map[ReferenceID]*Session
}

// OrchestratorConfig holds the required collaborators
type OrchestratorConfig struct {
	Aggregator *Aggregator
	Ledger     Ledger
	// Recipient and Mint are what a settling transfer must pay to and in
	Recipient Address
	Mint      Address
	// NewReference mints references
	NewReference ReferenceMinter
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithTransactionSource sets where transactions come from (required for Run)
func WithTransactionSource(source TransactionSource) OrchestratorOption {
	return func(o *Orchestrator) {
		o.source = source
	}
}

// WithSigner sets the buyer's signer (required for Run)
func WithSigner(signer Signer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.signer = signer
	}
}

// WithWatcherConfig sets polling interval, timeout and finality
func WithWatcherConfig(config WatcherConfig) OrchestratorOption {
	return func(o *Orchestrator) {
		o.watch = config
	}
}

// WithRetryPolicy sets the transaction fetch retry policy
func WithRetryPolicy(policy RetryPolicy) OrchestratorOption {
	return func(o *Orchestrator) {
		o.retry = policy
	}
}

// WithCache replaces the shared settlement cache
func WithCache(cache *SettlementCache) OrchestratorOption {
	return func(o *Orchestrator) {
		o.cache = cache
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOutcomeHook registers a hook run after every session
func WithOutcomeHook(hook OutcomeHook) OrchestratorOption {
	return func(o *Orchestrator) {
		if hook != nil {
			o.hooks = append(o.hooks, hook)
		}
	}
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(config OrchestratorConfig, opts ...OrchestratorOption) (*Orchestrator, error) {
	if config.Aggregator == nil {
		return nil, fmt.Errorf("aggregator is required")
	}
	if config.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if config.NewReference == nil {
		return nil, fmt.Errorf("reference minter is required")
	}
	if config.Recipient == "" || config.Mint == "" {
		return nil, fmt.Errorf("recipient and mint are required")
	}

	o := &Orchestrator{
		aggregator:   config.Aggregator,
		ledger:       config.Ledger,
		recipient:    config.Recipient,
		mint:         config.Mint,
		newReference: config.NewReference,
		watch:        WatcherConfig{Interval: DefaultWalletPollInterval},
		retry:        DefaultRetryPolicy(),
		cache:        NewSettlementCache(DefaultSettlementTTL),
		logger:       slog.Default(),
		tracer:       otel.Tracer(tracerName),
		active:       make(map[ReferenceID]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// NewSession mints a reference and claims it for a new checkout attempt.
// payer may be empty for flows where the wallet supplies it later.
//
// The session stays registered after Run or Watch returns so its outcome can still
// be looked up by reference. Callers must Close every session to release it.
func (o *Orchestrator) NewSession(cart Cart, payer Address) (*Session, error) {
	reference, err := o.newReference()
	if err != nil {
		return nil, fmt.Errorf("failed to mint reference: %w", err)
	}
	return o.newSession(cart, payer, reference)
}

func (o *Orchestrator) newSession(cart Cart, payer Address, reference ReferenceID) (*Session, error) {
	if reference == "" {
		return nil, ErrMissingReference
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           id,
		orchestrator: o,
		cart:         cart,
		payer:        payer,
		reference:    reference,
		quote:        o.aggregator.Quote(cart),
		ctx:          ctx,
		cancel:       cancel,
		logger:       o.logger.With("session", id, "reference", string(reference)),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, taken := o.active[reference]; taken {
		cancel()
		return nil, ErrReferenceReused
	}
	o.active[reference] = s
	return s, nil
}

// Session looks up a live session by reference
func (o *Orchestrator) Session(reference ReferenceID) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.active[reference]
	return s, ok
}

// ActiveSessions returns the number of live sessions
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) release(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.active[s.reference]; ok && cur == s {
		delete(o.active, s.reference)
	}
}

func (o *Orchestrator) expectation(s *Session) Expectation {
	return Expectation{
		Reference: s.reference,
		Recipient: o.recipient,
		Amount:    s.quote.Total,
		Mint:      o.mint,
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is one checkout attempt. Its steps run on the caller's goroutine;
// Close may be called from any goroutine.
type Session struct {
	id           string
	orchestrator *Orchestrator
	cart         Cart
	payer        Address
	reference    ReferenceID
	quote        Quote
	logger       *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu       sync.Mutex
	watcher  *Watcher
	prepared *PreparedTransaction
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Reference returns the session's reference
func (s *Session) Reference() ReferenceID { return s.reference }

// Quote returns the priced cart
func (s *Session) Quote() Quote { return s.quote }

// Prepared returns the transaction handed to the signer, if any
func (s *Session) Prepared() *PreparedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepared
}

// Snapshot reports the watcher's view; Idle until watching starts
func (s *Session) Snapshot() WatchSnapshot {
	s.mu.Lock()
	w := s.watcher
	s.mu.Unlock()
	if w == nil {
		return WatchSnapshot{
			Reference: s.reference,
			State:     StateIdle,
			Outcome:   Outcome{Kind: OutcomePending},
			Cancelled: s.ctx.Err() != nil,
		}
	}
	return w.Snapshot()
}

// Close tears the session down: pending retry delays and the watcher stop.
// Safe to call any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		w := s.watcher
		s.mu.Unlock()
		if w != nil {
			w.Cancel()
		}
		s.orchestrator.release(s)
		s.logger.Debug("checkout session closed")
	})
}

// Run drives the wallet flow: price, prepare (with retry), sign and submit, then watch
// until a terminal outcome. A non-nil error means the session ended before settlement
// could be observed (validation, exhausted fetch, signer rejection, cancellation).
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	o := s.orchestrator
	start := time.Now()
	ctx, stop := s.bind(ctx)
	defer stop()

	ctx, span := o.tracer.Start(ctx, "checkout.session",
		trace.WithAttributes(
			attribute.String("checkout.session_id", s.id),
			attribute.String("checkout.reference", string(s.reference)),
			attribute.String("checkout.amount", s.quote.Total.String()),
		))
	defer span.End()

	signature, outcome, err := s.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("checkout.outcome", outcome.Kind.String()))

	o.notify(OutcomeContext{
		SessionID: s.id,
		Reference: s.reference,
		Amount:    s.quote.Total,
		Signature: signature,
		Outcome:   outcome,
		Err:       err,
		Duration:  time.Since(start),
	})
	return outcome, err
}

func (s *Session) run(ctx context.Context) (string, Outcome, error) {
	o := s.orchestrator
	pending := Outcome{Kind: OutcomePending}

	if o.source == nil || o.signer == nil {
		return "", pending, fmt.Errorf("run requires a transaction source and a signer")
	}
	if !s.quote.Total.IsPositive() {
		return "", pending, ErrZeroAmount
	}
	if s.payer == "" {
		return "", pending, ErrMissingAccount
	}

	prepared, err := s.prepare(ctx)
	if err != nil {
		return "", pending, err
	}

	_, span := o.tracer.Start(ctx, "checkout.sign")
	signature, err := o.signer.SignAndSubmit(ctx, prepared.Transaction)
	span.End()
	if err != nil {
		if ctx.Err() != nil {
			return "", pending, ctx.Err()
		}
		s.logger.Error("error sending transaction", "error", err)
		return "", pending, &SignerError{Err: err}
	}
	s.logger.Info("transaction sent", "signature", signature)

	outcome, err := s.watch(ctx, o.watch)
	return signature, outcome, err
}

// prepare fetches the transaction under the retry policy. Each attempt starts from
// the same request; nothing from a failed attempt is kept.
func (s *Session) prepare(ctx context.Context) (*PreparedTransaction, error) {
	o := s.orchestrator
	req := PrepareRequest{Payer: s.payer, Cart: s.cart, Reference: s.reference}

	ctx, span := o.tracer.Start(ctx, "checkout.prepare")
	defer span.End()

	prepared, err := Retry(ctx, o.retry, func(ctx context.Context, attempt int) (*PreparedTransaction, error) {
		p, err := o.source.PrepareTransaction(ctx, req)
		if err != nil {
			s.logger.Warn("transaction fetch error", "attempt", attempt+1, "error", err)
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		span.RecordError(err)
		if ctx.Err() == nil {
			s.logger.Error("transaction fetch failed", "error", err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("checkout.transaction_bytes", len(prepared.Transaction)))

	s.mu.Lock()
	s.prepared = prepared
	s.mu.Unlock()
	return prepared, nil
}

// Watch runs only the settlement watch, for flows where the wallet obtains and
// submits the transaction itself (QR). It uses the given watcher config.
func (s *Session) Watch(ctx context.Context, config WatcherConfig) (Outcome, error) {
	o := s.orchestrator
	start := time.Now()
	ctx, stop := s.bind(ctx)
	defer stop()

	if !s.quote.Total.IsPositive() {
		return Outcome{Kind: OutcomePending}, ErrZeroAmount
	}

	ctx, span := o.tracer.Start(ctx, "checkout.watch",
		trace.WithAttributes(attribute.String("checkout.reference", string(s.reference))))
	defer span.End()

	outcome, err := s.watch(ctx, config)
	o.notify(OutcomeContext{
		SessionID: s.id,
		Reference: s.reference,
		Amount:    s.quote.Total,
		Outcome:   outcome,
		Err:       err,
		Duration:  time.Since(start),
	})
	return outcome, err
}

func (s *Session) watch(ctx context.Context, config WatcherConfig) (Outcome, error) {
	o := s.orchestrator
	w, err := NewWatcher(o.ledger, o.expectation(s), config,
		WithSettlementCache(o.cache),
		WithWatcherLogger(s.logger),
	)
	if err != nil {
		return Outcome{Kind: OutcomePending}, err
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		return Outcome{Kind: OutcomePending}, ErrWatcherStarted
	}
	s.watcher = w
	s.mu.Unlock()

	// Close may have raced with the assignment above
	if s.ctx.Err() != nil {
		w.Cancel()
	}
	return w.Run(ctx)
}

// bind ties ctx to the session lifetime so Close cancels in-flight work
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (o *Orchestrator) notify(c OutcomeContext) {
	if c.Err != nil && !errors.Is(c.Err, context.Canceled) {
		o.logger.Info("checkout finished with error", "session", c.SessionID, "error", c.Err)
	}
	for _, hook := range o.hooks {
		hook(c)
	}
}

// ============================================================================
// LocalSource
// ============================================================================

// LocalSource prepares transactions in-process from the catalog and the builder
type LocalSource struct {
	Aggregator *Aggregator
	Builder    *TransactionBuilder
	Encoder    TransactionEncoder
	// Message accompanies the transaction
	Message string
}

// PrepareTransaction prices the cart, builds the descriptor and encodes it
func (l *LocalSource) PrepareTransaction(ctx context.Context, req PrepareRequest) (*PreparedTransaction, error) {
	amount := l.Aggregator.ComputeTotal(req.Cart)
	descriptor, err := l.Builder.Build(ctx, req.Payer, amount, req.Reference)
	if err != nil {
		return nil, err
	}
	raw, err := l.Encoder.Encode(descriptor)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to encode transaction: %w", err))
	}
	return &PreparedTransaction{Transaction: raw, Message: l.Message}, nil
}
