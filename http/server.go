// Package http exposes the checkout engine over HTTP: the Solana Pay transaction
// request endpoint wallets call, the storefront QR checkout endpoints, and a client
// for fetching transactions from a remote storefront.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	checkout "github.com/chipcasher/checkout"
	"github.com/chipcasher/checkout/pkg/metrics"
)

// ReferenceParam is the query key carrying the reference; every other key is a cart entry
const ReferenceParam = "reference"

// Routes
const (
	MakeTransactionPath = "/api/makeTransaction"
	ProductsPath        = "/api/products"
	CheckoutPath        = "/api/checkout"
)

// DefaultCheckoutRetention keeps finished QR checkouts queryable for a while
const DefaultCheckoutRetention = 10 * time.Minute

// MetadataResponse is returned by GET makeTransaction
type MetadataResponse struct {
	Label string `json:"label"`
	Icon  string `json:"icon"`
}

// MakeTransactionRequest is the wallet's POST body
type MakeTransactionRequest struct {
	Account string `json:"account"`
}

// MakeTransactionResponse carries the base64 unsigned transaction
type MakeTransactionResponse struct {
	Transaction string `json:"transaction"`
	Message     string `json:"message"`
}

// CheckoutResponse is returned when a QR checkout starts
type CheckoutResponse struct {
	Reference     string `json:"reference"`
	Amount        string `json:"amount"`
	DisplayAmount string `json:"displayAmount"`
	URL           string `json:"url"`
}

// CheckoutStatus is a point-in-time view of a QR checkout
type CheckoutStatus struct {
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	State     string `json:"state"`
	Outcome   string `json:"outcome"`
	Signature string `json:"signature,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServerConfig wires the server to the engine
type ServerConfig struct {
	Aggregator *checkout.Aggregator
	// Source prepares transactions for makeTransaction
	Source checkout.TransactionSource
	// Orchestrator runs QR checkouts; nil disables the checkout routes
	Orchestrator *checkout.Orchestrator

	Label string
	Icon  string
	// PublicURL is the externally reachable base URL used in Solana Pay links
	PublicURL string
	// Message is shown by the wallet next to the QR checkout
	Message string
	QRWatch checkout.WatcherConfig
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request and checkout metrics and serves /metrics
func WithMetrics(m *metrics.CheckoutMetrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracing adds OpenTelemetry server spans named after service
func WithTracing(service string) ServerOption {
	return func(s *Server) {
		s.tracingService = service
	}
}

// WithCheckoutRetention sets how long finished QR checkouts stay queryable
func WithCheckoutRetention(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.retention = d
		}
	}
}

type qrCheckout struct {
	session  *checkout.Session
	done     chan struct{}
	finished time.Time
}

// Server is the storefront HTTP boundary
type Server struct {
	config         ServerConfig
	engine         *gin.Engine
	logger         *slog.Logger
	metrics        *metrics.CheckoutMetrics
	tracingService string
	retention      time.Duration

	mu        sync.Mutex
	checkouts map[checkout.ReferenceID]*qrCheckout
	closed    bool
}

// NewServer builds the gin engine and routes
func NewServer(config ServerConfig, opts ...ServerOption) (*Server, error) {
	if config.Aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	if config.Source == nil {
		return nil, errors.New("transaction source is required")
	}
	if config.QRWatch.Interval <= 0 {
		config.QRWatch.Interval = checkout.DefaultQRPollInterval
	}

	s := &Server{
		config:    config,
		logger:    slog.Default(),
		retention: DefaultCheckoutRetention,
		checkouts: make(map[checkout.ReferenceID]*qrCheckout),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
	})

	if s.tracingService != "" {
		r.Use(otelgin.Middleware(s.tracingService))
	}
	if s.metrics != nil {
		r.Use(s.metrics.Middleware())
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	r.GET("/healthz", s.health)
	r.GET(MakeTransactionPath, s.metadata)
	r.POST(MakeTransactionPath, s.makeTransaction)
	r.GET(ProductsPath, s.products)

	if s.config.Orchestrator != nil {
		r.POST(CheckoutPath, s.startCheckout)
		r.GET(CheckoutPath+"/:reference", s.checkoutStatus)
		r.DELETE(CheckoutPath+"/:reference", s.cancelCheckout)
	}
	return r
}

// ============================================================================
// Transaction request
// ============================================================================

func (s *Server) metadata(c *gin.Context) {
	c.JSON(http.StatusOK, MetadataResponse{Label: s.config.Label, Icon: s.config.Icon})
}

func (s *Server) makeTransaction(c *gin.Context) {
	cart, reference := CartFromQuery(c.Request.URL.Query())

	amount := s.config.Aggregator.ComputeTotal(cart)
	if !amount.IsPositive() {
		s.fail(c, checkout.ErrZeroAmount)
		return
	}
	if reference == "" {
		s.fail(c, checkout.ErrMissingReference)
		return
	}

	var body MakeTransactionRequest
	// an unreadable body is treated as a missing account
	_ = c.ShouldBindJSON(&body)
	if strings.TrimSpace(body.Account) == "" {
		s.fail(c, checkout.ErrMissingAccount)
		return
	}

	prepared, err := s.config.Source.PrepareTransaction(c.Request.Context(), checkout.PrepareRequest{
		Payer:     checkout.Address(body.Account),
		Cart:      cart,
		Reference: reference,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("prepared transaction", "reference", string(reference), "amount", amount.String())
	c.JSON(http.StatusOK, MakeTransactionResponse{
		Transaction: encodeBase64(prepared.Transaction),
		Message:     prepared.Message,
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, errorResponse(err))
}

func (s *Server) products(c *gin.Context) {
	c.JSON(http.StatusOK, s.config.Aggregator.Catalog().Items())
}

func (s *Server) health(c *gin.Context) {
	active := 0
	if s.config.Orchestrator != nil {
		active = s.config.Orchestrator.ActiveSessions()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "activeSessions": active})
}

// ============================================================================
// QR checkout
// ============================================================================

func (s *Server) startCheckout(c *gin.Context) {
	cart, _ := CartFromQuery(c.Request.URL.Query())

	session, err := s.config.Orchestrator.NewSession(cart, "")
	if err != nil {
		s.fail(c, err)
		return
	}
	quote := session.Quote()
	if !quote.Total.IsPositive() {
		session.Close()
		s.fail(c, checkout.ErrZeroAmount)
		return
	}

	link, err := url.Parse(strings.TrimSuffix(s.config.PublicURL, "/") + MakeTransactionPath)
	if err != nil {
		session.Close()
		s.fail(c, err)
		return
	}
	link.RawQuery = CartQuery(cart, session.Reference()).Encode()
	payURL := TransactionRequestURL{Link: link, Label: s.config.Label, Message: s.config.Message}.Encode()

	entry := &qrCheckout{session: session, done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		session.Close()
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "server shutting down"})
		return
	}
	s.pruneLocked(time.Now())
	s.checkouts[session.Reference()] = entry
	s.mu.Unlock()

	go s.watch(entry)

	c.JSON(http.StatusCreated, CheckoutResponse{
		Reference:     string(session.Reference()),
		Amount:        quote.Total.String(),
		DisplayAmount: quote.DisplayTotal.String(),
		URL:           payURL,
	})
}

func (s *Server) watch(entry *qrCheckout) {
	defer close(entry.done)
	if s.metrics != nil {
		s.metrics.Sessions.Inc()
		defer s.metrics.Sessions.Dec()
	}

	outcome, err := entry.session.Watch(context.Background(), s.config.QRWatch)
	entry.session.Close()

	s.mu.Lock()
	entry.finished = time.Now()
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("checkout watch ended with error", "reference", string(entry.session.Reference()), "error", err)
		return
	}
	s.logger.Debug("checkout watch finished", "reference", string(entry.session.Reference()), "outcome", outcome.String())
}

func (s *Server) lookup(c *gin.Context) (*qrCheckout, bool) {
	reference := checkout.ReferenceID(c.Param("reference"))
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.checkouts[reference]
	return entry, ok
}

func (s *Server) checkoutStatus(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown reference"})
		return
	}
	c.JSON(http.StatusOK, statusOf(entry.session))
}

func (s *Server) cancelCheckout(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown reference"})
		return
	}
	entry.session.Close()
	<-entry.done

	s.mu.Lock()
	delete(s.checkouts, entry.session.Reference())
	s.mu.Unlock()

	c.JSON(http.StatusOK, statusOf(entry.session))
}

func statusOf(session *checkout.Session) CheckoutStatus {
	snap := session.Snapshot()
	status := CheckoutStatus{
		Reference: string(snap.Reference),
		Amount:    session.Quote().Total.String(),
		State:     snap.State.String(),
		Outcome:   snap.Outcome.Kind.String(),
		Signature: string(snap.Outcome.TxID),
		Reason:    string(snap.Outcome.Reason),
	}
	if snap.Outcome.Err != nil {
		status.Error = errorResponse(snap.Outcome.Err).Error
	}
	if snap.Cancelled && !snap.State.Terminal() {
		status.State = "cancelled"
	}
	return status
}

// pruneLocked drops finished checkouts older than the retention window
func (s *Server) pruneLocked(now time.Time) {
	for ref, entry := range s.checkouts {
		if !entry.finished.IsZero() && now.Sub(entry.finished) > s.retention {
			delete(s.checkouts, ref)
		}
	}
}

// Close cancels every running QR checkout and waits for the watchers to stop
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	entries := make([]*qrCheckout, 0, len(s.checkouts))
	for _, entry := range s.checkouts {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		entry.session.Close()
		<-entry.done
	}
}
