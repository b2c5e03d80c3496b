// Command storefront serves the Solana Pay transaction request endpoint and the QR
// checkout API for the catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	checkout "github.com/chipcasher/checkout"
	checkouthttp "github.com/chipcasher/checkout/http"
	"github.com/chipcasher/checkout/mechanisms/svm"
	"github.com/chipcasher/checkout/pkg/config"
	"github.com/chipcasher/checkout/pkg/metrics"
)

const serviceName = "storefront"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	catalog := checkout.DefaultCatalog()
	if cfg.CatalogFile != "" {
		catalog, err = checkout.LoadCatalog(cfg.CatalogFile)
		if err != nil {
			return err
		}
	}

	var ledger checkout.Ledger = svm.NewRPCLedgerFromURL(cfg.RPCURL, svm.WithLedgerLogger(logger))
	if cfg.RPCRateLimit > 0 {
		ledger = svm.NewRateLimitedLedger(ledger, cfg.RPCRateLimit, cfg.RPCBurst)
	}

	recipient := checkout.Address(cfg.Recipient)
	mint := checkout.Address(cfg.Mint)

	aggregator := checkout.NewAggregator(catalog, logger)
	builder, err := checkout.NewTransactionBuilder(checkout.BuilderConfig{
		Ledger:          ledger,
		Recipient:       recipient,
		Mint:            mint,
		ValidateAddress: svm.ValidateSolanaAddress,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	m := metrics.NewCheckoutMetrics(serviceName)
	orchestrator, err := checkout.NewOrchestrator(checkout.OrchestratorConfig{
		Aggregator:   aggregator,
		Ledger:       ledger,
		Recipient:    recipient,
		Mint:         mint,
		NewReference: svm.NewReference,
	},
		checkout.WithLogger(logger),
		checkout.WithWatcherConfig(cfg.QRWatch()),
		checkout.WithOutcomeHook(m.ObserveOutcome),
	)
	if err != nil {
		return err
	}

	server, err := checkouthttp.NewServer(checkouthttp.ServerConfig{
		Aggregator: aggregator,
		Source: &checkout.LocalSource{
			Aggregator: aggregator,
			Builder:    builder,
			Encoder:    svm.NewEncoder(),
			Message:    cfg.Message,
		},
		Orchestrator: orchestrator,
		Label:        cfg.Label,
		Icon:         cfg.Icon,
		PublicURL:    cfg.PublicURL,
		Message:      cfg.Message,
		QRWatch:      cfg.QRWatch(),
	},
		checkouthttp.WithServerLogger(logger),
		checkouthttp.WithMetrics(m),
		checkouthttp.WithTracing(serviceName),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Storefront listening on :%s\n", cfg.Port)
		fmt.Printf("   Network:   %s\n", cfg.Network)
		fmt.Printf("   Recipient: %s\n", cfg.Recipient)
		fmt.Printf("   Mint:      %s\n", cfg.Mint)
		fmt.Printf("   Items:     %d\n", len(catalog.Items()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	server.Close()
	return nil
}
