// Command buyer checks out a cart against a running storefront: it fetches the
// transaction, signs and submits it with a local key, then waits for settlement.
//
//	buyer COKE=1 box-of-cookies=2
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	checkout "github.com/chipcasher/checkout"
	checkouthttp "github.com/chipcasher/checkout/http"
	"github.com/chipcasher/checkout/mechanisms/svm"
	"github.com/chipcasher/checkout/pkg/config"
	svmsigner "github.com/chipcasher/checkout/signers/svm"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func parseCart(args []string) (checkout.Cart, error) {
	cart := make(checkout.Cart, len(args))
	for _, arg := range args {
		id, qty, ok := strings.Cut(arg, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("expected item=quantity, got %q", arg)
		}
		cart[id] = qty
	}
	return cart, nil
}

func run(args []string) error {
	cart, err := parseCart(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateBuyer(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	signer, err := svmsigner.NewWalletSignerFromPrivateKey(cfg.BuyerPrivateKey, cfg.RPCURL)
	if err != nil {
		return err
	}

	var ledger checkout.Ledger = svm.NewRPCLedgerFromURL(cfg.RPCURL, svm.WithLedgerLogger(logger))
	if cfg.RPCRateLimit > 0 {
		ledger = svm.NewRateLimitedLedger(ledger, cfg.RPCRateLimit, cfg.RPCBurst)
	}

	// Prices are only used to compute the amount the settlement must match
	catalog := checkout.DefaultCatalog()
	if cfg.CatalogFile != "" {
		catalog, err = checkout.LoadCatalog(cfg.CatalogFile)
		if err != nil {
			return err
		}
	}

	client := checkouthttp.NewTransactionClient(cfg.StoreURL)
	orchestrator, err := checkout.NewOrchestrator(checkout.OrchestratorConfig{
		Aggregator:   checkout.NewAggregator(catalog, logger),
		Ledger:       ledger,
		Recipient:    checkout.Address(cfg.Recipient),
		Mint:         checkout.Address(cfg.Mint),
		NewReference: svm.NewReference,
	},
		checkout.WithTransactionSource(client),
		checkout.WithSigner(signer),
		checkout.WithWatcherConfig(cfg.WalletWatch()),
		checkout.WithRetryPolicy(cfg.RetryPolicy()),
		checkout.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meta, err := client.Metadata(ctx)
	if err != nil {
		return err
	}

	session, err := orchestrator.NewSession(cart, checkout.Address(signer.Address().String()))
	if err != nil {
		return err
	}
	defer session.Close()

	quote := session.Quote()
	fmt.Printf("Paying %s (%s) for %d item(s) at %s\n", quote.Total, quote.DisplayTotal, len(quote.Lines), meta.Label)
	fmt.Printf("   Reference: %s\n", session.Reference())

	outcome, err := session.Run(ctx)
	if err != nil {
		var signerErr *checkout.SignerError
		if errors.As(err, &signerErr) {
			return fmt.Errorf("wallet error: %w", signerErr)
		}
		return err
	}

	switch outcome.Kind {
	case checkout.OutcomeValid:
		fmt.Printf("Payment settled: %s\n", outcome.TxID)
		if p := session.Prepared(); p != nil && p.Message != "" {
			fmt.Println(p.Message)
		}
		return nil
	case checkout.OutcomeInvalid:
		return fmt.Errorf("transaction %s did not match the order: %s", outcome.TxID, outcome.Reason)
	default:
		return fmt.Errorf("payment not confirmed: %s", outcome)
	}
}
