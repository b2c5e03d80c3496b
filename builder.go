package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// BuilderConfig configures a TransactionBuilder
type BuilderConfig struct {
	// Ledger serves the metadata, account and anchor reads
	Ledger Ledger
	// Recipient is the shop's wallet address
	Recipient Address
	// Mint is the settlement currency
	Mint Address
	// ValidateAddress checks payer and reference syntax
	ValidateAddress AddressValidator
	// Logger (optional)
	Logger *slog.Logger
}

// TransactionBuilder assembles unsigned transfer descriptors. It performs ledger
// reads only and never retries them.
type TransactionBuilder struct {
	ledger    Ledger
	recipient Address
	mint      Address
	validate  AddressValidator
	logger    *slog.Logger
}

// NewTransactionBuilder creates a builder
func NewTransactionBuilder(config BuilderConfig) (*TransactionBuilder, error) {
	if config.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if config.ValidateAddress == nil {
		return nil, fmt.Errorf("address validator is required")
	}
	if !config.ValidateAddress(string(config.Recipient)) {
		return nil, fmt.Errorf("invalid recipient address %q", config.Recipient)
	}
	if !config.ValidateAddress(string(config.Mint)) {
		return nil, fmt.Errorf("invalid mint address %q", config.Mint)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionBuilder{
		ledger:    config.Ledger,
		recipient: config.Recipient,
		mint:      config.Mint,
		validate:  config.ValidateAddress,
		logger:    logger,
	}, nil
}

// Recipient returns the shop address transfers are sent to
func (b *TransactionBuilder) Recipient() Address { return b.recipient }

// Mint returns the settlement currency
func (b *TransactionBuilder) Mint() Address { return b.mint }

// Build validates its inputs, then reads currency metadata, both token accounts and
// a freshness anchor from the ledger and returns the transfer descriptor.
func (b *TransactionBuilder) Build(ctx context.Context, payer Address, amount decimal.Decimal, reference ReferenceID) (*TransactionDescriptor, error) {
	if !amount.IsPositive() {
		return nil, ErrZeroAmount
	}
	if payer == "" {
		return nil, ErrMissingAccount
	}
	if !b.validate(string(payer)) {
		return nil, NewCheckoutError(ErrCodeInvalidAddress, fmt.Sprintf("invalid payer address %q", payer), nil)
	}
	if reference == "" {
		return nil, ErrMissingReference
	}
	if !b.validate(string(reference)) {
		return nil, NewCheckoutError(ErrCodeInvalidAddress, fmt.Sprintf("invalid reference %q", reference), nil)
	}

	var (
		meta             CurrencyMetadata
		payerAccount     Address
		recipientAccount Address
		anchor           Anchor
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := b.ledger.GetCurrencyMetadata(gctx, b.mint)
		if err != nil {
			return wrapError(ErrMetadataUnavailable, err)
		}
		meta = m
		return nil
	})
	g.Go(func() error {
		a, err := b.ledger.ResolveAccountAddress(gctx, b.mint, payer)
		if err != nil {
			return wrapError(ErrAddressResolutionFailed, err)
		}
		payerAccount = a
		return nil
	})
	g.Go(func() error {
		a, err := b.ledger.ResolveAccountAddress(gctx, b.mint, b.recipient)
		if err != nil {
			return wrapError(ErrAddressResolutionFailed, err)
		}
		recipientAccount = a
		return nil
	})
	g.Go(func() error {
		a, err := b.ledger.GetFreshnessAnchor(gctx)
		if err != nil {
			return wrapError(ErrAnchorUnavailable, err)
		}
		anchor = a
		return nil
	})
	if err := g.Wait(); err != nil {
		b.logger.Error("failed to build transaction", "reference", reference, "error", err)
		return nil, err
	}

	units, err := ToBaseUnits(amount, meta.Decimals)
	if err != nil {
		return nil, err
	}

	descriptor := &TransactionDescriptor{
		Payer:            payer,
		Recipient:        b.recipient,
		PayerAccount:     payerAccount,
		RecipientAccount: recipientAccount,
		Amount:           amount,
		BaseUnits:        units,
		Decimals:         meta.Decimals,
		CurrencyMint:     b.mint,
		TokenProgram:     meta.Program,
		Reference:        reference,
		RecentAnchor:     anchor,
	}
	b.logger.Debug("built transaction",
		"reference", reference,
		"payer", payer,
		"amount", amount.String(),
		"baseUnits", units,
		"anchor", anchor.Value,
	)
	return descriptor, nil
}

// ToBaseUnits scales amount by 10^decimals. Amounts finer than the currency's
// smallest unit are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if amount.IsNegative() {
		return 0, NewCheckoutError(ErrCodeAmountPrecision, "negative amount", nil)
	}
	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, NewCheckoutError(ErrCodeAmountPrecision,
			fmt.Sprintf("amount %s has more than %d decimal places", amount.String(), decimals), nil)
	}
	n := scaled.BigInt()
	if !n.IsUint64() {
		return 0, NewCheckoutError(ErrCodeAmountPrecision, fmt.Sprintf("amount %s overflows", amount.String()), nil)
	}
	return n.Uint64(), nil
}

// FromBaseUnits converts a raw token amount back to a decimal
func FromBaseUnits(units uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(decimals))
}
