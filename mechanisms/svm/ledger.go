package svm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	checkout "github.com/chipcasher/checkout"
)

// RPCClient is the subset of the Solana JSON-RPC API the ledger needs.
// *rpc.Client satisfies it.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// LedgerOption configures an RPCLedger
type LedgerOption func(*RPCLedger)

// WithSignatureLimit bounds how many signatures are scanned per reference
func WithSignatureLimit(limit int) LedgerOption {
	return func(l *RPCLedger) {
		if limit > 0 {
			l.signatureLimit = limit
		}
	}
}

// WithLedgerLogger sets the logger
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *RPCLedger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// RPCLedger implements checkout.Ledger against a Solana RPC node
type RPCLedger struct {
	client         RPCClient
	signatureLimit int
	logger         *slog.Logger

	// mint metadata never changes for a given mint
	mu    sync.RWMutex
	mints map[solana.PublicKey]checkout.CurrencyMetadata
}

// NewRPCLedger wraps an RPC client
func NewRPCLedger(client RPCClient, opts ...LedgerOption) *RPCLedger {
	l := &RPCLedger{
		client:         client,
		signatureLimit: DefaultSignatureLimit,
		logger:         slog.Default(),
		mints:          make(map[solana.PublicKey]checkout.CurrencyMetadata),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRPCLedgerFromURL dials nothing; requests go to endpoint lazily
func NewRPCLedgerFromURL(endpoint string, opts ...LedgerOption) *RPCLedger {
	return NewRPCLedger(rpc.New(endpoint), opts...)
}

// GetFreshnessAnchor returns the latest finalized blockhash
func (l *RPCLedger) GetFreshnessAnchor(ctx context.Context) (checkout.Anchor, error) {
	latest, err := l.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return checkout.Anchor{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if latest == nil || latest.Value == nil {
		return checkout.Anchor{}, fmt.Errorf("empty latest blockhash response")
	}
	return checkout.Anchor{
		Value:           latest.Value.Blockhash.String(),
		LastValidHeight: latest.Value.LastValidBlockHeight,
	}, nil
}

// GetCurrencyMetadata reads decimals and owning token program from the mint account
func (l *RPCLedger) GetCurrencyMetadata(ctx context.Context, mint checkout.Address) (checkout.CurrencyMetadata, error) {
	mintKey, err := publicKey("mint", string(mint))
	if err != nil {
		return checkout.CurrencyMetadata{}, checkout.Permanent(err)
	}

	l.mu.RLock()
	cached, ok := l.mints[mintKey]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	info, err := l.client.GetAccountInfo(ctx, mintKey)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return checkout.CurrencyMetadata{}, checkout.Permanent(fmt.Errorf("mint account %s not found", mintKey))
		}
		return checkout.CurrencyMetadata{}, fmt.Errorf("failed to get mint account: %w", err)
	}
	if info == nil || info.Value == nil {
		return checkout.CurrencyMetadata{}, checkout.Permanent(fmt.Errorf("mint account %s not found", mintKey))
	}

	owner := info.Value.Owner
	if !isTokenProgram(owner) {
		return checkout.CurrencyMetadata{}, checkout.Permanent(fmt.Errorf("account %s is owned by %s, not a token program", mintKey, owner))
	}

	// Token-2022 mints carry extensions after the base layout; the prefix decodes the same
	var mintData token.Mint
	if err := bin.NewBinDecoder(info.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return checkout.CurrencyMetadata{}, checkout.Permanent(fmt.Errorf("failed to decode mint account: %w", err))
	}
	if !mintData.IsInitialized {
		return checkout.CurrencyMetadata{}, checkout.Permanent(fmt.Errorf("mint %s is not initialized", mintKey))
	}

	meta := checkout.CurrencyMetadata{
		Decimals: mintData.Decimals,
		Program:  checkout.Address(owner.String()),
	}
	l.mu.Lock()
	l.mints[mintKey] = meta
	l.mu.Unlock()

	l.logger.Debug("loaded mint metadata", "mint", mintKey.String(), "decimals", meta.Decimals, "program", owner.String())
	return meta, nil
}

// ResolveAccountAddress derives the associated token account of owner for mint
func (l *RPCLedger) ResolveAccountAddress(ctx context.Context, mint, owner checkout.Address) (checkout.Address, error) {
	mintKey, err := publicKey("mint", string(mint))
	if err != nil {
		return "", checkout.Permanent(err)
	}
	ownerKey, err := publicKey("owner", string(owner))
	if err != nil {
		return "", checkout.Permanent(err)
	}

	meta, err := l.GetCurrencyMetadata(ctx, mint)
	if err != nil {
		return "", err
	}
	program, err := publicKey("token program", string(meta.Program))
	if err != nil {
		return "", checkout.Permanent(err)
	}

	ata, err := AssociatedTokenAddress(ownerKey, mintKey, program)
	if err != nil {
		return "", checkout.Permanent(err)
	}
	return checkout.Address(ata.String()), nil
}

// AssociatedTokenAddress derives the ATA for owner, mint and token program
func AssociatedTokenAddress(owner, mint, program solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], program[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token account: %w", err)
	}
	return ata, nil
}

// FindByReference returns the oldest successful transaction that mentions reference
func (l *RPCLedger) FindByReference(ctx context.Context, reference checkout.ReferenceID, finality checkout.Finality) (checkout.TxID, error) {
	refKey, err := publicKey("reference", string(reference))
	if err != nil {
		return "", checkout.Permanent(err)
	}

	limit := l.signatureLimit
	signatures, err := l.client.GetSignaturesForAddressWithOpts(ctx, refKey, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: signatureCommitment(finality),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get signatures for reference: %w", err)
	}

	// newest first
	for i := len(signatures) - 1; i >= 0; i-- {
		sig := signatures[i]
		if sig == nil || sig.Err != nil {
			continue
		}
		return checkout.TxID(sig.Signature.String()), nil
	}
	return "", checkout.ErrNotFound
}

// GetTransaction fetches a confirmed transaction and extracts its token transfer
func (l *RPCLedger) GetTransaction(ctx context.Context, id checkout.TxID) (*checkout.TransferRecord, error) {
	sig, err := solana.SignatureFromBase58(string(id))
	if err != nil {
		return nil, checkout.Permanent(fmt.Errorf("invalid transaction signature %q: %w", id, err))
	}

	maxVersion := uint64(0)
	result, err := l.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, checkout.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if result == nil || result.Transaction == nil {
		return nil, checkout.ErrNotFound
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	transfer, err := ExtractTransfer(tx, result.Meta)
	if errors.Is(err, ErrNoTransfer) {
		// referenced but moved nothing we understand; validation rejects it
		return &checkout.TransferRecord{TxID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to extract transfer: %w", err)
	}

	recipient, err := l.destinationOwner(ctx, transfer)
	if err != nil {
		return nil, err
	}

	record := &checkout.TransferRecord{
		TxID:      id,
		Recipient: recipient,
		Amount:    checkout.FromBaseUnits(transfer.Amount, transfer.Decimals),
		Mint:      checkout.Address(transfer.Mint.String()),
	}
	for _, ref := range transfer.Extra {
		record.References = append(record.References, checkout.Address(ref.String()))
	}
	return record, nil
}

func (l *RPCLedger) destinationOwner(ctx context.Context, transfer *Transfer) (checkout.Address, error) {
	if transfer.DestinationOwner != nil {
		return checkout.Address(transfer.DestinationOwner.String()), nil
	}

	info, err := l.client.GetAccountInfo(ctx, transfer.Destination)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get destination account: %w", err)
	}
	if info == nil || info.Value == nil {
		return "", nil
	}
	var account token.Account
	if err := bin.NewBinDecoder(info.Value.Data.GetBinary()).Decode(&account); err != nil {
		return "", fmt.Errorf("failed to decode destination token account: %w", err)
	}
	return checkout.Address(account.Owner.String()), nil
}

// getSignaturesForAddress does not accept processed
func signatureCommitment(finality checkout.Finality) rpc.CommitmentType {
	if finality == checkout.FinalityFinalized {
		return rpc.CommitmentFinalized
	}
	return rpc.CommitmentConfirmed
}
