package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	checkoutsvm "github.com/chipcasher/checkout/mechanisms/svm"
)

// SignTransactionFunc defines the callback used to sign Solana transactions.
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// Sender submits signed transactions. *rpc.Client satisfies it.
type Sender interface {
	SendTransaction(ctx context.Context, transaction *solana.Transaction) (solana.Signature, error)
}

// WalletSigner implements checkout.Signer: it plays the wallet in the transaction
// request flow, signing the prepared transaction and broadcasting it.
type WalletSigner struct {
	publicKey       solana.PublicKey
	signTransaction SignTransactionFunc
	sender          Sender
}

// NewWalletSigner creates a signer from a public key, signing callback and sender.
func NewWalletSigner(publicKey solana.PublicKey, signFunc SignTransactionFunc, sender Sender) (*WalletSigner, error) {
	if publicKey == (solana.PublicKey{}) {
		return nil, fmt.Errorf("public key is required")
	}
	if signFunc == nil {
		return nil, fmt.Errorf("sign callback is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}

	return &WalletSigner{
		publicKey:       publicKey,
		signTransaction: signFunc,
		sender:          sender,
	}, nil
}

// NewWalletSignerFromPrivateKey creates a signer from a base58-encoded private key
// that submits through the RPC node at endpoint.
//
// Example:
//
//	signer, err := svm.NewWalletSignerFromPrivateKey("5J7W...", "https://api.devnet.solana.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	orchestrator, err := checkout.NewOrchestrator(config, checkout.WithSigner(signer))
func NewWalletSignerFromPrivateKey(privateKeyBase58 string, endpoint string) (*WalletSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	signFunc := func(ctx context.Context, tx *solana.Transaction) error {
		return signTransactionWithPrivateKey(ctx, privateKey, tx)
	}

	return NewWalletSigner(privateKey.PublicKey(), signFunc, rpc.New(endpoint))
}

// Address returns the Solana public key of the signer.
func (s *WalletSigner) Address() solana.PublicKey {
	return s.publicKey
}

// SignAndSubmit decodes the prepared transaction, refuses it unless this wallet
// is a required signer, signs it and submits it. Returns the transaction signature.
func (s *WalletSigner) SignAndSubmit(ctx context.Context, transaction []byte) (string, error) {
	tx, err := checkoutsvm.DecodeTransaction(transaction)
	if err != nil {
		return "", err
	}
	if !tx.IsSigner(s.publicKey) {
		return "", fmt.Errorf("wallet %s is not a signer of this transaction", s.publicKey)
	}

	if err := s.signTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("wallet declined to sign: %w", err)
	}

	sig, err := s.sender.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig.String(), nil
}

func signTransactionWithPrivateKey(_ context.Context, privateKey solana.PrivateKey, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}

	if len(tx.Signatures) <= int(accountIndex) {
		newSignatures := make([]solana.Signature, accountIndex+1)
		copy(newSignatures, tx.Signatures)
		tx.Signatures = newSignatures
	}

	tx.Signatures[accountIndex] = signature

	return nil
}
