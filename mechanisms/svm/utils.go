package svm

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	checkout "github.com/chipcasher/checkout"
)

// ValidateSolanaAddress reports whether address is a base58 ed25519 public key
func ValidateSolanaAddress(address string) bool {
	if address == "" {
		return false
	}
	_, err := solana.PublicKeyFromBase58(address)
	return err == nil
}

// NewReference mints a fresh reference: the public key of a throwaway keypair.
// It satisfies checkout.ReferenceMinter.
func NewReference() (checkout.ReferenceID, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate reference keypair: %w", err)
	}
	return checkout.ReferenceID(key.PublicKey().String()), nil
}

// EncodeTransaction serializes a transaction to base64
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a wire-format transaction
func DecodeTransaction(raw []byte) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// DecodeTransactionBase64 parses a base64 wire-format transaction
func DecodeTransactionBase64(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	return DecodeTransaction(raw)
}

func publicKey(field string, address string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s address %q: %w", field, address, err)
	}
	return key, nil
}
