package svm

import (
	"context"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []*solana.Transaction
	err  error
}

func (r *recordingSender) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if r.err != nil {
		return solana.Signature{}, r.err
	}
	r.sent = append(r.sent, tx)
	return tx.Signatures[0], nil
}

func unsignedTransfer(t *testing.T, payer solana.PublicKey) []byte {
	t.Helper()
	tx, err := solana.NewTransactionBuilder().
		AddInstruction(system.NewTransferInstruction(1, payer, solana.NewWallet().PublicKey()).Build()).
		SetRecentBlockHash(solana.Hash{1}).
		SetFeePayer(payer).
		Build()
	require.NoError(t, err)
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestWalletSignerSignsAndSubmits(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	sender := &recordingSender{}
	signer, err := NewWalletSigner(key.PublicKey(), func(ctx context.Context, tx *solana.Transaction) error {
		return signTransactionWithPrivateKey(ctx, key, tx)
	}, sender)
	require.NoError(t, err)

	sig, err := signer.SignAndSubmit(context.Background(), unsignedTransfer(t, key.PublicKey()))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	tx := sender.sent[0]
	assert.Equal(t, tx.Signatures[0].String(), sig)
	assert.NoError(t, tx.VerifySignatures())
}

func TestWalletSignerRejectsForeignTransaction(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	sender := &recordingSender{}
	signer, err := NewWalletSigner(key.PublicKey(), func(ctx context.Context, tx *solana.Transaction) error {
		return signTransactionWithPrivateKey(ctx, key, tx)
	}, sender)
	require.NoError(t, err)

	_, err = signer.SignAndSubmit(context.Background(), unsignedTransfer(t, solana.NewWallet().PublicKey()))
	assert.ErrorContains(t, err, "not a signer")
	assert.Empty(t, sender.sent)
}

func TestWalletSignerErrors(t *testing.T) {
	key := solana.NewWallet().PrivateKey

	t.Run("declined", func(t *testing.T) {
		signer, err := NewWalletSigner(key.PublicKey(), func(ctx context.Context, tx *solana.Transaction) error {
			return errors.New("user rejected")
		}, &recordingSender{})
		require.NoError(t, err)
		_, err = signer.SignAndSubmit(context.Background(), unsignedTransfer(t, key.PublicKey()))
		assert.ErrorContains(t, err, "user rejected")
	})

	t.Run("send failure", func(t *testing.T) {
		signer, err := NewWalletSigner(key.PublicKey(), func(ctx context.Context, tx *solana.Transaction) error {
			return signTransactionWithPrivateKey(ctx, key, tx)
		}, &recordingSender{err: errors.New("blockhash not found")})
		require.NoError(t, err)
		_, err = signer.SignAndSubmit(context.Background(), unsignedTransfer(t, key.PublicKey()))
		assert.ErrorContains(t, err, "blockhash not found")
	})

	t.Run("garbage", func(t *testing.T) {
		signer, err := NewWalletSigner(key.PublicKey(), func(ctx context.Context, tx *solana.Transaction) error { return nil }, &recordingSender{})
		require.NoError(t, err)
		_, err = signer.SignAndSubmit(context.Background(), []byte{0xff, 0x01})
		assert.Error(t, err)
	})

	t.Run("constructor", func(t *testing.T) {
		_, err := NewWalletSigner(solana.PublicKey{}, nil, nil)
		assert.Error(t, err)
		_, err = NewWalletSignerFromPrivateKey("not-base58!", "http://localhost:8899")
		assert.Error(t, err)
	})
}
