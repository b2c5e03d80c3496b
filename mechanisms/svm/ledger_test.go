package svm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	checkout "github.com/chipcasher/checkout"
)

type fakeRPC struct {
	mu sync.Mutex

	accounts     map[solana.PublicKey]*rpc.Account
	signatures   []*rpc.TransactionSignature
	transactions map[solana.Signature]*rpc.GetTransactionResult
	blockhashErr error

	accountCalls   int
	lastCommitment rpc.CommitmentType
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		accounts:     make(map[solana.PublicKey]*rpc.Account),
		transactions: make(map[solana.Signature]*rpc.GetTransactionResult),
	}
}

func (f *fakeRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if f.blockhashErr != nil {
		return nil, f.blockhashErr
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{7}, LastValidBlockHeight: 321},
	}, nil
}

func (f *fakeRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCalls++
	acct, ok := f.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: acct}, nil
}

func (f *fakeRPC) GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCommitment = opts.Commitment
	return f.signatures, nil
}

func (f *fakeRPC) GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	result, ok := f.transactions[txSig]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return result, nil
}

func encodeAccount(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bin.NewBinEncoder(&buf).Encode(v))
	return buf.Bytes()
}

func (f *fakeRPC) addMint(t *testing.T, mint, program solana.PublicKey, decimals uint8) {
	f.accounts[mint] = &rpc.Account{
		Owner: program,
		Data:  rpc.DataBytesOrJSONFromBytes(encodeAccount(t, &token.Mint{Decimals: decimals, IsInitialized: true})),
	}
}

func envelope(t *testing.T, tx *solana.Transaction) *rpc.TransactionResultEnvelope {
	t.Helper()
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	var env rpc.TransactionResultEnvelope
	payload := fmt.Sprintf(`[%q,"base64"]`, base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, json.Unmarshal([]byte(payload), &env))
	return &env
}

func TestGetFreshnessAnchor(t *testing.T) {
	ledger := NewRPCLedger(newFakeRPC())
	anchor, err := ledger.GetFreshnessAnchor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, solana.Hash{7}.String(), anchor.Value)
	assert.Equal(t, uint64(321), anchor.LastValidHeight)
}

func TestGetCurrencyMetadataCachesMint(t *testing.T) {
	client := newFakeRPC()
	mint := solana.MustPublicKeyFromBase58(USDCDevnetAddress)
	client.addMint(t, mint, solana.TokenProgramID, 6)
	ledger := NewRPCLedger(client)

	for i := 0; i < 3; i++ {
		meta, err := ledger.GetCurrencyMetadata(context.Background(), checkout.Address(mint.String()))
		require.NoError(t, err)
		assert.Equal(t, uint8(6), meta.Decimals)
		assert.Equal(t, checkout.Address(solana.TokenProgramID.String()), meta.Program)
	}
	assert.Equal(t, 1, client.accountCalls)
}

func TestGetCurrencyMetadataRejectsNonMint(t *testing.T) {
	client := newFakeRPC()
	mint := solana.NewWallet().PublicKey()
	client.accounts[mint] = &rpc.Account{Owner: solana.SystemProgramID, Data: rpc.DataBytesOrJSONFromBytes(nil)}
	ledger := NewRPCLedger(client)

	_, err := ledger.GetCurrencyMetadata(context.Background(), checkout.Address(mint.String()))
	require.Error(t, err)
	assert.False(t, checkout.IsRetryable(err))

	_, err = ledger.GetCurrencyMetadata(context.Background(), checkout.Address(solana.NewWallet().PublicKey().String()))
	require.Error(t, err)
	assert.False(t, checkout.IsRetryable(err), "missing mint is permanent")
}

func TestResolveAccountAddress(t *testing.T) {
	client := newFakeRPC()
	mint := solana.MustPublicKeyFromBase58(USDCDevnetAddress)
	client.addMint(t, mint, solana.TokenProgramID, 6)
	ledger := NewRPCLedger(client)
	owner := solana.NewWallet().PublicKey()

	got, err := ledger.ResolveAccountAddress(context.Background(), checkout.Address(mint.String()), checkout.Address(owner.String()))
	require.NoError(t, err)

	want, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	assert.Equal(t, checkout.Address(want.String()), got)
}

func TestResolveAccountAddressToken2022(t *testing.T) {
	client := newFakeRPC()
	mint := solana.NewWallet().PublicKey()
	client.addMint(t, mint, solana.Token2022ProgramID, 9)
	ledger := NewRPCLedger(client)
	owner := solana.NewWallet().PublicKey()

	got, err := ledger.ResolveAccountAddress(context.Background(), checkout.Address(mint.String()), checkout.Address(owner.String()))
	require.NoError(t, err)

	classic, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	assert.NotEqual(t, checkout.Address(classic.String()), got)

	want, err := AssociatedTokenAddress(owner, mint, solana.Token2022ProgramID)
	require.NoError(t, err)
	assert.Equal(t, checkout.Address(want.String()), got)
}

func TestFindByReference(t *testing.T) {
	reference := checkout.ReferenceID(solana.NewWallet().PublicKey().String())

	t.Run("not found", func(t *testing.T) {
		ledger := NewRPCLedger(newFakeRPC())
		_, err := ledger.FindByReference(context.Background(), reference, checkout.FinalityConfirmed)
		assert.ErrorIs(t, err, checkout.ErrNotFound)
	})

	t.Run("oldest successful wins", func(t *testing.T) {
		client := newFakeRPC()
		client.signatures = []*rpc.TransactionSignature{
			{Signature: solana.Signature{3}},
			{Signature: solana.Signature{2}},
			{Signature: solana.Signature{1}, Err: "InstructionError"},
		}
		ledger := NewRPCLedger(client)

		id, err := ledger.FindByReference(context.Background(), reference, checkout.FinalityFinalized)
		require.NoError(t, err)
		assert.Equal(t, checkout.TxID(solana.Signature{2}.String()), id)
		assert.Equal(t, rpc.CommitmentFinalized, client.lastCommitment)
	})

	t.Run("processed maps to confirmed", func(t *testing.T) {
		client := newFakeRPC()
		ledger := NewRPCLedger(client)
		_, _ = ledger.FindByReference(context.Background(), reference, checkout.FinalityProcessed)
		assert.Equal(t, rpc.CommitmentConfirmed, client.lastCommitment)
	})

	t.Run("invalid reference", func(t *testing.T) {
		ledger := NewRPCLedger(newFakeRPC())
		_, err := ledger.FindByReference(context.Background(), "bogus!", checkout.FinalityConfirmed)
		require.Error(t, err)
		assert.False(t, checkout.IsRetryable(err))
	})
}

func TestGetTransaction(t *testing.T) {
	f, d := newDescriptorFixture(t)
	tx, err := NewEncoder().BuildTransaction(d)
	require.NoError(t, err)

	sig := solana.Signature{4, 2}
	destIndex := tx.Message.Instructions[0].Accounts[2]
	client := newFakeRPC()
	client.transactions[sig] = &rpc.GetTransactionResult{
		Transaction: envelope(t, tx),
		Meta: &rpc.TransactionMeta{
			PostTokenBalances: []rpc.TokenBalance{tokenBalance(destIndex, f.recipient, "150000")},
		},
	}
	ledger := NewRPCLedger(client)

	record, err := ledger.GetTransaction(context.Background(), checkout.TxID(sig.String()))
	require.NoError(t, err)
	assert.Equal(t, checkout.Address(f.recipient.String()), record.Recipient)
	assert.Equal(t, checkout.Address(f.mint.String()), record.Mint)
	assert.True(t, record.Amount.Equal(decimal.RequireFromString("0.15")))
	assert.Equal(t, []checkout.Address{checkout.Address(f.reference.String())}, record.References)

	outcome := checkout.Validate(checkout.Expectation{
		Reference: d.Reference,
		Recipient: d.Recipient,
		Amount:    d.Amount,
		Mint:      d.CurrencyMint,
	}, record)
	assert.Equal(t, checkout.OutcomeValid, outcome.Kind)
}

func TestGetTransactionOwnerFromAccount(t *testing.T) {
	f, d := newDescriptorFixture(t)
	tx, err := NewEncoder().BuildTransaction(d)
	require.NoError(t, err)

	sig := solana.Signature{5}
	client := newFakeRPC()
	client.transactions[sig] = &rpc.GetTransactionResult{Transaction: envelope(t, tx)}
	client.accounts[f.dest] = &rpc.Account{
		Owner: solana.TokenProgramID,
		Data:  rpc.DataBytesOrJSONFromBytes(encodeAccount(t, &token.Account{Mint: f.mint, Owner: f.recipient, Amount: 150000})),
	}
	ledger := NewRPCLedger(client)

	record, err := ledger.GetTransaction(context.Background(), checkout.TxID(sig.String()))
	require.NoError(t, err)
	assert.Equal(t, checkout.Address(f.recipient.String()), record.Recipient)
	assert.True(t, record.Amount.Equal(decimal.RequireFromString("0.15")))
}

func TestGetTransactionNotFound(t *testing.T) {
	ledger := NewRPCLedger(newFakeRPC())
	_, err := ledger.GetTransaction(context.Background(), checkout.TxID(solana.Signature{8}.String()))
	assert.ErrorIs(t, err, checkout.ErrNotFound)
}

func TestRateLimitedLedgerPassesThrough(t *testing.T) {
	client := newFakeRPC()
	client.blockhashErr = errors.New("node down")
	limited := NewRateLimitedLedger(NewRPCLedger(client), 1000, 10)

	_, err := limited.GetFreshnessAnchor(context.Background())
	assert.ErrorContains(t, err, "node down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.FindByReference(ctx, "ref", checkout.FinalityConfirmed)
	assert.ErrorIs(t, err, context.Canceled)
}
