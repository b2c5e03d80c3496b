package svm

import (
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"

	checkout "github.com/chipcasher/checkout"
)

// Encoder turns checkout descriptors into unsigned Solana transactions.
// The reference rides on the TransferChecked instruction as a read-only,
// non-signer account so getSignaturesForAddress can find the payment later.
type Encoder struct {
	// ComputeUnitPrice in micro-lamports; zero leaves compute budget instructions out
	ComputeUnitPrice uint64
	// ComputeUnitLimit used with ComputeUnitPrice
	ComputeUnitLimit uint32
}

// NewEncoder creates an encoder without compute budget instructions
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode implements checkout.TransactionEncoder
func (e *Encoder) Encode(d *checkout.TransactionDescriptor) ([]byte, error) {
	tx, err := e.BuildTransaction(d)
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return raw, nil
}

// BuildTransaction assembles the transaction with empty signature slots for every
// required signer, matching what wallets expect from a transaction request.
func (e *Encoder) BuildTransaction(d *checkout.TransactionDescriptor) (*solana.Transaction, error) {
	payer, err := publicKey("payer", string(d.Payer))
	if err != nil {
		return nil, err
	}
	source, err := publicKey("payer token account", string(d.PayerAccount))
	if err != nil {
		return nil, err
	}
	destination, err := publicKey("recipient token account", string(d.RecipientAccount))
	if err != nil {
		return nil, err
	}
	mint, err := publicKey("mint", string(d.CurrencyMint))
	if err != nil {
		return nil, err
	}
	reference, err := publicKey("reference", string(d.Reference))
	if err != nil {
		return nil, err
	}
	program := solana.TokenProgramID
	if d.TokenProgram != "" {
		if program, err = publicKey("token program", string(d.TokenProgram)); err != nil {
			return nil, err
		}
	}
	blockhash, err := solana.HashFromBase58(d.RecentAnchor.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid recent blockhash %q: %w", d.RecentAnchor.Value, err)
	}

	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(d.BaseUnits).
		SetDecimals(d.Decimals).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(destination).
		SetOwnerAccount(payer).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}
	data, err := transferIx.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer instruction: %w", err)
	}

	accounts := solana.AccountMetaSlice(transferIx.Accounts())
	accounts = append(accounts, solana.Meta(reference))

	builder := solana.NewTransactionBuilder()
	if e.ComputeUnitPrice > 0 {
		limit := e.ComputeUnitLimit
		if limit == 0 {
			limit = 20000
		}
		cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
			SetUnits(limit).
			ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("failed to build compute limit instruction: %w", err)
		}
		cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
			SetMicroLamports(e.ComputeUnitPrice).
			ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("failed to build compute price instruction: %w", err)
		}
		builder = builder.AddInstruction(cuLimit).AddInstruction(cuPrice)
	}

	tx, err := builder.
		AddInstruction(solana.NewInstruction(program, accounts, data)).
		SetRecentBlockHash(blockhash).
		SetFeePayer(payer).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	return tx, nil
}
