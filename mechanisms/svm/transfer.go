package svm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrNoTransfer is returned when a transaction carries no TransferChecked instruction
var ErrNoTransfer = errors.New("transaction has no TransferChecked instruction")

// Transfer is a decoded SPL TransferChecked instruction together with the
// accounts appended after the owner (references and multisig signers).
type Transfer struct {
	Program     solana.PublicKey
	Source      solana.PublicKey
	Mint        solana.PublicKey
	Destination solana.PublicKey
	Authority   solana.PublicKey
	// Extra holds the non-signer accounts that follow the authority
	Extra    []solana.PublicKey
	Amount   uint64
	Decimals uint8
	// DestinationOwner is filled from transaction metadata when available
	DestinationOwner *solana.PublicKey
	// Failed is set when the transaction was included but errored
	Failed bool
}

// DecodeTransferCheckedData parses TransferChecked instruction data.
//
// Layout:
//
//	[0]     discriminator U8 (12)
//	[1..8]  amount        U64 LE
//	[9]     decimals      U8
func DecodeTransferCheckedData(data []byte) (amount uint64, decimals uint8, err error) {
	if len(data) < 10 {
		return 0, 0, fmt.Errorf("transfer instruction data too short: need 10 bytes, got %d", len(data))
	}
	if data[0] != TransferCheckedDiscriminator {
		return 0, 0, fmt.Errorf("not a TransferChecked instruction: discriminator %d", data[0])
	}
	return binary.LittleEndian.Uint64(data[1:9]), data[9], nil
}

func isTokenProgram(program solana.PublicKey) bool {
	return program.Equals(solana.TokenProgramID) || program.Equals(solana.Token2022ProgramID)
}

// ExtractTransfer finds the first TransferChecked instruction in tx. When meta is
// non-nil the moved amount is taken from the destination's token balance delta and
// the destination owner is filled in.
func ExtractTransfer(tx *solana.Transaction, meta *rpc.TransactionMeta) (*Transfer, error) {
	keys := tx.Message.AccountKeys
	key := func(index uint16) (solana.PublicKey, error) {
		if int(index) >= len(keys) {
			return solana.PublicKey{}, fmt.Errorf("account index %d out of range (%d static keys)", index, len(keys))
		}
		return keys[index], nil
	}

	for _, inst := range tx.Message.Instructions {
		program, err := key(inst.ProgramIDIndex)
		if err != nil {
			return nil, err
		}
		if !isTokenProgram(program) || len(inst.Data) == 0 || inst.Data[0] != TransferCheckedDiscriminator {
			continue
		}
		if len(inst.Accounts) < 4 {
			return nil, fmt.Errorf("TransferChecked has %d accounts, need at least 4", len(inst.Accounts))
		}
		amount, decimals, err := DecodeTransferCheckedData(inst.Data)
		if err != nil {
			return nil, err
		}

		accounts := make([]solana.PublicKey, len(inst.Accounts))
		for i, idx := range inst.Accounts {
			if accounts[i], err = key(idx); err != nil {
				return nil, err
			}
		}

		transfer := &Transfer{
			Program:     program,
			Source:      accounts[0],
			Mint:        accounts[1],
			Destination: accounts[2],
			Authority:   accounts[3],
			Amount:      amount,
			Decimals:    decimals,
		}
		for _, account := range accounts[4:] {
			if tx.Message.IsSigner(account) {
				continue
			}
			transfer.Extra = append(transfer.Extra, account)
		}

		if meta != nil {
			applyMeta(transfer, inst.Accounts[2], meta)
		}
		return transfer, nil
	}

	return nil, ErrNoTransfer
}

// applyMeta replaces the instruction amount with what the destination actually received
func applyMeta(transfer *Transfer, destIndex uint16, meta *rpc.TransactionMeta) {
	if meta.Err != nil {
		transfer.Failed = true
		transfer.Amount = 0
		return
	}

	var pre, post uint64
	seen := false
	for _, balance := range meta.PreTokenBalances {
		if balance.AccountIndex == destIndex && balance.UiTokenAmount != nil {
			pre, _ = strconv.ParseUint(balance.UiTokenAmount.Amount, 10, 64)
		}
	}
	for _, balance := range meta.PostTokenBalances {
		if balance.AccountIndex != destIndex {
			continue
		}
		if balance.Owner != nil {
			owner := *balance.Owner
			transfer.DestinationOwner = &owner
		}
		if balance.UiTokenAmount != nil {
			if v, err := strconv.ParseUint(balance.UiTokenAmount.Amount, 10, 64); err == nil {
				post = v
				seen = true
			}
		}
	}
	if !seen {
		return
	}
	if post >= pre {
		transfer.Amount = post - pre
	} else {
		transfer.Amount = 0
	}
}
