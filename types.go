package checkout

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Address is a base58 account address on the settlement ledger
type Address string

// ReferenceID is the single-use correlation key embedded in a checkout's transfer
type ReferenceID string

// TxID identifies a ledger transaction (a signature on Solana)
type TxID string

// Finality is the commitment level a lookup must reach
type Finality string

const (
	FinalityProcessed Finality = "processed"
	FinalityConfirmed Finality = "confirmed"
	FinalityFinalized Finality = "finalized"
)

// Cart maps catalog item ids to raw requested quantities
type Cart map[string]string

// NewCart builds a cart from integer quantities
func NewCart(quantities map[string]int) Cart {
	cart := make(Cart, len(quantities))
	for id, qty := range quantities {
		cart[id] = strconv.Itoa(qty)
	}
	return cart
}

// ============================================================================
// Ledger data
// ============================================================================

// Anchor is the ledger freshness token a transaction is bound to
type Anchor struct {
	Value           string
	LastValidHeight uint64
}

// CurrencyMetadata describes the settlement token
type CurrencyMetadata struct {
	Decimals uint8
	// Program owning the mint (SPL Token or Token-2022)
	Program Address
}

// TransferRecord is what the ledger reports about a transaction found by reference
type TransferRecord struct {
	TxID       TxID
	Recipient  Address
	Amount     decimal.Decimal
	Mint       Address
	References []Address
}

// ============================================================================
// Descriptor
// ============================================================================

// TransactionDescriptor is the unsigned transfer handed to the signer.
// Treat it as immutable once built.
type TransactionDescriptor struct {
	Payer            Address
	Recipient        Address
	PayerAccount     Address
	RecipientAccount Address
	Amount           decimal.Decimal
	BaseUnits        uint64
	Decimals         uint8
	CurrencyMint     Address
	TokenProgram     Address
	Reference        ReferenceID
	RecentAnchor     Anchor
}

// PreparedTransaction is a serialized, unsigned transaction ready for a signer
type PreparedTransaction struct {
	Transaction []byte
	Message     string
}

// PrepareRequest asks a TransactionSource for a checkout's transaction
type PrepareRequest struct {
	Payer     Address
	Cart      Cart
	Reference ReferenceID
}

// ============================================================================
// Settlement outcome
// ============================================================================

// OutcomeKind tags an Outcome
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeDetected
	OutcomeValid
	OutcomeInvalid
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePending:
		return "pending"
	case OutcomeDetected:
		return "detected"
	case OutcomeValid:
		return "valid"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// InvalidReason explains why a detected transfer failed validation
type InvalidReason string

const (
	ReasonWrongAmount      InvalidReason = "wrong_amount"
	ReasonWrongRecipient   InvalidReason = "wrong_recipient"
	ReasonWrongCurrency    InvalidReason = "wrong_currency"
	ReasonMissingReference InvalidReason = "missing_reference"
)

// Outcome is the watcher's report for one reference
type Outcome struct {
	Kind   OutcomeKind
	TxID   TxID
	Reason InvalidReason
	Err    error
}

// Terminal reports whether the outcome ends the watch
func (o Outcome) Terminal() bool {
	return o.Kind == OutcomeValid || o.Kind == OutcomeInvalid || o.Kind == OutcomeError
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeDetected, OutcomeValid:
		return fmt.Sprintf("%s(%s)", o.Kind, o.TxID)
	case OutcomeInvalid:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
	case OutcomeError:
		return fmt.Sprintf("%s(%v)", o.Kind, o.Err)
	default:
		return o.Kind.String()
	}
}

// Expectation is what a settling transfer must satisfy
type Expectation struct {
	Reference ReferenceID
	Recipient Address
	Amount    decimal.Decimal
	Mint      Address
}
