package checkout

import "context"

// ============================================================================
// Capabilities consumed by the engine
// ============================================================================

// Ledger is the read side of the settlement network. Implementations must be safe
// for concurrent use; one Ledger is shared by every session.
type Ledger interface {
	// GetFreshnessAnchor returns a recent blockhash the transaction will be bound to
	GetFreshnessAnchor(ctx context.Context) (Anchor, error)

	// GetCurrencyMetadata returns decimals and owning program for a mint
	GetCurrencyMetadata(ctx context.Context, mint Address) (CurrencyMetadata, error)

	// ResolveAccountAddress returns owner's token account for mint
	ResolveAccountAddress(ctx context.Context, mint Address, owner Address) (Address, error)

	// FindByReference returns the transaction that touched reference,
	// or ErrNotFound when nothing has yet
	FindByReference(ctx context.Context, reference ReferenceID, finality Finality) (TxID, error)

	// GetTransaction returns the transfer carried by a transaction,
	// or ErrNotFound when it is not visible yet
	GetTransaction(ctx context.Context, id TxID) (*TransferRecord, error)
}

// Signer signs and submits a prepared transaction on the buyer's behalf.
// Errors are signer-specific and are shown to the user verbatim.
type Signer interface {
	SignAndSubmit(ctx context.Context, transaction []byte) (string, error)
}

// TransactionSource produces the unsigned transaction for a checkout attempt,
// either in-process or from a remote makeTransaction endpoint.
type TransactionSource interface {
	PrepareTransaction(ctx context.Context, req PrepareRequest) (*PreparedTransaction, error)
}

// TransactionEncoder serializes a descriptor into the ledger's wire format
type TransactionEncoder interface {
	Encode(descriptor *TransactionDescriptor) ([]byte, error)
}

// AddressValidator reports whether s is a syntactically valid ledger address
type AddressValidator func(s string) bool

// ReferenceMinter returns a fresh, never-used reference
type ReferenceMinter func() (ReferenceID, error)
