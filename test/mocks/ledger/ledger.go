package ledger

import (
	"context"
	"fmt"
	"sync"

	checkout "github.com/chipcasher/checkout"
)

// Op names a ledger capability call
type Op string

const (
	OpAnchor   Op = "anchor"
	OpMetadata Op = "metadata"
	OpResolve  Op = "resolve"
	OpFind     Op = "find"
	OpGet      Op = "get"
)

// ZeroHash is a valid base58 blockhash (32 zero bytes)
const ZeroHash = "11111111111111111111111111111111"

// TokenProgram is the classic SPL Token program id
const TokenProgram = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// Hook runs before an operation; a non-nil error is returned from the call
type Hook func(ctx context.Context, call int) error

// Ledger is an in-memory checkout.Ledger. Transfers become visible through
// Publish; every call is counted. Token accounts resolve to the owner address
// itself unless Accounts maps them.
type Ledger struct {
	mu sync.Mutex

	Decimals uint8
	Program  checkout.Address
	Anchor   checkout.Anchor
	// Accounts maps owner to token account
	Accounts map[checkout.Address]checkout.Address

	byReference map[checkout.ReferenceID]checkout.TxID
	records     map[checkout.TxID]checkout.TransferRecord
	hidden      map[checkout.TxID]bool
	errs        map[Op]error
	hooks       map[Op]Hook
	calls       map[Op]int
}

// New creates a ledger for a 6-decimal token
func New() *Ledger {
	return &Ledger{
		Decimals:    6,
		Program:     TokenProgram,
		Anchor:      checkout.Anchor{Value: ZeroHash, LastValidHeight: 1000},
		Accounts:    make(map[checkout.Address]checkout.Address),
		byReference: make(map[checkout.ReferenceID]checkout.TxID),
		records:     make(map[checkout.TxID]checkout.TransferRecord),
		hidden:      make(map[checkout.TxID]bool),
		errs:        make(map[Op]error),
		hooks:       make(map[Op]Hook),
		calls:       make(map[Op]int),
	}
}

// Publish makes record findable by reference. The first publish for a reference wins,
// matching the oldest-transaction rule of the real lookup.
func (l *Ledger) Publish(reference checkout.ReferenceID, record checkout.TransferRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byReference[reference]; !ok {
		l.byReference[reference] = record.TxID
	}
	l.records[record.TxID] = record
}

// Hide makes GetTransaction report not found for id, as with a lagging node
func (l *Ledger) Hide(id checkout.TxID, hidden bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hidden[id] = hidden
}

// SetError makes op fail with err; nil clears it
func (l *Ledger) SetError(op Op, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.errs, op)
		return
	}
	l.errs[op] = err
}

// SetHook installs a hook for op
func (l *Ledger) SetHook(op Op, hook Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks[op] = hook
}

// Calls returns how many times op was called
func (l *Ledger) Calls(op Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// TotalCalls returns the number of calls across all operations
func (l *Ledger) TotalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.calls {
		total += n
	}
	return total
}

func (l *Ledger) enter(ctx context.Context, op Op) error {
	l.mu.Lock()
	l.calls[op]++
	call := l.calls[op]
	hook := l.hooks[op]
	err := l.errs[op]
	l.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, call); herr != nil {
			return herr
		}
	}
	return err
}

func (l *Ledger) GetFreshnessAnchor(ctx context.Context) (checkout.Anchor, error) {
	if err := l.enter(ctx, OpAnchor); err != nil {
		return checkout.Anchor{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Anchor, nil
}

func (l *Ledger) GetCurrencyMetadata(ctx context.Context, mint checkout.Address) (checkout.CurrencyMetadata, error) {
	if err := l.enter(ctx, OpMetadata); err != nil {
		return checkout.CurrencyMetadata{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return checkout.CurrencyMetadata{Decimals: l.Decimals, Program: l.Program}, nil
}

func (l *Ledger) ResolveAccountAddress(ctx context.Context, mint, owner checkout.Address) (checkout.Address, error) {
	if err := l.enter(ctx, OpResolve); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if account, ok := l.Accounts[owner]; ok {
		return account, nil
	}
	return owner, nil
}

func (l *Ledger) FindByReference(ctx context.Context, reference checkout.ReferenceID, finality checkout.Finality) (checkout.TxID, error) {
	if err := l.enter(ctx, OpFind); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byReference[reference]
	if !ok {
		return "", checkout.ErrNotFound
	}
	return id, nil
}

func (l *Ledger) GetTransaction(ctx context.Context, id checkout.TxID) (*checkout.TransferRecord, error) {
	if err := l.enter(ctx, OpGet); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[id]
	if !ok || l.hidden[id] {
		return nil, checkout.ErrNotFound
	}
	record.References = append([]checkout.Address(nil), record.References...)
	return &record, nil
}

// String is used in test failure output
func (l *Ledger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("ledger{calls=%v published=%d}", l.calls, len(l.records))
}
