package ledger

import (
	"fmt"

	escrowerr "EscrowLedger/internal/errors"

	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances.
// Balances are unsigned; external accounts carry no balance of their own and
// instead raise the issued supply of the asset they fund.
type BalanceTracker struct {
	balances map[AccountKey]uint256.Int
	supply   map[Asset]uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]uint256.Int),
		supply:   make(map[Asset]uint256.Int),
	}
}

// ApplyBatch applies all journals in a batch, or none of them.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	staged := make(map[AccountKey]uint256.Int)
	stagedSupply := make(map[Asset]uint256.Int)

	for _, j := range batch.Journals {
		if err := applyJournal(j, bt.balances, bt.supply, staged, stagedSupply); err != nil {
			return err
		}
	}

	for k, v := range staged {
		if v.IsZero() {
			delete(bt.balances, k)
			continue
		}
		bt.balances[k] = v
	}
	for a, v := range stagedSupply {
		bt.supply[a] = v
	}
	return nil
}

// applyJournal moves one entry inside the staged maps, reading through to the
// committed maps for accounts not yet staged.
func applyJournal(
	j Journal,
	balances map[AccountKey]uint256.Int,
	supply map[Asset]uint256.Int,
	staged map[AccountKey]uint256.Int,
	stagedSupply map[Asset]uint256.Int,
) error {
	read := func(k AccountKey) uint256.Int {
		if v, ok := staged[k]; ok {
			return v
		}
		return balances[k]
	}

	if j.CreditAccount.Scope == ScopeExternal {
		cur, ok := stagedSupply[j.Asset]
		if !ok {
			cur = supply[j.Asset]
		}
		next, overflow := new(uint256.Int).AddOverflow(&cur, &j.Amount)
		if overflow {
			return fmt.Errorf("%w: supply of %s", escrowerr.ErrOverflow, j.Asset)
		}
		stagedSupply[j.Asset] = *next
	} else {
		from := read(j.CreditAccount)
		next, underflow := new(uint256.Int).SubOverflow(&from, &j.Amount)
		if underflow {
			return fmt.Errorf("%w: account %s has %s, need %s", escrowerr.ErrTransferFailed,
				j.CreditAccount.AccountPath(), from.Dec(), j.Amount.Dec())
		}
		staged[j.CreditAccount] = *next
	}

	to := read(j.DebitAccount)
	next, overflow := new(uint256.Int).AddOverflow(&to, &j.Amount)
	if overflow {
		return fmt.Errorf("%w: account %s", escrowerr.ErrOverflow, j.DebitAccount.AccountPath())
	}
	staged[j.DebitAccount] = *next
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) uint256.Int {
	return bt.balances[key]
}

// Supply returns the amount of asset issued into the ledger by external accounts
func (bt *BalanceTracker) Supply(asset Asset) uint256.Int {
	return bt.supply[asset]
}

// SetBalance overwrites a balance (snapshot restore only)
func (bt *BalanceTracker) SetBalance(key AccountKey, amount uint256.Int) {
	if amount.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = amount
}

// SetSupply overwrites the issued supply (snapshot restore only)
func (bt *BalanceTracker) SetSupply(asset Asset, amount uint256.Int) {
	bt.supply[asset] = amount
}

// Totals sums every non-external account per asset
func (bt *BalanceTracker) Totals() (map[Asset]uint256.Int, error) {
	return bt.sumWhere(func(AccountKey) bool { return true })
}

// CustodyTotals sums listing deposits and offer escrows per asset
func (bt *BalanceTracker) CustodyTotals() (map[Asset]uint256.Int, error) {
	return bt.sumWhere(AccountKey.IsCustody)
}

func (bt *BalanceTracker) sumWhere(match func(AccountKey) bool) (map[Asset]uint256.Int, error) {
	totals := make(map[Asset]uint256.Int)
	for key, balance := range bt.balances {
		if !match(key) {
			continue
		}
		cur := totals[key.Asset]
		next, overflow := new(uint256.Int).AddOverflow(&cur, &balance)
		if overflow {
			return nil, fmt.Errorf("%w: total of %s", escrowerr.ErrOverflow, key.Asset)
		}
		totals[key.Asset] = *next
	}
	return totals, nil
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]uint256.Int {
	snapshot := make(map[AccountKey]uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SupplySnapshot returns a copy of the issued supply per asset
func (bt *BalanceTracker) SupplySnapshot() map[Asset]uint256.Int {
	snapshot := make(map[Asset]uint256.Int, len(bt.supply))
	for k, v := range bt.supply {
		snapshot[k] = v
	}
	return snapshot
}
