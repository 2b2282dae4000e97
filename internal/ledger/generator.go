package ledger

import (
	"fmt"

	escrowerr "EscrowLedger/internal/errors"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator opens drafts: staged journal batches checked against the
// tracker's committed balances but not yet applied to them.
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{balanceTracker: tracker}
}

// Begin starts a draft for one action
func (jg *JournalGenerator) Begin(eventRef string, sequence int64, timestamp int64) *Draft {
	batchID := uuid.New()
	return &Draft{
		tracker: jg.balanceTracker,
		batch: &Batch{
			BatchID:   batchID,
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
		staged:       make(map[AccountKey]uint256.Int),
		stagedSupply: make(map[Asset]uint256.Int),
	}
}

// Draft accumulates the journals of one action. Every Move is checked
// against the balances as they would be after the previous moves; a failed
// Move leaves the draft unchanged. Dropping a draft discards it.
type Draft struct {
	tracker      *BalanceTracker
	batch        *Batch
	staged       map[AccountKey]uint256.Int
	stagedSupply map[Asset]uint256.Int
}

// Balance returns the account balance including moves staged so far
func (d *Draft) Balance(key AccountKey) uint256.Int {
	if v, ok := d.staged[key]; ok {
		return v
	}
	return d.tracker.GetBalance(key)
}

// Move stages a transfer of amount from -> to. A zero amount stages nothing.
func (d *Draft) Move(journalType JournalType, from, to AccountKey, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if from == to {
		return fmt.Errorf("%w: self move on %s", escrowerr.ErrInvariantViolation, from.AccountPath())
	}
	if from.Asset != to.Asset {
		return fmt.Errorf("%w: cross-asset move %s -> %s", escrowerr.ErrInvariantViolation,
			from.AccountPath(), to.AccountPath())
	}

	j := Journal{
		JournalID:     uuid.New(),
		BatchID:       d.batch.BatchID,
		EventRef:      d.batch.EventRef,
		Sequence:      d.batch.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		Asset:         from.Asset,
		Amount:        *amount,
		JournalType:   journalType,
		Timestamp:     d.batch.Timestamp,
	}

	// Stage into scratch maps first so a failure leaves the draft untouched.
	staged := make(map[AccountKey]uint256.Int, 2)
	stagedSupply := make(map[Asset]uint256.Int, 1)
	for k, v := range d.stagedSupply {
		stagedSupply[k] = v
	}
	read := func(k AccountKey) {
		if v, ok := d.staged[k]; ok {
			staged[k] = v
		}
	}
	read(from)
	read(to)

	if err := applyJournal(j, d.tracker.balances, d.tracker.supply, staged, stagedSupply); err != nil {
		return err
	}

	for k, v := range staged {
		d.staged[k] = v
	}
	for k, v := range stagedSupply {
		d.stagedSupply[k] = v
	}
	d.batch.Journals = append(d.batch.Journals, j)
	return nil
}

// Batch returns the staged journals; it may hold none for state-only actions.
func (d *Draft) Batch() *Batch {
	return d.batch
}

// Touched returns every account with a staged change
func (d *Draft) Touched() []AccountKey {
	keys := make([]AccountKey, 0, len(d.staged))
	for k := range d.staged {
		keys = append(keys, k)
	}
	return keys
}
