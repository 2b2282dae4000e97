package core

import (
	"context"
	"sort"

	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/asset"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/identity"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// actionTx is the staged state of one action: journals, allowances,
// listings and offers, new delegates, new dispute handles and the records
// to emit. Dropping it discards everything.
type actionTx struct {
	ctx    context.Context
	seq    int64
	sender common.Address
	caller common.Address

	journal    *ledger.Draft
	allowances *asset.AllowanceStage
	entities   *state.Tx
	delegates  []identity.Delegate
	bindings   []binding
	raised     *arbitration.Handle
	records    []event.Record
}

type binding struct {
	handle arbitration.Handle
	ref    arbitration.OfferRef
}

func (c *DeterministicCore) begin(ctx context.Context, evt event.Event, caller common.Address) *actionTx {
	meta := evt.Origin()
	return &actionTx{
		ctx:        ctx,
		seq:        c.sequence,
		sender:     meta.Sender,
		caller:     caller,
		journal:    c.journalGen.Begin(evt.IdempotencyKey(), c.sequence, meta.Timestamp.UnixMicro()),
		allowances: c.allowances.Stage(),
		entities:   c.store.Begin(),
	}
}

func (tx *actionTx) assets() asset.Tx {
	return asset.Tx{Journal: tx.journal, Allowances: tx.allowances}
}

func (tx *actionTx) emit(r event.Record) {
	tx.records = append(tx.records, r)
}

// payout emits PayoutDeferred when a release landed in a claimable balance
func (tx *actionTx) payout(p asset.Payout, listingID, offerID *uint64) {
	if !p.Deferred {
		return
	}
	tx.emit(event.Record{
		Kind:      event.RecordPayoutDeferred,
		ListingID: listingID,
		OfferID:   offerID,
		Party:     p.To,
		Asset:     p.Asset.String(),
		Amount:    p.Amount.Dec(),
	})
}

// touchedAccounts lists staged accounts in AccountPath order
func (tx *actionTx) touchedAccounts() []ledger.AccountKey {
	accounts := tx.journal.Touched()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})
	return accounts
}

func u64(v uint64) *uint64 {
	return &v
}

func hashRef(h common.Hash) *common.Hash {
	return &h
}

func addrRef(a common.Address) *common.Address {
	return &a
}
