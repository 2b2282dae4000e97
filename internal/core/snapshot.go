package core

import (
	"fmt"

	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/asset"
	"EscrowLedger/internal/identity"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"

	"github.com/holiman/uint256"
)

// SnapshotState holds the in-memory state needed for a warm restart.
type SnapshotState struct {
	Sequence        int64 // last committed sequence, -1 when empty
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]uint256.Int
	Supply          map[ledger.Asset]uint256.Int
	Listings        []*state.Listing
	Offers          []*state.Offer
	Allowances      []asset.Allowance
	Delegates       []identity.Delegate
	DisputeHandles  map[arbitration.Handle]arbitration.OfferRef
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Supply:          c.balanceTracker.SupplySnapshot(),
		Listings:        c.store.Listings(),
		Allowances:      c.allowances.Snapshot(),
		Delegates:       c.delegates.All(),
		DisputeHandles:  make(map[arbitration.Handle]arbitration.OfferRef),
		IdempotencyKeys: c.idempotency.Keys(),
	}
	for _, l := range snap.Listings {
		snap.Offers = append(snap.Offers, c.store.Offers(l.ID)...)
	}
	for _, h := range c.arbitration.Handles() {
		ref, _ := c.arbitration.Lookup(h)
		snap.DisputeHandles[h] = ref
	}
	return snap
}

// RestoreFromSnapshot loads a snapshot into a freshly constructed core and
// verifies custody against the restored entities before accepting it.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.store.Restore(snap.Listings, snap.Offers); err != nil {
		return fmt.Errorf("restore entities: %w", err)
	}
	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}
	for a, supply := range snap.Supply {
		c.balanceTracker.SetSupply(a, supply)
	}
	if err := c.validator.ValidateConservation(); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}
	for _, l := range c.store.Listings() {
		held := l.HeldDeposit()
		if err := ledger.ValidateCustody(c.balanceTracker.GetBalance(l.CustodyKey()), l.CustodyKey(), &held); err != nil {
			return fmt.Errorf("restore listing %d: %w", l.ID, err)
		}
		for _, o := range c.store.Offers(l.ID) {
			if err := ledger.ValidateCustody(c.balanceTracker.GetBalance(o.CustodyKey()), o.CustodyKey(), &o.Value); err != nil {
				return fmt.Errorf("restore offer %d/%d: %w", o.ListingID, o.ID, err)
			}
		}
	}

	c.allowances.Restore(snap.Allowances)
	c.delegates.Restore(snap.Delegates)
	c.arbitration.Restore(snap.DisputeHandles, nil)
	c.idempotency.Warm(snap.IdempotencyKeys)

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.disputesOpen = int64(len(c.openDisputes()))
	return nil
}

// ResumeArbitration tells a locally numbering arbitrator which disputes are
// still open once snapshot restore and replay are done.
func (c *DeterministicCore) ResumeArbitration() {
	handles := make(map[arbitration.Handle]arbitration.OfferRef)
	for _, h := range c.arbitration.Handles() {
		ref, _ := c.arbitration.Lookup(h)
		handles[h] = ref
	}
	c.arbitration.Restore(handles, c.openDisputes())
}

// openDisputes rebuilds the request of every dispute still awaiting a ruling
func (c *DeterministicCore) openDisputes() []arbitration.OpenDispute {
	var open []arbitration.OpenDispute
	for _, l := range c.store.Listings() {
		for _, o := range c.store.Offers(l.ID) {
			if o.Status != state.OfferStatusDisputed || o.DisputeHandle == nil {
				continue
			}
			open = append(open, arbitration.OpenDispute{
				Handle: *o.DisputeHandle,
				Request: arbitration.DisputeRequest{
					ListingID:   l.ID,
					OfferID:     o.ID,
					Buyer:       o.Buyer,
					Seller:      l.Seller,
					RaisedBy:    o.DisputedBy,
					MetadataRef: o.LatestMetadata(),
				},
			})
		}
	}
	return open
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
