package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/asset"
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/identity"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// encodeSnapshot converts the core's in-memory state into the stored form
func encodeSnapshot(snap *core.SnapshotState, now time.Time) *persistence.SnapshotData {
	data := &persistence.SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       append([]byte(nil), snap.StateHash[:]...),
		Balances:        make(map[string]string, len(snap.Balances)),
		Supply:          make(map[string]string, len(snap.Supply)),
		Listings:        make([]persistence.ListingSnapshot, 0, len(snap.Listings)),
		Offers:          make([]persistence.OfferSnapshot, 0, len(snap.Offers)),
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       now,
	}
	for key, balance := range snap.Balances {
		data.Balances[key.AccountPath()] = balance.Dec()
	}
	for a, supply := range snap.Supply {
		data.Supply[a.String()] = supply.Dec()
	}
	for _, l := range snap.Listings {
		data.Listings = append(data.Listings, persistence.ListingSnapshot{
			ID:             l.ID,
			Seller:         l.Seller.Hex(),
			DepositAsset:   l.DepositAsset.String(),
			Deposit:        l.Deposit.Dec(),
			MetadataRef:    l.MetadataRef.Hex(),
			UnitsAvailable: l.UnitsAvailable,
			Status:         l.Status.String(),
			CreatedSeq:     l.CreatedSeq,
			UpdatedSeq:     l.UpdatedSeq,
		})
	}
	for _, o := range snap.Offers {
		ofs := persistence.OfferSnapshot{
			ListingID:     o.ListingID,
			ID:            o.ID,
			Buyer:         o.Buyer.Hex(),
			Asset:         o.Asset.String(),
			Value:         o.Value.Dec(),
			Committed:     o.Committed.Dec(),
			MetadataTrail: make([]string, 0, len(o.MetadataTrail)),
			Status:        o.Status.String(),
			CreatedSeq:    o.CreatedSeq,
			UpdatedSeq:    o.UpdatedSeq,
		}
		for _, h := range o.MetadataTrail {
			ofs.MetadataTrail = append(ofs.MetadataTrail, h.Hex())
		}
		if o.DisputeHandle != nil {
			h := uint64(*o.DisputeHandle)
			ofs.DisputeHandle = &h
			ofs.DisputedBy = o.DisputedBy.Hex()
		}
		if o.Ruling != nil {
			r := uint8(*o.Ruling)
			ofs.Ruling = &r
		}
		data.Offers = append(data.Offers, ofs)
	}
	for _, a := range snap.Allowances {
		data.Allowances = append(data.Allowances, persistence.AllowanceSnapshot{
			Owner:   a.Owner.Hex(),
			Spender: a.Spender.Hex(),
			Token:   a.Token.Hex(),
			Amount:  a.Amount.Dec(),
		})
	}
	for _, d := range snap.Delegates {
		data.Delegates = append(data.Delegates, persistence.DelegateSnapshot{
			Address:       d.Address.Hex(),
			Controller:    d.Controller.Hex(),
			AcceptsNative: d.AcceptsNative,
			Nonce:         d.Nonce,
			CreatedSeq:    d.CreatedSeq,
		})
	}
	for h, ref := range snap.DisputeHandles {
		data.DisputeHandles = append(data.DisputeHandles, persistence.HandleSnapshot{
			Handle: uint64(h), ListingID: ref.ListingID, OfferID: ref.OfferID,
		})
	}
	sort.Slice(data.DisputeHandles, func(i, j int) bool {
		return data.DisputeHandles[i].Handle < data.DisputeHandles[j].Handle
	})
	return data
}

// decodeSnapshot is the inverse of encodeSnapshot
func decodeSnapshot(data *persistence.SnapshotData) (*core.SnapshotState, error) {
	snap := &core.SnapshotState{
		Sequence:        data.Sequence,
		Balances:        make(map[ledger.AccountKey]uint256.Int, len(data.Balances)),
		Supply:          make(map[ledger.Asset]uint256.Int, len(data.Supply)),
		DisputeHandles:  make(map[arbitration.Handle]arbitration.OfferRef, len(data.DisputeHandles)),
		IdempotencyKeys: data.IdempotencyKeys,
	}
	if len(data.StateHash) != len(snap.StateHash) {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", data.Sequence, len(data.StateHash))
	}
	copy(snap.StateHash[:], data.StateHash)

	for path, s := range data.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, err
		}
		v, err := parseAmount(path, s)
		if err != nil {
			return nil, err
		}
		snap.Balances[key] = v
	}
	for name, s := range data.Supply {
		a, err := ledger.ParseAsset(name)
		if err != nil {
			return nil, fmt.Errorf("supply asset %q: %w", name, err)
		}
		v, err := parseAmount(name, s)
		if err != nil {
			return nil, err
		}
		snap.Supply[a] = v
	}

	for _, ls := range data.Listings {
		l, err := decodeListing(ls)
		if err != nil {
			return nil, err
		}
		snap.Listings = append(snap.Listings, l)
	}
	for _, ofs := range data.Offers {
		o, err := decodeOffer(ofs)
		if err != nil {
			return nil, err
		}
		snap.Offers = append(snap.Offers, o)
	}

	for _, as := range data.Allowances {
		amount, err := parseAmount("allowance", as.Amount)
		if err != nil {
			return nil, err
		}
		snap.Allowances = append(snap.Allowances, asset.Allowance{
			Owner:   common.HexToAddress(as.Owner),
			Spender: common.HexToAddress(as.Spender),
			Token:   common.HexToAddress(as.Token),
			Amount:  amount,
		})
	}
	for _, ds := range data.Delegates {
		snap.Delegates = append(snap.Delegates, identity.Delegate{
			Address:       common.HexToAddress(ds.Address),
			Controller:    common.HexToAddress(ds.Controller),
			AcceptsNative: ds.AcceptsNative,
			Nonce:         ds.Nonce,
			CreatedSeq:    ds.CreatedSeq,
		})
	}
	for _, hs := range data.DisputeHandles {
		snap.DisputeHandles[arbitration.Handle(hs.Handle)] = arbitration.OfferRef{
			ListingID: hs.ListingID, OfferID: hs.OfferID,
		}
	}
	return snap, nil
}

func decodeListing(ls persistence.ListingSnapshot) (*state.Listing, error) {
	depositAsset, err := ledger.ParseAsset(ls.DepositAsset)
	if err != nil {
		return nil, fmt.Errorf("listing %d: %w", ls.ID, err)
	}
	deposit, err := parseAmount(fmt.Sprintf("listing %d deposit", ls.ID), ls.Deposit)
	if err != nil {
		return nil, err
	}
	status, err := state.ParseListingStatus(ls.Status)
	if err != nil {
		return nil, fmt.Errorf("listing %d: %w", ls.ID, err)
	}
	return &state.Listing{
		ID:             ls.ID,
		Seller:         common.HexToAddress(ls.Seller),
		DepositAsset:   depositAsset,
		Deposit:        deposit,
		MetadataRef:    common.HexToHash(ls.MetadataRef),
		UnitsAvailable: ls.UnitsAvailable,
		Status:         status,
		CreatedSeq:     ls.CreatedSeq,
		UpdatedSeq:     ls.UpdatedSeq,
	}, nil
}

func decodeOffer(ofs persistence.OfferSnapshot) (*state.Offer, error) {
	name := fmt.Sprintf("offer %d/%d", ofs.ListingID, ofs.ID)
	a, err := ledger.ParseAsset(ofs.Asset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	value, err := parseAmount(name+" value", ofs.Value)
	if err != nil {
		return nil, err
	}
	committed, err := parseAmount(name+" committed", ofs.Committed)
	if err != nil {
		return nil, err
	}
	status, err := state.ParseOfferStatus(ofs.Status)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	o := &state.Offer{
		ListingID:     ofs.ListingID,
		ID:            ofs.ID,
		Buyer:         common.HexToAddress(ofs.Buyer),
		Asset:         a,
		Value:         value,
		Committed:     committed,
		MetadataTrail: make([]common.Hash, 0, len(ofs.MetadataTrail)),
		Status:        status,
		CreatedSeq:    ofs.CreatedSeq,
		UpdatedSeq:    ofs.UpdatedSeq,
	}
	for _, h := range ofs.MetadataTrail {
		o.MetadataTrail = append(o.MetadataTrail, common.HexToHash(h))
	}
	if ofs.DisputeHandle != nil {
		h := arbitration.Handle(*ofs.DisputeHandle)
		o.DisputeHandle = &h
		o.DisputedBy = common.HexToAddress(ofs.DisputedBy)
	}
	if ofs.Ruling != nil {
		r, err := arbitration.ParseRuling(uint64(*ofs.Ruling))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		o.Ruling = &r
	}
	return o, nil
}

func parseAmount(field, s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%s: bad amount %q: %w", field, s, err)
	}
	return *v, nil
}

// snapshotter takes periodic snapshots through the sequencer. A snapshot is
// saved unverified and only marked verified once the event log has caught up
// to its sequence, so recovery never starts from state the log cannot back.
type snapshotter struct {
	seq         *core.Sequencer
	snaps       *persistence.SnapshotManager
	everyEvents int64
	interval    time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger

	lastSeq int64
	pending []int64
}

func (s *snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.verifyPending(ctx)

			var snap *core.SnapshotState
			var next int64
			if err := s.seq.View(ctx, func(c *core.DeterministicCore) {
				next = c.GetSequence()
				if next-1-s.lastSeq >= s.everyEvents {
					snap = c.CreateSnapshotState()
				}
			}); err != nil {
				// sequencer stopped: shutdown takes the final snapshot
				return nil
			}
			if snap == nil {
				continue
			}
			if err := s.save(ctx, snap); err != nil {
				s.logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("periodic snapshot failed")
				continue
			}
			s.lastSeq = snap.Sequence
			s.pending = append(s.pending, snap.Sequence)
			s.verifyPending(ctx)
		}
	}
}

func (s *snapshotter) save(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()
	size, err := s.snaps.SaveSnapshot(ctx, encodeSnapshot(snap, start.UTC()))
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

func (s *snapshotter) verifyPending(ctx context.Context) {
	if len(s.pending) == 0 {
		return
	}
	logged, err := s.snaps.GetLatestSequence(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read event log head")
		return
	}
	kept := s.pending[:0]
	for _, seq := range s.pending {
		if seq > logged {
			kept = append(kept, seq)
			continue
		}
		if err := s.snaps.MarkVerified(ctx, seq); err != nil {
			s.logger.Warn().Err(err).Int64("sequence", seq).Msg("mark snapshot verified")
			kept = append(kept, seq)
			continue
		}
		if s.metrics != nil {
			s.metrics.SnapshotLastSeq.Set(float64(seq))
		}
	}
	s.pending = kept
}

// finalSnapshot is taken after the sequencer and persistence worker have
// stopped, so the core can be read directly.
func finalSnapshot(ctx context.Context, c *core.DeterministicCore, s *snapshotter) error {
	snap := c.CreateSnapshotState()
	if snap.Sequence < 0 || snap.Sequence == s.lastSeq {
		s.verifyPending(ctx)
		return nil
	}
	if err := s.save(ctx, snap); err != nil {
		return err
	}
	s.lastSeq = snap.Sequence
	s.pending = append(s.pending, snap.Sequence)
	s.verifyPending(ctx)
	return nil
}
