package core

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/asset"
	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/identity"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Params configures the marketplace the core runs
type Params struct {
	// Market is the custody address fungible holders approve as spender
	Market       common.Address
	DepositAsset ledger.Asset
	// FundingOperators may issue wallet funds; empty means anyone
	FundingOperators []common.Address
	IdempotencyLRU   int
	// ConservationCheckEvery runs the global conservation check every N sequences
	ConservationCheckEvery int64
}

// Deps are the collaborators wired into the core
type Deps struct {
	Tokens         *asset.Registry
	Arbitrator     arbitration.Arbitrator
	Arbitration    arbitration.Config
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

// DeterministicCore is the single-threaded action processor. It owns every
// piece of marketplace state and must only be driven from one goroutine
// (see Sequencer).
type DeterministicCore struct {
	sequence       int64
	hasher         *StateHasher
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	store          *state.Store
	delegates      *identity.Registry
	allowances     *asset.Allowances
	tokens         *asset.Registry
	adapter        *asset.Adapter
	arbitration    *arbitration.Client
	params         Params
	operators      map[common.Address]struct{}
	idempotency    *IdempotencyChecker
	metrics        *observability.Metrics
	logger         zerolog.Logger
	disputesOpen   int64
	replaying      bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// BalanceChange is an account's balance after the action committed. For the
// external bridge account Balance is the asset's issued supply.
type BalanceChange struct {
	Key     ledger.AccountKey
	Balance uint256.Int
}

// CoreOutput is everything downstream workers need about one committed action
type CoreOutput struct {
	Envelope *event.EventEnvelope
	// Event is the action as committed, with any dispute handle filled in
	Event      event.Event
	Batch      *ledger.Batch
	Balances   []BalanceChange
	Listings   []*state.Listing
	Offers     []*state.Offer
	Allowances []asset.Allowance
	Delegates  []identity.Delegate
}

// Receipt is returned to the submitter of an action
type Receipt struct {
	Sequence  int64
	Duplicate bool
	StateHash [32]byte
	Records   []event.Record
}

func NewDeterministicCore(startSequence int64, params Params, deps Deps) *DeterministicCore {
	if params.DepositAsset == (ledger.Asset{}) {
		params.DepositAsset = ledger.NativeAsset()
	}
	if params.ConservationCheckEvery == 0 {
		params.ConservationCheckEvery = 1000
	}
	tokens := deps.Tokens
	if tokens == nil {
		tokens = asset.NewRegistry()
	}

	balanceTracker := ledger.NewBalanceTracker()
	delegates := identity.NewRegistry()
	operators := make(map[common.Address]struct{}, len(params.FundingOperators))
	for _, op := range params.FundingOperators {
		operators[op] = struct{}{}
	}

	return &DeterministicCore{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		balanceTracker: balanceTracker,
		journalGen:     ledger.NewJournalGenerator(balanceTracker),
		validator:      ledger.NewInvariantValidator(balanceTracker),
		store:          state.NewStore(),
		delegates:      delegates,
		allowances:     asset.NewAllowances(),
		tokens:         tokens,
		adapter:        asset.NewAdapter(params.Market, tokens, delegates),
		arbitration:    arbitration.NewClient(deps.Arbitrator, deps.Arbitration),
		params:         params,
		operators:      operators,
		idempotency:    NewIdempotencyChecker(params.IdempotencyLRU, deps.DBChecker, deps.Metrics),
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		persistChan:    deps.PersistChan,
		projectionChan: deps.ProjectionChan,
	}
}

// ProcessEvent is the main processing pipeline. A rejected action returns an
// error and leaves every balance, status and sequence exactly as before.
func (c *DeterministicCore) ProcessEvent(ctx context.Context, evt event.Event) (*Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	meta := evt.Origin()

	if idempotencyKey == "" {
		return nil, c.reject(eventType, fmt.Errorf("%w: missing idempotency key", escrowerr.ErrInvalidArgument))
	}

	// Step 1: Idempotency check (two-tier). Replayed actions are already in the log.
	if !c.replaying && c.idempotency.IsDuplicate(eventType, idempotencyKey) {
		if c.metrics != nil {
			c.metrics.CoreActionsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return &Receipt{Duplicate: true}, nil
	}

	// Step 2: Resolve the effective caller
	caller, err := c.delegates.Resolve(meta.Sender, meta.ActingAs)
	if err != nil {
		return nil, c.reject(eventType, err)
	}

	// Step 3: Dispatch against a staged transaction
	tx := c.begin(ctx, evt, caller)
	if err := c.dispatch(tx, evt); err != nil {
		return nil, c.reject(eventType, fmt.Errorf("%s: %w", eventType, err))
	}

	// Step 4: Validate before anything becomes visible
	batch := tx.journal.Batch()
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			return nil, c.reject(eventType, err)
		}
	}
	if err := c.checkCustody(tx); err != nil {
		c.logger.Error().Err(err).Str("event_type", eventType).Str("key", idempotencyKey).
			Msg("custody mismatch, action discarded")
		return nil, c.reject(eventType, err)
	}
	if err := c.checkBindings(tx); err != nil {
		return nil, c.reject(eventType, err)
	}

	// Digest the staged state before commit clears the staging area
	stateDigest := c.computeStateDigest(tx)

	// Step 5: Commit. ApplyBatch is all-or-nothing; the remaining steps were
	// validated above and cannot fail.
	if len(batch.Journals) > 0 {
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return nil, c.reject(eventType, err)
		}
	}
	output := c.commit(tx, evt)

	// Step 6: State hash chain
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(tx.seq, stateDigest)

	output.Envelope = &event.EventEnvelope{
		Sequence:       tx.seq,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		ListingID:      evt.ListingID(),
		Sender:         meta.Sender,
		Timestamp:      meta.Timestamp,
		Records:        tx.records,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	// Step 7: Periodic global conservation check
	if tx.seq%c.params.ConservationCheckEvery == 0 {
		if err := c.validator.ValidateConservation(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated at seq %d: %v", tx.seq, err))
		}
		c.observeCustody()
	}

	// Step 8: Emit outputs. Persistence is a blocking send (backpressure);
	// projections are best-effort and rebuild from the log if they fall behind.
	if !c.replaying {
		if c.persistChan != nil {
			c.persistChan <- output
		}
		if c.projectionChan != nil {
			select {
			case c.projectionChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
				}
			}
		}
	}

	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.sequence++
	c.observe(eventType, tx, start)

	return &Receipt{
		Sequence:  output.Envelope.Sequence,
		StateHash: stateHash,
		Records:   tx.records,
	}, nil
}

// ReplayEvent re-applies an action read back from the event log. The action
// must land on the sequence it was logged at and reproduce the logged hash.
func (c *DeterministicCore) ReplayEvent(ctx context.Context, evt event.Event, sequence int64, stateHash [32]byte) error {
	if sequence != c.sequence {
		return fmt.Errorf("%w: replay of seq %d at core seq %d", escrowerr.ErrInvariantViolation, sequence, c.sequence)
	}
	c.replaying = true
	defer func() { c.replaying = false }()

	receipt, err := c.ProcessEvent(ctx, evt)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", sequence, err)
	}
	if receipt.StateHash != stateHash {
		return fmt.Errorf("%w: replay seq %d hash %x, logged %x", escrowerr.ErrInvariantViolation,
			sequence, receipt.StateHash[:8], stateHash[:8])
	}
	return nil
}

func (c *DeterministicCore) dispatch(tx *actionTx, evt event.Event) error {
	switch e := evt.(type) {
	case *event.CreateListing:
		return c.handleCreateListing(tx, e)
	case *event.UpdateListing:
		return c.handleUpdateListing(tx, e)
	case *event.WithdrawListing:
		return c.handleWithdrawListing(tx, e)
	case *event.CreateOffer:
		return c.handleCreateOffer(tx, e)
	case *event.AcceptOffer:
		return c.handleAcceptOffer(tx, e)
	case *event.WithdrawOffer:
		return c.handleWithdrawOffer(tx, e)
	case *event.Finalize:
		return c.handleFinalize(tx, e)
	case *event.Dispute:
		return c.handleDispute(tx, e)
	case *event.Ruling:
		return c.handleRuling(tx, e)
	case *event.FundWallet:
		return c.handleFundWallet(tx, e)
	case *event.Transfer:
		return c.handleTransfer(tx, e)
	case *event.Approve:
		return c.handleApprove(tx, e)
	case *event.RegisterDelegate:
		return c.handleRegisterDelegate(tx, e)
	case *event.ClaimPayout:
		return c.handleClaimPayout(tx, e)
	default:
		return fmt.Errorf("%w: unknown event type %T", escrowerr.ErrInvalidArgument, evt)
	}
}

// checkCustody verifies that every touched listing and offer custody account
// holds exactly what the entity records.
func (c *DeterministicCore) checkCustody(tx *actionTx) error {
	for _, l := range tx.entities.TouchedListings() {
		key := l.CustodyKey()
		held := l.HeldDeposit()
		if err := ledger.ValidateCustody(tx.journal.Balance(key), key, &held); err != nil {
			return err
		}
	}
	for _, o := range tx.entities.TouchedOffers() {
		key := o.CustodyKey()
		if err := ledger.ValidateCustody(tx.journal.Balance(key), key, &o.Value); err != nil {
			return err
		}
	}
	return nil
}

// checkBindings validates staged delegates and dispute handles against the
// committed registries.
func (c *DeterministicCore) checkBindings(tx *actionTx) error {
	for _, d := range tx.delegates {
		if _, exists := c.delegates.Get(d.Address); exists {
			return fmt.Errorf("%w: delegate %s already registered", escrowerr.ErrInvariantViolation, d.Address.Hex())
		}
	}
	for _, b := range tx.bindings {
		if existing, taken := c.arbitration.Lookup(b.handle); taken && existing != b.ref {
			return fmt.Errorf("%w: handle %d already bound to %d/%d", escrowerr.ErrInvariantViolation,
				b.handle, existing.ListingID, existing.OfferID)
		}
	}
	return nil
}

// commit makes the staged entity, allowance and registry changes visible
// and captures the post-commit view for downstream workers.
func (c *DeterministicCore) commit(tx *actionTx, evt event.Event) CoreOutput {
	listings := tx.entities.TouchedListings()
	offers := tx.entities.TouchedOffers()
	allowanceChanges := tx.allowances.Changes()

	tx.allowances.Commit()
	tx.entities.Commit()
	for _, d := range tx.delegates {
		if err := c.delegates.Add(d); err != nil {
			panic(fmt.Sprintf("FATAL: delegate commit after validation: %v", err))
		}
	}
	for _, b := range tx.bindings {
		if err := c.arbitration.Register(b.handle, b.ref); err != nil {
			panic(fmt.Sprintf("FATAL: handle commit after validation: %v", err))
		}
	}
	if d, ok := evt.(*event.Dispute); ok && tx.raised != nil {
		h := *tx.raised
		d.Handle = &h
	}

	touched := tx.touchedAccounts()
	balances := make([]BalanceChange, len(touched))
	for i, key := range touched {
		bal := c.balanceTracker.GetBalance(key)
		if key.Scope == ledger.ScopeExternal {
			bal = c.balanceTracker.Supply(key.Asset)
		}
		balances[i] = BalanceChange{Key: key, Balance: bal}
	}

	out := CoreOutput{
		Event:      evt,
		Batch:      tx.journal.Batch(),
		Balances:   balances,
		Allowances: allowanceChanges,
		Delegates:  tx.delegates,
	}
	for _, l := range listings {
		out.Listings = append(out.Listings, l.Clone())
	}
	for _, o := range offers {
		out.Offers = append(out.Offers, o.Clone())
	}
	return out
}

// computeStateDigest creates canonical bytes for the state hash: the touched
// accounts with their post-action balances followed by a keccak digest of the
// touched entities.
func (c *DeterministicCore) computeStateDigest(tx *actionTx) []byte {
	accounts := tx.touchedAccounts()
	digest := make([]byte, 0, len(accounts)*96+32)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = appendUint16BE(digest, uint16(len(path)))
		digest = append(digest, path...)
		balance := tx.journal.Balance(key)
		b := balance.Bytes32()
		digest = append(digest, b[:]...)
	}

	entities := make([]byte, 0, 256)
	for _, l := range tx.entities.TouchedListings() {
		entities = appendListing(entities, l)
	}
	for _, o := range tx.entities.TouchedOffers() {
		entities = appendOffer(entities, o)
	}
	for _, a := range tx.allowances.Changes() {
		entities = append(entities, a.Owner.Bytes()...)
		entities = append(entities, a.Spender.Bytes()...)
		entities = append(entities, a.Token.Bytes()...)
		b := a.Amount.Bytes32()
		entities = append(entities, b[:]...)
	}
	for _, d := range tx.delegates {
		entities = append(entities, d.Address.Bytes()...)
		entities = append(entities, d.Controller.Bytes()...)
		entities = appendUint64BE(entities, d.Nonce)
		entities = appendBool(entities, d.AcceptsNative)
	}
	for _, b := range tx.bindings {
		entities = appendUint64BE(entities, uint64(b.handle))
		entities = appendUint64BE(entities, b.ref.ListingID)
		entities = appendUint64BE(entities, b.ref.OfferID)
	}

	return append(digest, crypto.Keccak256(entities)...)
}

func appendListing(buf []byte, l *state.Listing) []byte {
	buf = append(buf, 'L')
	buf = appendUint64BE(buf, l.ID)
	buf = append(buf, l.Seller.Bytes()...)
	buf = append(buf, l.DepositAsset.String()...)
	d := l.Deposit.Bytes32()
	buf = append(buf, d[:]...)
	buf = append(buf, l.MetadataRef.Bytes()...)
	buf = appendUint64BE(buf, l.UnitsAvailable)
	return append(buf, byte(l.Status))
}

func appendOffer(buf []byte, o *state.Offer) []byte {
	buf = append(buf, 'O')
	buf = appendUint64BE(buf, o.ListingID)
	buf = appendUint64BE(buf, o.ID)
	buf = append(buf, o.Buyer.Bytes()...)
	buf = append(buf, o.Asset.String()...)
	v := o.Value.Bytes32()
	buf = append(buf, v[:]...)
	buf = append(buf, o.LatestMetadata().Bytes()...)
	buf = appendUint64BE(buf, uint64(len(o.MetadataTrail)))
	buf = append(buf, byte(o.Status))
	if o.DisputeHandle != nil {
		buf = appendUint64BE(buf, uint64(*o.DisputeHandle))
		buf = append(buf, o.DisputedBy.Bytes()...)
	}
	if o.Ruling != nil {
		buf = append(buf, byte(*o.Ruling))
	}
	return buf
}

func appendUint64BE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}

func appendUint16BE(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func (c *DeterministicCore) reject(eventType string, err error) error {
	if c.metrics != nil {
		c.metrics.CoreActionsRejected.WithLabelValues(eventType, escrowerr.Class(err)).Inc()
	}
	c.logger.Debug().Err(err).Str("event_type", eventType).Msg("action rejected")
	return err
}

func (c *DeterministicCore) observe(eventType string, tx *actionTx, start time.Time) {
	for _, r := range tx.records {
		switch r.Kind {
		case event.RecordOfferDisputed:
			c.disputesOpen++
		case event.RecordOfferRuled:
			c.disputesOpen--
		}
	}
	if c.metrics == nil {
		return
	}
	c.metrics.CoreActionsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreActionDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.DisputesOpen.Set(float64(c.disputesOpen))
	for _, j := range tx.journal.Batch().Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	for _, r := range tx.records {
		switch r.Kind {
		case event.RecordOfferCreated:
			c.metrics.OfferTransitions.WithLabelValues(state.OfferStatusCreated.String()).Inc()
		case event.RecordOfferAccepted:
			c.metrics.OfferTransitions.WithLabelValues(state.OfferStatusAccepted.String()).Inc()
		case event.RecordOfferWithdrawn:
			c.metrics.OfferTransitions.WithLabelValues(state.OfferStatusWithdrawn.String()).Inc()
		case event.RecordOfferFinalized:
			c.metrics.OfferTransitions.WithLabelValues(state.OfferStatusFinalized.String()).Inc()
		case event.RecordOfferDisputed:
			c.metrics.OfferTransitions.WithLabelValues(state.OfferStatusDisputed.String()).Inc()
		case event.RecordOfferRuled:
			c.metrics.OfferTransitions.WithLabelValues(state.OfferStatusRuled.String()).Inc()
			c.metrics.RulingsApplied.WithLabelValues(r.Ruling).Inc()
		case event.RecordPayoutDeferred:
			c.metrics.PayoutsDeferred.WithLabelValues(r.Asset).Inc()
		}
	}
}

// observeCustody publishes custody totals; float conversion is approximate
func (c *DeterministicCore) observeCustody() {
	if c.metrics == nil {
		return
	}
	totals, err := c.balanceTracker.CustodyTotals()
	if err != nil {
		c.logger.Warn().Err(err).Msg("custody totals overflow")
		return
	}
	assets := make([]ledger.Asset, 0, len(totals))
	for a := range totals {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].String() < assets[j].String() })
	for _, a := range assets {
		total := totals[a]
		f, _ := new(big.Float).SetInt(total.ToBig()).Float64()
		c.metrics.CustodyHeld.WithLabelValues(a.String()).Set(f)
	}
}
