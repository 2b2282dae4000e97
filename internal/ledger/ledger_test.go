package ledger_test

import (
	"errors"
	"testing"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	dai   = ledger.FungibleAsset(common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f"))
)

func fund(t *testing.T, bt *ledger.BalanceTracker, owner common.Address, asset ledger.Asset, amount uint64) {
	t.Helper()
	d := ledger.NewJournalGenerator(bt).Begin("fund", 0, 0)
	if err := d.Move(ledger.JournalTypeFunding, ledger.ExternalAccount(asset), ledger.WalletAccount(owner, asset), uint256.NewInt(amount)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := bt.ApplyBatch(d.Batch()); err != nil {
		t.Fatalf("apply fund: %v", err)
	}
}

func balanceOf(bt *ledger.BalanceTracker, key ledger.AccountKey) uint64 {
	v := bt.GetBalance(key)
	return v.Uint64()
}

// ============================================================================
// Test: Asset and AccountKey
// ============================================================================

func TestAsset_ParseRoundTrip(t *testing.T) {
	for _, a := range []ledger.Asset{ledger.NativeAsset(), dai} {
		parsed, err := ledger.ParseAsset(a.String())
		if err != nil {
			t.Fatalf("parse %s: %v", a, err)
		}
		if parsed != a {
			t.Errorf("got %v, want %v", parsed, a)
		}
	}

	bare, err := ledger.ParseAsset("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	if err != nil || bare != dai {
		t.Errorf("bare contract address should parse as token, got %v (%v)", bare, err)
	}
	if _, err := ledger.ParseAsset("token:0x0000000000000000000000000000000000000000"); err == nil {
		t.Error("zero contract address must be rejected")
	}
	if _, err := ledger.ParseAsset("DOGE"); err == nil {
		t.Error("DOGE should not parse")
	}
}

func TestAccountKey_Paths(t *testing.T) {
	cases := []struct {
		path string
		key  ledger.AccountKey
	}{
		{"wallet:" + alice.Hex() + ":native", ledger.WalletAccount(alice, ledger.NativeAsset())},
		{"claimable:" + bob.Hex() + ":native", ledger.ClaimableAccount(bob, ledger.NativeAsset())},
		{"custody:deposit:7:native", ledger.DepositCustody(7, ledger.NativeAsset())},
		{"custody:escrow:7:2:token:0x6B175474E89094C44Da98b954EedeAC495271d0F", ledger.EscrowCustody(7, 2, dai)},
		{"external:bridge:token:0x6B175474E89094C44Da98b954EedeAC495271d0F", ledger.ExternalAccount(dai)},
		{"fees:" + bob.Hex() + ":token:0x6B175474E89094C44Da98b954EedeAC495271d0F", ledger.FeeAccount(bob, dai)},
	}
	for _, tc := range cases {
		path, key := tc.path, tc.key
		if got := key.AccountPath(); got != path {
			t.Errorf("path: got %q, want %q", got, path)
		}
		parsed, err := ledger.ParseAccountPath(path)
		if err != nil {
			t.Fatalf("parse %q: %v", path, err)
		}
		if parsed != key {
			t.Errorf("parse %q: got %+v, want %+v", path, parsed, key)
		}
	}

	if _, err := ledger.ParseAccountPath("custody:escrow:x:1:native"); err == nil {
		t.Error("bad listing id should fail")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_FundingRaisesSupply(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, alice, ledger.NativeAsset(), 100)

	if got := balanceOf(bt, ledger.WalletAccount(alice, ledger.NativeAsset())); got != 100 {
		t.Errorf("wallet: got %d, want 100", got)
	}
	supply := bt.Supply(ledger.NativeAsset())
	if supply.Uint64() != 100 {
		t.Errorf("supply: got %s, want 100", supply.Dec())
	}
	if err := ledger.NewInvariantValidator(bt).ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestBalanceTracker_ApplyBatchIsAllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, alice, ledger.NativeAsset(), 10)

	batch := &ledger.Batch{BatchID: [16]byte{1}}
	wallet := ledger.WalletAccount(alice, ledger.NativeAsset())
	escrow := ledger.EscrowCustody(0, 0, ledger.NativeAsset())
	batch.Journals = []ledger.Journal{
		{BatchID: batch.BatchID, CreditAccount: wallet, DebitAccount: escrow, Asset: ledger.NativeAsset(), Amount: *uint256.NewInt(6)},
		{BatchID: batch.BatchID, CreditAccount: wallet, DebitAccount: escrow, Asset: ledger.NativeAsset(), Amount: *uint256.NewInt(6)},
	}

	err := bt.ApplyBatch(batch)
	if !errors.Is(err, escrowerr.ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if got := balanceOf(bt, wallet); got != 10 {
		t.Errorf("wallet must be untouched, got %d", got)
	}
	if got := balanceOf(bt, escrow); got != 0 {
		t.Errorf("escrow must be untouched, got %d", got)
	}
}

func TestBalanceTracker_OverflowRejected(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	max := new(uint256.Int).SetAllOne()

	d := ledger.NewJournalGenerator(bt).Begin("max", 0, 0)
	if err := d.Move(ledger.JournalTypeFunding, ledger.ExternalAccount(dai), ledger.WalletAccount(alice, dai), max); err != nil {
		t.Fatalf("first funding: %v", err)
	}
	err := d.Move(ledger.JournalTypeFunding, ledger.ExternalAccount(dai), ledger.WalletAccount(bob, dai), uint256.NewInt(1))
	if !errors.Is(err, escrowerr.ErrOverflow) {
		t.Fatalf("expected overflow on supply, got %v", err)
	}
	if len(d.Batch().Journals) != 1 {
		t.Errorf("failed move must not be staged, have %d journals", len(d.Batch().Journals))
	}
}

// ============================================================================
// Test: Draft
// ============================================================================

func TestDraft_StagesWithoutApplying(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, alice, ledger.NativeAsset(), 50)
	wallet := ledger.WalletAccount(alice, ledger.NativeAsset())
	deposit := ledger.DepositCustody(0, ledger.NativeAsset())

	d := ledger.NewJournalGenerator(bt).Begin("stake", 1, 0)
	if err := d.Move(ledger.JournalTypeDepositStake, wallet, deposit, uint256.NewInt(30)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	staged := d.Balance(wallet)
	if staged.Uint64() != 20 {
		t.Errorf("staged wallet: got %s, want 20", staged.Dec())
	}
	if got := balanceOf(bt, wallet); got != 50 {
		t.Errorf("committed wallet must stay 50 until applied, got %d", got)
	}

	// Second move sees the first one.
	if err := d.Move(ledger.JournalTypeDepositStake, wallet, deposit, uint256.NewInt(30)); !errors.Is(err, escrowerr.ErrTransferFailed) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	if err := bt.ApplyBatch(d.Batch()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := balanceOf(bt, deposit); got != 30 {
		t.Errorf("deposit custody: got %d, want 30", got)
	}
	if err := ledger.NewInvariantValidator(bt).ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestDraft_RejectsCrossAssetAndSelfMoves(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	d := ledger.NewJournalGenerator(bt).Begin("x", 0, 0)

	err := d.Move(ledger.JournalTypeWalletTransfer, ledger.WalletAccount(alice, dai), ledger.WalletAccount(bob, ledger.NativeAsset()), uint256.NewInt(1))
	if !errors.Is(err, escrowerr.ErrInvariantViolation) {
		t.Errorf("cross asset: got %v", err)
	}
	err = d.Move(ledger.JournalTypeWalletTransfer, ledger.WalletAccount(alice, dai), ledger.WalletAccount(alice, dai), uint256.NewInt(1))
	if !errors.Is(err, escrowerr.ErrInvariantViolation) {
		t.Errorf("self move: got %v", err)
	}
	if err := d.Move(ledger.JournalTypeWalletTransfer, ledger.WalletAccount(alice, dai), ledger.WalletAccount(bob, dai), new(uint256.Int)); err != nil {
		t.Errorf("zero move should be a no-op, got %v", err)
	}
	if len(d.Batch().Journals) != 0 {
		t.Errorf("expected no journals, got %d", len(d.Batch().Journals))
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_Validate(t *testing.T) {
	id := [16]byte{9}
	wallet := ledger.WalletAccount(alice, ledger.NativeAsset())
	escrow := ledger.EscrowCustody(1, 0, ledger.NativeAsset())

	empty := &ledger.Batch{BatchID: id}
	if err := empty.Validate(); err == nil {
		t.Error("empty batch should fail")
	}

	zero := &ledger.Batch{BatchID: id, Journals: []ledger.Journal{{BatchID: id, CreditAccount: wallet, DebitAccount: escrow, Asset: ledger.NativeAsset()}}}
	if err := zero.Validate(); err == nil {
		t.Error("zero amount should fail")
	}

	external := &ledger.Batch{BatchID: id, Journals: []ledger.Journal{{BatchID: id, CreditAccount: wallet, DebitAccount: ledger.ExternalAccount(ledger.NativeAsset()), Asset: ledger.NativeAsset(), Amount: *uint256.NewInt(1)}}}
	if err := external.Validate(); err == nil {
		t.Error("debiting the bridge should fail")
	}

	ok := &ledger.Batch{BatchID: id, Journals: []ledger.Journal{{BatchID: id, CreditAccount: wallet, DebitAccount: escrow, Asset: ledger.NativeAsset(), Amount: *uint256.NewInt(1)}}}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid batch: %v", err)
	}
}

func TestValidateCustody(t *testing.T) {
	key := ledger.EscrowCustody(0, 0, ledger.NativeAsset())
	if err := ledger.ValidateCustody(*uint256.NewInt(10), key, uint256.NewInt(10)); err != nil {
		t.Errorf("matching custody: %v", err)
	}
	if err := ledger.ValidateCustody(*uint256.NewInt(9), key, uint256.NewInt(10)); !errors.Is(err, escrowerr.ErrInvariantViolation) {
		t.Errorf("mismatch should be an invariant violation, got %v", err)
	}
}
