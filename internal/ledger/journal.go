package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeFunding JournalType = iota
	JournalTypeWalletTransfer
	JournalTypeDepositStake
	JournalTypeDepositRefund
	JournalTypeEscrowLock
	JournalTypeEscrowRelease
	JournalTypeEscrowRefund
	JournalTypePayoutDeferred
	JournalTypePayoutClaim
	JournalTypeArbitrationFee
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeFunding:
		return "funding"
	case JournalTypeWalletTransfer:
		return "wallet_transfer"
	case JournalTypeDepositStake:
		return "deposit_stake"
	case JournalTypeDepositRefund:
		return "deposit_refund"
	case JournalTypeEscrowLock:
		return "escrow_lock"
	case JournalTypeEscrowRelease:
		return "escrow_release"
	case JournalTypeEscrowRefund:
		return "escrow_refund"
	case JournalTypePayoutDeferred:
		return "payout_deferred"
	case JournalTypePayoutClaim:
		return "payout_claim"
	case JournalTypeArbitrationFee:
		return "arbitration_fee"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries of one action
	EventRef      string      // Idempotency key of source action
	Sequence      int64       // Global ledger sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Asset         Asset       // Asset being transferred
	Amount        uint256.Int // Smallest units, never zero
	JournalType   JournalType // Entry type
	Timestamp     int64       // Action timestamp (epoch microseconds)
}

// Batch represents all journal entries of one committed action
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each entry moves a single amount from credit to debit, so every entry is
// balanced by construction. Both sides must carry the journal's asset: a
// transfer can never convert one asset into another.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets (%s -> %s as %s)", j.JournalID,
				j.CreditAccount.AccountPath(), j.DebitAccount.AccountPath(), j.Asset)
		}
		if j.DebitAccount.Scope == ScopeExternal {
			return fmt.Errorf("journal %s debits the external bridge", j.JournalID)
		}
	}

	return nil
}
