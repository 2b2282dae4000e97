package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// ScopeWallet holds spendable funds of an address (the asset contract's balanceOf)
	ScopeWallet AccountScope = iota
	// ScopeClaimable holds native payouts a recipient rejected; pulled with ClaimPayout
	ScopeClaimable
	// ScopeListingDeposit is the custody of one listing's deposit
	ScopeListingDeposit
	// ScopeOfferEscrow is the custody of one offer's value
	ScopeOfferEscrow
	// ScopeArbitrationFees collects fees paid to an arbitrator
	ScopeArbitrationFees
	// ScopeExternal is the bridge that issues funds into the ledger
	ScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case ScopeWallet:
		return "wallet"
	case ScopeClaimable:
		return "claimable"
	case ScopeListingDeposit:
		return "custody:deposit"
	case ScopeOfferEscrow:
		return "custody:escrow"
	case ScopeArbitrationFees:
		return "fees"
	case ScopeExternal:
		return "external:bridge"
	default:
		return "unknown"
	}
}

// AccountKey is the in-memory key for balance tracking.
// Owner is set for wallet, claimable and fee accounts; ListingID/OfferID for
// custody accounts. Each listing and each offer gets its own custody key so
// custody is never pooled across entities.
type AccountKey struct {
	Scope     AccountScope
	Owner     common.Address
	ListingID uint64
	OfferID   uint64
	Asset     Asset
}

func WalletAccount(owner common.Address, asset Asset) AccountKey {
	return AccountKey{Scope: ScopeWallet, Owner: owner, Asset: asset}
}

func ClaimableAccount(owner common.Address, asset Asset) AccountKey {
	return AccountKey{Scope: ScopeClaimable, Owner: owner, Asset: asset}
}

func DepositCustody(listingID uint64, asset Asset) AccountKey {
	return AccountKey{Scope: ScopeListingDeposit, ListingID: listingID, Asset: asset}
}

func EscrowCustody(listingID, offerID uint64, asset Asset) AccountKey {
	return AccountKey{Scope: ScopeOfferEscrow, ListingID: listingID, OfferID: offerID, Asset: asset}
}

func FeeAccount(arbitrator common.Address, asset Asset) AccountKey {
	return AccountKey{Scope: ScopeArbitrationFees, Owner: arbitrator, Asset: asset}
}

func ExternalAccount(asset Asset) AccountKey {
	return AccountKey{Scope: ScopeExternal, Asset: asset}
}

// IsCustody reports whether the account is held by the marketplace on behalf
// of a listing or offer.
func (k AccountKey) IsCustody() bool {
	return k.Scope == ScopeListingDeposit || k.Scope == ScopeOfferEscrow
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case ScopeWallet, ScopeClaimable, ScopeArbitrationFees:
		return fmt.Sprintf("%s:%s:%s", k.Scope, k.Owner.Hex(), k.Asset)
	case ScopeListingDeposit:
		return fmt.Sprintf("%s:%d:%s", k.Scope, k.ListingID, k.Asset)
	case ScopeOfferEscrow:
		return fmt.Sprintf("%s:%d:%d:%s", k.Scope, k.ListingID, k.OfferID, k.Asset)
	case ScopeExternal:
		return fmt.Sprintf("%s:%s", k.Scope, k.Asset)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath (used by snapshot restore)
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	// Asset occupies the trailing one ("native") or two ("token", addr) parts.
	assetParts := 1
	if len(parts) >= 2 && parts[len(parts)-2] == "token" {
		assetParts = 2
	}
	if len(parts) <= assetParts {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	asset, err := ParseAsset(strings.Join(parts[len(parts)-assetParts:], ":"))
	if err != nil {
		return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
	}
	head := parts[:len(parts)-assetParts]

	parseID := func(s string) (uint64, error) {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("account path %q: bad id %q", path, s)
		}
		return id, nil
	}

	switch {
	case len(head) == 2 && (head[0] == "wallet" || head[0] == "claimable" || head[0] == "fees"):
		if !common.IsHexAddress(head[1]) {
			return AccountKey{}, fmt.Errorf("account path %q: bad owner", path)
		}
		owner := common.HexToAddress(head[1])
		switch head[0] {
		case "wallet":
			return WalletAccount(owner, asset), nil
		case "claimable":
			return ClaimableAccount(owner, asset), nil
		default:
			return FeeAccount(owner, asset), nil
		}
	case len(head) == 3 && head[0] == "custody" && head[1] == "deposit":
		id, err := parseID(head[2])
		if err != nil {
			return AccountKey{}, err
		}
		return DepositCustody(id, asset), nil
	case len(head) == 4 && head[0] == "custody" && head[1] == "escrow":
		listingID, err := parseID(head[2])
		if err != nil {
			return AccountKey{}, err
		}
		offerID, err := parseID(head[3])
		if err != nil {
			return AccountKey{}, err
		}
		return EscrowCustody(listingID, offerID, asset), nil
	case len(head) == 2 && head[0] == "external" && head[1] == "bridge":
		return ExternalAccount(asset), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account path %q", path)
}
