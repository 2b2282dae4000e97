package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AssetKind tags the variant held by an Asset
type AssetKind uint8

const (
	AssetNative AssetKind = iota
	AssetFungible
)

// Asset is either the chain's native value or a fungible token identified by
// its contract address. The zero value is the native asset. Asset is
// comparable and used directly inside AccountKey.
type Asset struct {
	Kind     AssetKind
	Contract common.Address
}

// NativeAsset returns the native-value variant
func NativeAsset() Asset {
	return Asset{Kind: AssetNative}
}

// FungibleAsset returns the token variant for contract
func FungibleAsset(contract common.Address) Asset {
	return Asset{Kind: AssetFungible, Contract: contract}
}

func (a Asset) IsNative() bool {
	return a.Kind == AssetNative
}

// String renders "native" or "token:0x..." (the storage and wire form)
func (a Asset) String() string {
	if a.IsNative() {
		return "native"
	}
	return "token:" + a.Contract.Hex()
}

// ParseAsset accepts "native", "token:0x..." or a bare contract address
func ParseAsset(s string) (Asset, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || strings.EqualFold(s, "native"):
		return NativeAsset(), nil
	case strings.HasPrefix(strings.ToLower(s), "token:"):
		s = s[len("token:"):]
	}
	if !common.IsHexAddress(s) {
		return Asset{}, fmt.Errorf("invalid asset %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return Asset{}, fmt.Errorf("invalid asset %q: zero contract address", s)
	}
	return FungibleAsset(addr), nil
}

func (a Asset) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Asset) UnmarshalText(text []byte) error {
	parsed, err := ParseAsset(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
