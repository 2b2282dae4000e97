package asset

import (
	"fmt"
	"sort"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// Token describes a fungible asset contract the marketplace accepts
type Token struct {
	Contract common.Address `mapstructure:"contract" json:"contract"`
	Symbol   string         `mapstructure:"symbol" json:"symbol"`
	Decimals uint8          `mapstructure:"decimals" json:"decimals"`
}

// Registry lists the fungible tokens that may be escrowed or staked
type Registry struct {
	tokens map[common.Address]Token
}

func NewRegistry(tokens ...Token) *Registry {
	r := &Registry{tokens: make(map[common.Address]Token, len(tokens))}
	for _, t := range tokens {
		r.tokens[t.Contract] = t
	}
	return r
}

// Supported fails with TransferFailed for unregistered tokens: there is no
// contract to move them through.
func (r *Registry) Supported(a ledger.Asset) error {
	if a.IsNative() {
		return nil
	}
	if _, ok := r.tokens[a.Contract]; !ok {
		return fmt.Errorf("%w: unknown token %s", escrowerr.ErrTransferFailed, a.Contract.Hex())
	}
	return nil
}

func (r *Registry) Get(contract common.Address) (Token, bool) {
	t, ok := r.tokens[contract]
	return t, ok
}

// Symbol returns a display label for metrics
func (r *Registry) Symbol(a ledger.Asset) string {
	if a.IsNative() {
		return "native"
	}
	if t, ok := r.tokens[a.Contract]; ok && t.Symbol != "" {
		return t.Symbol
	}
	return a.Contract.Hex()
}

// All returns registered tokens ordered by contract address
func (r *Registry) All() []Token {
	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract.Cmp(out[j].Contract) < 0 })
	return out
}
