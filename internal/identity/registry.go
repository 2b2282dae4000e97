// Package identity resolves "acting-as" callers. A delegate is a forwarding
// account owned by a controller; when the controller acts through it, the
// delegate's address is the party the marketplace sees and records.
package identity

import (
	"fmt"
	"sort"

	escrowerr "EscrowLedger/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Delegate captures a registered forwarding account.
type Delegate struct {
	Address    common.Address `json:"address"`
	Controller common.Address `json:"controller"`
	// AcceptsNative is false for delegates that reject incoming native value.
	// Native payouts to them are deferred to a claimable balance.
	AcceptsNative bool   `json:"accepts_native"`
	Nonce         uint64 `json:"nonce"`
	CreatedSeq    int64  `json:"created_seq"`
}

// Registry holds delegates and the per-controller creation nonce.
// Not thread-safe: only accessed from the sequencer goroutine.
type Registry struct {
	delegates map[common.Address]Delegate
	nonces    map[common.Address]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		delegates: make(map[common.Address]Delegate),
		nonces:    make(map[common.Address]uint64),
	}
}

// Prepare derives the next delegate for controller without registering it.
// The address follows contract-creation derivation, so it is deterministic
// across replays.
func (r *Registry) Prepare(controller common.Address, acceptsNative bool, seq int64) Delegate {
	nonce := r.nonces[controller]
	return Delegate{
		Address:       crypto.CreateAddress(controller, nonce),
		Controller:    controller,
		AcceptsNative: acceptsNative,
		Nonce:         nonce,
		CreatedSeq:    seq,
	}
}

// Add registers a prepared delegate
func (r *Registry) Add(d Delegate) error {
	if _, exists := r.delegates[d.Address]; exists {
		return fmt.Errorf("%w: delegate %s already registered", escrowerr.ErrInvalidState, d.Address.Hex())
	}
	if d.Nonce != r.nonces[d.Controller] {
		return fmt.Errorf("%w: stale delegate nonce %d for %s", escrowerr.ErrInvalidState, d.Nonce, d.Controller.Hex())
	}
	r.delegates[d.Address] = d
	r.nonces[d.Controller] = d.Nonce + 1
	return nil
}

// Resolve returns the effective caller. With no actingAs (or actingAs equal to
// the sender) the sender acts for itself. Otherwise actingAs must be a
// delegate controlled by sender.
func (r *Registry) Resolve(sender common.Address, actingAs *common.Address) (common.Address, error) {
	if actingAs == nil || *actingAs == sender {
		return sender, nil
	}
	d, ok := r.delegates[*actingAs]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s is not a registered delegate", escrowerr.ErrUnauthorized, actingAs.Hex())
	}
	if d.Controller != sender {
		return common.Address{}, fmt.Errorf("%w: %s does not control delegate %s", escrowerr.ErrUnauthorized, sender.Hex(), actingAs.Hex())
	}
	return d.Address, nil
}

// AcceptsNative reports whether a direct native transfer to addr succeeds.
// Plain accounts always accept.
func (r *Registry) AcceptsNative(addr common.Address) bool {
	d, ok := r.delegates[addr]
	return !ok || d.AcceptsNative
}

func (r *Registry) Get(addr common.Address) (Delegate, bool) {
	d, ok := r.delegates[addr]
	return d, ok
}

// All returns every delegate ordered by address
func (r *Registry) All() []Delegate {
	out := make([]Delegate, 0, len(r.delegates))
	for _, d := range r.delegates {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

// Restore loads delegates from a snapshot, rebuilding controller nonces
func (r *Registry) Restore(delegates []Delegate) {
	for _, d := range delegates {
		r.delegates[d.Address] = d
		if d.Nonce+1 > r.nonces[d.Controller] {
			r.nonces[d.Controller] = d.Nonce + 1
		}
	}
}
