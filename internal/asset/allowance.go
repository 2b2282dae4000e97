package asset

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Allowance is one approve(spender, amount) entry of a token contract
type Allowance struct {
	Owner   common.Address
	Spender common.Address
	Token   common.Address
	Amount  uint256.Int
}

type allowanceKey struct {
	owner, spender, token common.Address
}

// Allowances holds committed token approvals
type Allowances struct {
	entries map[allowanceKey]uint256.Int
}

func NewAllowances() *Allowances {
	return &Allowances{entries: make(map[allowanceKey]uint256.Int)}
}

func (a *Allowances) Get(owner, spender, token common.Address) uint256.Int {
	return a.entries[allowanceKey{owner, spender, token}]
}

// Stage opens a write set that is invisible until Commit
func (a *Allowances) Stage() *AllowanceStage {
	return &AllowanceStage{base: a, writes: make(map[allowanceKey]uint256.Int)}
}

// Snapshot lists non-zero allowances in a stable order
func (a *Allowances) Snapshot() []Allowance {
	out := make([]Allowance, 0, len(a.entries))
	for k, v := range a.entries {
		out = append(out, Allowance{Owner: k.owner, Spender: k.spender, Token: k.token, Amount: v})
	}
	sortAllowances(out)
	return out
}

func (a *Allowances) Restore(entries []Allowance) {
	for _, e := range entries {
		a.set(allowanceKey{e.Owner, e.Spender, e.Token}, e.Amount)
	}
}

func (a *Allowances) set(k allowanceKey, v uint256.Int) {
	if v.IsZero() {
		delete(a.entries, k)
		return
	}
	a.entries[k] = v
}

// AllowanceStage is the allowance half of an action's staged state
type AllowanceStage struct {
	base   *Allowances
	writes map[allowanceKey]uint256.Int
}

func (s *AllowanceStage) Get(owner, spender, token common.Address) uint256.Int {
	k := allowanceKey{owner, spender, token}
	if v, ok := s.writes[k]; ok {
		return v
	}
	return s.base.entries[k]
}

func (s *AllowanceStage) Set(owner, spender, token common.Address, amount uint256.Int) {
	s.writes[allowanceKey{owner, spender, token}] = amount
}

// Changes lists staged writes in a stable order
func (s *AllowanceStage) Changes() []Allowance {
	out := make([]Allowance, 0, len(s.writes))
	for k, v := range s.writes {
		out = append(out, Allowance{Owner: k.owner, Spender: k.spender, Token: k.token, Amount: v})
	}
	sortAllowances(out)
	return out
}

func (s *AllowanceStage) Commit() {
	for k, v := range s.writes {
		s.base.set(k, v)
	}
	s.writes = make(map[allowanceKey]uint256.Int)
}

func sortAllowances(out []Allowance) {
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Owner.Cmp(out[j].Owner); c != 0 {
			return c < 0
		}
		if c := out[i].Spender.Cmp(out[j].Spender); c != 0 {
			return c < 0
		}
		return out[i].Token.Cmp(out[j].Token) < 0
	})
}
