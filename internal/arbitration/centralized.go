package arbitration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	escrowerr "EscrowLedger/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RulingSink delivers a ruling back to the marketplace as a callback made by
// the arbitrator address.
type RulingSink interface {
	SubmitRuling(ctx context.Context, arbitrator common.Address, handle Handle, code uint64) error
}

// RulingSinkFunc adapts a function to RulingSink
type RulingSinkFunc func(ctx context.Context, arbitrator common.Address, handle Handle, code uint64) error

func (f RulingSinkFunc) SubmitRuling(ctx context.Context, arbitrator common.Address, handle Handle, code uint64) error {
	return f(ctx, arbitrator, handle, code)
}

// CentralizedDispute is one dispute known to the in-process arbitrator
type CentralizedDispute struct {
	Handle  Handle         `json:"handle"`
	Request DisputeRequest `json:"request"`
	Ruled   bool           `json:"ruled"`
	Code    uint64         `json:"code"`
}

// Centralized is a single-owner arbitrator run in process: disputes are
// numbered sequentially and the owner decides them with GiveRuling.
type Centralized struct {
	mu       sync.Mutex
	address  common.Address
	owner    common.Address
	price    uint256.Int
	next     Handle
	disputes map[Handle]*CentralizedDispute
	sink     RulingSink
}

func NewCentralized(address, owner common.Address, price *uint256.Int) *Centralized {
	c := &Centralized{
		address:  address,
		owner:    owner,
		disputes: make(map[Handle]*CentralizedDispute),
	}
	if price != nil {
		c.price = *price
	}
	return c
}

// SetSink wires the ruling callback target
func (c *Centralized) SetSink(sink RulingSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *Centralized) Address() common.Address {
	return c.address
}

func (c *Centralized) Owner() common.Address {
	return c.owner
}

func (c *Centralized) ArbitrationCost(uint64, uint64) uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.price
}

// SetPrice changes the arbitration fee; owner only
func (c *Centralized) SetPrice(caller common.Address, price *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return fmt.Errorf("%w: only the arbitrator owner sets the price", escrowerr.ErrUnauthorized)
	}
	c.price = *price
	return nil
}

func (c *Centralized) CreateDispute(ctx context.Context, req DisputeRequest) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.next
	c.next++
	c.disputes[h] = &CentralizedDispute{Handle: h, Request: req}
	return h, nil
}

// GiveRuling lets the owner decide a dispute. The ruling is delivered through
// the sink first; the dispute is only marked ruled once the marketplace has
// accepted it, so a rejected delivery can be retried.
func (c *Centralized) GiveRuling(ctx context.Context, caller common.Address, handle Handle, code uint64) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is not the arbitrator owner", escrowerr.ErrUnauthorized, caller.Hex())
	}
	d, ok := c.disputes[handle]
	if !ok || d.Ruled {
		c.mu.Unlock()
		return fmt.Errorf("%w: no open dispute %d", escrowerr.ErrNotFound, handle)
	}
	sink := c.sink
	c.mu.Unlock()

	if sink == nil {
		return fmt.Errorf("%w: no ruling sink configured", escrowerr.ErrArbitrationUnavailable)
	}
	if err := sink.SubmitRuling(ctx, c.address, handle, code); err != nil {
		return err
	}

	c.mu.Lock()
	d.Ruled = true
	d.Code = code
	c.mu.Unlock()
	return nil
}

// Disputes lists known disputes by handle
func (c *Centralized) Disputes() []CentralizedDispute {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CentralizedDispute, 0, len(c.disputes))
	for _, d := range c.disputes {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Resume re-creates open disputes after a restart and continues numbering
func (c *Centralized) Resume(open []OpenDispute, next Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range open {
		if _, ok := c.disputes[d.Handle]; !ok {
			c.disputes[d.Handle] = &CentralizedDispute{Handle: d.Handle, Request: d.Request}
		}
	}
	if next > c.next {
		c.next = next
	}
}
