// Package arbitration connects disputed offers to an external arbitrator:
// it raises disputes, remembers which offer each handle belongs to and guards
// the inbound ruling callback.
package arbitration

import (
	"context"
	"fmt"
	"sort"
	"time"

	escrowerr "EscrowLedger/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DisputeRequest is what the arbitrator learns about a dispute
type DisputeRequest struct {
	ListingID   uint64         `json:"listing_id"`
	OfferID     uint64         `json:"offer_id"`
	Buyer       common.Address `json:"buyer"`
	Seller      common.Address `json:"seller"`
	RaisedBy    common.Address `json:"raised_by"`
	MetadataRef common.Hash    `json:"metadata_ref"`
	Cost1       uint64         `json:"cost_1"`
	Cost2       uint64         `json:"cost_2"`
}

// Arbitrator is the external authority that receives disputes
type Arbitrator interface {
	// Address is the only caller allowed to deliver rulings
	Address() common.Address
	// ArbitrationCost is the native fee charged per dispute
	ArbitrationCost(cost1, cost2 uint64) uint256.Int
	CreateDispute(ctx context.Context, req DisputeRequest) (Handle, error)
}

// Resumer is implemented by arbitrators that keep local dispute numbering and
// must continue after a restart.
type Resumer interface {
	Resume(open []OpenDispute, next Handle)
}

// OpenDispute is a raised dispute whose offer is still awaiting a ruling
type OpenDispute struct {
	Handle  Handle
	Request DisputeRequest
}

// OfferRef identifies the offer a dispute handle belongs to
type OfferRef struct {
	ListingID uint64 `json:"listing_id"`
	OfferID   uint64 `json:"offer_id"`
}

// Config holds the cost parameters forwarded on every dispute
type Config struct {
	Cost1   uint64
	Cost2   uint64
	Timeout time.Duration
}

// Client tracks the handle -> offer mapping for this marketplace.
// Not thread-safe: only accessed from the sequencer goroutine.
type Client struct {
	arbitrator Arbitrator
	cfg        Config
	handles    map[Handle]OfferRef
}

// MaxRaiseTimeout bounds how long raising a dispute may hold the sequencer
const MaxRaiseTimeout = 2 * time.Second

func NewClient(arbitrator Arbitrator, cfg Config) *Client {
	if cfg.Timeout <= 0 || cfg.Timeout > MaxRaiseTimeout {
		cfg.Timeout = MaxRaiseTimeout
	}
	return &Client{
		arbitrator: arbitrator,
		cfg:        cfg,
		handles:    make(map[Handle]OfferRef),
	}
}

// Arbitrator returns the configured arbitrator address
func (c *Client) Arbitrator() common.Address {
	return c.arbitrator.Address()
}

// Fee returns the native fee the disputing party pays
func (c *Client) Fee() uint256.Int {
	return c.arbitrator.ArbitrationCost(c.cfg.Cost1, c.cfg.Cost2)
}

// Raise forwards a dispute to the arbitrator. The returned handle is not
// registered until the surrounding action commits (see Register).
func (c *Client) Raise(ctx context.Context, req DisputeRequest) (Handle, error) {
	req.Cost1, req.Cost2 = c.cfg.Cost1, c.cfg.Cost2

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	handle, err := c.arbitrator.CreateDispute(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("%w: create dispute for %d/%d: %v", escrowerr.ErrArbitrationUnavailable,
			req.ListingID, req.OfferID, err)
	}
	if ref, taken := c.handles[handle]; taken {
		return 0, fmt.Errorf("%w: arbitrator reused handle %d (offer %d/%d)", escrowerr.ErrArbitrationUnavailable,
			handle, ref.ListingID, ref.OfferID)
	}
	return handle, nil
}

// Register records handle as belonging to ref
func (c *Client) Register(handle Handle, ref OfferRef) error {
	if existing, taken := c.handles[handle]; taken && existing != ref {
		return fmt.Errorf("%w: handle %d already bound to %d/%d", escrowerr.ErrInvariantViolation,
			handle, existing.ListingID, existing.OfferID)
	}
	c.handles[handle] = ref
	return nil
}

// Authorize accepts only the configured arbitrator as ruling caller
func (c *Client) Authorize(caller common.Address) error {
	if caller != c.arbitrator.Address() {
		return fmt.Errorf("%w: %s is not the arbitrator", escrowerr.ErrUnauthorized, caller.Hex())
	}
	return nil
}

// Lookup finds the offer a handle was raised for
func (c *Client) Lookup(handle Handle) (OfferRef, bool) {
	ref, ok := c.handles[handle]
	return ref, ok
}

// Handles returns all registered handles in ascending order
func (c *Client) Handles() []Handle {
	out := make([]Handle, 0, len(c.handles))
	for h := range c.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Restore reloads the handle table. open lists disputes whose offers are
// still Disputed; arbitrators that number disputes locally resume after the
// highest known handle.
func (c *Client) Restore(handles map[Handle]OfferRef, open []OpenDispute) {
	var next Handle
	for h, ref := range handles {
		c.handles[h] = ref
		if h+1 > next {
			next = h + 1
		}
	}
	for i := range open {
		open[i].Request.Cost1, open[i].Request.Cost2 = c.cfg.Cost1, c.cfg.Cost2
	}
	if r, ok := c.arbitrator.(Resumer); ok {
		r.Resume(open, next)
	}
}
