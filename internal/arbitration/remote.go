package arbitration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
)

// Requester is the slice of *nats.Conn the remote arbitrator needs
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Remote raises disputes with an arbitrator service over NATS request/reply.
// Its rulings come back asynchronously on the rulings subject and enter the
// ledger like any other action, signed with the key of the arbitrator address.
type Remote struct {
	conn    Requester
	subject string
	address common.Address
	fee     uint256.Int
}

// CreateDisputeReply is the arbitrator service's answer
type CreateDisputeReply struct {
	Handle *uint64 `json:"handle,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func NewRemote(conn Requester, subject string, address common.Address, fee *uint256.Int) *Remote {
	r := &Remote{conn: conn, subject: subject, address: address}
	if fee != nil {
		r.fee = *fee
	}
	return r
}

func (r *Remote) Address() common.Address {
	return r.address
}

func (r *Remote) ArbitrationCost(uint64, uint64) uint256.Int {
	return r.fee
}

func (r *Remote) CreateDispute(ctx context.Context, req DisputeRequest) (Handle, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal dispute request: %w", err)
	}

	msg, err := r.conn.RequestWithContext(ctx, r.subject, data)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", r.subject, err)
	}
	return DecodeCreateDisputeReply(msg.Data)
}

// DecodeCreateDisputeReply parses a reply; an explicit error or a missing
// handle both count as a failed call.
func DecodeCreateDisputeReply(data []byte) (Handle, error) {
	var reply CreateDisputeReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return 0, fmt.Errorf("decode dispute reply: %w", err)
	}
	if reply.Error != "" {
		return 0, errors.New(reply.Error)
	}
	if reply.Handle == nil {
		return 0, errors.New("dispute reply carries no handle")
	}
	return Handle(*reply.Handle), nil
}
