package server

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"

	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
)

// Client calls MarketplaceService over a gRPC connection using the json codec
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitAction(ctx context.Context, in *SubmitActionRequest, opts ...grpc.CallOption) (*SubmitActionResponse, error) {
	return invoke[SubmitActionRequest, SubmitActionResponse](ctx, c.cc, "SubmitAction", in, opts...)
}

func (c *Client) GiveRuling(ctx context.Context, in *GiveRulingRequest, opts ...grpc.CallOption) (*GiveRulingResponse, error) {
	return invoke[GiveRulingRequest, GiveRulingResponse](ctx, c.cc, "GiveRuling", in, opts...)
}

func (c *Client) ListDisputes(ctx context.Context, in *ListDisputesRequest, opts ...grpc.CallOption) (*ListDisputesResponse, error) {
	return invoke[ListDisputesRequest, ListDisputesResponse](ctx, c.cc, "ListDisputes", in, opts...)
}

func (c *Client) GetWallet(ctx context.Context, in *GetWalletRequest, opts ...grpc.CallOption) (*query.WalletResponse, error) {
	return invoke[GetWalletRequest, query.WalletResponse](ctx, c.cc, "GetWallet", in, opts...)
}

func (c *Client) GetAllowance(ctx context.Context, in *GetAllowanceRequest, opts ...grpc.CallOption) (*AllowanceResponse, error) {
	return invoke[GetAllowanceRequest, AllowanceResponse](ctx, c.cc, "GetAllowance", in, opts...)
}

func (c *Client) GetListing(ctx context.Context, in *GetListingRequest, opts ...grpc.CallOption) (*query.ListingResponse, error) {
	return invoke[GetListingRequest, query.ListingResponse](ctx, c.cc, "GetListing", in, opts...)
}

func (c *Client) GetLedgerStatus(ctx context.Context, in *GetLedgerStatusRequest, opts ...grpc.CallOption) (*LedgerStatus, error) {
	return invoke[GetLedgerStatusRequest, LedgerStatus](ctx, c.cc, "GetLedgerStatus", in, opts...)
}

// SignAction builds a SubmitActionRequest signed with the sender's key
func SignAction(eventType string, payload json.RawMessage, key *ecdsa.PrivateKey) (*SubmitActionRequest, error) {
	sig, err := ingestion.SignHex(eventType, payload, key)
	if err != nil {
		return nil, err
	}
	return &SubmitActionRequest{EventType: eventType, Payload: payload, Signature: sig}, nil
}

// SignRuling builds a GiveRulingRequest signed with the arbitrator owner's key
func SignRuling(arbitrator common.Address, handle, code uint64, key *ecdsa.PrivateKey) (*GiveRulingRequest, error) {
	sig, err := ingestion.SignHex(ingestion.GiveRulingType, ingestion.RulingPayload(arbitrator, handle, code), key)
	if err != nil {
		return nil, err
	}
	return &GiveRulingRequest{Handle: handle, Code: code, Signature: sig}, nil
}
