package ingestion_test

import (
	"testing"
	"time"

	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// The logged payload format is what replay reads back; these pin it.

func TestEncodeEvent_GoldenDispute(t *testing.T) {
	actingAs := common.HexToAddress("0x2222222222222222222222222222222222222222")
	handle := arbitration.Handle(9)
	evt := &event.Dispute{
		OfferAction: event.OfferAction{
			Meta: event.Meta{
				Key:       "k-7",
				Sender:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
				ActingAs:  &actingAs,
				Timestamp: time.UnixMicro(1700000000000000),
			},
			Listing:     3,
			Offer:       1,
			MetadataRef: common.HexToHash("0x01"),
		},
		Handle: &handle,
	}

	data, err := ingestion.EncodeEvent(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	testutil.AssertGolden(t, "dispute_payload.json", data)
}

func TestEncodeEvent_GoldenCreateOffer(t *testing.T) {
	replaces := uint64(0)
	evt := &event.CreateOffer{
		Meta: event.Meta{
			Key:       "k-8",
			Sender:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Timestamp: time.UnixMicro(1700000000000001),
		},
		Listing:     3,
		Asset:       ledger.FungibleAsset(common.HexToAddress("0x3333333333333333333333333333333333333333")),
		Value:       *uint256.MustFromDecimal("1000000000000000000000"),
		MetadataRef: common.HexToHash("0x02"),
		Replaces:    &replaces,
	}

	data, err := ingestion.EncodeEvent(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	testutil.AssertGolden(t, "create_offer_payload.json", data)
}
