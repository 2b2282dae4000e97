package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"EscrowLedger/internal/arbitration"
	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. Malformed payloads fail with ErrInvalidArgument. When the
// payload carries no timestamp the ingestion time is stamped instead, so the
// logged action (and any replay of it) always has one.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	var (
		evt event.Event
		err error
	)
	switch eventType {
	case "CreateListing":
		evt, err = parseCreateListing(raw.Data)
	case "UpdateListing":
		evt, err = parseUpdateListing(raw.Data)
	case "WithdrawListing":
		evt, err = parseWithdrawListing(raw.Data)
	case "CreateOffer":
		evt, err = parseCreateOffer(raw.Data)
	case "AcceptOffer":
		evt, err = parseOfferAction(raw.Data, eventType, func(a event.OfferAction) event.Event {
			return &event.AcceptOffer{OfferAction: a}
		})
	case "WithdrawOffer":
		evt, err = parseOfferAction(raw.Data, eventType, func(a event.OfferAction) event.Event {
			return &event.WithdrawOffer{OfferAction: a}
		})
	case "Finalize":
		evt, err = parseOfferAction(raw.Data, eventType, func(a event.OfferAction) event.Event {
			return &event.Finalize{OfferAction: a}
		})
	case "Dispute":
		evt, err = parseDispute(raw.Data)
	case "Ruling":
		evt, err = parseRuling(raw.Data)
	case "FundWallet":
		evt, err = parseFundWallet(raw.Data)
	case "Transfer":
		evt, err = parseTransfer(raw.Data)
	case "Approve":
		evt, err = parseApprove(raw.Data)
	case "RegisterDelegate":
		evt, err = parseRegisterDelegate(raw.Data)
	case "ClaimPayout":
		evt, err = parseClaimPayout(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q: %w", eventType, escrowerr.ErrInvalidArgument)
	}
	if err != nil {
		return nil, err
	}

	if meta := evt.Origin(); meta.Timestamp.IsZero() {
		meta.Timestamp = raw.Timestamp.UTC().Truncate(time.Microsecond)
	}
	return evt, nil
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS and stored in
// the event log. Field names use snake_case to match upstream producers.
// Amounts are decimal strings, hashes and addresses 0x-prefixed hex.

type metaJSON struct {
	Key         string  `json:"key"`
	Sender      string  `json:"sender"`
	ActingAs    *string `json:"acting_as,omitempty"`
	TimestampUs int64   `json:"timestamp_us,omitempty"`
}

type createListingJSON struct {
	metaJSON
	MetadataRef string  `json:"metadata_ref"`
	Deposit     string  `json:"deposit"`
	Units       *uint64 `json:"units,omitempty"`
}

type updateListingJSON struct {
	metaJSON
	Listing        uint64 `json:"listing"`
	MetadataRef    string `json:"metadata_ref"`
	UnitsAvailable uint64 `json:"units_available"`
}

type withdrawListingJSON struct {
	metaJSON
	Listing     uint64 `json:"listing"`
	MetadataRef string `json:"metadata_ref"`
}

type createOfferJSON struct {
	metaJSON
	Listing     uint64  `json:"listing"`
	Asset       string  `json:"asset"`
	Value       string  `json:"value"`
	MetadataRef string  `json:"metadata_ref"`
	Replaces    *uint64 `json:"replaces,omitempty"`
}

type offerActionJSON struct {
	metaJSON
	Listing     uint64  `json:"listing"`
	Offer       uint64  `json:"offer"`
	MetadataRef string  `json:"metadata_ref"`
	Handle      *uint64 `json:"handle,omitempty"` // dispute only, assigned by the arbitrator
}

type rulingJSON struct {
	metaJSON
	Handle      uint64 `json:"handle"`
	Code        uint64 `json:"code"`
	MetadataRef string `json:"metadata_ref,omitempty"`
}

type walletMoveJSON struct {
	metaJSON
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type approveJSON struct {
	metaJSON
	Spender string `json:"spender"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

type registerDelegateJSON struct {
	metaJSON
	AcceptsNative bool `json:"accepts_native"`
}

type claimPayoutJSON struct {
	metaJSON
	Asset string  `json:"asset"`
	To    *string `json:"to,omitempty"`
}

func decode(data []byte, eventType string, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %v: %w", eventType, err, escrowerr.ErrInvalidArgument)
	}
	return nil
}

func parseMeta(j metaJSON) (event.Meta, error) {
	if j.Key == "" {
		return event.Meta{}, fmt.Errorf("key is required: %w", escrowerr.ErrInvalidArgument)
	}
	sender, err := parseAddress("sender", j.Sender)
	if err != nil {
		return event.Meta{}, err
	}
	meta := event.Meta{Key: j.Key, Sender: sender}
	if j.ActingAs != nil {
		actingAs, err := parseAddress("acting_as", *j.ActingAs)
		if err != nil {
			return event.Meta{}, err
		}
		meta.ActingAs = &actingAs
	}
	if j.TimestampUs != 0 {
		meta.Timestamp = time.UnixMicro(j.TimestampUs).UTC()
	}
	return meta, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s %q: %w", field, s, escrowerr.ErrInvalidArgument)
	}
	return common.HexToAddress(s), nil
}

// parseHash accepts an empty string as the zero hash
func parseHash(field, s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("parse %s %q: %w", field, s, escrowerr.ErrInvalidArgument)
	}
	return common.BytesToHash(b), nil
}

func parseAmount(field, s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("parse %s %q: %v: %w", field, s, err, escrowerr.ErrInvalidArgument)
	}
	return *v, nil
}

func parseAsset(field, s string) (ledger.Asset, error) {
	a, err := ledger.ParseAsset(s)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("parse %s: %v: %w", field, err, escrowerr.ErrInvalidArgument)
	}
	return a, nil
}

func parseCreateListing(data []byte) (*event.CreateListing, error) {
	var j createListingJSON
	if err := decode(data, "CreateListing", &j); err != nil {
		return nil, err
	}
	meta, err := parseMeta(j.metaJSON)
	if err != nil {
		return nil, err
	}
	ref, err := parseHash("metadata_ref", j.MetadataRef)
	if err != nil {
		return nil, err
	}
	deposit, err := parseAmount("deposit", j.Deposit)
	if err != nil {
		return nil, err
	}
	return &event.CreateListing{Meta: meta, MetadataRef: ref, Deposit: deposit, Units: j.Units}, nil
}

func parseUpdateListing(data []byte) (*event.UpdateListing, error) {
	var j updateListingJSON
	if err := decode(data, "UpdateListing", &j); err != nil {
		return nil, err
	}
	meta, err := parseMeta(j.metaJSON)
	if err != nil {
		return nil, err
	}
	ref, err := parseHash("metadata_ref", j.MetadataRef)
	if err != nil {
		return nil, err
	}
	return &event.UpdateListing{Meta: meta, Listing: j.Listing, MetadataRef: ref, UnitsAvailable: j.UnitsAvailable}, nil
}

func parseWithdrawListing(data []byte) (*event.WithdrawListing, error) {
	var j withdrawListingJSON
	if err := decode(data, "WithdrawListing", &j); err != nil {
		return nil, err
	}
	meta, err := parseMeta(j.metaJSON)
	if err != nil {
		return nil, err
	}
	ref, err := parseHash("metadata_ref", j.MetadataRef)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawListing{Meta: meta, Listing: j.Listing, MetadataRef: ref}, nil
}

func parseCreateOffer(data []byte) (*event.CreateOffer, error) {
	var j createOfferJSON
	if err := decode(data, "CreateOffer", &j); err != nil {
		return nil, err
	}
	meta, err := parseMeta(j.metaJSON)
	if err != nil {
		return nil, err
	}
	ref, err := parseHash("metadata_ref", j.MetadataRef)
	if err != nil {
		return nil, err
	}
	a, err := parseAsset("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	value, err := parseAmount("value", j.Value)
	if err != nil {
		return nil, err
	}
	return &event.CreateOffer{
		Meta:        meta,
		Listing:     j.Listing,
		Asset:       a,
		Value:       value,
		MetadataRef: ref,
		Replaces:    j.Replaces,
	}, nil
}

func decodeOfferAction(data []byte, eventType string) (event.OfferAction, *uint64, error) {
	var j offerActionJSON
	if err := decode(data, eventType, &j); err != nil {
		return event.OfferAction{}, nil, err
	}
	meta, err := parseMeta(j.metaJSON)
	if err != nil {
		return event.OfferAction{}, nil, err
	}
	ref, err := parseHash("metadata_ref", j.MetadataRef)
	if err != nil {
		return event.OfferAction{}, nil, err
	}
	return event.OfferAction{Meta: meta, Listing: j.Listing, Offer: j.Offer, MetadataRef: ref}, j.Handle, nil
}

func parseOfferAction(data []byte, eventType string, wrap func(event.OfferAction) event.Event) (event.Event, error) {
	a, _, err := decodeOfferAction(data, eventType)
	if err != nil {
		return nil, err
	}
	return wrap(a), nil
}

func parseDispute(data []byte) (*event.Dispute, error) {
	a, handle, err := decodeOfferAction(data, "Dispute")
	if err != nil {
		return nil, err
	}
	d := &event.Dispute{OfferAction: a}
	if handle != nil {
		h := arbitration.Handle(*handle)
		d.Handle = &h
	}
	return d, nil
}

func parseRuling(data []byte) (*event.Ruling, error) {
	var j rulingJSON
	if err := decode(data, "Ruling", &j); err != nil {
		return nil, err
	}
	meta, err := parseMeta(j.metaJSON)
	if err != nil {
		return nil, err
	}
	ref, err := parseHash("metadata_ref", j.MetadataRef)
	if err != nil {
		return nil, err
	}
	return &event.Ruling{Meta: meta, Handle: arbitration.Handle(j.Handle), Code: j.Code, MetadataRef: ref}, nil
}

func decodeWalletMove(data []byte, eventType string) (event.Meta, common.Address, ledger.Asset, uint256.Int, error) {
	var j walletMoveJSON
	if err := decode(data, eventType, &j); err != nil {
		return event.Meta{}, common.Address{}, ledger.Asset{}, uint256.Int{}, err
	}
	meta, err := parseMeta(j.metaJSON)
	if err != nil {
		return event.Meta{}, common.Address{}, ledger.Asset{}, uint256.Int{}, err
	}
	to, err := parseAddress("to", j.To)
	if err != nil {
		return event.Meta{}, common.Address{}, ledger.Asset{}, uint256.Int{}, err
	}
	a, err := parseAsset("asset", j.Asset)
	if err != nil {
		return event.Meta{}, common.Address{}, ledger.Asset{}, uint256.Int{}, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return event.Meta{}, common.Address{}, ledger.Asset{}, uint256.Int{}, err
	}
	return meta, to, a, amount, nil
}

func parseFundWallet(data []byte) (*event.FundWallet, error) {
	meta, to, a, amount, err := decodeWalletMove(data, "FundWallet")
	if err != nil {
		return nil, err
	}
	return &event.FundWallet{Meta: meta, To: to, Asset: a, Amount: amount}, nil
}

func parseTransfer(data []byte) (*event.Transfer, error) {
	meta, to, a, amount, err := decodeWalletMove(data, "Transfer")
	if err != nil {
		return nil, err
	}
	return &event.Transfer{Meta: meta, To: to, Asset: a, Amount: amount}, nil
}

func parseApprove(data []byte) (*event.Approve, error) {
	var j approveJSON
	if err := decode(data, "Approve", &j); err != nil {
		return nil, err
	}
	meta, err := parseMeta(j.metaJSON)
	if err != nil {
		return nil, err
	}
	spender, err := parseAddress("spender", j.Spender)
	if err != nil {
		return nil, err
	}
	token, err := parseAsset("token", j.Token)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.Approve{Meta: meta, Spender: spender, Token: token, Amount: amount}, nil
}

func parseRegisterDelegate(data []byte) (*event.RegisterDelegate, error) {
	var j registerDelegateJSON
	if err := decode(data, "RegisterDelegate", &j); err != nil {
		return nil, err
	}
	meta, err := parseMeta(j.metaJSON)
	if err != nil {
		return nil, err
	}
	return &event.RegisterDelegate{Meta: meta, AcceptsNative: j.AcceptsNative}, nil
}

func parseClaimPayout(data []byte) (*event.ClaimPayout, error) {
	var j claimPayoutJSON
	if err := decode(data, "ClaimPayout", &j); err != nil {
		return nil, err
	}
	meta, err := parseMeta(j.metaJSON)
	if err != nil {
		return nil, err
	}
	a, err := parseAsset("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	c := &event.ClaimPayout{Meta: meta, Asset: a}
	if j.To != nil {
		to, err := parseAddress("to", *j.To)
		if err != nil {
			return nil, err
		}
		c.To = &to
	}
	return c, nil
}

// EncodeEvent is the inverse of ParseRawEvent. It produces the payload stored
// in the event log, which replay feeds back through ParseRawEvent.
func EncodeEvent(evt event.Event) ([]byte, error) {
	meta := encodeMeta(evt.Origin())

	var v any
	switch e := evt.(type) {
	case *event.CreateListing:
		v = createListingJSON{metaJSON: meta, MetadataRef: e.MetadataRef.Hex(), Deposit: e.Deposit.Dec(), Units: e.Units}
	case *event.UpdateListing:
		v = updateListingJSON{metaJSON: meta, Listing: e.Listing, MetadataRef: e.MetadataRef.Hex(), UnitsAvailable: e.UnitsAvailable}
	case *event.WithdrawListing:
		v = withdrawListingJSON{metaJSON: meta, Listing: e.Listing, MetadataRef: e.MetadataRef.Hex()}
	case *event.CreateOffer:
		v = createOfferJSON{metaJSON: meta, Listing: e.Listing, Asset: e.Asset.String(), Value: e.Value.Dec(),
			MetadataRef: e.MetadataRef.Hex(), Replaces: e.Replaces}
	case *event.AcceptOffer:
		v = encodeOfferAction(meta, &e.OfferAction, nil)
	case *event.WithdrawOffer:
		v = encodeOfferAction(meta, &e.OfferAction, nil)
	case *event.Finalize:
		v = encodeOfferAction(meta, &e.OfferAction, nil)
	case *event.Dispute:
		v = encodeOfferAction(meta, &e.OfferAction, e.Handle)
	case *event.Ruling:
		v = rulingJSON{metaJSON: meta, Handle: uint64(e.Handle), Code: e.Code, MetadataRef: e.MetadataRef.Hex()}
	case *event.FundWallet:
		v = walletMoveJSON{metaJSON: meta, To: e.To.Hex(), Asset: e.Asset.String(), Amount: e.Amount.Dec()}
	case *event.Transfer:
		v = walletMoveJSON{metaJSON: meta, To: e.To.Hex(), Asset: e.Asset.String(), Amount: e.Amount.Dec()}
	case *event.Approve:
		v = approveJSON{metaJSON: meta, Spender: e.Spender.Hex(), Token: e.Token.String(), Amount: e.Amount.Dec()}
	case *event.RegisterDelegate:
		v = registerDelegateJSON{metaJSON: meta, AcceptsNative: e.AcceptsNative}
	case *event.ClaimPayout:
		j := claimPayoutJSON{metaJSON: meta, Asset: e.Asset.String()}
		if e.To != nil {
			to := e.To.Hex()
			j.To = &to
		}
		v = j
	default:
		return nil, fmt.Errorf("encode %T: %w", evt, escrowerr.ErrInvalidArgument)
	}
	return json.Marshal(v)
}

func encodeMeta(m *event.Meta) metaJSON {
	j := metaJSON{Key: m.Key, Sender: m.Sender.Hex()}
	if m.ActingAs != nil {
		a := m.ActingAs.Hex()
		j.ActingAs = &a
	}
	if !m.Timestamp.IsZero() {
		j.TimestampUs = m.Timestamp.UnixMicro()
	}
	return j
}

func encodeOfferAction(meta metaJSON, a *event.OfferAction, handle *arbitration.Handle) offerActionJSON {
	j := offerActionJSON{metaJSON: meta, Listing: a.Listing, Offer: a.Offer, MetadataRef: a.MetadataRef.Hex()}
	if handle != nil {
		h := uint64(*handle)
		j.Handle = &h
	}
	return j
}
