package ingestion_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferPayload(sender common.Address) []byte {
	return []byte(fmt.Sprintf(`{"key":"t-1","sender":%q,"to":%q,"asset":"native","amount":"5"}`,
		sender.Hex(), buyerHex))
}

func TestRecoverSigner(t *testing.T) {
	key, addr := testutil.Key(11), testutil.Address(11)
	data := transferPayload(addr)

	sig, err := ingestion.Sign("Transfer", data, key)
	require.NoError(t, err)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := ingestion.RecoverSigner("Transfer", data, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	// raw recovery ids are accepted too
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	got, err = ingestion.RecoverSigner("Transfer", data, raw)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	// the type is part of what is signed
	other, err := ingestion.RecoverSigner("FundWallet", data, sig)
	require.NoError(t, err)
	assert.NotEqual(t, addr, other)

	_, err = ingestion.RecoverSigner("Transfer", data, sig[:64])
	assert.True(t, errors.Is(err, escrowerr.ErrUnauthorized))

	_, err = ingestion.RecoverSignerHex("Transfer", data, "")
	assert.True(t, errors.Is(err, escrowerr.ErrUnauthorized))
	_, err = ingestion.RecoverSignerHex("Transfer", data, "0xzz")
	assert.True(t, errors.Is(err, escrowerr.ErrUnauthorized))
}

func TestAuthenticate(t *testing.T) {
	key, addr := testutil.Key(12), testutil.Address(12)
	data := transferPayload(addr)
	sig, err := ingestion.SignHex("Transfer", data, key)
	require.NoError(t, err)

	raw := ingestion.RawEvent{Subject: "test", EventType: "Transfer", Data: data, Signature: sig, Timestamp: time.Now()}
	evt, err := ingestion.Authenticate(raw)
	require.NoError(t, err)
	tr, ok := evt.(*event.Transfer)
	require.True(t, ok)
	assert.Equal(t, addr, tr.Sender)

	tests := []struct {
		name string
		raw  func() ingestion.RawEvent
	}{
		{name: "unsigned", raw: func() ingestion.RawEvent {
			r := raw
			r.Signature = ""
			return r
		}},
		{name: "payload changed after signing", raw: func() ingestion.RawEvent {
			r := raw
			r.Data = []byte(string(data[:len(data)-3]) + `6"}`)
			return r
		}},
		{name: "sender is someone else", raw: func() ingestion.RawEvent {
			spoofed := transferPayload(common.HexToAddress(sellerHex))
			s, err := ingestion.SignHex("Transfer", spoofed, key)
			require.NoError(t, err)
			return ingestion.RawEvent{Subject: "test", EventType: "Transfer", Data: spoofed, Signature: s}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.Authenticate(tt.raw())
			require.Error(t, err)
			assert.True(t, errors.Is(err, escrowerr.ErrUnauthorized), "%v", err)
		})
	}
}

func TestRulingPayload_BindsArbitrator(t *testing.T) {
	owner := testutil.Key(13)
	arbA := common.HexToAddress("0xa7b1000000000000000000000000000000000001")
	arbB := common.HexToAddress("0xa7b1000000000000000000000000000000000002")

	sig, err := ingestion.Sign(ingestion.GiveRulingType, ingestion.RulingPayload(arbA, 4, 1), owner)
	require.NoError(t, err)

	got, err := ingestion.RecoverSigner(ingestion.GiveRulingType, ingestion.RulingPayload(arbA, 4, 1), sig)
	require.NoError(t, err)
	assert.Equal(t, testutil.Address(13), got)

	for _, payload := range [][]byte{
		ingestion.RulingPayload(arbB, 4, 1),
		ingestion.RulingPayload(arbA, 5, 1),
		ingestion.RulingPayload(arbA, 4, 0),
	} {
		got, err := ingestion.RecoverSigner(ingestion.GiveRulingType, payload, sig)
		require.NoError(t, err)
		assert.NotEqual(t, testutil.Address(13), got, hexutil.Encode(payload))
	}
}
