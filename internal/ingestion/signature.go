package ingestion

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureHeader carries the sender's 0x hex signature on NATS messages and
// HTTP action requests.
const SignatureHeader = "Escrow-Signature"

// GiveRulingType is the type signed by an in-process arbitrator's owner
const GiveRulingType = "GiveRuling"

// SigningHash is the digest a sender signs: keccak256 over the action type, a
// zero byte and the payload exactly as transmitted.
func SigningHash(eventType string, payload []byte) []byte {
	return crypto.Keccak256([]byte(eventType), []byte{0}, payload)
}

// Sign returns a 65 byte [R || S || V] signature with V in {27, 28}.
func Sign(eventType string, payload []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(SigningHash(eventType, payload), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignHex is Sign encoded for SignatureHeader
func SignHex(eventType string, payload []byte, key *ecdsa.PrivateKey) (string, error) {
	sig, err := Sign(eventType, payload, key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the address whose key produced sig. V may be given as
// 0/1 or 27/28.
func RecoverSigner(eventType string, payload []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature is %d bytes, want %d",
			escrowerr.ErrUnauthorized, len(sig), crypto.SignatureLength)
	}
	rsv := make([]byte, crypto.SignatureLength)
	copy(rsv, sig)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}
	pub, err := crypto.SigToPub(SigningHash(eventType, payload), rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recover signer: %v", escrowerr.ErrUnauthorized, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverSignerHex decodes a SignatureHeader value and recovers its signer
func RecoverSignerHex(eventType string, payload []byte, sigHex string) (common.Address, error) {
	if sigHex == "" {
		return common.Address{}, fmt.Errorf("%w: %s is not signed", escrowerr.ErrUnauthorized, eventType)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: signature: %v", escrowerr.ErrUnauthorized, err)
	}
	return RecoverSigner(eventType, payload, sig)
}

// Authenticate parses a raw action and requires that its signature was made
// by the key of the declared sender. Logged actions are replayed with
// ParseRawEvent; only live ingress goes through here.
func Authenticate(raw RawEvent) (event.Event, error) {
	signer, err := RecoverSignerHex(raw.EventType, raw.Data, raw.Signature)
	if err != nil {
		return nil, err
	}
	evt, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		return nil, err
	}
	if sender := evt.Origin().Sender; sender != signer {
		return nil, fmt.Errorf("%w: %s action sent as %s is signed by %s",
			escrowerr.ErrUnauthorized, raw.EventType, sender.Hex(), signer.Hex())
	}
	return evt, nil
}

// RulingPayload is the message an arbitrator owner signs to decide handle.
// Binding the arbitrator address keeps a signature from deciding disputes
// of another arbitrator.
func RulingPayload(arbitrator common.Address, handle, code uint64) []byte {
	buf := make([]byte, 0, common.AddressLength+16)
	buf = append(buf, arbitrator.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, handle)
	buf = binary.BigEndian.AppendUint64(buf, code)
	return buf
}
