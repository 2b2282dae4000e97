package testutil

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key returns a deterministic secp256k1 key for a nonzero seed
func Key(seed uint64) *ecdsa.PrivateKey {
	var d [32]byte
	binary.BigEndian.PutUint64(d[24:], seed)
	key, err := crypto.ToECDSA(d[:])
	if err != nil {
		panic(fmt.Sprintf("test key %d: %v", seed, err))
	}
	return key
}

// Address is the address of Key(seed)
func Address(seed uint64) common.Address {
	return crypto.PubkeyToAddress(Key(seed).PublicKey)
}
