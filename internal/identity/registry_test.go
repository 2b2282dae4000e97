package identity_test

import (
	"testing"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/identity"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	stranger = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func TestRegistry_PrepareAndAdd(t *testing.T) {
	r := identity.NewRegistry()

	first := r.Prepare(owner, true, 4)
	assert.Equal(t, crypto.CreateAddress(owner, 0), first.Address)
	require.NoError(t, r.Add(first))

	second := r.Prepare(owner, false, 5)
	assert.Equal(t, uint64(1), second.Nonce)
	assert.NotEqual(t, first.Address, second.Address)
	require.NoError(t, r.Add(second))

	err := r.Add(first)
	assert.ErrorIs(t, err, escrowerr.ErrInvalidState)
	assert.Len(t, r.All(), 2)
}

func TestRegistry_Resolve(t *testing.T) {
	r := identity.NewRegistry()
	d := r.Prepare(owner, true, 0)
	require.NoError(t, r.Add(d))

	got, err := r.Resolve(owner, nil)
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	got, err = r.Resolve(owner, &owner)
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	got, err = r.Resolve(owner, &d.Address)
	require.NoError(t, err)
	assert.Equal(t, d.Address, got, "the delegate is the effective caller")

	_, err = r.Resolve(stranger, &d.Address)
	assert.ErrorIs(t, err, escrowerr.ErrUnauthorized)

	unknown := common.HexToAddress("0x3000000000000000000000000000000000000003")
	_, err = r.Resolve(owner, &unknown)
	assert.ErrorIs(t, err, escrowerr.ErrUnauthorized)
}

func TestRegistry_AcceptsNative(t *testing.T) {
	r := identity.NewRegistry()
	rejecting := r.Prepare(owner, false, 0)
	require.NoError(t, r.Add(rejecting))

	assert.True(t, r.AcceptsNative(stranger))
	assert.False(t, r.AcceptsNative(rejecting.Address))
}

func TestRegistry_RestoreKeepsNonces(t *testing.T) {
	r := identity.NewRegistry()
	d0 := r.Prepare(owner, true, 0)
	require.NoError(t, r.Add(d0))
	d1 := r.Prepare(owner, true, 1)
	require.NoError(t, r.Add(d1))

	restored := identity.NewRegistry()
	restored.Restore(r.All())

	next := restored.Prepare(owner, true, 2)
	assert.Equal(t, uint64(2), next.Nonce)
	_, ok := restored.Get(d1.Address)
	assert.True(t, ok)
}
