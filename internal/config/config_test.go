package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"EscrowLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "escrowd", cfg.Service.Name)
	assert.Equal(t, 20, cfg.Postgres.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.Postgres.ConnMaxLifetime)
	assert.Equal(t, time.Second, cfg.Arbitration.Timeout)
	assert.Equal(t, ArbitrationCentralized, cfg.Arbitration.Mode)
	assert.True(t, cfg.DepositAssetValue().IsNative())
	assert.Equal(t, common.HexToAddress("0x4d41524b45540000000000000000000000000001"), cfg.MarketAddress())
	assert.True(t, cfg.ArbitrationPrice().IsZero())
	assert.Equal(t, []ledger.Asset{ledger.NativeAsset()}, cfg.Assets())
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("ESCROW_SERVER_GRPC_ADDR", ":19090")
	t.Setenv("ESCROW_ARBITRATION_PRICE", "250")
	t.Setenv("ESCROW_SNAPSHOT_EVERY_EVENTS", "42")
	t.Setenv("ESCROW_NATS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":19090", cfg.Server.GRPCAddr)
	assert.Equal(t, uint64(250), cfg.ArbitrationPrice().Uint64())
	assert.Equal(t, int64(42), cfg.Snapshot.EveryEvents)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.yaml")
	body := `
marketplace:
  market: "0x4d41524b45540000000000000000000000000009"
  deposit_asset: "token:0x7070000000000000000000000000000000000001"
  tokens:
    - contract: "0x7070000000000000000000000000000000000001"
      symbol: "USDX"
      decimals: 6
  funding_operators:
    - "0xf0f0000000000000000000000000000000000001"
arbitration:
  cost1: 3
  cost2: 7
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	token := common.HexToAddress("0x7070000000000000000000000000000000000001")
	assert.Equal(t, ledger.FungibleAsset(token), cfg.DepositAssetValue())
	require.Len(t, cfg.TokenList(), 1)
	assert.Equal(t, "USDX", cfg.TokenList()[0].Symbol)
	assert.Equal(t, uint8(6), cfg.TokenList()[0].Decimals)
	assert.Equal(t, []common.Address{common.HexToAddress("0xf0f0000000000000000000000000000000000001")}, cfg.Operators())
	assert.Equal(t, uint64(3), cfg.Arbitration.Cost1)
	assert.Len(t, cfg.Assets(), 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		errMsg string
	}{
		{
			name:   "bad market address",
			env:    map[string]string{"ESCROW_MARKETPLACE_MARKET": "not-an-address"},
			errMsg: "marketplace.market",
		},
		{
			name:   "unregistered deposit token",
			env:    map[string]string{"ESCROW_MARKETPLACE_DEPOSIT_ASSET": "token:0x7070000000000000000000000000000000000001"},
			errMsg: "not a registered token",
		},
		{
			name:   "unknown arbitration mode",
			env:    map[string]string{"ESCROW_ARBITRATION_MODE": "oracle"},
			errMsg: "arbitration.mode",
		},
		{
			name: "remote arbitration without nats",
			env: map[string]string{
				"ESCROW_ARBITRATION_MODE": "nats",
				"ESCROW_NATS_ENABLED":     "false",
			},
			errMsg: "needs nats.enabled",
		},
		{
			name:   "negative price",
			env:    map[string]string{"ESCROW_ARBITRATION_PRICE": "-1"},
			errMsg: "arbitration.price",
		},
		{
			name:   "arbitration timeout longer than the sequencer can wait",
			env:    map[string]string{"ESCROW_ARBITRATION_TIMEOUT": "5s"},
			errMsg: "arbitration.timeout",
		},
		{
			name:   "zero batch size",
			env:    map[string]string{"ESCROW_PERSISTENCE_BATCH_SIZE": "0"},
			errMsg: "persistence.batch_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
