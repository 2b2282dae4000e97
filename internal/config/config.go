package config

import (
	"time"

	"EscrowLedger/internal/asset"
	"EscrowLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Arbitration modes
const (
	ArbitrationCentralized = "centralized"
	ArbitrationNATS        = "nats"
)

// Config is the complete escrowd configuration
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Server      ServerConfig      `mapstructure:"server"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Arbitration ArbitrationConfig `mapstructure:"arbitration"`
	Sequencer   SequencerConfig   `mapstructure:"sequencer"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`

	// parsed by Validate
	market       common.Address
	depositAsset ledger.Asset
	operators    []common.Address
	tokens       []asset.Token
	arbitrator   common.Address
	arbOwner     common.Address
	price        uint256.Int
}

type ServiceConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
	// Enabled turns on JetStream ingestion and outbound publishing
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	GRPCAddr string `mapstructure:"grpc_addr"`
	HTTPAddr string `mapstructure:"http_addr"`
}

type TokenConfig struct {
	Contract string `mapstructure:"contract"`
	Symbol   string `mapstructure:"symbol"`
	Decimals uint8  `mapstructure:"decimals"`
}

type MarketplaceConfig struct {
	// Market is the custody address token holders approve as spender
	Market           string        `mapstructure:"market"`
	DepositAsset     string        `mapstructure:"deposit_asset"`
	Tokens           []TokenConfig `mapstructure:"tokens"`
	FundingOperators []string      `mapstructure:"funding_operators"`
}

type ArbitrationConfig struct {
	Mode string `mapstructure:"mode"`
	// Address is the only sender whose rulings are accepted
	Address string `mapstructure:"address"`
	// Owner decides disputes of the centralized arbitrator
	Owner   string        `mapstructure:"owner"`
	Price   string        `mapstructure:"price"`
	Cost1   uint64        `mapstructure:"cost1"`
	Cost2   uint64        `mapstructure:"cost2"`
	Subject string        `mapstructure:"subject"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SequencerConfig struct {
	QueueSize              int   `mapstructure:"queue_size"`
	ConservationCheckEvery int64 `mapstructure:"conservation_check_every"`
}

type PersistenceConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	FlushInterval         time.Duration `mapstructure:"flush_interval"`
	ChannelSize           int           `mapstructure:"channel_size"`
	ProjectionChannelSize int           `mapstructure:"projection_channel_size"`
	PublishChannelSize    int           `mapstructure:"publish_channel_size"`
}

type SnapshotConfig struct {
	// EveryEvents takes a snapshot once this many actions were committed
	EveryEvents int64         `mapstructure:"every_events"`
	Interval    time.Duration `mapstructure:"interval"`
	ReplayBatch int           `mapstructure:"replay_batch"`
}

type IdempotencyConfig struct {
	LRUSize   int           `mapstructure:"lru_size"`
	DBTimeout time.Duration `mapstructure:"db_timeout"`
	// WarmKeys is how many recent keys are loaded from the log at startup
	WarmKeys int `mapstructure:"warm_keys"`
}

// MarketAddress is the parsed marketplace custody address
func (c *Config) MarketAddress() common.Address { return c.market }

// DepositAssetValue is the parsed listing deposit asset
func (c *Config) DepositAssetValue() ledger.Asset { return c.depositAsset }

// Operators are the parsed funding operators
func (c *Config) Operators() []common.Address { return c.operators }

// TokenList is the parsed fungible token registry
func (c *Config) TokenList() []asset.Token { return c.tokens }

// ArbitratorAddress is the parsed ruling sender
func (c *Config) ArbitratorAddress() common.Address { return c.arbitrator }

// ArbitratorOwner is the parsed centralized arbitrator owner
func (c *Config) ArbitratorOwner() common.Address { return c.arbOwner }

// ArbitrationPrice is the parsed per-dispute fee
func (c *Config) ArbitrationPrice() *uint256.Int {
	p := c.price
	return &p
}

// Assets lists native plus every registered token
func (c *Config) Assets() []ledger.Asset {
	out := []ledger.Asset{ledger.NativeAsset()}
	for _, t := range c.tokens {
		out = append(out, ledger.FungibleAsset(t.Contract))
	}
	return out
}
