package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrivateKey    = "LP_PRIVATE_KEY"
	EnvWalletAddress = "LP_WALLET_ADDRESS"
	EnvRPCURL        = "LP_RPC_URL"
	EnvTelegramToken = "LP_TELEGRAM_TOKEN"
	EnvTimescaleDSN  = "LP_TIMESCALE_DSN"
)

// Mainnet and Goerli deployments of the Uniswap v3 periphery.
const (
	defaultFactory         = "0x1F98431c8aD98523631AE4a59f267346ea31F984"
	defaultPositionManager = "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"
	defaultSwapRouter      = "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45"

	mainnetToken0 = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48" // USDC
	mainnetToken1 = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2" // WETH
	goerliToken0  = "0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984" // UNI
	goerliToken1  = "0xB4FBF271143F4FBf7B91A5ded31805e42b2208d6" // WETH
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	RPC       RPCConfig       `yaml:"rpc"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Contracts ContractsConfig `yaml:"contracts"`
	Pool      PoolConfig      `yaml:"pool"`
	Position  PositionConfig  `yaml:"position"`
	Loop      LoopConfig      `yaml:"loop"`
	Tx        TxConfig        `yaml:"tx"`
	Router    RouterConfig    `yaml:"router"`
	Pricing   PricingConfig   `yaml:"pricing"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	TestMode  bool            `yaml:"test_mode"`

	// PrivateKey only comes from the environment.
	PrivateKey string `yaml:"-"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RPCConfig struct {
	URL          string        `yaml:"url"`
	ChainID      int64         `yaml:"chain_id"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRPS       float64       `yaml:"max_rps"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type WalletConfig struct {
	Address string `yaml:"address"`
}

type ContractsConfig struct {
	Factory         string `yaml:"factory"`
	PositionManager string `yaml:"position_manager"`
	SwapRouter      string `yaml:"swap_router"`
}

type PoolConfig struct {
	Address   string `yaml:"address"`
	Token0    string `yaml:"token0"`
	Token1    string `yaml:"token1"`
	Decimals0 int    `yaml:"decimals0"`
	Decimals1 int    `yaml:"decimals1"`
	Fee       int    `yaml:"fee"`
}

// PositionConfig dollar values decode from their yaml text, never through float64.
type PositionConfig struct {
	TokenID            string          `yaml:"token_id"`
	TotalUSD           decimal.Decimal `yaml:"total_usd"`
	LowerMarginUSD     decimal.Decimal `yaml:"lower_margin_usd"`
	UpperMarginUSD     decimal.Decimal `yaml:"upper_margin_usd"`
	FixedWidthSpacings int             `yaml:"fixed_width_spacings"`
}

type LoopConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type TxConfig struct {
	Confirmations       uint64        `yaml:"confirmations"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	GasLimit            uint64        `yaml:"gas_limit"`
	Deadline            time.Duration `yaml:"deadline"`
	SlippageBps         int           `yaml:"slippage_bps"`
	ApproveAmount       string        `yaml:"approve_amount"`
}

type RouterConfig struct {
	BaseURL                string        `yaml:"base_url"`
	Timeout                time.Duration `yaml:"timeout"`
	MaxIterations          int           `yaml:"max_iterations"`
	RatioErrorToleranceBps int           `yaml:"ratio_error_tolerance_bps"`
	SlippageBps            int           `yaml:"slippage_bps"`
}

type PricingConfig struct {
	Places int32 `yaml:"places"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvPrivateKey)); v != "" {
		cfg.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvWalletAddress)); v != "" {
		cfg.Wallet.Address = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRPCURL)); v != "" {
		cfg.RPC.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTimescaleDSN)); v != "" {
		cfg.Timescale.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.RPC.ChainID == 0 {
		cfg.RPC.ChainID = 1
		if cfg.TestMode {
			cfg.RPC.ChainID = 5
		}
	}
	if cfg.RPC.Timeout == 0 {
		cfg.RPC.Timeout = 10 * time.Second
	}
	if cfg.RPC.MaxRPS == 0 {
		cfg.RPC.MaxRPS = 10
	}
	if cfg.RPC.MaxRetries == 0 {
		cfg.RPC.MaxRetries = 3
	}
	if cfg.RPC.RetryBackoff == 0 {
		cfg.RPC.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.Contracts.Factory == "" {
		cfg.Contracts.Factory = defaultFactory
	}
	if cfg.Contracts.PositionManager == "" {
		cfg.Contracts.PositionManager = defaultPositionManager
	}
	if cfg.Contracts.SwapRouter == "" {
		cfg.Contracts.SwapRouter = defaultSwapRouter
	}
	if cfg.Pool.Address == "" && cfg.Pool.Token0 == "" && cfg.Pool.Token1 == "" {
		if cfg.TestMode {
			cfg.Pool.Token0, cfg.Pool.Token1 = goerliToken0, goerliToken1
			if cfg.Pool.Decimals0 == 0 && cfg.Pool.Decimals1 == 0 {
				cfg.Pool.Decimals0, cfg.Pool.Decimals1 = 18, 18
			}
		} else {
			cfg.Pool.Token0, cfg.Pool.Token1 = mainnetToken0, mainnetToken1
			if cfg.Pool.Decimals0 == 0 && cfg.Pool.Decimals1 == 0 {
				cfg.Pool.Decimals0, cfg.Pool.Decimals1 = 6, 18
			}
		}
	}
	if cfg.Pool.Fee == 0 {
		cfg.Pool.Fee = 500
	}
	if cfg.Position.FixedWidthSpacings == 0 && cfg.TestMode {
		cfg.Position.FixedWidthSpacings = 2
	}
	if cfg.Loop.Interval == 0 {
		cfg.Loop.Interval = 30 * time.Second
	}
	if cfg.Tx.Confirmations == 0 {
		cfg.Tx.Confirmations = 2
	}
	if cfg.Tx.ConfirmationTimeout == 0 {
		cfg.Tx.ConfirmationTimeout = 10 * time.Minute
	}
	if cfg.Tx.PollInterval == 0 {
		cfg.Tx.PollInterval = 3 * time.Second
	}
	if cfg.Tx.GasLimit == 0 {
		cfg.Tx.GasLimit = 5_000_000
	}
	if cfg.Tx.Deadline == 0 {
		cfg.Tx.Deadline = 30 * time.Minute
	}
	if cfg.Tx.SlippageBps == 0 {
		cfg.Tx.SlippageBps = 50
	}
	if cfg.Tx.ApproveAmount == "" {
		cfg.Tx.ApproveAmount = "1000000000000000000"
	}
	if cfg.Router.Timeout == 0 {
		cfg.Router.Timeout = 30 * time.Second
	}
	if cfg.Router.MaxIterations == 0 {
		cfg.Router.MaxIterations = 6
	}
	if cfg.Router.RatioErrorToleranceBps == 0 {
		cfg.Router.RatioErrorToleranceBps = 100
	}
	if cfg.Router.SlippageBps == 0 {
		cfg.Router.SlippageBps = 500
	}
	if cfg.Pricing.Places == 0 {
		cfg.Pricing.Places = 2
		if cfg.TestMode {
			cfg.Pricing.Places = 4
		}
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/lp-rebalancer.db"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9108"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.RPC.URL) == "" {
		return errors.New("rpc.url is required")
	}
	if strings.TrimSpace(cfg.Router.BaseURL) == "" {
		return errors.New("router.base_url is required")
	}
	for name, addr := range map[string]string{
		"contracts.factory":          cfg.Contracts.Factory,
		"contracts.position_manager": cfg.Contracts.PositionManager,
		"contracts.swap_router":      cfg.Contracts.SwapRouter,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not an address: %q", name, addr)
		}
	}
	for name, addr := range map[string]string{
		"pool.address":   cfg.Pool.Address,
		"pool.token0":    cfg.Pool.Token0,
		"pool.token1":    cfg.Pool.Token1,
		"wallet.address": cfg.Wallet.Address,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not an address: %q", name, addr)
		}
	}
	if cfg.Pool.Address == "" && (cfg.Pool.Token0 == "" || cfg.Pool.Token1 == "") {
		return errors.New("pool.address or pool.token0 and pool.token1 are required")
	}
	if cfg.Pool.Decimals0 <= 0 || cfg.Pool.Decimals1 <= 0 {
		return errors.New("pool.decimals0 and pool.decimals1 must be > 0")
	}
	if cfg.Pool.Decimals0 > 36 || cfg.Pool.Decimals1 > 36 {
		return errors.New("pool decimals must be <= 36")
	}
	if cfg.Position.TotalUSD.Sign() <= 0 {
		return errors.New("position.total_usd must be > 0")
	}
	if cfg.Position.LowerMarginUSD.Sign() < 0 || cfg.Position.UpperMarginUSD.Sign() < 0 {
		return errors.New("position margins must be >= 0")
	}
	if cfg.Position.FixedWidthSpacings < 0 {
		return errors.New("position.fixed_width_spacings must be >= 0")
	}
	if cfg.Position.FixedWidthSpacings == 0 && cfg.Position.LowerMarginUSD.IsZero() && cfg.Position.UpperMarginUSD.IsZero() {
		return errors.New("position margins or position.fixed_width_spacings are required")
	}
	if cfg.Position.TokenID != "" {
		if _, ok := new(big.Int).SetString(cfg.Position.TokenID, 10); !ok {
			return fmt.Errorf("position.token_id is not an integer: %q", cfg.Position.TokenID)
		}
	}
	if cfg.Tx.SlippageBps < 0 || cfg.Tx.SlippageBps >= 10_000 {
		return errors.New("tx.slippage_bps must be in [0, 10000)")
	}
	if _, ok := new(big.Int).SetString(cfg.Tx.ApproveAmount, 10); !ok {
		return fmt.Errorf("tx.approve_amount is not an integer: %q", cfg.Tx.ApproveAmount)
	}
	if cfg.Pricing.Places < 0 || cfg.Pricing.Places > 18 {
		return errors.New("pricing.places must be in [0, 18]")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

// ID returns the configured starting position id, or nil.
func (c PositionConfig) ID() *big.Int {
	if c.TokenID == "" {
		return nil
	}
	id, ok := new(big.Int).SetString(c.TokenID, 10)
	if !ok {
		return nil
	}
	return id
}

func (c TxConfig) ApproveAmountInt() *big.Int {
	v, ok := new(big.Int).SetString(c.ApproveAmount, 10)
	if !ok {
		return nil
	}
	return v
}
