// Package config loads service settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vitwit/cryptopay/types"
	"github.com/vitwit/cryptopay/utils"
)

const envPrefix = "CRYPTOPAY_"

// NetworkConfig is the per-network chain and merchant settings, read from
// <NET>_* variables, e.g. BSC_RPC_URL or SOLANA_DEVNET_MERCHANT_ADDRESS.
type NetworkConfig struct {
	Network         types.Network `validate:"required"`
	RPCURL          string        `validate:"required,url"`
	WSURL           string        `validate:"omitempty,url"`
	MerchantAddress string        `validate:"required"`
	// TokenAddress selects an ERC-20 contract or SPL mint instead of the
	// native coin.
	TokenAddress  string
	AssetSymbol   string
	AssetDecimals int32 `validate:"gte=0,lte=36"`
}

// Asset returns the asset intents on this network settle in.
func (n NetworkConfig) Asset() types.Asset {
	if n.TokenAddress == "" {
		return n.Network.NativeAsset()
	}
	standard := types.TokenStandardERC20
	if n.Network.IsSolana() {
		standard = types.TokenStandardSPL
	}
	return types.Asset{
		Symbol:   n.AssetSymbol,
		Decimals: n.AssetDecimals,
		Standard: standard,
		Contract: n.TokenAddress,
	}
}

type Config struct {
	LogLevel string `validate:"oneof=debug info warn error"`
	HTTPAddr string `validate:"required"`

	// DatabaseURL selects the Postgres store; empty keeps intents in memory.
	DatabaseURL string
	// RedisURL enables publishing settlement events; empty disables it.
	RedisURL     string `validate:"omitempty,url"`
	RedisChannel string
	// MerchantSecret signs terminal requests; empty disables the check.
	MerchantSecret string

	QuoteTimeout      time.Duration `validate:"gt=0"`
	ValidationTimeout time.Duration `validate:"gt=0"`
	RetryInterval     time.Duration `validate:"gt=0"`
	// IntentTTL of zero disables expiry.
	IntentTTL time.Duration `validate:"gte=0"`

	WatchRecentLimit int `validate:"gt=0"`
	WatchDedupeSize  int `validate:"gt=0"`

	Networks []NetworkConfig `validate:"dive"`
}

// Default returns the settings used when no variable overrides them.
func Default() Config {
	return Config{
		LogLevel:          "info",
		HTTPAddr:          ":8080",
		RedisChannel:      "cryptopay.payments",
		QuoteTimeout:      2 * time.Second,
		ValidationTimeout: 10 * time.Second,
		RetryInterval:     15 * time.Second,
		WatchRecentLimit:  10,
		WatchDedupeSize:   4096,
	}
}

// Network returns the settings for n, if configured.
func (c Config) Network(n types.Network) (NetworkConfig, bool) {
	for _, nc := range c.Networks {
		if nc.Network == n {
			return nc, true
		}
	}
	return NetworkConfig{}, false
}

// Load reads a .env file when present and then the process environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return Config{}, types.WrapError(types.ErrConfigError, "load env file", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds and validates a Config from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	r := reader{getenv: getenv}

	cfg.LogLevel = strings.ToLower(r.str(envPrefix+"LOG_LEVEL", cfg.LogLevel))
	cfg.HTTPAddr = r.str(envPrefix+"HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = r.str(envPrefix+"DATABASE_URL", "")
	cfg.RedisURL = r.str(envPrefix+"REDIS_URL", "")
	cfg.RedisChannel = r.str(envPrefix+"REDIS_CHANNEL", cfg.RedisChannel)
	cfg.MerchantSecret = r.str(envPrefix+"MERCHANT_SECRET", "")
	cfg.QuoteTimeout = r.duration(envPrefix+"QUOTE_TIMEOUT", cfg.QuoteTimeout)
	cfg.ValidationTimeout = r.duration(envPrefix+"VALIDATION_TIMEOUT", cfg.ValidationTimeout)
	cfg.RetryInterval = r.duration(envPrefix+"RETRY_INTERVAL", cfg.RetryInterval)
	cfg.IntentTTL = r.duration(envPrefix+"INTENT_TTL", 0)
	cfg.WatchRecentLimit = r.int(envPrefix+"WATCH_RECENT_LIMIT", cfg.WatchRecentLimit)
	cfg.WatchDedupeSize = r.int(envPrefix+"WATCH_DEDUPE_SIZE", cfg.WatchDedupeSize)

	for _, n := range types.AllNetworks {
		p := n.EnvPrefix() + "_"
		rpc := r.str(p+"RPC_URL", "")
		if rpc == "" {
			continue
		}
		native := n.NativeAsset()
		nc := NetworkConfig{
			Network:         n,
			RPCURL:          rpc,
			WSURL:           r.str(p+"WS_URL", ""),
			MerchantAddress: r.str(p+"MERCHANT_ADDRESS", ""),
			TokenAddress:    r.str(p+"TOKEN_ADDRESS", ""),
			AssetSymbol:     r.str(p+"ASSET_SYMBOL", native.Symbol),
			AssetDecimals:   int32(r.int(p+"ASSET_DECIMALS", int(native.Decimals))),
		}
		cfg.Networks = append(cfg.Networks, nc)
	}

	if len(r.errs) > 0 {
		return Config{}, types.NewError(types.ErrConfigError, strings.Join(r.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints and per-network address formats.
func (c Config) Validate() error {
	if err := utils.Validator().Struct(c); err != nil {
		return types.WrapError(types.ErrConfigError, "invalid configuration", err)
	}
	for _, nc := range c.Networks {
		if err := utils.ValidateAddressForNetwork(nc.MerchantAddress, nc.Network); err != nil {
			return types.WrapError(types.ErrConfigError, nc.Network.EnvPrefix()+"_MERCHANT_ADDRESS", err)
		}
		if err := utils.ValidateTokenAddress(nc.TokenAddress, nc.Network); err != nil {
			return types.WrapError(types.ErrConfigError, nc.Network.EnvPrefix()+"_TOKEN_ADDRESS", err)
		}
		if nc.WSURL == "" {
			continue
		}
		if !strings.HasPrefix(nc.WSURL, "ws://") && !strings.HasPrefix(nc.WSURL, "wss://") {
			return types.NewError(types.ErrConfigError,
				fmt.Sprintf("%s_WS_URL must be a ws:// or wss:// url", nc.Network.EnvPrefix()))
		}
	}
	return nil
}

// reader collects parse errors so every bad variable is reported at once.
type reader struct {
	getenv func(string) string
	errs   []string
}

func (r *reader) str(key, fallback string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return d
}

func (r *reader) int(key string, fallback int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return n
}
