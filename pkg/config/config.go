package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	checkout "github.com/chipcasher/checkout"
	"github.com/chipcasher/checkout/mechanisms/svm"
)

// Config is the storefront and buyer configuration, read from the environment.
type Config struct {
	// Network is a Solana cluster name or CAIP-2 id (e.g. "solana-devnet")
	Network string
	// RPCURL overrides the network's public endpoint
	RPCURL string

	// Required - settlement destination
	// Recipient is the shop wallet that receives payments
	Recipient string
	// Mint is the SPL token used for settlement; defaults to the network's USDC
	Mint string

	// Optional - wallet-facing presentation
	Label   string
	Icon    string
	Message string

	// CatalogFile points at a YAML catalog; empty uses the built-in items
	CatalogFile string
	Port        string
	// PublicURL is the base URL wallets use to reach this storefront
	PublicURL string

	QRPollInterval     time.Duration
	WalletPollInterval time.Duration
	// WatchTimeout ends a watch with a timed-out outcome; zero waits forever
	WatchTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration

	// RPCRateLimit is requests per second against the RPC node; zero disables throttling
	RPCRateLimit float64
	RPCBurst     int

	// Buyer only
	BuyerPrivateKey string
	StoreURL        string

	LogLevel slog.Level
}

// Defaults
const (
	DefaultNetwork  = svm.SolanaDevnet
	DefaultLabel    = "ChipCasher"
	DefaultIcon     = "https://freesvg.org/plastic-water-bottle"
	DefaultMessage  = "Thanks for your order! 🛍️"
	DefaultPort     = "3000"
	DefaultStoreURL = "http://localhost:3000"
	DefaultRPCBurst = 5
)

const envPrefixFailure = "invalid value for %s: %w"

// Config validation errors
var (
	ErrMissingRecipient  = errors.New("config: SHOP_ADDRESS is required")
	ErrInvalidRecipient  = errors.New("config: SHOP_ADDRESS is not a valid address")
	ErrMissingMint       = errors.New("config: SETTLEMENT_MINT is required for this network")
	ErrInvalidMint       = errors.New("config: SETTLEMENT_MINT is not a valid address")
	ErrInvalidNetwork    = errors.New("config: unsupported network")
	ErrInvalidInterval   = errors.New("config: poll intervals must be positive")
	ErrInvalidRetry      = errors.New("config: retry attempts must be at least 1")
	ErrMissingBuyerKey   = errors.New("config: BUYER_PRIVATE_KEY is required")
	ErrInvalidRateLimits = errors.New("config: RPC_RATE_LIMIT must not be negative")
)

// Default returns a config populated with defaults only
func Default() *Config {
	return &Config{
		Network:            DefaultNetwork,
		Label:              DefaultLabel,
		Icon:               DefaultIcon,
		Message:            DefaultMessage,
		Port:               DefaultPort,
		StoreURL:           DefaultStoreURL,
		QRPollInterval:     checkout.DefaultQRPollInterval,
		WalletPollInterval: checkout.DefaultWalletPollInterval,
		RetryAttempts:      checkout.DefaultRetryAttempts,
		RetryBaseDelay:     checkout.DefaultRetryBaseDelay,
		RPCBurst:           DefaultRPCBurst,
		LogLevel:           slog.LevelInfo,
	}
}

// Load reads a .env file when present, then the environment
func Load() (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a config from a lookup function
func FromEnv(getenv func(string) string) (*Config, error) {
	c := Default()
	var err error

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" || err != nil {
			return
		}
		d, perr := parseDuration(v)
		if perr != nil {
			err = fmt.Errorf(envPrefixFailure, key, perr)
			return
		}
		*dst = d
	}
	integer := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf(envPrefixFailure, key, perr)
			return
		}
		*dst = n
	}

	str("CHECKOUT_NETWORK", &c.Network)
	str("SOLANA_RPC_URL", &c.RPCURL)
	str("SHOP_ADDRESS", &c.Recipient)
	str("SETTLEMENT_MINT", &c.Mint)
	str("STORE_LABEL", &c.Label)
	str("STORE_ICON", &c.Icon)
	str("STORE_MESSAGE", &c.Message)
	str("CATALOG_FILE", &c.CatalogFile)
	str("PORT", &c.Port)
	str("PUBLIC_URL", &c.PublicURL)
	str("BUYER_PRIVATE_KEY", &c.BuyerPrivateKey)
	str("STORE_URL", &c.StoreURL)

	dur("QR_POLL_INTERVAL", &c.QRPollInterval)
	dur("WALLET_POLL_INTERVAL", &c.WalletPollInterval)
	dur("WATCH_TIMEOUT", &c.WatchTimeout)
	dur("FETCH_RETRY_DELAY", &c.RetryBaseDelay)
	integer("FETCH_RETRY_ATTEMPTS", &c.RetryAttempts)
	integer("RPC_BURST", &c.RPCBurst)

	if v := strings.TrimSpace(getenv("RPC_RATE_LIMIT")); v != "" && err == nil {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = fmt.Errorf(envPrefixFailure, "RPC_RATE_LIMIT", perr)
		}
		c.RPCRateLimit = f
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" && err == nil {
		if perr := c.LogLevel.UnmarshalText([]byte(v)); perr != nil {
			err = fmt.Errorf(envPrefixFailure, "LOG_LEVEL", perr)
		}
	}
	if err != nil {
		return nil, err
	}

	if network, nerr := svm.GetNetworkConfig(c.Network); nerr == nil {
		if c.RPCURL == "" {
			c.RPCURL = network.RPCURL
		}
		if c.Mint == "" {
			c.Mint = network.DefaultMint
		}
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost:" + c.Port
	}
	return c, nil
}

// parseDuration accepts Go durations ("500ms") or plain milliseconds ("500")
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks the storefront settings
func (c *Config) Validate() error {
	if !svm.IsValidNetwork(c.Network) {
		return fmt.Errorf("%w: %s", ErrInvalidNetwork, c.Network)
	}
	if c.Recipient == "" {
		return ErrMissingRecipient
	}
	if !svm.ValidateSolanaAddress(c.Recipient) {
		return ErrInvalidRecipient
	}
	if c.Mint == "" {
		return ErrMissingMint
	}
	if !svm.ValidateSolanaAddress(c.Mint) {
		return ErrInvalidMint
	}
	if c.QRPollInterval <= 0 || c.WalletPollInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.RetryAttempts < 1 {
		return ErrInvalidRetry
	}
	if c.RPCRateLimit < 0 {
		return ErrInvalidRateLimits
	}
	return nil
}

// ValidateBuyer checks the settings the buyer CLI needs
func (c *Config) ValidateBuyer() error {
	if c.BuyerPrivateKey == "" {
		return ErrMissingBuyerKey
	}
	if !svm.IsValidNetwork(c.Network) {
		return fmt.Errorf("%w: %s", ErrInvalidNetwork, c.Network)
	}
	if c.RetryAttempts < 1 {
		return ErrInvalidRetry
	}
	return nil
}

// RetryPolicy returns the fetch retry policy
func (c *Config) RetryPolicy() checkout.RetryPolicy {
	return checkout.RetryPolicy{MaxAttempts: c.RetryAttempts, BaseDelay: c.RetryBaseDelay}
}

// WalletWatch returns the watcher settings for the wallet flow
func (c *Config) WalletWatch() checkout.WatcherConfig {
	return checkout.WatcherConfig{Interval: c.WalletPollInterval, Timeout: c.WatchTimeout}
}

// QRWatch returns the watcher settings for the QR flow
func (c *Config) QRWatch() checkout.WatcherConfig {
	return checkout.WatcherConfig{Interval: c.QRPollInterval, Timeout: c.WatchTimeout}
}
