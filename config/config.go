package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	gethcommon "github.com/ethereum/go-ethereum/common"
)

// Config is the top-level marketd configuration loaded from TOML.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`
	Owner       string `toml:"Owner"`
	LogFile     string `toml:"LogFile"`

	Market    Market      `toml:"market"`
	Swap      Swap        `toml:"swap"`
	RateLimit RateLimit   `toml:"ratelimit"`
	Otel      Otel        `toml:"otel"`
	Currency  []Currency  `toml:"currency"`
	Genesis   []Account   `toml:"genesis"`
	Rate      []RateEntry `toml:"rate"`
}

// Market holds the pricing engine parameters.
type Market struct {
	DecayWindowSeconds  uint64 `toml:"DecayWindowSeconds"`
	OracleMaxAgeSeconds uint64 `toml:"OracleMaxAgeSeconds"`
	ReferenceSymbol     string `toml:"ReferenceSymbol"`
}

// Swap holds the basket router parameters.
type Swap struct {
	PercentScale uint64 `toml:"PercentScale"`
}

// Otel enables OTLP export of traces and metrics. Headers is a
// comma-separated key=value list forwarded to the collector.
type Otel struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// RateLimit bounds per-client RPC throughput.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Currency declares a settlement method accepted by the market. Method 0 must
// be the native currency and carries no token contract.
type Currency struct {
	Method   uint32 `toml:"Method"`
	Symbol   string `toml:"Symbol"`
	Token    string `toml:"Token"`
	Decimals uint8  `toml:"Decimals"`
}

// Account seeds ledger state at startup. Amounts are decimal strings in base
// units; Tokens and MarketAllowance are keyed by currency symbol. Asset grants
// seed custody, optionally approving the market vault as operator so listed
// sales can settle.
type Account struct {
	Address         string            `toml:"Address"`
	Native          string            `toml:"Native"`
	Tokens          map[string]string `toml:"Tokens"`
	Asset           []AssetGrant      `toml:"Asset"`
	MarketAllowance map[string]string `toml:"MarketAllowance"`
}

// AssetGrant seeds quantity of one asset into an account's custody.
type AssetGrant struct {
	Contract      string `toml:"Contract"`
	ID            uint64 `toml:"ID"`
	Quantity      uint64 `toml:"Quantity"`
	ApproveMarket bool   `toml:"ApproveMarket"`
}

// RateEntry seeds the manual oracle with a starting exchange rate.
type RateEntry struct {
	Base  string `toml:"Base"`
	Quote string `toml:"Quote"`
	Value string `toml:"Value"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("config file %s contains unknown field %s", path, undecoded.String())
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if cfg.Market.DecayWindowSeconds == 0 {
		cfg.Market.DecayWindowSeconds = 86400
	}
	if cfg.Market.OracleMaxAgeSeconds == 0 {
		cfg.Market.OracleMaxAgeSeconds = 300
	}
	if strings.TrimSpace(cfg.Market.ReferenceSymbol) == "" {
		cfg.Market.ReferenceSymbol = "USD"
	}
	if cfg.Swap.PercentScale == 0 {
		cfg.Swap.PercentScale = 1000
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 50
	}
}

// Validate rejects configurations the engines cannot run with.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.Owner) != "" && !gethcommon.IsHexAddress(cfg.Owner) {
		return fmt.Errorf("config: Owner is not a hex address: %s", cfg.Owner)
	}
	seenMethods := make(map[uint32]bool)
	seenSymbols := make(map[string]bool)
	hasNative := false
	for _, cur := range cfg.Currency {
		symbol := strings.ToUpper(strings.TrimSpace(cur.Symbol))
		if symbol == "" {
			return fmt.Errorf("config: currency method %d missing symbol", cur.Method)
		}
		if seenMethods[cur.Method] {
			return fmt.Errorf("config: duplicate currency method %d", cur.Method)
		}
		if seenSymbols[symbol] {
			return fmt.Errorf("config: duplicate currency symbol %s", symbol)
		}
		seenMethods[cur.Method] = true
		seenSymbols[symbol] = true
		if cur.Method == 0 {
			hasNative = true
			if strings.TrimSpace(cur.Token) != "" {
				return fmt.Errorf("config: native currency must not declare a token contract")
			}
			continue
		}
		if !gethcommon.IsHexAddress(cur.Token) {
			return fmt.Errorf("config: currency %s token is not a hex address: %s", symbol, cur.Token)
		}
	}
	if len(cfg.Currency) > 0 && !hasNative {
		return fmt.Errorf("config: currency table must include method 0 for the native currency")
	}
	for _, acc := range cfg.Genesis {
		if !gethcommon.IsHexAddress(acc.Address) {
			return fmt.Errorf("config: genesis address is not a hex address: %s", acc.Address)
		}
		for _, grant := range acc.Asset {
			if !gethcommon.IsHexAddress(grant.Contract) {
				return fmt.Errorf("config: genesis asset contract is not a hex address: %s", grant.Contract)
			}
		}
	}
	for _, entry := range cfg.Rate {
		if strings.TrimSpace(entry.Base) == "" || strings.TrimSpace(entry.Quote) == "" || strings.TrimSpace(entry.Value) == "" {
			return fmt.Errorf("config: rate entries require Base, Quote and Value")
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:  ":8645",
		DataDir:     "./marketdata",
		Environment: "dev",
		Market: Market{
			DecayWindowSeconds:  86400,
			OracleMaxAgeSeconds: 300,
			ReferenceSymbol:     "USD",
		},
		Swap:      Swap{PercentScale: 1000},
		RateLimit: RateLimit{RequestsPerMinute: 600, Burst: 50},
		Currency: []Currency{
			{Method: 0, Symbol: "ETH", Decimals: 18},
		},
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
