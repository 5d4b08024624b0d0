// Package config loads and validates the named scalar options of spec.md
// §6, plus the ambient options the rest of the module needs (logging,
// persistence, signing addresses). Loading uses github.com/naoina/toml,
// the library the teacher's cmd/utils config loader uses for klay.toml;
// byte-size-shaped options accept human units via github.com/alecthomas/units.
package config

import (
	"io"
	"os"

	"github.com/alecthomas/units"
	"github.com/naoina/toml"

	"github.com/pisaresearch/pisa/internal/perrors"
)

// Config is the full set of PISA tower options.
type Config struct {
	// Watcher/Responder block-depth parameters, spec.md §4.4/§4.5.
	ConfirmationsBeforeResponse uint64 `toml:"confirmationsBeforeResponse"`
	ConfirmationsBeforeRemoval  uint64 `toml:"confirmationsBeforeRemoval"`
	ConfirmationsBeforeForget   uint64 `toml:"confirmationsBeforeForget"`

	// Admission.
	MinimumChallengePeriod uint64 `toml:"minimumChallengePeriod"`
	AdmissionTimeoutMillis  uint64 `toml:"admissionTimeoutMillis"`

	// GasQueue / Responder.
	MaxConcurrentResponses uint64  `toml:"maxConcurrentResponses"`
	ReplacementRate        float64 `toml:"replacementRate"`
	MaxGasPrice            string  `toml:"maxGasPrice"` // decimal wei, big.Int
	GasCurveMaxBlocks      uint64  `toml:"gasCurveMaxBlocks"`
	GasCurveMedianBlocks   uint64  `toml:"gasCurveMedianBlocks"`

	// BlockCache.
	BlockCacheDepth     uint64 `toml:"blockCacheDepth"`
	BlockCacheSizeHint  string `toml:"blockCacheSizeHint"` // e.g. "256MB"; memory-aware default if empty

	// Persistence / identity.
	DataDir            string   `toml:"dataDir"`
	ResponderAddresses []string `toml:"responderAddresses"`
	ChainID            uint64   `toml:"chainId"`

	// Ambient.
	LogLevel  string `toml:"logLevel"`
	LogFormat string `toml:"logFormat"`
}

// Default returns the configuration defaults, matching spec.md §4.1's
// "default 200" block-cache depth and otherwise conservative values.
func Default() *Config {
	return &Config{
		ConfirmationsBeforeResponse: 4,
		ConfirmationsBeforeRemoval:  20,
		ConfirmationsBeforeForget:   10,
		MinimumChallengePeriod:      20,
		AdmissionTimeoutMillis:      5000,
		MaxConcurrentResponses:      100,
		ReplacementRate:             0.1,
		MaxGasPrice:                 "400000000000", // 400 gwei
		GasCurveMaxBlocks:           60,
		GasCurveMedianBlocks:        6,
		BlockCacheDepth:             200,
		DataDir:                     "pisa-data",
		ChainID:                     1,
		LogLevel:                    "info",
		LogFormat:                   "console",
	}
}

// Load reads TOML configuration from r on top of Default() and validates
// it. A validation failure is always a ConfigurationError: construction-time
// invariant violations are fatal at startup and never raised again.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, perrors.Wrap(perrors.ConfigurationError, err, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile opens and loads a TOML configuration file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, perrors.Wrap(perrors.ConfigurationError, err, "failed to open configuration file")
	}
	defer f.Close()
	return Load(f)
}

// Validate checks the cross-field invariants spec.md calls out explicitly:
// confirmationsBeforeResponse ≤ confirmationsBeforeRemoval (§4.4) and
// replacementRate ≥ 0 (§4.5.2/glossary).
func (c *Config) Validate() error {
	if c.ConfirmationsBeforeResponse > c.ConfirmationsBeforeRemoval {
		return perrors.Newf(perrors.ConfigurationError,
			"confirmationsBeforeResponse (%d) must be <= confirmationsBeforeRemoval (%d)",
			c.ConfirmationsBeforeResponse, c.ConfirmationsBeforeRemoval)
	}
	if c.ReplacementRate < 0 {
		return perrors.Newf(perrors.ConfigurationError, "replacementRate must be >= 0, got %f", c.ReplacementRate)
	}
	if c.MaxConcurrentResponses == 0 {
		return perrors.New(perrors.ConfigurationError, "maxConcurrentResponses must be > 0")
	}
	if c.GasCurveMedianBlocks > c.GasCurveMaxBlocks {
		return perrors.Newf(perrors.ConfigurationError,
			"gasCurveMedianBlocks (%d) must be <= gasCurveMaxBlocks (%d)",
			c.GasCurveMedianBlocks, c.GasCurveMaxBlocks)
	}
	if len(c.ResponderAddresses) == 0 {
		return perrors.New(perrors.ConfigurationError, "at least one responder address must be configured")
	}
	if _, err := c.blockCacheSizeBytes(); err != nil {
		return perrors.Wrap(perrors.ConfigurationError, err, "invalid blockCacheSizeHint")
	}
	return nil
}

// blockCacheSizeBytes parses BlockCacheSizeHint with github.com/alecthomas/units,
// returning 0 (meaning "pick a memory-aware default") when unset.
func (c *Config) blockCacheSizeBytes() (int64, error) {
	if c.BlockCacheSizeHint == "" {
		return 0, nil
	}
	v, err := units.ParseBase2Bytes(c.BlockCacheSizeHint)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// BlockCacheSizeBytes is the public accessor used by internal/blockcache;
// it never returns an error because Validate already proved the hint parses.
func (c *Config) BlockCacheSizeBytes() int64 {
	v, _ := c.blockCacheSizeBytes()
	return v
}
