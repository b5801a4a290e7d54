// Package registry holds the immutable per-asset configuration and its
// lookup indices.
package registry

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EthSymbol is the asset every non-ETH anchor is converted through.
const EthSymbol = "ETH"

var (
	// ErrConfigNotFound indicates no asset matches the requested key.
	ErrConfigNotFound = errors.New("token config not found")
	// ErrInvalidConfig indicates the registry input violates a construction invariant.
	ErrInvalidConfig = errors.New("invalid token config")
)

// PriceSource selects how an asset is priced.
type PriceSource uint8

const (
	// FixedETH prices the asset as a fixed amount of ETH.
	FixedETH PriceSource = iota
	// FixedUSD prices the asset at a fixed USD value.
	FixedUSD
	// Reporter prices the asset from signed reports checked against an anchor.
	Reporter
)

func (p PriceSource) String() string {
	switch p {
	case FixedETH:
		return "FIXED_ETH"
	case FixedUSD:
		return "FIXED_USD"
	case Reporter:
		return "REPORTER"
	default:
		return fmt.Sprintf("PriceSource(%d)", uint8(p))
	}
}

// ParsePriceSource accepts the names produced by String, case-insensitively.
func ParsePriceSource(s string) (PriceSource, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FIXED_ETH":
		return FixedETH, nil
	case "FIXED_USD":
		return FixedUSD, nil
	case "REPORTER":
		return Reporter, nil
	default:
		return 0, fmt.Errorf("unknown price source %q", s)
	}
}

// TokenConfig describes one supported asset.
type TokenConfig struct {
	Symbol             string
	Token              common.Address
	Underlying         common.Address
	SymbolHash         common.Hash
	BaseUnit           *big.Int
	PriceSource        PriceSource
	FixedPrice         *big.Int
	AnchorMarket       common.Address
	Reporter           common.Address
	ReporterMultiplier *big.Int
	AnchorReversed     bool
}

// HashSymbol returns the canonical lookup key for a ticker.
func HashSymbol(symbol string) common.Hash {
	return crypto.Keccak256Hash([]byte(symbol))
}

// Registry is an append-free list of configs with hashed secondary indices.
// It is never mutated after New returns, so it is safe for concurrent reads.
type Registry struct {
	configs      []TokenConfig
	bySymbolHash map[common.Hash]int
	byToken      map[common.Address]int
	byUnderlying map[common.Address]int
	byReporter   map[common.Address]int
}

// New validates configs and builds every index.
func New(configs []TokenConfig) (*Registry, error) {
	r := &Registry{
		configs:      make([]TokenConfig, 0, len(configs)),
		bySymbolHash: make(map[common.Hash]int, len(configs)),
		byToken:      make(map[common.Address]int, len(configs)),
		byUnderlying: make(map[common.Address]int, len(configs)),
		byReporter:   make(map[common.Address]int, len(configs)),
	}

	for i, cfg := range configs {
		cfg, err := normalize(cfg)
		if err != nil {
			return nil, fmt.Errorf("config %d: %w", i, err)
		}
		if _, dup := r.bySymbolHash[cfg.SymbolHash]; dup {
			return nil, fmt.Errorf("config %d: %w: duplicate symbol hash %s", i, ErrInvalidConfig, cfg.SymbolHash.Hex())
		}
		if _, dup := r.byToken[cfg.Token]; dup {
			return nil, fmt.Errorf("config %d: %w: duplicate token %s", i, ErrInvalidConfig, cfg.Token.Hex())
		}

		idx := len(r.configs)
		r.configs = append(r.configs, cfg)
		r.bySymbolHash[cfg.SymbolHash] = idx
		r.byToken[cfg.Token] = idx
		if _, seen := r.byUnderlying[cfg.Underlying]; !seen && cfg.Underlying != (common.Address{}) {
			r.byUnderlying[cfg.Underlying] = idx
		}
		if _, seen := r.byReporter[cfg.Reporter]; !seen && cfg.Reporter != (common.Address{}) {
			r.byReporter[cfg.Reporter] = idx
		}
	}

	return r, nil
}

func normalize(cfg TokenConfig) (TokenConfig, error) {
	if cfg.Token == (common.Address{}) {
		return cfg, fmt.Errorf("%w: token must be set", ErrInvalidConfig)
	}
	if cfg.BaseUnit == nil || cfg.BaseUnit.Sign() <= 0 {
		return cfg, fmt.Errorf("%w: baseUnit must be greater than zero", ErrInvalidConfig)
	}

	if cfg.Symbol != "" {
		hash := HashSymbol(cfg.Symbol)
		if cfg.SymbolHash != (common.Hash{}) && cfg.SymbolHash != hash {
			return cfg, fmt.Errorf("%w: symbol hash does not match %q", ErrInvalidConfig, cfg.Symbol)
		}
		cfg.SymbolHash = hash
	}
	if cfg.SymbolHash == (common.Hash{}) {
		return cfg, fmt.Errorf("%w: symbol or symbol hash must be set", ErrInvalidConfig)
	}

	switch cfg.PriceSource {
	case Reporter:
		if cfg.AnchorMarket == (common.Address{}) {
			return cfg, fmt.Errorf("%w: reported prices must have an anchor", ErrInvalidConfig)
		}
		if cfg.ReporterMultiplier == nil || cfg.ReporterMultiplier.Sign() <= 0 {
			return cfg, fmt.Errorf("%w: reporter multiplier must be greater than zero", ErrInvalidConfig)
		}
	case FixedETH, FixedUSD:
		if cfg.AnchorMarket != (common.Address{}) {
			return cfg, fmt.Errorf("%w: only reported prices utilize an anchor", ErrInvalidConfig)
		}
		if cfg.Reporter != (common.Address{}) {
			return cfg, fmt.Errorf("%w: only reported prices utilize a reporter", ErrInvalidConfig)
		}
		if cfg.PriceSource == FixedETH && cfg.SymbolHash == HashSymbol(EthSymbol) {
			return cfg, fmt.Errorf("%w: ETH cannot be priced in ETH", ErrInvalidConfig)
		}
	default:
		return cfg, fmt.Errorf("%w: unknown price source %d", ErrInvalidConfig, cfg.PriceSource)
	}

	if cfg.FixedPrice == nil {
		cfg.FixedPrice = new(big.Int)
	}
	if cfg.ReporterMultiplier == nil {
		cfg.ReporterMultiplier = new(big.Int)
	}
	return cfg, nil
}

// Len returns the number of configured assets.
func (r *Registry) Len() int { return len(r.configs) }

// All returns the configs in construction order.
func (r *Registry) All() []TokenConfig {
	out := make([]TokenConfig, len(r.configs))
	copy(out, r.configs)
	return out
}

// ByIndex returns the i-th config.
func (r *Registry) ByIndex(i int) (TokenConfig, error) {
	if i < 0 || i >= len(r.configs) {
		return TokenConfig{}, ErrConfigNotFound
	}
	return r.configs[i], nil
}

// BySymbol returns the config for a ticker.
func (r *Registry) BySymbol(symbol string) (TokenConfig, error) {
	return r.BySymbolHash(HashSymbol(symbol))
}

// BySymbolHash returns the config for a symbol hash.
func (r *Registry) BySymbolHash(hash common.Hash) (TokenConfig, error) {
	return find(r, r.bySymbolHash, hash)
}

// ByToken returns the config for a token identity.
func (r *Registry) ByToken(token common.Address) (TokenConfig, error) {
	return find(r, r.byToken, token)
}

// ByUnderlying returns the first config whose underlying matches.
func (r *Registry) ByUnderlying(underlying common.Address) (TokenConfig, error) {
	return find(r, r.byUnderlying, underlying)
}

// ByReporter returns the first config attested by reporter.
func (r *Registry) ByReporter(reporter common.Address) (TokenConfig, error) {
	return find(r, r.byReporter, reporter)
}

func find[K comparable](r *Registry, index map[K]int, key K) (TokenConfig, error) {
	i, ok := index[key]
	if !ok {
		return TokenConfig{}, ErrConfigNotFound
	}
	return r.configs[i], nil
}
