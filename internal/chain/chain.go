// Package chain defines parameters for the supported coins.
// All chain-specific values are hardcoded here - no external configuration needed.
package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet, testnet or regtest.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Coin identifies a supported coin.
type Coin string

const (
	BTC Coin = "BTC"
	LTC Coin = "LTC"
	XMR Coin = "XMR"
)

// CurveType is the signing curve used by a coin.
// Swap-type eligibility and role assignment depend on it.
type CurveType string

const (
	CurveSecp256k1 CurveType = "secp256k1"
	CurveEd25519   CurveType = "ed25519"
)

// Common errors
var (
	ErrUnsupportedCoin = errors.New("unsupported coin")
	ErrAmountOverflow  = errors.New("amount overflow")
	ErrInexactAmount   = errors.New("amount has more precision than the coin supports")
)

// Params contains all parameters for a coin.
type Params struct {
	Coin     Coin
	Name     string
	Decimals uint8
	Curve    CurveType

	// HasScript is true for chains that can host the 2-of-2-or-timeout
	// lock script. Value-only chains (Monero) swap via adaptor commitments.
	HasScript bool

	// Confirmation and block timing
	MinConfirmations uint32
	BlockTargetSecs  uint32

	// btcd chaincfg params per network, nil for non Bitcoin-family coins.
	ChainCfg map[Network]*chaincfg.Params
}

// ScriptCapable reports whether the coin can host the script lock leg.
func (p *Params) ScriptCapable() bool {
	return p.HasScript
}

// ChainParams returns btcd chaincfg params for address encoding.
func (p *Params) ChainParams(network Network) (*chaincfg.Params, error) {
	if p.ChainCfg == nil {
		return nil, fmt.Errorf("%w: %s has no script params", ErrUnsupportedCoin, p.Coin)
	}
	cfg, ok := p.ChainCfg[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedCoin, p.Coin, network)
	}
	return cfg, nil
}

// Registry holds coin parameters.
var registry = make(map[Coin]*Params)

// Register adds coin params to the registry. Called from per-coin init().
func Register(params *Params) {
	registry[params.Coin] = params
}

// Get returns coin params.
func Get(coin Coin) (*Params, bool) {
	p, ok := registry[coin]
	return p, ok
}

// MustGet returns coin params or panics. For use with registered constants.
func MustGet(coin Coin) *Params {
	p, ok := registry[coin]
	if !ok {
		panic(fmt.Sprintf("coin not registered: %s", coin))
	}
	return p
}

// List returns all registered coins.
func List() []Coin {
	coins := make([]Coin, 0, len(registry))
	for c := range registry {
		coins = append(coins, c)
	}
	return coins
}

// ParseCoin converts a symbol string to a registered Coin.
func ParseCoin(symbol string) (Coin, error) {
	c := Coin(symbol)
	if _, ok := registry[c]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCoin, symbol)
	}
	return c, nil
}
