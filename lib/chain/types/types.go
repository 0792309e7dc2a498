// Package types common blockchain types shared by the chain adapters, the ledger and the reconciliation engine.
package types

import (
	"errors"
	"fmt"
	"math/big"
)

// ChainID identifies a chain family or one of its token variants.
type ChainID string

// Supported chains.
const (
	BTC   ChainID = "btc"
	LTC   ChainID = "ltc"
	DOGE  ChainID = "doge"
	ETH   ChainID = "eth"
	BSC   ChainID = "bsc"
	ERC20 ChainID = "erc20"
	BEP20 ChainID = "bep20"
	SOL   ChainID = "sol"
	SPL   ChainID = "spl"
	XRP   ChainID = "xrp"
)

// IsToken returns true for chains whose balances are held per token contract or mint.
func (c ChainID) IsToken() bool {
	return c == ERC20 || c == BEP20 || c == SPL
}

// Unit returns the name of the chain's smallest native unit. Token variants have none: the smallest unit of a token
// depends on its contract.
func (c ChainID) Unit() string {
	switch c {
	case BTC:
		return "satoshi"
	case LTC:
		return "litoshi"
	case DOGE:
		return "koinu"
	case ETH, BSC:
		return "wei"
	case SOL:
		return "lamport"
	case XRP:
		return "drop"
	}
	return ""
}

// Balance is an on-chain observation in the chain's smallest unit. Unconfirmed is always zero for chains
// that have no such notion (sol, xrp).
type Balance struct {
	Confirmed   *big.Int
	Unconfirmed *big.Int
}

// NewBalance returns a Balance from two integers, nil meaning zero.
func NewBalance(confirmed, unconfirmed *big.Int) Balance {
	b := Balance{Confirmed: new(big.Int), Unconfirmed: new(big.Int)}
	if confirmed != nil {
		b.Confirmed.Set(confirmed)
	}
	if unconfirmed != nil {
		b.Unconfirmed.Set(unconfirmed)
	}
	return b
}

// Keypair is an address and the secret needed to sign transfers from it. The secret format is the
// family's native one: WIF for UTXO chains, hex for ethereum, base58 for solana.
type Keypair struct {
	Address string `json:"address"`
	Secret  string `json:"secret"`
}

// BalanceChange is emitted by the reconciliation engine when an observation differs from the recorded state.
type BalanceChange struct {
	Chain               ChainID  `json:"chain"`
	Address             string   `json:"address"`
	Token               string   `json:"token,omitempty"`
	PreviousConfirmed   *big.Int `json:"previousConfirmed"`
	NewConfirmed        *big.Int `json:"newConfirmed"`
	ConfirmedDelta      *big.Int `json:"confirmedDelta"`
	PreviousUnconfirmed *big.Int `json:"previousUnconfirmed"`
	NewUnconfirmed      *big.Int `json:"newUnconfirmed"`
	UnconfirmedDelta    *big.Int `json:"unconfirmedDelta"`
	ObservedAtTry       int      `json:"observedAtTry"`
}

// Error codes.
var (
	ErrFetch        = errors.New("balance fetch failed")
	ErrUnsupported  = errors.New("operation not supported by chain")
	ErrBadAddress   = errors.New("malformed address")
	ErrBadAmount    = errors.New("amount must be positive")
	ErrNoFunds      = errors.New("insufficient funds")
	ErrBadSecret    = errors.New("malformed secret key")
	ErrUnknownChain = errors.New("unknown chain")
)

// FetchError wraps a transport or decoding failure of chain c so that errors.Is(err, ErrFetch) holds.
func FetchError(c ChainID, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFetch, c, err)
}

// IsFetch reports whether err is a (possibly transient) fetch failure.
func IsFetch(err error) bool {
	return errors.Is(err, ErrFetch)
}
