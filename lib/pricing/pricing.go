// Package pricing converts on-chain amounts to the price units of an order.
//
// Orders are priced in one denomination (EUR, wei, ...). A chain, or a chain and token, can credit an order only
// when the policy has a rate for the order's denomination: the number of the chain's smallest units worth one unit
// of the denomination. A deposit of n smallest units is worth n / rate. An order priced in the chain's own smallest
// unit (wei on eth, satoshi on btc) converts one to one without a configured rate.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/config"
)

// Error codes.
var (
	ErrNoRate   = errors.New("no pricing rate for denomination and chain")
	ErrBadRate  = errors.New("pricing rate must be a positive decimal")
	ErrBadKey   = errors.New("pricing rate key must be denomination:chain[:token]")
	ErrBadPrice = errors.New("price must be a non negative decimal")
)

var one = decimal.NewFromInt(1)

// Policy holds the conversion rates.
type Policy struct {
	rates map[string]decimal.Decimal
}

// Key returns the rate key of a denomination on a chain, or on a token of the chain when token is set.
func Key(denom string, c types.ChainID, token string) string {
	k := strings.ToUpper(denom) + ":" + string(c)
	if token != "" {
		k += ":" + token
	}
	return k
}

// New returns a policy from rates keyed by "denomination:chain" or "denomination:chain:token". Denominations are
// case insensitive.
func New(rates map[string]string) (*Policy, error) {
	p := &Policy{rates: make(map[string]decimal.Decimal, len(rates))}
	for k, v := range rates {
		parts := strings.SplitN(k, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadKey, k)
		}
		d, err := decimal.NewFromString(v)
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("%w: %s=%q", ErrBadRate, k, v)
		}
		token := ""
		if len(parts) == 3 {
			token = parts[2]
		}
		p.rates[Key(parts[0], types.ChainID(parts[1]), token)] = d
	}
	return p, nil
}

// FromConfig builds the policy of a service from the per chain rates, keyed by denomination, and the service rates.
func FromConfig(conf config.ServiceConfig) (*Policy, error) {
	rates := make(map[string]string, len(conf.Rates))
	for _, c := range conf.Chains {
		for denom, v := range c.Rates {
			rates[denom+":"+c.Name] = v
		}
	}
	for k, v := range conf.Rates {
		rates[k] = v
	}
	return New(rates)
}

// Rate returns the rate of denom on a chain token, falling back to the chain rate and then to the chain's own unit.
func (p *Policy) Rate(denom string, c types.ChainID, token string) (decimal.Decimal, error) {
	if token != "" {
		if r, ok := p.rates[Key(denom, c, token)]; ok {
			return r, nil
		}
	}
	if r, ok := p.rates[Key(denom, c, "")]; ok {
		return r, nil
	}
	if u := c.Unit(); u != "" && strings.EqualFold(u, denom) {
		return one, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s on %s", ErrNoRate, denom, c)
}

// Prices reports whether at least one of cs can credit orders priced in denom.
func (p *Policy) Prices(denom string, cs []types.ChainID) bool {
	for _, c := range cs {
		if _, err := p.Rate(denom, c, ""); err == nil {
			return true
		}
		if c.IsToken() && p.hasTokenRate(denom, c) {
			return true
		}
	}
	return false
}

func (p *Policy) hasTokenRate(denom string, c types.ChainID) bool {
	prefix := Key(denom, c, "") + ":"
	for k := range p.rates {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// ToPrice converts amount smallest units to units of denom.
func (p *Policy) ToPrice(denom string, c types.ChainID, token string, amount *big.Int) (decimal.Decimal, error) {
	r, err := p.Rate(denom, c, token)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(amount, 0).DivRound(r, 18), nil
}

// ToUnits converts a price in denom to the smallest units of a chain, rounding up so that paying the result always
// covers it.
func (p *Policy) ToUnits(denom string, c types.ChainID, token string, price decimal.Decimal) (*big.Int, error) {
	r, err := p.Rate(denom, c, token)
	if err != nil {
		return nil, err
	}
	return price.Mul(r).Ceil().BigInt(), nil
}

// Sum adds decimal prices.
func Sum(prices ...string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, s := range prices {
		d, err := Parse(s)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return total, nil
}

// Parse reads a non negative decimal price; empty reads as zero.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrBadPrice, s)
	}
	return d, nil
}
