package pricing

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/config"
)

func TestPolicy(t *testing.T) {
	p, err := New(map[string]string{
		"EUR:btc":          "2000",
		"usd:erc20":        "1000000",
		"USD:erc20:0xusdt": "1000000000000000000",
	})
	require.NoError(t, err)

	v, err := p.ToPrice("EUR", types.BTC, "", big.NewInt(50000))
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(25)), v.String())

	// denominations are case insensitive and a token rate wins over the chain rate
	v, err = p.ToPrice("usd", types.ERC20, "0xusdt", big.NewInt(5e17))
	require.NoError(t, err)
	assert.Equal(t, "0.5", v.String())
	v, err = p.ToPrice("USD", types.ERC20, "0xother", big.NewInt(2000000))
	require.NoError(t, err)
	assert.Equal(t, "2", v.String())

	u, err := p.ToUnits("EUR", types.BTC, "", decimal.RequireFromString("0.0015"))
	require.NoError(t, err)
	assert.Equal(t, "3", u.String(), "units are rounded up")
}

func TestRateNeedsDenomination(t *testing.T) {
	p, err := New(map[string]string{"EUR:eth": "400000000000000"})
	require.NoError(t, err)

	// a rate of another denomination never applies
	_, err = p.ToPrice("USD", types.ETH, "", big.NewInt(3))
	assert.ErrorIs(t, err, ErrNoRate)
	_, err = p.ToPrice("EUR", types.BTC, "", big.NewInt(3))
	assert.ErrorIs(t, err, ErrNoRate)

	v, err := p.ToPrice("EUR", types.ETH, "", big.NewInt(3))
	require.NoError(t, err)
	assert.True(t, v.LessThan(decimal.RequireFromString("0.000000001")), v.String())

	// the chain's own unit converts one to one
	v, err = p.ToPrice("wei", types.ETH, "", big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, "3", v.String())
	v, err = p.ToPrice("Satoshi", types.BTC, "", big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, "7", v.String())
	_, err = p.ToPrice("wei", types.BTC, "", big.NewInt(3))
	assert.ErrorIs(t, err, ErrNoRate)
	_, err = p.ToPrice("", types.ERC20, "0xusdt", big.NewInt(3))
	assert.ErrorIs(t, err, ErrNoRate)
}

func TestPrices(t *testing.T) {
	p, err := New(map[string]string{"EUR:eth": "400000000000000", "USD:spl:mint": "1000000"})
	require.NoError(t, err)

	assert.True(t, p.Prices("EUR", []types.ChainID{types.BTC, types.ETH}))
	assert.False(t, p.Prices("EUR", []types.ChainID{types.BTC, types.SOL}))
	assert.True(t, p.Prices("lamport", []types.ChainID{types.SOL}))
	assert.True(t, p.Prices("USD", []types.ChainID{types.SPL}))
	assert.False(t, p.Prices("USD", []types.ChainID{types.ETH}))
}

func TestBadRates(t *testing.T) {
	_, err := New(map[string]string{"EUR:btc": "0"})
	assert.ErrorIs(t, err, ErrBadRate)
	_, err = New(map[string]string{"EUR:btc": "abc"})
	assert.ErrorIs(t, err, ErrBadRate)
	_, err = New(map[string]string{"btc": "1"})
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(config.ServiceConfig{
		Chains: []config.ChainConfig{{Name: "btc", Rates: map[string]string{"EUR": "2000"}}, {Name: "eth"}},
		Rates:  map[string]string{"EUR:btc": "2500", "EUR:eth": "400000000000000"},
	})
	require.NoError(t, err)

	r, err := p.Rate("EUR", types.BTC, "")
	require.NoError(t, err)
	assert.Equal(t, "2500", r.String())
	r, err = p.Rate("eur", types.ETH, "")
	require.NoError(t, err)
	assert.Equal(t, "400000000000000", r.String())
	_, err = p.Rate("EUR", types.SOL, "")
	assert.ErrorIs(t, err, ErrNoRate)
}

func TestSum(t *testing.T) {
	s, err := Sum("1.5", "2.25", "")
	require.NoError(t, err)
	assert.Equal(t, "3.75", s.String())

	_, err = Sum("-1")
	assert.ErrorIs(t, err, ErrBadPrice)
}
