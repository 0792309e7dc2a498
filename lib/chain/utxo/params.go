package utxo

import (
	"strings"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/tarancss/depositgw/lib/chain/types"
)

// Address version bytes of the non bitcoin families.
var (
	ltcMain  = versions{pkh: 0x30, sh: 0x32, wif: 0xb0}
	ltcTest  = versions{pkh: 0x6f, sh: 0x3a, wif: 0xef}
	dogeMain = versions{pkh: 0x1e, sh: 0x16, wif: 0x9e}
	dogeTest = versions{pkh: 0x71, sh: 0xc4, wif: 0xf1}
)

type versions struct {
	pkh, sh, wif byte
}

// network returns the explorer network code of a chain, ie. BTCTEST, LTC.
func network(c types.ChainID, configured string) string {
	if configured != "" {
		return strings.ToUpper(configured)
	}
	return strings.ToUpper(string(c)) + "TEST"
}

// Params returns the address parameters of a chain on a network. Codes without the TEST suffix select main net.
func Params(c types.ChainID, net string) *chaincfg.Params {
	test := strings.HasSuffix(strings.ToUpper(net), "TEST")
	var base chaincfg.Params
	if test {
		base = chaincfg.TestNet3Params
	} else {
		base = chaincfg.MainNetParams
	}

	var v versions
	switch c {
	case types.LTC:
		v = ltcMain
		if test {
			v = ltcTest
		}
	case types.DOGE:
		v = dogeMain
		if test {
			v = dogeTest
		}
	default:
		return &base
	}
	base.Name = net
	base.PubKeyHashAddrID = v.pkh
	base.ScriptHashAddrID = v.sh
	base.PrivateKeyID = v.wif
	return &base
}
