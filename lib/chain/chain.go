// Package chain defines the interface required for all blockchain connections and loads the adapters from
// configuration.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/tarancss/hd"
	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/chain/ethereum"
	"github.com/tarancss/depositgw/lib/chain/ripple"
	"github.com/tarancss/depositgw/lib/chain/solana"
	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/chain/utxo"
	"github.com/tarancss/depositgw/lib/config"
)

// Adapter is the set of operations the gateway needs from a chain. Token variants take the token contract or mint in
// Balance. Fetch failures are returned wrapped in types.ErrFetch and never as a zero balance; capabilities a chain
// lacks return types.ErrUnsupported. NormalizeAddress returns the one spelling of an address, or of a token contract or
// mint, that the gateway keys balances and leases by.
type Adapter interface {
	Chain() types.ChainID
	Balance(ctx context.Context, address, token string) (types.Balance, error)
	BuildTransfer(ctx context.Context, from types.Keypair, to string, amount *big.Int) ([]byte, error)
	Broadcast(ctx context.Context, raw []byte) (string, error)
	GenerateAddress() (types.Keypair, error)
	NormalizeAddress(address string) (string, error)
	Close()
}

// Deriver is an adapter deriving addresses from an HD wallet: address number index of the wallet account.
type Deriver interface {
	DeriveAddress(account, index uint32) (types.Keypair, error)
}

// Init loads all the adapters read from the chain configs into a map. timeout bounds every network request made by an
// adapter. When w is set the ethereum-type adapters derive addresses from it. Unknown chain names are logged and
// ignored.
func Init(cfgs []config.ChainConfig, timeout time.Duration, w *hd.HdWallet,
	log *zap.Logger) (m map[types.ChainID]Adapter, err error) {
	m = make(map[types.ChainID]Adapter)

	for _, c := range cfgs {
		id := types.ChainID(c.Name)
		switch id {
		case types.BTC, types.LTC, types.DOGE:
			m[id] = utxo.New(id, c, timeout)
		case types.ETH, types.BSC, types.ERC20, types.BEP20:
			var e *ethereum.Ethereum
			if e, err = ethereum.Dial(id, c, timeout); err != nil {
				End(m)
				return nil, err
			}
			m[id] = e.WithHD(w)
		case types.SOL, types.SPL:
			m[id] = solana.Dial(id, c, timeout)
		case types.XRP:
			m[id] = ripple.New(c, timeout)
		default:
			log.Warn("chain adapter not defined, ignoring", zap.String("chain", c.Name))
			continue
		}
		log.Info("chain adapter loaded", zap.String("chain", c.Name), zap.String("node", c.Node))
	}

	return m, nil
}

// End closes gracefully all the adapters opened.
func End(m map[types.ChainID]Adapter) {
	for _, a := range m {
		a.Close()
	}
}
