// Package ethereum implements the chain adapter for ethereum-type networks (eth, bsc) and their tokens (erc20, bep20).
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tarancss/hd"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/config"
	"github.com/tarancss/depositgw/lib/metrics"
)

// Ethereum ERC20 token methodIDs (keccak-256 of the function name and arguments)
const (
	ERC20transfer256 = "a9059cbb" // transfer(address,uint256)
	ERC20balanceOf   = "70a08231" // balanceOf(address)
)

// Gas limits
const (
	NativeGas uint64 = 21000
	TokenGas  uint64 = 210000
)

// Confirmation depths and token lookback in blocks when not configured.
const (
	DefaultDepth    uint64 = 10
	DefaultBSCDepth uint64 = 100
	DefaultLookback uint64 = 100
)

const defaultTimeout = 10 * time.Second

// TransferTopic is the topic of the ERC20 Transfer(address,address,uint256) event.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Backend is the subset of an ethclient.Client used by the adapter.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call geth.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q geth.FilterQuery) ([]ethtypes.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	Close()
}

// Ethereum implements a connection to an ethereum-type chain. A token adapter reads balances of any token contract
// given to Balance and builds transfers of the configured contract.
type Ethereum struct {
	id       types.ChainID
	b        Backend
	depth    uint64
	lookback uint64
	token    string
	timeout  time.Duration
	hd       *hd.HdWallet
}

// Dial returns an adapter connected to the node in cfg.Node, using cfg.Secret for Basic Authentication if set.
func Dial(id types.ChainID, cfg config.ChainConfig, timeout time.Duration) (*Ethereum, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var opts []rpc.ClientOption
	if cfg.Secret != "" {
		opts = append(opts, rpc.WithHeader("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cfg.Secret))))
	}
	c, err := rpc.DialOptions(ctx, cfg.Node, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s node in %s: %w", id, cfg.Node, err)
	}
	return New(id, ethclient.NewClient(c), cfg, timeout), nil
}

// New returns an adapter over b.
func New(id types.ChainID, b Backend, cfg config.ChainConfig, timeout time.Duration) *Ethereum {
	e := &Ethereum{id: id, b: b, depth: cfg.Depth, lookback: cfg.Lookback, token: cfg.Token, timeout: timeout}
	if e.depth == 0 {
		e.depth = DefaultDepth
		if id == types.BSC || id == types.BEP20 {
			e.depth = DefaultBSCDepth
		}
	}
	if e.lookback == 0 {
		e.lookback = DefaultLookback
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	return e
}

// WithHD lets the adapter derive addresses from the HD wallet w.
func (e *Ethereum) WithHD(w *hd.HdWallet) *Ethereum {
	e.hd = w
	return e
}

// Chain returns the chain id.
func (e *Ethereum) Chain() types.ChainID { return e.id }

// Close ends a connection
func (e *Ethereum) Close() { e.b.Close() }

func (e *Ethereum) observe(op string, start time.Time) {
	metrics.RPCLatency.WithLabelValues(string(e.id), op).Observe(time.Since(start).Seconds())
}

func address(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s", types.ErrBadAddress, s)
	}
	return common.HexToAddress(s), nil
}

// NormalizeAddress returns the EIP-55 checksummed form of s.
func (e *Ethereum) NormalizeAddress(s string) (string, error) {
	a, err := address(s)
	if err != nil {
		return "", err
	}
	return a.Hex(), nil
}

// Balance returns the balance of address in wei, or in token units when the adapter is a token variant.
//
// Native: confirmed is the balance depth blocks behind the tip, unconfirmed the difference up to the tip.
// Token: unconfirmed is the sum of inbound transfers within the lookback window, confirmed the rest of balanceOf.
func (e *Ethereum) Balance(ctx context.Context, addr, token string) (types.Balance, error) {
	a, err := address(addr)
	if err != nil {
		return types.Balance{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer e.observe("balance", time.Now())
	tip, err := e.b.BlockNumber(ctx)
	if err != nil {
		return types.Balance{}, types.FetchError(e.id, err)
	}

	if !e.id.IsToken() {
		if token != "" {
			return types.Balance{}, types.ErrUnsupported
		}
		return e.native(ctx, a, tip)
	}
	t, err := address(token)
	if err != nil {
		return types.Balance{}, err
	}
	return e.tokenBalance(ctx, a, t, tip)
}

func (e *Ethereum) native(ctx context.Context, a common.Address, tip uint64) (types.Balance, error) {
	var at uint64
	if tip > e.depth {
		at = tip - e.depth
	}
	confirmed, err := e.b.BalanceAt(ctx, a, new(big.Int).SetUint64(at))
	if err != nil {
		return types.Balance{}, types.FetchError(e.id, err)
	}
	latest, err := e.b.BalanceAt(ctx, a, new(big.Int).SetUint64(tip))
	if err != nil {
		return types.Balance{}, types.FetchError(e.id, err)
	}
	return types.NewBalance(confirmed, new(big.Int).Sub(latest, confirmed)), nil
}

func (e *Ethereum) tokenBalance(ctx context.Context, a, token common.Address, tip uint64) (types.Balance, error) {
	data := append(common.FromHex(ERC20balanceOf), common.LeftPadBytes(a.Bytes(), 32)...)
	out, err := e.b.CallContract(ctx, geth.CallMsg{To: &token, Data: data}, new(big.Int).SetUint64(tip))
	if err != nil {
		return types.Balance{}, types.FetchError(e.id, err)
	}
	if len(out) < 32 {
		return types.Balance{}, types.FetchError(e.id, errors.New("short balanceOf result"))
	}
	total := new(big.Int).SetBytes(out[:32])

	var from uint64
	if tip > e.lookback {
		from = tip - e.lookback
	}
	logs, err := e.b.FilterLogs(ctx, geth.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(tip),
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{TransferTopic}, nil, {common.BytesToHash(a.Bytes())}},
	})
	if err != nil {
		return types.Balance{}, types.FetchError(e.id, err)
	}
	recent := new(big.Int)
	for _, l := range logs {
		if l.Removed {
			continue
		}
		recent.Add(recent, new(big.Int).SetBytes(l.Data))
	}
	if recent.Cmp(total) > 0 {
		recent.Set(total)
	}
	return types.NewBalance(new(big.Int).Sub(total, recent), recent), nil
}

func key(secret string) (*ecdsa.PrivateKey, error) {
	k, err := crypto.HexToECDSA(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadSecret, err)
	}
	return k, nil
}

// BuildTransfer returns a signed legacy transaction sending amount to the address to. Token adapters send amount
// units of the configured token contract.
func (e *Ethereum) BuildTransfer(ctx context.Context, from types.Keypair, to string, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, types.ErrBadAmount
	}
	k, err := key(from.Secret)
	if err != nil {
		return nil, err
	}
	sender := crypto.PubkeyToAddress(k.PublicKey)
	if from.Address != "" && !strings.EqualFold(from.Address, sender.Hex()) {
		return nil, fmt.Errorf("%w: secret does not match %s", types.ErrBadSecret, from.Address)
	}
	dst, err := address(to)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	nonce, err := e.b.PendingNonceAt(ctx, sender)
	if err != nil {
		return nil, types.FetchError(e.id, err)
	}
	price, err := e.b.SuggestGasPrice(ctx)
	if err != nil {
		return nil, types.FetchError(e.id, err)
	}
	chainID, err := e.b.ChainID(ctx)
	if err != nil {
		return nil, types.FetchError(e.id, err)
	}

	var tx *ethtypes.Transaction
	if e.id.IsToken() {
		token, err := address(e.token)
		if err != nil {
			return nil, fmt.Errorf("token contract not configured: %w", err)
		}
		data := common.FromHex(ERC20transfer256)
		data = append(data, common.LeftPadBytes(dst.Bytes(), 32)...)
		data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
		tx = ethtypes.NewTransaction(nonce, token, new(big.Int), TokenGas, price, data)
	} else {
		tx = ethtypes.NewTransaction(nonce, dst, amount, NativeGas, price, nil)
	}

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), k)
	if err != nil {
		return nil, err
	}
	return signed.MarshalBinary()
}

// Broadcast sends a signed transaction and returns its hash.
func (e *Ethereum) Broadcast(ctx context.Context, raw []byte) (string, error) {
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	defer e.observe("send", time.Now())
	if err := e.b.SendTransaction(ctx, tx); err != nil {
		return "", types.FetchError(e.id, err)
	}
	return tx.Hash().Hex(), nil
}

// GenerateAddress returns a new account and its hex encoded private key.
func (e *Ethereum) GenerateAddress() (types.Keypair, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return types.Keypair{}, err
	}
	return types.Keypair{Address: crypto.PubkeyToAddress(k.PublicKey).Hex(), Secret: hexutil.Encode(crypto.FromECDSA(k))}, nil
}

// DeriveAddress returns the external address number index of the HD wallet account and its hex encoded private key.
func (e *Ethereum) DeriveAddress(account, index uint32) (types.Keypair, error) {
	if e.hd == nil {
		return types.Keypair{}, fmt.Errorf("%w: no HD wallet", types.ErrUnsupported)
	}
	addr, key, _, err := e.hd.Address(account, hd.External, index)
	if err != nil {
		return types.Keypair{}, fmt.Errorf("deriving %d/%d: %w", account, index, err)
	}
	return types.Keypair{Address: common.BytesToAddress(addr).Hex(), Secret: hexutil.Encode(key)}, nil
}
