// Package utxo implements the chain adapter for bitcoin-like networks (btc, ltc, doge) on top of a block explorer
// HTTP API in the SoChain v2 shape. Transactions are built and signed locally and then broadcast through the explorer.
package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/config"
	"github.com/tarancss/depositgw/lib/metrics"
)

// Decimals of all supported UTXO coins.
const Decimals = 8

const (
	defaultFee     = 10000 // smallest units paid per transaction when none is configured
	dustLimit      = 546
	defaultTimeout = 10 * time.Second
)

// UTXO implements a connection to an explorer API for one bitcoin-like chain.
type UTXO struct {
	id     types.ChainID
	c      *http.Client
	base   string
	net    string
	params *chaincfg.Params
	fee    int64
	secret string
}

// explorer API payloads
type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type balanceData struct {
	Confirmed   string `json:"confirmed_balance"`
	Unconfirmed string `json:"unconfirmed_balance"`
}

// Unspent is an unspent output as listed by the explorer.
type Unspent struct {
	TxID          string `json:"txid"`
	Output        uint32 `json:"output_no"`
	Script        string `json:"script_hex"`
	Value         string `json:"value"`
	Confirmations int64  `json:"confirmations"`
}

type unspentData struct {
	Txs []Unspent `json:"txs"`
}

type sendData struct {
	TxID string `json:"txid"`
}

// New returns an adapter for chain id reaching the explorer in cfg.Node. timeout bounds every HTTP request.
func New(id types.ChainID, cfg config.ChainConfig, timeout time.Duration) *UTXO {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	fee := cfg.Fee
	if fee == 0 {
		fee = defaultFee
	}
	net := network(id, cfg.Network)
	return &UTXO{
		id:     id,
		c:      &http.Client{Timeout: timeout},
		base:   strings.TrimSuffix(cfg.Node, "/"),
		net:    net,
		params: Params(id, net),
		fee:    fee,
		secret: cfg.Secret,
	}
}

// Chain returns the chain id.
func (u *UTXO) Chain() types.ChainID { return u.id }

// Close releases idle connections.
func (u *UTXO) Close() { u.c.CloseIdleConnections() }

// ToSmallest converts a display amount (ie. "0.0005") to the smallest unit. Amounts with more than Decimals
// fractional digits are rejected.
func ToSmallest(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	d = d.Shift(Decimals)
	if !d.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimals", s, Decimals)
	}
	return d.BigInt(), nil
}

func (u *UTXO) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if u.secret != "" {
		req.Header.Set("API-KEY", u.secret)
	}

	start := time.Now()
	resp, err := u.c.Do(req)
	metrics.RPCLatency.WithLabelValues(string(u.id), strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]).
		Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var r response
	if err = json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("http %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || r.Status != "success" {
		return fmt.Errorf("http %d: explorer status %q", resp.StatusCode, r.Status)
	}
	return json.Unmarshal(r.Data, out)
}

// Balance returns the confirmed and unconfirmed balance of address in satoshis. token must be empty.
func (u *UTXO) Balance(ctx context.Context, address, token string) (types.Balance, error) {
	if token != "" {
		return types.Balance{}, types.ErrUnsupported
	}
	if _, err := btcutil.DecodeAddress(address, u.params); err != nil {
		return types.Balance{}, fmt.Errorf("%w: %s: %v", types.ErrBadAddress, address, err)
	}

	var d balanceData
	if err := u.do(ctx, http.MethodGet, "/get_address_balance/"+u.net+"/"+address, nil, &d); err != nil {
		return types.Balance{}, types.FetchError(u.id, err)
	}
	c, err := ToSmallest(d.Confirmed)
	if err != nil {
		return types.Balance{}, types.FetchError(u.id, err)
	}
	uc, err := ToSmallest(d.Unconfirmed)
	if err != nil {
		return types.Balance{}, types.FetchError(u.id, err)
	}
	return types.Balance{Confirmed: c, Unconfirmed: uc}, nil
}

// NormalizeAddress decodes s for the adapter network and returns its canonical encoding. Bech32 addresses come back
// in lower case.
func (u *UTXO) NormalizeAddress(s string) (string, error) {
	a, err := btcutil.DecodeAddress(strings.TrimSpace(s), u.params)
	if err != nil || !a.IsForNet(u.params) {
		return "", fmt.Errorf("%w: %s", types.ErrBadAddress, s)
	}
	return a.EncodeAddress(), nil
}

// Unspents lists the unspent outputs of address.
func (u *UTXO) Unspents(ctx context.Context, address string) ([]Unspent, error) {
	var d unspentData
	if err := u.do(ctx, http.MethodGet, "/get_tx_unspent/"+u.net+"/"+address, nil, &d); err != nil {
		return nil, types.FetchError(u.id, err)
	}
	return d.Txs, nil
}

// BuildTransfer spends unspent outputs of from, oldest listed first, paying amount to the address to and the
// remainder minus the fee back to from. Every input is signed with the WIF secret of from. It returns the serialized
// transaction.
func (u *UTXO) BuildTransfer(ctx context.Context, from types.Keypair, to string, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 || !amount.IsInt64() {
		return nil, types.ErrBadAmount
	}
	wif, err := btcutil.DecodeWIF(from.Secret)
	if err != nil || !wif.IsForNet(u.params) {
		return nil, types.ErrBadSecret
	}
	fromAddr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(wif.SerializePubKey()), u.params)
	if err != nil {
		return nil, err
	}
	if from.Address != "" && from.Address != fromAddr.EncodeAddress() {
		return nil, fmt.Errorf("%w: secret does not match %s", types.ErrBadSecret, from.Address)
	}
	toAddr, err := btcutil.DecodeAddress(to, u.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrBadAddress, to, err)
	}

	outs, err := u.Unspents(ctx, fromAddr.EncodeAddress())
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var scripts [][]byte
	need := amount.Int64() + u.fee
	var total int64
	for _, o := range outs {
		if total >= need {
			break
		}
		v, err := ToSmallest(o.Value)
		if err != nil {
			return nil, types.FetchError(u.id, err)
		}
		hash, err := chainhash.NewHashFromStr(o.TxID)
		if err != nil {
			return nil, types.FetchError(u.id, err)
		}
		script, err := hex.DecodeString(o.Script)
		if err != nil {
			return nil, types.FetchError(u.id, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, o.Output), nil, nil))
		scripts = append(scripts, script)
		total += v.Int64()
	}
	if total < need {
		return nil, fmt.Errorf("%w: have %d need %d", types.ErrNoFunds, total, need)
	}

	pkTo, err := txscript.PayToAddrScript(toAddr)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(amount.Int64(), pkTo))
	if change := total - need; change > dustLimit {
		pkFrom, err := txscript.PayToAddrScript(fromAddr)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(change, pkFrom))
	}

	for i := range tx.TxIn {
		sig, err := txscript.SignatureScript(tx, i, scripts[i], txscript.SigHashAll, wif.PrivKey, wif.CompressPubKey)
		if err != nil {
			return nil, fmt.Errorf("signing input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sig
	}

	var buf bytes.Buffer
	if err = tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Broadcast sends a serialized transaction through the explorer and returns its hash.
func (u *UTXO) Broadcast(ctx context.Context, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("empty transaction")
	}
	var d sendData
	if err := u.do(ctx, http.MethodPost, "/send_tx/"+u.net, map[string]string{"tx_hex": hex.EncodeToString(raw)}, &d); err != nil {
		return "", types.FetchError(u.id, err)
	}
	return d.TxID, nil
}

// GenerateAddress returns a new pay-to-pubkey-hash address and its WIF secret.
func (u *UTXO) GenerateAddress() (types.Keypair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return types.Keypair{}, err
	}
	wif, err := btcutil.NewWIF(priv, u.params, true)
	if err != nil {
		return types.Keypair{}, err
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), u.params)
	if err != nil {
		return types.Keypair{}, err
	}
	return types.Keypair{Address: addr.EncodeAddress(), Secret: wif.String()}, nil
}
