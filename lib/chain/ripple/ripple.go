// Package ripple implements the chain adapter for the XRP ledger over the rippled JSON-RPC API. Balances are read
// from the last validated ledger, so there is no unconfirmed part. Payments are signed locally with the sender's
// family seed and submitted as a blob.
package ripple

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

	addresscodec "github.com/Peersyst/xrpl-go/address-codec"
	"github.com/Peersyst/xrpl-go/pkg/crypto"
	"github.com/Peersyst/xrpl-go/xrpl/wallet"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/config"
	"github.com/tarancss/depositgw/lib/metrics"
)

const (
	defaultTimeout = 10 * time.Second
	errNotFound    = "actNotFound"
	// ledgers a payment stays valid for before it expires unsubmitted
	ledgerOffset = 20
)

// Ripple implements a connection to a rippled server.
type Ripple struct {
	c    *http.Client
	node string
	fee  int64
}

type request struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// result carries the fields of every rippled method the adapter calls.
type result struct {
	Status              string `json:"status"`
	Error               string `json:"error"`
	ErrorMessage        string `json:"error_message"`
	LedgerCurrentIndex  uint32 `json:"ledger_current_index"`
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	AccountData         struct {
		Balance  string `json:"Balance"`
		Sequence uint32 `json:"Sequence"`
	} `json:"account_data"`
	Drops struct {
		OpenLedgerFee string `json:"open_ledger_fee"`
	} `json:"drops"`
	TxJSON struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

// New returns an adapter for the rippled server in cfg.Node. A positive cfg.Fee fixes the drops paid per payment,
// otherwise the open ledger fee is asked for.
func New(cfg config.ChainConfig, timeout time.Duration) *Ripple {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Ripple{c: &http.Client{Timeout: timeout}, node: cfg.Node, fee: cfg.Fee}
}

// Chain returns the chain id.
func (r *Ripple) Chain() types.ChainID { return types.XRP }

// Close releases idle connections.
func (r *Ripple) Close() { r.c.CloseIdleConnections() }

// NormalizeAddress checks s is a classic address and returns it without surrounding blanks.
func (r *Ripple) NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !addresscodec.IsValidClassicAddress(s) {
		return "", fmt.Errorf("%w: %s", types.ErrBadAddress, s)
	}
	return s, nil
}

// call runs method with params and decodes its result. Errors reported by rippled come back in the result; only
// transport failures return an error.
func (r *Ripple) call(ctx context.Context, method string, params map[string]interface{}) (*result, error) {
	body, err := json.Marshal(request{Method: method, Params: []interface{}{params}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.node, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.c.Do(req)
	metrics.RPCLatency.WithLabelValues(string(types.XRP), method).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, types.FetchError(types.XRP, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.FetchError(types.XRP, fmt.Errorf("http %d", resp.StatusCode))
	}

	var out struct {
		Result result `json:"result"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.FetchError(types.XRP, err)
	}
	return &out.Result, nil
}

func (r *Ripple) failed(res *result) error {
	msg := res.Error
	if res.ErrorMessage != "" {
		msg += ": " + res.ErrorMessage
	}
	return types.FetchError(types.XRP, fmt.Errorf("rippled: %s", msg))
}

// account returns the account root of address in ledger, or nil when the account does not exist there.
func (r *Ripple) account(ctx context.Context, address, ledger string) (*result, error) {
	res, err := r.call(ctx, "account_info", map[string]interface{}{
		"account":      address,
		"ledger_index": ledger,
		"strict":       true,
	})
	switch {
	case err != nil:
		return nil, err
	case res.Error == errNotFound:
		return nil, nil
	case res.Status != "success":
		return nil, r.failed(res)
	}
	return res, nil
}

// Balance returns the drops held by address. An account that does not exist yet holds zero.
func (r *Ripple) Balance(ctx context.Context, address, token string) (types.Balance, error) {
	if token != "" {
		return types.Balance{}, types.ErrUnsupported
	}
	address, err := r.NormalizeAddress(address)
	if err != nil {
		return types.Balance{}, err
	}
	res, err := r.account(ctx, address, "validated")
	if err != nil {
		return types.Balance{}, err
	}
	if res == nil {
		return types.NewBalance(nil, nil), nil
	}
	drops, ok := new(big.Int).SetString(res.AccountData.Balance, 10)
	if !ok {
		return types.Balance{}, types.FetchError(types.XRP, fmt.Errorf("bad balance %q", res.AccountData.Balance))
	}
	return types.NewBalance(drops, nil), nil
}

// openFee returns the drops to pay for a payment.
func (r *Ripple) openFee(ctx context.Context) (string, error) {
	if r.fee > 0 {
		return fmt.Sprint(r.fee), nil
	}
	res, err := r.call(ctx, "fee", map[string]interface{}{})
	switch {
	case err != nil:
		return "", err
	case res.Status != "success" || res.Drops.OpenLedgerFee == "":
		return "", r.failed(res)
	}
	return res.Drops.OpenLedgerFee, nil
}

// BuildTransfer returns a signed Payment of amount drops from the account of the family seed in from.Secret to the
// address to. The transaction expires if it is not in a validated ledger within a few ledgers of the current one.
func (r *Ripple) BuildTransfer(ctx context.Context, from types.Keypair, to string, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 || !amount.IsUint64() {
		return nil, types.ErrBadAmount
	}
	w, err := wallet.FromSeed(from.Secret, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadSecret, err)
	}
	sender := string(w.ClassicAddress)
	if from.Address != "" && from.Address != sender {
		return nil, fmt.Errorf("%w: secret does not match %s", types.ErrBadSecret, from.Address)
	}
	dst, err := r.NormalizeAddress(to)
	if err != nil {
		return nil, err
	}

	acc, err := r.account(ctx, sender, "current")
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s is not funded", types.ErrNoFunds, sender)
	}
	fee, err := r.openFee(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := r.call(ctx, "ledger_current", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	if cur.Status != "success" {
		return nil, r.failed(cur)
	}

	blob, _, err := w.Sign(map[string]interface{}{
		"TransactionType":    "Payment",
		"Account":            sender,
		"Destination":        dst,
		"Amount":             amount.String(),
		"Fee":                fee,
		"Sequence":           acc.AccountData.Sequence,
		"LastLedgerSequence": cur.LedgerCurrentIndex + ledgerOffset,
	})
	if err != nil {
		return nil, fmt.Errorf("signing payment: %w", err)
	}
	return hex.DecodeString(blob)
}

// Broadcast submits a signed transaction blob and returns its hash. Transactions rippled neither applied nor queued
// are returned as errors with their engine result.
func (r *Ripple) Broadcast(ctx context.Context, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("empty transaction")
	}
	res, err := r.call(ctx, "submit", map[string]interface{}{"tx_blob": strings.ToUpper(hex.EncodeToString(raw))})
	switch {
	case err != nil:
		return "", err
	case res.Status != "success":
		return "", r.failed(res)
	case !strings.HasPrefix(res.EngineResult, "tes") && res.EngineResult != "terQUEUED":
		return "", fmt.Errorf("submit rejected: %s %s", res.EngineResult, res.EngineResultMessage)
	}
	return res.TxJSON.Hash, nil
}

// GenerateAddress returns a new secp256k1 account and its family seed.
func (r *Ripple) GenerateAddress() (types.Keypair, error) {
	w, err := wallet.New(crypto.SECP256K1())
	if err != nil {
		return types.Keypair{}, err
	}
	return types.Keypair{Address: string(w.ClassicAddress), Secret: w.Seed}, nil
}
