// Package solana implements the chain adapter for Solana (sol) and SPL tokens (spl). Balances are read at finalized
// commitment so there is no unconfirmed part.
package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	sol "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/config"
	"github.com/tarancss/depositgw/lib/metrics"
)

const defaultTimeout = 10 * time.Second

// Backend is the subset of an rpc.Client used by the adapter.
type Backend interface {
	GetBalance(ctx context.Context, account sol.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountsByOwner(ctx context.Context, owner sol.PublicKey, conf *rpc.GetTokenAccountsConfig,
		opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
	GetTokenAccountBalance(ctx context.Context, account sol.PublicKey,
		commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetAccountInfo(ctx context.Context, account sol.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (sol.Signature, error)
	Close() error
}

// Solana implements a connection to a Solana cluster. The spl adapter reads balances of any mint given to Balance and
// builds transfers of the configured mint.
type Solana struct {
	id      types.ChainID
	b       Backend
	mint    string
	timeout time.Duration
}

// Dial returns an adapter for the cluster in cfg.Node, using cfg.Secret for Basic Authentication if set.
func Dial(id types.ChainID, cfg config.ChainConfig, timeout time.Duration) *Solana {
	var c *rpc.Client
	if cfg.Secret != "" {
		c = rpc.NewWithHeaders(cfg.Node, map[string]string{
			"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Secret)),
		})
	} else {
		c = rpc.New(cfg.Node)
	}
	return New(id, c, cfg, timeout)
}

// New returns an adapter over b.
func New(id types.ChainID, b Backend, cfg config.ChainConfig, timeout time.Duration) *Solana {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Solana{id: id, b: b, mint: cfg.Token, timeout: timeout}
}

// Chain returns the chain id.
func (s *Solana) Chain() types.ChainID { return s.id }

// Close ends a connection
func (s *Solana) Close() { _ = s.b.Close() }

func pubkey(s string) (sol.PublicKey, error) {
	pk, err := sol.PublicKeyFromBase58(s)
	if err != nil {
		return sol.PublicKey{}, fmt.Errorf("%w: %s: %v", types.ErrBadAddress, s, err)
	}
	return pk, nil
}

// NormalizeAddress returns the base58 form of the public key s.
func (s *Solana) NormalizeAddress(addr string) (string, error) {
	pk, err := pubkey(addr)
	if err != nil {
		return "", err
	}
	return pk.String(), nil
}

// Balance returns the lamports of address, or for the spl variant the raw amount of token mint summed over all the
// token accounts address owns.
func (s *Solana) Balance(ctx context.Context, address, token string) (types.Balance, error) {
	owner, err := pubkey(address)
	if err != nil {
		return types.Balance{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer func(start time.Time) {
		metrics.RPCLatency.WithLabelValues(string(s.id), "balance").Observe(time.Since(start).Seconds())
	}(time.Now())

	if s.id != types.SPL {
		if token != "" {
			return types.Balance{}, types.ErrUnsupported
		}
		res, err := s.b.GetBalance(ctx, owner, rpc.CommitmentFinalized)
		if err != nil {
			return types.Balance{}, types.FetchError(s.id, err)
		}
		return types.NewBalance(new(big.Int).SetUint64(res.Value), nil), nil
	}

	mint, err := pubkey(token)
	if err != nil {
		return types.Balance{}, err
	}
	accs, err := s.b.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{Mint: &mint},
		&rpc.GetTokenAccountsOpts{Commitment: rpc.CommitmentFinalized, Encoding: sol.EncodingBase64})
	if err != nil {
		return types.Balance{}, types.FetchError(s.id, err)
	}
	total := new(big.Int)
	for _, acc := range accs.Value {
		res, err := s.b.GetTokenAccountBalance(ctx, acc.Pubkey, rpc.CommitmentFinalized)
		if err != nil {
			return types.Balance{}, types.FetchError(s.id, err)
		}
		if res.Value == nil {
			continue
		}
		n, ok := new(big.Int).SetString(res.Value.Amount, 10)
		if !ok {
			return types.Balance{}, types.FetchError(s.id, fmt.Errorf("bad token amount %q", res.Value.Amount))
		}
		total.Add(total, n)
	}
	return types.NewBalance(total, nil), nil
}

// BuildTransfer returns a signed system transfer of amount lamports. The spl adapter instead moves amount raw units
// of its mint from the token account of from to the token account of to.
func (s *Solana) BuildTransfer(ctx context.Context, from types.Keypair, to string, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 || !amount.IsUint64() {
		return nil, types.ErrBadAmount
	}
	priv, err := sol.PrivateKeyFromBase58(from.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadSecret, err)
	}
	if err = priv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadSecret, err)
	}
	payer := priv.PublicKey()
	if from.Address != "" && from.Address != payer.String() {
		return nil, fmt.Errorf("%w: secret does not match %s", types.ErrBadSecret, from.Address)
	}
	dst, err := pubkey(to)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var ins []sol.Instruction
	if s.id == types.SPL {
		if ins, err = s.tokenTransfer(ctx, payer, dst, amount.Uint64()); err != nil {
			return nil, err
		}
	} else {
		ins = []sol.Instruction{system.NewTransferInstruction(amount.Uint64(), payer, dst).Build()}
	}
	bh, err := s.b.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, types.FetchError(s.id, err)
	}

	tx, err := sol.NewTransaction(
		ins,
		bh.Value.Blockhash,
		sol.TransactionPayer(payer),
	)
	if err != nil {
		return nil, err
	}
	if _, err = tx.Sign(func(k sol.PublicKey) *sol.PrivateKey {
		if k.Equals(payer) {
			return &priv
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return tx.MarshalBinary()
}

// tokenTransfer returns the instructions moving amount of the mint between the associated token accounts of owner
// and dst. The account of dst is created, paid by owner, when it does not exist yet.
func (s *Solana) tokenTransfer(ctx context.Context, owner, dst sol.PublicKey,
	amount uint64) ([]sol.Instruction, error) {
	if s.mint == "" {
		return nil, fmt.Errorf("%w: token mint not configured", types.ErrBadAddress)
	}
	mint, err := pubkey(s.mint)
	if err != nil {
		return nil, err
	}
	src, _, err := sol.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	dstAcc, _, err := sol.FindAssociatedTokenAddress(dst, mint)
	if err != nil {
		return nil, err
	}

	var ins []sol.Instruction
	_, err = s.b.GetAccountInfo(ctx, dstAcc)
	switch {
	case errors.Is(err, rpc.ErrNotFound):
		ins = append(ins, associatedtokenaccount.NewCreateInstruction(owner, dst, mint).Build())
	case err != nil:
		return nil, types.FetchError(s.id, err)
	}
	return append(ins, token.NewTransferInstruction(amount, src, dstAcc, owner, nil).Build()), nil
}

// Broadcast sends a signed transaction and returns its signature.
func (s *Solana) Broadcast(ctx context.Context, raw []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	sig, err := s.b.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", types.FetchError(s.id, err)
	}
	return sig.String(), nil
}

// GenerateAddress returns a new account and its base58 private key.
func (s *Solana) GenerateAddress() (types.Keypair, error) {
	priv, err := sol.NewRandomPrivateKey()
	if err != nil {
		return types.Keypair{}, err
	}
	return types.Keypair{Address: priv.PublicKey().String(), Secret: priv.String()}, nil
}
