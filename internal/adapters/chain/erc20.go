// Package chain moves reward tokens on an EVM chain and reports balances.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/shopspring/decimal"
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// gasHeadroomPercent pads the estimate by 20% against state drift before inclusion.
const gasHeadroomPercent = 120

// Backend is the subset of *ethclient.Client the token adapter uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

var _ Backend = (*ethclient.Client)(nil)

// Config describes the token and the treasury signer.
type Config struct {
	TokenAddress string
	Decimals     int32
	// PrivateKey is the hex-encoded treasury key, with or without 0x.
	PrivateKey string
	ChainID    int64
}

// Option applies a configuration option to the Token.
type Option func(*Token)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Token) {
		if l != nil {
			t.logger = l
		}
	}
}

// Token is an ERC-20 transfer and balance provider. It is safe for
// concurrent use; nonces are handed out under a mutex.
//
// A signed transaction whose send failed is kept per payment key until its
// fate is known. A later Transfer with the same key looks it up or
// rebroadcasts it unchanged and never signs a second transaction while the
// first may still land.
type Token struct {
	backend  Backend
	token    common.Address
	decimals int32
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	abi      abi.ABI
	logger   logger.Logger

	nonceMu    sync.Mutex
	nextNonce  uint64
	nonceValid bool
	inDoubt    map[string]*types.Transaction
}

// Dial connects to rpcURL and builds a Token.
func Dial(ctx context.Context, rpcURL string, cfg Config, opts ...Option) (*Token, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewToken(client, cfg, opts...)
}

// NewToken builds a Token on an existing backend. Without a private key the
// Token can still report balances but every transfer fails permanently.
func NewToken(backend Backend, cfg Config, opts ...Option) (*Token, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("invalid token address %q", cfg.TokenAddress)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("invalid chain id %d", cfg.ChainID)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	t := &Token{
		backend:  backend,
		token:    common.HexToAddress(cfg.TokenAddress),
		decimals: cfg.Decimals,
		signer:   types.NewEIP155Signer(big.NewInt(cfg.ChainID)),
		abi:      parsed,
		logger:   logger.Get().Named("chain"),
		inDoubt:  make(map[string]*types.Transaction),
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse treasury key: %w", err)
		}
		t.key = key
		t.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Address returns the treasury address derived from the signing key.
func (t *Token) Address() string {
	if t.key == nil {
		return ""
	}
	return t.from.Hex()
}

// BalanceOf returns account's token balance in whole-token units.
func (t *Token) BalanceOf(ctx context.Context, account string) (decimal.Decimal, error) {
	if !common.IsHexAddress(account) {
		return decimal.Zero, fmt.Errorf("invalid account %q", account)
	}
	data, err := t.abi.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := t.backend.CallContract(ctx, ethereum.CallMsg{To: &t.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("call balanceOf: %w", err)
	}
	values, err := t.abi.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return decimal.Zero, fmt.Errorf("unpack balanceOf: %w", errors.Join(err, errors.New("unexpected output")))
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("unpack balanceOf: unexpected type %T", values[0])
	}
	return decimal.NewFromBigInt(raw, -t.decimals), nil
}

// Transfer sends amount tokens to the recipient and returns the tx hash.
// It returns once the node accepts the transaction; inclusion is not awaited.
// key identifies the payment; repeated calls with the same key settle the
// transaction already signed for it before a new one is built.
func (t *Token) Transfer(ctx context.Context, key, to string, amount decimal.Decimal) (string, error) {
	if t.key == nil {
		return "", fmt.Errorf("%w: no treasury signing key configured", model.ErrPermanent)
	}
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: invalid recipient address %q", model.ErrPermanent, to)
	}
	units, err := ToBaseUnits(amount, t.decimals)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrPermanent, err)
	}
	recipient := common.HexToAddress(to)
	data, err := t.abi.Pack("transfer", recipient, units)
	if err != nil {
		return "", fmt.Errorf("%w: pack transfer: %w", model.ErrPermanent, err)
	}

	if hash, done, err := t.settle(ctx, key); err != nil || done {
		return hash, err
	}

	call := ethereum.CallMsg{From: t.from, To: &t.token, Data: data}
	gas, err := t.backend.EstimateGas(ctx, call)
	if err != nil {
		return "", Classify(fmt.Errorf("estimate gas: %w", err))
	}
	gas = gas * gasHeadroomPercent / 100
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", Classify(fmt.Errorf("suggest gas price: %w", err))
	}

	t.nonceMu.Lock()
	defer t.nonceMu.Unlock()
	if !t.nonceValid {
		n, err := t.backend.PendingNonceAt(ctx, t.from)
		if err != nil {
			return "", Classify(fmt.Errorf("pending nonce: %w", err))
		}
		t.nextNonce, t.nonceValid = n, true
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    t.nextNonce,
		To:       &t.token,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, t.signer, t.key)
	if err != nil {
		return "", fmt.Errorf("%w: sign transfer: %w", model.ErrPermanent, err)
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		if isAlreadyKnown(err) {
			t.nextNonce++
			return signed.Hash().Hex(), nil
		}
		// The node's view of the nonce is the only safe one after a failed send.
		t.nonceValid = false
		err = Classify(fmt.Errorf("send transaction: %w", err))
		if !errors.Is(err, model.ErrPermanent) || errors.Is(err, context.Canceled) {
			t.inDoubt[key] = signed
		}
		t.logger.Warn(ctx, "send transaction failed",
			logger.String("to", recipient.Hex()),
			logger.Int64("nonce", int64(signed.Nonce())),
			logger.String("tx", signed.Hash().Hex()),
			logger.Error(err),
		)
		return "", err
	}
	t.nextNonce++
	return signed.Hash().Hex(), nil
}

// settle resolves the transaction left in doubt for key, if any. done
// reports that the payment is complete and hash is its reference. When the
// transaction is gone and its nonce was consumed elsewhere, settle forgets
// it so the caller signs a fresh one.
func (t *Token) settle(ctx context.Context, key string) (hash string, done bool, err error) {
	t.nonceMu.Lock()
	defer t.nonceMu.Unlock()
	prev, ok := t.inDoubt[key]
	if !ok {
		return "", false, nil
	}
	hash = prev.Hash().Hex()

	_, _, err = t.backend.TransactionByHash(ctx, prev.Hash())
	switch {
	case err == nil:
		delete(t.inDoubt, key)
		t.logger.Info(ctx, "transaction in doubt found on chain", logger.String("tx", hash))
		return hash, true, nil
	case !errors.Is(err, ethereum.NotFound):
		return "", false, Classify(fmt.Errorf("look up transaction %s: %w", hash, err))
	}

	sendErr := t.backend.SendTransaction(ctx, prev)
	switch {
	case sendErr == nil || isAlreadyKnown(sendErr):
		delete(t.inDoubt, key)
		if t.nonceValid && t.nextNonce <= prev.Nonce() {
			t.nextNonce = prev.Nonce() + 1
		}
		return hash, true, nil
	case isNonceTaken(sendErr):
		delete(t.inDoubt, key)
		t.nonceValid = false
		t.logger.Warn(ctx, "transaction in doubt was never accepted, re-signing",
			logger.String("tx", hash), logger.Error(sendErr))
		return "", false, nil
	default:
		err = Classify(fmt.Errorf("rebroadcast %s: %w", hash, sendErr))
		if errors.Is(err, model.ErrPermanent) && !errors.Is(err, context.Canceled) {
			delete(t.inDoubt, key)
		}
		return "", false, err
	}
}

// ToBaseUnits converts a token amount to its integer on-chain representation.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount %s must be positive", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s finer than %d decimals", amount, decimals)
	}
	return shifted.BigInt(), nil
}
