package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"tradechain/internal/eip1193"
)

// Observer receives per-call outcomes, typically for metrics.
type Observer interface {
	ObserveCall(contract, method, result string, elapsed time.Duration)
	ObserveTransaction(contract, method, result string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveCall(string, string, string, time.Duration)        {}
func (nopObserver) ObserveTransaction(string, string, string, time.Duration) {}

// RetryPolicy applies to idempotent reads only.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Options configures every handle built by Build.
type Options struct {
	SignatureTimeout    time.Duration
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	Retry               RetryPolicy
	Observer            Observer
	Logger              *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 1
	}
	if o.Retry.InitialBackoff <= 0 {
		o.Retry.InitialBackoff = 200 * time.Millisecond
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Handle is a call handle for one contract on one chain, acting for one
// account. It is never modified after construction, so a call that started
// before a chain or account switch keeps targeting the original contract.
type Handle struct {
	name    string
	address common.Address
	abi     *abi.ABI
	from    common.Address
	chainID uint64
	backend eip1193.Provider
	opts    Options
}

func NewHandle(name string, address common.Address, contractABI *abi.ABI, from common.Address, chainID uint64, backend eip1193.Provider, opts Options) *Handle {
	return &Handle{
		name:    name,
		address: address,
		abi:     contractABI,
		from:    from,
		chainID: chainID,
		backend: backend,
		opts:    opts.withDefaults(),
	}
}

func (h *Handle) Name() string            { return h.name }
func (h *Handle) Address() common.Address { return h.address }
func (h *Handle) From() common.Address    { return h.from }
func (h *Handle) ChainID() uint64         { return h.chainID }
func (h *Handle) ABI() *abi.ABI           { return h.abi }

// Call runs a read-only method and returns the unpacked outputs. Transport
// failures are retried according to the retry policy; reverts are not.
func (h *Handle) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	start := time.Now()
	out, err := h.call(ctx, method, args...)
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.opts.Observer.ObserveCall(h.name, method, result, time.Since(start))
	return out, err
}

func (h *Handle) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := h.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s.%s: %w", h.name, method, err)
	}
	req := eip1193.TxRequest{To: &h.address, Data: data}
	if h.from != (common.Address{}) {
		req.From = &h.from
	}

	var raw json.RawMessage
	backoff := h.opts.Retry.InitialBackoff
	for attempt := 1; ; attempt++ {
		raw, err = h.backend.Request(ctx, "eth_call", req, "latest")
		if err == nil {
			break
		}
		if !retryableRead(ctx, err) || attempt >= h.opts.Retry.MaxAttempts {
			return nil, h.callError(method, err)
		}
		h.opts.Logger.Debug("retrying contract read", "contract", h.name, "method", method, "attempt", attempt, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, h.callError(method, ctx.Err())
		}
		if h.opts.Retry.BackoffMultiplier > 1 {
			backoff *= time.Duration(h.opts.Retry.BackoffMultiplier)
		}
		if h.opts.Retry.MaxBackoff > 0 && backoff > h.opts.Retry.MaxBackoff {
			backoff = h.opts.Retry.MaxBackoff
		}
	}

	var ret hexutil.Bytes
	if err := json.Unmarshal(raw, &ret); err != nil {
		return nil, &CallError{Contract: h.name, Method: method, Err: fmt.Errorf("%w: decode result: %v", ErrDataInconsistency, err)}
	}
	if len(ret) == 0 && len(h.abi.Methods[method].Outputs) > 0 {
		return nil, &CallError{
			Contract: h.name,
			Method:   method,
			Reason:   fmt.Sprintf("empty result from %s on chain %d", h.address.Hex(), h.chainID),
			Err:      ErrDataInconsistency,
		}
	}
	out, err := h.abi.Unpack(method, ret)
	if err != nil {
		return nil, &CallError{Contract: h.name, Method: method, Err: fmt.Errorf("%w: %v", ErrDataInconsistency, err)}
	}
	return out, nil
}

func (h *Handle) callError(method string, err error) error {
	ce := &CallError{Contract: h.name, Method: method, Err: err}
	if reason, ok := eip1193.RevertReason(err); ok {
		ce.Reason = reason
		ce.Reverted = true
	} else if eip1193.IsReverted(err) {
		ce.Reverted = true
	}
	return ce
}

func retryableRead(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if eip1193.IsReverted(err) {
		return false
	}
	var pe *eip1193.ProviderError
	if errors.As(err, &pe) && pe.Code >= 4000 && pe.Code < 5000 {
		return false
	}
	return true
}

// Transact submits a state-changing call through the wallet and blocks until
// the transaction is mined. The returned receipt always has a success status.
func (h *Handle) Transact(ctx context.Context, value *big.Int, method string, args ...any) (*types.Receipt, error) {
	start := time.Now()
	receipt, err := h.transact(ctx, value, method, args...)
	result := "confirmed"
	switch {
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case errors.Is(err, eip1193.ErrUserRejected):
		result = "rejected"
	case err != nil:
		result = "failed"
	}
	h.opts.Observer.ObserveTransaction(h.name, method, result, time.Since(start))
	return receipt, err
}

func (h *Handle) transact(ctx context.Context, value *big.Int, method string, args ...any) (*types.Receipt, error) {
	if h.from == (common.Address{}) {
		return nil, fmt.Errorf("%s.%s: %w", h.name, method, ErrNotConnected)
	}
	data, err := h.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s.%s: %w", h.name, method, err)
	}
	if err := h.checkWallet(ctx); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", h.name, method, err)
	}
	req := eip1193.TxRequest{
		From:    &h.from,
		To:      &h.address,
		Data:    data,
		ChainID: (*hexutil.Big)(new(big.Int).SetUint64(h.chainID)),
	}
	if value != nil && value.Sign() > 0 {
		req.Value = (*hexutil.Big)(new(big.Int).Set(value))
	}

	sigCtx, cancel := withOptionalTimeout(ctx, h.opts.SignatureTimeout)
	raw, err := h.backend.Request(sigCtx, "eth_sendTransaction", req)
	timedOut := sigCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()
	if err != nil {
		txErr := &TxError{Contract: h.name, Method: method, Err: err, Timeout: timedOut}
		if reason, ok := eip1193.RevertReason(err); ok {
			txErr.Reason = reason
		} else if timedOut {
			txErr.Reason = "no response from wallet"
		} else {
			txErr.Reason = err.Error()
		}
		return nil, txErr
	}
	hash, err := eip1193.DecodeHash(raw)
	if err != nil {
		return nil, &TxError{Contract: h.name, Method: method, Reason: "wallet returned no transaction hash", Err: err}
	}
	h.opts.Logger.Info("transaction submitted", "contract", h.name, "method", method, "tx", hash.Hex(), "chain_id", h.chainID)

	receipt, err := h.waitForReceipt(ctx, hash)
	if err != nil {
		return nil, &TxError{
			Contract: h.name,
			Method:   method,
			Hash:     hash,
			Reason:   err.Error(),
			Timeout:  errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil,
			Err:      err,
		}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := "reverted"
		if receipt.BlockNumber != nil {
			reason = fmt.Sprintf("reverted in block %s", receipt.BlockNumber)
		}
		return nil, &TxError{Contract: h.name, Method: method, Hash: hash, Reason: reason, Err: ErrReverted}
	}
	return receipt, nil
}

// checkWallet confirms the wallet is still on the handle's chain and account
// before anything is signed.
func (h *Handle) checkWallet(ctx context.Context) error {
	raw, err := h.backend.Request(ctx, "eth_chainId")
	if err != nil {
		return fmt.Errorf("read wallet chain: %w", err)
	}
	chainID, err := eip1193.DecodeChainID(raw)
	if err != nil {
		return err
	}
	if chainID != h.chainID {
		return fmt.Errorf("%w: handle is bound to chain %d, wallet is on chain %d", ErrStaleBindings, h.chainID, chainID)
	}
	raw, err = h.backend.Request(ctx, "eth_accounts")
	if err != nil {
		return fmt.Errorf("read wallet accounts: %w", err)
	}
	accounts, err := eip1193.DecodeAccounts(raw)
	if err != nil {
		return err
	}
	if len(accounts) == 0 || accounts[0] != h.from {
		return fmt.Errorf("%w: handle acts for %s, wallet account changed", ErrStaleBindings, h.from.Hex())
	}
	return nil
}

// Mined wraps an error found while interpreting a successful receipt, so
// callers can tell that the transaction did land. It returns nil for a nil
// err.
func (h *Handle) Mined(method string, receipt *types.Receipt, err error) error {
	if err == nil {
		return nil
	}
	return &MinedError{Contract: h.name, Method: method, Hash: receipt.TxHash, Err: err}
}

// waitForReceipt polls until the transaction is mined or the confirmation
// timeout elapses.
func (h *Handle) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := withOptionalTimeout(ctx, h.opts.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()

	for {
		raw, err := h.backend.Request(ctx, "eth_getTransactionReceipt", hash)
		if err == nil && !eip1193.IsNull(raw) {
			var receipt types.Receipt
			if err := json.Unmarshal(raw, &receipt); err != nil {
				return nil, fmt.Errorf("decode receipt: %w", err)
			}
			return &receipt, nil
		}
		if err != nil && ctx.Err() == nil {
			h.opts.Logger.Debug("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FindEvent decodes the first log in receipt emitted by this contract as the
// named event. The boolean is false when no such log exists; callers decide
// whether that is an error.
func (h *Handle) FindEvent(receipt *types.Receipt, name string, out any) (bool, error) {
	ev, ok := h.abi.Events[name]
	if !ok {
		return false, fmt.Errorf("%s has no event %s", h.name, name)
	}
	if receipt == nil {
		return false, nil
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != h.address || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		if err := h.unpackLog(out, ev, lg); err != nil {
			return false, fmt.Errorf("%w: decode %s.%s: %v", ErrDataInconsistency, h.name, name, err)
		}
		return true, nil
	}
	return false, nil
}

func (h *Handle) unpackLog(out any, ev abi.Event, lg *types.Log) error {
	if len(lg.Data) > 0 {
		if err := h.abi.UnpackIntoInterface(out, ev.Name, lg.Data); err != nil {
			return err
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return fmt.Errorf("expected %d indexed topics, got %d", len(indexed), len(lg.Topics)-1)
	}
	return abi.ParseTopics(out, indexed, lg.Topics[1:])
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
