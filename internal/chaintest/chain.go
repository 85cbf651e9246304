// Package chaintest provides an in-memory wallet provider that executes
// contract calls against Go handlers, for tests of the session and the
// contract clients.
package chaintest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"tradechain/internal/eip1193"
)

// ErrRevertOnChain makes a TxFunc produce a mined receipt with failed status.
var ErrRevertOnChain = errors.New("revert on chain")

// CallFunc answers a view call with values matching the method outputs.
type CallFunc func(args []any) ([]any, error)

// TxFunc executes a transaction and returns the logs it emits. Returning a
// *eip1193.ProviderError fails eth_sendTransaction itself; returning
// ErrRevertOnChain mines a failed receipt.
type TxFunc func(tx Sent, args []any) ([]*types.Log, error)

// Sent records one eth_sendTransaction.
type Sent struct {
	Hash   common.Hash
	From   common.Address
	To     common.Address
	Value  *big.Int
	Method string
	Args   []any
}

// Contract is a fake deployed contract.
type Contract struct {
	Address common.Address
	ABI     *abi.ABI

	mu    sync.Mutex
	calls map[string]CallFunc
	txs   map[string]TxFunc
}

// OnCall registers the handler for a view method.
func (c *Contract) OnCall(method string, fn CallFunc) *Contract {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method] = fn
	return c
}

// OnTx registers the handler for a state-changing method.
func (c *Contract) OnTx(method string, fn TxFunc) *Contract {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[method] = fn
	return c
}

// Log builds a log for the named event. Values are given in declaration
// order, indexed and non-indexed alike.
func (c *Contract) Log(name string, values ...any) *types.Log {
	ev, ok := c.ABI.Events[name]
	if !ok {
		panic("chaintest: unknown event " + name)
	}
	if len(values) != len(ev.Inputs) {
		panic(fmt.Sprintf("chaintest: event %s takes %d values", name, len(ev.Inputs)))
	}
	topics := []common.Hash{ev.ID}
	var data []any
	for i, arg := range ev.Inputs {
		if !arg.Indexed {
			data = append(data, values[i])
			continue
		}
		t, err := abi.MakeTopics([]any{values[i]})
		if err != nil {
			panic(err)
		}
		topics = append(topics, t[0][0])
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(err)
	}
	return &types.Log{Address: c.Address, Topics: topics, Data: packed}
}

// Chain is an EIP-1193 provider backed by fake contracts.
type Chain struct {
	mu        sync.Mutex
	chainID   uint64
	known     map[uint64]bool
	accounts  []common.Address
	balances  map[common.Address]*big.Int
	contracts map[uint64]map[common.Address]*Contract
	receipts  map[common.Hash]*types.Receipt
	pending   map[common.Hash]int
	sent      []Sent
	counts    map[string]int
	nonce     uint64

	// PendingPolls is how many receipt lookups return null before a receipt
	// becomes visible.
	PendingPolls int
	// AccountsGate, when non-nil, blocks eth_requestAccounts until it is closed.
	AccountsGate chan struct{}
	// SendHook runs before every eth_sendTransaction and may block or fail.
	SendHook func(ctx context.Context) error

	feed event.Feed
}

func New(chainID uint64, accounts ...common.Address) *Chain {
	return &Chain{
		chainID:   chainID,
		known:     map[uint64]bool{chainID: true},
		accounts:  accounts,
		balances:  make(map[common.Address]*big.Int),
		contracts: make(map[uint64]map[common.Address]*Contract),
		receipts:  make(map[common.Hash]*types.Receipt),
		pending:   make(map[common.Hash]int),
		counts:    make(map[string]int),
	}
}

// Deploy registers a contract at address on chainID.
func (c *Chain) Deploy(chainID uint64, address common.Address, contractABI *abi.ABI) *Contract {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contracts[chainID] == nil {
		c.contracts[chainID] = make(map[common.Address]*Contract)
	}
	ct := &Contract{
		Address: address,
		ABI:     contractABI,
		calls:   make(map[string]CallFunc),
		txs:     make(map[string]TxFunc),
	}
	c.contracts[chainID][address] = ct
	c.known[chainID] = true
	return ct
}

func (c *Chain) SetBalance(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(wei)
}

// SetAccounts changes the exposed accounts and notifies subscribers.
func (c *Chain) SetAccounts(accounts ...common.Address) {
	c.mu.Lock()
	c.accounts = accounts
	c.mu.Unlock()
	c.feed.Send(eip1193.Event{Kind: eip1193.AccountsChanged, Accounts: accounts})
}

// SetChain switches the active chain and notifies subscribers.
func (c *Chain) SetChain(chainID uint64) {
	c.mu.Lock()
	c.chainID = chainID
	c.known[chainID] = true
	c.mu.Unlock()
	c.feed.Send(eip1193.Event{Kind: eip1193.ChainChanged, ChainID: chainID})
}

// Forget removes chainID from the chains the wallet knows about.
func (c *Chain) Forget(chainID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.known, chainID)
}

// Sent returns the transactions submitted so far.
func (c *Chain) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Count returns how many times method was requested.
func (c *Chain) Count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[method]
}

func (c *Chain) SubscribeEvents(ch chan<- eip1193.Event) event.Subscription {
	return c.feed.Subscribe(ch)
}

func (c *Chain) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	c.mu.Lock()
	c.counts[method]++
	c.mu.Unlock()

	switch method {
	case "eth_requestAccounts", "eth_accounts":
		if method == "eth_requestAccounts" && c.AccountsGate != nil {
			select {
			case <-c.AccountsGate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return json.Marshal(c.accounts)
	case "eth_chainId":
		c.mu.Lock()
		defer c.mu.Unlock()
		return json.Marshal(eip1193.HexChainID(c.chainID))
	case "eth_blockNumber":
		return json.Marshal(hexutil.Uint64(1))
	case "eth_getBalance":
		var addr common.Address
		if err := param(params, 0, &addr); err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		bal := c.balances[addr]
		if bal == nil {
			bal = new(big.Int)
		}
		return json.Marshal((*hexutil.Big)(bal))
	case "eth_call":
		return c.call(params)
	case "eth_sendTransaction":
		return c.send(ctx, params)
	case "eth_getTransactionReceipt":
		return c.receipt(params)
	case "wallet_switchEthereumChain":
		var arg struct {
			ChainID string `json:"chainId"`
		}
		if err := param(params, 0, &arg); err != nil {
			return nil, err
		}
		id, err := eip1193.ParseChainID(arg.ChainID)
		if err != nil {
			return nil, &eip1193.ProviderError{Code: -32602, Message: err.Error()}
		}
		c.mu.Lock()
		known := c.known[id]
		c.mu.Unlock()
		if !known {
			return nil, &eip1193.ProviderError{Code: eip1193.CodeUnrecognizedChain, Message: "Unrecognized chain ID"}
		}
		c.SetChain(id)
		return json.RawMessage("null"), nil
	case "wallet_addEthereumChain":
		var p eip1193.ChainParams
		if err := param(params, 0, &p); err != nil {
			return nil, err
		}
		id, err := eip1193.ParseChainID(p.ChainID)
		if err != nil {
			return nil, &eip1193.ProviderError{Code: -32602, Message: err.Error()}
		}
		c.mu.Lock()
		c.known[id] = true
		c.mu.Unlock()
		return json.RawMessage("null"), nil
	}
	return nil, &eip1193.ProviderError{Code: -32601, Message: "method not found: " + method}
}

func (c *Chain) lookup(to *common.Address) *Contract {
	if to == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contracts[c.chainID][*to]
}

func (c *Chain) call(params []any) (json.RawMessage, error) {
	var req eip1193.TxRequest
	if err := param(params, 0, &req); err != nil {
		return nil, err
	}
	ct := c.lookup(req.To)
	if ct == nil {
		return json.Marshal(hexutil.Bytes{})
	}
	method, args, err := decodeInput(ct.ABI, req.Data)
	if err != nil {
		return nil, err
	}
	ct.mu.Lock()
	fn := ct.calls[method.Name]
	ct.mu.Unlock()
	if fn == nil {
		return nil, Revert("no handler for " + method.Name)
	}
	results, err := fn(args)
	if err != nil {
		return nil, err
	}
	out, err := method.Outputs.Pack(results...)
	if err != nil {
		return nil, fmt.Errorf("chaintest: pack %s outputs: %w", method.Name, err)
	}
	return json.Marshal(hexutil.Bytes(out))
}

func (c *Chain) send(ctx context.Context, params []any) (json.RawMessage, error) {
	if c.SendHook != nil {
		if err := c.SendHook(ctx); err != nil {
			return nil, err
		}
	}
	var req eip1193.TxRequest
	if err := param(params, 0, &req); err != nil {
		return nil, err
	}
	c.mu.Lock()
	active := c.chainID
	c.mu.Unlock()
	if req.ChainID != nil && req.ChainID.ToInt().Cmp(new(big.Int).SetUint64(active)) != 0 {
		return nil, fmt.Errorf("%w: transaction is for chain %s, wallet is on chain %d", eip1193.ErrChainMismatch, req.ChainID.ToInt(), active)
	}
	ct := c.lookup(req.To)
	if ct == nil {
		return nil, &eip1193.ProviderError{Code: -32000, Message: "no contract at target address"}
	}
	method, args, err := decodeInput(ct.ABI, req.Data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nonce++
	block := c.nonce
	c.mu.Unlock()
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], block)
	hash := crypto.Keccak256Hash(seed[:], req.Data)

	sent := Sent{Hash: hash, To: *req.To, Value: new(big.Int), Method: method.Name, Args: args}
	if req.From != nil {
		sent.From = *req.From
	}
	if req.Value != nil {
		sent.Value = req.Value.ToInt()
	}

	ct.mu.Lock()
	fn := ct.txs[method.Name]
	ct.mu.Unlock()

	status := types.ReceiptStatusSuccessful
	var logs []*types.Log
	if fn != nil {
		logs, err = fn(sent, args)
		switch {
		case errors.Is(err, ErrRevertOnChain):
			status, logs = types.ReceiptStatusFailed, nil
		case err != nil:
			return nil, err
		}
	}

	receipt := &types.Receipt{
		Status:            status,
		CumulativeGasUsed: 21_000,
		GasUsed:           21_000,
		TxHash:            hash,
		BlockNumber:       new(big.Int).SetUint64(block),
		Logs:              make([]*types.Log, 0, len(logs)),
	}
	for i, lg := range logs {
		cp := *lg
		cp.TxHash = hash
		cp.Index = uint(i)
		receipt.Logs = append(receipt.Logs, &cp)
	}

	c.mu.Lock()
	c.sent = append(c.sent, sent)
	c.receipts[hash] = receipt
	c.pending[hash] = c.PendingPolls
	c.mu.Unlock()
	return json.Marshal(hash)
}

func (c *Chain) receipt(params []any) (json.RawMessage, error) {
	var hash common.Hash
	if err := param(params, 0, &hash); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[hash] > 0 {
		c.pending[hash]--
		return json.RawMessage("null"), nil
	}
	r, ok := c.receipts[hash]
	if !ok {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(r)
}

func decodeInput(contractABI *abi.ABI, data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, &eip1193.ProviderError{Code: -32602, Message: "missing selector"}
	}
	method, err := contractABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, &eip1193.ProviderError{Code: -32602, Message: err.Error()}
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, &eip1193.ProviderError{Code: -32602, Message: err.Error()}
	}
	return method, args, nil
}

func param(params []any, i int, dst any) error {
	if i >= len(params) {
		return &eip1193.ProviderError{Code: -32602, Message: "missing parameter"}
	}
	blob, err := json.Marshal(params[i])
	if err != nil {
		return err
	}
	return json.Unmarshal(blob, dst)
}

// Revert builds the provider error a node returns for a reverted call.
func Revert(reason string) error {
	strType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: strType}}.Pack(reason)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return &eip1193.ProviderError{
		Code:    3,
		Message: "execution reverted: " + reason,
		Data:    hexutil.Encode(append(selector, packed...)),
	}
}

// Rejected is the error a wallet returns when the user declines a prompt.
func Rejected() error {
	return &eip1193.ProviderError{Code: eip1193.CodeUserRejected, Message: "User rejected the request."}
}
