// Package eip1193 models the wallet provider boundary: a request/response
// surface plus account and chain change notifications, as injected browser
// wallets expose it. Adapters in this package satisfy it for a JSON-RPC node
// and for a locally held signing key.
package eip1193

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
)

// Provider is the capability a wallet session is built on.
type Provider interface {
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	SubscribeEvents(ch chan<- Event) event.Subscription
}

type EventKind int

const (
	AccountsChanged EventKind = iota + 1
	ChainChanged
)

func (k EventKind) String() string {
	switch k {
	case AccountsChanged:
		return "accountsChanged"
	case ChainChanged:
		return "chainChanged"
	default:
		return "unknown"
	}
}

// Event is a provider notification. Accounts is set for AccountsChanged and
// may be empty; ChainID is set for ChainChanged.
type Event struct {
	Kind     EventKind
	Accounts []common.Address
	ChainID  uint64
}

// TxRequest is the transaction object accepted by eth_call,
// eth_estimateGas and eth_sendTransaction.
type TxRequest struct {
	From  *common.Address `json:"from,omitempty"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
	// ChainID, when set, is the chain the sender expects the transaction to
	// land on. Providers refuse to sign for any other chain.
	ChainID *hexutil.Big `json:"chainId,omitempty"`
}

// ChainParams is the EIP-3085 payload of wallet_addEthereumChain.
type ChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
}

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// HexChainID renders a chain id the way wallet_* methods expect it.
func HexChainID(id uint64) string {
	return hexutil.EncodeUint64(id)
}

// ParseChainID accepts both "0x7a69" and "31337".
func ParseChainID(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hexutil.DecodeUint64(strings.ToLower(s))
	}
	return strconv.ParseUint(s, 10, 64)
}

// DecodeChainID decodes an eth_chainId result.
func DecodeChainID(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("decode chain id: %w", err)
	}
	return ParseChainID(s)
}

// DecodeQuantity decodes a hex quantity such as an eth_getBalance result.
func DecodeQuantity(raw json.RawMessage) (*big.Int, error) {
	var q hexutil.Big
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("decode quantity: %w", err)
	}
	return q.ToInt(), nil
}

// DecodeAccounts decodes an eth_accounts / eth_requestAccounts result.
func DecodeAccounts(raw json.RawMessage) ([]common.Address, error) {
	var accounts []common.Address
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return accounts, nil
}

// DecodeHash decodes a transaction hash result.
func DecodeHash(raw json.RawMessage) (common.Hash, error) {
	var h common.Hash
	if err := json.Unmarshal(raw, &h); err != nil {
		return common.Hash{}, fmt.Errorf("decode tx hash: %w", err)
	}
	return h, nil
}

// IsNull reports whether a result is JSON null or empty, which is how pending
// lookups such as eth_getTransactionReceipt answer.
func IsNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
