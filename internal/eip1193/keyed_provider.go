package eip1193

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
)

// KeyedProvider answers account and signing requests with a local private key
// and forwards everything else to the wrapped provider. It stands in for a
// browser wallet on servers and in scripts.
type KeyedProvider struct {
	inner   Provider
	key     *ecdsa.PrivateKey
	address common.Address

	// serializes nonce assignment across concurrent sends
	sendMu sync.Mutex
}

func NewKeyedProvider(inner Provider, privateKeyHex string) (*KeyedProvider, error) {
	if inner == nil {
		return nil, ErrProviderUnavailable
	}
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &KeyedProvider{
		inner:   inner,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address is the account the key controls.
func (k *KeyedProvider) Address() common.Address {
	return k.address
}

func (k *KeyedProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	switch method {
	case "eth_requestAccounts", "eth_accounts":
		return json.Marshal([]common.Address{k.address})
	case "eth_sendTransaction":
		if len(params) != 1 {
			return nil, &ProviderError{Code: -32602, Message: "eth_sendTransaction expects one transaction object"}
		}
		req, err := asTxRequest(params[0])
		if err != nil {
			return nil, &ProviderError{Code: -32602, Message: err.Error()}
		}
		hash, err := k.send(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(hash)
	}
	return k.inner.Request(ctx, method, params...)
}

func (k *KeyedProvider) SubscribeEvents(ch chan<- Event) event.Subscription {
	return k.inner.SubscribeEvents(ch)
}

func (k *KeyedProvider) send(ctx context.Context, req TxRequest) (common.Hash, error) {
	if req.From != nil && *req.From != k.address {
		return common.Hash{}, &ProviderError{
			Code:    CodeUnauthorized,
			Message: fmt.Sprintf("key controls %s, not %s", k.address.Hex(), req.From.Hex()),
		}
	}
	req.From = &k.address

	k.sendMu.Lock()
	defer k.sendMu.Unlock()

	chainID, err := k.quantity(ctx, "eth_chainId")
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch chain id: %w", err)
	}
	if req.ChainID != nil && req.ChainID.ToInt().Cmp(chainID) != 0 {
		return common.Hash{}, fmt.Errorf("%w: transaction is for chain %s, node is on chain %s", ErrChainMismatch, req.ChainID.ToInt(), chainID)
	}
	nonce, err := k.quantity(ctx, "eth_getTransactionCount", k.address, "pending")
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := k.quantity(ctx, "eth_gasPrice")
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch gas price: %w", err)
	}
	var gas uint64
	if req.Gas != nil {
		gas = uint64(*req.Gas)
	} else {
		estimate, err := k.quantity(ctx, "eth_estimateGas", req)
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
		gas = estimate.Uint64()
	}

	value := new(big.Int)
	if req.Value != nil {
		value = req.Value.ToInt()
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce.Uint64(),
		To:       req.To,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     req.Data,
	})

	opts, err := bind.NewKeyedTransactorWithChainID(k.key, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transactor: %w", err)
	}
	signed, err := opts.Signer(k.address, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	rawTx, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode transaction: %w", err)
	}
	raw, err := k.inner.Request(ctx, "eth_sendRawTransaction", hexutil.Bytes(rawTx))
	if err != nil {
		return common.Hash{}, err
	}
	return DecodeHash(raw)
}

func (k *KeyedProvider) quantity(ctx context.Context, method string, params ...any) (*big.Int, error) {
	raw, err := k.inner.Request(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	return DecodeQuantity(raw)
}

func asTxRequest(v any) (TxRequest, error) {
	if req, ok := v.(TxRequest); ok {
		return req, nil
	}
	if req, ok := v.(*TxRequest); ok && req != nil {
		return *req, nil
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return TxRequest{}, err
	}
	var req TxRequest
	if err := json.Unmarshal(blob, &req); err != nil {
		return TxRequest{}, fmt.Errorf("decode transaction object: %w", err)
	}
	return req, nil
}
