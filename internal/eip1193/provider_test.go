package eip1193

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

type fakeEth struct {
	mu       sync.Mutex
	chainID  uint64
	accounts []common.Address
	sent     []*types.Transaction
}

func (f *fakeEth) ChainId() hexutil.Uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return hexutil.Uint64(f.chainID)
}

func (f *fakeEth) Accounts() []common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Address{}, f.accounts...)
}

func (f *fakeEth) GetTransactionCount(common.Address, string) hexutil.Uint64 { return 7 }

func (f *fakeEth) GasPrice() *hexutil.Big { return (*hexutil.Big)(big.NewInt(1_000_000_000)) }

func (f *fakeEth) EstimateGas(TxRequest) hexutil.Uint64 { return 50_000 }

func (f *fakeEth) SendRawTransaction(data hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return common.Hash{}, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()
	return tx.Hash(), nil
}

func (f *fakeEth) Call(TxRequest, string) (hexutil.Bytes, error) {
	return nil, &revertError{data: revertData("insufficient deposit")}
}

func (f *fakeEth) setChain(id uint64) {
	f.mu.Lock()
	f.chainID = id
	f.mu.Unlock()
}

type revertError struct{ data string }

func (e *revertError) Error() string  { return "execution reverted: insufficient deposit" }
func (e *revertError) ErrorCode() int { return 3 }
func (e *revertError) ErrorData() any { return e.data }

func revertData(reason string) string {
	strType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: strType}}.Pack(reason)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

func newTestProvider(t *testing.T, eth *fakeEth) *RPCProvider {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", eth))
	client := rpc.DialInProc(srv)
	p := NewRPCProvider(client, RPCOptions{WatchInterval: time.Millisecond})
	t.Cleanup(func() {
		p.Close()
		srv.Stop()
	})
	return p
}

func TestRPCProviderRequestAccounts(t *testing.T) {
	acct := common.HexToAddress("0x1000000000000000000000000000000000000001")
	p := newTestProvider(t, &fakeEth{chainID: 31337, accounts: []common.Address{acct}})

	raw, err := p.Request(context.Background(), "eth_requestAccounts")
	require.NoError(t, err)
	accounts, err := DecodeAccounts(raw)
	require.NoError(t, err)
	require.Equal(t, []common.Address{acct}, accounts)
}

func TestRPCProviderSwitchChain(t *testing.T) {
	p := newTestProvider(t, &fakeEth{chainID: 31337})
	ctx := context.Background()

	_, err := p.Request(ctx, "wallet_switchEthereumChain", map[string]string{"chainId": HexChainID(31337)})
	require.NoError(t, err)

	_, err = p.Request(ctx, "wallet_switchEthereumChain", map[string]string{"chainId": HexChainID(11155111)})
	require.ErrorIs(t, err, ErrUnknownChain)

	_, err = p.Request(ctx, "wallet_addEthereumChain", ChainParams{ChainID: HexChainID(11155111)})
	require.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestRPCProviderPollEmitsChanges(t *testing.T) {
	acct := common.HexToAddress("0x1000000000000000000000000000000000000001")
	eth := &fakeEth{chainID: 31337, accounts: []common.Address{acct}}
	p := newTestProvider(t, eth)
	ctx := context.Background()

	events := make(chan Event, 4)
	sub := p.SubscribeEvents(events)
	defer sub.Unsubscribe()

	require.NoError(t, p.poll(ctx))
	require.Empty(t, events, "first poll only primes the watcher")

	eth.setChain(11155111)
	require.NoError(t, p.poll(ctx))

	select {
	case ev := <-events:
		require.Equal(t, ChainChanged, ev.Kind)
		require.EqualValues(t, 11155111, ev.ChainID)
	default:
		t.Fatal("expected chain change event")
	}

	eth.mu.Lock()
	eth.accounts = nil
	eth.mu.Unlock()
	require.NoError(t, p.poll(ctx))
	ev := <-events
	require.Equal(t, AccountsChanged, ev.Kind)
	require.Empty(t, ev.Accounts)
}

func TestKeyedProviderSignsLocally(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	eth := &fakeEth{chainID: 31337}
	inner := newTestProvider(t, eth)

	kp, err := NewKeyedProvider(inner, hexutil.Encode(crypto.FromECDSA(key)))
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), kp.Address())

	ctx := context.Background()
	raw, err := kp.Request(ctx, "eth_requestAccounts")
	require.NoError(t, err)
	accounts, err := DecodeAccounts(raw)
	require.NoError(t, err)
	require.Equal(t, []common.Address{kp.Address()}, accounts)

	to := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	raw, err = kp.Request(ctx, "eth_sendTransaction", TxRequest{
		To:    &to,
		Value: (*hexutil.Big)(big.NewInt(42)),
		Data:  hexutil.Bytes{0xde, 0xad},
	})
	require.NoError(t, err)
	hash, err := DecodeHash(raw)
	require.NoError(t, err)

	require.Len(t, eth.sent, 1)
	tx := eth.sent[0]
	require.Equal(t, tx.Hash(), hash)
	require.EqualValues(t, 7, tx.Nonce())
	require.EqualValues(t, 50_000, tx.Gas())
	require.Equal(t, &to, tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	require.Equal(t, kp.Address(), sender)
}

func TestKeyedProviderRejectsForeignSender(t *testing.T) {
	key, _ := crypto.GenerateKey()
	kp, err := NewKeyedProvider(newTestProvider(t, &fakeEth{chainID: 1}), hexutil.Encode(crypto.FromECDSA(key)))
	require.NoError(t, err)

	other := common.HexToAddress("0x2000000000000000000000000000000000000002")
	_, err = kp.Request(context.Background(), "eth_sendTransaction", TxRequest{From: &other, To: &other})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestKeyedProviderRefusesOtherChain(t *testing.T) {
	key, _ := crypto.GenerateKey()
	eth := &fakeEth{chainID: 31337}
	kp, err := NewKeyedProvider(newTestProvider(t, eth), hexutil.Encode(crypto.FromECDSA(key)))
	require.NoError(t, err)

	to := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	eth.setChain(11155111)
	_, err = kp.Request(context.Background(), "eth_sendTransaction", TxRequest{
		To:      &to,
		Value:   (*hexutil.Big)(big.NewInt(1)),
		ChainID: (*hexutil.Big)(big.NewInt(31337)),
	})
	require.ErrorIs(t, err, ErrChainMismatch)
	require.Empty(t, eth.sent)
}

func TestRevertReasonFromNode(t *testing.T) {
	p := newTestProvider(t, &fakeEth{chainID: 31337})
	to := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	_, err := p.Request(context.Background(), "eth_call", TxRequest{To: &to}, "latest")
	require.Error(t, err)
	reason, ok := RevertReason(err)
	require.True(t, ok)
	require.Equal(t, "insufficient deposit", reason)
	require.True(t, IsReverted(err))
}

func TestProviderErrorCodes(t *testing.T) {
	require.ErrorIs(t, &ProviderError{Code: CodeUserRejected}, ErrUserRejected)
	require.ErrorIs(t, &ProviderError{Code: CodeUnrecognizedChain}, ErrUnknownChain)
	require.False(t, errors.Is(&ProviderError{Code: CodeUserRejected}, ErrUnknownChain))
	require.EqualError(t, Normalize(errors.New("plain")), "plain")
}

func TestParseChainID(t *testing.T) {
	for in, want := range map[string]uint64{"0x7a69": 31337, "31337": 31337, "0xaa36a7": 11155111} {
		got, err := ParseChainID(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	id, err := DecodeChainID(json.RawMessage(`"0x89"`))
	require.NoError(t, err)
	require.EqualValues(t, 137, id)
}
