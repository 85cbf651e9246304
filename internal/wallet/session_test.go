package wallet_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"tradechain/internal/chaintest"
	"tradechain/internal/contracts"
	"tradechain/internal/eip1193"
	"tradechain/internal/wallet"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	sepoliaSet = contracts.AddressSet{
		Escrow:              common.HexToAddress("0x1000000000000000000000000000000000000001"),
		CertificateRegistry: common.HexToAddress("0x1000000000000000000000000000000000000002"),
		Reputation:          common.HexToAddress("0x1000000000000000000000000000000000000003"),
	}
)

func testTable() contracts.AddressTable {
	hardhat, _ := contracts.DefaultAddressTable().Deployment(contracts.ChainHardhat)
	sepolia, _ := contracts.DefaultAddressTable().Deployment(contracts.ChainSepolia)
	sepolia.Addresses = sepoliaSet
	polygon, _ := contracts.DefaultAddressTable().Deployment(contracts.ChainPolygon)
	return contracts.NewAddressTable(hardhat, sepolia, polygon)
}

func newSession(t *testing.T, chain *chaintest.Chain) *wallet.Session {
	t.Helper()
	s := wallet.NewSession(chain, testTable(), wallet.Options{
		Contracts: contracts.Options{PollInterval: time.Millisecond},
	})
	t.Cleanup(s.Close)
	return s
}

func TestConnect(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	chain.SetBalance(alice, new(big.Int).Mul(big.NewInt(15), big.NewInt(1e17)))
	s := newSession(t, chain)

	st, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, st.Connected)
	require.Equal(t, alice, *st.Address)
	require.Equal(t, contracts.ChainHardhat, *st.ChainID)
	require.Equal(t, "1.5", st.NativeBalance)
	require.Equal(t, "Localhost", s.NetworkName())

	b, err := s.Bindings()
	require.NoError(t, err)
	require.Equal(t, alice, b.Account)
	require.Equal(t, contracts.ChainHardhat, b.ChainID)
	require.Equal(t, alice, b.Escrow.From())
}

func TestConnectWithoutProvider(t *testing.T) {
	s := wallet.NewSession(nil, testTable(), wallet.Options{})
	defer s.Close()

	_, err := s.Connect(context.Background())
	require.ErrorIs(t, err, eip1193.ErrProviderUnavailable)
	require.ErrorIs(t, s.SwitchNetwork(context.Background(), 1), eip1193.ErrProviderUnavailable)
	_, err = s.Bindings()
	require.ErrorIs(t, err, contracts.ErrNotConnected)
}

func TestConnectRejected(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat)
	s := newSession(t, chain)

	_, err := s.Connect(context.Background())
	require.ErrorIs(t, err, eip1193.ErrUnauthorized)
	require.False(t, s.State().Connected)
}

func TestConnectSingleInFlight(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	chain.AccountsGate = make(chan struct{})
	s := newSession(t, chain)

	var wg sync.WaitGroup
	results := make([]wallet.State, 2)
	errs := make([]error, 2)
	connect := func(i int) {
		defer wg.Done()
		results[i], errs[i] = s.Connect(context.Background())
	}

	wg.Add(1)
	go connect(0)
	require.Eventually(t, func() bool { return chain.Count("eth_requestAccounts") == 1 }, time.Second, time.Millisecond)
	wg.Add(1)
	go connect(1)
	time.Sleep(20 * time.Millisecond)
	close(chain.AccountsGate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, results[0], results[1])
	require.Equal(t, 1, chain.Count("eth_requestAccounts"))
}

func TestDisconnectIsLocal(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	s := newSession(t, chain)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	before := chain.Count("eth_accounts") + chain.Count("eth_requestAccounts")
	s.Disconnect()

	st := s.State()
	require.False(t, st.Connected)
	require.Nil(t, st.Address)
	require.Nil(t, st.ChainID)
	_, err = s.Bindings()
	require.ErrorIs(t, err, contracts.ErrNotConnected)
	require.Equal(t, before, chain.Count("eth_accounts")+chain.Count("eth_requestAccounts"))
}

func TestEmptyAccountsDisconnects(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	s := newSession(t, chain)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	old, err := s.Bindings()
	require.NoError(t, err)

	chain.SetAccounts()

	require.Eventually(t, func() bool { return !s.State().Connected }, time.Second, time.Millisecond)
	_, err = s.Bindings()
	require.ErrorIs(t, err, contracts.ErrNotConnected)
	// Bindings handed out earlier keep the account they were built for.
	require.Equal(t, alice, old.Account)
	require.Equal(t, alice, old.Escrow.From())
}

func TestConnectOutlivesFirstCaller(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	chain.AccountsGate = make(chan struct{})
	s := newSession(t, chain)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Connect(ctx)
		first <- err
	}()
	require.Eventually(t, func() bool { return chain.Count("eth_requestAccounts") == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background())
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// The first caller leaves; the shared attempt keeps going for the second.
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)
	close(chain.AccountsGate)
	require.NoError(t, <-second)
	require.True(t, s.State().Connected)
	require.Equal(t, 1, chain.Count("eth_requestAccounts"))
}

func TestConnectTimeout(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	chain.AccountsGate = make(chan struct{})
	s := wallet.NewSession(chain, testTable(), wallet.Options{ConnectTimeout: 20 * time.Millisecond})
	t.Cleanup(s.Close)

	_, err := s.Connect(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, s.State().Connected)
}

func TestAccountChangeRebuildsBindings(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	s := newSession(t, chain)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	old, err := s.Bindings()
	require.NoError(t, err)

	chain.SetAccounts(bob)

	require.Eventually(t, func() bool {
		b, err := s.Bindings()
		return err == nil && b.Account == bob
	}, time.Second, time.Millisecond)
	require.Equal(t, bob, *s.State().Address)
	require.Equal(t, alice, old.Escrow.From())
}

func TestChainChangeRebuildsBindings(t *testing.T) {
	hardhatSet, _ := testTable().Resolve(contracts.ChainHardhat)
	chain := chaintest.New(contracts.ChainHardhat, alice)
	escrow := chain.Deploy(contracts.ChainHardhat, hardhatSet.Escrow, contracts.EscrowContractABI())

	entered := make(chan struct{})
	release := make(chan struct{})
	escrow.OnCall("orderCounter", func([]any) ([]any, error) {
		close(entered)
		<-release
		return []any{big.NewInt(4)}, nil
	})

	s := newSession(t, chain)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	old, err := s.Bindings()
	require.NoError(t, err)

	type result struct {
		out []any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := old.Escrow.Call(context.Background(), "orderCounter")
		done <- result{out, err}
	}()
	<-entered

	chain.SetChain(contracts.ChainSepolia)
	require.Eventually(t, func() bool {
		b, err := s.Bindings()
		return err == nil && b.ChainID == contracts.ChainSepolia
	}, time.Second, time.Millisecond)

	fresh, err := s.Bindings()
	require.NoError(t, err)
	require.Equal(t, sepoliaSet.Escrow, fresh.Escrow.Address())
	require.Equal(t, sepoliaSet, fresh.Addresses)

	// The handle taken before the switch is untouched.
	require.Equal(t, contracts.ChainHardhat, old.ChainID)
	require.Equal(t, hardhatSet.Escrow, old.Escrow.Address())

	close(release)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, int64(4), res.out[0].(*big.Int).Int64())

	// The same escrow address now also exists on the new chain. A write
	// through the old handle must not land there.
	chain.Deploy(contracts.ChainSepolia, hardhatSet.Escrow, contracts.EscrowContractABI())
	_, err = old.Escrow.Transact(context.Background(), nil, "cancelOrder", big.NewInt(1))
	require.ErrorIs(t, err, contracts.ErrStaleBindings)
	require.Zero(t, chain.Count("eth_sendTransaction"))
	require.Empty(t, chain.Sent())
}

func TestChainChangeToUnconfigured(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	s := newSession(t, chain)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	chain.SetChain(contracts.ChainPolygon)
	require.Eventually(t, func() bool { return *s.State().ChainID == contracts.ChainPolygon }, time.Second, time.Millisecond)

	require.True(t, s.State().Connected)
	_, err = s.Bindings()
	require.ErrorIs(t, err, contracts.ErrNotConnected)
	require.ErrorIs(t, err, contracts.ErrUnconfigured)
}

func TestSwitchNetwork(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	chain.Deploy(contracts.ChainSepolia, sepoliaSet.Escrow, contracts.EscrowContractABI())
	s := newSession(t, chain)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.SwitchNetwork(context.Background(), contracts.ChainSepolia))
	b, err := s.Bindings()
	require.NoError(t, err)
	require.Equal(t, contracts.ChainSepolia, b.ChainID)

	err = s.SwitchNetwork(context.Background(), contracts.ChainPolygon)
	require.ErrorIs(t, err, eip1193.ErrUnknownChain)
	require.Equal(t, contracts.ChainSepolia, *s.State().ChainID)
}

func TestAddNetwork(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	s := newSession(t, chain)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, s.SwitchNetwork(context.Background(), contracts.ChainPolygon), eip1193.ErrUnknownChain)
	require.NoError(t, s.AddNetwork(context.Background(), contracts.ChainPolygon))
	require.NoError(t, s.SwitchNetwork(context.Background(), contracts.ChainPolygon))

	// No parameters for Hardhat or unknown chains.
	require.ErrorIs(t, s.AddNetwork(context.Background(), contracts.ChainHardhat), eip1193.ErrUnknownChain)
	require.ErrorIs(t, s.AddNetwork(context.Background(), 999), eip1193.ErrUnknownChain)
}

func TestRefreshBalance(t *testing.T) {
	chain := chaintest.New(contracts.ChainHardhat, alice)
	s := newSession(t, chain)

	_, err := s.RefreshBalance(context.Background())
	require.ErrorIs(t, err, contracts.ErrNotConnected)

	_, err = s.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0", s.State().NativeBalance)

	chain.SetBalance(alice, big.NewInt(1e18))
	st, err := s.RefreshBalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1", st.NativeBalance)
}
