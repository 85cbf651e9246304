// Package wallet owns the connection to a wallet provider: the active
// account, the chain it is on, its native balance and the contract bindings
// derived from them.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/sync/singleflight"

	"tradechain/internal/contracts"
	"tradechain/internal/eip1193"
	"tradechain/internal/units"
)

// State is a snapshot of the session.
type State struct {
	Connected     bool            `json:"connected"`
	Address       *common.Address `json:"address,omitempty"`
	ChainID       *uint64         `json:"chainId,omitempty"`
	NativeBalance string          `json:"nativeBalance"`
}

type Options struct {
	Contracts contracts.Options
	// BalanceTimeout bounds the background balance refresh that follows an
	// account or chain change.
	BalanceTimeout time.Duration
	// ConnectTimeout bounds one connect attempt, which is shared by every
	// caller that joins it.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Session is a wallet connection. Create one with NewSession and release it
// with Close.
type Session struct {
	provider eip1193.Provider
	table    contracts.AddressTable
	opts     contracts.Options
	balTO    time.Duration
	connTO   time.Duration
	log      *slog.Logger

	connecting singleflight.Group

	mu        sync.RWMutex
	connected bool
	address   common.Address
	chainID   uint64
	balance   *big.Int
	bindings  *contracts.Bindings
	bindErr   error

	events chan eip1193.Event
	sub    event.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSession creates a disconnected session. provider may be nil, in which
// case every operation that needs it fails with ErrProviderUnavailable.
func NewSession(provider eip1193.Provider, table contracts.AddressTable, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BalanceTimeout <= 0 {
		opts.BalanceTimeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		provider: provider,
		table:    table,
		opts:     opts.Contracts,
		balTO:    opts.BalanceTimeout,
		connTO:   opts.ConnectTimeout,
		log:      logger.With("component", "wallet"),
		ctx:      ctx,
		cancel:   cancel,
	}
	if provider != nil {
		s.events = make(chan eip1193.Event, 16)
		s.sub = provider.SubscribeEvents(s.events)
		s.wg.Add(1)
		go s.watch()
	}
	return s
}

// Close stops listening for provider notifications.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		if s.sub != nil {
			s.sub.Unsubscribe()
		}
		s.wg.Wait()
	})
}

// Connect asks the provider for account access and loads the chain id,
// balance and contract bindings. Concurrent calls share one provider request.
// The shared attempt does not end when the caller that started it gives up;
// it runs until it finishes or ConnectTimeout passes.
func (s *Session) Connect(ctx context.Context) (State, error) {
	if s.provider == nil {
		return State{}, eip1193.ErrProviderUnavailable
	}
	ch := s.connecting.DoChan("connect", func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.connTO)
		defer cancel()
		return s.connect(cctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return State{}, res.Err
		}
		return res.Val.(State), nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

func (s *Session) connect(ctx context.Context) (State, error) {
	raw, err := s.provider.Request(ctx, "eth_requestAccounts")
	if err != nil {
		return State{}, fmt.Errorf("request accounts: %w", err)
	}
	accounts, err := eip1193.DecodeAccounts(raw)
	if err != nil {
		return State{}, err
	}
	if len(accounts) == 0 {
		return State{}, fmt.Errorf("%w: wallet exposed no accounts", eip1193.ErrUnauthorized)
	}
	raw, err = s.provider.Request(ctx, "eth_chainId")
	if err != nil {
		return State{}, fmt.Errorf("read chain id: %w", err)
	}
	chainID, err := eip1193.DecodeChainID(raw)
	if err != nil {
		return State{}, err
	}
	balance, err := s.fetchBalance(ctx, accounts[0])
	if err != nil {
		return State{}, err
	}

	s.mu.Lock()
	s.connected = true
	s.address = accounts[0]
	s.chainID = chainID
	s.balance = balance
	s.rebuildLocked()
	st := s.stateLocked()
	s.mu.Unlock()

	s.log.Info("wallet connected", "address", accounts[0].Hex(), "chain_id", chainID, "network", s.table.NetworkName(chainID))
	return st, nil
}

// Disconnect clears the session and its bindings. The provider is not
// contacted.
func (s *Session) Disconnect() {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.address = common.Address{}
	s.chainID = 0
	s.balance = nil
	s.bindings = nil
	s.bindErr = nil
	s.mu.Unlock()
	if wasConnected {
		s.log.Info("wallet disconnected")
	}
}

// SwitchNetwork asks the wallet to move to chainID. A chain the wallet does
// not know fails with eip1193.ErrUnknownChain; AddNetwork can register it.
func (s *Session) SwitchNetwork(ctx context.Context, chainID uint64) error {
	if s.provider == nil {
		return eip1193.ErrProviderUnavailable
	}
	_, err := s.provider.Request(ctx, "wallet_switchEthereumChain", map[string]string{"chainId": eip1193.HexChainID(chainID)})
	if err != nil {
		return fmt.Errorf("switch to chain %d: %w", chainID, err)
	}
	s.applyChain(chainID)
	return nil
}

// AddNetwork registers chainID with the wallet using the parameters from the
// deployment table.
func (s *Session) AddNetwork(ctx context.Context, chainID uint64) error {
	if s.provider == nil {
		return eip1193.ErrProviderUnavailable
	}
	d, ok := s.table.Deployment(chainID)
	if !ok || d.Params == nil {
		return fmt.Errorf("%w: no network parameters for chain %d", eip1193.ErrUnknownChain, chainID)
	}
	if _, err := s.provider.Request(ctx, "wallet_addEthereumChain", *d.Params); err != nil {
		return fmt.Errorf("add chain %d: %w", chainID, err)
	}
	s.log.Info("network registered with wallet", "chain_id", chainID, "network", d.Name)
	return nil
}

// RefreshBalance re-reads the native balance of the active account.
func (s *Session) RefreshBalance(ctx context.Context) (State, error) {
	s.mu.RLock()
	connected, addr := s.connected, s.address
	s.mu.RUnlock()
	if !connected {
		return State{}, contracts.ErrNotConnected
	}
	balance, err := s.fetchBalance(ctx, addr)
	if err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// The account may have changed while the read was in flight.
	if s.connected && s.address == addr {
		s.balance = balance
	}
	return s.stateLocked(), nil
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

// Bindings returns the contract bindings for the current chain and account.
// The returned value is never modified; a later chain or account change
// produces a new one.
func (s *Session) Bindings() (*contracts.Bindings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, contracts.ErrNotConnected
	}
	if s.bindings == nil {
		if s.bindErr != nil {
			return nil, fmt.Errorf("%w: %w", contracts.ErrNotConnected, s.bindErr)
		}
		return nil, contracts.ErrNotConnected
	}
	return s.bindings, nil
}

// NetworkName is the display name of the active chain.
func (s *Session) NetworkName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return ""
	}
	return s.table.NetworkName(s.chainID)
}

func (s *Session) fetchBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	raw, err := s.provider.Request(ctx, "eth_getBalance", addr, "latest")
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return eip1193.DecodeQuantity(raw)
}

func (s *Session) watch() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case err := <-s.sub.Err():
			if err != nil {
				s.log.Warn("provider subscription ended", "error", err)
			}
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handle(ev eip1193.Event) {
	switch ev.Kind {
	case eip1193.AccountsChanged:
		if len(ev.Accounts) == 0 {
			s.Disconnect()
			return
		}
		s.applyAccount(ev.Accounts[0])
	case eip1193.ChainChanged:
		s.applyChain(ev.ChainID)
	default:
		s.log.Debug("ignoring provider event", "kind", ev.Kind.String())
	}
}

func (s *Session) applyAccount(addr common.Address) {
	s.mu.Lock()
	if !s.connected || s.address == addr {
		s.mu.Unlock()
		return
	}
	s.address = addr
	s.balance = nil
	s.rebuildLocked()
	s.mu.Unlock()

	s.log.Info("wallet account changed", "address", addr.Hex())
	s.refreshInBackground()
}

func (s *Session) applyChain(chainID uint64) {
	s.mu.Lock()
	if !s.connected || s.chainID == chainID {
		s.mu.Unlock()
		return
	}
	s.chainID = chainID
	s.balance = nil
	s.rebuildLocked()
	s.mu.Unlock()

	s.log.Info("wallet chain changed", "chain_id", chainID, "network", s.table.NetworkName(chainID))
	s.refreshInBackground()
}

func (s *Session) refreshInBackground() {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.balTO)
		defer cancel()
		if _, err := s.RefreshBalance(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("balance refresh failed", "error", err)
		}
	}()
}

// rebuildLocked replaces the bindings for the current chain and account.
// Callers hold s.mu.
func (s *Session) rebuildLocked() {
	b, err := contracts.Build(s.chainID, s.address, s.table, s.provider, s.opts)
	s.bindings, s.bindErr = b, err
	if err != nil {
		s.log.Warn("contract bindings unavailable", "chain_id", s.chainID, "error", err)
	}
}

func (s *Session) stateLocked() State {
	if !s.connected {
		return State{NativeBalance: "0"}
	}
	addr, chainID := s.address, s.chainID
	st := State{Connected: true, Address: &addr, ChainID: &chainID, NativeBalance: "0"}
	if s.balance != nil {
		st.NativeBalance = units.FormatEther(s.balance)
	}
	return st
}
