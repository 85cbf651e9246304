package eip1193

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// RPCOptions tunes an RPCProvider.
type RPCOptions struct {
	// RequestsPerSecond caps outgoing JSON-RPC calls. Zero disables the limit.
	RequestsPerSecond float64
	// WatchInterval is how often Watch polls for chain and account changes.
	WatchInterval time.Duration
	Logger        *slog.Logger
}

// RPCProvider exposes a JSON-RPC node as a wallet provider. Nodes do not push
// wallet notifications, so Watch polls eth_chainId and eth_accounts and emits
// events when they change.
type RPCProvider struct {
	client   *rpc.Client
	limiter  *rate.Limiter
	interval time.Duration
	log      *slog.Logger
	feed     event.Feed

	mu       sync.Mutex
	chainID  uint64
	accounts []common.Address
	primed   bool
}

// DialRPC connects to a node over HTTP, WebSocket or IPC.
func DialRPC(ctx context.Context, url string, opts RPCOptions) (*RPCProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewRPCProvider(cli, opts), nil
}

func NewRPCProvider(client *rpc.Client, opts RPCOptions) *RPCProvider {
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	interval := opts.WatchInterval
	if interval <= 0 {
		interval = 4 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCProvider{
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		interval: interval,
		log:      logger,
	}
}

func (p *RPCProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	switch method {
	case "eth_requestAccounts":
		// Unlocked node accounts need no permission prompt.
		method = "eth_accounts"
	case "wallet_switchEthereumChain":
		return p.switchChain(ctx, params)
	case "wallet_addEthereumChain":
		return nil, &ProviderError{Code: CodeUnsupportedMethod, Message: "node providers cannot register chains"}
	}
	return p.call(ctx, method, params...)
}

func (p *RPCProvider) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := p.client.CallContext(ctx, &raw, method, params...); err != nil {
		return nil, Normalize(err)
	}
	return raw, nil
}

// switchChain succeeds only when the node already serves the requested chain.
func (p *RPCProvider) switchChain(ctx context.Context, params []any) (json.RawMessage, error) {
	target, err := switchTarget(params)
	if err != nil {
		return nil, &ProviderError{Code: -32602, Message: err.Error()}
	}
	raw, err := p.call(ctx, "eth_chainId")
	if err != nil {
		return nil, err
	}
	current, err := DecodeChainID(raw)
	if err != nil {
		return nil, err
	}
	if current != target {
		return nil, &ProviderError{
			Code:    CodeUnrecognizedChain,
			Message: fmt.Sprintf("node serves chain %d, not %d", current, target),
		}
	}
	return json.RawMessage("null"), nil
}

func switchTarget(params []any) (uint64, error) {
	if len(params) != 1 {
		return 0, fmt.Errorf("expected one parameter")
	}
	blob, err := json.Marshal(params[0])
	if err != nil {
		return 0, err
	}
	var arg struct {
		ChainID string `json:"chainId"`
	}
	if err := json.Unmarshal(blob, &arg); err != nil {
		return 0, err
	}
	return ParseChainID(arg.ChainID)
}

func (p *RPCProvider) SubscribeEvents(ch chan<- Event) event.Subscription {
	return p.feed.Subscribe(ch)
}

// Watch polls the node until ctx is cancelled.
func (p *RPCProvider) Watch(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("provider watch poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *RPCProvider) poll(ctx context.Context) error {
	raw, err := p.call(ctx, "eth_chainId")
	if err != nil {
		return err
	}
	chainID, err := DecodeChainID(raw)
	if err != nil {
		return err
	}
	raw, err = p.call(ctx, "eth_accounts")
	if err != nil {
		return err
	}
	accounts, err := DecodeAccounts(raw)
	if err != nil {
		return err
	}

	p.mu.Lock()
	primed := p.primed
	chainChanged := primed && chainID != p.chainID
	accountsChanged := primed && !slices.Equal(accounts, p.accounts)
	p.chainID, p.accounts, p.primed = chainID, accounts, true
	p.mu.Unlock()

	if chainChanged {
		p.feed.Send(Event{Kind: ChainChanged, ChainID: chainID})
	}
	if accountsChanged {
		p.feed.Send(Event{Kind: AccountsChanged, Accounts: accounts})
	}
	return nil
}

func (p *RPCProvider) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
