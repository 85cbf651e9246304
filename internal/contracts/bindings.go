package contracts

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"tradechain/internal/eip1193"
)

// Bindings is the set of contract handles for one chain and one account.
// A new value is built on every chain or account change; existing values are
// never updated.
type Bindings struct {
	ChainID      uint64
	Account      common.Address
	Addresses    AddressSet
	Escrow       *Handle
	Certificates *Handle
	Reputation   *Handle
}

// Source hands out the bindings current at the time of the call.
type Source interface {
	Bindings() (*Bindings, error)
}

// Build resolves chainID in table and constructs handles bound to backend.
// It returns ErrUnconfigured when the chain has no deployment.
func Build(chainID uint64, account common.Address, table AddressTable, backend eip1193.Provider, opts Options) (*Bindings, error) {
	if backend == nil {
		return nil, eip1193.ErrProviderUnavailable
	}
	addrs, err := table.Resolve(chainID)
	if err != nil {
		return nil, err
	}
	return &Bindings{
		ChainID:      chainID,
		Account:      account,
		Addresses:    addrs,
		Escrow:       NewHandle("Escrow", addrs.Escrow, EscrowContractABI(), account, chainID, backend, opts),
		Certificates: NewHandle("CertificateRegistry", addrs.CertificateRegistry, CertificateContractABI(), account, chainID, backend, opts),
		Reputation:   NewHandle("Reputation", addrs.Reputation, ReputationContractABI(), account, chainID, backend, opts),
	}, nil
}

// Static is a Source that always returns the same bindings, or
// ErrNotConnected when B is nil.
type Static struct {
	B *Bindings
}

func (s Static) Bindings() (*Bindings, error) {
	if s.B == nil {
		return nil, ErrNotConnected
	}
	return s.B, nil
}

type bindingsKey struct{}

// WithBindings pins b to ctx. Clients that receive ctx use b instead of
// asking their source, so every call of one request goes through the same
// chain and account.
func WithBindings(ctx context.Context, b *Bindings) context.Context {
	return context.WithValue(ctx, bindingsKey{}, b)
}

// Pinned returns the bindings pinned to ctx, if any.
func Pinned(ctx context.Context) (*Bindings, bool) {
	b, ok := ctx.Value(bindingsKey{}).(*Bindings)
	return b, ok && b != nil
}

// Current returns the bindings pinned to ctx, or fetches them from src.
func Current(ctx context.Context, src Source) (*Bindings, error) {
	if b, ok := Pinned(ctx); ok {
		return b, nil
	}
	if src == nil {
		return nil, ErrNotConnected
	}
	b, err := src.Bindings()
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotConnected
	}
	return b, nil
}

// RequireAccount returns the bound account or an error when it is unset.
func (b *Bindings) RequireAccount() (common.Address, error) {
	if b.Account == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: no active account", ErrNotConnected)
	}
	return b.Account, nil
}
