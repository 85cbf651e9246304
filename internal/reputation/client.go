// Package reputation reads account standing from the reputation token.
// Tier and fee discount are owned by the contract and are never derived
// from the score here.
package reputation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"tradechain/internal/contracts"
	"tradechain/internal/units"
)

// Tier mirrors the contract's tier enum.
type Tier uint8

const (
	Bronze Tier = iota
	Silver
	Gold
	Platinum
	Diamond
)

var tierNames = [...]string{"Bronze", "Silver", "Gold", "Platinum", "Diamond"}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// Stats is one snapshot of getUserStats. Amounts are decimal strings;
// FeeDiscount is a percentage.
type Stats struct {
	User                   common.Address `json:"user"`
	TotalTransactions      uint64         `json:"totalTransactions"`
	SuccessfulTransactions uint64         `json:"successfulTransactions"`
	DisputesWon            uint64         `json:"disputesWon"`
	DisputesLost           uint64         `json:"disputesLost"`
	TotalVolumeTraded      string         `json:"totalVolumeTraded"`
	Reputation             string         `json:"reputation"`
	Tier                   Tier           `json:"tier"`
	TierName               string         `json:"tierName"`
	FeeDiscount            string         `json:"feeDiscount"`
}

type Client interface {
	GetUserStats(ctx context.Context, user common.Address) (Stats, error)
	GetUserTier(ctx context.Context, user common.Address) (Tier, error)
	GetFeeDiscount(ctx context.Context, user common.Address) (string, error)
	GetReputationScore(ctx context.Context, user common.Address) (string, error)
	GetTierName(ctx context.Context, tier Tier) (string, error)
}

// EthClient reads the reputation contract through the session bindings.
// Nothing is cached; every call is a fresh read.
type EthClient struct {
	src contracts.Source
}

func NewEthClient(src contracts.Source) *EthClient {
	return &EthClient{src: src}
}

var _ Client = (*EthClient)(nil)

func (c *EthClient) call(ctx context.Context, method string, args ...any) ([]any, error) {
	b, err := contracts.Current(ctx, c.src)
	if err != nil {
		return nil, err
	}
	return b.Reputation.Call(ctx, method, args...)
}

func (c *EthClient) GetUserStats(ctx context.Context, user common.Address) (Stats, error) {
	out, err := c.call(ctx, "getUserStats", user)
	if err != nil {
		return Stats{}, err
	}
	counts := make([]uint64, 4)
	for i := range counts {
		v, err := contracts.Output[*big.Int](out, i)
		if err != nil {
			return Stats{}, err
		}
		if counts[i], err = units.Uint64(v); err != nil {
			return Stats{}, fmt.Errorf("%w: %s: %w", contracts.ErrDataInconsistency, statFields[i], err)
		}
	}
	volume, err := contracts.Output[*big.Int](out, 4)
	if err != nil {
		return Stats{}, err
	}
	score, err := contracts.Output[*big.Int](out, 5)
	if err != nil {
		return Stats{}, err
	}
	tier, err := contracts.Output[uint8](out, 6)
	if err != nil {
		return Stats{}, err
	}
	discount, err := contracts.Output[*big.Int](out, 7)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		User:                   user,
		TotalTransactions:      counts[0],
		SuccessfulTransactions: counts[1],
		DisputesWon:            counts[2],
		DisputesLost:           counts[3],
		TotalVolumeTraded:      units.FormatEther(volume),
		Reputation:             units.FormatEther(score),
		Tier:                   Tier(tier),
		TierName:               Tier(tier).String(),
		FeeDiscount:            units.BasisPointsToPercent(discount),
	}, nil
}

var statFields = [...]string{"totalTransactions", "successfulTransactions", "disputesWon", "disputesLost"}

func (c *EthClient) GetUserTier(ctx context.Context, user common.Address) (Tier, error) {
	out, err := c.call(ctx, "getUserTier", user)
	if err != nil {
		return 0, err
	}
	t, err := contracts.Output[uint8](out, 0)
	return Tier(t), err
}

// GetFeeDiscount returns the discount as a percentage string.
func (c *EthClient) GetFeeDiscount(ctx context.Context, user common.Address) (string, error) {
	out, err := c.call(ctx, "getFeeDiscount", user)
	if err != nil {
		return "", err
	}
	bps, err := contracts.Output[*big.Int](out, 0)
	if err != nil {
		return "", err
	}
	return units.BasisPointsToPercent(bps), nil
}

func (c *EthClient) GetReputationScore(ctx context.Context, user common.Address) (string, error) {
	out, err := c.call(ctx, "getReputationScore", user)
	if err != nil {
		return "", err
	}
	score, err := contracts.Output[*big.Int](out, 0)
	if err != nil {
		return "", err
	}
	return units.FormatEther(score), nil
}

// GetTierName asks the contract for its display name of tier.
func (c *EthClient) GetTierName(ctx context.Context, tier Tier) (string, error) {
	out, err := c.call(ctx, "getTierName", uint8(tier))
	if err != nil {
		return "", err
	}
	return contracts.Output[string](out, 0)
}
