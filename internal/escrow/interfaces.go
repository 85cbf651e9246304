package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidRequest is returned before anything is sent to the wallet.
var ErrInvalidRequest = errors.New("invalid escrow request")

// Client abstracts the on-chain escrow interaction.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error)
	AcceptOrder(ctx context.Context, orderID uint64) (TxResult, error)
	SubmitMilestone(ctx context.Context, orderID, index uint64, deliveryProof string) (TxResult, error)
	ApproveMilestone(ctx context.Context, orderID, index uint64) (ApproveResult, error)
	RejectMilestone(ctx context.Context, orderID, index uint64, reason string) (TxResult, error)
	RaiseDispute(ctx context.Context, orderID uint64, reason string) (TxResult, error)
	CancelOrder(ctx context.Context, orderID uint64) (TxResult, error)

	GetOrder(ctx context.Context, orderID uint64) (Order, error)
	GetMilestone(ctx context.Context, orderID, index uint64) (Milestone, error)
	GetUserOrders(ctx context.Context, asBuyer bool) (UserOrders, error)
	// GetOrders reads the first limit orders of ids. On partial failure it
	// returns the orders it could read together with a *FanoutError.
	GetOrders(ctx context.Context, ids []uint64, limit int) ([]Order, error)
	GetUserReputation(ctx context.Context, user common.Address) (UserReputation, error)
	OrderCounter(ctx context.Context) (uint64, error)
}

// MilestoneInput describes one milestone of a new order. Amount is a decimal
// ether string.
type MilestoneInput struct {
	Description string    `json:"description"`
	Amount      string    `json:"amount"`
	Deadline    time.Time `json:"deadline"`
}

type CreateOrderRequest struct {
	Seller         common.Address   `json:"seller"`
	ProductDetails string           `json:"productDetails"`
	Milestones     []MilestoneInput `json:"milestones"`
}

// TxResult identifies the confirmed transaction behind a write.
type TxResult struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
}

type CreateOrderResult struct {
	TxResult
	OrderID     uint64 `json:"orderId"`
	TotalAmount string `json:"totalAmount"`
}

// ApproveResult carries the release reported by the escrow contract.
// Completed is set when the approval settled the last milestone.
type ApproveResult struct {
	TxResult
	AmountReleased string `json:"amountReleased"`
	Completed      bool   `json:"completed"`
	TotalReleased  string `json:"totalReleased,omitempty"`
}

type Order struct {
	ID              uint64         `json:"orderId"`
	Buyer           common.Address `json:"buyer"`
	Seller          common.Address `json:"seller"`
	TotalAmount     string         `json:"totalAmount"`
	DepositedAmount string         `json:"depositedAmount"`
	ReleasedAmount  string         `json:"releasedAmount"`
	Status          OrderStatus    `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	MilestoneCount  uint64         `json:"milestoneCount"`
	Milestones      []Milestone    `json:"milestones"`
}

type Milestone struct {
	Index         uint64          `json:"index"`
	Description   string          `json:"description"`
	Amount        string          `json:"amount"`
	Deadline      time.Time       `json:"deadline"`
	Status        MilestoneStatus `json:"status"`
	DeliveryProof string          `json:"deliveryProof"`
}

// UserOrders is an order id list together with the account and chain it was
// read for.
type UserOrders struct {
	Account  common.Address `json:"account"`
	ChainID  uint64         `json:"chainId"`
	AsBuyer  bool           `json:"asBuyer"`
	OrderIDs []uint64       `json:"orderIds"`
}

type UserReputation struct {
	User         common.Address `json:"user"`
	Score        string         `json:"score"`
	Transactions uint64         `json:"transactions"`
}

var (
	_ Client = (*EthClient)(nil)
	_ Client = (*FakeClient)(nil)
)
