package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"tradechain/internal/contracts"
	"tradechain/internal/units"
)

// EthClient drives the escrow contract through the wallet session's current
// bindings. Each call takes one bindings snapshot and uses it throughout.
type EthClient struct {
	src         contracts.Source
	concurrency int
	log         *slog.Logger
}

type EthClientConfig struct {
	// MaxConcurrentReads caps parallel milestone and order reads.
	MaxConcurrentReads int
	Logger             *slog.Logger
}

func NewEthClient(src contracts.Source, cfg EthClientConfig) *EthClient {
	if cfg.MaxConcurrentReads <= 0 {
		cfg.MaxConcurrentReads = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &EthClient{src: src, concurrency: cfg.MaxConcurrentReads, log: cfg.Logger.With("component", "escrow")}
}

// MaxMilestones bounds the milestone count read back from an order before
// anything is allocated for it.
const MaxMilestones = 256

type orderCreatedEvent struct {
	OrderId        *big.Int
	Buyer          common.Address
	Seller         common.Address
	TotalAmount    *big.Int
	MilestoneCount *big.Int
}

type milestoneApprovedEvent struct {
	OrderId        *big.Int
	MilestoneIndex *big.Int
	AmountReleased *big.Int
}

type orderCompletedEvent struct {
	OrderId       *big.Int
	TotalReleased *big.Int
}

func (c *EthClient) handle(ctx context.Context) (*contracts.Bindings, *contracts.Handle, error) {
	b, err := contracts.Current(ctx, c.src)
	if err != nil {
		return nil, nil, err
	}
	return b, b.Escrow, nil
}

func (c *EthClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error) {
	if err := validateCreateRequest(req); err != nil {
		return CreateOrderResult{}, err
	}
	descriptions := make([]string, len(req.Milestones))
	amounts := make([]*big.Int, len(req.Milestones))
	deadlines := make([]*big.Int, len(req.Milestones))
	total := new(big.Int)
	for i, m := range req.Milestones {
		amount, err := units.ParseEther(m.Amount)
		if err != nil {
			return CreateOrderResult{}, fmt.Errorf("%w: milestone %d amount: %w", ErrInvalidRequest, i, err)
		}
		descriptions[i] = m.Description
		amounts[i] = amount
		deadlines[i] = units.Unix(m.Deadline)
		total.Add(total, amount)
	}
	if total.Sign() == 0 {
		return CreateOrderResult{}, fmt.Errorf("%w: order total is zero", ErrInvalidRequest)
	}

	_, h, err := c.handle(ctx)
	if err != nil {
		return CreateOrderResult{}, err
	}
	receipt, err := h.Transact(ctx, total, "createOrder", req.Seller, req.ProductDetails, descriptions, amounts, deadlines)
	if err != nil {
		return CreateOrderResult{}, err
	}

	var ev orderCreatedEvent
	found, err := h.FindEvent(receipt, "OrderCreated", &ev)
	if err != nil {
		return CreateOrderResult{}, h.Mined("createOrder", receipt, err)
	}
	if !found {
		return CreateOrderResult{}, h.Mined("createOrder", receipt, fmt.Errorf("%w: OrderCreated", contracts.ErrEventNotFound))
	}
	id, err := units.Uint64(ev.OrderId)
	if err != nil {
		return CreateOrderResult{}, h.Mined("createOrder", receipt, fmt.Errorf("%w: order id: %w", contracts.ErrDataInconsistency, err))
	}
	c.log.Info("escrow order created", "order_id", id, "seller", req.Seller.Hex(), "total_wei", total.String(), "tx", receipt.TxHash.Hex())
	return CreateOrderResult{TxResult: txResult(receipt), OrderID: id, TotalAmount: units.FormatEther(total)}, nil
}

func validateCreateRequest(req CreateOrderRequest) error {
	if req.Seller == (common.Address{}) {
		return fmt.Errorf("%w: seller address required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ProductDetails) == "" {
		return fmt.Errorf("%w: product details required", ErrInvalidRequest)
	}
	if len(req.Milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone required", ErrInvalidRequest)
	}
	if len(req.Milestones) > MaxMilestones {
		return fmt.Errorf("%w: at most %d milestones", ErrInvalidRequest, MaxMilestones)
	}
	for i, m := range req.Milestones {
		if strings.TrimSpace(m.Description) == "" {
			return fmt.Errorf("%w: milestone %d description required", ErrInvalidRequest, i)
		}
		if m.Deadline.IsZero() {
			return fmt.Errorf("%w: milestone %d deadline required", ErrInvalidRequest, i)
		}
	}
	return nil
}

func (c *EthClient) AcceptOrder(ctx context.Context, orderID uint64) (TxResult, error) {
	return c.transact(ctx, "acceptOrder", id(orderID))
}

func (c *EthClient) SubmitMilestone(ctx context.Context, orderID, index uint64, deliveryProof string) (TxResult, error) {
	if strings.TrimSpace(deliveryProof) == "" {
		return TxResult{}, fmt.Errorf("%w: delivery proof required", ErrInvalidRequest)
	}
	return c.transact(ctx, "submitMilestone", id(orderID), id(index), deliveryProof)
}

func (c *EthClient) ApproveMilestone(ctx context.Context, orderID, index uint64) (ApproveResult, error) {
	_, h, err := c.handle(ctx)
	if err != nil {
		return ApproveResult{}, err
	}
	receipt, err := h.Transact(ctx, nil, "approveMilestone", id(orderID), id(index))
	if err != nil {
		return ApproveResult{}, err
	}
	res := ApproveResult{TxResult: txResult(receipt)}

	var approved milestoneApprovedEvent
	found, err := h.FindEvent(receipt, "MilestoneApproved", &approved)
	if err != nil {
		return ApproveResult{}, h.Mined("approveMilestone", receipt, err)
	}
	if !found {
		return ApproveResult{}, h.Mined("approveMilestone", receipt, fmt.Errorf("%w: MilestoneApproved", contracts.ErrEventNotFound))
	}
	res.AmountReleased = units.FormatEther(approved.AmountReleased)

	var completed orderCompletedEvent
	found, err = h.FindEvent(receipt, "OrderCompleted", &completed)
	if err != nil {
		return ApproveResult{}, h.Mined("approveMilestone", receipt, err)
	}
	if found {
		res.Completed = true
		res.TotalReleased = units.FormatEther(completed.TotalReleased)
	}
	c.log.Info("milestone approved", "order_id", orderID, "index", index, "completed", res.Completed, "tx", res.TxHash.Hex())
	return res, nil
}

func (c *EthClient) RejectMilestone(ctx context.Context, orderID, index uint64, reason string) (TxResult, error) {
	return c.transact(ctx, "rejectMilestone", id(orderID), id(index), reason)
}

func (c *EthClient) RaiseDispute(ctx context.Context, orderID uint64, reason string) (TxResult, error) {
	if strings.TrimSpace(reason) == "" {
		return TxResult{}, fmt.Errorf("%w: dispute reason required", ErrInvalidRequest)
	}
	return c.transact(ctx, "raiseDispute", id(orderID), reason)
}

func (c *EthClient) CancelOrder(ctx context.Context, orderID uint64) (TxResult, error) {
	return c.transact(ctx, "cancelOrder", id(orderID))
}

func (c *EthClient) transact(ctx context.Context, method string, args ...any) (TxResult, error) {
	_, h, err := c.handle(ctx)
	if err != nil {
		return TxResult{}, err
	}
	receipt, err := h.Transact(ctx, nil, method, args...)
	if err != nil {
		return TxResult{}, err
	}
	return txResult(receipt), nil
}

// GetOrder reads the order header and then every milestone it declares.
// Milestones are read concurrently; a milestone that cannot be read makes
// the whole order fail with ErrDataInconsistency.
func (c *EthClient) GetOrder(ctx context.Context, orderID uint64) (Order, error) {
	_, h, err := c.handle(ctx)
	if err != nil {
		return Order{}, err
	}
	return c.getOrder(ctx, h, orderID)
}

func (c *EthClient) getOrder(ctx context.Context, h *contracts.Handle, orderID uint64) (Order, error) {
	out, err := h.Call(ctx, "getOrder", id(orderID))
	if err != nil {
		return Order{}, err
	}
	order, err := decodeOrder(orderID, out)
	if err != nil {
		return Order{}, err
	}

	order.Milestones = make([]Milestone, order.MilestoneCount)
	fe := &FanoutError{Op: fmt.Sprintf("read milestones of order %d", orderID)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := uint64(0); i < order.MilestoneCount; i++ {
		i := i
		g.Go(func() error {
			m, err := c.getMilestone(gctx, h, orderID, i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fe.Failed = append(fe.Failed, IndexError{Index: int(i), ID: i, Err: err})
				return nil
			}
			order.Milestones[i] = m
			return nil
		})
	}
	_ = g.Wait()

	if len(fe.Failed) > 0 {
		sort.Slice(fe.Failed, func(a, b int) bool { return fe.Failed[a].Index < fe.Failed[b].Index })
		if fe.missingOnly() {
			return Order{}, fmt.Errorf("%w: order %d declares %d milestones, %d readable: %w",
				contracts.ErrDataInconsistency, orderID, order.MilestoneCount, order.MilestoneCount-uint64(len(fe.Failed)), fe)
		}
		return Order{}, fe
	}
	return order, nil
}

func decodeOrder(orderID uint64, out []any) (Order, error) {
	buyer, err := contracts.Output[common.Address](out, 0)
	if err != nil {
		return Order{}, err
	}
	seller, err := contracts.Output[common.Address](out, 1)
	if err != nil {
		return Order{}, err
	}
	amounts := make([]*big.Int, 3)
	for i := range amounts {
		if amounts[i], err = contracts.Output[*big.Int](out, 2+i); err != nil {
			return Order{}, err
		}
	}
	status, err := contracts.Output[uint8](out, 5)
	if err != nil {
		return Order{}, err
	}
	createdAt, err := contracts.Output[*big.Int](out, 6)
	if err != nil {
		return Order{}, err
	}
	count, err := contracts.Output[*big.Int](out, 7)
	if err != nil {
		return Order{}, err
	}

	if buyer == (common.Address{}) {
		return Order{}, fmt.Errorf("%w: order %d has no buyer", contracts.ErrDataInconsistency, orderID)
	}
	n, err := units.Uint64(count)
	if err != nil {
		return Order{}, fmt.Errorf("%w: milestone count: %w", contracts.ErrDataInconsistency, err)
	}
	if n > MaxMilestones {
		return Order{}, fmt.Errorf("%w: order %d declares %d milestones, at most %d are supported",
			contracts.ErrDataInconsistency, orderID, n, MaxMilestones)
	}
	created, err := units.Time(createdAt)
	if err != nil {
		return Order{}, fmt.Errorf("%w: createdAt: %w", contracts.ErrDataInconsistency, err)
	}
	return Order{
		ID:              orderID,
		Buyer:           buyer,
		Seller:          seller,
		TotalAmount:     units.FormatEther(amounts[0]),
		DepositedAmount: units.FormatEther(amounts[1]),
		ReleasedAmount:  units.FormatEther(amounts[2]),
		Status:          OrderStatus(status),
		CreatedAt:       created,
		MilestoneCount:  n,
	}, nil
}

func (c *EthClient) GetMilestone(ctx context.Context, orderID, index uint64) (Milestone, error) {
	_, h, err := c.handle(ctx)
	if err != nil {
		return Milestone{}, err
	}
	return c.getMilestone(ctx, h, orderID, index)
}

func (c *EthClient) getMilestone(ctx context.Context, h *contracts.Handle, orderID, index uint64) (Milestone, error) {
	out, err := h.Call(ctx, "getMilestone", id(orderID), id(index))
	if err != nil {
		return Milestone{}, err
	}
	description, err := contracts.Output[string](out, 0)
	if err != nil {
		return Milestone{}, err
	}
	amount, err := contracts.Output[*big.Int](out, 1)
	if err != nil {
		return Milestone{}, err
	}
	deadline, err := contracts.Output[*big.Int](out, 2)
	if err != nil {
		return Milestone{}, err
	}
	status, err := contracts.Output[uint8](out, 3)
	if err != nil {
		return Milestone{}, err
	}
	proof, err := contracts.Output[string](out, 4)
	if err != nil {
		return Milestone{}, err
	}
	dl, err := units.Time(deadline)
	if err != nil {
		return Milestone{}, fmt.Errorf("%w: deadline: %w", contracts.ErrDataInconsistency, err)
	}
	return Milestone{
		Index:         index,
		Description:   description,
		Amount:        units.FormatEther(amount),
		Deadline:      dl,
		Status:        MilestoneStatus(status),
		DeliveryProof: proof,
	}, nil
}

// GetUserOrders lists the orders of the session account. The result carries
// the account and chain of the bindings it was read through.
func (c *EthClient) GetUserOrders(ctx context.Context, asBuyer bool) (UserOrders, error) {
	b, h, err := c.handle(ctx)
	if err != nil {
		return UserOrders{}, err
	}
	account, err := b.RequireAccount()
	if err != nil {
		return UserOrders{}, err
	}
	out, err := h.Call(ctx, "getUserOrders", account, asBuyer)
	if err != nil {
		return UserOrders{}, err
	}
	raw, err := contracts.Output[[]*big.Int](out, 0)
	if err != nil {
		return UserOrders{}, err
	}
	ids := make([]uint64, len(raw))
	for i, v := range raw {
		if ids[i], err = units.Uint64(v); err != nil {
			return UserOrders{}, fmt.Errorf("%w: order id %d: %w", contracts.ErrDataInconsistency, i, err)
		}
	}
	return UserOrders{Account: account, ChainID: b.ChainID, AsBuyer: asBuyer, OrderIDs: ids}, nil
}

// GetOrders reads the first limit orders of ids concurrently. limit must be
// positive; callers choose it explicitly.
func (c *EthClient) GetOrders(ctx context.Context, ids []uint64, limit int) ([]Order, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: fan-out limit must be positive", ErrInvalidRequest)
	}
	_, h, err := c.handle(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	results := make([]*Order, len(ids))
	fe := &FanoutError{Op: "read orders"}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, orderID := range ids {
		i, orderID := i, orderID
		g.Go(func() error {
			o, err := c.getOrder(gctx, h, orderID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fe.Failed = append(fe.Failed, IndexError{Index: i, ID: orderID, Err: err})
				return nil
			}
			results[i] = &o
			return nil
		})
	}
	_ = g.Wait()

	orders := make([]Order, 0, len(ids))
	for _, o := range results {
		if o != nil {
			orders = append(orders, *o)
		}
	}
	if len(fe.Failed) > 0 {
		sort.Slice(fe.Failed, func(a, b int) bool { return fe.Failed[a].Index < fe.Failed[b].Index })
		c.log.Warn("order fan-out incomplete", "requested", len(ids), "failed", fe.Indices())
		return orders, fe
	}
	return orders, nil
}

func (c *EthClient) GetUserReputation(ctx context.Context, user common.Address) (UserReputation, error) {
	_, h, err := c.handle(ctx)
	if err != nil {
		return UserReputation{}, err
	}
	out, err := h.Call(ctx, "getUserReputation", user)
	if err != nil {
		return UserReputation{}, err
	}
	score, err := contracts.Output[*big.Int](out, 0)
	if err != nil {
		return UserReputation{}, err
	}
	txs, err := contracts.Output[*big.Int](out, 1)
	if err != nil {
		return UserReputation{}, err
	}
	n, err := units.Uint64(txs)
	if err != nil {
		return UserReputation{}, fmt.Errorf("%w: transactions: %w", contracts.ErrDataInconsistency, err)
	}
	return UserReputation{User: user, Score: score.String(), Transactions: n}, nil
}

func (c *EthClient) OrderCounter(ctx context.Context) (uint64, error) {
	_, h, err := c.handle(ctx)
	if err != nil {
		return 0, err
	}
	out, err := h.Call(ctx, "orderCounter")
	if err != nil {
		return 0, err
	}
	v, err := contracts.Output[*big.Int](out, 0)
	if err != nil {
		return 0, err
	}
	n, err := units.Uint64(v)
	if err != nil {
		return 0, fmt.Errorf("%w: order counter: %w", contracts.ErrDataInconsistency, err)
	}
	return n, nil
}

// WaitForOrderStatus re-reads the order until its status is one of want or
// ctx ends. Writes never assume the resulting state; callers that need it
// poll for it.
func WaitForOrderStatus(ctx context.Context, client Client, orderID uint64, interval time.Duration, want ...OrderStatus) (Order, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		order, err := client.GetOrder(ctx, orderID)
		if err != nil {
			return Order{}, err
		}
		for _, s := range want {
			if order.Status == s {
				return order, nil
			}
		}
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-ticker.C:
		}
	}
}

func id(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

func txResult(r *types.Receipt) TxResult {
	res := TxResult{TxHash: r.TxHash}
	if r.BlockNumber != nil {
		res.BlockNumber = r.BlockNumber.Uint64()
	}
	return res
}
