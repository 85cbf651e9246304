package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tradechain/internal/contracts"
	"tradechain/internal/units"
)

// FakeClient keeps orders in memory and applies the contract's happy-path
// transitions. It is meant for tests of code built on Client.
type FakeClient struct {
	Account common.Address
	ChainID uint64
	// WriteErr, when set, is returned by every state-changing call.
	WriteErr error

	mu     sync.Mutex
	orders []*fakeOrder
	now    func() time.Time
}

type fakeOrder struct {
	order    Order
	total    *big.Int
	released *big.Int
	amounts  []*big.Int
}

func NewFakeClient(account common.Address, chainID uint64) *FakeClient {
	return &FakeClient{Account: account, ChainID: chainID, now: time.Now}
}

func (f *FakeClient) CreateOrder(_ context.Context, req CreateOrderRequest) (CreateOrderResult, error) {
	if err := validateCreateRequest(req); err != nil {
		return CreateOrderResult{}, err
	}
	if f.WriteErr != nil {
		return CreateOrderResult{}, f.WriteErr
	}
	total := new(big.Int)
	fo := &fakeOrder{released: new(big.Int)}
	for i, m := range req.Milestones {
		amount, err := units.ParseEther(m.Amount)
		if err != nil {
			return CreateOrderResult{}, fmt.Errorf("%w: milestone %d amount: %w", ErrInvalidRequest, i, err)
		}
		total.Add(total, amount)
		fo.amounts = append(fo.amounts, amount)
		fo.order.Milestones = append(fo.order.Milestones, Milestone{
			Index:       uint64(i),
			Description: m.Description,
			Amount:      units.FormatEther(amount),
			Deadline:    m.Deadline.UTC().Truncate(time.Second),
		})
	}
	if total.Sign() == 0 {
		return CreateOrderResult{}, fmt.Errorf("%w: order total is zero", ErrInvalidRequest)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	orderID := uint64(len(f.orders))
	fo.total = total
	fo.order.ID = orderID
	fo.order.Buyer = f.Account
	fo.order.Seller = req.Seller
	fo.order.Status = OrderFunded
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	fo.order.CreatedAt = now().UTC().Truncate(time.Second)
	fo.order.MilestoneCount = uint64(len(req.Milestones))
	f.orders = append(f.orders, fo)
	return CreateOrderResult{
		TxResult:    f.tx("createOrder", orderID, 0),
		OrderID:     orderID,
		TotalAmount: units.FormatEther(total),
	}, nil
}

func (f *FakeClient) AcceptOrder(_ context.Context, orderID uint64) (TxResult, error) {
	return f.update("acceptOrder", orderID, 0, func(o *fakeOrder) error {
		if o.order.Status != OrderFunded && o.order.Status != OrderCreated {
			return fakeRevert("order not awaiting acceptance")
		}
		o.order.Status = OrderInProgress
		for i := range o.order.Milestones {
			if o.order.Milestones[i].Status == MilestonePending {
				o.order.Milestones[i].Status = MilestoneInProgress
				break
			}
		}
		return nil
	})
}

func (f *FakeClient) SubmitMilestone(_ context.Context, orderID, index uint64, deliveryProof string) (TxResult, error) {
	return f.update("submitMilestone", orderID, index, func(o *fakeOrder) error {
		m, err := o.milestone(index)
		if err != nil {
			return err
		}
		if m.Status != MilestoneInProgress && m.Status != MilestoneRejected && m.Status != MilestonePending {
			return fakeRevert("milestone not open")
		}
		m.Status = MilestoneSubmitted
		m.DeliveryProof = deliveryProof
		return nil
	})
}

func (f *FakeClient) ApproveMilestone(_ context.Context, orderID, index uint64) (ApproveResult, error) {
	var res ApproveResult
	tx, err := f.update("approveMilestone", orderID, index, func(o *fakeOrder) error {
		m, err := o.milestone(index)
		if err != nil {
			return err
		}
		if m.Status != MilestoneSubmitted {
			return fakeRevert("milestone not submitted")
		}
		m.Status = MilestoneApproved
		o.released.Add(o.released, o.amounts[index])
		res.AmountReleased = m.Amount
		o.order.Status = OrderMilestoneComplete
		if o.released.Cmp(o.total) == 0 {
			o.order.Status = OrderCompleted
			res.Completed = true
			res.TotalReleased = units.FormatEther(o.released)
		} else if int(index)+1 < len(o.order.Milestones) {
			o.order.Milestones[index+1].Status = MilestoneInProgress
		}
		return nil
	})
	res.TxResult = tx
	return res, err
}

func (f *FakeClient) RejectMilestone(_ context.Context, orderID, index uint64, _ string) (TxResult, error) {
	return f.update("rejectMilestone", orderID, index, func(o *fakeOrder) error {
		m, err := o.milestone(index)
		if err != nil {
			return err
		}
		if m.Status != MilestoneSubmitted {
			return fakeRevert("milestone not submitted")
		}
		m.Status = MilestoneRejected
		return nil
	})
}

func (f *FakeClient) RaiseDispute(_ context.Context, orderID uint64, reason string) (TxResult, error) {
	if reason == "" {
		return TxResult{}, fmt.Errorf("%w: dispute reason required", ErrInvalidRequest)
	}
	return f.update("raiseDispute", orderID, 0, func(o *fakeOrder) error {
		if o.order.Status.Terminal() {
			return fakeRevert("order is closed")
		}
		o.order.Status = OrderDisputed
		return nil
	})
}

func (f *FakeClient) CancelOrder(_ context.Context, orderID uint64) (TxResult, error) {
	return f.update("cancelOrder", orderID, 0, func(o *fakeOrder) error {
		if o.order.Status != OrderCreated && o.order.Status != OrderFunded {
			return fakeRevert("order already accepted")
		}
		o.order.Status = OrderCancelled
		return nil
	})
}

func (f *FakeClient) GetOrder(_ context.Context, orderID uint64) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, err := f.lookup(orderID)
	if err != nil {
		return Order{}, err
	}
	return o.snapshot(), nil
}

func (f *FakeClient) GetMilestone(_ context.Context, orderID, index uint64) (Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, err := f.lookup(orderID)
	if err != nil {
		return Milestone{}, err
	}
	m, err := o.milestone(index)
	if err != nil {
		return Milestone{}, err
	}
	return *m, nil
}

func (f *FakeClient) GetUserOrders(_ context.Context, asBuyer bool) (UserOrders, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := UserOrders{Account: f.Account, ChainID: f.ChainID, AsBuyer: asBuyer, OrderIDs: []uint64{}}
	for _, o := range f.orders {
		party := o.order.Seller
		if asBuyer {
			party = o.order.Buyer
		}
		if party == f.Account {
			res.OrderIDs = append(res.OrderIDs, o.order.ID)
		}
	}
	return res, nil
}

func (f *FakeClient) GetOrders(ctx context.Context, ids []uint64, limit int) ([]Order, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: fan-out limit must be positive", ErrInvalidRequest)
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	fe := &FanoutError{Op: "read orders"}
	var orders []Order
	for i, orderID := range ids {
		o, err := f.GetOrder(ctx, orderID)
		if err != nil {
			fe.Failed = append(fe.Failed, IndexError{Index: i, ID: orderID, Err: err})
			continue
		}
		orders = append(orders, o)
	}
	if len(fe.Failed) > 0 {
		return orders, fe
	}
	return orders, nil
}

func (f *FakeClient) GetUserReputation(_ context.Context, user common.Address) (UserReputation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var completed uint64
	for _, o := range f.orders {
		if o.order.Status == OrderCompleted && (o.order.Buyer == user || o.order.Seller == user) {
			completed++
		}
	}
	return UserReputation{User: user, Score: fmt.Sprint(completed * 10), Transactions: completed}, nil
}

func (f *FakeClient) OrderCounter(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.orders)), nil
}

func (f *FakeClient) update(method string, orderID, index uint64, apply func(*fakeOrder) error) (TxResult, error) {
	if f.WriteErr != nil {
		return TxResult{}, f.WriteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, err := f.lookup(orderID)
	if err != nil {
		return TxResult{}, &contracts.TxError{Contract: "Escrow", Method: method, Reason: "order does not exist", Err: contracts.ErrReverted}
	}
	if err := apply(o); err != nil {
		return TxResult{}, &contracts.TxError{Contract: "Escrow", Method: method, Reason: err.Error(), Err: contracts.ErrReverted}
	}
	return f.tx(method, orderID, index), nil
}

func (f *FakeClient) lookup(orderID uint64) (*fakeOrder, error) {
	if orderID >= uint64(len(f.orders)) {
		return nil, &contracts.CallError{Contract: "Escrow", Method: "getOrder", Reason: "order does not exist", Reverted: true}
	}
	return f.orders[orderID], nil
}

// tx derives a stable fake hash from the call. Callers hold f.mu or are
// creating the order.
func (f *FakeClient) tx(method string, orderID, index uint64) TxResult {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], orderID)
	binary.BigEndian.PutUint64(buf[8:], index)
	sum := sha256.Sum256(append([]byte(method), buf[:]...))
	return TxResult{TxHash: common.Hash(sum), BlockNumber: uint64(len(f.orders))}
}

func (o *fakeOrder) milestone(index uint64) (*Milestone, error) {
	if index >= uint64(len(o.order.Milestones)) {
		return nil, fakeRevert("invalid milestone index")
	}
	return &o.order.Milestones[index], nil
}

func (o *fakeOrder) snapshot() Order {
	out := o.order
	out.Milestones = append([]Milestone(nil), o.order.Milestones...)
	out.TotalAmount = units.FormatEther(o.total)
	out.DepositedAmount = out.TotalAmount
	out.ReleasedAmount = units.FormatEther(o.released)
	return out
}

type fakeRevert string

func (r fakeRevert) Error() string { return string(r) }
