package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tradechain/internal/contracts"
)

func TestFakeClientLifecycle(t *testing.T) {
	buyer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	seller := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	f := NewFakeClient(buyer, 31337)
	ctx := context.Background()

	res, err := f.CreateOrder(ctx, CreateOrderRequest{
		Seller:         seller,
		ProductDetails: "steel coil",
		Milestones: []MilestoneInput{
			{Description: "ship", Amount: "1.5", Deadline: time.Unix(1_800_000_000, 0)},
			{Description: "deliver", Amount: "0.5", Deadline: time.Unix(1_800_086_400, 0)},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.TotalAmount != "2" {
		t.Fatalf("expected total 2, got %s", res.TotalAmount)
	}

	if _, err := f.CancelOrder(ctx, 7); !errors.Is(err, contracts.ErrTransactionFailed) {
		t.Fatalf("expected transaction failure for unknown order, got %v", err)
	}
	if _, err := f.AcceptOrder(ctx, res.OrderID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.CancelOrder(ctx, res.OrderID); !errors.Is(err, contracts.ErrReverted) {
		t.Fatalf("expected revert when cancelling accepted order, got %v", err)
	}
	for i := uint64(0); i < 2; i++ {
		if _, err := f.SubmitMilestone(ctx, res.OrderID, i, "proof"); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		approved, err := f.ApproveMilestone(ctx, res.OrderID, i)
		if err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
		if approved.Completed != (i == 1) {
			t.Fatalf("milestone %d: completed=%v", i, approved.Completed)
		}
	}

	order, err := f.GetOrder(ctx, res.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != OrderCompleted || order.ReleasedAmount != "2" {
		t.Fatalf("unexpected order state %s released %s", order.Status, order.ReleasedAmount)
	}

	ids, _ := f.GetUserOrders(ctx, true)
	if len(ids.OrderIDs) != 1 || ids.Account != buyer {
		t.Fatalf("unexpected buyer orders %+v", ids)
	}
	ids, _ = f.GetUserOrders(ctx, false)
	if len(ids.OrderIDs) != 0 {
		t.Fatalf("buyer should have no seller orders, got %v", ids.OrderIDs)
	}

	orders, err := f.GetOrders(ctx, []uint64{0, 5}, 5)
	var fe *FanoutError
	if !errors.As(err, &fe) || len(orders) != 1 || fe.Failed[0].Index != 1 {
		t.Fatalf("expected partial fan-out, got %v (%d orders)", err, len(orders))
	}
}

func TestFakeClientWriteErr(t *testing.T) {
	f := NewFakeClient(common.Address{1}, 1)
	f.WriteErr = contracts.ErrTimeout
	if _, err := f.AcceptOrder(context.Background(), 0); !errors.Is(err, contracts.ErrTimeout) {
		t.Fatalf("expected injected error, got %v", err)
	}
}

func TestWaitForOrderStatus(t *testing.T) {
	f := NewFakeClient(common.Address{1}, 1)
	ctx := context.Background()
	res, err := f.CreateOrder(ctx, CreateOrderRequest{
		Seller:         common.Address{2},
		ProductDetails: "maize",
		Milestones:     []MilestoneInput{{Description: "all", Amount: "1", Deadline: time.Unix(1_800_000_000, 0)}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		_, _ = f.AcceptOrder(ctx, res.OrderID)
	}()
	order, err := WaitForOrderStatus(ctx, f, res.OrderID, 5*time.Millisecond, OrderInProgress, OrderCancelled)
	if err != nil || order.Status != OrderInProgress {
		t.Fatalf("expected InProgress, got %s (%v)", order.Status, err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	order, err = WaitForOrderStatus(short, f, res.OrderID, 5*time.Millisecond, OrderCompleted)
	if !errors.Is(err, context.DeadlineExceeded) || order.Status != OrderInProgress {
		t.Fatalf("expected deadline with last seen status, got %s (%v)", order.Status, err)
	}

	var callErr *contracts.CallError
	if _, err := WaitForOrderStatus(ctx, f, 99, 0, OrderCompleted); !errors.As(err, &callErr) {
		t.Fatalf("expected read failure for unknown order, got %v", err)
	}
}

func TestParseOrderStatus(t *testing.T) {
	for _, name := range []string{"InProgress", "inprogress", "CANCELLED"} {
		if _, err := ParseOrderStatus(name); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if s, _ := ParseOrderStatus("completed"); s != OrderCompleted {
		t.Fatalf("expected Completed, got %s", s)
	}
	if _, err := ParseOrderStatus("shipped"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
