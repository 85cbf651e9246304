package escrow_test

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"tradechain/internal/chaintest"
	"tradechain/internal/contracts"
	"tradechain/internal/eip1193"
	"tradechain/internal/escrow"
)

var (
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	seller = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	ether  = big.NewInt(1e18)
)

func setup(t *testing.T) (*chaintest.Chain, *chaintest.Contract, *escrow.EthClient) {
	t.Helper()
	table := contracts.DefaultAddressTable()
	addrs, err := table.Resolve(contracts.ChainHardhat)
	require.NoError(t, err)

	chain := chaintest.New(contracts.ChainHardhat, buyer)
	ct := chain.Deploy(contracts.ChainHardhat, addrs.Escrow, contracts.EscrowContractABI())
	b, err := contracts.Build(contracts.ChainHardhat, buyer, table, chain, contracts.Options{PollInterval: time.Millisecond})
	require.NoError(t, err)
	return chain, ct, escrow.NewEthClient(contracts.Static{B: b}, escrow.EthClientConfig{MaxConcurrentReads: 4})
}

func createRequest(amounts ...string) escrow.CreateOrderRequest {
	req := escrow.CreateOrderRequest{Seller: seller, ProductDetails: "500 units of PET resin"}
	for i, a := range amounts {
		req.Milestones = append(req.Milestones, escrow.MilestoneInput{
			Description: "milestone",
			Amount:      a,
			Deadline:    time.Unix(1_800_000_000+int64(i)*86400, 0),
		})
	}
	return req
}

func orderOutputs(count int64) []any {
	return []any{
		buyer, seller,
		new(big.Int).Mul(big.NewInt(3), ether),
		new(big.Int).Mul(big.NewInt(3), ether),
		new(big.Int).Mul(big.NewInt(1), ether),
		uint8(escrow.OrderInProgress),
		big.NewInt(1_700_000_000),
		big.NewInt(count),
	}
}

func milestoneOutputs(index int64) []any {
	return []any{"step", new(big.Int).Add(ether, big.NewInt(index)), big.NewInt(1_800_000_000), uint8(escrow.MilestoneSubmitted), "ipfs://proof"}
}

func TestCreateOrderAttachesExactTotal(t *testing.T) {
	chain, ct, client := setup(t)
	ct.OnTx("createOrder", func(tx chaintest.Sent, args []any) ([]*types.Log, error) {
		total := new(big.Int)
		for _, a := range args[3].([]*big.Int) {
			total.Add(total, a)
		}
		return []*types.Log{ct.Log("OrderCreated", big.NewInt(42), tx.From, args[0], total, big.NewInt(int64(len(args[3].([]*big.Int)))))}, nil
	})

	res, err := client.CreateOrder(context.Background(), createRequest("0.5", "1.25", "0.000000000000000001"))
	require.NoError(t, err)
	require.Equal(t, uint64(42), res.OrderID)
	require.Equal(t, "1.750000000000000001", res.TotalAmount)

	sent := chain.Sent()
	require.Len(t, sent, 1)
	want, _ := new(big.Int).SetString("1750000000000000001", 10)
	require.Zero(t, want.Cmp(sent[0].Value), "value %s", sent[0].Value)
	require.Equal(t, res.TxHash, sent[0].Hash)

	deadlines := sent[0].Args[4].([]*big.Int)
	require.Equal(t, int64(1_800_000_000), deadlines[0].Int64())
}

func TestCreateOrderWithoutEventFails(t *testing.T) {
	chain, ct, client := setup(t)
	ct.OnTx("createOrder", func(chaintest.Sent, []any) ([]*types.Log, error) { return nil, nil })

	res, err := client.CreateOrder(context.Background(), createRequest("1"))
	require.ErrorIs(t, err, contracts.ErrEventNotFound)
	require.Zero(t, res.OrderID)

	// The order exists on chain even though its id is unknown; the hash is
	// kept so the caller can record the submission.
	var mined *contracts.MinedError
	require.ErrorAs(t, err, &mined)
	require.Equal(t, chain.Sent()[0].Hash, mined.Hash)
	require.Equal(t, "createOrder", mined.Method)
}

func TestCreateOrderBadIDKeepsHash(t *testing.T) {
	chain, ct, client := setup(t)
	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	ct.OnTx("createOrder", func(tx chaintest.Sent, args []any) ([]*types.Log, error) {
		return []*types.Log{ct.Log("OrderCreated", huge, tx.From, args[0], ether, big.NewInt(1))}, nil
	})

	_, err := client.CreateOrder(context.Background(), createRequest("1"))
	require.ErrorIs(t, err, contracts.ErrDataInconsistency)
	var mined *contracts.MinedError
	require.ErrorAs(t, err, &mined)
	require.Equal(t, chain.Sent()[0].Hash, mined.Hash)
}

func TestCreateOrderValidation(t *testing.T) {
	chain, _, client := setup(t)
	cases := map[string]escrow.CreateOrderRequest{
		"no milestones": createRequest(),
		"bad amount":    createRequest("1.2.3"),
		"too precise":   createRequest("0.0000000000000000001"),
		"zero total":    createRequest("0", "0"),
		"no seller":     {ProductDetails: "x", Milestones: createRequest("1").Milestones},
		"too many":      createRequest(make([]string, escrow.MaxMilestones+1)...),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := client.CreateOrder(context.Background(), req)
			require.ErrorIs(t, err, escrow.ErrInvalidRequest)
		})
	}
	require.Zero(t, chain.Count("eth_sendTransaction"))
}

func TestWriteFailuresSurfaceReason(t *testing.T) {
	chain, ct, client := setup(t)
	ct.OnTx("acceptOrder", func(chaintest.Sent, []any) ([]*types.Log, error) {
		return nil, chaintest.Revert("only seller")
	})

	_, err := client.AcceptOrder(context.Background(), 1)
	require.ErrorIs(t, err, contracts.ErrTransactionFailed)
	var txErr *contracts.TxError
	require.ErrorAs(t, err, &txErr)
	require.Equal(t, "only seller", txErr.Reason)

	chain.SendHook = func(context.Context) error { return chaintest.Rejected() }
	_, err = client.CancelOrder(context.Background(), 1)
	require.ErrorIs(t, err, contracts.ErrTransactionFailed)
	require.ErrorIs(t, err, eip1193.ErrUserRejected)
}

func TestLifecycleWrites(t *testing.T) {
	chain, _, client := setup(t)
	ctx := context.Background()

	_, err := client.AcceptOrder(ctx, 3)
	require.NoError(t, err)
	_, err = client.SubmitMilestone(ctx, 3, 0, "ipfs://bill-of-lading")
	require.NoError(t, err)
	_, err = client.RejectMilestone(ctx, 3, 0, "damaged")
	require.NoError(t, err)
	_, err = client.RaiseDispute(ctx, 3, "late delivery")
	require.NoError(t, err)
	_, err = client.CancelOrder(ctx, 3)
	require.NoError(t, err)

	_, err = client.SubmitMilestone(ctx, 3, 0, " ")
	require.ErrorIs(t, err, escrow.ErrInvalidRequest)
	_, err = client.RaiseDispute(ctx, 3, "")
	require.ErrorIs(t, err, escrow.ErrInvalidRequest)

	var methods []string
	for _, s := range chain.Sent() {
		methods = append(methods, s.Method)
		require.Equal(t, int64(3), s.Args[0].(*big.Int).Int64())
	}
	require.Equal(t, []string{"acceptOrder", "submitMilestone", "rejectMilestone", "raiseDispute", "cancelOrder"}, methods)
}

func TestApproveMilestoneDecodesEvents(t *testing.T) {
	_, ct, client := setup(t)
	last := false
	ct.OnTx("approveMilestone", func(_ chaintest.Sent, args []any) ([]*types.Log, error) {
		logs := []*types.Log{ct.Log("MilestoneApproved", args[0], args[1], ether)}
		if last {
			logs = append(logs, ct.Log("OrderCompleted", args[0], new(big.Int).Mul(big.NewInt(2), ether)))
		}
		return logs, nil
	})

	res, err := client.ApproveMilestone(context.Background(), 9, 0)
	require.NoError(t, err)
	require.Equal(t, "1", res.AmountReleased)
	require.False(t, res.Completed)

	last = true
	res, err = client.ApproveMilestone(context.Background(), 9, 1)
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, "2", res.TotalReleased)
}

func TestGetOrder(t *testing.T) {
	_, ct, client := setup(t)
	ct.OnCall("getOrder", func([]any) ([]any, error) { return orderOutputs(2), nil })
	ct.OnCall("getMilestone", func(args []any) ([]any, error) {
		idx := args[1].(*big.Int).Int64()
		if idx == 0 {
			// Milestone 0 is slow; milestone 1 must not wait on it.
			time.Sleep(30 * time.Millisecond)
		}
		return milestoneOutputs(idx), nil
	})

	order, err := client.GetOrder(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), order.ID)
	require.Equal(t, buyer, order.Buyer)
	require.Equal(t, "3", order.TotalAmount)
	require.Equal(t, "1", order.ReleasedAmount)
	require.Equal(t, escrow.OrderInProgress, order.Status)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), order.CreatedAt)
	require.Len(t, order.Milestones, 2)
	require.Equal(t, "1", order.Milestones[0].Amount)
	require.Equal(t, "1.000000000000000001", order.Milestones[1].Amount)
	require.Equal(t, uint64(1), order.Milestones[1].Index)
	require.Equal(t, escrow.MilestoneSubmitted, order.Milestones[1].Status)
}

func TestGetOrderShortReadIsInconsistent(t *testing.T) {
	_, ct, client := setup(t)
	ct.OnCall("getOrder", func([]any) ([]any, error) { return orderOutputs(3), nil })
	ct.OnCall("getMilestone", func(args []any) ([]any, error) {
		idx := args[1].(*big.Int).Int64()
		if idx == 2 {
			return nil, chaintest.Revert("invalid milestone index")
		}
		return milestoneOutputs(idx), nil
	})

	order, err := client.GetOrder(context.Background(), 1)
	require.ErrorIs(t, err, contracts.ErrDataInconsistency)
	require.Empty(t, order.Milestones)

	var fe *escrow.FanoutError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, []int{2}, fe.Indices())
}

func TestGetOrderOversizedCountIsInconsistent(t *testing.T) {
	_, ct, client := setup(t)
	var milestoneReads atomic.Int32
	ct.OnCall("getOrder", func([]any) ([]any, error) { return orderOutputs(1 << 62), nil })
	ct.OnCall("getMilestone", func(args []any) ([]any, error) {
		milestoneReads.Add(1)
		return milestoneOutputs(0), nil
	})

	_, err := client.GetOrder(context.Background(), 1)
	require.ErrorIs(t, err, contracts.ErrDataInconsistency)
	require.Zero(t, milestoneReads.Load())

	ct.OnCall("getOrder", func([]any) ([]any, error) { return orderOutputs(escrow.MaxMilestones), nil })
	order, err := client.GetOrder(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, order.Milestones, escrow.MaxMilestones)
}

func TestPinnedBindingsAreUsed(t *testing.T) {
	_, ct, client := setup(t)
	ct.OnCall("getUserOrders", func(args []any) ([]any, error) {
		return []any{[]*big.Int{big.NewInt(7)}}, nil
	})

	// The client's own source stays on buyer; the request pins seller.
	table := contracts.DefaultAddressTable()
	chain := chaintest.New(contracts.ChainHardhat, seller)
	chain.Deploy(contracts.ChainHardhat, ct.Address, contracts.EscrowContractABI()).
		OnCall("getUserOrders", func([]any) ([]any, error) { return []any{[]*big.Int{big.NewInt(9)}}, nil })
	pinned, err := contracts.Build(contracts.ChainHardhat, seller, table, chain, contracts.Options{PollInterval: time.Millisecond})
	require.NoError(t, err)

	got, err := client.GetUserOrders(contracts.WithBindings(context.Background(), pinned), false)
	require.NoError(t, err)
	require.Equal(t, seller, got.Account)
	require.Equal(t, []uint64{9}, got.OrderIDs)

	got, err = client.GetUserOrders(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, buyer, got.Account)
	require.Equal(t, []uint64{7}, got.OrderIDs)
}

func TestGetOrderTransportFailureIsNotInconsistency(t *testing.T) {
	_, ct, client := setup(t)
	ct.OnCall("getOrder", func([]any) ([]any, error) { return orderOutputs(2), nil })
	ct.OnCall("getMilestone", func(args []any) ([]any, error) {
		if args[1].(*big.Int).Int64() == 0 {
			return nil, &eip1193.ProviderError{Code: eip1193.CodeDisconnected, Message: "disconnected"}
		}
		return milestoneOutputs(1), nil
	})

	_, err := client.GetOrder(context.Background(), 1)
	require.Error(t, err)
	require.False(t, errors.Is(err, contracts.ErrDataInconsistency))
	require.ErrorIs(t, err, eip1193.ErrDisconnected)
}

func TestGetOrdersCapsFanout(t *testing.T) {
	_, ct, client := setup(t)
	var headers atomic.Int32
	ct.OnCall("getOrder", func(args []any) ([]any, error) {
		headers.Add(1)
		if args[0].(*big.Int).Int64() == 11 {
			return nil, chaintest.Revert("order does not exist")
		}
		return orderOutputs(0), nil
	})

	orders, err := client.GetOrders(context.Background(), []uint64{10, 11, 12, 13, 14, 15, 16}, 5)
	require.Error(t, err)
	var fe *escrow.FanoutError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, []int{1}, fe.Indices())
	require.Equal(t, uint64(11), fe.Failed[0].ID)
	require.Len(t, orders, 4)
	require.Equal(t, []uint64{10, 12, 13, 14}, []uint64{orders[0].ID, orders[1].ID, orders[2].ID, orders[3].ID})
	require.Equal(t, int32(5), headers.Load())

	_, err = client.GetOrders(context.Background(), []uint64{1}, 0)
	require.ErrorIs(t, err, escrow.ErrInvalidRequest)
}

func TestGetUserOrdersTaggedWithAccount(t *testing.T) {
	_, ct, client := setup(t)
	ct.OnCall("getUserOrders", func(args []any) ([]any, error) {
		require.Equal(t, buyer, args[0])
		if args[1].(bool) {
			return []any{[]*big.Int{big.NewInt(1), big.NewInt(4)}}, nil
		}
		return []any{[]*big.Int{}}, nil
	})

	res, err := client.GetUserOrders(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, buyer, res.Account)
	require.Equal(t, contracts.ChainHardhat, res.ChainID)
	require.Equal(t, []uint64{1, 4}, res.OrderIDs)

	res, err = client.GetUserOrders(context.Background(), false)
	require.NoError(t, err)
	require.Empty(t, res.OrderIDs)
}

func TestReputationAndCounter(t *testing.T) {
	_, ct, client := setup(t)
	ct.OnCall("getUserReputation", func([]any) ([]any, error) {
		return []any{big.NewInt(870), big.NewInt(14)}, nil
	})
	ct.OnCall("orderCounter", func([]any) ([]any, error) { return []any{big.NewInt(31)}, nil })

	rep, err := client.GetUserReputation(context.Background(), seller)
	require.NoError(t, err)
	require.Equal(t, escrow.UserReputation{User: seller, Score: "870", Transactions: 14}, rep)

	n, err := client.OrderCounter(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(31), n)
}

func TestNotConnected(t *testing.T) {
	client := escrow.NewEthClient(contracts.Static{}, escrow.EthClientConfig{})
	_, err := client.GetOrder(context.Background(), 1)
	require.ErrorIs(t, err, contracts.ErrNotConnected)
	_, err = client.CreateOrder(context.Background(), createRequest("1"))
	require.ErrorIs(t, err, contracts.ErrNotConnected)
}

func TestStatusNames(t *testing.T) {
	require.Equal(t, "MilestoneComplete", escrow.OrderMilestoneComplete.String())
	require.Equal(t, "Refunded", escrow.OrderRefunded.String())
	require.Equal(t, "Unknown(9)", escrow.OrderStatus(9).String())
	require.Equal(t, "Rejected", escrow.MilestoneRejected.String())
	require.True(t, escrow.OrderCancelled.Terminal())
	require.False(t, escrow.OrderDisputed.Terminal())
}
