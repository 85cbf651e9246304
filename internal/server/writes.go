package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"tradechain/internal/certificate"
	"tradechain/internal/escrow"
	"tradechain/internal/idempotency"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplay         = "Idempotent-Replay"
)

type writeOutcome struct {
	status int
	body   []byte
}

// keyedWrite runs exec at most once per idempotency key, account and chain.
// exec receives a context pinned to the bindings the key was built from.
// Successful results, and failures of transactions that reached the chain,
// are stored and replayed byte for byte. Concurrent duplicates wait for the
// first attempt instead of submitting a second transaction.
func (s *Server) keyedWrite(w http.ResponseWriter, r *http.Request, op string, exec func(ctx context.Context) (int, any, common.Hash, error)) {
	clientKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if clientKey == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing %s header", errBadRequest, headerIdempotencyKey))
		return
	}
	// The key is scoped to the bindings exec will actually use.
	ctx, b, err := s.pin(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := idempotency.Key(b.ChainID, b.Account, op+":"+clientKey)

	if existing, _ := s.store.Get(ctx, key); existing != nil {
		s.replay(w, existing.StatusCode, existing.Response)
		return
	}

	v, err, shared := s.writes.Do(key, func() (any, error) {
		if existing, _ := s.store.Get(ctx, key); existing != nil {
			return writeOutcome{existing.StatusCode, existing.Response}, nil
		}
		status, result, txHash, err := exec(ctx)
		if err != nil {
			hash, submitted := submittedTx(err)
			if !submitted {
				s.metrics.IncIdempotent("failed")
				return nil, err
			}
			code, body := errorResponse(err)
			raw, _ := json.Marshal(body)
			s.save(ctx, key, idempotency.NewRecord(op, hash.Hex(), code, raw, s.cfg.Service.IdempotencyWindow))
			s.metrics.IncIdempotent("failed")
			return writeOutcome{code, raw}, nil
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		s.save(ctx, key, idempotency.NewRecord(op, txHash.Hex(), status, raw, s.cfg.Service.IdempotencyWindow))
		s.metrics.IncIdempotent("executed")
		return writeOutcome{status, raw}, nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := v.(writeOutcome)
	if shared {
		w.Header().Set(headerReplay, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.status)
	_, _ = w.Write(out.body)
}

func (s *Server) replay(w http.ResponseWriter, status int, body []byte) {
	s.metrics.IncIdempotent("cached")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerReplay, "true")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) save(ctx context.Context, key string, rec idempotency.Record) {
	// The write already happened; a store failure only weakens replay.
	if err := s.store.Save(context.WithoutCancel(ctx), key, rec); err != nil {
		s.log.Error("idempotency save failed", "operation", rec.Operation, "tx_hash", rec.TxHash, "error", err)
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json payload: %v", errBadRequest, err)
	}
	return nil
}

// awaited is the order as read after a write whose caller asked for
// ?waitFor=<status>[,<status>...].
type awaited struct {
	Order     *escrow.Order `json:"order,omitempty"`
	WaitError string        `json:"waitError,omitempty"`
}

func waitForParam(r *http.Request) ([]escrow.OrderStatus, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("waitFor"))
	if raw == "" {
		return nil, nil
	}
	var want []escrow.OrderStatus
	for _, name := range strings.Split(raw, ",") {
		st, err := escrow.ParseOrderStatus(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		want = append(want, st)
	}
	return want, nil
}

// settle polls the order until it reaches one of want, bounded by the
// confirmation timeout. The write has already happened, so a failed wait is
// reported in the body rather than as an error.
func (s *Server) settle(ctx context.Context, orderID uint64, want []escrow.OrderStatus) awaited {
	if len(want) == 0 {
		return awaited{}
	}
	if s.cfg.Tx.ConfirmationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Tx.ConfirmationTimeout)
		defer cancel()
	}
	order, err := escrow.WaitForOrderStatus(ctx, s.escrow, orderID, s.cfg.Tx.PollInterval, want...)
	if err == nil {
		return awaited{Order: &order}
	}
	out := awaited{WaitError: err.Error()}
	if ctx.Err() != nil && order.Buyer != (common.Address{}) {
		out.Order = &order
	}
	return out
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req escrow.CreateOrderRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	want, err := waitForParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.keyedWrite(w, r, "createOrder", func(ctx context.Context) (int, any, common.Hash, error) {
		res, err := s.escrow.CreateOrder(ctx, req)
		if err != nil {
			return 0, nil, common.Hash{}, err
		}
		return http.StatusCreated, struct {
			escrow.CreateOrderResult
			awaited
		}{res, s.settle(ctx, res.OrderID, want)}, res.TxHash, nil
	})
}

// orderWrite covers the order-level writes that only need the order id.
func (s *Server) orderWrite(w http.ResponseWriter, r *http.Request, op string, call func(ctx context.Context, orderID uint64) (escrow.TxResult, error)) {
	id, err := uintParam(r, "orderID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.receiptWrite(w, r, fmt.Sprintf("%s:%d", op, id), id, func(ctx context.Context) (escrow.TxResult, error) {
		return call(ctx, id)
	})
}

// receiptWrite runs a keyed write on orderID that returns a plain
// receipt, honouring ?waitFor=.
func (s *Server) receiptWrite(w http.ResponseWriter, r *http.Request, op string, orderID uint64, call func(ctx context.Context) (escrow.TxResult, error)) {
	want, err := waitForParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.keyedWrite(w, r, op, func(ctx context.Context) (int, any, common.Hash, error) {
		res, err := call(ctx)
		if err != nil {
			return 0, nil, common.Hash{}, err
		}
		return http.StatusOK, struct {
			escrow.TxResult
			awaited
		}{res, s.settle(ctx, orderID, want)}, res.TxHash, nil
	})
}

func (s *Server) handleAcceptOrder(w http.ResponseWriter, r *http.Request) {
	s.orderWrite(w, r, "acceptOrder", s.escrow.AcceptOrder)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	s.orderWrite(w, r, "cancelOrder", s.escrow.CancelOrder)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.orderWrite(w, r, "raiseDispute", func(ctx context.Context, id uint64) (escrow.TxResult, error) {
		return s.escrow.RaiseDispute(ctx, id, body.Reason)
	})
}

func milestoneParams(r *http.Request) (uint64, uint64, error) {
	id, err := uintParam(r, "orderID")
	if err != nil {
		return 0, 0, err
	}
	index, err := uintParam(r, "index")
	return id, index, err
}

func (s *Server) handleSubmitMilestone(w http.ResponseWriter, r *http.Request) {
	id, index, err := milestoneParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		DeliveryProof string `json:"deliveryProof"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.receiptWrite(w, r, fmt.Sprintf("submitMilestone:%d:%d", id, index), id, func(ctx context.Context) (escrow.TxResult, error) {
		return s.escrow.SubmitMilestone(ctx, id, index, body.DeliveryProof)
	})
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	id, index, err := milestoneParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	want, err := waitForParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.keyedWrite(w, r, fmt.Sprintf("approveMilestone:%d:%d", id, index), func(ctx context.Context) (int, any, common.Hash, error) {
		res, err := s.escrow.ApproveMilestone(ctx, id, index)
		if err != nil {
			return 0, nil, common.Hash{}, err
		}
		return http.StatusOK, struct {
			escrow.ApproveResult
			awaited
		}{res, s.settle(ctx, id, want)}, res.TxHash, nil
	})
}

func (s *Server) handleRejectMilestone(w http.ResponseWriter, r *http.Request) {
	id, index, err := milestoneParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.receiptWrite(w, r, fmt.Sprintf("rejectMilestone:%d:%d", id, index), id, func(ctx context.Context) (escrow.TxResult, error) {
		return s.escrow.RejectMilestone(ctx, id, index, body.Reason)
	})
}

func (s *Server) handleMintCertificate(w http.ResponseWriter, r *http.Request) {
	var req certificate.MintRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.keyedWrite(w, r, "mintCertificate", func(ctx context.Context) (int, any, common.Hash, error) {
		res, err := s.certs.MintCertificate(ctx, req)
		return http.StatusCreated, res, res.TxHash, err
	})
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "tokenID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var ev certificate.NewEvent
	if err := decodeBody(r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.keyedWrite(w, r, fmt.Sprintf("addSupplyChainEvent:%d", id), func(ctx context.Context) (int, any, common.Hash, error) {
		hash, err := s.certs.AddSupplyChainEvent(ctx, id, ev)
		return http.StatusCreated, map[string]any{"tokenId": id, "txHash": hash}, hash, err
	})
}
