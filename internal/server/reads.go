package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"tradechain/internal/contracts"
	"tradechain/internal/escrow"
	"tradechain/internal/reputation"
)

func uintParam(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer, got %q", errBadRequest, name, raw)
	}
	return v, nil
}

func addressParam(r *http.Request, name string) (common.Address, error) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address: %q", errBadRequest, name, raw)
	}
	return common.HexToAddress(raw), nil
}

func intQuery(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", errBadRequest, name)
	}
	return v, nil
}

// orderList is one side of the dashboard. OrderIDs is the full list; only
// the first Limit orders are read in detail.
type orderList struct {
	OrderIDs []uint64       `json:"orderIds"`
	Orders   []escrow.Order `json:"orders"`
	Limit    int            `json:"limit"`
	Failed   []uint64       `json:"failed,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type dashboardResponse struct {
	Account         common.Address    `json:"account"`
	ChainID         uint64            `json:"chainId"`
	Network         string            `json:"network"`
	NativeBalance   string            `json:"nativeBalance"`
	Reputation      *reputation.Stats `json:"reputation,omitempty"`
	ReputationError string            `json:"reputationError,omitempty"`
	Buying          orderList         `json:"buying"`
	Selling         orderList         `json:"selling"`
}

// handleDashboard assembles the connected account's overview. Sections fail
// independently: one unreadable order or a reputation outage is reported
// in the body instead of failing the page. All sections are read through
// one bindings snapshot; a wallet switch mid-request fails the page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", s.cfg.Service.DashboardOrderCap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, b, err := s.pin(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st := s.session.State()
	if st.Address == nil || *st.Address != b.Account || st.ChainID == nil || *st.ChainID != b.ChainID {
		s.writeError(w, r, fmt.Errorf("%w: wallet changed before the dashboard was read", contracts.ErrStaleBindings))
		return
	}

	resp := dashboardResponse{
		Account:       b.Account,
		ChainID:       b.ChainID,
		Network:       s.cfg.Deployments.NetworkName(b.ChainID),
		NativeBalance: st.NativeBalance,
	}

	stats, err := s.reputation.GetUserStats(ctx, b.Account)
	switch {
	case err == nil:
		resp.Reputation = &stats
	case isSessionError(err):
		s.writeError(w, r, err)
		return
	default:
		resp.ReputationError = err.Error()
	}

	for _, side := range []struct {
		asBuyer bool
		dst     *orderList
	}{{true, &resp.Buying}, {false, &resp.Selling}} {
		list, err := s.orderList(ctx, b, side.asBuyer, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		*side.dst = list
	}
	if err := s.stillCurrent(b); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// orderList reads one side. Errors that make the whole read meaningless are
// returned; per-order failures are folded into the list.
func (s *Server) orderList(ctx context.Context, b *contracts.Bindings, asBuyer bool, limit int) (orderList, error) {
	ids, err := s.escrow.GetUserOrders(ctx, asBuyer)
	if err != nil {
		if isSessionError(err) {
			return orderList{}, err
		}
		return orderList{Limit: limit, OrderIDs: []uint64{}, Orders: []escrow.Order{}, Error: err.Error()}, nil
	}
	if ids.Account != b.Account || ids.ChainID != b.ChainID {
		return orderList{}, fmt.Errorf("%w: orders listed for %s on chain %d, dashboard is for %s on chain %d",
			contracts.ErrStaleBindings, ids.Account.Hex(), ids.ChainID, b.Account.Hex(), b.ChainID)
	}
	list := orderList{OrderIDs: ids.OrderIDs, Limit: limit, Orders: []escrow.Order{}}
	if list.OrderIDs == nil {
		list.OrderIDs = []uint64{}
	}
	if len(ids.OrderIDs) == 0 {
		return list, nil
	}
	orders, err := s.escrow.GetOrders(ctx, ids.OrderIDs, limit)
	if orders != nil {
		list.Orders = orders
	}
	if err != nil {
		var fanErr *escrow.FanoutError
		if !errors.As(err, &fanErr) {
			if isSessionError(err) {
				return orderList{}, err
			}
			list.Error = err.Error()
			return list, nil
		}
		s.metrics.AddFanoutFailures("dashboard", len(fanErr.Failed))
		for _, f := range fanErr.Failed {
			list.Failed = append(list.Failed, f.ID)
		}
		list.Error = err.Error()
	}
	return list, nil
}

func isSessionError(err error) bool {
	return errors.Is(err, contracts.ErrNotConnected) || errors.Is(err, contracts.ErrUnconfigured)
}

// handleUserOrders lists order ids for the connected account;
// role=seller switches from the buyer side.
func (s *Server) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	asBuyer := true
	switch role := r.URL.Query().Get("role"); role {
	case "", "buyer":
	case "seller":
		asBuyer = false
	default:
		s.writeError(w, r, fmt.Errorf("%w: role must be buyer or seller, got %q", errBadRequest, role))
		return
	}
	ids, err := s.escrow.GetUserOrders(r.Context(), asBuyer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "orderID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.escrow.GetOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleGetMilestone(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "orderID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := uintParam(r, "index")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.escrow.GetMilestone(r.Context(), id, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "tokenID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cert, err := s.certs.GetCertificate(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (s *Server) handleCertificateByProduct(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "productID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cert, err := s.certs.GetCertificateByProductID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "tokenID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.certs.HistoryPage(r.Context(), id, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleProductCertified(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "productID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.certs.IsProductCertified(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"productId": id, "certified": ok})
}

func (s *Server) handleSupplierVerified(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.certs.IsVerifiedSupplier(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"supplier": addr, "verified": ok})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.reputation.GetUserStats(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEscrowReputation(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.escrow.GetUserReputation(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleTierName(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "tier")
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: tier must be a small non-negative integer, got %q", errBadRequest, raw))
		return
	}
	tier := reputation.Tier(v)
	name, err := s.reputation.GetTierName(r.Context(), tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tier": uint8(tier), "name": name})
}

func (s *Server) handleOrderCounter(w http.ResponseWriter, r *http.Request) {
	n, err := s.escrow.OrderCounter(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orderCount": n})
}

func (s *Server) handleTotalCertificates(w http.ResponseWriter, r *http.Request) {
	n, err := s.certs.TotalCertificates(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totalCertificates": n})
}
