package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"tradechain/internal/contracts"
	"tradechain/internal/eip1193"
	"tradechain/internal/wallet"
)

// pin takes one bindings snapshot and attaches it to ctx. Every client call
// made with the returned context goes through that chain and account, even
// if the wallet switches while the request runs.
func (s *Server) pin(ctx context.Context) (context.Context, *contracts.Bindings, error) {
	b, err := s.session.Bindings()
	if err != nil {
		return ctx, nil, err
	}
	if _, err := b.RequireAccount(); err != nil {
		return ctx, nil, err
	}
	return contracts.WithBindings(ctx, b), b, nil
}

// stillCurrent fails when the session rebuilt its bindings after b was
// pinned, so a response never mixes two accounts or chains.
func (s *Server) stillCurrent(b *contracts.Bindings) error {
	now, err := s.session.Bindings()
	if err != nil {
		return fmt.Errorf("%w: %w", contracts.ErrStaleBindings, err)
	}
	if now != b {
		return fmt.Errorf("%w: wallet moved to %s on chain %d during the request",
			contracts.ErrStaleBindings, now.Account.Hex(), now.ChainID)
	}
	return nil
}

type sessionResponse struct {
	wallet.State
	Network string `json:"network,omitempty"`
}

func (s *Server) sessionBody(st wallet.State) sessionResponse {
	resp := sessionResponse{State: st}
	if st.Connected {
		resp.Network = s.session.NetworkName()
	}
	return resp
}

func (s *Server) handleSessionState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionBody(s.session.State()))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	st, err := s.session.Connect(r.Context())
	if err != nil {
		s.metrics.IncSession("connect_failed")
		s.writeError(w, r, err)
		return
	}
	s.metrics.IncSession("connect")
	writeJSON(w, http.StatusOK, s.sessionBody(st))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.session.Disconnect()
	s.metrics.IncSession("disconnect")
	writeJSON(w, http.StatusOK, s.sessionBody(s.session.State()))
}

type switchNetworkRequest struct {
	ChainID uint64 `json:"chainId"`
	// Add registers the chain with the wallet first when it does not know it.
	Add bool `json:"add"`
}

func (s *Server) handleSwitchNetwork(w http.ResponseWriter, r *http.Request) {
	var req switchNetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChainID == 0 {
		s.writeError(w, r, fmt.Errorf("%w: chainId is required", errBadRequest))
		return
	}
	ctx := r.Context()
	err := s.session.SwitchNetwork(ctx, req.ChainID)
	if err != nil && req.Add && errors.Is(err, eip1193.ErrUnknownChain) {
		if err = s.session.AddNetwork(ctx, req.ChainID); err == nil {
			err = s.session.SwitchNetwork(ctx, req.ChainID)
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.IncSession("switch_network")
	writeJSON(w, http.StatusOK, s.sessionBody(s.session.State()))
}

func (s *Server) handleRefreshBalance(w http.ResponseWriter, r *http.Request) {
	st, err := s.session.RefreshBalance(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionBody(st))
}
