package server

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"tradechain/internal/certificate"
	"tradechain/internal/contracts"
	"tradechain/internal/eip1193"
	"tradechain/internal/escrow"
	"tradechain/internal/marketplace"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error  string       `json:"error"`
	Code   string       `json:"code"`
	TxHash *common.Hash `json:"txHash,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Failed []int        `json:"failed,omitempty"`
}

// classify maps a client error onto an HTTP status and a stable code. Order
// matters: a connected session on an unconfigured chain reports
// unconfigured, and a timed-out transaction is a timeout, not a failure.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, escrow.ErrInvalidRequest),
		errors.Is(err, certificate.ErrInvalidRequest),
		errors.Is(err, certificate.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, eip1193.ErrUnknownChain):
		return http.StatusBadRequest, "unknown_chain"
	case errors.Is(err, eip1193.ErrUserRejected):
		return http.StatusConflict, "user_rejected"
	case errors.Is(err, contracts.ErrStaleBindings),
		errors.Is(err, eip1193.ErrChainMismatch):
		return http.StatusConflict, "stale_bindings"
	case errors.Is(err, contracts.ErrUnconfigured):
		return http.StatusServiceUnavailable, "unconfigured"
	case errors.Is(err, contracts.ErrNotConnected),
		errors.Is(err, eip1193.ErrUnauthorized):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, eip1193.ErrProviderUnavailable),
		errors.Is(err, eip1193.ErrDisconnected):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case errors.Is(err, contracts.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, contracts.ErrEventNotFound):
		return http.StatusBadGateway, "event_not_found"
	case errors.Is(err, contracts.ErrDataInconsistency):
		return http.StatusBadGateway, "data_inconsistency"
	case errors.Is(err, contracts.ErrTransactionFailed):
		return http.StatusBadGateway, "transaction_failed"
	case errors.Is(err, contracts.ErrReverted):
		return http.StatusBadGateway, "reverted"
	case errors.Is(err, marketplace.ErrNotFound):
		return http.StatusNotFound, "not_found"
	}
	var apiErr *marketplace.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, "backend_error"
	}
	return http.StatusInternalServerError, "internal"
}

func errorResponse(err error) (int, errorBody) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}

	var txErr *contracts.TxError
	if errors.As(err, &txErr) {
		if txErr.Hash != (common.Hash{}) {
			h := txErr.Hash
			body.TxHash = &h
		}
		body.Reason = txErr.Reason
	}
	if hash, ok := submittedTx(err); ok && body.TxHash == nil {
		body.TxHash = &hash
	}
	var callErr *contracts.CallError
	if body.Reason == "" && errors.As(err, &callErr) {
		body.Reason = callErr.Reason
	}
	var fanErr *escrow.FanoutError
	if errors.As(err, &fanErr) {
		body.Failed = fanErr.Indices()
	}
	return status, body
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed",
			"route", r.URL.Path,
			"status", status,
			"error", err,
			"request_id", r.Header.Get("X-Request-Id"),
		)
	}
	writeJSON(w, status, body)
}

// submittedTx reports whether err belongs to a transaction that reached the
// chain, including one that mined but whose receipt could not be read back.
// Such outcomes are stored so a retry cannot submit it again.
func submittedTx(err error) (common.Hash, bool) {
	var txErr *contracts.TxError
	if errors.As(err, &txErr) && txErr.Hash != (common.Hash{}) {
		return txErr.Hash, true
	}
	var mined *contracts.MinedError
	if errors.As(err, &mined) && mined.Hash != (common.Hash{}) {
		return mined.Hash, true
	}
	return common.Hash{}, false
}
