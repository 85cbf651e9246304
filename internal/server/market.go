package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tradechain/internal/marketplace"
)

// Backend routes pass through to the marketplace REST API. The gateway only
// validates input; the backend owns the data.

func int64Param(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", errBadRequest, name, raw)
	}
	return v, nil
}

func requiredQuery(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", errBadRequest, name)
	}
	return v, nil
}

func (s *Server) handleShops(w http.ResponseWriter, r *http.Request) {
	shops, err := s.market.Shops(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filtered := marketplace.FilterShops(shops, r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, map[string]any{"shops": filtered, "total": len(filtered)})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	all, err := s.market.Notifications(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if all == nil {
		all = []marketplace.Notification{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleNotificationSummary(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.market.Summary(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "notificationID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.market.MarkNotificationRead(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "read": true})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := s.market.MarkAllNotificationsRead(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"read": true})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.market.Conversations(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []marketplace.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "conversationID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.market.Messages(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []marketplace.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "conversationID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		s.writeError(w, r, fmt.Errorf("%w: content is required", errBadRequest))
		return
	}
	msg, err := s.market.SendMessage(r.Context(), id, body.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleOpenRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ShopID int64 `json:"shopId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.ShopID <= 0 {
		s.writeError(w, r, fmt.Errorf("%w: shopId is required", errBadRequest))
		return
	}
	room, err := s.market.OpenRoom(r.Context(), body.ShopID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	email, err := requiredQuery(r, "email")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.market.CheckStatus(r.Context(), email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	token, err := requiredQuery(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.market.VerifyEmail(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          res.Status,
		"message":         res.Message,
		"email":           res.Email,
		"alreadyVerified": res.AlreadyVerified(),
	})
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Email) == "" {
		s.writeError(w, r, fmt.Errorf("%w: email is required", errBadRequest))
		return
	}
	if err := s.market.ResendVerification(r.Context(), body.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"email": body.Email, "sent": true})
}
