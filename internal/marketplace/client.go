// Package marketplace is the client for the marketplace REST backend:
// notifications, chat, onboarding status and the shop directory. The
// backend owns all of that data; nothing is cached here.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx answer from the backend. Detail carries the
// backend's "detail" field when the body has one.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

var ErrNotFound = errors.New("not found")

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Notification struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	IsRead    bool            `json:"is_read"`
	CreatedAt string          `json:"created_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Message struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	SenderID  int64  `json:"sender_id"`
	CreatedAt string `json:"created_at"`
	IsRead    bool   `json:"is_read"`
}

type Conversation struct {
	ID        int64 `json:"id"`
	OtherUser struct {
		ID          int64  `json:"id"`
		Email       string `json:"email"`
		CompanyName string `json:"company_name,omitempty"`
	} `json:"other_user"`
	LastMessage *Message `json:"last_message,omitempty"`
}

type Room struct {
	ID int64 `json:"id"`
}

// AccountStatus is the onboarding state polled by the pending-approval flow.
type AccountStatus struct {
	EmailVerified bool `json:"email_verified"`
	IsApproved    bool `json:"is_approved"`
}

type VerifyResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Email   string `json:"email,omitempty"`
}

// AlreadyVerified reports the backend's "already_verified" outcome.
func (v VerifyResult) AlreadyVerified() bool { return v.Status == "already_verified" }

type Shop struct {
	ID       int64  `json:"id"`
	ShopName string `json:"shop_name"`
	Address  string `json:"address,omitempty"`
	Phone    string `json:"phone,omitempty"`
	User     struct {
		ID       int64  `json:"id"`
		Email    string `json:"email"`
		FullName string `json:"full_name,omitempty"`
	} `json:"user"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for baseURL (for example
// "https://api.example.com/api"). token, when set, is sent as a bearer token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var detail struct {
			Detail any `json:"detail"`
		}
		if json.Unmarshal(raw, &detail) == nil && detail.Detail != nil {
			apiErr.Detail = fmt.Sprint(detail.Detail)
		} else if s := strings.TrimSpace(string(raw)); s != "" && len(s) <= 200 {
			apiErr.Detail = s
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		snippet := string(raw)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return fmt.Errorf("decode %s %s: %w (body: %s)", method, path, err, snippet)
	}
	return nil
}

func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	var out []Notification
	if err := c.do(ctx, http.MethodGet, "/notifications/", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPatch, "/notifications/"+strconv.FormatInt(id, 10)+"/read", nil, nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/notifications/read-all", nil, nil, nil)
}

// NotificationSummary is the newest notifications plus the unread count
// across all of them.
type NotificationSummary struct {
	Latest []Notification `json:"latest"`
	Unread int            `json:"unread"`
}

// Summary fetches notifications and keeps the first limit of them.
func (c *Client) Summary(ctx context.Context, limit int) (NotificationSummary, error) {
	all, err := c.Notifications(ctx)
	if err != nil {
		return NotificationSummary{}, err
	}
	return Summarize(all, limit), nil
}

func Summarize(all []Notification, limit int) NotificationSummary {
	s := NotificationSummary{Latest: all}
	if limit >= 0 && len(all) > limit {
		s.Latest = all[:limit]
	}
	for _, n := range all {
		if !n.IsRead {
			s.Unread++
		}
	}
	return s
}

func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Messages(ctx context.Context, conversationID int64) ([]Message, error) {
	var out []Message
	path := "/chat/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts content to a conversation. Blank content is not sent.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, errors.New("message content is empty")
	}
	var out Message
	path := "/chat/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	err := c.do(ctx, http.MethodPost, path, nil, map[string]string{"content": content}, &out)
	return out, err
}

// OpenRoom creates or returns the chat room with a shop.
func (c *Client) OpenRoom(ctx context.Context, shopID int64) (Room, error) {
	var out Room
	err := c.do(ctx, http.MethodPost, "/chat/rooms", nil, map[string]int64{"shop_id": shopID}, &out)
	return out, err
}

func (c *Client) CheckStatus(ctx context.Context, email string) (AccountStatus, error) {
	var out AccountStatus
	err := c.do(ctx, http.MethodGet, "/auth/check-status", url.Values{"email": {email}}, nil, &out)
	return out, err
}

func (c *Client) VerifyEmail(ctx context.Context, token string) (VerifyResult, error) {
	if token == "" {
		return VerifyResult{}, errors.New("verification token is empty")
	}
	var out VerifyResult
	err := c.do(ctx, http.MethodGet, "/auth/verify-email", url.Values{"token": {token}}, nil, &out)
	return out, err
}

func (c *Client) ResendVerification(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/auth/resend-verification", url.Values{"email": {email}}, nil, nil)
}

func (c *Client) Shops(ctx context.Context) ([]Shop, error) {
	var out []Shop
	if err := c.do(ctx, http.MethodGet, "/suppliers/shops", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FilterShops keeps shops whose name, address, owner email or owner full
// name contains query, ignoring case. An empty query keeps everything.
func FilterShops(shops []Shop, query string) []Shop {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return shops
	}
	out := make([]Shop, 0, len(shops))
	for _, s := range shops {
		for _, field := range []string{s.ShopName, s.Address, s.User.Email, s.User.FullName} {
			if field != "" && strings.Contains(strings.ToLower(field), q) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
