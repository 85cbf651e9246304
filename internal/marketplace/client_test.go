package marketplace

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorded struct {
	method, path, query, auth, body string
}

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.calls...)
}

func backend(t *testing.T, routes map[string]func(w http.ResponseWriter, r *http.Request)) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, recorded{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization"), string(body)})
		rec.mu.Unlock()
		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Not Found"}`))
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api/", "tok", time.Second), rec
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestNotifications(t *testing.T) {
	client, calls := backend(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/notifications/": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, []map[string]any{
				{"id": 1, "type": "order_created", "title": "New order", "is_read": false},
				{"id": 2, "type": "new_message", "title": "Hi", "is_read": true},
				{"id": 3, "type": "rfq_received", "title": "RFQ", "is_read": false},
			})
		},
		"PATCH /api/notifications/3/read":   func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) },
		"PATCH /api/notifications/read-all": func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, map[string]int{"updated": 2}) },
	})
	ctx := context.Background()

	summary, err := client.Summary(ctx, 2)
	require.NoError(t, err)
	require.Len(t, summary.Latest, 2)
	require.Equal(t, 2, summary.Unread)
	require.Equal(t, "order_created", summary.Latest[0].Type)

	require.NoError(t, client.MarkNotificationRead(ctx, 3))
	require.NoError(t, client.MarkAllNotificationsRead(ctx))
	seen := calls.all()
	require.Equal(t, "Bearer tok", seen[0].auth)
	require.Len(t, seen, 3)
}

func TestChat(t *testing.T) {
	client, calls := backend(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/chat/conversations": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, []map[string]any{{"id": 9, "other_user": map[string]any{"id": 4, "email": "shop@example.com"}}})
		},
		"GET /api/chat/conversations/9/messages": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, []map[string]any{{"id": 1, "content": "hello", "sender_id": 4}})
		},
		"POST /api/chat/conversations/9/messages": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]any{"id": 2, "content": "price?", "sender_id": 1})
		},
		"POST /api/chat/rooms": func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, map[string]any{"id": 9}) },
	})
	ctx := context.Background()

	convs, err := client.Conversations(ctx)
	require.NoError(t, err)
	require.Equal(t, "shop@example.com", convs[0].OtherUser.Email)

	msgs, err := client.Messages(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, "hello", msgs[0].Content)

	_, err = client.SendMessage(ctx, 9, "   ")
	require.Error(t, err)
	sent, err := client.SendMessage(ctx, 9, "price?")
	require.NoError(t, err)
	require.Equal(t, int64(2), sent.ID)

	room, err := client.OpenRoom(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, int64(9), room.ID)

	seen := calls.all()
	require.JSONEq(t, `{"shop_id":4}`, seen[len(seen)-1].body)
	require.Len(t, seen, 4, "blank message must not reach the backend")
}

func TestAuthStatus(t *testing.T) {
	client, calls := backend(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/auth/check-status": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]bool{"email_verified": true, "is_approved": false})
		},
		"GET /api/auth/verify-email": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]string{"status": "already_verified", "email": "a+b@example.com"})
		},
		"POST /api/auth/resend-verification": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"detail":"Please wait before requesting another email"}`))
		},
	})
	ctx := context.Background()

	st, err := client.CheckStatus(ctx, "a+b@example.com")
	require.NoError(t, err)
	require.True(t, st.EmailVerified)
	require.False(t, st.IsApproved)
	require.Equal(t, "email=a%2Bb%40example.com", calls.all()[0].query)

	res, err := client.VerifyEmail(ctx, "t0k")
	require.NoError(t, err)
	require.True(t, res.AlreadyVerified())

	err = client.ResendVerification(ctx, "a+b@example.com")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	require.Equal(t, "Please wait before requesting another email", apiErr.Detail)
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	client, _ := backend(t, nil)
	_, err := client.Messages(context.Background(), 404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilterShops(t *testing.T) {
	mk := func(name, addr, email, full string) Shop {
		var s Shop
		s.ShopName, s.Address = name, addr
		s.User.Email, s.User.FullName = email, full
		return s
	}
	shops := []Shop{
		mk("Green Grocer", "12 Market St", "green@example.com", ""),
		mk("Bolt Hardware", "", "ops@bolt.io", "Amina Odhiambo"),
		mk("", "Harbour Road", "harbour@example.com", "Li Wei"),
	}

	require.Len(t, FilterShops(shops, ""), 3)
	require.Len(t, FilterShops(shops, "  MARKET "), 1)
	require.Equal(t, "Bolt Hardware", FilterShops(shops, "odhiambo")[0].ShopName)
	require.Len(t, FilterShops(shops, "example.com"), 2)
	require.Empty(t, FilterShops(shops, "nowhere"))
}
