package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"hello":"world"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign("secret", ts, http.MethodPost, "/api/v1/orders", []byte(body))

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, ts)
	rec := httptest.NewRecorder()

	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("handler was not called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	body := `{"foo":"bar"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(HeaderSignature, "deadbeef")
	req.Header.Set(HeaderTimestamp, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_SignatureIsBoundToPath(t *testing.T) {
	body := `{"reason":"late"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign("secret", ts, http.MethodPost, "/api/v1/orders/1/cancel", []byte(body))

	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/1/dispute", strings.NewReader(body))
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10)

	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{}"))
	req.Header.Set(HeaderSignature, Sign("secret", ts, http.MethodPost, "/x", []byte("{}")))
	req.Header.Set(HeaderTimestamp, ts)

	if err := v.verify(req); err != ErrStaleTimestamp {
		t.Fatalf("expected stale timestamp, got %v", err)
	}
}

func TestMiddleware_HandlerSeesBody(t *testing.T) {
	body := `{"proof":"ipfs://x"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:          "secret",
		MaxSkew:         time.Minute,
		Now:             func() time.Time { return now },
		SignatureHeader: "X-Gateway-Signature",
	}
	req := httptest.NewRequest(http.MethodPost, "/m", strings.NewReader(body))
	req.Header.Set("X-Gateway-Signature", Sign("secret", ts, http.MethodPost, "/m", []byte(body)))
	req.Header.Set(HeaderTimestamp, ts)
	rec := httptest.NewRecorder()

	var seen string
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
	})).ServeHTTP(rec, req)

	if seen != body {
		t.Fatalf("handler saw %q", seen)
	}
}
