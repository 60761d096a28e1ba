package trigger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInvokePostsJSONBody(t *testing.T) {
	var gotPath, gotContentType, gotIdem string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotIdem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"orderId":"o-1"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := c.Invoke(context.Background(), "post", "/orders",
		map[string]any{"amount": 42}, map[string]string{"Idempotency-Key": "k-1"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotPath != "/orders" || gotContentType != "application/json" || gotIdem != "k-1" {
		t.Fatalf("request not relayed faithfully: path=%q content-type=%q idem=%q", gotPath, gotContentType, gotIdem)
	}
	if gotBody["amount"] != float64(42) {
		t.Fatalf("body = %v", gotBody)
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Body, &out); err != nil || out["orderId"] != "o-1" {
		t.Fatalf("response body = %q (%v)", resp.Body, err)
	}
}

func TestInvokeReturnsNon2xxAsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := c.Invoke(context.Background(), "GET", "/orders/missing", nil, nil)
	if err != nil {
		t.Fatalf("5xx must not be a transport error: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestInvokeDoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Invoke(context.Background(), "POST", "/orders", nil, nil); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if calls != 1 {
		t.Fatalf("relay retried on its own: %d calls", calls)
	}
}

func TestInvokeTimeoutSurfacesAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, WithTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Invoke(context.Background(), "GET", "/slow", nil, nil); err == nil {
		t.Fatalf("expected transport timeout error")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New("  ", nil); err == nil {
		t.Fatalf("expected error for blank base url")
	}
}
