package rpcbridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"mediaflow/internal/rpcbridge"
	"mediaflow/internal/services"
)

func newClient(url string) *rpcbridge.Client {
	return rpcbridge.NewClient(rpcbridge.Config{
		BaseURL:    url,
		APIKey:     "secret",
		Timeout:    200 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
}

func TestInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/scenes.detect" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Method != "scenes.detect" {
			t.Errorf("unexpected method %q", req.Method)
		}
		_, _ = w.Write([]byte(`{"id":"1","result":{"count":2}}`))
	}))
	defer srv.Close()

	resp, err := newClient(srv.URL).Invoke(context.Background(), rpcbridge.Request{
		Method:  "scenes.detect",
		Payload: map[string]string{"path": "/data/a1.mp4"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Count != 2 {
		t.Fatalf("unexpected result %+v", out)
	}
}

func TestInvokeRetriesOnceOnUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result":{}}`))
	}))
	defer srv.Close()

	if _, err := newClient(srv.URL).Invoke(context.Background(), rpcbridge.Request{Method: "flashes.detect"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestInvokeGivesUpAfterOneRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Invoke(context.Background(), rpcbridge.Request{Method: "flashes.detect"})
	if !errors.Is(err, services.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if services.Classify(err) != services.FailureTransient {
		t.Fatalf("expected transient classification, got %s", services.Classify(err))
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", calls.Load())
	}
}

func TestInvokeClassifiesInvalidRequest(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"bad request", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) }},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("not json")) }},
		{"error payload", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":{"code":"bad_input","message":"unsupported codec"}}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tc.handler(w, r)
			}))
			defer srv.Close()

			_, err := newClient(srv.URL).Invoke(context.Background(), rpcbridge.Request{Method: "phrases.extract"})
			if !errors.Is(err, services.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if services.Classify(err) != services.FailurePermanent {
				t.Fatalf("expected permanent classification, got %s", services.Classify(err))
			}
			if calls.Load() != 1 {
				t.Fatalf("invalid requests must not be retried, got %d calls", calls.Load())
			}
		})
	}
}

func TestInvokeHardTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := newClient(srv.URL).Invoke(context.Background(), rpcbridge.Request{Method: "glossary.define"})
	if !errors.Is(err, services.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestInvokeRequiresBaseURL(t *testing.T) {
	_, err := rpcbridge.NewClient(rpcbridge.Config{}).Invoke(context.Background(), rpcbridge.Request{Method: "x"})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	if err := newClient(srv.URL).HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
