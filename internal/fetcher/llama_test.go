package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"protocol-monitor/internal/config"
)

func newTestLlama(t *testing.T, baseURL string) *Llama {
	t.Helper()
	return NewLlama(config.DefiLlamaConfig{
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	}, zerolog.Nop())
}

func TestFetchTVLBareNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tvl/aave-v3" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte("50000000000.25"))
	}))
	defer srv.Close()

	tvl, err := newTestLlama(t, srv.URL).FetchTVL(context.Background(), "aave-v3")
	if err != nil {
		t.Fatalf("FetchTVL returned error: %v", err)
	}
	if tvl.String() != "50000000000.25" {
		t.Errorf("expected 50000000000.25, got %s", tvl)
	}
}

func TestFetchTVLObjectShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tvl": 1234.5}`))
	}))
	defer srv.Close()

	tvl, err := newTestLlama(t, srv.URL).FetchTVL(context.Background(), "compound-v3")
	if err != nil {
		t.Fatalf("FetchTVL returned error: %v", err)
	}
	if tvl.String() != "1234.5" {
		t.Errorf("expected 1234.5, got %s", tvl)
	}
}

func TestFetchTVLRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		w.Write([]byte("42"))
	}))
	defer srv.Close()

	tvl, err := newTestLlama(t, srv.URL).FetchTVL(context.Background(), "aave-v3")
	if err != nil {
		t.Fatalf("FetchTVL should succeed after retries: %v", err)
	}
	if tvl.String() != "42" {
		t.Errorf("expected 42, got %s", tvl)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchTVLExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := newTestLlama(t, srv.URL).FetchTVL(context.Background(), "aave-v3"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchTVLClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "protocol not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := newTestLlama(t, srv.URL).FetchTVL(context.Background(), "no-such-protocol"); err == nil {
		t.Fatal("expected error for 4xx response")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", got)
	}
}

func TestFetchTVLMalformedBodyNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	if _, err := newTestLlama(t, srv.URL).FetchTVL(context.Background(), "aave-v3"); err == nil {
		t.Fatal("expected error for malformed body")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("malformed body must not be retried, got %d attempts", got)
	}
}

func TestFetchTVLEmptySlug(t *testing.T) {
	if _, err := newTestLlama(t, "http://example.invalid").FetchTVL(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty slug")
	}
}

func TestParseTVLBody(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "bare number", body: "100.5", want: "100.5"},
		{name: "object", body: `{"tvl": 100.5}`, want: "100.5"},
		{name: "object without tvl", body: `{"other": 1}`, wantErr: true},
		{name: "array", body: `[1, 2]`, wantErr: true},
		{name: "garbage", body: "nope", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseTVLBody([]byte(tc.body))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
