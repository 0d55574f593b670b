package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inlet-sync/inlet/internal/schema"
	"github.com/inlet-sync/inlet/internal/strategy"
	"github.com/inlet-sync/inlet/internal/syncerrs"
)

func contactEntity() *schema.EntitySpec {
	return &schema.EntitySpec{
		Name:       "contacts",
		Table:      "contacts",
		KeyColumns: []string{"id"},
		Fields: []schema.FieldSpec{
			{Name: "id", Type: schema.TypeInt},
		},
	}
}

func pageHandler(pages [][]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		if page < 1 || page > len(pages) {
			json.NewEncoder(w).Encode(pageResponse{})
			return
		}
		json.NewEncoder(w).Encode(pageResponse{
			Records: pages[page-1],
			HasMore: page < len(pages),
		})
	}
}

func TestHTTPPagination(t *testing.T) {
	var gotPaths []string
	pages := [][]map[string]any{
		{{"id": 1}, {"id": 2}},
		{{"id": 3}},
	}
	handler := pageHandler(pages)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		handler(w, r)
	}))
	defer srv.Close()

	a, err := New("httpapi", map[string]string{"base_url": srv.URL}, "crm")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	stream, err := a.Open(context.Background(), contactEntity(), strategy.Plan{Mode: strategy.ModeFull})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	records := drain(t, stream)
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3 across two pages", len(records))
	}
	for _, p := range gotPaths {
		if p != "/contacts" {
			t.Fatalf("request path = %q, want /contacts", p)
		}
	}
}

func TestHTTPDeltaSendsWatermark(t *testing.T) {
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("updated_since")
		json.NewEncoder(w).Encode(pageResponse{})
	}))
	defer srv.Close()

	a, err := New("httpapi", map[string]string{"base_url": srv.URL}, "crm")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	mark := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	stream, err := a.Open(context.Background(), contactEntity(), strategy.Plan{Mode: strategy.ModeDelta, Watermark: &mark})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	drain(t, stream)

	if gotSince != "2026-02-10T08:30:00Z" {
		t.Fatalf("updated_since = %q, want the watermark", gotSince)
	}
}

func TestHTTPBearerToken(t *testing.T) {
	t.Setenv("CRM_TOKEN", "sekret")

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(pageResponse{})
	}))
	defer srv.Close()

	a, err := New("httpapi", map[string]string{"base_url": srv.URL, "token_env": "CRM_TOKEN"}, "crm")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	stream, err := a.Open(context.Background(), contactEntity(), strategy.Plan{Mode: strategy.ModeFull})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	drain(t, stream)

	if gotAuth != "Bearer sekret" {
		t.Fatalf("authorization header = %q, want bearer token", gotAuth)
	}
}

func TestHTTPEmptyTokenEnvIsFatal(t *testing.T) {
	t.Setenv("CRM_TOKEN", "")
	_, err := New("httpapi", map[string]string{"base_url": "http://x", "token_env": "CRM_TOKEN"}, "crm")
	var ae *syncerrs.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("New() error = %v, want AuthError", err)
	}
}

func TestHTTPRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(pageResponse{Records: []map[string]any{{"id": 1}}})
	}))
	defer srv.Close()

	a, err := New("httpapi", map[string]string{"base_url": srv.URL, "max_tries": "3"}, "crm")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	stream, err := a.Open(context.Background(), contactEntity(), strategy.Plan{Mode: strategy.ModeFull})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	records := drain(t, stream)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 after retry", len(records))
	}
	if calls.Load() != 2 {
		t.Fatalf("requests = %d, want 2 (failure then success)", calls.Load())
	}
}

func TestHTTPAuthFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	a, err := New("httpapi", map[string]string{"base_url": srv.URL, "max_tries": "5"}, "crm")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	stream, err := a.Open(context.Background(), contactEntity(), strategy.Plan{Mode: strategy.ModeFull})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer stream.Close()

	_, err = stream.Next(context.Background())
	var ae *syncerrs.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("Next() error = %v, want AuthError", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("requests = %d, want 1: auth failures are permanent", calls.Load())
	}
}

func TestHTTPTransportErrorAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, err := New("httpapi", map[string]string{"base_url": srv.URL, "max_tries": "2"}, "crm")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	stream, err := a.Open(context.Background(), contactEntity(), strategy.Plan{Mode: strategy.ModeFull})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer stream.Close()

	_, err = stream.Next(context.Background())
	if !syncerrs.IsRetryable(err) {
		t.Fatalf("Next() error = %v, want a transport error", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("requests = %d, want max_tries", calls.Load())
	}
}

func TestHTTPInvalidSettings(t *testing.T) {
	if _, err := New("httpapi", map[string]string{}, "crm"); err == nil {
		t.Error("missing base_url should fail")
	}
	if _, err := New("httpapi", map[string]string{"base_url": "http://x", "page_size": "zero"}, "crm"); err == nil {
		t.Error("invalid page_size should fail")
	}
	if _, err := New("httpapi", map[string]string{"base_url": "http://x", "max_tries": "-1"}, "crm"); err == nil {
		t.Error("invalid max_tries should fail")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
