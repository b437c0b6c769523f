package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/pgcollections/pkg/apperr"
)

// TestRouterHandle tests route registration and handling
func TestRouterHandle(t *testing.T) {
	r := NewRouter()
	r.Handle("GET /test/{id}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(req.PathValue("id")))
	}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test/42", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status OK, got %v", w.Code)
	}
	if w.Body.String() != "42" {
		t.Errorf("expected path value 42, got %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/test/42", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %v", w.Code)
	}
}

func TestRouterHandleInvalidPattern(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for pattern without method")
		}
	}()
	NewRouter().Handle("/test", http.NotFoundHandler())
}

// TestRouterMiddleware tests middleware order and scope
func TestRouterMiddleware(t *testing.T) {
	r := NewRouter()
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, req)
			})
		}
	}
	r.Use(mw("first"), mw("second"))
	r.Handle("GET /test", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
	if strings.Join(order, ",") != "first,second" {
		t.Errorf("unexpected middleware order %v", order)
	}
}

// TestRouterGroup tests sub-router grouping
func TestRouterGroup(t *testing.T) {
	r := NewRouter()
	api := r.Group("/api")
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Group", "api")
			next.ServeHTTP(w, req)
		})
	})
	api.Group("/v1").Handle("GET /test", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	r.Handle("GET /root", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/test", nil))
	if w.Code != http.StatusOK || w.Header().Get("X-Group") != "api" {
		t.Errorf("expected grouped route with group middleware, got %v %q", w.Code, w.Header().Get("X-Group"))
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/root", nil))
	if w.Header().Get("X-Group") != "" {
		t.Error("group middleware leaked into the parent router")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		err        error
		status     int
		kind       string
		message    string
		retryAfter string
	}{
		{apperr.New(apperr.KindNotFound, "collection x.y not found"), 404, "NotFound", "collection x.y not found", ""},
		{fmt.Errorf("plan: %w", apperr.New(apperr.KindInvalidFilter, "bad")), 400, "InvalidFilter", "bad", ""},
		{apperr.New(apperr.KindUnsupported, "srid"), 422, "Unsupported", "srid", ""},
		{apperr.Wrap(errors.New("dial"), apperr.KindStorageUnavailable, "database unavailable"), 503, "StorageUnavailable", "database unavailable", "5"},
		{errors.New("password in dsn"), 500, "Internal", "internal server error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			w := httptest.NewRecorder()
			Error(w, tt.err)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
			var body ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			want := ErrorResponse{Code: tt.status, Error: tt.kind, Message: tt.message}
			if body != want {
				t.Errorf("expected %+v, got %+v", want, body)
			}
			if got := w.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("expected Retry-After %q, got %q", tt.retryAfter, got)
			}
		})
	}
}

func TestBindOrError(t *testing.T) {
	var dst struct {
		Column string `json:"column"`
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"column": "value"}`))
	if err := BindOrError(req, w, &dst); err != nil || dst.Column != "value" {
		t.Fatalf("unexpected bind result %v %+v", err, dst)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"column": `))
	if err := BindOrError(req, w, &dst); err == nil {
		t.Fatal("expected error for truncated body")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// TestRouterListenAndServe tests server start and shutdown
func TestRouterListenAndServe(t *testing.T) {
	r := NewRouter()
	r.Handle("GET /test", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.ListenAndServe(addr); err != http.ErrServerClosed {
			t.Logf("expected server to close, got %v", err)
		}
	}()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/test")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status OK, got %v", resp.StatusCode)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("failed to shutdown server: %v", err)
	}
	wg.Wait()
}

// BenchmarkRouterServeHTTP benchmarks serving HTTP requests
func BenchmarkRouterServeHTTP(b *testing.B) {
	r := NewRouter()
	r.Handle("GET /test", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.ServeHTTP(w, req)
	}
}
