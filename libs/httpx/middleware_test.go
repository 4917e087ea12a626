package httpx

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestChainOrderAndRequestID(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	var seenID string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}), WithRequestID, mark("a"), mark("b"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	h.ServeHTTP(rr, req)

	if strings.Join(order, ",") != "a,b" {
		t.Fatalf("unexpected order %v", order)
	}
	if seenID != "abc" || rr.Header().Get(RequestIDHeader) != "abc" {
		t.Fatalf("request id not propagated: ctx=%q header=%q", seenID, rr.Header().Get(RequestIDHeader))
	}
}

func TestAccessLogRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := WithAccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusConflict, "conflict", "slot taken", false)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/appointments", nil))
	if !strings.Contains(buf.String(), `"status":409`) {
		t.Fatalf("expected status in access log, got %s", buf.String())
	}
	if !strings.Contains(rr.Body.String(), `"error":"conflict"`) {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request limited, got %v", codes)
	}
}

func TestRedisRateLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := NewRedisRateLimiter(rdb, 1, time.Minute, "test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := rl.Middleware(logger, true)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %d %d", first.Code, second.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := WithCORS(CORSPolicy{AllowedOrigins: []string{"https://dash.example"}, AllowedMethods: []string{"GET", "PATCH"}})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { t.Fatal("preflight must not reach handler") }))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/appointments", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", "PATCH")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://dash.example" {
		t.Fatalf("unexpected preflight response %d %v", rr.Code, rr.Header())
	}
}
