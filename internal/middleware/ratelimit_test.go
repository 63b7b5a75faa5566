package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRateLimiter(t *testing.T, maxReqs, windowSec int) (http.Handler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl := NewRateLimiter(client, "auth", maxReqs, windowSec)
	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})), mr
}

func hit(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	h, _ := setupRateLimiter(t, 5, 60)

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, hit(h, "192.168.1.1:12345").Code, "request %d", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	h, _ := setupRateLimiter(t, 3, 60)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, hit(h, "10.0.0.1:12345").Code)
	}

	rec := hit(h, "10.0.0.1:12345")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"too many requests","code":"rate_limited"}`, rec.Body.String())
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	h, _ := setupRateLimiter(t, 2, 60)

	hit(h, "1.1.1.1:1")
	hit(h, "1.1.1.1:1")

	assert.Equal(t, http.StatusOK, hit(h, "2.2.2.2:1").Code)
}

func TestRateLimiter_ScopesAreIndependent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	auth := NewRateLimiter(client, "auth", 1, 60).Middleware(ok)
	other := NewRateLimiter(client, "other", 1, 60).Middleware(ok)

	assert.Equal(t, http.StatusOK, hit(auth, "4.4.4.4:1").Code)
	assert.Equal(t, http.StatusOK, hit(other, "4.4.4.4:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(auth, "4.4.4.4:1").Code)
}

func TestRateLimiter_FailsOpenOnRedisError(t *testing.T) {
	h, mr := setupRateLimiter(t, 1, 60)
	mr.Close()

	assert.Equal(t, http.StatusOK, hit(h, "3.3.3.3:1").Code)
}
