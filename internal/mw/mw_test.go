package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func setupCacheRouter(hits *int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := cache.New(time.Minute, time.Minute)
	r.GET("/public", Cache(store, time.Minute), func(c *gin.Context) {
		*hits++
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"hits": *hits}})
	})
	return r
}

func TestCacheServesSecondRequestFromStore(t *testing.T) {
	var hits int
	router := setupCacheRouter(&hits)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/public", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/public", nil))

	assert.Equal(t, 1, hits)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, http.StatusOK, second.Code)
}

func TestCacheBypassedForCredentialedRequests(t *testing.T) {
	var hits int
	router := setupCacheRouter(&hits)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/public", nil)
		req.Header.Set("Authorization", "Bearer whatever")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}

	assert.Equal(t, 2, hits, "credentialed requests must always reach the handler")
}

func TestRateLimiterThrottles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RateLimiter(rate.Limit(1), 2, logrus.New()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	// Burst of 2 passes, the rest are throttled within the same instant.
	assert.Equal(t, []int{http.StatusOK, http.StatusOK,
		http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)

	// A different client has its own bucket.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
}
