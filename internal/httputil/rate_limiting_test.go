package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitsTokenBucketEnforcesThreshold(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{Enabled: true, Threshold: 2, CooloffMS: 50}
	limits := NewRateLimits(cfg)
	defer limits.Stop()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/api/dead_letters", nil)
	req.RemoteAddr = "198.51.100.1:1234"

	require.Nil(t, limits.Limit(req, "dead_letters", ""))
	require.Nil(t, limits.Limit(req, "dead_letters", ""))

	resp := limits.Limit(req, "dead_letters", "")
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	time.Sleep(2 * time.Duration(cfg.CooloffMS) * time.Millisecond)

	require.Nil(t, limits.Limit(req, "dead_letters", ""))

	require.Equal(t, float64(3), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("dead_letters")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("dead_letters")))
}

func TestRateLimitsKeyedByCaller(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 1, CooloffMS: 60000})
	defer limits.Stop()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/api/dead_letters", nil)
	req.RemoteAddr = "203.0.113.5:4567"

	require.Nil(t, limits.Limit(req, "dead_letters", "@alice:example.org"))
	require.NotNil(t, limits.Limit(req, "dead_letters", "@alice:example.org"))
	// a different account behind the same IP has its own bucket
	require.Nil(t, limits.Limit(req, "dead_letters", "@bob:example.org"))
}

func TestRateLimitsExemptions(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{
		Enabled:           true,
		Threshold:         1,
		CooloffMS:         60000,
		ExemptUserIDs:     []string{"@admin:example.org"},
		ExemptIPAddresses: []string{"192.0.2.0/24"},
	})
	defer limits.Stop()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/api/dead_letters", nil)
	req.RemoteAddr = "192.0.2.10:1000"
	for i := 0; i < 5; i++ {
		assert.Nil(t, limits.Limit(req, "dead_letters", ""))
	}

	other := httptest.NewRequest(http.MethodGet, "https://example.com/api/dead_letters", nil)
	other.RemoteAddr = "198.51.100.7:1000"
	for i := 0; i < 5; i++ {
		assert.Nil(t, limits.Limit(other, "dead_letters", "@admin:example.org"))
	}
}

func TestRequestIPXForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 127.0.0.1")
	ip, trusted := requestIP(req)
	assert.True(t, trusted)
	assert.Equal(t, "203.0.113.9", ip.String())

	req.RemoteAddr = "198.51.100.2:5000"
	ip, trusted = requestIP(req)
	assert.False(t, trusted)
	assert.Equal(t, "198.51.100.2", ip.String())
}

func TestRateLimitsSweep(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 1, CooloffMS: 1000})
	defer limits.Stop()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Nil(t, limits.Limit(req, "dead_letters", "@alice:example.org"))
	limits.sweep(time.Now().Add(time.Minute))

	limits.mutex.Lock()
	defer limits.mutex.Unlock()
	assert.Empty(t, limits.limits)
}
