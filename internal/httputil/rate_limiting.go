package httputil

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "http",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"handler"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "http",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"handler"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits throttles callers of the dashboard-facing API with a token
// bucket per account (or per client IP when unauthenticated).
type RateLimits struct {
	limits        map[string]*limiterEntry
	mutex         sync.Mutex
	enabled       bool
	threshold     int64
	cooloff       time.Duration
	exemptUserIDs map[string]struct{}
	exemptIPs     []net.IP
	exemptCIDRs   []*net.IPNet
	cleanupDone   chan struct{}
	stopOnce      sync.Once
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:        make(map[string]*limiterEntry),
		enabled:       cfg.Enabled,
		threshold:     cfg.Threshold,
		cooloff:       time.Duration(cfg.CooloffMS) * time.Millisecond,
		exemptUserIDs: map[string]struct{}{},
		cleanupDone:   make(chan struct{}),
	}
	for _, userID := range cfg.ExemptUserIDs {
		l.exemptUserIDs[userID] = struct{}{}
	}
	for _, ip := range cfg.ExemptIPAddresses {
		if parsedIP := net.ParseIP(ip); parsedIP != nil {
			l.exemptIPs = append(l.exemptIPs, parsedIP)
			continue
		}
		if _, network, err := net.ParseCIDR(ip); err == nil {
			l.exemptCIDRs = append(l.exemptCIDRs, network)
		}
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

// clean removes limiters that have not been used for a minute.
func (l *RateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			l.sweep(time.Now().Add(-time.Minute))
		}
	}
}

func (l *RateLimits) sweep(cutoff time.Time) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for key, entry := range l.limits {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limits, key)
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call multiple times.
func (l *RateLimits) Stop() {
	l.stopOnce.Do(func() { close(l.cleanupDone) })
}

// Limit returns a 429 response if the caller has exhausted its bucket.
// caller is the authenticated account, or empty to key on the client IP.
func (l *RateLimits) Limit(req *http.Request, handler, caller string) *util.JSONResponse {
	if !l.enabled {
		rateLimitAllowed.WithLabelValues(handler).Inc()
		return nil
	}
	if _, ok := l.exemptUserIDs[caller]; ok && caller != "" {
		rateLimitAllowed.WithLabelValues(handler).Inc()
		return nil
	}
	ip, _ := requestIP(req)
	if l.isExemptIP(ip) {
		rateLimitAllowed.WithLabelValues(handler).Inc()
		return nil
	}
	key := caller
	if key == "" {
		if ip != nil {
			key = ip.String()
		} else {
			key = req.RemoteAddr
		}
	}
	if l.limiter(key).Allow() {
		rateLimitAllowed.WithLabelValues(handler).Inc()
		return nil
	}
	rateLimitRejections.WithLabelValues(handler).Inc()
	return &util.JSONResponse{
		Code: http.StatusTooManyRequests,
		JSON: spec.LimitExceeded("You are sending too many requests too quickly!", l.cooloff.Milliseconds()),
	}
}

// limiter returns the bucket for key. The refill rate is threshold tokens
// per cooloff period, with a burst of threshold.
func (l *RateLimits) limiter(key string) *rate.Limiter {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if entry, ok := l.limits[key]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}
	perSecond := rate.Limit(float64(l.threshold) * float64(time.Second) / float64(l.cooloff))
	limiter := rate.NewLimiter(perSecond, int(l.threshold))
	l.limits[key] = &limiterEntry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// requestIP extracts the client IP. X-Forwarded-For is only trusted when the
// direct peer is loopback, i.e. a reverse proxy on the same host.
func requestIP(req *http.Request) (net.IP, bool) {
	if req == nil {
		return nil, false
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remoteIP := net.ParseIP(strings.TrimSpace(host))
	if remoteIP == nil {
		return nil, false
	}
	forwardedFor := req.Header.Get("X-Forwarded-For")
	if forwardedFor == "" {
		return remoteIP, false
	}
	if !remoteIP.IsLoopback() {
		logrus.WithFields(logrus.Fields{
			"remote_addr":     remoteIP.String(),
			"x_forwarded_for": forwardedFor,
		}).Debug("Ignoring X-Forwarded-For from non-loopback connection")
		return remoteIP, false
	}
	for _, part := range strings.Split(forwardedFor, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil && !ip.IsLoopback() {
			return ip, true
		}
	}
	return remoteIP, false
}

func (l *RateLimits) isExemptIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, exemptIP := range l.exemptIPs {
		if exemptIP.Equal(ip) {
			return true
		}
	}
	for _, network := range l.exemptCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
