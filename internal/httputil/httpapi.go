// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "pluralbridge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time spent serving bridge HTTP requests",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"handler", "code"},
)

var registerHTTPMetrics sync.Once

func init() {
	registerHTTPMetrics.Do(func() {
		prometheus.MustRegister(requestDuration)
	})
}

// MakeJSONAPI wraps a JSON handler with request logging and duration metrics.
func MakeJSONAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	return MakeHTTPAPI(metricsName, true, util.MakeJSONAPI(util.NewJSONRequestHandler(f)).ServeHTTP)
}

// MakeHTTPAPI adds a request-scoped logger to the context and, if enabled,
// records how long the handler took.
func MakeHTTPAPI(metricsName string, enableMetrics bool, f http.HandlerFunc) http.Handler {
	withLogger := func(w http.ResponseWriter, req *http.Request) {
		logger := logrus.WithFields(logrus.Fields{
			"method": req.Method,
			"path":   req.URL.Path,
		})
		req = req.WithContext(util.ContextWithLogger(req.Context(), logger))
		f(w, req)
	}
	if !enableMetrics {
		return http.HandlerFunc(withLogger)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		withLogger(rec, req)
		requestDuration.
			WithLabelValues(metricsName, http.StatusText(rec.code)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()

		if !ok || user != b.Username || pass != b.Password {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// MetricsHandler serves the default prometheus registry behind basic auth.
func MetricsHandler(b BasicAuth) http.HandlerFunc {
	return WrapHandlerInBasicAuth(promhttp.Handler(), b)
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the access_token query parameter used by older homeservers.
func TokenFromRequest(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return req.URL.Query().Get("access_token")
}

// RequireToken checks the request carries the expected token.
func RequireToken(req *http.Request, expected string) *util.JSONResponse {
	token := TokenFromRequest(req)
	if token == "" {
		return &util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.MissingToken("Missing access token"),
		}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return &util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Invalid access token"),
		}
	}
	return nil
}

// UnmarshalJSONRequest into the given interface pointer. Returns an error JSON response if
// there was a problem unmarshalling. Calling this function consumes the request body.
func UnmarshalJSONRequest(req *http.Request, iface interface{}) *util.JSONResponse {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		return &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return UnmarshalJSON(body, iface)
}

func UnmarshalJSON(body []byte, iface interface{}) *util.JSONResponse {
	if err := json.Unmarshal(body, iface); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	return nil
}
