// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing serves the bridge's HTTP surface: the appservice API the
// homeserver calls and the dashboard API.
package routing

import (
	"io"
	"net/http"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/caching"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/httputil"
	iutil "github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/notify"
	"github.com/chiaracoetzee/pluralmatrix-sub000/queue"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"maunium.net/go/mautrix/id"
)

const (
	PathPrefixAppServiceV1 = "/_matrix/app/v1"
	PathPrefixDashboard    = "/api"
)

// Setup registers the appservice API on router, under both the v1 prefix
// and the unprefixed legacy paths older homeservers use.
func Setup(router *mux.Router, cfg *config.Global, txns *caching.TransactionCache, worker *TransactionWorker) {
	for _, prefix := range []string{PathPrefixAppServiceV1, ""} {
		r := router
		if prefix != "" {
			r = router.PathPrefix(prefix).Subrouter()
		}
		r.Handle("/transactions/{txnId}",
			httputil.MakeJSONAPI("appservice_transaction", func(req *http.Request) util.JSONResponse {
				if resErr := httputil.RequireToken(req, cfg.HSToken); resErr != nil {
					return *resErr
				}
				return PutTransaction(req, mux.Vars(req)["txnId"], txns, worker)
			}),
		).Methods(http.MethodPut)
		r.Handle("/users/{userId}",
			httputil.MakeJSONAPI("appservice_user", func(req *http.Request) util.JSONResponse {
				if resErr := httputil.RequireToken(req, cfg.HSToken); resErr != nil {
					return *resErr
				}
				return QueryUser(cfg, id.UserID(mux.Vars(req)["userId"]))
			}),
		).Methods(http.MethodGet)
		r.Handle("/rooms/{roomAlias}",
			httputil.MakeJSONAPI("appservice_room", func(req *http.Request) util.JSONResponse {
				if resErr := httputil.RequireToken(req, cfg.HSToken); resErr != nil {
					return *resErr
				}
				return util.JSONResponse{
					Code: http.StatusNotFound,
					JSON: spec.NotFound("The bridge does not provide room aliases"),
				}
			}),
		).Methods(http.MethodGet)
	}

	router.Handle("/health", httputil.MakeHTTPAPI("health", false, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"OK"}`)
	})).Methods(http.MethodGet)
}

// PutTransaction accepts a transaction and queues it for processing. The
// homeserver gets its answer before processing starts; a transaction ID
// that was already accepted is acknowledged without being queued again,
// and one that is still being accepted by another request is answered
// with 503 so that the homeserver retries it.
func PutTransaction(req *http.Request, txnID string, txns *caching.TransactionCache, worker *TransactionWorker) util.JSONResponse {
	logger := util.GetLogger(req.Context()).WithField("txn_id", txnID)
	switch txns.Reserve(txnID) {
	case caching.AlreadyStored:
		transactions.WithLabelValues("duplicate").Inc()
		logger.Debug("Ignoring repeated transaction")
		return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	case caching.InFlight:
		transactions.WithLabelValues("in_flight").Inc()
		logger.Debug("Transaction is already being accepted")
		return util.JSONResponse{Code: http.StatusServiceUnavailable, JSON: spec.Unknown("Transaction is already in progress")}
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		txns.Release(txnID)
		logger.WithError(err).Error("Failed to read transaction")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	txn, err := crypto.ParseTransaction(body)
	if err != nil {
		txns.Release(txnID)
		transactions.WithLabelValues("rejected").Inc()
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON(err.Error())}
	}
	if err = worker.Submit(req.Context(), txn); err != nil {
		// Not stored as seen, so the homeserver's retry is processed.
		txns.Release(txnID)
		logger.WithError(err).Warn("Transaction abandoned before it was queued")
		return util.JSONResponse{Code: http.StatusServiceUnavailable, JSON: spec.Unknown("Bridge is busy")}
	}
	txns.Store(txnID)
	transactions.WithLabelValues("accepted").Inc()
	logger.WithField("events", len(txn.Events)).Debug("Accepted transaction")
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// QueryUser claims every user in the ghost namespace so that the
// homeserver lets the bridge act as ghosts it has not registered yet.
func QueryUser(cfg *config.Global, userID id.UserID) util.JSONResponse {
	if cfg.IsBridgeUser(userID) {
		return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	}
	return util.JSONResponse{
		Code: http.StatusNotFound,
		JSON: spec.NotFound("User is not in the bridge's namespace"),
	}
}

// SetupDashboard registers the account-facing API under /api. Every route
// needs an authenticated account and is rate limited per account.
func SetupDashboard(router *mux.Router, vault *queue.Vault, auth Authenticator, rateLimits *httputil.RateLimits, bus notify.Bus) {
	r := router.PathPrefix(PathPrefixDashboard).Subrouter()
	r.Handle("/dead_letters",
		MakeAuthAPI("dead_letters", auth, rateLimits, func(req *http.Request, account id.UserID) util.JSONResponse {
			return ListDeadLetters(vault, account)
		}),
	).Methods(http.MethodGet)
	r.Handle("/dead_letters/{id}",
		MakeAuthAPI("dead_letter_delete", auth, rateLimits, func(req *http.Request, account id.UserID) util.JSONResponse {
			return DeleteDeadLetter(vault, account, mux.Vars(req)["id"])
		}),
	).Methods(http.MethodDelete)
	r.Handle("/events",
		httputil.MakeHTTPAPI("system_updates", false, StreamUpdates(auth, bus)),
	).Methods(http.MethodGet)
	r.Handle("/events/ws",
		httputil.MakeHTTPAPI("system_updates_ws", false, StreamUpdatesWebSocket(auth, bus)),
	).Methods(http.MethodGet)
}

// MakeAuthAPI authenticates and rate limits the request before calling f.
func MakeAuthAPI(
	metricsName string, auth Authenticator, rateLimits *httputil.RateLimits,
	f func(*http.Request, id.UserID) util.JSONResponse,
) http.Handler {
	return httputil.MakeJSONAPI(metricsName, func(req *http.Request) util.JSONResponse {
		account, resErr := auth.Authenticate(req)
		if resErr != nil {
			return *resErr
		}
		if resErr = rateLimits.Limit(req, metricsName, string(account)); resErr != nil {
			return *resErr
		}
		return f(req, account)
	})
}

type deadLettersResponse struct {
	DeadLetters []queue.DeadLetter `json:"dead_letters"`
}

// ListDeadLetters returns the messages the account sent that could not be
// delivered, oldest first.
func ListDeadLetters(vault *queue.Vault, account id.UserID) util.JSONResponse {
	letters := vault.List(func(dl *queue.DeadLetter) bool { return iutil.NormalizeUserID(dl.SenderID) == account })
	if letters == nil {
		letters = []queue.DeadLetter{}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: deadLettersResponse{DeadLetters: letters}}
}

// DeleteDeadLetter discards one of the account's dead letters. Letters of
// other accounts are reported as missing.
func DeleteDeadLetter(vault *queue.Vault, account id.UserID, letterID string) util.JSONResponse {
	dl, ok := vault.Get(letterID)
	if !ok || iutil.NormalizeUserID(dl.SenderID) != account || !vault.Delete(letterID) {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound("Unknown dead letter")}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}
