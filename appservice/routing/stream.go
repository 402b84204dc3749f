package routing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/notify"
	"github.com/matrix-org/gomatrixserverlib/spec"
	mxutil "github.com/matrix-org/util"
)

// HeartbeatInterval keeps idle streams from being closed by proxies.
var HeartbeatInterval = 30 * time.Second

// StreamUpdates serves a server-sent event stream that emits
// "system_update" whenever the caller's system changes.
func StreamUpdates(auth Authenticator, bus notify.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		account, resErr := auth.Authenticate(req)
		if resErr != nil {
			writeJSON(w, *resErr)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSON(w, mxutil.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}})
			return
		}

		updates, cancel := bus.Subscribe(account)
		defer cancel()
		streams.Inc()
		defer streams.Dec()
		logger := mxutil.GetLogger(req.Context()).WithField("user_id", util.MaskUserID(account))
		logger.Debug("System update stream opened")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(HeartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-req.Context().Done():
				logger.Debug("System update stream closed")
				return
			case <-updates:
				_, err := fmt.Fprint(w, "event: system_update\ndata: {}\n\n")
				if err != nil {
					return
				}
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, res mxutil.JSONResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	_ = json.NewEncoder(w).Encode(res.JSON)
}
