package routing

import (
	"net/http"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/notify"
	"github.com/gorilla/websocket"
	mxutil "github.com/matrix-org/util"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type streamMessage struct {
	Type string `json:"type"`
}

// StreamUpdatesWebSocket is StreamUpdates for clients that prefer a
// websocket. Browsers cannot set headers on the upgrade request, so the
// access token may be passed as the access_token query parameter.
func StreamUpdatesWebSocket(auth Authenticator, bus notify.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		account, resErr := auth.Authenticate(req)
		if resErr != nil {
			writeJSON(w, *resErr)
			return
		}
		logger := mxutil.GetLogger(req.Context()).WithField("user_id", util.MaskUserID(account))
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			logger.WithError(err).Debug("Websocket upgrade failed")
			return
		}
		defer conn.Close() // nolint: errcheck

		updates, cancel := bus.Subscribe(account)
		defer cancel()
		streams.Inc()
		defer streams.Dec()
		logger.Debug("System update websocket opened")

		// Nothing the client sends is acted on, but reading is what
		// processes pongs and close frames.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						logger.WithError(err).Debug("Websocket read failed")
					}
					return
				}
			}
		}()

		heartbeat := time.NewTicker(HeartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-closed:
				logger.Debug("System update websocket closed")
				return
			case <-updates:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(streamMessage{Type: "system_update"}); err != nil {
					return
				}
			case <-heartbeat.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}
