package homeserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		HomeserverURL: server.URL,
		ASToken:       "as_secret",
		ServerName:    "example.org",
		BotLocalpart:  "plural_bot",
	})
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestIntentAssertsIdentity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer as_secret", r.Header.Get("Authorization"))
		assert.Equal(t, "@_plural_sys_lily:example.org", r.URL.Query().Get("user_id"))
		assert.Equal(t, http.MethodPut, r.Method)
		assert.True(t, strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/rooms/!room:example.org/send/m.room.message/"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["body"])
		_, _ = w.Write([]byte(`{"event_id":"$sent"}`))
	})

	eventID, err := client.Intent("@_plural_sys_lily:example.org").SendMessageEvent(
		context.Background(), "!room:example.org", "m.room.message",
		map[string]string{"msgtype": "m.text", "body": "hello"},
	)
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$sent"), eventID)
}

func TestMatrixErrorParsing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errcode":"M_LIMIT_EXCEEDED","error":"slow down","retry_after_ms":1500}`))
	})

	_, err := client.Bot().RedactEvent(context.Background(), "!room:example.org", "$ev", "ZeroFlash")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.False(t, IsForbidden(err))
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))

	var matrixErr *MatrixError
	require.ErrorAs(t, err, &matrixErr)
	assert.Equal(t, int64(1500), matrixErr.RetryAfterMS)
}

func TestNonJSONErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})
	err := client.Bot().JoinRoom(context.Background(), "!room:example.org")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestEnsureRegisteredToleratesUserInUse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/v3/register", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "_plural_sys_lily", body["username"])
		assert.Equal(t, "m.login.application_service", body["type"])
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errcode":"M_USER_IN_USE","error":"taken"}`))
	})
	assert.NoError(t, client.Intent("@_plural_sys_lily:example.org").EnsureRegistered(context.Background()))
}

func TestMessagesNewestFirst(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "b", r.URL.Query().Get("dir"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"chunk":[
			{"type":"m.room.message","event_id":"$2","sender":"@a:example.org","content":{"body":"two"}},
			{"type":"m.room.message","event_id":"$1","sender":"@a:example.org","content":{"body":"one"},
			 "unsigned":{"redacted_because":{"sender":"@plural_bot:example.org"}}}
		]}`))
	})
	events, err := client.Bot().Messages(context.Background(), "!room:example.org", 50)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "two", events[0].Body())
	assert.Equal(t, id.RoomID("!room:example.org"), events[0].RoomID)
	assert.False(t, events[0].IsRedacted())
	assert.True(t, events[1].IsRedacted())
	assert.Equal(t, id.UserID("@plural_bot:example.org"), events[1].RedactedBy())
}

func TestEncryptionAlgorithm(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "plain") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"no state"}`))
			return
		}
		_, _ = w.Write([]byte(`{"algorithm":"m.megolm.v1.aes-sha2"}`))
	})
	alg, err := EncryptionAlgorithm(context.Background(), client.Bot(), "!encrypted:example.org")
	require.NoError(t, err)
	assert.Equal(t, id.AlgorithmMegolmV1, alg)

	alg, err = EncryptionAlgorithm(context.Background(), client.Bot(), "!plain:example.org")
	require.NoError(t, err)
	assert.Equal(t, id.Algorithm(""), alg)
}

func TestCryptoRequestCarriesDeviceID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/v3/keys/upload", r.URL.Path)
		assert.Equal(t, "PLURAL_CTX_V4", r.URL.Query().Get("org.matrix.msc3202.device_id"))
		_, _ = w.Write([]byte(`{"one_time_key_counts":{"signed_curve25519":50}}`))
	})
	body, err := client.Intent("@_plural_sys_lily:example.org").CryptoRequest(
		context.Background(), http.MethodPost, "/_matrix/client/v3/keys/upload", []byte(`{}`), "PLURAL_CTX_V4",
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"one_time_key_counts":{"signed_curve25519":50}}`, string(body))
}

func TestEventHelpers(t *testing.T) {
	ev := &Event{
		Type: "m.room.message",
		Content: json.RawMessage(`{"body":"* new","m.new_content":{"body":"new"},
			"m.relates_to":{"rel_type":"m.replace","event_id":"$root"}}`),
	}
	assert.Equal(t, "new", ev.NewContentBody())
	assert.Equal(t, id.EventID("$root"), ev.RelatesTo())
	assert.Equal(t, "m.replace", string(ev.RelType()))
	assert.True(t, ev.IsMessage())
	assert.NotNil(t, ev.Relation())

	reaction := &Event{Type: "m.reaction", Content: json.RawMessage(`{"m.relates_to":{"rel_type":"m.annotation","event_id":"$t","key":"❌"}}`)}
	assert.Equal(t, "❌", reaction.AnnotationKey())
}

func TestWhoAmIUsesUserToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user_secret", r.Header.Get("Authorization"))
		assert.Empty(t, r.URL.Query().Get("user_id"))
		assert.Equal(t, "/_matrix/client/v3/account/whoami", r.URL.Path)
		_, _ = w.Write([]byte(`{"user_id":"@alice:example.org"}`))
	})
	userID, err := client.WhoAmI(context.Background(), "user_secret")
	require.NoError(t, err)
	assert.Equal(t, id.UserID("@alice:example.org"), userID)
}
