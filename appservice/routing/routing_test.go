package routing

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/caching"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/httputil"
	"github.com/chiaracoetzee/pluralmatrix-sub000/notify"
	"github.com/chiaracoetzee/pluralmatrix-sub000/queue"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/process"
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

const (
	hsToken = "hs_secret"
	alice   = id.UserID("@alice:example.com")
	bob     = id.UserID("@bob:example.com")
)

type recordingProcessor struct {
	mu   sync.Mutex
	txns []*crypto.Transaction
}

func (p *recordingProcessor) Process(ctx context.Context, txn *crypto.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txns = append(p.txns, txn)
}

func (p *recordingProcessor) processed() []*crypto.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*crypto.Transaction(nil), p.txns...)
}

// gatedProcessor holds every transaction until release is closed.
type gatedProcessor struct {
	recordingProcessor
	release chan struct{}
}

func (p *gatedProcessor) Process(ctx context.Context, txn *crypto.Transaction) {
	<-p.release
	p.recordingProcessor.Process(ctx, txn)
}

func newAppServiceRouter(t *testing.T) (*mux.Router, *recordingProcessor, *TransactionWorker) {
	t.Helper()
	processor := &recordingProcessor{}
	router, worker := newAppServiceRouterWith(t, processor, 4)
	return router, processor, worker
}

func newAppServiceRouterWith(t *testing.T, processor TransactionProcessor, buffer int) (*mux.Router, *TransactionWorker) {
	t.Helper()
	cfg := &config.Global{ServerName: "example.com", HSToken: hsToken, SenderLocalpart: "plural_bot", GhostPrefix: "_plural_"}
	txns, err := caching.NewTransactionCache(time.Hour)
	require.NoError(t, err)
	t.Cleanup(txns.Close)

	processCtx := process.NewProcessContext()
	t.Cleanup(func() {
		processCtx.ShutdownBridge()
		processCtx.WaitForComponentsToFinish()
	})
	worker := NewTransactionWorker(processCtx, processor, buffer)

	router := mux.NewRouter()
	Setup(router, cfg, txns, worker)
	return router, worker
}

func do(router http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPutTransaction(t *testing.T) {
	router, processor, worker := newAppServiceRouter(t)
	body := `{"events":[{"type":"m.room.message","room_id":"!r:example.com","event_id":"$1","sender":"@alice:example.com","content":{"body":"hi"}}],` +
		`"de.sorunome.msc2409.to_device":[{"type":"m.room.encrypted","to_user_id":"@plural_bot:example.com"}]}`

	rec := do(router, http.MethodPut, "/_matrix/app/v1/transactions/1", hsToken, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	// A retry of the same transaction is acknowledged but not reprocessed.
	rec = do(router, http.MethodPut, "/_matrix/app/v1/transactions/1", hsToken, body)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Legacy path.
	rec = do(router, http.MethodPut, "/transactions/2?access_token="+hsToken, "", `{"events":[]}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	worker.Wait()
	txns := processor.processed()
	require.Len(t, txns, 2)
	require.Len(t, txns[0].Events, 1)
	assert.Equal(t, id.EventID("$1"), txns[0].Events[0].EventID)
	assert.Len(t, txns[0].ToDevice, 1)
	assert.Empty(t, txns[1].Events)
}

func TestPutTransactionPreservesOrder(t *testing.T) {
	router, processor, worker := newAppServiceRouter(t)
	for i, txnID := range []string{"a", "b", "c", "d", "e", "f"} {
		body := `{"events":[{"type":"m.room.message","event_id":"$` + txnID + `"}]}`
		rec := do(router, http.MethodPut, "/_matrix/app/v1/transactions/"+txnID, hsToken, body)
		require.Equal(t, http.StatusOK, rec.Code, i)
	}
	worker.Wait()

	var got []id.EventID
	for _, txn := range processor.processed() {
		got = append(got, txn.Events[0].EventID)
	}
	assert.Equal(t, []id.EventID{"$a", "$b", "$c", "$d", "$e", "$f"}, got)
}

func TestPutTransactionConcurrentRetries(t *testing.T) {
	processor := &gatedProcessor{release: make(chan struct{})}
	var once sync.Once
	release := func() { once.Do(func() { close(processor.release) }) }
	// With no buffer, the next submission waits while "hold" is processed.
	router, worker := newAppServiceRouterWith(t, processor, 0)
	t.Cleanup(release)

	require.Equal(t, http.StatusOK, do(router, http.MethodPut, "/_matrix/app/v1/transactions/hold", hsToken, `{"events":[]}`).Code)

	body := `{"events":[{"type":"m.room.message","event_id":"$1"}]}`
	const requests = 5
	codes := make(chan int, requests)
	for i := 0; i < requests; i++ {
		go func() {
			codes <- do(router, http.MethodPut, "/_matrix/app/v1/transactions/1", hsToken, body).Code
		}()
	}
	// All but the request holding the reservation are turned away.
	for i := 0; i < requests-1; i++ {
		select {
		case code := <-codes:
			assert.Equal(t, http.StatusServiceUnavailable, code)
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent retry was not answered")
		}
	}
	release()
	select {
	case code := <-codes:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("reserved transaction was not accepted")
	}

	// A later retry is a plain duplicate.
	assert.Equal(t, http.StatusOK, do(router, http.MethodPut, "/_matrix/app/v1/transactions/1", hsToken, body).Code)

	worker.Wait()
	txns := processor.processed()
	require.Len(t, txns, 2)
	assert.Empty(t, txns[0].Events)
	require.Len(t, txns[1].Events, 1)
	assert.Equal(t, id.EventID("$1"), txns[1].Events[0].EventID)
}

func TestPutTransactionRetriedAfterRejection(t *testing.T) {
	router, processor, worker := newAppServiceRouter(t)

	require.Equal(t, http.StatusBadRequest, do(router, http.MethodPut, "/_matrix/app/v1/transactions/1", hsToken, `{not json`).Code)
	require.Equal(t, http.StatusOK, do(router, http.MethodPut, "/_matrix/app/v1/transactions/1", hsToken, `{"events":[]}`).Code)

	worker.Wait()
	assert.Len(t, processor.processed(), 1)
}

func TestPutTransactionAuth(t *testing.T) {
	router, processor, worker := newAppServiceRouter(t)

	rec := do(router, http.MethodPut, "/_matrix/app/v1/transactions/1", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "M_MISSING_TOKEN", gjson.Get(rec.Body.String(), "errcode").String())

	rec = do(router, http.MethodPut, "/_matrix/app/v1/transactions/1", "wrong", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(router, http.MethodPut, "/_matrix/app/v1/transactions/1", hsToken, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	worker.Wait()
	assert.Empty(t, processor.processed())
}

func TestQueryUser(t *testing.T) {
	router, _, _ := newAppServiceRouter(t)
	tests := []struct {
		path string
		code int
	}{
		{path: "/_matrix/app/v1/users/@_plural_seraphim_lily:example.com", code: http.StatusOK},
		{path: "/_matrix/app/v1/users/@plural_bot:example.com", code: http.StatusOK},
		{path: "/users/@_plural_seraphim_lily:example.com", code: http.StatusOK},
		{path: "/_matrix/app/v1/users/@alice:example.com", code: http.StatusNotFound},
		{path: "/_matrix/app/v1/users/@_plural_x:elsewhere.com", code: http.StatusNotFound},
		{path: "/_matrix/app/v1/rooms/%23room:example.com", code: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(router, http.MethodGet, tt.path, hsToken, "")
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	router, _, _ := newAppServiceRouter(t)
	rec := do(router, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"OK"}`, rec.Body.String())
}

type staticAuth map[string]id.UserID

func (a staticAuth) Authenticate(req *http.Request) (id.UserID, *util.JSONResponse) {
	if userID, ok := a[httputil.TokenFromRequest(req)]; ok {
		return userID, nil
	}
	return "", &util.JSONResponse{Code: http.StatusUnauthorized, JSON: spec.UnknownToken("Unknown access token")}
}

func newDashboard(t *testing.T, bus notify.Bus) (*mux.Router, *queue.Vault) {
	t.Helper()
	vault := queue.NewVault(24 * time.Hour)
	rateLimits := httputil.NewRateLimits(&config.RateLimiting{Enabled: false})
	t.Cleanup(rateLimits.Stop)
	router := mux.NewRouter()
	SetupDashboard(router, vault, staticAuth{"alice_token": alice, "bob_token": bob}, rateLimits, bus)
	return router, vault
}

func TestDeadLetters(t *testing.T) {
	router, vault := newDashboard(t, notify.NewLocalBus())
	vault.Add(&queue.DeadLetter{ID: "dl1", Timestamp: time.Now(), SenderID: alice, Plaintext: "lost"})
	vault.Add(&queue.DeadLetter{ID: "dl2", Timestamp: time.Now(), SenderID: bob, Plaintext: "also lost"})

	rec := do(router, http.MethodGet, "/api/dead_letters", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(router, http.MethodGet, "/api/dead_letters", "alice_token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	letters := gjson.Get(rec.Body.String(), "dead_letters").Array()
	require.Len(t, letters, 1)
	assert.Equal(t, "dl1", letters[0].Get("id").String())
	assert.Equal(t, "lost", letters[0].Get("plaintext").String())

	// Bob's letter is not alice's to delete.
	rec = do(router, http.MethodDelete, "/api/dead_letters/dl2", "alice_token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, ok := vault.Get("dl2")
	assert.True(t, ok)

	rec = do(router, http.MethodDelete, "/api/dead_letters/dl1", "alice_token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(router, http.MethodGet, "/api/dead_letters", "alice_token", "")
	assert.JSONEq(t, `{"dead_letters":[]}`, rec.Body.String())
}

func TestDeadLettersRateLimited(t *testing.T) {
	vault := queue.NewVault(time.Hour)
	rateLimits := httputil.NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 2, CooloffMS: 60_000})
	t.Cleanup(rateLimits.Stop)
	router := mux.NewRouter()
	SetupDashboard(router, vault, staticAuth{"alice_token": alice}, rateLimits, notify.NewLocalBus())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(router, http.MethodGet, "/api/dead_letters", "alice_token", "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestStreamUpdates(t *testing.T) {
	bus := notify.NewLocalBus()
	router, _ := newDashboard(t, bus)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice_token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint: errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	line, err := lines.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return bus.Subscribers(alice) == 1 }, time.Second, 10*time.Millisecond)
	bus.EmitSystemUpdate(context.Background(), bob)
	bus.EmitSystemUpdate(context.Background(), alice)

	for {
		line, err = lines.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event:") {
			break
		}
	}
	assert.Equal(t, "event: system_update\n", line)

	cancel()
	assert.Eventually(t, func() bool { return bus.Subscribers(alice) == 0 }, time.Second, 10*time.Millisecond)
}

func TestStreamUpdatesRequiresAuth(t *testing.T) {
	router, _ := newDashboard(t, notify.NewLocalBus())
	rec := do(router, http.MethodGet, "/api/events", "nope", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "M_UNKNOWN_TOKEN", gjson.Get(rec.Body.String(), "errcode").String())
}

type fakeResolver struct {
	calls int
	users map[string]id.UserID
}

func (r *fakeResolver) WhoAmI(ctx context.Context, token string) (id.UserID, error) {
	r.calls++
	if userID, ok := r.users[token]; ok {
		return userID, nil
	}
	if token == "broken" {
		return "", errors.New("connection refused")
	}
	return "", &homeserver.MatrixError{Code: "M_UNKNOWN_TOKEN", StatusCode: http.StatusUnauthorized}
}

func TestMatrixAuthenticator(t *testing.T) {
	resolver := &fakeResolver{users: map[string]id.UserID{"good": "@Alice:example.com"}}
	auth := NewMatrixAuthenticator(resolver, time.Minute)
	request := func(token string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/dead_letters", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req
	}

	for i := 0; i < 2; i++ {
		userID, resErr := auth.Authenticate(request("good"))
		require.Nil(t, resErr)
		assert.Equal(t, alice, userID)
	}
	assert.Equal(t, 1, resolver.calls, "second lookup is cached")

	_, resErr := auth.Authenticate(request(""))
	require.NotNil(t, resErr)
	assert.Equal(t, http.StatusUnauthorized, resErr.Code)

	_, resErr = auth.Authenticate(request("bad"))
	require.NotNil(t, resErr)
	assert.Equal(t, http.StatusUnauthorized, resErr.Code)

	_, resErr = auth.Authenticate(request("broken"))
	require.NotNil(t, resErr)
	assert.Equal(t, http.StatusBadGateway, resErr.Code)
}
