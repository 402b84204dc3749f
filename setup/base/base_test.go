package base

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeStopsOnShutdown(t *testing.T) {
	processCtx := process.NewProcessContext()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	Serve(processCtx, "test", listener, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))

	res, err := http.Get("http://" + listener.Addr().String())
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	assert.Equal(t, "ok", string(body))

	processCtx.ShutdownBridge()
	done := make(chan struct{})
	go func() {
		processCtx.WaitForComponentsToFinish()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = http.Get("http://" + listener.Addr().String())
	assert.Error(t, err)
}

func TestServeHTTPRejectsBadAddress(t *testing.T) {
	err := ServeHTTP(process.NewProcessContext(), "test", "not an address", http.NotFoundHandler())
	assert.Error(t, err)
}
