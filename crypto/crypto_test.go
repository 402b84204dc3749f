package crypto

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/chiaracoetzee/pluralmatrix-sub000/test"
	"maunium.net/go/mautrix/id"
)

const testServer = "example.com"

var (
	alice = id.NewUserID("alice", testServer)
	bob   = id.NewUserID("bob", testServer)
	ghost = id.NewUserID("_plural_abc_ghost", testServer)
	room  = id.RoomID("!room:example.com")
)

type harness struct {
	hs         *test.Homeserver
	factory    *test.EngineFactory
	cfg        *config.Crypto
	manager    *Manager
	dispatcher *Dispatcher

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Crypto{}
	cfg.Defaults(config.DefaultOpts{})
	h := &harness{
		hs:      test.NewHomeserver(testServer),
		factory: test.NewEngineFactory(),
		cfg:     cfg,
	}
	h.manager = NewManager(t.TempDir(), id.DeviceID(cfg.DeviceID), h.factory, nil, h.hs)
	h.dispatcher = NewDispatcher(cfg)
	h.dispatcher.Jitter = func() time.Duration { return 0 }
	h.dispatcher.Sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) slept() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func indexOf(list []string, op string) int {
	for i, s := range list {
		if s == op {
			return i
		}
	}
	return -1
}
