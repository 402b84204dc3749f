// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestStorePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", "_alice_example_com"), StorePath("/data", alice))
	assert.Equal(t, filepath.Join("/data", "__plural_abc_ghost_example_com"), StorePath("/data", ghost))
}

func TestEngineIsBuiltOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	engines := make([]api.SessionEngine, 20)
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engine, err := h.manager.Engine(ctx, alice)
			assert.NoError(t, err)
			engines[i] = engine
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.factory.OpenCount())
	for _, engine := range engines {
		assert.Same(t, engines[0], engine)
	}

	other, err := h.manager.Engine(ctx, bob)
	require.NoError(t, err)
	assert.NotSame(t, engines[0], other)
	assert.Equal(t, 2, h.factory.OpenCount())
}

func TestEngineWritesDeviceMarker(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "DEVICE_A", test.NewEngineFactory(), nil, test.NewHomeserver(testServer))

	engine, err := m.Engine(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID("DEVICE_A"), engine.DeviceID())

	marker, err := os.ReadFile(filepath.Join(StorePath(root, alice), deviceMarkerFile))
	require.NoError(t, err)
	assert.Equal(t, "DEVICE_A", string(marker))
}

func TestEngineWipesStoreOnDeviceChange(t *testing.T) {
	root := t.TempDir()
	storePath := StorePath(root, alice)
	require.NoError(t, os.MkdirAll(storePath, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(storePath, deviceMarkerFile), []byte("OLD_DEVICE\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(storePath, StoreFileName), []byte("stale"), 0o600))

	m := NewManager(root, "NEW_DEVICE", test.NewEngineFactory(), nil, test.NewHomeserver(testServer))
	_, err := m.Engine(context.Background(), alice)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(storePath, StoreFileName))
	assert.True(t, os.IsNotExist(err), "stale store should be removed")
	marker, err := os.ReadFile(filepath.Join(storePath, deviceMarkerFile))
	require.NoError(t, err)
	assert.Equal(t, "NEW_DEVICE", string(marker))
}

func TestEngineKeepsStoreForSameDevice(t *testing.T) {
	root := t.TempDir()
	storePath := StorePath(root, alice)
	require.NoError(t, os.MkdirAll(storePath, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(storePath, deviceMarkerFile), []byte("SAME"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(storePath, StoreFileName), []byte("keep"), 0o600))

	m := NewManager(root, "SAME", test.NewEngineFactory(), nil, test.NewHomeserver(testServer))
	_, err := m.Engine(context.Background(), alice)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(storePath, StoreFileName))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

type orderBootstrapper struct {
	factory *test.EngineFactory
	opensAt []int
	users   []id.UserID
}

func (b *orderBootstrapper) Bootstrap(ctx context.Context, intent homeserver.Intent, deviceID id.DeviceID, storePath string) error {
	b.opensAt = append(b.opensAt, b.factory.OpenCount())
	b.users = append(b.users, intent.UserID())
	return nil
}

func TestBootstrapRunsBeforeEngineOpens(t *testing.T) {
	factory := test.NewEngineFactory()
	bootstrapper := &orderBootstrapper{factory: factory}
	m := NewManager(t.TempDir(), "DEV", factory, bootstrapper, test.NewHomeserver(testServer))

	_, err := m.Engine(context.Background(), ghost)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, bootstrapper.opensAt)
	assert.Equal(t, []id.UserID{ghost}, bootstrapper.users)
}

type failingBootstrapper struct{}

func (failingBootstrapper) Bootstrap(context.Context, homeserver.Intent, id.DeviceID, string) error {
	return assert.AnError
}

func TestBootstrapFailurePreventsEngine(t *testing.T) {
	factory := test.NewEngineFactory()
	m := NewManager(t.TempDir(), "DEV", factory, failingBootstrapper{}, test.NewHomeserver(testServer))

	_, err := m.Engine(context.Background(), alice)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, factory.OpenCount())
}

func TestManagerClose(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Engine(context.Background(), alice)
	require.NoError(t, err)

	require.NoError(t, h.manager.Close())
	assert.True(t, h.factory.Engine(alice).Closed())

	// A closed engine is not handed out again.
	_, err = h.manager.Engine(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 2, h.factory.OpenCount())
}

func TestBrokenEngineIsReplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.manager.Engine(ctx, alice)
	require.NoError(t, err)
	same, err := h.manager.Engine(ctx, alice)
	require.NoError(t, err)
	assert.Same(t, first, same)

	first.(*test.Engine).Break()
	second, err := h.manager.Engine(ctx, alice)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, first.(*test.Engine).Closed())
	assert.False(t, second.(*test.Engine).Closed())
	assert.Equal(t, 2, h.factory.OpenCount())

	again, err := h.manager.Engine(ctx, alice)
	require.NoError(t, err)
	assert.Same(t, second, again)
	assert.Equal(t, 2, h.factory.OpenCount())
}
