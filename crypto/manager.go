// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"
)

// deviceMarkerFile records which device ID a store was created for.
const deviceMarkerFile = "device_id"

// Intents hands out homeserver intents by user.
type Intents interface {
	Intent(userID id.UserID) homeserver.Intent
}

// Bootstrapper performs the one-time cross-signing setup of an identity.
// It runs before the engine opens the store.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, intent homeserver.Intent, deviceID id.DeviceID, storePath string) error
}

// Manager owns one session engine per identity, each with its own store.
type Manager struct {
	storeRoot    string
	deviceID     id.DeviceID
	factory      api.EngineFactory
	bootstrapper Bootstrapper
	intents      Intents

	mu      sync.Mutex
	engines map[id.UserID]api.SessionEngine
	group   singleflight.Group
}

func NewManager(storeRoot string, deviceID id.DeviceID, factory api.EngineFactory, bootstrapper Bootstrapper, intents Intents) *Manager {
	return &Manager{
		storeRoot:    storeRoot,
		deviceID:     deviceID,
		factory:      factory,
		bootstrapper: bootstrapper,
		intents:      intents,
		engines:      make(map[id.UserID]api.SessionEngine),
	}
}

var unsafeStoreChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// StorePath returns the store directory for an identity.
func StorePath(root string, userID id.UserID) string {
	return filepath.Join(root, unsafeStoreChars.ReplaceAllString(string(userID), "_"))
}

// DeviceID is the device every identity's engine is bound to.
func (m *Manager) DeviceID() id.DeviceID { return m.deviceID }

// breakable is implemented by engines whose transport can fail for good.
type breakable interface {
	Broken() bool
}

func isBroken(engine api.SessionEngine) bool {
	b, ok := engine.(breakable)
	return ok && b.Broken()
}

// Engine returns the cached engine for userID, creating it on first use.
// Concurrent first calls for one identity share a single construction. A
// cached engine that has broken is closed and replaced.
func (m *Manager) Engine(ctx context.Context, userID id.UserID) (api.SessionEngine, error) {
	if engine := m.cached(userID); engine != nil && !isBroken(engine) {
		return engine, nil
	}
	v, err, _ := m.group.Do(string(userID), func() (interface{}, error) {
		if engine := m.cached(userID); engine != nil {
			if !isBroken(engine) {
				return engine, nil
			}
			m.evict(userID, engine)
		}
		engine, err := m.open(ctx, userID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.engines[userID] = engine
		enginesOpen.Set(float64(len(m.engines)))
		m.mu.Unlock()
		return engine, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(api.SessionEngine), nil
}

func (m *Manager) cached(userID id.UserID) api.SessionEngine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[userID]
}

// evict drops a broken engine and closes it, releasing its store before a
// replacement opens the same store.
func (m *Manager) evict(userID id.UserID, engine api.SessionEngine) {
	m.mu.Lock()
	if m.engines[userID] == engine {
		delete(m.engines, userID)
		enginesOpen.Set(float64(len(m.engines)))
	}
	m.mu.Unlock()
	enginesEvicted.Inc()
	logger := log.WithField("user_id", util.MaskUserID(userID))
	logger.Warn("Session engine broke, reopening")
	if err := engine.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close broken session engine")
	}
}

func (m *Manager) open(ctx context.Context, userID id.UserID) (api.SessionEngine, error) {
	storePath := StorePath(m.storeRoot, userID)
	logger := log.WithFields(log.Fields{
		"user_id":   util.MaskUserID(userID),
		"device_id": m.deviceID,
	})

	if err := m.checkDeviceDrift(storePath, logger); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(storePath, 0o700); err != nil {
		return nil, fmt.Errorf("crypto: create store %s: %w", storePath, err)
	}

	// The bootstrap helper opens the same store, so it must finish before
	// the engine takes the store lock.
	if m.bootstrapper != nil {
		if err := m.bootstrapper.Bootstrap(ctx, m.intents.Intent(userID), m.deviceID, storePath); err != nil {
			return nil, fmt.Errorf("crypto: cross-signing bootstrap for %s: %w", userID, err)
		}
	}

	engine, err := m.factory.Open(ctx, userID, m.deviceID, storePath)
	if err != nil {
		return nil, fmt.Errorf("crypto: open engine for %s: %w", userID, err)
	}
	if err = os.WriteFile(filepath.Join(storePath, deviceMarkerFile), []byte(m.deviceID), 0o600); err != nil {
		logger.WithError(err).Warn("Failed to write device marker")
	}
	keys := engine.IdentityKeys()
	logger.WithField("curve25519", truncate(keys.Curve25519, 10)).Info("Session engine initialised")
	return engine, nil
}

// checkDeviceDrift wipes a store that was created for a different device.
func (m *Manager) checkDeviceDrift(storePath string, logger *log.Entry) error {
	marker, err := os.ReadFile(filepath.Join(storePath, deviceMarkerFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("crypto: read device marker: %w", err)
	}
	previous := strings.TrimSpace(string(marker))
	if previous == string(m.deviceID) {
		return nil
	}
	logger.WithField("previous_device_id", previous).Warn("Device ID changed, wiping session store")
	if err = os.RemoveAll(storePath); err != nil {
		return fmt.Errorf("crypto: wipe store %s: %w", storePath, err)
	}
	return nil
}

// Close closes every engine. Engines are not usable afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for userID, engine := range m.engines {
		if err := engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine for %s: %w", userID, err))
		}
		delete(m.engines, userID)
	}
	enginesOpen.Set(0)
	return errors.Join(errs...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
