// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/id"
)

// Returned in place of a key upload response when the homeserver already
// holds the keys.
var alreadyUploadedResponse = json.RawMessage(`{"one_time_key_counts":{"signed_curve25519":50}}`)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns 2^attempt seconds plus up to a second of jitter.
func Backoff(attempt int, jitter func() time.Duration) time.Duration {
	return time.Duration(1<<uint(attempt))*time.Second + jitter()
}

func defaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(time.Second)))
}

// Dispatcher sends an engine's outgoing requests to the homeserver.
type Dispatcher struct {
	maxPasses         int
	maxRetries        int
	deviceDisplayName string

	Sleep  SleepFunc
	Jitter func() time.Duration

	registeredMu sync.Mutex
	registered   map[string]struct{}
	// semaphore.Weighted queues waiters in FIFO order.
	registration *semaphore.Weighted
}

func NewDispatcher(cfg *config.Crypto) *Dispatcher {
	return &Dispatcher{
		maxPasses:         cfg.MaxDispatchPasses,
		maxRetries:        cfg.MaxRateLimitRetries,
		deviceDisplayName: cfg.DeviceDisplayName,
		Sleep:             sleepContext,
		Jitter:            defaultJitter,
		registered:        make(map[string]struct{}),
		registration:      semaphore.NewWeighted(cfg.RegistrationConcurrency),
	}
}

// Drain sends pending requests until the engine has none left, for at most
// maxPasses rounds. Individual request failures are logged and abandoned.
func (d *Dispatcher) Drain(ctx context.Context, engine api.SessionEngine, intent homeserver.Intent) error {
	for pass := 0; pass < d.maxPasses; pass++ {
		requests, err := engine.OutgoingRequests(ctx)
		if err != nil {
			return fmt.Errorf("crypto: outgoing requests for %s: %w", engine.UserID(), err)
		}
		if len(requests) == 0 {
			return nil
		}
		log.WithFields(log.Fields{
			"user_id":  util.MaskUserID(engine.UserID()),
			"pass":     pass + 1,
			"requests": len(requests),
		}).Debug("Dispatching session engine requests")
		for _, req := range requests {
			if err = d.DispatchOne(ctx, engine, intent, req); err != nil {
				log.WithFields(log.Fields{
					"user_id":    util.MaskUserID(engine.UserID()),
					"request_id": req.ID,
					"type":       req.Type.String(),
				}).WithError(err).Error("Session engine request failed")
			}
		}
	}
	return nil
}

// DispatchOne sends a single request and reports the response back to the
// engine. Only rate-limited requests are retried.
func (d *Dispatcher) DispatchOne(ctx context.Context, engine api.SessionEngine, intent homeserver.Intent, req api.OutgoingRequest) error {
	method, path, deviceID, err := endpointFor(req, engine.DeviceID())
	if err != nil {
		requestsDispatched.WithLabelValues(req.Type.String(), "unsupported").Inc()
		return err
	}

	var resp []byte
	for attempt := 0; ; attempt++ {
		resp, err = intent.CryptoRequest(ctx, method, path, req.Body, deviceID)
		if err == nil {
			break
		}
		if req.Type == api.RequestKeysUpload && alreadyExists(err, resp) {
			resp, err = alreadyUploadedResponse, nil
			break
		}
		if homeserver.IsRateLimited(err) && attempt+1 < d.maxRetries {
			wait := Backoff(attempt, d.Jitter)
			log.WithFields(log.Fields{
				"user_id": util.MaskUserID(engine.UserID()),
				"type":    req.Type.String(),
				"attempt": attempt + 1,
				"wait":    wait,
			}).Warn("Rate limited, backing off")
			if sleepErr := d.Sleep(ctx, wait); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		requestsDispatched.WithLabelValues(req.Type.String(), "failed").Inc()
		return fmt.Errorf("crypto: %s request %s: %w", req.Type, req.ID, err)
	}

	if err = engine.MarkRequestAsSent(ctx, req.ID, req.Type, resp); err != nil {
		requestsDispatched.WithLabelValues(req.Type.String(), "failed").Inc()
		return fmt.Errorf("crypto: mark %s request %s as sent: %w", req.Type, req.ID, err)
	}
	requestsDispatched.WithLabelValues(req.Type.String(), "sent").Inc()
	return nil
}

func alreadyExists(err error, body []byte) bool {
	return strings.Contains(err.Error(), "already exists") || strings.Contains(string(body), "already exists")
}

func endpointFor(req api.OutgoingRequest, deviceID id.DeviceID) (method, path string, asDevice id.DeviceID, err error) {
	switch req.Type {
	case api.RequestKeysUpload:
		return http.MethodPost, "/_matrix/client/v3/keys/upload", deviceID, nil
	case api.RequestKeysQuery:
		return http.MethodPost, "/_matrix/client/v3/keys/query", "", nil
	case api.RequestKeysClaim:
		return http.MethodPost, "/_matrix/client/v3/keys/claim", "", nil
	case api.RequestSignatureUpload:
		return http.MethodPost, "/_matrix/client/v3/keys/signatures/upload", "", nil
	case api.RequestToDevice:
		if req.EventType == "" || req.TxnID == "" {
			return "", "", "", fmt.Errorf("crypto: to-device request %s lacks event type or txn id", req.ID)
		}
		return http.MethodPut, "/_matrix/client/v3/sendToDevice/" + url.PathEscape(req.EventType) + "/" + url.PathEscape(req.TxnID), "", nil
	default:
		return "", "", "", fmt.Errorf("crypto: unsupported request type %s", req.Type)
	}
}

// RegisterDevice makes sure the device exists on the homeserver and reports
// whether it was registered by this call. Registrations are serialised
// globally. A permanent failure is remembered as registered so that it is
// not retried on every send.
func (d *Dispatcher) RegisterDevice(ctx context.Context, intent homeserver.Intent, deviceID id.DeviceID) (bool, error) {
	key := string(intent.UserID()) + "|" + string(deviceID)
	if d.isRegistered(key) {
		return false, nil
	}
	if err := d.registration.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer d.registration.Release(1)
	if d.isRegistered(key) {
		return false, nil
	}

	logger := log.WithFields(log.Fields{
		"user_id":   util.MaskUserID(intent.UserID()),
		"device_id": deviceID,
	})
	for attempt := 0; ; attempt++ {
		err := intent.LoginDevice(ctx, deviceID, d.deviceDisplayName)
		if err == nil {
			d.markRegistered(key)
			logger.Info("Device registered")
			return true, nil
		}
		if homeserver.IsRateLimited(err) {
			if attempt+1 >= d.maxRetries {
				return false, fmt.Errorf("crypto: register device: %w", err)
			}
			if sleepErr := d.Sleep(ctx, Backoff(attempt, d.Jitter)); sleepErr != nil {
				return false, sleepErr
			}
			continue
		}
		logger.WithError(err).Error("Device registration failed, not retrying")
		d.markRegistered(key)
		return false, nil
	}
}

func (d *Dispatcher) isRegistered(key string) bool {
	d.registeredMu.Lock()
	defer d.registeredMu.Unlock()
	_, ok := d.registered[key]
	return ok
}

func (d *Dispatcher) markRegistered(key string) {
	d.registeredMu.Lock()
	defer d.registeredMu.Unlock()
	d.registered[key] = struct{}{}
}
