// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

// ProcessContext owns the lifetime of the bridge's long-running components
// and of the background tasks they submit.
type ProcessContext struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup     // used to wait for components to shutdown
	ctx      context.Context    // cancelled when Stop is called
	shutdown context.CancelFunc // shut down the bridge
	degraded map[string]struct{}
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
	}
}

func (b *ProcessContext) Context() context.Context {
	return context.WithoutCancel(b.ctx)
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

func (b *ProcessContext) ShutdownBridge() {
	b.shutdown()
}

func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

// Go runs fn in the background as a component. Errors and panics are
// logged and reported to Sentry, never propagated. fn's context is
// cancelled on shutdown.
func (b *ProcessContext) Go(name string, fn func(ctx context.Context) error) {
	b.ComponentStarted()
	go func() {
		defer b.ComponentFinished()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in %s: %v", name, r)
				log.WithField("task", name).WithError(err).Errorf("Background task panicked\n%s", debug.Stack())
				sentry.CaptureException(err)
			}
		}()
		if err := fn(b.ctx); err != nil && b.ctx.Err() == nil {
			log.WithField("task", name).WithError(err).Error("Background task failed")
			sentry.CaptureException(err)
		}
	}()
}

func (b *ProcessContext) Degraded(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.degraded[err.Error()]; !ok {
		log.WithError(err).Warn("Bridge is running in a degraded state")
		sentry.CaptureException(err)
		if b.degraded == nil {
			b.degraded = make(map[string]struct{})
		}
		b.degraded[err.Error()] = struct{}{}
	}
}

func (b *ProcessContext) IsDegraded() (bool, []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.degraded) == 0 {
		return false, nil
	}
	reasons := make([]string, 0, len(b.degraded))
	for reason := range b.degraded {
		reasons = append(reasons, reason)
	}
	return true, reasons
}
