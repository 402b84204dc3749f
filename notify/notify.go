// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package notify delivers "system changed" notifications to live-update
// streams, in process or across instances over NATS.
package notify

import (
	"context"
	"sync"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"maunium.net/go/mautrix/id"
)

// Bus is a notifier that streams can subscribe to.
type Bus interface {
	api.Notifier
	// Subscribe returns a channel that receives a value whenever the
	// account's system changes. Bursts are coalesced. cancel must be
	// called once the subscriber goes away.
	Subscribe(account id.UserID) (updates <-chan struct{}, cancel func())
}

// LocalBus fans notifications out to subscribers in this process.
type LocalBus struct {
	mu   sync.Mutex
	next uint64
	subs map[id.UserID]map[uint64]chan struct{}
}

var _ Bus = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[id.UserID]map[uint64]chan struct{})}
}

func (b *LocalBus) Subscribe(account id.UserID) (<-chan struct{}, func()) {
	account = util.NormalizeUserID(account)
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	b.next++
	key := b.next
	if b.subs[account] == nil {
		b.subs[account] = make(map[uint64]chan struct{})
	}
	b.subs[account][key] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[account], key)
			if len(b.subs[account]) == 0 {
				delete(b.subs, account)
			}
		})
	}
}

// EmitSystemUpdate never blocks: a subscriber that has not consumed the
// previous update simply sees one update for both.
func (b *LocalBus) EmitSystemUpdate(ctx context.Context, account id.UserID) {
	account = util.NormalizeUserID(account)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[account] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for the account.
func (b *LocalBus) Subscribers(account id.UserID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[util.NormalizeUserID(account)])
}
