// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// AccountHeader carries the affected account on published messages.
const AccountHeader = "account"

type systemUpdate struct {
	Account id.UserID `json:"account"`
}

// NATSBus publishes updates to a NATS subject and delivers updates seen on
// that subject, including its own, to local subscribers. Every instance
// sharing the subject therefore sees every change.
type NATSBus struct {
	local   *LocalBus
	conn    *nats.Conn
	subject string
	sub     *nats.Subscription
}

var _ Bus = (*NATSBus)(nil)

func NewNATSBus(conn *nats.Conn, subject string) (*NATSBus, error) {
	b := &NATSBus{
		local:   NewLocalBus(),
		conn:    conn,
		subject: subject,
	}
	sub, err := conn.Subscribe(subject, b.onMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	b.sub = sub
	if err = conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription to %s: %w", subject, err)
	}
	return b, nil
}

// Connect dials the NATS server and returns a bus on subject.
func Connect(url, subject string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("pluralbridge"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b, err := NewNATSBus(conn, subject)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *NATSBus) onMessage(msg *nats.Msg) {
	var update systemUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil || update.Account == "" {
		log.WithField("subject", msg.Subject).Warn("Ignoring malformed system update")
		return
	}
	b.local.EmitSystemUpdate(context.Background(), update.Account)
}

func (b *NATSBus) Subscribe(account id.UserID) (<-chan struct{}, func()) {
	return b.local.Subscribe(account)
}

// EmitSystemUpdate publishes without waiting for delivery. Publish
// failures are logged; live-update streams are best effort.
func (b *NATSBus) EmitSystemUpdate(ctx context.Context, account id.UserID) {
	account = util.NormalizeUserID(account)
	data, err := json.Marshal(systemUpdate{Account: account})
	if err != nil {
		return
	}
	msg := &nats.Msg{
		Subject: b.subject,
		Header:  nats.Header{},
		Data:    data,
	}
	msg.Header.Set(AccountHeader, string(account))
	if err = b.conn.PublishMsg(msg); err != nil {
		log.WithError(err).WithField("user_id", util.MaskUserID(account)).Warn("Failed to publish system update")
	}
}

// Close unsubscribes and closes the connection.
func (b *NATSBus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.conn.Close()
}
