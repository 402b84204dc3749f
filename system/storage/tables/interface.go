// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"maunium.net/go/mautrix/id"
)

// Single-row selects return sql.ErrNoRows when nothing matches.

type Systems interface {
	InsertSystem(ctx context.Context, txn *sql.Tx, s *api.System) error
	UpdateSystem(ctx context.Context, txn *sql.Tx, s *api.System) error
	UpdateAutoproxy(ctx context.Context, txn *sql.Tx, systemID, memberID string) error
	// ClearAutoproxyMember unsets the autoproxy target of any system
	// pointing at memberID.
	ClearAutoproxyMember(ctx context.Context, txn *sql.Tx, memberID string) error
	SelectSystem(ctx context.Context, txn *sql.Tx, systemID string) (*api.System, error)
	SelectSystemBySlug(ctx context.Context, txn *sql.Tx, slug string) (*api.System, error)
	DeleteSystem(ctx context.Context, txn *sql.Tx, systemID string) error
}

type Members interface {
	InsertMember(ctx context.Context, txn *sql.Tx, m *api.Member) error
	UpdateMember(ctx context.Context, txn *sql.Tx, m *api.Member) error
	// SelectMembers returns a system's members in creation order.
	SelectMembers(ctx context.Context, txn *sql.Tx, systemID string) ([]*api.Member, error)
	DeleteMember(ctx context.Context, txn *sql.Tx, memberID string) error
	DeleteMembersForSystem(ctx context.Context, txn *sql.Tx, systemID string) error
}

type AccountLinks interface {
	InsertLink(ctx context.Context, txn *sql.Tx, link *api.AccountLink) error
	SelectLink(ctx context.Context, txn *sql.Tx, account id.UserID) (*api.AccountLink, error)
	// SelectLinksForSystem returns a system's links in creation order.
	SelectLinksForSystem(ctx context.Context, txn *sql.Tx, systemID string) ([]*api.AccountLink, error)
	UpdatePrimary(ctx context.Context, txn *sql.Tx, account id.UserID, isPrimary bool) error
	DeleteLink(ctx context.Context, txn *sql.Tx, account id.UserID) error
	DeleteLinksForSystem(ctx context.Context, txn *sql.Tx, systemID string) error
}
