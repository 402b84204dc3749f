// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/sqlutil"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/storage/tables"
	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"
)

// Database implements api.Repository on top of the system tables.
type Database struct {
	DB      *sql.DB
	Writer  sqlutil.Writer
	Systems tables.Systems
	Members tables.Members
	Links   tables.AccountLinks
}

var _ api.Repository = (*Database)(nil)

func (d *Database) SystemByAccount(ctx context.Context, account id.UserID) (*api.System, error) {
	link, err := d.Links.SelectLink(ctx, nil, account)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.loadSystem(ctx, nil, func() (*api.System, error) {
		return d.Systems.SelectSystem(ctx, nil, link.SystemID)
	})
}

func (d *Database) SystemBySlug(ctx context.Context, slug string) (*api.System, error) {
	return d.loadSystem(ctx, nil, func() (*api.System, error) {
		return d.Systems.SelectSystemBySlug(ctx, nil, slug)
	})
}

func (d *Database) loadSystem(ctx context.Context, txn *sql.Tx, sel func() (*api.System, error)) (*api.System, error) {
	sys, err := sel()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sys.Members, err = d.Members.SelectMembers(ctx, txn, sys.ID); err != nil {
		return nil, err
	}
	return sys, nil
}

func (d *Database) AccountLink(ctx context.Context, account id.UserID) (*api.AccountLink, error) {
	link, err := d.Links.SelectLink(ctx, nil, account)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return link, err
}

func (d *Database) AccountLinks(ctx context.Context, systemID string) ([]*api.AccountLink, error) {
	return d.Links.SelectLinksForSystem(ctx, nil, systemID)
}

// CreateSystem stores a new system and a primary link for its owner. IDs
// and timestamps are assigned when unset.
func (d *Database) CreateSystem(ctx context.Context, s *api.System, owner id.UserID) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.Systems.InsertSystem(ctx, txn, s); err != nil {
			return err
		}
		return d.Links.InsertLink(ctx, txn, &api.AccountLink{
			AccountID: owner,
			SystemID:  s.ID,
			IsPrimary: true,
			CreatedAt: s.CreatedAt,
		})
	})
}

func (d *Database) UpdateSystem(ctx context.Context, s *api.System) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Systems.UpdateSystem(ctx, txn, s)
	})
}

func (d *Database) SetAutoproxy(ctx context.Context, systemID, memberID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Systems.UpdateAutoproxy(ctx, txn, systemID, memberID)
	})
}

// DeleteSystem removes a system together with its members and links.
func (d *Database) DeleteSystem(ctx context.Context, systemID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.deleteSystem(ctx, txn, systemID)
	})
}

func (d *Database) deleteSystem(ctx context.Context, txn *sql.Tx, systemID string) error {
	if err := d.Links.DeleteLinksForSystem(ctx, txn, systemID); err != nil {
		return err
	}
	if err := d.Members.DeleteMembersForSystem(ctx, txn, systemID); err != nil {
		return err
	}
	return d.Systems.DeleteSystem(ctx, txn, systemID)
}

func (d *Database) CreateLink(ctx context.Context, link *api.AccountLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Links.InsertLink(ctx, txn, link)
	})
}

func (d *Database) DeleteLink(ctx context.Context, account, promoteFirst id.UserID) (systemDeleted bool, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		link, err := d.Links.SelectLink(ctx, txn, account)
		if errors.Is(err, sql.ErrNoRows) {
			return api.ErrNotLinked
		}
		if err != nil {
			return err
		}
		if err = d.Links.DeleteLink(ctx, txn, account); err != nil {
			return err
		}
		remaining, err := d.Links.SelectLinksForSystem(ctx, txn, link.SystemID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			systemDeleted = true
			return d.deleteSystem(ctx, txn, link.SystemID)
		}
		if !link.IsPrimary {
			return nil
		}
		promote := remaining[0].AccountID
		for _, l := range remaining {
			if l.AccountID == promoteFirst {
				promote = l.AccountID
				break
			}
		}
		return d.Links.UpdatePrimary(ctx, txn, promote, true)
	})
	return systemDeleted, err
}

func (d *Database) CreateMember(ctx context.Context, m *api.Member) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Members.InsertMember(ctx, txn, m)
	})
}

func (d *Database) UpdateMember(ctx context.Context, m *api.Member) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Members.UpdateMember(ctx, txn, m)
	})
}

// DeleteMember removes a member and clears it as autoproxy target.
func (d *Database) DeleteMember(ctx context.Context, memberID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.Systems.ClearAutoproxyMember(ctx, txn, memberID); err != nil {
			return err
		}
		return d.Members.DeleteMember(ctx, txn, memberID)
	})
}
