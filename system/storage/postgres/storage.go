// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"database/sql"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/sqlutil"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/storage/shared"
)

// NewDatabase prepares the system tables on a Postgres connection.
func NewDatabase(db *sql.DB, writer sqlutil.Writer) (*shared.Database, error) {
	systems, err := NewPostgresSystemsTable(db)
	if err != nil {
		return nil, err
	}
	members, err := NewPostgresMembersTable(db)
	if err != nil {
		return nil, err
	}
	links, err := NewPostgresAccountLinksTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:      db,
		Writer:  writer,
		Systems: systems,
		Members: members,
		Links:   links,
	}, nil
}
