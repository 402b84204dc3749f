// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/sqlutil"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/storage/postgres"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/storage/sqlite3"
)

// NewDatabase opens a database connection and prepares the system tables.
func NewDatabase(dbProperties *config.Database) (Database, error) {
	db, writer, err := sqlutil.Open(dbProperties)
	if err != nil {
		return nil, fmt.Errorf("sqlutil.Open: %w", err)
	}
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.NewDatabase(db, writer)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.NewDatabase(db, writer)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}
