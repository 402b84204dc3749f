// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/sqlutil"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/storage/tables"
)

const systemsSchema = `
CREATE TABLE IF NOT EXISTS pluralbridge_systems (
	system_id TEXT NOT NULL PRIMARY KEY,
	-- URL-safe, globally unique, also used in ghost user IDs
	slug TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	-- Appended to every member's ghost display name
	tag TEXT NOT NULL DEFAULT '',
	autoproxy_member_id TEXT NOT NULL DEFAULT '',
	created_ts BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pluralbridge_systems_slug_idx ON pluralbridge_systems(slug);
`

const insertSystemSQL = "" +
	"INSERT INTO pluralbridge_systems (system_id, slug, name, tag, autoproxy_member_id, created_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6)"

const updateSystemSQL = "" +
	"UPDATE pluralbridge_systems SET slug = $2, name = $3, tag = $4, autoproxy_member_id = $5 WHERE system_id = $1"

const updateAutoproxySQL = "" +
	"UPDATE pluralbridge_systems SET autoproxy_member_id = $2 WHERE system_id = $1"

const clearAutoproxyMemberSQL = "" +
	"UPDATE pluralbridge_systems SET autoproxy_member_id = '' WHERE autoproxy_member_id = $1"

const selectSystemSQL = "" +
	"SELECT system_id, slug, name, tag, autoproxy_member_id, created_ts FROM pluralbridge_systems WHERE system_id = $1"

const selectSystemBySlugSQL = "" +
	"SELECT system_id, slug, name, tag, autoproxy_member_id, created_ts FROM pluralbridge_systems WHERE slug = $1"

const deleteSystemSQL = "" +
	"DELETE FROM pluralbridge_systems WHERE system_id = $1"

type systemsStatements struct {
	insertSystemStmt         *sql.Stmt
	updateSystemStmt         *sql.Stmt
	updateAutoproxyStmt      *sql.Stmt
	clearAutoproxyMemberStmt *sql.Stmt
	selectSystemStmt         *sql.Stmt
	selectSystemBySlugStmt   *sql.Stmt
	deleteSystemStmt         *sql.Stmt
}

func NewPostgresSystemsTable(db *sql.DB) (tables.Systems, error) {
	s := &systemsStatements{}
	if _, err := db.Exec(systemsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertSystemStmt, insertSystemSQL},
		{&s.updateSystemStmt, updateSystemSQL},
		{&s.updateAutoproxyStmt, updateAutoproxySQL},
		{&s.clearAutoproxyMemberStmt, clearAutoproxyMemberSQL},
		{&s.selectSystemStmt, selectSystemSQL},
		{&s.selectSystemBySlugStmt, selectSystemBySlugSQL},
		{&s.deleteSystemStmt, deleteSystemSQL},
	}.Prepare(db)
}

func (s *systemsStatements) InsertSystem(ctx context.Context, txn *sql.Tx, sys *api.System) error {
	_, err := sqlutil.TxStmt(txn, s.insertSystemStmt).ExecContext(
		ctx, sys.ID, sys.Slug, sys.Name, sys.Tag, sys.AutoproxyMemberID, sys.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *systemsStatements) UpdateSystem(ctx context.Context, txn *sql.Tx, sys *api.System) error {
	_, err := sqlutil.TxStmt(txn, s.updateSystemStmt).ExecContext(
		ctx, sys.ID, sys.Slug, sys.Name, sys.Tag, sys.AutoproxyMemberID,
	)
	return err
}

func (s *systemsStatements) UpdateAutoproxy(ctx context.Context, txn *sql.Tx, systemID, memberID string) error {
	_, err := sqlutil.TxStmt(txn, s.updateAutoproxyStmt).ExecContext(ctx, systemID, memberID)
	return err
}

func (s *systemsStatements) ClearAutoproxyMember(ctx context.Context, txn *sql.Tx, memberID string) error {
	_, err := sqlutil.TxStmt(txn, s.clearAutoproxyMemberStmt).ExecContext(ctx, memberID)
	return err
}

func (s *systemsStatements) SelectSystem(ctx context.Context, txn *sql.Tx, systemID string) (*api.System, error) {
	return scanSystem(sqlutil.TxStmt(txn, s.selectSystemStmt).QueryRowContext(ctx, systemID))
}

func (s *systemsStatements) SelectSystemBySlug(ctx context.Context, txn *sql.Tx, slug string) (*api.System, error) {
	return scanSystem(sqlutil.TxStmt(txn, s.selectSystemBySlugStmt).QueryRowContext(ctx, slug))
}

func (s *systemsStatements) DeleteSystem(ctx context.Context, txn *sql.Tx, systemID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteSystemStmt).ExecContext(ctx, systemID)
	return err
}

func scanSystem(row *sql.Row) (*api.System, error) {
	var (
		sys     api.System
		created int64
	)
	if err := row.Scan(&sys.ID, &sys.Slug, &sys.Name, &sys.Tag, &sys.AutoproxyMemberID, &created); err != nil {
		return nil, err
	}
	sys.CreatedAt = time.UnixMilli(created).UTC()
	return &sys, nil
}
