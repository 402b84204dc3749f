// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

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
	" VALUES (?, ?, ?, ?, ?, ?)"

const updateSystemSQL = "" +
	"UPDATE pluralbridge_systems SET slug = ?, name = ?, tag = ?, autoproxy_member_id = ? WHERE system_id = ?"

const updateAutoproxySQL = "" +
	"UPDATE pluralbridge_systems SET autoproxy_member_id = ? WHERE system_id = ?"

const clearAutoproxyMemberSQL = "" +
	"UPDATE pluralbridge_systems SET autoproxy_member_id = '' WHERE autoproxy_member_id = ?"

const selectSystemSQL = "" +
	"SELECT system_id, slug, name, tag, autoproxy_member_id, created_ts FROM pluralbridge_systems WHERE system_id = ?"

const selectSystemBySlugSQL = "" +
	"SELECT system_id, slug, name, tag, autoproxy_member_id, created_ts FROM pluralbridge_systems WHERE slug = ?"

const deleteSystemSQL = "" +
	"DELETE FROM pluralbridge_systems WHERE system_id = ?"

type systemsStatements struct {
	insertSystemStmt         *sql.Stmt
	updateSystemStmt         *sql.Stmt
	updateAutoproxyStmt      *sql.Stmt
	clearAutoproxyMemberStmt *sql.Stmt
	selectSystemStmt         *sql.Stmt
	selectSystemBySlugStmt   *sql.Stmt
	deleteSystemStmt         *sql.Stmt
}

func NewSQLiteSystemsTable(db *sql.DB) (tables.Systems, error) {
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
		ctx, sys.Slug, sys.Name, sys.Tag, sys.AutoproxyMemberID, sys.ID,
	)
	return err
}

func (s *systemsStatements) UpdateAutoproxy(ctx context.Context, txn *sql.Tx, systemID, memberID string) error {
	_, err := sqlutil.TxStmt(txn, s.updateAutoproxyStmt).ExecContext(ctx, memberID, systemID)
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
