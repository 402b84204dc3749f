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
	"maunium.net/go/mautrix/id"
)

const linksSchema = `
CREATE TABLE IF NOT EXISTS pluralbridge_account_links (
	-- An account belongs to at most one system
	account_id TEXT NOT NULL PRIMARY KEY,
	system_id TEXT NOT NULL,
	is_primary BOOLEAN NOT NULL DEFAULT FALSE,
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS pluralbridge_account_links_system_idx ON pluralbridge_account_links(system_id);
`

const insertLinkSQL = "" +
	"INSERT INTO pluralbridge_account_links (account_id, system_id, is_primary, created_ts) VALUES ($1, $2, $3, $4)"

const selectLinkSQL = "" +
	"SELECT account_id, system_id, is_primary, created_ts FROM pluralbridge_account_links WHERE account_id = $1"

const selectLinksForSystemSQL = "" +
	"SELECT account_id, system_id, is_primary, created_ts FROM pluralbridge_account_links" +
	" WHERE system_id = $1 ORDER BY created_ts ASC, account_id ASC"

const updatePrimarySQL = "" +
	"UPDATE pluralbridge_account_links SET is_primary = $2 WHERE account_id = $1"

const deleteLinkSQL = "" +
	"DELETE FROM pluralbridge_account_links WHERE account_id = $1"

const deleteLinksForSystemSQL = "" +
	"DELETE FROM pluralbridge_account_links WHERE system_id = $1"

type linksStatements struct {
	insertLinkStmt           *sql.Stmt
	selectLinkStmt           *sql.Stmt
	selectLinksForSystemStmt *sql.Stmt
	updatePrimaryStmt        *sql.Stmt
	deleteLinkStmt           *sql.Stmt
	deleteLinksForSystemStmt *sql.Stmt
}

func NewPostgresAccountLinksTable(db *sql.DB) (tables.AccountLinks, error) {
	s := &linksStatements{}
	if _, err := db.Exec(linksSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertLinkStmt, insertLinkSQL},
		{&s.selectLinkStmt, selectLinkSQL},
		{&s.selectLinksForSystemStmt, selectLinksForSystemSQL},
		{&s.updatePrimaryStmt, updatePrimarySQL},
		{&s.deleteLinkStmt, deleteLinkSQL},
		{&s.deleteLinksForSystemStmt, deleteLinksForSystemSQL},
	}.Prepare(db)
}

func (s *linksStatements) InsertLink(ctx context.Context, txn *sql.Tx, link *api.AccountLink) error {
	_, err := sqlutil.TxStmt(txn, s.insertLinkStmt).ExecContext(
		ctx, link.AccountID, link.SystemID, link.IsPrimary, link.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *linksStatements) SelectLink(ctx context.Context, txn *sql.Tx, account id.UserID) (*api.AccountLink, error) {
	var (
		link    api.AccountLink
		created int64
	)
	err := sqlutil.TxStmt(txn, s.selectLinkStmt).QueryRowContext(ctx, account).Scan(
		&link.AccountID, &link.SystemID, &link.IsPrimary, &created,
	)
	if err != nil {
		return nil, err
	}
	link.CreatedAt = time.UnixMilli(created).UTC()
	return &link, nil
}

func (s *linksStatements) SelectLinksForSystem(ctx context.Context, txn *sql.Tx, systemID string) ([]*api.AccountLink, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectLinksForSystemStmt).QueryContext(ctx, systemID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectLinksForSystem: rows.close() failed")

	var links []*api.AccountLink
	for rows.Next() {
		var (
			link    api.AccountLink
			created int64
		)
		if err = rows.Scan(&link.AccountID, &link.SystemID, &link.IsPrimary, &created); err != nil {
			return nil, err
		}
		link.CreatedAt = time.UnixMilli(created).UTC()
		links = append(links, &link)
	}
	return links, rows.Err()
}

func (s *linksStatements) UpdatePrimary(ctx context.Context, txn *sql.Tx, account id.UserID, isPrimary bool) error {
	_, err := sqlutil.TxStmt(txn, s.updatePrimaryStmt).ExecContext(ctx, account, isPrimary)
	return err
}

func (s *linksStatements) DeleteLink(ctx context.Context, txn *sql.Tx, account id.UserID) error {
	_, err := sqlutil.TxStmt(txn, s.deleteLinkStmt).ExecContext(ctx, account)
	return err
}

func (s *linksStatements) DeleteLinksForSystem(ctx context.Context, txn *sql.Tx, systemID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteLinksForSystemStmt).ExecContext(ctx, systemID)
	return err
}
