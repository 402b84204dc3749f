// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/sqlutil"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/storage/tables"
)

const membersSchema = `
CREATE TABLE IF NOT EXISTS pluralbridge_members (
	member_id TEXT NOT NULL PRIMARY KEY,
	system_id TEXT NOT NULL,
	slug TEXT NOT NULL,
	name TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	pronouns TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	-- JSON array of {"prefix", "suffix"} in match order
	proxy_tags TEXT NOT NULL DEFAULT '[]',
	created_ts BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pluralbridge_members_slug_idx ON pluralbridge_members(system_id, slug);
`

const insertMemberSQL = "" +
	"INSERT INTO pluralbridge_members (member_id, system_id, slug, name, display_name, avatar_url, pronouns, description, color, proxy_tags, created_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

const updateMemberSQL = "" +
	"UPDATE pluralbridge_members SET slug = $2, name = $3, display_name = $4, avatar_url = $5, pronouns = $6, description = $7, color = $8, proxy_tags = $9" +
	" WHERE member_id = $1"

const selectMembersSQL = "" +
	"SELECT member_id, system_id, slug, name, display_name, avatar_url, pronouns, description, color, proxy_tags, created_ts" +
	" FROM pluralbridge_members WHERE system_id = $1 ORDER BY created_ts ASC, member_id ASC"

const deleteMemberSQL = "" +
	"DELETE FROM pluralbridge_members WHERE member_id = $1"

const deleteMembersForSystemSQL = "" +
	"DELETE FROM pluralbridge_members WHERE system_id = $1"

type membersStatements struct {
	insertMemberStmt           *sql.Stmt
	updateMemberStmt           *sql.Stmt
	selectMembersStmt          *sql.Stmt
	deleteMemberStmt           *sql.Stmt
	deleteMembersForSystemStmt *sql.Stmt
}

func NewPostgresMembersTable(db *sql.DB) (tables.Members, error) {
	s := &membersStatements{}
	if _, err := db.Exec(membersSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertMemberStmt, insertMemberSQL},
		{&s.updateMemberStmt, updateMemberSQL},
		{&s.selectMembersStmt, selectMembersSQL},
		{&s.deleteMemberStmt, deleteMemberSQL},
		{&s.deleteMembersForSystemStmt, deleteMembersForSystemSQL},
	}.Prepare(db)
}

func (s *membersStatements) InsertMember(ctx context.Context, txn *sql.Tx, m *api.Member) error {
	tags, err := json.Marshal(proxyTags(m))
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.insertMemberStmt).ExecContext(
		ctx, m.ID, m.SystemID, m.Slug, m.Name, m.DisplayName, m.AvatarURL,
		m.Pronouns, m.Description, m.Color, string(tags), m.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *membersStatements) UpdateMember(ctx context.Context, txn *sql.Tx, m *api.Member) error {
	tags, err := json.Marshal(proxyTags(m))
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.updateMemberStmt).ExecContext(
		ctx, m.ID, m.Slug, m.Name, m.DisplayName, m.AvatarURL,
		m.Pronouns, m.Description, m.Color, string(tags),
	)
	return err
}

func (s *membersStatements) SelectMembers(ctx context.Context, txn *sql.Tx, systemID string) ([]*api.Member, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectMembersStmt).QueryContext(ctx, systemID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectMembers: rows.close() failed")

	var members []*api.Member
	for rows.Next() {
		var (
			m       api.Member
			tags    string
			created int64
		)
		if err = rows.Scan(
			&m.ID, &m.SystemID, &m.Slug, &m.Name, &m.DisplayName, &m.AvatarURL,
			&m.Pronouns, &m.Description, &m.Color, &tags, &created,
		); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(tags), &m.ProxyTags); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		members = append(members, &m)
	}
	return members, rows.Err()
}

func (s *membersStatements) DeleteMember(ctx context.Context, txn *sql.Tx, memberID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMemberStmt).ExecContext(ctx, memberID)
	return err
}

func (s *membersStatements) DeleteMembersForSystem(ctx context.Context, txn *sql.Tx, systemID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMembersForSystemStmt).ExecContext(ctx, systemID)
	return err
}

func proxyTags(m *api.Member) []api.ProxyTag {
	if m.ProxyTags == nil {
		return []api.ProxyTag{}
	}
	return m.ProxyTags
}
