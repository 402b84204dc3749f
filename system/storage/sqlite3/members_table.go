package sqlite3

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
	" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

const updateMemberSQL = "" +
	"UPDATE pluralbridge_members SET slug = ?, name = ?, display_name = ?, avatar_url = ?, pronouns = ?, description = ?, color = ?, proxy_tags = ?" +
	" WHERE member_id = ?"

const selectMembersSQL = "" +
	"SELECT member_id, system_id, slug, name, display_name, avatar_url, pronouns, description, color, proxy_tags, created_ts" +
	" FROM pluralbridge_members WHERE system_id = ? ORDER BY created_ts ASC, member_id ASC"

const deleteMemberSQL = "" +
	"DELETE FROM pluralbridge_members WHERE member_id = ?"

const deleteMembersForSystemSQL = "" +
	"DELETE FROM pluralbridge_members WHERE system_id = ?"

type membersStatements struct {
	insertMemberStmt           *sql.Stmt
	updateMemberStmt           *sql.Stmt
	selectMembersStmt          *sql.Stmt
	deleteMemberStmt           *sql.Stmt
	deleteMembersForSystemStmt *sql.Stmt
}

func NewSQLiteMembersTable(db *sql.DB) (tables.Members, error) {
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
		ctx, m.Slug, m.Name, m.DisplayName, m.AvatarURL,
		m.Pronouns, m.Description, m.Color, string(tags), m.ID,
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
