// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api holds the plural system data model and the interfaces other
// components use to read and mutate it.
package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"maunium.net/go/mautrix/id"
)

var (
	ErrNoSystem            = errors.New("account is not linked to a system")
	ErrMemberNotFound      = errors.New("member not found")
	ErrNotLinked           = errors.New("account is not linked to this system")
	ErrLinkedWithMembers   = errors.New("account already belongs to a system with members")
	ErrCannotUnlinkPrimary = errors.New("cannot unlink your own primary account")
	ErrSlugTaken           = errors.New("slug is already in use")
)

// ProxyTag is a prefix/suffix pair that marks a message as spoken by a member.
type ProxyTag struct {
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix,omitempty"`
}

// Match reports whether body carries the tag and returns the trimmed text
// between prefix and suffix. An empty suffix accepts any ending.
func (t ProxyTag) Match(body string) (string, bool) {
	if !strings.HasPrefix(body, t.Prefix) {
		return "", false
	}
	if t.Suffix != "" && !strings.HasSuffix(body, t.Suffix) {
		return "", false
	}
	end := len(body) - len(t.Suffix)
	if end < len(t.Prefix) {
		// Prefix and suffix overlap, e.g. "[" + "]" against "[]".
		return "", true
	}
	return strings.TrimSpace(body[len(t.Prefix):end]), true
}

// Pattern renders the tag around the word "text", as shown in member cards.
func (t ProxyTag) Pattern() string {
	return t.Prefix + "text" + t.Suffix
}

type Member struct {
	ID          string     `json:"id"`
	SystemID    string     `json:"system_id"`
	Slug        string     `json:"slug"`
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Pronouns    string     `json:"pronouns,omitempty"`
	Description string     `json:"description,omitempty"`
	Color       string     `json:"color,omitempty"`
	ProxyTags   []ProxyTag `json:"proxy_tags"`
	CreatedAt   time.Time  `json:"created_at"`
}

// GhostDisplayName is the name the member's ghost shows in rooms: the
// display-name override or the name, followed by the system tag.
func (m *Member) GhostDisplayName(s *System) string {
	name := m.Name
	if m.DisplayName != "" {
		name = m.DisplayName
	}
	if s != nil && s.Tag != "" {
		return name + " " + s.Tag
	}
	return name
}

// FirstPrefix returns the prefix of the first tag that has one.
func (m *Member) FirstPrefix() string {
	for _, tag := range m.ProxyTags {
		if tag.Prefix != "" {
			return tag.Prefix
		}
	}
	return ""
}

type System struct {
	ID                string    `json:"id"`
	Slug              string    `json:"slug"`
	Name              string    `json:"name,omitempty"`
	Tag               string    `json:"tag,omitempty"`
	AutoproxyMemberID string    `json:"autoproxy_member_id,omitempty"`
	Members           []*Member `json:"members"`
	CreatedAt         time.Time `json:"created_at"`
}

func (s *System) MemberBySlug(slug string) *Member {
	slug = strings.ToLower(slug)
	for _, m := range s.Members {
		if m.Slug == slug {
			return m
		}
	}
	return nil
}

func (s *System) MemberByID(memberID string) *Member {
	for _, m := range s.Members {
		if m.ID == memberID {
			return m
		}
	}
	return nil
}

// AutoproxyMember returns the autoproxy target, or nil when unset.
func (s *System) AutoproxyMember() *Member {
	if s.AutoproxyMemberID == "" {
		return nil
	}
	return s.MemberByID(s.AutoproxyMemberID)
}

// MatchResult is a member chosen to speak for a message.
type MatchResult struct {
	Member    *Member
	Content   string
	Autoproxy bool
}

// Match selects the member a message should be proxied as. Members are
// tried in order and, within a member, tags in order; the first tag that
// matches wins even if it strips the message to nothing, in which case
// nothing is proxied. The autoproxy member applies only when no tag
// matched.
func (s *System) Match(body string) (MatchResult, bool) {
	for _, m := range s.Members {
		for _, tag := range m.ProxyTags {
			content, ok := tag.Match(body)
			if !ok {
				continue
			}
			if content == "" {
				return MatchResult{}, false
			}
			return MatchResult{Member: m, Content: content}, true
		}
	}
	if m := s.AutoproxyMember(); m != nil {
		if content := strings.TrimSpace(body); content != "" {
			return MatchResult{Member: m, Content: content, Autoproxy: true}, true
		}
	}
	return MatchResult{}, false
}

// AccountLink binds an account to a system.
type AccountLink struct {
	AccountID id.UserID `json:"account_id"`
	SystemID  string    `json:"system_id"`
	IsPrimary bool      `json:"is_primary"`
	CreatedAt time.Time `json:"created_at"`
}

// GhostLocalpart derives the localpart of a member's ghost.
func GhostLocalpart(ghostPrefix, systemSlug, memberSlug string) string {
	return ghostPrefix + systemSlug + "_" + memberSlug
}

// GhostUserID derives the full ghost identifier of a member.
func GhostUserID(ghostPrefix string, s *System, m *Member, serverName spec.ServerName) id.UserID {
	return id.NewUserID(GhostLocalpart(ghostPrefix, s.Slug, m.Slug), string(serverName))
}

// IsSystemGhost reports whether userID is a ghost of s on this server.
// Users on other servers never are, whatever their localpart.
func IsSystemGhost(ghostPrefix string, s *System, serverName spec.ServerName, userID id.UserID) bool {
	localpart, server, err := userID.Parse()
	if err != nil || server != string(serverName) {
		return false
	}
	memberSlug, ok := strings.CutPrefix(localpart, ghostPrefix+s.Slug+"_")
	return ok && memberSlug != ""
}

// Repository is the persistent store of systems, members and links.
// Reads return nil, nil when nothing matches.
type Repository interface {
	SystemByAccount(ctx context.Context, account id.UserID) (*System, error)
	SystemBySlug(ctx context.Context, slug string) (*System, error)
	AccountLink(ctx context.Context, account id.UserID) (*AccountLink, error)
	AccountLinks(ctx context.Context, systemID string) ([]*AccountLink, error)

	// CreateSystem stores the system and a primary link for owner.
	CreateSystem(ctx context.Context, s *System, owner id.UserID) error
	UpdateSystem(ctx context.Context, s *System) error
	SetAutoproxy(ctx context.Context, systemID, memberID string) error
	DeleteSystem(ctx context.Context, systemID string) error

	CreateLink(ctx context.Context, link *AccountLink) error
	// DeleteLink removes the account's link. If it was the last link the
	// system is deleted too; if it was primary another link is promoted,
	// preferring promoteFirst. It reports whether the system was deleted.
	DeleteLink(ctx context.Context, account, promoteFirst id.UserID) (systemDeleted bool, err error)

	CreateMember(ctx context.Context, m *Member) error
	UpdateMember(ctx context.Context, m *Member) error
	DeleteMember(ctx context.Context, memberID string) error
}

// ProfileSync applies member profiles to their ghosts.
type ProfileSync interface {
	SyncGhostProfile(ctx context.Context, m *Member, s *System) error
	DecommissionGhost(ctx context.Context, m *Member, s *System) error
}

// Notifier publishes "this account's system changed" notifications. It
// never blocks the caller on delivery.
type Notifier interface {
	EmitSystemUpdate(ctx context.Context, account id.UserID)
}

// LinkOutcome describes what LinkAccount did.
type LinkOutcome int

const (
	LinkCreated LinkOutcome = iota
	LinkSelf
	LinkAlreadyPresent
)

// SystemInternalAPI is the system service used by the command interpreter
// and the gatekeeper. Every mutation invalidates the cached rules of all
// affected accounts before returning.
type SystemInternalAPI interface {
	// SystemForAccount returns the account's system, served from cache.
	SystemForAccount(ctx context.Context, account id.UserID) (*System, error)
	// EnsureSystem creates a system for an unlinked account.
	EnsureSystem(ctx context.Context, account id.UserID, name string) (*System, error)
	LinkAccount(ctx context.Context, actor, target id.UserID) (LinkOutcome, error)
	UnlinkAccount(ctx context.Context, actor, target id.UserID) error
	// SetAutoproxy sets the autoproxy member by slug, or clears it when slug
	// is empty. It returns the new target.
	SetAutoproxy(ctx context.Context, actor id.UserID, slug string) (*Member, error)
	CreateMember(ctx context.Context, actor id.UserID, m *Member) error
	UpdateMember(ctx context.Context, actor id.UserID, m *Member) error
	DeleteMember(ctx context.Context, actor id.UserID, slug string) error
}
