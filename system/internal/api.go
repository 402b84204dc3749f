// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/caching"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// SystemInternalAPI implements api.SystemInternalAPI. Every mutation
// invalidates the cached rules of each affected account before returning
// and then notifies those accounts.
type SystemInternalAPI struct {
	DB       api.Repository
	Cache    *caching.ProxyRuleCache
	Profiles api.ProfileSync
	Notifier api.Notifier
}

var _ api.SystemInternalAPI = (*SystemInternalAPI)(nil)

func (a *SystemInternalAPI) SystemForAccount(ctx context.Context, account id.UserID) (*api.System, error) {
	return a.Cache.Get(ctx, util.NormalizeUserID(account))
}

func (a *SystemInternalAPI) EnsureSystem(ctx context.Context, account id.UserID, name string) (*api.System, error) {
	account = util.NormalizeUserID(account)
	existing, err := a.DB.SystemByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	localpart, _, err := account.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid account %q: %w", account, err)
	}
	if name == "" {
		name = localpart + "'s System"
	}
	slug, err := a.uniqueSlug(ctx, localpart)
	if err != nil {
		return nil, err
	}
	sys := &api.System{Slug: slug, Name: name}
	if err = a.DB.CreateSystem(ctx, sys, account); err != nil {
		return nil, fmt.Errorf("create system for %s: %w", account, err)
	}
	log.WithFields(log.Fields{
		"user_id": util.MaskUserID(account),
		"slug":    slug,
	}).Info("Created system")
	a.changed(ctx, account)
	return sys, nil
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9-]`)
var slugDashes = regexp.MustCompile(`-+`)

// Slugify turns free text into a URL-safe system slug.
func Slugify(base string) string {
	slug := slugUnsafe.ReplaceAllString(strings.ToLower(base), "-")
	slug = strings.Trim(slugDashes.ReplaceAllString(slug, "-"), "-")
	if slug == "" {
		return "system"
	}
	return slug
}

func (a *SystemInternalAPI) uniqueSlug(ctx context.Context, base string) (string, error) {
	slug := Slugify(base)
	candidate := slug
	for n := 2; ; n++ {
		taken, err := a.DB.SystemBySlug(ctx, candidate)
		if err != nil {
			return "", err
		}
		if taken == nil {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", slug, n)
	}
}

func (a *SystemInternalAPI) LinkAccount(ctx context.Context, actor, target id.UserID) (api.LinkOutcome, error) {
	actor, target = util.NormalizeUserID(actor), util.NormalizeUserID(target)
	sys, err := a.requireSystem(ctx, actor)
	if err != nil {
		return 0, err
	}
	if target == actor {
		return api.LinkSelf, nil
	}

	existing, err := a.DB.AccountLink(ctx, target)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		if existing.SystemID == sys.ID {
			return api.LinkAlreadyPresent, nil
		}
		old, err := a.DB.SystemByAccount(ctx, target)
		if err != nil {
			return 0, err
		}
		if old != nil && len(old.Members) > 0 {
			return 0, api.ErrLinkedWithMembers
		}
		// The old system is empty: drop the stale link, taking the system
		// with it if nobody else is linked.
		deleted, err := a.DB.DeleteLink(ctx, target, "")
		if err != nil {
			return 0, fmt.Errorf("remove stale link of %s: %w", target, err)
		}
		if deleted {
			log.WithField("user_id", util.MaskUserID(target)).Info("Deleted empty system of newly linked account")
		}
	}

	if err = a.DB.CreateLink(ctx, &api.AccountLink{
		AccountID: target,
		SystemID:  sys.ID,
		CreatedAt: time.Now(),
	}); err != nil {
		return 0, fmt.Errorf("link %s: %w", target, err)
	}
	a.changed(ctx, actor, target)
	return api.LinkCreated, nil
}

func (a *SystemInternalAPI) UnlinkAccount(ctx context.Context, actor, target id.UserID) error {
	actor, target = util.NormalizeUserID(actor), util.NormalizeUserID(target)
	sys, err := a.requireSystem(ctx, actor)
	if err != nil {
		return err
	}
	link, err := a.DB.AccountLink(ctx, target)
	if err != nil {
		return err
	}
	if link == nil || link.SystemID != sys.ID {
		return api.ErrNotLinked
	}
	if target == actor && link.IsPrimary {
		return api.ErrCannotUnlinkPrimary
	}
	deleted, err := a.DB.DeleteLink(ctx, target, actor)
	if err != nil {
		return fmt.Errorf("unlink %s: %w", target, err)
	}
	if deleted {
		log.WithField("slug", sys.Slug).Info("Deleted system after its last link was removed")
	}
	a.changed(ctx, actor, target)
	return nil
}

func (a *SystemInternalAPI) SetAutoproxy(ctx context.Context, actor id.UserID, slug string) (*api.Member, error) {
	actor = util.NormalizeUserID(actor)
	sys, err := a.requireSystem(ctx, actor)
	if err != nil {
		return nil, err
	}
	var target *api.Member
	if slug != "" {
		if target = sys.MemberBySlug(slug); target == nil {
			return nil, api.ErrMemberNotFound
		}
	}
	memberID := ""
	if target != nil {
		memberID = target.ID
	}
	if err = a.DB.SetAutoproxy(ctx, sys.ID, memberID); err != nil {
		return nil, fmt.Errorf("set autoproxy: %w", err)
	}
	a.systemChanged(ctx, sys)
	return target, nil
}

func (a *SystemInternalAPI) CreateMember(ctx context.Context, actor id.UserID, m *api.Member) error {
	sys, err := a.requireSystem(ctx, util.NormalizeUserID(actor))
	if err != nil {
		return err
	}
	m.SystemID = sys.ID
	m.Slug = strings.ToLower(m.Slug)
	if sys.MemberBySlug(m.Slug) != nil {
		return api.ErrSlugTaken
	}
	if err = a.DB.CreateMember(ctx, m); err != nil {
		return fmt.Errorf("create member %s: %w", m.Slug, err)
	}
	a.syncProfile(ctx, m, sys)
	a.systemChanged(ctx, sys)
	return nil
}

func (a *SystemInternalAPI) UpdateMember(ctx context.Context, actor id.UserID, m *api.Member) error {
	sys, err := a.requireSystem(ctx, util.NormalizeUserID(actor))
	if err != nil {
		return err
	}
	current := sys.MemberByID(m.ID)
	if current == nil {
		return api.ErrMemberNotFound
	}
	m.SystemID = sys.ID
	m.Slug = strings.ToLower(m.Slug)
	if other := sys.MemberBySlug(m.Slug); other != nil && other.ID != m.ID {
		return api.ErrSlugTaken
	}
	if err = a.DB.UpdateMember(ctx, m); err != nil {
		return fmt.Errorf("update member %s: %w", m.Slug, err)
	}
	if current.Slug != m.Slug {
		// The old ghost no longer speaks for anyone.
		a.decommission(ctx, current, sys)
	}
	a.syncProfile(ctx, m, sys)
	a.systemChanged(ctx, sys)
	return nil
}

func (a *SystemInternalAPI) DeleteMember(ctx context.Context, actor id.UserID, slug string) error {
	sys, err := a.requireSystem(ctx, util.NormalizeUserID(actor))
	if err != nil {
		return err
	}
	m := sys.MemberBySlug(slug)
	if m == nil {
		return api.ErrMemberNotFound
	}
	if err = a.DB.DeleteMember(ctx, m.ID); err != nil {
		return fmt.Errorf("delete member %s: %w", m.Slug, err)
	}
	a.decommission(ctx, m, sys)
	a.systemChanged(ctx, sys)
	return nil
}

// requireSystem reads the actor's system from the repository rather than
// the cache, so mutations always start from current state.
func (a *SystemInternalAPI) requireSystem(ctx context.Context, actor id.UserID) (*api.System, error) {
	sys, err := a.DB.SystemByAccount(ctx, actor)
	if err != nil {
		return nil, err
	}
	if sys == nil {
		return nil, api.ErrNoSystem
	}
	return sys, nil
}

// systemChanged invalidates and notifies every account linked to sys.
func (a *SystemInternalAPI) systemChanged(ctx context.Context, sys *api.System) {
	links, err := a.DB.AccountLinks(ctx, sys.ID)
	if err != nil {
		log.WithError(err).WithField("slug", sys.Slug).Error("Failed to list linked accounts, cached rules may be stale")
		return
	}
	accounts := make([]id.UserID, 0, len(links))
	for _, link := range links {
		accounts = append(accounts, link.AccountID)
	}
	a.changed(ctx, accounts...)
}

func (a *SystemInternalAPI) changed(ctx context.Context, accounts ...id.UserID) {
	for _, account := range accounts {
		a.Cache.Invalidate(account)
	}
	if a.Notifier == nil {
		return
	}
	for _, account := range accounts {
		a.Notifier.EmitSystemUpdate(ctx, account)
	}
}

func (a *SystemInternalAPI) syncProfile(ctx context.Context, m *api.Member, sys *api.System) {
	if a.Profiles == nil {
		return
	}
	if err := a.Profiles.SyncGhostProfile(ctx, m, sys); err != nil {
		log.WithError(err).WithField("member", m.Slug).Warn("Failed to sync ghost profile")
	}
}

func (a *SystemInternalAPI) decommission(ctx context.Context, m *api.Member, sys *api.System) {
	if a.Profiles == nil {
		return
	}
	if err := a.Profiles.DecommissionGhost(ctx, m, sys); err != nil {
		log.WithError(err).WithField("member", m.Slug).Warn("Failed to decommission ghost")
	}
}
