// Package profile keeps ghost identities in step with their members.
package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Intents hands out homeserver intents.
type Intents interface {
	Intent(userID id.UserID) homeserver.Intent
	Bot() homeserver.Intent
}

// Sync implements api.ProfileSync and prepares ghosts for sending.
type Sync struct {
	intents     Intents
	ghostPrefix string
	serverName  spec.ServerName
}

var _ api.ProfileSync = (*Sync)(nil)

func NewSync(intents Intents, ghostPrefix string, serverName spec.ServerName) *Sync {
	return &Sync{intents: intents, ghostPrefix: ghostPrefix, serverName: serverName}
}

// GhostIntent returns the intent of a member's ghost.
func (s *Sync) GhostIntent(m *api.Member, sys *api.System) homeserver.Intent {
	return s.intents.Intent(api.GhostUserID(s.ghostPrefix, sys, m, s.serverName))
}

func (s *Sync) SyncGhostProfile(ctx context.Context, m *api.Member, sys *api.System) error {
	ghost := s.GhostIntent(m, sys)
	if err := ghost.EnsureRegistered(ctx); err != nil {
		return err
	}
	if err := ghost.SetDisplayName(ctx, m.GhostDisplayName(sys)); err != nil {
		return fmt.Errorf("set display name of %s: %w", ghost.UserID(), err)
	}
	if m.AvatarURL != "" {
		if err := ghost.SetAvatarURL(ctx, m.AvatarURL); err != nil {
			return fmt.Errorf("set avatar of %s: %w", ghost.UserID(), err)
		}
	}
	return nil
}

// DecommissionGhost makes the ghost leave every room it is in.
func (s *Sync) DecommissionGhost(ctx context.Context, m *api.Member, sys *api.System) error {
	ghost := s.GhostIntent(m, sys)
	rooms, err := ghost.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("joined rooms of %s: %w", ghost.UserID(), err)
	}
	var errs []error
	for _, roomID := range rooms {
		if err = ghost.LeaveRoom(ctx, roomID); err != nil {
			errs = append(errs, fmt.Errorf("leave %s: %w", roomID, err))
		}
	}
	log.WithFields(log.Fields{
		"user_id": util.MaskUserID(ghost.UserID()),
		"rooms":   len(rooms),
	}).Info("Decommissioned ghost")
	return errors.Join(errs...)
}

// PrepareGhost makes sure the member's ghost exists and is joined to roomID
// with its current profile, and returns its intent. Joining is done with a
// member state event so the profile lands in one step; if the homeserver
// refuses that, the bot invites the ghost and it joins normally.
func (s *Sync) PrepareGhost(ctx context.Context, roomID id.RoomID, m *api.Member, sys *api.System) (homeserver.Intent, error) {
	ghost := s.GhostIntent(m, sys)
	logger := log.WithFields(log.Fields{
		"user_id": util.MaskUserID(ghost.UserID()),
		"room_id": roomID,
	})
	if err := ghost.EnsureRegistered(ctx); err != nil {
		logger.WithError(err).Warn("Failed to register ghost")
	}

	displayName := m.GhostDisplayName(sys)
	content := event.MemberEventContent{
		Membership:  event.MembershipJoin,
		Displayname: displayName,
		AvatarURL:   id.ContentURIString(m.AvatarURL),
	}
	_, err := ghost.SendStateEvent(ctx, roomID, event.StateMember.Type, string(ghost.UserID()), &content)
	if err == nil {
		return ghost, nil
	}
	logger.WithError(err).Debug("Direct join failed, inviting ghost")

	if err = s.intents.Bot().InviteUser(ctx, roomID, ghost.UserID()); err != nil {
		logger.WithError(err).Debug("Failed to invite ghost")
	}
	if err = ghost.JoinRoom(ctx, roomID); err != nil {
		return nil, fmt.Errorf("join %s as %s: %w", roomID, ghost.UserID(), err)
	}
	if err = ghost.SetDisplayName(ctx, displayName); err != nil {
		logger.WithError(err).Warn("Failed to set ghost display name")
	}
	if m.AvatarURL != "" {
		if err = ghost.SetAvatarURL(ctx, m.AvatarURL); err != nil {
			logger.WithError(err).Warn("Failed to set ghost avatar")
		}
	}
	return ghost, nil
}
