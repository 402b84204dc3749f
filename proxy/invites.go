package proxy

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// inviteSyncFilter keeps the start-up sync small; only rooms.invite is read.
const inviteSyncFilter = `{"room":{"timeline":{"limit":1}}}`

// JoinPendingInvites joins every room the bot was invited to while the
// bridge was not running. A room that cannot be joined is logged and
// skipped. It returns the number of rooms joined.
func (h *Handler) JoinPendingInvites(ctx context.Context) (int, error) {
	bot := h.intents.Bot()
	resp, err := bot.Sync(ctx, inviteSyncFilter)
	if err != nil {
		return 0, fmt.Errorf("sync pending invites: %w", err)
	}
	roomIDs := make([]id.RoomID, 0, len(resp.Rooms.Invite))
	for roomID := range resp.Rooms.Invite {
		roomIDs = append(roomIDs, roomID)
	}
	if len(roomIDs) == 0 {
		log.Debug("No pending invites")
		return 0, nil
	}
	sort.Slice(roomIDs, func(i, j int) bool { return roomIDs[i] < roomIDs[j] })

	log.WithField("count", len(roomIDs)).Info("Joining rooms invited to while offline")
	joined := 0
	for _, roomID := range roomIDs {
		if err = bot.JoinRoom(ctx, roomID); err != nil {
			log.WithError(err).WithField("room_id", roomID).Warn("Failed to join invited room")
			continue
		}
		joined++
	}
	return joined, nil
}
