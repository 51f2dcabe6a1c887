// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgekit/pkg/bridge/matrixfmt"
	"github.com/aiku/bridgekit/pkg/store"
)

// registerHandlers wires the Matrix event types the bridge consumes into
// the dispatcher.
func (br *Bridge) registerHandlers() {
	br.EP.On(event.EventMessage, br.handleMessage)
	br.EP.On(event.EventSticker, br.handleMessage)
	br.EP.On(event.StateMember, br.handleMembership)
	br.EP.On(event.StateRoomName, br.handleRoomMeta)
	br.EP.On(event.StateTopic, br.handleRoomMeta)
	br.EP.On(event.EphemeralEventTyping, br.handleTyping)
}

// handleMessage routes a message event to the admin command processor or
// the connector. Messages from the bot and the ghosts never reach either,
// the homeserver echoes the bridge's own sends back in transactions.
func (br *Bridge) handleMessage(ctx context.Context, evt *event.Event) {
	if br.IsBridgeUser(evt.Sender) {
		return
	}
	content := evt.Content.AsMessage()
	if content.MsgType == "" && content.Body == "" {
		br.Log.Debug().Stringer("event_id", evt.ID).Msg("Ignoring message with no parseable content")
		return
	}

	adminRoom, err := br.DB.AdminRoom.GetByMXID(ctx, evt.RoomID)
	if err != nil {
		br.Log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to look up admin room")
		return
	}
	if adminRoom != nil && adminRoom.Active {
		br.handleAdminMessage(ctx, adminRoom, evt, content)
		return
	}

	room, err := br.lookupHandledRoom(ctx, evt.RoomID)
	if err != nil || room == nil {
		return
	}
	user, err := br.DB.AuthUser.GetByMXID(ctx, evt.Sender)
	if err != nil {
		br.Log.Err(err).Stringer("event_id", evt.ID).Msg("Failed to look up sender")
		return
	}
	if user == nil && !br.Config.Bridge.RelayPlainUsers {
		br.Log.Debug().
			Stringer("sender", evt.Sender).
			Msg("Dropping message from user without remote login")
		return
	}

	resp, err := br.Network.HandleMatrixMessage(ctx, &MatrixMessage{
		Event:     evt,
		Content:   content,
		Room:      room,
		AuthUser:  user,
		PlainText: matrixfmt.Parse(content),
	})
	if err != nil {
		br.Log.Err(err).Stringer("event_id", evt.ID).Msg("Failed to relay message to remote service")
		return
	}
	if resp != nil && resp.RemoteID != "" {
		br.relayedRemoteIDs.Put(resp.RemoteID)
	}
}

func (br *Bridge) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.StateKey == nil {
		return
	}
	content := evt.Content.AsMember()
	target := id.UserID(*evt.StateKey)
	switch content.Membership {
	case event.MembershipInvite:
		br.handleInvite(ctx, evt, content, target)
	case event.MembershipJoin:
		br.handleJoin(ctx, evt, target)
	case event.MembershipLeave, event.MembershipBan:
		br.handleLeave(ctx, evt, target, content.Membership)
	}
}

func (br *Bridge) handleInvite(ctx context.Context, evt *event.Event, content *event.MemberEventContent, target id.UserID) {
	if br.IsBridgeUser(evt.Sender) {
		return
	}
	if target == br.AS.BotMXID() {
		br.handleBotInvite(ctx, evt, content)
		return
	}
	serviceID, ok := br.ParseGhostMXID(target)
	if !ok {
		return
	}
	if _, err := br.ensureServiceUser(ctx, serviceID, ""); err != nil {
		br.Log.Err(err).Stringer("user_id", target).Msg("Failed to materialize invited ghost")
		return
	}
	if err := br.AS.Intent(target).EnsureJoined(ctx, evt.RoomID); err != nil {
		br.Log.Err(err).
			Stringer("user_id", target).
			Stringer("room_id", evt.RoomID).
			Msg("Failed to accept ghost invite")
	}
}

// handleBotInvite joins the bot wherever it is invited. A direct chat
// invite additionally becomes the inviter's admin room.
func (br *Bridge) handleBotInvite(ctx context.Context, evt *event.Event, content *event.MemberEventContent) {
	if err := br.Bot.EnsureJoined(ctx, evt.RoomID); err != nil {
		br.Log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to join room after invite")
		return
	}
	if !content.IsDirect {
		return
	}
	adminRoom := &store.AdminRoom{MXID: evt.RoomID, UserMXID: evt.Sender, Active: true}
	if err := br.DB.AdminRoom.Put(ctx, adminRoom); err != nil {
		br.Log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to save admin room")
		return
	}
	br.Log.Info().
		Stringer("room_id", evt.RoomID).
		Stringer("user_id", evt.Sender).
		Msg("Created admin room")
	br.sendNotice(ctx, evt.RoomID, adminRoomGreeting)
}

func (br *Bridge) handleJoin(ctx context.Context, evt *event.Event, target id.UserID) {
	if br.IsBridgeUser(target) {
		return
	}
	room, err := br.lookupHandledRoom(ctx, evt.RoomID)
	if err != nil || room == nil {
		return
	}
	user, err := br.DB.AuthUser.GetByMXID(ctx, target)
	if err != nil {
		br.Log.Err(err).Stringer("user_id", target).Msg("Failed to look up joining user")
		return
	}
	if user != nil {
		if err = br.DB.Room.AddAuthUser(ctx, room.MXID, user.MXID); err != nil {
			br.Log.Err(err).Stringer("room_id", room.MXID).Msg("Failed to record room participant")
			return
		}
		if err = br.claimFrontier(ctx, room, user.MXID); err != nil {
			br.Log.Err(err).Stringer("room_id", room.MXID).Msg("Failed to claim room frontier")
		}
	}
	br.forwardMembership(ctx, evt, room, target, event.MembershipJoin)
}

func (br *Bridge) handleLeave(ctx context.Context, evt *event.Event, target id.UserID, membership event.Membership) {
	if br.IsBridgeUser(target) {
		return
	}
	adminRoom, err := br.DB.AdminRoom.GetByMXID(ctx, evt.RoomID)
	if err != nil {
		br.Log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to look up admin room")
		return
	}
	if adminRoom != nil && adminRoom.Active && target == adminRoom.UserMXID {
		br.closeAdminRoom(ctx, adminRoom)
		return
	}
	room, err := br.lookupHandledRoom(ctx, evt.RoomID)
	if err != nil || room == nil {
		return
	}
	user, err := br.DB.AuthUser.GetByMXID(ctx, target)
	if err != nil {
		br.Log.Err(err).Stringer("user_id", target).Msg("Failed to look up leaving user")
		return
	}
	if user != nil {
		if err = br.DB.Room.RemoveAuthUser(ctx, room.MXID, user.MXID); err != nil {
			br.Log.Err(err).Stringer("room_id", room.MXID).Msg("Failed to remove room participant")
			return
		}
		if err = br.promoteFrontier(ctx, room, user.MXID); err != nil {
			br.Log.Err(err).Stringer("room_id", room.MXID).Msg("Failed to promote room frontier")
		}
	}
	br.forwardMembership(ctx, evt, room, target, membership)
}

// closeAdminRoom deactivates an admin room after its owner left and
// removes the bot from it.
func (br *Bridge) closeAdminRoom(ctx context.Context, room *store.AdminRoom) {
	room.Active = false
	if err := br.DB.AdminRoom.Put(ctx, room); err != nil {
		br.Log.Err(err).Stringer("room_id", room.MXID).Msg("Failed to deactivate admin room")
		return
	}
	if _, err := br.Bot.LeaveRoom(ctx, room.MXID); err != nil {
		br.Log.Debug().Err(err).Stringer("room_id", room.MXID).Msg("Failed to leave closed admin room")
	}
	br.Bot.MarkNotJoined(room.MXID)
	br.Log.Info().Stringer("room_id", room.MXID).Msg("Closed admin room")
}

func (br *Bridge) forwardMembership(ctx context.Context, evt *event.Event, room *store.Room, target id.UserID, membership event.Membership) {
	mc, ok := br.Network.(MembershipHandlingConnector)
	if !ok || br.IsBridgeUser(evt.Sender) {
		return
	}
	err := mc.HandleMatrixMembership(ctx, &MatrixMembership{
		Event:      evt,
		Room:       room,
		Sender:     evt.Sender,
		Target:     target,
		Membership: membership,
	})
	if err != nil {
		br.Log.Warn().Err(err).
			Stringer("room_id", room.MXID).
			Msg("Connector failed to handle membership change")
	}
}

func (br *Bridge) handleTyping(ctx context.Context, evt *event.Event) {
	tc, ok := br.Network.(TypingHandlingConnector)
	if !ok {
		return
	}
	room, err := br.lookupHandledRoom(ctx, evt.RoomID)
	if err != nil || room == nil {
		return
	}
	content := evt.Content.AsTyping()
	users := make([]id.UserID, 0, len(content.UserIDs))
	for _, userID := range content.UserIDs {
		if !br.IsBridgeUser(userID) {
			users = append(users, userID)
		}
	}
	// An empty list is forwarded too, it means everyone stopped typing.
	err = tc.HandleMatrixTyping(ctx, &MatrixTyping{RoomID: evt.RoomID, Room: room, UserIDs: users})
	if err != nil {
		br.Log.Warn().Err(err).Stringer("room_id", evt.RoomID).Msg("Connector failed to handle typing update")
	}
}

func (br *Bridge) handleRoomMeta(ctx context.Context, evt *event.Event) {
	rc, ok := br.Network.(RoomMetaHandlingConnector)
	if !ok || br.IsBridgeUser(evt.Sender) {
		return
	}
	room, err := br.lookupHandledRoom(ctx, evt.RoomID)
	if err != nil || room == nil {
		return
	}
	meta := &MatrixRoomMeta{Event: evt, Room: room}
	switch evt.Type {
	case event.StateRoomName:
		meta.NameChanged = true
		meta.Name = evt.Content.AsRoomName().Name
	case event.StateTopic:
		meta.Topic = evt.Content.AsTopic().Topic
	default:
		return
	}
	if err = rc.HandleMatrixRoomMeta(ctx, meta); err != nil {
		br.Log.Warn().Err(err).Stringer("room_id", room.MXID).Msg("Connector failed to handle room meta change")
	}
}

// lookupHandledRoom resolves a Matrix room ID to its active link, nil
// when the room is not bridged. Lookup errors are logged here.
func (br *Bridge) lookupHandledRoom(ctx context.Context, roomID id.RoomID) (*store.Room, error) {
	room, err := br.DB.Room.GetByMXID(ctx, roomID)
	if err != nil {
		br.Log.Err(err).Stringer("room_id", roomID).Msg("Failed to look up room")
		return nil, err
	}
	if room == nil || !room.Active {
		return nil, nil
	}
	return room, nil
}
