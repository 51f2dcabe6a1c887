// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgekit/pkg/bridge/remotefmt"
	"github.com/aiku/bridgekit/pkg/store"
)

var (
	ErrRoomNotLinked = errors.New("room is not linked")
	ErrRoomQueryArgs = errors.New("exactly one of the room IDs must be given")
)

// AddAuthUser stores a remote login for a Matrix user and connects it.
// Calling it again for the same user replaces the stored credentials. The
// login is returned even when connecting fails, the credentials are
// already persisted at that point.
func (br *Bridge) AddAuthUser(ctx context.Context, userID id.UserID, serviceID, serviceUsername, authToken string) (*UserLogin, error) {
	user, err := br.DB.AuthUser.GetByMXID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth user: %w", err)
	}
	if user == nil {
		user = &store.AuthUser{MXID: userID}
	}
	user.ServiceID = serviceID
	user.ServiceUsername = serviceUsername
	user.AuthToken = authToken
	if err = br.DB.AuthUser.Put(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to save auth user: %w", err)
	}
	login := br.NewUserLogin(user)
	if err = br.Network.ConnectUser(ctx, login); err != nil {
		return login, fmt.Errorf("failed to connect user: %w", err)
	}
	return login, nil
}

// RemoveAuthUser disconnects and deletes a stored login, along with any
// double puppet client for the user.
func (br *Bridge) RemoveAuthUser(ctx context.Context, userID id.UserID) error {
	user, err := br.DB.AuthUser.GetByMXID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get auth user: %w", err)
	}
	if user == nil {
		return ErrNotLoggedIn
	}
	if dc, ok := br.Network.(DisconnectingConnector); ok {
		if err = dc.DisconnectUser(ctx, br.NewUserLogin(user)); err != nil {
			br.Log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to disconnect user cleanly")
		}
	}
	br.dpMu.Lock()
	delete(br.dpClients, userID)
	br.dpMu.Unlock()
	return br.DB.AuthUser.Delete(ctx, userID)
}

// CreateLinkedRoom links a Matrix room to a remote room. When roomID is
// empty the bot creates a fresh Matrix room with the given name and
// invitees. Calling it again with either side already linked returns the
// existing link unchanged.
func (br *Bridge) CreateLinkedRoom(ctx context.Context, roomID id.RoomID, serviceID, name string, invite ...id.UserID) (*store.Room, error) {
	if roomID != "" {
		existing, err := br.DB.Room.GetByMXID(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("failed to get room: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}
	existing, err := br.DB.Room.GetByServiceID(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	if roomID == "" {
		resp, err := br.Bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Name:   name,
			Invite: invite,
			Preset: "private_chat",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create room: %w", err)
		}
		roomID = resp.RoomID
	}
	room := &store.Room{MXID: roomID, ServiceID: serviceID, Active: true}
	if err = br.DB.Room.Put(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to save room: %w", err)
	}
	br.Log.Info().
		Stringer("room_id", room.MXID).
		Str("service_room_id", serviceID).
		Msg("Linked room")
	return room, nil
}

// LinkedRoomExists reports whether an active link exists for the given
// Matrix room ID or remote room ID. Exactly one of the two must be set.
func (br *Bridge) LinkedRoomExists(ctx context.Context, roomID id.RoomID, serviceID string) (bool, error) {
	var room *store.Room
	var err error
	switch {
	case roomID != "" && serviceID != "", roomID == "" && serviceID == "":
		return false, ErrRoomQueryArgs
	case roomID != "":
		room, err = br.DB.Room.GetByMXID(ctx, roomID)
	default:
		room, err = br.DB.Room.GetByServiceID(ctx, serviceID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get room: %w", err)
	}
	return room != nil && room.Active, nil
}

// AddAuthUserToRoom records that an authenticated user participates in a
// linked room. Idempotent. The first participant becomes the room's relay
// frontier.
func (br *Bridge) AddAuthUserToRoom(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	user, err := br.DB.AuthUser.GetByMXID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get auth user: %w", err)
	}
	if user == nil {
		return ErrNotLoggedIn
	}
	room, err := br.DB.Room.GetByMXID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to get room: %w", err)
	}
	if room == nil {
		return ErrRoomNotLinked
	}
	if err = br.DB.Room.AddAuthUser(ctx, roomID, userID); err != nil {
		return fmt.Errorf("failed to add room member: %w", err)
	}
	return br.claimFrontier(ctx, room, userID)
}

// lookupActiveRoom resolves a remote room ID to an active linked room,
// nil when there is none.
func (br *Bridge) lookupActiveRoom(ctx context.Context, serviceID string) (*store.Room, error) {
	room, err := br.DB.Room.GetByServiceID(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	if room == nil || !room.Active {
		return nil, nil
	}
	return room, nil
}

// isFrontier reports whether the login may relay remote events for the
// room. Connector-global connections pass a nil login and always may.
func isFrontier(room *store.Room, login *UserLogin) bool {
	return login == nil || room.FrontierMXID == "" || login.MXID == room.FrontierMXID
}

// RelayRemoteMessage delivers a remote message into the linked Matrix
// room. It applies the echo prevention rules from doc.go and resolves the
// sender to a double puppet or a ghost. A zero event ID with nil error
// means the message was deliberately dropped.
func (br *Bridge) RelayRemoteMessage(ctx context.Context, login *UserLogin, msg *RemoteMessage) (id.EventID, error) {
	room, err := br.lookupActiveRoom(ctx, msg.RoomServiceID)
	if err != nil {
		return "", err
	}
	if room == nil {
		return "", ErrRoomNotLinked
	}
	if !isFrontier(room, login) {
		return "", nil
	}
	if msg.ID != "" && br.relayedRemoteIDs.Has(msg.ID) {
		br.Log.Debug().Str("remote_id", msg.ID).Msg("Ignoring echo of our own relayed message")
		return "", nil
	}
	auth, err := br.DB.AuthUser.GetByServiceID(ctx, msg.SenderServiceID)
	if err != nil {
		return "", fmt.Errorf("failed to get auth user: %w", err)
	}
	content := remotefmt.Parse(msg.Text)
	if msg.Emote {
		content.MsgType = event.MsgEmote
	}
	if auth != nil {
		dp := br.doublePuppetClient(auth)
		if dp == nil {
			// The user's own client already shows this message. Without a
			// double puppet token a relay would show up twice.
			return "", nil
		}
		resp, err := dp.SendMessageEvent(ctx, room.MXID, event.EventMessage, content)
		if err != nil {
			return "", fmt.Errorf("failed to send as double puppet: %w", err)
		}
		return resp.EventID, nil
	}
	su, err := br.ensureServiceUser(ctx, msg.SenderServiceID, msg.SenderNick)
	if err != nil {
		return "", err
	}
	resp, err := br.AS.Intent(su.MXID).SendMessageEvent(ctx, room.MXID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("failed to send as ghost: %w", err)
	}
	return resp.EventID, nil
}

// RelayRemoteTyping mirrors a remote typing update with the sender's
// ghost. Typing from authenticated users is not mirrored.
func (br *Bridge) RelayRemoteTyping(ctx context.Context, login *UserLogin, typing *RemoteTyping) error {
	room, err := br.lookupActiveRoom(ctx, typing.RoomServiceID)
	if err != nil || room == nil {
		return err
	}
	if !isFrontier(room, login) {
		return nil
	}
	auth, err := br.DB.AuthUser.GetByServiceID(ctx, typing.SenderServiceID)
	if err != nil {
		return fmt.Errorf("failed to get auth user: %w", err)
	}
	if auth != nil {
		return nil
	}
	su, err := br.ensureServiceUser(ctx, typing.SenderServiceID, "")
	if err != nil {
		return err
	}
	timeout := typing.Timeout
	if timeout <= 0 {
		timeout = time.Duration(br.Config.Bridge.TypingTimeout) * time.Second
	}
	intent := br.AS.Intent(su.MXID)
	if err = intent.EnsureJoined(ctx, room.MXID); err != nil {
		return err
	}
	return intent.UserTyping(ctx, room.MXID, typing.Typing, timeout)
}

// RemoteUserJoined mirrors a remote room join. Authenticated users are
// recorded as room participants, everyone else gets their ghost joined.
func (br *Bridge) RemoteUserJoined(ctx context.Context, login *UserLogin, roomServiceID, userServiceID, nick string) error {
	room, err := br.lookupActiveRoom(ctx, roomServiceID)
	if err != nil || room == nil {
		return err
	}
	if !isFrontier(room, login) {
		return nil
	}
	auth, err := br.DB.AuthUser.GetByServiceID(ctx, userServiceID)
	if err != nil {
		return fmt.Errorf("failed to get auth user: %w", err)
	}
	if auth != nil {
		if err = br.DB.Room.AddAuthUser(ctx, room.MXID, auth.MXID); err != nil {
			return fmt.Errorf("failed to add room member: %w", err)
		}
		return br.claimFrontier(ctx, room, auth.MXID)
	}
	su, err := br.ensureServiceUser(ctx, userServiceID, nick)
	if err != nil {
		return err
	}
	if err = br.AS.Intent(su.MXID).EnsureJoined(ctx, room.MXID); err != nil {
		return err
	}
	return br.DB.Room.AddServiceUser(ctx, room.MXID, userServiceID)
}

// RemoteUserLeft mirrors a remote room leave.
func (br *Bridge) RemoteUserLeft(ctx context.Context, login *UserLogin, roomServiceID, userServiceID string) error {
	room, err := br.lookupActiveRoom(ctx, roomServiceID)
	if err != nil || room == nil {
		return err
	}
	if !isFrontier(room, login) {
		return nil
	}
	auth, err := br.DB.AuthUser.GetByServiceID(ctx, userServiceID)
	if err != nil {
		return fmt.Errorf("failed to get auth user: %w", err)
	}
	if auth != nil {
		if err = br.DB.Room.RemoveAuthUser(ctx, room.MXID, auth.MXID); err != nil {
			return fmt.Errorf("failed to remove room member: %w", err)
		}
		return br.promoteFrontier(ctx, room, auth.MXID)
	}
	su, err := br.DB.ServiceUser.GetByServiceID(ctx, userServiceID)
	if err != nil {
		return fmt.Errorf("failed to get service user: %w", err)
	}
	if su == nil {
		return nil
	}
	intent := br.AS.Intent(su.MXID)
	if _, err = intent.LeaveRoom(ctx, room.MXID); err != nil {
		br.Log.Warn().Err(err).
			Stringer("user_id", su.MXID).
			Stringer("room_id", room.MXID).
			Msg("Failed to leave room")
	}
	intent.MarkNotJoined(room.MXID)
	return br.DB.Room.RemoveServiceUser(ctx, room.MXID, userServiceID)
}

// claimFrontier makes the user the room's relay frontier if nobody holds
// it yet.
func (br *Bridge) claimFrontier(ctx context.Context, room *store.Room, userID id.UserID) error {
	if room.FrontierMXID != "" {
		return nil
	}
	room.FrontierMXID = userID
	return br.DB.Room.SetFrontier(ctx, room.MXID, userID)
}

// promoteFrontier hands the frontier to another participant after the
// holder left, or clears it when the room has none left.
func (br *Bridge) promoteFrontier(ctx context.Context, room *store.Room, leaving id.UserID) error {
	if room.FrontierMXID != leaving {
		return nil
	}
	members, err := br.DB.Room.GetAuthUsers(ctx, room.MXID)
	if err != nil {
		return fmt.Errorf("failed to list room members: %w", err)
	}
	var next id.UserID
	for _, member := range members {
		if member != leaving {
			next = member
			break
		}
	}
	room.FrontierMXID = next
	if err = br.DB.Room.SetFrontier(ctx, room.MXID, next); err != nil {
		return err
	}
	if next != "" {
		br.Log.Debug().
			Stringer("room_id", room.MXID).
			Stringer("user_id", next).
			Msg("Promoted new room frontier")
	}
	return nil
}
