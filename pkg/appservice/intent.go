// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var errNoClient = errors.New("intent has no client")

// Intent is a Matrix client bound to a single virtual user. Every request
// carries the appservice token plus a user_id assertion, so the homeserver
// executes it as that user. Registration and room membership are ensured
// lazily on first use.
type Intent struct {
	*mautrix.Client

	as     *AppService
	UserID id.UserID
	// IsBot marks the appservice bot's own intent. The bot is registered
	// by the homeserver through the registration file, never via the
	// register endpoint, and cannot fall back to inviting itself.
	IsBot bool

	registered bool
	joined     map[id.RoomID]struct{}
	mu         sync.Mutex
}

// EnsureRegistered registers the virtual user if this intent has not done
// so yet. A user that already exists counts as success, so racing ghost
// creation across restarts is harmless.
func (in *Intent) EnsureRegistered(ctx context.Context) error {
	if in.Client == nil {
		return errNoClient
	}
	in.mu.Lock()
	alreadyDone := in.registered || in.IsBot
	in.mu.Unlock()
	if alreadyDone {
		return nil
	}

	localpart, _, err := in.UserID.Parse()
	if err != nil {
		return fmt.Errorf("failed to parse user ID %s: %w", in.UserID, err)
	}
	_, _, err = in.Client.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("failed to register %s: %w", in.UserID, err)
	}

	in.mu.Lock()
	in.registered = true
	in.mu.Unlock()
	return nil
}

// EnsureJoined makes the virtual user a member of the room. If a plain
// join is forbidden, the appservice bot invites the user and the join is
// retried once.
func (in *Intent) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	if in.Client == nil {
		return errNoClient
	}
	if in.isJoined(roomID) {
		return nil
	}
	if err := in.EnsureRegistered(ctx); err != nil {
		return err
	}

	_, err := in.Client.JoinRoomByID(ctx, roomID)
	if err == nil {
		in.markJoined(roomID)
		return nil
	}
	if in.IsBot || !errors.Is(err, mautrix.MForbidden) {
		return fmt.Errorf("failed to join %s as %s: %w", roomID, in.UserID, err)
	}

	bot := in.as.BotIntent()
	if _, inviteErr := bot.Client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: in.UserID}); inviteErr != nil {
		return fmt.Errorf("failed to invite %s to %s: %w", in.UserID, roomID, inviteErr)
	}
	if _, err = in.Client.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join %s as %s after invite: %w", roomID, in.UserID, err)
	}
	in.markJoined(roomID)
	return nil
}

func (in *Intent) isJoined(roomID id.RoomID) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.joined[roomID]
	return ok
}

func (in *Intent) markJoined(roomID id.RoomID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.joined == nil {
		in.joined = make(map[id.RoomID]struct{})
	}
	in.joined[roomID] = struct{}{}
}

// MarkNotJoined forgets a cached membership, e.g. after the user left or
// was kicked, so the next send re-joins.
func (in *Intent) MarkNotJoined(roomID id.RoomID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.joined, roomID)
}

// SendMessageEvent sends a message event as the virtual user, joining the
// room first if needed.
func (in *Intent) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (*mautrix.RespSendEvent, error) {
	if err := in.EnsureJoined(ctx, roomID); err != nil {
		return nil, err
	}
	return in.Client.SendMessageEvent(ctx, roomID, eventType, content)
}

// SendStateEvent sends a state event as the virtual user, joining the room
// first if needed.
func (in *Intent) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) (*mautrix.RespSendEvent, error) {
	if err := in.EnsureJoined(ctx, roomID); err != nil {
		return nil, err
	}
	return in.Client.SendStateEvent(ctx, roomID, eventType, stateKey, content)
}

// UserTyping sets the typing state of the virtual user in the room.
func (in *Intent) UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	if err := in.EnsureJoined(ctx, roomID); err != nil {
		return err
	}
	_, err := in.Client.UserTyping(ctx, roomID, typing, timeout)
	return err
}

// EnsureInvited invites the target user to the room as this intent,
// treating an already-in-room rejection as success.
func (in *Intent) EnsureInvited(ctx context.Context, roomID id.RoomID, target id.UserID) error {
	if err := in.EnsureJoined(ctx, roomID); err != nil {
		return err
	}
	_, err := in.Client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: target})
	if err != nil && !isAlreadyInRoom(err) {
		return fmt.Errorf("failed to invite %s to %s: %w", target, roomID, err)
	}
	return nil
}

// isAlreadyInRoom matches the homeserver rejection for inviting a user who
// is already a member.
func isAlreadyInRoom(err error) bool {
	var respErr mautrix.HTTPError
	if errors.As(err, &respErr) && respErr.RespError != nil {
		return strings.Contains(respErr.RespError.Err, "is already in the room")
	}
	return false
}
