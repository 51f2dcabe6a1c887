// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgekit/pkg/store"
)

const adminRoomGreeting = "This is your bridge admin room. Type help to see the available commands."

const unknownCommandReply = "Unknown command. Type help to see the available commands."

// handleAdminMessage runs a command from an admin room. Only the room
// owner is listened to, other members may be invited for visibility but
// cannot drive the bridge.
func (br *Bridge) handleAdminMessage(ctx context.Context, room *store.AdminRoom, evt *event.Event, content *event.MessageEventContent) {
	if evt.Sender != room.UserMXID || content.MsgType != event.MsgText {
		return
	}
	fields := strings.Fields(content.Body)
	if len(fields) == 0 {
		return
	}
	command := strings.ToLower(fields[0])
	args := fields[1:]

	user, err := br.DB.AuthUser.GetByMXID(ctx, evt.Sender)
	if err != nil {
		br.Log.Err(err).Stringer("user_id", evt.Sender).Msg("Failed to look up command sender")
		br.sendNotice(ctx, room.MXID, "Failed to look up your login, try again later.")
		return
	}

	br.Log.Debug().
		Stringer("user_id", evt.Sender).
		Str("command", command).
		Msg("Handling admin command")

	var reply string
	switch command {
	case "help":
		reply = helpText
	case "ping":
		reply = br.cmdPing(ctx)
	case "status":
		reply = br.cmdStatus(user)
	case "link":
		reply = br.cmdLink(ctx, evt.Sender, user, args)
	case "unlink":
		reply = br.cmdUnlink(ctx, args)
	case "logout":
		reply = br.cmdLogout(ctx, evt.Sender)
	default:
		reply = br.cmdConnector(ctx, room, user, command, args)
	}
	if reply != "" {
		br.sendNotice(ctx, room.MXID, reply)
	}
}

var helpText = strings.Join([]string{
	"Available commands:",
	"help - Show this message",
	"ping - Check that the bridge can reach the homeserver",
	"status - Show your login status",
	"link <remote room ID> [name] - Bridge a remote room into a new Matrix room",
	"unlink <remote room ID> - Deactivate a linked room",
	"logout - Remove your remote login",
}, "\n")

func (br *Bridge) cmdPing(ctx context.Context) string {
	resp, err := br.Bot.Whoami(ctx)
	if err != nil {
		return "Failed to reach the homeserver: " + err.Error()
	}
	return fmt.Sprintf("Bridge running since %s. The homeserver sees the bot as %s.",
		br.startedAt.Format(time.RFC1123), resp.UserID)
}

func (br *Bridge) cmdStatus(user *store.AuthUser) string {
	if user == nil {
		return "You are not logged in."
	}
	puppeting := "disabled"
	if user.DoublePuppet() {
		puppeting = "enabled"
	}
	return fmt.Sprintf("Logged in as %s (remote ID %s). Double puppeting is %s.",
		user.ServiceUsername, user.ServiceID, puppeting)
}

func (br *Bridge) cmdLink(ctx context.Context, sender id.UserID, user *store.AuthUser, args []string) string {
	if len(args) < 1 {
		return "Usage: link <remote room ID> [name]"
	}
	serviceID := args[0]
	name := strings.Join(args[1:], " ")
	if name == "" {
		name = serviceID
	}
	room, err := br.CreateLinkedRoom(ctx, "", serviceID, name, sender)
	if err != nil {
		return "Failed to link room: " + err.Error()
	}
	if user != nil {
		if err = br.AddAuthUserToRoom(ctx, sender, room.MXID); err != nil {
			br.Log.Warn().Err(err).Stringer("room_id", room.MXID).Msg("Failed to record link requester as participant")
		}
	}
	return fmt.Sprintf("Linked %s to %s.", serviceID, room.MXID)
}

func (br *Bridge) cmdUnlink(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "Usage: unlink <remote room ID>"
	}
	room, err := br.DB.Room.GetByServiceID(ctx, args[0])
	if err != nil {
		return "Failed to look up room: " + err.Error()
	}
	if room == nil || !room.Active {
		return "No active link found for " + args[0] + "."
	}
	room.Active = false
	if err = br.DB.Room.Put(ctx, room); err != nil {
		return "Failed to unlink room: " + err.Error()
	}
	return fmt.Sprintf("Unlinked %s from %s.", args[0], room.MXID)
}

func (br *Bridge) cmdLogout(ctx context.Context, sender id.UserID) string {
	switch err := br.RemoveAuthUser(ctx, sender); {
	case errors.Is(err, ErrNotLoggedIn):
		return "You are not logged in."
	case err != nil:
		return "Failed to log out: " + err.Error()
	}
	return "Logged out."
}

// cmdConnector forwards an unrecognized command to the connector. An
// empty connector reply falls back to the unknown command message.
func (br *Bridge) cmdConnector(ctx context.Context, room *store.AdminRoom, user *store.AuthUser, command string, args []string) string {
	ch, ok := br.Network.(CommandHandlingConnector)
	if !ok {
		return unknownCommandReply
	}
	reply, err := ch.HandleAdminCommand(ctx, &AdminCommand{
		Room:    room,
		User:    user,
		Command: command,
		Args:    args,
	})
	if err != nil {
		return "Command failed: " + err.Error()
	}
	if reply == "" {
		return unknownCommandReply
	}
	return reply
}
