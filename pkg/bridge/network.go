// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgekit/pkg/store"
)

// NetworkConnector is the contract a bridge plugin implements. The
// framework owns the Matrix side; the connector owns the remote service
// side and calls back into the Bridge's Relay*/Remote* methods for
// anything that should reach Matrix.
type NetworkConnector interface {
	// Init is called once before Start with the fully constructed Bridge.
	Init(br *Bridge)
	// Start brings up shared connector state. Per-user connections are
	// established through ConnectUser.
	Start(ctx context.Context) error
	// Stop tears down all remote connections. Called during shutdown
	// after the Matrix side stopped delivering events.
	Stop()
	// ConnectUser establishes the remote connection for one authenticated
	// user. It is called for every stored user on startup and once from
	// AddAuthUser for new logins.
	ConnectUser(ctx context.Context, login *UserLogin) error
	// HandleMatrixMessage relays a message from a linked room to the
	// remote service. The returned remote message ID feeds the echo
	// suppression cache.
	HandleMatrixMessage(ctx context.Context, msg *MatrixMessage) (*MatrixMessageResponse, error)
}

// TypingHandlingConnector is implemented by connectors that can forward
// Matrix typing notifications to the remote service.
type TypingHandlingConnector interface {
	HandleMatrixTyping(ctx context.Context, typing *MatrixTyping) error
}

// MembershipHandlingConnector is implemented by connectors that want to
// mirror Matrix join/leave/invite changes on the remote service. The
// framework has already updated its own membership bookkeeping when this
// is called.
type MembershipHandlingConnector interface {
	HandleMatrixMembership(ctx context.Context, membership *MatrixMembership) error
}

// RoomMetaHandlingConnector is implemented by connectors that can apply
// Matrix room name and topic changes remotely.
type RoomMetaHandlingConnector interface {
	HandleMatrixRoomMeta(ctx context.Context, meta *MatrixRoomMeta) error
}

// ProfileSyncingConnector is implemented by connectors that can look up
// remote user profiles on demand. Ghosts are materialized with this when
// a remote user appears without profile data.
type ProfileSyncingConnector interface {
	FetchProfile(ctx context.Context, serviceID string) (*RemoteProfile, error)
}

// CommandHandlingConnector is implemented by connectors that add their own
// admin room commands, login flows being the usual case. It receives every
// command the built-in processor does not recognize.
type CommandHandlingConnector interface {
	HandleAdminCommand(ctx context.Context, cmd *AdminCommand) (reply string, err error)
}

// DisconnectingConnector is implemented by connectors that need to tear
// down per-user state on logout.
type DisconnectingConnector interface {
	DisconnectUser(ctx context.Context, login *UserLogin) error
}

// ConfigurableConnector is implemented by connectors with their own config
// section. The example is appended under the network block of the bridge
// example config and the data struct is decoded from the same block.
type ConfigurableConnector interface {
	GetConfig() (example string, data any, upgrader up.Upgrader)
}

// UserLogin binds one authenticated user to their remote connection.
type UserLogin struct {
	*store.AuthUser

	Bridge *Bridge
	Log    zerolog.Logger
}

// MatrixMessage is a message or sticker from a linked room headed to the
// remote service.
type MatrixMessage struct {
	Event   *event.Event
	Content *event.MessageEventContent
	Room    *store.Room
	// AuthUser is the sender's login, nil when the sender is a plain
	// Matrix user without remote credentials.
	AuthUser *store.AuthUser
	// PlainText is the message body with Matrix HTML formatting already
	// flattened for remote consumption.
	PlainText string
}

// MatrixMessageResponse reports the outcome of a remote relay.
type MatrixMessageResponse struct {
	// RemoteID is the ID the relayed message got on the remote service.
	// The framework remembers it and drops the remote echo.
	RemoteID string
}

// MatrixTyping is a typing update from a linked room. UserIDs only
// contains real Matrix users, the bridge's own ghosts are filtered out.
type MatrixTyping struct {
	RoomID  id.RoomID
	Room    *store.Room
	UserIDs []id.UserID
}

// MatrixMembership is a membership change in a linked room.
type MatrixMembership struct {
	Event      *event.Event
	Room       *store.Room
	Sender     id.UserID
	Target     id.UserID
	Membership event.Membership
}

// MatrixRoomMeta is a room name or topic change in a linked room. Exactly
// one of Name and Topic is meaningful per event, NameChanged tells which.
type MatrixRoomMeta struct {
	Event       *event.Event
	Room        *store.Room
	NameChanged bool
	Name        string
	Topic       string
}

// AdminCommand is a command from an admin room that the built-in
// processor did not recognize.
type AdminCommand struct {
	Room *store.AdminRoom
	// User is the room owner's login row, nil if they have not
	// authenticated yet.
	User    *store.AuthUser
	Command string
	Args    []string
}

// RemoteMessage is a message received from the remote service.
type RemoteMessage struct {
	// ID is the remote message ID, used to suppress echoes of the
	// bridge's own relays. Optional but strongly recommended.
	ID string
	// RoomServiceID locates the linked room.
	RoomServiceID string
	// SenderServiceID identifies the remote author.
	SenderServiceID string
	// SenderNick is the author's current display name on the remote
	// service. Optional, used to keep the ghost's displayname fresh.
	SenderNick string
	// Text is the message in the remote service's mini markup. It is
	// rendered to Matrix HTML by the bridge.
	Text string
	// Emote marks /me style messages.
	Emote bool
}

// RemoteTyping is a typing update from the remote service.
type RemoteTyping struct {
	RoomServiceID   string
	SenderServiceID string
	Typing          bool
	Timeout         time.Duration
}

// RemoteProfile is a remote user's profile as the connector sees it.
type RemoteProfile struct {
	ServiceID string
	Nick      string
	AvatarURL string
}
