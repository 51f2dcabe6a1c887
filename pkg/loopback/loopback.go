// Copyright 2025-2026 Aiku AI

// Package loopback implements an in-memory network connector. It stands
// in for a real remote service: every relayed message is answered by a
// configurable echo user, which exercises the full ghost and relay
// machinery without any external dependency.
package loopback

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/random"

	"github.com/aiku/bridgekit/pkg/bridge"
)

//go:embed example-config.yaml
var exampleConfig string

// Config is the loopback connector's network section.
type Config struct {
	// EchoUser is the remote ID of the user answering every message.
	EchoUser string `yaml:"echo_user"`
	// EchoNick is the echo user's display name.
	EchoNick string `yaml:"echo_nick"`
	// ReplyPrefix is prepended to every echoed reply.
	ReplyPrefix string `yaml:"reply_prefix"`
}

func (cfg *Config) applyDefaults() {
	if cfg.EchoUser == "" {
		cfg.EchoUser = "echo"
	}
	if cfg.EchoNick == "" {
		cfg.EchoNick = "Echo"
	}
	if cfg.ReplyPrefix == "" {
		cfg.ReplyPrefix = "You said: "
	}
}

// Message is one entry in a loopback room's history.
type Message struct {
	ID       string
	RoomID   string
	SenderID string
	Text     string
}

// Connector is the in-memory remote service.
type Connector struct {
	br  *bridge.Bridge
	log zerolog.Logger
	cfg Config

	mu       sync.Mutex
	nextID   int
	rooms    map[string][]Message
	accounts map[string]string
}

var (
	_ bridge.NetworkConnector         = (*Connector)(nil)
	_ bridge.TypingHandlingConnector  = (*Connector)(nil)
	_ bridge.ProfileSyncingConnector  = (*Connector)(nil)
	_ bridge.CommandHandlingConnector = (*Connector)(nil)
	_ bridge.DisconnectingConnector   = (*Connector)(nil)
	_ bridge.ConfigurableConnector    = (*Connector)(nil)
)

func New() *Connector {
	return &Connector{
		rooms:    make(map[string][]Message),
		accounts: make(map[string]string),
	}
}

func (lc *Connector) Init(br *bridge.Bridge) {
	lc.br = br
	lc.log = br.Log.With().Str("component", "loopback").Logger()
	lc.cfg.applyDefaults()
}

func (lc *Connector) Start(ctx context.Context) error {
	lc.log.Info().Str("echo_user", lc.cfg.EchoUser).Msg("Loopback service ready")
	return nil
}

func (lc *Connector) Stop() {
	lc.log.Debug().Msg("Loopback service stopped")
}

// ConnectUser accepts any stored login with a non-empty token.
func (lc *Connector) ConnectUser(ctx context.Context, login *bridge.UserLogin) error {
	if login.AuthToken == "" {
		return fmt.Errorf("invalid loopback token for %s", login.ServiceID)
	}
	lc.mu.Lock()
	lc.accounts[login.ServiceID] = login.ServiceUsername
	lc.mu.Unlock()
	login.Log.Info().Str("service_id", login.ServiceID).Msg("Connected to loopback service")
	return nil
}

// DisconnectUser drops the in-memory session.
func (lc *Connector) DisconnectUser(ctx context.Context, login *bridge.UserLogin) error {
	lc.mu.Lock()
	delete(lc.accounts, login.ServiceID)
	lc.mu.Unlock()
	return nil
}

// record appends a message to a room's history and assigns its remote ID.
func (lc *Connector) record(roomID, senderID, text string) string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.nextID++
	msg := Message{
		ID:       "loop-" + strconv.Itoa(lc.nextID),
		RoomID:   roomID,
		SenderID: senderID,
		Text:     text,
	}
	lc.rooms[roomID] = append(lc.rooms[roomID], msg)
	return msg.ID
}

// Messages returns a copy of a room's history.
func (lc *Connector) Messages(roomID string) []Message {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	history := lc.rooms[roomID]
	out := make([]Message, len(history))
	copy(out, history)
	return out
}

func (lc *Connector) senderID(msg *bridge.MatrixMessage) string {
	if msg.AuthUser != nil {
		return msg.AuthUser.ServiceID
	}
	// Plain Matrix users get a synthetic remote identity.
	return "matrix:" + msg.Event.Sender.String()
}

// HandleMatrixMessage stores the message and answers it with the echo
// user. The echo reply flows back through the regular remote relay path.
func (lc *Connector) HandleMatrixMessage(ctx context.Context, msg *bridge.MatrixMessage) (*bridge.MatrixMessageResponse, error) {
	remoteID := lc.record(msg.Room.ServiceID, lc.senderID(msg), msg.PlainText)
	reply := lc.cfg.ReplyPrefix + msg.PlainText
	echoID := lc.record(msg.Room.ServiceID, lc.cfg.EchoUser, reply)
	_, err := lc.br.RelayRemoteMessage(ctx, nil, &bridge.RemoteMessage{
		ID:              echoID,
		RoomServiceID:   msg.Room.ServiceID,
		SenderServiceID: lc.cfg.EchoUser,
		SenderNick:      lc.cfg.EchoNick,
		Text:            reply,
	})
	if err != nil {
		lc.log.Warn().Err(err).Msg("Failed to relay echo reply")
	}
	return &bridge.MatrixMessageResponse{RemoteID: remoteID}, nil
}

// HandleMatrixTyping mirrors typing activity with the echo user, it
// starts typing whenever somebody else does.
func (lc *Connector) HandleMatrixTyping(ctx context.Context, typing *bridge.MatrixTyping) error {
	return lc.br.RelayRemoteTyping(ctx, nil, &bridge.RemoteTyping{
		RoomServiceID:   typing.Room.ServiceID,
		SenderServiceID: lc.cfg.EchoUser,
		Typing:          len(typing.UserIDs) > 0,
	})
}

// FetchProfile serves the echo user's profile.
func (lc *Connector) FetchProfile(ctx context.Context, serviceID string) (*bridge.RemoteProfile, error) {
	if serviceID != lc.cfg.EchoUser {
		return nil, nil
	}
	return &bridge.RemoteProfile{ServiceID: serviceID, Nick: lc.cfg.EchoNick}, nil
}

// HandleAdminCommand implements the loopback login flow. Real connectors
// would talk to their service here, loopback just mints a token.
func (lc *Connector) HandleAdminCommand(ctx context.Context, cmd *bridge.AdminCommand) (string, error) {
	if cmd.Command != "login" {
		return "", nil
	}
	if len(cmd.Args) != 1 {
		return "Usage: login <username>", nil
	}
	username := cmd.Args[0]
	_, err := lc.br.AddAuthUser(ctx, cmd.Room.UserMXID, username, username, random.String(32))
	if err != nil {
		return "", fmt.Errorf("failed to log in: %w", err)
	}
	return "Logged in to loopback as " + username + ".", nil
}

func (lc *Connector) GetConfig() (string, any, up.Upgrader) {
	return exampleConfig, &lc.cfg, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         [][]string{{"echo_user"}, {"echo_nick"}, {"reply_prefix"}},
		Base:           exampleConfig,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "echo_user")
	helper.Copy(up.Str, "echo_nick")
	helper.Copy(up.Str, "reply_prefix")
}
