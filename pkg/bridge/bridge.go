// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgekit/pkg/appservice"
	"github.com/aiku/bridgekit/pkg/store"
)

// relayedIDCacheSize bounds how many of our own relayed message IDs are
// remembered for echo suppression.
const relayedIDCacheSize = 256

// Bridge ties the transaction receiver, the state store, the puppet
// intents and a network connector into a running bridge.
type Bridge struct {
	Log    zerolog.Logger
	Config *Config

	AS      *appservice.AppService
	EP      *appservice.EventProcessor
	DB      *store.Store
	Bot     *appservice.Intent
	Network NetworkConnector

	// relayedRemoteIDs holds remote message IDs produced by our own
	// Matrix to remote relays. See doc.go for the echo prevention rules.
	relayedRemoteIDs *appservice.IDCache

	dpClients map[id.UserID]*mautrix.Client
	dpMu      sync.RWMutex

	// httpClient downloads remote avatars for profile sync.
	httpClient *http.Client

	startedAt time.Time
	stopOnce  sync.Once
}

// New builds a bridge from a post-processed config and a connector. The
// registration file must already exist (generate it with -g).
func New(cfg *Config, log zerolog.Logger, connector NetworkConnector) (*Bridge, error) {
	reg, err := appservice.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		return nil, err
	}
	db, err := dbutil.NewWithDialect(cfg.Database.URI, cfg.Database.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())
	if cfg.Database.MaxOpenConns > 0 {
		db.RawDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.RawDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	return newBridge(cfg, log, connector, reg, db)
}

// newBridge wires everything together from already opened resources. The
// registration must have compiled namespaces.
func newBridge(cfg *Config, log zerolog.Logger, connector NetworkConnector, reg *appservice.Registration, db *dbutil.Database) (*Bridge, error) {
	as := appservice.New(
		log.With().Str("component", "appservice").Logger(),
		cfg.Homeserver.Address,
		cfg.Homeserver.Domain,
		appservice.HostConfig{Hostname: cfg.AppService.Hostname, Port: cfg.AppService.Port},
		reg,
	)

	br := &Bridge{
		Log:              log,
		Config:           cfg,
		AS:               as,
		DB:               store.New(db),
		Network:          connector,
		relayedRemoteIDs: appservice.NewIDCache(relayedIDCacheSize),
		dpClients:        make(map[id.UserID]*mautrix.Client),
		httpClient:       &http.Client{Timeout: 30 * time.Second},
	}
	br.Bot = as.BotIntent()
	as.QueryHandler = br
	br.EP = appservice.NewEventProcessor(as)
	br.registerHandlers()
	br.registerProvisioning()

	if cc, ok := connector.(ConfigurableConnector); ok {
		_, data, _ := cc.GetConfig()
		if err := cfg.DecodeNetworkConfig(data); err != nil {
			return nil, err
		}
	}
	connector.Init(br)
	return br, nil
}

// Start runs the bridge until the context is cancelled or the appservice
// listener fails. It owns the full startup order: schema upgrade, HTTP
// listener, event dispatch, connector, stored logins.
func (br *Bridge) Start(ctx context.Context) error {
	br.startedAt = time.Now()
	br.Log.Info().Msg("Starting bridge")

	if err := br.DB.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database schema: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- br.AS.Start()
	}()
	br.EP.Start(ctx)

	if err := br.Network.Start(ctx); err != nil {
		return fmt.Errorf("failed to start network connector: %w", err)
	}
	br.connectStoredLogins(ctx)

	br.AS.Ready = true
	br.Log.Info().Msg("Bridge started")

	select {
	case err := <-serverErr:
		br.Stop()
		return err
	case <-ctx.Done():
		br.Stop()
		return nil
	}
}

// Stop shuts the bridge down in reverse dependency order. Safe to call
// more than once.
func (br *Bridge) Stop() {
	br.stopOnce.Do(func() {
		br.Log.Info().Msg("Stopping bridge")
		br.AS.Stop()
		br.EP.Stop()
		br.Network.Stop()
		if err := br.DB.Close(); err != nil {
			br.Log.Warn().Err(err).Msg("Failed to close database cleanly")
		}
	})
}

// connectStoredLogins re-establishes remote connections for every user in
// the store. Connection failures are logged per user, a dead remote
// account must not block startup.
func (br *Bridge) connectStoredLogins(ctx context.Context) {
	users, err := br.DB.AuthUser.GetAll(ctx)
	if err != nil {
		br.Log.Error().Err(err).Msg("Failed to load stored logins")
		return
	}
	for _, user := range users {
		login := br.NewUserLogin(user)
		go func() {
			if err := br.Network.ConnectUser(ctx, login); err != nil {
				login.Log.Error().Err(err).Msg("Failed to connect user")
			}
		}()
	}
}

// NewUserLogin wraps a stored auth user for the connector.
func (br *Bridge) NewUserLogin(user *store.AuthUser) *UserLogin {
	return &UserLogin{
		AuthUser: user,
		Bridge:   br,
		Log:      br.Log.With().Str("component", "login").Stringer("user_id", user.MXID).Logger(),
	}
}

// IsBridgeUser reports whether the MXID belongs to the bridge itself, the
// bot or any ghost. Events from such users are never treated as user
// input.
func (br *Bridge) IsBridgeUser(userID id.UserID) bool {
	return userID == br.AS.BotMXID() || br.AS.Registration.IsInUserNamespace(userID)
}

var _ appservice.QueryHandler = (*Bridge)(nil)

// QueryUser answers the homeserver's existence query for ghosts the
// bridge has already seen.
func (br *Bridge) QueryUser(ctx context.Context, userID id.UserID) bool {
	su, err := br.DB.ServiceUser.GetByMXID(ctx, userID)
	if err != nil {
		br.Log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to query service user")
		return false
	}
	return su != nil
}

// QueryAlias answers the homeserver's existence query for bridge room
// aliases. Alias localparts use the username template around the remote
// room ID.
func (br *Bridge) QueryAlias(ctx context.Context, alias id.RoomAlias) bool {
	localpart, homeserver, found := strings.Cut(strings.TrimPrefix(string(alias), "#"), ":")
	if !found || homeserver != br.Config.Homeserver.Domain {
		return false
	}
	serviceID, ok := br.Config.Bridge.ParseUsername(localpart)
	if !ok {
		return false
	}
	room, err := br.DB.Room.GetByServiceID(ctx, serviceID)
	if err != nil {
		br.Log.Warn().Err(err).Str("alias", string(alias)).Msg("Failed to query room alias")
		return false
	}
	return room != nil && room.Active
}

// GenerateRegistration builds a fresh registration with random tokens
// from the config. The caller saves it and installs it on the homeserver.
func GenerateRegistration(cfg *Config) *appservice.Registration {
	reg := appservice.NewRegistration()
	reg.ID = cfg.AppService.ID
	reg.URL = cfg.AppService.Address
	reg.SenderLocalpart = cfg.AppService.BotLocalpart
	reg.Namespaces.Users = appservice.NamespaceList{
		{Regex: cfg.Bridge.UsernamePattern(cfg.Homeserver.Domain), Exclusive: true},
	}
	reg.Namespaces.Aliases = appservice.NamespaceList{
		{Regex: cfg.Bridge.AliasPattern(cfg.Homeserver.Domain), Exclusive: true},
	}
	return reg
}

// UsernamePattern returns the regex matching every ghost MXID.
func (bc *BridgeConfig) UsernamePattern(domain string) string {
	return fmt.Sprintf(`^@%s.*%s:%s$`,
		regexp.QuoteMeta(bc.usernamePrefix), regexp.QuoteMeta(bc.usernameSuffix), regexp.QuoteMeta(domain))
}

// AliasPattern returns the regex matching every bridge room alias.
func (bc *BridgeConfig) AliasPattern(domain string) string {
	return fmt.Sprintf(`^#%s.*%s:%s$`,
		regexp.QuoteMeta(bc.usernamePrefix), regexp.QuoteMeta(bc.usernameSuffix), regexp.QuoteMeta(domain))
}

// sendNotice sends a plain notice as the bot, logging instead of
// returning errors. Used for admin room replies.
func (br *Bridge) sendNotice(ctx context.Context, roomID id.RoomID, message string) {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: message}
	if _, err := br.Bot.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		br.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to send notice")
	}
}
