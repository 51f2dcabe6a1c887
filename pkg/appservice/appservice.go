// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// transactionChannelSize bounds how many events the receiver buffers before
// transaction acknowledgement starts waiting on the dispatcher.
const transactionChannelSize = 64

// transactionCacheSize is how many processed transaction IDs are remembered
// for deduplication of homeserver retries.
const transactionCacheSize = 128

// QueryHandler answers the homeserver's existence queries for users and
// aliases in the appservice's namespaces. Returning true tells the
// homeserver the entity exists (or has been created on demand).
type QueryHandler interface {
	QueryUser(ctx context.Context, userID id.UserID) bool
	QueryAlias(ctx context.Context, alias id.RoomAlias) bool
}

// HostConfig is the listen address of the appservice HTTP server.
type HostConfig struct {
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`
}

// Address returns the hostname:port string to listen on.
func (hc HostConfig) Address() string {
	return fmt.Sprintf("%s:%d", hc.Hostname, hc.Port)
}

// AppService is the receiving end of the application service HTTP API plus
// a cache of per-user intents for the sending side.
type AppService struct {
	Log zerolog.Logger

	HomeserverDomain string
	HomeserverURL    string
	Host             HostConfig
	Registration     *Registration
	UserAgent        string

	// Router carries the appservice API routes. Additional routes (e.g. a
	// provisioning API) may be attached before Start.
	Router *mux.Router

	// Events receives all dispatched transaction events. Consumed by an
	// EventProcessor.
	Events chan *event.Event

	// QueryHandler answers user/alias existence queries. When nil, both
	// queries answer not found.
	QueryHandler QueryHandler

	// Live is false while the service is shutting down; Ready flips true
	// once the bridge layer has finished starting up.
	Live  bool
	Ready bool

	// HTTPRetries is applied to every intent client so rate-limited
	// requests are retried with the homeserver's suggested backoff.
	HTTPRetries int

	txnCache *IDCache

	server   *http.Server
	stopOnce sync.Once
	stopChan chan struct{}

	intents   map[id.UserID]*Intent
	intentsMu sync.RWMutex
	botIntent *Intent
}

// New creates an AppService with its routes registered. The registration
// must have compiled namespaces (LoadRegistration does this).
func New(log zerolog.Logger, hsURL, hsDomain string, host HostConfig, reg *Registration) *AppService {
	as := &AppService{
		Log:              log,
		HomeserverDomain: hsDomain,
		HomeserverURL:    hsURL,
		Host:             host,
		Registration:     reg,
		Router:           mux.NewRouter(),
		Events:           make(chan *event.Event, transactionChannelSize),
		HTTPRetries:      4,
		txnCache:         NewIDCache(transactionCacheSize),
		stopChan:         make(chan struct{}),
		intents:          make(map[id.UserID]*Intent),
		Live:             true,
	}
	as.registerRoutes()
	return as
}

// BotMXID returns the Matrix user ID of the appservice bot.
func (as *AppService) BotMXID() id.UserID {
	return id.NewUserID(as.Registration.SenderLocalpart, as.HomeserverDomain)
}

// BotIntent returns the intent of the appservice bot itself.
func (as *AppService) BotIntent() *Intent {
	if as.botIntent == nil {
		as.botIntent = as.makeIntent(as.BotMXID())
		as.botIntent.IsBot = true
	}
	return as.botIntent
}

// Intent returns a cached intent for the given virtual user, creating one
// on first use. Thread-safe.
func (as *AppService) Intent(userID id.UserID) *Intent {
	if userID == as.BotMXID() {
		return as.BotIntent()
	}
	as.intentsMu.RLock()
	intent, ok := as.intents[userID]
	as.intentsMu.RUnlock()
	if ok {
		return intent
	}
	as.intentsMu.Lock()
	defer as.intentsMu.Unlock()
	if intent, ok = as.intents[userID]; ok {
		return intent
	}
	intent = as.makeIntent(userID)
	as.intents[userID] = intent
	return intent
}

func (as *AppService) makeIntent(userID id.UserID) *Intent {
	client, err := mautrix.NewClient(as.HomeserverURL, userID, as.Registration.AppToken)
	if err != nil {
		// NewClient only fails on an unparseable homeserver URL, which is
		// validated at config load. Return a client-less intent whose
		// requests fail loudly instead of panicking here.
		as.Log.Error().Err(err).Stringer("user_id", userID).Msg("Failed to create intent client")
		return &Intent{as: as, UserID: userID}
	}
	client.SetAppServiceUserID = true
	client.DefaultHTTPRetries = as.HTTPRetries
	if as.UserAgent != "" {
		client.UserAgent = as.UserAgent
	}
	client.Log = as.Log.With().Str("component", "intent").Stringer("user_id", userID).Logger()
	return &Intent{
		as:     as,
		UserID: userID,
		Client: client,
		joined: make(map[id.RoomID]struct{}),
	}
}

// Start begins serving the appservice HTTP API. It blocks until the server
// stops; fatal listen errors are returned, a graceful Stop returns nil.
func (as *AppService) Start() error {
	as.server = &http.Server{
		Addr:         as.Host.Address(),
		Handler:      as.Router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	as.Log.Info().Str("address", as.Host.Address()).Msg("Starting appservice HTTP server")
	err := as.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("appservice HTTP server failed: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down gracefully and closes the Events channel
// once no more transactions can arrive. Safe to call more than once.
func (as *AppService) Stop() {
	as.stopOnce.Do(func() {
		as.Live = false
		close(as.stopChan)
		if as.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := as.server.Shutdown(ctx); err != nil {
				as.Log.Warn().Err(err).Msg("Failed to shut down appservice HTTP server cleanly")
			}
		}
		close(as.Events)
	})
}
