// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgekit/pkg/store"
)

const (
	testASToken = "as-token-test"
	testHSToken = "hs-token-test"
	testDomain  = "example.com"
)

// matrixServer is a fake homeserver covering the client-server endpoints
// the bridge uses: registration, membership, sending, profiles, media
// and whoami. It records everything for assertions.
type matrixServer struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	tokens       map[string]id.UserID
	registered   map[string]bool
	joined       map[id.RoomID]map[id.UserID]bool
	displaynames map[id.UserID]string
	avatarURLs   map[id.UserID]string
	events       []sentEvent
	createBodies []json.RawMessage
	calls        []string
	eventID      int
	roomSeq      int
	uploadSeq    int
}

// sentEvent is one recorded send or state call. UserID is the user_id
// query parameter, so it is empty for non-appservice clients; Token
// identifies those instead.
type sentEvent struct {
	Token    string
	UserID   id.UserID
	RoomID   id.RoomID
	Type     string
	StateKey string
	State    bool
	Body     json.RawMessage
}

func newMatrixServer(t *testing.T) *matrixServer {
	t.Helper()
	hs := &matrixServer{
		t:            t,
		tokens:       map[string]id.UserID{},
		registered:   map[string]bool{},
		joined:       map[id.RoomID]map[id.UserID]bool{},
		displaynames: map[id.UserID]string{},
		avatarURLs:   map[id.UserID]string{},
	}
	hs.srv = httptest.NewServer(http.HandlerFunc(hs.handle))
	t.Cleanup(hs.srv.Close)
	return hs
}

func (hs *matrixServer) URL() string {
	return hs.srv.URL
}

// SetToken makes the fake answer whoami for the given access token.
func (hs *matrixServer) SetToken(token string, userID id.UserID) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.tokens[token] = userID
}

func (hs *matrixServer) Calls(fragment string) int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	n := 0
	for _, call := range hs.calls {
		if strings.Contains(call, fragment) {
			n++
		}
	}
	return n
}

func (hs *matrixServer) Events() []sentEvent {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]sentEvent(nil), hs.events...)
}

// MessageEvents returns the recorded m.room.message sends in a room.
func (hs *matrixServer) MessageEvents(roomID id.RoomID) []sentEvent {
	var out []sentEvent
	for _, evt := range hs.Events() {
		if evt.RoomID == roomID && evt.Type == "m.room.message" && !evt.State {
			out = append(out, evt)
		}
	}
	return out
}

func (hs *matrixServer) Registered(localpart string) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.registered[localpart]
}

func (hs *matrixServer) IsJoined(roomID id.RoomID, userID id.UserID) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.joined[roomID][userID]
}

func (hs *matrixServer) Displayname(userID id.UserID) string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.displaynames[userID]
}

func (hs *matrixServer) AvatarURL(userID id.UserID) string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.avatarURLs[userID]
}

func writeMXError(w http.ResponseWriter, status int, errcode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"errcode":%q,"error":%q}`, errcode, message)
}

func writeMXJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (hs *matrixServer) handle(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	hs.calls = append(hs.calls, r.Method+" "+r.URL.Path)
	hs.mu.Unlock()

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	hs.mu.Lock()
	_, knownToken := hs.tokens[token]
	hs.mu.Unlock()
	if !knownToken {
		writeMXError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Bad access token")
		return
	}
	asUser := id.UserID(r.URL.Query().Get("user_id"))

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "_matrix" && parts[1] == "media" && parts[3] == "upload" {
		hs.handleUpload(w)
		return
	}
	if len(parts) < 4 || parts[0] != "_matrix" || parts[1] != "client" {
		hs.t.Errorf("matrixServer: unexpected path %s", r.URL.Path)
		writeMXError(w, http.StatusNotFound, "M_UNRECOGNIZED", "Unknown endpoint")
		return
	}
	rest := parts[3:]

	switch {
	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "register":
		hs.handleRegister(w, r)
	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "createRoom":
		hs.handleCreateRoom(w, r)
	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "account" && rest[1] == "whoami":
		hs.handleWhoami(w, token)
	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "rooms" && rest[2] == "join":
		hs.handleJoin(w, id.RoomID(rest[1]), asUser)
	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "rooms" && rest[2] == "leave":
		hs.handleLeave(w, id.RoomID(rest[1]), asUser)
	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "rooms" && rest[2] == "invite":
		writeMXJSON(w, "{}")
	case r.Method == http.MethodPut && len(rest) >= 4 && rest[0] == "rooms" && rest[2] == "send":
		hs.recordEvent(w, r, sentEvent{Token: token, UserID: asUser, RoomID: id.RoomID(rest[1]), Type: rest[3]})
	case r.Method == http.MethodPut && len(rest) >= 4 && rest[0] == "rooms" && rest[2] == "state":
		evt := sentEvent{Token: token, UserID: asUser, RoomID: id.RoomID(rest[1]), Type: rest[3], State: true}
		if len(rest) > 4 {
			evt.StateKey = strings.Join(rest[4:], "/")
		}
		hs.recordEvent(w, r, evt)
	case r.Method == http.MethodPut && len(rest) == 4 && rest[0] == "rooms" && rest[2] == "typing":
		writeMXJSON(w, "{}")
	case r.Method == http.MethodPut && len(rest) == 3 && rest[0] == "profile" && rest[2] == "displayname":
		hs.handleProfile(w, r, id.UserID(rest[1]), "displayname", hs.displaynames)
	case r.Method == http.MethodPut && len(rest) == 3 && rest[0] == "profile" && rest[2] == "avatar_url":
		hs.handleProfile(w, r, id.UserID(rest[1]), "avatar_url", hs.avatarURLs)
	default:
		hs.t.Errorf("matrixServer: unexpected request %s %s", r.Method, r.URL.Path)
		writeMXError(w, http.StatusNotFound, "M_UNRECOGNIZED", "Unknown endpoint")
	}
}

func (hs *matrixServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeMXError(w, http.StatusBadRequest, "M_BAD_JSON", "Invalid register body")
		return
	}
	hs.mu.Lock()
	hs.registered[req.Username] = true
	hs.mu.Unlock()
	writeMXJSON(w, fmt.Sprintf(`{"user_id":"@%s:%s"}`, req.Username, testDomain))
}

func (hs *matrixServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeMXError(w, http.StatusBadRequest, "M_BAD_JSON", "Failed to read body")
		return
	}
	hs.mu.Lock()
	hs.roomSeq++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", hs.roomSeq, testDomain))
	hs.createBodies = append(hs.createBodies, body)
	hs.mu.Unlock()
	writeMXJSON(w, fmt.Sprintf(`{"room_id":%q}`, roomID))
}

func (hs *matrixServer) handleWhoami(w http.ResponseWriter, token string) {
	hs.mu.Lock()
	userID := hs.tokens[token]
	hs.mu.Unlock()
	writeMXJSON(w, fmt.Sprintf(`{"user_id":%q}`, userID))
}

func (hs *matrixServer) handleJoin(w http.ResponseWriter, roomID id.RoomID, userID id.UserID) {
	hs.mu.Lock()
	if hs.joined[roomID] == nil {
		hs.joined[roomID] = map[id.UserID]bool{}
	}
	hs.joined[roomID][userID] = true
	hs.mu.Unlock()
	writeMXJSON(w, fmt.Sprintf(`{"room_id":%q}`, roomID))
}

func (hs *matrixServer) handleLeave(w http.ResponseWriter, roomID id.RoomID, userID id.UserID) {
	hs.mu.Lock()
	if hs.joined[roomID] != nil {
		delete(hs.joined[roomID], userID)
	}
	hs.mu.Unlock()
	writeMXJSON(w, "{}")
}

func (hs *matrixServer) handleProfile(w http.ResponseWriter, r *http.Request, userID id.UserID, field string, into map[id.UserID]string) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMXError(w, http.StatusBadRequest, "M_BAD_JSON", "Invalid profile body")
		return
	}
	hs.mu.Lock()
	into[userID] = req[field]
	hs.mu.Unlock()
	writeMXJSON(w, "{}")
}

func (hs *matrixServer) handleUpload(w http.ResponseWriter) {
	hs.mu.Lock()
	hs.uploadSeq++
	n := hs.uploadSeq
	hs.mu.Unlock()
	writeMXJSON(w, fmt.Sprintf(`{"content_uri":"mxc://%s/upload%d"}`, testDomain, n))
}

func (hs *matrixServer) recordEvent(w http.ResponseWriter, r *http.Request, evt sentEvent) {
	body, err := readBody(r)
	if err != nil {
		writeMXError(w, http.StatusBadRequest, "M_BAD_JSON", "Failed to read body")
		return
	}
	evt.Body = body
	hs.mu.Lock()
	hs.events = append(hs.events, evt)
	hs.eventID++
	n := hs.eventID
	hs.mu.Unlock()
	writeMXJSON(w, fmt.Sprintf(`{"event_id":"$fake%d:%s"}`, n, testDomain))
}

func readBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	err := json.NewDecoder(r.Body).Decode(&raw)
	return raw, err
}

// mockConnector records every call from the bridge and lets tests swap
// in custom behavior per hook.
type mockConnector struct {
	br *Bridge

	mu           sync.Mutex
	messages     []*MatrixMessage
	typings      []*MatrixTyping
	memberships  []*MatrixMembership
	roomMeta     []*MatrixRoomMeta
	commands     []*AdminCommand
	connected    []id.UserID
	disconnected []id.UserID

	stopped bool

	handleMessage func(ctx context.Context, msg *MatrixMessage) (*MatrixMessageResponse, error)
	handleCommand func(ctx context.Context, cmd *AdminCommand) (string, error)
	connectErr    error
	profiles      map[string]*RemoteProfile
}

var (
	_ NetworkConnector            = (*mockConnector)(nil)
	_ TypingHandlingConnector     = (*mockConnector)(nil)
	_ MembershipHandlingConnector = (*mockConnector)(nil)
	_ RoomMetaHandlingConnector   = (*mockConnector)(nil)
	_ CommandHandlingConnector    = (*mockConnector)(nil)
	_ ProfileSyncingConnector     = (*mockConnector)(nil)
	_ DisconnectingConnector      = (*mockConnector)(nil)
)

func (mc *mockConnector) Init(br *Bridge)                 { mc.br = br }
func (mc *mockConnector) Start(ctx context.Context) error { return nil }

func (mc *mockConnector) Stop() {
	mc.mu.Lock()
	mc.stopped = true
	mc.mu.Unlock()
}

func (mc *mockConnector) Stopped() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.stopped
}

func (mc *mockConnector) ConnectUser(ctx context.Context, login *UserLogin) error {
	mc.mu.Lock()
	mc.connected = append(mc.connected, login.MXID)
	mc.mu.Unlock()
	return mc.connectErr
}

func (mc *mockConnector) DisconnectUser(ctx context.Context, login *UserLogin) error {
	mc.mu.Lock()
	mc.disconnected = append(mc.disconnected, login.MXID)
	mc.mu.Unlock()
	return nil
}

func (mc *mockConnector) HandleMatrixMessage(ctx context.Context, msg *MatrixMessage) (*MatrixMessageResponse, error) {
	mc.mu.Lock()
	mc.messages = append(mc.messages, msg)
	mc.mu.Unlock()
	if mc.handleMessage != nil {
		return mc.handleMessage(ctx, msg)
	}
	return &MatrixMessageResponse{RemoteID: "remote-" + string(msg.Event.ID)}, nil
}

func (mc *mockConnector) HandleMatrixTyping(ctx context.Context, typing *MatrixTyping) error {
	mc.mu.Lock()
	mc.typings = append(mc.typings, typing)
	mc.mu.Unlock()
	return nil
}

func (mc *mockConnector) HandleMatrixMembership(ctx context.Context, membership *MatrixMembership) error {
	mc.mu.Lock()
	mc.memberships = append(mc.memberships, membership)
	mc.mu.Unlock()
	return nil
}

func (mc *mockConnector) HandleMatrixRoomMeta(ctx context.Context, meta *MatrixRoomMeta) error {
	mc.mu.Lock()
	mc.roomMeta = append(mc.roomMeta, meta)
	mc.mu.Unlock()
	return nil
}

func (mc *mockConnector) HandleAdminCommand(ctx context.Context, cmd *AdminCommand) (string, error) {
	mc.mu.Lock()
	mc.commands = append(mc.commands, cmd)
	mc.mu.Unlock()
	if mc.handleCommand != nil {
		return mc.handleCommand(ctx, cmd)
	}
	return "", nil
}

func (mc *mockConnector) FetchProfile(ctx context.Context, serviceID string) (*RemoteProfile, error) {
	return mc.profiles[serviceID], nil
}

func (mc *mockConnector) Messages() []*MatrixMessage {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]*MatrixMessage(nil), mc.messages...)
}

func (mc *mockConnector) Typings() []*MatrixTyping {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]*MatrixTyping(nil), mc.typings...)
}

func (mc *mockConnector) Memberships() []*MatrixMembership {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]*MatrixMembership(nil), mc.memberships...)
}

// minimalConnector implements only the core contract, used to verify the
// optional interfaces really are optional.
type minimalConnector struct{}

func (minimalConnector) Init(*Bridge)                {}
func (minimalConnector) Start(context.Context) error { return nil }
func (minimalConnector) Stop()                       {}
func (minimalConnector) ConnectUser(context.Context, *UserLogin) error {
	return nil
}
func (minimalConnector) HandleMatrixMessage(context.Context, *MatrixMessage) (*MatrixMessageResponse, error) {
	return nil, nil
}

// testBridge bundles a bridge with its fake homeserver and connector.
type testBridge struct {
	*Bridge
	hs  *matrixServer
	net *mockConnector
}

func newTestBridge(t *testing.T) *testBridge {
	return newTestBridgeWith(t, nil, nil)
}

// newTestBridgeWith builds a fully wired bridge against the fake
// homeserver and an in-memory database. A nil connector defaults to a
// fresh mockConnector; mutate runs on the config before post-processing.
func newTestBridgeWith(t *testing.T, mutate func(*Config), connector NetworkConnector) *testBridge {
	t.Helper()
	hs := newMatrixServer(t)
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: hs.URL(), Domain: testDomain},
		AppService: AppServiceConfig{
			Address:      "http://localhost:29331",
			Hostname:     "127.0.0.1",
			Port:         29331,
			ID:           "bridgekit-test",
			BotLocalpart: "bridgebot",
			Registration: "registration.yaml",
		},
		Database: DatabaseConfig{Type: "sqlite3", URI: ":memory:"},
		Bridge: BridgeConfig{
			UsernameTemplate:    "_bridgekit_{{.}}",
			DisplaynameTemplate: "{{.Nick}} (bridged)",
			TypingTimeout:       10,
		},
		Provisioning: ProvisioningConfig{SharedSecret: "prov-secret"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}

	reg := GenerateRegistration(cfg)
	reg.AppToken = testASToken
	reg.ServerToken = testHSToken
	if err := reg.Compile(); err != nil {
		t.Fatalf("failed to compile registration: %v", err)
	}

	rawDB, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	rawDB.SetMaxOpenConns(1)
	rawDB.SetMaxIdleConns(1)
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		t.Fatalf("failed to wrap database: %v", err)
	}
	db.Log = dbutil.ZeroLogger(zerolog.Nop())

	tb := &testBridge{}
	if connector == nil {
		tb.net = &mockConnector{}
		connector = tb.net
	} else if mock, ok := connector.(*mockConnector); ok {
		tb.net = mock
	}
	br, err := newBridge(cfg, zerolog.Nop(), connector, reg, db)
	if err != nil {
		t.Fatalf("newBridge: %v", err)
	}
	if err = br.DB.Upgrade(context.Background()); err != nil {
		t.Fatalf("failed to upgrade schema: %v", err)
	}
	br.startedAt = time.Now()
	hs.SetToken(testASToken, br.AS.BotMXID())
	t.Cleanup(func() {
		_ = br.DB.Close()
	})
	tb.Bridge = br
	tb.hs = hs
	return tb
}

// login stores remote credentials directly, bypassing the connector.
func (tb *testBridge) login(t *testing.T, mxid id.UserID, serviceID string) *store.AuthUser {
	t.Helper()
	user := &store.AuthUser{
		MXID:            mxid,
		ServiceID:       serviceID,
		ServiceUsername: serviceID,
		AuthToken:       "remote-token",
	}
	if err := tb.DB.AuthUser.Put(context.Background(), user); err != nil {
		t.Fatalf("failed to store auth user: %v", err)
	}
	return user
}

// linkRoom stores an active room link directly.
func (tb *testBridge) linkRoom(t *testing.T, mxid id.RoomID, serviceID string) *store.Room {
	t.Helper()
	room := &store.Room{MXID: mxid, ServiceID: serviceID, Active: true}
	if err := tb.DB.Room.Put(context.Background(), room); err != nil {
		t.Fatalf("failed to store room: %v", err)
	}
	return room
}

var testEventSeq int
var testEventSeqMu sync.Mutex

func nextEventID() id.EventID {
	testEventSeqMu.Lock()
	defer testEventSeqMu.Unlock()
	testEventSeq++
	return id.EventID(fmt.Sprintf("$test%d:%s", testEventSeq, testDomain))
}

func makeMessageEvent(sender id.UserID, roomID id.RoomID, body string) *event.Event {
	return &event.Event{
		ID:     nextEventID(),
		Type:   event.EventMessage,
		RoomID: roomID,
		Sender: sender,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func makeMemberEvent(sender id.UserID, roomID id.RoomID, target id.UserID, membership event.Membership, isDirect bool) *event.Event {
	stateKey := string(target)
	return &event.Event{
		ID:       nextEventID(),
		Type:     event.StateMember,
		RoomID:   roomID,
		Sender:   sender,
		StateKey: &stateKey,
		Content: event.Content{Parsed: &event.MemberEventContent{
			Membership: membership,
			IsDirect:   isDirect,
		}},
	}
}

func makeTypingEvent(roomID id.RoomID, users ...id.UserID) *event.Event {
	return &event.Event{
		Type:    event.EphemeralEventTyping,
		RoomID:  roomID,
		Content: event.Content{Parsed: &event.TypingEventContent{UserIDs: users}},
	}
}
