// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

const (
	testAppToken    = "as-token-test"
	testServerToken = "hs-token-test"
	testDomain      = "example.com"
)

func newTestRegistration(t *testing.T) *Registration {
	t.Helper()
	reg := &Registration{
		ID:              "bridgekit-test",
		URL:             "http://localhost:29331",
		AppToken:        testAppToken,
		ServerToken:     testServerToken,
		SenderLocalpart: "bridgebot",
		Namespaces: Namespaces{
			Users:   NamespaceList{{Regex: `@_test_.*:example\.com`, Exclusive: true}},
			Aliases: NamespaceList{{Regex: `#_test_.*:example\.com`, Exclusive: true}},
		},
	}
	if err := reg.Compile(); err != nil {
		t.Fatalf("failed to compile test registration: %v", err)
	}
	return reg
}

func newTestAppService(t *testing.T, hsURL string) *AppService {
	t.Helper()
	if hsURL == "" {
		hsURL = "http://localhost:8008"
	}
	host := HostConfig{Hostname: "127.0.0.1", Port: 29331}
	return New(zerolog.Nop(), hsURL, testDomain, host, newTestRegistration(t))
}

// fakeHS is a minimal fake homeserver. It implements only the
// client-server endpoints the intents use, records every call and lets
// tests mark rooms as invite-only or localparts as taken.
type fakeHS struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	registered map[string]bool
	joined     map[id.RoomID]map[id.UserID]bool
	invited    map[id.RoomID]map[id.UserID]bool
	inviteOnly map[id.RoomID]bool
	events     []fakeHSEvent
	calls      []string
	eventID    int
}

type fakeHSEvent struct {
	UserID   id.UserID
	RoomID   id.RoomID
	Type     string
	StateKey string
	State    bool
	Body     json.RawMessage
}

func newFakeHS(t *testing.T) *fakeHS {
	t.Helper()
	hs := &fakeHS{
		t:          t,
		registered: make(map[string]bool),
		joined:     make(map[id.RoomID]map[id.UserID]bool),
		invited:    make(map[id.RoomID]map[id.UserID]bool),
		inviteOnly: make(map[id.RoomID]bool),
	}
	hs.srv = httptest.NewServer(http.HandlerFunc(hs.handle))
	t.Cleanup(hs.srv.Close)
	return hs
}

func (hs *fakeHS) URL() string {
	return hs.srv.URL
}

// Calls counts recorded calls whose "METHOD path" string contains the
// given fragment.
func (hs *fakeHS) Calls(fragment string) int {
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

func (hs *fakeHS) SetRegistered(localpart string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.registered[localpart] = true
}

func (hs *fakeHS) SetInviteOnly(roomID id.RoomID) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.inviteOnly[roomID] = true
}

func (hs *fakeHS) IsJoined(roomID id.RoomID, userID id.UserID) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.joined[roomID][userID]
}

func (hs *fakeHS) Events() []fakeHSEvent {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]fakeHSEvent(nil), hs.events...)
}

func writeFakeError(w http.ResponseWriter, status int, errcode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"errcode":%q,"error":%q}`, errcode, message)
}

func writeFakeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (hs *fakeHS) handle(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	hs.calls = append(hs.calls, r.Method+" "+r.URL.Path)
	hs.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+testAppToken {
		writeFakeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Bad access token")
		return
	}
	asUser := id.UserID(r.URL.Query().Get("user_id"))

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// All paths start with _matrix/client/v3.
	if len(parts) < 4 || parts[0] != "_matrix" || parts[1] != "client" {
		hs.t.Errorf("fakeHS: unexpected path %s", r.URL.Path)
		writeFakeError(w, http.StatusNotFound, "M_UNRECOGNIZED", "Unknown endpoint")
		return
	}
	rest := parts[3:]

	switch {
	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "register":
		hs.handleRegister(w, r)
	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "rooms" && rest[2] == "join":
		hs.handleJoin(w, id.RoomID(rest[1]), asUser)
	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "rooms" && rest[2] == "invite":
		hs.handleInvite(w, r, id.RoomID(rest[1]))
	case r.Method == http.MethodPut && len(rest) >= 4 && rest[0] == "rooms" && rest[2] == "send":
		hs.recordEvent(w, r, fakeHSEvent{UserID: asUser, RoomID: id.RoomID(rest[1]), Type: rest[3]})
	case r.Method == http.MethodPut && len(rest) >= 4 && rest[0] == "rooms" && rest[2] == "state":
		evt := fakeHSEvent{UserID: asUser, RoomID: id.RoomID(rest[1]), Type: rest[3], State: true}
		if len(rest) > 4 {
			evt.StateKey = strings.Join(rest[4:], "/")
		}
		hs.recordEvent(w, r, evt)
	case r.Method == http.MethodPut && len(rest) == 4 && rest[0] == "rooms" && rest[2] == "typing":
		writeFakeJSON(w, "{}")
	default:
		hs.t.Errorf("fakeHS: unexpected request %s %s", r.Method, r.URL.Path)
		writeFakeError(w, http.StatusNotFound, "M_UNRECOGNIZED", "Unknown endpoint")
	}
}

func (hs *fakeHS) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeFakeError(w, http.StatusBadRequest, "M_BAD_JSON", "Invalid register body")
		return
	}
	hs.mu.Lock()
	taken := hs.registered[req.Username]
	if !taken {
		hs.registered[req.Username] = true
	}
	hs.mu.Unlock()
	if taken {
		writeFakeError(w, http.StatusBadRequest, "M_USER_IN_USE", "Desired user ID is already taken.")
		return
	}
	writeFakeJSON(w, fmt.Sprintf(`{"user_id":"@%s:%s"}`, req.Username, testDomain))
}

func (hs *fakeHS) handleJoin(w http.ResponseWriter, roomID id.RoomID, userID id.UserID) {
	hs.mu.Lock()
	allowed := !hs.inviteOnly[roomID] || hs.invited[roomID][userID]
	if allowed {
		if hs.joined[roomID] == nil {
			hs.joined[roomID] = make(map[id.UserID]bool)
		}
		hs.joined[roomID][userID] = true
	}
	hs.mu.Unlock()
	if !allowed {
		writeFakeError(w, http.StatusForbidden, "M_FORBIDDEN", "You are not invited to this room.")
		return
	}
	writeFakeJSON(w, fmt.Sprintf(`{"room_id":%q}`, roomID))
}

func (hs *fakeHS) handleInvite(w http.ResponseWriter, r *http.Request, roomID id.RoomID) {
	var req struct {
		UserID id.UserID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeFakeError(w, http.StatusBadRequest, "M_BAD_JSON", "Invalid invite body")
		return
	}
	hs.mu.Lock()
	alreadyJoined := hs.joined[roomID][req.UserID]
	if !alreadyJoined {
		if hs.invited[roomID] == nil {
			hs.invited[roomID] = make(map[id.UserID]bool)
		}
		hs.invited[roomID][req.UserID] = true
	}
	hs.mu.Unlock()
	if alreadyJoined {
		writeFakeError(w, http.StatusForbidden, "M_FORBIDDEN", string(req.UserID)+" is already in the room.")
		return
	}
	writeFakeJSON(w, "{}")
}

func (hs *fakeHS) recordEvent(w http.ResponseWriter, r *http.Request, evt fakeHSEvent) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeFakeError(w, http.StatusBadRequest, "M_BAD_JSON", "Failed to read body")
		return
	}
	evt.Body = body
	hs.mu.Lock()
	hs.events = append(hs.events, evt)
	hs.eventID++
	n := hs.eventID
	hs.mu.Unlock()
	writeFakeJSON(w, fmt.Sprintf(`{"event_id":"$fake%d:%s"}`, n, testDomain))
}
