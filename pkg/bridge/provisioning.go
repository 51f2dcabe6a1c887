// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"
)

// provMaxBodySize caps provisioning request bodies.
const provMaxBodySize = 1 << 20

// provisioningAPI serves the HTTP endpoints other services use to drive
// logins programmatically, without going through the admin room.
type provisioningAPI struct {
	br  *Bridge
	log zerolog.Logger
}

// registerProvisioning mounts the provisioning routes on the appservice
// router. An empty shared secret leaves the API off.
func (br *Bridge) registerProvisioning() {
	if br.Config.Provisioning.SharedSecret == "" {
		return
	}
	prov := &provisioningAPI{
		br:  br,
		log: br.Log.With().Str("component", "provisioning").Logger(),
	}
	router := br.AS.Router.PathPrefix("/_bridgekit/provision/v1").Subrouter()
	router.Use(prov.authMiddleware)
	router.HandleFunc("/status", prov.Status).Methods(http.MethodGet)
	router.HandleFunc("/login", prov.Login).Methods(http.MethodPost)
	router.HandleFunc("/logout", prov.Logout).Methods(http.MethodPost)
	router.HandleFunc("/double_puppet", prov.DoublePuppet).Methods(http.MethodPost)
	router.HandleFunc("/rooms", prov.Rooms).Methods(http.MethodGet)
}

type provError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

func (prov *provisioningAPI) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		prov.log.Warn().Err(err).Msg("Failed to encode provisioning response")
	}
}

func (prov *provisioningAPI) respondError(w http.ResponseWriter, status int, code, message string) {
	prov.respondJSON(w, status, &provError{Code: code, Message: message})
}

// authMiddleware checks the shared secret and resolves the acting user
// from the user_id query parameter.
func (prov *provisioningAPI) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != prov.br.Config.Provisioning.SharedSecret {
			prov.respondError(w, http.StatusForbidden, "M_FORBIDDEN", "Invalid shared secret")
			return
		}
		if r.URL.Query().Get("user_id") == "" {
			prov.respondError(w, http.StatusBadRequest, "M_MISSING_PARAM", "Missing user_id query parameter")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func provUser(r *http.Request) id.UserID {
	return id.UserID(r.URL.Query().Get("user_id"))
}

type respStatus struct {
	Bridge          string             `json:"bridge"`
	StartedAt       jsontime.UnixMilli `json:"started_at"`
	LoggedIn        bool               `json:"logged_in"`
	ServiceID       string             `json:"service_id,omitempty"`
	ServiceUsername string             `json:"service_username,omitempty"`
	DoublePuppet    bool               `json:"double_puppet"`
}

// Status reports the bridge identity and the acting user's login state.
// Tokens are never included.
func (prov *provisioningAPI) Status(w http.ResponseWriter, r *http.Request) {
	user, err := prov.br.DB.AuthUser.GetByMXID(r.Context(), provUser(r))
	if err != nil {
		prov.respondError(w, http.StatusInternalServerError, "M_UNKNOWN", "Failed to look up login")
		return
	}
	resp := &respStatus{
		Bridge:    prov.br.AS.Registration.ID,
		StartedAt: jsontime.UM(prov.br.startedAt),
	}
	if user != nil {
		resp.LoggedIn = true
		resp.ServiceID = user.ServiceID
		resp.ServiceUsername = user.ServiceUsername
		resp.DoublePuppet = user.DoublePuppet()
	}
	prov.respondJSON(w, http.StatusOK, resp)
}

type reqLogin struct {
	ServiceID       string `json:"service_id"`
	ServiceUsername string `json:"service_username"`
	AuthToken       string `json:"auth_token"`
}

type respLogin struct {
	LoggedIn  bool   `json:"logged_in"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Login stores remote credentials for the acting user and connects them.
func (prov *provisioningAPI) Login(w http.ResponseWriter, r *http.Request) {
	var req reqLogin
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, provMaxBodySize)).Decode(&req); err != nil {
		prov.respondError(w, http.StatusBadRequest, "M_NOT_JSON", "Malformed request body")
		return
	}
	if req.ServiceID == "" || req.AuthToken == "" {
		prov.respondError(w, http.StatusBadRequest, "M_MISSING_PARAM", "service_id and auth_token are required")
		return
	}
	userID := provUser(r)
	login, err := prov.br.AddAuthUser(r.Context(), userID, req.ServiceID, req.ServiceUsername, req.AuthToken)
	if err != nil {
		if login == nil {
			prov.respondError(w, http.StatusInternalServerError, "M_UNKNOWN", "Failed to store login")
			return
		}
		// Credentials are saved, the remote connection just failed.
		prov.log.Warn().Err(err).Stringer("user_id", userID).Msg("Stored login but connecting failed")
		prov.respondJSON(w, http.StatusOK, &respLogin{LoggedIn: true, Connected: false, Error: err.Error()})
		return
	}
	prov.log.Info().Stringer("user_id", userID).Str("service_id", req.ServiceID).Msg("Provisioned login")
	prov.respondJSON(w, http.StatusOK, &respLogin{LoggedIn: true, Connected: true})
}

// Logout removes the acting user's login.
func (prov *provisioningAPI) Logout(w http.ResponseWriter, r *http.Request) {
	err := prov.br.RemoveAuthUser(r.Context(), provUser(r))
	switch {
	case errors.Is(err, ErrNotLoggedIn):
		prov.respondError(w, http.StatusNotFound, "M_NOT_FOUND", "User is not logged in")
	case err != nil:
		prov.respondError(w, http.StatusInternalServerError, "M_UNKNOWN", "Failed to remove login")
	default:
		prov.respondJSON(w, http.StatusOK, &respLogin{LoggedIn: false})
	}
}

type reqDoublePuppet struct {
	AccessToken string `json:"access_token"`
}

// DoublePuppet registers the acting user's own Matrix access token. An
// empty token disables double puppeting.
func (prov *provisioningAPI) DoublePuppet(w http.ResponseWriter, r *http.Request) {
	var req reqDoublePuppet
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, provMaxBodySize)).Decode(&req); err != nil {
		prov.respondError(w, http.StatusBadRequest, "M_NOT_JSON", "Malformed request body")
		return
	}
	err := prov.br.SetDoublePuppet(r.Context(), provUser(r), req.AccessToken)
	switch {
	case errors.Is(err, ErrNotLoggedIn):
		prov.respondError(w, http.StatusNotFound, "M_NOT_FOUND", "Log in before enabling double puppeting")
	case errors.Is(err, ErrTokenMismatch):
		prov.respondError(w, http.StatusForbidden, "M_FORBIDDEN", "Access token belongs to a different user")
	case err != nil:
		prov.respondError(w, http.StatusInternalServerError, "M_UNKNOWN", "Failed to validate access token")
	default:
		prov.respondJSON(w, http.StatusOK, map[string]bool{"double_puppet": req.AccessToken != ""})
	}
}

type respRoom struct {
	RoomID        id.RoomID `json:"room_id"`
	ServiceRoomID string    `json:"service_room_id"`
	Frontier      bool      `json:"frontier"`
}

// Rooms lists the active linked rooms the acting user participates in.
func (prov *provisioningAPI) Rooms(w http.ResponseWriter, r *http.Request) {
	userID := provUser(r)
	rooms, err := prov.br.DB.Room.GetByAuthUser(r.Context(), userID)
	if err != nil {
		prov.respondError(w, http.StatusInternalServerError, "M_UNKNOWN", "Failed to list rooms")
		return
	}
	resp := make([]respRoom, len(rooms))
	for i, room := range rooms {
		resp[i] = respRoom{
			RoomID:        room.MXID,
			ServiceRoomID: room.ServiceID,
			Frontier:      room.FrontierMXID == userID,
		}
	}
	prov.respondJSON(w, http.StatusOK, map[string][]respRoom{"rooms": resp})
}
