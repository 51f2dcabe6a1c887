// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// maxTransactionBodySize bounds the accepted transaction body (10 MB).
// Homeservers cap transactions well below this.
const maxTransactionBodySize = 10 << 20

// Transaction is the body of a transaction push from the homeserver.
// Ephemeral events arrive under the stable key or the legacy MSC2409
// prefixed key depending on the homeserver version.
type Transaction struct {
	Events        []*event.Event `json:"events"`
	Ephemeral     []*event.Event `json:"ephemeral,omitempty"`
	SoruEphemeral []*event.Event `json:"de.sorunome.msc2409.ephemeral,omitempty"`
}

// matrixError is the standard Matrix error body.
type matrixError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

const (
	errCodeForbidden    = "M_FORBIDDEN"
	errCodeUnknownToken = "M_UNKNOWN_TOKEN"
	errCodeNotFound     = "M_NOT_FOUND"
	errCodeNotJSON      = "M_NOT_JSON"
	errCodeBadJSON      = "M_BAD_JSON"
)

func writeMatrixError(w http.ResponseWriter, status int, errcode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&matrixError{ErrCode: errcode, Error: message})
}

func writeBlankOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

func (as *AppService) registerRoutes() {
	for _, prefix := range []string{"/_matrix/app/v1", ""} {
		as.Router.HandleFunc(prefix+"/transactions/{txnID}", as.PutTransaction).Methods(http.MethodPut)
		as.Router.HandleFunc(prefix+"/users/{userID}", as.GetUser).Methods(http.MethodGet)
		as.Router.HandleFunc(prefix+"/rooms/{roomAlias}", as.GetRoomAlias).Methods(http.MethodGet)
	}
	as.Router.HandleFunc("/_matrix/app/v1/ping", as.PostPing).Methods(http.MethodPost)
	as.Router.HandleFunc("/_matrix/mau/live", as.GetLive).Methods(http.MethodGet)
	as.Router.HandleFunc("/_matrix/mau/ready", as.GetReady).Methods(http.MethodGet)
}

// checkServerToken authenticates a request from the homeserver against the
// hs_token. The Authorization header is the current mechanism; the query
// parameter is the legacy one still sent by old homeserver versions.
func (as *AppService) checkServerToken(w http.ResponseWriter, r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		writeMatrixError(w, http.StatusUnauthorized, errCodeUnknownToken, "Missing access token")
		return false
	}
	if token != as.Registration.ServerToken {
		writeMatrixError(w, http.StatusForbidden, errCodeForbidden, "Incorrect access token")
		return false
	}
	return true
}

// PutTransaction handles a transaction push from the homeserver.
func (as *AppService) PutTransaction(w http.ResponseWriter, r *http.Request) {
	if !as.checkServerToken(w, r) {
		return
	}
	txnID := mux.Vars(r)["txnID"]
	if txnID == "" {
		writeMatrixError(w, http.StatusBadRequest, errCodeNotFound, "Missing transaction ID")
		return
	}
	log := as.Log.With().Str("transaction_id", txnID).Logger()

	if as.txnCache.Has(txnID) {
		log.Debug().Msg("Ignoring duplicate transaction")
		writeBlankOK(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTransactionBodySize))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read transaction body")
		writeMatrixError(w, http.StatusRequestEntityTooLarge, errCodeNotJSON, "Failed to read request body")
		return
	}
	var txn Transaction
	if err = json.Unmarshal(body, &txn); err != nil {
		log.Warn().Err(err).Msg("Failed to parse transaction")
		writeMatrixError(w, http.StatusBadRequest, errCodeNotJSON, "Request body is not valid JSON")
		return
	}

	// Mark before dispatch: a retry racing the dispatch must not double
	// deliver. Handler failures are logged, never reported as HTTP errors.
	as.txnCache.Put(txnID)

	log.Debug().
		Int("events", len(txn.Events)).
		Int("ephemeral", len(txn.Ephemeral)+len(txn.SoruEphemeral)).
		Msg("Received transaction")

	as.dispatchEvents(txn.Events, event.UnknownEventType)
	as.dispatchEvents(txn.Ephemeral, event.EphemeralEventType)
	as.dispatchEvents(txn.SoruEphemeral, event.EphemeralEventType)

	writeBlankOK(w)
}

// dispatchEvents normalizes the type class of each event, parses its
// content and queues it for the event processor.
func (as *AppService) dispatchEvents(evts []*event.Event, forceClass event.TypeClass) {
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		if forceClass != event.UnknownEventType {
			evt.Type.Class = forceClass
		} else if evt.StateKey != nil {
			evt.Type.Class = event.StateEventType
		} else {
			evt.Type.Class = event.MessageEventType
		}
		if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrUnsupportedContentType) {
			as.Log.Debug().Err(err).
				Str("event_type", evt.Type.Type).
				Stringer("event_id", evt.ID).
				Msg("Failed to parse event content")
		}
		select {
		case as.Events <- evt:
		case <-as.stopChan:
			return
		}
	}
}

// GetUser answers the homeserver's user existence query.
func (as *AppService) GetUser(w http.ResponseWriter, r *http.Request) {
	if !as.checkServerToken(w, r) {
		return
	}
	userID := id.UserID(mux.Vars(r)["userID"])
	if as.QueryHandler != nil && as.QueryHandler.QueryUser(r.Context(), userID) {
		writeBlankOK(w)
		return
	}
	writeMatrixError(w, http.StatusNotFound, errCodeNotFound, "User not found")
}

// GetRoomAlias answers the homeserver's room alias existence query.
func (as *AppService) GetRoomAlias(w http.ResponseWriter, r *http.Request) {
	if !as.checkServerToken(w, r) {
		return
	}
	alias := id.RoomAlias(mux.Vars(r)["roomAlias"])
	if as.QueryHandler != nil && as.QueryHandler.QueryAlias(r.Context(), alias) {
		writeBlankOK(w)
		return
	}
	writeMatrixError(w, http.StatusNotFound, errCodeNotFound, "Room alias not found")
}

// PostPing handles the MSC2659 connectivity check from the homeserver.
func (as *AppService) PostPing(w http.ResponseWriter, r *http.Request) {
	if !as.checkServerToken(w, r) {
		return
	}
	writeBlankOK(w)
}

// GetLive reports whether the service is running and not shutting down.
func (as *AppService) GetLive(w http.ResponseWriter, _ *http.Request) {
	if as.Live {
		writeBlankOK(w)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte("{}"))
}

// GetReady reports whether startup has finished.
func (as *AppService) GetReady(w http.ResponseWriter, _ *http.Request) {
	if as.Ready {
		writeBlankOK(w)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte("{}"))
}
