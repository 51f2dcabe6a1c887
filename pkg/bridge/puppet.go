// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgekit/pkg/appservice"
	"github.com/aiku/bridgekit/pkg/store"
)

var (
	ErrNotLoggedIn   = errors.New("user is not logged in")
	ErrTokenMismatch = errors.New("access token belongs to a different user")
)

// maxAvatarSize caps remote avatar downloads.
const maxAvatarSize = 10 << 20

// GhostMXID returns the Matrix user ID of the ghost puppeting a remote
// user.
func (br *Bridge) GhostMXID(serviceID string) id.UserID {
	return id.NewUserID(br.Config.Bridge.FormatUsername(serviceID), br.Config.Homeserver.Domain)
}

// ParseGhostMXID extracts the remote user ID from a ghost MXID. The bool
// is false for MXIDs outside the ghost namespace.
func (br *Bridge) ParseGhostMXID(userID id.UserID) (string, bool) {
	localpart, homeserver, err := userID.Parse()
	if err != nil || homeserver != br.Config.Homeserver.Domain {
		return "", false
	}
	return br.Config.Bridge.ParseUsername(localpart)
}

// GhostIntent returns the puppet intent for a remote user.
func (br *Bridge) GhostIntent(serviceID string) *appservice.Intent {
	return br.AS.Intent(br.GhostMXID(serviceID))
}

// ensureServiceUser loads or creates the service user row for a remote
// user. A new or changed nick is written through to the ghost's Matrix
// displayname.
func (br *Bridge) ensureServiceUser(ctx context.Context, serviceID, nick string) (*store.ServiceUser, error) {
	su, err := br.DB.ServiceUser.GetByServiceID(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get service user: %w", err)
	}
	changed := false
	if su == nil {
		su = &store.ServiceUser{ServiceID: serviceID, MXID: br.GhostMXID(serviceID), Nick: nick}
		changed = true
	} else if nick != "" && su.Nick != nick {
		su.Nick = nick
		changed = true
	}
	if !changed {
		return su, nil
	}
	if err = br.DB.ServiceUser.Put(ctx, su); err != nil {
		return nil, fmt.Errorf("failed to save service user: %w", err)
	}
	intent := br.AS.Intent(su.MXID)
	if err = intent.EnsureRegistered(ctx); err != nil {
		return nil, err
	}
	displayname := br.Config.Bridge.FormatDisplayname(DisplaynameParams{ServiceID: serviceID, Nick: su.Nick})
	if err = intent.SetDisplayName(ctx, displayname); err != nil {
		br.Log.Warn().Err(err).Stringer("user_id", su.MXID).Msg("Failed to update ghost displayname")
	}
	return su, nil
}

// SyncRemoteProfile applies a remote profile to the matching ghost. The
// avatar is only re-uploaded when the remote URL changed or force is
// set.
func (br *Bridge) SyncRemoteProfile(ctx context.Context, profile *RemoteProfile, force bool) error {
	su, err := br.ensureServiceUser(ctx, profile.ServiceID, profile.Nick)
	if err != nil {
		return err
	}
	if profile.AvatarURL == "" {
		return nil
	}
	if !force && su.ProfileSet && su.AvatarURL == profile.AvatarURL {
		return nil
	}
	intent := br.AS.Intent(su.MXID)
	if err = intent.EnsureRegistered(ctx); err != nil {
		return err
	}
	data, contentType, err := br.downloadAvatar(ctx, profile.AvatarURL)
	if err != nil {
		return fmt.Errorf("failed to download avatar: %w", err)
	}
	upload, err := intent.UploadBytes(ctx, data, contentType)
	if err != nil {
		return fmt.Errorf("failed to upload avatar: %w", err)
	}
	if err = intent.SetAvatarURL(ctx, upload.ContentURI); err != nil {
		return fmt.Errorf("failed to set avatar: %w", err)
	}
	su.AvatarURL = profile.AvatarURL
	su.ProfileSet = true
	return br.DB.ServiceUser.Put(ctx, su)
}

// SyncProfile fetches the remote profile through the connector, if it
// supports that, and applies it.
func (br *Bridge) SyncProfile(ctx context.Context, serviceID string, force bool) error {
	ps, ok := br.Network.(ProfileSyncingConnector)
	if !ok {
		return nil
	}
	profile, err := ps.FetchProfile(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("failed to fetch remote profile: %w", err)
	}
	if profile == nil {
		return nil
	}
	return br.SyncRemoteProfile(ctx, profile, force)
}

func (br *Bridge) downloadAvatar(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := br.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarSize))
	if err != nil {
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// SetDoublePuppet validates a user's own access token and registers it
// so their bridged messages are sent as themselves. An empty token
// disables double puppeting for the user.
func (br *Bridge) SetDoublePuppet(ctx context.Context, userID id.UserID, accessToken string) error {
	user, err := br.DB.AuthUser.GetByMXID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get auth user: %w", err)
	}
	if user == nil {
		return ErrNotLoggedIn
	}
	if accessToken == "" {
		br.dpMu.Lock()
		delete(br.dpClients, userID)
		br.dpMu.Unlock()
		user.MatrixToken = ""
		return br.DB.AuthUser.Put(ctx, user)
	}
	client, err := br.newDoublePuppetClient(userID, accessToken)
	if err != nil {
		return err
	}
	whoami, err := client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to validate access token: %w", err)
	}
	if whoami.UserID != userID {
		return fmt.Errorf("%w: token belongs to %s", ErrTokenMismatch, whoami.UserID)
	}
	br.dpMu.Lock()
	br.dpClients[userID] = client
	br.dpMu.Unlock()
	user.MatrixToken = accessToken
	return br.DB.AuthUser.Put(ctx, user)
}

func (br *Bridge) newDoublePuppetClient(userID id.UserID, token string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(br.Config.Homeserver.Address, userID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	client.Log = br.Log.With().Str("component", "double_puppet").Stringer("user_id", userID).Logger()
	return client, nil
}

// doublePuppetClient returns the validated client for a user, restoring
// it from the stored token after a restart. Returns nil when the user
// has no double puppet token.
func (br *Bridge) doublePuppetClient(user *store.AuthUser) *mautrix.Client {
	br.dpMu.RLock()
	client, ok := br.dpClients[user.MXID]
	br.dpMu.RUnlock()
	if ok {
		return client
	}
	if user.MatrixToken == "" {
		return nil
	}
	br.dpMu.Lock()
	defer br.dpMu.Unlock()
	if client, ok = br.dpClients[user.MXID]; ok {
		return client
	}
	client, err := br.newDoublePuppetClient(user.MXID, user.MatrixToken)
	if err != nil {
		br.Log.Warn().Err(err).Stringer("user_id", user.MXID).Msg("Failed to restore double puppet client")
		return nil
	}
	br.dpClients[user.MXID] = client
	return client
}
