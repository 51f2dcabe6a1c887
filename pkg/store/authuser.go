// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	getAuthUserBaseQuery = `
		SELECT mxid, service_id, service_username, auth_token, matrix_token FROM auth_user
	`
	getAuthUserByMXIDQuery      = getAuthUserBaseQuery + ` WHERE mxid=$1`
	getAuthUserByServiceIDQuery = getAuthUserBaseQuery + ` WHERE service_id=$1`
	getAllAuthUsersQuery        = getAuthUserBaseQuery
	upsertAuthUserQuery         = `
		INSERT INTO auth_user (mxid, service_id, service_username, auth_token, matrix_token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mxid) DO UPDATE
			SET service_id=excluded.service_id,
			    service_username=excluded.service_username,
			    auth_token=excluded.auth_token,
			    matrix_token=excluded.matrix_token
	`
	deleteAuthUserQuery = `DELETE FROM auth_user WHERE mxid=$1`
)

// AuthUser is a Matrix user who has authenticated with the remote service
// through this bridge.
type AuthUser struct {
	qh *dbutil.QueryHelper[*AuthUser]

	MXID id.UserID
	// ServiceID is the user's identity on the remote service. It is empty
	// for single puppet bot bridges where the bridge itself holds the only
	// remote identity.
	ServiceID       string
	ServiceUsername string
	AuthToken       string
	// MatrixToken is the user's own Matrix access token for double
	// puppeting. Empty means remote events by this user cannot be
	// mirrored and are dropped instead of ghosted.
	MatrixToken string
}

func newAuthUser(qh *dbutil.QueryHelper[*AuthUser]) *AuthUser {
	return &AuthUser{qh: qh}
}

func (au *AuthUser) Scan(row dbutil.Scannable) (*AuthUser, error) {
	var serviceID, serviceUsername, authToken, matrixToken sql.NullString
	err := row.Scan(&au.MXID, &serviceID, &serviceUsername, &authToken, &matrixToken)
	if err != nil {
		return nil, err
	}
	au.ServiceID = serviceID.String
	au.ServiceUsername = serviceUsername.String
	au.AuthToken = authToken.String
	au.MatrixToken = matrixToken.String
	return au, nil
}

func (au *AuthUser) sqlVariables() []any {
	return []any{
		au.MXID,
		dbutil.StrPtr(au.ServiceID),
		dbutil.StrPtr(au.ServiceUsername),
		dbutil.StrPtr(au.AuthToken),
		dbutil.StrPtr(au.MatrixToken),
	}
}

// DoublePuppet reports whether the user has registered their own access
// token.
func (au *AuthUser) DoublePuppet() bool {
	return au.MatrixToken != ""
}

// AuthUserQuery provides the auth user lookups.
type AuthUserQuery struct {
	*dbutil.QueryHelper[*AuthUser]
}

// GetByMXID returns the auth user with the given Matrix ID, or nil if none
// exists.
func (auq *AuthUserQuery) GetByMXID(ctx context.Context, mxid id.UserID) (*AuthUser, error) {
	return auq.QueryOne(ctx, getAuthUserByMXIDQuery, mxid)
}

// GetByServiceID returns the auth user with the given remote identity, or
// nil if none exists.
func (auq *AuthUserQuery) GetByServiceID(ctx context.Context, serviceID string) (*AuthUser, error) {
	return auq.QueryOne(ctx, getAuthUserByServiceIDQuery, serviceID)
}

// GetAll returns every authenticated user.
func (auq *AuthUserQuery) GetAll(ctx context.Context) ([]*AuthUser, error) {
	return auq.QueryMany(ctx, getAllAuthUsersQuery)
}

// Put inserts the user or updates all non-key columns.
func (auq *AuthUserQuery) Put(ctx context.Context, au *AuthUser) error {
	return auq.Exec(ctx, upsertAuthUserQuery, au.sqlVariables()...)
}

// Delete removes the user. Room memberships cascade.
func (auq *AuthUserQuery) Delete(ctx context.Context, mxid id.UserID) error {
	return auq.Exec(ctx, deleteAuthUserQuery, mxid)
}
