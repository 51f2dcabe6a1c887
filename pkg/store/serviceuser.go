// Copyright 2025-2026 Aiku AI

package store

import (
	"context"
	"database/sql"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	getServiceUserBaseQuery = `
		SELECT service_id, mxid, nick, avatar_url, profile_set FROM service_user
	`
	getServiceUserByServiceIDQuery = getServiceUserBaseQuery + ` WHERE service_id=$1`
	getServiceUserByMXIDQuery      = getServiceUserBaseQuery + ` WHERE mxid=$1`
	upsertServiceUserQuery         = `
		INSERT INTO service_user (service_id, mxid, nick, avatar_url, profile_set)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service_id) DO UPDATE
			SET mxid=excluded.mxid,
			    nick=excluded.nick,
			    avatar_url=excluded.avatar_url,
			    profile_set=excluded.profile_set
	`
)

// ServiceUser is a user that exists on the remote service and is
// represented on Matrix by a ghost.
type ServiceUser struct {
	qh *dbutil.QueryHelper[*ServiceUser]

	ServiceID string
	MXID      id.UserID
	Nick      string
	// AvatarURL is the remote image URL last synced to the ghost's Matrix
	// profile, used to skip redundant re-uploads.
	AvatarURL string
	// ProfileSet tracks whether the ghost's Matrix profile has been
	// materialized at least once.
	ProfileSet bool
}

func newServiceUser(qh *dbutil.QueryHelper[*ServiceUser]) *ServiceUser {
	return &ServiceUser{qh: qh}
}

func (su *ServiceUser) Scan(row dbutil.Scannable) (*ServiceUser, error) {
	var nick, avatarURL sql.NullString
	err := row.Scan(&su.ServiceID, &su.MXID, &nick, &avatarURL, &su.ProfileSet)
	if err != nil {
		return nil, err
	}
	su.Nick = nick.String
	su.AvatarURL = avatarURL.String
	return su, nil
}

func (su *ServiceUser) sqlVariables() []any {
	return []any{
		su.ServiceID,
		su.MXID,
		dbutil.StrPtr(su.Nick),
		dbutil.StrPtr(su.AvatarURL),
		su.ProfileSet,
	}
}

// ServiceUserQuery provides the service user lookups.
type ServiceUserQuery struct {
	*dbutil.QueryHelper[*ServiceUser]
}

// GetByServiceID returns the service user with the given remote identity,
// or nil if none exists.
func (suq *ServiceUserQuery) GetByServiceID(ctx context.Context, serviceID string) (*ServiceUser, error) {
	return suq.QueryOne(ctx, getServiceUserByServiceIDQuery, serviceID)
}

// GetByMXID returns the service user represented by the given ghost, or
// nil if none exists.
func (suq *ServiceUserQuery) GetByMXID(ctx context.Context, mxid id.UserID) (*ServiceUser, error) {
	return suq.QueryOne(ctx, getServiceUserByMXIDQuery, mxid)
}

// Put inserts the user or updates all non-key columns.
func (suq *ServiceUserQuery) Put(ctx context.Context, su *ServiceUser) error {
	return suq.Exec(ctx, upsertServiceUserQuery, su.sqlVariables()...)
}
