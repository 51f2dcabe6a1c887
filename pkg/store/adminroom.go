// Copyright 2025-2026 Aiku AI

package store

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	getAdminRoomBaseQuery = `
		SELECT mxid, user_mxid, active FROM admin_room
	`
	getAdminRoomByMXIDQuery = getAdminRoomBaseQuery + ` WHERE mxid=$1`
	getAdminRoomByUserQuery = getAdminRoomBaseQuery + ` WHERE user_mxid=$1 AND active=true LIMIT 1`
	upsertAdminRoomQuery    = `
		INSERT INTO admin_room (mxid, user_mxid, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (mxid) DO UPDATE
			SET user_mxid=excluded.user_mxid, active=excluded.active
	`
)

// AdminRoom is a direct room between the bridge bot and one Matrix user,
// used for management commands.
type AdminRoom struct {
	qh *dbutil.QueryHelper[*AdminRoom]

	MXID     id.RoomID
	UserMXID id.UserID
	Active   bool
}

func newAdminRoom(qh *dbutil.QueryHelper[*AdminRoom]) *AdminRoom {
	return &AdminRoom{qh: qh}
}

func (ar *AdminRoom) Scan(row dbutil.Scannable) (*AdminRoom, error) {
	err := row.Scan(&ar.MXID, &ar.UserMXID, &ar.Active)
	if err != nil {
		return nil, err
	}
	return ar, nil
}

// AdminRoomQuery provides the admin room lookups.
type AdminRoomQuery struct {
	*dbutil.QueryHelper[*AdminRoom]
}

// GetByMXID returns the admin room with the given room ID, or nil if the
// room is not an admin room.
func (arq *AdminRoomQuery) GetByMXID(ctx context.Context, mxid id.RoomID) (*AdminRoom, error) {
	return arq.QueryOne(ctx, getAdminRoomByMXIDQuery, mxid)
}

// GetByUser returns the user's active admin room, or nil if they have
// none.
func (arq *AdminRoomQuery) GetByUser(ctx context.Context, userID id.UserID) (*AdminRoom, error) {
	return arq.QueryOne(ctx, getAdminRoomByUserQuery, userID)
}

// Put inserts the room or updates its owner and active flag.
func (arq *AdminRoomQuery) Put(ctx context.Context, ar *AdminRoom) error {
	return arq.Exec(ctx, upsertAdminRoomQuery, ar.MXID, ar.UserMXID, ar.Active)
}
