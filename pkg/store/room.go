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
	getRoomBaseQuery = `
		SELECT mxid, service_id, active, frontier_mxid FROM room
	`
	getRoomByMXIDQuery      = getRoomBaseQuery + ` WHERE mxid=$1`
	getRoomByServiceIDQuery = getRoomBaseQuery + ` WHERE service_id=$1`
	getAllRoomsQuery        = getRoomBaseQuery + ` WHERE active=true`
	getRoomsByFrontierQuery = getRoomBaseQuery + ` WHERE frontier_mxid=$1`
	getRoomsByAuthUserQuery = `
		SELECT r.mxid, r.service_id, r.active, r.frontier_mxid
		FROM room r
		JOIN room_auth_user m ON m.room_mxid = r.mxid
		WHERE m.user_mxid=$1 AND r.active=true
	`
	upsertRoomQuery = `
		INSERT INTO room (mxid, service_id, active, frontier_mxid)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mxid) DO UPDATE
			SET service_id=excluded.service_id,
			    active=excluded.active,
			    frontier_mxid=excluded.frontier_mxid
	`
	setRoomFrontierQuery = `UPDATE room SET frontier_mxid=$2 WHERE mxid=$1`

	addRoomAuthUserQuery = `
		INSERT INTO room_auth_user (room_mxid, user_mxid)
		VALUES ($1, $2)
		ON CONFLICT (room_mxid, user_mxid) DO NOTHING
	`
	removeRoomAuthUserQuery = `DELETE FROM room_auth_user WHERE room_mxid=$1 AND user_mxid=$2`
	getRoomAuthUsersQuery   = `SELECT user_mxid FROM room_auth_user WHERE room_mxid=$1`
	hasRoomAuthUserQuery    = `
		SELECT EXISTS(SELECT 1 FROM room_auth_user WHERE room_mxid=$1 AND user_mxid=$2)
	`

	addRoomServiceUserQuery = `
		INSERT INTO room_service_user (room_mxid, user_service_id)
		VALUES ($1, $2)
		ON CONFLICT (room_mxid, user_service_id) DO NOTHING
	`
	removeRoomServiceUserQuery = `DELETE FROM room_service_user WHERE room_mxid=$1 AND user_service_id=$2`
	getRoomServiceUsersQuery   = `SELECT user_service_id FROM room_service_user WHERE room_mxid=$1`
)

// Room is a Matrix room linked to a remote service room.
type Room struct {
	qh *dbutil.QueryHelper[*Room]

	MXID      id.RoomID
	ServiceID string
	Active    bool
	// FrontierMXID is the auth user whose remote connection relays events
	// for this room. With several authenticated users in one remote room
	// every connection sees the same traffic, so exactly one is elected to
	// speak for it.
	FrontierMXID id.UserID
}

func newRoom(qh *dbutil.QueryHelper[*Room]) *Room {
	return &Room{qh: qh}
}

func (r *Room) Scan(row dbutil.Scannable) (*Room, error) {
	var frontier sql.NullString
	err := row.Scan(&r.MXID, &r.ServiceID, &r.Active, &frontier)
	if err != nil {
		return nil, err
	}
	r.FrontierMXID = id.UserID(frontier.String)
	return r, nil
}

func (r *Room) sqlVariables() []any {
	return []any{r.MXID, r.ServiceID, r.Active, dbutil.StrPtr(r.FrontierMXID)}
}

// RoomQuery provides the linked room lookups and membership bookkeeping.
type RoomQuery struct {
	*dbutil.QueryHelper[*Room]
}

// GetByMXID returns the linked room with the given Matrix room ID, or nil
// if the room is not linked.
func (roq *RoomQuery) GetByMXID(ctx context.Context, mxid id.RoomID) (*Room, error) {
	return roq.QueryOne(ctx, getRoomByMXIDQuery, mxid)
}

// GetByServiceID returns the linked room with the given remote room ID, or
// nil if the room is not linked.
func (roq *RoomQuery) GetByServiceID(ctx context.Context, serviceID string) (*Room, error) {
	return roq.QueryOne(ctx, getRoomByServiceIDQuery, serviceID)
}

// GetAllActive returns every active linked room.
func (roq *RoomQuery) GetAllActive(ctx context.Context) ([]*Room, error) {
	return roq.QueryMany(ctx, getAllRoomsQuery)
}

// GetByFrontier returns the rooms relayed by the given auth user.
func (roq *RoomQuery) GetByFrontier(ctx context.Context, mxid id.UserID) ([]*Room, error) {
	return roq.QueryMany(ctx, getRoomsByFrontierQuery, mxid)
}

// GetByAuthUser returns the active rooms the auth user participates in.
func (roq *RoomQuery) GetByAuthUser(ctx context.Context, mxid id.UserID) ([]*Room, error) {
	return roq.QueryMany(ctx, getRoomsByAuthUserQuery, mxid)
}

// Put inserts the room or updates all non-key columns.
func (roq *RoomQuery) Put(ctx context.Context, r *Room) error {
	return roq.Exec(ctx, upsertRoomQuery, r.sqlVariables()...)
}

// SetFrontier moves the relay responsibility for the room to the given
// auth user. An empty user clears the frontier.
func (roq *RoomQuery) SetFrontier(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return roq.Exec(ctx, setRoomFrontierQuery, roomID, dbutil.StrPtr(userID))
}

// AddAuthUser records the auth user as a member of the room. Adding an
// existing member is a no-op.
func (roq *RoomQuery) AddAuthUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return roq.Exec(ctx, addRoomAuthUserQuery, roomID, userID)
}

// RemoveAuthUser removes the auth user from the room's members.
func (roq *RoomQuery) RemoveAuthUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return roq.Exec(ctx, removeRoomAuthUserQuery, roomID, userID)
}

// HasAuthUser reports whether the auth user is a member of the room.
func (roq *RoomQuery) HasAuthUser(ctx context.Context, roomID id.RoomID, userID id.UserID) (has bool, err error) {
	err = roq.GetDB().QueryRow(ctx, hasRoomAuthUserQuery, roomID, userID).Scan(&has)
	return
}

// GetAuthUsers returns the Matrix IDs of the room's authenticated members.
func (roq *RoomQuery) GetAuthUsers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	rows, err := roq.GetDB().Query(ctx, getRoomAuthUsersQuery, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []id.UserID
	for rows.Next() {
		var mxid id.UserID
		if err = rows.Scan(&mxid); err != nil {
			return nil, err
		}
		users = append(users, mxid)
	}
	return users, rows.Err()
}

// AddServiceUser records the service user as a member of the room. Adding
// an existing member is a no-op.
func (roq *RoomQuery) AddServiceUser(ctx context.Context, roomID id.RoomID, serviceID string) error {
	return roq.Exec(ctx, addRoomServiceUserQuery, roomID, serviceID)
}

// RemoveServiceUser removes the service user from the room's members.
func (roq *RoomQuery) RemoveServiceUser(ctx context.Context, roomID id.RoomID, serviceID string) error {
	return roq.Exec(ctx, removeRoomServiceUserQuery, roomID, serviceID)
}

// GetServiceUsers returns the remote IDs of the room's service users.
func (roq *RoomQuery) GetServiceUsers(ctx context.Context, roomID id.RoomID) ([]string, error) {
	rows, err := roq.GetDB().Query(ctx, getRoomServiceUsersQuery, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var serviceID string
		if err = rows.Scan(&serviceID); err != nil {
			return nil, err
		}
		users = append(users, serviceID)
	}
	return users, rows.Err()
}
