// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists the bridge state: authenticated users, remote
// service users and their ghosts, linked rooms with their memberships,
// and admin rooms.
package store

import (
	"go.mau.fi/util/dbutil"

	"github.com/aiku/bridgekit/pkg/store/upgrades"
)

// Store wraps the bridge database with typed query helpers per entity.
type Store struct {
	*dbutil.Database

	AuthUser    *AuthUserQuery
	ServiceUser *ServiceUserQuery
	Room        *RoomQuery
	AdminRoom   *AdminRoomQuery
}

// New wires the query helpers and the schema upgrade table onto the given
// database. The caller still has to run Upgrade before using the store.
func New(db *dbutil.Database) *Store {
	db.UpgradeTable = upgrades.Table
	db.Owner = "bridgekit"
	return &Store{
		Database:    db,
		AuthUser:    &AuthUserQuery{dbutil.MakeQueryHelper(db, newAuthUser)},
		ServiceUser: &ServiceUserQuery{dbutil.MakeQueryHelper(db, newServiceUser)},
		Room:        &RoomQuery{dbutil.MakeQueryHelper(db, newRoom)},
		AdminRoom:   &AdminRoomQuery{dbutil.MakeQueryHelper(db, newAdminRoom)},
	}
}
