// Package backend defines the contract for the matchmaking/presence service
// the lobby subsystem talks to, and provides an in-memory implementation for
// local runs and tests. The real service is an external collaborator; only
// its request/response shapes matter here.
package backend

import (
	"context"
	"time"
)

// ContextHandle is an opaque handle for one user's established connection to
// the matchmaking service.
type ContextHandle string

// WorldInfo identifies the world/lobby partition rooms are created within.
// It must be discovered before any room operation.
type WorldInfo struct {
	WorldID string
	LobbyID string
}

// IsZero reports whether the partition has not been resolved yet.
func (w WorldInfo) IsZero() bool {
	return w.WorldID == "" && w.LobbyID == ""
}

// RoomAddress locates one room on the backend. The zero value means the
// session is standalone: no backend room exists for it.
type RoomAddress struct {
	WorldID string
	LobbyID string
	RoomID  string
}

// IsZero reports whether the address refers to no backend room.
func (a RoomAddress) IsZero() bool {
	return a == RoomAddress{}
}

// String returns "world/lobby/room", or "standalone" for the zero address.
func (a RoomAddress) String() string {
	if a.IsZero() {
		return "standalone"
	}
	return a.WorldID + "/" + a.LobbyID + "/" + a.RoomID
}

// RoomInfo describes one room as reported by the backend.
type RoomInfo struct {
	SessionID         string
	Address           RoomAddress
	OwnerID           string
	OpenPublicSlots   int
	OpenPrivateSlots  int
	TotalPublicSlots  int
	TotalPrivateSlots int
	Attributes        map[string]string
}

// CreateRoomRequest carries the shape of a new room. Attributes and session
// data are bound after creation via SetRoomAttributes and SetRoomData.
type CreateRoomRequest struct {
	OwnerID      string
	PublicSlots  int
	PrivateSlots int
}

// SearchQuery filters a room search. Every entry in Attributes must match
// exactly for a room to be listed.
type SearchQuery struct {
	MaxResults int
	Attributes map[string]string
}

// RoomListNode is one element of a server-reported room listing.
type RoomListNode struct {
	Info RoomInfo
	Next *RoomListNode
}

// RoomList is the backend's linked room listing. ReportedCount is the
// server's claimed length; consumers must bound iteration by it and never
// trust Next pointers alone, since a malformed response may be circular.
type RoomList struct {
	ReportedCount int
	Head          *RoomListNode
}

// Client performs single network operations against the matchmaking service.
// Each call blocks for the duration of one operation and is safe for
// concurrent use from worker goroutines. Errors carrying a backend failure
// code are of type *Error.
type Client interface {
	CreateContext(ctx context.Context, userID string) (ContextHandle, error)
	DestroyContext(ctx context.Context, handle ContextHandle) error
	DiscoverWorld(ctx context.Context, handle ContextHandle) (WorldInfo, error)

	CreateRoom(ctx context.Context, handle ContextHandle, world WorldInfo, req CreateRoomRequest) (RoomInfo, error)
	DeleteRoom(ctx context.Context, handle ContextHandle, addr RoomAddress) error
	JoinRoom(ctx context.Context, handle ContextHandle, userID string, addr RoomAddress) (RoomInfo, error)
	LeaveRoom(ctx context.Context, handle ContextHandle, userID string, addr RoomAddress) error

	SearchRooms(ctx context.Context, handle ContextHandle, world WorldInfo, q SearchQuery) (RoomList, error)
	PingRoom(ctx context.Context, addr RoomAddress) (time.Duration, error)

	GetRoomAttributes(ctx context.Context, handle ContextHandle, addr RoomAddress) (map[string]string, error)
	SetRoomAttributes(ctx context.Context, handle ContextHandle, addr RoomAddress, attrs map[string]string) error
	SetRoomData(ctx context.Context, handle ContextHandle, addr RoomAddress, data []byte) error

	SendInvite(ctx context.Context, handle ContextHandle, addr RoomAddress, fromUserID string, toUserIDs []string) error
}
