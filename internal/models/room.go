package models

import "time"

// Room stores information about a collaboration room
type Room struct {
	ID          string    `json:"id"` // Short, shareable room code (e.g., "K7QX2MPA")
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
	LastActive  time.Time `json:"lastActive"`
	MemberCount int       `json:"memberCount"`
}

// Member is a device that declared a display name in a room.
// IsOnline is derived from LastSeen whenever members are listed.
type Member struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
	IsOnline bool      `json:"isOnline"`
}

// ConnectionStatus reports which sync rails are active
type ConnectionStatus struct {
	LocalSync        bool `json:"localSync"`
	WebRTCSync       bool `json:"webrtcSync"`
	ConnectedDevices int  `json:"connectedDevices"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	Name string `json:"name" binding:"required,max=64"`
}

// RoomLinkResponse carries a room id and its share link
type RoomLinkResponse struct {
	RoomID    string `json:"roomId"`
	ShareLink string `json:"shareLink"`
}

// AddMemberRequest declares this device's display name in the current room
type AddMemberRequest struct {
	Name string `json:"name" binding:"required,max=64"`
}
