package models

import "encoding/json"

// SignalType represents the type of signaling message exchanged through the shared store
type SignalType string

const (
	SignalTypeOffer             SignalType = "offer"
	SignalTypeAnswer            SignalType = "answer"
	SignalTypeCandidate         SignalType = "ice-candidate"
	SignalTypeConnectionRequest SignalType = "connection-request"
)

// TargetAll addresses a signaling message to every device in the room.
const TargetAll = "all"

// SignalMessage is the single-slot mailbox entry a device writes for the room.
// From is not stored; it is recovered from the mailbox key.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	From      string          `json:"-"`
	To        string          `json:"targetDevice"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// CandidateSlot holds the most recent ICE candidate one device relayed to another.
type CandidateSlot struct {
	Candidate json.RawMessage `json:"candidate"`
	Timestamp int64           `json:"timestamp"`
}

// PeerMessageType represents the type of message sent over an open data channel
type PeerMessageType string

const (
	PeerMessageDataSync PeerMessageType = "data-sync"
	PeerMessagePing     PeerMessageType = "ping"
	PeerMessagePong     PeerMessageType = "pong"
)

// PeerMessage is the frame carried on a peer data channel
type PeerMessage struct {
	Type      PeerMessageType `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"senderId"`
}

// TabMessage notifies other processes of the same device that the snapshot changed.
// It carries no data; receivers re-read the store.
type TabMessage struct {
	Type      PeerMessageType `json:"type"`
	RoomID    string          `json:"roomId"`
	Timestamp int64           `json:"timestamp"`
	Origin    string          `json:"origin"`
}

// ChangeEvent is pushed to change-feed websocket clients whenever the
// snapshot changes because of a peer or another local process.
type ChangeEvent struct {
	Type      PeerMessageType `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}
