package peer

import (
	"context"
	"encoding/json"
)

// ConnectionState is the transport-level state of a peer connection.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport creates direct connections to other devices.
type Transport interface {
	NewConnection(peerID string) (Connection, error)
}

// Connection is one direct link to a remote device. Session descriptions
// and ICE candidates are opaque JSON relayed through signaling.
// Callbacks may run on transport goroutines.
type Connection interface {
	CreateDataChannel(label string, ordered bool) (DataChannel, error)
	OnDataChannel(f func(DataChannel))
	OnICECandidate(f func(candidate json.RawMessage))
	OnStateChange(f func(ConnectionState))
	// CreateOffer and CreateAnswer set the local description and return it.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	CreateAnswer(ctx context.Context) (json.RawMessage, error)
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	Close() error
}

// DataChannel is a bidirectional message channel on a Connection.
type DataChannel interface {
	Send(data []byte) error
	OnOpen(f func())
	OnMessage(f func(data []byte))
	OnClose(f func())
	IsOpen() bool
	Close() error
}
