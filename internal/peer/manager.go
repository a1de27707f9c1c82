// Package peer negotiates and maintains direct data connections between the
// devices of a room. One device hosts the room; every other device asks the
// host for a connection and the host answers with an offer.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/household-sync/internal/models"
	"github.com/mossy-p/household-sync/internal/signaling"
)

// DataChannelLabel names the ordered channel the host opens on every connection.
const DataChannelLabel = "data"

// ErrClosed is returned by Start after Disconnect.
var ErrClosed = errors.New("peer manager closed")

// State is the lifecycle of one peer entry.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HostDirectory records which device hosts a room.
type HostDirectory interface {
	Host(ctx context.Context, roomID string) (string, error)
	SetHost(ctx context.Context, roomID, deviceID string) error
	ClearHost(ctx context.Context, roomID, deviceID string) error
}

// Config configures a Manager. The callbacks are invoked without any
// Manager lock held and may run on transport goroutines.
type Config struct {
	RoomID   string
	DeviceID string

	// NegotiationTimeout bounds how long a handshake may take before the
	// peer is dropped. A client re-requests its host at the same interval.
	NegotiationTimeout time.Duration
	// JoinDelay is how long a client waits before contacting the host.
	JoinDelay time.Duration

	OnData             func(data json.RawMessage, senderID string)
	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID string)
}

type peerConn struct {
	id        string
	initiator bool
	conn      Connection
	channel   DataChannel
	state     State
	remoteSet bool
	timer     *time.Timer
	lastPong  time.Time
}

// Manager owns the peer connections of one device in one room.
type Manager struct {
	cfg       Config
	transport Transport
	signal    *signaling.Channel
	hosts     HostDirectory

	mu        sync.Mutex
	peers     map[string]*peerConn
	isHost    bool
	started   bool
	closed    bool
	hostCheck *time.Timer
}

// NewManager creates a manager that negotiates through signal and records
// host ownership in hosts.
func NewManager(cfg Config, transport Transport, signal *signaling.Channel, hosts HostDirectory) *Manager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 30 * time.Second
	}
	if cfg.JoinDelay <= 0 {
		cfg.JoinDelay = time.Second
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		signal:    signal,
		hosts:     hosts,
		peers:     make(map[string]*peerConn),
	}
}

// Start decides the local role and begins signaling. The host waits for
// connection requests; a client contacts the host after JoinDelay.
func (m *Manager) Start(ctx context.Context) error {
	host, err := m.hosts.Host(ctx, m.cfg.RoomID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.isHost = host == m.cfg.DeviceID
	isHost := m.isHost
	m.mu.Unlock()

	m.signal.Start(m)

	if isHost {
		slog.Info("Initializing as room host", "room", m.cfg.RoomID, "device", m.cfg.DeviceID)
		return nil
	}

	slog.Info("Initializing as client", "room", m.cfg.RoomID, "device", m.cfg.DeviceID, "host", host)
	m.scheduleHostCheck(m.cfg.JoinDelay)
	return nil
}

// IsHost reports whether this device hosts the room.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

func (m *Manager) scheduleHostCheck(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.hostCheck != nil {
		m.hostCheck.Stop()
	}
	m.hostCheck = time.AfterFunc(d, func() {
		m.connectToHost(context.Background())
	})
}

// connectToHost sends a connection request to the current host unless a
// connection to it already exists, then re-arms itself.
func (m *Manager) connectToHost(ctx context.Context) {
	host, err := m.hosts.Host(ctx, m.cfg.RoomID)
	if err != nil {
		slog.Error("Failed to look up room host", "room", m.cfg.RoomID, "error", err)
		m.scheduleHostCheck(m.cfg.NegotiationTimeout)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	switch {
	case host == "":
		m.mu.Unlock()
		slog.Warn("No host found for room, staying local-only", "room", m.cfg.RoomID)
		return
	case host == m.cfg.DeviceID:
		m.isHost = true
		m.mu.Unlock()
		slog.Info("Host marker names this device, acting as host", "room", m.cfg.RoomID)
		return
	}
	_, exists := m.peers[host]
	m.mu.Unlock()

	if !exists {
		if err := m.signal.Send(ctx, host, models.SignalTypeConnectionRequest, nil); err != nil {
			slog.Error("Failed to request connection", "host", host, "error", err)
		} else {
			slog.Info("Requested connection to host", "room", m.cfg.RoomID, "host", host)
		}
	}
	m.scheduleHostCheck(m.cfg.NegotiationTimeout)
}

// HandleSignal implements signaling.Handler.
func (m *Manager) HandleSignal(ctx context.Context, msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeConnectionRequest:
		if m.IsHost() {
			m.handleConnectionRequest(ctx, msg.From)
		}
	case models.SignalTypeOffer:
		m.handleOffer(ctx, msg.From, msg.Payload)
	case models.SignalTypeAnswer:
		m.handleAnswer(msg.From, msg.Payload)
	case models.SignalTypeCandidate:
		m.applyCandidate(msg.From, msg.Payload)
	default:
		slog.Warn("Unknown signal type", "type", msg.Type, "from", msg.From)
	}
}

// HandleCandidate implements signaling.Handler. Candidates that arrive before
// the remote description is known are left for a later poll.
func (m *Manager) HandleCandidate(_ context.Context, from string, candidate json.RawMessage) bool {
	return m.applyCandidate(from, candidate)
}

func (m *Manager) handleConnectionRequest(ctx context.Context, from string) {
	m.mu.Lock()
	if m.closed || m.peers[from] != nil {
		m.mu.Unlock()
		return
	}
	p := &peerConn{id: from, initiator: true}
	m.peers[from] = p
	m.mu.Unlock()

	slog.Info("Connection requested", "peer", from)

	conn, err := m.transport.NewConnection(from)
	if err != nil {
		m.fail(p, err)
		return
	}
	channel, err := conn.CreateDataChannel(DataChannelLabel, true)
	if err != nil {
		conn.Close()
		m.fail(p, err)
		return
	}
	m.setupConnection(p, conn)
	m.setupChannel(p, channel)
	if !m.attach(p, conn, channel) {
		return
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		m.fail(p, err)
		return
	}
	if err := m.signal.Send(ctx, from, models.SignalTypeOffer, offer); err != nil {
		m.fail(p, err)
		return
	}
	slog.Debug("Sent offer", "peer", from)
}

func (m *Manager) handleOffer(ctx context.Context, from string, offer json.RawMessage) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	old := m.peers[from]
	p := &peerConn{id: from}
	m.peers[from] = p
	m.mu.Unlock()

	if old != nil {
		slog.Debug("Replacing existing connection", "peer", from)
		m.closePeer(old)
	}

	conn, err := m.transport.NewConnection(from)
	if err != nil {
		m.fail(p, err)
		return
	}
	m.setupConnection(p, conn)
	conn.OnDataChannel(func(channel DataChannel) {
		m.mu.Lock()
		if m.peers[p.id] != p {
			m.mu.Unlock()
			channel.Close()
			return
		}
		p.channel = channel
		m.mu.Unlock()
		m.setupChannel(p, channel)
	})
	if !m.attach(p, conn, nil) {
		return
	}

	if err := conn.SetRemoteDescription(offer); err != nil {
		m.fail(p, err)
		return
	}
	m.markRemoteSet(p)

	answer, err := conn.CreateAnswer(ctx)
	if err != nil {
		m.fail(p, err)
		return
	}
	if err := m.signal.Send(ctx, from, models.SignalTypeAnswer, answer); err != nil {
		m.fail(p, err)
		return
	}
	slog.Debug("Sent answer", "peer", from)
}

func (m *Manager) handleAnswer(from string, answer json.RawMessage) {
	m.mu.Lock()
	p := m.peers[from]
	if p == nil || !p.initiator || p.conn == nil || p.remoteSet {
		m.mu.Unlock()
		slog.Debug("Ignoring unexpected answer", "peer", from)
		return
	}
	conn := p.conn
	m.mu.Unlock()

	if err := conn.SetRemoteDescription(answer); err != nil {
		m.fail(p, err)
		return
	}
	m.markRemoteSet(p)
}

func (m *Manager) applyCandidate(from string, candidate json.RawMessage) bool {
	m.mu.Lock()
	p := m.peers[from]
	if p == nil || p.conn == nil || !p.remoteSet {
		m.mu.Unlock()
		return false
	}
	conn := p.conn
	m.mu.Unlock()

	if err := conn.AddICECandidate(candidate); err != nil {
		slog.Warn("Failed to add ICE candidate", "peer", from, "error", err)
	}
	return true
}

// attach stores the connection on p and arms the negotiation timer. It
// reports false, closing conn, when p was replaced or the manager closed.
func (m *Manager) attach(p *peerConn, conn Connection, channel DataChannel) bool {
	m.mu.Lock()
	if m.closed || m.peers[p.id] != p {
		m.mu.Unlock()
		conn.Close()
		return false
	}
	p.conn = conn
	if channel != nil {
		p.channel = channel
	}
	p.state = StateNegotiating
	p.timer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.negotiationTimedOut(p)
	})
	m.mu.Unlock()
	return true
}

func (m *Manager) markRemoteSet(p *peerConn) {
	m.mu.Lock()
	p.remoteSet = true
	m.mu.Unlock()
}

func (m *Manager) setupConnection(p *peerConn, conn Connection) {
	conn.OnICECandidate(func(candidate json.RawMessage) {
		if !m.current(p) {
			return
		}
		if err := m.signal.SendCandidate(context.Background(), p.id, candidate); err != nil {
			slog.Warn("Failed to relay ICE candidate", "peer", p.id, "error", err)
		}
	})
	conn.OnStateChange(func(state ConnectionState) {
		m.handleStateChange(p, state)
	})
}

func (m *Manager) setupChannel(p *peerConn, channel DataChannel) {
	channel.OnOpen(func() {
		slog.Info("Data channel open", "peer", p.id)
	})
	channel.OnMessage(func(data []byte) {
		m.handleMessage(p, data)
	})
	channel.OnClose(func() {
		slog.Debug("Data channel closed", "peer", p.id)
	})
}

func (m *Manager) current(p *peerConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.peers[p.id] == p
}

func (m *Manager) handleStateChange(p *peerConn, state ConnectionState) {
	slog.Debug("Peer connection state changed", "peer", p.id, "state", state)

	switch state {
	case ConnectionStateConnected:
		m.mu.Lock()
		if m.closed || m.peers[p.id] != p || p.state == StateConnected {
			m.mu.Unlock()
			return
		}
		p.state = StateConnected
		if p.timer != nil {
			p.timer.Stop()
		}
		m.mu.Unlock()

		slog.Info("Peer connected", "room", m.cfg.RoomID, "peer", p.id)
		if m.cfg.OnPeerConnected != nil {
			m.cfg.OnPeerConnected(p.id)
		}
	case ConnectionStateDisconnected:
		m.drop(p, StateDisconnected, "connection lost")
	case ConnectionStateFailed:
		m.drop(p, StateFailed, "connection failed")
	}
}

func (m *Manager) negotiationTimedOut(p *peerConn) {
	m.mu.Lock()
	pending := !m.closed && m.peers[p.id] == p && p.state == StateNegotiating
	m.mu.Unlock()
	if pending {
		m.drop(p, StateFailed, "negotiation timed out")
	}
}

func (m *Manager) fail(p *peerConn, err error) {
	slog.Error("Peer negotiation failed", "peer", p.id, "error", err)
	m.drop(p, StateFailed, err.Error())
}

// drop marks p terminal, notifies OnPeerDisconnected once and removes it.
func (m *Manager) drop(p *peerConn, state State, reason string) {
	m.mu.Lock()
	if m.closed || m.peers[p.id] != p || p.state == StateDisconnected || p.state == StateFailed {
		m.mu.Unlock()
		return
	}
	p.state = state
	if p.timer != nil {
		p.timer.Stop()
	}
	m.mu.Unlock()

	slog.Warn("Peer disconnected", "room", m.cfg.RoomID, "peer", p.id, "reason", reason)
	if m.cfg.OnPeerDisconnected != nil {
		m.cfg.OnPeerDisconnected(p.id)
	}
	m.cleanupPeer(p)
}

func (m *Manager) cleanupPeer(p *peerConn) {
	m.mu.Lock()
	if m.peers[p.id] == p {
		delete(m.peers, p.id)
	}
	m.mu.Unlock()
	m.closePeer(p)
}

func (m *Manager) closePeer(p *peerConn) {
	m.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	channel, conn := p.channel, p.conn
	m.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) handleMessage(p *peerConn, data []byte) {
	if !m.current(p) {
		return
	}

	var msg models.PeerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("Failed to parse peer message", "peer", p.id, "error", err)
		return
	}

	switch msg.Type {
	case models.PeerMessageDataSync:
		if m.cfg.OnData != nil {
			m.cfg.OnData(msg.Data, p.id)
		}
	case models.PeerMessagePing:
		m.SendToPeer(p.id, models.PeerMessagePong, nil)
	case models.PeerMessagePong:
		m.mu.Lock()
		p.lastPong = time.Now()
		m.mu.Unlock()
		slog.Debug("Pong received", "peer", p.id)
	default:
		slog.Warn("Unknown peer message type", "type", msg.Type, "peer", p.id)
	}
}

// SendToPeer sends one frame to peerID. It reports false without error when
// the peer has no open channel.
func (m *Manager) SendToPeer(peerID string, typ models.PeerMessageType, data json.RawMessage) bool {
	m.mu.Lock()
	var channel DataChannel
	if p := m.peers[peerID]; p != nil {
		channel = p.channel
	}
	m.mu.Unlock()

	if channel == nil || !channel.IsOpen() {
		return false
	}

	frame, err := json.Marshal(models.PeerMessage{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  m.cfg.DeviceID,
	})
	if err != nil {
		slog.Error("Failed to encode peer message", "error", err)
		return false
	}
	if err := channel.Send(frame); err != nil {
		slog.Warn("Failed to send to peer", "peer", peerID, "error", err)
		return false
	}
	return true
}

// Broadcast sends one frame to every peer with an open channel and returns
// how many received it.
func (m *Manager) Broadcast(typ models.PeerMessageType, data json.RawMessage) int {
	sent := 0
	for _, id := range m.peerIDs() {
		if m.SendToPeer(id, typ, data) {
			sent++
		}
	}
	return sent
}

// SyncData pushes a snapshot to every connected peer.
func (m *Manager) SyncData(data json.RawMessage) int {
	return m.Broadcast(models.PeerMessageDataSync, data)
}

// Ping sends a liveness probe to every connected peer.
func (m *Manager) Ping() int {
	return m.Broadcast(models.PeerMessagePing, nil)
}

func (m *Manager) peerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectedPeers returns the peers whose data channel is open, sorted.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	channels := make(map[string]DataChannel, len(m.peers))
	for id, p := range m.peers {
		if p.channel != nil {
			channels[id] = p.channel
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(channels))
	for id, channel := range channels {
		if channel.IsOpen() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Active reports whether the manager has started and is still polling for
// signals.
func (m *Manager) Active() bool {
	m.mu.Lock()
	live := m.started && !m.closed
	m.mu.Unlock()
	return live && m.signal.Running()
}

// LastPong returns when peerID last answered a ping.
func (m *Manager) LastPong(peerID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok || p.lastPong.IsZero() {
		return time.Time{}, false
	}
	return p.lastPong, true
}

// Disconnect closes every peer, stops signaling, releases the host marker
// and clears this device's mailbox. No callbacks fire afterwards. Calling it
// again does nothing.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]*peerConn)
	if m.hostCheck != nil {
		m.hostCheck.Stop()
	}
	isHost := m.isHost
	m.mu.Unlock()

	m.signal.Stop()
	for _, p := range peers {
		m.closePeer(p)
	}

	if isHost {
		if err := m.hosts.ClearHost(ctx, m.cfg.RoomID, m.cfg.DeviceID); err != nil {
			slog.Warn("Failed to clear host marker", "room", m.cfg.RoomID, "error", err)
		}
	}
	if err := m.signal.Clear(ctx); err != nil {
		slog.Warn("Failed to clear signaling mailbox", "room", m.cfg.RoomID, "error", err)
	}
	slog.Info("Disconnected from room", "room", m.cfg.RoomID, "peers", len(peers))
}
