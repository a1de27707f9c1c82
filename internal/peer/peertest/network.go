// Package peertest provides an in-process peer.Transport for tests. All
// connections created from one Network can reach each other; events and
// messages are delivered in order on a single goroutine.
package peertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/household-sync/internal/peer"
)

var (
	ErrClosed            = errors.New("loopback: closed")
	ErrUnknownConnection = errors.New("loopback: unknown connection")
)

type description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Network links loopback connections in memory.
type Network struct {
	queue *dispatcher

	mu      sync.Mutex
	seq     int
	conns   map[string]*conn
	hold    bool
	pending []func()
}

func NewNetwork() *Network {
	return &Network{
		queue: newDispatcher(),
		conns: make(map[string]*conn),
	}
}

// Close stops event delivery.
func (n *Network) Close() {
	n.queue.close()
}

// Transport returns a transport whose connections belong to deviceID.
func (n *Network) Transport(deviceID string) peer.Transport {
	return &transport{net: n, owner: deviceID}
}

// Sever drops every established link between devices a and b. Both sides
// observe a disconnected state.
func (n *Network) Sever(a, b string) int {
	n.mu.Lock()
	var severed []*conn
	for _, c := range n.conns {
		if c.owner == a && c.peerID == b || c.owner == b && c.peerID == a {
			severed = append(severed, c)
		}
	}
	n.mu.Unlock()

	for _, c := range severed {
		c.setState(peer.ConnectionStateDisconnected)
	}
	return len(severed)
}

// HoldChannels makes later handshakes report connected without opening
// their data channels until ReleaseChannels is called.
func (n *Network) HoldChannels() {
	n.mu.Lock()
	n.hold = true
	n.mu.Unlock()
}

// ReleaseChannels opens the channels held back by HoldChannels and stops
// holding new ones.
func (n *Network) ReleaseChannels() {
	n.mu.Lock()
	n.hold = false
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, open := range pending {
		n.queue.post(open)
	}
}

func (n *Network) openChannels(open func()) {
	n.mu.Lock()
	if n.hold {
		n.pending = append(n.pending, open)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.queue.post(open)
}

// Open returns the number of connections not yet closed.
func (n *Network) Open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *Network) register(c *conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	c.id = fmt.Sprintf("%s-%d", c.owner, n.seq)
	n.conns[c.id] = c
}

func (n *Network) lookup(id string) *conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[id]
}

func (n *Network) unregister(c *conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, c.id)
}

type transport struct {
	net   *Network
	owner string
}

func (t *transport) NewConnection(peerID string) (peer.Connection, error) {
	c := &conn{net: t.net, owner: t.owner, peerID: peerID}
	t.net.register(c)
	return c, nil
}

type conn struct {
	net    *Network
	id     string
	owner  string
	peerID string

	mu         sync.Mutex
	state      peer.ConnectionState
	closed     bool
	remote     *conn
	channel    *channel
	candidates []json.RawMessage

	onState       func(peer.ConnectionState)
	onDataChannel func(peer.DataChannel)
	onCandidate   func(json.RawMessage)
}

func (c *conn) CreateDataChannel(label string, ordered bool) (peer.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.channel = &channel{net: c.net, label: label}
	return c.channel, nil
}

func (c *conn) OnDataChannel(f func(peer.DataChannel)) {
	c.mu.Lock()
	c.onDataChannel = f
	c.mu.Unlock()
}

func (c *conn) OnICECandidate(f func(json.RawMessage)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *conn) OnStateChange(f func(peer.ConnectionState)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

func (c *conn) CreateOffer(context.Context) (json.RawMessage, error) {
	return c.describe("offer")
}

func (c *conn) CreateAnswer(context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	hasRemote := c.remote != nil
	c.mu.Unlock()
	if !hasRemote {
		return nil, errors.New("loopback: answer without remote offer")
	}
	return c.describe("answer")
}

func (c *conn) describe(typ string) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.state = peer.ConnectionStateConnecting
	onCandidate := c.onCandidate
	c.mu.Unlock()

	if onCandidate != nil {
		candidate, _ := json.Marshal(map[string]string{"candidate": "loopback " + c.id})
		c.net.queue.post(func() { onCandidate(candidate) })
	}
	return json.Marshal(description{Type: typ, SDP: c.id})
}

func (c *conn) SetRemoteDescription(raw json.RawMessage) error {
	var desc description
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("loopback: invalid description: %w", err)
	}
	remote := c.net.lookup(desc.SDP)
	if remote == nil {
		return ErrUnknownConnection
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.remote = remote
	c.mu.Unlock()

	switch desc.Type {
	case "offer":
		return nil
	case "answer":
		return c.link(remote)
	default:
		return fmt.Errorf("loopback: unexpected description type %q", desc.Type)
	}
}

// link completes a handshake from the offering side: both connections move
// to connected and the offerer's channel appears on the answerer.
func (c *conn) link(answerer *conn) error {
	c.mu.Lock()
	c.state = peer.ConnectionStateConnected
	local := c.channel
	onState := c.onState
	c.mu.Unlock()

	var remote *channel
	if local != nil {
		remote = &channel{net: c.net, label: local.label}
		local.pair(remote)
	}

	answerer.mu.Lock()
	if answerer.closed {
		answerer.mu.Unlock()
		return ErrClosed
	}
	answerer.remote = c
	answerer.state = peer.ConnectionStateConnected
	answerer.channel = remote
	onRemoteChannel := answerer.onDataChannel
	onRemoteState := answerer.onState
	answerer.mu.Unlock()

	c.net.queue.post(func() {
		if onState != nil {
			onState(peer.ConnectionStateConnected)
		}
		if onRemoteState != nil {
			onRemoteState(peer.ConnectionStateConnected)
		}
		if remote != nil && onRemoteChannel != nil {
			onRemoteChannel(remote)
		}
	})
	c.net.openChannels(func() {
		if local != nil {
			local.opened()
		}
		if remote != nil {
			remote.opened()
		}
	})
	return nil
}

func (c *conn) AddICECandidate(candidate json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

// setState moves the connection to a terminal state and closes its channels.
func (c *conn) setState(state peer.ConnectionState) {
	c.mu.Lock()
	if c.closed || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	onState := c.onState
	local := c.channel
	c.mu.Unlock()

	if local != nil {
		local.Close()
	}
	if onState != nil {
		c.net.queue.post(func() { onState(state) })
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = peer.ConnectionStateClosed
	remote := c.remote
	local := c.channel
	c.mu.Unlock()

	c.net.unregister(c)
	if local != nil {
		local.Close()
	}
	if remote != nil {
		remote.setState(peer.ConnectionStateDisconnected)
	}
	return nil
}

type channel struct {
	net   *Network
	label string

	mu        sync.Mutex
	open      bool
	closed    bool
	peer      *channel
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
}

func (ch *channel) pair(other *channel) {
	ch.mu.Lock()
	ch.peer = other
	ch.mu.Unlock()
	other.mu.Lock()
	other.peer = ch
	other.mu.Unlock()
}

func (ch *channel) opened() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.open = true
	onOpen := ch.onOpen
	ch.mu.Unlock()
	if onOpen != nil {
		onOpen()
	}
}

func (ch *channel) Send(data []byte) error {
	ch.mu.Lock()
	if !ch.open {
		ch.mu.Unlock()
		return ErrClosed
	}
	other := ch.peer
	ch.mu.Unlock()

	msg := append([]byte(nil), data...)
	ch.net.queue.post(func() { other.deliver(msg) })
	return nil
}

func (ch *channel) deliver(data []byte) {
	ch.mu.Lock()
	open, onMessage := ch.open, ch.onMessage
	ch.mu.Unlock()
	if open && onMessage != nil {
		onMessage(data)
	}
}

func (ch *channel) OnOpen(f func()) {
	ch.mu.Lock()
	ch.onOpen = f
	ch.mu.Unlock()
}

func (ch *channel) OnMessage(f func([]byte)) {
	ch.mu.Lock()
	ch.onMessage = f
	ch.mu.Unlock()
}

func (ch *channel) OnClose(f func()) {
	ch.mu.Lock()
	ch.onClose = f
	ch.mu.Unlock()
}

func (ch *channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.open
}

// Close closes both ends of the channel.
func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.open = false
	other, onClose := ch.peer, ch.onClose
	ch.mu.Unlock()

	if onClose != nil {
		ch.net.queue.post(onClose)
	}
	if other != nil {
		other.Close()
	}
	return nil
}

// dispatcher runs posted functions one at a time in post order.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) post(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, f)
	d.cond.Signal()
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.queue = nil
	d.mu.Unlock()
	d.cond.Broadcast()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		f := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		f()
	}
}
