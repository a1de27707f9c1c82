package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
)

const defaultGatherTimeout = 5 * time.Second

// PionTransport creates WebRTC connections with pion. Local descriptions
// are returned once ICE gathering finishes so they carry every candidate.
type PionTransport struct {
	api           *webrtc.API
	config        webrtc.Configuration
	gatherTimeout time.Duration
}

// NewPionTransport creates a transport using the given STUN/TURN urls. With
// no urls only host candidates are gathered, which is enough on a LAN.
func NewPionTransport(iceServers []string) *PionTransport {
	var settings webrtc.SettingEngine
	settings.SetIncludeLoopbackCandidate(true)

	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &PionTransport{
		api:           webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		config:        config,
		gatherTimeout: defaultGatherTimeout,
	}
}

func (t *PionTransport) NewConnection(peerID string) (Connection, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection for %s: %w", peerID, err)
	}
	return &pionConnection{pc: pc, gatherTimeout: t.gatherTimeout}, nil
}

type pionConnection struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
}

func (c *pionConnection) CreateDataChannel(label string, ordered bool) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

func (c *pionConnection) OnDataChannel(f func(DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(&pionDataChannel{dc: dc})
	})
}

func (c *pionConnection) OnICECandidate(f func(json.RawMessage)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			return
		}
		data, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			slog.Warn("Failed to encode ICE candidate", "error", err)
			return
		}
		f(data)
	})
}

func (c *pionConnection) OnStateChange(f func(ConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f(convertState(s))
	})
}

func (c *pionConnection) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocal(ctx, offer)
}

func (c *pionConnection) CreateAnswer(ctx context.Context) (json.RawMessage, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocal(ctx, answer)
}

func (c *pionConnection) setLocal(ctx context.Context, desc webrtc.SessionDescription) (json.RawMessage, error) {
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		slog.Debug("ICE gathering incomplete, sending partial description")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return json.Marshal(c.pc.LocalDescription())
}

func (c *pionConnection) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	return c.pc.SetRemoteDescription(sd)
}

func (c *pionConnection) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("invalid ICE candidate: %w", err)
	}
	return c.pc.AddICECandidate(init)
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

func convertState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	default:
		return ConnectionStateNew
	}
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Send(data []byte) error { return d.dc.Send(data) }

func (d *pionDataChannel) OnOpen(f func()) { d.dc.OnOpen(f) }

func (d *pionDataChannel) OnMessage(f func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (d *pionDataChannel) OnClose(f func()) { d.dc.OnClose(f) }

func (d *pionDataChannel) IsOpen() bool {
	return d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (d *pionDataChannel) Close() error { return d.dc.Close() }
