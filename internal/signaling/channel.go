// Package signaling relays connection-negotiation messages between devices
// through the shared store. Each device owns one mailbox slot per room that
// it overwrites on every send; readers discover messages by polling.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mossy-p/household-sync/internal/kv"
	"github.com/mossy-p/household-sync/internal/models"
)

// Handler receives the messages a poll finds for the local device.
type Handler interface {
	HandleSignal(ctx context.Context, msg models.SignalMessage)
	// HandleCandidate reports whether the candidate was applied. Unapplied
	// candidates are offered again on the next poll.
	HandleCandidate(ctx context.Context, from string, candidate json.RawMessage) bool
}

func mailboxPrefix(roomID string) string { return "room:" + roomID + ":signal:" }

// MailboxKey is the single slot deviceID writes its signaling messages to.
func MailboxKey(roomID, deviceID string) string { return mailboxPrefix(roomID) + deviceID }

func candidatePrefix(roomID string) string { return "room:" + roomID + ":ice:" }

// CandidateKey is the slot holding the latest ICE candidate from one device to another.
func CandidateKey(roomID, from, to string) string {
	return candidatePrefix(roomID) + from + ":" + to
}

// Channel is one device's view of a room's signaling mailboxes.
type Channel struct {
	store    kv.Store
	roomID   string
	deviceID string
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	startedAt int64
	lastSent  int64
	delivered map[string]int64 // newest timestamp seen per sender
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a channel for deviceID in roomID polling every interval.
// Messages written before the channel was created are ignored.
func New(store kv.Store, roomID, deviceID string, interval time.Duration) *Channel {
	c := &Channel{
		store:     store,
		roomID:    roomID,
		deviceID:  deviceID,
		interval:  interval,
		now:       time.Now,
		delivered: make(map[string]int64),
	}
	c.startedAt = c.now().UnixMilli()
	return c
}

// RoomID returns the room this channel signals in.
func (c *Channel) RoomID() string { return c.roomID }

// DeviceID returns the local device id.
func (c *Channel) DeviceID() string { return c.deviceID }

// Send overwrites this device's mailbox with a message for target. An unread
// earlier message is lost.
func (c *Channel) Send(ctx context.Context, target string, typ models.SignalType, payload json.RawMessage) error {
	msg := models.SignalMessage{
		Type:      typ,
		To:        target,
		Payload:   payload,
		Timestamp: c.nextTimestamp(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, MailboxKey(c.roomID, c.deviceID), string(data)); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", typ, target, err)
	}
	slog.Debug("Signal sent", "room", c.roomID, "type", typ, "to", target)
	return nil
}

// SendCandidate overwrites the ICE candidate slot addressed to target.
func (c *Channel) SendCandidate(ctx context.Context, target string, candidate json.RawMessage) error {
	data, err := json.Marshal(models.CandidateSlot{
		Candidate: candidate,
		Timestamp: c.nextTimestamp(),
	})
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, CandidateKey(c.roomID, c.deviceID, target), string(data)); err != nil {
		return fmt.Errorf("failed to send candidate to %s: %w", target, err)
	}
	return nil
}

// nextTimestamp returns the current time in milliseconds, bumped so that
// successive sends from this device never share a timestamp.
func (c *Channel) nextTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.lastSent {
		ts = c.lastSent + 1
	}
	c.lastSent = ts
	return ts
}

// Clear removes this device's mailbox slot.
func (c *Channel) Clear(ctx context.Context) error {
	return c.store.Delete(ctx, MailboxKey(c.roomID, c.deviceID))
}

// Start polls in the background until Stop is called. Calling Start on a
// running channel does nothing.
func (c *Channel) Start(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, h, c.done)
}

func (c *Channel) run(ctx context.Context, h Handler, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Poll(ctx, h)
		}
	}
}

// Stop ends background polling and waits for an in-flight poll to finish.
// It must not be called from a Handler.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Running reports whether background polling is active.
func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Poll performs one scan of the room's mailboxes and candidate slots.
func (c *Channel) Poll(ctx context.Context, h Handler) {
	c.pollMailboxes(ctx, h)
	c.pollCandidates(ctx, h)
}

func (c *Channel) pollMailboxes(ctx context.Context, h Handler) {
	prefix := mailboxPrefix(c.roomID)
	keys, err := c.store.Keys(ctx, prefix)
	if err != nil {
		slog.Warn("Failed to list signaling mailboxes", "room", c.roomID, "error", err)
		return
	}
	sort.Strings(keys)

	for _, key := range keys {
		from := strings.TrimPrefix(key, prefix)
		if from == c.deviceID {
			continue
		}

		data, err := c.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Failed to read signaling mailbox", "key", key, "error", err)
			continue
		}

		var msg models.SignalMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			slog.Error("Failed to parse signaling message", "key", key, "error", err)
			continue
		}
		msg.From = from

		if !c.fresh(from, msg.Timestamp) {
			continue
		}
		if msg.To != c.deviceID && msg.To != models.TargetAll {
			continue
		}

		if msg.To == c.deviceID && (msg.Type == models.SignalTypeOffer || msg.Type == models.SignalTypeAnswer) {
			if err := c.store.Delete(ctx, key); err != nil {
				slog.Warn("Failed to consume signaling message", "key", key, "error", err)
			}
		}

		slog.Debug("Signal received", "room", c.roomID, "type", msg.Type, "from", from)
		h.HandleSignal(ctx, msg)
	}
}

// fresh records ts as seen for sender and reports whether it is newer than
// anything delivered from that sender since the channel was created.
func (c *Channel) fresh(sender string, ts int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts < c.startedAt || ts <= c.delivered[sender] {
		return false
	}
	c.delivered[sender] = ts
	return true
}

func (c *Channel) pollCandidates(ctx context.Context, h Handler) {
	prefix := candidatePrefix(c.roomID)
	keys, err := c.store.Keys(ctx, prefix)
	if err != nil {
		slog.Warn("Failed to list ICE candidates", "room", c.roomID, "error", err)
		return
	}
	sort.Strings(keys)

	suffix := ":" + c.deviceID
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if !strings.HasSuffix(rest, suffix) {
			continue
		}
		from := strings.TrimSuffix(rest, suffix)

		data, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var slot models.CandidateSlot
		if err := json.Unmarshal([]byte(data), &slot); err != nil {
			slog.Error("Failed to parse ICE candidate", "key", key, "error", err)
			continue
		}
		if slot.Timestamp < c.startedAt {
			continue
		}

		if h.HandleCandidate(ctx, from, slot.Candidate) {
			if err := c.store.Delete(ctx, key); err != nil {
				slog.Warn("Failed to consume ICE candidate", "key", key, "error", err)
			}
		}
	}
}
