package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/household-sync/internal/models"
)

// Name is the bus channel shared by the processes of one device in one room.
func Name(roomID, deviceID string) string {
	return "room:" + roomID + ":tabs:" + deviceID
}

// Channel posts and receives change notifications for one room. A channel
// never receives its own posts.
type Channel struct {
	bus      Bus
	name     string
	roomID   string
	origin   string
	sub      Subscription
	onChange func(models.TabMessage)

	once sync.Once
	done chan struct{}
}

// Open subscribes to the device's channel for roomID. onChange runs on the
// channel's goroutine for every notification posted by another process.
func Open(ctx context.Context, bus Bus, roomID, deviceID string, onChange func(models.TabMessage)) (*Channel, error) {
	name := Name(roomID, deviceID)
	sub, err := bus.Subscribe(ctx, name)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		bus:      bus,
		name:     name,
		roomID:   roomID,
		origin:   uuid.NewString(),
		sub:      sub,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go c.listen()
	return c, nil
}

// Name returns the bus channel name.
func (c *Channel) Name() string { return c.name }

// Origin identifies this channel's posts.
func (c *Channel) Origin() string { return c.origin }

func (c *Channel) listen() {
	defer close(c.done)

	for data := range c.sub.Messages() {
		var msg models.TabMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Ignoring malformed tab broadcast", "channel", c.name, "error", err)
			continue
		}
		if msg.Origin == c.origin || msg.RoomID != c.roomID {
			continue
		}
		if msg.Type != models.PeerMessageDataSync {
			slog.Debug("Ignoring tab broadcast", "channel", c.name, "type", msg.Type)
			continue
		}
		if c.onChange != nil {
			c.onChange(msg)
		}
	}
}

// Post tells the device's other processes that the snapshot changed.
func (c *Channel) Post(ctx context.Context) error {
	data, err := json.Marshal(models.TabMessage{
		Type:      models.PeerMessageDataSync,
		RoomID:    c.roomID,
		Timestamp: time.Now().UnixMilli(),
		Origin:    c.origin,
	})
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, c.name, data); err != nil {
		return fmt.Errorf("failed to post tab broadcast: %w", err)
	}
	return nil
}

// Close unsubscribes and waits for the listener to exit. It must not be
// called from onChange.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		err = c.sub.Close()
		<-c.done
	})
	return err
}
