// Package room keeps the room and membership records that every device in a
// household shares, together with the host marker used to pick which device
// accepts incoming peer connections.
package room

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mossy-p/household-sync/internal/kv"
	"github.com/mossy-p/household-sync/internal/models"
)

const (
	roomCodeLength = 8
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
	onlineWindow   = 5 * time.Minute

	// ShareParam is the query parameter carrying the room id in share links.
	ShareParam = "room"
)

var ErrRoomNotFound = errors.New("room not found")

// InfoKey, HostKey and MemberKey address the records of one room.
func InfoKey(roomID string) string { return "room:" + roomID + ":info" }
func HostKey(roomID string) string { return "room:" + roomID + ":host" }
func MemberKey(roomID, deviceID string) string {
	return memberPrefix(roomID) + deviceID
}

func memberPrefix(roomID string) string { return "room:" + roomID + ":member:" }

// Registry reads and writes room records in the shared store on behalf of one device.
type Registry struct {
	store    kv.Store
	deviceID string
	origin   string
	now      func() time.Time
}

// NewRegistry creates a registry acting as deviceID. origin is the base URL
// used for share links.
func NewRegistry(store kv.Store, deviceID, origin string) *Registry {
	return &Registry{
		store:    store,
		deviceID: deviceID,
		origin:   strings.TrimRight(origin, "/"),
		now:      time.Now,
	}
}

// DeviceID returns the device this registry acts for.
func (r *Registry) DeviceID() string {
	return r.deviceID
}

// Create stores a new room and marks the calling device as its host.
// Every call creates an independent room.
func (r *Registry) Create(ctx context.Context, name string) (string, error) {
	roomID := generateRoomCode()
	now := r.now()

	room := models.Room{
		ID:          roomID,
		Name:        name,
		CreatedAt:   now,
		LastActive:  now,
		MemberCount: 1,
	}
	if err := r.putRoom(ctx, &room); err != nil {
		return "", err
	}
	if err := r.SetHost(ctx, roomID, r.deviceID); err != nil {
		return "", err
	}

	slog.Info("Room created", "room", roomID, "name", name, "host", r.deviceID)
	return roomID, nil
}

// Join reports whether roomID exists, refreshing its lastActive time if so.
func (r *Registry) Join(ctx context.Context, roomID string) (bool, error) {
	room, err := r.Info(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room == nil {
		return false, nil
	}

	room.LastActive = r.now()
	if err := r.putRoom(ctx, room); err != nil {
		return false, err
	}
	return true, nil
}

// Info returns the room record, or nil when it is missing or unreadable.
func (r *Registry) Info(ctx context.Context, roomID string) (*models.Room, error) {
	if roomID == "" {
		return nil, nil
	}
	data, err := r.store.Get(ctx, InfoKey(roomID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var room models.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		slog.Error("Failed to parse room data", "room", roomID, "error", err)
		return nil, nil
	}
	return &room, nil
}

// SetMemberCount records n as the room's member count and bumps lastActive.
func (r *Registry) SetMemberCount(ctx context.Context, roomID string, n int) error {
	room, err := r.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return ErrRoomNotFound
	}
	room.MemberCount = n
	room.LastActive = r.now()
	return r.putRoom(ctx, room)
}

func (r *Registry) putRoom(ctx context.Context, room *models.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, InfoKey(room.ID), string(data)); err != nil {
		return fmt.Errorf("failed to store room %s: %w", room.ID, err)
	}
	return nil
}

// AddMember upserts this device's membership under name.
func (r *Registry) AddMember(ctx context.Context, roomID, name string) (models.Member, error) {
	now := r.now()
	member := models.Member{
		ID:       r.deviceID,
		Name:     name,
		JoinedAt: now,
		LastSeen: now,
		IsOnline: true,
	}
	if err := r.putMember(ctx, roomID, &member); err != nil {
		return models.Member{}, err
	}
	return member, nil
}

// CurrentMember returns this device's membership, or nil if it never declared a name.
func (r *Registry) CurrentMember(ctx context.Context, roomID string) (*models.Member, error) {
	data, err := r.store.Get(ctx, MemberKey(roomID, r.deviceID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var member models.Member
	if err := json.Unmarshal([]byte(data), &member); err != nil {
		slog.Error("Failed to parse member data", "room", roomID, "error", err)
		return nil, nil
	}
	return &member, nil
}

// Touch refreshes this device's lastSeen time. Devices that never declared a
// name are left alone.
func (r *Registry) Touch(ctx context.Context, roomID string) error {
	member, err := r.CurrentMember(ctx, roomID)
	if err != nil || member == nil {
		return err
	}
	member.LastSeen = r.now()
	member.IsOnline = true
	return r.putMember(ctx, roomID, member)
}

func (r *Registry) putMember(ctx context.Context, roomID string, member *models.Member) error {
	data, err := json.Marshal(member)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, MemberKey(roomID, member.ID), string(data)); err != nil {
		return fmt.Errorf("failed to store member %s: %w", member.ID, err)
	}
	return nil
}

// Members lists every member of the room ordered by join time, with IsOnline
// computed against the current time.
func (r *Registry) Members(ctx context.Context, roomID string) ([]models.Member, error) {
	keys, err := r.store.Keys(ctx, memberPrefix(roomID))
	if err != nil {
		return nil, err
	}

	now := r.now()
	members := make([]models.Member, 0, len(keys))
	for _, key := range keys {
		data, err := r.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var member models.Member
		if err := json.Unmarshal([]byte(data), &member); err != nil {
			slog.Warn("Skipping unreadable member entry", "key", key, "error", err)
			continue
		}
		member.IsOnline = now.Sub(member.LastSeen) < onlineWindow
		members = append(members, member)
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

// Host returns the device currently marked as host, or "" if none.
func (r *Registry) Host(ctx context.Context, roomID string) (string, error) {
	host, err := r.store.Get(ctx, HostKey(roomID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	return host, err
}

// SetHost overwrites the host marker. Concurrent writers race; the last one wins.
func (r *Registry) SetHost(ctx context.Context, roomID, deviceID string) error {
	if err := r.store.Set(ctx, HostKey(roomID), deviceID); err != nil {
		return fmt.Errorf("failed to mark host for room %s: %w", roomID, err)
	}
	return nil
}

// ClearHost removes the host marker if it still names deviceID.
func (r *Registry) ClearHost(ctx context.Context, roomID, deviceID string) error {
	host, err := r.Host(ctx, roomID)
	if err != nil {
		return err
	}
	if host != deviceID {
		return nil
	}
	return r.store.Delete(ctx, HostKey(roomID))
}

// ShareLink returns the origin with roomID as the room query parameter, or
// the bare origin when roomID is empty.
func (r *Registry) ShareLink(roomID string) string {
	if roomID == "" {
		return r.origin
	}
	u, err := url.Parse(r.origin)
	if err != nil {
		return r.origin + "/?" + ShareParam + "=" + url.QueryEscape(roomID)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set(ShareParam, roomID)
	u.RawQuery = q.Encode()
	return u.String()
}

// RoomIDFromLink extracts the room id from a share link. A bare id is returned
// upper-cased. It returns "" when no room is present.
func RoomIDFromLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "?") || strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		return u.Query().Get(ShareParam)
	}
	return strings.ToUpper(raw)
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
