package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/household-sync/config"
	"github.com/mossy-p/household-sync/internal/broadcast"
	"github.com/mossy-p/household-sync/internal/kv"
	"github.com/mossy-p/household-sync/internal/models"
	"github.com/mossy-p/household-sync/internal/peer/peertest"
	"github.com/mossy-p/household-sync/internal/room"
	"github.com/mossy-p/household-sync/internal/signaling"
	"github.com/mossy-p/household-sync/internal/snapshot"
)

var testSync = config.SyncConfig{
	SignalPollInterval: 5 * time.Millisecond,
	NegotiationTimeout: time.Second,
	LivenessInterval:   20 * time.Millisecond,
	JoinDelay:          10 * time.Millisecond,
}

type changes struct {
	mu   sync.Mutex
	data []string
}

func (c *changes) record(data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, string(data))
}

func (c *changes) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.data...)
}

type harness struct {
	shared  *kv.MemoryStore
	bus     *broadcast.MemoryBus
	network *peertest.Network
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		shared:  kv.NewMemoryStore(),
		bus:     broadcast.NewMemoryBus(),
		network: peertest.NewNetwork(),
	}
	t.Cleanup(h.network.Close)
	return h
}

func (h *harness) device(t *testing.T, id string, local kv.Store) (*Coordinator, *changes) {
	t.Helper()
	if local == nil {
		local = kv.NewMemoryStore()
	}
	c := New(Options{
		Shared:    h.shared,
		Local:     local,
		Bus:       h.bus,
		Transport: h.network.Transport(id),
		DeviceID:  id,
		Origin:    "http://192.168.1.20:3000",
		Sync:      testSync,
	})
	got := &changes{}
	c.OnDataChange(got.record)
	t.Cleanup(func() { c.Cleanup(context.Background()) })
	return c, got
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// pair returns a host and a client connected in one room.
func pair(t *testing.T, h *harness) (roomID string, a, b *Coordinator, gotA, gotB *changes) {
	t.Helper()
	ctx := context.Background()

	a, gotA = h.device(t, "device_a", nil)
	b, gotB = h.device(t, "device_b", nil)

	roomID, err := a.CreateRoom(ctx, "Home")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	ok, err := b.JoinRoom(ctx, roomID)
	if err != nil || !ok {
		t.Fatalf("JoinRoom = %v, %v", ok, err)
	}

	waitFor(t, "devices connected", func() bool {
		return len(a.ConnectedDevices()) == 1 && len(b.ConnectedDevices()) == 1
	})
	return roomID, a, b, gotA, gotB
}

func TestSaveReachesPeerExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, a, b, gotA, gotB := pair(t, h)

	snap := json.RawMessage(`{"tasks":[{"id":"t1","title":"Dishes"}],"lastSyncDate":"2026-05-01T10:00:00Z"}`)
	if err := a.Save(ctx, snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	waitFor(t, "snapshot on b", func() bool { return len(gotB.snapshot()) == 1 })
	time.Sleep(50 * time.Millisecond)

	if got := gotB.snapshot(); len(got) != 1 || got[0] != string(snap) {
		t.Fatalf("Expected exactly one change with the snapshot, got %v", got)
	}
	if got := gotA.snapshot(); len(got) != 0 {
		t.Errorf("Saving device should not be notified, got %v", got)
	}

	stored, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(stored) != string(snap) {
		t.Errorf("Expected b to store %s, got %s", snap, stored)
	}

	if got := a.ConnectedDevices(); len(got) != 1 || got[0] != "device_b" {
		t.Errorf("Unexpected devices on a: %v", got)
	}
	status := b.ConnectionStatus()
	if !status.LocalSync || !status.WebRTCSync || status.ConnectedDevices != 1 {
		t.Errorf("Unexpected status %+v", status)
	}

	info, err := a.RoomInfo(ctx)
	if err != nil || info == nil {
		t.Fatalf("RoomInfo = %v, %v", info, err)
	}
	if info.ID != roomID || info.MemberCount != 2 {
		t.Errorf("Expected room %s with 2 members, got %+v", roomID, info)
	}
}

func TestStaleRemoteSnapshotWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, a, b, gotA, gotB := pair(t, h)

	newer := json.RawMessage(`{"lastSyncDate":"2026-05-02T00:00:00Z"}`)
	older := json.RawMessage(`{"lastSyncDate":"2026-05-01T00:00:00Z"}`)

	if err := b.Save(ctx, newer); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	waitFor(t, "newer snapshot on a", func() bool { return len(gotA.snapshot()) == 1 })

	if err := a.Save(ctx, older); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	waitFor(t, "older snapshot on b", func() bool { return len(gotB.snapshot()) == 1 })

	stored, _ := b.Load(ctx)
	if string(stored) != string(older) {
		t.Errorf("Expected last write to win with %s, got %s", older, stored)
	}
}

func TestJoinMissingRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c, _ := h.device(t, "device_a", nil)

	ok, err := c.JoinRoom(ctx, "NOPE2345")
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if ok {
		t.Error("Expected join of a missing room to fail")
	}
	if c.CurrentRoomID() != "" {
		t.Errorf("Expected no active room, got %q", c.CurrentRoomID())
	}
	if n := h.shared.Len(); n != 0 {
		t.Errorf("Expected no shared writes, got %d entries", n)
	}
}

func TestOperationsWithoutRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	local := kv.NewMemoryStore()
	c, _ := h.device(t, "device_a", local)

	if _, err := c.AddMember(ctx, "Alice"); !errors.Is(err, ErrNoActiveRoom) {
		t.Errorf("AddMember: expected ErrNoActiveRoom, got %v", err)
	}
	if _, err := c.Members(ctx); !errors.Is(err, ErrNoActiveRoom) {
		t.Errorf("Members: expected ErrNoActiveRoom, got %v", err)
	}
	if _, err := c.RoomInfo(ctx); !errors.Is(err, ErrNoActiveRoom) {
		t.Errorf("RoomInfo: expected ErrNoActiveRoom, got %v", err)
	}
	if status := c.ConnectionStatus(); status != (models.ConnectionStatus{}) {
		t.Errorf("Expected zero status, got %+v", status)
	}
	if link := c.ShareLink(""); link != "http://192.168.1.20:3000" {
		t.Errorf("Expected bare origin, got %q", link)
	}

	if err := c.Save(ctx, json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := local.Get(ctx, snapshot.DefaultKey); err != nil {
		t.Errorf("Expected snapshot under default key: %v", err)
	}
	got, err := c.Load(ctx)
	if err != nil || string(got) != `{"v":1}` {
		t.Errorf("Load = %s, %v", got, err)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if got, _ := c.Load(ctx); got != nil {
		t.Errorf("Expected cleared snapshot, got %s", got)
	}

	// Cleanup outside a room is a no-op.
	c.Cleanup(ctx)
}

func TestCleanupStopsSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, a, b, gotA, _ := pair(t, h)

	a.Cleanup(ctx)

	if got := a.ConnectedDevices(); len(got) != 0 {
		t.Errorf("Expected no connected devices, got %v", got)
	}
	if status := a.ConnectionStatus(); status != (models.ConnectionStatus{}) {
		t.Errorf("Expected zero status after cleanup, got %+v", status)
	}
	if a.CurrentRoomID() != "" {
		t.Errorf("Expected no active room, got %q", a.CurrentRoomID())
	}
	if host, _ := a.Registry().Host(ctx, roomID); host != "" {
		t.Errorf("Expected host marker removed, got %q", host)
	}
	if _, err := h.shared.Get(ctx, signaling.MailboxKey(roomID, "device_a")); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Expected mailbox cleared, got %v", err)
	}
	if n := h.bus.Subscribers(broadcast.Name(roomID, "device_a")); n != 0 {
		t.Errorf("Expected tab broadcast closed, got %d subscribers", n)
	}

	waitFor(t, "b notices a leaving", func() bool { return len(b.ConnectedDevices()) == 0 })

	if err := b.Save(ctx, json.RawMessage(`{"after":"cleanup"}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := gotA.snapshot(); len(got) != 0 {
		t.Errorf("Expected no callbacks after cleanup, got %v", got)
	}

	info, _ := b.RoomInfo(ctx)
	if info == nil || info.MemberCount != 1 {
		t.Errorf("Expected member count back to 1, got %+v", info)
	}
}

func TestUnansweredRequestDoesNotHang(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, _ := h.device(t, "device_a", nil)
	a.opts.Sync.NegotiationTimeout = 100 * time.Millisecond

	roomID, err := a.CreateRoom(ctx, "Home")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	ghost := signaling.New(h.shared, roomID, "device_ghost", testSync.SignalPollInterval)
	if err := ghost.Send(ctx, "device_a", models.SignalTypeConnectionRequest, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if got := a.ConnectedDevices(); len(got) != 0 {
		t.Errorf("Expected no connected devices, got %v", got)
	}

	done := make(chan struct{})
	go func() {
		a.Cleanup(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cleanup hung")
	}
}

func TestTabBroadcastReloadsSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	local := kv.NewMemoryStore()

	// Two processes of one device share its local store.
	first, gotFirst := h.device(t, "device_a", local)
	second, gotSecond := h.device(t, "device_a", local)

	roomID, err := first.CreateRoom(ctx, "Home")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if ok, err := second.JoinRoom(ctx, roomID); err != nil || !ok {
		t.Fatalf("JoinRoom = %v, %v", ok, err)
	}

	snap := json.RawMessage(`{"v":2}`)
	if err := first.Save(ctx, snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	waitFor(t, "second process notified", func() bool { return len(gotSecond.snapshot()) == 1 })
	if got := gotSecond.snapshot()[0]; got != string(snap) {
		t.Errorf("Expected reloaded snapshot %s, got %s", snap, got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := gotFirst.snapshot(); len(got) != 0 {
		t.Errorf("Posting process should not be notified, got %v", got)
	}
}

func TestLivenessRefreshesPresence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c, _ := h.device(t, "device_a", nil)

	roomID, err := c.CreateRoom(ctx, "Home")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	member, err := c.AddMember(ctx, "Alice")
	if err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}

	registry := room.NewRegistry(h.shared, "device_b", "")
	waitFor(t, "lastSeen refresh", func() bool {
		m, err := registry.Members(ctx, roomID)
		return err == nil && len(m) == 1 && m[0].LastSeen.After(member.LastSeen)
	})

	members, _ := c.Members(ctx)
	if len(members) != 1 || members[0].Name != "Alice" || !members[0].IsOnline {
		t.Errorf("Unexpected members %+v", members)
	}
	if link := c.ShareLink(""); link != "http://192.168.1.20:3000/?room="+roomID {
		t.Errorf("Unexpected share link %q", link)
	}
}

func TestCreateRoomLeavesPreviousRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c, _ := h.device(t, "device_a", nil)

	first, err := c.CreateRoom(ctx, "First")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	second, err := c.CreateRoom(ctx, "Second")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if first == second {
		t.Fatal("Expected distinct rooms")
	}
	if c.CurrentRoomID() != second {
		t.Errorf("Expected current room %s, got %s", second, c.CurrentRoomID())
	}
	if host, _ := c.Registry().Host(ctx, first); host != "" {
		t.Errorf("Expected first room's host marker released, got %q", host)
	}
	if n := h.bus.Subscribers(broadcast.Name(first, "device_a")); n != 0 {
		t.Errorf("Expected first room's broadcast closed, got %d", n)
	}
}

// slowBus delays subscriptions the way a Redis SUBSCRIBE round trip does.
type slowBus struct {
	*broadcast.MemoryBus
	delay time.Duration
}

func (b slowBus) Subscribe(ctx context.Context, channel string) (broadcast.Subscription, error) {
	time.Sleep(b.delay)
	return b.MemoryBus.Subscribe(ctx, channel)
}

func TestConcurrentRoomEntriesLeaveOneSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := New(Options{
		Shared:    h.shared,
		Local:     kv.NewMemoryStore(),
		Bus:       slowBus{MemoryBus: h.bus, delay: 20 * time.Millisecond},
		Transport: h.network.Transport("device_a"),
		DeviceID:  "device_a",
		Sync:      testSync,
	})

	var wg sync.WaitGroup
	rooms := make([]string, 2)
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.CreateRoom(ctx, "Home")
			if err != nil {
				t.Errorf("CreateRoom failed: %v", err)
			}
			rooms[i] = id
		}(i)
	}
	wg.Wait()

	current := c.CurrentRoomID()
	if current != rooms[0] && current != rooms[1] {
		t.Fatalf("Current room %q is neither of %v", current, rooms)
	}

	c.Cleanup(ctx)

	for _, roomID := range rooms {
		if n := h.bus.Subscribers(broadcast.Name(roomID, "device_a")); n != 0 {
			t.Errorf("Room %s still has %d tab subscribers after cleanup", roomID, n)
		}
		if host, _ := c.Registry().Host(ctx, roomID); host != "" {
			t.Errorf("Room %s still has host marker %q after cleanup", roomID, host)
		}
	}
}

func TestConnectedDevicesRequireOpenChannel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.network.HoldChannels()

	a, _ := h.device(t, "device_a", nil)
	b, gotB := h.device(t, "device_b", nil)

	roomID, err := a.CreateRoom(ctx, "Home")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if ok, err := b.JoinRoom(ctx, roomID); err != nil || !ok {
		t.Fatalf("JoinRoom = %v, %v", ok, err)
	}

	// The member count follows transport-level connections.
	waitFor(t, "transport connected", func() bool {
		info, err := a.RoomInfo(ctx)
		return err == nil && info != nil && info.MemberCount == 2
	})

	if got := a.ConnectedDevices(); len(got) != 0 {
		t.Errorf("Expected no devices before the channel opens, got %v", got)
	}
	if status := a.ConnectionStatus(); status.ConnectedDevices != 0 || !status.WebRTCSync {
		t.Errorf("Unexpected status before the channel opens: %+v", status)
	}

	h.network.ReleaseChannels()
	waitFor(t, "channel open", func() bool { return len(a.ConnectedDevices()) == 1 })
	if got := a.ConnectedDevices(); got[0] != "device_b" {
		t.Errorf("Expected device_b, got %v", got)
	}

	snap := json.RawMessage(`{"v":1}`)
	if err := a.Save(ctx, snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	waitFor(t, "snapshot on b", func() bool { return len(gotB.snapshot()) == 1 })
}

func TestReportStalePeers(t *testing.T) {
	h := newHarness(t)
	_, a, _, _, _ := pair(t, h)

	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	waitFor(t, "pong from b", func() bool {
		_, ok := s.manager.LastPong("device_b")
		return ok
	})
	last, _ := s.manager.LastPong("device_b")

	if stale := a.reportStalePeers(s, last); len(stale) != 0 {
		t.Errorf("Expected no stale peers right after a pong, got %v", stale)
	}
	if stale := a.reportStalePeers(s, time.Now().Add(time.Hour)); len(stale) != 1 || stale[0] != "device_b" {
		t.Errorf("Expected device_b stale, got %v", stale)
	}
}
