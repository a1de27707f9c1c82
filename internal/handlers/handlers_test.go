package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/household-sync/config"
	"github.com/mossy-p/household-sync/internal/broadcast"
	"github.com/mossy-p/household-sync/internal/coordinator"
	"github.com/mossy-p/household-sync/internal/kv"
	"github.com/mossy-p/household-sync/internal/models"
	"github.com/mossy-p/household-sync/internal/peer/peertest"
)

func setup(t *testing.T) (*gin.Engine, *coordinator.Coordinator, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	network := peertest.NewNetwork()
	t.Cleanup(network.Close)

	coord := coordinator.New(coordinator.Options{
		Shared:    kv.NewMemoryStore(),
		Local:     kv.NewMemoryStore(),
		Bus:       broadcast.NewMemoryBus(),
		Transport: network.Transport("device_test"),
		DeviceID:  "device_test",
		Origin:    "http://192.168.1.20:3000",
		Sync: config.SyncConfig{
			SignalPollInterval: 10 * time.Millisecond,
			NegotiationTimeout: time.Second,
			LivenessInterval:   time.Second,
			JoinDelay:          10 * time.Millisecond,
		},
	})
	t.Cleanup(func() { coord.Cleanup(context.Background()) })

	hub := NewHub()
	t.Cleanup(hub.Close)

	router := gin.New()
	router.Use(OriginFilter([]string{"http://localhost:3000"}))
	New(coord, hub).Register(router)
	return router, coord, hub
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _, _ := setup(t)

	w := do(router, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "ok" || body["device"] != "device_test" {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestCreateGetAndJoinRoom(t *testing.T) {
	router, coord, _ := setup(t)

	w := do(router, http.MethodPost, "/api/rooms", `{"name":"Home"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created models.RoomLinkResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(created.RoomID) != 8 {
		t.Errorf("Expected 8-char room id, got %q", created.RoomID)
	}
	if created.ShareLink != "http://192.168.1.20:3000/?room="+created.RoomID {
		t.Errorf("Unexpected share link %q", created.ShareLink)
	}
	if coord.CurrentRoomID() != created.RoomID {
		t.Errorf("Expected active room %s, got %s", created.RoomID, coord.CurrentRoomID())
	}

	w = do(router, http.MethodGet, "/api/rooms/"+created.RoomID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var info models.Room
	json.Unmarshal(w.Body.Bytes(), &info)
	if info.ID != created.RoomID || info.Name != "Home" || info.MemberCount != 1 {
		t.Errorf("Unexpected room %+v", info)
	}

	// Lower-case ids are normalized.
	w = do(router, http.MethodGet, "/api/rooms/"+strings.ToLower(created.RoomID), "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected lower-case lookup to succeed, got %d", w.Code)
	}

	w = do(router, http.MethodPost, "/api/rooms/"+created.RoomID+"/join", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected join to succeed, got %d", w.Code)
	}

	w = do(router, http.MethodGet, "/api/room", "")
	var current models.RoomLinkResponse
	json.Unmarshal(w.Body.Bytes(), &current)
	if current.RoomID != created.RoomID {
		t.Errorf("Expected current room %s, got %+v", created.RoomID, current)
	}
}

func TestMissingRoom(t *testing.T) {
	router, coord, _ := setup(t)

	if w := do(router, http.MethodGet, "/api/rooms/NOPE2345", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET: expected 404, got %d", w.Code)
	}
	if w := do(router, http.MethodPost, "/api/rooms/NOPE2345/join", ""); w.Code != http.StatusNotFound {
		t.Errorf("join: expected 404, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/rooms/NOPE2345/qr", ""); w.Code != http.StatusNotFound {
		t.Errorf("qr: expected 404, got %d", w.Code)
	}
	if coord.CurrentRoomID() != "" {
		t.Errorf("Expected no active room, got %q", coord.CurrentRoomID())
	}
}

func TestCreateRoomValidation(t *testing.T) {
	router, _, _ := setup(t)

	if w := do(router, http.MethodPost, "/api/rooms", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing name, got %d", w.Code)
	}
	if w := do(router, http.MethodPost, "/api/rooms", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", w.Code)
	}
}

func TestRoomQRCode(t *testing.T) {
	router, _, _ := setup(t)

	w := do(router, http.MethodPost, "/api/rooms", `{"name":"Home"}`)
	var created models.RoomLinkResponse
	json.Unmarshal(w.Body.Bytes(), &created)

	w = do(router, http.MethodGet, "/api/rooms/"+created.RoomID+"/qr", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("Expected PNG data")
	}
}

func TestMembers(t *testing.T) {
	router, _, _ := setup(t)

	if w := do(router, http.MethodGet, "/api/room/members", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 without a room, got %d", w.Code)
	}
	if w := do(router, http.MethodPost, "/api/room/members", `{"name":"Alice"}`); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 without a room, got %d", w.Code)
	}

	do(router, http.MethodPost, "/api/rooms", `{"name":"Home"}`)

	w := do(router, http.MethodPost, "/api/room/members", `{"name":"Alice"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	do(router, http.MethodPost, "/api/room/members", `{"name":"Bob"}`)

	w = do(router, http.MethodGet, "/api/room/members", "")
	var body struct {
		Members []models.Member `json:"members"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Members) != 1 || body.Members[0].Name != "Bob" || !body.Members[0].IsOnline {
		t.Errorf("Expected one online member named Bob, got %+v", body.Members)
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	router, _, _ := setup(t)

	w := do(router, http.MethodGet, "/api/snapshot", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"workEndTime":"20:30"`) {
		t.Errorf("Expected default snapshot, got %s", w.Body.String())
	}

	snap := `{"family":{"id":"f1"},"tasks":[{"id":"t1"}]}`
	if w := do(router, http.MethodPut, "/api/snapshot", snap); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(router, http.MethodGet, "/api/snapshot", ""); w.Body.String() != snap {
		t.Errorf("Expected saved snapshot, got %s", w.Body.String())
	}
	if w := do(router, http.MethodPut, "/api/snapshot", `[1,2]`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-object snapshot, got %d", w.Code)
	}

	w = do(router, http.MethodGet, "/api/snapshot/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "household-backup.json") {
		t.Errorf("Expected attachment header, got %q", w.Header().Get("Content-Disposition"))
	}
	exported := w.Body.String()
	if !strings.Contains(exported, "\n  \"family\"") {
		t.Errorf("Expected indented export, got %s", exported)
	}

	do(router, http.MethodPut, "/api/snapshot", `{"family":{"id":"other"}}`)
	w = do(router, http.MethodPost, "/api/snapshot/import", exported)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"imported":true`) {
		t.Fatalf("Import failed: %d %s", w.Code, w.Body.String())
	}
	if w := do(router, http.MethodGet, "/api/snapshot", ""); w.Body.String() != snap {
		t.Errorf("Expected restored snapshot, got %s", w.Body.String())
	}
}

func TestStatusAndDevices(t *testing.T) {
	router, _, _ := setup(t)

	w := do(router, http.MethodGet, "/api/status", "")
	var status models.ConnectionStatus
	json.Unmarshal(w.Body.Bytes(), &status)
	if status.LocalSync || status.WebRTCSync || status.ConnectedDevices != 0 {
		t.Errorf("Expected idle status, got %+v", status)
	}

	do(router, http.MethodPost, "/api/rooms", `{"name":"Home"}`)
	w = do(router, http.MethodGet, "/api/status", "")
	json.Unmarshal(w.Body.Bytes(), &status)
	if !status.LocalSync || !status.WebRTCSync {
		t.Errorf("Expected active rails, got %+v", status)
	}

	w = do(router, http.MethodGet, "/api/devices", "")
	if w.Body.String() != `{"devices":[]}` {
		t.Errorf("Expected empty device list, got %s", w.Body.String())
	}
}

func TestOriginFilter(t *testing.T) {
	router, _, _ := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for foreign origin, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/snapshot", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected CORS header, got %q", got)
	}
}

func TestChangeFeed(t *testing.T) {
	router, _, hub := setup(t)

	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/changes"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Count() != 1 {
		t.Fatalf("Expected 1 feed client, got %d", hub.Count())
	}

	hub.Publish("ROOM0001", json.RawMessage(`{"v":3}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var event models.ChangeEvent
	if err := json.Unmarshal(message, &event); err != nil {
		t.Fatalf("Failed to parse event: %v", err)
	}
	if event.Type != models.PeerMessageDataSync || event.RoomID != "ROOM0001" || string(event.Data) != `{"v":3}` {
		t.Errorf("Unexpected event %+v", event)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Count() != 0 {
		t.Errorf("Expected client removed after close, got %d", hub.Count())
	}
}
