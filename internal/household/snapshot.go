package household

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidSnapshot = errors.New("invalid household snapshot")

// Default returns the board a device starts with before any data exists.
func Default(now time.Time) Snapshot {
	return Snapshot{
		Family: Family{
			ID:   "family-1",
			Name: "Our Home",
			Members: []User{
				{ID: "user-1", Name: "Member 1", LastActiveDate: now},
				{ID: "user-2", Name: "Member 2", LastActiveDate: now},
			},
			WorkEndTime: "20:30",
			CreatedAt:   now,
		},
		Tasks:          []Task{},
		DailyStats:     []DailyStats{},
		UrgentRequests: []UrgentRequest{},
		LastSyncDate:   now,
	}
}

// Decode parses a stored snapshot. Dates come back as time.Time; list
// fields are never nil.
func Decode(data json.RawMessage) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if s.Family.ID == "" {
		return nil, fmt.Errorf("%w: missing family", ErrInvalidSnapshot)
	}
	if s.Family.Members == nil {
		s.Family.Members = []User{}
	}
	if s.Tasks == nil {
		s.Tasks = []Task{}
	}
	if s.DailyStats == nil {
		s.DailyStats = []DailyStats{}
	}
	if s.UrgentRequests == nil {
		s.UrgentRequests = []UrgentRequest{}
	}
	return &s, nil
}

// Encode serializes s for storage and sync.
func Encode(s Snapshot) (json.RawMessage, error) {
	return json.Marshal(s)
}

// Export renders a stored snapshot as indented JSON for backups.
func Export(data json.RawMessage) ([]byte, error) {
	if data == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return buf.Bytes(), nil
}

// Import validates a backup and returns it compacted, ready to save.
// Backups are restored as-is; only their JSON object shape is checked.
func Import(raw []byte) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidSnapshot)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return buf.Bytes(), nil
}
