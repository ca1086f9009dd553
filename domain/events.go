package domain

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// EventKind tags realtime notifications.
type EventKind string

const (
	EntityCreated     EventKind = "entity-created"
	EntityUpdated     EventKind = "entity-updated"
	EntityRemoved     EventKind = "entity-removed"
	MembershipChanged EventKind = "membership-changed"
)

// EntityType names the cached entity an event refers to.
type EntityType string

const (
	EntityBoard EntityType = "board"
	EntityList  EntityType = "list"
	EntityCard  EntityType = "card"
)

// Event is one change notification on a board channel. Data holds the full
// authoritative row for created/updated events and is empty otherwise.
type Event struct {
	ID         string          `json:"id"`
	Kind       EventKind       `json:"kind"`
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	BoardID    string          `json:"boardId"`
	Version    int64           `json:"version"`
	ActorID    string          `json:"actorId,omitempty"`
	Time       int64           `json:"time"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// BoardChannel is the pub/sub channel carrying a board's events.
func BoardChannel(boardID string) string { return "board:" + boardID }

// Encode serializes the event for pub/sub and websocket delivery.
func (e Event) Encode() ([]byte, error) { return sonic.Marshal(e) }

// DecodeEvent parses one wire event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
