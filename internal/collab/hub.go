package collab

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrMissingWorkflowID = errors.New("collab: workflow id is required")

// HubConfig carries the room defaults applied to every workflow.
type HubConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Schedule      Scheduler
	NewIdentity   func() string
	Logger        *zap.Logger
}

// HubStats summarizes the rooms currently held.
type HubStats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}

// RoomSummary describes one active room.
type RoomSummary struct {
	WorkflowID     string `json:"workflowId"`
	UserCount      int    `json:"userCount"`
	CreatedAtMs    int64  `json:"createdAt"`
	LastActivityMs int64  `json:"lastActivity"`
}

// Hub creates rooms lazily per workflow id and reclaims them once a sweep
// finds them empty. Rooms share no state with each other.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	config HubConfig
	logger *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger
	return &Hub{
		rooms:  make(map[string]*Room),
		config: cfg,
		logger: logger,
	}
}

// Connect admits channel into the room for workflowID, creating the room on
// first use, and returns the room that now owns the channel.
func (h *Hub) Connect(workflowID string, channel Channel, identity, name string) (*Room, error) {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return nil, ErrMissingWorkflowID
	}
	if channel == nil {
		return nil, ErrNilChannel
	}
	for {
		room := h.roomFor(workflowID)
		err := room.Connect(channel, identity, name, workflowID)
		if errors.Is(err, errRoomRetired) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
}

// Room returns the active room for workflowID without creating one.
func (h *Hub) Room(workflowID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[strings.TrimSpace(workflowID)]
	return room, ok
}

// Stats counts active rooms and their participants.
func (h *Hub) Stats() HubStats {
	rooms := h.activeRooms()
	stats := HubStats{Rooms: len(rooms)}
	for _, room := range rooms {
		stats.Participants += room.UserCount()
	}
	return stats
}

// Rooms lists active rooms ordered by workflow id.
func (h *Hub) Rooms() []RoomSummary {
	rooms := h.activeRooms()
	summaries := make([]RoomSummary, 0, len(rooms))
	for workflowID, room := range rooms {
		createdAt, lastActivity := room.Activity()
		summaries = append(summaries, RoomSummary{
			WorkflowID:     workflowID,
			UserCount:      room.UserCount(),
			CreatedAtMs:    createdAt.UnixMilli(),
			LastActivityMs: lastActivity.UnixMilli(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].WorkflowID < summaries[j].WorkflowID
	})
	return summaries
}

// Close cancels every pending sweep.
func (h *Hub) Close() {
	for _, room := range h.activeRooms() {
		room.Stop()
	}
}

func (h *Hub) roomFor(workflowID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[workflowID]; ok {
		return room
	}
	room := NewRoom(RoomConfig{
		IdleTimeout:   h.config.IdleTimeout,
		SweepInterval: h.config.SweepInterval,
		Clock:         h.config.Clock,
		Schedule:      h.config.Schedule,
		NewIdentity:   h.config.NewIdentity,
		Logger:        h.logger,
		OnIdle: func(idle *Room) {
			h.release(workflowID, idle)
		},
	})
	h.rooms[workflowID] = room
	h.logger.Debug("room created", zap.String("workflow_id", workflowID))
	return room
}

func (h *Hub) release(workflowID string, room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[workflowID] != room {
		return
	}
	if !room.retireIfEmpty() {
		return
	}
	delete(h.rooms, workflowID)
	h.logger.Debug("room reclaimed", zap.String("workflow_id", workflowID))
}

func (h *Hub) activeRooms() map[string]*Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := make(map[string]*Room, len(h.rooms))
	for workflowID, room := range h.rooms {
		rooms[workflowID] = room
	}
	return rooms
}
