package collab

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

var (
	ErrNilChannel  = errors.New("collab: channel is required")
	errRoomRetired = errors.New("collab: room retired")
)

// Channel is one participant's bidirectional connection as seen by the room.
// Send must not block; delivery is best effort.
type Channel interface {
	Send(data []byte) error
	Close() error
}

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

// AfterFunc schedules on the runtime timer wheel.
func AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RoomConfig describes the dependencies of a collaboration room.
type RoomConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Schedule      Scheduler
	NewIdentity   func() string
	Logger        *zap.Logger

	// OnIdle runs outside the room lock after a sweep leaves the room empty.
	OnIdle func(*Room)
}

// RoomState is the snapshot served to the query surface.
type RoomState struct {
	WorkflowID string        `json:"workflowId"`
	UserCount  int           `json:"userCount"`
	Users      []Participant `json:"users"`
}

// RoomUsers is the participant listing served to the query surface.
type RoomUsers struct {
	Users []Participant `json:"users"`
}

// Room multiplexes the channels of one workflow. Every exported method holds
// mu for its whole body, so admission, dispatch, disconnect and sweeps never
// interleave. Correctness of both maps depends on that.
type Room struct {
	mu sync.Mutex

	workflowID   string
	channels     map[Channel]string
	participants map[string]*Participant
	createdAt    time.Time
	lastActivity time.Time

	idleTimeout   time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	schedule      Scheduler
	newIdentity   func() string
	onIdle        func(*Room)
	logger        *zap.Logger

	sweepTimer Timer
	retired    bool
}

// NewRoom constructs an empty room. The workflow id is taken from the first Connect.
func NewRoom(cfg RoomConfig) *Room {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = AfterFunc
	}
	identities := cfg.NewIdentity
	if identities == nil {
		identities = NewIdentity
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := clock()
	return &Room{
		channels:      make(map[Channel]string),
		participants:  make(map[string]*Participant),
		createdAt:     now,
		lastActivity:  now,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		clock:         clock,
		schedule:      schedule,
		newIdentity:   identities,
		onIdle:        cfg.OnIdle,
		logger:        logger,
	}
}

// Connect admits a freshly opened channel. An empty identity is generated and
// an empty name becomes "Anonymous". A second channel for an identity already
// present replaces the earlier record and force-closes the earlier channel.
func (r *Room) Connect(channel Channel, identity, name, workflowID string) error {
	if channel == nil {
		return ErrNilChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retired {
		return errRoomRetired
	}

	workflowID = strings.TrimSpace(workflowID)
	if r.workflowID == "" {
		r.workflowID = workflowID
		r.logger = r.logger.With(zap.String("workflow_id", workflowID))
	} else if workflowID != "" && workflowID != r.workflowID {
		r.logger.Warn("connect supplied a different workflow id", zap.String("supplied_workflow_id", workflowID))
	}

	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = r.newIdentity()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultDisplayName
	}

	r.dropStaleChannelsLocked(identity, channel)

	now := r.clock()
	participant := newParticipant(identity, name, now)
	r.participants[identity] = participant
	r.channels[channel] = identity
	r.lastActivity = now

	r.sendLocked(channel, MessageInit, InitPayload{
		Identity:   identity,
		Users:      r.snapshotLocked(),
		WorkflowID: r.workflowID,
	})
	r.broadcastLocked(channel, MessageUserJoined, UserJoinedPayload{User: participant.clone()})

	r.ensureSweepLocked()

	r.logger.Info("participant joined",
		zap.String("identity", identity),
		zap.Int("participants", len(r.participants)),
	)
	return nil
}

func (r *Room) dropStaleChannelsLocked(identity string, current Channel) {
	for channel, owner := range r.channels {
		if owner != identity || channel == current {
			continue
		}
		delete(r.channels, channel)
		if err := channel.Close(); err != nil {
			r.logger.Debug("stale channel close failed", zap.String("identity", identity), zap.Error(err))
		}
		r.logger.Info("replaced stale channel for reconnecting participant", zap.String("identity", identity))
	}
}

// Message dispatches one raw frame received on channel. Malformed frames,
// unknown types and frames from unregistered or evicted channels are dropped.
func (r *Room) Message(channel Channel, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	envelope, err := DecodeEnvelope(data)
	if err != nil {
		r.logger.Warn("dropping malformed message", zap.Error(err))
		return
	}

	identity, ok := r.channels[channel]
	if !ok {
		return
	}
	participant, ok := r.participants[identity]
	if !ok {
		r.logger.Debug("dropping message from evicted participant", zap.String("identity", identity))
		return
	}

	now := r.clock()
	participant.touch(now)
	r.lastActivity = now

	switch envelope.Type {
	case MessageCursorMove:
		cursor, err := parseCursor(envelope.Payload)
		if err != nil {
			r.logger.Warn("dropping invalid cursor payload", zap.String("identity", identity), zap.Error(err))
			return
		}
		participant.Cursor = &cursor
		r.broadcastLocked(channel, MessageCursorUpdate, CursorUpdatePayload{Identity: identity, Cursor: cursor})
	case MessageNodeSelect:
		nodeIDs, err := parseSelection(envelope.Payload)
		if err != nil {
			r.logger.Warn("dropping invalid selection payload", zap.String("identity", identity), zap.Error(err))
			return
		}
		participant.SelectedNodeIDs = nodeIDs
		r.broadcastLocked(channel, MessageSelectionUpdate, SelectionUpdatePayload{
			Identity: identity,
			NodeIDs:  append([]string{}, nodeIDs...),
		})
	case MessageNodeUpdate, MessageNodeCreate, MessageNodeDelete, MessageConnectionCreate, MessageConnectionDelete:
		payload, err := relayPayload(identity, envelope.Payload)
		if err != nil {
			r.logger.Warn("dropping unrelayable payload",
				zap.String("identity", identity),
				zap.String("type", string(envelope.Type)),
				zap.Error(err),
			)
			return
		}
		r.broadcastLocked(channel, envelope.Type, payload)
	case MessageViewportUpdate:
	case MessagePing:
		r.sendLocked(channel, MessagePong, PongPayload{Timestamp: now.UnixMilli()})
	default:
		r.logger.Warn("unknown message type", zap.String("identity", identity), zap.String("type", string(envelope.Type)))
	}
}

// Disconnect handles channel close and channel error alike.
func (r *Room) Disconnect(channel Channel) {
	if channel == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := channel.Close(); err != nil {
		r.logger.Debug("channel close failed", zap.Error(err))
	}

	identity, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(r.channels, channel)

	if _, ok := r.participants[identity]; !ok {
		return
	}
	delete(r.participants, identity)
	r.broadcastLocked(nil, MessageUserLeft, UserLeftPayload{Identity: identity})

	r.logger.Info("participant left",
		zap.String("identity", identity),
		zap.Int("participants", len(r.participants)),
	)
}

// Sweep evicts participants idle longer than the idle timeout and returns
// their identities. Evicted channels stay open but no longer receive updates.
// The next sweep is scheduled only while participants remain.
func (r *Room) Sweep() []string {
	r.mu.Lock()
	if r.sweepTimer != nil {
		r.sweepTimer.Stop()
		r.sweepTimer = nil
	}

	now := r.clock()
	cutoff := now.Add(-r.idleTimeout)
	var evicted []string
	for identity, participant := range r.participants {
		if participant.idleSince(cutoff) {
			evicted = append(evicted, identity)
		}
	}
	sort.Strings(evicted)
	for _, identity := range evicted {
		delete(r.participants, identity)
		r.broadcastLocked(nil, MessageUserLeft, UserLeftPayload{Identity: identity})
		r.logger.Info("evicted idle participant", zap.String("identity", identity))
	}

	empty := len(r.participants) == 0
	if !empty {
		r.ensureSweepLocked()
	}
	onIdle := r.onIdle
	r.mu.Unlock()

	if empty && onIdle != nil {
		onIdle(r)
	}
	return evicted
}

// State returns a snapshot of the room.
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := r.snapshotLocked()
	return RoomState{
		WorkflowID: r.workflowID,
		UserCount:  len(users),
		Users:      users,
	}
}

// Users returns a snapshot of the participant directory.
func (r *Room) Users() RoomUsers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomUsers{Users: r.snapshotLocked()}
}

// WorkflowID reports the workflow this room serves.
func (r *Room) WorkflowID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workflowID
}

// UserCount reports the number of live participants.
func (r *Room) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Activity reports the room creation and last activity times.
func (r *Room) Activity() (createdAt, lastActivity time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt, r.lastActivity
}

// Stop cancels a pending sweep. A later Connect schedules a new one.
func (r *Room) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweepTimer != nil {
		r.sweepTimer.Stop()
		r.sweepTimer = nil
	}
}

// retireIfEmpty marks an empty room as no longer admitting channels.
func (r *Room) retireIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.participants) > 0 {
		return false
	}
	r.retired = true
	if r.sweepTimer != nil {
		r.sweepTimer.Stop()
		r.sweepTimer = nil
	}
	return true
}

func (r *Room) ensureSweepLocked() {
	if r.sweepTimer != nil {
		return
	}
	r.sweepTimer = r.schedule(r.sweepInterval, func() { r.Sweep() })
}

func (r *Room) snapshotLocked() []Participant {
	users := make([]Participant, 0, len(r.participants))
	for _, participant := range r.participants {
		users = append(users, participant.clone())
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Identity < users[j].Identity
	})
	return users
}

func (r *Room) sendLocked(channel Channel, messageType MessageType, payload any) {
	data, err := encodeMessage(messageType, payload)
	if err != nil {
		r.logger.Error("failed to encode message", zap.String("type", string(messageType)), zap.Error(err))
		return
	}
	if err := channel.Send(data); err != nil {
		r.logger.Warn("send failed",
			zap.String("identity", r.channels[channel]),
			zap.String("type", string(messageType)),
			zap.Error(err),
		)
	}
}

// broadcastLocked sends to every channel except the excluded one, skipping
// channels whose participant was evicted. Sends are sequential and a failed
// recipient does not stop the rest.
func (r *Room) broadcastLocked(exclude Channel, messageType MessageType, payload any) {
	data, err := encodeMessage(messageType, payload)
	if err != nil {
		r.logger.Error("failed to encode broadcast", zap.String("type", string(messageType)), zap.Error(err))
		return
	}
	for channel, identity := range r.channels {
		if channel == exclude {
			continue
		}
		if _, live := r.participants[identity]; !live {
			continue
		}
		if err := channel.Send(data); err != nil {
			r.logger.Warn("broadcast send failed",
				zap.String("identity", identity),
				zap.String("type", string(messageType)),
				zap.Error(err),
			)
		}
	}
}
