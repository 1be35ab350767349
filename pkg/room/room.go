// Package room implements the room/port/cluster façade of spec §4.M: a
// thin coordination layer over participants, joined media state, and
// lifecycle events, with a Prometheus metrics surface over the
// observable stats named in spec §7.
// Grounded on original_source/server/src/room_manager.cpp, translated
// from its unordered_map<RoomId, Room> idiom into Go (pkg/sfu/sfu.go's
// room-as-top-level-owner shape).
package room

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediaplane/sfu/pkg/logger"
)

type RoomID string
type ParticipantID string

// NewRoomID and NewParticipantID mint fresh identifiers for callers that
// don't have their own naming scheme (e.g. signaling assigns human names,
// tests and ad-hoc tooling want a unique one for free).
func NewRoomID() RoomID {
	return RoomID(uuid.NewString())
}

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// MediaState is a participant's current publish state.
type MediaState struct {
	AudioEnabled bool
	VideoEnabled bool
}

// Participant is one joined member of a room.
type Participant struct {
	ID          ParticipantID
	DisplayName string
	JoinedAt    time.Time
	Connected   bool
	MediaState  MediaState
}

// Config controls one room's admission policy and lifecycle.
type Config struct {
	MaxParticipants int
	RequirePassword bool
	Password        string
	AutoCloseAfter  time.Duration // close when empty for this long
}

// Room is one conference's participant roster and config.
type Room struct {
	ID           RoomID
	Name         string
	Config       Config
	CreatedAt    time.Time
	IsLocked     bool
	Participants []Participant
}

// Event is a room lifecycle notification.
type Event int

const (
	EventRoomClosed Event = iota
	EventRoomLocked
	EventRoomUnlocked
	EventParticipantJoined
	EventParticipantLeft
	EventMediaStateChanged
)

// EventFunc is invoked for each room lifecycle event.
type EventFunc func(roomID RoomID, event Event, participantID ParticipantID)

// Stats is a point-in-time snapshot of one room's observable counters.
type Stats struct {
	ParticipantCount int
	AudioStreams     int
	VideoStreams     int
	Uptime           time.Duration
}

var (
	metricRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediaserver",
		Subsystem: "room",
		Name:      "active_rooms",
		Help:      "Number of currently open rooms.",
	})
	metricParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediaserver",
		Subsystem: "room",
		Name:      "active_participants",
		Help:      "Number of currently connected participants across all rooms.",
	})
	metricJoins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaserver",
		Subsystem: "room",
		Name:      "participant_joins_total",
		Help:      "Total participant join attempts by outcome.",
	}, []string{"outcome"})
	metricEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaserver",
		Subsystem: "room",
		Name:      "events_total",
		Help:      "Total room lifecycle events emitted, by kind.",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(metricRooms, metricParticipants, metricJoins, metricEvents)
}

func eventLabel(e Event) string {
	switch e {
	case EventRoomClosed:
		return "room_closed"
	case EventRoomLocked:
		return "room_locked"
	case EventRoomUnlocked:
		return "room_unlocked"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventMediaStateChanged:
		return "media_state_changed"
	default:
		return "unknown"
	}
}

// Manager is the room façade: the top-level owner of every open room.
type Manager struct {
	logger logger.Logger

	mu    sync.Mutex
	rooms map[RoomID]*Room

	eventCallback EventFunc

	now func() time.Time
}

// New constructs an empty Manager.
func New(log logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		logger: log,
		rooms:  make(map[RoomID]*Room),
		now:    time.Now,
	}
}

// SetClock overrides the manager's time source, for deterministic tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetEventCallback registers the lifecycle event sink.
func (m *Manager) SetEventCallback(cb EventFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCallback = cb
}

func (m *Manager) emitEventLocked(roomID RoomID, event Event, participantID ParticipantID) {
	metricEvents.WithLabelValues(eventLabel(event)).Inc()
	if m.eventCallback != nil {
		m.eventCallback(roomID, event, participantID)
	}
}

// CreateRoom registers a new room. Returns false if roomID already exists.
func (m *Manager) CreateRoom(roomID RoomID, name string, cfg Config) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rooms[roomID]; exists {
		return false
	}

	m.rooms[roomID] = &Room{
		ID:        roomID,
		Name:      name,
		Config:    cfg,
		CreatedAt: m.now(),
	}
	metricRooms.Set(float64(len(m.rooms)))
	return true
}

// CloseRoom removes roomID, emitting EventRoomClosed if it existed.
func (m *Manager) CloseRoom(roomID RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomID]; ok {
		m.emitEventLocked(roomID, EventRoomClosed, "")
		delete(m.rooms, roomID)
		metricRooms.Set(float64(len(m.rooms)))
		m.refreshParticipantGaugeLocked()
	}
}

// SetRoomLocked locks or unlocks roomID, rejecting new joins while locked.
func (m *Manager) SetRoomLocked(roomID RoomID, locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return
	}
	r.IsLocked = locked
	if locked {
		m.emitEventLocked(roomID, EventRoomLocked, "")
	} else {
		m.emitEventLocked(roomID, EventRoomUnlocked, "")
	}
}

// GetRoom returns a copy of roomID's current state.
func (m *Manager) GetRoom(roomID RoomID) (Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return *r, true
}

// AllRooms returns a snapshot of every open room.
func (m *Manager) AllRooms() []Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, *r)
	}
	return out
}

// JoinRoom admits participant into roomID, enforcing the lock, capacity,
// password, and already-joined checks of spec §4.M. Returns false on any
// rejection.
func (m *Manager) JoinRoom(roomID RoomID, participant Participant, password string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		metricJoins.WithLabelValues("room_not_found").Inc()
		return false
	}
	if r.IsLocked {
		metricJoins.WithLabelValues("locked").Inc()
		return false
	}
	if r.Config.MaxParticipants > 0 && len(r.Participants) >= r.Config.MaxParticipants {
		metricJoins.WithLabelValues("room_full").Inc()
		return false
	}
	if r.Config.RequirePassword && r.Config.Password != password {
		metricJoins.WithLabelValues("bad_password").Inc()
		return false
	}
	for _, p := range r.Participants {
		if p.ID == participant.ID {
			metricJoins.WithLabelValues("already_joined").Inc()
			return false
		}
	}

	participant.JoinedAt = m.now()
	participant.Connected = true
	r.Participants = append(r.Participants, participant)

	metricJoins.WithLabelValues("ok").Inc()
	m.emitEventLocked(roomID, EventParticipantJoined, participant.ID)
	m.refreshParticipantGaugeLocked()
	return true
}

// LeaveRoom removes participantID from roomID, emitting
// EventParticipantLeft if they were present.
func (m *Manager) LeaveRoom(roomID RoomID, participantID ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return
	}

	prevLen := len(r.Participants)
	kept := r.Participants[:0]
	for _, p := range r.Participants {
		if p.ID != participantID {
			kept = append(kept, p)
		}
	}
	r.Participants = kept

	if len(r.Participants) < prevLen {
		m.emitEventLocked(roomID, EventParticipantLeft, participantID)
		m.refreshParticipantGaugeLocked()
	}
}

// UpdateMediaState updates participantID's publish state within roomID.
func (m *Manager) UpdateMediaState(roomID RoomID, participantID ParticipantID, state MediaState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return
	}
	for i := range r.Participants {
		if r.Participants[i].ID == participantID {
			r.Participants[i].MediaState = state
			m.emitEventLocked(roomID, EventMediaStateChanged, participantID)
			return
		}
	}
}

// Participants returns a snapshot of roomID's roster.
func (m *Manager) Participants(roomID RoomID) []Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Participant, len(r.Participants))
	copy(out, r.Participants)
	return out
}

// RoomStats computes roomID's current observable counters.
func (m *Manager) RoomStats(roomID RoomID) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	r, ok := m.rooms[roomID]
	if !ok {
		return stats
	}

	stats.ParticipantCount = len(r.Participants)
	for _, p := range r.Participants {
		if p.MediaState.AudioEnabled {
			stats.AudioStreams++
		}
		if p.MediaState.VideoEnabled {
			stats.VideoStreams++
		}
	}
	stats.Uptime = m.now().Sub(r.CreatedAt)
	return stats
}

// Cleanup closes any room that has been empty for longer than its
// configured AutoCloseAfter.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, r := range m.rooms {
		if len(r.Participants) == 0 && r.Config.AutoCloseAfter > 0 {
			if now.Sub(r.CreatedAt) >= r.Config.AutoCloseAfter {
				m.emitEventLocked(id, EventRoomClosed, "")
				delete(m.rooms, id)
			}
		}
	}
	metricRooms.Set(float64(len(m.rooms)))
}

// RoomCount returns the number of currently open rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// TotalParticipants returns the number of participants across all rooms.
func (m *Manager) TotalParticipants() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, r := range m.rooms {
		total += len(r.Participants)
	}
	return total
}

func (m *Manager) refreshParticipantGaugeLocked() {
	total := 0
	for _, r := range m.rooms {
		total += len(r.Participants)
	}
	metricParticipants.Set(float64(total))
}
