package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRoomRejectsDuplicateID(t *testing.T) {
	m := New(nil)
	require.True(t, m.CreateRoom("room1", "Team Sync", Config{}))
	assert.False(t, m.CreateRoom("room1", "Team Sync Again", Config{}))
}

func TestJoinRoomRejectsWhenLocked(t *testing.T) {
	m := New(nil)
	m.CreateRoom("room1", "", Config{})
	m.SetRoomLocked("room1", true)

	ok := m.JoinRoom("room1", Participant{ID: "p1"}, "")
	assert.False(t, ok)
}

func TestJoinRoomRejectsWhenFull(t *testing.T) {
	m := New(nil)
	m.CreateRoom("room1", "", Config{MaxParticipants: 1})
	require.True(t, m.JoinRoom("room1", Participant{ID: "p1"}, ""))
	assert.False(t, m.JoinRoom("room1", Participant{ID: "p2"}, ""))
}

func TestJoinRoomRejectsWrongPassword(t *testing.T) {
	m := New(nil)
	m.CreateRoom("room1", "", Config{RequirePassword: true, Password: "secret"})
	assert.False(t, m.JoinRoom("room1", Participant{ID: "p1"}, "wrong"))
	assert.True(t, m.JoinRoom("room1", Participant{ID: "p1"}, "secret"))
}

func TestJoinRoomRejectsAlreadyJoined(t *testing.T) {
	m := New(nil)
	m.CreateRoom("room1", "", Config{})
	require.True(t, m.JoinRoom("room1", Participant{ID: "p1"}, ""))
	assert.False(t, m.JoinRoom("room1", Participant{ID: "p1"}, ""))
}

func TestLeaveRoomEmitsEventOnlyWhenPresent(t *testing.T) {
	m := New(nil)
	m.CreateRoom("room1", "", Config{})
	m.JoinRoom("room1", Participant{ID: "p1"}, "")

	var events []Event
	m.SetEventCallback(func(roomID RoomID, event Event, participantID ParticipantID) {
		events = append(events, event)
	})

	m.LeaveRoom("room1", "p1")
	m.LeaveRoom("room1", "p1") // no-op: already gone

	require.Len(t, events, 1)
	assert.Equal(t, EventParticipantLeft, events[0])
}

func TestUpdateMediaStateReflectsInStats(t *testing.T) {
	m := New(nil)
	m.CreateRoom("room1", "", Config{})
	m.JoinRoom("room1", Participant{ID: "p1"}, "")
	m.JoinRoom("room1", Participant{ID: "p2"}, "")

	m.UpdateMediaState("room1", "p1", MediaState{AudioEnabled: true, VideoEnabled: true})
	m.UpdateMediaState("room1", "p2", MediaState{AudioEnabled: true})

	stats := m.RoomStats("room1")
	assert.Equal(t, 2, stats.ParticipantCount)
	assert.Equal(t, 2, stats.AudioStreams)
	assert.Equal(t, 1, stats.VideoStreams)
}

func TestCleanupClosesEmptyRoomAfterTimeout(t *testing.T) {
	m := New(nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return clock })

	m.CreateRoom("room1", "", Config{AutoCloseAfter: time.Minute})
	clock = clock.Add(2 * time.Minute)

	m.Cleanup()
	_, ok := m.GetRoom("room1")
	assert.False(t, ok)
}

func TestCleanupKeepsNonEmptyRoom(t *testing.T) {
	m := New(nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return clock })

	m.CreateRoom("room1", "", Config{AutoCloseAfter: time.Minute})
	m.JoinRoom("room1", Participant{ID: "p1"}, "")
	clock = clock.Add(2 * time.Minute)

	m.Cleanup()
	_, ok := m.GetRoom("room1")
	assert.True(t, ok)
}

func TestTotalParticipantsAcrossRooms(t *testing.T) {
	m := New(nil)
	m.CreateRoom("room1", "", Config{})
	m.CreateRoom("room2", "", Config{})
	m.JoinRoom("room1", Participant{ID: "p1"}, "")
	m.JoinRoom("room2", Participant{ID: "p2"}, "")
	m.JoinRoom("room2", Participant{ID: "p3"}, "")

	assert.Equal(t, 3, m.TotalParticipants())
	assert.Equal(t, 2, m.RoomCount())
}

func TestCloseRoomRemovesItAndEmitsEvent(t *testing.T) {
	m := New(nil)
	m.CreateRoom("room1", "", Config{})

	var gotEvent Event
	m.SetEventCallback(func(roomID RoomID, event Event, participantID ParticipantID) { gotEvent = event })

	m.CloseRoom("room1")
	_, ok := m.GetRoom("room1")
	assert.False(t, ok)
	assert.Equal(t, EventRoomClosed, gotEvent)
}
