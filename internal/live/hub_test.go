package live

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepmate/liveroom/internal/auth"
	"github.com/prepmate/liveroom/internal/store"
)

func setupTestHub(t *testing.T, flushDelay time.Duration) (*Hub, *store.Store) {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "Failed to create store")

	h := NewHub(st, Options{FlushDelay: flushDelay})
	go h.Run()

	t.Cleanup(func() {
		h.Stop()
		time.Sleep(20 * time.Millisecond) // let detached flush goroutines finish
		st.Close()
	})
	return h, st
}

// newTestClient registers an in-process connection with a buffered send
// channel and no underlying websocket.
func newTestClient(h *Hub, userID, username string) *Client {
	c := &Client{
		hub:      h,
		send:     make(chan []byte, 64),
		id:       uuid.NewString(),
		identity: auth.Identity{UserID: userID, Username: username},
	}
	h.dispatch(evRegister{c: c})
	return c
}

func nextEvent(t *testing.T, c *Client) (string, json.RawMessage) {
	t.Helper()

	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send channel closed unexpectedly")
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env.Event, env.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
		return "", nil
	}
}

func expectEvent(t *testing.T, c *Client, event string) json.RawMessage {
	t.Helper()

	got, payload := nextEvent(t, c)
	require.Equal(t, event, got, "unexpected event")
	return payload
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()

	select {
	case data := <-c.send:
		t.Fatalf("Expected no event, got %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func decodeInto(t *testing.T, payload json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(payload, v))
}

func createRoom(t *testing.T, st *store.Store, id, ownerID, ownerName string) {
	t.Helper()
	require.NoError(t, st.CreateRoom(id, "https://meet.example/"+id, ownerID, ownerName))
}

// Gateway

func TestOwnerJoinReceivesSnapshot(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")

	payload := expectEvent(t, owner, EventRoomState)

	var state roomStatePayload
	decodeInto(t, payload, &state)
	assert.Nil(t, state.Scene)
	assert.Empty(t, state.Code)
	assert.Equal(t, store.DefaultLanguage, state.Language)
	assert.Nil(t, state.QuestionLink)
	assert.Equal(t, "https://meet.example/r1", state.ShareLink)
	assert.Equal(t, "Alice", state.OwnerName)
	require.Len(t, state.Members, 1)
	assert.Equal(t, "u1", state.Members[0].UserID)
}

func TestJoinUnknownRoom(t *testing.T) {
	h, _ := setupTestHub(t, 25*time.Millisecond)

	c := newTestClient(h, "u1", "Alice")
	c.requestJoin("missing")

	payload := expectEvent(t, c, EventRoomError)

	var e errorPayload
	decodeInto(t, payload, &e)
	assert.Equal(t, "Room not found.", e.Message)
}

func TestJoinEndedRoomAlwaysTerminal(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")
	require.NoError(t, st.EndRoom("r1"))

	owner := newTestClient(h, "u1", "Alice")
	for i := 0; i < 2; i++ {
		owner.requestJoin("r1")
		payload := expectEvent(t, owner, EventRoomError)

		var e errorPayload
		decodeInto(t, payload, &e)
		assert.Equal(t, "This room has already ended.", e.Message)
	}
}

func TestUnapprovedJoinGetsAccessDeniedNotError(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	stranger := newTestClient(h, "u2", "Bob")
	stranger.requestJoin("r1")

	payload := expectEvent(t, stranger, EventAccessDenied)

	var ref roomRef
	decodeInto(t, payload, &ref)
	assert.Equal(t, "r1", ref.RoomID)

	expectNoEvent(t, stranger)
}

func TestRejoinResendsStateWithoutDuplicatePresence(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectNoEvent(t, owner)
}

// Access Controller

func TestWaitingRoomScenario(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventAccessDenied)

	guest.requestAsk("r1")

	payload := expectEvent(t, owner, EventJoinRequest)
	var request joinRequestPayload
	decodeInto(t, payload, &request)
	assert.Equal(t, "r1", request.RoomID)
	assert.Equal(t, "u2", request.UserID)
	assert.Equal(t, guest.id, request.ConnectionID)

	h.dispatch(evAdmin{c: owner, p: adminResponsePayload{
		RoomID:       "r1",
		ConnectionID: guest.id,
		Approved:     true,
	}})
	expectEvent(t, guest, EventJoinApproved)

	guest.requestJoin("r1")
	statePayload := expectEvent(t, guest, EventRoomState)
	var state roomStatePayload
	decodeInto(t, statePayload, &state)
	assert.Len(t, state.Members, 2)

	presencePayloadRaw := expectEvent(t, owner, EventRoomPresence)
	var presence presencePayload
	decodeInto(t, presencePayloadRaw, &presence)
	assert.Equal(t, "joined", presence.Type)
	assert.Equal(t, "u2", presence.Member.UserID)

	// owner leaving terminates the room
	h.dispatch(evLeave{c: owner, roomID: "r1"})
	leftPayload := expectEvent(t, guest, EventRoomPresence)
	decodeInto(t, leftPayload, &presence)
	assert.Equal(t, "left", presence.Type)

	closedPayload := expectEvent(t, guest, EventRoomClosed)
	var closed roomClosedPayload
	decodeInto(t, closedPayload, &closed)
	assert.Equal(t, "r1", closed.RoomID)

	require.Eventually(t, func() bool {
		room, err := st.GetRoom("r1")
		return err == nil && room != nil && room.Ended()
	}, 2*time.Second, 10*time.Millisecond, "durable record must be marked ended")

	// a later join always fails terminal
	guest.requestJoin("r1")
	errPayload := expectEvent(t, guest, EventRoomError)
	var e errorPayload
	decodeInto(t, errPayload, &e)
	assert.Equal(t, "This room has already ended.", e.Message)
}

func TestDenialDoesNotApprove(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	guest := newTestClient(h, "u2", "Bob")
	guest.requestAsk("r1")
	expectEvent(t, owner, EventJoinRequest)

	h.dispatch(evAdmin{c: owner, p: adminResponsePayload{
		RoomID:       "r1",
		ConnectionID: guest.id,
		Approved:     false,
	}})
	expectEvent(t, guest, EventJoinDenied)

	guest.requestJoin("r1")
	expectEvent(t, guest, EventAccessDenied)
}

func TestApprovalSurvivesLeaveAndRejoin(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	guest := newTestClient(h, "u2", "Bob")
	guest.requestAsk("r1")
	expectEvent(t, owner, EventJoinRequest)
	h.dispatch(evAdmin{c: owner, p: adminResponsePayload{RoomID: "r1", ConnectionID: guest.id, Approved: true}})
	expectEvent(t, guest, EventJoinApproved)

	for i := 0; i < 3; i++ {
		guest.requestJoin("r1")
		expectEvent(t, guest, EventRoomState)
		expectEvent(t, owner, EventRoomPresence) // joined

		h.dispatch(evLeave{c: guest, roomID: "r1"})
		expectEvent(t, owner, EventRoomPresence) // left
	}
}

func TestAdminResponseFromNonOwnerDropped(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	imposter := newTestClient(h, "u2", "Bob")
	imposter.requestJoin("r1")
	expectEvent(t, imposter, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	waiter := newTestClient(h, "u3", "Carol")
	waiter.requestAsk("r1")
	expectEvent(t, owner, EventJoinRequest)

	h.dispatch(evAdmin{c: imposter, p: adminResponsePayload{RoomID: "r1", ConnectionID: waiter.id, Approved: true}})
	expectNoEvent(t, waiter)

	waiter.requestJoin("r1")
	expectEvent(t, waiter, EventAccessDenied)
}

func TestWaiterDisconnectRemovesRequestSilently(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	waiter := newTestClient(h, "u2", "Bob")
	waiter.requestAsk("r1")
	expectEvent(t, owner, EventJoinRequest)
	waiterID := waiter.id

	h.dispatch(evUnregister{c: waiter})

	h.dispatch(evAdmin{c: owner, p: adminResponsePayload{RoomID: "r1", ConnectionID: waiterID, Approved: true}})
	payload := expectEvent(t, owner, EventRoomError)

	var e errorPayload
	decodeInto(t, payload, &e)
	assert.Contains(t, e.Message, "No pending request")
}

func TestInviteGrantAllowsJoinWithoutRequest(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2", "u3"})

	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
}

// State Synchronizer

func TestCanvasUpdateBroadcastThenDebouncedFlush(t *testing.T) {
	h, st := setupTestHub(t, 100*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	for i := 1; i <= 3; i++ {
		h.dispatch(evCanvas{c: owner, p: canvasPayload{
			RoomID: "r1",
			Scene:  Scene{"elements": []interface{}{map[string]interface{}{"version": float64(i)}}},
		}})
		payload := expectEvent(t, guest, EventCanvasUpdate)

		var update canvasPayload
		decodeInto(t, payload, &update)
		require.NotNil(t, update.Scene)
	}

	// all three landed inside one quiet window: nothing persisted yet
	room, err := st.GetRoom("r1")
	require.NoError(t, err)
	assert.Nil(t, room.CanvasScene, "no write may happen before the window elapses")

	require.Eventually(t, func() bool {
		room, err := st.GetRoom("r1")
		return err == nil && room.CanvasScene != nil
	}, 2*time.Second, 10*time.Millisecond)

	room, err = st.GetRoom("r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"elements":[{"version":3}]}`, string(room.CanvasScene),
		"the single durable write must reflect the last update of the window")
}

func TestCanvasCollaboratorsStripped(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	h.dispatch(evCanvas{c: owner, p: canvasPayload{
		RoomID: "r1",
		Scene: Scene{
			"elements": []interface{}{},
			"appState": map[string]interface{}{
				"viewBackgroundColor": "#ffffff",
				"collaborators":       map[string]interface{}{"u1": map[string]interface{}{"pointer": map[string]interface{}{"x": 1.0, "y": 2.0}}},
			},
		},
	}})

	payload := expectEvent(t, guest, EventCanvasUpdate)
	var update canvasPayload
	decodeInto(t, payload, &update)

	appState, ok := update.Scene["appState"].(map[string]interface{})
	require.True(t, ok)
	assert.NotContains(t, appState, "collaborators")
	assert.Equal(t, "#ffffff", appState["viewBackgroundColor"])

	require.Eventually(t, func() bool {
		room, err := st.GetRoom("r1")
		return err == nil && room.CanvasScene != nil
	}, 2*time.Second, 10*time.Millisecond)

	room, err := st.GetRoom("r1")
	require.NoError(t, err)
	assert.NotContains(t, string(room.CanvasScene), "collaborators")
}

func TestCodeUpdatePartialFields(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	code := "def solve():\n    pass"
	lang := "python"
	h.dispatch(evCode{c: owner, p: codePayload{RoomID: "r1", Code: &code, Language: &lang}})

	payload := expectEvent(t, guest, EventCodeUpdate)
	var update codePayload
	decodeInto(t, payload, &update)
	require.NotNil(t, update.Code)
	assert.Equal(t, code, *update.Code)
	require.NotNil(t, update.Language)
	assert.Equal(t, "python", *update.Language)

	require.Eventually(t, func() bool {
		room, err := st.GetRoom("r1")
		return err == nil && room.CodeText == code && room.CodeLanguage == "python"
	}, 2*time.Second, 10*time.Millisecond)

	// no-field update: neither broadcast nor flush
	h.dispatch(evCode{c: owner, p: codePayload{RoomID: "r1"}})
	expectNoEvent(t, guest)
}

func TestQuestionLinkNormalization(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	link := "  https://leetcode.com/problems/two-sum  "
	h.dispatch(evQuestion{c: owner, p: questionPayload{RoomID: "r1", QuestionLink: &link}})

	payload := expectEvent(t, guest, EventQuestionUpdate)
	var update questionPayload
	decodeInto(t, payload, &update)
	require.NotNil(t, update.QuestionLink)
	assert.Equal(t, "https://leetcode.com/problems/two-sum", *update.QuestionLink)

	require.Eventually(t, func() bool {
		room, err := st.GetRoom("r1")
		return err == nil && room.QuestionLink != nil
	}, 2*time.Second, 10*time.Millisecond)

	// whitespace-only clears the link
	blank := "   "
	h.dispatch(evQuestion{c: owner, p: questionPayload{RoomID: "r1", QuestionLink: &blank}})

	payload = expectEvent(t, guest, EventQuestionUpdate)
	decodeInto(t, payload, &update)
	assert.Nil(t, update.QuestionLink)

	require.Eventually(t, func() bool {
		room, err := st.GetRoom("r1")
		return err == nil && room.QuestionLink == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotMergesPendingOverDurable(t *testing.T) {
	h, st := setupTestHub(t, time.Hour) // flush never fires during the test
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	code := "buffered but unflushed"
	h.dispatch(evCode{c: owner, p: codePayload{RoomID: "r1", Code: &code}})

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")

	payload := expectEvent(t, guest, EventRoomState)
	var state roomStatePayload
	decodeInto(t, payload, &state)
	assert.Equal(t, code, state.Code, "joiners must see buffered state newer than disk")
}

func TestCursorUpdatesAreEphemeral(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	before, err := st.GetRoom("r1")
	require.NoError(t, err)

	h.dispatch(evCursor{c: owner, p: cursorPayload{RoomID: "r1", Pointer: &Pointer{X: 10, Y: 20}}})

	payload := expectEvent(t, guest, EventCursorUpdate)
	var cursor cursorPayload
	decodeInto(t, payload, &cursor)
	assert.Equal(t, "u1", cursor.UserID, "identity fills in when the payload omits it")
	require.NotNil(t, cursor.Pointer)
	assert.Equal(t, 10.0, cursor.Pointer.X)

	h.dispatch(evCodeCursor{c: owner, p: codeCursorPayload{
		RoomID:   "r1",
		Position: json.RawMessage(`{"lineNumber":3,"column":7}`),
	}})
	payload = expectEvent(t, guest, EventCodeCursor)
	var codeCursor codeCursorPayload
	decodeInto(t, payload, &codeCursor)
	assert.Equal(t, "u1", codeCursor.UserID)

	// cursors never arm the flush timer
	time.Sleep(80 * time.Millisecond)
	after, err := st.GetRoom("r1")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "cursor traffic must not touch the durable record")
}

func TestUpdatesFromNonMembersSilentlyDropped(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	outsider := newTestClient(h, "u2", "Bob")
	code := "stolen write"
	h.dispatch(evCode{c: outsider, p: codePayload{RoomID: "r1", Code: &code}})

	expectNoEvent(t, owner)
	expectNoEvent(t, outsider)

	time.Sleep(80 * time.Millisecond)
	room, err := st.GetRoom("r1")
	require.NoError(t, err)
	assert.Empty(t, room.CodeText)
}

// Lifecycle

func TestCloseRoomBroadcastsOnceAndDetaches(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	h.CloseRoom("r1")
	h.CloseRoom("r1") // idempotent

	expectEvent(t, owner, EventRoomClosed)
	expectEvent(t, guest, EventRoomClosed)
	expectNoEvent(t, owner)
	expectNoEvent(t, guest)

	// detached: later updates from former members go nowhere
	code := "after close"
	h.dispatch(evCode{c: owner, p: codePayload{RoomID: "r1", Code: &code}})
	expectNoEvent(t, guest)

	require.Eventually(t, func() bool {
		room, err := st.GetRoom("r1")
		return err == nil && room.Ended()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOwnerDisconnectTerminatesRoom(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	h.dispatch(evUnregister{c: owner})

	payload := expectEvent(t, guest, EventRoomPresence)
	var presence presencePayload
	decodeInto(t, payload, &presence)
	assert.Equal(t, "left", presence.Type)

	expectEvent(t, guest, EventRoomClosed)

	require.Eventually(t, func() bool {
		room, err := st.GetRoom("r1")
		return err == nil && room.Ended()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNonOwnerLeaveKeepsRoomOpen(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	h.dispatch(evLeave{c: guest, roomID: "r1"})

	payload := expectEvent(t, owner, EventRoomPresence)
	var presence presencePayload
	decodeInto(t, payload, &presence)
	assert.Equal(t, "left", presence.Type)
	assert.Equal(t, "u2", presence.Member.UserID)

	time.Sleep(50 * time.Millisecond)
	room, err := st.GetRoom("r1")
	require.NoError(t, err)
	assert.False(t, room.Ended())
}

func TestTerminateDropsPendingFlush(t *testing.T) {
	h, st := setupTestHub(t, 100*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	guest := newTestClient(h, "u2", "Bob")
	guest.requestJoin("r1")
	expectEvent(t, guest, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	h.dispatch(evCanvas{c: owner, p: canvasPayload{RoomID: "r1", Scene: Scene{"elements": []interface{}{}}}})
	expectEvent(t, guest, EventCanvasUpdate)

	// close lands before the flush window elapses
	h.CloseRoom("r1")
	expectEvent(t, owner, EventRoomClosed)
	expectEvent(t, guest, EventRoomClosed)

	require.Eventually(t, func() bool {
		room, err := st.GetRoom("r1")
		return err == nil && room.Ended()
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	room, err := st.GetRoom("r1")
	require.NoError(t, err)
	assert.Nil(t, room.CanvasScene, "buffered state is dropped, not flushed, on close")
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	h.GrantAccess("r1", "u1", "Alice", "link", []string{"u2"})
	tab1 := newTestClient(h, "u2", "Bob")
	tab1.requestJoin("r1")
	expectEvent(t, tab1, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)

	tab2 := newTestClient(h, "u2", "Bob")
	tab2.requestJoin("r1")
	payload := expectEvent(t, tab2, EventRoomState)
	expectEvent(t, owner, EventRoomPresence)
	expectEvent(t, tab1, EventRoomPresence)

	var state roomStatePayload
	decodeInto(t, payload, &state)
	assert.Len(t, state.Members, 3, "each tab is tracked independently")

	h.dispatch(evLeave{c: tab1, roomID: "r1"})
	expectEvent(t, owner, EventRoomPresence)
	expectEvent(t, tab2, EventRoomPresence)

	time.Sleep(50 * time.Millisecond)
	room, err := st.GetRoom("r1")
	require.NoError(t, err)
	assert.False(t, room.Ended(), "a non-owner tab closing must not end the room")
}

func TestCountsTrackRegistryState(t *testing.T) {
	h, st := setupTestHub(t, 25*time.Millisecond)
	createRoom(t, st, "r1", "u1", "Alice")

	assert.Equal(t, 0, h.ClientCount())
	assert.Equal(t, 0, h.RoomCount())

	owner := newTestClient(h, "u1", "Alice")
	owner.requestJoin("r1")
	expectEvent(t, owner, EventRoomState)

	assert.Equal(t, 1, h.ClientCount())
	assert.Equal(t, 1, h.RoomCount())

	h.CloseRoom("r1")
	expectEvent(t, owner, EventRoomClosed)
	require.Eventually(t, func() bool { return h.RoomCount() == 0 },
		time.Second, 5*time.Millisecond)

	h.dispatch(evUnregister{c: owner})
	require.Eventually(t, func() bool { return h.ClientCount() == 0 },
		time.Second, 5*time.Millisecond)
}
