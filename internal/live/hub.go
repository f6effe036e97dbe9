package live

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prepmate/liveroom/internal/store"
)

// Options tune the hub. Zero values fall back to sensible defaults.
type Options struct {
	// Quiet window before buffered state is flushed to the store.
	FlushDelay time.Duration
}

const defaultFlushDelay = 300 * time.Millisecond

// Hub routes every connection event through a single goroutine. All
// per-room maps (members, approvals, waiting lists, pending state, timers)
// are owned by that loop, so handlers never lock; the only work done off
// the loop is store I/O.
type Hub struct {
	store      *store.Store
	flushDelay time.Duration

	events chan interface{}
	stop   chan struct{}

	rooms map[string]*roomRuntime

	// registered connections; send channels are closed here and only here
	conns map[*Client]struct{}

	// reverse indexes kept in lockstep with the per-room maps, so a
	// disconnect can clean up without scanning every room
	memberIndex map[*Client]map[string]struct{}
	waitIndex   map[*Client]map[string]struct{}

	clientCount atomic.Int64
	roomCount   atomic.Int64
}

// Loop events. join and ask carry the durable record, loaded in the
// connection's read goroutine so store latency never stalls other rooms.
type (
	evRegister   struct{ c *Client }
	evUnregister struct{ c *Client }

	evJoin struct {
		c       *Client
		roomID  string
		rec     *store.Room
		loadErr error
	}
	evLeave struct {
		c      *Client
		roomID string
	}
	evAsk struct {
		c       *Client
		roomID  string
		rec     *store.Room
		loadErr error
	}
	evAdmin struct {
		c *Client
		p adminResponsePayload
	}

	evCanvas struct {
		c *Client
		p canvasPayload
	}
	evCode struct {
		c *Client
		p codePayload
	}
	evQuestion struct {
		c *Client
		p questionPayload
	}
	evCursor struct {
		c *Client
		p cursorPayload
	}
	evCodeCursor struct {
		c *Client
		p codeCursorPayload
	}

	evFlush struct{ roomID string }
	evClose struct{ roomID string }
	evGrant struct {
		roomID    string
		ownerID   string
		ownerName string
		shareLink string
		userIDs   []string
	}
)

func NewHub(st *store.Store, opts Options) *Hub {
	delay := opts.FlushDelay
	if delay <= 0 {
		delay = defaultFlushDelay
	}

	return &Hub{
		store:       st,
		flushDelay:  delay,
		events:      make(chan interface{}, 256),
		stop:        make(chan struct{}),
		rooms:       make(map[string]*roomRuntime),
		conns:       make(map[*Client]struct{}),
		memberIndex: make(map[*Client]map[string]struct{}),
		waitIndex:   make(map[*Client]map[string]struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case ev := <-h.events:
			h.handle(ev)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) Stop() {
	close(h.stop)
}

// CloseRoom terminates a room on behalf of the external end-room API.
func (h *Hub) CloseRoom(roomID string) {
	h.dispatch(evClose{roomID: roomID})
}

// GrantAccess adds users to a room's approval set without a join request,
// backing the external invite flow.
func (h *Hub) GrantAccess(roomID, ownerID, ownerName, shareLink string, userIDs []string) {
	h.dispatch(evGrant{
		roomID:    roomID,
		ownerID:   ownerID,
		ownerName: ownerName,
		shareLink: shareLink,
		userIDs:   userIDs,
	})
}

func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

func (h *Hub) RoomCount() int {
	return int(h.roomCount.Load())
}

func (h *Hub) dispatch(ev interface{}) {
	select {
	case h.events <- ev:
	case <-h.stop:
	}
}

func (h *Hub) handle(ev interface{}) {
	switch e := ev.(type) {
	case evRegister:
		h.handleRegister(e.c)
	case evUnregister:
		h.handleUnregister(e.c)
	case evJoin:
		h.handleJoin(e)
	case evLeave:
		h.handleLeave(e.c, e.roomID)
	case evAsk:
		h.handleAsk(e)
	case evAdmin:
		h.handleAdmin(e.c, e.p)
	case evCanvas:
		h.handleCanvas(e.c, e.p)
	case evCode:
		h.handleCode(e.c, e.p)
	case evQuestion:
		h.handleQuestion(e.c, e.p)
	case evCursor:
		h.handleCursor(e.c, e.p)
	case evCodeCursor:
		h.handleCodeCursor(e.c, e.p)
	case evFlush:
		h.handleFlush(e.roomID)
	case evClose:
		h.terminate(e.roomID)
	case evGrant:
		h.handleGrant(e)
	}
}

// Connection lifecycle

func (h *Hub) handleRegister(c *Client) {
	h.conns[c] = struct{}{}
	h.clientCount.Store(int64(len(h.conns)))

	logrus.WithFields(logrus.Fields{
		"conn_id": c.id,
		"user_id": c.identity.UserID,
	}).Debug("Connection registered")
}

func (h *Hub) handleUnregister(c *Client) {
	if _, ok := h.conns[c]; !ok {
		return
	}

	// implicit leave_room for every joined room
	for roomID := range h.memberIndex[c] {
		h.removeMember(c, roomID, true)
	}

	// pending join requests vanish without notifying anyone
	for roomID := range h.waitIndex[c] {
		if rt, ok := h.rooms[roomID]; ok {
			delete(rt.waiting, c.id)
		}
	}
	delete(h.waitIndex, c)

	delete(h.conns, c)
	h.clientCount.Store(int64(len(h.conns)))
	close(c.send)
}

// Room Gateway

func (h *Hub) handleJoin(e evJoin) {
	c, roomID := e.c, e.roomID
	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": c.identity.UserID})

	if e.loadErr != nil {
		log.WithError(e.loadErr).Error("Failed to load room on join")
		c.sendEvent(EventRoomError, errorPayload{Message: "Failed to join room."})
		return
	}
	if e.rec == nil {
		c.sendEvent(EventRoomError, errorPayload{Message: "Room not found."})
		return
	}
	if e.rec.Ended() {
		c.sendEvent(EventRoomError, errorPayload{Message: "This room has already ended."})
		return
	}

	rt := h.getOrCreateRoom(roomID)
	rt.seedFromRecord(e.rec)

	if !rt.mayJoin(c.identity.UserID) {
		c.sendEvent(EventAccessDenied, roomRef{RoomID: roomID})
		return
	}

	_, alreadyMember := rt.members[c.id]

	entry := &memberEntry{
		c: c,
		info: MemberInfo{
			ConnectionID: c.id,
			UserID:       c.identity.UserID,
			Username:     c.identity.Username,
		},
	}
	rt.members[c.id] = entry
	h.indexMember(c, roomID)

	// a connection that was waiting and got approved is no longer waiting
	if _, wasWaiting := rt.waiting[c.id]; wasWaiting {
		delete(rt.waiting, c.id)
		h.unindexWaiter(c, roomID)
	}

	c.sendEvent(EventRoomState, h.snapshot(rt, e.rec))

	if !alreadyMember {
		h.broadcast(rt, c, EventRoomPresence, presencePayload{Type: "joined", Member: entry.info})
		log.WithField("members", len(rt.members)).Info("Member joined room")
	}
}

// snapshot merges buffered state over the durable record.
func (h *Hub) snapshot(rt *roomRuntime, rec *store.Room) roomStatePayload {
	scene := decodeScene(rec.CanvasScene)
	if rt.pending.sceneSet {
		scene = rt.pending.scene
	}
	// persisted scenes predating sanitization may still carry collaborators
	scene = sanitizeScene(scene)

	code := rec.CodeText
	if rt.pending.codeSet {
		code = rt.pending.code
	}

	language := rec.CodeLanguage
	if rt.pending.languageSet {
		language = rt.pending.language
	}

	question := rec.QuestionLink
	if rt.pending.questionSet {
		question = rt.pending.question
	}

	return roomStatePayload{
		Scene:        scene,
		Code:         code,
		Language:     language,
		QuestionLink: question,
		ShareLink:    rec.ShareLink,
		OwnerName:    rec.OwnerName,
		Members:      rt.memberList(),
	}
}

func (h *Hub) handleLeave(c *Client, roomID string) {
	h.removeMember(c, roomID, true)
}

// removeMember detaches a connection from a room, broadcasting the departure
// and terminating the room when the owner leaves.
func (h *Hub) removeMember(c *Client, roomID string, announce bool) {
	rt, ok := h.rooms[roomID]
	if !ok {
		return
	}
	entry, ok := rt.members[c.id]
	if !ok {
		return
	}

	delete(rt.members, c.id)
	h.unindexMember(c, roomID)

	if announce {
		h.broadcast(rt, c, EventRoomPresence, presencePayload{Type: "left", Member: entry.info})
	}

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": entry.info.UserID,
		"members": len(rt.members),
	}).Info("Member left room")

	if rt.isOwner(entry.info.UserID) {
		h.terminate(roomID)
	}
}

// Access Controller

func (h *Hub) handleAsk(e evAsk) {
	c, roomID := e.c, e.roomID

	if e.loadErr != nil {
		logrus.WithError(e.loadErr).WithField("room_id", roomID).Error("Failed to load room on join request")
		c.sendEvent(EventRoomError, errorPayload{Message: "Failed to request access."})
		return
	}
	if e.rec == nil {
		c.sendEvent(EventRoomError, errorPayload{Message: "Room not found."})
		return
	}
	if e.rec.Ended() {
		c.sendEvent(EventRoomError, errorPayload{Message: "This room has already ended."})
		return
	}

	rt := h.getOrCreateRoom(roomID)
	rt.seedFromRecord(e.rec)

	// already allowed past the gate; a retried join_room will succeed
	if rt.mayJoin(c.identity.UserID) {
		return
	}

	rt.waiting[c.id] = &memberEntry{
		c: c,
		info: MemberInfo{
			ConnectionID: c.id,
			UserID:       c.identity.UserID,
			Username:     c.identity.Username,
		},
	}
	h.indexWaiter(c, roomID)

	request := joinRequestPayload{
		RoomID:       roomID,
		ConnectionID: c.id,
		UserID:       c.identity.UserID,
		Username:     c.identity.Username,
	}
	for _, session := range rt.ownerSessions() {
		session.c.sendEvent(EventJoinRequest, request)
	}

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": c.identity.UserID,
	}).Info("Join request queued")
}

func (h *Hub) handleAdmin(c *Client, p adminResponsePayload) {
	rt, ok := h.rooms[p.RoomID]
	if !ok {
		return
	}

	// only a connected owner session may decide
	if _, member := rt.members[c.id]; !member || !rt.isOwner(c.identity.UserID) {
		logrus.WithFields(logrus.Fields{
			"room_id": p.RoomID,
			"user_id": c.identity.UserID,
		}).Warn("admin_response from non-owner dropped")
		return
	}

	waiter, ok := rt.waiting[p.ConnectionID]
	if !ok {
		c.sendEvent(EventRoomError, errorPayload{Message: "No pending request for that connection."})
		return
	}

	delete(rt.waiting, p.ConnectionID)
	h.unindexWaiter(waiter.c, p.RoomID)

	if p.Approved {
		rt.approved[waiter.info.UserID] = struct{}{}
		waiter.c.sendEvent(EventJoinApproved, roomRef{RoomID: p.RoomID})
	} else {
		waiter.c.sendEvent(EventJoinDenied, roomRef{RoomID: p.RoomID})
	}
}

func (h *Hub) handleGrant(e evGrant) {
	rt := h.getOrCreateRoom(e.roomID)
	if rt.ownerID == "" {
		rt.ownerID = e.ownerID
		rt.ownerName = e.ownerName
		rt.shareLink = e.shareLink
	}
	for _, userID := range e.userIDs {
		rt.approved[userID] = struct{}{}
	}
}

// State Synchronizer

func (h *Hub) handleCanvas(c *Client, p canvasPayload) {
	rt := h.memberRoom(c, p.RoomID)
	if rt == nil || p.Scene == nil {
		return
	}

	scene := sanitizeScene(p.Scene)
	rt.pending.setScene(scene)

	h.broadcast(rt, c, EventCanvasUpdate, canvasPayload{Scene: scene})
	h.scheduleFlush(rt)
}

func (h *Hub) handleCode(c *Client, p codePayload) {
	rt := h.memberRoom(c, p.RoomID)
	if rt == nil {
		return
	}
	if p.Code == nil && p.Language == nil {
		return
	}

	if p.Code != nil {
		rt.pending.setCode(*p.Code)
	}
	if p.Language != nil {
		rt.pending.setLanguage(*p.Language)
	}

	h.broadcast(rt, c, EventCodeUpdate, codePayload{Code: p.Code, Language: p.Language})
	h.scheduleFlush(rt)
}

func (h *Hub) handleQuestion(c *Client, p questionPayload) {
	rt := h.memberRoom(c, p.RoomID)
	if rt == nil {
		return
	}

	link := normalizeQuestionLink(p.QuestionLink)
	rt.pending.setQuestion(link)

	h.broadcast(rt, c, EventQuestionUpdate, questionPayload{QuestionLink: link})
	h.scheduleFlush(rt)
}

func (h *Hub) handleCursor(c *Client, p cursorPayload) {
	rt := h.memberRoom(c, p.RoomID)
	if rt == nil {
		return
	}

	out := cursorPayload{
		UserID:   p.UserID,
		Username: p.Username,
		Pointer:  p.Pointer,
	}
	if out.UserID == "" {
		out.UserID = c.identity.UserID
	}
	if out.Username == "" {
		out.Username = c.identity.Username
	}

	h.broadcast(rt, c, EventCursorUpdate, out)
}

func (h *Hub) handleCodeCursor(c *Client, p codeCursorPayload) {
	rt := h.memberRoom(c, p.RoomID)
	if rt == nil {
		return
	}

	h.broadcast(rt, c, EventCodeCursor, codeCursorPayload{
		UserID:    c.identity.UserID,
		Username:  c.identity.Username,
		Position:  p.Position,
		Selection: p.Selection,
	})
}

// scheduleFlush arms the debounce timer. At most one timer exists per room;
// writes landing inside the window only mutate the shared buffer.
func (h *Hub) scheduleFlush(rt *roomRuntime) {
	if rt.flushTimer != nil {
		return
	}

	roomID := rt.id
	rt.flushTimer = time.AfterFunc(h.flushDelay, func() {
		h.dispatch(evFlush{roomID: roomID})
	})
}

func (h *Hub) handleFlush(roomID string) {
	rt, ok := h.rooms[roomID]
	if !ok {
		return
	}
	rt.flushTimer = nil

	if !rt.pending.dirty() {
		return
	}

	update := rt.pending.toUpdate()
	rt.pending.clear()

	go func() {
		if err := h.store.ApplyState(roomID, update); err != nil {
			// deliberate: logged and swallowed, no retry
			logrus.WithError(err).WithField("room_id", roomID).Error("Failed to persist room state")
		}
	}()
}

// Room Lifecycle Controller

// terminate is idempotent: once the runtime is gone, later calls are no-ops.
// The pending flush timer is canceled and its buffered state dropped.
func (h *Hub) terminate(roomID string) {
	rt, ok := h.rooms[roomID]
	if !ok {
		// still mark the durable record; an external end request may
		// arrive before anyone ever connected
		go h.endRecord(roomID)
		return
	}

	if rt.flushTimer != nil {
		rt.flushTimer.Stop()
		rt.flushTimer = nil
	}
	rt.pending.clear()

	closed := roomClosedPayload{RoomID: roomID}
	for _, entry := range rt.members {
		entry.c.sendEvent(EventRoomClosed, closed)
		h.unindexMember(entry.c, roomID)
	}
	for _, waiter := range rt.waiting {
		h.unindexWaiter(waiter.c, roomID)
	}

	delete(h.rooms, roomID)
	h.roomCount.Store(int64(len(h.rooms)))

	go h.endRecord(roomID)

	logrus.WithField("room_id", roomID).Info("Room terminated")
}

func (h *Hub) endRecord(roomID string) {
	if err := h.store.EndRoom(roomID); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to mark room ended")
	}
}

// Registry plumbing

func (h *Hub) getOrCreateRoom(roomID string) *roomRuntime {
	if rt, ok := h.rooms[roomID]; ok {
		return rt
	}
	rt := newRoomRuntime(roomID)
	h.rooms[roomID] = rt
	h.roomCount.Store(int64(len(h.rooms)))
	return rt
}

func (rt *roomRuntime) seedFromRecord(rec *store.Room) {
	if rt.ownerID == "" {
		rt.ownerID = rec.OwnerID
		rt.ownerName = rec.OwnerName
		rt.shareLink = rec.ShareLink
	}
}

// memberRoom resolves the target room only when the sender is currently a
// member; events from non-members are silently dropped.
func (h *Hub) memberRoom(c *Client, roomID string) *roomRuntime {
	if roomID == "" {
		return nil
	}
	rt, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	if _, ok := rt.members[c.id]; !ok {
		return nil
	}
	return rt
}

func (h *Hub) indexMember(c *Client, roomID string) {
	if h.memberIndex[c] == nil {
		h.memberIndex[c] = make(map[string]struct{})
	}
	h.memberIndex[c][roomID] = struct{}{}
}

func (h *Hub) unindexMember(c *Client, roomID string) {
	if rooms, ok := h.memberIndex[c]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.memberIndex, c)
		}
	}
}

func (h *Hub) indexWaiter(c *Client, roomID string) {
	if h.waitIndex[c] == nil {
		h.waitIndex[c] = make(map[string]struct{})
	}
	h.waitIndex[c][roomID] = struct{}{}
}

func (h *Hub) unindexWaiter(c *Client, roomID string) {
	if rooms, ok := h.waitIndex[c]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.waitIndex, c)
		}
	}
}

// broadcast fans an event out to every member of the room except the sender.
func (h *Hub) broadcast(rt *roomRuntime, sender *Client, event string, payload interface{}) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		logrus.WithError(err).WithField("event", event).Error("Failed to encode broadcast")
		return
	}

	for _, entry := range rt.members {
		if entry.c == sender {
			continue
		}
		entry.c.enqueue(data)
	}
}

func marshalEnvelope(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
