package live

import "time"

// memberEntry ties a connection to its public member shape. One user may
// hold several entries (one per tab).
type memberEntry struct {
	c    *Client
	info MemberInfo
}

// roomRuntime is the ephemeral side of a room: presence, approvals, the
// waiting list, and not-yet-flushed state. Created lazily on first contact,
// destroyed atomically on Terminate, and owned exclusively by the hub loop.
type roomRuntime struct {
	id        string
	shareLink string
	ownerID   string
	ownerName string

	members  map[string]*memberEntry // keyed by connection id
	waiting  map[string]*memberEntry // pending join requests, by connection id
	approved map[string]struct{}     // user ids allowed past the gate

	pending    pendingState
	flushTimer *time.Timer
}

func newRoomRuntime(id string) *roomRuntime {
	return &roomRuntime{
		id:       id,
		members:  make(map[string]*memberEntry),
		waiting:  make(map[string]*memberEntry),
		approved: make(map[string]struct{}),
	}
}

func (rt *roomRuntime) isOwner(userID string) bool {
	return userID != "" && userID == rt.ownerID
}

// mayJoin reports whether the gate is open for the user. Owners are
// implicitly approved.
func (rt *roomRuntime) mayJoin(userID string) bool {
	if rt.isOwner(userID) {
		return true
	}
	_, ok := rt.approved[userID]
	return ok
}

func (rt *roomRuntime) memberList() []MemberInfo {
	list := make([]MemberInfo, 0, len(rt.members))
	for _, entry := range rt.members {
		list = append(list, entry.info)
	}
	return list
}

// ownerSessions returns every connected session belonging to the owner.
func (rt *roomRuntime) ownerSessions() []*memberEntry {
	var sessions []*memberEntry
	for _, entry := range rt.members {
		if rt.isOwner(entry.info.UserID) {
			sessions = append(sessions, entry)
		}
	}
	return sessions
}
