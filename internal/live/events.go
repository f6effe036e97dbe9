package live

import (
	"encoding/json"
	"strings"
)

// Client → server event names.
const (
	EventJoinRoom       = "join_room"
	EventAskToJoin      = "ask_to_join"
	EventAdminResponse  = "admin_response"
	EventCanvasUpdate   = "canvas_update"
	EventCodeUpdate     = "code_update"
	EventCodeCursor     = "code_cursor_update"
	EventCursorUpdate   = "cursor_update"
	EventQuestionUpdate = "question_update"
	EventLeaveRoom      = "leave_room"
)

// Server → client event names.
const (
	EventRoomState    = "room_state"
	EventRoomError    = "room:error"
	EventAccessDenied = "room:access_denied"
	EventJoinRequest  = "join_request"
	EventJoinApproved = "join_approved"
	EventJoinDenied   = "join_denied"
	EventRoomPresence = "room_presence"
	EventRoomClosed   = "room_closed"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Scene is the opaque canvas document. The engine never interprets it
// beyond stripping live-collaborator annotations.
type Scene map[string]interface{}

type roomRef struct {
	RoomID string `json:"roomId"`
}

type canvasPayload struct {
	RoomID string `json:"roomId,omitempty"`
	Scene  Scene  `json:"scene"`
}

type codePayload struct {
	RoomID   string  `json:"roomId,omitempty"`
	Code     *string `json:"code,omitempty"`
	Language *string `json:"language,omitempty"`
}

type questionPayload struct {
	RoomID       string  `json:"roomId,omitempty"`
	QuestionLink *string `json:"questionLink"`
}

// Pointer is a canvas-space cursor position.
type Pointer struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// cursorPayload and codeCursorPayload are deliberately separate types from
// the buffered payloads above: they can never reach pendingState or the
// store, so cursor data cannot leak into the persisted snapshot.
type cursorPayload struct {
	RoomID   string   `json:"roomId,omitempty"`
	UserID   string   `json:"userId,omitempty"`
	Username string   `json:"username,omitempty"`
	Pointer  *Pointer `json:"pointer"`
}

type codeCursorPayload struct {
	RoomID    string          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type adminResponsePayload struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	Approved     bool   `json:"approved"`
}

// MemberInfo is the public shape of a connected participant.
type MemberInfo struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username,omitempty"`
}

type presencePayload struct {
	Type   string     `json:"type"` // "joined" or "left"
	Member MemberInfo `json:"member"`
}

type joinRequestPayload struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username,omitempty"`
}

type roomStatePayload struct {
	Scene        Scene        `json:"scene"`
	Code         string       `json:"code"`
	Language     string       `json:"language"`
	QuestionLink *string      `json:"questionLink"`
	ShareLink    string       `json:"shareLink"`
	OwnerName    string       `json:"ownerName,omitempty"`
	Members      []MemberInfo `json:"members"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type roomClosedPayload struct {
	RoomID string `json:"roomId"`
}

// sanitizeScene drops the embedded per-connection collaborator annotations
// from appState. They are derived live state, re-established by
// cursor_update, and must never be stored or replayed to new joiners.
func sanitizeScene(scene Scene) Scene {
	if scene == nil {
		return nil
	}

	sanitized := make(Scene, len(scene))
	for k, v := range scene {
		sanitized[k] = v
	}

	if appState, ok := scene["appState"].(map[string]interface{}); ok {
		cleaned := make(map[string]interface{}, len(appState))
		for k, v := range appState {
			if k == "collaborators" {
				continue
			}
			cleaned[k] = v
		}
		sanitized["appState"] = cleaned
	}

	return sanitized
}

// normalizeQuestionLink maps empty and whitespace-only input to "no link".
func normalizeQuestionLink(link *string) *string {
	if link == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*link)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func decodeScene(raw json.RawMessage) Scene {
	if len(raw) == 0 {
		return nil
	}
	var scene Scene
	if err := json.Unmarshal(raw, &scene); err != nil {
		return nil
	}
	return scene
}
