package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/prepmate/liveroom/internal/live"
	"github.com/prepmate/liveroom/internal/store"
)

// Handler exposes the room lifecycle endpoints the live engine depends on:
// creating rooms, ending them, and granting access out of band.
type Handler struct {
	store *store.Store
	hub   *live.Hub
}

func New(st *store.Store, hub *live.Hub) *Handler {
	return &Handler{store: st, hub: hub}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret string) {
	r.GET("/health", h.Health)
	r.GET("/api/stats", h.Stats)

	rooms := r.Group("/api/rooms", AuthRequired(jwtSecret))
	rooms.POST("", h.CreateRoom)
	rooms.GET("", h.ListRooms)
	rooms.GET("/:id", h.GetRoom)
	rooms.POST("/:id/end", h.EndRoom)
	rooms.POST("/:id/invite", h.Invite)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) Stats(c *gin.Context) {
	stats := gin.H{
		"active_rooms":   h.hub.RoomCount(),
		"active_clients": h.hub.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if dbStats, err := h.store.Stats(); err == nil {
		stats["total_rooms"] = dbStats["room_count"]
		stats["open_rooms"] = dbStats["open_count"]
		stats["ended_rooms"] = dbStats["ended_count"]
	}

	c.JSON(http.StatusOK, stats)
}

type RoomResponse struct {
	RoomID       string     `json:"roomId"`
	ShareLink    string     `json:"shareLink"`
	OwnerID      string     `json:"ownerId"`
	OwnerName    string     `json:"ownerName,omitempty"`
	QuestionLink *string    `json:"questionLink"`
	EndedAt      *time.Time `json:"endedAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func roomResponse(room *store.Room) RoomResponse {
	return RoomResponse{
		RoomID:       room.ID,
		ShareLink:    room.ShareLink,
		OwnerID:      room.OwnerID,
		OwnerName:    room.OwnerName,
		QuestionLink: room.QuestionLink,
		EndedAt:      room.EndedAt,
		CreatedAt:    room.CreatedAt,
		UpdatedAt:    room.UpdatedAt,
	}
}

type CreateRoomRequest struct {
	RoomID    string `json:"roomId"`
	ShareLink string `json:"shareLink" binding:"required"`
}

func (h *Handler) CreateRoom(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shareLink is required"})
		return
	}

	shareLink := strings.TrimSpace(req.ShareLink)
	if shareLink == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shareLink is required"})
		return
	}

	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		roomID = uuid.NewString()
	}

	if err := h.store.CreateRoom(roomID, shareLink, identity.UserID, identity.Username); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to create room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	room, err := h.store.GetRoom(roomID)
	if err != nil || room == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load created room"})
		return
	}

	c.JSON(http.StatusCreated, roomResponse(room))
}

func (h *Handler) ListRooms(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := h.store.ListRoomsByOwner(identity.UserID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rooms"})
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i := range rooms {
		response[i] = roomResponse(&rooms[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) GetRoom(c *gin.Context) {
	room, ok := h.loadRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, roomResponse(room))
}

// EndRoom is the external end-of-room trigger. The engine honors it by
// terminating the live session; the durable record stays readable.
func (h *Handler) EndRoom(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, ok := h.loadRoom(c)
	if !ok {
		return
	}

	if room.OwnerID != identity.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room owner can end the room"})
		return
	}

	if err := h.store.EndRoom(room.ID); err != nil {
		logrus.WithError(err).WithField("room_id", room.ID).Error("Failed to end room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to end room"})
		return
	}

	h.hub.CloseRoom(room.ID)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type InviteRequest struct {
	UserIDs []string `json:"userIds" binding:"required"`
}

// Invite grants the listed users access without a join request, feeding the
// room's approval set.
func (h *Handler) Invite(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, ok := h.loadRoom(c)
	if !ok {
		return
	}

	if room.OwnerID != identity.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room owner can invite"})
		return
	}

	if room.Ended() {
		c.JSON(http.StatusConflict, gin.H{"error": "Room has already ended"})
		return
	}

	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.UserIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userIds are required"})
		return
	}

	h.hub.GrantAccess(room.ID, room.OwnerID, room.OwnerName, room.ShareLink, req.UserIDs)

	c.JSON(http.StatusOK, gin.H{"invited": len(req.UserIDs)})
}

func (h *Handler) loadRoom(c *gin.Context) (*store.Room, bool) {
	roomID := c.Param("id")
	room, err := h.store.GetRoom(roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return nil, false
	}
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return nil, false
	}
	return room, true
}
