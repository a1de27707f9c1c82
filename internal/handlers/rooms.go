package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/mossy-p/household-sync/internal/coordinator"
	"github.com/mossy-p/household-sync/internal/models"
	"github.com/mossy-p/household-sync/internal/room"
)

const qrSize = 256

// CreateRoom creates a room hosted by this device and enters it
func (h *Handler) CreateRoom(c *gin.Context) {
	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	roomID, err := h.coord.CreateRoom(c.Request.Context(), req.Name)
	if err != nil {
		slog.Error("Failed to create room", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	c.JSON(http.StatusCreated, models.RoomLinkResponse{
		RoomID:    roomID,
		ShareLink: h.coord.ShareLink(roomID),
	})
}

// GetRoom gets room information by id or share link
func (h *Handler) GetRoom(c *gin.Context) {
	roomID := room.RoomIDFromLink(c.Param("roomId"))

	info, err := h.coord.Registry().Info(c.Request.Context(), roomID)
	if err != nil {
		slog.Error("Failed to read room", "room", roomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
		return
	}
	if info == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	c.JSON(http.StatusOK, info)
}

// JoinRoom enters an existing room
func (h *Handler) JoinRoom(c *gin.Context) {
	roomID := room.RoomIDFromLink(c.Param("roomId"))

	ok, err := h.coord.JoinRoom(c.Request.Context(), roomID)
	if err != nil {
		slog.Error("Failed to join room", "room", roomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join room"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	c.JSON(http.StatusOK, models.RoomLinkResponse{
		RoomID:    roomID,
		ShareLink: h.coord.ShareLink(roomID),
	})
}

// RoomQRCode renders the room's share link as a PNG
func (h *Handler) RoomQRCode(c *gin.Context) {
	roomID := room.RoomIDFromLink(c.Param("roomId"))

	info, err := h.coord.Registry().Info(c.Request.Context(), roomID)
	if err != nil || info == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	png, err := qrcode.Encode(h.coord.ShareLink(roomID), qrcode.Medium, qrSize)
	if err != nil {
		slog.Error("Failed to render QR code", "room", roomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render QR code"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// CurrentRoom returns the active room id and its share link
func (h *Handler) CurrentRoom(c *gin.Context) {
	roomID := h.coord.CurrentRoomID()
	c.JSON(http.StatusOK, models.RoomLinkResponse{
		RoomID:    roomID,
		ShareLink: h.coord.ShareLink(roomID),
	})
}

// Members lists the active room's members
func (h *Handler) Members(c *gin.Context) {
	members, err := h.coord.Members(c.Request.Context())
	if err != nil {
		respondRoomError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// AddMember declares this device's display name in the active room
func (h *Handler) AddMember(c *gin.Context) {
	var req models.AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	member, err := h.coord.AddMember(c.Request.Context(), req.Name)
	if err != nil {
		respondRoomError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

func respondRoomError(c *gin.Context, err error) {
	if errors.Is(err, coordinator.ErrNoActiveRoom) {
		c.JSON(http.StatusConflict, gin.H{"error": "No active room"})
		return
	}
	slog.Error("Room request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Room request failed"})
}
