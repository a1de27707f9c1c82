package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/household-sync/internal/coordinator"
)

// Handler serves the sync core to the board UI.
type Handler struct {
	coord *coordinator.Coordinator
	hub   *Hub
}

func New(coord *coordinator.Coordinator, hub *Hub) *Handler {
	return &Handler{coord: coord, hub: hub}
}

// Register mounts every route on router.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/health", h.Health)

	apiGroup := router.Group("/api")
	{
		// Rooms by id
		apiGroup.POST("/rooms", h.CreateRoom)
		apiGroup.GET("/rooms/:roomId", h.GetRoom)
		apiGroup.POST("/rooms/:roomId/join", h.JoinRoom)
		apiGroup.GET("/rooms/:roomId/qr", h.RoomQRCode)

		// Active room
		apiGroup.GET("/room", h.CurrentRoom)
		apiGroup.GET("/room/members", h.Members)
		apiGroup.POST("/room/members", h.AddMember)

		// Snapshot
		apiGroup.GET("/snapshot", h.GetSnapshot)
		apiGroup.PUT("/snapshot", h.PutSnapshot)
		apiGroup.POST("/snapshot/import", h.ImportSnapshot)
		apiGroup.GET("/snapshot/export", h.ExportSnapshot)

		// Sync status
		apiGroup.GET("/status", h.Status)
		apiGroup.GET("/devices", h.Devices)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/changes", h.HandleChanges)
	}
}

// Health reports liveness along with the device and room this daemon serves.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"device": h.coord.DeviceID(),
		"room":   h.coord.CurrentRoomID(),
	})
}
