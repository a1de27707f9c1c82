package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/household-sync/internal/household"
)

// GetSnapshot returns the active snapshot, creating the default board on
// first use.
func (h *Handler) GetSnapshot(c *gin.Context) {
	ctx := c.Request.Context()

	data, err := h.coord.Load(ctx)
	if err != nil {
		slog.Error("Failed to load snapshot", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load snapshot"})
		return
	}

	if data == nil {
		data, err = household.Encode(household.Default(time.Now()))
		if err == nil {
			err = h.coord.Save(ctx, data)
		}
		if err != nil {
			slog.Error("Failed to initialize snapshot", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initialize snapshot"})
			return
		}
		slog.Info("Initialized default snapshot", "room", h.coord.CurrentRoomID())
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// PutSnapshot replaces the snapshot and syncs it to the room
func (h *Handler) PutSnapshot(c *gin.Context) {
	data, ok := h.readSnapshot(c)
	if !ok {
		return
	}
	if err := h.coord.Save(c.Request.Context(), data); err != nil {
		slog.Error("Failed to save snapshot", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save snapshot"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ImportSnapshot restores a backup produced by ExportSnapshot
func (h *Handler) ImportSnapshot(c *gin.Context) {
	data, ok := h.readSnapshot(c)
	if !ok {
		return
	}
	if err := h.coord.Save(c.Request.Context(), data); err != nil {
		slog.Error("Failed to import snapshot", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"imported": false, "error": "Failed to import snapshot"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": true})
}

func (h *Handler) readSnapshot(c *gin.Context) (json.RawMessage, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return nil, false
	}
	data, err := household.Import(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return data, true
}

// ExportSnapshot downloads the snapshot as indented JSON
func (h *Handler) ExportSnapshot(c *gin.Context) {
	data, err := h.coord.Load(c.Request.Context())
	if err != nil {
		slog.Error("Failed to load snapshot", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load snapshot"})
		return
	}
	out, err := household.Export(data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export snapshot"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="household-backup.json"`)
	c.Data(http.StatusOK, "application/json; charset=utf-8", out)
}

// Status reports which sync rails are active
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.ConnectionStatus())
}

// Devices lists the directly connected devices
func (h *Handler) Devices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": h.coord.ConnectedDevices()})
}
