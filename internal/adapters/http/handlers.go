package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/cowrite/internal/app"
	"github.com/dkeye/cowrite/internal/core"
	"github.com/gin-gonic/gin"
)

const queryTimeout = 2 * time.Second

type handlers struct {
	hub *app.Hub
}

type HealthResponse struct {
	Status        string  `json:"status"`
	Connections   int     `json:"connections"`
	Rooms         int     `json:"rooms"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	DroppedFrames uint64  `json:"dropped_frames"`
}

type RoomsResponse struct {
	Rooms []core.RoomInfo `json:"rooms"`
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	st, err := h.hub.Status(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		Connections:   st.Connections,
		Rooms:         st.Rooms,
		UptimeSeconds: st.Uptime.Seconds(),
		DroppedFrames: st.DroppedFrames,
	})
}

func (h *handlers) rooms(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	rooms, err := h.hub.Rooms(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, RoomsResponse{Rooms: rooms})
}
