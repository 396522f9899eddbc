package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

// RoomDirectory is the read side of the room registry.
type RoomDirectory interface {
	List() []core.RoomInfo
	Get(id domain.RoomID) (*core.Room, error)
}

type RoomResponse struct {
	Exists bool               `json:"exists"`
	Room   *core.RoomSnapshot `json:"room,omitempty"`
}

type RoomHandlers struct {
	Rooms RoomDirectory
}

func (h RoomHandlers) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.Rooms.List()})
}

func (h RoomHandlers) Get(c *gin.Context) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room, err := h.Rooms.Get(id)
	if errors.Is(err, core.ErrNotFound) {
		c.JSON(http.StatusNotFound, RoomResponse{Exists: false})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	snap := room.Snapshot()
	c.JSON(http.StatusOK, RoomResponse{Exists: true, Room: &snap})
}

func (h RoomHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": len(h.Rooms.List())})
}
