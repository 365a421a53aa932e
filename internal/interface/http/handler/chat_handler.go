package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/interface/http/response"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/collaboration"
)

type ChatHandler struct {
	gate *collaboration.Gate
}

func NewChatHandler(gate *collaboration.Gate) *ChatHandler {
	return &ChatHandler{gate: gate}
}

// CanCommunicate обслуживает GET /api/chat/can-communicate?with=.
func (h *ChatHandler) CanCommunicate(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	other, err := uuid.Parse(c.Query("with"))
	if err != nil {
		response.BadRequest(c, "параметр with должен быть валидным UUID")
		return
	}

	allowed, err := h.gate.CanCommunicate(c.Request.Context(), userID, other)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"allowed": allowed})
}

// AuthorizeMessage обслуживает POST /api/chat/authorize. Сервис сообщений
// вызывает его перед доставкой, 204 означает разрешение.
func (h *ChatHandler) AuthorizeMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req struct {
		RecipientID uuid.UUID `json:"recipient_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}

	if err := h.gate.AuthorizeMessage(c.Request.Context(), userID, req.RecipientID); err != nil {
		response.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
