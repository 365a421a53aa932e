package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/dto"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/response"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/stage"
)

type StageHandler struct {
	stages *stage.Ledger
}

func NewStageHandler(stages *stage.Ledger) *StageHandler {
	return &StageHandler{stages: stages}
}

// Transition обслуживает POST /api/stages/:id/transition.
// Статус released запускает выплату этапа исполнителю.
func (h *StageHandler) Transition(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	stageID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req dto.StageTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}
	to, err := valueobject.NewStageStatus(req.Status)
	if err != nil {
		response.Error(c, err)
		return
	}

	st, err := h.stages.Transition(c.Request.Context(), stageID, to, userID, req.Notes)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ToStageResponse(st))
}
