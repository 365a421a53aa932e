package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/ledger"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/dto"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/response"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/escrow"
)

// DevHandler пополняет депозиты симулятора леджера. Подключается только в development.
type DevHandler struct {
	escrow    *escrow.Manager
	simulator *ledger.Simulator
}

func NewDevHandler(escrow *escrow.Manager, simulator *ledger.Simulator) *DevHandler {
	return &DevHandler{escrow: escrow, simulator: simulator}
}

// Deposit обслуживает POST /api/dev/bookings/:id/deposit.
func (h *DevHandler) Deposit(c *gin.Context) {
	bookingID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req dto.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}

	acc, err := h.escrow.GetByBookingID(c.Request.Context(), bookingID)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.simulator.Deposit(acc.DepositAccount, valueobject.Amount(req.Amount))
	response.Success(c, gin.H{
		"deposit_account": acc.DepositAccount,
		"balance":         h.simulator.Balance(acc.DepositAccount).Int64(),
	})
}
