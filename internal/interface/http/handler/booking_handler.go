package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/dto"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/response"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/booking"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/escrow"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/timeline"
)

type BookingHandler struct {
	bookings *booking.Manager
	escrow   *escrow.Manager
	timeline *timeline.Recorder
}

func NewBookingHandler(bookings *booking.Manager, escrow *escrow.Manager, timeline *timeline.Recorder) *BookingHandler {
	return &BookingHandler{
		bookings: bookings,
		escrow:   escrow,
		timeline: timeline,
	}
}

// Create обслуживает POST /api/bookings. Клиентом бронирования становится автор запроса.
func (h *BookingHandler) Create(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req dto.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}
	deadline, err := dto.ParseDeadline(req.DeliveryDeadline)
	if err != nil {
		response.Error(c, err)
		return
	}

	b, err := h.bookings.CreateBooking(c.Request.Context(), booking.CreateBookingInput{
		ClientID:          userID,
		FreelancerID:      req.FreelancerID,
		ServiceID:         req.ServiceID,
		PackageID:         req.PackageID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Requirements:      req.Requirements,
		Deadline:          deadline,
		ClientAddress:     req.ClientAddress,
		FreelancerAddress: req.FreelancerAddress,
		Template:          req.Template(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	details, err := h.bookings.GetBooking(c.Request.Context(), b.ID, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, toDetails(details))
}

func (h *BookingHandler) List(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit := parseIntQuery(c, "limit", 20)
	offset := parseIntQuery(c, "offset", 0)

	list, total, err := h.bookings.ListByParticipant(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}
	out := make([]dto.BookingResponse, 0, len(list))
	for _, b := range list {
		out = append(out, dto.ToBookingResponse(b))
	}
	response.Paginated(c, out, total, limit, offset)
}

func (h *BookingHandler) Get(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bookingID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	details, err := h.bookings.GetBooking(c.Request.Context(), bookingID, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toDetails(details))
}

func (h *BookingHandler) UpdateStatus(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bookingID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req dto.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}
	status, err := valueobject.NewBookingStatus(req.Status)
	if err != nil {
		response.Error(c, err)
		return
	}

	b, err := h.bookings.UpdateStatus(c.Request.Context(), bookingID, status, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ToBookingResponse(b))
}

func (h *BookingHandler) RaiseDispute(c *gin.Context) {
	h.runAndRespond(c, func(c *gin.Context, ids actionIDs) error {
		return h.bookings.RaiseDispute(c.Request.Context(), ids.booking, ids.user)
	})
}

func (h *BookingHandler) ResolveDispute(c *gin.Context) {
	var req dto.ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}
	outcome, err := valueobject.NewResolutionOutcome(req.Outcome)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.runAndRespond(c, func(c *gin.Context, ids actionIDs) error {
		return h.bookings.ResolveDispute(c.Request.Context(), ids.booking, ids.user, outcome)
	})
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	h.runAndRespond(c, func(c *gin.Context, ids actionIDs) error {
		return h.bookings.Cancel(c.Request.Context(), ids.booking, ids.user)
	})
}

func (h *BookingHandler) Review(c *gin.Context) {
	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}
	h.runAndRespond(c, func(c *gin.Context, ids actionIDs) error {
		_, err := h.bookings.Review(c.Request.Context(), ids.booking, ids.user, req.Rating, req.Comment)
		return err
	})
}

// Timeline обслуживает GET /api/bookings/:id/timeline?after=&limit=.
func (h *BookingHandler) Timeline(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bookingID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.bookings.GetBooking(ctx, bookingID, userID); err != nil {
		response.Error(c, err)
		return
	}

	events, err := h.timeline.ReadTimeline(ctx, bookingID, parseInt64Query(c, "after", 0), parseIntQuery(c, "limit", 0))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ToTimelineResponses(events))
}

// RefreshFunding проверяет баланс депозита и при оплате активирует бронирование.
func (h *BookingHandler) RefreshFunding(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bookingID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	details, err := h.bookings.GetBooking(ctx, bookingID, userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	status, err := h.escrow.RefreshFundingStatus(ctx, details.Escrow.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.FundingStatusResponse{
		Funded:  status.Funded,
		Balance: status.Balance.Int64(),
	})
}

type actionIDs struct {
	user    uuid.UUID
	booking uuid.UUID
}

// runAndRespond выполняет действие над бронированием и возвращает его актуальное состояние.
func (h *BookingHandler) runAndRespond(c *gin.Context, action func(*gin.Context, actionIDs) error) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bookingID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := action(c, actionIDs{user: userID, booking: bookingID}); err != nil {
		response.Error(c, err)
		return
	}
	details, err := h.bookings.GetBooking(c.Request.Context(), bookingID, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toDetails(details))
}

func toDetails(d *booking.BookingDetails) dto.BookingDetailsResponse {
	return dto.BookingDetailsResponse{
		Booking: dto.ToBookingResponse(d.Booking),
		Stages:  dto.ToStageResponses(d.Stages),
		Escrow:  dto.ToEscrowResponse(d.Escrow),
	}
}
