package dto

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

type StageSpecDTO struct {
	Title   string `json:"title" binding:"required"`
	Percent int64  `json:"percent" binding:"required,gt=0,lte=100"`
}

type CreateBookingRequest struct {
	FreelancerID      uuid.UUID      `json:"freelancer_id" binding:"required"`
	ServiceID         uuid.UUID      `json:"service_id" binding:"required"`
	PackageID         uuid.UUID      `json:"package_id" binding:"required"`
	Amount            int64          `json:"amount" binding:"required,gt=0"`
	Currency          string         `json:"currency"`
	Requirements      string         `json:"requirements"`
	DeliveryDeadline  string         `json:"delivery_deadline" binding:"required"`
	ClientAddress     string         `json:"client_address" binding:"required"`
	FreelancerAddress string         `json:"freelancer_address" binding:"required"`
	Stages            []StageSpecDTO `json:"stages"`
}

// Template возвращает шаблон этапов запроса или nil, если он не задан.
func (r CreateBookingRequest) Template() valueobject.StageTemplate {
	if len(r.Stages) == 0 {
		return nil
	}
	t := make(valueobject.StageTemplate, len(r.Stages))
	for i, s := range r.Stages {
		t[i] = valueobject.StageSpec{Title: strings.TrimSpace(s.Title), Percent: s.Percent}
	}
	return t
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type ResolveDisputeRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

type ReviewRequest struct {
	Rating  int    `json:"rating" binding:"required"`
	Comment string `json:"comment"`
}

type StageTransitionRequest struct {
	Status string `json:"status" binding:"required"`
	Notes  string `json:"notes"`
}

type DepositRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// ParseDeadline разбирает дедлайн в формате RFC3339.
func ParseDeadline(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperror.InvalidInput("дедлайн должен быть в формате RFC3339")
	}
	return t, nil
}

// TokenAmount переводит e8s в десятичную строку токенов для отображения.
func TokenAmount(a valueobject.Amount) string {
	return decimal.New(a.Int64(), -8).String()
}

type BookingResponse struct {
	ID                uuid.UUID      `json:"id"`
	ClientID          uuid.UUID      `json:"client_id"`
	FreelancerID      uuid.UUID      `json:"freelancer_id"`
	ServiceID         uuid.UUID      `json:"service_id"`
	PackageID         uuid.UUID      `json:"package_id"`
	Amount            int64          `json:"amount"`
	AmountTokens      string         `json:"amount_tokens"`
	Currency          string         `json:"currency"`
	Status            string         `json:"status"`
	PaymentStatus     string         `json:"payment_status"`
	Requirements      string         `json:"requirements"`
	ClientAddress     string         `json:"client_address"`
	FreelancerAddress string         `json:"freelancer_address"`
	Template          []StageSpecDTO `json:"template"`
	StageIDs          []uuid.UUID    `json:"stage_ids"`
	CurrentStageID    *uuid.UUID     `json:"current_stage_id"`
	DeliveryDeadline  time.Time      `json:"delivery_deadline"`
	ClientRating      *int           `json:"client_rating,omitempty"`
	ClientReview      *string        `json:"client_review,omitempty"`
	FreelancerRating  *int           `json:"freelancer_rating,omitempty"`
	FreelancerReview  *string        `json:"freelancer_review,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func ToBookingResponse(b *entity.Booking) BookingResponse {
	resp := BookingResponse{
		ID:                b.ID,
		ClientID:          b.ClientID,
		FreelancerID:      b.FreelancerID,
		ServiceID:         b.ServiceID,
		PackageID:         b.PackageID,
		Amount:            b.TotalAmount.Int64(),
		AmountTokens:      TokenAmount(b.TotalAmount),
		Currency:          b.Currency,
		Status:            string(b.Status),
		PaymentStatus:     string(b.PaymentStatus),
		Requirements:      b.Requirements,
		ClientAddress:     b.ClientAddress,
		FreelancerAddress: b.FreelancerAddress,
		Template:          make([]StageSpecDTO, 0, len(b.Template)),
		StageIDs:          b.StageIDs,
		CurrentStageID:    b.CurrentStageID,
		DeliveryDeadline:  b.DeliveryDeadline,
		ClientRating:      b.ClientRating,
		ClientReview:      b.ClientReview,
		FreelancerRating:  b.FreelancerRating,
		FreelancerReview:  b.FreelancerReview,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
	if resp.StageIDs == nil {
		resp.StageIDs = []uuid.UUID{}
	}
	for _, s := range b.Template {
		resp.Template = append(resp.Template, StageSpecDTO{Title: s.Title, Percent: s.Percent})
	}
	return resp
}

type StageResponse struct {
	ID              uuid.UUID  `json:"id"`
	BookingID       uuid.UUID  `json:"booking_id"`
	StageNumber     int        `json:"stage_number"`
	Title           string     `json:"title"`
	Amount          int64      `json:"amount"`
	AmountTokens    string     `json:"amount_tokens"`
	Status          string     `json:"status"`
	SubmissionNotes string     `json:"submission_notes,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func ToStageResponse(s *entity.Stage) StageResponse {
	return StageResponse{
		ID:              s.ID,
		BookingID:       s.BookingID,
		StageNumber:     s.StageNumber,
		Title:           s.Title,
		Amount:          s.Amount.Int64(),
		AmountTokens:    TokenAmount(s.Amount),
		Status:          string(s.Status),
		SubmissionNotes: s.SubmissionNotes,
		RejectionReason: s.RejectionReason,
		SubmittedAt:     s.SubmittedAt,
		ApprovedAt:      s.ApprovedAt,
		RejectedAt:      s.RejectedAt,
		ReleasedAt:      s.ReleasedAt,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func ToStageResponses(stages []*entity.Stage) []StageResponse {
	out := make([]StageResponse, 0, len(stages))
	for _, s := range stages {
		out = append(out, ToStageResponse(s))
	}
	return out
}

type EscrowResponse struct {
	ID             uuid.UUID  `json:"id"`
	BookingID      uuid.UUID  `json:"booking_id"`
	DepositAccount string     `json:"deposit_account"`
	ExpectedAmount int64      `json:"expected_amount"`
	FundedAmount   int64      `json:"funded_amount"`
	ReleasedAmount int64      `json:"released_amount"`
	Funded         bool       `json:"funded"`
	Closed         bool       `json:"closed"`
	LastCheckedAt  *time.Time `json:"last_checked_at,omitempty"`
}

func ToEscrowResponse(a *entity.EscrowAccount) EscrowResponse {
	return EscrowResponse{
		ID:             a.ID,
		BookingID:      a.BookingID,
		DepositAccount: a.DepositAccount,
		ExpectedAmount: a.ExpectedAmount.Int64(),
		FundedAmount:   a.FundedAmount.Int64(),
		ReleasedAmount: a.ReleasedAmount.Int64(),
		Funded:         a.Funded,
		Closed:         a.Closed,
		LastCheckedAt:  a.LastCheckedAt,
	}
}

type BookingDetailsResponse struct {
	Booking BookingResponse `json:"booking"`
	Stages  []StageResponse `json:"stages"`
	Escrow  EscrowResponse  `json:"escrow"`
}

type FundingStatusResponse struct {
	Funded  bool  `json:"funded"`
	Balance int64 `json:"balance"`
}

type TimelineEventResponse struct {
	ID          uuid.UUID         `json:"id"`
	Sequence    int64             `json:"sequence"`
	Type        string            `json:"type"`
	Timestamp   string            `json:"timestamp"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ActorID     uuid.UUID         `json:"actor_id"`
}

func ToTimelineResponses(events []*entity.TimelineEvent) []TimelineEventResponse {
	out := make([]TimelineEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, TimelineEventResponse{
			ID:          e.ID,
			Sequence:    e.Sequence,
			Type:        string(e.Type),
			Timestamp:   e.Time().Format(time.RFC3339Nano),
			Description: e.Description,
			Metadata:    e.Metadata,
			ActorID:     e.ActorID,
		})
	}
	return out
}
