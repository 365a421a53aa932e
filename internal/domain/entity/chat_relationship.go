package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
)

type ChatRelationship struct {
	ID           uuid.UUID
	BookingID    uuid.UUID
	ClientID     uuid.UUID
	FreelancerID uuid.UUID
	Status       valueobject.RelationshipStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewChatRelationship(b *Booking, status valueobject.RelationshipStatus, now time.Time) *ChatRelationship {
	return &ChatRelationship{
		ID:           uuid.New(),
		BookingID:    b.ID,
		ClientID:     b.ClientID,
		FreelancerID: b.FreelancerID,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (r *ChatRelationship) IsActive() bool {
	return r.Status == valueobject.RelationshipStatusActive
}

func (r *ChatRelationship) Clone() *ChatRelationship {
	c := *r
	return &c
}
