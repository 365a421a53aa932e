package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
)

// ReleaseIntent запись о намерении перевести средства. Сохраняется до обращения
// к леджеру и завершается после подтверждённого перевода.
type ReleaseIntent struct {
	Key         string
	EscrowID    uuid.UUID
	StageID     uuid.UUID
	Kind        valueobject.IntentKind
	Amount      valueobject.Amount
	Destination string
	Status      valueobject.IntentStatus
	TxRef       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewReleaseIntent(escrowID, stageID uuid.UUID, kind valueobject.IntentKind, amount valueobject.Amount, destination string, now time.Time) *ReleaseIntent {
	return &ReleaseIntent{
		Key:         valueobject.IntentKey(escrowID, stageID, kind),
		EscrowID:    escrowID,
		StageID:     stageID,
		Kind:        kind,
		Amount:      amount,
		Destination: destination,
		Status:      valueobject.IntentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (r *ReleaseIntent) IsCompleted() bool {
	return r.Status == valueobject.IntentStatusCompleted
}

func (r *ReleaseIntent) Complete(txRef string, now time.Time) {
	r.Status = valueobject.IntentStatusCompleted
	r.TxRef = txRef
	r.UpdatedAt = now
}

func (r *ReleaseIntent) Clone() *ReleaseIntent {
	c := *r
	return &c
}

// TransferRequest запрос на перевод в леджер.
type TransferRequest struct {
	From           string
	To             string
	Amount         valueobject.Amount
	IdempotencyKey string
}
