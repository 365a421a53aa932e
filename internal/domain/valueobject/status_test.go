package valueobject_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

var allBookingStatuses = []valueobject.BookingStatus{
	valueobject.BookingStatusPending,
	valueobject.BookingStatusActive,
	valueobject.BookingStatusInDispute,
	valueobject.BookingStatusCompleted,
	valueobject.BookingStatusCancelled,
}

var allStageStatuses = []valueobject.StageStatus{
	valueobject.StageStatusPending,
	valueobject.StageStatusInProgress,
	valueobject.StageStatusSubmitted,
	valueobject.StageStatusApproved,
	valueobject.StageStatusRejected,
	valueobject.StageStatusReleased,
}

func TestBookingStatus_Transitions(t *testing.T) {
	allowed := map[[2]valueobject.BookingStatus]bool{
		{valueobject.BookingStatusPending, valueobject.BookingStatusActive}:      true,
		{valueobject.BookingStatusPending, valueobject.BookingStatusCancelled}:   true,
		{valueobject.BookingStatusActive, valueobject.BookingStatusCompleted}:    true,
		{valueobject.BookingStatusActive, valueobject.BookingStatusCancelled}:    true,
		{valueobject.BookingStatusActive, valueobject.BookingStatusInDispute}:    true,
		{valueobject.BookingStatusInDispute, valueobject.BookingStatusActive}:    true,
		{valueobject.BookingStatusInDispute, valueobject.BookingStatusCancelled}: true,
	}

	for _, from := range allBookingStatuses {
		for _, to := range allBookingStatuses {
			want := allowed[[2]valueobject.BookingStatus{from, to}]
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestBookingStatus_Terminal(t *testing.T) {
	for _, s := range allBookingStatuses {
		if !s.IsTerminal() {
			continue
		}
		for _, to := range allBookingStatuses {
			assert.False(t, s.CanTransitionTo(to), "%s -> %s", s, to)
		}
	}
	assert.True(t, valueobject.BookingStatusCompleted.IsTerminal())
	assert.True(t, valueobject.BookingStatusCancelled.IsTerminal())
	assert.False(t, valueobject.BookingStatusInDispute.IsTerminal())
}

func TestNewBookingStatus(t *testing.T) {
	s, err := valueobject.NewBookingStatus("in_dispute")
	require.NoError(t, err)
	assert.Equal(t, valueobject.BookingStatusInDispute, s)

	_, err = valueobject.NewBookingStatus("archived")
	assert.True(t, apperror.IsInvalidInput(err))
}

func TestStageStatus_Transitions(t *testing.T) {
	allowed := map[[2]valueobject.StageStatus]bool{
		{valueobject.StageStatusPending, valueobject.StageStatusInProgress}:   true,
		{valueobject.StageStatusInProgress, valueobject.StageStatusSubmitted}: true,
		{valueobject.StageStatusSubmitted, valueobject.StageStatusApproved}:   true,
		{valueobject.StageStatusSubmitted, valueobject.StageStatusRejected}:   true,
		{valueobject.StageStatusRejected, valueobject.StageStatusInProgress}:  true,
		{valueobject.StageStatusApproved, valueobject.StageStatusReleased}:    true,
	}

	for _, from := range allStageStatuses {
		for _, to := range allStageStatuses {
			want := allowed[[2]valueobject.StageStatus{from, to}]
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestStageStatus_IsActive(t *testing.T) {
	assert.True(t, valueobject.StageStatusInProgress.IsActive())
	assert.True(t, valueobject.StageStatusSubmitted.IsActive())
	assert.False(t, valueobject.StageStatusApproved.IsActive())
	assert.False(t, valueobject.StageStatusPending.IsActive())
}

func TestRelationshipStatusFor(t *testing.T) {
	tests := []struct {
		booking valueobject.BookingStatus
		want    valueobject.RelationshipStatus
		exists  bool
	}{
		{valueobject.BookingStatusPending, "", false},
		{valueobject.BookingStatusActive, valueobject.RelationshipStatusActive, true},
		{valueobject.BookingStatusInDispute, valueobject.RelationshipStatusSuspended, true},
		{valueobject.BookingStatusCompleted, valueobject.RelationshipStatusCompleted, true},
		{valueobject.BookingStatusCancelled, valueobject.RelationshipStatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.booking), func(t *testing.T) {
			got, ok := valueobject.RelationshipStatusFor(tt.booking)
			assert.Equal(t, tt.exists, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewResolutionOutcome(t *testing.T) {
	o, err := valueobject.NewResolutionOutcome("refund")
	require.NoError(t, err)
	assert.Equal(t, valueobject.ResolutionRefund, o)

	_, err = valueobject.NewResolutionOutcome("split")
	assert.True(t, apperror.IsInvalidInput(err))
}

func TestNewEventType(t *testing.T) {
	et, err := valueobject.NewEventType("PaymentCompleted")
	require.NoError(t, err)
	assert.Equal(t, valueobject.EventPaymentCompleted, et)

	_, err = valueobject.NewEventType("PaymentFailed")
	assert.Error(t, err)
}
