package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

type bookingRepo struct{ v *view }

func (r bookingRepo) Create(_ context.Context, b *entity.Booking) error {
	ds, done := r.v.write()
	defer done()
	if _, ok := ds.bookings[b.ID]; ok {
		return apperror.AlreadyExists(b.ID.String())
	}
	b.Version = 1
	ds.bookings[b.ID] = b.Clone()
	return nil
}

func (r bookingRepo) Update(_ context.Context, b *entity.Booking) error {
	ds, done := r.v.write()
	defer done()
	stored, ok := ds.bookings[b.ID]
	if !ok {
		return apperror.ErrBookingNotFound
	}
	if stored.Version != b.Version {
		return apperror.InvalidStatus("бронирование изменено параллельно, повторите запрос")
	}
	b.Version++
	ds.bookings[b.ID] = b.Clone()
	return nil
}

func (r bookingRepo) FindByID(_ context.Context, id uuid.UUID) (*entity.Booking, error) {
	ds, done := r.v.read()
	defer done()
	b, ok := ds.bookings[id]
	if !ok {
		return nil, apperror.ErrBookingNotFound
	}
	return b.Clone(), nil
}

func (r bookingRepo) FindByParticipant(_ context.Context, userID uuid.UUID, limit, offset int) ([]*entity.Booking, int, error) {
	ds, done := r.v.read()
	defer done()

	var matched []*entity.Booking
	for _, b := range ds.bookings {
		if b.IsParticipant(userID) {
			matched = append(matched, b)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	result := make([]*entity.Booking, 0, end-offset)
	for _, b := range matched[offset:end] {
		result = append(result, b.Clone())
	}
	return result, total, nil
}

type stageRepo struct{ v *view }

func (r stageRepo) Create(_ context.Context, s *entity.Stage) error {
	ds, done := r.v.write()
	defer done()
	for _, existing := range ds.stages {
		if existing.BookingID == s.BookingID && existing.StageNumber == s.StageNumber {
			return apperror.AlreadyExists(s.ID.String())
		}
	}
	ds.stages[s.ID] = s.Clone()
	return nil
}

func (r stageRepo) Update(_ context.Context, s *entity.Stage) error {
	ds, done := r.v.write()
	defer done()
	if _, ok := ds.stages[s.ID]; !ok {
		return apperror.ErrStageNotFound
	}
	ds.stages[s.ID] = s.Clone()
	return nil
}

func (r stageRepo) FindByID(_ context.Context, id uuid.UUID) (*entity.Stage, error) {
	ds, done := r.v.read()
	defer done()
	s, ok := ds.stages[id]
	if !ok {
		return nil, apperror.ErrStageNotFound
	}
	return s.Clone(), nil
}

func (r stageRepo) FindByBookingID(_ context.Context, bookingID uuid.UUID) ([]*entity.Stage, error) {
	ds, done := r.v.read()
	defer done()
	var result []*entity.Stage
	for _, s := range ds.stages {
		if s.BookingID == bookingID {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StageNumber < result[j].StageNumber
	})
	return result, nil
}

type escrowRepo struct{ v *view }

func (r escrowRepo) Create(_ context.Context, a *entity.EscrowAccount) error {
	ds, done := r.v.write()
	defer done()
	for _, existing := range ds.escrows {
		if existing.BookingID == a.BookingID {
			return apperror.AlreadyExists(a.BookingID.String())
		}
	}
	ds.escrows[a.ID] = a.Clone()
	return nil
}

func (r escrowRepo) Update(_ context.Context, a *entity.EscrowAccount) error {
	ds, done := r.v.write()
	defer done()
	if _, ok := ds.escrows[a.ID]; !ok {
		return apperror.ErrEscrowNotFound
	}
	ds.escrows[a.ID] = a.Clone()
	return nil
}

func (r escrowRepo) FindByID(_ context.Context, id uuid.UUID) (*entity.EscrowAccount, error) {
	ds, done := r.v.read()
	defer done()
	a, ok := ds.escrows[id]
	if !ok {
		return nil, apperror.ErrEscrowNotFound
	}
	return a.Clone(), nil
}

func (r escrowRepo) FindByBookingID(_ context.Context, bookingID uuid.UUID) (*entity.EscrowAccount, error) {
	ds, done := r.v.read()
	defer done()
	for _, a := range ds.escrows {
		if a.BookingID == bookingID {
			return a.Clone(), nil
		}
	}
	return nil, apperror.ErrEscrowNotFound
}

func (r escrowRepo) FindUnfunded(_ context.Context, limit int) ([]*entity.EscrowAccount, error) {
	ds, done := r.v.read()
	defer done()
	var result []*entity.EscrowAccount
	for _, a := range ds.escrows {
		if !a.Funded && !a.Closed {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

type intentRepo struct{ v *view }

func (r intentRepo) Create(_ context.Context, in *entity.ReleaseIntent) error {
	ds, done := r.v.write()
	defer done()
	if _, ok := ds.intents[in.Key]; ok {
		return apperror.AlreadyExists(in.Key)
	}
	ds.intents[in.Key] = in.Clone()
	return nil
}

func (r intentRepo) Update(_ context.Context, in *entity.ReleaseIntent) error {
	ds, done := r.v.write()
	defer done()
	if _, ok := ds.intents[in.Key]; !ok {
		return apperror.NotFound(in.Key)
	}
	ds.intents[in.Key] = in.Clone()
	return nil
}

func (r intentRepo) FindByKey(_ context.Context, key string) (*entity.ReleaseIntent, error) {
	ds, done := r.v.read()
	defer done()
	in, ok := ds.intents[key]
	if !ok {
		return nil, nil
	}
	return in.Clone(), nil
}

func (r intentRepo) FindPending(_ context.Context, limit int) ([]*entity.ReleaseIntent, error) {
	ds, done := r.v.read()
	defer done()
	var result []*entity.ReleaseIntent
	for _, in := range ds.intents {
		if in.Status == valueobject.IntentStatusPending {
			result = append(result, in.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

type timelineRepo struct{ v *view }

func (r timelineRepo) Append(_ context.Context, e *entity.TimelineEvent) error {
	ds, done := r.v.write()
	defer done()
	events := ds.timeline[e.BookingID]
	if n := len(events); n > 0 && events[n-1].Sequence >= e.Sequence {
		return apperror.AlreadyExists(e.ID.String())
	}
	ds.timeline[e.BookingID] = append(events, e.Clone())
	return nil
}

func (r timelineRepo) Last(_ context.Context, bookingID uuid.UUID) (*entity.TimelineEvent, error) {
	ds, done := r.v.read()
	defer done()
	events := ds.timeline[bookingID]
	if len(events) == 0 {
		return nil, nil
	}
	return events[len(events)-1].Clone(), nil
}

func (r timelineRepo) List(_ context.Context, bookingID uuid.UUID, afterSequence int64, limit int) ([]*entity.TimelineEvent, error) {
	ds, done := r.v.read()
	defer done()
	var result []*entity.TimelineEvent
	for _, e := range ds.timeline[bookingID] {
		if e.Sequence <= afterSequence {
			continue
		}
		result = append(result, e.Clone())
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

type relationshipRepo struct{ v *view }

func (r relationshipRepo) Save(_ context.Context, rel *entity.ChatRelationship) error {
	ds, done := r.v.write()
	defer done()
	if existing, ok := ds.relationships[rel.BookingID]; ok && existing.ID != rel.ID {
		return apperror.AlreadyExists(rel.BookingID.String())
	}
	ds.relationships[rel.BookingID] = rel.Clone()
	return nil
}

func (r relationshipRepo) FindByBookingID(_ context.Context, bookingID uuid.UUID) (*entity.ChatRelationship, error) {
	ds, done := r.v.read()
	defer done()
	rel, ok := ds.relationships[bookingID]
	if !ok {
		return nil, apperror.ErrRelationshipNotFound
	}
	return rel.Clone(), nil
}

func (r relationshipRepo) FindBetween(_ context.Context, userA, userB uuid.UUID) ([]*entity.ChatRelationship, error) {
	ds, done := r.v.read()
	defer done()
	var result []*entity.ChatRelationship
	for _, rel := range ds.relationships {
		if (rel.ClientID == userA && rel.FreelancerID == userB) ||
			(rel.ClientID == userB && rel.FreelancerID == userA) {
			result = append(result, rel.Clone())
		}
	}
	return result, nil
}
