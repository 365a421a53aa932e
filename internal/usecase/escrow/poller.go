package escrow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-settlement/internal/goroutine"
	"github.com/ignatzorin/escrow-settlement/internal/logger"
)

type PollObserver interface {
	ObservePoll(duration time.Duration, failures int)
}

// Poller периодически обновляет статус оплаты открытых счетов и
// сверяет незавершённые переводы.
type Poller struct {
	manager   *Manager
	interval  time.Duration
	batchSize int
	observer  PollObserver
}

func NewPoller(manager *Manager, interval time.Duration, observer PollObserver) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		manager:   manager,
		interval:  interval,
		batchSize: 100,
		observer:  observer,
	}
}

// Start запускает цикл в отдельной горутине до отмены ctx.
func (p *Poller) Start(ctx context.Context) {
	goroutine.SafeGoWithContext(ctx, p.Run)
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce один проход. Возвращает число счетов, которые не удалось обновить.
func (p *Poller) RunOnce(ctx context.Context) int {
	started := time.Now()
	failures := 0

	accounts, err := p.manager.UnfundedEscrows(ctx, p.batchSize)
	if err != nil {
		logger.Log.WithError(err).Warn("poller: не удалось получить неоплаченные счета")
		failures++
	}
	for _, acc := range accounts {
		if ctx.Err() != nil {
			break
		}
		if _, err := p.manager.RefreshFundingStatus(ctx, acc.ID); err != nil {
			failures++
			logger.Log.WithFields(logrus.Fields{
				"escrow_id":  acc.ID,
				"booking_id": acc.BookingID,
				"error":      err,
			}).Warn("poller: не удалось обновить статус оплаты")
		}
	}

	if _, err := p.manager.ReconcilePending(ctx, p.batchSize); err != nil {
		failures++
		logger.Log.WithError(err).Warn("poller: не удалось сверить переводы")
	}

	if p.observer != nil {
		p.observer.ObservePoll(time.Since(started), failures)
	}
	return failures
}
