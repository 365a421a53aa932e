package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

// Simulator леджер в памяти для разработки и тестов. Переводы идемпотентны
// по ключу, как у настоящего леджера.
type Simulator struct {
	mu        sync.Mutex
	balances  map[string]valueobject.Amount
	transfers map[string]string
	seq       int64

	transferDelay time.Duration
	failNext      int
	transferCalls int
	balanceCalls  int
}

func NewSimulator() *Simulator {
	return &Simulator{
		balances:  make(map[string]valueobject.Amount),
		transfers: make(map[string]string),
	}
}

func (s *Simulator) IssueDepositAddress(_ context.Context, bookingID uuid.UUID, _ valueobject.Amount) (string, error) {
	addr := "sim-deposit-" + bookingID.String()
	s.mu.Lock()
	if _, ok := s.balances[addr]; !ok {
		s.balances[addr] = 0
	}
	s.mu.Unlock()
	return addr, nil
}

func (s *Simulator) GetBalance(_ context.Context, address string) (valueobject.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balanceCalls++
	return s.balances[address], nil
}

func (s *Simulator) Transfer(ctx context.Context, req entity.TransferRequest) (string, error) {
	s.mu.Lock()
	delay := s.transferDelay
	s.transferCalls++
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return "", apperror.LedgerError(fmt.Errorf("simulated failure"), "леджер недоступен")
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", apperror.LedgerError(ctx.Err(), "таймаут перевода")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.transfers[req.IdempotencyKey]; ok {
		return ref, nil
	}
	if s.balances[req.From] < req.Amount {
		return "", apperror.ErrInsufficientFunds
	}
	s.balances[req.From] -= req.Amount
	s.balances[req.To] += req.Amount
	s.seq++
	ref := fmt.Sprintf("sim-tx-%d", s.seq)
	s.transfers[req.IdempotencyKey] = ref
	return ref, nil
}

func (s *Simulator) LookupTransfer(_ context.Context, idempotencyKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.transfers[idempotencyKey]
	return ref, ok, nil
}

// Deposit зачисляет средства на адрес, имитируя платёж клиента.
func (s *Simulator) Deposit(address string, amount valueobject.Amount) {
	s.mu.Lock()
	s.balances[address] += amount
	s.mu.Unlock()
}

func (s *Simulator) Balance(address string) valueobject.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address]
}

// SetTransferDelay задерживает каждый перевод, контекст вызова может его прервать.
func (s *Simulator) SetTransferDelay(d time.Duration) {
	s.mu.Lock()
	s.transferDelay = d
	s.mu.Unlock()
}

// FailNextTransfers заставляет n следующих переводов вернуть LEDGER_ERROR.
func (s *Simulator) FailNextTransfers(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func (s *Simulator) TransferCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferCalls
}

func (s *Simulator) BalanceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceCalls
}

// TransferCount число реально выполненных переводов.
func (s *Simulator) TransferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}
