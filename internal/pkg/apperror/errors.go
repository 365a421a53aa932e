package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

// Закрытый набор ошибок, которые видят вызывающие стороны.
const (
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeAlreadyExists     ErrorCode = "ALREADY_EXISTS"
	ErrCodeInvalidStatus     ErrorCode = "INVALID_STATUS"
	ErrCodeStageNotApproved  ErrorCode = "STAGE_NOT_APPROVED"
	ErrCodeBookingNotFunded  ErrorCode = "BOOKING_NOT_FUNDED"
	ErrCodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodePaymentFailed     ErrorCode = "PAYMENT_FAILED"
	ErrCodeLedgerError       ErrorCode = "LEDGER_ERROR"
)

// Инфраструктурные коды: временные сбои хранилища и всё непредвиденное.
const (
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, чтобы errors.Is работал с sentinel значениями.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

func InvalidInput(reason string) *AppError {
	return New(ErrCodeInvalidInput, reason)
}

func NotFound(entityID string) *AppError {
	return Newf(ErrCodeNotFound, "сущность %s не найдена", entityID)
}

func Unauthorized(reason string) *AppError {
	return New(ErrCodeUnauthorized, reason)
}

func AlreadyExists(entityID string) *AppError {
	return Newf(ErrCodeAlreadyExists, "сущность %s уже существует", entityID)
}

func InvalidStatus(detail string) *AppError {
	return New(ErrCodeInvalidStatus, detail)
}

func PaymentFailed(reason string) *AppError {
	return New(ErrCodePaymentFailed, reason)
}

func LedgerError(err error, reason string) *AppError {
	return Wrap(err, ErrCodeLedgerError, reason)
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeAlreadyExists, ErrCodeInvalidStatus, ErrCodeStageNotApproved, ErrCodeBookingNotFunded:
		return http.StatusConflict
	case ErrCodeInsufficientFunds, ErrCodePaymentFailed:
		return http.StatusUnprocessableEntity
	case ErrCodeLedgerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindOf возвращает код ошибки или ErrCodeInternal для чужих ошибок.
func KindOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

func hasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

func IsInvalidStatus(err error) bool {
	return hasCode(err, ErrCodeInvalidStatus)
}

func IsUnauthorized(err error) bool {
	return hasCode(err, ErrCodeUnauthorized)
}

func IsAlreadyExists(err error) bool {
	return hasCode(err, ErrCodeAlreadyExists)
}

func IsLedgerError(err error) bool {
	return hasCode(err, ErrCodeLedgerError)
}

var (
	ErrBookingNotFound      = New(ErrCodeNotFound, "бронирование не найдено")
	ErrStageNotFound        = New(ErrCodeNotFound, "этап не найден")
	ErrEscrowNotFound       = New(ErrCodeNotFound, "escrow счёт не найден")
	ErrRelationshipNotFound = New(ErrCodeNotFound, "связь для чата не найдена")
	ErrStageNotApproved     = New(ErrCodeStageNotApproved, "этап ещё не одобрен клиентом")
	ErrBookingNotFunded     = New(ErrCodeBookingNotFunded, "средства на escrow ещё не подтверждены")
	ErrInsufficientFunds    = New(ErrCodeInsufficientFunds, "недостаточно средств на escrow")
	ErrNotParticipant       = New(ErrCodeUnauthorized, "пользователь не участник бронирования")
)
