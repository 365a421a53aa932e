package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

// Константы валидации
const (
	MaxRequirementsLength = 5000
	MaxStageTitleLength   = 200
	MaxNotesLength        = 2000
	MaxReviewLength       = 2000
	MinAddressLength      = 8
	MaxAddressLength      = 128
	MaxCurrencyLength     = 10
)

// ValidateLength проверяет длину строки в символах.
func ValidateLength(fieldName, value string, min, max int) error {
	length := utf8.RuneCountInString(value)
	if min > 0 && length < min {
		return apperror.Newf(apperror.ErrCodeInvalidInput, "%s должен быть не менее %d символов", fieldName, min)
	}
	if max > 0 && length > max {
		return apperror.Newf(apperror.ErrCodeInvalidInput, "%s должен быть не более %d символов", fieldName, max)
	}
	return nil
}

func ValidateNonEmpty(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperror.Newf(apperror.ErrCodeInvalidInput, "%s обязателен", fieldName)
	}
	return nil
}

// ValidateLedgerAddress проверяет адрес счёта леджера: печатные ASCII символы без пробелов.
func ValidateLedgerAddress(fieldName, address string) error {
	if err := ValidateNonEmpty(fieldName, address); err != nil {
		return err
	}
	if err := ValidateLength(fieldName, address, MinAddressLength, MaxAddressLength); err != nil {
		return err
	}
	for _, r := range address {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return apperror.Newf(apperror.ErrCodeInvalidInput, "%s содержит недопустимые символы", fieldName)
		}
	}
	return nil
}

func ValidateRequirements(text string) error {
	return ValidateLength("требования", text, 0, MaxRequirementsLength)
}

func ValidateStageTitle(title string) error {
	if err := ValidateNonEmpty("название этапа", title); err != nil {
		return err
	}
	return ValidateLength("название этапа", title, 1, MaxStageTitleLength)
}

func ValidateNotes(notes string) error {
	return ValidateLength("комментарий", notes, 0, MaxNotesLength)
}

func ValidateReview(comment string) error {
	return ValidateLength("отзыв", comment, 0, MaxReviewLength)
}

func ValidateCurrency(currency string) error {
	if err := ValidateLength("валюта", currency, 1, MaxCurrencyLength); err != nil {
		return err
	}
	for _, r := range currency {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return apperror.InvalidInput("код валюты должен состоять из заглавных букв")
		}
	}
	return nil
}
