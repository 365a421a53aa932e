package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

func TestValidateLedgerAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{"валидный", "acc-client-0001", false},
		{"пустой", "", true},
		{"короткий", "abc", true},
		{"длинный", strings.Repeat("a", MaxAddressLength+1), true},
		{"пробел", "acc client 01", true},
		{"кириллица", "счётклиента01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLedgerAddress("адрес", tt.address)
			if tt.wantErr {
				assert.True(t, apperror.IsInvalidInput(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCurrency(t *testing.T) {
	assert.NoError(t, ValidateCurrency("ICP"))
	assert.NoError(t, ValidateCurrency("CKBTC2"))
	assert.Error(t, ValidateCurrency("icp"))
	assert.Error(t, ValidateCurrency(""))
	assert.Error(t, ValidateCurrency("VERYLONGCODE"))
}

func TestValidateStageTitle(t *testing.T) {
	assert.NoError(t, ValidateStageTitle("Дизайн"))
	assert.Error(t, ValidateStageTitle("   "))
	assert.Error(t, ValidateStageTitle(strings.Repeat("я", MaxStageTitleLength+1)))
}

func TestValidateLength_CountsRunes(t *testing.T) {
	assert.NoError(t, ValidateLength("поле", strings.Repeat("ж", 10), 1, 10))
	assert.Error(t, ValidateLength("поле", strings.Repeat("ж", 11), 1, 10))
	assert.NoError(t, ValidateNotes(""))
	assert.Error(t, ValidateReview(strings.Repeat("x", MaxReviewLength+1)))
}
