package valueobject

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-settlement/internal/validation"
)

type StageSpec struct {
	Title   string `json:"title"`
	Percent int64  `json:"percent"`
}

// StageTemplate упорядоченный список этапов с долями от общей суммы.
type StageTemplate []StageSpec

func (t StageTemplate) Validate() error {
	if len(t) == 0 {
		return apperror.InvalidInput("шаблон этапов пуст")
	}
	var total int64
	for i, s := range t {
		if err := validation.ValidateStageTitle(s.Title); err != nil {
			return err
		}
		if s.Percent <= 0 {
			return apperror.Newf(apperror.ErrCodeInvalidInput, "доля этапа %d должна быть положительной", i+1)
		}
		total += s.Percent
	}
	if total != 100 {
		return apperror.Newf(apperror.ErrCodeInvalidInput, "сумма долей этапов равна %d, ожидается 100", total)
	}
	return nil
}

// Split делит сумму по долям шаблона с округлением вниз, остаток достаётся последнему этапу.
// Сумма результатов всегда равна total.
func (t StageTemplate) Split(total Amount) ([]Amount, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if !total.IsPositive() {
		return nil, apperror.InvalidInput("сумма должна быть больше нуля")
	}

	amounts := make([]Amount, len(t))
	var allocated Amount
	for i, s := range t {
		if i == len(t)-1 {
			amounts[i] = total - allocated
		} else {
			amounts[i] = total.Percent(s.Percent)
		}
		if amounts[i] <= 0 {
			return nil, apperror.Newf(apperror.ErrCodeInvalidInput, "сумма этапа %d округляется до нуля", i+1)
		}
		allocated += amounts[i]
	}
	return amounts, nil
}

func (t StageTemplate) Percentages() []int64 {
	out := make([]int64, len(t))
	for i, s := range t {
		out[i] = s.Percent
	}
	return out
}

func (t StageTemplate) String() string {
	parts := make([]string, len(t))
	for i, s := range t {
		parts[i] = strconv.FormatInt(s.Percent, 10)
	}
	return strings.Join(parts, ",")
}

// TemplateFromPercentages строит шаблон с названиями по умолчанию.
func TemplateFromPercentages(pcts []int64) StageTemplate {
	t := make(StageTemplate, len(pcts))
	for i, p := range pcts {
		t[i] = StageSpec{Title: fmt.Sprintf("Этап %d", i+1), Percent: p}
	}
	return t
}

// ParseStageTemplate разбирает строку вида "30,50,20".
func ParseStageTemplate(raw string) (StageTemplate, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperror.InvalidInput("шаблон этапов пуст")
	}
	fields := strings.Split(raw, ",")
	pcts := make([]int64, 0, len(fields))
	for _, f := range fields {
		p, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.ErrCodeInvalidInput, "некорректная доля этапа")
		}
		pcts = append(pcts, p)
	}
	t := TemplateFromPercentages(pcts)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
