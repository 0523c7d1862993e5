// Package earning начисляет кредиты внимания за время просмотра с учётом скорости воспроизведения.
package earning

import (
	"fmt"
	"math"
	"sort"
)

// Bracket задаёт ступень таблицы множителей: скорости до UpTo включительно получают Multiplier.
type Bracket struct {
	UpTo       float64 `json:"up_to"`
	Multiplier float64 `json:"multiplier"`
}

// SpeedTable переводит скорость воспроизведения в множитель начисления.
type SpeedTable struct {
	brackets []Bracket
}

// DefaultBrackets возвращает таблицу по умолчанию: полный множитель у 1.0x, убывание в обе стороны.
func DefaultBrackets() []Bracket {
	return []Bracket{
		{UpTo: 0.74, Multiplier: 0.5},
		{UpTo: 0.94, Multiplier: 0.8},
		{UpTo: 1.05, Multiplier: 1.0},
		{UpTo: 1.55, Multiplier: 0.8},
		{UpTo: 2.05, Multiplier: 0.5},
		{UpTo: math.Inf(1), Multiplier: 0.25},
	}
}

// NewSpeedTable проверяет и сортирует ступени.
func NewSpeedTable(brackets []Bracket) (*SpeedTable, error) {
	if len(brackets) == 0 {
		return nil, fmt.Errorf("speed table is empty")
	}

	sorted := make([]Bracket, len(brackets))
	copy(sorted, brackets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UpTo < sorted[j].UpTo })

	for _, b := range sorted {
		if b.Multiplier < 0 || b.Multiplier > 1 {
			return nil, fmt.Errorf("speed bracket up to %v: multiplier %v out of [0,1]", b.UpTo, b.Multiplier)
		}
	}

	return &SpeedTable{brackets: sorted}, nil
}

// Multiplier возвращает множитель для скорости воспроизведения.
// Неположительная скорость (пауза) даёт 0.
func (t *SpeedTable) Multiplier(rate float64) float64 {
	if rate <= 0 || math.IsNaN(rate) {
		return 0
	}
	for _, b := range t.brackets {
		if rate <= b.UpTo {
			return b.Multiplier
		}
	}
	return t.brackets[len(t.brackets)-1].Multiplier
}
