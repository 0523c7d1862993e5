// Package trust классифицирует пользователя по уровню доверия на основе оценки участия (UPS).
package trust

import (
	"fmt"
	"sort"
)

// State описывает дискретный уровень доверия.
type State string

const (
	StateCold    State = "cold"
	StateWarm    State = "warm"
	StateActive  State = "active"
	StateTrusted State = "trusted"
)

// Level задаёт ступень таблицы: все UPS строго ниже Below получают State и Fraction.
// Последняя ступень таблицы действует для всех оставшихся значений.
type Level struct {
	State    State   `json:"state"`
	Below    float64 `json:"below"`
	Fraction float64 `json:"fraction"`
}

// Classification описывает результат классификации.
type Classification struct {
	State    State
	Fraction float64
}

// Classifier отображает UPS в уровень доверия ступенчатой функцией.
type Classifier struct {
	levels []Level
}

// DefaultLevels возвращает таблицу уровней по умолчанию.
func DefaultLevels() []Level {
	return []Level{
		{State: StateCold, Below: 0.25, Fraction: 0.10},
		{State: StateWarm, Below: 0.50, Fraction: 0.50},
		{State: StateActive, Below: 0.75, Fraction: 0.75},
		{State: StateTrusted, Below: 1.0, Fraction: 1.0},
	}
}

// NewClassifier проверяет таблицу и создаёт классификатор.
func NewClassifier(levels []Level) (*Classifier, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("trust table is empty")
	}

	sorted := make([]Level, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Below < sorted[j].Below })

	for i, l := range sorted {
		if l.Fraction < 0 || l.Fraction > 1 {
			return nil, fmt.Errorf("trust level %q: fraction %v out of [0,1]", l.State, l.Fraction)
		}
		if i > 0 && l.Fraction < sorted[i-1].Fraction {
			return nil, fmt.Errorf("trust level %q: fraction must not decrease with UPS", l.State)
		}
	}

	return &Classifier{levels: sorted}, nil
}

// MustDefault возвращает классификатор с таблицей по умолчанию.
func MustDefault() *Classifier {
	c, err := NewClassifier(DefaultLevels())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify отображает UPS в уровень доверия. Значения вне [0,1] обрезаются.
func (c *Classifier) Classify(ups float64) Classification {
	if ups < 0 || ups != ups {
		ups = 0
	}
	if ups > 1 {
		ups = 1
	}

	for _, l := range c.levels {
		if ups < l.Below {
			return Classification{State: l.State, Fraction: l.Fraction}
		}
	}

	last := c.levels[len(c.levels)-1]
	return Classification{State: last.State, Fraction: last.Fraction}
}
