// Package streak ведёт серию дней активности пользователя.
package streak

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/attention-credit/internal/keylock"
	"github.com/mmeshcher/attention-credit/internal/ledger"
	"github.com/mmeshcher/attention-credit/internal/model"
)

// Store описывает хранилище серий.
type Store interface {
	GetStreak(ctx context.Context, userID int64) (model.Streak, error)
	SaveStreak(ctx context.Context, s model.Streak) error
}

// Crediter начисляет бонус за рубеж серии.
type Crediter interface {
	Credit(ctx context.Context, userID, amount int64, reason model.Reason, ref string) (ledger.Result, error)
}

// Milestone задаёт бонус за серию длиной Days.
type Milestone struct {
	Days   int   `json:"days"`
	Reward int64 `json:"reward"`
}

// DefaultMilestones возвращает рубежи по умолчанию.
func DefaultMilestones() []Milestone {
	return []Milestone{
		{Days: 7, Reward: 50},
		{Days: 30, Reward: 250},
		{Days: 100, Reward: 1000},
	}
}

// TouchResult описывает итог отметки активности.
type TouchResult struct {
	Streak  model.Streak
	Changed bool
	// Skewed выставляется, если время запроса раньше последнего активного дня.
	Skewed    bool
	Milestone *Milestone
}

// Tracker сравнивает календарные дни в одной фиксированной зоне.
type Tracker struct {
	store      Store
	credits    Crediter
	location   *time.Location
	milestones []Milestone
	logger     *zap.Logger

	locks keylock.Locker
}

// NewTracker создаёт трекер серий. Граница суток определяется в зоне loc.
func NewTracker(store Store, credits Crediter, loc *time.Location, milestones []Milestone, logger *zap.Logger) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ms := append([]Milestone(nil), milestones...)
	sort.Slice(ms, func(i, j int) bool { return ms[i].Days < ms[j].Days })

	return &Tracker{store: store, credits: credits, location: loc, milestones: ms, logger: logger}
}

// Day возвращает полночь календарного дня t в зоне трекера.
func (t *Tracker) Day(ts time.Time) time.Time {
	y, m, d := ts.In(t.location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.location)
}

// Touch отмечает активность пользователя в момент now.
func (t *Tracker) Touch(ctx context.Context, userID int64, now time.Time) (TouchResult, error) {
	unlock := t.locks.Lock(userID)
	defer unlock()

	s, err := t.store.GetStreak(ctx, userID)
	if err != nil {
		return TouchResult{}, fmt.Errorf("get streak: %w", err)
	}
	s.UserID = userID

	today := t.Day(now)

	if s.LastActiveDate != nil {
		last := t.Day(*s.LastActiveDate)
		switch {
		case today.Equal(last):
			return TouchResult{Streak: s}, nil
		case today.Before(last):
			t.logger.Warn("streak touch earlier than last active day, skipped",
				zap.Int64("userID", userID),
				zap.Time("now", now),
				zap.Time("lastActive", last))
			return TouchResult{Streak: s, Skewed: true}, nil
		case last.AddDate(0, 0, 1).Equal(today):
			s.CurrentStreak++
		default:
			s.CurrentStreak = 1
		}
	} else {
		s.CurrentStreak = 1
	}

	if s.CurrentStreak > s.LongestStreak {
		s.LongestStreak = s.CurrentStreak
	}
	s.LastActiveDate = &today

	if err := t.store.SaveStreak(ctx, s); err != nil {
		return TouchResult{}, fmt.Errorf("save streak: %w", err)
	}

	res := TouchResult{Streak: s, Changed: true}

	for i := range t.milestones {
		m := t.milestones[i]
		if m.Days != s.CurrentStreak || m.Reward <= 0 || t.credits == nil {
			continue
		}
		ref := fmt.Sprintf("streak:%d:%s", m.Days, today.Format(time.DateOnly))
		if _, err := t.credits.Credit(ctx, userID, m.Reward, model.ReasonStreak, ref); err != nil {
			return res, fmt.Errorf("credit streak milestone: %w", err)
		}
		res.Milestone = &m
	}

	return res, nil
}
