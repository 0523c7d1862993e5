// Package achievement ведёт прогресс пользователя по каталогу достижений и выдаёт награды ровно один раз.
package achievement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/attention-credit/internal/keylock"
	"github.com/mmeshcher/attention-credit/internal/ledger"
	"github.com/mmeshcher/attention-credit/internal/metrics"
	"github.com/mmeshcher/attention-credit/internal/model"
)

// Store описывает хранилище каталога и прогресса достижений.
type Store interface {
	ListAchievements(ctx context.Context) ([]model.Achievement, error)
	ListProgress(ctx context.Context, userID int64) ([]model.AchievementProgress, error)
	// SaveProgress записывает прогресс; строку с уже выставленным unlocked_at не изменяет.
	SaveProgress(ctx context.Context, p model.AchievementProgress) error
}

// Crediter начисляет награду в кошелёк.
type Crediter interface {
	Credit(ctx context.Context, userID, amount int64, reason model.Reason, ref string) (ledger.Result, error)
}

// Status объединяет достижение каталога с прогрессом пользователя.
type Status struct {
	Achievement model.Achievement
	Progress    int64
	UnlockedAt  *time.Time
}

// Engine применяет приращения прогресса и открывает достижения.
type Engine struct {
	store   Store
	credits Crediter
	logger  *zap.Logger
	now     func() time.Time

	locks keylock.Locker
}

// NewEngine создаёт движок достижений.
func NewEngine(store Store, credits Crediter, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, credits: credits, logger: logger, now: time.Now}
}

// Reference возвращает ссылку проводки награды за достижение.
func Reference(achievementID string) string {
	return "achievement:" + achievementID
}

// RecordProgress добавляет increment ко всем неоткрытым достижениям типа reqType
// и возвращает достижения, открытые этим вызовом.
func (e *Engine) RecordProgress(ctx context.Context, userID int64, reqType model.RequirementType, increment int64) ([]model.Achievement, error) {
	if increment <= 0 {
		return nil, nil
	}
	return e.advance(ctx, userID, reqType, func(old int64) int64 { return old + increment })
}

// SetProgressAtLeast поднимает прогресс достижений типа reqType до value, если он ниже.
// Нужен для счётчиков-уровней вроде длины серии, где приращение не имеет смысла.
func (e *Engine) SetProgressAtLeast(ctx context.Context, userID int64, reqType model.RequirementType, value int64) ([]model.Achievement, error) {
	return e.advance(ctx, userID, reqType, func(old int64) int64 {
		if value > old {
			return value
		}
		return old
	})
}

// advance применяет next к прогрессу каждого неоткрытого достижения типа reqType.
//
// Вызовы для одного пользователя выполняются по очереди, иначе параллельные приращения теряются.
// Награда начисляется до записи отметки об открытии и со ссылкой на достижение:
// если запись отметки не удалась, повторный вызов получит duplicate от журнала и только допишет отметку.
func (e *Engine) advance(ctx context.Context, userID int64, reqType model.RequirementType, next func(int64) int64) ([]model.Achievement, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	catalog, err := e.store.ListAchievements(ctx)
	if err != nil {
		return nil, fmt.Errorf("list achievements: %w", err)
	}

	rows, err := e.store.ListProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	current := make(map[string]model.AchievementProgress, len(rows))
	for _, p := range rows {
		current[p.AchievementID] = p
	}

	var unlocked []model.Achievement
	for _, a := range catalog {
		if a.RequirementType != reqType {
			continue
		}

		p, ok := current[a.ID]
		if !ok {
			p = model.AchievementProgress{UserID: userID, AchievementID: a.ID}
		}
		if p.Unlocked() {
			continue
		}

		progress := next(p.Progress)
		if progress == p.Progress {
			continue
		}
		p.Progress = progress

		if p.Progress >= a.RequirementCount {
			if a.Reward > 0 {
				res, err := e.credits.Credit(ctx, userID, a.Reward, model.ReasonAchievement, Reference(a.ID))
				if err != nil {
					return unlocked, fmt.Errorf("credit reward %s: %w", a.ID, err)
				}
				if res.Outcome == ledger.OutcomeDuplicate {
					e.logger.Info("achievement reward already credited",
						zap.Int64("userID", userID), zap.String("achievement", a.ID))
				}
			}
			now := e.now()
			p.UnlockedAt = &now
		}

		if err := e.store.SaveProgress(ctx, p); err != nil {
			return unlocked, fmt.Errorf("save progress %s: %w", a.ID, err)
		}

		if p.Unlocked() {
			unlocked = append(unlocked, a)
			metrics.AchievementsUnlocked.WithLabelValues(string(a.RequirementType)).Inc()
			e.logger.Info("achievement unlocked",
				zap.Int64("userID", userID), zap.String("achievement", a.ID), zap.Int64("reward", a.Reward))
		}
	}

	return unlocked, nil
}

// List возвращает весь каталог с прогрессом пользователя.
func (e *Engine) List(ctx context.Context, userID int64) ([]Status, error) {
	catalog, err := e.store.ListAchievements(ctx)
	if err != nil {
		return nil, fmt.Errorf("list achievements: %w", err)
	}

	rows, err := e.store.ListProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	byID := make(map[string]model.AchievementProgress, len(rows))
	for _, p := range rows {
		byID[p.AchievementID] = p
	}

	res := make([]Status, 0, len(catalog))
	for _, a := range catalog {
		p := byID[a.ID]
		res = append(res, Status{Achievement: a, Progress: p.Progress, UnlockedAt: p.UnlockedAt})
	}
	return res, nil
}
