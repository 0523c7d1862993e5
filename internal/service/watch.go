package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/ledger"
	"github.com/mmeshcher/attention-credit/internal/model"
	"github.com/mmeshcher/attention-credit/internal/streak"
)

// WatchResult описывает итог отчёта о просмотре.
type WatchResult struct {
	NewlyWatched float64
	TotalWatched float64
	Completed    bool
	Unlocked     []model.Achievement
}

// ReportWatch учитывает просмотренный интервал [start, end) элемента длительностью duration секунд.
// Конец интервала обрезается по duration. Новые секунды становятся бюджетом начисления;
// при досмотре до CompletionRatio элемент закрывается.
func (s *Service) ReportWatch(ctx context.Context, userID int64, contentID string, start, end, duration float64) (WatchResult, error) {
	if contentID == "" || !finite(start) || !finite(end) || !finite(duration) ||
		start < 0 || end <= start || duration <= 0 {
		return WatchResult{}, fmt.Errorf("%w: bad watch interval", errs.ErrInvalidInput)
	}
	end = math.Min(end, duration)

	sess, err := s.sessionFor(ctx, userID)
	if err != nil {
		return WatchResult{}, err
	}

	// Кредиты, накопленные по прошлому элементу, приписываются ему.
	if prev := sess.content(); prev != contentID {
		if prev != "" {
			if _, err := sess.acc.Flush(ctx); err != nil {
				s.logger.Warn("flush on content switch failed", zap.Int64("userID", userID), zap.Error(err))
			}
		}
		sess.setContent(contentID)
	}

	var newly float64
	if end > start {
		if newly, err = s.segments.ReportInterval(ctx, userID, contentID, start, end); err != nil {
			return WatchResult{}, fmt.Errorf("report interval: %w", err)
		}
	}

	progress, err := s.segments.Progress(ctx, userID, contentID)
	if err != nil {
		return WatchResult{}, fmt.Errorf("read progress: %w", err)
	}

	prev, err := s.repo.GetHistory(ctx, userID, contentID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return WatchResult{}, fmt.Errorf("get history: %w", err)
	}

	// Прогресс завершённого элемента очищен, поэтому повторный просмотр снова даёт новые секунды:
	// они не начисляются.
	if prev.Completed {
		newly = 0
	}
	res := WatchResult{NewlyWatched: newly, TotalWatched: progress.TotalWatchedSeconds}

	if newly > 0 {
		sess.acc.Grant(newly)
		sess.acc.Start()
		s.touchStreak(ctx, userID)
	}

	completed := progress.TotalWatchedSeconds >= duration*s.cfg.CompletionRatio
	unlocked, err := s.saveHistory(ctx, prev, userID, contentID, duration, completed)
	if err != nil {
		return res, err
	}
	res.Unlocked = unlocked
	if !completed {
		return res, nil
	}

	res.Completed = true
	if _, err := sess.acc.Flush(ctx); err != nil {
		s.logger.Warn("flush on completion failed", zap.Int64("userID", userID), zap.Error(err))
	}
	// Догоняющие кредиты после закрытия элемента идут только в кошелёк.
	sess.setContent("")
	if _, err := s.segments.Complete(ctx, userID, contentID); err != nil {
		return res, fmt.Errorf("complete progress: %w", err)
	}

	return res, nil
}

// saveHistory обновляет запись истории; впервые завершённый просмотр продвигает videos_watched.
func (s *Service) saveHistory(ctx context.Context, prev model.WatchHistoryRecord, userID int64, contentID string, duration float64, completed bool) ([]model.Achievement, error) {
	h := model.WatchHistoryRecord{
		UserID:     userID,
		ContentID:  contentID,
		DurationMs: max(prev.DurationMs, int64(duration*1000)),
		Completed:  completed || prev.Completed,
		WatchedAt:  s.now(),
	}
	if err := s.repo.SaveHistory(ctx, h); err != nil {
		return nil, fmt.Errorf("save history: %w", err)
	}

	if !completed || prev.Completed {
		return nil, nil
	}
	unlocked, err := s.achievements.RecordProgress(ctx, userID, model.RequirementVideosWatched, 1)
	if err != nil {
		return nil, fmt.Errorf("record videos watched: %w", err)
	}
	return unlocked, nil
}

// PauseWatch останавливает начисление и возвращает перенесённые в кошелёк кредиты.
func (s *Service) PauseWatch(ctx context.Context, userID int64) (int64, error) {
	sess, ok := s.existingSession(userID)
	if !ok {
		return 0, nil
	}
	return sess.acc.Pause(ctx)
}

// ReportPlaybackRateChange меняет скорость воспроизведения и возвращает действующий множитель.
func (s *Service) ReportPlaybackRateChange(ctx context.Context, userID int64, rate float64) (float64, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return 0, fmt.Errorf("%w: playback rate must be positive", errs.ErrInvalidInput)
	}
	sess, err := s.sessionFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	sess.acc.SetPlaybackRate(rate)
	return sess.acc.SpeedMultiplier(), nil
}

// ResumePosition возвращает позицию продолжения просмотра.
func (s *Service) ResumePosition(ctx context.Context, userID int64, contentID string) (float64, error) {
	return s.segments.ResumePosition(ctx, userID, contentID)
}

// InteractionResult описывает итог действия пользователя.
type InteractionResult struct {
	Reward    int64
	Duplicate bool
	Unlocked  []model.Achievement
}

// ReportInteraction начисляет фиксированную награду за действие (одну на элемент и тип) и продвигает достижения.
func (s *Service) ReportInteraction(ctx context.Context, userID int64, kind InteractionKind, contentID string) (InteractionResult, error) {
	reqType, ok := interactionRequirements[kind]
	if !ok || contentID == "" {
		return InteractionResult{}, fmt.Errorf("%w: unknown interaction %q", errs.ErrInvalidInput, kind)
	}

	var res InteractionResult
	if reward := s.cfg.InteractionRewards[kind]; reward > 0 {
		ref := fmt.Sprintf("interaction:%s:%s", kind, contentID)
		cr, err := s.ledger.Credit(ctx, userID, reward, model.ReasonInteraction, ref)
		if err != nil {
			return InteractionResult{}, fmt.Errorf("credit interaction: %w", err)
		}
		if cr.Outcome == ledger.OutcomeDuplicate {
			res.Duplicate = true
			return res, nil
		}
		res.Reward = reward
	}

	unlocked, err := s.achievements.RecordProgress(ctx, userID, reqType, 1)
	if err != nil {
		return res, fmt.Errorf("record progress: %w", err)
	}
	res.Unlocked = unlocked

	s.touchStreak(ctx, userID)
	return res, nil
}

// Touch отмечает активность пользователя для серии.
func (s *Service) Touch(ctx context.Context, userID int64) (streak.TouchResult, error) {
	res, err := s.streaks.Touch(ctx, userID, s.now())
	if err != nil {
		return res, err
	}
	if res.Changed {
		if _, err := s.achievements.SetProgressAtLeast(ctx, userID, model.RequirementStreakDays, int64(res.Streak.CurrentStreak)); err != nil {
			return res, fmt.Errorf("record streak progress: %w", err)
		}
	}
	return res, nil
}

func (s *Service) touchStreak(ctx context.Context, userID int64) {
	if _, err := s.Touch(ctx, userID); err != nil {
		s.logger.Warn("streak touch failed", zap.Int64("userID", userID), zap.Error(err))
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
