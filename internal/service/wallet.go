package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/attention-credit/internal/achievement"
	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/metrics"
	"github.com/mmeshcher/attention-credit/internal/model"
	"github.com/mmeshcher/attention-credit/internal/payout"
	"github.com/mmeshcher/attention-credit/internal/trust"
)

// RequestWithdrawal списывает amount в пользу выплаты и ставит выплату в очередь платёжного контура.
// Списание и заявка сохраняются вместе: при ошибке хранилища баланс не меняется.
func (s *Service) RequestWithdrawal(ctx context.Context, userID, amount int64) (model.Withdrawal, error) {
	if amount <= 0 {
		return model.Withdrawal{}, errs.ErrInvalidAmount
	}

	tier, err := s.tierFor(ctx, userID)
	if err != nil {
		return model.Withdrawal{}, err
	}
	if amount < tier.MinWithdrawal {
		return model.Withdrawal{}, fmt.Errorf("%w: minimum is %d", errs.ErrBelowMinimum, tier.MinWithdrawal)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return model.Withdrawal{}, fmt.Errorf("generate withdrawal id: %w", err)
	}

	fee := int64(math.Floor(float64(amount) * tier.WithdrawalFeePercent / 100))
	w := model.Withdrawal{
		ID:        id,
		UserID:    userID,
		Amount:    amount,
		Fee:       fee,
		Net:       amount - fee,
		Status:    model.WithdrawalNew,
		CreatedAt: s.now(),
	}

	res, err := s.ledger.Withdraw(ctx, w)
	if err != nil {
		s.logger.Error("withdrawal failed",
			zap.Int64("userID", userID),
			zap.String("withdrawalID", id.String()),
			zap.Int64("amount", amount),
			zap.Error(err))
		return model.Withdrawal{}, err
	}
	if err := res.Err(); err != nil {
		return model.Withdrawal{}, err
	}

	return w, nil
}

// Withdrawals возвращает историю выплат пользователя.
func (s *Service) Withdrawals(ctx context.Context, userID int64) ([]model.Withdrawal, error) {
	return s.repo.ListWithdrawals(ctx, userID)
}

// Achievements возвращает каталог достижений с прогрессом пользователя.
func (s *Service) Achievements(ctx context.Context, userID int64) ([]achievement.Status, error) {
	return s.achievements.List(ctx, userID)
}

// Unfreeze снимает заморозку вывода по решению поддержки или биллинга.
func (s *Service) Unfreeze(ctx context.Context, userID int64) error {
	return s.ledger.Unfreeze(ctx, userID)
}

// SubscriptionView описывает состояние подписки в снимке кошелька.
type SubscriptionView struct {
	TierID                  string
	Status                  model.SubscriptionStatus
	NextDeductionAt         time.Time
	SecondsUntilNextPayment int64
	ConsecutiveFailed       int
}

// Snapshot содержит сводку кошелька для экрана пользователя.
type Snapshot struct {
	Balance              int64
	Withdrawable         int64
	LifetimeEarned       int64
	LifetimeWithdrawn    int64
	PendingCredits       float64
	Frozen               bool
	FreezeReason         string
	TrustState           trust.State
	TrustFraction        float64
	UPSPercent           float64
	CurrentStreak        int
	LongestStreak        int
	AchievementsUnlocked int
	AchievementsTotal    int
	Tier                 model.Tier
	Subscription         *SubscriptionView
}

// Snapshot собирает сводку по кошельку, доверию, серии, достижениям и подписке.
func (s *Service) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	w, err := s.ledger.Wallet(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	wd, err := s.ledger.Withdrawable(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Balance:           w.Balance,
		Withdrawable:      wd.Amount,
		LifetimeEarned:    w.LifetimeEarned,
		LifetimeWithdrawn: w.LifetimeWithdrawn,
		Frozen:            w.Frozen,
		FreezeReason:      w.FreezeReason,
		TrustState:        wd.State,
		TrustFraction:     wd.Fraction,
		UPSPercent:        math.Round(wd.UPS*1000) / 10,
	}

	if sess, ok := s.existingSession(userID); ok {
		snap.PendingCredits = sess.acc.Pending().InexactFloat64()
	}

	st, err := s.repo.GetStreak(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get streak: %w", err)
	}
	snap.CurrentStreak = st.CurrentStreak
	snap.LongestStreak = st.LongestStreak

	list, err := s.achievements.List(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	snap.AchievementsTotal = len(list)
	for _, a := range list {
		if a.UnlockedAt != nil {
			snap.AchievementsUnlocked++
		}
	}

	if snap.Tier, err = s.tierFor(ctx, userID); err != nil {
		return Snapshot{}, err
	}

	sub, err := s.repo.GetSubscriptionByUser(ctx, userID)
	switch {
	case err == nil:
		until := int64(sub.NextDeductionAt.Sub(s.now()).Seconds())
		if until < 0 {
			until = 0
		}
		snap.Subscription = &SubscriptionView{
			TierID:                  sub.TierID,
			Status:                  sub.Status,
			NextDeductionAt:         sub.NextDeductionAt,
			SecondsUntilNextPayment: until,
			ConsecutiveFailed:       sub.ConsecutiveFailed,
		}
	case errors.Is(err, errs.ErrNotFound):
	default:
		return Snapshot{}, fmt.Errorf("get subscription: %w", err)
	}

	return snap, nil
}

// StartPayoutDispatch запускает фоновую передачу новых выплат в платёжный контур.
func (s *Service) StartPayoutDispatch(ctx context.Context) {
	if s.payouts == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(s.cfg.PayoutInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPayoutBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPayoutBatch(ctx context.Context) {
	pending, err := s.repo.PendingWithdrawals(ctx, payoutBatchSize)
	if err != nil {
		s.logger.Error("load pending withdrawals failed", zap.Error(err))
		return
	}

	for _, w := range pending {
		resp, statusCode, retryAfter, err := s.payouts.Submit(ctx, payout.Request{
			WithdrawalID: w.ID,
			UserID:       w.UserID,
			Amount:       w.Amount,
			Net:          w.Net,
		})
		if err != nil {
			s.logger.Warn("submit payout failed", zap.String("withdrawalID", w.ID.String()), zap.Error(err))
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if resp == nil {
			continue
		}

		var status model.WithdrawalStatus
		switch resp.Status {
		case payout.StatusAccepted:
			status = model.WithdrawalProcessing
		case payout.StatusPaid:
			status = model.WithdrawalPaid
		case payout.StatusRejected:
			status = model.WithdrawalFailed
			s.logger.Error("payout rejected",
				zap.String("withdrawalID", w.ID.String()),
				zap.Int64("userID", w.UserID),
				zap.String("reason", resp.Reason))
		default:
			continue
		}

		metrics.PayoutDispatches.WithLabelValues(string(status)).Inc()
		if status == w.Status {
			continue
		}
		if err := s.repo.UpdateWithdrawalStatus(ctx, w.ID, status); err != nil {
			s.logger.Error("update withdrawal status failed", zap.String("withdrawalID", w.ID.String()), zap.Error(err))
		}
	}
}
