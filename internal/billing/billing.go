// Package billing списывает абонентскую плату по подпискам и эскалирует неоплату до заморозки вывода.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/ledger"
	"github.com/mmeshcher/attention-credit/internal/metrics"
	"github.com/mmeshcher/attention-credit/internal/model"
)

const (
	// DefaultFailureThreshold задаёт число неудачных списаний подряд до заморозки.
	DefaultFailureThreshold = 3
	// DefaultRetryInterval задаёт паузу перед повторной попыткой после неудачи.
	DefaultRetryInterval = 24 * time.Hour
	// DefaultBatchSize задаёт число подписок, обрабатываемых за один проход.
	DefaultBatchSize = 100

	// FreezeReason задаёт причину заморозки вывода при просрочке оплаты.
	FreezeReason = "subscription payment overdue"
)

// Store описывает хранилище подписок и аудита списаний.
type Store interface {
	DueSubscriptions(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error)
	GetTier(ctx context.Context, tierID string) (model.Tier, error)
	// SaveAttempt сохраняет подписку и строку аудита атомарно.
	SaveAttempt(ctx context.Context, sub model.Subscription, rec model.DeductionRecord) error
}

// Wallets описывает операции кошелька, нужные биллингу.
type Wallets interface {
	Debit(ctx context.Context, userID, amount int64, reason model.Reason, ref string) (ledger.Result, error)
	Freeze(ctx context.Context, userID int64, reason string) error
	Wallet(ctx context.Context, userID int64) (model.Wallet, error)
}

// Config задаёт параметры эскалации.
type Config struct {
	FailureThreshold int
	RetryInterval    time.Duration
	BatchSize        int
}

// Report описывает итог одного прохода.
type Report struct {
	Processed      int
	Succeeded      int
	Failed         int
	Frozen         int
	AlreadySettled int
	Errors         int
}

// Biller проводит списания по наступившим подпискам.
type Biller struct {
	store   Store
	wallets Wallets
	cfg     Config
	logger  *zap.Logger
}

// NewBiller создаёт биллинг. Нулевые поля cfg заменяются значениями по умолчанию.
func NewBiller(store Store, wallets Wallets, cfg Config, logger *zap.Logger) *Biller {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Biller{store: store, wallets: wallets, cfg: cfg, logger: logger}
}

// Reference возвращает ссылку проводки за расчётный период подписки.
func Reference(subscriptionID int64, periodStart time.Time) string {
	return fmt.Sprintf("subscription:%d:%s", subscriptionID, periodStart.UTC().Format(time.RFC3339))
}

// NextPeriod возвращает начало следующего месяца периода: день anchorDay,
// ограниченный длиной месяца, с тем же временем суток и зоной, что у start.
func NextPeriod(start time.Time, anchorDay int) time.Time {
	y, m, _ := start.Date()
	hh, mm, ss := start.Clock()
	loc := start.Location()

	days := time.Date(y, m+2, 0, 0, 0, 0, 0, loc).Day()
	d := min(max(anchorDay, 1), days)
	return time.Date(y, m+1, d, hh, mm, ss, start.Nanosecond(), loc)
}

// Start запускает периодические проходы биллинга до отмены ctx.
func (b *Biller) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rep, err := b.RunDueDeductions(ctx, now)
			if err != nil {
				b.logger.Error("billing run failed", zap.Error(err))
				continue
			}
			if rep.Processed > 0 {
				b.logger.Info("billing run finished",
					zap.Int("processed", rep.Processed),
					zap.Int("succeeded", rep.Succeeded),
					zap.Int("failed", rep.Failed),
					zap.Int("frozen", rep.Frozen),
					zap.Int("errors", rep.Errors))
			}
		}
	}
}

// RunDueDeductions обрабатывает все подписки, срок списания которых наступил к now.
// Ошибка одной подписки не прерывает проход; ошибка выборки возвращается.
func (b *Biller) RunDueDeductions(ctx context.Context, now time.Time) (Report, error) {
	var rep Report

	subs, err := b.store.DueSubscriptions(ctx, now, b.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("due subscriptions: %w", err)
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Processed++

		outcome, frozen, err := b.charge(ctx, sub, now)
		if err != nil {
			rep.Errors++
			b.logger.Error("subscription deduction failed",
				zap.Int64("subscriptionID", sub.ID),
				zap.Int64("userID", sub.UserID),
				zap.Error(err))
			continue
		}

		switch outcome {
		case model.DeductionSucceeded:
			rep.Succeeded++
		case model.DeductionDuplicate:
			rep.AlreadySettled++
		case model.DeductionInsufficient:
			rep.Failed++
		}
		if frozen {
			rep.Frozen++
		}
	}

	return rep, nil
}

func (b *Biller) charge(ctx context.Context, sub model.Subscription, now time.Time) (model.DeductionOutcome, bool, error) {
	tier, err := b.store.GetTier(ctx, sub.TierID)
	if err != nil {
		return "", false, fmt.Errorf("get tier %q: %w", sub.TierID, err)
	}

	periodStart := sub.NextDeductionAt
	rec := model.DeductionRecord{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PeriodStart:    periodStart,
		AmountDue:      tier.MonthlyFee,
		AttemptedAt:    now,
	}
	if rec.ID, err = uuid.NewV4(); err != nil {
		return "", false, fmt.Errorf("generate deduction id: %w", err)
	}

	var res ledger.Result
	if tier.MonthlyFee > 0 {
		res, err = b.wallets.Debit(ctx, sub.UserID, tier.MonthlyFee, model.ReasonSubscription, Reference(sub.ID, periodStart))
		if err != nil {
			return "", false, fmt.Errorf("debit: %w", err)
		}
	} else {
		w, err := b.wallets.Wallet(ctx, sub.UserID)
		if err != nil {
			return "", false, fmt.Errorf("get wallet: %w", err)
		}
		res = ledger.Result{Outcome: ledger.OutcomeApplied, BalanceBefore: w.Balance, BalanceAfter: w.Balance}
	}
	rec.BalanceBefore = res.BalanceBefore
	rec.BalanceAfter = res.BalanceAfter

	frozen := false
	switch res.Outcome {
	case ledger.OutcomeApplied, ledger.OutcomeDuplicate:
		rec.Outcome = model.DeductionSucceeded
		rec.AmountDeducted = tier.MonthlyFee
		if res.Outcome == ledger.OutcomeDuplicate {
			rec.Outcome = model.DeductionDuplicate
			rec.AmountDeducted = 0
		}
		sub.Status = model.SubscriptionActive
		sub.ConsecutiveFailed = 0
		sub.NextRetryAt = nil
		if sub.AnchorDay == 0 {
			sub.AnchorDay = periodStart.Day()
		}
		sub.NextDeductionAt = NextPeriod(periodStart, sub.AnchorDay)
		sub.LastDeductionAmount = tier.MonthlyFee
		at := now
		sub.LastDeductionAt = &at

	case ledger.OutcomeInsufficientFunds:
		rec.Outcome = model.DeductionInsufficient
		sub.ConsecutiveFailed++
		retry := now.Add(b.cfg.RetryInterval)
		sub.NextRetryAt = &retry

		if sub.ConsecutiveFailed >= b.cfg.FailureThreshold {
			sub.Status = model.SubscriptionFrozen
			if err := b.wallets.Freeze(ctx, sub.UserID, FreezeReason); err != nil {
				return "", false, fmt.Errorf("freeze wallet: %w", err)
			}
			frozen = true
		} else {
			sub.Status = model.SubscriptionGracePeriod
		}

	default:
		return "", false, fmt.Errorf("unexpected debit outcome %q", res.Outcome)
	}

	if err := b.store.SaveAttempt(ctx, sub, rec); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", false, fmt.Errorf("subscription %d disappeared: %w", sub.ID, err)
		}
		return "", false, fmt.Errorf("save attempt: %w", err)
	}

	metrics.BillingAttempts.WithLabelValues(string(rec.Outcome)).Inc()

	if rec.Outcome == model.DeductionInsufficient {
		b.logger.Warn("subscription deduction declined",
			zap.Int64("subscriptionID", sub.ID),
			zap.Int64("userID", sub.UserID),
			zap.Int("consecutiveFailed", sub.ConsecutiveFailed),
			zap.String("status", string(sub.Status)))
	}

	return rec.Outcome, frozen, nil
}
