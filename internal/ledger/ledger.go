// Package ledger ведёт авторитетный учёт баланса кредитов внимания.
// Все начисления и списания проходят через Ledger, который сериализует изменения одного кошелька.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/keylock"
	"github.com/mmeshcher/attention-credit/internal/metrics"
	"github.com/mmeshcher/attention-credit/internal/model"
	"github.com/mmeshcher/attention-credit/internal/trust"
)

// Store описывает хранилище кошельков и журнала проводок.
type Store interface {
	// GetWallet возвращает кошелёк; для нового пользователя возвращается пустой кошелёк с Version 0.
	GetWallet(ctx context.Context, userID int64) (model.Wallet, error)
	// HasReference сообщает, есть ли уже проводка с такой ссылкой.
	HasReference(ctx context.Context, userID int64, ref string) (bool, error)
	// SaveWallet атомарно записывает next при совпадении версии prev и добавляет entry, если он не nil.
	// Возвращает errs.ErrVersionConflict или errs.ErrDuplicateReference.
	SaveWallet(ctx context.Context, prev, next model.Wallet, entry *model.LedgerEntry) error
	// SaveWithdrawal делает то же, что SaveWallet, и в той же транзакции сохраняет заявку на выплату.
	SaveWithdrawal(ctx context.Context, prev, next model.Wallet, entry *model.LedgerEntry, w model.Withdrawal) error
	// ParticipationScore возвращает текущий UPS пользователя в [0,1].
	ParticipationScore(ctx context.Context, userID int64) (float64, error)
}

// Publisher получает проведённые записи журнала.
type Publisher interface {
	Publish(ctx context.Context, e model.LedgerEntry) error
}

// Outcome описывает итог операции с кошельком.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeFrozen            Outcome = "frozen"
	OutcomeDuplicate         Outcome = "duplicate"
	// OutcomeExceedsWithdrawable означает, что сумма больше доступной по уровню доверия части баланса.
	OutcomeExceedsWithdrawable Outcome = "exceeds_withdrawable"
)

// Result описывает итог операции. Бизнес-отказы возвращаются здесь, а не ошибкой.
type Result struct {
	Outcome       Outcome
	BalanceBefore int64
	BalanceAfter  int64
	FreezeReason  string
	Entry         *model.LedgerEntry
}

// Applied сообщает, изменила ли операция кошелёк.
func (r Result) Applied() bool {
	return r.Outcome == OutcomeApplied
}

// Err отображает отказ в сигнальную ошибку; для applied и duplicate возвращает nil.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeInsufficientFunds:
		return errs.ErrInsufficientFunds
	case OutcomeFrozen:
		return fmt.Errorf("%w: %s", errs.ErrWithdrawalFrozen, r.FreezeReason)
	case OutcomeExceedsWithdrawable:
		return errs.ErrExceedsWithdrawable
	default:
		return nil
	}
}

// Withdrawable описывает доступную к выводу часть баланса.
type Withdrawable struct {
	Amount   int64
	Balance  int64
	State    trust.State
	Fraction float64
	UPS      float64
	Frozen   bool
}

const defaultMaxRetries = 5

// Ledger сериализует изменения кошельков и следит за инвариантами баланса.
type Ledger struct {
	store      Store
	classifier *trust.Classifier
	publisher  Publisher
	logger     *zap.Logger
	now        func() time.Time
	maxRetries int

	locks keylock.Locker
}

// New создаёт журнал поверх хранилища.
func New(store Store, classifier *trust.Classifier, publisher Publisher, logger *zap.Logger) *Ledger {
	if classifier == nil {
		classifier = trust.MustDefault()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:      store,
		classifier: classifier,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
		maxRetries: defaultMaxRetries,
	}
}

// Credit начисляет amount. Непустая ref делает операцию идемпотентной: повтор даёт OutcomeDuplicate.
func (l *Ledger) Credit(ctx context.Context, userID, amount int64, reason model.Reason, ref string) (Result, error) {
	if amount <= 0 {
		return Result{}, errs.ErrInvalidAmount
	}

	return l.mutate(ctx, userID, model.EntryCredit, reason, ref, func(w model.Wallet) (model.Wallet, Outcome, error) {
		w.Balance += amount
		w.LifetimeEarned += amount
		return w, OutcomeApplied, nil
	}, amount, nil)
}

// Debit списывает amount целиком или не списывает ничего.
// Вывод с замороженного кошелька отклоняется; абонентская плата списывается и с замороженного.
func (l *Ledger) Debit(ctx context.Context, userID, amount int64, reason model.Reason, ref string) (Result, error) {
	if amount <= 0 {
		return Result{}, errs.ErrInvalidAmount
	}

	return l.mutate(ctx, userID, model.EntryDebit, reason, ref, func(w model.Wallet) (model.Wallet, Outcome, error) {
		if reason == model.ReasonWithdrawal && w.Frozen {
			return w, OutcomeFrozen, nil
		}
		if amount > w.Balance {
			return w, OutcomeInsufficientFunds, nil
		}
		w.Balance -= amount
		if reason == model.ReasonWithdrawal {
			w.LifetimeWithdrawn += amount
		}
		return w, OutcomeApplied, nil
	}, amount, nil)
}

// WithdrawalReference возвращает ссылку проводки заявки на вывод.
func WithdrawalReference(id uuid.UUID) string {
	return "withdrawal:" + id.String()
}

// Withdraw списывает w.Amount по заявке на вывод и сохраняет заявку в одной транзакции с проводкой.
// Доступная к выводу часть считается под блокировкой кошелька: параллельные заявки в сумме не превышают её.
func (l *Ledger) Withdraw(ctx context.Context, w model.Withdrawal) (Result, error) {
	if w.Amount <= 0 {
		return Result{}, errs.ErrInvalidAmount
	}

	return l.mutate(ctx, w.UserID, model.EntryDebit, model.ReasonWithdrawal, WithdrawalReference(w.ID), func(cur model.Wallet) (model.Wallet, Outcome, error) {
		if cur.Frozen {
			return cur, OutcomeFrozen, nil
		}
		if w.Amount > cur.Balance {
			return cur, OutcomeInsufficientFunds, nil
		}
		avail, err := l.withdrawableOf(ctx, w.UserID, cur)
		if err != nil {
			return cur, "", err
		}
		if w.Amount > avail.Amount {
			return cur, OutcomeExceedsWithdrawable, nil
		}
		cur.Balance -= w.Amount
		cur.LifetimeWithdrawn += w.Amount
		return cur, OutcomeApplied, nil
	}, w.Amount, &w)
}

// Freeze запрещает вывод до явной разморозки. Повторная заморозка сохраняет исходную причину.
func (l *Ledger) Freeze(ctx context.Context, userID int64, reason string) error {
	changed, err := l.setFrozen(ctx, userID, true, reason)
	if err != nil {
		return err
	}
	if changed {
		metrics.WalletFreezes.Inc()
		l.logger.Warn("wallet frozen", zap.Int64("userID", userID), zap.String("reason", reason))
	}
	return nil
}

// Unfreeze снимает заморозку. Вызывается только внешним участником (поддержка, биллинг).
func (l *Ledger) Unfreeze(ctx context.Context, userID int64) error {
	changed, err := l.setFrozen(ctx, userID, false, "")
	if err != nil {
		return err
	}
	if changed {
		l.logger.Info("wallet unfrozen", zap.Int64("userID", userID))
	}
	return nil
}

// Wallet возвращает текущее состояние кошелька.
func (l *Ledger) Wallet(ctx context.Context, userID int64) (model.Wallet, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return model.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// Withdrawable вычисляет доступную к выводу сумму: баланс × доля уровня доверия, 0 при заморозке.
func (l *Ledger) Withdrawable(ctx context.Context, userID int64) (Withdrawable, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return Withdrawable{}, fmt.Errorf("get wallet: %w", err)
	}
	return l.withdrawableOf(ctx, userID, w)
}

func (l *Ledger) withdrawableOf(ctx context.Context, userID int64, w model.Wallet) (Withdrawable, error) {
	ups, err := l.store.ParticipationScore(ctx, userID)
	if err != nil {
		return Withdrawable{}, fmt.Errorf("participation score: %w", err)
	}

	c := l.classifier.Classify(ups)
	res := Withdrawable{
		Balance:  w.Balance,
		State:    c.State,
		Fraction: c.Fraction,
		UPS:      ups,
		Frozen:   w.Frozen,
	}
	if w.Frozen {
		return res, nil
	}

	amount := int64(math.Floor(float64(w.Balance) * c.Fraction))
	if amount > w.Balance {
		amount = w.Balance
	}
	if amount < 0 {
		amount = 0
	}
	res.Amount = amount
	return res, nil
}

func (l *Ledger) setFrozen(ctx context.Context, userID int64, frozen bool, reason string) (bool, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		w, err := l.store.GetWallet(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("get wallet: %w", err)
		}
		if w.Frozen == frozen {
			return false, nil
		}

		next := w
		next.Frozen = frozen
		next.FreezeReason = reason
		next.UpdatedAt = l.now()

		err = l.store.SaveWallet(ctx, w, next, nil)
		if errors.Is(err, errs.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("save wallet: %w", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("set frozen: %w", errs.ErrVersionConflict)
}

func (l *Ledger) mutate(
	ctx context.Context,
	userID int64,
	entryType model.EntryType,
	reason model.Reason,
	ref string,
	apply func(model.Wallet) (model.Wallet, Outcome, error),
	amount int64,
	withdrawal *model.Withdrawal,
) (Result, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		w, err := l.store.GetWallet(ctx, userID)
		if err != nil {
			return Result{}, fmt.Errorf("get wallet: %w", err)
		}

		res := Result{BalanceBefore: w.Balance, BalanceAfter: w.Balance, FreezeReason: w.FreezeReason}

		if ref != "" {
			seen, err := l.store.HasReference(ctx, userID, ref)
			if err != nil {
				return Result{}, fmt.Errorf("check reference: %w", err)
			}
			if seen {
				res.Outcome = OutcomeDuplicate
				l.record(entryType, reason, res, 0)
				return res, nil
			}
		}

		next, outcome, err := apply(w)
		if err != nil {
			return Result{}, err
		}
		res.Outcome = outcome
		if outcome != OutcomeApplied {
			l.record(entryType, reason, res, 0)
			return res, nil
		}

		now := l.now()
		next.UserID = userID
		next.UpdatedAt = now
		entry := &model.LedgerEntry{
			ID:           uuid.Must(uuid.NewV4()),
			UserID:       userID,
			Type:         entryType,
			Reason:       reason,
			Amount:       amount,
			BalanceAfter: next.Balance,
			Reference:    ref,
			CreatedAt:    now,
		}

		if withdrawal != nil {
			err = l.store.SaveWithdrawal(ctx, w, next, entry, *withdrawal)
		} else {
			err = l.store.SaveWallet(ctx, w, next, entry)
		}
		switch {
		case errors.Is(err, errs.ErrVersionConflict):
			l.logger.Debug("wallet version conflict, retrying", zap.Int64("userID", userID), zap.Int("attempt", attempt))
			continue
		case errors.Is(err, errs.ErrDuplicateReference):
			res.Outcome = OutcomeDuplicate
			l.record(entryType, reason, res, 0)
			return res, nil
		case err != nil:
			return Result{}, fmt.Errorf("save wallet: %w", err)
		}

		res.BalanceAfter = next.Balance
		res.Entry = entry
		l.record(entryType, reason, res, amount)
		l.publish(ctx, *entry)
		return res, nil
	}

	return Result{}, fmt.Errorf("apply %s: %w", entryType, errs.ErrVersionConflict)
}

func (l *Ledger) record(entryType model.EntryType, reason model.Reason, res Result, amount int64) {
	metrics.LedgerOperations.WithLabelValues(string(entryType), string(reason), string(res.Outcome)).Inc()
	if amount > 0 {
		metrics.LedgerAmount.WithLabelValues(string(entryType), string(reason)).Add(float64(amount))
	}
}

func (l *Ledger) publish(ctx context.Context, e model.LedgerEntry) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, e); err != nil {
		l.logger.Warn("publish ledger entry failed", zap.Error(err), zap.String("entryID", e.ID.String()))
	}
}
