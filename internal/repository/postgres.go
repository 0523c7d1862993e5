// Package repository содержит хранилища движка: PostgreSQL для продакшена и память процесса для локального запуска и тестов.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PgxPool описывает методы пула, нужные репозиторию; реализуется *pgxpool.Pool и pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   PgxPool
	now    func() time.Time
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return newPostgresRepository(pool), nil
}

func newPostgresRepository(pool PgxPool) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		now:    time.Now,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при временных ошибках БД: конфликт сериализации, дедлок, обрыв соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// inTx выполняет fn в транзакции: коммит при успехе, откат при ошибке.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("commit tx: %w", e)
		}
	}()

	return fn(tx)
}

const (
	selectWallet = `SELECT balance, lifetime_earned, lifetime_withdrawn, frozen, freeze_reason, version, updated_at
		FROM wallets WHERE user_id = $1`
	insertWallet = `INSERT INTO wallets (user_id, balance, lifetime_earned, lifetime_withdrawn, frozen, freeze_reason, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7) ON CONFLICT (user_id) DO NOTHING`
	updateWallet = `UPDATE wallets SET balance = $2, lifetime_earned = $3, lifetime_withdrawn = $4, frozen = $5,
		freeze_reason = $6, version = version + 1, updated_at = $7
		WHERE user_id = $1 AND version = $8`
	insertEntry = `INSERT INTO ledger_entries (id, user_id, entry_type, reason, amount, balance_after, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	insertWithdrawal = `INSERT INTO withdrawals (id, user_id, amount, fee, net, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

// GetWallet возвращает кошелёк; для нового пользователя возвращается нулевой кошелёк версии 0.
func (r *PostgresRepository) GetWallet(ctx context.Context, userID int64) (model.Wallet, error) {
	w := model.Wallet{UserID: userID}
	err := r.pool.QueryRow(ctx, selectWallet, userID).
		Scan(&w.Balance, &w.LifetimeEarned, &w.LifetimeWithdrawn, &w.Frozen, &w.FreezeReason, &w.Version, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Wallet{UserID: userID}, nil
	}
	if err != nil {
		return model.Wallet{}, fmt.Errorf("select wallet: %w", err)
	}
	return w, nil
}

// HasReference сообщает, была ли проводка с такой ссылкой.
func (r *PostgresRepository) HasReference(ctx context.Context, userID int64, ref string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE user_id = $1 AND reference = $2)`,
		userID, ref,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select reference: %w", err)
	}
	return exists, nil
}

// SaveWallet записывает кошелёк, если его версия всё ещё prev.Version, и добавляет проводку в той же транзакции.
func (r *PostgresRepository) SaveWallet(ctx context.Context, prev, next model.Wallet, entry *model.LedgerEntry) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return writeWallet(ctx, tx, prev, next, entry)
	})
}

// SaveWithdrawal записывает кошелёк, проводку и заявку на выплату одной транзакцией.
func (r *PostgresRepository) SaveWithdrawal(ctx context.Context, prev, next model.Wallet, entry *model.LedgerEntry, w model.Withdrawal) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := writeWallet(ctx, tx, prev, next, entry); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertWithdrawal,
			w.ID, w.UserID, w.Amount, w.Fee, w.Net, string(w.Status), w.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		return nil
	})
}

func writeWallet(ctx context.Context, tx pgx.Tx, prev, next model.Wallet, entry *model.LedgerEntry) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if prev.Version == 0 {
		tag, err = tx.Exec(ctx, insertWallet,
			prev.UserID, next.Balance, next.LifetimeEarned, next.LifetimeWithdrawn, next.Frozen, next.FreezeReason, next.UpdatedAt)
	} else {
		tag, err = tx.Exec(ctx, updateWallet,
			prev.UserID, next.Balance, next.LifetimeEarned, next.LifetimeWithdrawn, next.Frozen, next.FreezeReason, next.UpdatedAt, prev.Version)
	}
	if err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrVersionConflict
	}

	if entry == nil {
		return nil
	}
	_, err = tx.Exec(ctx, insertEntry,
		entry.ID, entry.UserID, string(entry.Type), string(entry.Reason), entry.Amount, entry.BalanceAfter, entry.Reference, entry.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ParticipationScore возвращает долю дней с просмотрами за последние ParticipationWindowDays дней.
func (r *PostgresRepository) ParticipationScore(ctx context.Context, userID int64) (float64, error) {
	since := r.now().AddDate(0, 0, -ParticipationWindowDays)

	var days int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT (watched_at AT TIME ZONE 'UTC')::date)
		 FROM watch_history
		 WHERE user_id = $1 AND watched_at > $2`,
		userID, since,
	).Scan(&days)
	if err != nil {
		return 0, fmt.Errorf("count active days: %w", err)
	}

	score := float64(days) / ParticipationWindowDays
	if score > 1 {
		score = 1
	}
	return score, nil
}

// ListAchievements возвращает каталог достижений.
func (r *PostgresRepository) ListAchievements(ctx context.Context) ([]model.Achievement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, requirement_type, requirement_count, reward, rarity FROM achievements ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select achievements: %w", err)
	}
	defer rows.Close()

	var res []model.Achievement
	for rows.Next() {
		var (
			a       model.Achievement
			reqType string
		)
		if err := rows.Scan(&a.ID, &a.Name, &reqType, &a.RequirementCount, &a.Reward, &a.Rarity); err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		a.RequirementType = model.RequirementType(reqType)
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListProgress возвращает прогресс пользователя по достижениям.
func (r *PostgresRepository) ListProgress(ctx context.Context, userID int64) ([]model.AchievementProgress, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT achievement_id, progress, unlocked_at FROM user_achievements WHERE user_id = $1 ORDER BY achievement_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("select progress: %w", err)
	}
	defer rows.Close()

	var res []model.AchievementProgress
	for rows.Next() {
		p := model.AchievementProgress{UserID: userID}
		if err := rows.Scan(&p.AchievementID, &p.Progress, &p.UnlockedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// SaveProgress записывает прогресс; строку с выставленным unlocked_at не изменяет.
func (r *PostgresRepository) SaveProgress(ctx context.Context, p model.AchievementProgress) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_achievements (user_id, achievement_id, progress, unlocked_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, achievement_id) DO UPDATE
		 SET progress = EXCLUDED.progress, unlocked_at = EXCLUDED.unlocked_at
		 WHERE user_achievements.unlocked_at IS NULL`,
		p.UserID, p.AchievementID, p.Progress, p.UnlockedAt)
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

// GetStreak возвращает серию пользователя; без строки в БД серия пустая.
func (r *PostgresRepository) GetStreak(ctx context.Context, userID int64) (model.Streak, error) {
	s := model.Streak{UserID: userID}
	err := r.pool.QueryRow(ctx,
		`SELECT current_streak, longest_streak, last_active_date FROM streaks WHERE user_id = $1`,
		userID,
	).Scan(&s.CurrentStreak, &s.LongestStreak, &s.LastActiveDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Streak{UserID: userID}, nil
	}
	if err != nil {
		return model.Streak{}, fmt.Errorf("select streak: %w", err)
	}
	return s, nil
}

// SaveStreak записывает серию пользователя.
func (r *PostgresRepository) SaveStreak(ctx context.Context, s model.Streak) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO streaks (user_id, current_streak, longest_streak, last_active_date)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET current_streak = EXCLUDED.current_streak,
		     longest_streak = EXCLUDED.longest_streak,
		     last_active_date = EXCLUDED.last_active_date`,
		s.UserID, s.CurrentStreak, s.LongestStreak, s.LastActiveDate)
	if err != nil {
		return fmt.Errorf("upsert streak: %w", err)
	}
	return nil
}

// GetTier возвращает тариф по идентификатору.
func (r *PostgresRepository) GetTier(ctx context.Context, tierID string) (model.Tier, error) {
	t := model.Tier{ID: tierID}
	err := r.pool.QueryRow(ctx,
		`SELECT name, monthly_fee, base_multiplier, withdrawal_fee_percent, min_withdrawal FROM tiers WHERE id = $1`,
		tierID,
	).Scan(&t.Name, &t.MonthlyFee, &t.BaseMultiplier, &t.WithdrawalFeePercent, &t.MinWithdrawal)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Tier{}, errs.ErrNotFound
	}
	if err != nil {
		return model.Tier{}, fmt.Errorf("select tier: %w", err)
	}
	return t, nil
}

const subscriptionColumns = `id, user_id, tier_id, status, next_deduction_at, next_retry_at,
	consecutive_failed, last_deduction_amount, last_deduction_at, anchor_day`

func scanSubscription(row pgx.Row) (model.Subscription, error) {
	var (
		s      model.Subscription
		status string
	)
	err := row.Scan(&s.ID, &s.UserID, &s.TierID, &status, &s.NextDeductionAt, &s.NextRetryAt,
		&s.ConsecutiveFailed, &s.LastDeductionAmount, &s.LastDeductionAt, &s.AnchorDay)
	s.Status = model.SubscriptionStatus(status)
	return s, err
}

// GetSubscriptionByUser возвращает подписку пользователя.
func (r *PostgresRepository) GetSubscriptionByUser(ctx context.Context, userID int64) (model.Subscription, error) {
	s, err := scanSubscription(r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subscription{}, errs.ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("select subscription: %w", err)
	}
	return s, nil
}

// DueSubscriptions возвращает подписки, срок списания (или повтора) которых наступил.
func (r *PostgresRepository) DueSubscriptions(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error) {
	var res []model.Subscription

	err := r.withRetry(ctx, func() error {
		res = res[:0]
		rows, err := r.pool.Query(ctx,
			`SELECT `+subscriptionColumns+`
			 FROM subscriptions
			 WHERE COALESCE(next_retry_at, next_deduction_at) <= $1
			 ORDER BY COALESCE(next_retry_at, next_deduction_at)
			 LIMIT $2`,
			now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			s, err := scanSubscription(rows)
			if err != nil {
				return err
			}
			res = append(res, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("select due subscriptions: %w", err)
	}
	return res, nil
}

// SaveAttempt обновляет подписку и пишет строку аудита в одной транзакции.
func (r *PostgresRepository) SaveAttempt(ctx context.Context, sub model.Subscription, rec model.DeductionRecord) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE subscriptions
			 SET status = $2, next_deduction_at = $3, next_retry_at = $4, consecutive_failed = $5,
			     last_deduction_amount = $6, last_deduction_at = $7, anchor_day = $8
			 WHERE id = $1`,
			sub.ID, string(sub.Status), sub.NextDeductionAt, sub.NextRetryAt, sub.ConsecutiveFailed,
			sub.LastDeductionAmount, sub.LastDeductionAt, sub.AnchorDay)
		if err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO subscription_deductions
			 (id, subscription_id, user_id, period_start, amount_due, amount_deducted, balance_before, balance_after, outcome, attempted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rec.ID, rec.SubscriptionID, rec.UserID, rec.PeriodStart, rec.AmountDue, rec.AmountDeducted,
			rec.BalanceBefore, rec.BalanceAfter, string(rec.Outcome), rec.AttemptedAt)
		if err != nil {
			return fmt.Errorf("insert deduction: %w", err)
		}
		return nil
	})
}

// GetHistory возвращает запись истории просмотра.
func (r *PostgresRepository) GetHistory(ctx context.Context, userID int64, contentID string) (model.WatchHistoryRecord, error) {
	h := model.WatchHistoryRecord{UserID: userID, ContentID: contentID}
	err := r.pool.QueryRow(ctx,
		`SELECT duration_ms, completed, watched_at FROM watch_history WHERE user_id = $1 AND content_id = $2`,
		userID, contentID,
	).Scan(&h.DurationMs, &h.Completed, &h.WatchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WatchHistoryRecord{}, errs.ErrNotFound
	}
	if err != nil {
		return model.WatchHistoryRecord{}, fmt.Errorf("select history: %w", err)
	}
	return h, nil
}

// SaveHistory записывает запись истории просмотра.
func (r *PostgresRepository) SaveHistory(ctx context.Context, h model.WatchHistoryRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO watch_history (user_id, content_id, duration_ms, completed, watched_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, content_id) DO UPDATE
		 SET duration_ms = EXCLUDED.duration_ms, completed = EXCLUDED.completed, watched_at = EXCLUDED.watched_at`,
		h.UserID, h.ContentID, h.DurationMs, h.Completed, h.WatchedAt)
	if err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	return nil
}

func (r *PostgresRepository) queryWithdrawals(ctx context.Context, sql string, args ...any) ([]model.Withdrawal, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.Withdrawal
	for rows.Next() {
		var (
			w      model.Withdrawal
			status string
		)
		if err := rows.Scan(&w.ID, &w.UserID, &w.Amount, &w.Fee, &w.Net, &status, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		w.Status = model.WithdrawalStatus(status)
		res = append(res, w)
	}
	return res, rows.Err()
}

// ListWithdrawals возвращает выплаты пользователя, новые первыми.
func (r *PostgresRepository) ListWithdrawals(ctx context.Context, userID int64) ([]model.Withdrawal, error) {
	res, err := r.queryWithdrawals(ctx,
		`SELECT id, user_id, amount, fee, net, status, created_at
		 FROM withdrawals WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("select withdrawals: %w", err)
	}
	return res, nil
}

// PendingWithdrawals возвращает выплаты, ещё не переданные в платёжный контур.
func (r *PostgresRepository) PendingWithdrawals(ctx context.Context, limit int) ([]model.Withdrawal, error) {
	var res []model.Withdrawal
	err := r.withRetry(ctx, func() error {
		var err error
		res, err = r.queryWithdrawals(ctx,
			`SELECT id, user_id, amount, fee, net, status, created_at
			 FROM withdrawals WHERE status IN ($1, $2) ORDER BY created_at LIMIT $3`,
			string(model.WithdrawalNew), string(model.WithdrawalProcessing), limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("select pending withdrawals: %w", err)
	}
	return res, nil
}

// UpdateWithdrawalStatus меняет статус выплаты.
func (r *PostgresRepository) UpdateWithdrawalStatus(ctx context.Context, id uuid.UUID, status model.WithdrawalStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE withdrawals SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
