package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/model"
)

// ParticipationWindowDays задаёт окно расчёта UPS в днях.
const ParticipationWindowDays = 30

type historyKey struct {
	userID    int64
	contentID string
}

type progressKey struct {
	userID        int64
	achievementID string
}

// MemoryRepository хранит данные в памяти процесса. Используется без DATABASE_URI и в тестах.
type MemoryRepository struct {
	mu sync.Mutex

	now func() time.Time

	wallets       map[int64]model.Wallet
	entries       []model.LedgerEntry
	refs          map[int64]map[string]struct{}
	participation map[int64]float64

	tiers         map[string]model.Tier
	achievements  []model.Achievement
	progress      map[progressKey]model.AchievementProgress
	streaks       map[int64]model.Streak
	subscriptions map[int64]model.Subscription
	deductions    []model.DeductionRecord
	history       map[historyKey]model.WatchHistoryRecord
	withdrawals   []model.Withdrawal
}

// NewMemoryRepository создаёт хранилище с каталогами по умолчанию.
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{
		now:           time.Now,
		wallets:       map[int64]model.Wallet{},
		refs:          map[int64]map[string]struct{}{},
		participation: map[int64]float64{},
		tiers:         map[string]model.Tier{},
		achievements:  DefaultAchievements(),
		progress:      map[progressKey]model.AchievementProgress{},
		streaks:       map[int64]model.Streak{},
		subscriptions: map[int64]model.Subscription{},
		history:       map[historyKey]model.WatchHistoryRecord{},
	}
	for _, t := range DefaultTiers() {
		r.tiers[t.ID] = t
	}
	return r
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

// GetWallet возвращает кошелёк пользователя.
func (r *MemoryRepository) GetWallet(ctx context.Context, userID int64) (model.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wallets[userID]
	if !ok {
		return model.Wallet{UserID: userID}, nil
	}
	return w, nil
}

// HasReference сообщает, была ли проводка с такой ссылкой.
func (r *MemoryRepository) HasReference(ctx context.Context, userID int64, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.refs[userID][ref]
	return ok, nil
}

// SaveWallet записывает кошелёк с проверкой версии и добавляет проводку.
func (r *MemoryRepository) SaveWallet(ctx context.Context, prev, next model.Wallet, entry *model.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveWalletLocked(prev, next, entry)
}

// SaveWithdrawal атомарно записывает кошелёк, проводку и заявку на выплату.
func (r *MemoryRepository) SaveWithdrawal(ctx context.Context, prev, next model.Wallet, entry *model.LedgerEntry, w model.Withdrawal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.saveWalletLocked(prev, next, entry); err != nil {
		return err
	}
	r.withdrawals = append(r.withdrawals, w)
	return nil
}

func (r *MemoryRepository) saveWalletLocked(prev, next model.Wallet, entry *model.LedgerEntry) error {
	cur, ok := r.wallets[prev.UserID]
	if !ok {
		cur = model.Wallet{UserID: prev.UserID}
	}
	if cur.Version != prev.Version {
		return errs.ErrVersionConflict
	}

	if entry != nil && entry.Reference != "" {
		if _, dup := r.refs[entry.UserID][entry.Reference]; dup {
			return errs.ErrDuplicateReference
		}
		if r.refs[entry.UserID] == nil {
			r.refs[entry.UserID] = map[string]struct{}{}
		}
		r.refs[entry.UserID][entry.Reference] = struct{}{}
	}

	next.UserID = prev.UserID
	next.Version = prev.Version + 1
	r.wallets[prev.UserID] = next

	if entry != nil {
		r.entries = append(r.entries, *entry)
	}
	return nil
}

// ListEntries возвращает журнал проводок пользователя в порядке записи.
func (r *MemoryRepository) ListEntries(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.LedgerEntry
	for _, e := range r.entries {
		if e.UserID == userID {
			res = append(res, e)
		}
	}
	return res, nil
}

// SetParticipation задаёт UPS пользователя вместо вычисляемого по истории просмотров.
func (r *MemoryRepository) SetParticipation(userID int64, ups float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participation[userID] = ups
}

// ParticipationScore возвращает долю дней с просмотрами за последние ParticipationWindowDays дней.
func (r *MemoryRepository) ParticipationScore(ctx context.Context, userID int64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ups, ok := r.participation[userID]; ok {
		return ups, nil
	}

	since := r.now().AddDate(0, 0, -ParticipationWindowDays)
	days := map[string]struct{}{}
	for k, h := range r.history {
		if k.userID == userID && h.WatchedAt.After(since) {
			days[h.WatchedAt.UTC().Format(time.DateOnly)] = struct{}{}
		}
	}

	score := float64(len(days)) / ParticipationWindowDays
	if score > 1 {
		score = 1
	}
	return score, nil
}

// ListAchievements возвращает каталог достижений.
func (r *MemoryRepository) ListAchievements(ctx context.Context) ([]model.Achievement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Achievement(nil), r.achievements...), nil
}

// SetAchievements заменяет каталог достижений.
func (r *MemoryRepository) SetAchievements(list []model.Achievement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.achievements = append([]model.Achievement(nil), list...)
}

// ListProgress возвращает прогресс пользователя по достижениям.
func (r *MemoryRepository) ListProgress(ctx context.Context, userID int64) ([]model.AchievementProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.AchievementProgress
	for k, p := range r.progress {
		if k.userID == userID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].AchievementID < res[j].AchievementID })
	return res, nil
}

// SaveProgress записывает прогресс, не трогая уже открытые достижения.
func (r *MemoryRepository) SaveProgress(ctx context.Context, p model.AchievementProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := progressKey{userID: p.UserID, achievementID: p.AchievementID}
	if cur, ok := r.progress[k]; ok && cur.Unlocked() {
		return nil
	}
	r.progress[k] = p
	return nil
}

// GetStreak возвращает серию пользователя.
func (r *MemoryRepository) GetStreak(ctx context.Context, userID int64) (model.Streak, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streaks[userID]
	if !ok {
		return model.Streak{UserID: userID}, nil
	}
	return s, nil
}

// SaveStreak записывает серию пользователя.
func (r *MemoryRepository) SaveStreak(ctx context.Context, s model.Streak) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streaks[s.UserID] = s
	return nil
}

// PutTier добавляет или заменяет тариф.
func (r *MemoryRepository) PutTier(t model.Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[t.ID] = t
}

// GetTier возвращает тариф по идентификатору.
func (r *MemoryRepository) GetTier(ctx context.Context, tierID string) (model.Tier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tiers[tierID]
	if !ok {
		return model.Tier{}, errs.ErrNotFound
	}
	return t, nil
}

// PutSubscription добавляет или заменяет подписку.
func (r *MemoryRepository) PutSubscription(s model.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[s.ID] = s
}

// GetSubscriptionByUser возвращает подписку пользователя.
func (r *MemoryRepository) GetSubscriptionByUser(ctx context.Context, userID int64) (model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.subscriptions {
		if s.UserID == userID {
			return s, nil
		}
	}
	return model.Subscription{}, errs.ErrNotFound
}

// DueSubscriptions возвращает подписки, срок списания которых наступил.
func (r *MemoryRepository) DueSubscriptions(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Subscription
	for _, s := range r.subscriptions {
		if !s.DueAt().After(now) {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DueAt().Before(res[j].DueAt()) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// SaveAttempt записывает состояние подписки и строку аудита попытки списания.
func (r *MemoryRepository) SaveAttempt(ctx context.Context, sub model.Subscription, rec model.DeductionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscriptions[sub.ID]; !ok {
		return errs.ErrNotFound
	}
	r.subscriptions[sub.ID] = sub
	r.deductions = append(r.deductions, rec)
	return nil
}

// ListDeductions возвращает аудит попыток списания по подписке.
func (r *MemoryRepository) ListDeductions(ctx context.Context, subscriptionID int64) ([]model.DeductionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.DeductionRecord
	for _, d := range r.deductions {
		if d.SubscriptionID == subscriptionID {
			res = append(res, d)
		}
	}
	return res, nil
}

// GetHistory возвращает запись истории просмотра.
func (r *MemoryRepository) GetHistory(ctx context.Context, userID int64, contentID string) (model.WatchHistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.history[historyKey{userID: userID, contentID: contentID}]
	if !ok {
		return model.WatchHistoryRecord{}, errs.ErrNotFound
	}
	return h, nil
}

// SaveHistory записывает запись истории просмотра.
func (r *MemoryRepository) SaveHistory(ctx context.Context, h model.WatchHistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[historyKey{userID: h.UserID, contentID: h.ContentID}] = h
	return nil
}

// ListWithdrawals возвращает выплаты пользователя, новые первыми.
func (r *MemoryRepository) ListWithdrawals(ctx context.Context, userID int64) ([]model.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Withdrawal
	for i := len(r.withdrawals) - 1; i >= 0; i-- {
		if r.withdrawals[i].UserID == userID {
			res = append(res, r.withdrawals[i])
		}
	}
	return res, nil
}

// PendingWithdrawals возвращает выплаты, ещё не переданные в платёжный контур.
func (r *MemoryRepository) PendingWithdrawals(ctx context.Context, limit int) ([]model.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Withdrawal
	for _, w := range r.withdrawals {
		if w.Status == model.WithdrawalNew || w.Status == model.WithdrawalProcessing {
			res = append(res, w)
			if limit > 0 && len(res) == limit {
				break
			}
		}
	}
	return res, nil
}

// UpdateWithdrawalStatus меняет статус выплаты.
func (r *MemoryRepository) UpdateWithdrawalStatus(ctx context.Context, id uuid.UUID, status model.WithdrawalStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.withdrawals {
		if r.withdrawals[i].ID == id {
			r.withdrawals[i].Status = status
			return nil
		}
	}
	return errs.ErrNotFound
}
