package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/attention-credit/internal/achievement"
	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/ledger"
	"github.com/mmeshcher/attention-credit/internal/model"
	"github.com/mmeshcher/attention-credit/internal/payout"
	"github.com/mmeshcher/attention-credit/internal/repository"
	"github.com/mmeshcher/attention-credit/internal/segment"
	"github.com/mmeshcher/attention-credit/internal/streak"
	"github.com/mmeshcher/attention-credit/internal/trust"
)

var fixedNow = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

type memProgress struct {
	mu   sync.Mutex
	data map[string]model.WatchProgress
}

func (m *memProgress) key(userID int64, contentID string) string {
	return fmt.Sprintf("%d:%s", userID, contentID)
}

func (m *memProgress) Load(ctx context.Context, userID int64, contentID string) (*model.WatchProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[m.key(userID, contentID)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &p, nil
}

func (m *memProgress) Save(ctx context.Context, p *model.WatchProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Segments = append([]model.Segment(nil), p.Segments...)
	m.data[m.key(p.UserID, p.ContentID)] = cp
	return nil
}

func (m *memProgress) Delete(ctx context.Context, userID int64, contentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, m.key(userID, contentID))
	return nil
}

// idleScheduler не тикает: начисление происходит только при Flush/Pause.
type idleScheduler struct{}

func (idleScheduler) Every(time.Duration, func()) func() { return func() {} }

type stubPayouts struct {
	mu       sync.Mutex
	status   string
	code     int
	requests []payout.Request
}

func (p *stubPayouts) Submit(ctx context.Context, req payout.Request) (*payout.Response, int, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.code == 429 {
		return nil, 429, 0, nil
	}
	return &payout.Response{WithdrawalID: req.WithdrawalID, Status: p.status}, 200, 0, nil
}

type fixture struct {
	svc     *Service
	repo    *repository.MemoryRepository
	ledger  *ledger.Ledger
	payouts *stubPayouts
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	return newFixtureWithStore(t, cfg, nil)
}

// newFixtureWithStore позволяет подменить хранилище журнала обёрткой над общим репозиторием.
func newFixtureWithStore(t *testing.T, cfg Config, wrap func(*repository.MemoryRepository) ledger.Store) fixture {
	t.Helper()

	repo := repository.NewMemoryRepository()
	var store ledger.Store = repo
	if wrap != nil {
		store = wrap(repo)
	}
	l := ledger.New(store, trust.MustDefault(), nil, nil)
	payouts := &stubPayouts{status: payout.StatusPaid}

	svc, err := NewService(Deps{
		Repo:         repo,
		Ledger:       l,
		Segments:     segment.NewTracker(&memProgress{data: map[string]model.WatchProgress{}}, nil),
		Achievements: achievement.NewEngine(repo, l, nil),
		Streaks:      streak.NewTracker(repo, l, time.UTC, streak.DefaultMilestones(), nil),
		Payouts:      payouts,
		Scheduler:    idleScheduler{},
	}, cfg)
	require.NoError(t, err)
	svc.now = func() time.Time { return fixedNow }

	return fixture{svc: svc, repo: repo, ledger: l, payouts: payouts}
}

func (f fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	w, err := f.ledger.Wallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := NewService(Deps{}, Config{})
	require.Error(t, err)
}

func TestReportWatch_RewatchEarnsNoNewSeconds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	res, err := f.svc.ReportWatch(ctx, 1, "clip", 0, 30, 600)
	require.NoError(t, err)
	assert.InDelta(t, 30, res.NewlyWatched, 1e-9)

	res, err = f.svc.ReportWatch(ctx, 1, "clip", 20, 50, 600)
	require.NoError(t, err)
	assert.InDelta(t, 20, res.NewlyWatched, 1e-9)

	res, err = f.svc.ReportWatch(ctx, 1, "clip", 0, 50, 600)
	require.NoError(t, err)
	assert.Zero(t, res.NewlyWatched)
	assert.InDelta(t, 50, res.TotalWatched, 1e-9)
	assert.False(t, res.Completed)

	pos, err := f.svc.ResumePosition(ctx, 1, "clip")
	require.NoError(t, err)
	assert.Equal(t, 50.0, pos)
}

func TestReportWatch_InvalidInterval(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.ReportWatch(context.Background(), 1, "clip", 30, 10, 600)
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = f.svc.ReportWatch(context.Background(), 1, "", 0, 10, 600)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestReportWatch_CompletionClosesItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	res, err := f.svc.ReportWatch(ctx, 1, "clip", 0, 95, 100)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	require.Len(t, res.Unlocked, 1)
	assert.Equal(t, "first_watch", res.Unlocked[0].ID)

	h, err := f.repo.GetHistory(ctx, 1, "clip")
	require.NoError(t, err)
	assert.True(t, h.Completed)
	assert.EqualValues(t, 100000, h.DurationMs)

	pos, err := f.svc.ResumePosition(ctx, 1, "clip")
	require.NoError(t, err)
	assert.Zero(t, pos)

	// Повторный просмотр завершённого элемента не даёт бюджета и не считается вторым просмотром.
	res, err = f.svc.ReportWatch(ctx, 1, "clip", 0, 95, 100)
	require.NoError(t, err)
	assert.Zero(t, res.NewlyWatched)
	assert.Empty(t, res.Unlocked)

	assert.EqualValues(t, 10, f.balance(t, 1))
}

func TestPauseWatch_FlushesWholeCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{BaseRate: 1000})

	_, err := f.svc.ReportWatch(ctx, 1, "clip", 0, 60, 600)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	flushed, err := f.svc.PauseWatch(ctx, 1)
	require.NoError(t, err)
	assert.Positive(t, flushed)
	assert.Equal(t, flushed, f.balance(t, 1))

	p, err := f.svc.segments.Progress(ctx, 1, "clip")
	require.NoError(t, err)
	assert.Equal(t, flushed, p.CreditsEarned)

	again, err := f.svc.PauseWatch(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestPauseWatch_WithoutSession(t *testing.T) {
	f := newFixture(t, Config{})
	flushed, err := f.svc.PauseWatch(context.Background(), 42)
	require.NoError(t, err)
	assert.Zero(t, flushed)
}

func TestReportPlaybackRateChange(t *testing.T) {
	f := newFixture(t, Config{})

	m, err := f.svc.ReportPlaybackRateChange(context.Background(), 1, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, m)

	m, err = f.svc.ReportPlaybackRateChange(context.Background(), 1, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m)

	_, err = f.svc.ReportPlaybackRateChange(context.Background(), 1, 0)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestReportInteraction_OneRewardPerItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	res, err := f.svc.ReportInteraction(ctx, 1, InteractionLike, "clip")
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Reward)
	require.Len(t, res.Unlocked, 1)
	assert.Equal(t, "first_like", res.Unlocked[0].ID)

	res, err = f.svc.ReportInteraction(ctx, 1, InteractionLike, "clip")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Zero(t, res.Reward)

	res, err = f.svc.ReportInteraction(ctx, 1, InteractionComment, "clip")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Reward)

	// 1 (лайк) + 5 (first_like) + 2 (комментарий)
	assert.EqualValues(t, 8, f.balance(t, 1))

	st, err := f.repo.GetStreak(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentStreak)
}

func TestReportInteraction_UnknownKind(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.ReportInteraction(context.Background(), 1, "dislike", "clip")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestRequestWithdrawal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.repo.SetParticipation(1, 1)

	_, err := f.ledger.Credit(ctx, 1, 2000, model.ReasonWatch, "")
	require.NoError(t, err)

	_, err = f.svc.RequestWithdrawal(ctx, 1, 500)
	require.ErrorIs(t, err, errs.ErrBelowMinimum)

	_, err = f.svc.RequestWithdrawal(ctx, 1, 3000)
	require.ErrorIs(t, err, errs.ErrExceedsWithdrawable)

	w, err := f.svc.RequestWithdrawal(ctx, 1, 1500)
	require.NoError(t, err)
	assert.EqualValues(t, 150, w.Fee)
	assert.EqualValues(t, 1350, w.Net)
	assert.Equal(t, model.WithdrawalNew, w.Status)

	wallet, err := f.ledger.Wallet(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 500, wallet.Balance)
	assert.EqualValues(t, 1500, wallet.LifetimeWithdrawn)

	list, err := f.svc.Withdrawals(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, w.ID, list[0].ID)
}

func TestRequestWithdrawal_TrustGateAndFreeze(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.repo.SetParticipation(1, 0.3)

	_, err := f.ledger.Credit(ctx, 1, 3000, model.ReasonWatch, "")
	require.NoError(t, err)

	// warm: доступна половина баланса
	_, err = f.svc.RequestWithdrawal(ctx, 1, 1600)
	require.ErrorIs(t, err, errs.ErrExceedsWithdrawable)

	_, err = f.svc.RequestWithdrawal(ctx, 1, 1500)
	require.NoError(t, err)

	require.NoError(t, f.ledger.Freeze(ctx, 1, "subscription payment overdue"))
	_, err = f.svc.RequestWithdrawal(ctx, 1, 1000)
	require.ErrorIs(t, err, errs.ErrWithdrawalFrozen)

	require.NoError(t, f.svc.Unfreeze(ctx, 1))
	f.repo.SetParticipation(1, 1)
	_, err = f.svc.RequestWithdrawal(ctx, 1, 1000)
	require.NoError(t, err)
}

func TestRequestWithdrawal_ConcurrentRequestsRespectCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.repo.SetParticipation(1, 0.3)

	_, err := f.ledger.Credit(ctx, 1, 10000, model.ReasonWatch, "")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RequestWithdrawal(ctx, 1, 5000)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, errs.ErrExceedsWithdrawable)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	wallet, err := f.ledger.Wallet(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, wallet.Balance)
	assert.EqualValues(t, 5000, wallet.LifetimeWithdrawn)

	list, err := f.svc.Withdrawals(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

type failingWithdrawalStore struct {
	*repository.MemoryRepository
}

func (failingWithdrawalStore) SaveWithdrawal(context.Context, model.Wallet, model.Wallet, *model.LedgerEntry, model.Withdrawal) error {
	return errors.New("insert withdrawal: connection reset by peer")
}

func TestRequestWithdrawal_StoreFailureLeavesBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithStore(t, Config{}, func(r *repository.MemoryRepository) ledger.Store {
		return failingWithdrawalStore{MemoryRepository: r}
	})
	f.repo.SetParticipation(1, 1)

	_, err := f.ledger.Credit(ctx, 1, 2000, model.ReasonWatch, "")
	require.NoError(t, err)

	_, err = f.svc.RequestWithdrawal(ctx, 1, 1500)
	require.Error(t, err)

	wallet, err := f.ledger.Wallet(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2000, wallet.Balance)
	assert.Zero(t, wallet.LifetimeWithdrawn)

	list, err := f.svc.Withdrawals(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.repo.SetParticipation(1, 0.6)
	f.repo.PutSubscription(model.Subscription{
		ID:              3,
		UserID:          1,
		TierID:          "plus",
		Status:          model.SubscriptionActive,
		NextDeductionAt: fixedNow.Add(time.Hour),
	})

	_, err := f.ledger.Credit(ctx, 1, 1000, model.ReasonWatch, "")
	require.NoError(t, err)
	_, err = f.svc.Touch(ctx, 1)
	require.NoError(t, err)

	snap, err := f.svc.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, snap.Balance)
	assert.EqualValues(t, 750, snap.Withdrawable)
	assert.Equal(t, trust.StateActive, snap.TrustState)
	assert.Equal(t, 60.0, snap.UPSPercent)
	assert.Equal(t, 1, snap.CurrentStreak)
	assert.Equal(t, "plus", snap.Tier.ID)
	require.NotNil(t, snap.Subscription)
	assert.EqualValues(t, 3600, snap.Subscription.SecondsUntilNextPayment)
	assert.Equal(t, len(repository.DefaultAchievements()), snap.AchievementsTotal)
	assert.Zero(t, snap.AchievementsUnlocked)
}

func TestFrozenSubscriptionFallsBackToFreeTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.repo.PutSubscription(model.Subscription{ID: 3, UserID: 1, TierID: "pro", Status: model.SubscriptionFrozen, NextDeductionAt: fixedNow})

	tier, err := f.svc.tierFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, repository.DefaultTierID, tier.ID)
}

func TestProcessPayoutBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.repo.SetParticipation(1, 1)

	_, err := f.ledger.Credit(ctx, 1, 2000, model.ReasonWatch, "")
	require.NoError(t, err)
	w, err := f.svc.RequestWithdrawal(ctx, 1, 1000)
	require.NoError(t, err)

	f.payouts.status = payout.StatusAccepted
	f.svc.processPayoutBatch(ctx)

	list, err := f.svc.Withdrawals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalProcessing, list[0].Status)

	f.payouts.status = payout.StatusPaid
	f.svc.processPayoutBatch(ctx)

	list, err = f.svc.Withdrawals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalPaid, list[0].Status)

	require.Len(t, f.payouts.requests, 2)
	assert.Equal(t, w.ID, f.payouts.requests[0].WithdrawalID)
	assert.EqualValues(t, 900, f.payouts.requests[0].Net)

	pending, err := f.repo.PendingWithdrawals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClose_FlushesSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{BaseRate: 1000})

	_, err := f.svc.ReportWatch(ctx, 1, "clip", 0, 60, 600)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, f.svc.Close(ctx))
	assert.Positive(t, f.balance(t, 1))
}

func TestReportWatch_HistoryKeepsLongestDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.svc.ReportWatch(ctx, 1, "clip", 0, 10, 600)
	require.NoError(t, err)
	_, err = f.svc.ReportWatch(ctx, 1, "clip", 10, 20, 300)
	require.NoError(t, err)

	h, err := f.repo.GetHistory(ctx, 1, "clip")
	require.NoError(t, err)
	assert.Equal(t, int64(600_000), h.DurationMs)
	assert.False(t, h.Completed)
}

func TestSweepIdleSessions_FlushesAndEvicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{BaseRate: 1000})

	_, err := f.svc.ReportWatch(ctx, 1, "clip", 0, 60, 600)
	require.NoError(t, err)
	_, err = f.svc.ReportWatch(ctx, 2, "clip", 0, 60, 600)
	require.NoError(t, err)
	require.Equal(t, 2, f.svc.ActiveSessions())
	time.Sleep(10 * time.Millisecond)

	// Пользователь 2 продолжает смотреть, пользователь 1 пропал без паузы.
	f.svc.now = func() time.Time { return fixedNow.Add(20 * time.Minute) }
	_, err = f.svc.ReportPlaybackRateChange(ctx, 2, 1)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return fixedNow.Add(40 * time.Minute) }
	assert.Equal(t, 1, f.svc.SweepIdleSessions(ctx, 30*time.Minute))
	assert.Equal(t, 1, f.svc.ActiveSessions())
	assert.Positive(t, f.balance(t, 1))

	_, ok := f.svc.existingSession(1)
	assert.False(t, ok)
	_, ok = f.svc.existingSession(2)
	assert.True(t, ok)

	// Новый запрос после вытеснения открывает свежую сессию.
	_, err = f.svc.ReportWatch(ctx, 1, "clip", 60, 90, 600)
	require.NoError(t, err)
	assert.Equal(t, 2, f.svc.ActiveSessions())
}

func TestSweepIdleSessions_NothingIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.svc.ReportWatch(ctx, 1, "clip", 0, 10, 600)
	require.NoError(t, err)

	assert.Zero(t, f.svc.SweepIdleSessions(ctx, time.Minute))
	assert.Equal(t, 1, f.svc.ActiveSessions())
}

func TestReportWatch_RejectsNonFiniteInput(t *testing.T) {
	f := newFixture(t, Config{})
	inf := math.Inf(1)

	tests := []struct {
		name                 string
		start, end, duration float64
	}{
		{"infinite end", 0, inf, 600},
		{"negative infinite start", math.Inf(-1), 10, 600},
		{"nan duration", 0, 10, math.NaN()},
		{"infinite duration", 0, 10, inf},
		{"zero duration", 0, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ReportWatch(context.Background(), 1, "clip", tt.start, tt.end, tt.duration)
			require.ErrorIs(t, err, errs.ErrInvalidInput)
		})
	}
	assert.Zero(t, f.svc.ActiveSessions())
}

func TestReportWatch_EndClampedToDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	res, err := f.svc.ReportWatch(ctx, 1, "clip", 0, 1e9, 600)
	require.NoError(t, err)
	assert.InDelta(t, 600, res.NewlyWatched, 1e-9)
	assert.True(t, res.Completed)

	// Отчёт целиком за концом элемента новых секунд не даёт.
	res, err = f.svc.ReportWatch(ctx, 1, "other", 700, 800, 600)
	require.NoError(t, err)
	assert.Zero(t, res.NewlyWatched)
	assert.False(t, res.Completed)
}
