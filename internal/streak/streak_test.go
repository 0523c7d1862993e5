package streak

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/attention-credit/internal/ledger"
	"github.com/mmeshcher/attention-credit/internal/model"
	"github.com/mmeshcher/attention-credit/internal/repository"
)

func newTracker(t *testing.T, loc *time.Location) (*Tracker, *ledger.Ledger) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	l := ledger.New(repo, nil, nil, nil)
	return NewTracker(repo, l, loc, DefaultMilestones(), nil), l
}

func day(d int, hour int) time.Time {
	return time.Date(2026, 5, d, hour, 0, 0, 0, time.UTC)
}

func TestTouch_SameDayIsNoop(t *testing.T) {
	tr, _ := newTracker(t, time.UTC)
	ctx := context.Background()

	res, err := tr.Touch(ctx, 1, day(1, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak.CurrentStreak)
	assert.True(t, res.Changed)

	res, err = tr.Touch(ctx, 1, day(1, 23))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak.CurrentStreak)
	assert.False(t, res.Changed)
}

func TestTouch_ConsecutiveDays(t *testing.T) {
	tr, _ := newTracker(t, time.UTC)
	ctx := context.Background()

	var res TouchResult
	var err error
	for d := 1; d <= 3; d++ {
		res, err = tr.Touch(ctx, 1, day(d, 12))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, res.Streak.CurrentStreak)
	assert.Equal(t, 3, res.Streak.LongestStreak)
}

func TestTouch_GapResetsToOne(t *testing.T) {
	tr, _ := newTracker(t, time.UTC)
	ctx := context.Background()

	for d := 1; d <= 4; d++ {
		_, err := tr.Touch(ctx, 1, day(d, 12))
		require.NoError(t, err)
	}

	res, err := tr.Touch(ctx, 1, day(7, 12))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak.CurrentStreak)
	assert.Equal(t, 4, res.Streak.LongestStreak)
	assert.GreaterOrEqual(t, res.Streak.LongestStreak, res.Streak.CurrentStreak)
}

func TestTouch_ClockSkewIsSkipped(t *testing.T) {
	tr, _ := newTracker(t, time.UTC)
	ctx := context.Background()

	_, err := tr.Touch(ctx, 1, day(10, 12))
	require.NoError(t, err)

	res, err := tr.Touch(ctx, 1, day(8, 12))
	require.NoError(t, err)
	assert.True(t, res.Skewed)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, res.Streak.CurrentStreak)
	assert.Equal(t, day(10, 0), *res.Streak.LastActiveDate)
}

func TestTouch_FixedReferenceZone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	tr, _ := newTracker(t, loc)
	ctx := context.Background()

	// 22:00 UTC 1 мая в зоне UTC+3 уже 2 мая.
	_, err := tr.Touch(ctx, 1, time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	res, err := tr.Touch(ctx, 1, time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, res.Streak.CurrentStreak)
}

func TestTouch_MilestoneCreditedOnce(t *testing.T) {
	tr, l := newTracker(t, time.UTC)
	ctx := context.Background()

	var res TouchResult
	var err error
	for d := 1; d <= 7; d++ {
		res, err = tr.Touch(ctx, 1, day(d, 9))
		require.NoError(t, err)
	}
	require.NotNil(t, res.Milestone)
	assert.Equal(t, 7, res.Milestone.Days)

	_, err = tr.Touch(ctx, 1, day(7, 20))
	require.NoError(t, err)

	w, err := l.Wallet(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 50, w.Balance)
	assert.Equal(t, model.Wallet{}.Frozen, w.Frozen)
}

func TestTouch_ConcurrentSameDayCountsOnce(t *testing.T) {
	tr, _ := newTracker(t, time.UTC)
	ctx := context.Background()

	_, err := tr.Touch(ctx, 1, day(1, 12))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.Touch(ctx, 1, day(2, 9))
			assert.NoError(t, err)
			if res.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changed)
	res, err := tr.Touch(ctx, 1, day(2, 10))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Streak.CurrentStreak)
	assert.Zero(t, tr.locks.Len())
}
