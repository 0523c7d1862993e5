package progress

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/model"
	"github.com/mmeshcher/attention-credit/internal/segment"
)

func sampleProgress() *model.WatchProgress {
	return &model.WatchProgress{
		UserID:              42,
		ContentID:           "clip-1",
		LastPosition:        50,
		Segments:            []model.Segment{{Start: 0, End: 50}, {Start: 60, End: 100}},
		TotalWatchedSeconds: 90,
		CreditsEarned:       3,
		UpdatedAt:           time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteStore_RoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.Load(ctx, 42, "clip-1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	p := sampleProgress()
	require.NoError(t, s.Save(ctx, p))

	p.LastPosition = 100
	require.NoError(t, s.Save(ctx, p))

	got, err := s.Load(ctx, 42, "clip-1")
	require.NoError(t, err)
	assert.Equal(t, p.Segments, got.Segments)
	assert.Equal(t, 100.0, got.LastPosition)
	assert.EqualValues(t, 3, got.CreditsEarned)
	assert.True(t, p.UpdatedAt.Equal(got.UpdatedAt))

	require.NoError(t, s.Delete(ctx, 42, "clip-1"))
	_, err = s.Load(ctx, 42, "clip-1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "progress.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	tr := segment.NewTracker(s, nil)
	_, err = tr.ReportInterval(ctx, 1, "v", 0, 30)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tr = segment.NewTracker(s, nil)
	newly, err := tr.ReportInterval(ctx, 1, "v", 20, 50)
	require.NoError(t, err)
	assert.InDelta(t, 20, newly, 1e-9)
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string][]byte{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value.([]byte)...)
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisStore_RoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	s := &RedisStore{client: fake, ttl: DefaultRedisTTL}

	_, err := s.Load(ctx, 42, "clip-1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	p := sampleProgress()
	require.NoError(t, s.Save(ctx, p))
	assert.Contains(t, fake.data, "progress:42:clip-1")
	assert.Equal(t, DefaultRedisTTL, fake.ttl["progress:42:clip-1"])

	got, err := s.Load(ctx, 42, "clip-1")
	require.NoError(t, err)
	assert.Equal(t, p.Segments, got.Segments)
	assert.Equal(t, p.TotalWatchedSeconds, got.TotalWatchedSeconds)

	require.NoError(t, s.Delete(ctx, 42, "clip-1"))
	_, err = s.Load(ctx, 42, "clip-1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
