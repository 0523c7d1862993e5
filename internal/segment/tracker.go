package segment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/metrics"
	"github.com/mmeshcher/attention-credit/internal/model"
)

// ProgressStore описывает локальное хранилище прогресса просмотра.
type ProgressStore interface {
	Load(ctx context.Context, userID int64, contentID string) (*model.WatchProgress, error)
	Save(ctx context.Context, p *model.WatchProgress) error
	Delete(ctx context.Context, userID int64, contentID string) error
}

type key struct {
	userID    int64
	contentID string
}

// Tracker хранит просмотренные отрезки по паре пользователь/контент и сохраняет их при каждом изменении.
// Ошибка записи не теряет данные: запись остаётся в памяти и повторяется в Sync или при следующем изменении.
type Tracker struct {
	store  ProgressStore
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[key]*model.WatchProgress
	dirty map[key]struct{}
}

// NewTracker создаёт трекер поверх хранилища прогресса.
func NewTracker(store ProgressStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
		cache:  make(map[key]*model.WatchProgress),
		dirty:  make(map[key]struct{}),
	}
}

// ReportInterval учитывает просмотренный интервал и возвращает длину впервые просмотренной части.
func (t *Tracker) ReportInterval(ctx context.Context, userID int64, contentID string, start, end float64) (float64, error) {
	if start < 0 || end <= start {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{userID: userID, contentID: contentID}
	p, err := t.loadLocked(ctx, k)
	if err != nil {
		return 0, err
	}

	// Новизна считается до слияния, по уже слитым отрезкам.
	newly := Uncovered(p.Segments, start, end)

	p.Segments = Merge(p.Segments, model.Segment{Start: start, End: end})
	p.TotalWatchedSeconds = Total(p.Segments)
	p.LastPosition = end
	p.UpdatedAt = t.now()

	t.persistLocked(ctx, k, p)

	return newly, nil
}

// AddCredits увеличивает счётчик начисленных за элемент кредитов.
func (t *Tracker) AddCredits(ctx context.Context, userID int64, contentID string, credits int64) error {
	if credits <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{userID: userID, contentID: contentID}
	p, err := t.loadLocked(ctx, k)
	if err != nil {
		return err
	}

	p.CreditsEarned += credits
	p.UpdatedAt = t.now()
	t.persistLocked(ctx, k, p)
	return nil
}

// ResumePosition возвращает позицию, с которой следует продолжить воспроизведение.
func (t *Tracker) ResumePosition(ctx context.Context, userID int64, contentID string) (float64, error) {
	p, err := t.Progress(ctx, userID, contentID)
	if err != nil {
		return 0, err
	}
	return p.LastPosition, nil
}

// Progress возвращает копию текущего прогресса просмотра.
func (t *Tracker) Progress(ctx context.Context, userID int64, contentID string) (model.WatchProgress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.loadLocked(ctx, key{userID: userID, contentID: contentID})
	if err != nil {
		return model.WatchProgress{}, err
	}

	cp := *p
	cp.Segments = append([]model.Segment(nil), p.Segments...)
	return cp, nil
}

// Complete очищает прогресс полностью просмотренного элемента и возвращает его последнее состояние.
func (t *Tracker) Complete(ctx context.Context, userID int64, contentID string) (model.WatchProgress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{userID: userID, contentID: contentID}
	p, err := t.loadLocked(ctx, k)
	if err != nil {
		return model.WatchProgress{}, err
	}
	final := *p

	delete(t.cache, k)
	delete(t.dirty, k)

	if err := t.store.Delete(ctx, userID, contentID); err != nil {
		t.logger.Warn("delete watch progress failed",
			zap.Error(err), zap.Int64("userID", userID), zap.String("contentID", contentID))
	}

	return final, nil
}

// Sync повторяет запись всех не сохранённых записей. Возвращает первую ошибку записи.
func (t *Tracker) Sync(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncLocked(ctx)
}

func (t *Tracker) syncLocked(ctx context.Context) error {
	var firstErr error
	for k := range t.dirty {
		p, ok := t.cache[k]
		if !ok {
			delete(t.dirty, k)
			continue
		}
		if err := t.store.Save(ctx, p); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("save progress %s: %w", k.contentID, err)
			}
			continue
		}
		delete(t.dirty, k)
	}
	return firstErr
}

// Pending возвращает число записей, ожидающих сохранения.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty)
}

func (t *Tracker) loadLocked(ctx context.Context, k key) (*model.WatchProgress, error) {
	if p, ok := t.cache[k]; ok {
		return p, nil
	}

	p, err := t.store.Load(ctx, k.userID, k.contentID)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrNotFound):
		p = &model.WatchProgress{UserID: k.userID, ContentID: k.contentID}
	default:
		return nil, fmt.Errorf("load progress: %w", err)
	}

	t.cache[k] = p
	return p, nil
}

func (t *Tracker) persistLocked(ctx context.Context, k key, p *model.WatchProgress) {
	if err := t.store.Save(ctx, p); err != nil {
		t.dirty[k] = struct{}{}
		metrics.ProgressPersistFailures.Inc()
		t.logger.Warn("persist watch progress failed, kept in memory",
			zap.Error(err), zap.Int64("userID", k.userID), zap.String("contentID", k.contentID))
		return
	}
	delete(t.dirty, k)

	// Хранилище снова отвечает: дописываем то, что не сохранилось раньше.
	if len(t.dirty) == 0 {
		return
	}
	if err := t.syncLocked(ctx); err != nil {
		t.logger.Warn("retry of pending watch progress failed", zap.Error(err), zap.Int("pending", len(t.dirty)))
	}
}
