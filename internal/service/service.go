// Package service реализует бизнес-логику движка Attention-Credit: связывает трекер просмотра,
// начисление, достижения, серии и кошелёк в операции, вызываемые HTTP-слоем.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/attention-credit/internal/achievement"
	"github.com/mmeshcher/attention-credit/internal/earning"
	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/ledger"
	"github.com/mmeshcher/attention-credit/internal/model"
	"github.com/mmeshcher/attention-credit/internal/payout"
	"github.com/mmeshcher/attention-credit/internal/repository"
	"github.com/mmeshcher/attention-credit/internal/segment"
	"github.com/mmeshcher/attention-credit/internal/streak"
)

// Repository описывает контракт доступа к данным, используемый сервисом напрямую.
type Repository interface {
	Close() error
	GetTier(ctx context.Context, tierID string) (model.Tier, error)
	GetSubscriptionByUser(ctx context.Context, userID int64) (model.Subscription, error)
	GetStreak(ctx context.Context, userID int64) (model.Streak, error)
	GetHistory(ctx context.Context, userID int64, contentID string) (model.WatchHistoryRecord, error)
	SaveHistory(ctx context.Context, h model.WatchHistoryRecord) error
	ListWithdrawals(ctx context.Context, userID int64) ([]model.Withdrawal, error)
	PendingWithdrawals(ctx context.Context, limit int) ([]model.Withdrawal, error)
	UpdateWithdrawalStatus(ctx context.Context, id uuid.UUID, status model.WithdrawalStatus) error
}

// PayoutClient передаёт выплаты в платёжный контур.
type PayoutClient interface {
	Submit(ctx context.Context, req payout.Request) (*payout.Response, int, time.Duration, error)
}

// InteractionKind задаёт тип действия пользователя с контентом.
type InteractionKind string

const (
	InteractionLike    InteractionKind = "like"
	InteractionSave    InteractionKind = "save"
	InteractionComment InteractionKind = "comment"
	InteractionPost    InteractionKind = "post"
	InteractionShare   InteractionKind = "share"
)

var interactionRequirements = map[InteractionKind]model.RequirementType{
	InteractionLike:    model.RequirementLikes,
	InteractionSave:    model.RequirementSaves,
	InteractionComment: model.RequirementComments,
	InteractionPost:    model.RequirementPosts,
	InteractionShare:   model.RequirementShares,
}

// DefaultInteractionRewards возвращает фиксированные награды за действия.
func DefaultInteractionRewards() map[InteractionKind]int64 {
	return map[InteractionKind]int64{
		InteractionLike:    1,
		InteractionSave:    1,
		InteractionComment: 2,
		InteractionPost:    5,
		InteractionShare:   2,
	}
}

const (
	// DefaultBaseRate задаёт кредиты в секунду впервые просмотренного контента при 1.0x.
	DefaultBaseRate = 0.1
	// DefaultCompletionRatio задаёт долю длительности, после которой просмотр считается завершённым.
	DefaultCompletionRatio = 0.9
	// DefaultPayoutInterval задаёт период опроса новых выплат.
	DefaultPayoutInterval = time.Second
	// DefaultSessionIdleTimeout задаёт простой, после которого сессия просмотра закрывается.
	DefaultSessionIdleTimeout = 30 * time.Minute
	// DefaultSessionSweepInterval задаёт период поиска простаивающих сессий.
	DefaultSessionSweepInterval = time.Minute
	payoutBatchSize             = 100
)

// Config задаёт параметры движка.
type Config struct {
	BaseRate           float64
	TickInterval       time.Duration
	Speeds             *earning.SpeedTable
	InteractionRewards map[InteractionKind]int64
	CompletionRatio    float64
	PayoutInterval     time.Duration
	// SessionIdleTimeout задаёт простой, после которого сессия закрывается и удаляется из памяти.
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
}

// Deps содержит компоненты, из которых собирается движок.
type Deps struct {
	Repo         Repository
	Ledger       *ledger.Ledger
	Segments     *segment.Tracker
	Achievements *achievement.Engine
	Streaks      *streak.Tracker
	Payouts      PayoutClient
	Scheduler    earning.Scheduler
	Logger       *zap.Logger
}

// Service содержит бизнес-логику движка.
type Service struct {
	repo         Repository
	ledger       *ledger.Ledger
	segments     *segment.Tracker
	achievements *achievement.Engine
	streaks      *streak.Tracker
	payouts      PayoutClient
	sched        earning.Scheduler
	logger       *zap.Logger
	cfg          Config
	now          func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session
}

// session хранит текущую сессию просмотра пользователя.
type session struct {
	acc *earning.Accumulator
	// lastUsed защищён Service.mu.
	lastUsed time.Time

	mu        sync.Mutex
	contentID string
}

func (s *session) content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentID
}

func (s *session) setContent(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.contentID
	s.contentID = id
	return prev
}

// NewService создаёт сервис. Нулевые поля cfg заменяются значениями по умолчанию.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Repo == nil || deps.Ledger == nil || deps.Segments == nil || deps.Achievements == nil || deps.Streaks == nil {
		return nil, errors.New("service: missing dependency")
	}
	if cfg.BaseRate <= 0 {
		cfg.BaseRate = DefaultBaseRate
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = earning.DefaultTickInterval
	}
	if cfg.Speeds == nil {
		t, err := earning.NewSpeedTable(earning.DefaultBrackets())
		if err != nil {
			return nil, err
		}
		cfg.Speeds = t
	}
	if cfg.InteractionRewards == nil {
		cfg.InteractionRewards = DefaultInteractionRewards()
	}
	if cfg.CompletionRatio <= 0 || cfg.CompletionRatio > 1 {
		cfg.CompletionRatio = DefaultCompletionRatio
	}
	if cfg.PayoutInterval <= 0 {
		cfg.PayoutInterval = DefaultPayoutInterval
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if cfg.SessionSweepInterval <= 0 {
		cfg.SessionSweepInterval = DefaultSessionSweepInterval
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = earning.TickerScheduler{}
	}

	return &Service{
		repo:         deps.Repo,
		ledger:       deps.Ledger,
		segments:     deps.Segments,
		achievements: deps.Achievements,
		streaks:      deps.Streaks,
		payouts:      deps.Payouts,
		sched:        deps.Scheduler,
		logger:       deps.Logger,
		cfg:          cfg,
		now:          time.Now,
		sessions:     make(map[int64]*session),
	}, nil
}

// Close останавливает все сессии, переносит накопленное в кошельки, дописывает прогресс и закрывает репозиторий.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	sessions := make(map[int64]*session, len(s.sessions))
	for id, sess := range s.sessions {
		sessions[id] = sess
	}
	s.mu.Unlock()

	for userID, sess := range sessions {
		if _, err := sess.acc.Pause(ctx); err != nil {
			s.logger.Error("flush on shutdown failed", zap.Int64("userID", userID), zap.Error(err))
		}
	}

	if err := s.segments.Sync(ctx); err != nil {
		s.logger.Error("sync watch progress on shutdown failed", zap.Error(err))
	}

	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ledgerSink переносит кредиты сессии в кошелёк и учитывает их в прогрессе текущего элемента.
type ledgerSink struct {
	svc  *Service
	sess *session
}

func (k ledgerSink) Deposit(ctx context.Context, userID int64, amount int64) error {
	res, err := k.svc.ledger.Credit(ctx, userID, amount, model.ReasonWatch, "")
	if err != nil {
		return err
	}
	if !res.Applied() {
		return fmt.Errorf("watch credit not applied: %s", res.Outcome)
	}

	if contentID := k.sess.content(); contentID != "" {
		if err := k.svc.segments.AddCredits(ctx, userID, contentID, amount); err != nil {
			k.svc.logger.Warn("record credits on watch progress failed",
				zap.Int64("userID", userID), zap.String("contentID", contentID), zap.Error(err))
		}
	}
	return nil
}

// sessionFor возвращает сессию пользователя, создавая её с множителем его тарифа.
func (s *Service) sessionFor(ctx context.Context, userID int64) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if ok {
		sess.lastUsed = s.now()
	}
	s.mu.Unlock()
	if ok {
		return sess, nil
	}

	tier, err := s.tierFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	sess = &session{}
	acc, err := earning.NewAccumulator(userID, earning.Config{
		BaseRate:     s.cfg.BaseRate,
		TickInterval: s.cfg.TickInterval,
		Speeds:       s.cfg.Speeds,
	}, ledgerSink{svc: s, sess: sess}, s.sched)
	if err != nil {
		return nil, fmt.Errorf("create accumulator: %w", err)
	}
	acc.SetTierMultiplier(tier.BaseMultiplier)
	sess.acc = acc

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[userID]; ok {
		existing.lastUsed = s.now()
		return existing, nil
	}
	sess.lastUsed = s.now()
	s.sessions[userID] = sess
	return sess, nil
}

// SweepIdleSessions закрывает сессии, к которым не обращались дольше idle, и возвращает их число.
// Целые кредиты сессии переносятся в кошелёк, дробный остаток меньше кредита отбрасывается.
// Сессия, перенос из которой не удался, возвращается в таблицу.
func (s *Service) SweepIdleSessions(ctx context.Context, idle time.Duration) int {
	cutoff := s.now().Add(-idle)

	stale := make(map[int64]*session)
	s.mu.Lock()
	for userID, sess := range s.sessions {
		if sess.lastUsed.Before(cutoff) {
			stale[userID] = sess
			delete(s.sessions, userID)
		}
	}
	s.mu.Unlock()

	evicted := 0
	for userID, sess := range stale {
		if _, err := sess.acc.Pause(ctx); err != nil {
			s.logger.Warn("flush idle session failed, kept",
				zap.Int64("userID", userID), zap.Error(err))
			s.mu.Lock()
			if _, ok := s.sessions[userID]; !ok {
				sess.lastUsed = s.now()
				s.sessions[userID] = sess
			}
			s.mu.Unlock()
			continue
		}
		evicted++
	}

	if evicted > 0 {
		s.logger.Debug("idle watch sessions evicted", zap.Int("count", evicted))
	}
	return evicted
}

// StartSessionSweep запускает фоновое закрытие простаивающих сессий.
func (s *Service) StartSessionSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SessionSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepIdleSessions(ctx, s.cfg.SessionIdleTimeout)
			}
		}
	}()
}

// ActiveSessions возвращает число сессий просмотра в памяти.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) existingSession(userID int64) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	return sess, ok
}

// tierFor возвращает тариф пользователя. Без подписки или при замороженной подписке действует бесплатный тариф.
func (s *Service) tierFor(ctx context.Context, userID int64) (model.Tier, error) {
	tierID := repository.DefaultTierID

	sub, err := s.repo.GetSubscriptionByUser(ctx, userID)
	switch {
	case err == nil:
		if sub.Status != model.SubscriptionFrozen {
			tierID = sub.TierID
		}
	case errors.Is(err, errs.ErrNotFound):
	default:
		return model.Tier{}, fmt.Errorf("get subscription: %w", err)
	}

	tier, err := s.repo.GetTier(ctx, tierID)
	if err != nil {
		return model.Tier{}, fmt.Errorf("get tier %q: %w", tierID, err)
	}
	return tier, nil
}
