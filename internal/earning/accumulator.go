package earning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTickInterval задаёт период начисления по умолчанию.
const DefaultTickInterval = 100 * time.Millisecond

// Scheduler запускает периодическую задачу и возвращает функцию её отмены.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (stop func())
}

// TickerScheduler реализует Scheduler на time.Ticker.
type TickerScheduler struct{}

// Every запускает fn каждые interval до вызова stop.
func (TickerScheduler) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Sink принимает целые кредиты, накопленные сессией.
type Sink interface {
	Deposit(ctx context.Context, userID int64, amount int64) error
}

// Config задаёт параметры начисления.
type Config struct {
	// BaseRate задаёт кредиты в секунду при скорости 1.0x.
	BaseRate     float64
	TickInterval time.Duration
	Speeds       *SpeedTable
}

// Accumulator ведёт сессию начисления одного пользователя.
// Начисление идёт по настенным часам, но не больше бюджета впервые просмотренных секунд.
type Accumulator struct {
	userID int64
	cfg    Config
	sink   Sink
	sched  Scheduler
	now    func() time.Time

	mu             sync.Mutex
	active         bool
	stop           func()
	lastTick       time.Time
	pending        decimal.Decimal
	rate           float64
	tierMultiplier float64
	budget         float64
}

// NewAccumulator создаёт остановленную сессию начисления.
func NewAccumulator(userID int64, cfg Config, sink Sink, sched Scheduler) (*Accumulator, error) {
	if cfg.BaseRate < 0 {
		return nil, fmt.Errorf("base rate must not be negative")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Speeds == nil {
		t, err := NewSpeedTable(DefaultBrackets())
		if err != nil {
			return nil, err
		}
		cfg.Speeds = t
	}
	if sched == nil {
		sched = TickerScheduler{}
	}

	return &Accumulator{
		userID:         userID,
		cfg:            cfg,
		sink:           sink,
		sched:          sched,
		now:            time.Now,
		pending:        decimal.Zero,
		rate:           1.0,
		tierMultiplier: 1.0,
	}, nil
}

// Start запускает периодическое начисление. Повторный вызов ничего не делает.
func (a *Accumulator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return
	}
	a.active = true
	a.lastTick = a.now()
	a.stop = a.sched.Every(a.cfg.TickInterval, a.tick)
}

// Pause останавливает начисление и переносит накопленные целые кредиты в кошелёк.
func (a *Accumulator) Pause(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		a.accrueLocked(a.now())
		a.active = false
		if a.stop != nil {
			a.stop()
			a.stop = nil
		}
	}

	return a.flushLocked(ctx)
}

// Flush переносит целую часть накопленного в кошелёк, дробный остаток остаётся в сессии.
func (a *Accumulator) Flush(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		a.accrueLocked(a.now())
	}
	return a.flushLocked(ctx)
}

// Grant добавляет к бюджету впервые просмотренные секунды.
func (a *Accumulator) Grant(seconds float64) {
	if seconds <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budget += seconds
}

// SetPlaybackRate меняет скорость воспроизведения; уже прошедшее время начисляется по старой скорости.
func (a *Accumulator) SetPlaybackRate(rate float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		a.accrueLocked(a.now())
	}
	a.rate = rate
}

// SetTierMultiplier задаёт множитель тарифа подписки.
func (a *Accumulator) SetTierMultiplier(m float64) {
	if m < 0 {
		m = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		a.accrueLocked(a.now())
	}
	a.tierMultiplier = m
}

// Active сообщает, идёт ли начисление.
func (a *Accumulator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Pending возвращает ещё не перенесённые в кошелёк кредиты.
func (a *Accumulator) Pending() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// SpeedMultiplier возвращает множитель текущей скорости воспроизведения.
func (a *Accumulator) SpeedMultiplier() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Speeds.Multiplier(a.rate)
}

func (a *Accumulator) tick() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		a.accrueLocked(a.now())
	}
}

func (a *Accumulator) accrueLocked(now time.Time) {
	elapsed := now.Sub(a.lastTick).Seconds()
	a.lastTick = now
	if elapsed <= 0 || a.budget <= 0 {
		return
	}

	seconds := elapsed
	if seconds > a.budget {
		seconds = a.budget
	}
	a.budget -= seconds

	earned := decimal.NewFromFloat(seconds).
		Mul(decimal.NewFromFloat(a.cfg.BaseRate)).
		Mul(decimal.NewFromFloat(a.cfg.Speeds.Multiplier(a.rate))).
		Mul(decimal.NewFromFloat(a.tierMultiplier))
	if earned.IsPositive() {
		a.pending = a.pending.Add(earned)
	}
}

func (a *Accumulator) flushLocked(ctx context.Context) (int64, error) {
	whole := a.pending.Truncate(0)
	amount := whole.IntPart()
	if amount <= 0 {
		return 0, nil
	}

	if err := a.sink.Deposit(ctx, a.userID, amount); err != nil {
		return 0, fmt.Errorf("deposit earned credits: %w", err)
	}

	a.pending = a.pending.Sub(whole)
	return amount, nil
}
