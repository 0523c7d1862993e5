// Package model содержит доменные сущности движка Attention-Credit.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Reason описывает бизнес-причину операции с кошельком.
type Reason string

const (
	ReasonWatch        Reason = "watch"
	ReasonInteraction  Reason = "interaction"
	ReasonAchievement  Reason = "achievement"
	ReasonStreak       Reason = "streak"
	ReasonWithdrawal   Reason = "withdrawal"
	ReasonSubscription Reason = "subscription"
)

// EntryType описывает сторону проводки в журнале.
type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// Wallet хранит авторитетное состояние баланса пользователя.
type Wallet struct {
	UserID            int64
	Balance           int64
	LifetimeEarned    int64
	LifetimeWithdrawn int64
	Frozen            bool
	FreezeReason      string
	Version           int64
	UpdatedAt         time.Time
}

// LedgerEntry описывает строку журнала операций. Строки только добавляются.
type LedgerEntry struct {
	ID           uuid.UUID
	UserID       int64
	Type         EntryType
	Reason       Reason
	Amount       int64
	BalanceAfter int64
	Reference    string
	CreatedAt    time.Time
}

// Segment описывает непрерывный просмотренный отрезок [Start, End] в секундах.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// WatchProgress хранит прогресс просмотра одного элемента контента.
type WatchProgress struct {
	UserID              int64     `json:"user_id"`
	ContentID           string    `json:"content_id"`
	LastPosition        float64   `json:"last_position"`
	Segments            []Segment `json:"segments"`
	TotalWatchedSeconds float64   `json:"total_watched_seconds"`
	CreditsEarned       int64     `json:"credits_earned"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// WatchHistoryRecord описывает постоянную запись о просмотре, одну на пару пользователь/контент.
type WatchHistoryRecord struct {
	UserID     int64
	ContentID  string
	DurationMs int64
	Completed  bool
	WatchedAt  time.Time
}

// RequirementType задаёт счётчик, по которому открываются достижения.
type RequirementType string

const (
	RequirementVideosWatched RequirementType = "videos_watched"
	RequirementLikes         RequirementType = "likes_given"
	RequirementSaves         RequirementType = "saves"
	RequirementComments      RequirementType = "comments"
	RequirementPosts         RequirementType = "posts"
	RequirementShares        RequirementType = "shares"
	RequirementStreakDays    RequirementType = "streak_days"
)

// Achievement описывает элемент каталога достижений.
type Achievement struct {
	ID               string
	Name             string
	RequirementType  RequirementType
	RequirementCount int64
	Reward           int64
	Rarity           string
}

// AchievementProgress хранит прогресс пользователя по одному достижению.
type AchievementProgress struct {
	UserID        int64
	AchievementID string
	Progress      int64
	UnlockedAt    *time.Time
}

// Unlocked сообщает, открыто ли достижение.
func (p AchievementProgress) Unlocked() bool {
	return p.UnlockedAt != nil
}

// Streak описывает непрерывную серию дней активности.
type Streak struct {
	UserID         int64
	CurrentStreak  int
	LongestStreak  int
	LastActiveDate *time.Time
}

// SubscriptionStatus описывает состояние подписки.
type SubscriptionStatus string

const (
	SubscriptionActive      SubscriptionStatus = "active"
	SubscriptionGracePeriod SubscriptionStatus = "grace_period"
	SubscriptionFrozen      SubscriptionStatus = "frozen"
)

// Tier описывает тарифный план подписки.
type Tier struct {
	ID                   string
	Name                 string
	MonthlyFee           int64
	BaseMultiplier       float64
	WithdrawalFeePercent float64
	MinWithdrawal        int64
}

// Subscription описывает подписку пользователя на тариф.
type Subscription struct {
	ID                  int64
	UserID              int64
	TierID              string
	Status              SubscriptionStatus
	NextDeductionAt     time.Time
	NextRetryAt         *time.Time
	ConsecutiveFailed   int
	LastDeductionAmount int64
	LastDeductionAt     *time.Time
	// AnchorDay задаёт день месяца, к которому привязан период; 0 означает день NextDeductionAt.
	AnchorDay int
}

// DueAt возвращает момент, начиная с которого подписка подлежит списанию.
func (s Subscription) DueAt() time.Time {
	if s.NextRetryAt != nil {
		return *s.NextRetryAt
	}
	return s.NextDeductionAt
}

// DeductionOutcome описывает результат попытки списания абонентской платы.
type DeductionOutcome string

const (
	DeductionSucceeded    DeductionOutcome = "succeeded"
	DeductionInsufficient DeductionOutcome = "insufficient_funds"
	DeductionDuplicate    DeductionOutcome = "already_settled"
)

// DeductionRecord описывает строку аудита попытки списания.
type DeductionRecord struct {
	ID             uuid.UUID
	SubscriptionID int64
	UserID         int64
	PeriodStart    time.Time
	AmountDue      int64
	AmountDeducted int64
	BalanceBefore  int64
	BalanceAfter   int64
	Outcome        DeductionOutcome
	AttemptedAt    time.Time
}

// WithdrawalStatus описывает статус выплаты.
type WithdrawalStatus string

const (
	WithdrawalNew        WithdrawalStatus = "NEW"
	WithdrawalProcessing WithdrawalStatus = "PROCESSING"
	WithdrawalPaid       WithdrawalStatus = "PAID"
	WithdrawalFailed     WithdrawalStatus = "FAILED"
)

// Withdrawal описывает факт вывода средств с кошелька.
type Withdrawal struct {
	ID        uuid.UUID
	UserID    int64
	Amount    int64
	Fee       int64
	Net       int64
	Status    WithdrawalStatus
	CreatedAt time.Time
}
