// Package handler содержит HTTP-обработчики API движка Attention-Credit.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/attention-credit/internal/achievement"
	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/middleware"
	"github.com/mmeshcher/attention-credit/internal/model"
	"github.com/mmeshcher/attention-credit/internal/service"
	"github.com/mmeshcher/attention-credit/internal/streak"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ReportWatch(ctx context.Context, userID int64, contentID string, start, end, duration float64) (service.WatchResult, error)
	PauseWatch(ctx context.Context, userID int64) (int64, error)
	ResumePosition(ctx context.Context, userID int64, contentID string) (float64, error)
	ReportPlaybackRateChange(ctx context.Context, userID int64, rate float64) (float64, error)
	ReportInteraction(ctx context.Context, userID int64, kind service.InteractionKind, contentID string) (service.InteractionResult, error)
	Touch(ctx context.Context, userID int64) (streak.TouchResult, error)
	Snapshot(ctx context.Context, userID int64) (service.Snapshot, error)
	Achievements(ctx context.Context, userID int64) ([]achievement.Status, error)
	RequestWithdrawal(ctx context.Context, userID, amount int64) (model.Withdrawal, error)
	Withdrawals(ctx context.Context, userID int64) ([]model.Withdrawal, error)
	Unfreeze(ctx context.Context, userID int64) error
}

// Handler реализует HTTP-обработчики API движка.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Пустой adminToken отключает административные маршруты.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminToken:     adminToken,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return userID, ok
}

type achievementResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Requirement string  `json:"requirement"`
	Count       int64   `json:"count"`
	Reward      int64   `json:"reward"`
	Rarity      string  `json:"rarity,omitempty"`
	Progress    int64   `json:"progress"`
	UnlockedAt  *string `json:"unlocked_at,omitempty"`
}

func toAchievementResponse(a model.Achievement, progress int64, unlockedAt *time.Time) achievementResponse {
	resp := achievementResponse{
		ID:          a.ID,
		Name:        a.Name,
		Requirement: string(a.RequirementType),
		Count:       a.RequirementCount,
		Reward:      a.Reward,
		Rarity:      a.Rarity,
		Progress:    progress,
	}
	if unlockedAt != nil {
		s := unlockedAt.Format(time.RFC3339)
		resp.UnlockedAt = &s
	}
	return resp
}

func unlockedResponse(list []model.Achievement) []achievementResponse {
	resp := make([]achievementResponse, 0, len(list))
	for _, a := range list {
		resp = append(resp, toAchievementResponse(a, a.RequirementCount, nil))
	}
	return resp
}

type watchRequest struct {
	ContentID string  `json:"content_id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Duration  float64 `json:"duration"`
}

type watchResponse struct {
	NewlyWatched float64               `json:"newly_watched"`
	TotalWatched float64               `json:"total_watched"`
	Completed    bool                  `json:"completed"`
	Unlocked     []achievementResponse `json:"unlocked"`
}

// ReportWatch принимает отчёт плеера о просмотренном интервале.
func (h *Handler) ReportWatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req watchRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ReportWatch(r.Context(), userID, req.ContentID, req.Start, req.End, req.Duration)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("report watch error", zap.Error(err), zap.Int64("userID", userID), zap.String("contentID", req.ContentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, watchResponse{
		NewlyWatched: res.NewlyWatched,
		TotalWatched: res.TotalWatched,
		Completed:    res.Completed,
		Unlocked:     unlockedResponse(res.Unlocked),
	})
}

// PauseWatch останавливает начисление и переносит накопленное в кошелёк.
func (h *Handler) PauseWatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	flushed, err := h.service.PauseWatch(r.Context(), userID)
	if err != nil {
		h.logger.Error("pause watch error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"flushed": flushed})
}

// ResumePosition возвращает позицию продолжения просмотра элемента.
func (h *Handler) ResumePosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	contentID := chi.URLParam(r, "contentID")
	pos, err := h.service.ResumePosition(r.Context(), userID, contentID)
	if err != nil {
		h.logger.Error("resume position error", zap.Error(err), zap.Int64("userID", userID), zap.String("contentID", contentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]float64{"position": pos})
}

type playbackRateRequest struct {
	Rate float64 `json:"rate"`
}

// PlaybackRate принимает смену скорости воспроизведения.
func (h *Handler) PlaybackRate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req playbackRateRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	mult, err := h.service.ReportPlaybackRateChange(r.Context(), userID, req.Rate)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("playback rate error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]float64{"speed_multiplier": mult})
}

type interactionRequest struct {
	Kind      string `json:"kind"`
	ContentID string `json:"content_id"`
}

type interactionResponse struct {
	Reward    int64                 `json:"reward"`
	Duplicate bool                  `json:"duplicate"`
	Unlocked  []achievementResponse `json:"unlocked"`
}

// ReportInteraction принимает действие пользователя с контентом.
func (h *Handler) ReportInteraction(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req interactionRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ReportInteraction(r.Context(), userID, service.InteractionKind(req.Kind), req.ContentID)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("report interaction error", zap.Error(err), zap.Int64("userID", userID), zap.String("kind", req.Kind))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, interactionResponse{
		Reward:    res.Reward,
		Duplicate: res.Duplicate,
		Unlocked:  unlockedResponse(res.Unlocked),
	})
}

type streakResponse struct {
	CurrentStreak   int    `json:"current_streak"`
	LongestStreak   int    `json:"longest_streak"`
	MilestoneReward *int64 `json:"milestone_reward,omitempty"`
}

// TouchStreak отмечает активность пользователя.
func (h *Handler) TouchStreak(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	res, err := h.service.Touch(r.Context(), userID)
	if err != nil {
		h.logger.Error("touch streak error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := streakResponse{
		CurrentStreak: res.Streak.CurrentStreak,
		LongestStreak: res.Streak.LongestStreak,
	}
	if res.Milestone != nil {
		reward := res.Milestone.Reward
		resp.MilestoneReward = &reward
	}
	writeJSON(w, http.StatusOK, resp)
}

type subscriptionResponse struct {
	Tier                    string `json:"tier"`
	Status                  string `json:"status"`
	NextDeductionAt         string `json:"next_deduction_at"`
	SecondsUntilNextPayment int64  `json:"seconds_until_next_payment"`
	ConsecutiveFailed       int    `json:"consecutive_failed"`
}

type balanceResponse struct {
	Balance              int64                 `json:"balance"`
	Withdrawable         int64                 `json:"withdrawable"`
	LifetimeEarned       int64                 `json:"lifetime_earned"`
	LifetimeWithdrawn    int64                 `json:"lifetime_withdrawn"`
	PendingCredits       float64               `json:"pending_credits"`
	Frozen               bool                  `json:"frozen"`
	FreezeReason         string                `json:"freeze_reason,omitempty"`
	TrustState           string                `json:"trust_state"`
	TrustFraction        float64               `json:"trust_fraction"`
	UPSPercent           float64               `json:"ups_percent"`
	CurrentStreak        int                   `json:"current_streak"`
	LongestStreak        int                   `json:"longest_streak"`
	AchievementsUnlocked int                   `json:"achievements_unlocked"`
	AchievementsTotal    int                   `json:"achievements_total"`
	Tier                 string                `json:"tier"`
	MinWithdrawal        int64                 `json:"min_withdrawal"`
	WithdrawalFeePercent float64               `json:"withdrawal_fee_percent"`
	Subscription         *subscriptionResponse `json:"subscription,omitempty"`
}

// GetBalance возвращает снимок кошелька текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	snap, err := h.service.Snapshot(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := balanceResponse{
		Balance:              snap.Balance,
		Withdrawable:         snap.Withdrawable,
		LifetimeEarned:       snap.LifetimeEarned,
		LifetimeWithdrawn:    snap.LifetimeWithdrawn,
		PendingCredits:       snap.PendingCredits,
		Frozen:               snap.Frozen,
		FreezeReason:         snap.FreezeReason,
		TrustState:           string(snap.TrustState),
		TrustFraction:        snap.TrustFraction,
		UPSPercent:           snap.UPSPercent,
		CurrentStreak:        snap.CurrentStreak,
		LongestStreak:        snap.LongestStreak,
		AchievementsUnlocked: snap.AchievementsUnlocked,
		AchievementsTotal:    snap.AchievementsTotal,
		Tier:                 snap.Tier.ID,
		MinWithdrawal:        snap.Tier.MinWithdrawal,
		WithdrawalFeePercent: snap.Tier.WithdrawalFeePercent,
	}
	if sub := snap.Subscription; sub != nil {
		resp.Subscription = &subscriptionResponse{
			Tier:                    sub.TierID,
			Status:                  string(sub.Status),
			NextDeductionAt:         sub.NextDeductionAt.Format(time.RFC3339),
			SecondsUntilNextPayment: sub.SecondsUntilNextPayment,
			ConsecutiveFailed:       sub.ConsecutiveFailed,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetAchievements возвращает каталог достижений с прогрессом пользователя.
func (h *Handler) GetAchievements(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	list, err := h.service.Achievements(r.Context(), userID)
	if err != nil {
		h.logger.Error("get achievements error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]achievementResponse, 0, len(list))
	for _, st := range list {
		resp = append(resp, toAchievementResponse(st.Achievement, st.Progress, st.UnlockedAt))
	}
	writeJSON(w, http.StatusOK, resp)
}

type withdrawRequest struct {
	Amount int64 `json:"amount"`
}

type withdrawalResponse struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"`
	Net       int64  `json:"net"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func toWithdrawalResponse(wd model.Withdrawal) withdrawalResponse {
	return withdrawalResponse{
		ID:        wd.ID.String(),
		Amount:    wd.Amount,
		Fee:       wd.Fee,
		Net:       wd.Net,
		Status:    string(wd.Status),
		CreatedAt: wd.CreatedAt.Format(time.RFC3339),
	}
}

// Withdraw создаёт заявку на вывод для текущего пользователя.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	wd, err := h.service.RequestWithdrawal(r.Context(), userID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, errs.ErrInsufficientFunds):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		case errors.Is(err, errs.ErrWithdrawalFrozen):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, errs.ErrBelowMinimum), errors.Is(err, errs.ErrExceedsWithdrawable):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("withdraw error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("amount", req.Amount))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toWithdrawalResponse(wd))
}

// GetWithdrawals возвращает историю выводов текущего пользователя.
func (h *Handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	withdrawals, err := h.service.Withdrawals(r.Context(), userID)
	if err != nil {
		h.logger.Error("get withdrawals error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(withdrawals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]withdrawalResponse, 0, len(withdrawals))
	for _, wd := range withdrawals {
		resp = append(resp, toWithdrawalResponse(wd))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Unfreeze снимает заморозку вывода с кошелька пользователя.
func (h *Handler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.Unfreeze(r.Context(), userID); err != nil {
		h.logger.Error("unfreeze error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.logger.Info("wallet unfrozen by admin", zap.Int64("userID", userID))
	w.WriteHeader(http.StatusOK)
}
