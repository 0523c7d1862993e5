package repository

import "github.com/mmeshcher/attention-credit/internal/model"

// DefaultTierID задаёт тариф пользователей без подписки.
const DefaultTierID = "free"

// DefaultTiers возвращает каталог тарифов; совпадает с начальными данными миграции.
func DefaultTiers() []model.Tier {
	return []model.Tier{
		{ID: DefaultTierID, Name: "Free", MonthlyFee: 0, BaseMultiplier: 1.0, WithdrawalFeePercent: 10, MinWithdrawal: 1000},
		{ID: "plus", Name: "Plus", MonthlyFee: 100, BaseMultiplier: 1.25, WithdrawalFeePercent: 5, MinWithdrawal: 500},
		{ID: "pro", Name: "Pro", MonthlyFee: 300, BaseMultiplier: 1.5, WithdrawalFeePercent: 2, MinWithdrawal: 200},
	}
}

// DefaultAchievements возвращает каталог достижений; совпадает с начальными данными миграции.
func DefaultAchievements() []model.Achievement {
	return []model.Achievement{
		{ID: "first_watch", Name: "First Watch", RequirementType: model.RequirementVideosWatched, RequirementCount: 1, Reward: 10, Rarity: "common"},
		{ID: "binge_50", Name: "Binge Watcher", RequirementType: model.RequirementVideosWatched, RequirementCount: 50, Reward: 200, Rarity: "rare"},
		{ID: "first_like", Name: "First Like", RequirementType: model.RequirementLikes, RequirementCount: 1, Reward: 5, Rarity: "common"},
		{ID: "likes_100", Name: "Generous", RequirementType: model.RequirementLikes, RequirementCount: 100, Reward: 100, Rarity: "rare"},
		{ID: "collector_25", Name: "Collector", RequirementType: model.RequirementSaves, RequirementCount: 25, Reward: 50, Rarity: "uncommon"},
		{ID: "commenter_10", Name: "Conversationalist", RequirementType: model.RequirementComments, RequirementCount: 10, Reward: 30, Rarity: "common"},
		{ID: "creator_1", Name: "Creator", RequirementType: model.RequirementPosts, RequirementCount: 1, Reward: 25, Rarity: "common"},
		{ID: "sharer_10", Name: "Spreader", RequirementType: model.RequirementShares, RequirementCount: 10, Reward: 40, Rarity: "uncommon"},
		{ID: "streak_7", Name: "Week Streak", RequirementType: model.RequirementStreakDays, RequirementCount: 7, Reward: 70, Rarity: "uncommon"},
		{ID: "streak_30", Name: "Month Streak", RequirementType: model.RequirementStreakDays, RequirementCount: 30, Reward: 300, Rarity: "epic"},
	}
}
