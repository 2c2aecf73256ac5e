// Package model содержит доменные сущности реферальной системы.
package model

import "time"

// User представляет зарегистрированного пользователя.
type User struct {
	ID           int64
	Login        string
	Name         string
	Role         string
	ReferralCode string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Роли пользователей.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// ReferralStatus описывает статус реферальной записи.
type ReferralStatus string

const (
	// ReferralStatusPending зарезервирован под асинхронное подтверждение и сейчас не создаётся.
	ReferralStatusPending   ReferralStatus = "pending"
	ReferralStatusCompleted ReferralStatus = "completed"
)

// Referral описывает факт привлечения нового пользователя.
type Referral struct {
	ID             int64
	ReferrerID     int64
	ReferredID     int64
	ReferredName   string
	ReferredLogin  string
	Status         ReferralStatus
	RewardCredited bool
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// Summary содержит персональные реферальные данные пользователя.
type Summary struct {
	ReferralCode   string `json:"referral_code"`
	ReferralLink   string `json:"referral_link"`
	TotalReferrals int64  `json:"total_referrals"`
	CurrentBalance int64  `json:"current_balance"`
}

// LeaderboardEntry описывает позицию рейтинга привлечения.
type LeaderboardEntry struct {
	ReferrerID     int64  `json:"referrer_id"`
	Name           string `json:"name"`
	TotalReferrals int64  `json:"total_referrals"`
}
