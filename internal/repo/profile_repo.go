// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Profile
// model holding per-user reward state.
//
// The profile row is updated by a plain read-modify-write once per chat
// interaction. There is deliberately no optimistic-concurrency check on the
// row: concurrent interactions from the same user can race each other, and
// the last writer wins. Idempotency keys (see idempotency.go) are the
// mechanism offered to clients for safe retries.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/nlamprou/go-chat-rewards/internal/domain"
)

// GetProfile fetches the reward profile for userID, or ErrNotFound.
func GetProfile(ctx context.Context, db *gorm.DB, userID string) (*domain.Profile, error) {
	var p domain.Profile
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOrCreateProfile fetches the profile for userID, provisioning a zeroed
// row when none exists yet. Provisioning happens here, never inside the
// accrual computation.
func GetOrCreateProfile(ctx context.Context, db *gorm.DB, userID string) (*domain.Profile, error) {
	p, err := GetProfile(ctx, db, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := &domain.Profile{
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if cerr := db.WithContext(ctx).Create(fresh).Error; cerr != nil {
		// A concurrent request may have provisioned the row first; re-read.
		if p, rerr := GetProfile(ctx, db, userID); rerr == nil {
			return p, nil
		}
		return nil, cerr
	}
	return fresh, nil
}

// UpdateProfileRewards writes the post-accrual field set for userID in one
// UPDATE. It returns ErrNotFound when the profile row is missing.
func UpdateProfileRewards(ctx context.Context, db *gorm.DB, userID string, points, streak, totalMessages int, lastMessageDate time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Profile{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"reward_points":     points,
			"daily_streak":      streak,
			"total_messages":    totalMessages,
			"last_message_date": lastMessageDate,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
