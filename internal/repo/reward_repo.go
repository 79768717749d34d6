// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// RewardTransaction ledger.
//
// The ledger is append-only: rows are created when an accrual yields a
// non-zero net delta and are never updated or deleted. Reads are scoped to a
// user and ordered newest first.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nlamprou/go-chat-rewards/internal/domain"
)

// CreateRewardTransaction appends one ledger entry for userID.
//
// delta is the signed balance change; kind is one of "message", "streak",
// "boost" (validated upstream by the rewards package and a DB check
// constraint). On success, it returns the persisted row.
func CreateRewardTransaction(ctx context.Context, db *gorm.DB, userID string, delta int, kind, description string) (*domain.RewardTransaction, error) {
	tx := &domain.RewardTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Delta:       delta,
		Kind:        kind,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(tx).Error; err != nil {
		return nil, err
	}
	return tx, nil
}

// CountRewardTransactions returns the total ledger entries for userID.
func CountRewardTransactions(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.RewardTransaction{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListRewardTransactionsPage returns a page of the user's ledger, newest
// first, with a deterministic tie-break on ID.
func ListRewardTransactionsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.RewardTransaction, error) {
	var out []domain.RewardTransaction
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
