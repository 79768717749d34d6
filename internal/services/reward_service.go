// Package services – RewardService
//
// This file implements RewardService, the read side of the reward system. It
// exposes the current profile summary (points, streak, message count) and the
// paginated transaction ledger. All mutation of reward state happens in
// TurnService as part of a chat turn; this service never writes except to
// provision an empty profile on first read.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/nlamprou/go-chat-rewards/internal/domain"
	"github.com/nlamprou/go-chat-rewards/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RewardService reads reward profiles and the transaction ledger.
type RewardService struct {
	DB *gorm.DB
}

// Summary returns the reward profile for userID, provisioning a zeroed row
// when the user has no profile yet so that first-time reads succeed.
func (s *RewardService) Summary(ctx context.Context, userID string) (*domain.Profile, error) {
	tr := otel.Tracer("services/RewardService")
	ctx, span := tr.Start(ctx, "Summary",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	return repo.GetOrCreateProfile(ctx, s.DB, userID)
}

// TransactionsPage returns one page of the user's ledger, newest first,
// together with the total entry count.
func (s *RewardService) TransactionsPage(ctx context.Context, userID string, page, pageSize int) ([]domain.RewardTransaction, int64, error) {
	tr := otel.Tracer("services/RewardService")
	ctx, span := tr.Start(ctx, "TransactionsPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountRewardTransactions(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.RewardTransaction{}, 0, nil
	}

	items, err := repo.ListRewardTransactionsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}
