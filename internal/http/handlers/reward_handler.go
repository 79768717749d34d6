// Reward HTTP handlers.
//
// This file exposes the REST endpoints for reading reward state:
//   - GET /rewards                (current profile summary)
//   - GET /rewards/transactions   (paginated ledger, newest first)
//
// Handlers in this file are transport-thin: they delegate to the reward
// service and translate results into HTTP responses. All reward mutation
// happens inside POST /chat; these endpoints never write.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nlamprou/go-chat-rewards/internal/domain"
)

// RewardSummaryResponse is the JSON envelope for the current reward state.
type RewardSummaryResponse struct {
	Points          int        `json:"points"`
	Streak          int        `json:"streak"`
	TotalMessages   int        `json:"total_messages"`
	LastMessageDate *time.Time `json:"last_message_date,omitempty"`
}

// ListRewardTransactionsResponse wraps a page of ledger entries and
// pagination information.
type ListRewardTransactionsResponse struct {
	Transactions []domain.RewardTransaction `json:"transactions"`
	Pagination   Pagination                 `json:"pagination"`
}

// GetRewards handles GET /rewards. It returns the current user's points,
// streak, and message count, provisioning an empty profile on first read.
func (h *Handlers) GetRewards(c *gin.Context) {
	p, err := h.rwdSvc.Summary(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, RewardSummaryResponse{
		Points:          p.RewardPoints,
		Streak:          p.DailyStreak,
		TotalMessages:   p.TotalMessages,
		LastMessageDate: p.LastMessageDate,
	})
}

// ListRewardTransactions handles GET /rewards/transactions. It returns a page
// of the user's ledger, newest first.
func (h *Handlers) ListRewardTransactions(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.rwdSvc.TransactionsPage(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, ListRewardTransactionsResponse{
		Transactions: items,
		Pagination:   paginationFor(page, pageSize, total),
	})
}
