// Chat turn HTTP handler.
//
// This file exposes the main chat endpoint:
//   - POST /chat   (send a message sequence, get an assistant reply plus reward state)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to application services (TurnService)
//   - implement idempotency semantics for safe retries
//
// Idempotency:
// If the client supplies an Idempotency-Key header together with an existing
// conversationId, and a previous successful result exists for
// (user, conversation, key), the handler returns the recorded assistant reply
// with zero reward deltas, the current totals, and sets
// `Idempotency-Replayed: true`. Keys on requests without a conversationId are
// ignored: there is no stable scope to record them under.
package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nlamprou/go-chat-rewards/internal/llm"
	"github.com/nlamprou/go-chat-rewards/internal/repo"
	"github.com/nlamprou/go-chat-rewards/internal/rewards"
	"github.com/nlamprou/go-chat-rewards/internal/services"
)

//
// DTOs
//

// ChatMessage is one element of the request's message sequence.
type ChatMessage struct {
	// Role is "user" or "assistant".
	Role string `json:"role" binding:"required,oneof=user assistant" example:"user"`
	// Content is the message text.
	Content string `json:"content" binding:"required" example:"What should I cook tonight?"`
}

// ChatRequest is the JSON payload for one chat turn.
type ChatRequest struct {
	// Messages is the role-tagged history, ending with the user's new prompt.
	Messages []ChatMessage `json:"messages" binding:"required,min=1"`
	// ConversationID targets an existing conversation; empty starts a new one.
	ConversationID string `json:"conversationId"`
	// Boost spends points for a longer response.
	Boost bool `json:"boost"`
}

// ChatResponse is the JSON envelope for a completed chat turn. The reward
// fields reflect the accrual computed for this turn; TotalPoints is the
// resulting balance.
type ChatResponse struct {
	Response       string `json:"response"`
	TokensUsed     int    `json:"tokensUsed"`
	ResponseTime   int64  `json:"responseTime"` // milliseconds
	PointsEarned   int    `json:"pointsEarned"`
	PointsSpent    int    `json:"pointsSpent"`
	NewStreak      int    `json:"newStreak"`
	TotalPoints    int    `json:"totalPoints"`
	ConversationID string `json:"conversationId,omitempty"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxPromptRunes inspects the concrete TurnService for a configured
// prompt-length limit. If unavailable, it returns a conservative fallback.
func discoverMaxPromptRunes(turnSvc TurnService) int {
	const fallback = 4000
	if ts, ok := turnSvc.(*services.TurnService); ok {
		if ts.MaxPromptRunes > 0 {
			return ts.MaxPromptRunes
		}
	}
	return fallback
}

// turnDB exposes the concrete service's DB handle for idempotency reads and
// writes; nil when the handler runs against a fake service.
func turnDB(turnSvc TurnService) *gorm.DB {
	if ts, ok := turnSvc.(*services.TurnService); ok {
		return ts.DB
	}
	return nil
}

// middlewareGetIdempotencyKey extracts an idempotency key if an upstream
// middleware has already validated/stashed it. The fallback behavior reads
// the "Idempotency-Key" header directly when no dedicated middleware exists.
func middlewareGetIdempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}

//
// Handler
//

// Chat handles POST /chat. It validates the message sequence, runs the reward
// accrual and generation through TurnService, and returns the assistant reply
// together with the reward outcome for this turn.
func (h *Handlers) Chat(c *gin.Context) {
	ctx := c.Request.Context()

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "messages required: non-empty array of {role, content}")
		return
	}
	if req.ConversationID != "" {
		if _, err := uuid.Parse(req.ConversationID); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversationId must be a UUID")
			return
		}
	}

	// Sanitize the new prompt + early size cap to fail fast at the edge.
	turns := make([]llm.Turn, 0, len(req.Messages))
	for _, m := range req.Messages {
		turns = append(turns, llm.Turn{Role: m.Role, Content: m.Content})
	}
	last := sanitizeContent(turns[len(turns)-1].Content)
	turns[len(turns)-1].Content = last

	maxRunes := discoverMaxPromptRunes(h.turnSvc)
	if maxRunes > 0 && utf8.RuneCountInString(last) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}
	if last == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middlewareGetIdempotencyKey(c)
	if idemKey != "" && req.ConversationID != "" {
		if db := turnDB(h.turnSvc); db != nil {
			if rec, err := repo.GetIdempotency(ctx, db, currentUser, req.ConversationID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetMessage(db, rec.MessageID); err2 == nil {
					resp := ChatResponse{
						Response:       prev.Content,
						ConversationID: prev.ConversationID,
					}
					if prev.TokensUsed != nil {
						resp.TokensUsed = *prev.TokensUsed
					}
					// The original turn already accrued; replays carry zero
					// deltas and the current totals.
					if p, perr := repo.GetProfile(ctx, db, currentUser); perr == nil {
						resp.NewStreak = p.DailyStreak
						resp.TotalPoints = p.RewardPoints
					}
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, resp)
					return
				}
			}
		}
	}

	// Normal processing (service has a second guard for validation).
	res, err := h.turnSvc.Answer(ctx, services.TurnInput{
		UserID:         currentUser,
		ConversationID: req.ConversationID,
		Boost:          req.Boost,
		Messages:       turns,
	})
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		case services.ErrEmptyPrompt, services.ErrNoMessages, services.ErrLastNotUser:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "messages must end with a non-empty user message")
		case rewards.ErrInsufficientPoints:
			fail(c, http.StatusBadRequest, ErrCodeInsufficientPoints, "not enough points to boost this response")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeAnswerFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort. Only persisted turns can be
	// replayed, so skip when the assistant message did not survive.
	if idemKey != "" && res.ConversationID != "" && res.AssistantMessageID != "" {
		if db := turnDB(h.turnSvc); db != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, db, currentUser, res.ConversationID, idemKey, res.AssistantMessageID, http.StatusOK, ttl)
		}
	}

	ok(c, http.StatusOK, ChatResponse{
		Response:       res.Response,
		TokensUsed:     res.TokensUsed,
		ResponseTime:   res.ResponseTime.Milliseconds(),
		PointsEarned:   res.PointsEarned,
		PointsSpent:    res.PointsSpent,
		NewStreak:      res.NewStreak,
		TotalPoints:    res.TotalPoints,
		ConversationID: res.ConversationID,
	})
}
