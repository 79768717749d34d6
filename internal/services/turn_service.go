// Package services – TurnService
//
// This file implements TurnService, the application-level component that owns
// one chat turn end to end. It validates the incoming message sequence,
// resolves or creates the target conversation, runs the reward accrual over a
// snapshot of the user's profile, calls the generative language API, and
// persists the user/assistant message pair together with the profile update
// and ledger entry.
//
// Persistence after a successful generation is best effort: a failure to
// store messages, the profile update, or the ledger entry is logged and the
// generated reply is still returned to the caller. The reward check that can
// reject a request (insufficient points for a boost) runs before any external
// call or write.
//
// Optional enhancement: it also auto-generates a conversation title from the
// first user prompt when the conversation still has a default/empty title.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// conversation/user identifiers and the boost flag.

package services

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/nlamprou/go-chat-rewards/internal/domain"
	"github.com/nlamprou/go-chat-rewards/internal/llm"
	"github.com/nlamprou/go-chat-rewards/internal/repo"
	"github.com/nlamprou/go-chat-rewards/internal/rewards"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// default titles we consider “placeholder” and eligible for auto-generation
	defaultTitleNew      = "New conversation"
	defaultTitleUntitled = "Untitled"
)

// Generator abstracts the generative language client so tests can substitute
// a fake.
type Generator interface {
	Generate(ctx context.Context, turns []llm.Turn, gen llm.GenerationConfig) (*llm.Reply, error)
}

// TurnService coordinates reward accrual, generation, and persistence for a
// single chat turn.
type TurnService struct {
	DB  *gorm.DB
	LLM Generator

	// Gen holds the default sampling parameters sent with every request.
	Gen llm.GenerationConfig
	// BoostMaxOutputTokens replaces Gen.MaxOutputTokens on boosted turns.
	BoostMaxOutputTokens int

	// Optional guards
	MaxPromptRunes int

	// Title generation config
	TitleLocale language.Tag
	TitleMaxLen int

	// Now returns the current time; tests override it to pin dates.
	Now func() time.Time
}

// TurnInput is one chat request after transport decoding.
type TurnInput struct {
	UserID         string
	ConversationID string // empty means "start a new conversation"
	Boost          bool
	Messages       []llm.Turn
}

// TurnResult is the outcome of a completed chat turn.
type TurnResult struct {
	ConversationID     string
	AssistantMessageID string
	Response           string
	TokensUsed         int
	ResponseTime       time.Duration

	PointsEarned int
	PointsSpent  int
	NewStreak    int
	TotalPoints  int
}

// Answer runs one chat turn: validate, accrue, generate, persist.
//
// Error cases before generation (validation, unknown conversation,
// insufficient points) leave no trace in the database. A generation failure
// is returned as-is. After a successful generation only logging happens on
// persistence errors; the reply always reaches the caller.
func (s *TurnService) Answer(ctx context.Context, in TurnInput) (*TurnResult, error) {
	tr := otel.Tracer("services/TurnService")
	ctx, span := tr.Start(ctx, "Answer",
		trace.WithAttributes(
			attribute.String("conversation.id", in.ConversationID),
			attribute.String("user.id", in.UserID),
			attribute.Bool("boost", in.Boost),
		),
	)
	defer span.End()

	prompt, err := s.validate(in.Messages)
	if err != nil {
		return nil, err
	}

	// Resolve the conversation up front so ownership failures precede any
	// reward mutation.
	var conv *domain.Conversation
	if in.ConversationID != "" {
		conv, err = repo.GetConversation(ctx, s.DB, in.ConversationID, in.UserID)
		if err != nil {
			return nil, ErrConversationNotFound
		}
	}

	profile, err := repo.GetOrCreateProfile(ctx, s.DB, in.UserID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	acc, err := rewards.Accrue(rewards.Snapshot{
		RewardPoints:    profile.RewardPoints,
		DailyStreak:     profile.DailyStreak,
		LastMessageDate: profile.LastMessageDate,
		TotalMessages:   profile.TotalMessages,
	}, now, in.Boost)
	if err != nil {
		return nil, err
	}

	gen := s.Gen
	if in.Boost && s.BoostMaxOutputTokens > 0 {
		gen.MaxOutputTokens = s.BoostMaxOutputTokens
	}

	start := s.now()
	reply, err := s.LLM.Generate(ctx, in.Messages, gen)
	if err != nil {
		return nil, err
	}
	elapsed := s.now().Sub(start)

	res := &TurnResult{
		Response:     reply.Text,
		TokensUsed:   reply.TokensUsed,
		ResponseTime: elapsed,
		PointsEarned: acc.PointsEarned,
		PointsSpent:  acc.PointsSpent,
		NewStreak:    acc.NewStreak,
		TotalPoints:  acc.NewPoints,
	}

	// Everything below is best effort: the reply is already in hand.
	txErr := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if conv == nil {
			created, cerr := repo.CreateConversation(ctx, tx, in.UserID, defaultTitleNew)
			if cerr != nil {
				return cerr
			}
			conv = created
		}

		if _, err := repo.CreateMessage(tx, conv.ID, domain.RoleUser, prompt, nil); err != nil {
			return err
		}
		tokens := reply.TokensUsed
		m, err := repo.CreateMessage(tx, conv.ID, domain.RoleAssistant, reply.Text, &tokens)
		if err != nil {
			return err
		}
		res.AssistantMessageID = m.ID

		if err := repo.UpdateProfileRewards(ctx, tx, in.UserID,
			acc.NewPoints, acc.NewStreak, acc.TotalMessages, acc.LastMessageDate); err != nil {
			return err
		}
		if d := acc.Ledger; d != nil {
			if _, err := repo.CreateRewardTransaction(ctx, tx, in.UserID, d.Delta, string(d.Kind), d.Description); err != nil {
				return err
			}
		}

		// Auto-title if placeholder
		if s.shouldAutoTitle(conv.Title) {
			if t := s.generateTitleFromPrompt(prompt); t != "" {
				t = s.clipTitle(t)
				if uerr := tx.Model(&domain.Conversation{}).Where("id = ?", conv.ID).Update("title", t).Error; uerr == nil {
					conv.Title = t
				}
			}
		}
		return nil
	})
	if txErr != nil {
		log.Error().
			Err(txErr).
			Str("user_id", in.UserID).
			Str("conversation_id", in.ConversationID).
			Msg("chat turn persistence failed; reply returned without stored state")
		// A conversation created inside the rolled-back transaction does not
		// exist; only echo an ID the client already knew about.
		res.ConversationID = in.ConversationID
		res.AssistantMessageID = ""
		return res, nil
	}
	res.ConversationID = conv.ID

	return res, nil
}

// validate checks the message sequence and returns the trimmed prompt (the
// content of the final user message).
func (s *TurnService) validate(msgs []llm.Turn) (string, error) {
	if len(msgs) == 0 {
		return "", ErrNoMessages
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleUser {
		return "", ErrLastNotUser
	}
	prompt := strings.TrimSpace(last.Content)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(prompt) > s.MaxPromptRunes {
		return "", ErrTooLong
	}
	return prompt, nil
}

func (s *TurnService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// shouldAutoTitle reports whether the current title is a placeholder.
func (s *TurnService) shouldAutoTitle(current string) bool {
	t := strings.TrimSpace(strings.ToLower(current))
	return t == "" || t == strings.ToLower(defaultTitleNew) || t == strings.ToLower(defaultTitleUntitled)
}

// generateTitleFromPrompt derives a concise title from the prompt.
func (s *TurnService) generateTitleFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	toks := titleWordRE.FindAllString(strings.ToLower(prompt), -1)
	if len(toks) == 0 {
		return ""
	}

	titleCaser := cases.Title(s.titleLocaleOrDefault())
	out := make([]string, 0, 8)

	for _, w := range toks {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, titleCaser.String(w))
		if len(out) >= 8 {
			break
		}
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, " ")
}

// clipTitle truncates a generated title to the configured maximum rune length.
func (s *TurnService) clipTitle(title string) string {
	max := s.TitleMaxLen
	if max <= 0 {
		max = 60
	}
	if utf8.RuneCountInString(title) > max {
		return string([]rune(title)[:max])
	}
	return title
}

// titleLocaleOrDefault returns the configured locale for casing or English if unset.
func (s *TurnService) titleLocaleOrDefault() language.Tag {
	if s.TitleLocale == language.Und {
		return language.English
	}
	return s.TitleLocale
}

// --- Title generation helpers ---

// Extract Unicode letters with optional trailing numbers (e.g., "plan2025").
var titleWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// Minimal English stop-words set for compact titles.
var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
}
