package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nlamprou/go-chat-rewards/internal/domain"
	"github.com/nlamprou/go-chat-rewards/internal/llm"
	"github.com/nlamprou/go-chat-rewards/internal/repo"
	"github.com/nlamprou/go-chat-rewards/internal/rewards"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:turnsvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func allModels() []any {
	return []any{&domain.Conversation{}, &domain.Message{}, &domain.Profile{}, &domain.RewardTransaction{}}
}

type fakeGen struct {
	reply *llm.Reply
	err   error

	gotTurns []llm.Turn
	gotGen   llm.GenerationConfig
	calls    int
}

func (f *fakeGen) Generate(_ context.Context, turns []llm.Turn, gen llm.GenerationConfig) (*llm.Reply, error) {
	f.calls++
	f.gotTurns = turns
	f.gotGen = gen
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

var svcNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTurnService(db *gorm.DB, g Generator) *TurnService {
	return &TurnService{
		DB:  db,
		LLM: g,
		Gen: llm.GenerationConfig{
			Temperature:     0.7,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: 1024,
		},
		BoostMaxOutputTokens: 2048,
		Now:                  func() time.Time { return svcNow },
	}
}

func userTurn(text string) []llm.Turn {
	return []llm.Turn{{Role: domain.RoleUser, Content: text}}
}

// ---------- validation ----------

func TestTurnService_Answer_NoMessages(t *testing.T) {
	s := newTurnService(newSvcDB(t, allModels()...), &fakeGen{})
	if _, err := s.Answer(context.Background(), TurnInput{UserID: "u1"}); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
}

func TestTurnService_Answer_LastNotUser(t *testing.T) {
	s := newTurnService(newSvcDB(t, allModels()...), &fakeGen{})
	_, err := s.Answer(context.Background(), TurnInput{
		UserID:   "u1",
		Messages: []llm.Turn{{Role: domain.RoleAssistant, Content: "hi"}},
	})
	if !errors.Is(err, ErrLastNotUser) {
		t.Fatalf("expected ErrLastNotUser, got %v", err)
	}
}

func TestTurnService_Answer_EmptyPrompt(t *testing.T) {
	s := newTurnService(newSvcDB(t, allModels()...), &fakeGen{})
	if _, err := s.Answer(context.Background(), TurnInput{UserID: "u1", Messages: userTurn("   ")}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestTurnService_Answer_TooLong(t *testing.T) {
	s := newTurnService(newSvcDB(t, allModels()...), &fakeGen{})
	s.MaxPromptRunes = 3
	if _, err := s.Answer(context.Background(), TurnInput{UserID: "u1", Messages: userTurn("abcd")}); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestTurnService_Answer_UnknownConversation(t *testing.T) {
	g := &fakeGen{reply: &llm.Reply{Text: "hi"}}
	s := newTurnService(newSvcDB(t, allModels()...), g)
	_, err := s.Answer(context.Background(), TurnInput{
		UserID:         "u1",
		ConversationID: "missing",
		Messages:       userTurn("hello"),
	})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if g.calls != 0 {
		t.Errorf("generator called %d times; want 0", g.calls)
	}
}

// ---------- reward gating ----------

func TestTurnService_Answer_BoostInsufficientPoints(t *testing.T) {
	db := newSvcDB(t, allModels()...)
	g := &fakeGen{reply: &llm.Reply{Text: "hi"}}
	s := newTurnService(db, g)

	seed := &domain.Profile{UserID: "u1", RewardPoints: 9}
	if err := db.Create(seed).Error; err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	_, err := s.Answer(context.Background(), TurnInput{
		UserID:   "u1",
		Boost:    true,
		Messages: userTurn("hello"),
	})
	if !errors.Is(err, rewards.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	if g.calls != 0 {
		t.Errorf("generator should not run when the boost is rejected")
	}

	// Nothing was written: no conversation, no messages, no ledger, and the
	// profile is untouched.
	var convs, msgs, ledger int64
	db.Model(&domain.Conversation{}).Count(&convs)
	db.Model(&domain.Message{}).Count(&msgs)
	db.Model(&domain.RewardTransaction{}).Count(&ledger)
	if convs != 0 || msgs != 0 || ledger != 0 {
		t.Errorf("rows written on rejected boost: convs=%d msgs=%d ledger=%d", convs, msgs, ledger)
	}
	p, err := repo.GetProfile(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.RewardPoints != 9 || p.TotalMessages != 0 {
		t.Errorf("profile mutated: %+v", p)
	}
}

// ---------- happy paths ----------

func TestTurnService_Answer_NewConversation(t *testing.T) {
	db := newSvcDB(t, allModels()...)
	g := &fakeGen{reply: &llm.Reply{Text: "The capital of France is Paris.", TokensUsed: 17}}
	s := newTurnService(db, g)

	res, err := s.Answer(context.Background(), TurnInput{
		UserID:   "u1",
		Messages: userTurn("What is the capital of France?"),
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if res.Response != "The capital of France is Paris." || res.TokensUsed != 17 {
		t.Errorf("result = %+v", res)
	}
	if res.PointsEarned != 1 || res.PointsSpent != 0 || res.NewStreak != 1 || res.TotalPoints != 1 {
		t.Errorf("reward fields = earned %d spent %d streak %d total %d",
			res.PointsEarned, res.PointsSpent, res.NewStreak, res.TotalPoints)
	}
	if res.ConversationID == "" || res.AssistantMessageID == "" {
		t.Fatalf("missing IDs in result: %+v", res)
	}

	msgs, err := repo.ListMessages(db, res.ConversationID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("persisted messages = %+v", msgs)
	}
	if msgs[1].TokensUsed == nil || *msgs[1].TokensUsed != 17 {
		t.Errorf("assistant message tokens = %v; want 17", msgs[1].TokensUsed)
	}

	p, err := repo.GetProfile(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.RewardPoints != 1 || p.DailyStreak != 1 || p.TotalMessages != 1 {
		t.Errorf("profile = %+v", p)
	}
	if p.LastMessageDate == nil || !p.LastMessageDate.Equal(rewards.DateOnly(svcNow)) {
		t.Errorf("LastMessageDate = %v", p.LastMessageDate)
	}

	ledger, _, err := (&RewardService{DB: db}).TransactionsPage(context.Background(), "u1", 1, 10)
	if err != nil {
		t.Fatalf("TransactionsPage: %v", err)
	}
	if len(ledger) != 1 || ledger[0].Delta != 1 || ledger[0].Kind != "message" {
		t.Errorf("ledger = %+v", ledger)
	}

	// Auto-title from the first prompt.
	conv, err := repo.GetConversation(context.Background(), db, res.ConversationID, "u1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Title == defaultTitleNew || conv.Title == "" {
		t.Errorf("title not auto-generated: %q", conv.Title)
	}
}

func TestTurnService_Answer_StreakDay(t *testing.T) {
	db := newSvcDB(t, allModels()...)
	g := &fakeGen{reply: &llm.Reply{Text: "hello again", TokensUsed: 5}}
	s := newTurnService(db, g)

	yesterday := rewards.DateOnly(svcNow.AddDate(0, 0, -1))
	seed := &domain.Profile{
		UserID: "u1", RewardPoints: 20, DailyStreak: 3,
		LastMessageDate: &yesterday, TotalMessages: 10,
	}
	if err := db.Create(seed).Error; err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	res, err := s.Answer(context.Background(), TurnInput{UserID: "u1", Messages: userTurn("hi")})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.PointsEarned != 6 || res.NewStreak != 4 || res.TotalPoints != 26 {
		t.Errorf("earned=%d streak=%d total=%d; want 6, 4, 26", res.PointsEarned, res.NewStreak, res.TotalPoints)
	}

	ledger, _, err := (&RewardService{DB: db}).TransactionsPage(context.Background(), "u1", 1, 10)
	if err != nil {
		t.Fatalf("TransactionsPage: %v", err)
	}
	if len(ledger) != 1 || ledger[0].Kind != "streak" || ledger[0].Delta != 6 {
		t.Errorf("ledger = %+v", ledger)
	}
}

func TestTurnService_Answer_BoostRaisesOutputTokens(t *testing.T) {
	db := newSvcDB(t, allModels()...)
	g := &fakeGen{reply: &llm.Reply{Text: "long detailed answer", TokensUsed: 900}}
	s := newTurnService(db, g)

	if err := db.Create(&domain.Profile{UserID: "u1", RewardPoints: 15}).Error; err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	res, err := s.Answer(context.Background(), TurnInput{UserID: "u1", Boost: true, Messages: userTurn("explain")})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if g.gotGen.MaxOutputTokens != 2048 {
		t.Errorf("MaxOutputTokens sent = %d; want boosted 2048", g.gotGen.MaxOutputTokens)
	}
	if g.gotGen.Temperature != 0.7 || g.gotGen.TopK != 40 {
		t.Errorf("other sampling params should be unchanged: %+v", g.gotGen)
	}
	if res.PointsSpent != rewards.BoostCost || res.TotalPoints != 6 {
		t.Errorf("spent=%d total=%d; want 10, 6", res.PointsSpent, res.TotalPoints)
	}
}

func TestTurnService_Answer_ExistingConversationKeepsTitle(t *testing.T) {
	db := newSvcDB(t, allModels()...)
	g := &fakeGen{reply: &llm.Reply{Text: "sure", TokensUsed: 3}}
	s := newTurnService(db, g)

	conv, err := repo.CreateConversation(context.Background(), db, "u1", "Travel plans")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	res, err := s.Answer(context.Background(), TurnInput{
		UserID:         "u1",
		ConversationID: conv.ID,
		Messages: []llm.Turn{
			{Role: domain.RoleUser, Content: "earlier"},
			{Role: domain.RoleAssistant, Content: "noted"},
			{Role: domain.RoleUser, Content: "book the hotel"},
		},
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.ConversationID != conv.ID {
		t.Errorf("ConversationID = %q; want %q", res.ConversationID, conv.ID)
	}
	if len(g.gotTurns) != 3 {
		t.Errorf("full history should reach the generator, got %d turns", len(g.gotTurns))
	}

	got, _ := repo.GetConversation(context.Background(), db, conv.ID, "u1")
	if got.Title != "Travel plans" {
		t.Errorf("explicit title overwritten: %q", got.Title)
	}

	// Only the final user message plus the reply are stored.
	msgs, _ := repo.ListMessages(db, conv.ID, 0)
	if len(msgs) != 2 || msgs[0].Content != "book the hotel" {
		t.Errorf("persisted messages = %+v", msgs)
	}
}

// ---------- failure semantics ----------

func TestTurnService_Answer_GeneratorFailureLeavesNoTrace(t *testing.T) {
	db := newSvcDB(t, allModels()...)
	g := &fakeGen{err: errors.New("upstream 503")}
	s := newTurnService(db, g)

	_, err := s.Answer(context.Background(), TurnInput{UserID: "u1", Messages: userTurn("hello")})
	if err == nil || err.Error() != "upstream 503" {
		t.Fatalf("expected generator error, got %v", err)
	}

	var convs, msgs, ledger int64
	db.Model(&domain.Conversation{}).Count(&convs)
	db.Model(&domain.Message{}).Count(&msgs)
	db.Model(&domain.RewardTransaction{}).Count(&ledger)
	if convs != 0 || msgs != 0 || ledger != 0 {
		t.Errorf("rows written on generator failure: convs=%d msgs=%d ledger=%d", convs, msgs, ledger)
	}
	p, err := repo.GetProfile(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("profile should be provisioned before the call: %v", err)
	}
	if p.RewardPoints != 0 || p.TotalMessages != 0 {
		t.Errorf("profile mutated on generator failure: %+v", p)
	}
}

func TestTurnService_Answer_PersistenceFailureStillReturnsReply(t *testing.T) {
	// Messages table is never migrated, so the transaction fails after a
	// successful generation.
	db := newSvcDB(t, &domain.Conversation{}, &domain.Profile{}, &domain.RewardTransaction{})
	g := &fakeGen{reply: &llm.Reply{Text: "still here", TokensUsed: 2}}
	s := newTurnService(db, g)

	res, err := s.Answer(context.Background(), TurnInput{UserID: "u1", Messages: userTurn("hello")})
	if err != nil {
		t.Fatalf("persistence failures must not surface: %v", err)
	}
	if res.Response != "still here" {
		t.Errorf("Response = %q", res.Response)
	}
	if res.PointsEarned != 1 || res.NewStreak != 1 {
		t.Errorf("reward fields should reflect the computed accrual: %+v", res)
	}
	if res.ConversationID != "" || res.AssistantMessageID != "" {
		t.Errorf("rolled-back IDs must not leak: %+v", res)
	}

	// The rollback covers the profile update too.
	p, err := repo.GetProfile(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.RewardPoints != 0 || p.TotalMessages != 0 {
		t.Errorf("profile should be unchanged after rollback: %+v", p)
	}
}

func TestTurnService_Answer_SameDayRepeatKeepsStreak(t *testing.T) {
	db := newSvcDB(t, allModels()...)
	g := &fakeGen{reply: &llm.Reply{Text: "ok", TokensUsed: 1}}
	s := newTurnService(db, g)

	for i := 0; i < 3; i++ {
		res, err := s.Answer(context.Background(), TurnInput{UserID: "u1", Messages: userTurn("ping")})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if res.NewStreak != 1 {
			t.Errorf("call %d: streak = %d; want 1 all day", i, res.NewStreak)
		}
	}
	p, _ := repo.GetProfile(context.Background(), db, "u1")
	if p.TotalMessages != 3 || p.RewardPoints != 3 {
		t.Errorf("profile = %+v; want 3 messages, 3 points", p)
	}
}
