package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nlamprou/go-chat-rewards/internal/domain"
	"github.com/nlamprou/go-chat-rewards/internal/repo"
	"github.com/nlamprou/go-chat-rewards/internal/services"
)

// ---------- test DB + repo shim ----------

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:conv_handlers_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(
		&domain.Conversation{},
		&domain.Message{},
		&domain.Profile{},
		&domain.RewardTransaction{},
		&domain.Idempotency{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Minimal shim implementing services.ConversationRepo using the repo package
// (mirrors the wiring in router.go).
type testConvRepo struct{}

func (testConvRepo) CreateConversation(ctx context.Context, db *gorm.DB, userID, title string) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, db, userID, title)
}

func (testConvRepo) ListConversations(ctx context.Context, db *gorm.DB, userID string) ([]domain.Conversation, error) {
	return repo.ListConversations(ctx, db, userID)
}

func (testConvRepo) GetConversation(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	return repo.GetConversation(ctx, db, id, userID)
}

func (testConvRepo) UpdateConversationTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	return repo.UpdateConversationTitle(ctx, db, id, userID, title)
}

func (testConvRepo) CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountConversations(ctx, db, userID)
}

func (testConvRepo) ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	return repo.ListConversationsPage(ctx, db, userID, offset, limit)
}

// ---------- flexible service stubs ----------

type stubConvSvc struct {
	create    func(context.Context, string, string) (*domain.Conversation, error)
	list      func(context.Context, string) ([]domain.Conversation, error)
	listPage  func(context.Context, string, int, int) ([]domain.Conversation, int64, error)
	updateTit func(context.Context, string, string, string) error
	msgsPage  func(context.Context, string, string, int, int) ([]domain.Message, int64, error)
}

func (s stubConvSvc) Create(ctx context.Context, u, title string) (*domain.Conversation, error) {
	if s.create != nil {
		return s.create(ctx, u, title)
	}
	return &domain.Conversation{ID: "c", UserID: u, Title: title}, nil
}

func (s stubConvSvc) List(ctx context.Context, u string) ([]domain.Conversation, error) {
	if s.list != nil {
		return s.list(ctx, u)
	}
	return nil, nil
}

func (s stubConvSvc) ListPage(ctx context.Context, u string, p, ps int) ([]domain.Conversation, int64, error) {
	if s.listPage != nil {
		return s.listPage(ctx, u, p, ps)
	}
	return nil, 0, nil
}

func (s stubConvSvc) UpdateTitle(ctx context.Context, u, id, title string) error {
	if s.updateTit != nil {
		return s.updateTit(ctx, u, id, title)
	}
	return nil
}

func (s stubConvSvc) MessagesPage(ctx context.Context, u, id string, p, ps int) ([]domain.Message, int64, error) {
	if s.msgsPage != nil {
		return s.msgsPage(ctx, u, id, p, ps)
	}
	return nil, 0, nil
}

type stubTurnSvc struct {
	answer func(context.Context, services.TurnInput) (*services.TurnResult, error)
}

func (s stubTurnSvc) Answer(ctx context.Context, in services.TurnInput) (*services.TurnResult, error) {
	if s.answer != nil {
		return s.answer(ctx, in)
	}
	return &services.TurnResult{}, nil
}

type stubRwdSvc struct {
	summary  func(context.Context, string) (*domain.Profile, error)
	txnsPage func(context.Context, string, int, int) ([]domain.RewardTransaction, int64, error)
}

func (s stubRwdSvc) Summary(ctx context.Context, u string) (*domain.Profile, error) {
	if s.summary != nil {
		return s.summary(ctx, u)
	}
	return &domain.Profile{UserID: u}, nil
}

func (s stubRwdSvc) TransactionsPage(ctx context.Context, u string, p, ps int) ([]domain.RewardTransaction, int64, error) {
	if s.txnsPage != nil {
		return s.txnsPage(ctx, u, p, ps)
	}
	return nil, 0, nil
}

// newRouter mounts all handler routes on a bare engine (no middleware).
func newRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/chat", h.Chat)
	r.POST("/conversations", h.CreateConversation)
	r.GET("/conversations", h.ListConversations)
	r.PUT("/conversations/:id/title", h.UpdateConversationTitle)
	r.GET("/conversations/:id/messages", h.ListMessages)
	r.GET("/rewards", h.GetRewards)
	r.GET("/rewards/transactions", h.ListRewardTransactions)
	return r
}

// ---------- CreateConversation ----------

func TestCreateConversation_BadJSON(t *testing.T) {
	h := New(stubConvSvc{}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestCreateConversation_Success(t *testing.T) {
	h := New(stubConvSvc{
		create: func(_ context.Context, u, title string) (*domain.Conversation, error) {
			if u != "u1" || title != "Trip planning" {
				t.Fatalf("unexpected args u=%q title=%q", u, title)
			}
			return &domain.Conversation{ID: "c1", UserID: u, Title: title}, nil
		},
	}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	body, _ := json.Marshal(CreateConversationRequest{Title: "  Trip planning  "})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "u1")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var got domain.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v", err)
	}
	if got.ID != "c1" || got.Title != "Trip planning" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestCreateConversation_ServiceError(t *testing.T) {
	h := New(stubConvSvc{
		create: func(context.Context, string, string) (*domain.Conversation, error) {
			return nil, fmt.Errorf("db down")
		},
	}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewBufferString(`{"title":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != ErrCodeCreateFailed {
		t.Fatalf("code=%q", resp.Code)
	}
}

// ---------- ListConversations ----------

func TestListConversations_Pagination(t *testing.T) {
	h := New(stubConvSvc{
		listPage: func(_ context.Context, u string, p, ps int) ([]domain.Conversation, int64, error) {
			if p != 2 || ps != 5 {
				t.Fatalf("page=%d pageSize=%d", p, ps)
			}
			return []domain.Conversation{{ID: "c6", UserID: u}}, 11, nil
		},
	}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/conversations?page=2&page_size=5", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp ListConversationsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Conversations) != 1 || resp.Pagination.Total != 11 || resp.Pagination.TotalPages != 3 || !resp.Pagination.HasNext {
		t.Fatalf("unexpected body: %+v", resp)
	}
}

func TestListConversations_ETag_304(t *testing.T) {
	db := newHandlerDB(t)
	svc := services.NewConversationService(db, testConvRepo{})
	h := New(svc, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	if _, err := repo.CreateConversation(context.Background(), db, "u1", "seeded"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// First GET returns the page and an ETag.
	w1 := httptest.NewRecorder()
	req1 := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req1.Header.Set("X-User-ID", "u1")
	r.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("first GET status=%d body=%s", w1.Code, w1.Body.String())
	}
	etag := w1.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("expected ETag header")
	}

	// Second GET with If-None-Match short-circuits to 304.
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req2.Header.Set("X-User-ID", "u1")
	req2.Header.Set("If-None-Match", etag)
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusNotModified {
		t.Fatalf("second GET status=%d body=%s", w2.Code, w2.Body.String())
	}
}

// ---------- UpdateConversationTitle ----------

func TestUpdateConversationTitle_InvalidUUID(t *testing.T) {
	h := New(stubConvSvc{}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/conversations/not-a-uuid/title", bytes.NewBufferString(`{"title":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestUpdateConversationTitle_MissingTitle(t *testing.T) {
	h := New(stubConvSvc{}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	id := uuid.NewString()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/conversations/"+id+"/title", bytes.NewBufferString(`{"title":"   "}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestUpdateConversationTitle_NotFound(t *testing.T) {
	h := New(stubConvSvc{
		updateTit: func(context.Context, string, string, string) error {
			return services.ErrConversationNotFound
		},
	}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	id := uuid.NewString()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/conversations/"+id+"/title", bytes.NewBufferString(`{"title":"New name"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestUpdateConversationTitle_Success(t *testing.T) {
	var gotID, gotTitle string
	h := New(stubConvSvc{
		updateTit: func(_ context.Context, _ string, id, title string) error {
			gotID, gotTitle = id, title
			return nil
		},
	}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	id := uuid.NewString()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/conversations/"+id+"/title", bytes.NewBufferString(`{"title":"New name"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if gotID != id || gotTitle != "New name" {
		t.Fatalf("got id=%q title=%q", gotID, gotTitle)
	}
}

// ---------- ListMessages ----------

func TestListMessages_InvalidUUID(t *testing.T) {
	h := New(stubConvSvc{}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/conversations/nope/messages", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestListMessages_NotFound(t *testing.T) {
	h := New(stubConvSvc{
		msgsPage: func(context.Context, string, string, int, int) ([]domain.Message, int64, error) {
			return nil, 0, services.ErrConversationNotFound
		},
	}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/conversations/"+uuid.NewString()+"/messages", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestListMessages_Success(t *testing.T) {
	h := New(stubConvSvc{
		msgsPage: func(_ context.Context, _, _ string, p, ps int) ([]domain.Message, int64, error) {
			if p != 1 || ps != 20 {
				t.Fatalf("page=%d pageSize=%d", p, ps)
			}
			return []domain.Message{
				{ID: "m1", Role: "user", Content: "hi"},
				{ID: "m2", Role: "assistant", Content: "hello"},
			}, 2, nil
		},
	}, stubTurnSvc{}, stubRwdSvc{})
	r := newRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/conversations/"+uuid.NewString()+"/messages", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp ListMessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Messages) != 2 || resp.Pagination.Total != 2 || resp.Pagination.HasNext {
		t.Fatalf("unexpected body: %+v", resp)
	}
}
