package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"

	"taskchat/internal/auth"
	"taskchat/internal/gate"
	"taskchat/internal/service/account"
	"taskchat/internal/service/agent"
	"taskchat/internal/service/conversation"
	"taskchat/internal/service/task"
	"taskchat/internal/storage"
)

// stubGateway returns a fixed final answer without calling any provider.
type stubGateway struct {
	response string
}

func (g *stubGateway) Generate(ctx context.Context, req agent.Request) (*agent.Reply, error) {
	return &agent.Reply{FinalText: g.response}, nil
}

func newTestRouter(t *testing.T, gw agent.Gateway) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tasks := task.NewStore(db)
	conversations := conversation.NewStore(db)
	accounts := account.NewService(db)
	authService := auth.NewService(db, time.Hour)

	registry := agent.NewRegistry()
	if err := agent.RegisterTaskTools(registry, tasks); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	orchestrator := agent.NewOrchestrator(gw, registry, conversations, 20, 5)
	requestGate := gate.New(conversations, gate.NewLocalLocker(), gate.NewSlidingWindowLimiter(100), time.Minute)

	router := gin.New()
	NewHandler(accounts, authService, tasks, conversations, requestGate, orchestrator).RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func registerAndLogin(t *testing.T, router *gin.Engine, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "secret123"}
	if rec := doJSON(t, router, http.MethodPost, "/api/users/register", "", creds); rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body.String())
	}
	rec := doJSON(t, router, http.MethodPost, "/api/users/login", "", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeBody(t, rec)["auth_token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t, &stubGateway{response: "hi"})
	rec := doJSON(t, router, http.MethodPost, "/api/chat", "", map[string]any{"message": "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestChatCreatesConversation(t *testing.T) {
	router := newTestRouter(t, &stubGateway{response: "hello from the assistant"})
	token := registerAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/chat", token, map[string]any{"message": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["response"] != "hello from the assistant" {
		t.Fatalf("unexpected response: %v", body["response"])
	}
	convID, ok := body["conversation_id"].(float64)
	if !ok || convID <= 0 {
		t.Fatalf("expected a conversation id, got %v", body["conversation_id"])
	}
	if body["incomplete"] != false {
		t.Fatalf("expected complete turn, got %v", body["incomplete"])
	}

	// the conversation and both messages are readable afterwards
	rec = doJSON(t, router, http.MethodGet, "/api/conversations", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	if total := decodeBody(t, rec)["total"].(float64); total != 1 {
		t.Fatalf("expected 1 conversation, got %v", total)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/conversations/1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d body %s", rec.Code, rec.Body.String())
	}
	messages := decodeBody(t, rec)["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	router := newTestRouter(t, &stubGateway{response: "hi"})
	token := registerAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/chat", token, map[string]any{"message": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChatUnknownConversation(t *testing.T) {
	router := newTestRouter(t, &stubGateway{response: "hi"})
	token := registerAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/chat", token,
		map[string]any{"message": "hi", "conversation_id": 404})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestChatForeignConversationForbidden(t *testing.T) {
	router := newTestRouter(t, &stubGateway{response: "hi"})
	alice := registerAndLogin(t, router, "alice")
	bob := registerAndLogin(t, router, "bob")

	rec := doJSON(t, router, http.MethodPost, "/api/chat", alice, map[string]any{"message": "mine"})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: status %d", rec.Code)
	}
	convID := decodeBody(t, rec)["conversation_id"].(float64)

	rec = doJSON(t, router, http.MethodPost, "/api/chat", bob,
		map[string]any{"message": "sneaky", "conversation_id": int64(convID)})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodGet, "/api/conversations/1", bob, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on read, got %d", rec.Code)
	}
}

func TestDeleteConversation(t *testing.T) {
	router := newTestRouter(t, &stubGateway{response: "hi"})
	token := registerAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/chat", token, map[string]any{"message": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: status %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/conversations/1", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodGet, "/api/conversations/1", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	router := newTestRouter(t, &stubGateway{response: "hi"})
	token := registerAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", token,
		map[string]any{"title": "buy milk", "description": "2 liters"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	if id := decodeBody(t, rec)["id"].(float64); id != 1 {
		t.Fatalf("expected task id 1, got %v", id)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/tasks", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	if total := decodeBody(t, rec)["total"].(float64); total != 1 {
		t.Fatalf("expected 1 task, got %v", total)
	}

	rec = doJSON(t, router, http.MethodPatch, "/api/tasks/1", token, map[string]any{"title": "buy oat milk"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", rec.Code, rec.Body.String())
	}
	if title := decodeBody(t, rec)["title"]; title != "buy oat milk" {
		t.Fatalf("unexpected title: %v", title)
	}

	rec = doJSON(t, router, http.MethodPatch, "/api/tasks/1/complete", token, map[string]any{"completed": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", rec.Code, rec.Body.String())
	}
	if completed := decodeBody(t, rec)["completed"]; completed != true {
		t.Fatalf("task not completed: %v", completed)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/tasks/1", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/tasks/1", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	router := newTestRouter(t, &stubGateway{response: "hi"})
	token := registerAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/users/logout", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/tasks", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}
