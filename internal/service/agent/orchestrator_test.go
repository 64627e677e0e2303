package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"taskchat/internal/models"
	"taskchat/internal/service/conversation"
	"taskchat/internal/storage"
)

func newTestStore(t *testing.T) *conversation.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conversation.NewStore(db)
}

// scriptedGateway replays a fixed sequence of replies and records the
// requests it saw.
type scriptedGateway struct {
	replies  []Reply
	errs     []error
	calls    int
	requests []Request
}

func (g *scriptedGateway) Generate(ctx context.Context, req Request) (*Reply, error) {
	g.requests = append(g.requests, req)
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	reply := g.replies[i]
	return &reply, nil
}

func toolCall(id, name, args string) ToolCallRequest {
	return ToolCallRequest{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestRunTurnPlainText(t *testing.T) {
	store := newTestStore(t)
	gw := &scriptedGateway{replies: []Reply{{FinalText: "hello back"}}}
	orch := NewOrchestrator(gw, NewRegistry(), store, 20, 5)

	result, err := orch.RunTurn(context.Background(), 1, nil, "hello there, assistant")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.Conversation == nil || result.Conversation.ID == 0 {
		t.Fatal("expected a new conversation")
	}
	if result.Response != "hello back" {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	if result.Incomplete {
		t.Fatal("plain turn must not be incomplete")
	}
	if result.Conversation.Title != "hello there, assistant" {
		t.Fatalf("unexpected title: %q", result.Conversation.Title)
	}

	messages, err := store.Messages(context.Background(), result.Conversation.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected roles: %s, %s", messages[0].Role, messages[1].Role)
	}
}

func TestRunTurnToolErrorThenRetry(t *testing.T) {
	store := newTestStore(t)

	registry := NewRegistry()
	attempts := 0
	handler := func(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("task 7 not found")
		}
		return map[string]any{"success": true}, nil
	}
	if err := registry.Register(ToolDefinition{Name: "complete_task", Handler: handler}); err != nil {
		t.Fatalf("register: %v", err)
	}

	gw := &scriptedGateway{replies: []Reply{
		{ToolCalls: []ToolCallRequest{toolCall("c1", "complete_task", `{"task_id":7}`)}},
		{ToolCalls: []ToolCallRequest{toolCall("c2", "complete_task", `{"task_id":8}`)}},
		{FinalText: "done"},
	}}
	orch := NewOrchestrator(gw, registry, store, 20, 5)

	result, err := orch.RunTurn(context.Background(), 1, nil, "finish my tasks")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(result.Invocations) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(result.Invocations))
	}
	if result.Invocations[0].Status != models.InvocationError {
		t.Fatalf("first invocation should be an error, got %s", result.Invocations[0].Status)
	}
	if result.Invocations[1].Status != models.InvocationSuccess {
		t.Fatalf("second invocation should succeed, got %s", result.Invocations[1].Status)
	}

	messages, err := store.Messages(context.Background(), result.Conversation.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	// user, tool batch, tool batch, assistant
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[1].Role != models.RoleTool || len(messages[1].Invocations) != 1 {
		t.Fatalf("expected first tool message with one invocation, got %+v", messages[1])
	}
	if messages[1].Invocations[0].Error != "task 7 not found" {
		t.Fatalf("error invocation not persisted: %+v", messages[1].Invocations[0])
	}
}

func TestRunTurnIterationBound(t *testing.T) {
	store := newTestStore(t)

	registry := NewRegistry()
	handler := func(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
		return map[string]any{"success": true}, nil
	}
	if err := registry.Register(ToolDefinition{Name: "list_tasks", Handler: handler}); err != nil {
		t.Fatalf("register: %v", err)
	}

	gw := &scriptedGateway{replies: []Reply{
		{ToolCalls: []ToolCallRequest{toolCall("c1", "list_tasks", `{}`)}},
	}}
	orch := NewOrchestrator(gw, registry, store, 20, 2)

	result, err := orch.RunTurn(context.Background(), 1, nil, "loop forever")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if !result.Incomplete {
		t.Fatal("expected incomplete turn")
	}
	if result.Response != incompleteTurnText {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	if len(result.Invocations) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(result.Invocations))
	}

	conv, err := store.Get(context.Background(), result.Conversation.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Meta[metaIncompleteKey] != "true" {
		t.Fatalf("expected incomplete flag in meta, got %v", conv.Meta)
	}

	messages, err := store.Messages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	// user, two tool batches, synthesized assistant
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[3].Role != models.RoleAssistant || messages[3].Content != incompleteTurnText {
		t.Fatalf("expected synthesized assistant message, got %+v", messages[3])
	}
}

func TestRunTurnModelErrorCommitsNothing(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Create(context.Background(), 1, "seeded")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	gw := &scriptedGateway{errs: []error{fmt.Errorf("%w: upstream timeout", ErrModelService)}}
	orch := NewOrchestrator(gw, NewRegistry(), store, 20, 5)

	_, err = orch.RunTurn(context.Background(), 1, conv, "hello")
	if !errors.Is(err, ErrModelService) {
		t.Fatalf("expected ErrModelService, got %v", err)
	}

	messages, err := store.Messages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("aborted turn must not persist messages, got %d", len(messages))
	}
}

func TestRunTurnModelErrorDiscardsNewConversation(t *testing.T) {
	store := newTestStore(t)
	gw := &scriptedGateway{errs: []error{fmt.Errorf("%w: upstream timeout", ErrModelService)}}
	orch := NewOrchestrator(gw, NewRegistry(), store, 20, 5)

	_, err := orch.RunTurn(context.Background(), 1, nil, "add milk")
	if !errors.Is(err, ErrModelService) {
		t.Fatalf("expected ErrModelService, got %v", err)
	}

	conversations, total, err := store.List(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 || len(conversations) != 0 {
		t.Fatalf("aborted first turn must not leave a conversation behind, got total=%d", total)
	}
}

func TestRunTurnAbortKeepsExistingConversation(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Create(context.Background(), 1, "keep me")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	gw := &scriptedGateway{errs: []error{fmt.Errorf("%w: upstream timeout", ErrModelService)}}
	orch := NewOrchestrator(gw, NewRegistry(), store, 20, 5)

	if _, err := orch.RunTurn(context.Background(), 1, conv, "hello"); !errors.Is(err, ErrModelService) {
		t.Fatalf("expected ErrModelService, got %v", err)
	}
	if _, err := store.Get(context.Background(), conv.ID); err != nil {
		t.Fatalf("pre-existing conversation must survive an abort: %v", err)
	}
}

func TestRunTurnUnknownToolAborts(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Create(context.Background(), 1, "seeded")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	gw := &scriptedGateway{replies: []Reply{
		{ToolCalls: []ToolCallRequest{toolCall("c1", "no_such_tool", `{}`)}},
	}}
	orch := NewOrchestrator(gw, NewRegistry(), store, 20, 5)

	_, err = orch.RunTurn(context.Background(), 1, conv, "hello")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}

	messages, err := store.Messages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("aborted turn must not persist messages, got %d", len(messages))
	}
}

func TestRunTurnReplaysOnlyUserAndAssistantHistory(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Create(context.Background(), 1, "history")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	seed := []*models.Message{
		{Role: models.RoleUser, Content: "add milk"},
		{Role: models.RoleTool, Invocations: []models.ToolInvocation{{ToolName: "add_task", Status: models.InvocationSuccess}}},
		{Role: models.RoleAssistant, Content: "added"},
	}
	if err := store.CommitTurn(context.Background(), conv.ID, seed, nil); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	gw := &scriptedGateway{replies: []Reply{{FinalText: "ok"}}}
	orch := NewOrchestrator(gw, NewRegistry(), store, 20, 5)
	if _, err := orch.RunTurn(context.Background(), 1, conv, "thanks"); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	if len(gw.requests) != 1 {
		t.Fatalf("expected one model request, got %d", len(gw.requests))
	}
	// replayed history (user, assistant) plus the new user message
	msgs := gw.requests[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("expected 3 context messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Role == "tool" {
			t.Fatal("tool messages must not be replayed into model context")
		}
	}
	if gw.requests[0].SystemPrompt == "" {
		t.Fatal("system prompt missing from request")
	}
}
