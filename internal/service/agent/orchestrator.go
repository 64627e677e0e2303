package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"taskchat/internal/models"
	"taskchat/internal/service/conversation"
)

// turnState tracks where the loop is; transitions are linear except for the
// tool round-trip and the terminal abort.
type turnState string

const (
	stateBuildingContext turnState = "building_context"
	stateAwaitingModel   turnState = "awaiting_model"
	stateExecutingTools  turnState = "executing_tools"
	stateFinalizing      turnState = "finalizing"
	stateCommitted       turnState = "committed"
	stateAborted         turnState = "aborted"
)

// metaIncompleteKey marks conversations whose latest turn hit the iteration
// bound.
const metaIncompleteKey = "last_turn_incomplete"

// Orchestrator runs one turn: it alternates between the model gateway and
// the tool registry until the model produces final text or the iteration
// bound is hit, then commits the whole turn atomically.
type Orchestrator struct {
	gateway       Gateway
	registry      *Registry
	store         *conversation.Store
	historyLimit  int
	maxIterations int
}

// NewOrchestrator wires the turn loop to its collaborators.
func NewOrchestrator(gateway Gateway, registry *Registry, store *conversation.Store, historyLimit, maxIterations int) *Orchestrator {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	if maxIterations <= 0 {
		maxIterations = 5
	}
	return &Orchestrator{
		gateway:       gateway,
		registry:      registry,
		store:         store,
		historyLimit:  historyLimit,
		maxIterations: maxIterations,
	}
}

// TurnResult is what a committed turn produced.
type TurnResult struct {
	Conversation *models.Conversation
	Response     string
	Invocations  []models.ToolInvocation
	Incomplete   bool
}

// RunTurn processes one user message against the given conversation. A nil
// conversation means "create new"; its title is derived from the message.
// Callers must already hold the per-conversation serialization token.
func (o *Orchestrator) RunTurn(ctx context.Context, callerID int64, conv *models.Conversation, userText string) (*TurnResult, error) {
	state := stateBuildingContext

	var err error
	createdNew := false
	if conv == nil {
		conv, err = o.store.Create(ctx, callerID, userText)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		createdNew = true
	}

	history, err := o.store.Load(ctx, conv.ID, o.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	working := historyToModelMessages(history)
	working = append(working, &schema.Message{Role: schema.User, Content: userText})

	userMsg := &models.Message{
		Role:      models.RoleUser,
		Content:   userText,
		CreatedAt: time.Now().UTC(),
	}
	pending := []*models.Message{userMsg}

	tc := ToolContext{
		CallerID:  callerID,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
	catalog := o.registry.Definitions()

	var (
		finalText      string
		allInvocations []models.ToolInvocation
		incomplete     bool
		iterations     int
	)

	abort := func(cause error) error {
		log.Printf("turn on conversation %d aborted in state %s: %v", conv.ID, state, cause)
		state = stateAborted
		if createdNew {
			// A conversation created by this turn has no committed messages
			// yet; discard it so the caller's retry starts clean instead of
			// accumulating empty conversations. Cleanup must not inherit the
			// request context, which may already be canceled.
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := o.store.Delete(cleanupCtx, callerID, conv.ID); err != nil {
				log.Printf("discard empty conversation %d failed: %v", conv.ID, err)
			}
		}
		return cause
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Tool side effects already executed stand as facts of the
			// world; only the conversation commit is skipped.
			return nil, abort(ctxErr)
		}

		state = stateAwaitingModel
		reply, err := o.gateway.Generate(ctx, Request{
			SystemPrompt: SystemPrompt,
			Messages:     working,
			Tools:        catalog,
		})
		if err != nil {
			return nil, abort(err)
		}

		if len(reply.ToolCalls) == 0 {
			finalText = reply.FinalText
			break
		}

		state = stateExecutingTools
		iterations++

		// Dispatch sequentially in the order the model listed the calls so
		// the persisted message order stays deterministic.
		batch := make([]models.ToolInvocation, 0, len(reply.ToolCalls))
		working = append(working, assistantToolCallMessage(reply.ToolCalls))
		for _, call := range reply.ToolCalls {
			inv, err := o.registry.Dispatch(ctx, call.Name, call.Arguments, tc)
			if err != nil {
				// Unknown tool or schema mismatch is a protocol bug, not
				// operational noise; abort without commit.
				return nil, abort(err)
			}
			inv.CallID = call.ID
			batch = append(batch, inv)
			working = append(working, toolResultMessage(inv))
		}

		pending = append(pending, &models.Message{
			Role:        models.RoleTool,
			Invocations: batch,
			CreatedAt:   time.Now().UTC(),
		})
		allInvocations = append(allInvocations, batch...)

		if iterations >= o.maxIterations {
			log.Printf("turn on conversation %d hit iteration bound (%d), finalizing incomplete", conv.ID, o.maxIterations)
			finalText = incompleteTurnText
			incomplete = true
			break
		}
	}

	state = stateFinalizing
	pending = append(pending, &models.Message{
		Role:      models.RoleAssistant,
		Content:   finalText,
		CreatedAt: time.Now().UTC(),
	})

	meta := map[string]string{metaIncompleteKey: "false"}
	if incomplete {
		meta[metaIncompleteKey] = "true"
	}
	if err := o.store.CommitTurn(ctx, conv.ID, pending, meta); err != nil {
		return nil, abort(fmt.Errorf("commit turn: %w", err))
	}
	state = stateCommitted
	log.Printf("turn on conversation %d %s: %d tool call(s), incomplete=%t",
		conv.ID, state, len(allInvocations), incomplete)

	return &TurnResult{
		Conversation: conv,
		Response:     finalText,
		Invocations:  allInvocations,
		Incomplete:   incomplete,
	}, nil
}

// historyToModelMessages converts stored history into model context. Tool
// messages are audit records; only the user/assistant exchange is replayed.
func historyToModelMessages(history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, &schema.Message{Role: schema.User, Content: msg.Content})
		case models.RoleAssistant:
			messages = append(messages, &schema.Message{Role: schema.Assistant, Content: msg.Content})
		case models.RoleSystem:
			messages = append(messages, &schema.Message{Role: schema.System, Content: msg.Content})
		}
	}
	return messages
}

func assistantToolCallMessage(calls []ToolCallRequest) *schema.Message {
	toolCalls := make([]schema.ToolCall, 0, len(calls))
	for _, call := range calls {
		toolCalls = append(toolCalls, schema.ToolCall{
			ID: call.ID,
			Function: schema.FunctionCall{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		})
	}
	return &schema.Message{Role: schema.Assistant, ToolCalls: toolCalls}
}

func toolResultMessage(inv models.ToolInvocation) *schema.Message {
	content := string(inv.Result)
	if inv.Status == models.InvocationError {
		content = fmt.Sprintf(`{"success":false,"error":%q}`, inv.Error)
	}
	return &schema.Message{
		Role:       schema.Tool,
		ToolCallID: inv.CallID,
		Content:    content,
	}
}
