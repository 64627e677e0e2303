package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taskchat/internal/auth"
	"taskchat/internal/gate"
	"taskchat/internal/models"
	"taskchat/internal/service/account"
	"taskchat/internal/service/agent"
	"taskchat/internal/service/conversation"
	"taskchat/internal/service/task"
)

// Handler wires HTTP routes to the services.
type Handler struct {
	accounts      *account.Service
	auth          *auth.Service
	tasks         *task.Store
	conversations *conversation.Store
	gate          *gate.Gate
	orchestrator  *agent.Orchestrator
}

// NewHandler constructs a Handler instance.
func NewHandler(
	accounts *account.Service,
	authService *auth.Service,
	tasks *task.Store,
	conversations *conversation.Store,
	requestGate *gate.Gate,
	orchestrator *agent.Orchestrator,
) *Handler {
	return &Handler{
		accounts:      accounts,
		auth:          authService,
		tasks:         tasks,
		conversations: conversations,
		gate:          requestGate,
		orchestrator:  orchestrator,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.POST("/users/logout", h.logoutUser)
	authed.DELETE("/users", h.deleteUser)

	authed.POST("/chat", h.chat)
	authed.GET("/conversations", h.listConversations)
	authed.GET("/conversations/:id", h.getConversation)
	authed.DELETE("/conversations/:id", h.deleteConversation)

	authed.GET("/tasks", h.listTasks)
	authed.POST("/tasks", h.createTask)
	authed.GET("/tasks/:id", h.getTask)
	authed.PATCH("/tasks/:id", h.updateTask)
	authed.PATCH("/tasks/:id/complete", h.completeTask)
	authed.DELETE("/tasks/:id", h.deleteTask)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// User lifecycle

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.SetCookie(auth.CookieName, authToken, int(h.auth.TokenTTL()/time.Second), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	c.SetCookie(auth.CookieName, "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.accounts.Delete(c.Request.Context(), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.SetCookie(auth.CookieName, "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

// Chat

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID int64  `json:"conversation_id"`
}

func (h *Handler) chat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message cannot be empty"})
		return
	}
	if req.ConversationID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	conv, release, err := h.gate.Admit(c.Request.Context(), userID, req.ConversationID)
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrRateLimited):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded, please retry in a minute"})
		case errors.Is(err, gate.ErrBusy):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "conversation busy, please retry"})
		case errors.Is(err, conversation.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		case errors.Is(err, gate.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	defer release()

	result, err := h.orchestrator.RunTurn(c.Request.Context(), userID, conv, message)
	if err != nil {
		var validationErr *agent.ValidationError
		switch {
		case errors.Is(err, agent.ErrModelService):
			c.JSON(http.StatusBadGateway, gin.H{"error": "the assistant is unavailable, please retry"})
		case errors.As(err, &validationErr), errors.Is(err, agent.ErrUnknownTool):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "the assistant produced an invalid tool request"})
		case errors.Is(err, conversation.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error, please retry"})
		}
		return
	}

	invocations := result.Invocations
	if invocations == nil {
		invocations = []models.ToolInvocation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"response":         result.Response,
		"conversation_id":  result.Conversation.ID,
		"incomplete":       result.Incomplete,
		"tool_invocations": invocations,
	})
}

// Conversations

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	conversations, total, err := h.conversations.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
		"total":         total,
	})
}

func (h *Handler) getConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	conv, err := h.gate.Authorize(c.Request.Context(), userID, conversationID)
	if err != nil {
		h.conversationError(c, err)
		return
	}
	messages, err := h.conversations.Messages(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	if _, err := h.gate.Authorize(c.Request.Context(), userID, conversationID); err != nil {
		h.conversationError(c, err)
		return
	}
	if err := h.conversations.Delete(c.Request.Context(), userID, conversationID); err != nil {
		h.conversationError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) conversationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, gate.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Tasks

type taskRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date"`
}

func (h *Handler) createTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	created, err := h.tasks.Create(c.Request.Context(), userID, req.Title, req.Description, req.DueDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) listTasks(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	tasks, total, err := h.tasks.List(c.Request.Context(), userID, task.Filter{
		Status: c.DefaultQuery("status", task.StatusAll),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": total})
}

func (h *Handler) getTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := h.pathTaskID(c)
	if !ok {
		return
	}
	found, err := h.tasks.Get(c.Request.Context(), userID, taskID)
	if err != nil {
		h.taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (h *Handler) updateTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := h.pathTaskID(c)
	if !ok {
		return
	}
	var req struct {
		Title       *string    `json:"title"`
		Description *string    `json:"description"`
		DueDate     *time.Time `json:"due_date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	updated, err := h.tasks.Update(c.Request.Context(), userID, taskID, task.Patch{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
	})
	if err != nil {
		h.taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) completeTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := h.pathTaskID(c)
	if !ok {
		return
	}
	var req struct {
		Completed bool `json:"completed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	updated, err := h.tasks.SetCompleted(c.Request.Context(), userID, taskID, req.Completed)
	if err != nil {
		h.taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) deleteTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := h.pathTaskID(c)
	if !ok {
		return
	}
	if err := h.tasks.Delete(c.Request.Context(), userID, taskID); err != nil {
		h.taskError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) pathTaskID(c *gin.Context) (int64, bool) {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || taskID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return taskID, true
}

func (h *Handler) taskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
