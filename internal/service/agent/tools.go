package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskchat/internal/service/task"
)

// RegisterTaskTools installs the five task-management tools. It is called
// once at startup; the registry is immutable afterwards.
func RegisterTaskTools(r *Registry, tasks *task.Store) error {
	defs := []ToolDefinition{
		{
			Name: "add_task",
			Desc: "Create a new task for the user. Accepts a title (required), optional description, and optional due date. Returns the created task with its ID.",
			Params: map[string]Param{
				"title":       {Desc: "Task title", Type: ParamString, Required: true},
				"description": {Desc: "Task description", Type: ParamString},
				"due_date":    {Desc: "Due date in ISO8601 format; must be in the future", Type: ParamString},
			},
			Handler: addTaskHandler(tasks),
		},
		{
			Name: "list_tasks",
			Desc: "Retrieve the user's tasks, optionally filtered by completion status, with pagination.",
			Params: map[string]Param{
				"status": {Desc: "Filter by completion status", Type: ParamString, Enum: []string{task.StatusAll, task.StatusComplete, task.StatusIncomplete}},
				"limit":  {Desc: "Maximum tasks to return (default 50)", Type: ParamInteger},
				"offset": {Desc: "Pagination offset (default 0)", Type: ParamInteger},
			},
			Handler: listTasksHandler(tasks),
		},
		{
			Name: "complete_task",
			Desc: "Mark a task as complete or incomplete by ID.",
			Params: map[string]Param{
				"task_id":   {Desc: "ID of the task", Type: ParamInteger, Required: true},
				"completed": {Desc: "true to mark complete, false to mark incomplete", Type: ParamBoolean, Required: true},
			},
			Handler: completeTaskHandler(tasks),
		},
		{
			Name: "delete_task",
			Desc: "Permanently delete a task by ID.",
			Params: map[string]Param{
				"task_id": {Desc: "ID of the task", Type: ParamInteger, Required: true},
			},
			Handler: deleteTaskHandler(tasks),
		},
		{
			Name: "update_task",
			Desc: "Update a task's title, description, or due date. Only provided fields change.",
			Params: map[string]Param{
				"task_id":     {Desc: "ID of the task", Type: ParamInteger, Required: true},
				"title":       {Desc: "New title", Type: ParamString},
				"description": {Desc: "New description", Type: ParamString},
				"due_date":    {Desc: "New due date in ISO8601 format", Type: ParamString},
			},
			Handler: updateTaskHandler(tasks),
		},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func addTaskHandler(tasks *task.Store) Handler {
	return func(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
		title, _ := stringArg(args, "title")
		description, _ := stringArg(args, "description")
		due, err := dueDateArg(args, "due_date")
		if err != nil {
			return nil, err
		}
		if due != nil && !due.After(time.Now().UTC()) {
			return nil, errors.New("due date must be in the future")
		}
		created, err := tasks.Create(ctx, tc.CallerID, title, description, due)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "task": created}, nil
	}
}

func listTasksHandler(tasks *task.Store) Handler {
	return func(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
		status, _ := stringArg(args, "status")
		limit, _ := intArg(args, "limit")
		offset, _ := intArg(args, "offset")
		list, total, err := tasks.List(ctx, tc.CallerID, task.Filter{
			Status: status,
			Limit:  int(limit),
			Offset: int(offset),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "tasks": list, "total": total}, nil
	}
}

func completeTaskHandler(tasks *task.Store) Handler {
	return func(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
		taskID, _ := intArg(args, "task_id")
		completed, _ := boolArg(args, "completed")
		updated, err := tasks.SetCompleted(ctx, tc.CallerID, taskID, completed)
		if err != nil {
			return nil, taskError(taskID, err)
		}
		return map[string]any{"success": true, "task": updated}, nil
	}
}

func deleteTaskHandler(tasks *task.Store) Handler {
	return func(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
		taskID, _ := intArg(args, "task_id")
		if err := tasks.Delete(ctx, tc.CallerID, taskID); err != nil {
			return nil, taskError(taskID, err)
		}
		return map[string]any{"success": true, "task_id": taskID, "deleted": true}, nil
	}
}

func updateTaskHandler(tasks *task.Store) Handler {
	return func(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
		taskID, _ := intArg(args, "task_id")
		var patch task.Patch
		if title, ok := stringArg(args, "title"); ok {
			patch.Title = &title
		}
		if description, ok := stringArg(args, "description"); ok {
			patch.Description = &description
		}
		due, err := dueDateArg(args, "due_date")
		if err != nil {
			return nil, err
		}
		if due != nil {
			patch.DueDate = due
		}
		if patch.Title == nil && patch.Description == nil && patch.DueDate == nil {
			return nil, errors.New("at least one of title, description, or due_date is required")
		}
		updated, err := tasks.Update(ctx, tc.CallerID, taskID, patch)
		if err != nil {
			return nil, taskError(taskID, err)
		}
		return map[string]any{"success": true, "task": updated}, nil
	}
}

func taskError(taskID int64, err error) error {
	if errors.Is(err, task.ErrNotFound) {
		return fmt.Errorf("task %d not found", taskID)
	}
	return err
}

// Argument helpers: the registry has already validated presence and type, so
// these only convert out of the decoded JSON representation.

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func intArg(args map[string]any, key string) (int64, bool) {
	v, ok := args[key].(float64)
	return int64(v), ok
}

func boolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key].(bool)
	return v, ok
}

func dueDateArg(args map[string]any, key string) (*time.Time, error) {
	raw, ok := stringArg(args, key)
	if !ok || raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New("due date must be ISO8601, e.g. 2026-01-02T15:04:05Z")
	}
	utc := parsed.UTC()
	return &utc, nil
}
