package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloudwego/eino/schema"

	"taskchat/internal/models"
)

var (
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrUnknownTool is returned when the model requests a tool that does not exist.
	ErrUnknownTool = errors.New("unknown tool")
)

// ValidationError reports a malformed tool call from the model. Unlike
// handler failures, which are fed back into the reasoning loop, a validation
// failure is a protocol bug and is reported up.
type ValidationError struct {
	Tool     string
	Field    string
	Expected string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: field %q: expected %s", e.Tool, e.Field, e.Expected)
}

// ParamType enumerates the argument types a tool schema can declare.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
)

// Param describes one argument of a tool.
type Param struct {
	Desc     string
	Type     ParamType
	Required bool
	Enum     []string
}

// ToolContext carries per-dispatch request metadata into handlers.
type ToolContext struct {
	CallerID  int64
	RequestID string
	Timestamp time.Time
}

// Handler executes one tool call with validated arguments.
type Handler func(ctx context.Context, args map[string]any, tc ToolContext) (any, error)

// ToolDefinition binds a tool name and argument schema to its handler.
type ToolDefinition struct {
	Name    string
	Desc    string
	Params  map[string]Param
	Handler Handler
}

// Registry is the process-wide tool catalog. It is populated once at startup
// and read-only afterwards, so lookups need no locking.
type Registry struct {
	tools map[string]*ToolDefinition
	order []string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolDefinition)}
}

// Register adds a tool definition. Registering a name twice fails and leaves
// the first registration active.
func (r *Registry) Register(def ToolDefinition) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", def.Name)
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	copied := def
	r.tools[def.Name] = &copied
	r.order = append(r.order, def.Name)
	return nil
}

// Definitions returns the tool catalog in registration order, converted to
// the gateway's wire schema.
func (r *Registry) Definitions() []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		def := r.tools[name]
		params := make(map[string]*schema.ParameterInfo, len(def.Params))
		for field, p := range def.Params {
			params[field] = &schema.ParameterInfo{
				Desc:     p.Desc,
				Type:     schemaType(p.Type),
				Required: p.Required,
				Enum:     p.Enum,
			}
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        def.Name,
			Desc:        def.Desc,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos
}

// Names lists the registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Dispatch looks up the tool, validates rawArgs against its schema, and
// invokes the handler. Lookup and validation failures return an error: they
// indicate a malformed request from the model. Handler failures never
// propagate as errors; they are converted into an invocation with
// status=error so the model can react.
func (r *Registry) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage, tc ToolContext) (models.ToolInvocation, error) {
	inv := models.ToolInvocation{ToolName: name, Arguments: rawArgs}

	def, ok := r.tools[name]
	if !ok {
		return inv, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	args, err := decodeArgs(name, rawArgs)
	if err != nil {
		return inv, err
	}
	if err := validateArgs(def, args); err != nil {
		return inv, err
	}

	result, handlerErr := r.invoke(ctx, def, args, tc)
	if handlerErr != nil {
		log.Printf("tool %s failed (request %s): %v", name, tc.RequestID, handlerErr)
		inv.Status = models.InvocationError
		inv.Error = handlerErr.Error()
		return inv, nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		log.Printf("tool %s result encode failed (request %s): %v", name, tc.RequestID, err)
		inv.Status = models.InvocationError
		inv.Error = "tool produced an unencodable result"
		return inv, nil
	}
	inv.Status = models.InvocationSuccess
	inv.Result = payload
	return inv, nil
}

// invoke shields the loop from handler panics.
func (r *Registry) invoke(ctx context.Context, def *ToolDefinition, args map[string]any, tc ToolContext) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("tool %s panicked (request %s): %v", def.Name, tc.RequestID, rec)
			result = nil
			err = errors.New("internal tool failure")
		}
	}()
	return def.Handler(ctx, args, tc)
}

func decodeArgs(tool string, rawArgs json.RawMessage) (map[string]any, error) {
	if len(rawArgs) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, &ValidationError{Tool: tool, Field: "(arguments)", Expected: "JSON object"}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func validateArgs(def *ToolDefinition, args map[string]any) error {
	for field, p := range def.Params {
		val, present := args[field]
		if !present || val == nil {
			if p.Required {
				return &ValidationError{Tool: def.Name, Field: field, Expected: string(p.Type)}
			}
			continue
		}
		switch p.Type {
		case ParamString:
			str, ok := val.(string)
			if !ok {
				return &ValidationError{Tool: def.Name, Field: field, Expected: "string"}
			}
			if len(p.Enum) > 0 && !contains(p.Enum, str) {
				return &ValidationError{Tool: def.Name, Field: field, Expected: fmt.Sprintf("one of %v", p.Enum)}
			}
		case ParamInteger:
			num, ok := val.(float64)
			if !ok || num != float64(int64(num)) {
				return &ValidationError{Tool: def.Name, Field: field, Expected: "integer"}
			}
		case ParamBoolean:
			if _, ok := val.(bool); !ok {
				return &ValidationError{Tool: def.Name, Field: field, Expected: "boolean"}
			}
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func schemaType(t ParamType) schema.DataType {
	switch t {
	case ParamInteger:
		return schema.Integer
	case ParamBoolean:
		return schema.Boolean
	default:
		return schema.String
	}
}
