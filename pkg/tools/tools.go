// Package tools defines the boundary between the agent core and concrete
// tool implementations: execute a named tool with arguments, get back
// success/output/optional-image. Concrete integrations (shell, files,
// browsers, email) live outside the core and plug in through Definition
// handlers or a custom Executor.
package tools

import (
	"context"
	"fmt"

	"github.com/reza/kalda/pkg/events"
	"github.com/reza/kalda/pkg/llm"
)

// Result is the outcome of one tool execution. An unknown tool or a handler
// error is a failed Result, never a process-terminating condition.
type Result struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	// Image is an optional auxiliary image (base64 data URL) the agent loop
	// may surface to the model as ephemeral visual context.
	Image string `json:"image,omitempty"`
}

// ExecContext provides runtime information for tool execution. The core
// treats the working directory and the event sink as opaque.
type ExecContext struct {
	SessionKey string
	WorkingDir string
	Events     events.Sink
}

// Executor executes named tools.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any, ec ExecContext) Result
}

// Parameter describes one tool parameter.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Handler is the function signature for tool execution.
type Handler func(ctx context.Context, args map[string]any, ec ExecContext) (Result, error)

// Definition declares a tool: metadata, parameter schema and handler.
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Handler
}

// Spec renders the definition into the wire tool-catalog format.
func (d Definition) Spec() llm.Tool {
	properties := map[string]any{}
	var required []string
	for _, p := range d.Parameters {
		properties[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		},
	}
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", d.Name)
	}
	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter name is required", d.Name)
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("tool %s: invalid parameter type %s for %s", d.Name, p.Type, p.Name)
		}
	}
	return nil
}
