package types

import "context"

// Tool is the invocation contract shared by agent tools and their decorators.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, args map[string]any) (*ToolResult, error)
}

// ToolResult represents the result of a tool execution.
// A declined action is reported with Success=false and Cancelled=true
// so the calling agent can explain the outcome instead of aborting.
type ToolResult struct {
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Message   string `json:"message,omitempty"`
	Output    any    `json:"output,omitempty"`
}

// CancelledResult builds the structured result returned for a rejected tool call.
func CancelledResult(name, message string) *ToolResult {
	return &ToolResult{
		Name:      name,
		Success:   false,
		Cancelled: true,
		Message:   message,
	}
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc struct {
	ToolName string
	Fn       func(ctx context.Context, args map[string]any) (*ToolResult, error)
}

// Name implements Tool.
func (t ToolFunc) Name() string { return t.ToolName }

// Invoke implements Tool.
func (t ToolFunc) Invoke(ctx context.Context, args map[string]any) (*ToolResult, error) {
	return t.Fn(ctx, args)
}
