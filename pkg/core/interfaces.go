package core

import "context"

// AgentCapability declares what a domain agent can handle. It is attached at
// registration and never changes afterwards.
type AgentCapability struct {
	Domain      string   `json:"domain"`
	Intents     []string `json:"intents"`
	Description string   `json:"description"`
}

// AgentResult is the outcome of one agent invocation.
type AgentResult struct {
	TaskID   string         `json:"task_id"`
	Success  bool           `json:"success"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// NewAgentResult builds a successful result.
func NewAgentResult(taskID, content string) *AgentResult {
	return &AgentResult{TaskID: taskID, Success: true, Content: content, Metadata: map[string]any{}}
}

// NewFailedResult builds a failed result carrying the error text.
func NewFailedResult(taskID string, err error) *AgentResult {
	res := &AgentResult{TaskID: taskID, Metadata: map[string]any{}}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// WithMetadata sets a metadata entry and returns the result.
func (r *AgentResult) WithMetadata(key string, value any) *AgentResult {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
	return r
}

// Agent is a capability-declaring handler for one task category.
type Agent interface {
	ID() string
	Capability() AgentCapability
	Handle(ctx context.Context, task *Task, execCtx *ExecutionContext) (*AgentResult, error)
}

// ToolResult is the uniform outcome of a tool invocation.
type ToolResult struct {
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolExecutor dispatches tool operations by name.
type ToolExecutor interface {
	Execute(ctx context.Context, tool, operation string, params map[string]any) (*ToolResult, error)
}

// ModelGenerator produces text for a logical role and domain.
type ModelGenerator interface {
	Generate(ctx context.Context, role ModelRole, domain, prompt string) (string, error)
}
