// Package agentrunner defines the boundary between the host orchestration
// plane and the containerized LLM agent that actually answers a prompt.
//
// DotClaw treats the agent itself as an opaque collaborator:
// the core only ever calls Runner.Execute and interprets the structured
// ContainerOutput it returns. Nothing in this package reasons about model
// choice, prompt content, or tool semantics.
package agentrunner

import (
	"context"
	"errors"
	"time"
)

// ToolPolicy narrows or widens what tools an agent run may use.
type ToolPolicy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// AttachmentRef is a host-local reference to a downloaded attachment,
// handed to the container so it can read the file from the group workspace.
type AttachmentRef struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
	SizeByte int64  `json:"size_bytes"`
}

// Spec describes one agent invocation. It is built by the message pipeline
// (for chat turns) or the scheduler/jobs worker (for scheduled/background
// runs) and handed unchanged to the Runner.
type Spec struct {
	TraceID       string
	ChatJID       string
	GroupFolder   string
	SessionID     string
	Prompt        string
	RecallBudget  RecallBudget
	ToolPolicy    ToolPolicy
	ModelOverride string
	MaxToolSteps  int
	Attachments   []AttachmentRef
	Timeout       time.Duration
	Timezone      string
	Abort         <-chan struct{} `json:"-"`
}

// RecallBudget bounds how much memory-recall context the container may pull
// in before answering; the memory store itself is out of scope for this core.
type RecallBudget struct {
	MaxResults int
	MaxTokens  int
}

// ContainerOutput is the structured result handed back by the agent
// container, independent of transport.
type ContainerOutput struct {
	Status           string // "ok" or "error"
	Result           string
	Error            string
	ToolCalls        int
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMS        int64
	MemoryUpserted   int
	NewSessionID     string
}

// AgentContext carries host-side bookkeeping about a run, returned alongside
// (or instead of, on failure) the container's own output.
type AgentContext struct {
	TraceID     string
	GroupFolder string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Result is the pair a Runner hands back on success.
type Result struct {
	Output  ContainerOutput
	Context AgentContext
}

// ExecutionError wraps a host-side failure to run the container at all
// (as opposed to the container itself reporting status=error).
type ExecutionError struct {
	Context AgentContext
	Cause   error
}

func (e *ExecutionError) Error() string {
	return "agent execution failed: " + e.Cause.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// ErrAborted is returned (wrapped in ExecutionError) when Spec.Abort fires
// before the container reports a result.
var ErrAborted = errors.New("agent run aborted")

// Runner is the one interface the core orchestration plane depends on to
// get an agent turn executed. Concrete implementations (container-backed,
// in-process fake for tests) live outside this package.
type Runner interface {
	Execute(ctx context.Context, spec Spec) (Result, error)
}
