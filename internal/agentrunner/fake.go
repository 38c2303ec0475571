package agentrunner

import (
	"context"
	"time"
)

// Fake is an in-process Runner double for tests, modeled on the way the
// teacher's agent.Registry.RegisterTestAgent lets callers swap in a custom
// processor instead of the real brain.
type Fake struct {
	// Handle is invoked for each Execute call. If nil, Fake returns a
	// canned ContainerOutput{Status: "ok"}.
	Handle func(ctx context.Context, spec Spec) (ContainerOutput, error)
	Delay  time.Duration
}

// Execute implements Runner.
func (f *Fake) Execute(ctx context.Context, spec Spec) (Result, error) {
	started := time.Now().UTC()
	agentCtx := AgentContext{TraceID: spec.TraceID, GroupFolder: spec.GroupFolder, StartedAt: started}

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			agentCtx.FinishedAt = time.Now().UTC()
			return Result{}, &ExecutionError{Context: agentCtx, Cause: ctx.Err()}
		case <-spec.Abort:
			agentCtx.FinishedAt = time.Now().UTC()
			return Result{}, &ExecutionError{Context: agentCtx, Cause: ErrAborted}
		}
	}

	var out ContainerOutput
	var err error
	if f.Handle != nil {
		out, err = f.Handle(ctx, spec)
	} else {
		out = ContainerOutput{Status: "ok", Result: "ok"}
	}
	agentCtx.FinishedAt = time.Now().UTC()
	if err != nil {
		return Result{}, &ExecutionError{Context: agentCtx, Cause: err}
	}
	return Result{Output: out, Context: agentCtx}, nil
}
