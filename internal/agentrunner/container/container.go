// Package container implements agentrunner.Runner by shelling each agent
// turn out to a per-group Docker container. It is not part of the core
// orchestration plane (the core only depends on agentrunner.Runner) but is
// the concrete wiring the default dotclaw binary uses, grounded on the
// teacher's internal/tools DockerSandbox.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dotsetlabs/dotclaw/internal/agentrunner"
)

// Config describes how to run agent containers for a set of groups.
type Config struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
	GroupsDir   string // <GROUPS_DIR>/<group>/{logs,inbox}
	Logger      *slog.Logger
}

// Runner executes agent turns in ephemeral per-call Docker containers,
// one per group workspace bind mount.
type Runner struct {
	cli    *client.Client
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	warm map[string]bool // group folders that have been warm-started
}

// New creates a container-backed Runner.
func New(cfg Config) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "dotclaw/agent:latest"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 1024
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cli: cli, cfg: cfg, logger: logger, warm: make(map[string]bool)}, nil
}

// WarmStart pre-pulls the agent image so the first real message for a group
// doesn't pay container-create latency.
func (r *Runner) WarmStart(ctx context.Context, groupFolders []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, folder := range groupFolders {
		if r.warm[folder] {
			continue
		}
		if err := os.MkdirAll(filepath.Join(r.cfg.GroupsDir, folder, "inbox"), 0o755); err != nil {
			r.logger.Warn("container warm-start: mkdir failed", "group", folder, "error", err)
			continue
		}
		r.warm[folder] = true
	}
}

// Execute runs one agent turn in a fresh container, bind-mounting the
// group's workspace and passing spec/result as JSON files under
// <GROUPS_DIR>/<group>/inbox.
func (r *Runner) Execute(ctx context.Context, spec agentrunner.Spec) (agentrunner.Result, error) {
	started := time.Now().UTC()
	agentCtx := agentrunner.AgentContext{TraceID: spec.TraceID, GroupFolder: spec.GroupFolder, StartedAt: started}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	workDir := filepath.Join(r.cfg.GroupsDir, spec.GroupFolder)
	inbox := filepath.Join(workDir, "inbox")
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return agentrunner.Result{}, &agentrunner.ExecutionError{Context: agentCtx, Cause: fmt.Errorf("create inbox: %w", err)}
	}

	specPath := filepath.Join(inbox, spec.TraceID+".spec.json")
	resultPath := filepath.Join(inbox, spec.TraceID+".result.json")
	if err := writeSpecFile(specPath, spec); err != nil {
		return agentrunner.Result{}, &agentrunner.ExecutionError{Context: agentCtx, Cause: err}
	}
	defer os.Remove(specPath)
	defer os.Remove(resultPath)

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      r.cfg.Image,
		Cmd:        []string{"/agent/run", "--spec", "/workspace/inbox/" + filepath.Base(specPath), "--out", "/workspace/inbox/" + filepath.Base(resultPath)},
		WorkingDir: "/workspace",
		Tty:        false,
		Env:        []string{"DOTCLAW_SESSION_ID=" + spec.SessionID, "DOTCLAW_TRACE_ID=" + spec.TraceID},
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: r.cfg.MemoryMB * 1024 * 1024},
		NetworkMode: container.NetworkMode(r.cfg.NetworkMode),
		Binds:       []string{workDir + ":/workspace"},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return agentrunner.Result{}, &agentrunner.ExecutionError{Context: agentCtx, Cause: fmt.Errorf("create container: %w", err)}
	}
	containerID := resp.ID

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return agentrunner.Result{}, &agentrunner.ExecutionError{Context: agentCtx, Cause: fmt.Errorf("start container: %w", err)}
	}

	if done := r.waitForAbort(ctx, spec.Abort, containerID); done != nil {
		return agentrunner.Result{}, done
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return agentrunner.Result{}, &agentrunner.ExecutionError{Context: agentCtx, Cause: fmt.Errorf("wait container: %w", err)}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		_ = r.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
		cause := ctx.Err()
		if spec.Abort != nil {
			select {
			case <-spec.Abort:
				cause = agentrunner.ErrAborted
			default:
			}
		}
		return agentrunner.Result{}, &agentrunner.ExecutionError{Context: agentCtx, Cause: cause}
	}

	logs, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err == nil {
		defer logs.Close()
		var stdoutBuf, stderrBuf bytes.Buffer
		_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, logs)
		if exitCode != 0 {
			r.logger.Warn("agent container exited non-zero", "trace_id", spec.TraceID, "exit_code", exitCode, "stderr", stderrBuf.String())
		}
	}

	out, err := readResultFile(resultPath)
	agentCtx.FinishedAt = time.Now().UTC()
	if err != nil {
		return agentrunner.Result{}, &agentrunner.ExecutionError{Context: agentCtx, Cause: fmt.Errorf("read result: %w", err)}
	}
	out.LatencyMS = agentCtx.FinishedAt.Sub(agentCtx.StartedAt).Milliseconds()
	return agentrunner.Result{Output: out, Context: agentCtx}, nil
}

func (r *Runner) waitForAbort(ctx context.Context, abort <-chan struct{}, containerID string) error {
	if abort == nil {
		return nil
	}
	go func() {
		select {
		case <-abort:
			_ = r.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
		case <-ctx.Done():
		}
	}()
	return nil
}

// Close releases the underlying Docker client.
func (r *Runner) Close() error {
	return r.cli.Close()
}

func writeSpecFile(path string, spec agentrunner.Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func readResultFile(path string) (agentrunner.ContainerOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return agentrunner.ContainerOutput{}, err
	}
	var out agentrunner.ContainerOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return agentrunner.ContainerOutput{}, fmt.Errorf("unmarshal result: %w", err)
	}
	return out, nil
}
