// Package hooks implements the Hook Bus: emitHook fans a closed
// event set out to configured subprocess scripts, fire-and-forget for async
// scripts (capped concurrency) and sequential for blocking scripts (which
// may cancel further processing). Modeled on
// internal/sandbox/legacy.Runner subprocess-execution pattern, generalized
// from a skill-script runner into an event-hook dispatcher.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/bus"
)

// HookEventEnv is the fixed environment variable carrying the event name
// into the spawned script's process environment.
const HookEventEnv = "DOTCLAW_HOOK_EVENT"

// Mode selects whether a configured script runs fire-and-forget or
// sequentially with cancellation power.
type Mode string

const (
	ModeAsync    Mode = "async"
	ModeBlocking Mode = "blocking"
)

// Script is one configured hook script binding. Exactly one of Command or
// Wasm should be set; Wasm takes precedence if both are (a config row
// naming a .wasm module doesn't need Args, which are subprocess-only).
type Script struct {
	Event   string // exact topic, e.g. "message.received"
	Command string
	Args    []string
	Wasm    string // path to a .wasm module run in-process via wazero instead of exec
	Mode    Mode
	Timeout time.Duration
}

// Config controls Bus-wide hook dispatch limits.
type Config struct {
	Scripts          []Script
	AsyncConcurrency int           // global cap on in-flight async scripts
	DefaultTimeout   time.Duration // used when a Script.Timeout is zero
}

// Bus dispatches configured hook scripts for bus events.
type Bus struct {
	cfg    Config
	logger *slog.Logger
	sem    chan struct{}

	wasmOnce sync.Once
	wasm     *wasmRuntime
}

// New constructs a Bus. asyncConcurrency/defaultTimeout fall back to sane
// defaults when zero.
func New(cfg Config, logger *slog.Logger) *Bus {
	if cfg.AsyncConcurrency <= 0 {
		cfg.AsyncConcurrency = 8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{cfg: cfg, logger: logger, sem: make(chan struct{}, cfg.AsyncConcurrency)}
}

// Close releases the wazero runtime, if any WASM hook ever ran one.
func (b *Bus) Close(ctx context.Context) error {
	if b.wasm == nil {
		return nil
	}
	return b.wasm.Close(ctx)
}

type cancelResponse struct {
	Cancel bool `json:"cancel"`
}

// Emit runs every script configured for event, async ones fire-and-forget
// (skipped with a warning once the concurrency cap is saturated) and
// blocking ones sequentially. It returns true if any blocking script
// requested cancellation.
func (b *Bus) Emit(ctx context.Context, event string, payload any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("hook payload marshal failed", "event", event, "error", err)
		return false
	}

	cancel := false
	for _, s := range b.cfg.Scripts {
		if s.Event != event {
			continue
		}
		switch s.Mode {
		case ModeAsync:
			b.runAsync(ctx, s, body)
		default:
			if b.runBlocking(ctx, s, body) {
				cancel = true
			}
		}
	}
	return cancel
}

func (b *Bus) runAsync(ctx context.Context, s Script, payload []byte) {
	select {
	case b.sem <- struct{}{}:
	default:
		b.logger.Warn("hook skipped: async concurrency cap reached", "event", s.Event, "command", s.Command)
		return
	}
	go func() {
		defer func() { <-b.sem }()
		_, _ = b.run(ctx, s, payload)
	}()
}

func (b *Bus) runBlocking(ctx context.Context, s Script, payload []byte) bool {
	out, err := b.run(ctx, s, payload)
	if err != nil {
		b.logger.Warn("hook script failed", "event", s.Event, "command", s.Command, "error", err)
		return false
	}
	var resp cancelResponse
	if jsonErr := json.Unmarshal(bytes.TrimSpace(out), &resp); jsonErr != nil {
		return false
	}
	return resp.Cancel
}

func (b *Bus) run(ctx context.Context, s Script, payload []byte) ([]byte, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.Wasm != "" {
		b.wasmOnce.Do(func() { b.wasm = newWasmRuntime(context.Background()) })
		out, err := b.wasm.run(runCtx, s.Wasm, payload)
		if err != nil {
			b.logger.Warn("wasm hook failed", "event", s.Event, "module", s.Wasm, "error", err)
		}
		return out, nil
	}

	cmd := exec.CommandContext(runCtx, s.Command, s.Args...)
	cmd.Env = append(cmd.Environ(), HookEventEnv+"="+s.Event)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Non-zero exit codes warn but do not fail the caller.
		b.logger.Warn("hook script exited non-zero", "event", s.Event, "command", s.Command, "stderr", stderr.String(), "error", err)
	}
	return stdout.Bytes(), nil
}

// Subscribe wires a Bus to every topic in bus.HookEvents on the in-process
// event bus, so emitHook fires from normal Publish calls as well as direct
// callers. Runs until the subscription's underlying channel is closed.
func Subscribe(ctx context.Context, eventBus *bus.Bus, hookBus *Bus) {
	var wg sync.WaitGroup
	for _, topic := range bus.HookEvents {
		sub := eventBus.Subscribe(topic)
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Ch():
					if !ok {
						return
					}
					hookBus.Emit(ctx, ev.Topic, ev.Payload)
				}
			}
		}(topic)
	}
	wg.Wait()
}
