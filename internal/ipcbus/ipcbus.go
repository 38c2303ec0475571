// Package ipcbus implements the IPC Bus: a file-watched inbox
// rooted at DATA_DIR/ipc that lets an agent container talk back to the
// host without a network socket. Each registered group gets its own
// messages/tasks/requests/responses subtree; a single watcher goroutine
// scans for new files, dispatches each exactly once, and deletes it —
// moving it to a shared errors/ directory on parse or dispatch failure.
//
// Grounded on internal/config/watcher.go's fsnotify goroutine shape,
// generalized from "reload one of four fixed config files" into "drain an
// arbitrary, dynamically-growing set of per-group request directories",
// plus a polling fallback for when the native watcher cannot be started.
package ipcbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dotsetlabs/dotclaw/internal/groups"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/scheduler"
	"github.com/dotsetlabs/dotclaw/internal/store"
)

const (
	messagesDir  = "messages"
	tasksDir     = "tasks"
	requestsDir  = "requests"
	responsesDir = "responses"
	errorsDir    = "errors"
)

// MemoryStore is the external collaborator that owns per-group memory
// CRUD — memory persistence lives outside this module. The IPC
// bus only validates a request's shape and forwards it; it never persists
// memory itself.
type MemoryStore interface {
	Get(ctx context.Context, groupFolder, key string) (value string, ok bool, err error)
	Set(ctx context.Context, groupFolder, key, value string) error
	Delete(ctx context.Context, groupFolder, key string) error
	List(ctx context.Context, groupFolder string) (map[string]string, error)
}

// TaskRunner is the subset of *scheduler.Scheduler the bus drives directly
// (run_task); everything else goes through *store.Store so a task op
// observed mid-run doesn't race the scheduler's own poll tick.
type TaskRunner interface {
	RunNow(ctx context.Context, taskID string) error
}

// Config bundles a Bus's collaborators and tunables. Background jobs are
// spawned by writing directly to the Store the worker pool polls; nothing
// here talks to internal/jobs.
type Config struct {
	DataDir      string
	Store        *store.Store
	Groups       *groups.Registry
	Providers    *providers.Registry
	Scheduler    TaskRunner
	Memory       MemoryStore
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Bus watches DATA_DIR/ipc and dispatches every file it finds there.
type Bus struct {
	dataDir      string
	store        *store.Store
	groups       *groups.Registry
	providers    *providers.Registry
	scheduler    TaskRunner
	memory       MemoryStore
	pollInterval time.Duration
	logger       *slog.Logger

	schemas map[string]*jsonschema.Schema

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Bus and compiles the fixed set of per-type JSON
// Schemas used to validate request payloads before they are unmarshalled
// into their typed variant struct. Panics only on a malformed built-in schema,
// which would be a programming error, not a runtime condition.
func New(cfg Config) *Bus {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		panic(fmt.Sprintf("ipcbus: compile built-in schemas: %v", err))
	}
	return &Bus{
		dataDir:      cfg.DataDir,
		store:        cfg.Store,
		groups:       cfg.Groups,
		providers:    cfg.Providers,
		scheduler:    cfg.Scheduler,
		memory:       cfg.Memory,
		pollInterval: cfg.PollInterval,
		logger:       logger,
		schemas:      schemas,
		wake:         make(chan struct{}, 1),
	}
}

// groupDirs returns the four subdirectories under DATA_DIR/ipc/<folder>.
func (b *Bus) groupRoot(folder string) string {
	return filepath.Join(b.dataDir, "ipc", folder)
}

func (b *Bus) errorsRoot() string {
	return filepath.Join(b.dataDir, "ipc", errorsDir)
}

// ensureGroupDirs creates the per-group subtree, idempotently. Called at
// Start for every already-registered group, and again whenever
// register_group admits a new one.
func (b *Bus) ensureGroupDirs(folder string) error {
	root := b.groupRoot(folder)
	for _, sub := range []string{messagesDir, tasksDir, requestsDir, responsesDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return fmt.Errorf("create ipc dir %s/%s: %w", folder, sub, err)
		}
	}
	return nil
}

// Start creates the directory tree for every known group, starts the
// filesystem watcher (falling back to polling if fsnotify cannot start),
// and runs the serialized dispatch loop until ctx is cancelled.
func (b *Bus) Start(ctx context.Context) error {
	if err := os.MkdirAll(b.errorsRoot(), 0o755); err != nil {
		return fmt.Errorf("create ipc errors dir: %w", err)
	}
	for _, g := range b.groups.Snapshot() {
		if err := b.ensureGroupDirs(g.Folder); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go b.dispatchLoop(runCtx)

	if err := b.startWatcher(runCtx); err != nil {
		b.logger.Warn("ipc watcher unavailable, falling back to polling", "error", err)
		b.wg.Add(1)
		go b.pollLoop(runCtx)
	}

	b.notify()
	return nil
}

// Stop signals the watcher and dispatch loop to exit and waits for them.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Bus) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single serialized scanner: one in-flight scan at a
// time, and if new events arrive while scanning, exactly one more pass
// runs after. Because b.wake is capacity-1, a
// notify() that arrives mid-scan is coalesced into exactly one rescan
// after the current one finishes.
func (b *Bus) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
			b.scanAll(ctx)
		}
	}
}

func (b *Bus) pollLoop(ctx context.Context) {
	defer b.wg.Done()
	t := time.NewTicker(b.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.notify()
		}
	}
}

func (b *Bus) startWatcher(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	root := filepath.Join(b.dataDir, "ipc")
	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return err
	}
	for _, g := range b.groups.Snapshot() {
		for _, sub := range []string{messagesDir, tasksDir, requestsDir} {
			_ = fsw.Add(filepath.Join(b.groupRoot(g.Folder), sub))
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 {
					if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
						for _, sub := range []string{messagesDir, tasksDir, requestsDir} {
							_ = fsw.Add(filepath.Join(ev.Name, sub))
						}
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					b.notify()
				}
			case werr, ok := <-fsw.Errors:
				if !ok {
					return
				}
				b.logger.Error("ipc watcher error", "error", werr)
			}
		}
	}()
	return nil
}

// scanAll walks every registered group's tasks/, requests/, and messages/
// directories in filename order and dispatches every file found, exactly
// once each.
func (b *Bus) scanAll(ctx context.Context) {
	for _, g := range b.groups.Snapshot() {
		b.scanDir(ctx, g.Folder, tasksDir, false)
		b.scanDir(ctx, g.Folder, messagesDir, false)
		b.scanDir(ctx, g.Folder, requestsDir, true)
	}
}

func (b *Bus) scanDir(ctx context.Context, folder, sub string, expectResponse bool) {
	dir := filepath.Join(b.groupRoot(folder), sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			b.logger.Error("ipc scan dir", "dir", dir, "error", err)
		}
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b.consume(ctx, folder, sub, name, expectResponse)
	}
}

// consume reads one file exactly once, dispatches it, and removes it —
// moving it to the shared errors directory on any parse or dispatch
// failure — parse, dispatch, then delete.
func (b *Bus) consume(ctx context.Context, folder, sub, name string, expectResponse bool) {
	path := filepath.Join(b.groupRoot(folder), sub, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			b.logger.Error("ipc read file", "path", path, "error", err)
		}
		return
	}

	var env requestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.moveToErrors(folder, sub, name, raw)
		b.logger.Warn("ipc malformed envelope", "group", folder, "file", name, "error", err)
		return
	}

	result, dispatchErr := b.dispatch(ctx, folder, env)

	if expectResponse {
		b.writeResponse(folder, env.ID, result, dispatchErr)
	}

	if dispatchErr != nil && isMalformed(dispatchErr) {
		b.moveToErrors(folder, sub, name, raw)
		b.logger.Warn("ipc dispatch error", "group", folder, "type", env.Type, "error", dispatchErr)
		return
	}
	if dispatchErr != nil {
		b.logger.Warn("ipc op failed", "group", folder, "type", env.Type, "error", dispatchErr)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.logger.Error("ipc remove processed file", "path", path, "error", err)
	}
}

func (b *Bus) moveToErrors(folder, sub, name string, raw []byte) {
	dst := filepath.Join(b.errorsRoot(), fmt.Sprintf("%s.%s.%s", folder, sub, name))
	if err := os.WriteFile(dst, raw, 0o644); err != nil {
		b.logger.Error("ipc write error file", "dst", dst, "error", err)
		return
	}
	_ = os.Remove(filepath.Join(b.groupRoot(folder), sub, name))
}

// writeResponse writes the response envelope atomically (tmp + rename),
// so a half-written response is never observed.
func (b *Bus) writeResponse(folder, id string, result any, dispatchErr error) {
	resp := responseEnvelope{ID: id, OK: dispatchErr == nil}
	if dispatchErr != nil {
		resp.Error = dispatchErr.Error()
	} else {
		resp.Result = result
	}
	body, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("ipc marshal response", "error", err)
		return
	}

	dir := filepath.Join(b.groupRoot(folder), responsesDir)
	final := filepath.Join(dir, id+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		b.logger.Error("ipc write response tmp", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		b.logger.Error("ipc rename response", "path", final, "error", err)
	}
}

// requestEnvelope is the inbound wire shape every ipc file is parsed as.
type requestEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// responseEnvelope is the outbound wire shape for requests/ ops.
type responseEnvelope struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// malformedError marks a dispatch failure that should move the source
// file to the errors directory (bad shape, unknown type, schema
// violation) as opposed to a well-formed request that simply failed its
// operation (e.g. "task not found"), which is reported in the response
// but leaves the source file deleted normally.
type malformedError struct{ error }

func isMalformed(err error) bool {
	var m malformedError
	return errors.As(err, &m)
}

// authError is an authorization failure: warned and dropped, never
// surfaced to the end user. dispatch still returns it so sync callers get
// an {ok:false} response, but it is never treated as malformed — the
// envelope was fine, the source group just wasn't allowed.
type authError struct{ msg string }

func (e authError) Error() string { return e.msg }

func unauthorized(folder, op string) error {
	return authError{msg: fmt.Sprintf("group %q is not authorized for %q", folder, op)}
}

// dispatch validates payload against the op's schema, decodes it into the
// typed variant, enforces authorization, and runs the operation.
// unknown types are malformed and get logged-and-dropped.
func (b *Bus) dispatch(ctx context.Context, sourceGroup string, env requestEnvelope) (any, error) {
	schema, ok := b.schemas[env.Type]
	if !ok {
		return nil, malformedError{fmt.Errorf("unknown ipc request type %q", env.Type)}
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(env.Payload)))
	if err != nil {
		return nil, malformedError{fmt.Errorf("invalid payload JSON: %w", err)}
	}
	if err := schema.Validate(instance); err != nil {
		return nil, malformedError{fmt.Errorf("payload for %q failed schema validation: %w", env.Type, err)}
	}

	handler, ok := handlers[env.Type]
	if !ok {
		return nil, malformedError{fmt.Errorf("unregistered ipc handler for type %q", env.Type)}
	}
	return handler(b, ctx, sourceGroup, env.Payload)
}

// handlerFunc implements one IPC request type. It returns the response
// result for synchronous (requests/) ops, or (nil, err) for fire-and-forget
// (tasks/, messages/) ops, whose caller ignores the returned value.
type handlerFunc func(b *Bus, ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error)

// handlers maps every closed `type` discriminator to its implementation;
// anything outside this set is unknown and gets logged-and-dropped.
var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		"memory_get":    (*Bus).handleMemoryGet,
		"memory_set":    (*Bus).handleMemorySet,
		"memory_delete": (*Bus).handleMemoryDelete,
		"memory_list":   (*Bus).handleMemoryList,

		"list_groups": (*Bus).handleListGroups,
		"run_task":    (*Bus).handleRunTask,

		"spawn_job":  (*Bus).handleSpawnJob,
		"job_status": (*Bus).handleJobStatus,
		"list_jobs":  (*Bus).handleListJobs,
		"cancel_job": (*Bus).handleCancelJob,
		"job_update": (*Bus).handleJobUpdate,

		"edit_message":   (*Bus).handleEditMessage,
		"delete_message": (*Bus).handleDeleteMessage,

		"send_message":         (*Bus).handleSendMessage,
		"send_document":        (*Bus).handleSendDocument,
		"send_photo":           (*Bus).handleSendPhoto,
		"send_voice":           (*Bus).handleSendVoice,
		"send_audio":           (*Bus).handleSendAudio,
		"send_location":        (*Bus).handleSendLocation,
		"send_contact":         (*Bus).handleSendContact,
		"send_poll":            (*Bus).handleSendPoll,
		"send_inline_keyboard": (*Bus).handleSendInlineKeyboard,

		"schedule_task": (*Bus).handleScheduleTask,
		"pause_task":    (*Bus).handlePauseTask,
		"resume_task":   (*Bus).handleResumeTask,
		"cancel_task":   (*Bus).handleCancelTask,
		"update_task":   (*Bus).handleUpdateTask,

		"register_group": (*Bus).handleRegisterGroup,
		"remove_group":   (*Bus).handleRemoveGroup,
		"set_model":      (*Bus).handleSetModel,
	}
}

// uuidString is a tiny seam so tests can't accidentally depend on a real
// random value's shape; production always uses a fresh UUID.
func uuidString() string { return uuid.New().String() }
