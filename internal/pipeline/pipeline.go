// Package pipeline implements the Message Pipeline: a
// per-chat idle→draining→idle state machine that claims batches of
// queued messages from the Store, routes and rate-checks the trigger
// message, runs the agent, and requeues on retryable failure with
// exponential backoff + full jitter. Modeled on
// internal/engine.LoopRunner (budget/backoff/checkpoint loop shape,
// bus event publishing) generalized from a single agent-loop executor
// into a per-chat drain scheduler sitting in front of AgentRunner.
package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/agentrunner"
	"github.com/dotsetlabs/dotclaw/internal/bus"
	"github.com/dotsetlabs/dotclaw/internal/groups"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/ratelimit"
	"github.com/dotsetlabs/dotclaw/internal/router"
	"github.com/dotsetlabs/dotclaw/internal/shared"
	"github.com/dotsetlabs/dotclaw/internal/store"
)

// cancelPhrases are short trigger-message bodies that abort the
// currently-running agent turn for a chat.
var cancelPhrases = map[string]bool{
	"cancel":         true,
	"stop":           true,
	"abort":          true,
	"cancel request": true,
	"stop request":   true,
}

const (
	defaultMaxBatchSize  = 20
	defaultBatchWindowMS = 5000
	maxRetries           = 4
	retryBaseMS          = 3000
	retryCapMS           = 60_000
	drainIterCap         = 25 // iterations per drain invocation before yielding
)

// Notifier sends a chat-visible reply through the owning Provider. This
// exact method set is also satisfied by scheduler.Notifier and
// jobs.Notifier, all three backed by the same providerNotifier value —
// its signature must not change.
type Notifier interface {
	Notify(ctx context.Context, chatJID, text string) error
}

// TracedNotifier is an optional capability a Notifier may additionally
// implement to report back the provider's own id for the sent message, so
// the caller can bind it to the agent run that produced it. Pipeline type-
// asserts for this rather than requiring it, so Notifier implementations
// that only satisfy the base interface (including test doubles) still work.
type TracedNotifier interface {
	NotifyTraced(ctx context.Context, chatJID, text string) (messageID string, err error)
}

// providerNotifier adapts a providers.Registry into a Notifier.
type providerNotifier struct{ registry *providers.Registry }

func (n providerNotifier) Notify(ctx context.Context, chatJID, text string) error {
	_, err := n.NotifyTraced(ctx, chatJID, text)
	return err
}

func (n providerNotifier) NotifyTraced(ctx context.Context, chatJID, text string) (string, error) {
	p, _, err := n.registry.Resolve(chatJID)
	if err != nil {
		return "", err
	}
	result, err := p.SendMessage(ctx, chatJID, text, providers.SendOptions{})
	if err != nil {
		return "", err
	}
	return result.MessageID, nil
}

// NewProviderNotifier builds a Notifier backed by a providers.Registry. The
// concrete value also implements TracedNotifier.
func NewProviderNotifier(registry *providers.Registry) Notifier {
	return providerNotifier{registry: registry}
}

// activeRun tracks the abort token for a chat's in-flight agent call.
type activeRun struct {
	cancel context.CancelFunc
}

// Pipeline owns per-chat drain scheduling.
type Pipeline struct {
	store        *store.Store
	bus          *bus.Bus
	limiter      *ratelimit.Limiter
	groups       *groups.Registry
	runner       agentrunner.Runner
	notifier     Notifier
	routerCfg    router.Config
	logger       *slog.Logger
	maxBatchSize int
	batchWindow  time.Duration

	mu         sync.Mutex
	draining   map[string]bool
	activeRuns map[string]*activeRun
}

// Config bundles a Pipeline's collaborators.
type Config struct {
	Store     *store.Store
	Bus       *bus.Bus
	Limiter   *ratelimit.Limiter
	Groups    *groups.Registry
	Runner    agentrunner.Runner
	Notifier  Notifier
	RouterCfg router.Config
	Logger    *slog.Logger

	// MaxBatchSize caps how many queued messages one drain iteration folds
	// into a single agent run. 0 uses defaultMaxBatchSize.
	MaxBatchSize int
	// BatchWindow is the debounce slack: drain waits this long after being
	// woken before claiming, so a burst of near-simultaneous messages
	// settles into one batch instead of several. 0 uses defaultBatchWindowMS.
	BatchWindow time.Duration
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatchSize
	}
	window := cfg.BatchWindow
	if window <= 0 {
		window = defaultBatchWindowMS * time.Millisecond
	}
	return &Pipeline{
		store:        cfg.Store,
		bus:          cfg.Bus,
		limiter:      cfg.Limiter,
		groups:       cfg.Groups,
		runner:       cfg.Runner,
		notifier:     cfg.Notifier,
		routerCfg:    cfg.RouterCfg,
		logger:       logger,
		maxBatchSize: maxBatch,
		batchWindow:  window,
		draining:     make(map[string]bool),
		activeRuns:   make(map[string]*activeRun),
	}
}

// Enqueue appends a message to the Store and, if no drain is active for
// that chat, spawns one.
func (p *Pipeline) Enqueue(ctx context.Context, m store.QueuedMessage) error {
	if err := p.store.EnqueueMessage(ctx, m); err != nil {
		return err
	}
	if err := p.store.AppendMessage(ctx, store.Message{
		ID:         store.NamespacedMessageID(m.ChatJID, m.MessageID),
		ChatJID:    m.ChatJID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		IsOutbound: false,
	}); err != nil {
		p.logger.Warn("append inbound message to log failed", "chat", m.ChatJID, "error", err)
	}
	p.bus.Publish(bus.TopicMessageReceived, bus.MessageEvent{
		ChatJID: m.ChatJID, MessageID: m.MessageID, SenderID: m.SenderID, Content: m.Content,
	})

	p.mu.Lock()
	already := p.draining[m.ChatJID]
	if !already {
		p.draining[m.ChatJID] = true
	}
	p.mu.Unlock()

	if !already {
		go p.drain(context.Background(), m.ChatJID)
	}
	return nil
}

// drain waits out the batch-window debounce, then repeatedly claims
// batches for chatJID up to an iteration cap, yielding and rescheduling
// itself afterward so other chats are not starved.
func (p *Pipeline) drain(ctx context.Context, chatJID string) {
	defer func() {
		p.mu.Lock()
		delete(p.draining, chatJID)
		p.mu.Unlock()
	}()

	select {
	case <-time.After(p.batchWindow):
	case <-ctx.Done():
		return
	}

	for iter := 0; iter < drainIterCap; iter++ {
		batch, err := p.store.ClaimBatchForChat(ctx, chatJID, p.maxBatchSize, p.batchWindow.Milliseconds())
		if err != nil {
			p.logger.Error("claim batch failed", "chat", chatJID, "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		p.processBatch(ctx, chatJID, batch)
	}

	// Iteration cap exceeded: warn and reschedule rather than treat as an
	// error.
	p.logger.Warn("drain iteration cap reached, rescheduling", "chat", chatJID)
	p.mu.Lock()
	p.draining[chatJID] = true
	p.mu.Unlock()
	go p.drain(context.Background(), chatJID)
}

// ResumePendingDrains starts a drain for every chat with at least one
// pending queued message that isn't already draining. Called once at
// startup and again by the wake detector after a suspend/resume, since
// either event can leave pending messages without a live drain goroutine
// watching them.
func (p *Pipeline) ResumePendingDrains(ctx context.Context) error {
	jids, err := p.store.PendingChatJIDs(ctx)
	if err != nil {
		return err
	}
	for _, jid := range jids {
		p.mu.Lock()
		already := p.draining[jid]
		if !already {
			p.draining[jid] = true
		}
		p.mu.Unlock()
		if !already {
			go p.drain(context.Background(), jid)
		}
	}
	return nil
}

func (p *Pipeline) processBatch(ctx context.Context, chatJID string, batch []store.QueuedMessage) {
	ids := make([]int64, len(batch))
	for i, m := range batch {
		ids[i] = m.AutoID
	}
	trigger := batch[len(batch)-1]

	if cancelPhrases[strings.ToLower(strings.TrimSpace(trigger.Content))] {
		p.cancelActiveRun(chatJID)
		_ = p.store.CompleteQueuedMessages(ctx, ids)
		p.notify(ctx, chatJID, "Canceled.")
		return
	}

	key := ratelimit.Key("pipeline", trigger.SenderID)
	if d := p.limiter.Check(key); !d.Allowed {
		_ = p.store.CompleteQueuedMessages(ctx, ids)
		seconds := (d.RetryAfterMS + 999) / 1000
		p.notify(ctx, chatJID, rateLimitMessage(seconds))
		return
	}

	decision := router.RouteRequest(p.routerCfg, trigger.Content, nil, nil)

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.activeRuns[chatJID] = &activeRun{cancel: cancel}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.activeRuns, chatJID)
		p.mu.Unlock()
		cancel()
	}()

	p.bus.Publish(bus.TopicAgentStart, bus.AgentEvent{ChatJID: chatJID, Status: "running"})

	traceID := shared.NewTraceID()
	runCtx = shared.WithTraceID(runCtx, traceID)

	prompt, err := p.assemblePrompt(ctx, chatJID, trigger)
	if err != nil {
		p.logger.Warn("assemble prompt from message log failed, falling back to trigger content", "chat", chatJID, "error", err)
		prompt = trigger.Content
	}

	spec := agentrunner.Spec{
		TraceID:      traceID,
		ChatJID:      chatJID,
		Prompt:       prompt,
		MaxToolSteps: decision.MaxToolSteps,
		Abort:        runCtx.Done(),
	}

	result, err := p.runner.Execute(runCtx, spec)
	if err != nil {
		p.handleFailure(ctx, chatJID, batch, ids, err)
		return
	}

	if decision.ShouldBackground || needsBackground(result.Output) {
		_ = p.store.CompleteQueuedMessages(ctx, ids)
		advanceCursor(ctx, p.store, chatJID, trigger)
		p.notifyTraced(ctx, chatJID, traceID, "This is going to take a bit — I'll keep working on it in the background and let you know when it's done.")
		return
	}

	_ = p.store.CompleteQueuedMessages(ctx, ids)
	advanceCursor(ctx, p.store, chatJID, trigger)
	p.bus.Publish(bus.TopicAgentComplete, bus.AgentEvent{ChatJID: chatJID, Status: result.Output.Status})
	p.bus.Publish(bus.TopicMessageResponded, bus.MessageEvent{ChatJID: chatJID, Content: result.Output.Result})
	p.notifyTraced(ctx, chatJID, traceID, result.Output.Result)
}

// assemblePrompt folds every unsummarized message since the chat's cursor
// (the trigger's batch included) into the text handed to the agent, so a
// run sees the full back-and-forth since it last answered rather than just
// the final trigger message.
func (p *Pipeline) assemblePrompt(ctx context.Context, chatJID string, trigger store.QueuedMessage) (string, error) {
	cursor, err := p.store.GetChatCursor(ctx, chatJID)
	if err != nil {
		return "", err
	}
	msgs, err := p.store.MessagesSince(ctx, chatJID, cursor.LastAgentTimestamp, cursor.LastAgentMessageID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return trigger.Content, nil
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		speaker := m.SenderName
		if speaker == "" {
			speaker = m.SenderID
		}
		if m.IsOutbound {
			speaker = "assistant"
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String(), nil
}

// needsBackground inspects post-run signals (router/classifier/planner are
// applied before the run; timeout/tool_limit surface from the container's
// own status) for the auto-spawn decision.
func needsBackground(out agentrunner.ContainerOutput) bool {
	return out.Status == "error" && (out.Error == "timeout" || out.Error == "tool_limit")
}

func (p *Pipeline) handleFailure(ctx context.Context, chatJID string, batch []store.QueuedMessage, ids []int64, err error) {
	trigger := batch[len(batch)-1]
	if trigger.AttemptCount+1 >= maxRetries {
		_ = p.store.FailQueuedMessages(ctx, ids)
		p.notify(ctx, chatJID, "Sorry, something went wrong and I couldn't complete that after several attempts.")
		p.logger.Error("agent run failed terminally", "chat", chatJID, "error", err)
		return
	}

	_ = p.store.RequeueQueuedMessages(ctx, ids)
	delay := backoffWithJitter(trigger.AttemptCount + 1)
	p.logger.Warn("agent run failed, requeuing", "chat", chatJID, "attempt", trigger.AttemptCount+1, "delay", delay, "error", err)

	time.AfterFunc(delay, func() {
		p.mu.Lock()
		already := p.draining[chatJID]
		if !already {
			p.draining[chatJID] = true
		}
		p.mu.Unlock()
		if !already {
			go p.drain(context.Background(), chatJID)
		}
	})
}

// backoffWithJitter implements base 3s, cap 60s, full jitter backoff.
func backoffWithJitter(attempt int) time.Duration {
	capped := retryBaseMS << uint(attempt-1)
	if capped > retryCapMS || capped <= 0 {
		capped = retryCapMS
	}
	return time.Duration(rand.Intn(capped+1)) * time.Millisecond
}

func (p *Pipeline) cancelActiveRun(chatJID string) {
	p.mu.Lock()
	run, ok := p.activeRuns[chatJID]
	p.mu.Unlock()
	if ok {
		run.cancel()
	}
}

// AbortAll signals every currently in-flight agent run to abort, for use
// during shutdown.
func (p *Pipeline) AbortAll() {
	p.mu.Lock()
	runs := make([]*activeRun, 0, len(p.activeRuns))
	for _, r := range p.activeRuns {
		runs = append(runs, r)
	}
	p.mu.Unlock()
	for _, r := range runs {
		r.cancel()
	}
}

// WaitIdle blocks until no chat has an active drain, or timeout elapses.
// Returns true if it observed idle before the deadline.
func (p *Pipeline) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		n := len(p.draining)
		p.mu.Unlock()
		if n == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (p *Pipeline) notify(ctx context.Context, chatJID, text string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, chatJID, text); err != nil {
		p.logger.Warn("pipeline notify failed", "chat", chatJID, "error", err)
	}
}

// notifyTraced sends text like notify, but when the notifier also supports
// TracedNotifier it additionally appends the sent reply to the message log
// and binds it to traceID so a later reaction on it resolves back to this
// run. Falls back to plain notify otherwise.
func (p *Pipeline) notifyTraced(ctx context.Context, chatJID, traceID, text string) {
	if p.notifier == nil {
		return
	}
	traced, ok := p.notifier.(TracedNotifier)
	if !ok {
		p.notify(ctx, chatJID, text)
		return
	}
	sentID, err := traced.NotifyTraced(ctx, chatJID, text)
	if err != nil {
		p.logger.Warn("pipeline notify failed", "chat", chatJID, "error", err)
		return
	}
	now := time.Now()
	if sentID != "" {
		if err := p.store.AppendMessage(ctx, store.Message{
			ID:         store.NamespacedMessageID(chatJID, sentID),
			ChatJID:    chatJID,
			SenderName: "assistant",
			Content:    text,
			Timestamp:  now,
			IsOutbound: true,
		}); err != nil {
			p.logger.Warn("append outbound message to log failed", "chat", chatJID, "error", err)
		}
		if err := p.store.RecordTraceLink(ctx, store.TraceLink{
			SentMessageID: store.NamespacedMessageID(chatJID, sentID),
			ChatJID:       chatJID,
			TraceID:       traceID,
		}); err != nil {
			p.logger.Warn("record trace link failed", "chat", chatJID, "error", err)
		}
	}
}

func advanceCursor(ctx context.Context, s *store.Store, chatJID string, trigger store.QueuedMessage) {
	if _, err := s.AdvanceChatCursor(ctx, chatJID, trigger.Timestamp, trigger.MessageID); err != nil {
		slog.Default().Warn("advance chat cursor failed", "chat", chatJID, "error", err)
	}
}

func rateLimitMessage(retryAfterSeconds int64) string {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return "You're sending messages a bit fast — try again in " + itoa(retryAfterSeconds) + " seconds."
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
