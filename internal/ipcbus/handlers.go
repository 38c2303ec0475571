package ipcbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dotsetlabs/dotclaw/internal/groups"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/scheduler"
	"github.com/dotsetlabs/dotclaw/internal/store"
)

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

// ownChatID returns the chat id belonging to a registered group folder, or
// "" if the folder isn't registered (shouldn't happen for a folder that
// has an ipc/ directory, but handled defensively).
func (b *Bus) ownChatID(folder string) string {
	g, ok := b.groups.ByFolder(folder)
	if !ok {
		return ""
	}
	return g.ChatID
}

// requireOwnChat enforces "non-main groups may only operate on their own
// resources" for any op that names a target chat id.
func (b *Bus) requireOwnChat(sourceGroup, chatID, op string) error {
	if groups.IsMainGroup(sourceGroup) {
		return nil
	}
	if chatID == "" || chatID == b.ownChatID(sourceGroup) {
		return nil
	}
	return unauthorized(sourceGroup, op)
}

// requireOwnGroup enforces the same rule for ops that name a target group
// folder rather than a chat id (spawn_job's target_group, list_jobs).
func (b *Bus) requireOwnGroup(sourceGroup, targetGroup, op string) error {
	if groups.IsMainGroup(sourceGroup) {
		return nil
	}
	if targetGroup == "" || targetGroup == sourceGroup {
		return nil
	}
	return unauthorized(sourceGroup, op)
}

func requireMainGroup(sourceGroup, op string) error {
	if !groups.IsMainGroup(sourceGroup) {
		return unauthorized(sourceGroup, op)
	}
	return nil
}

// ---- memory CRUD (delegates to the external MemoryStore collaborator) ----

type memoryKeyPayload struct {
	Key string `json:"key"`
}

type memorySetPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (b *Bus) handleMemoryGet(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	if b.memory == nil {
		return nil, fmt.Errorf("memory store not configured")
	}
	p, err := decode[memoryKeyPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	value, ok, err := b.memory.Get(ctx, sourceGroup, p.Key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"found": ok, "value": value}, nil
}

func (b *Bus) handleMemorySet(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	if b.memory == nil {
		return nil, fmt.Errorf("memory store not configured")
	}
	p, err := decode[memorySetPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	if err := b.memory.Set(ctx, sourceGroup, p.Key, p.Value); err != nil {
		return nil, err
	}
	return map[string]any{"key": p.Key}, nil
}

func (b *Bus) handleMemoryDelete(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	if b.memory == nil {
		return nil, fmt.Errorf("memory store not configured")
	}
	p, err := decode[memoryKeyPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	if err := b.memory.Delete(ctx, sourceGroup, p.Key); err != nil {
		return nil, err
	}
	return map[string]any{"key": p.Key}, nil
}

func (b *Bus) handleMemoryList(ctx context.Context, sourceGroup string, _ json.RawMessage) (any, error) {
	if b.memory == nil {
		return nil, fmt.Errorf("memory store not configured")
	}
	entries, err := b.memory.List(ctx, sourceGroup)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

// ---- groups ----

func (b *Bus) handleListGroups(_ context.Context, sourceGroup string, _ json.RawMessage) (any, error) {
	snap := b.groups.Snapshot()
	if groups.IsMainGroup(sourceGroup) {
		return map[string]any{"groups": snap}, nil
	}
	for _, g := range snap {
		if g.Folder == sourceGroup {
			return map[string]any{"groups": []store.RegisteredGroup{g}}, nil
		}
	}
	return map[string]any{"groups": []store.RegisteredGroup{}}, nil
}

type registerGroupPayload struct {
	ChatID          string `json:"chat_id"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	TriggerPattern  string `json:"trigger_pattern"`
	ContainerConfig string `json:"container_config"`
}

func (b *Bus) handleRegisterGroup(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	if err := requireMainGroup(sourceGroup, "register_group"); err != nil {
		return nil, err
	}
	p, err := decode[registerGroupPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	g := store.RegisteredGroup{
		ChatID: p.ChatID, Name: p.Name, Folder: p.Folder,
		TriggerPattern: p.TriggerPattern, ContainerConfig: p.ContainerConfig,
	}
	if err := b.groups.Register(ctx, g); err != nil {
		return nil, err
	}
	if err := b.ensureGroupDirs(p.Folder); err != nil {
		b.logger.Error("ipc create dirs for newly registered group", "folder", p.Folder, "error", err)
	}
	return nil, nil
}

type removeGroupPayload struct {
	ChatID string `json:"chat_id"`
}

func (b *Bus) handleRemoveGroup(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	if err := requireMainGroup(sourceGroup, "remove_group"); err != nil {
		return nil, err
	}
	p, err := decode[removeGroupPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	return nil, b.groups.Unregister(ctx, p.ChatID)
}

type setModelPayload struct {
	Folder string `json:"folder"`
	Model  string `json:"model"`
}

func (b *Bus) handleSetModel(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	if err := requireMainGroup(sourceGroup, "set_model"); err != nil {
		return nil, err
	}
	p, err := decode[setModelPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	return nil, b.groups.SetModelOverride(ctx, p.Folder, p.Model)
}

// ---- tasks ----

func (b *Bus) ownedTask(ctx context.Context, sourceGroup, taskID string) (*store.ScheduledTask, error) {
	t, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	if !groups.IsMainGroup(sourceGroup) && t.GroupFolder != sourceGroup {
		return nil, unauthorized(sourceGroup, "task op on "+taskID)
	}
	return t, nil
}

type taskIDPayload struct {
	TaskID string `json:"task_id"`
}

func (b *Bus) handleRunTask(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[taskIDPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	if _, err := b.ownedTask(ctx, sourceGroup, p.TaskID); err != nil {
		return nil, err
	}
	if err := b.scheduler.RunNow(ctx, p.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": p.TaskID}, nil
}

func (b *Bus) handlePauseTask(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[taskIDPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	if _, err := b.ownedTask(ctx, sourceGroup, p.TaskID); err != nil {
		return nil, err
	}
	return nil, b.store.PauseTask(ctx, p.TaskID)
}

func (b *Bus) handleResumeTask(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[taskIDPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	t, err := b.ownedTask(ctx, sourceGroup, p.TaskID)
	if err != nil {
		return nil, err
	}
	next, err := scheduler.ComputeInitialRun(*t)
	if err != nil {
		return nil, err
	}
	return nil, b.store.ResumeTask(ctx, p.TaskID, next)
}

func (b *Bus) handleCancelTask(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[taskIDPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	if _, err := b.ownedTask(ctx, sourceGroup, p.TaskID); err != nil {
		return nil, err
	}
	return nil, b.store.DeleteTask(ctx, p.TaskID)
}

type scheduleTaskPayload struct {
	TaskID        string `json:"task_id"`
	ChatJID       string `json:"chat_jid"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Timezone      string `json:"timezone"`
	ContextMode   string `json:"context_mode"`
}

func (b *Bus) handleScheduleTask(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[scheduleTaskPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatJID := p.ChatJID
	if chatJID == "" {
		chatJID = b.ownChatID(sourceGroup)
	}
	if err := b.requireOwnChat(sourceGroup, chatJID, "schedule_task"); err != nil {
		return nil, err
	}
	id := p.TaskID
	if id == "" {
		id = uuidString()
	}
	t := store.ScheduledTask{
		ID: id, GroupFolder: sourceGroup, ChatJID: chatJID, Prompt: p.Prompt,
		ScheduleType: p.ScheduleType, ScheduleValue: p.ScheduleValue,
		Timezone: p.Timezone, ContextMode: p.ContextMode,
	}
	next, err := scheduler.ComputeInitialRun(t)
	if err != nil {
		return nil, malformedError{err}
	}
	t.NextRun = next
	return nil, b.store.CreateTask(ctx, t)
}

type updateTaskPayload struct {
	TaskID        string `json:"task_id"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Timezone      string `json:"timezone"`
}

func (b *Bus) handleUpdateTask(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[updateTaskPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	existing, err := b.ownedTask(ctx, sourceGroup, p.TaskID)
	if err != nil {
		return nil, err
	}
	prompt := existing.Prompt
	if p.Prompt != "" {
		prompt = p.Prompt
	}
	scheduleType := existing.ScheduleType
	if p.ScheduleType != "" {
		scheduleType = p.ScheduleType
	}
	scheduleValue := existing.ScheduleValue
	if p.ScheduleValue != "" {
		scheduleValue = p.ScheduleValue
	}
	timezone := existing.Timezone
	if p.Timezone != "" {
		timezone = p.Timezone
	}
	next, err := scheduler.ComputeInitialRun(store.ScheduledTask{
		ScheduleType: scheduleType, ScheduleValue: scheduleValue, Timezone: timezone,
	})
	if err != nil {
		return nil, malformedError{err}
	}
	return nil, b.store.UpdateTask(ctx, p.TaskID, prompt, scheduleType, scheduleValue, timezone, next)
}

// ---- background jobs ----

func (b *Bus) ownedJob(ctx context.Context, sourceGroup, jobID string) (*store.BackgroundJob, error) {
	j, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("job %q not found", jobID)
	}
	if !groups.IsMainGroup(sourceGroup) && j.GroupFolder != sourceGroup {
		return nil, unauthorized(sourceGroup, "job op on "+jobID)
	}
	return j, nil
}

type spawnJobPayload struct {
	Prompt         string `json:"prompt"`
	ChatJID        string `json:"chat_jid"`
	ContextMode    string `json:"context_mode"`
	TimeoutMS      int64  `json:"timeout_ms"`
	MaxToolSteps   int    `json:"max_tool_steps"`
	ToolPolicyJSON string `json:"tool_policy_json"`
	ModelOverride  string `json:"model_override"`
	Priority       int    `json:"priority"`
	Tags           string `json:"tags"`
	TargetGroup    string `json:"target_group"`
}

func (b *Bus) handleSpawnJob(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[spawnJobPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	targetGroup := p.TargetGroup
	if targetGroup == "" {
		targetGroup = sourceGroup
	}
	if err := b.requireOwnGroup(sourceGroup, targetGroup, "spawn_job"); err != nil {
		return nil, err
	}
	id := uuidString()
	job := store.BackgroundJob{
		ID: id, GroupFolder: targetGroup, ChatJID: p.ChatJID, Prompt: p.Prompt,
		ContextMode: p.ContextMode, TimeoutMS: p.TimeoutMS, MaxToolSteps: p.MaxToolSteps,
		ToolPolicyJSON: p.ToolPolicyJSON, ModelOverride: p.ModelOverride,
		Priority: p.Priority, Tags: p.Tags,
	}
	if err := b.store.SpawnBackgroundJob(ctx, job); err != nil {
		return nil, err
	}
	return map[string]any{"job_id": id}, nil
}

type jobIDPayload struct {
	JobID string `json:"job_id"`
}

func (b *Bus) handleJobStatus(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[jobIDPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	j, err := b.ownedJob(ctx, sourceGroup, p.JobID)
	if err != nil {
		return nil, err
	}
	return j, nil
}

type listJobsPayload struct {
	TargetGroup string `json:"target_group"`
}

func (b *Bus) handleListJobs(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[listJobsPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	targetGroup := p.TargetGroup
	if targetGroup == "" {
		targetGroup = sourceGroup
	}
	if err := b.requireOwnGroup(sourceGroup, targetGroup, "list_jobs"); err != nil {
		return nil, err
	}
	jobs, err := b.store.ListJobs(ctx, targetGroup)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs}, nil
}

func (b *Bus) handleCancelJob(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[jobIDPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	if _, err := b.ownedJob(ctx, sourceGroup, p.JobID); err != nil {
		return nil, err
	}
	return nil, b.store.CancelBackgroundJob(ctx, p.JobID)
}

type jobUpdatePayload struct {
	JobID    string `json:"job_id"`
	Level    string `json:"level"`
	Message  string `json:"message"`
	DataJSON string `json:"data_json"`
}

func (b *Bus) handleJobUpdate(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[jobUpdatePayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	if _, err := b.ownedJob(ctx, sourceGroup, p.JobID); err != nil {
		return nil, err
	}
	level := p.Level
	if level == "" {
		level = "info"
	}
	return nil, b.store.RecordBackgroundJobUpdate(ctx, p.JobID, level, p.Message, p.DataJSON)
}

// ---- outbound messages & media ops ----

func (b *Bus) resolveProvider(chatID string) (providers.Provider, error) {
	p, _, err := b.providers.Resolve(chatID)
	return p, err
}

type sendMessagePayload struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ThreadID  string `json:"thread_id"`
	ReplyToID string `json:"reply_to_id"`
}

func (b *Bus) targetChat(sourceGroup, explicit, op string) (string, error) {
	chatID := explicit
	if chatID == "" {
		chatID = b.ownChatID(sourceGroup)
	}
	if err := b.requireOwnChat(sourceGroup, chatID, op); err != nil {
		return "", err
	}
	return chatID, nil
}

func (b *Bus) handleSendMessage(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[sendMessagePayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "send_message")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	_, err = prov.SendMessage(ctx, chatID, p.Text, providers.SendOptions{ThreadID: p.ThreadID, ReplyToID: p.ReplyToID})
	return nil, err
}

type sendFilePayload struct {
	ChatID  string `json:"chat_id"`
	Path    string `json:"path"`
	Caption string `json:"caption"`
}

func (b *Bus) handleSendDocument(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[sendFilePayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "send_document")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	_, err = prov.SendDocument(ctx, chatID, p.Path, p.Caption, providers.SendOptions{})
	return nil, err
}

func (b *Bus) handleSendPhoto(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[sendFilePayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "send_photo")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	_, err = prov.SendPhoto(ctx, chatID, p.Path, p.Caption, providers.SendOptions{})
	return nil, err
}

func (b *Bus) handleSendVoice(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[sendFilePayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "send_voice")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	_, err = prov.SendVoice(ctx, chatID, p.Path, providers.SendOptions{})
	return nil, err
}

func (b *Bus) handleSendAudio(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[sendFilePayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "send_audio")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	_, err = prov.SendAudio(ctx, chatID, p.Path, p.Caption, providers.SendOptions{})
	return nil, err
}

type sendLocationPayload struct {
	ChatID string  `json:"chat_id"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

func (b *Bus) handleSendLocation(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[sendLocationPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "send_location")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	_, err = prov.SendLocation(ctx, chatID, p.Lat, p.Lon, providers.SendOptions{})
	return nil, err
}

type sendContactPayload struct {
	ChatID      string `json:"chat_id"`
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
}

func (b *Bus) handleSendContact(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[sendContactPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "send_contact")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	_, err = prov.SendContact(ctx, chatID, p.PhoneNumber, p.FirstName, p.LastName, providers.SendOptions{})
	return nil, err
}

type sendPollPayload struct {
	ChatID          string   `json:"chat_id"`
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	MultipleAnswers bool     `json:"multiple_answers"`
}

func (b *Bus) handleSendPoll(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[sendPollPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "send_poll")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	_, err = prov.SendPoll(ctx, chatID, p.Question, p.Options, p.MultipleAnswers, providers.SendOptions{})
	return nil, err
}

type inlineButtonPayload struct {
	Label        string `json:"label"`
	CallbackData string `json:"callback_data"`
}

type sendInlineKeyboardPayload struct {
	ChatID  string                   `json:"chat_id"`
	Text    string                   `json:"text"`
	Buttons [][]inlineButtonPayload `json:"buttons"`
}

func (b *Bus) handleSendInlineKeyboard(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[sendInlineKeyboardPayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "send_inline_keyboard")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	rows := make([][]providers.InlineButton, len(p.Buttons))
	for i, row := range p.Buttons {
		out := make([]providers.InlineButton, len(row))
		for j, btn := range row {
			out[j] = providers.InlineButton{Label: btn.Label, CallbackData: btn.CallbackData}
		}
		rows[i] = out
	}
	_, err = prov.SendInlineKeyboard(ctx, chatID, p.Text, rows, providers.SendOptions{})
	return nil, err
}

type editMessagePayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

func (b *Bus) handleEditMessage(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[editMessagePayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "edit_message")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	res, err := prov.EditMessage(ctx, chatID, p.MessageID, p.Text)
	if err != nil {
		return nil, err
	}
	return res, nil
}

type deleteMessagePayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

func (b *Bus) handleDeleteMessage(ctx context.Context, sourceGroup string, payload json.RawMessage) (any, error) {
	p, err := decode[deleteMessagePayload](payload)
	if err != nil {
		return nil, malformedError{err}
	}
	chatID, err := b.targetChat(sourceGroup, p.ChatID, "delete_message")
	if err != nil {
		return nil, err
	}
	prov, err := b.resolveProvider(chatID)
	if err != nil {
		return nil, err
	}
	return nil, prov.DeleteMessage(ctx, chatID, p.MessageID)
}
