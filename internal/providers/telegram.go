package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramProvider implements Provider over the Telegram Bot API. Grounded
// on the prior internal/channels.TelegramChannel: the long-poll loop
// with stall detection and exponential-backoff reconnection is kept
// verbatim in shape, generalized from a task-router callback into the
// Handlers contract.
type TelegramProvider struct {
	token  string
	logger *slog.Logger

	mu        sync.RWMutex
	bot       *tgbotapi.BotAPI
	connected bool

	allowedIDs map[int64]struct{}
}

// NewTelegramProvider constructs a TelegramProvider. allowedIDs, if
// non-empty, restricts inbound processing to those numeric Telegram user
// ids; an empty set admits everyone (group-membership authorization is
// handled upstream by the group registry, not here).
func NewTelegramProvider(token string, allowedIDs []int64, logger *slog.Logger) *TelegramProvider {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramProvider{token: token, allowedIDs: allowed, logger: logger}
}

func (t *TelegramProvider) Name() string { return "telegram" }

func (t *TelegramProvider) Capabilities() Capabilities {
	return Capabilities{
		MaxAttachmentBytes: 50 * 1024 * 1024,
		SupportsReactions:  true,
		SupportsThreads:    true,
		SupportsPolls:      true,
		SupportsButtons:    true,
	}
}

func (t *TelegramProvider) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *TelegramProvider) Start(ctx context.Context, handlers Handlers) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.connected = true
	t.mu.Unlock()

	t.logger.Info("telegram provider started", "user", bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates, handlers)
		bot.StopReceivingUpdates()

		if pollErr == nil {
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads from updates until ctx is done, the channel closes, or
// no updates arrive within 2.5x the long-poll timeout (stall detection).
func (t *TelegramProvider) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, handlers Handlers) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			switch {
			case update.Message != nil:
				t.handleMessage(ctx, update.Message, handlers)
			case update.CallbackQuery != nil:
				t.handleCallbackQuery(ctx, update.CallbackQuery, handlers)
			case update.MessageReaction != nil:
				t.handleReaction(ctx, update.MessageReaction, handlers)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramProvider) allowed(userID int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramProvider) handleMessage(ctx context.Context, msg *tgbotapi.Message, handlers Handlers) {
	if msg.From == nil || !t.allowed(msg.From.ID) {
		t.logger.Warn("telegram access denied", "user_id", msg.From)
		return
	}
	if handlers.OnMessage == nil {
		return
	}

	chatType := ChatTypePrivate
	isGroup := false
	switch msg.Chat.Type {
	case "group":
		chatType, isGroup = ChatTypeGroup, true
	case "supergroup":
		chatType, isGroup = ChatTypeSupergroup, true
	case "private":
		chatType = ChatTypeDM
	}

	var attachments []Attachment
	if msg.Document != nil {
		attachments = append(attachments, Attachment{ProviderRef: msg.Document.FileID, Filename: msg.Document.FileName, MimeType: msg.Document.MimeType, SizeBytes: int64(msg.Document.FileSize)})
	}
	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		attachments = append(attachments, Attachment{ProviderRef: largest.FileID, Filename: "photo.jpg", MimeType: "image/jpeg", SizeBytes: int64(largest.FileSize)})
	}
	if msg.Voice != nil {
		attachments = append(attachments, Attachment{ProviderRef: msg.Voice.FileID, Filename: "voice.ogg", MimeType: msg.Voice.MimeType, SizeBytes: int64(msg.Voice.FileSize)})
	}

	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = strconv.Itoa(msg.MessageThreadID)
	}

	handlers.OnMessage(ctx, IncomingMessage{
		ChatID:          PrefixChatID(t.Name(), strconv.FormatInt(msg.Chat.ID, 10)),
		MessageID:       strconv.Itoa(msg.MessageID),
		SenderID:        strconv.FormatInt(msg.From.ID, 10),
		SenderName:      msg.From.UserName,
		Content:         msg.Text,
		TimestampUnixMS: int64(msg.Date) * 1000,
		Attachments:     attachments,
		IsGroup:         isGroup,
		ChatType:        chatType,
		ThreadID:        threadID,
		RawProviderData: msg,
	})
}

func (t *TelegramProvider) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery, handlers Handlers) {
	if query.From == nil || !t.allowed(query.From.ID) {
		t.logger.Warn("telegram callback access denied", "user_id", query.From)
		return
	}
	t.mu.RLock()
	bot := t.bot
	t.mu.RUnlock()
	if bot != nil {
		notification := tgbotapi.NewCallbackWithAlert(query.ID, "Processing...")
		if _, err := bot.Request(notification); err != nil {
			t.logger.Warn("failed to ack callback query", "error", err)
		}
	}
	if handlers.OnButtonClick == nil {
		return
	}
	chatID := ""
	threadID := ""
	if query.Message != nil {
		chatID = PrefixChatID(t.Name(), strconv.FormatInt(query.Message.Chat.ID, 10))
		if query.Message.MessageThreadID != 0 {
			threadID = strconv.Itoa(query.Message.MessageThreadID)
		}
	}
	handlers.OnButtonClick(ctx, chatID, strconv.FormatInt(query.From.ID, 10), query.From.UserName, "", query.Data, threadID)
}

func (t *TelegramProvider) handleReaction(ctx context.Context, r *tgbotapi.MessageReactionUpdated, handlers Handlers) {
	if handlers.OnReaction == nil || len(r.NewReaction) == 0 {
		return
	}
	emoji := ""
	if r.NewReaction[0].Emoji != "" {
		emoji = r.NewReaction[0].Emoji
	}
	userID := ""
	if r.User != nil {
		userID = strconv.FormatInt(r.User.ID, 10)
	}
	handlers.OnReaction(ctx, PrefixChatID(t.Name(), strconv.FormatInt(r.Chat.ID, 10)), strconv.Itoa(r.MessageID), userID, emoji)
}

func (t *TelegramProvider) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.connected = false
	return nil
}

func (t *TelegramProvider) chatIntID(chatID string) (int64, error) {
	_, local, ok := SplitChatID(chatID)
	if !ok {
		local = chatID
	}
	return strconv.ParseInt(local, 10, 64)
}

func (t *TelegramProvider) SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (SendResult, error) {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return SendResult{}, err
	}
	msg := tgbotapi.NewMessage(id, text)
	applySendOptions(&msg, opts)
	return t.send(msg)
}

func applySendOptions(msg *tgbotapi.MessageConfig, opts SendOptions) {
	if opts.ThreadID != "" {
		if n, err := strconv.Atoi(opts.ThreadID); err == nil {
			msg.MessageThreadID = n
		}
	}
	if opts.ReplyToID != "" {
		if n, err := strconv.Atoi(opts.ReplyToID); err == nil {
			msg.ReplyToMessageID = n
		}
	}
	if opts.ParseMode != "" {
		msg.ParseMode = opts.ParseMode
	}
}

func (t *TelegramProvider) send(c tgbotapi.Chattable) (SendResult, error) {
	t.mu.RLock()
	bot := t.bot
	t.mu.RUnlock()
	if bot == nil {
		return SendResult{}, fmt.Errorf("telegram provider not started")
	}
	sent, err := bot.Send(c)
	if err != nil {
		if tgErr, ok := err.(*tgbotapi.Error); ok {
			retryAfter := 0
			if tgErr.ResponseParameters.RetryAfter != 0 {
				retryAfter = tgErr.ResponseParameters.RetryAfter
			}
			return SendResult{Success: false, Code: tgErr.Code, RetryAfterSeconds: retryAfter}, err
		}
		return SendResult{}, err
	}
	return SendResult{Success: true, MessageID: strconv.Itoa(sent.MessageID)}, nil
}

func (t *TelegramProvider) SendDocument(ctx context.Context, chatID, path, caption string, opts SendOptions) (SendResult, error) {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return SendResult{}, err
	}
	doc := tgbotapi.NewDocument(id, tgbotapi.FilePath(path))
	doc.Caption = caption
	return t.send(doc)
}

func (t *TelegramProvider) SendPhoto(ctx context.Context, chatID, path, caption string, opts SendOptions) (SendResult, error) {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return SendResult{}, err
	}
	photo := tgbotapi.NewPhoto(id, tgbotapi.FilePath(path))
	photo.Caption = caption
	return t.send(photo)
}

func (t *TelegramProvider) SendVoice(ctx context.Context, chatID, path string, opts SendOptions) (SendResult, error) {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return SendResult{}, err
	}
	return t.send(tgbotapi.NewVoice(id, tgbotapi.FilePath(path)))
}

func (t *TelegramProvider) SendAudio(ctx context.Context, chatID, path, caption string, opts SendOptions) (SendResult, error) {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return SendResult{}, err
	}
	audio := tgbotapi.NewAudio(id, tgbotapi.FilePath(path))
	audio.Caption = caption
	return t.send(audio)
}

func (t *TelegramProvider) SendLocation(ctx context.Context, chatID string, lat, lon float64, opts SendOptions) (SendResult, error) {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return SendResult{}, err
	}
	return t.send(tgbotapi.NewLocation(id, lat, lon))
}

func (t *TelegramProvider) SendContact(ctx context.Context, chatID, phoneNumber, firstName, lastName string, opts SendOptions) (SendResult, error) {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return SendResult{}, err
	}
	return t.send(tgbotapi.NewContact(id, phoneNumber, firstName))
}

func (t *TelegramProvider) SendPoll(ctx context.Context, chatID, question string, options []string, multipleAnswers bool, opts SendOptions) (SendResult, error) {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return SendResult{}, err
	}
	poll := tgbotapi.NewPoll(id, question, options...)
	poll.AllowsMultipleAnswers = multipleAnswers
	return t.send(poll)
}

func (t *TelegramProvider) SendInlineKeyboard(ctx context.Context, chatID, text string, buttons [][]InlineButton, opts SendOptions) (SendResult, error) {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return SendResult{}, err
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.CallbackData))
		}
		rows = append(rows, btns)
	}
	msg := tgbotapi.NewMessage(id, text)
	keyboard := tgbotapi.NewInlineKeyboardMarkup(rows...)
	msg.ReplyMarkup = keyboard
	applySendOptions(&msg, opts)
	return t.send(msg)
}

func (t *TelegramProvider) EditMessage(ctx context.Context, chatID, messageID, text string) (SendResult, error) {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return SendResult{}, err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return SendResult{}, fmt.Errorf("invalid telegram message id %q: %w", messageID, err)
	}
	return t.send(tgbotapi.NewEditMessageText(id, msgID, text))
}

func (t *TelegramProvider) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	id, err := t.chatIntID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", messageID, err)
	}
	t.mu.RLock()
	bot := t.bot
	t.mu.RUnlock()
	if bot == nil {
		return fmt.Errorf("telegram provider not started")
	}
	_, err = bot.Request(tgbotapi.NewDeleteMessage(id, msgID))
	return err
}

func (t *TelegramProvider) DownloadFile(ctx context.Context, providerRef, groupFolder, filename string) (DownloadResult, error) {
	t.mu.RLock()
	bot := t.bot
	t.mu.RUnlock()
	if bot == nil {
		return DownloadResult{Error: "transient"}, fmt.Errorf("telegram provider not started")
	}
	url, err := bot.GetFileDirectURL(providerRef)
	if err != nil {
		return DownloadResult{Error: "transient"}, err
	}

	dest := filepath.Join(os.TempDir(), "dotclaw-attachments", groupFolder, filename)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return DownloadResult{Error: "transient"}, err
	}
	return fetchToFile(ctx, url, dest, t.Capabilities().MaxAttachmentBytes)
}

func (t *TelegramProvider) IsBotMentioned(msg IncomingMessage) bool {
	username := t.BotUsername()
	if username == "" {
		return false
	}
	return strings.Contains(msg.Content, "@"+username)
}

func (t *TelegramProvider) IsBotReplied(msg IncomingMessage) bool {
	tg, ok := msg.RawProviderData.(*tgbotapi.Message)
	if !ok || tg.ReplyToMessage == nil {
		return false
	}
	t.mu.RLock()
	bot := t.bot
	t.mu.RUnlock()
	return bot != nil && tg.ReplyToMessage.From != nil && tg.ReplyToMessage.From.ID == bot.Self.ID
}

func (t *TelegramProvider) BotUsername() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.bot == nil {
		return ""
	}
	return t.bot.Self.UserName
}
