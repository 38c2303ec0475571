package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// DiscordProvider implements Provider over a persistent Discord gateway
// session, the second provider a multi-platform host needs to exercise.
// Structured the same way as TelegramProvider (Start/Stop own a
// mutex-protected session handle, handlers are wired once at Start) so the
// two providers read as siblings despite discordgo's push-based
// (AddHandler) delivery model vs tgbotapi's pull-based (GetUpdatesChan) one.
type DiscordProvider struct {
	token  string
	logger *slog.Logger

	mu        sync.RWMutex
	session   *discordgo.Session
	connected bool
	self      *discordgo.User
}

// NewDiscordProvider constructs a DiscordProvider.
func NewDiscordProvider(token string, logger *slog.Logger) *DiscordProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordProvider{token: token, logger: logger}
}

func (d *DiscordProvider) Name() string { return "discord" }

func (d *DiscordProvider) Capabilities() Capabilities {
	return Capabilities{
		MaxAttachmentBytes: 25 * 1024 * 1024,
		SupportsReactions:  true,
		SupportsThreads:    true,
		SupportsPolls:      true,
		SupportsButtons:    true,
	}
}

func (d *DiscordProvider) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

func (d *DiscordProvider) Start(ctx context.Context, handlers Handlers) error {
	sess, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord init failed: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent | discordgo.IntentsGuildMessageReactions

	sess.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.onMessageCreate(ctx, s, m, handlers)
	})
	sess.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		d.onReactionAdd(ctx, r, handlers)
	})
	sess.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		d.onInteractionCreate(ctx, i, handlers)
	})

	if err := sess.Open(); err != nil {
		return fmt.Errorf("discord gateway open failed: %w", err)
	}

	d.mu.Lock()
	d.session = sess
	d.connected = true
	d.self = sess.State.User
	d.mu.Unlock()

	d.logger.Info("discord provider started", "user", sess.State.User.Username)

	<-ctx.Done()
	return d.Stop(context.Background())
}

func (d *DiscordProvider) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.connected = false
	return err
}

func (d *DiscordProvider) onMessageCreate(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, handlers Handlers) {
	if handlers.OnMessage == nil || m.Author == nil || m.Author.Bot {
		return
	}

	chatType := ChatTypeDM
	isGroup := false
	if m.GuildID != "" {
		chatType, isGroup = ChatTypeGroup, true
	}

	var attachments []Attachment
	for _, a := range m.Attachments {
		attachments = append(attachments, Attachment{ProviderRef: a.URL, Filename: a.Filename, MimeType: a.ContentType, SizeBytes: int64(a.Size)})
	}

	handlers.OnMessage(ctx, IncomingMessage{
		ChatID:          PrefixChatID(d.Name(), m.ChannelID),
		MessageID:       m.ID,
		SenderID:        m.Author.ID,
		SenderName:      m.Author.Username,
		Content:         m.Content,
		TimestampUnixMS: m.Timestamp.UnixMilli(),
		Attachments:     attachments,
		IsGroup:         isGroup,
		ChatType:        chatType,
		RawProviderData: m,
	})
}

func (d *DiscordProvider) onReactionAdd(ctx context.Context, r *discordgo.MessageReactionAdd, handlers Handlers) {
	if handlers.OnReaction == nil {
		return
	}
	handlers.OnReaction(ctx, PrefixChatID(d.Name(), r.ChannelID), r.MessageID, r.UserID, r.Emoji.Name)
}

func (d *DiscordProvider) onInteractionCreate(ctx context.Context, i *discordgo.InteractionCreate, handlers Handlers) {
	if handlers.OnButtonClick == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	data := i.MessageComponentData()
	user := i.Member.User
	if user == nil {
		user = i.User
	}
	if user == nil {
		return
	}
	handlers.OnButtonClick(ctx, PrefixChatID(d.Name(), i.ChannelID), user.ID, user.Username, data.CustomID, data.CustomID, "")
}

func (d *DiscordProvider) chatChannelID(chatID string) string {
	_, local, ok := SplitChatID(chatID)
	if !ok {
		return chatID
	}
	return local
}

func (d *DiscordProvider) sessionOrErr() (*discordgo.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.session == nil {
		return nil, fmt.Errorf("discord provider not started")
	}
	return d.session, nil
}

func (d *DiscordProvider) SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (SendResult, error) {
	sess, err := d.sessionOrErr()
	if err != nil {
		return SendResult{}, err
	}
	send := &discordgo.MessageSend{Content: text}
	if opts.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyToID, ChannelID: d.chatChannelID(chatID)}
	}
	msg, err := sess.ChannelMessageSendComplex(d.chatChannelID(chatID), send, discordgo.WithContext(ctx))
	return d.result(msg, err)
}

func (d *DiscordProvider) result(msg *discordgo.Message, err error) (SendResult, error) {
	if err != nil {
		code, retryAfter := discordRetryInfo(err)
		return SendResult{Success: false, Code: code, RetryAfterSeconds: retryAfter}, err
	}
	return SendResult{Success: true, MessageID: msg.ID}, nil
}

func discordRetryInfo(err error) (code, retryAfterSeconds int) {
	restErr, ok := err.(*discordgo.RESTError)
	if !ok || restErr.Response == nil {
		return 0, 0
	}
	return restErr.Response.StatusCode, 0
}

func (d *DiscordProvider) SendDocument(ctx context.Context, chatID, path, caption string, opts SendOptions) (SendResult, error) {
	return d.sendFile(ctx, chatID, path, caption)
}

func (d *DiscordProvider) SendPhoto(ctx context.Context, chatID, path, caption string, opts SendOptions) (SendResult, error) {
	return d.sendFile(ctx, chatID, path, caption)
}

func (d *DiscordProvider) SendVoice(ctx context.Context, chatID, path string, opts SendOptions) (SendResult, error) {
	return d.sendFile(ctx, chatID, path, "")
}

func (d *DiscordProvider) SendAudio(ctx context.Context, chatID, path, caption string, opts SendOptions) (SendResult, error) {
	return d.sendFile(ctx, chatID, path, caption)
}

func (d *DiscordProvider) sendFile(ctx context.Context, chatID, path, caption string) (SendResult, error) {
	sess, err := d.sessionOrErr()
	if err != nil {
		return SendResult{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return SendResult{}, err
	}
	defer f.Close()
	msg, err := sess.ChannelMessageSendComplex(d.chatChannelID(chatID), &discordgo.MessageSend{
		Content: caption,
		Files:   []*discordgo.File{{Name: filepath.Base(path), Reader: f}},
	}, discordgo.WithContext(ctx))
	return d.result(msg, err)
}

func (d *DiscordProvider) SendLocation(ctx context.Context, chatID string, lat, lon float64, opts SendOptions) (SendResult, error) {
	return d.SendMessage(ctx, chatID, fmt.Sprintf("📍 https://maps.google.com/?q=%f,%f", lat, lon), opts)
}

func (d *DiscordProvider) SendContact(ctx context.Context, chatID, phoneNumber, firstName, lastName string, opts SendOptions) (SendResult, error) {
	return d.SendMessage(ctx, chatID, fmt.Sprintf("%s %s: %s", firstName, lastName, phoneNumber), opts)
}

func (d *DiscordProvider) SendPoll(ctx context.Context, chatID, question string, options []string, multipleAnswers bool, opts SendOptions) (SendResult, error) {
	sess, err := d.sessionOrErr()
	if err != nil {
		return SendResult{}, err
	}
	answers := make([]discordgo.PollAnswer, 0, len(options))
	for _, opt := range options {
		answers = append(answers, discordgo.PollAnswer{Media: &discordgo.PollMedia{Text: opt}})
	}
	msg, err := sess.ChannelMessageSendComplex(d.chatChannelID(chatID), &discordgo.MessageSend{
		Poll: &discordgo.Poll{
			Question:         discordgo.PollMedia{Text: question},
			Answers:          answers,
			AllowMultiselect: multipleAnswers,
		},
	}, discordgo.WithContext(ctx))
	return d.result(msg, err)
}

func (d *DiscordProvider) SendInlineKeyboard(ctx context.Context, chatID, text string, buttons [][]InlineButton, opts SendOptions) (SendResult, error) {
	sess, err := d.sessionOrErr()
	if err != nil {
		return SendResult{}, err
	}
	rows := make([]discordgo.MessageComponent, 0, len(buttons))
	for _, row := range buttons {
		btns := make([]discordgo.MessageComponent, 0, len(row))
		for _, b := range row {
			btns = append(btns, discordgo.Button{Label: b.Label, Style: discordgo.PrimaryButton, CustomID: b.CallbackData})
		}
		rows = append(rows, discordgo.ActionsRow{Components: btns})
	}
	msg, err := sess.ChannelMessageSendComplex(d.chatChannelID(chatID), &discordgo.MessageSend{
		Content:    text,
		Components: rows,
	}, discordgo.WithContext(ctx))
	return d.result(msg, err)
}

func (d *DiscordProvider) EditMessage(ctx context.Context, chatID, messageID, text string) (SendResult, error) {
	sess, err := d.sessionOrErr()
	if err != nil {
		return SendResult{}, err
	}
	edit := discordgo.NewMessageEdit(d.chatChannelID(chatID), messageID).SetContent(text)
	msg, err := sess.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return d.result(msg, err)
}

func (d *DiscordProvider) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	sess, err := d.sessionOrErr()
	if err != nil {
		return err
	}
	return sess.ChannelMessageDelete(d.chatChannelID(chatID), messageID, discordgo.WithContext(ctx))
}

func (d *DiscordProvider) DownloadFile(ctx context.Context, providerRef, groupFolder, filename string) (DownloadResult, error) {
	dest := filepath.Join(os.TempDir(), "dotclaw-attachments", groupFolder, filename)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return DownloadResult{Error: "transient"}, err
	}
	return fetchToFile(ctx, providerRef, dest, d.Capabilities().MaxAttachmentBytes)
}

func (d *DiscordProvider) IsBotMentioned(msg IncomingMessage) bool {
	d.mu.RLock()
	self := d.self
	d.mu.RUnlock()
	if self == nil {
		return false
	}
	m, ok := msg.RawProviderData.(*discordgo.MessageCreate)
	if !ok {
		return strings.Contains(msg.Content, "<@"+self.ID+">")
	}
	for _, mentioned := range m.Mentions {
		if mentioned.ID == self.ID {
			return true
		}
	}
	return false
}

func (d *DiscordProvider) IsBotReplied(msg IncomingMessage) bool {
	d.mu.RLock()
	self := d.self
	d.mu.RUnlock()
	m, ok := msg.RawProviderData.(*discordgo.MessageCreate)
	if !ok || self == nil || m.ReferencedMessage == nil || m.ReferencedMessage.Author == nil {
		return false
	}
	return m.ReferencedMessage.Author.ID == self.ID
}

func (d *DiscordProvider) BotUsername() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.self == nil {
		return ""
	}
	return d.self.Username
}
