// Package providers defines the Provider contract that the
// Message Pipeline drives and the concrete chat-platform adapters that
// implement it. Modeled on internal/channels.Channel
// interface, generalized from a single Start(ctx)-only method into a
// fuller capability surface (outbound sends of every media kind, file
// download, mention/reply detection).
package providers

import "context"

// Capabilities describes what a Provider can do, so callers (router,
// pipeline) can adapt behavior without type-switching on provider name.
type Capabilities struct {
	MaxAttachmentBytes int64
	SupportsReactions  bool
	SupportsThreads    bool
	SupportsPolls      bool
	SupportsButtons    bool
}

// SendOptions carries optional per-send parameters.
type SendOptions struct {
	ThreadID  string
	ReplyToID string
	ParseMode string
}

// SendResult is the outcome of an outbound send.
type SendResult struct {
	Success           bool
	MessageID         string
	Code              int // transport status code, 0 if not applicable
	RetryAfterSeconds int
}

// DownloadResult is the outcome of downloading an attachment to local disk.
type DownloadResult struct {
	Path  string
	Error string // one of "too_large", "transient", "" (success)
}

// Attachment describes one inbound attachment reference.
type Attachment struct {
	ProviderRef string // provider-specific file id/url
	Filename    string
	MimeType    string
	SizeBytes   int64
}

// ChatType classifies the conversation an IncomingMessage arrived on.
type ChatType string

const (
	ChatTypePrivate    ChatType = "private"
	ChatTypeDM         ChatType = "dm"
	ChatTypeGroup      ChatType = "group"
	ChatTypeSupergroup ChatType = "supergroup"
)

// IncomingMessage is the normalized inbound event every Provider emits
// through Handlers.OnMessage.
type IncomingMessage struct {
	ChatID          string // prefixed, e.g. "telegram:123"
	MessageID       string
	SenderID        string
	SenderName      string
	Content         string
	TimestampUnixMS int64
	Attachments     []Attachment
	IsGroup         bool
	ChatType        ChatType
	ThreadID        string
	RawProviderData any
}

// Handlers is the callback set a Provider invokes as events arrive.
type Handlers struct {
	OnMessage     func(ctx context.Context, msg IncomingMessage)
	OnReaction    func(ctx context.Context, chatID, messageID, userID, emoji string)
	OnButtonClick func(ctx context.Context, chatID, senderID, senderName, label, data, threadID string)
}

// Provider is the contract the core consumes for every chat platform
// adapter.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	IsConnected() bool
	Start(ctx context.Context, handlers Handlers) error
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (SendResult, error)
	SendDocument(ctx context.Context, chatID, path, caption string, opts SendOptions) (SendResult, error)
	SendPhoto(ctx context.Context, chatID, path, caption string, opts SendOptions) (SendResult, error)
	SendVoice(ctx context.Context, chatID, path string, opts SendOptions) (SendResult, error)
	SendAudio(ctx context.Context, chatID, path, caption string, opts SendOptions) (SendResult, error)
	SendLocation(ctx context.Context, chatID string, lat, lon float64, opts SendOptions) (SendResult, error)
	SendContact(ctx context.Context, chatID, phoneNumber, firstName, lastName string, opts SendOptions) (SendResult, error)
	SendPoll(ctx context.Context, chatID, question string, options []string, multipleAnswers bool, opts SendOptions) (SendResult, error)
	SendInlineKeyboard(ctx context.Context, chatID, text string, buttons [][]InlineButton, opts SendOptions) (SendResult, error)
	EditMessage(ctx context.Context, chatID, messageID, text string) (SendResult, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) error

	DownloadFile(ctx context.Context, providerRef, groupFolder, filename string) (DownloadResult, error)

	IsBotMentioned(msg IncomingMessage) bool
	IsBotReplied(msg IncomingMessage) bool
	BotUsername() string
}

// InlineButton is one button in an InlineKeyboard send. CallbackData is
// opaque to providers.Registry and interpreted only by the caller that
// registered it with the callback cache.
type InlineButton struct {
	Label        string
	CallbackData string
}
