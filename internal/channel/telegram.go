package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cocoabot/cocoa/internal/bus"
	"github.com/cocoabot/cocoa/internal/clock"
	"github.com/cocoabot/cocoa/internal/config"
)

const telegramChannelName = "telegram"

// TelegramBot interface for mocking the bot API.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return w.bot.MakeRequest(endpoint, params)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

// BotFactory creates TelegramBot instances (allows mocking).
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with a custom bot
// factory (for testing).
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		httpClient:  http.DefaultClient,
		botFactory:  factory,
	}, nil
}

func (t *TelegramChannel) initBot() error {
	var client *http.Client
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	} else {
		client = http.DefaultClient
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}

	// Slash commands arrive inline ("/memory clear"); route them through
	// the command handler for a synchronous-style reply.
	if strings.HasPrefix(content, "/") && t.onCommand != nil {
		name, rest, _ := strings.Cut(content, " ")
		reply := t.onCommand(Command{
			Name:      name,
			Text:      strings.TrimSpace(rest),
			UserID:    senderID,
			ChannelID: strconv.FormatInt(msg.Chat.ID, 10),
		})
		if reply != "" {
			if _, err := t.Send(strconv.FormatInt(msg.Chat.ID, 10), reply); err != nil {
				log.Printf("[telegram] command reply failed: %v", err)
			}
		}
		return
	}

	var images []string
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		if link, err := t.fileLink(photo.FileID); err != nil {
			log.Printf("[telegram] resolve photo %s failed: %v", photo.FileID, err)
		} else {
			images = append(images, link)
		}
	}

	var attachments []bus.Attachment
	if msg.Document != nil {
		if link, err := t.fileLink(msg.Document.FileID); err != nil {
			log.Printf("[telegram] resolve document %s failed: %v", msg.Document.FileID, err)
		} else {
			attachments = append(attachments, bus.Attachment{
				Name: msg.Document.FileName,
				Mime: msg.Document.MimeType,
				URL:  link,
			})
		}
	}

	if content == "" && len(images) == 0 && len(attachments) == 0 {
		return
	}

	t.bus.Inbound <- bus.InboundMessage{
		Channel:     telegramChannelName,
		EventID:     fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		MessageID:   strconv.Itoa(msg.MessageID),
		SenderID:    senderID,
		SenderName:  msg.From.FirstName,
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		IsDM:        msg.Chat.IsPrivate(),
		Content:     content,
		Timestamp:   time.Unix(int64(msg.Date), 0).In(clock.Zone),
		Images:      images,
		Attachments: attachments,
	}
}

func (t *TelegramChannel) fileLink(fileID string) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not initialized")
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get telegram file: %w", err)
	}
	return file.Link(t.token), nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing).
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) Send(channelID, text string) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not initialized")
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", channelID, err)
	}
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", fmt.Errorf("send telegram message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *TelegramChannel) Update(channelID, msgID, text string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", channelID, err)
	}
	messageID, err := strconv.Atoi(msgID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", msgID, err)
	}
	if _, err := t.bot.Request(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}
	return nil
}

func (t *TelegramChannel) Delete(channelID, msgID string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", channelID, err)
	}
	messageID, err := strconv.Atoi(msgID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", msgID, err)
	}
	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete telegram message: %w", err)
	}
	return nil
}

// reactionAliases maps common reaction names to the emoji Telegram accepts.
var reactionAliases = map[string]string{
	"heart":      "❤",
	"thumbsup":   "👍",
	"+1":         "👍",
	"thumbsdown": "👎",
	"-1":         "👎",
	"fire":       "🔥",
	"tada":       "🎉",
	"eyes":       "👀",
}

func (t *TelegramChannel) React(channelID, msgID, emoji string) error {
	name := strings.Trim(emoji, ":")
	if alias, ok := reactionAliases[name]; ok {
		name = alias
	}
	reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": name}})
	if err != nil {
		return fmt.Errorf("marshal reaction: %w", err)
	}
	params := tgbotapi.Params{
		"chat_id":    channelID,
		"message_id": msgID,
		"reaction":   string(reaction),
	}
	if _, err := t.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

func (t *TelegramChannel) LookupUser(userID string) (User, error) {
	resp, err := t.bot.MakeRequest("getChat", tgbotapi.Params{"chat_id": userID})
	if err != nil {
		return User{}, fmt.Errorf("get chat %s: %w", userID, err)
	}
	var chat struct {
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	}
	if err := json.Unmarshal(resp.Result, &chat); err != nil {
		return User{}, fmt.Errorf("parse chat: %w", err)
	}
	display := chat.FirstName
	if display == "" {
		display = chat.Username
	}
	return User{ID: userID, Name: chat.Username, DisplayName: display}, nil
}

func (t *TelegramChannel) LookupChannel(name string) (string, error) {
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}
	resp, err := t.bot.MakeRequest("getChat", tgbotapi.Params{"chat_id": name})
	if err != nil {
		return "", fmt.Errorf("get chat %s: %w", name, err)
	}
	var chat struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(resp.Result, &chat); err != nil {
		return "", fmt.Errorf("parse chat: %w", err)
	}
	return strconv.FormatInt(chat.ID, 10), nil
}

// OpenDM is trivial on Telegram: a private chat id is the user id.
func (t *TelegramChannel) OpenDM(userID string) (string, error) {
	return userID, nil
}

// Members is unsupported by the Telegram bot API; callers drop the
// dependent action.
func (t *TelegramChannel) Members(channelID string) ([]string, error) {
	return nil, fmt.Errorf("telegram does not expose channel members")
}

func (t *TelegramChannel) Download(fileURL string) ([]byte, error) {
	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Get(fileURL)
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read telegram file body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("telegram file is empty")
	}
	return data, nil
}
