package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cocoabot/cocoa/internal/bus"
	"github.com/cocoabot/cocoa/internal/clock"
	"github.com/cocoabot/cocoa/internal/config"
)

const slackChannelName = "slack"

var mentionPattern = regexp.MustCompile(`<@\w+>`)

// SlackChannel receives events and slash commands over an HTTP webhook and
// performs outbound effects through the Slack Web API.
type SlackChannel struct {
	BaseChannel
	token      string
	port       int
	apiBase    string
	httpClient *http.Client
	server     *http.Server
}

func NewSlackChannel(cfg config.SlackConfig, b *bus.MessageBus) (*SlackChannel, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack bot token is required")
	}
	return &SlackChannel{
		BaseChannel: NewBaseChannel(slackChannelName, b, nil),
		token:       cfg.BotToken,
		port:        cfg.Port,
		apiBase:     "https://slack.com/api",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SetAPIBase overrides the Web API endpoint (for testing).
func (s *SlackChannel) SetAPIBase(base string) { s.apiBase = base }

func (s *SlackChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/slack/events", s.handleEvents)
	mux.HandleFunc("/slack/commands", s.handleCommands)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[slack] webhook server error: %v", err)
		}
	}()

	log.Printf("[slack] webhook listening on :%d", s.port)
	return nil
}

func (s *SlackChannel) Stop() error {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	log.Printf("[slack] stopped")
	return nil
}

type slackEventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	EventID   string `json:"event_id"`
	Event     struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		BotID   string `json:"bot_id"`
		User    string `json:"user"`
		Channel string `json:"channel"`
		Text    string `json:"text"`
		TS      string `json:"ts"`
		Files   []struct {
			Name       string `json:"name"`
			Mimetype   string `json:"mimetype"`
			URLPrivate string `json:"url_private"`
		} `json:"files"`
	} `json:"event"`
}

func (s *SlackChannel) handleEvents(w http.ResponseWriter, r *http.Request) {
	var envelope slackEventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if envelope.Type == "url_verification" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": envelope.Challenge})
		return
	}

	// Ack immediately; processing happens off the webhook thread.
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})

	ev := envelope.Event
	if ev.Type != "message" && ev.Type != "app_mention" {
		return
	}
	if ev.BotID != "" || ev.Subtype != "" || ev.User == "" {
		return
	}
	if !s.IsAllowed(ev.User) {
		log.Printf("[slack] rejected message from %s", ev.User)
		return
	}

	text := strings.TrimSpace(mentionPattern.ReplaceAllString(ev.Text, ""))

	var images []string
	var attachments []bus.Attachment
	for _, f := range ev.Files {
		if strings.HasPrefix(f.Mimetype, "image/") {
			images = append(images, f.URLPrivate)
			continue
		}
		attachments = append(attachments, bus.Attachment{
			Name: f.Name,
			Mime: f.Mimetype,
			URL:  f.URLPrivate,
		})
	}

	if text == "" && len(images) == 0 && len(attachments) == 0 {
		return
	}

	s.bus.Inbound <- bus.InboundMessage{
		Channel:     slackChannelName,
		EventID:     envelope.EventID,
		MessageID:   ev.TS,
		SenderID:    ev.User,
		ChatID:      ev.Channel,
		IsDM:        strings.HasPrefix(ev.Channel, "D"),
		Content:     text,
		Timestamp:   slackTimestamp(ev.TS),
		Images:      images,
		Attachments: attachments,
	}
}

func slackTimestamp(ts string) time.Time {
	secs, err := strconv.ParseFloat(ts, 64)
	if err != nil || secs == 0 {
		return clock.Now()
	}
	return time.Unix(int64(secs), 0).In(clock.Zone)
}

func (s *SlackChannel) handleCommands(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	cmd := Command{
		Name:      r.FormValue("command"),
		Text:      strings.TrimSpace(r.FormValue("text")),
		UserID:    r.FormValue("user_id"),
		ChannelID: r.FormValue("channel_id"),
	}

	reply := "unknown command"
	if s.onCommand != nil {
		reply = s.onCommand(cmd)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"response_type": "ephemeral",
		"text":          reply,
	})
}

// apiPost calls a Web API method with a JSON body.
func (s *SlackChannel) apiPost(method string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequest(http.MethodPost, s.apiBase+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	return s.doAPI(req, method, out)
}

// apiGet calls a Web API method with query parameters.
func (s *SlackChannel) apiGet(method string, params url.Values, out any) error {
	req, err := http.NewRequest(http.MethodGet, s.apiBase+"/"+method+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	return s.doAPI(req, method, out)
}

func (s *SlackChannel) doAPI(req *http.Request, method string, out any) error {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var status struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parse %s response: %w", method, err)
	}
	if !status.OK {
		return fmt.Errorf("%s failed: %s", method, status.Error)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse %s payload: %w", method, err)
		}
	}
	return nil
}

func (s *SlackChannel) Send(channelID, text string) (string, error) {
	var result struct {
		TS string `json:"ts"`
	}
	err := s.apiPost("chat.postMessage", map[string]any{
		"channel": channelID,
		"text":    text,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.TS, nil
}

func (s *SlackChannel) Update(channelID, msgID, text string) error {
	return s.apiPost("chat.update", map[string]any{
		"channel": channelID,
		"ts":      msgID,
		"text":    text,
	}, nil)
}

func (s *SlackChannel) Delete(channelID, msgID string) error {
	return s.apiPost("chat.delete", map[string]any{
		"channel": channelID,
		"ts":      msgID,
	}, nil)
}

func (s *SlackChannel) React(channelID, msgID, emoji string) error {
	return s.apiPost("reactions.add", map[string]any{
		"channel":   channelID,
		"timestamp": msgID,
		"name":      strings.Trim(emoji, ":"),
	}, nil)
}

func (s *SlackChannel) LookupUser(userID string) (User, error) {
	var result struct {
		User struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			RealName string `json:"real_name"`
		} `json:"user"`
	}
	if err := s.apiGet("users.info", url.Values{"user": {userID}}, &result); err != nil {
		return User{}, err
	}
	display := result.User.RealName
	if display == "" {
		display = result.User.Name
	}
	return User{ID: result.User.ID, Name: result.User.Name, DisplayName: display}, nil
}

func (s *SlackChannel) LookupChannel(name string) (string, error) {
	name = strings.TrimPrefix(name, "#")
	cursor := ""
	for {
		params := url.Values{"limit": {"200"}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var result struct {
			Channels []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"channels"`
			ResponseMetadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := s.apiGet("conversations.list", params, &result); err != nil {
			return "", err
		}
		for _, ch := range result.Channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		cursor = result.ResponseMetadata.NextCursor
		if cursor == "" {
			return "", fmt.Errorf("channel %q not found", name)
		}
	}
}

func (s *SlackChannel) OpenDM(userID string) (string, error) {
	var result struct {
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := s.apiPost("conversations.open", map[string]any{"users": userID}, &result); err != nil {
		return "", err
	}
	return result.Channel.ID, nil
}

func (s *SlackChannel) Members(channelID string) ([]string, error) {
	var result struct {
		Members []string `json:"members"`
	}
	if err := s.apiGet("conversations.members", url.Values{"channel": {channelID}}, &result); err != nil {
		return nil, err
	}
	return result.Members, nil
}

func (s *SlackChannel) Download(fileURL string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded file is empty")
	}
	return data, nil
}
