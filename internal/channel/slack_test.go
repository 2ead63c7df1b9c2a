package channel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/cocoabot/cocoa/internal/bus"
	"github.com/cocoabot/cocoa/internal/config"
)

func newTestSlack(t *testing.T) (*SlackChannel, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus(10)
	s, err := NewSlackChannel(config.SlackConfig{BotToken: "xoxb-test", Port: 0}, b)
	if err != nil {
		t.Fatal(err)
	}
	return s, b
}

func postEvents(t *testing.T, s *SlackChannel, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handleEvents(w, req)
	return w
}

func TestSlackURLVerification(t *testing.T) {
	s, _ := newTestSlack(t)

	w := postEvents(t, s, `{"type":"url_verification","challenge":"abc123"}`)
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["challenge"] != "abc123" {
		t.Errorf("challenge = %q", resp["challenge"])
	}
}

func TestSlackMessageEvent(t *testing.T) {
	s, b := newTestSlack(t)

	postEvents(t, s, `{
		"type":"event_callback","event_id":"Ev1",
		"event":{"type":"message","user":"U1","channel":"D123","text":"<@UBOT> hello bot","ts":"1700000000.000100"}
	}`)

	select {
	case msg := <-b.Inbound:
		if msg.Channel != "slack" || msg.SenderID != "U1" || msg.ChatID != "D123" {
			t.Errorf("msg = %+v", msg)
		}
		if !msg.IsDM {
			t.Error("channels starting with D are direct messages")
		}
		if msg.Content != "hello bot" {
			t.Errorf("mention not stripped: %q", msg.Content)
		}
		if msg.EventID != "Ev1" || msg.MessageID != "1700000000.000100" {
			t.Errorf("ids = %q / %q", msg.EventID, msg.MessageID)
		}
	default:
		t.Fatal("no inbound message")
	}
}

func TestSlackIgnoresBotAndSubtypeEvents(t *testing.T) {
	s, b := newTestSlack(t)

	postEvents(t, s, `{"type":"event_callback","event":{"type":"message","bot_id":"B1","channel":"C1","text":"own echo"}}`)
	postEvents(t, s, `{"type":"event_callback","event":{"type":"message","subtype":"message_changed","user":"U1","channel":"C1","text":"edit"}}`)

	select {
	case msg := <-b.Inbound:
		t.Fatalf("unexpected inbound %+v", msg)
	default:
	}
}

func TestSlackFileClassification(t *testing.T) {
	s, b := newTestSlack(t)

	postEvents(t, s, `{
		"type":"event_callback","event_id":"Ev2",
		"event":{"type":"message","user":"U1","channel":"C1","text":"see files","ts":"1.2",
			"files":[
				{"name":"pic.png","mimetype":"image/png","url_private":"https://files/p"},
				{"name":"doc.pdf","mimetype":"application/pdf","url_private":"https://files/d"}
			]}
	}`)

	msg := <-b.Inbound
	if len(msg.Images) != 1 || msg.Images[0] != "https://files/p" {
		t.Errorf("images = %v", msg.Images)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Name != "doc.pdf" {
		t.Errorf("attachments = %+v", msg.Attachments)
	}
}

func TestSlackSlashCommand(t *testing.T) {
	s, _ := newTestSlack(t)
	var got Command
	s.SetCommandHandler(func(cmd Command) string {
		got = cmd
		return "done"
	})

	form := url.Values{
		"command":    {"/memory"},
		"text":       {"delete 2"},
		"user_id":    {"U1"},
		"channel_id": {"C1"},
	}
	req := httptest.NewRequest(http.MethodPost, "/slack/commands", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.handleCommands(w, req)

	if got.Name != "/memory" || got.Text != "delete 2" || got.UserID != "U1" {
		t.Errorf("cmd = %+v", got)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["response_type"] != "ephemeral" || resp["text"] != "done" {
		t.Errorf("resp = %v", resp)
	}
}

func TestSlackSendUpdateReact(t *testing.T) {
	s, _ := newTestSlack(t)

	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		if auth := r.Header.Get("Authorization"); auth != "Bearer xoxb-test" {
			t.Errorf("auth = %q", auth)
		}
		switch r.URL.Path {
		case "/chat.postMessage":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["channel"] != "C1" || body["text"] != "hi" {
				t.Errorf("body = %v", body)
			}
			_, _ = w.Write([]byte(`{"ok":true,"ts":"123.456"}`))
		case "/reactions.add":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["name"] != "heart" {
				t.Errorf("emoji colons not trimmed: %v", body["name"])
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()
	s.SetAPIBase(srv.URL)

	ts, err := s.Send("C1", "hi")
	if err != nil || ts != "123.456" {
		t.Errorf("Send = %q, %v", ts, err)
	}
	if err := s.Update("C1", ts, "hi again"); err != nil {
		t.Errorf("Update: %v", err)
	}
	if err := s.React("C1", ts, ":heart:"); err != nil {
		t.Errorf("React: %v", err)
	}
	if len(calls) != 3 {
		t.Errorf("calls = %v", calls)
	}
}

func TestSlackAPIErrorSurfaces(t *testing.T) {
	s, _ := newTestSlack(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()
	s.SetAPIBase(srv.URL)

	if _, err := s.Send("C404", "hi"); err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("err = %v", err)
	}
}

func TestSlackLookupChannelPaginates(t *testing.T) {
	s, _ := newTestSlack(t)
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations.list" {
			t.Errorf("path = %s", r.URL.Path)
		}
		page++
		if page == 1 {
			_, _ = w.Write([]byte(`{"ok":true,"channels":[{"id":"C1","name":"random"}],"response_metadata":{"next_cursor":"page2"}}`))
			return
		}
		if got := r.URL.Query().Get("cursor"); got != "page2" {
			t.Errorf("cursor = %q", got)
		}
		_, _ = w.Write([]byte(`{"ok":true,"channels":[{"id":"C2","name":"general"}],"response_metadata":{"next_cursor":""}}`))
	}))
	defer srv.Close()
	s.SetAPIBase(srv.URL)

	id, err := s.LookupChannel("#general")
	if err != nil || id != "C2" {
		t.Errorf("LookupChannel = %q, %v", id, err)
	}
}
