package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cocoabot/cocoa/internal/config"
)

func completionBody(content string) string {
	return `{"choices":[{"message":{"content":` + string(mustJSON(content)) + `}}]}`
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func profileFor(srv *httptest.Server) config.ModelProfile {
	return config.ModelProfile{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "test-model",
		TokenLimit: 100000,
		MaxTokens:  1024,
	}
}

func TestCompleteSuccess(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(completionBody("hello there")))
	}))
	defer srv.Close()

	c := NewClient()
	out, err := c.Complete(context.Background(), profileFor(srv), []Message{System("sys"), User("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello there" {
		t.Errorf("out = %q", out)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["model"] != "test-model" {
		t.Errorf("model = %v", gotBody["model"])
	}
	if gotBody["max_tokens"] != float64(1024) {
		t.Errorf("max_tokens = %v", gotBody["max_tokens"])
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(completionBody("recovered")))
	}))
	defer srv.Close()

	out, err := NewClient().Complete(context.Background(), profileFor(srv), []Message{User("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if out != "recovered" || calls != 3 {
		t.Errorf("out = %q after %d calls", out, calls)
	}
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	_, err := NewClient().Complete(context.Background(), profileFor(srv), []Message{User("hi")})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, 4xx must not be retried", calls)
	}
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"model is overloaded"}}`))
	}))
	defer srv.Close()

	_, err := NewClient().Complete(context.Background(), profileFor(srv), []Message{User("hi")})
	if err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("err = %v", err)
	}
}

func TestCompleteRequiresCredentials(t *testing.T) {
	c := NewClient()
	if _, err := c.Complete(context.Background(), config.ModelProfile{BaseURL: "http://x"}, nil); err == nil {
		t.Error("missing api key must fail")
	}
	if _, err := c.Complete(context.Background(), config.ModelProfile{APIKey: "k"}, nil); err == nil {
		t.Error("missing base url must fail")
	}
}

func TestMessageMarshal(t *testing.T) {
	plain := mustJSON(User("hi"))
	if string(plain) != `{"role":"user","content":"hi"}` {
		t.Errorf("plain = %s", plain)
	}

	multi := mustJSON(Message{Role: "user", Content: "look", Images: []string{"data:image/png;base64,AAAA"}})
	var parsed struct {
		Role    string `json:"role"`
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ImageURL struct {
				URL string `json:"url"`
			} `json:"image_url"`
		} `json:"content"`
	}
	if err := json.Unmarshal(multi, &parsed); err != nil {
		t.Fatal(err)
	}
	if len(parsed.Content) != 2 || parsed.Content[0].Type != "text" || parsed.Content[1].ImageURL.URL == "" {
		t.Errorf("multi = %s", multi)
	}
}
