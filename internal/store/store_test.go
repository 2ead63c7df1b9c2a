package store

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cocoabot/cocoa/internal/config"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "test.db")
	s, err := OpenSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	in := map[string]*UserRecord{"alice": {Profile: "mini", PointsUsed: 3}}
	if err := s.Save(KeyUsers, in); err != nil {
		t.Fatal(err)
	}

	out := map[string]*UserRecord{}
	if err := s.Load(KeyUsers, &out); err != nil {
		t.Fatal(err)
	}
	if out["alice"] == nil || out["alice"].Profile != "mini" {
		t.Errorf("out = %+v", out)
	}

	// Upsert replaces the document.
	in["alice"].PointsUsed = 9
	if err := s.Save(KeyUsers, in); err != nil {
		t.Fatal(err)
	}
	out = map[string]*UserRecord{}
	if err := s.Load(KeyUsers, &out); err != nil {
		t.Fatal(err)
	}
	if out["alice"].PointsUsed != 9 {
		t.Errorf("PointsUsed = %d", out["alice"].PointsUsed)
	}
}

func TestSQLiteStoreMissingKeyIsEmpty(t *testing.T) {
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	out := map[string]*UserRecord{}
	if err := s.Load("never-written", &out); err != nil {
		t.Errorf("missing document must not error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("out = %+v", out)
	}
}

func TestRemoteStoreRoundTrip(t *testing.T) {
	var putBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Master-Key"); got != "secret" {
			t.Errorf("key header = %q", got)
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/b/users-bin/latest":
			_, _ = w.Write([]byte(`{"record":{"alice":{"profile":"mini"}}}`))
		case r.Method == http.MethodPut && r.URL.Path == "/b/users-bin":
			body, _ := io.ReadAll(r.Body)
			putBody = string(body)
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rs := NewRemoteStore(srv.URL+"/b", "secret", map[string]string{KeyUsers: "users-bin"})

	out := map[string]*UserRecord{}
	if err := rs.Load(KeyUsers, &out); err != nil {
		t.Fatal(err)
	}
	if out["alice"] == nil || out["alice"].Profile != "mini" {
		t.Errorf("out = %+v", out)
	}

	if err := rs.Save(KeyUsers, out); err != nil {
		t.Fatal(err)
	}
	if putBody == "" {
		t.Error("save did not PUT the document")
	}

	if err := rs.Load("unconfigured", &out); err == nil {
		t.Error("missing bin mapping must error")
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(config.StoreConfig{Backend: "sqlite", DBPath: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatal(err)
	}
	if st, ok := s.(*SQLiteStore); ok {
		_ = st.Close()
	} else {
		t.Errorf("got %T", s)
	}

	s, err = Open(config.StoreConfig{Backend: "remote", BaseURL: "http://x", Bins: map[string]string{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*RemoteStore); !ok {
		t.Errorf("got %T", s)
	}

	if _, err := Open(config.StoreConfig{Backend: "etcd"}); err == nil {
		t.Error("unknown backend must error")
	}
}
