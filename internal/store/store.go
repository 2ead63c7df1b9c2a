package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cocoabot/cocoa/internal/config"
)

// Store is the persistence capability: whole JSON documents keyed by
// domain ("users", "schedules", "memories", "chatlogs"). No transactional
// guarantees; every mutation above this interface is load-mutate-save and
// the last writer wins.
type Store interface {
	Load(key string, out any) error
	Save(key string, v any) error
}

// Well-known document keys.
const (
	KeyUsers     = "users"
	KeySchedules = "schedules"
	KeyMemories  = "memories"
	KeyChatLogs  = "chatlogs"
)

func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "remote":
		return NewRemoteStore(cfg.BaseURL, cfg.APIKey, cfg.Bins), nil
	case "", "sqlite":
		return OpenSQLiteStore(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// SQLiteStore keeps documents in a single-table local database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(key string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM documents WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`INSERT INTO documents (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RemoteStore talks to a hosted JSON document service: one bin per key,
// GET <base>/<bin>/latest returns {"record": <doc>}, PUT <base>/<bin>
// replaces the document. A single timeout, no retry; callers degrade to
// empty defaults on failure.
type RemoteStore struct {
	baseURL    string
	apiKey     string
	bins       map[string]string
	httpClient *http.Client
}

func NewRemoteStore(baseURL, apiKey string, bins map[string]string) *RemoteStore {
	return &RemoteStore{
		baseURL:    baseURL,
		apiKey:     apiKey,
		bins:       bins,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *RemoteStore) binFor(key string) (string, error) {
	bin, ok := r.bins[key]
	if !ok || bin == "" {
		return "", fmt.Errorf("no bin configured for key %q", key)
	}
	return bin, nil
}

func (r *RemoteStore) Load(key string, out any) error {
	bin, err := r.binFor(key)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodGet, r.baseURL+"/"+bin+"/latest", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Master-Key", r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("load %s: unexpected status %d", key, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}

	var envelope struct {
		Record json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("parse %s envelope: %w", key, err)
	}
	if len(envelope.Record) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Record, out); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

func (r *RemoteStore) Save(key string, v any) error {
	bin, err := r.binFor(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	req, err := http.NewRequest(http.MethodPut, r.baseURL+"/"+bin, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Master-Key", r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("save %s: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}
