package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeStore is an in-memory Store that round-trips through JSON the same
// way the real backends do.
type fakeStore struct {
	docs    map[string][]byte
	loadErr error
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[string][]byte{}}
}

func (f *fakeStore) Load(key string, out any) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	data, ok := f.docs[key]
	if !ok {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (f *fakeStore) Save(key string, v any) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.docs[key] = data
	return nil
}

func TestUsersMutateRoundTrip(t *testing.T) {
	users := NewUsers(newFakeStore())

	users.Mutate("alice", func(r *UserRecord) {
		r.Profile = "mini"
		r.PointsUsed = 3
	})

	rec := users.Get("alice")
	if rec.Profile != "mini" || rec.PointsUsed != 3 {
		t.Errorf("got %+v", rec)
	}
	if rec := users.Get("nobody"); rec.Profile != "" {
		t.Errorf("missing user should be a fresh default, got %+v", rec)
	}
}

func TestUsersLoadFailureDegradesToEmpty(t *testing.T) {
	fs := newFakeStore()
	fs.loadErr = fmt.Errorf("bin unreachable")
	users := NewUsers(fs)

	if all := users.All(); len(all) != 0 {
		t.Errorf("got %d users, want 0", len(all))
	}
}

func TestMemoriesFIFOEviction(t *testing.T) {
	mems := NewMemories(newFakeStore(), 2000)

	// Three old entries totalling 1990 chars, then one of 50.
	mems.Add("u", strings.Repeat("a", 900))
	mems.Add("u", strings.Repeat("b", 900))
	mems.Add("u", strings.Repeat("c", 190))
	mems.Add("u", strings.Repeat("d", 50))

	entries := mems.List("u")
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3 after evicting the oldest", len(entries))
	}
	if !strings.HasPrefix(entries[0].Content, "b") {
		t.Errorf("oldest surviving entry should be the b-run, got %q", entries[0].Content[:1])
	}
	if total := mems.TotalChars("u"); total > 2000 {
		t.Errorf("total %d exceeds limit", total)
	}
}

func TestMemoriesEvictionCountsRunes(t *testing.T) {
	mems := NewMemories(newFakeStore(), 10)

	mems.Add("u", strings.Repeat("字", 6))
	mems.Add("u", strings.Repeat("符", 6))

	entries := mems.List("u")
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Content, "符") {
		t.Fatalf("got %+v, want only the newer entry", entries)
	}
}

func TestMemoriesDeleteAndClear(t *testing.T) {
	mems := NewMemories(newFakeStore(), 2000)
	mems.Add("u", "first")
	mems.Add("u", "second")

	if _, ok := mems.Delete("u", 0); ok {
		t.Error("index 0 must be rejected, listing is 1-based")
	}
	if _, ok := mems.Delete("u", 3); ok {
		t.Error("out-of-range delete must fail")
	}
	removed, ok := mems.Delete("u", 1)
	if !ok || removed != "first" {
		t.Errorf("Delete = %q, %v", removed, ok)
	}
	if got := mems.List("u"); len(got) != 1 || got[0].Content != "second" {
		t.Errorf("remaining = %+v", got)
	}

	mems.Clear("u")
	if got := mems.List("u"); len(got) != 0 {
		t.Errorf("after clear: %+v", got)
	}
}

func TestChatLogsSlidingWindow(t *testing.T) {
	logs := NewChatLogs(newFakeStore(), 5)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		logs.Append("C1", Turn{
			Content:   fmt.Sprintf("msg-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	turns := logs.Channel("C1")
	if len(turns) != 5 {
		t.Fatalf("got %d turns, want window of 5", len(turns))
	}
	if turns[0].Content != "msg-3" || turns[4].Content != "msg-7" {
		t.Errorf("window = %q .. %q", turns[0].Content, turns[4].Content)
	}
}

func TestChatLogsAfterCutoff(t *testing.T) {
	logs := NewChatLogs(newFakeStore(), 50)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		logs.Append("C1", Turn{
			Content:   fmt.Sprintf("msg-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	got := logs.After("C1", base.Add(90*time.Second))
	if len(got) != 2 || got[0].Content != "msg-2" {
		t.Errorf("After = %+v", got)
	}
	if all := logs.After("C1", time.Time{}); len(all) != 4 {
		t.Errorf("zero cutoff should return everything, got %d", len(all))
	}
}

func TestSchedulesSanitize(t *testing.T) {
	fs := newFakeStore()
	raw := map[string]*ScheduleSet{
		"u": {
			Timed: []TimedTrigger{
				{Date: "2026-03-05", Time: "9:5", Hint: "ok"},
				{Date: "", Time: "09:00", Hint: "missing date"},
				{Date: "2026-03-05", Time: "25:00", Hint: "bad clock"},
			},
			Daily: []DailyTrigger{
				{Time: "7:0", Topic: "morning"},
				{Time: "nope", Topic: "broken"},
			},
		},
	}
	if err := fs.Save(KeySchedules, raw); err != nil {
		t.Fatal(err)
	}

	set := NewSchedules(fs).All()["u"]
	if len(set.Timed) != 1 || set.Timed[0].Time != "09:05" {
		t.Errorf("Timed = %+v", set.Timed)
	}
	if len(set.Daily) != 1 || set.Daily[0].Time != "07:00" {
		t.Errorf("Daily = %+v", set.Daily)
	}
	if set.SpecialDates == nil {
		t.Error("SpecialDates must never be nil after load")
	}

	// The cleaned document is persisted, so the malformed entries are
	// gone from storage and later loads have nothing left to drop.
	stored := map[string]*ScheduleSet{}
	if err := fs.Load(KeySchedules, &stored); err != nil {
		t.Fatal(err)
	}
	if len(stored["u"].Timed) != 1 || stored["u"].Timed[0].Time != "09:05" {
		t.Errorf("persisted Timed = %+v", stored["u"].Timed)
	}
	if len(stored["u"].Daily) != 1 {
		t.Errorf("persisted Daily = %+v", stored["u"].Daily)
	}
}
