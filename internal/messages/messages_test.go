package messages

import (
	"testing"
	"time"

	"github.com/gridpulse/gridpulse/internal/storage"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewLog(db)
}

func TestLog_RecordAndSince(t *testing.T) {
	l := newTestLog(t)

	s1, err := l.Record("", PriorityInfo, "client started")
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	s2, err := l.Record("https://proj.example.org/", PriorityUserAlert, "attach failed")
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if s2 != s1+1 {
		t.Errorf("seqnos not sequential: %d, %d", s1, s2)
	}

	msgs, err := l.Since(s1, 0)
	if err != nil {
		t.Fatalf("since failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "attach failed" {
		t.Fatalf("expected the second message only, got %+v", msgs)
	}
	if msgs[0].Priority != PriorityUserAlert || msgs[0].ProjectURL != "https://proj.example.org/" {
		t.Error("message fields lost")
	}
	if msgs[0].ID == "" {
		t.Error("message has no id")
	}

	all, err := l.Since(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Seqno > all[1].Seqno {
		t.Error("expected all messages in increasing seqno order")
	}
}

func TestLog_SinceLimit(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 5; i++ {
		if _, err := l.Record("", PriorityInfo, "m"); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := l.Since(0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Errorf("limit ignored, got %d messages", len(msgs))
	}
}

func TestLog_Count(t *testing.T) {
	l := newTestLog(t)
	if n, err := l.Count(); err != nil || n != 0 {
		t.Fatalf("empty log count = %d, %v", n, err)
	}
	l.Record("", PriorityInfo, "a")
	l.Record("", PriorityInfo, "b")
	if n, err := l.Count(); err != nil || n != 2 {
		t.Errorf("count = %d, %v", n, err)
	}
}

func TestLog_Prune(t *testing.T) {
	l := newTestLog(t)
	old := time.Now().Add(-48 * time.Hour)
	l.now = func() time.Time { return old }
	l.Record("", PriorityInfo, "stale")
	l.now = time.Now
	l.Record("", PriorityInfo, "fresh")

	n, err := l.Prune(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	msgs, _ := l.Since(0, 0)
	if len(msgs) != 1 || msgs[0].Body != "fresh" {
		t.Errorf("wrong survivor: %+v", msgs)
	}
}
