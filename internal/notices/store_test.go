package notices

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func testNotice(title, desc string) *Notice {
	now := time.Now()
	return &Notice{
		Title:       title,
		Description: desc,
		CreateTime:  now,
		ArrivalTime: now,
	}
}

func TestStore_AppendAssignsSeqnos(t *testing.T) {
	s := newTestStore(t)

	if !s.Append(testNotice("a", "1"), false) {
		t.Fatal("first append rejected")
	}
	if !s.Append(testNotice("b", "2"), false) {
		t.Fatal("second append rejected")
	}

	if s.Highest() != 2 {
		t.Errorf("expected highest seqno 2, got %d", s.Highest())
	}
	// Newest first.
	if s.notices[0].Title != "b" || s.notices[1].Title != "a" {
		t.Error("expected newest-first ordering")
	}
}

func TestStore_RemoveDups_KeepOld(t *testing.T) {
	s := newTestStore(t)
	s.Append(testNotice("dup", "same"), false)
	s.Append(testNotice("other", "x"), false)

	before := s.Len()
	inserted := s.Append(testNotice("dup", "same"), true)

	if inserted {
		t.Error("keepOld=true with equivalent present must reject the insert")
	}
	if s.Len() != before {
		t.Errorf("store changed size: %d -> %d", before, s.Len())
	}
	if s.Highest() != 2 {
		t.Error("seqnos must be unchanged on rejection")
	}
}

func TestStore_RemoveDups_ReplaceOld(t *testing.T) {
	s := newTestStore(t)
	s.Append(testNotice("dup", "same"), false)
	s.Append(testNotice("other", "x"), false)

	if !s.Append(testNotice("dup", "same"), false) {
		t.Fatal("keepOld=false must insert")
	}

	// Exactly one (title, description) pair may survive.
	count := 0
	for _, n := range s.notices {
		if n.Title == "dup" && n.Description == "same" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected 1 surviving duplicate, got %d", count)
	}
	if s.Highest() != 3 {
		t.Errorf("replacement gets a fresh seqno, got %d", s.Highest())
	}
}

func TestStore_RetentionEviction(t *testing.T) {
	s := newTestStore(t)

	old := testNotice("ancient", "history")
	old.ArrivalTime = time.Now().Add(-31 * 24 * time.Hour)
	s.Append(old, false)
	s.Append(testNotice("fresh", "x"), false)

	// Any insert attempt triggers eviction of expired notices, even a
	// rejected one.
	s.Append(testNotice("fresh", "x"), true)

	for _, n := range s.notices {
		if n.Title == "ancient" {
			t.Error("expired notice not evicted")
		}
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 live notice, got %d", s.Len())
	}
}

func TestStore_Write_SinceAndPublicOnly(t *testing.T) {
	s := newTestStore(t)
	s.Append(testNotice("one", "1"), false)

	private := testNotice("secret", "2")
	private.IsPrivate = true
	s.Append(private, false)
	s.Append(testNotice("three", "3"), false)

	var buf bytes.Buffer
	if err := s.Write(&buf, 1, false); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "<title>one</title>") {
		t.Error("seqno 1 should be excluded by sinceSeqno=1")
	}
	if !strings.Contains(out, "secret") || !strings.Contains(out, "three") {
		t.Error("expected seqnos 2 and 3 in output")
	}
	// Increasing seqno order.
	if strings.Index(out, "secret") > strings.Index(out, "three") {
		t.Error("expected increasing-seqno order")
	}

	buf.Reset()
	if err := s.Write(&buf, 0, true); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if strings.Contains(buf.String(), "secret") {
		t.Error("publicOnly must skip private notices")
	}
}

func TestStore_FeedSweep(t *testing.T) {
	s := newTestStore(t)
	feed := "https://example.org/notices.php?a=1"

	n1 := testNotice("item1", "d1")
	n1.FeedURL = feed
	n2 := testNotice("item2", "d2")
	n2.FeedURL = feed
	s.AppendFeedItem(n1)
	s.AppendFeedItem(n2)
	s.Append(testNotice("local", "l"), false)

	// New parse pass: only item2 is still present in the feed.
	s.UnkeepForFeed(feed)
	again := testNotice("item2", "d2")
	again.FeedURL = feed
	if s.AppendFeedItem(again) {
		t.Error("re-found item must not insert a duplicate")
	}

	removed := s.SweepFeed(feed)
	if removed != 1 {
		t.Errorf("expected 1 swept notice, got %d", removed)
	}
	for _, n := range s.notices {
		if n.Title == "item1" {
			t.Error("item1 should have been swept")
		}
	}
	// Local notices are untouched by feed sweeps.
	found := false
	for _, n := range s.notices {
		if n.Title == "local" {
			found = true
		}
	}
	if !found {
		t.Error("local notice must survive feed sweep")
	}
}

func TestStore_ArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	s.Post("alpha", "first", false)
	s.Post("beta", "second", true)

	// A fresh store restores from the system archive with re-assigned
	// seqnos, newest highest.
	s2 := NewStore(dir)
	if err := s2.LoadStartupArchives(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if s2.Len() != 2 {
		t.Fatalf("expected 2 restored notices, got %d", s2.Len())
	}
	if s2.notices[0].Title != "beta" {
		t.Errorf("expected beta newest, got %q", s2.notices[0].Title)
	}
	if s2.Highest() != 2 {
		t.Errorf("expected reassigned seqnos up to 2, got %d", s2.Highest())
	}
	if !s2.notices[0].IsPrivate {
		t.Error("privacy flag lost in archive round trip")
	}
}

func TestStore_OnInsertObserver(t *testing.T) {
	s := newTestStore(t)
	var seen []string
	s.SetOnInsert(func(n Notice) { seen = append(seen, n.Title) })

	s.Post("hello", "world", false)
	s.Post("hello", "world", false) // rejected duplicate

	if len(seen) != 1 || seen[0] != "hello" {
		t.Errorf("observer should fire once per accepted insert, got %v", seen)
	}
}
