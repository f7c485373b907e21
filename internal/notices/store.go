package notices

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gridpulse/gridpulse/internal/core"
	"github.com/gridpulse/gridpulse/internal/logging"
)

// Store holds the live notice set, newest first.
type Store struct {
	dir     string
	notices []*Notice
	log     *logging.Logger

	// onInsert, when set, observes every accepted notice (the RPC
	// server uses it to push to connected GUIs).
	onInsert func(Notice)

	now func() time.Time
}

// NewStore creates a notice store persisting archives under dir.
func NewStore(dir string) *Store {
	return &Store{
		dir: dir,
		log: logging.WithComponent("notices"),
		now: time.Now,
	}
}

// SetOnInsert registers the single insertion observer.
func (s *Store) SetOnInsert(fn func(Notice)) {
	s.onInsert = fn
}

// Len returns the live notice count.
func (s *Store) Len() int { return len(s.notices) }

// Highest returns the highest assigned seqno, 0 when empty.
func (s *Store) Highest() int {
	if len(s.notices) == 0 {
		return 0
	}
	return s.notices[0].Seqno
}

// Append considers a notice for insertion. removeDups runs first:
// notices past the retention window are evicted regardless of content,
// and an equivalent existing notice either blocks the insert
// (keepOld=true) or is replaced (keepOld=false). Returns whether the
// notice was inserted. A non-feed notice rewrites the system archive
// immediately.
func (s *Store) Append(n *Notice, keepOld bool) bool {
	if !s.removeDups(n, keepOld) {
		return false
	}

	n.Seqno = s.Highest() + 1
	s.notices = append([]*Notice{n}, s.notices...)

	if n.FeedURL == "" {
		if err := s.writeSystemArchive(); err != nil {
			s.log.Warn("failed to write notice archive: %v", err)
		}
	}
	if s.onInsert != nil {
		s.onInsert(*n)
	}
	return true
}

// Post creates and inserts a local notice. Repeated identical posts
// keep the original (no alert spam).
func (s *Store) Post(title, description string, isPrivate bool) {
	now := s.now()
	s.Append(&Notice{
		Title:       title,
		Description: description,
		CreateTime:  now,
		ArrivalTime: now,
		IsPrivate:   isPrivate,
	}, true)
}

// removeDups evicts expired notices and resolves content duplicates.
// Returns false if the candidate should be rejected.
func (s *Store) removeDups(candidate *Notice, keepOld bool) bool {
	cutoff := s.now().Add(-RetentionWindow)
	insert := true

	kept := make([]*Notice, 0, len(s.notices))
	for _, n := range s.notices {
		if n.ArrivalTime.Before(cutoff) {
			continue
		}
		if n.Equivalent(candidate) {
			if keepOld {
				// Existing one wins; the sweep mark is refreshed so a
				// feed re-parse does not reap it.
				n.keep = true
				insert = false
			} else {
				continue // replaced by the candidate
			}
		}
		kept = append(kept, n)
	}
	s.notices = kept
	return insert
}

// Write emits, in increasing-seqno order, every notice with
// seqno > sinceSeqno (all of them when sinceSeqno <= 0), skipping
// private notices when publicOnly is set.
func (s *Store) Write(w io.Writer, sinceSeqno int, publicOnly bool) error {
	doc := noticesDoc{}
	for i := len(s.notices) - 1; i >= 0; i-- {
		n := s.notices[i]
		if n.Seqno <= sinceSeqno {
			continue
		}
		if publicOnly && n.IsPrivate {
			continue
		}
		doc.Notices = append(doc.Notices, toXML(n, true))
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode notices: %w", err)
	}
	return nil
}

// Since returns copies of notices with seqno > sinceSeqno, oldest
// first.
func (s *Store) Since(sinceSeqno int) []Notice {
	var out []Notice
	for i := len(s.notices) - 1; i >= 0; i-- {
		if s.notices[i].Seqno > sinceSeqno {
			out = append(out, *s.notices[i])
		}
	}
	return out
}

// --- feed-level mark-and-sweep ---

// UnkeepForFeed marks every notice of the feed "don't keep". Called
// before a feed's fetched contents are parsed; AppendFeedItem clears
// the mark for anything found again, and SweepFeed reaps the rest.
func (s *Store) UnkeepForFeed(feedURL string) {
	for _, n := range s.notices {
		if n.FeedURL == feedURL {
			n.keep = false
		}
	}
}

// AppendFeedItem inserts a notice parsed from a feed document. The
// existing equivalent, if any, is kept and re-marked.
func (s *Store) AppendFeedItem(n *Notice) bool {
	n.keep = true
	return s.Append(n, true)
}

// SweepFeed removes every notice of the feed still marked "don't
// keep", returning how many were removed.
func (s *Store) SweepFeed(feedURL string) int {
	kept := make([]*Notice, 0, len(s.notices))
	removed := 0
	for _, n := range s.notices {
		if n.FeedURL == feedURL && !n.keep {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	s.notices = kept
	return removed
}

// --- archives ---

func (s *Store) systemArchivePath() string {
	return filepath.Join(s.dir, "notices.xml")
}

// ArchivePath returns the per-feed archive file for a feed base URL.
func (s *Store) ArchivePath(feedBaseURL string) string {
	return filepath.Join(s.dir, "notices_"+core.URLToFilename(feedBaseURL)+".xml")
}

func (s *Store) writeSystemArchive() error {
	doc := noticesDoc{}
	for i := len(s.notices) - 1; i >= 0; i-- {
		n := s.notices[i]
		if n.FeedURL != "" {
			continue
		}
		doc.Notices = append(doc.Notices, toXML(n, false))
	}
	return writeDoc(s.systemArchivePath(), doc)
}

// WriteFeedArchive rewrites the archive of one feed.
func (s *Store) WriteFeedArchive(feedURL, feedBaseURL string) error {
	doc := noticesDoc{}
	for i := len(s.notices) - 1; i >= 0; i-- {
		n := s.notices[i]
		if n.FeedURL != feedURL {
			continue
		}
		doc.Notices = append(doc.Notices, toXML(n, false))
	}
	return writeDoc(s.ArchivePath(feedBaseURL), doc)
}

// LoadArchive reads an archive file and inserts its notices, assigning
// fresh seqnos. Missing files are not an error.
func (s *Store) LoadArchive(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var doc noticesDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse notice archive %s: %w", path, err)
	}
	// Archives are written oldest-first; inserting in file order gives
	// the newest entry the highest fresh seqno.
	for _, nx := range doc.Notices {
		s.Append(fromXML(nx), true)
	}
	return nil
}

// LoadStartupArchives restores the system archive.
func (s *Store) LoadStartupArchives() error {
	return s.LoadArchive(s.systemArchivePath())
}

func writeDoc(path string, doc noticesDoc) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := xml.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
