package feeds

import (
	"bytes"
	"encoding/xml"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gridpulse/gridpulse/internal/core"
	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/netop"
	"github.com/gridpulse/gridpulse/internal/notices"
)

// Engine owns the master feed list and the per-project feed lists,
// polls feeds serially over one async operation channel, and turns
// fetched items into notices.
type Engine struct {
	dir     string
	store   *notices.Store
	channel *netop.Channel
	log     *logging.Logger

	feeds        []*Feed            // master list, one per base URL
	projectFeeds map[string][]*Feed // keyed by project master URL

	// fetchBase is the base URL of the feed with an in-flight fetch,
	// empty when idle. If the feed is swept while the fetch is out,
	// the completion handler discards the result.
	fetchBase string

	now func() time.Time
}

// NewEngine creates a feed engine persisting lists under dir.
func NewEngine(dir string, store *notices.Store, channel *netop.Channel) *Engine {
	return &Engine{
		dir:          dir,
		store:        store,
		channel:      channel,
		log:          logging.WithComponent("feeds"),
		projectFeeds: make(map[string][]*Feed),
		now:          time.Now,
	}
}

// Feeds returns the master list.
func (e *Engine) Feeds() []*Feed { return e.feeds }

// Lookup finds a master-list feed by base URL.
func (e *Engine) Lookup(baseURL string) *Feed {
	for _, f := range e.feeds {
		if f.BaseURL == baseURL {
			return f
		}
	}
	return nil
}

func (e *Engine) masterPath() string {
	return filepath.Join(e.dir, "rss_feeds.xml")
}

func (e *Engine) projectPath(projectURL string) string {
	return filepath.Join(e.dir, "rss_feeds_"+core.URLToFilename(projectURL)+".xml")
}

// Load restores the master list, the per-project lists for the given
// projects, and each feed's notice archive.
func (e *Engine) Load(projectURLs []string) error {
	if data, err := os.ReadFile(e.masterPath()); err == nil {
		feeds, err := ParseFeedDescs(data)
		if err != nil {
			return err
		}
		e.feeds = feeds
	} else if !os.IsNotExist(err) {
		return err
	}

	for _, purl := range projectURLs {
		data, err := os.ReadFile(e.projectPath(purl))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		feeds, err := ParseFeedDescs(data)
		if err != nil {
			e.log.Warn("bad feed list for %s: %v", purl, err)
			continue
		}
		e.projectFeeds[purl] = feeds
	}

	for _, f := range e.feeds {
		if err := e.store.LoadArchive(e.store.ArchivePath(f.BaseURL)); err != nil {
			e.log.Warn("bad notice archive for %s: %v", f.BaseURL, err)
		}
	}
	return nil
}

// SetProjectFeeds replaces one project's feed list wholesale (used for
// feed blocks in account-manager replies) and refreshes the master
// list.
func (e *Engine) SetProjectFeeds(projectURL string, feeds []*Feed) {
	e.projectFeeds[projectURL] = feeds
	if err := writeFeedList(e.projectPath(projectURL), feeds); err != nil {
		e.log.Warn("failed to write project feed list: %v", err)
	}
	e.UpdateFeedList()
}

// HandleSchedulerFeeds reconciles one project's feed set against a
// scheduler reply: existing descriptors are updated in place, new ones
// added, absent ones removed. A master refresh runs only if anything
// changed.
func (e *Engine) HandleSchedulerFeeds(projectURL string, incoming []*Feed) {
	old := e.projectFeeds[projectURL]
	changed := len(old) != len(incoming)

	merged := make([]*Feed, 0, len(incoming))
	for _, in := range incoming {
		var match *Feed
		for _, f := range old {
			if f.BaseURL == in.BaseURL {
				match = f
				break
			}
		}
		if match == nil {
			changed = true
			merged = append(merged, in)
			continue
		}
		if match.URL != in.URL || match.PollInterval != in.PollInterval || match.UseSeqno != in.UseSeqno {
			changed = true
		}
		match.URL = in.URL
		match.PollInterval = in.PollInterval
		match.UseSeqno = in.UseSeqno
		merged = append(merged, match)
	}
	e.projectFeeds[projectURL] = merged

	if changed {
		if err := writeFeedList(e.projectPath(projectURL), merged); err != nil {
			e.log.Warn("failed to write project feed list: %v", err)
		}
		e.UpdateFeedList()
	}
}

// RemoveProject drops a project's feed list (on detach) and refreshes
// the master list.
func (e *Engine) RemoveProject(projectURL string) {
	if _, ok := e.projectFeeds[projectURL]; !ok {
		return
	}
	delete(e.projectFeeds, projectURL)
	os.Remove(e.projectPath(projectURL))
	e.UpdateFeedList()
}

// UpdateFeedList merges every project's feed list into the master
// list: mark all known feeds not-found, match or add each referenced
// feed, then drop anything never found. Projects are visited in sorted
// URL order and the first reference to a base URL wins, so conflicting
// descriptors for a shared feed resolve the same way every pass. The
// master file is rewritten only when the pass changed something.
// Returns whether it did.
func (e *Engine) UpdateFeedList() bool {
	for _, f := range e.feeds {
		f.found = false
	}

	urls := make([]string, 0, len(e.projectFeeds))
	for purl := range e.projectFeeds {
		urls = append(urls, purl)
	}
	sort.Strings(urls)

	changed := false
	for _, purl := range urls {
		for _, in := range e.projectFeeds[purl] {
			known := e.Lookup(in.BaseURL)
			if known == nil {
				nf := NewFeed(in.URL, in.PollInterval)
				nf.UseSeqno = in.UseSeqno
				nf.LastSeqno = in.LastSeqno
				nf.found = true
				e.feeds = append(e.feeds, nf)
				changed = true
				continue
			}
			if known.found {
				// Already claimed by an earlier project this pass.
				continue
			}
			if known.URL != in.URL || known.PollInterval != in.PollInterval || known.UseSeqno != in.UseSeqno {
				known.URL = in.URL
				known.PollInterval = in.PollInterval
				known.UseSeqno = in.UseSeqno
				changed = true
			}
			known.found = true
		}
	}

	kept := make([]*Feed, 0, len(e.feeds))
	for _, f := range e.feeds {
		if !f.found {
			changed = true
			e.log.Info("removing stale feed %s", f.BaseURL)
			if e.fetchBase == f.BaseURL {
				// The in-flight fetch completes but its result is
				// discarded; see handleFetch.
				e.log.Debug("in-flight fetch for %s will be discarded", f.BaseURL)
			}
			continue
		}
		kept = append(kept, f)
	}
	e.feeds = kept

	if changed {
		if err := writeFeedList(e.masterPath(), e.feeds); err != nil {
			e.log.Warn("failed to write master feed list: %v", err)
		}
	}
	return changed
}

// Poll issues at most one fetch per call: the first feed whose poll
// time has arrived, and only while no fetch is in flight. Returns
// whether a fetch was started.
func (e *Engine) Poll() bool {
	if e.fetchBase != "" || e.channel.Busy() {
		return false
	}
	now := e.now()
	for _, f := range e.feeds {
		if f.NextPoll.After(now) {
			continue
		}
		feed := f
		err := e.channel.Start(netop.Request{
			Method: http.MethodGet,
			URL:    feed.FetchURL(),
		}, func(res netop.Result) {
			e.handleFetch(feed.BaseURL, res)
		})
		if err != nil {
			e.log.Warn("feed fetch start failed: %v", err)
			return false
		}
		e.fetchBase = feed.BaseURL
		feed.NextPoll = now.Add(feed.PollInterval)
		return true
	}
	return false
}

// PollCompletion drives the underlying channel.
func (e *Engine) PollCompletion() {
	e.channel.Poll()
}

func (e *Engine) handleFetch(baseURL string, res netop.Result) {
	e.fetchBase = ""

	feed := e.Lookup(baseURL)
	if feed == nil {
		// Swept during reconciliation while the fetch was out.
		e.log.Debug("discarding fetch result for removed feed %s", baseURL)
		return
	}
	if !res.OK() {
		if res.Err != nil {
			e.log.Warn("feed fetch %s failed: %v", baseURL, res.Err)
		} else {
			e.log.Warn("feed fetch %s returned status %d", baseURL, res.StatusCode)
		}
		return
	}

	added, err := e.parseItems(feed, res.Body)
	if err != nil {
		e.log.Warn("feed %s: %v", baseURL, err)
		return
	}
	if added > 0 {
		if err := e.store.WriteFeedArchive(feed.URL, feed.BaseURL); err != nil {
			e.log.Warn("failed to write feed archive: %v", err)
		}
		e.log.Info("feed %s: %d new notices", baseURL, added)
	}
}

// parseItems turns a fetched document into notices via the feed-level
// mark-and-sweep: unkeep everything from this feed, insert/refresh each
// item, sweep what was never re-found.
func (e *Engine) parseItems(feed *Feed, body []byte) (added int, err error) {
	var doc fetchedDoc
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&doc); err != nil {
		return 0, err
	}

	now := e.now()
	e.store.UnkeepForFeed(feed.URL)
	for _, item := range doc.items() {
		n := &notices.Notice{
			Title:       item.Title,
			Description: item.Description,
			CreateTime:  parseItemTime(item.PubDate, now),
			ArrivalTime: now,
			IsPrivate:   item.IsPrivate,
			FeedURL:     feed.URL,
		}
		if e.store.AppendFeedItem(n) {
			added++
		}
	}
	e.store.SweepFeed(feed.URL)

	if doc.Seqno != nil {
		feed.LastSeqno = *doc.Seqno
	}
	return added, nil
}
