// Package feeds implements per-feed poll scheduling and the
// mark-and-sweep reconciliation of per-project feed lists into one
// master list.
package feeds

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultPollInterval applies when a feed descriptor carries none.
const DefaultPollInterval = 24 * time.Hour

// Feed is one periodically-polled notice source. Two projects may
// reference the same feed URL; the master list keys on the base URL
// (query string stripped), which also names the on-disk archive.
type Feed struct {
	URL          string
	BaseURL      string
	PollInterval time.Duration
	NextPoll     time.Time
	UseSeqno     bool
	LastSeqno    int

	// found is the transient mark used during reconciliation sweeps.
	found bool
}

// NewFeed builds a feed descriptor from a URL, deriving the base URL.
func NewFeed(rawURL string, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Feed{
		URL:          rawURL,
		BaseURL:      BaseURL(rawURL),
		PollInterval: interval,
	}
}

// BaseURL strips the query string; the result identifies the feed
// across projects and names its files.
func BaseURL(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// FetchURL is the URL actually requested, carrying the seqno query
// parameter when the feed supports incremental fetch.
func (f *Feed) FetchURL() string {
	if !f.UseSeqno {
		return f.URL
	}
	sep := "?"
	if strings.Contains(f.URL, "?") {
		sep = "&"
	}
	return f.URL + sep + "seqno=" + url.QueryEscape(fmt.Sprint(f.LastSeqno))
}

// --- persisted list format ---

type feedXML struct {
	XMLName      xml.Name `xml:"rss_feed"`
	URL          string   `xml:"url"`
	PollInterval int64    `xml:"poll_interval"`
	NextPollTime int64    `xml:"next_poll_time,omitempty"`
	UseSeqno     bool     `xml:"use_seqno,omitempty"`
	LastSeqno    int      `xml:"last_seqno,omitempty"`
}

type feedListDoc struct {
	XMLName xml.Name  `xml:"rss_feeds"`
	Feeds   []feedXML `xml:"rss_feed"`
}

// ParseFeedDescs parses an <rss_feeds> document into feed descriptors.
// Used for persisted lists and for feed blocks inside manager and
// scheduler replies.
func ParseFeedDescs(data []byte) ([]*Feed, error) {
	var doc feedListDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse feed list: %w", err)
	}
	out := make([]*Feed, 0, len(doc.Feeds))
	for _, fx := range doc.Feeds {
		if fx.URL == "" {
			continue
		}
		f := NewFeed(fx.URL, time.Duration(fx.PollInterval)*time.Second)
		if fx.NextPollTime > 0 {
			f.NextPoll = time.Unix(fx.NextPollTime, 0)
		}
		f.UseSeqno = fx.UseSeqno
		f.LastSeqno = fx.LastSeqno
		out = append(out, f)
	}
	return out, nil
}

func marshalFeedList(feeds []*Feed) ([]byte, error) {
	doc := feedListDoc{}
	for _, f := range feeds {
		doc.Feeds = append(doc.Feeds, feedXML{
			URL:          f.URL,
			PollInterval: int64(f.PollInterval / time.Second),
			NextPollTime: unixOrZero(f.NextPoll),
			UseSeqno:     f.UseSeqno,
			LastSeqno:    f.LastSeqno,
		})
	}
	return xml.MarshalIndent(doc, "", "    ")
}

func writeFeedList(path string, feeds []*Feed) error {
	data, err := marshalFeedList(feeds)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// --- fetched document format ---

type fetchedItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	IsPrivate   bool   `xml:"is_private"`
}

// fetchedDoc accepts both RSS-shaped (<channel><item>) and flat
// (<item> at top level) documents.
type fetchedDoc struct {
	ChannelItems []fetchedItem `xml:"channel>item"`
	FlatItems    []fetchedItem `xml:"item"`
	Seqno        *int          `xml:"seqno"`
}

func (d *fetchedDoc) items() []fetchedItem {
	if len(d.ChannelItems) > 0 {
		return d.ChannelItems
	}
	return d.FlatItems
}

func parseItemTime(s string, fallback time.Time) time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}
