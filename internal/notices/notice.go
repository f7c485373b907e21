// Package notices implements the ordered store of user-visible notices.
//
// Notices come from two sources: local client events and remote feed
// items. The store de-duplicates on (title, description), evicts
// anything older than the retention window, and assigns sequence
// numbers newest-highest. Seqnos are assigned in memory and are not
// stable across restarts.
package notices

import (
	"encoding/xml"
	"time"
)

// RetentionWindow is how long a notice stays live. Eviction happens
// whenever a new notice is considered for insertion.
const RetentionWindow = 30 * 24 * time.Hour

// Notice is one user-visible message.
type Notice struct {
	Seqno       int
	Title       string
	Description string
	CreateTime  time.Time
	ArrivalTime time.Time // for remote items, arrival != creation
	IsPrivate   bool
	FeedURL     string // empty for local notices

	// keep is the transient mark used by the feed-level sweep.
	keep bool
}

// Equivalent reports whether two notices carry the same content for
// de-duplication purposes.
func (n *Notice) Equivalent(other *Notice) bool {
	return n.Title == other.Title && n.Description == other.Description
}

// --- wire / archive format ---

type noticeXML struct {
	XMLName     xml.Name `xml:"notice"`
	Seqno       int      `xml:"seqno,omitempty"`
	Title       string   `xml:"title"`
	Description string   `xml:"description"`
	CreateTime  int64    `xml:"create_time"`
	ArrivalTime int64    `xml:"arrival_time"`
	IsPrivate   bool     `xml:"is_private,omitempty"`
	FeedURL     string   `xml:"feed_url,omitempty"`
}

type noticesDoc struct {
	XMLName xml.Name    `xml:"notices"`
	Notices []noticeXML `xml:"notice"`
}

func toXML(n *Notice, withSeqno bool) noticeXML {
	nx := noticeXML{
		Title:       n.Title,
		Description: n.Description,
		CreateTime:  n.CreateTime.Unix(),
		ArrivalTime: n.ArrivalTime.Unix(),
		IsPrivate:   n.IsPrivate,
		FeedURL:     n.FeedURL,
	}
	if withSeqno {
		nx.Seqno = n.Seqno
	}
	return nx
}

func fromXML(nx noticeXML) *Notice {
	return &Notice{
		Title:       nx.Title,
		Description: nx.Description,
		CreateTime:  time.Unix(nx.CreateTime, 0),
		ArrivalTime: time.Unix(nx.ArrivalTime, 0),
		IsPrivate:   nx.IsPrivate,
		FeedURL:     nx.FeedURL,
	}
}
