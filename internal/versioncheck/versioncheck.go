// Package versioncheck periodically fetches a version descriptor and
// reports when a newer client release matching this platform exists.
package versioncheck

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gridpulse/gridpulse/internal/core"
	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/netop"
	"github.com/gridpulse/gridpulse/internal/notices"
)

// CheckInterval is the period between version checks.
const CheckInterval = 14 * 24 * time.Hour

const stateFile = "client_version.xml"

// Poller is a periodic consumer of the version-check endpoint.
type Poller struct {
	url     string
	dir     string
	channel *netop.Channel
	store   *notices.Store
	log     *logging.Logger

	platform  string
	osVersion string
	version   core.VersionInfo

	busy         bool
	nextCheck    time.Time
	newerVersion string

	now func() time.Time
}

// NewPoller restores the persisted check state from dir.
func NewPoller(url, dir, platform, osVersion string, version core.VersionInfo, channel *netop.Channel, store *notices.Store) *Poller {
	p := &Poller{
		url:       url,
		dir:       dir,
		channel:   channel,
		store:     store,
		log:       logging.WithComponent("versioncheck"),
		platform:  platform,
		osVersion: osVersion,
		version:   version,
		now:       time.Now,
	}
	p.load()
	return p
}

// NewerVersion returns the newest known release ahead of the running
// one, empty when up to date.
func (p *Poller) NewerVersion() string { return p.newerVersion }

// Poll starts a check when one is due and otherwise drives the
// in-flight fetch.
func (p *Poller) Poll() {
	if p.busy {
		p.channel.Poll()
		return
	}
	if p.url == "" || p.now().Before(p.nextCheck) {
		return
	}
	err := p.channel.Start(netop.Request{Method: http.MethodGet, URL: p.url}, p.handleCompletion)
	if err != nil {
		p.log.Warn("version check start failed: %v", err)
		return
	}
	p.busy = true
}

func (p *Poller) handleCompletion(res netop.Result) {
	p.busy = false
	p.nextCheck = p.now().Add(CheckInterval)
	defer p.save()

	if !res.OK() {
		if res.Err != nil {
			p.log.Warn("version check failed: %v", res.Err)
		} else {
			p.log.Warn("version check returned status %d", res.StatusCode)
		}
		return
	}
	best, err := Newest(res.Body, p.platform, p.osVersion)
	if err != nil {
		p.log.Warn("version check: %v", err)
		return
	}
	if best == nil || best.VersionNum <= p.version.Number() {
		p.newerVersion = ""
		p.log.Debug("client version %s is current", p.version)
		return
	}

	v := versionString(best.VersionNum)
	if v != p.newerVersion {
		p.newerVersion = v
		p.store.Post("Software update available",
			fmt.Sprintf("A newer version (%s) of the client is available.", v), false)
		p.log.Info("newer client version available: %s", v)
	}
}

// --- descriptor format ---

// Version is one release descriptor from the endpoint.
type Version struct {
	DBPlatform   string `xml:"dbplatform"`
	VersionNum   int    `xml:"version_num"`
	MinOSVersion string `xml:"min_os_version"`
	MaxOSVersion string `xml:"max_os_version"`
}

type versionsDoc struct {
	Versions []Version `xml:"version"`
}

// Newest returns the highest-numbered release whose platform matches
// and whose OS version bounds are satisfied, nil when none qualifies.
func Newest(doc []byte, platform, osVersion string) (*Version, error) {
	var d versionsDoc
	if err := xml.NewDecoder(bytes.NewReader(doc)).Decode(&d); err != nil {
		return nil, fmt.Errorf("parse version descriptor: %w", err)
	}
	var best *Version
	for i := range d.Versions {
		v := &d.Versions[i]
		if v.DBPlatform != platform {
			continue
		}
		if v.MinOSVersion != "" && compareVersions(osVersion, v.MinOSVersion) < 0 {
			continue
		}
		if v.MaxOSVersion != "" && compareVersions(osVersion, v.MaxOSVersion) > 0 {
			continue
		}
		if best == nil || v.VersionNum > best.VersionNum {
			best = v
		}
	}
	return best, nil
}

// compareVersions compares dotted numeric version strings.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionString(num int) string {
	return fmt.Sprintf("%d.%d.%d", num/10000, (num/100)%100, num%100)
}

// --- persisted state ---

type stateXML struct {
	XMLName      xml.Name `xml:"client_version_check"`
	NextCheck    int64    `xml:"next_check_time,omitempty"`
	NewerVersion string   `xml:"newer_version,omitempty"`
}

func (p *Poller) load() {
	data, err := os.ReadFile(filepath.Join(p.dir, stateFile))
	if err != nil {
		return
	}
	var s stateXML
	if err := xml.Unmarshal(data, &s); err != nil {
		p.log.Warn("bad version check state: %v", err)
		return
	}
	if s.NextCheck > 0 {
		p.nextCheck = time.Unix(s.NextCheck, 0)
	}
	p.newerVersion = s.NewerVersion
}

func (p *Poller) save() {
	data, err := xml.MarshalIndent(stateXML{
		NextCheck:    p.nextCheck.Unix(),
		NewerVersion: p.newerVersion,
	}, "", "    ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(p.dir, stateFile), data, 0600); err != nil {
		p.log.Warn("failed to persist version check state: %v", err)
	}
}
