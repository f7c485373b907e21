// Package client owns the shared state object and the cooperative
// poll loop that drives every protocol component once per tick.
package client

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gridpulse/gridpulse/internal/acctmgr"
	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/core"
	"github.com/gridpulse/gridpulse/internal/feeds"
	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/messages"
	"github.com/gridpulse/gridpulse/internal/netop"
	"github.com/gridpulse/gridpulse/internal/notices"
	"github.com/gridpulse/gridpulse/internal/storage"
	"github.com/gridpulse/gridpulse/internal/versioncheck"
)

// TickInterval is the poll loop period.
const TickInterval = time.Second

const projectsFile = "projects.json"

// Version is the running client version.
var Version = core.VersionInfo{Major: 1, Minor: 2, Release: 0}

// State is the explicit context object: every component hangs off it
// and all registry access is serialized through its mutex.
type State struct {
	// Mu serializes the poll loop against RPC handlers.
	Mu sync.Mutex

	Projects *core.Projects
	Notices  *notices.Store
	Feeds    *feeds.Engine
	Manager  *acctmgr.Manager
	Versions *versioncheck.Poller
	Messages *messages.Log
	Host     core.HostInfo

	Ops   core.ProjectOps
	Sched core.SchedulerHooks
	Prefs core.PrefsSink

	cfg *config.Config
	db  *storage.DB
	log *logging.Logger

	quit     chan struct{}
	quitOnce sync.Once
}

// New assembles the full client state from configuration.
func New(cfg *config.Config) (*State, error) {
	s := &State{
		Projects: &core.Projects{},
		cfg:      cfg,
		log:      logging.WithComponent("client"),
		quit:     make(chan struct{}),
	}
	s.Ops = &projectOps{state: s}
	s.Sched = &schedulerHooks{state: s}
	s.Prefs = &prefsSink{state: s}

	s.Host = hostInfo()

	db, err := storage.Open(storage.Config{Path: filepath.Join(cfg.DataDir, "gridpulse.db")})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	s.Messages = messages.NewLog(db)

	s.Notices = notices.NewStore(cfg.DataDir)
	if err := s.Notices.LoadStartupArchives(); err != nil {
		s.log.Warn("failed to load notice archive: %v", err)
	}

	if err := s.loadProjects(); err != nil {
		s.log.Warn("failed to load project list: %v", err)
	}

	s.Feeds = feeds.NewEngine(cfg.DataDir, s.Notices, netop.NewChannel(nil))
	var urls []string
	for _, p := range s.Projects.All() {
		urls = append(urls, p.MasterURL)
	}
	if err := s.Feeds.Load(urls); err != nil {
		s.log.Warn("failed to load feed lists: %v", err)
	}

	password, err := cfg.RPCPassword()
	if err != nil {
		s.log.Warn("failed to read control password: %v", err)
	}
	s.Manager, err = acctmgr.NewManager(cfg.DataDir, password, acctmgr.Deps{
		Projects:  s.Projects,
		Channel:   netop.NewChannel(nil),
		Feeds:     s.Feeds,
		Notices:   s.Notices,
		Ops:       s.Ops,
		Sched:     s.Sched,
		Prefs:     s.Prefs,
		Host:      s.Host,
		Version:   Version,
		Platforms: []string{cfg.Platform},
		ResourceIdle: func() bool {
			return s.resourceIdle()
		},
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	versionURL := cfg.VersionCheckURL
	if !cfg.Features.EnableVersionCheck {
		versionURL = ""
	}
	s.Versions = versioncheck.NewPoller(versionURL, cfg.DataDir,
		cfg.Platform, s.Host.OSVersion, Version, netop.NewChannel(nil), s.Notices)

	s.recordMessage("", messages.PriorityInfo, "Client version "+Version.String()+" started")
	return s, nil
}

// Run drives the poll loop until the context is cancelled or Quit is
// called.
func (s *State) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs every component's poll once, holding the state lock.
func (s *State) tick() {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.Manager.Poll()
	if s.cfg.Features.EnableFeeds {
		s.Feeds.Poll()
	}
	s.Feeds.PollCompletion()
	s.Versions.Poll()
}

// Quit asks the poll loop to stop.
func (s *State) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Close releases held resources.
func (s *State) Close() error {
	return s.db.Close()
}

// resourceIdle reports whether a schedulable resource has no work, the
// trigger for manager starvation exchanges. With the job subsystem out
// of scope it is driven by per-project job counts.
func (s *State) resourceIdle() bool {
	if s.Projects.Len() == 0 {
		return false
	}
	for _, p := range s.Projects.All() {
		if p.JobCount > 0 {
			return false
		}
	}
	return true
}

func (s *State) recordMessage(projectURL string, prio messages.Priority, body string) {
	if _, err := s.Messages.Record(projectURL, prio, body); err != nil {
		s.log.Warn("failed to record message: %v", err)
	}
	s.log.Info("%s", body)
}

// --- project list persistence ---

func (s *State) projectsPath() string {
	return filepath.Join(s.cfg.DataDir, projectsFile)
}

func (s *State) loadProjects() error {
	data, err := os.ReadFile(s.projectsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var list []*core.Project
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	for _, p := range list {
		s.Projects.Add(p)
	}
	return nil
}

func (s *State) saveProjects() error {
	data, err := json.MarshalIndent(s.Projects.All(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.DataDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(s.projectsPath(), data, 0600)
}

func hostInfo() core.HostInfo {
	name, _ := os.Hostname()
	return core.HostInfo{
		DomainName: name,
		HostCPID:   hostCPID(name),
		OSName:     runtime.GOOS,
		OSVersion:  osVersion(),
		NCPUs:      runtime.NumCPU(),
	}
}
