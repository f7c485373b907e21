package acctmgr

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gridpulse/gridpulse/internal/backoff"
	"github.com/gridpulse/gridpulse/internal/core"
	"github.com/gridpulse/gridpulse/internal/feeds"
	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/netop"
	"github.com/gridpulse/gridpulse/internal/notices"
)

const (
	// Retry backoff bounds after a failed exchange.
	retryMin = 600 * time.Second
	retryMax = 86400 * time.Second

	// defaultRepeat re-arms the next exchange when the manager supplies
	// no repeat interval, and acts as a safety net while one is out.
	defaultRepeat = 24 * time.Hour

	// starvationGrace is the initial wait once a schedulable resource
	// goes idle under a dynamic manager.
	starvationGrace = 600 * time.Second

	// starvationCheckInterval rate-limits the idle-resource check.
	starvationCheckInterval = time.Minute
)

type credentials struct {
	loginName     string
	passwordHash  string
	authenticator string
}

// Deps are the collaborators a Manager needs.
type Deps struct {
	Projects *core.Projects
	Channel  *netop.Channel
	Feeds    *feeds.Engine
	Notices  *notices.Store
	Ops      core.ProjectOps
	Sched    core.SchedulerHooks
	Prefs    core.PrefsSink

	Host      core.HostInfo
	Version   core.VersionInfo
	Platforms []string

	// RunMode is reported in status documents ("auto", "always",
	// "never").
	RunMode string

	// PrefsXML supplies the current global-preferences block for the
	// status report; nil omits it.
	PrefsXML func() string

	// ResourceIdle reports whether any schedulable resource is
	// currently starved for work; nil means never.
	ResourceIdle func() bool
}

// Manager drives the account-manager exchange cycle. Idle unless an
// exchange is in flight; completion is observed from Poll.
type Manager struct {
	dir        string
	passphrase string
	info       Info
	deps       Deps
	log        *logging.Logger

	busy    bool
	viaGUI  bool
	lastErr error

	// pending holds the URL and credentials of the in-flight exchange;
	// they are committed to info only on success.
	pending struct {
		url   string
		creds credentials
	}

	lastStarvationCheck time.Time
	starveWait          time.Duration
	nextStarveRPC       time.Time

	now func() time.Time
}

// NewManager restores the persisted manager record from dir and wires
// the collaborators.
func NewManager(dir, passphrase string, deps Deps) (*Manager, error) {
	info, err := Load(dir, passphrase)
	if err != nil {
		return nil, err
	}
	if deps.RunMode == "" {
		deps.RunMode = "auto"
	}
	return &Manager{
		dir:        dir,
		passphrase: passphrase,
		info:       info,
		deps:       deps,
		log:        logging.WithComponent("acctmgr"),
		now:        time.Now,
	}, nil
}

// Info returns a copy of the current manager record.
func (m *Manager) Info() Info { return m.info }

// Busy reports whether an exchange is in flight.
func (m *Manager) Busy() bool { return m.busy }

// Attached reports whether a manager is configured.
func (m *Manager) Attached() bool { return m.info.Attached() }

// LastError returns the outcome of the most recent exchange.
func (m *Manager) LastError() error { return m.lastErr }

// DoRPC starts an exchange with the manager at masterURL. An empty URL
// while a manager is configured detaches from it without any network
// traffic. A non-empty loginName derives a fresh password hash;
// otherwise the stored credentials are reused.
func (m *Manager) DoRPC(masterURL, loginName, password string, viaGUI bool) error {
	if m.busy {
		return core.ErrInProgress
	}

	if strings.TrimSpace(masterURL) == "" {
		if !m.info.Attached() {
			return core.ErrNotAttached
		}
		m.detach()
		return nil
	}

	canon, err := core.CanonicalizeMasterURL(masterURL)
	if err != nil {
		return core.ErrInvalidURL
	}

	creds := credentials{
		loginName:     m.info.LoginName,
		passwordHash:  m.info.PasswordHash,
		authenticator: m.info.Authenticator,
	}
	if loginName != "" {
		creds.loginName = loginName
		creds.passwordHash = passwordHash(loginName, password)
		creds.authenticator = ""
	}

	prefsXML := ""
	if m.deps.PrefsXML != nil {
		prefsXML = m.deps.PrefsXML()
	}
	body, err := buildRequest(&m.info, creds, m.deps.Projects.All(), m.deps.Host, m.deps.Version, m.deps.Platforms, m.deps.RunMode, prefsXML)
	if err != nil {
		return err
	}

	err = m.deps.Channel.Start(netop.Request{
		Method:      http.MethodPost,
		URL:         canon,
		ContentType: "text/xml",
		Body:        body,
	}, m.handleCompletion)
	if err != nil {
		return err
	}

	m.busy = true
	m.viaGUI = viaGUI
	m.pending.url = canon
	m.pending.creds = creds
	m.log.Info("contacting account manager %s", canon)
	return nil
}

// detach clears the manager record, deletes its files, clears every
// project's attached-via-manager flag, and refreshes the feed master
// list.
func (m *Manager) detach() {
	m.log.Info("detaching from account manager %s", m.info.MasterURL)
	for _, p := range m.deps.Projects.All() {
		p.AttachedViaAcctMgr = false
		p.AcctMgrResourceShare = nil
	}
	m.info = Info{}
	RemoveFiles(m.dir)
	m.deps.Feeds.UpdateFeedList()
}

// Poll drives the exchange cycle: while busy it checks the in-flight
// operation, otherwise it re-arms on schedule and runs the
// rate-limited starvation check for dynamic managers.
func (m *Manager) Poll() {
	if m.busy {
		m.deps.Channel.Poll()
		return
	}
	if !m.info.Attached() {
		return
	}
	now := m.now()

	if !m.info.NextRPCTime.IsZero() && now.After(m.info.NextRPCTime) {
		// Safety net while the exchange is out; success or failure will
		// reschedule properly.
		m.info.NextRPCTime = now.Add(defaultRepeat)
		if err := m.DoRPC(m.info.MasterURL, "", "", false); err != nil {
			m.log.Warn("scheduled manager exchange failed to start: %v", err)
		}
		return
	}

	if now.Sub(m.lastStarvationCheck) < starvationCheckInterval {
		return
	}
	m.lastStarvationCheck = now
	m.checkStarvation(now)
}

// checkStarvation triggers extra exchanges while a dynamic manager
// leaves a schedulable resource idle, doubling the wait each time.
func (m *Manager) checkStarvation(now time.Time) {
	if !m.info.Dynamic || m.deps.ResourceIdle == nil {
		return
	}
	if !m.deps.ResourceIdle() {
		m.starveWait = 0
		m.nextStarveRPC = time.Time{}
		return
	}
	if m.starveWait == 0 {
		m.starveWait = starvationGrace
		m.nextStarveRPC = now.Add(m.starveWait)
		return
	}
	if now.Before(m.nextStarveRPC) {
		return
	}
	m.log.Info("resource starved for %v, contacting account manager", m.starveWait)
	if err := m.DoRPC(m.info.MasterURL, "", "", false); err != nil {
		m.log.Warn("starvation-triggered exchange failed to start: %v", err)
		return
	}
	m.starveWait *= 2
	if m.starveWait > retryMax {
		m.starveWait = retryMax
	}
	m.nextStarveRPC = now.Add(m.starveWait)
}

func (m *Manager) handleCompletion(res netop.Result) {
	m.busy = false
	now := m.now()

	fail := func(err error, alert bool) {
		m.lastErr = err
		m.info.FailureCount++
		delay := backoff.Delay(m.info.FailureCount, retryMin, retryMax)
		m.info.NextRPCTime = now.Add(delay)
		m.log.Warn("manager exchange failed (attempt %d, retry in %v): %v", m.info.FailureCount, delay.Round(time.Second), err)
		if alert {
			m.deps.Notices.Post("Account manager error", err.Error(), false)
		}
		m.persist()
	}

	if !res.OK() {
		err := res.Err
		if err == nil {
			err = fmt.Errorf("manager returned status %d", res.StatusCode)
		}
		fail(err, false)
		return
	}
	reply, err := parseReply(res.Body)
	if err != nil {
		fail(err, false)
		return
	}
	if msg := reply.errorText(); msg != "" {
		// A GUI-initiated exchange reports its error through the RPC
		// poll op instead of an alert notice.
		fail(fmt.Errorf("account manager: %s", msg), !m.viaGUI)
		return
	}

	m.lastErr = nil
	m.applyReply(reply, now)
}

// applyReply commits a successful exchange: the pending URL and
// credentials become current, identity fields update, and each account
// line item is reconciled against the attached project set.
func (m *Manager) applyReply(reply *replyXML, now time.Time) {
	m.detachCompletedProjects()

	m.info.FailureCount = 0
	m.info.MasterURL = m.pending.url
	m.info.LoginName = m.pending.creds.loginName
	m.info.PasswordHash = m.pending.creds.passwordHash
	m.info.Authenticator = m.pending.creds.authenticator

	// An accepted signing key never silently changes. A mismatched key
	// voids every attach effect of this reply; other fields still apply.
	sigOK := true
	switch {
	case m.info.SigningKey == "":
		m.info.SigningKey = reply.SigningKey
	case reply.SigningKey != "" && reply.SigningKey != m.info.SigningKey:
		sigOK = false
		m.log.Error("manager signing key changed, ignoring project list")
		m.deps.Notices.Post("Account manager error",
			"The account manager's signing key has changed. Project changes were ignored.", false)
	}

	if reply.Name != "" {
		m.info.Name = reply.Name
	}
	m.info.UserName = reply.UserName
	m.info.TeamName = reply.TeamName
	m.info.Dynamic = reply.Dynamic
	m.info.NoProjectNotices = reply.NoProjectNotices
	m.info.SendTasksAll = reply.SendTasksAll
	m.info.SendTasksActive = reply.SendTasksActive
	if !reply.OpaqueData.empty() {
		m.info.OpaqueData = reply.OpaqueData.Inner
	}

	for _, msg := range reply.Messages {
		m.deps.Notices.Post(m.managerName(), msg, false)
	}

	if sigOK {
		for i := range reply.Accounts {
			m.reconcileAccount(&reply.Accounts[i])
		}
	}

	if !reply.RSSFeeds.empty() {
		doc := "<rss_feeds>" + reply.RSSFeeds.Inner + "</rss_feeds>"
		if fs, err := feeds.ParseFeedDescs([]byte(doc)); err != nil {
			m.log.Warn("bad feed list in manager reply: %v", err)
		} else {
			m.deps.Feeds.SetProjectFeeds(m.info.MasterURL, fs)
		}
	}
	if !reply.GlobalPrefs.empty() && m.deps.Prefs != nil {
		doc := "<global_preferences>" + reply.GlobalPrefs.Inner + "</global_preferences>"
		if err := m.deps.Prefs.ApplyGlobalPrefs([]byte(doc), m.info.MasterURL); err != nil {
			m.log.Warn("failed to apply manager preferences: %v", err)
		}
	}

	m.info.PreviousHostCPID = m.deps.Host.HostCPID
	if reply.RepeatSec > 0 {
		m.info.NextRPCTime = now.Add(time.Duration(reply.RepeatSec) * time.Second)
	} else {
		m.info.NextRPCTime = now.Add(defaultRepeat)
	}
	m.persist()
	m.log.Info("account manager exchange with %s completed", m.info.MasterURL)
}

// detachCompletedProjects detaches detach-when-done projects with no
// outstanding jobs, repeating until a pass changes nothing so that
// secondary effects cascade.
func (m *Manager) detachCompletedProjects() {
	for {
		changed := false
		for _, p := range m.deps.Projects.All() {
			if p.DetachWhenDone && p.JobCount == 0 {
				m.log.Info("detaching completed project %s", p.MasterURL)
				if err := m.deps.Ops.DetachProject(p); err != nil {
					m.log.Warn("detach of %s failed: %v", p.MasterURL, err)
					continue
				}
				m.deps.Feeds.RemoveProject(p.MasterURL)
				changed = true
				break
			}
		}
		if !changed {
			return
		}
	}
}

// reconcileAccount applies one reply line item to the project set.
func (m *Manager) reconcileAccount(acct *accountXML) {
	canon, err := core.CanonicalizeMasterURL(acct.URL)
	if err != nil {
		m.log.Warn("manager sent invalid project URL %q", acct.URL)
		return
	}
	p := m.deps.Projects.Lookup(canon)

	if p == nil {
		if acct.Detach {
			return
		}
		if err := verifyURLSignature(m.info.SigningKey, acct.URL, acct.URLSignature); err != nil {
			m.log.Warn("bad signature for project %s: %v", canon, err)
			return
		}
		if acct.Authenticator == "" {
			m.log.Warn("manager sent project %s without an authenticator", canon)
			return
		}
		m.log.Info("attaching to %s per account manager", canon)
		if err := m.deps.Ops.AttachProject(canon, acct.Authenticator, ""); err != nil {
			m.log.Warn("attach to %s failed: %v", canon, err)
		}
		return
	}

	if acct.Detach {
		if !p.AttachedViaAcctMgr {
			return
		}
		m.log.Info("detaching from %s per account manager", canon)
		if err := m.deps.Ops.DetachProject(p); err != nil {
			m.log.Warn("detach of %s failed: %v", canon, err)
			return
		}
		m.deps.Feeds.RemoveProject(canon)
		return
	}

	// A strong local authenticator is never overwritten; only a
	// weak-for-weak swap is allowed.
	if acct.Authenticator != "" && acct.Authenticator != p.Authenticator {
		if weakAuthenticator(p.Authenticator) && weakAuthenticator(acct.Authenticator) {
			p.Authenticator = acct.Authenticator
		}
	}
	p.AttachedViaAcctMgr = true

	if acct.DontRequestMoreWork != nil {
		p.DontRequestMoreWork = *acct.DontRequestMoreWork
	}
	if acct.DetachWhenDone != nil {
		p.DetachWhenDone = *acct.DetachWhenDone
		if p.DetachWhenDone {
			p.DontRequestMoreWork = true
		}
	}
	for _, rt := range core.ResourceTypes {
		if v := acct.noFetch(rt); v != nil {
			p.SetNoFetch(rt, *v)
		}
	}
	if acct.ResourceShare != nil {
		share := *acct.ResourceShare
		p.AcctMgrResourceShare = &share
	} else {
		// Absent override restores the project web share.
		p.AcctMgrResourceShare = nil
	}
	if acct.Suspend != nil && *acct.Suspend != p.Suspended {
		p.Suspended = *acct.Suspend
		m.deps.Sched.RequestCPUReschedule("account manager request")
	}
	if acct.AbortNotStarted != nil && *acct.AbortNotStarted {
		if err := m.deps.Ops.AbortNotStartedJobs(p); err != nil {
			m.log.Warn("abort of not-started jobs for %s failed: %v", canon, err)
		}
	}
	if acct.Update {
		p.SchedRPCPending = true
		m.deps.Sched.RequestWorkFetch("account manager request")
	}
}

func (m *Manager) persist() {
	if err := m.info.Save(m.dir, m.passphrase); err != nil {
		m.log.Warn("failed to persist manager record: %v", err)
	}
}

func (m *Manager) managerName() string {
	if m.info.Name != "" {
		return m.info.Name
	}
	return "Account manager"
}

// weakAuthenticator reports whether an authenticator is replaceable by
// a manager-supplied one. The underscore check is load-bearing: it
// distinguishes manager-minted authenticators from user account keys.
func weakAuthenticator(auth string) bool {
	return strings.Contains(auth, "_")
}

// passwordHash derives the stored hash from a login and password.
func passwordHash(loginName, password string) string {
	sum := md5.Sum([]byte(password + strings.ToLower(loginName)))
	return hex.EncodeToString(sum[:])
}
