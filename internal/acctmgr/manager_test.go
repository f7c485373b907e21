package acctmgr

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/gridpulse/gridpulse/internal/core"
	"github.com/gridpulse/gridpulse/internal/feeds"
	"github.com/gridpulse/gridpulse/internal/netop"
	"github.com/gridpulse/gridpulse/internal/notices"
)

type fakeOps struct {
	attached []string
	detached []string
	aborted  []string
	projects *core.Projects
}

func (f *fakeOps) AttachProject(masterURL, authenticator, name string) error {
	f.attached = append(f.attached, masterURL)
	f.projects.Add(&core.Project{MasterURL: masterURL, Authenticator: authenticator, AttachedViaAcctMgr: true})
	return nil
}

func (f *fakeOps) DetachProject(p *core.Project) error {
	f.detached = append(f.detached, p.MasterURL)
	f.projects.Remove(p.MasterURL)
	return nil
}

func (f *fakeOps) AbortNotStartedJobs(p *core.Project) error {
	f.aborted = append(f.aborted, p.MasterURL)
	return nil
}

type fakeSched struct {
	reschedules int
	workFetches int
}

func (f *fakeSched) RequestCPUReschedule(string) { f.reschedules++ }
func (f *fakeSched) RequestWorkFetch(string)     { f.workFetches++ }

type fakePrefs struct{ applied int }

func (f *fakePrefs) ApplyGlobalPrefs([]byte, string) error {
	f.applied++
	return nil
}

type testRig struct {
	m     *Manager
	ops   *fakeOps
	sched *fakeSched
	prefs *fakePrefs
}

// failingTransport keeps tests off the network: any request a test
// does not route to a local server fails immediately.
type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("no network in tests")
}

func newTestRig(t *testing.T, client *http.Client) *testRig {
	t.Helper()
	if client == nil {
		client = &http.Client{Transport: failingTransport{}}
	}
	dir := t.TempDir()
	projects := &core.Projects{}
	ops := &fakeOps{projects: projects}
	sched := &fakeSched{}
	prefs := &fakePrefs{}
	store := notices.NewStore(dir)
	m, err := NewManager(dir, "test-pass", Deps{
		Projects:  projects,
		Channel:   netop.NewChannel(client),
		Feeds:     feeds.NewEngine(dir, store, netop.NewChannel(client)),
		Notices:   store,
		Ops:       ops,
		Sched:     sched,
		Prefs:     prefs,
		Host:      core.HostInfo{DomainName: "box", HostCPID: "cpid-1", NCPUs: 4},
		Version:   core.VersionInfo{Major: 8, Minor: 2, Release: 0},
		Platforms: []string{"x86_64-pc-linux-gnu"},
	})
	if err != nil {
		t.Fatalf("manager setup failed: %v", err)
	}
	return &testRig{m: m, ops: ops, sched: sched, prefs: prefs}
}

// complete feeds a crafted result to an exchange forced into flight.
func (r *testRig) complete(url string, res netop.Result) {
	r.m.busy = true
	r.m.pending.url = url
	r.m.pending.creds = credentials{loginName: "user", passwordHash: "abcd"}
	r.m.handleCompletion(res)
}

func signedURL(t *testing.T) (signingKey, projectURL, signature string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	projectURL = "https://proj.example.org/"
	sig := ed25519.Sign(priv, []byte(projectURL))
	return base64.StdEncoding.EncodeToString(pub), projectURL, base64.StdEncoding.EncodeToString(sig)
}

func TestDoRPC_BusyReturnsInProgress(t *testing.T) {
	r := newTestRig(t, nil)
	r.m.busy = true
	if err := r.m.DoRPC("https://am.example.org/", "u", "p", true); !errors.Is(err, core.ErrInProgress) {
		t.Errorf("expected ErrInProgress, got %v", err)
	}
}

func TestDoRPC_InvalidURL(t *testing.T) {
	r := newTestRig(t, nil)
	if err := r.m.DoRPC("not a url", "u", "p", true); !errors.Is(err, core.ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL, got %v", err)
	}
	if r.m.Busy() {
		t.Error("invalid URL must not start an exchange")
	}
}

func TestDoRPC_EmptyURLDetaches(t *testing.T) {
	r := newTestRig(t, nil)
	r.m.info = Info{MasterURL: "https://am.example.org/", Name: "AM"}
	r.m.deps.Projects.Add(&core.Project{MasterURL: "https://a.example.org/", AttachedViaAcctMgr: true})
	r.m.deps.Projects.Add(&core.Project{MasterURL: "https://b.example.org/", AttachedViaAcctMgr: true})

	if err := r.m.DoRPC("", "", "", true); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	if r.m.Attached() {
		t.Error("manager record should be cleared")
	}
	for _, p := range r.m.deps.Projects.All() {
		if p.AttachedViaAcctMgr {
			t.Errorf("%s still flagged attached-via-manager", p.MasterURL)
		}
	}
	// No manager configured: a second detach is an error.
	if err := r.m.DoRPC("", "", "", true); !errors.Is(err, core.ErrNotAttached) {
		t.Errorf("expected ErrNotAttached, got %v", err)
	}
}

func TestExchange_RoundTrip(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		gotBody = string(body)
		w.Write([]byte(`<acct_mgr_reply>
            <name>Grid Central</name>
            <signing_key>key-one</signing_key>
            <user_name>alice</user_name>
            <repeat_sec>3600</repeat_sec>
        </acct_mgr_reply>`))
	}))
	defer srv.Close()

	r := newTestRig(t, srv.Client())
	if err := r.m.DoRPC(srv.URL, "alice", "secret", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !r.m.Busy() {
		t.Fatal("exchange should be in flight")
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.m.Busy() && time.Now().Before(deadline) {
		r.m.Poll()
		time.Sleep(5 * time.Millisecond)
	}
	if r.m.Busy() {
		t.Fatal("exchange never completed")
	}
	if r.m.LastError() != nil {
		t.Fatalf("exchange failed: %v", r.m.LastError())
	}

	if !strings.Contains(gotBody, "<name>alice</name>") {
		t.Error("request missing login name")
	}
	if !strings.Contains(gotBody, "<client_version>8.2.0</client_version>") {
		t.Error("request missing client version")
	}

	info := r.m.Info()
	if info.Name != "Grid Central" || info.UserName != "alice" {
		t.Errorf("identity fields not applied: %+v", info)
	}
	if info.SigningKey != "key-one" {
		t.Error("first signing key should be accepted")
	}
	if info.FailureCount != 0 {
		t.Error("failure count should reset on success")
	}
	if info.PasswordHash != passwordHash("alice", "secret") {
		t.Error("credentials not committed")
	}
	if until := time.Until(info.NextRPCTime); until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("repeat_sec not honored, next exchange in %v", until)
	}

	// The record survives a reload, credentials included.
	restored, err := Load(r.m.dir, "test-pass")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if restored.UserName != "alice" || restored.PasswordHash != info.PasswordHash {
		t.Errorf("persisted record incomplete: %+v", restored)
	}
	if restored.PreviousHostCPID != "cpid-1" {
		t.Error("previous host CPID not persisted")
	}
}

func TestCredentialRecord_WrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	info := Info{MasterURL: "https://am.example.org/", Authenticator: "tok"}
	if err := info.Save(dir, "right"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := Load(dir, "wrong"); err == nil {
		t.Error("wrong passphrase must not open the credential record")
	}
}

func TestFailure_BacksOff(t *testing.T) {
	r := newTestRig(t, nil)
	r.complete("https://am.example.org/", netop.Result{Err: errors.New("connection refused")})

	info := r.m.Info()
	if info.FailureCount != 1 {
		t.Errorf("failure count = %d", info.FailureCount)
	}
	until := time.Until(info.NextRPCTime)
	if until < 9*time.Minute || until > 21*time.Minute {
		t.Errorf("first retry delay out of range: %v", until)
	}
	if r.m.LastError() == nil {
		t.Error("last error not recorded")
	}
}

func TestReplyError_NotApplied(t *testing.T) {
	r := newTestRig(t, nil)
	body := []byte(`<acct_mgr_reply>
        <error_num>-112</error_num>
        <name>Evil</name>
        <account><url>https://proj.example.org/</url><authenticator>x_y</authenticator></account>
    </acct_mgr_reply>`)
	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: body})

	if len(r.ops.attached) != 0 {
		t.Error("an error reply must not attach projects")
	}
	if r.m.Info().Name == "Evil" {
		t.Error("an error reply must not update identity fields")
	}
	if r.m.Info().FailureCount != 1 {
		t.Error("application errors count as failures")
	}
}

func TestSigningKey_NeverSilentlyChanges(t *testing.T) {
	r := newTestRig(t, nil)
	r.m.info.SigningKey = "key-one"

	body := []byte(`<acct_mgr_reply>
        <signing_key>key-two</signing_key>
        <user_name>bob</user_name>
        <account><url>https://proj.example.org/</url><authenticator>x_y</authenticator></account>
    </acct_mgr_reply>`)
	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: body})

	if r.m.Info().SigningKey != "key-one" {
		t.Error("accepted signing key must not change")
	}
	if len(r.ops.attached) != 0 {
		t.Error("attach effects must be voided on a key mismatch")
	}
	if r.m.Info().UserName != "bob" {
		t.Error("non-attach fields still apply on a key mismatch")
	}
}

func TestReconcile_StrongAuthenticatorNotOverwritten(t *testing.T) {
	r := newTestRig(t, nil)
	p := &core.Project{MasterURL: "https://proj.example.org/", Authenticator: "strongkey"}
	r.m.deps.Projects.Add(p)

	body := []byte(`<acct_mgr_reply>
        <account><url>https://proj.example.org/</url><authenticator>weak_token</authenticator></account>
    </acct_mgr_reply>`)
	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: body})

	if p.Authenticator != "strongkey" {
		t.Errorf("strong authenticator overwritten: %q", p.Authenticator)
	}
	if !p.AttachedViaAcctMgr {
		t.Error("attached-via-manager flag should be forced true")
	}
}

func TestReconcile_WeakForWeakSwap(t *testing.T) {
	r := newTestRig(t, nil)
	p := &core.Project{MasterURL: "https://proj.example.org/", Authenticator: "old_weak"}
	r.m.deps.Projects.Add(p)

	body := []byte(`<acct_mgr_reply>
        <account><url>https://proj.example.org/</url><authenticator>new_weak</authenticator></account>
    </acct_mgr_reply>`)
	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: body})

	if p.Authenticator != "new_weak" {
		t.Errorf("weak-for-weak swap should apply, got %q", p.Authenticator)
	}
}

func TestReconcile_OptionalFields(t *testing.T) {
	r := newTestRig(t, nil)
	override := 150.0
	p := &core.Project{
		MasterURL:            "https://proj.example.org/",
		Authenticator:        "strongkey",
		ResourceShare:        100,
		AcctMgrResourceShare: &override,
	}
	r.m.deps.Projects.Add(p)

	// detach_when_done present forces dont_request_more_work; absent
	// resource_share restores the web share; suspend flips state.
	body := []byte(`<acct_mgr_reply>
        <account>
            <url>https://proj.example.org/</url>
            <detach_when_done>1</detach_when_done>
            <suspend>1</suspend>
            <no_cpu>1</no_cpu>
            <update>1</update>
        </account>
    </acct_mgr_reply>`)
	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: body})

	if !p.DetachWhenDone || !p.DontRequestMoreWork {
		t.Error("detach_when_done must force dont_request_more_work")
	}
	if p.AcctMgrResourceShare != nil {
		t.Error("absent resource_share must restore the web share")
	}
	if p.EffectiveResourceShare() != 100 {
		t.Errorf("effective share = %v", p.EffectiveResourceShare())
	}
	if !p.Suspended || r.sched.reschedules != 1 {
		t.Error("suspend transition must request a CPU reschedule")
	}
	if !p.NoFetch[core.ResourceCPU] {
		t.Error("no_cpu not applied")
	}
	if !p.SchedRPCPending || r.sched.workFetches != 1 {
		t.Error("update must mark a scheduler RPC pending")
	}
}

func TestReconcile_AttachRequiresValidSignature(t *testing.T) {
	r := newTestRig(t, nil)
	key, projectURL, sig := signedURL(t)
	r.m.info.SigningKey = key

	// One bad signature, one good. The bad one is skipped without
	// aborting the rest of the reply.
	body := []byte(`<acct_mgr_reply>
        <signing_key>` + key + `</signing_key>
        <account>
            <url>https://rogue.example.org/</url>
            <url_signature>AAAA</url_signature>
            <authenticator>a_b</authenticator>
        </account>
        <account>
            <url>` + projectURL + `</url>
            <url_signature>` + sig + `</url_signature>
            <authenticator>c_d</authenticator>
        </account>
    </acct_mgr_reply>`)
	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: body})

	if len(r.ops.attached) != 1 {
		t.Fatalf("expected exactly 1 attach, got %v", r.ops.attached)
	}
	if r.ops.attached[0] != "https://proj.example.org/" {
		t.Errorf("wrong project attached: %s", r.ops.attached[0])
	}
}

func TestReconcile_AttachRequiresAuthenticator(t *testing.T) {
	r := newTestRig(t, nil)
	key, projectURL, sig := signedURL(t)
	r.m.info.SigningKey = key

	body := []byte(`<acct_mgr_reply>
        <signing_key>` + key + `</signing_key>
        <account>
            <url>` + projectURL + `</url>
            <url_signature>` + sig + `</url_signature>
        </account>
    </acct_mgr_reply>`)
	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: body})

	if len(r.ops.attached) != 0 {
		t.Error("attach without an authenticator must be skipped")
	}
}

func TestReconcile_DetachViaManagerOnly(t *testing.T) {
	r := newTestRig(t, nil)
	managed := &core.Project{MasterURL: "https://managed.example.org/", AttachedViaAcctMgr: true}
	manual := &core.Project{MasterURL: "https://manual.example.org/"}
	r.m.deps.Projects.Add(managed)
	r.m.deps.Projects.Add(manual)

	body := []byte(`<acct_mgr_reply>
        <account><url>https://managed.example.org/</url><detach>1</detach></account>
        <account><url>https://manual.example.org/</url><detach>1</detach></account>
    </acct_mgr_reply>`)
	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: body})

	if len(r.ops.detached) != 1 || r.ops.detached[0] != "https://managed.example.org/" {
		t.Errorf("only manager-attached projects may be detached, got %v", r.ops.detached)
	}
}

func TestDetachWhenDone_Cascades(t *testing.T) {
	r := newTestRig(t, nil)
	r.m.deps.Projects.Add(&core.Project{MasterURL: "https://done.example.org/", DetachWhenDone: true, JobCount: 0})
	r.m.deps.Projects.Add(&core.Project{MasterURL: "https://busy.example.org/", DetachWhenDone: true, JobCount: 3})

	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: []byte(`<acct_mgr_reply></acct_mgr_reply>`)})

	if len(r.ops.detached) != 1 || r.ops.detached[0] != "https://done.example.org/" {
		t.Errorf("expected only the idle project detached, got %v", r.ops.detached)
	}
}

func TestReply_FeedsAndPrefsHandedOff(t *testing.T) {
	r := newTestRig(t, nil)
	body := []byte(`<acct_mgr_reply>
        <rss_feeds>
            <rss_feed><url>https://am.example.org/notices.php</url><poll_interval>3600</poll_interval></rss_feed>
        </rss_feeds>
        <global_preferences><run_on_batteries>0</run_on_batteries></global_preferences>
    </acct_mgr_reply>`)
	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: body})

	if r.prefs.applied != 1 {
		t.Error("global preferences not handed to the prefs sink")
	}
	if r.m.deps.Feeds.Lookup("https://am.example.org/notices.php") == nil {
		t.Error("feed list not handed to the feed engine")
	}
}

func TestReply_SendTasksFlagsSwitchWorkStats(t *testing.T) {
	r := newTestRig(t, nil)
	r.m.deps.Projects.Add(&core.Project{MasterURL: "https://proj.example.org/", JobCount: 5})

	buildBody := func() string {
		t.Helper()
		data, err := buildRequest(&r.m.info, credentials{}, r.m.deps.Projects.All(),
			r.m.deps.Host, r.m.deps.Version, r.m.deps.Platforms, "auto", "")
		if err != nil {
			t.Fatalf("build failed: %v", err)
		}
		return string(data)
	}

	if strings.Contains(buildBody(), "<njobs>") {
		t.Error("work statistics sent before the manager asked for them")
	}

	r.complete("https://am.example.org/", netop.Result{StatusCode: 200, Body: []byte(`<acct_mgr_reply>
        <send_tasks_all>1</send_tasks_all>
    </acct_mgr_reply>`)})

	info := r.m.Info()
	if !info.SendTasksAll || info.SendTasksActive {
		t.Errorf("send-tasks flags not applied: all=%v active=%v", info.SendTasksAll, info.SendTasksActive)
	}
	if !strings.Contains(buildBody(), "<njobs>5</njobs>") {
		t.Error("work statistics missing after the manager asked for them")
	}

	restored, err := Load(r.m.dir, "test-pass")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !restored.SendTasksAll {
		t.Error("send_tasks_all not persisted")
	}
}

func TestStarvation_DoublesWait(t *testing.T) {
	r := newTestRig(t, nil)
	r.m.info = Info{MasterURL: "https://am.example.org/", Dynamic: true, NextRPCTime: time.Now().Add(time.Hour)}
	idle := true
	r.m.deps.ResourceIdle = func() bool { return idle }

	base := time.Now()
	clock := base
	r.m.now = func() time.Time { return clock }

	// First check arms the grace timer.
	r.m.Poll()
	if r.m.starveWait != starvationGrace {
		t.Fatalf("grace timer not armed: %v", r.m.starveWait)
	}

	// After the grace period an exchange fires and the wait doubles.
	clock = base.Add(11 * time.Minute)
	r.m.Poll()
	if !r.m.Busy() {
		t.Fatal("starvation exchange should have started")
	}
	if r.m.starveWait != 2*starvationGrace {
		t.Errorf("wait should double, got %v", r.m.starveWait)
	}

	// Once the resource is busy again the timer resets.
	r.m.busy = false
	idle = false
	clock = clock.Add(2 * time.Minute)
	r.m.Poll()
	if r.m.starveWait != 0 {
		t.Error("starvation timer should reset when the condition clears")
	}
}

func TestWeakAuthenticator(t *testing.T) {
	cases := []struct {
		auth string
		weak bool
	}{
		{"abc_def", true},
		{"_", true},
		{"abcdef0123", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := weakAuthenticator(tc.auth); got != tc.weak {
			t.Errorf("weakAuthenticator(%q) = %v, want %v", tc.auth, got, tc.weak)
		}
	}
}
