package core

import (
	"fmt"
	"net/url"
	"strings"
)

// ResourceType identifies a schedulable processing resource.
type ResourceType string

const (
	ResourceCPU       ResourceType = "cpu"
	ResourceNvidiaGPU ResourceType = "nvidia_gpu"
	ResourceATIGPU    ResourceType = "ati_gpu"
	ResourceIntelGPU  ResourceType = "intel_gpu"
)

// ResourceTypes lists every schedulable resource in report order.
var ResourceTypes = []ResourceType{ResourceCPU, ResourceNvidiaGPU, ResourceATIGPU, ResourceIntelGPU}

// Project is a remote job provider the agent is attached to.
// Identified by its canonicalized master URL. The control plane mutates
// these records during account-manager reconciliation; creation and
// detachment go through the ProjectOps collaborator.
type Project struct {
	MasterURL     string `json:"master_url"`
	ProjectName   string `json:"project_name"`
	Authenticator string `json:"authenticator"`

	AttachedViaAcctMgr  bool `json:"attached_via_acct_mgr"`
	DontRequestMoreWork bool `json:"dont_request_more_work"`
	DetachWhenDone      bool `json:"detach_when_done"`
	Suspended           bool `json:"suspended"`

	// ResourceShare is the share from the project web site.
	// AcctMgrResourceShare overrides it while present; when a manager
	// reply omits the override the web share is restored.
	ResourceShare        float64  `json:"resource_share"`
	AcctMgrResourceShare *float64 `json:"acct_mgr_resource_share,omitempty"`

	// Per-resource work-fetch suppression.
	NoFetch map[ResourceType]bool `json:"no_fetch,omitempty"`

	SchedRPCPending bool `json:"sched_rpc_pending"`

	// Job accounting, maintained by the (out of scope) job subsystem
	// and read here for status reports and detach-when-done checks.
	JobCount           int     `json:"job_count"`
	NotStartedJobCount int     `json:"not_started_job_count"`
	ElapsedTime        float64 `json:"elapsed_time"`
	CPUTime            float64 `json:"cpu_time"`
}

// EffectiveResourceShare returns the manager override if one is active,
// else the project web share.
func (p *Project) EffectiveResourceShare() float64 {
	if p.AcctMgrResourceShare != nil {
		return *p.AcctMgrResourceShare
	}
	return p.ResourceShare
}

// SetNoFetch records per-resource work-fetch suppression.
func (p *Project) SetNoFetch(rt ResourceType, suppress bool) {
	if p.NoFetch == nil {
		p.NoFetch = make(map[ResourceType]bool)
	}
	p.NoFetch[rt] = suppress
}

// Projects is the in-memory project registry. Access is serialized by
// the owning client state; the registry itself carries no lock.
type Projects struct {
	list []*Project
}

// Lookup finds a project by canonical master URL.
func (ps *Projects) Lookup(masterURL string) *Project {
	canon, err := CanonicalizeMasterURL(masterURL)
	if err != nil {
		return nil
	}
	for _, p := range ps.list {
		if p.MasterURL == canon {
			return p
		}
	}
	return nil
}

// Add inserts a project. The master URL must already be canonical.
func (ps *Projects) Add(p *Project) {
	ps.list = append(ps.list, p)
}

// Remove drops a project by URL, rebuilding the backing slice.
func (ps *Projects) Remove(masterURL string) bool {
	kept := ps.list[:0]
	removed := false
	for _, p := range ps.list {
		if p.MasterURL == masterURL {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	ps.list = kept
	return removed
}

// All returns the project list in attach order.
func (ps *Projects) All() []*Project {
	return ps.list
}

// Len returns the number of attached projects.
func (ps *Projects) Len() int {
	return len(ps.list)
}

// HostInfo describes the machine, reported to account managers.
type HostInfo struct {
	DomainName string `json:"domain_name"`
	HostCPID   string `json:"host_cpid"`
	OSName     string `json:"os_name"`
	OSVersion  string `json:"os_version"`
	NCPUs      int    `json:"p_ncpus"`
}

// VersionInfo is the running client version.
type VersionInfo struct {
	Major   int `json:"major"`
	Minor   int `json:"minor"`
	Release int `json:"release"`
}

// Number returns the packed version number used on the wire.
func (v VersionInfo) Number() int {
	return v.Major*10000 + v.Minor*100 + v.Release
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Release)
}

// ProjectOps is the external project-management collaborator: the
// subsystem that actually performs attach/detach (out of scope here).
type ProjectOps interface {
	AttachProject(masterURL, authenticator, name string) error
	DetachProject(p *Project) error
	AbortNotStartedJobs(p *Project) error
}

// SchedulerHooks are the two narrow call-backs into the job scheduling
// subsystem (out of scope here).
type SchedulerHooks interface {
	RequestCPUReschedule(reason string)
	RequestWorkFetch(reason string)
}

// PrefsSink receives global-preference blocks from manager replies.
type PrefsSink interface {
	ApplyGlobalPrefs(prefsXML []byte, sourceURL string) error
}

// CanonicalizeMasterURL normalizes a project or manager master URL:
// scheme and host are lowercased, a bare host gets an https scheme, and
// the path gains a trailing slash. An unparseable URL, a non-HTTP
// scheme, or a host without a dot is rejected.
func CanonicalizeMasterURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidURL
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := strings.ToLower(u.Host)
	if !strings.Contains(host, ".") {
		return "", fmt.Errorf("%w: host %q", ErrInvalidURL, u.Host)
	}
	path := u.Path
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return scheme + "://" + host + path, nil
}

// URLToFilename maps a URL to a safe on-disk file stem: every byte
// outside [A-Za-z0-9] becomes an underscore.
func URLToFilename(u string) string {
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "https://")
	var b strings.Builder
	for _, r := range u {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
