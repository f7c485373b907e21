package acctmgr

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/gridpulse/gridpulse/internal/core"
)

// --- request document ---

type requestProjectXML struct {
	XMLName             xml.Name `xml:"project"`
	URL                 string   `xml:"url"`
	ProjectName         string   `xml:"project_name,omitempty"`
	Suspended           bool     `xml:"suspended_via_gui"`
	DontRequestMoreWork bool     `xml:"dont_request_more_work"`
	DetachWhenDone      bool     `xml:"detach_when_done"`
	AttachedViaAcctMgr  bool     `xml:"attached_via_acct_mgr"`
	ResourceShare       float64  `xml:"resource_share"`
	ElapsedTime         float64  `xml:"elapsed_time"`
	CPUTime             float64  `xml:"cpu_time"`

	// Work statistics, included only for managers that asked for them.
	JobCount           *int `xml:"njobs,omitempty"`
	NotStartedJobCount *int `xml:"njobs_not_started,omitempty"`
}

type requestHostXML struct {
	XMLName    xml.Name `xml:"host_info"`
	DomainName string   `xml:"domain_name"`
	HostCPID   string   `xml:"host_cpid"`
	OSName     string   `xml:"os_name"`
	OSVersion  string   `xml:"os_version"`
	NCPUs      int      `xml:"p_ncpus"`
}

type requestXML struct {
	XMLName xml.Name `xml:"acct_mgr_request"`

	LoginName     string `xml:"name,omitempty"`
	PasswordHash  string `xml:"password_hash,omitempty"`
	Authenticator string `xml:"authenticator,omitempty"`

	HostCPID         string `xml:"host_cpid"`
	DomainName       string `xml:"domain_name"`
	ClientVersion    string `xml:"client_version"`
	RunMode          string `xml:"run_mode"`
	PreviousHostCPID string `xml:"previous_host_cpid,omitempty"`

	Platforms []string `xml:"platform_name"`

	OpaqueData rawInnerXML `xml:"opaque"`

	Projects []requestProjectXML

	GlobalPrefs rawInnerXML `xml:"global_preferences"`

	Host requestHostXML
}

// rawInnerXML round-trips an element's contents without interpreting
// them.
type rawInnerXML struct {
	Inner string `xml:",innerxml"`
}

func (r rawInnerXML) empty() bool { return len(bytes.TrimSpace([]byte(r.Inner))) == 0 }

// buildRequest assembles the status document POSTed to the manager.
// Per-project work statistics are reported only to managers that asked
// for them: dynamic ones, or those that set a send_tasks flag.
func buildRequest(info *Info, creds credentials, projects []*core.Project, host core.HostInfo, version core.VersionInfo, platforms []string, runMode, prefsXML string) ([]byte, error) {
	req := requestXML{
		LoginName:        creds.loginName,
		PasswordHash:     creds.passwordHash,
		Authenticator:    creds.authenticator,
		HostCPID:         host.HostCPID,
		DomainName:       host.DomainName,
		ClientVersion:    version.String(),
		RunMode:          runMode,
		PreviousHostCPID: info.PreviousHostCPID,
		Platforms:        platforms,
		OpaqueData:       rawInnerXML{Inner: info.OpaqueData},
		GlobalPrefs:      rawInnerXML{Inner: prefsXML},
		Host: requestHostXML{
			DomainName: host.DomainName,
			HostCPID:   host.HostCPID,
			OSName:     host.OSName,
			OSVersion:  host.OSVersion,
			NCPUs:      host.NCPUs,
		},
	}
	for _, p := range projects {
		px := requestProjectXML{
			URL:                 p.MasterURL,
			ProjectName:         p.ProjectName,
			Suspended:           p.Suspended,
			DontRequestMoreWork: p.DontRequestMoreWork,
			DetachWhenDone:      p.DetachWhenDone,
			AttachedViaAcctMgr:  p.AttachedViaAcctMgr,
			ResourceShare:       p.EffectiveResourceShare(),
			ElapsedTime:         p.ElapsedTime,
			CPUTime:             p.CPUTime,
		}
		if info.Dynamic || info.SendTasksAll || info.SendTasksActive {
			njobs, notStarted := p.JobCount, p.NotStartedJobCount
			px.JobCount = &njobs
			px.NotStartedJobCount = &notStarted
		}
		req.Projects = append(req.Projects, px)
	}
	data, err := xml.MarshalIndent(req, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("build manager request: %w", err)
	}
	return data, nil
}

// --- reply document ---

// accountXML is one per-project line item. The four policy fields are
// pointers: an absent field and an explicit false have different
// reconciliation effects.
type accountXML struct {
	URL           string `xml:"url"`
	URLSignature  string `xml:"url_signature"`
	Authenticator string `xml:"authenticator"`
	Detach        bool   `xml:"detach"`
	Update        bool   `xml:"update"`

	DontRequestMoreWork *bool    `xml:"dont_request_more_work"`
	DetachWhenDone      *bool    `xml:"detach_when_done"`
	Suspend             *bool    `xml:"suspend"`
	ResourceShare       *float64 `xml:"resource_share"`

	AbortNotStarted *bool `xml:"abort_not_started"`

	NoCPU       *bool `xml:"no_cpu"`
	NoNvidiaGPU *bool `xml:"no_nvidia_gpu"`
	NoATIGPU    *bool `xml:"no_ati_gpu"`
	NoIntelGPU  *bool `xml:"no_intel_gpu"`
}

// noFetch returns the per-resource suppression field for rt.
func (a *accountXML) noFetch(rt core.ResourceType) *bool {
	switch rt {
	case core.ResourceCPU:
		return a.NoCPU
	case core.ResourceNvidiaGPU:
		return a.NoNvidiaGPU
	case core.ResourceATIGPU:
		return a.NoATIGPU
	case core.ResourceIntelGPU:
		return a.NoIntelGPU
	}
	return nil
}

type replyXML struct {
	XMLName xml.Name `xml:"acct_mgr_reply"`

	Name       string `xml:"name"`
	SigningKey string `xml:"signing_key"`

	Error    string `xml:"error"`
	ErrorNum int    `xml:"error_num"`
	ErrorMsg string `xml:"error_msg"`

	Messages  []string `xml:"message"`
	RepeatSec int      `xml:"repeat_sec"`

	UserName string `xml:"user_name"`
	TeamName string `xml:"team_name"`

	Dynamic          bool `xml:"dynamic"`
	NoProjectNotices bool `xml:"no_project_notices"`
	SendTasksAll     bool `xml:"send_tasks_all"`
	SendTasksActive  bool `xml:"send_tasks_active"`

	OpaqueData  rawInnerXML `xml:"opaque"`
	GlobalPrefs rawInnerXML `xml:"global_preferences"`
	RSSFeeds    rawInnerXML `xml:"rss_feeds"`

	Accounts []accountXML `xml:"account"`
}

// errorText returns the application-level error carried by the reply,
// empty when the reply reports success.
func (r *replyXML) errorText() string {
	if r.Error != "" {
		return r.Error
	}
	if r.ErrorMsg != "" {
		return r.ErrorMsg
	}
	if r.ErrorNum != 0 {
		return fmt.Sprintf("error %d", r.ErrorNum)
	}
	return ""
}

func parseReply(data []byte) (*replyXML, error) {
	var r replyXML
	if err := xml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse manager reply: %w", err)
	}
	return &r, nil
}
