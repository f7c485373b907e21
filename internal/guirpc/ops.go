package guirpc

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gridpulse/gridpulse/internal/acctmgr"
	"github.com/gridpulse/gridpulse/internal/core"
	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/messages"
	"github.com/gridpulse/gridpulse/internal/notices"
	"github.com/gridpulse/gridpulse/internal/versioncheck"
)

// NetworkGraceWindow is how long network access stays enabled after an
// RPC that needs it.
const NetworkGraceWindow = 300 * time.Second

// Deps are the subsystems the op handlers touch. Lock serializes
// handler execution against the poll loop.
type Deps struct {
	Lock     sync.Locker
	Projects *core.Projects
	Notices  *notices.Store
	Messages *messages.Log
	Manager  *acctmgr.Manager
	Versions *versioncheck.Poller
	Ops      core.ProjectOps

	Host    core.HostInfo
	Version core.VersionInfo

	// ReloadConfig re-reads the on-disk configuration (read_cc_config).
	ReloadConfig func() error
	// Quit asks the daemon to shut down.
	Quit func()
}

// Server owns the op table and shared RPC state; each transport feeds
// parsed requests into Dispatch.
type Server struct {
	deps     Deps
	password string
	log      *logging.Logger

	ops map[string]opSpec

	mu             sync.Mutex
	lastNetworkRPC time.Time
	authIDs        map[string]int64
	nextAuthID     int64
}

type opSpec struct {
	needsAuth    bool
	mutating     bool
	needsNetwork bool
	handler      func(srv *Server, sess *Session, body []byte) (string, error)
}

// NewServer builds the dispatcher. password may be empty, in which
// case local connections are trusted.
func NewServer(password string, deps Deps) *Server {
	if deps.Lock == nil {
		deps.Lock = &sync.Mutex{}
	}
	s := &Server{
		deps:     deps,
		password: password,
		log:      logging.WithComponent("guirpc"),
		authIDs:  make(map[string]int64),
	}
	s.ops = map[string]opSpec{
		"auth1":              {handler: opAuth1},
		"auth2":              {handler: opAuth2},
		"exchange_versions":  {handler: opExchangeVersions},
		"get_notices_public": {handler: opGetNoticesPublic},

		"get_notices":        {needsAuth: true, handler: opGetNotices},
		"get_messages":       {needsAuth: true, handler: opGetMessages},
		"get_message_count":  {needsAuth: true, handler: opGetMessageCount},
		"get_state":          {needsAuth: true, handler: opGetState},
		"get_project_status": {needsAuth: true, handler: opGetProjectStatus},
		"get_newer_version":  {needsAuth: true, handler: opGetNewerVersion},
		"acct_mgr_info":      {needsAuth: true, handler: opAcctMgrInfo},
		"acct_mgr_rpc_poll":  {needsAuth: true, handler: opAcctMgrRPCPoll},

		"acct_mgr_rpc":   {needsAuth: true, mutating: true, needsNetwork: true, handler: opAcctMgrRPC},
		"project_attach": {needsAuth: true, mutating: true, needsNetwork: true, handler: opProjectAttach},
		"project_detach": {needsAuth: true, mutating: true, handler: opProjectDetach},
		"read_cc_config": {needsAuth: true, mutating: true, handler: opReadConfig},
		"quit":           {needsAuth: true, mutating: true, handler: opQuit},
	}
	return s
}

// PasswordSet reports whether a control password is configured.
func (s *Server) PasswordSet() bool { return s.password != "" }

// LastNetworkRPC returns when an RPC last required network access; the
// network-suspension policy allows traffic within NetworkGraceWindow
// of it.
func (s *Server) LastNetworkRPC() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastNetworkRPC
}

// parseRequest extracts the op name and its body from a request
// envelope.
func parseRequest(data []byte) (op string, body []byte, err error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", nil, fmt.Errorf("parse request: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		depth++
		if depth == 1 {
			if se.Name.Local != "boinc_gui_rpc_request" {
				return "", nil, errors.New("parse request: bad envelope")
			}
			continue
		}
		// First child element is the op; everything inside it is the
		// op body.
		op = se.Name.Local
		var inner struct {
			Raw string `xml:",innerxml"`
		}
		if err := dec.DecodeElement(&inner, &se); err != nil {
			return "", nil, fmt.Errorf("parse request: %w", err)
		}
		return op, []byte(inner.Raw), nil
	}
}

// Dispatch runs one request and returns the reply fragment. A returned
// core.ErrConnectionClose means the transport must drop the
// connection; the reply is still sent first.
func (s *Server) Dispatch(sess *Session, data []byte) (string, error) {
	op, body, err := parseRequest(data)
	if err != nil {
		s.log.Debug("malformed request: %v", err)
		return "<error>malformed request</error>", nil
	}

	spec, ok := s.ops[op]
	if !ok {
		s.log.Debug("unrecognized op %q", op)
		return "<error>unrecognized op: " + op + "</error>", nil
	}
	if spec.needsAuth && !sess.Authenticated {
		if sess.NoteUnauthorized() {
			return "<unauthorized/>", core.ErrConnectionClose
		}
		return "<unauthorized/>", nil
	}

	if spec.needsNetwork {
		s.mu.Lock()
		s.lastNetworkRPC = time.Now()
		s.mu.Unlock()
	}

	s.deps.Lock.Lock()
	reply, err := spec.handler(s, sess, body)
	s.deps.Lock.Unlock()
	if spec.mutating {
		s.log.Debug("op %s handled", op)
	}

	if err == nil || errors.Is(err, core.ErrConnectionClose) {
		if op != "auth2" || !strings.Contains(reply, "<unauthorized/>") {
			sess.NoteAuthorized()
		}
	}
	return reply, err
}

// --- handlers ---

func opAuth1(s *Server, sess *Session, _ []byte) (string, error) {
	return "<nonce>" + sess.IssueNonce() + "</nonce>", nil
}

func opAuth2(s *Server, sess *Session, body []byte) (string, error) {
	var req struct {
		Hash string `xml:"nonce_hash"`
	}
	// The hash may arrive bare or wrapped in <nonce_hash>.
	if err := unmarshalBody(body, &req); err != nil || req.Hash == "" {
		req.Hash = strings.TrimSpace(string(body))
	}
	if sess.VerifyAuth2(req.Hash, s.password) {
		return "<authorized/>", nil
	}
	if sess.NoteUnauthorized() {
		return "<unauthorized/>", core.ErrConnectionClose
	}
	return "<unauthorized/>", nil
}

func opExchangeVersions(s *Server, _ *Session, _ []byte) (string, error) {
	v := s.deps.Version
	return fmt.Sprintf("<server_version><major>%d</major><minor>%d</minor><release>%d</release></server_version>",
		v.Major, v.Minor, v.Release), nil
}

func opGetNotices(s *Server, _ *Session, body []byte) (string, error) {
	return noticesReply(s, body, false)
}

func opGetNoticesPublic(s *Server, _ *Session, body []byte) (string, error) {
	return noticesReply(s, body, true)
}

func noticesReply(s *Server, body []byte, publicOnly bool) (string, error) {
	var req struct {
		Seqno int `xml:"seqno"`
	}
	unmarshalBody(body, &req)
	var buf bytes.Buffer
	if err := s.deps.Notices.Write(&buf, req.Seqno, publicOnly); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func opGetMessages(s *Server, _ *Session, body []byte) (string, error) {
	var req struct {
		Seqno int `xml:"seqno"`
	}
	unmarshalBody(body, &req)
	msgs, err := s.deps.Messages.Since(req.Seqno, 0)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("<msgs>")
	for _, m := range msgs {
		fmt.Fprintf(&b, "<msg><seqno>%d</seqno><project>%s</project><pri>%d</pri><time>%d</time><body>%s</body></msg>",
			m.Seqno, xmlEscape(m.ProjectURL), m.Priority, m.CreatedAt.Unix(), xmlEscape(m.Body))
	}
	b.WriteString("</msgs>")
	return b.String(), nil
}

func opGetMessageCount(s *Server, _ *Session, _ []byte) (string, error) {
	n, err := s.deps.Messages.Count()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("<seqno>%d</seqno>", n), nil
}

func opGetState(s *Server, _ *Session, _ []byte) (string, error) {
	var b strings.Builder
	b.WriteString("<client_state>")
	fmt.Fprintf(&b, "<host_info><domain_name>%s</domain_name><host_cpid>%s</host_cpid><os_name>%s</os_name><os_version>%s</os_version><p_ncpus>%d</p_ncpus></host_info>",
		xmlEscape(s.deps.Host.DomainName), xmlEscape(s.deps.Host.HostCPID),
		xmlEscape(s.deps.Host.OSName), xmlEscape(s.deps.Host.OSVersion), s.deps.Host.NCPUs)
	fmt.Fprintf(&b, "<core_client_major_version>%d</core_client_major_version><core_client_minor_version>%d</core_client_minor_version><core_client_release>%d</core_client_release>",
		s.deps.Version.Major, s.deps.Version.Minor, s.deps.Version.Release)
	writeProjects(&b, s.deps.Projects.All())
	b.WriteString("</client_state>")
	return b.String(), nil
}

func opGetProjectStatus(s *Server, _ *Session, _ []byte) (string, error) {
	var b strings.Builder
	b.WriteString("<projects>")
	writeProjects(&b, s.deps.Projects.All())
	b.WriteString("</projects>")
	return b.String(), nil
}

func writeProjects(b *strings.Builder, projects []*core.Project) {
	for _, p := range projects {
		fmt.Fprintf(b, "<project><master_url>%s</master_url><project_name>%s</project_name>",
			xmlEscape(p.MasterURL), xmlEscape(p.ProjectName))
		fmt.Fprintf(b, "<resource_share>%g</resource_share>", p.EffectiveResourceShare())
		if p.AttachedViaAcctMgr {
			b.WriteString("<attached_via_acct_mgr/>")
		}
		if p.DontRequestMoreWork {
			b.WriteString("<dont_request_more_work/>")
		}
		if p.DetachWhenDone {
			b.WriteString("<detach_when_done/>")
		}
		if p.Suspended {
			b.WriteString("<suspended_via_gui/>")
		}
		if p.SchedRPCPending {
			b.WriteString("<sched_rpc_pending/>")
		}
		fmt.Fprintf(b, "<njobs>%d</njobs>", p.JobCount)
		b.WriteString("</project>")
	}
}

func opGetNewerVersion(s *Server, _ *Session, _ []byte) (string, error) {
	return "<newer_version>" + xmlEscape(s.deps.Versions.NewerVersion()) + "</newer_version>", nil
}

func opAcctMgrInfo(s *Server, _ *Session, _ []byte) (string, error) {
	info := s.deps.Manager.Info()
	var b strings.Builder
	b.WriteString("<acct_mgr_info>")
	fmt.Fprintf(&b, "<acct_mgr_url>%s</acct_mgr_url><acct_mgr_name>%s</acct_mgr_name>",
		xmlEscape(info.MasterURL), xmlEscape(info.Name))
	if info.LoginName != "" || info.Authenticator != "" {
		b.WriteString("<have_credentials/>")
	}
	if info.CookieRequired {
		b.WriteString("<cookie_required/>")
	}
	b.WriteString("</acct_mgr_info>")
	return b.String(), nil
}

func opAcctMgrRPC(s *Server, _ *Session, body []byte) (string, error) {
	var req struct {
		URL      string `xml:"url"`
		Name     string `xml:"name"`
		Password string `xml:"password"`
	}
	unmarshalBody(body, &req)
	if err := s.deps.Manager.DoRPC(req.URL, req.Name, req.Password, true); err != nil {
		return errorReply(err), nil
	}
	return "<success/>", nil
}

func opAcctMgrRPCPoll(s *Server, _ *Session, _ []byte) (string, error) {
	var b strings.Builder
	b.WriteString("<acct_mgr_rpc_reply>")
	switch {
	case s.deps.Manager.Busy():
		b.WriteString("<error_num>-204</error_num>")
	case s.deps.Manager.LastError() != nil:
		fmt.Fprintf(&b, "<error_num>-1</error_num><message>%s</message>",
			xmlEscape(s.deps.Manager.LastError().Error()))
	default:
		b.WriteString("<error_num>0</error_num>")
	}
	b.WriteString("</acct_mgr_rpc_reply>")
	return b.String(), nil
}

func opProjectAttach(s *Server, _ *Session, body []byte) (string, error) {
	var req struct {
		URL           string `xml:"project_url"`
		Authenticator string `xml:"authenticator"`
		Name          string `xml:"project_name"`
	}
	unmarshalBody(body, &req)
	canon, err := core.CanonicalizeMasterURL(req.URL)
	if err != nil {
		return errorReply(core.ErrInvalidURL), nil
	}
	if req.Authenticator == "" {
		return errorReply(core.ErrMissingAuthenticator), nil
	}
	if s.deps.Projects.Lookup(canon) != nil {
		return "<error>already attached</error>", nil
	}
	if err := s.deps.Ops.AttachProject(canon, req.Authenticator, req.Name); err != nil {
		return errorReply(err), nil
	}
	return "<success/>", nil
}

func opProjectDetach(s *Server, _ *Session, body []byte) (string, error) {
	var req struct {
		URL string `xml:"project_url"`
	}
	unmarshalBody(body, &req)
	p := s.deps.Projects.Lookup(req.URL)
	if p == nil {
		return errorReply(core.ErrProjectNotFound), nil
	}
	if err := s.deps.Ops.DetachProject(p); err != nil {
		return errorReply(err), nil
	}
	return "<success/>", nil
}

func opReadConfig(s *Server, _ *Session, _ []byte) (string, error) {
	if s.deps.ReloadConfig != nil {
		if err := s.deps.ReloadConfig(); err != nil {
			return errorReply(err), nil
		}
	}
	return "<success/>", nil
}

func opQuit(s *Server, _ *Session, _ []byte) (string, error) {
	if s.deps.Quit != nil {
		s.deps.Quit()
	}
	return "<success/>", core.ErrConnectionClose
}

// --- helpers ---

func unmarshalBody(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	// Wrap so the body's sibling elements decode as fields of v.
	wrapped := append(append([]byte("<body>"), body...), []byte("</body>")...)
	return xml.Unmarshal(wrapped, v)
}

func errorReply(err error) string {
	return "<error>" + xmlEscape(err.Error()) + "</error>"
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
