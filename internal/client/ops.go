package client

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gridpulse/gridpulse/internal/core"
	"github.com/gridpulse/gridpulse/internal/messages"
)

// projectOps is the built-in ProjectOps implementation: it maintains
// the registry and the durable project list, and records each change
// in the message log. The job-execution side of attach/detach lives in
// the (out of scope) work subsystem.
type projectOps struct {
	state *State
}

func (o *projectOps) AttachProject(masterURL, authenticator, name string) error {
	canon, err := core.CanonicalizeMasterURL(masterURL)
	if err != nil {
		return err
	}
	if o.state.Projects.Lookup(canon) != nil {
		return fmt.Errorf("already attached to %s", canon)
	}
	o.state.Projects.Add(&core.Project{
		MasterURL:     canon,
		ProjectName:   name,
		Authenticator: authenticator,
		ResourceShare: 100,
	})
	o.state.recordMessage(canon, messages.PriorityInfo, "Attached to "+canon)
	return o.state.saveProjects()
}

func (o *projectOps) DetachProject(p *core.Project) error {
	if !o.state.Projects.Remove(p.MasterURL) {
		return core.ErrProjectNotFound
	}
	o.state.Feeds.RemoveProject(p.MasterURL)
	os.Remove(filepath.Join(o.state.cfg.DataDir, "statefile_"+core.URLToFilename(p.MasterURL)+".xml"))
	o.state.recordMessage(p.MasterURL, messages.PriorityInfo, "Detached from "+p.MasterURL)
	return o.state.saveProjects()
}

func (o *projectOps) AbortNotStartedJobs(p *core.Project) error {
	o.state.recordMessage(p.MasterURL, messages.PriorityInfo, "Aborting jobs that have not started")
	p.NotStartedJobCount = 0
	return nil
}

// schedulerHooks forwards the two narrow scheduling callbacks into the
// message log; the job subsystem reads them from there.
type schedulerHooks struct {
	state *State
}

func (h *schedulerHooks) RequestCPUReschedule(reason string) {
	h.state.log.Debug("CPU reschedule requested: %s", reason)
}

func (h *schedulerHooks) RequestWorkFetch(reason string) {
	h.state.log.Debug("work fetch requested: %s", reason)
}

// prefsSink persists manager-supplied global preferences.
type prefsSink struct {
	state *State
}

func (s *prefsSink) ApplyGlobalPrefs(prefsXML []byte, sourceURL string) error {
	path := filepath.Join(s.state.cfg.DataDir, "global_prefs.xml")
	if err := os.WriteFile(path, prefsXML, 0600); err != nil {
		return fmt.Errorf("write global preferences: %w", err)
	}
	s.state.recordMessage("", messages.PriorityInfo, "Global preferences updated from "+sourceURL)
	return nil
}
