// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package crab

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Split algorithms accepted in Task.SplitAlgo.
const (
	SplitLumiBased = "LumiBased"
	SplitFileBased = "FileBased"
)

// Task is a user task as supplied by the task database. Operations
// never modify a Task in place.
type Task struct {
	Name      string `json:"tm_taskname"`
	UserDN    string `json:"tm_user_dn"`
	UserHN    string `json:"tm_username"`
	Scheduler string `json:"tm_schedd"`

	JobType      string `json:"tm_job_type"`
	JobSW        string `json:"tm_job_sw"`
	JobArch      string `json:"tm_job_arch"`
	InputDataset string `json:"tm_input_dataset"`

	SiteWhitelist []string `json:"tm_site_whitelist"`
	SiteBlacklist []string `json:"tm_site_blacklist"`

	SplitAlgo string `json:"tm_split_algo"`
	SplitArgs int    `json:"tm_split_args"`

	AdditionalOutputFiles []string `json:"tm_outfiles"`
	TFileOutputFiles      []string `json:"tm_tfile_outfiles"`
	EDMOutputFiles        []string `json:"tm_edm_outfiles"`

	PublishName   string `json:"tm_publish_name"`
	Publication   bool   `json:"tm_publication"`
	DBSURL        string `json:"tm_dbs_url"`
	PublishDBSURL string `json:"tm_publish_dbs_url"`
	AsyncDest     string `json:"tm_asyncdest"`
	SaveLogs      bool   `json:"tm_save_logs"`
	BlacklistT1   bool   `json:"tm_blacklist_t1"`

	CacheURL      string `json:"tm_cache_url"`
	CacheFilename string `json:"tm_user_sandbox"`

	// Runs and Lumis are parallel lists: Lumis[i] is a
	// comma-separated list of lumi ranges ("1-10,20-30") for
	// Runs[i].
	Runs  []string `json:"runs"`
	Lumis []string `json:"lumis"`

	UserProxy string `json:"user_proxy"`
}

// OutputFiles returns every declared output file name in the order
// used for remote name assignment: additional, TFile, EDM.
func (t *Task) OutputFiles() []string {
	var out []string
	out = append(out, t.AdditionalOutputFiles...)
	out = append(out, t.TFileOutputFiles...)
	out = append(out, t.EDMOutputFiles...)
	return out
}

// Workflow returns the user-chosen part of the task name (everything
// after the last underscore).
func (t *Task) Workflow() string {
	if i := strings.LastIndex(t.Name, "_"); i >= 0 {
		return t.Name[i+1:]
	}
	return t.Name
}

// TempDest is where stage-out nodes pick up unit outputs.
func (t *Task) TempDest() string {
	return "/store/temp/user/" + t.UserHN + "/" + t.Name + "/" + t.PublishName
}

// OutputDest is the final destination of unit outputs.
func (t *Task) OutputDest() string {
	return "/store/user/" + t.UserHN + "/" + t.Name + "/" + t.PublishName
}

// LumiMask returns the task-level run/lumi mask built from Runs and
// Lumis.
func (t *Task) LumiMask() (LumiMask, error) {
	if len(t.Runs) != len(t.Lumis) {
		return nil, fmt.Errorf("runs and lumis lists have different lengths (%d != %d)", len(t.Runs), len(t.Lumis))
	}
	mask := LumiMask{}
	for i, run := range t.Runs {
		for _, rng := range strings.Split(t.Lumis[i], ",") {
			rng = strings.TrimSpace(rng)
			if rng == "" {
				continue
			}
			var lo, hi int
			if _, err := fmt.Sscanf(rng, "%d-%d", &lo, &hi); err != nil {
				if _, err := fmt.Sscanf(rng, "%d", &lo); err != nil {
					return nil, fmt.Errorf("invalid lumi range %q for run %s", rng, run)
				}
				hi = lo
			}
			mask[run] = append(mask[run], [2]int{lo, hi})
		}
	}
	return mask, nil
}

// LumiMask maps a run number to a list of inclusive lumi ranges.
type LumiMask map[string][][2]int

// WorkUnitGroup is an ordered set of work units that share candidate
// site locations.
type WorkUnitGroup struct {
	Locations []string   `json:"locations"`
	Units     []WorkUnit `json:"jobs"`
}

// SiteCandidates returns the group's observed locations, falling
// back to the locations of the first input file of the first unit.
func (g *WorkUnitGroup) SiteCandidates() []string {
	if len(g.Locations) > 0 {
		return g.Locations
	}
	if len(g.Units) > 0 && len(g.Units[0].InputFiles) > 0 {
		return g.Units[0].InputFiles[0].Locations
	}
	return nil
}

// WorkUnit is the smallest independently schedulable piece of a
// task.
type WorkUnit struct {
	InputFiles []InputFile `json:"input_files"`
	Mask       LumiMask    `json:"mask"`
}

// LFNs returns the logical file names of the unit's inputs.
func (u *WorkUnit) LFNs() []string {
	lfns := make([]string, 0, len(u.InputFiles))
	for _, f := range u.InputFiles {
		lfns = append(lfns, f.LFN)
	}
	return lfns
}

type InputFile struct {
	LFN       string   `json:"lfn"`
	Locations []string `json:"locations"`
}

// ResubmitParams carries optional overrides for a resubmission. Nil
// or empty fields are left unchanged.
type ResubmitParams struct {
	SiteWhitelist []string `json:"resubmit_site_whitelist,omitempty"`
	SiteBlacklist []string `json:"resubmit_site_blacklist,omitempty"`
	MaxJobRuntime *int     `json:"resubmit_maxjobruntime,omitempty"`
	MaxMemory     *int     `json:"resubmit_maxmemory,omitempty"`
	NumCores      *int     `json:"resubmit_numcores,omitempty"`
	Priority      *int     `json:"resubmit_priority,omitempty"`
	JobIDs        []int    `json:"resubmit_jobids,omitempty"`
}

// IsZero reports whether no override is set.
func (p *ResubmitParams) IsZero() bool {
	return p == nil || (p.SiteWhitelist == nil && p.SiteBlacklist == nil &&
		p.MaxJobRuntime == nil && p.MaxMemory == nil && p.NumCores == nil &&
		p.Priority == nil && len(p.JobIDs) == 0)
}

var taskNameRe = regexp.MustCompile(`^[a-zA-Z0-9\-_:.]+$`)

const maxTaskNameLength = 255

// ValidateTaskName returns an InvalidTaskIdentity error if name is
// not acceptable as a task name.
func ValidateTaskName(name string) error {
	if len(name) == 0 || len(name) > maxTaskNameLength || !taskNameRe.MatchString(name) {
		return Errorf(InvalidTaskIdentity, name, "invalid task name %q", name)
	}
	return nil
}

// NewTaskName returns a task name of the form
// "<scheduler>_<yymmdd_HHMMSS>_<user>_<workflow>".
func NewTaskName(scheduler string, t time.Time, userHN, workflow string) string {
	return fmt.Sprintf("%s_%s_%s_%s", scheduler, t.UTC().Format("060102_150405"), userHN, workflow)
}
